package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ashureev/fieldchat/internal/apperr"
	"github.com/ashureev/fieldchat/internal/domain"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
)

const llmDefaultConfidence = 0.6

// LLMFallback asks a chat model for a JSON classification.
type LLMFallback struct {
	chain        compose.Runnable[map[string]any, *schema.Message]
	historyLimit int
}

// NewLLMFallback compiles the classification chain around chatModel.
func NewLLMFallback(ctx context.Context, chatModel model.ChatModel, historyLimit int) (*LLMFallback, error) {
	if historyLimit <= 0 {
		historyLimit = 6
	}

	tpl := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage(classifierSystemPrompt),
		schema.UserMessage(classifierUserPrompt),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(tpl)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile intent classifier chain: %w", err)
	}
	return &LLMFallback{chain: runnable, historyLimit: historyLimit}, nil
}

// Classify implements Fallback. Output that cannot be parsed degrades to a
// general intent at low confidence; only a failed model call is an error.
func (f *LLMFallback) Classify(ctx context.Context, req Request) (domain.IntentClassification, error) {
	input := map[string]any{
		"intents":  intentList(),
		"history":  formatHistory(req.History, f.historyLimit),
		"last_bot": strings.TrimSpace(req.LastBotMessage),
		"message":  strings.TrimSpace(req.Text),
	}

	msg, err := f.chain.Invoke(ctx, input)
	if err != nil {
		return domain.IntentClassification{}, apperr.NewIntegrationFailure("intent_llm", err)
	}
	if msg == nil {
		return generalDefault("llm_unparsable"), nil
	}
	return parseClassification(msg.Content), nil
}

type classifierPayload struct {
	Intent     string            `json:"intent"`
	Confidence float64           `json:"confidence"`
	Parameters map[string]string `json:"parameters"`
}

func parseClassification(content string) domain.IntentClassification {
	trimmed := strings.TrimSpace(content)
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start == -1 || end <= start {
		return generalDefault("llm_unparsable")
	}

	var payload classifierPayload
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), &payload); err != nil {
		return generalDefault("llm_unparsable")
	}
	it, ok := domain.ParseIntent(strings.ToLower(strings.TrimSpace(payload.Intent)))
	if !ok {
		return generalDefault("llm_unparsable")
	}

	confidence := payload.Confidence
	if confidence <= 0 {
		confidence = llmDefaultConfidence
	}
	if confidence > 1 {
		confidence = 1
	}
	return domain.IntentClassification{
		Intent:     it,
		Confidence: confidence,
		Priority:   PriorityOf(it),
		Parameters: payload.Parameters,
		Source:     "llm",
	}
}

func intentList() string {
	names := make([]string, 0, len(domain.Intents))
	for _, it := range domain.Intents {
		if it == domain.IntentContinueFlow {
			continue
		}
		names = append(names, string(it))
	}
	return strings.Join(names, ", ")
}

func formatHistory(messages []*domain.Message, limit int) string {
	if len(messages) == 0 {
		return "(no earlier messages)"
	}
	start := len(messages) - limit
	if start < 0 {
		start = 0
	}
	var b strings.Builder
	for _, m := range messages[start:] {
		text := strings.TrimSpace(m.Text)
		if text == "" {
			continue
		}
		role := "worker"
		if m.Direction == domain.DirectionOutbound {
			role = "assistant"
		}
		b.WriteString(role)
		b.WriteString(": ")
		b.WriteString(text)
		b.WriteString("\n")
	}
	if b.Len() == 0 {
		return "(no earlier messages)"
	}
	return strings.TrimRight(b.String(), "\n")
}

const classifierSystemPrompt = "You label chat messages sent by field workers to an operations assistant. " +
	"Choose exactly one intent from this list: {intents}. " +
	"Reply with a single JSON object and nothing else. The object has the keys intent (string), " +
	"confidence (number between 0 and 1) and parameters (object of string values, for example a project reference under the key project)."

const classifierUserPrompt = "Recent conversation:\n{history}\n\nLast assistant message:\n{last_bot}\n\nNew worker message:\n{message}"
