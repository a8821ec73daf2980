package language

import (
	"context"
	"fmt"
	"strings"

	"github.com/ashureev/fieldchat/internal/apperr"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
)

// Translator converts text between languages. Implementations hold no
// per-conversation state.
type Translator interface {
	Translate(ctx context.Context, text, source, target string) (string, error)
}

const translateSystemPrompt = `You translate short chat messages exchanged between field workers and their operations assistant.
Translate from {source} to {target}.
Keep task numbers, project codes, names and numbers exactly as written.
Reply with the translation only, no quotes and no explanation.`

// LLMTranslator translates with a chat model.
type LLMTranslator struct {
	chain compose.Runnable[map[string]any, *schema.Message]
}

// NewLLMTranslator compiles the translation chain around cm.
func NewLLMTranslator(ctx context.Context, cm model.ChatModel) (*LLMTranslator, error) {
	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage(translateSystemPrompt),
		schema.UserMessage("{text}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(cm)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile translation chain: %w", err)
	}
	return &LLMTranslator{chain: runnable}, nil
}

// Translate returns text unchanged when source and target agree.
func (t *LLMTranslator) Translate(ctx context.Context, text, source, target string) (string, error) {
	if strings.TrimSpace(text) == "" || sameLanguage(source, target) {
		return text, nil
	}

	out, err := t.chain.Invoke(ctx, map[string]any{
		"source": source,
		"target": target,
		"text":   text,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", apperr.NewTimeout("translation", ctxErr)
		}
		return "", apperr.NewIntegrationFailure("translation", err)
	}

	translated := strings.TrimSpace(out.Content)
	if translated == "" {
		return "", apperr.NewIntegrationFailure("translation", fmt.Errorf("empty translation"))
	}
	return translated, nil
}

// Passthrough is the Translator used when no model is configured.
type Passthrough struct{}

// Translate returns text unchanged.
func (Passthrough) Translate(_ context.Context, text, _, _ string) (string, error) {
	return text, nil
}

func sameLanguage(a, b string) bool {
	return a == "" || b == "" || strings.EqualFold(a, b)
}
