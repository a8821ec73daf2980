package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/ashureev/fieldchat/internal/apperr"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
)

// EscalationMarker is the token the model emits when a human should take over.
const EscalationMarker = "[ESCALATE]"

const engineSystemPrompt = `You are the assistant of a field operations team. Workers message you from
construction and maintenance sites to report incidents, update task progress
and ask about their work.

Answer briefly and concretely, in plain text suitable for a phone chat.
Never invent task numbers, ticket numbers or deadlines.
If the worker is in danger, reports an injury, or explicitly asks for a person,
answer with a short reassurance and end your reply with ` + EscalationMarker + `.`

// ChatEngine is an in-process reasoning engine backed by an eino chat model.
type ChatEngine struct {
	chain  compose.Runnable[map[string]any, *schema.Message]
	logger *slog.Logger
}

// NewChatEngine compiles the prompt chain around cm.
func NewChatEngine(ctx context.Context, cm model.ChatModel, logger *slog.Logger) (*ChatEngine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(cm)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile reasoning chain: %w", err)
	}
	return &ChatEngine{chain: runnable, logger: logger}, nil
}

// ProcessMessage answers req with the chat model.
func (e *ChatEngine) ProcessMessage(ctx context.Context, req Request) (*Result, error) {
	out, err := e.chain.Invoke(ctx, map[string]any{
		"system":  systemPrompt(req),
		"history": historyMessages(req.History),
		"query":   req.Message,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, apperr.NewTimeout(dependency, ctxErr)
		}
		return nil, apperr.NewIntegrationFailure(dependency, err)
	}

	text := strings.TrimSpace(out.Content)
	res := &Result{}
	if strings.Contains(text, EscalationMarker) {
		res.Escalation = true
		text = strings.TrimSpace(strings.ReplaceAll(text, EscalationMarker, ""))
	}
	res.Message = text
	for _, tc := range out.ToolCalls {
		call := ToolCall{Name: tc.Function.Name}
		if tc.Function.Arguments != "" {
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &call.Arguments)
		}
		res.ToolCalls = append(res.ToolCalls, call)
	}

	e.logger.Debug("reasoning engine answered",
		"user_id", req.UserID,
		"session_id", req.SessionID,
		"escalation", res.Escalation,
		"length", len(res.Message))
	return res, nil
}

// Close is a no-op; the model client holds no connection of its own.
func (e *ChatEngine) Close() {}

func systemPrompt(req Request) string {
	var b strings.Builder
	b.WriteString(engineSystemPrompt)
	if req.Language != "" {
		b.WriteString("\nThe worker's language is ")
		b.WriteString(req.Language)
		b.WriteString("; the message below has already been translated for you, answer in English.")
	}
	if st := req.State; st != nil && st.Flow != "" {
		b.WriteString("\n\nThe worker is in the middle of the ")
		b.WriteString(st.Flow)
		b.WriteString(" flow, step ")
		b.WriteString(st.CurrentState)
		b.WriteString(".")
		if st.TaskID != "" {
			b.WriteString(" Task: ")
			b.WriteString(st.TaskID)
			b.WriteString(".")
		}
		if len(st.CollectedData) > 0 {
			keys := make([]string, 0, len(st.CollectedData))
			for k := range st.CollectedData {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			b.WriteString(" Collected so far:")
			for _, k := range keys {
				fmt.Fprintf(&b, "\n- %s: %v", k, st.CollectedData[k])
			}
		}
	}
	return b.String()
}

func historyMessages(history []HistoryMessage) []*schema.Message {
	out := make([]*schema.Message, 0, len(history))
	for _, h := range history {
		switch h.Role {
		case RoleAssistant:
			out = append(out, schema.AssistantMessage(h.Content, nil))
		default:
			out = append(out, schema.UserMessage(h.Content))
		}
	}
	return out
}
