package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashureev/fieldchat/internal/apperr"
	"github.com/ashureev/fieldchat/internal/domain"
	"github.com/ashureev/fieldchat/internal/intent"
)

const escalationNotice = "A supervisor has been notified and will contact you shortly."

// Reasoner adapts a Processor to the router's reasoning tier.
type Reasoner struct {
	proc   Processor
	logger *slog.Logger
}

// NewReasoner wraps proc.
func NewReasoner(proc Processor, logger *slog.Logger) *Reasoner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reasoner{proc: proc, logger: logger}
}

var _ intent.Reasoner = (*Reasoner)(nil)

// Reason asks the engine for an answer to turn.
func (r *Reasoner) Reason(ctx context.Context, turn *intent.Turn) (*intent.Response, error) {
	res, err := r.proc.ProcessMessage(ctx, RequestFromTurn(turn))
	if err != nil {
		return nil, err
	}
	if res.Message == "" && !res.Escalation {
		return nil, apperr.NewIntegrationFailure(dependency, fmt.Errorf("empty answer"))
	}
	for _, tc := range res.ToolCalls {
		r.logger.Info("reasoning engine used tool",
			"user_id", turn.UserID,
			"message_id", turn.MessageID,
			"tool", tc.Name)
	}

	text := res.Message
	if text == "" {
		text = escalationNotice
	}
	return &intent.Response{
		Reply:    domain.Reply{Text: text, Escalated: res.Escalation},
		Escalate: res.Escalation,
	}, nil
}

// RequestFromTurn builds the engine request for turn. The flow state is
// passed explicitly only when a flow is open.
func RequestFromTurn(turn *intent.Turn) Request {
	req := Request{
		UserID:    turn.UserID,
		SessionID: turn.SessionID,
		Message:   turn.Text,
		Language:  turn.Language,
	}
	for _, m := range turn.History {
		role := RoleUser
		if m.Direction == domain.DirectionOutbound {
			role = RoleAssistant
		}
		req.History = append(req.History, HistoryMessage{Role: role, Content: m.Text})
	}
	if fc := turn.Flow; fc.InFlow() {
		req.State = &FlowState{
			Flow:          string(fc.Flow),
			CurrentState:  string(fc.CurrentState),
			TaskID:        fc.TaskID,
			CollectedData: fc.CollectedData,
		}
	}
	return req
}
