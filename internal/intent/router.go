package intent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashureev/fieldchat/internal/apperr"
	"github.com/ashureev/fieldchat/internal/domain"
)

// Turn is the routing input for one message. It belongs to a single
// pipeline invocation.
type Turn struct {
	UserID         string
	SessionID      string
	MessageID      string
	Text           string // in the internal language
	Language       string // the user's language
	Classification domain.IntentClassification
	Flow           *domain.FSMContext
	History        []*domain.Message
	LastBotMessage string
}

// Response is what a handler answers with.
type Response struct {
	Reply    domain.Reply
	Escalate bool
}

// Handler is a deterministic fast-path handler. Returning nil, nil means
// "no answer" and lets the router try the next tier.
type Handler interface {
	Name() string
	Handle(ctx context.Context, turn *Turn) (*Response, error)
}

// CommandKind tells the router what a flow decided.
type CommandKind int

const (
	// Continue keeps the flow open and answers with Reply.
	Continue CommandKind = iota
	// Reroute hands the message to the next tier.
	Reroute
	// Complete closes the flow and answers with Reply.
	Complete
)

func (k CommandKind) String() string {
	switch k {
	case Continue:
		return "continue"
	case Reroute:
		return "reroute"
	case Complete:
		return "complete"
	default:
		return "unknown"
	}
}

// Command is the tagged result of a flow step.
type Command struct {
	Kind   CommandKind
	Reply  domain.Reply
	Reason string
}

// ContinueWith keeps the flow open.
func ContinueWith(reply domain.Reply) Command { return Command{Kind: Continue, Reply: reply} }

// CompleteWith closes the flow.
func CompleteWith(reply domain.Reply) Command { return Command{Kind: Complete, Reply: reply} }

// RerouteBecause passes the message on.
func RerouteBecause(reason string) Command { return Command{Kind: Reroute, Reason: reason} }

// Flow is an FSM-backed multi-step conversation.
type Flow interface {
	Name() domain.FlowName
	// Claims reports whether the flow wants to handle turn.
	Claims(turn *Turn) bool
	Step(ctx context.Context, turn *Turn) (Command, error)
}

// Reasoner is the general-purpose fallback tier.
type Reasoner interface {
	Reason(ctx context.Context, turn *Turn) (*Response, error)
}

// Tier names the routing level that produced an answer.
type Tier string

const (
	TierFastPath  Tier = "fast_path"
	TierFlow      Tier = "flow"
	TierReasoning Tier = "reasoning"
)

// Decision is the outcome of Route.
type Decision struct {
	Response *Response
	Tier     Tier
	Handler  string
	Command  *Command
	// Trace lists every handler consulted, in order, with its outcome.
	Trace []string
}

// Registry maps intents to ordered fast-path handlers.
type Registry struct {
	handlers map[domain.Intent][]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[domain.Intent][]Handler)}
}

// Register appends handlers for it, in fallback order.
func (r *Registry) Register(it domain.Intent, handlers ...Handler) error {
	if _, ok := domain.ParseIntent(string(it)); !ok {
		return apperr.NewValidationFailure(fmt.Sprintf("unknown intent %q", it))
	}
	r.handlers[it] = append(r.handlers[it], handlers...)
	return nil
}

// Handlers returns the handlers of it in fallback order.
func (r *Registry) Handlers(it domain.Intent) []Handler {
	return r.handlers[it]
}

// Router runs the fast path, flow and reasoning tiers in order.
type Router struct {
	registry  *Registry
	flows     []Flow
	reasoner  Reasoner
	threshold float64
	logger    *slog.Logger
}

// NewRouter creates a router. Messages classified below threshold go
// straight to the reasoner.
func NewRouter(registry *Registry, flows []Flow, reasoner Reasoner, threshold float64, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{registry: registry, flows: flows, reasoner: reasoner, threshold: threshold, logger: logger}
}

// Route answers turn.
func (r *Router) Route(ctx context.Context, turn *Turn) (*Decision, error) {
	d := &Decision{}
	cls := turn.Classification

	if cls.Confidence >= r.threshold {
		for _, h := range r.registry.Handlers(cls.Intent) {
			resp, err := r.callHandler(ctx, h, turn)
			switch {
			case err != nil:
				if ctxErr := ctx.Err(); ctxErr != nil {
					return d, ctxErr
				}
				d.Trace = append(d.Trace, h.Name()+":error")
				r.logger.Warn("fast path handler failed, falling through",
					"handler", h.Name(), "intent", cls.Intent, "user_id", turn.UserID, "error", err)
			case resp == nil:
				d.Trace = append(d.Trace, h.Name()+":no_answer")
			default:
				d.Trace = append(d.Trace, h.Name()+":answered")
				d.Response, d.Tier, d.Handler = resp, TierFastPath, h.Name()
				return d, nil
			}
		}

		for _, f := range r.flows {
			if !f.Claims(turn) {
				continue
			}
			name := "flow." + string(f.Name())
			cmd, err := r.callFlow(ctx, f, turn)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return d, ctxErr
				}
				d.Trace = append(d.Trace, name+":error")
				r.logger.Warn("flow step failed, falling through",
					"flow", f.Name(), "user_id", turn.UserID, "error", err)
				continue
			}
			d.Trace = append(d.Trace, name+":"+cmd.Kind.String())
			if cmd.Kind == Reroute {
				r.logger.Debug("flow rerouted", "flow", f.Name(), "reason", cmd.Reason)
				continue
			}
			c := cmd
			d.Response = &Response{Reply: cmd.Reply, Escalate: cmd.Reply.Escalated}
			d.Tier, d.Handler, d.Command = TierFlow, name, &c
			return d, nil
		}
	} else {
		d.Trace = append(d.Trace, "below_threshold")
	}

	if r.reasoner == nil {
		return d, apperr.NewInternal(fmt.Errorf("no reasoning engine configured"))
	}
	resp, err := r.reasoner.Reason(ctx, turn)
	if err != nil {
		d.Trace = append(d.Trace, "reasoning:error")
		return d, err
	}
	d.Trace = append(d.Trace, "reasoning:answered")
	d.Response, d.Tier, d.Handler = resp, TierReasoning, "reasoning"
	return d, nil
}

func (r *Router) callHandler(ctx context.Context, h Handler, turn *Turn) (resp *Response, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = apperr.NewInternal(fmt.Errorf("handler %s panicked: %v", h.Name(), p))
		}
	}()
	return h.Handle(ctx, turn)
}

func (r *Router) callFlow(ctx context.Context, f Flow, turn *Turn) (cmd Command, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = apperr.NewInternal(fmt.Errorf("flow %s panicked: %v", f.Name(), p))
		}
	}()
	return f.Step(ctx, turn)
}
