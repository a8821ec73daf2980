package fsm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/fieldchat/internal/apperr"
	"github.com/ashureev/fieldchat/internal/domain"
)

// StatePort persists accepted transitions. CommitTransition must store the
// new context and the log record together or not at all.
type StatePort interface {
	CommitTransition(ctx context.Context, next *domain.FSMContext, rec domain.TransitionRecord) error
}

// SideEffect runs after a transition has been committed. Failures are
// recorded but never undo the transition.
type SideEffect struct {
	Name string
	Run  func(ctx context.Context, fc *domain.FSMContext) error
}

// TransitionResult describes one attempted transition.
type TransitionResult struct {
	Success     bool
	From        domain.State
	To          domain.State
	Trigger     string
	Err         error
	Context     *domain.FSMContext
	SideEffects []string
}

// Option customises a single transition.
type Option func(*request)

type request struct {
	effects       []SideEffect
	closureReason string
	updates       []func(*domain.FSMContext)
}

// WithSideEffect attaches a best-effort callback.
func WithSideEffect(name string, run func(ctx context.Context, fc *domain.FSMContext) error) Option {
	return func(r *request) {
		r.effects = append(r.effects, SideEffect{Name: name, Run: run})
	}
}

// WithClosureReason records why a flow was closed.
func WithClosureReason(reason string) Option {
	return func(r *request) { r.closureReason = reason }
}

// WithUpdate mutates the candidate context before it is committed, so data
// changes persist together with the new state.
func WithUpdate(fn func(next *domain.FSMContext)) Option {
	return func(r *request) { r.updates = append(r.updates, fn) }
}

// Engine validates transitions against a Table and commits them through a StatePort.
type Engine struct {
	table  *Table
	port   StatePort
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine creates an engine. A nil logger uses slog.Default.
func NewEngine(table *Table, port StatePort, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{table: table, port: port, logger: logger, now: time.Now}
}

// Table returns the engine's rule table.
func (e *Engine) Table() *Table {
	return e.table
}

// ValidateTransition checks a transition against the table without applying it.
func (e *Engine) ValidateTransition(from, to domain.State, trigger string) error {
	return e.table.ValidateTransition(from, to, trigger)
}

// Transition moves fc to the given state. fc itself is never modified; on
// success the result carries the committed copy.
func (e *Engine) Transition(ctx context.Context, fc *domain.FSMContext, to domain.State, trigger string, opts ...Option) (TransitionResult, error) {
	req := request{}
	for _, opt := range opts {
		opt(&req)
	}

	res := TransitionResult{From: fc.CurrentState, To: fc.CurrentState, Trigger: trigger, Context: fc}
	if err := e.table.ValidateTransition(fc.CurrentState, to, trigger); err != nil {
		res.Err = err
		e.logger.Info("transition rejected",
			"user_id", fc.UserID, "from_state", fc.CurrentState, "to_state", to, "trigger", trigger)
		return res, err
	}

	now := e.now()
	next := fc.Clone()
	for _, update := range req.updates {
		update(next)
	}
	next.CurrentState = to
	next.LastActivity = now
	if to == domain.StateIdle {
		next.Flow = domain.FlowNone
		next.TaskID = ""
		next.CollectedData = map[string]any{}
	}

	rec := domain.TransitionRecord{
		ContextID:     fc.ID,
		UserID:        fc.UserID,
		FromState:     fc.CurrentState,
		ToState:       to,
		Trigger:       trigger,
		ClosureReason: req.closureReason,
		CreatedAt:     now,
	}
	if err := e.port.CommitTransition(ctx, next, rec); err != nil {
		res.Err = err
		e.logger.Warn("transition commit failed",
			"user_id", fc.UserID, "from_state", fc.CurrentState, "to_state", to, "trigger", trigger, "error", err)
		return res, err
	}

	res.Success = true
	res.To = to
	res.Context = next
	e.logger.Info("transition committed",
		"user_id", fc.UserID, "flow", next.Flow, "from_state", rec.FromState, "to_state", to, "trigger", trigger)

	for _, effect := range req.effects {
		res.SideEffects = append(res.SideEffects, e.runSideEffect(ctx, effect, next))
	}
	return res, nil
}

// Fire resolves trigger to its destination from the current state and
// applies it.
func (e *Engine) Fire(ctx context.Context, fc *domain.FSMContext, trigger string, opts ...Option) (TransitionResult, error) {
	to, ok := e.table.Target(fc.CurrentState, trigger)
	if !ok {
		err := apperr.NewStateConflict(
			fmt.Sprintf("trigger %q is not valid in state %s", trigger, fc.CurrentState),
			map[string]any{"from_state": string(fc.CurrentState), "trigger": trigger},
		)
		return TransitionResult{From: fc.CurrentState, To: fc.CurrentState, Trigger: trigger, Err: err, Context: fc}, err
	}
	return e.Transition(ctx, fc, to, trigger, opts...)
}

// Restart returns fc ready for a new flow. A context in a terminal state is
// moved back to IDLE through the reset rule; an open flow is a conflict.
func (e *Engine) Restart(ctx context.Context, fc *domain.FSMContext) (*domain.FSMContext, error) {
	switch {
	case fc.CurrentState == domain.StateIdle:
		return fc, nil
	case fc.CurrentState.Terminal():
		res, err := e.Fire(ctx, fc, TriggerReset)
		if err != nil {
			return fc, err
		}
		return res.Context, nil
	default:
		return fc, apperr.NewStateConflict(
			fmt.Sprintf("flow %s is still open in state %s", fc.Flow, fc.CurrentState),
			map[string]any{"flow": string(fc.Flow), "state": string(fc.CurrentState)},
		)
	}
}

func (e *Engine) runSideEffect(ctx context.Context, effect SideEffect, fc *domain.FSMContext) (outcome string) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("side effect panicked", "side_effect", effect.Name, "user_id", fc.UserID, "panic", r)
			outcome = effect.Name + " failed"
		}
	}()
	if err := effect.Run(ctx, fc); err != nil {
		e.logger.Warn("side effect failed", "side_effect", effect.Name, "user_id", fc.UserID, "error", err)
		return effect.Name + " failed"
	}
	return effect.Name
}
