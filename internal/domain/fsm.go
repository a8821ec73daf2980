package domain

import (
	"time"

	"github.com/ashureev/fieldchat/internal/shared"
)

// State is a member of the flow state enum.
type State string

const (
	StateIdle           State = "IDLE"
	StateTaskSelection  State = "TASK_SELECTION"
	StateCollectingData State = "COLLECTING_DATA"
	StateAwaitingAction State = "AWAITING_ACTION"
	StateCompleted      State = "COMPLETED"
	StateAbandoned      State = "ABANDONED"

	// StateAny is the wildcard source state of a transition rule.
	StateAny State = "any"
)

// States lists every concrete state.
var States = []State{
	StateIdle, StateTaskSelection, StateCollectingData,
	StateAwaitingAction, StateCompleted, StateAbandoned,
}

// Valid reports whether s is a concrete member of the state enum.
func (s State) Valid() bool {
	for _, st := range States {
		if s == st {
			return true
		}
	}
	return false
}

// Terminal reports whether s ends a flow.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAbandoned
}

// FlowName identifies the specialized flow owning an FSM context.
type FlowName string

const (
	FlowNone     FlowName = ""
	FlowIncident FlowName = "incident"
	FlowProgress FlowName = "progress"
)

// IntentHistorySize bounds FSMContext.IntentHistory.
const IntentHistorySize = 10

// FSMContext is the per-user working state of a specialized flow.
type FSMContext struct {
	ID            string            `json:"id"`
	UserID        string            `json:"user_id"`
	Flow          FlowName          `json:"flow"`
	CurrentState  State             `json:"current_state"`
	SessionID     string            `json:"session_id"`
	TaskID        string            `json:"task_id,omitempty"`
	CollectedData map[string]any    `json:"collected_data,omitempty"`
	LastActivity  time.Time         `json:"last_activity"`
	IntentHistory []string          `json:"intent_history,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	// Version counts committed writes. Stores only accept a write made
	// from the current version.
	Version int64 `json:"version"`
}

// InFlow reports whether a flow currently owns the context in a non-terminal, non-idle state.
func (c *FSMContext) InFlow() bool {
	return c != nil && c.Flow != FlowNone && c.CurrentState != StateIdle && !c.CurrentState.Terminal()
}

// Clone returns a deep copy, so callers can mutate a candidate without
// touching the committed context.
func (c *FSMContext) Clone() *FSMContext {
	if c == nil {
		return nil
	}
	out := *c
	out.CollectedData = make(map[string]any, len(c.CollectedData))
	for k, v := range c.CollectedData {
		out.CollectedData[k] = v
	}
	out.Metadata = make(map[string]string, len(c.Metadata))
	for k, v := range c.Metadata {
		out.Metadata[k] = v
	}
	out.IntentHistory = append([]string(nil), c.IntentHistory...)
	return &out
}

// RecordIntent appends an intent label to the history, keeping only the
// newest IntentHistorySize entries.
func (c *FSMContext) RecordIntent(label string) {
	if c == nil || label == "" {
		return
	}
	r := shared.RingFrom(IntentHistorySize, c.IntentHistory)
	r.Push(label)
	c.IntentHistory = r.Items()
}

// StringData returns a collected string value.
func (c *FSMContext) StringData(key string) string {
	if c == nil || c.CollectedData == nil {
		return ""
	}
	if v, ok := c.CollectedData[key].(string); ok {
		return v
	}
	return ""
}

// TransitionRecord is one logged state change.
type TransitionRecord struct {
	ContextID     string    `json:"context_id"`
	UserID        string    `json:"user_id"`
	FromState     State     `json:"from_state"`
	ToState       State     `json:"to_state"`
	Trigger       string    `json:"trigger"`
	ClosureReason string    `json:"closure_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}
