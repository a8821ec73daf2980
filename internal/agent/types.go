// Package agent is the general-purpose reasoning engine behind the router.
package agent

// Role names the author of a history entry.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// HistoryMessage is one earlier turn handed to the engine.
type HistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// FlowState is the explicit flow state passed along with a message.
type FlowState struct {
	Flow          string         `json:"flow"`
	CurrentState  string         `json:"current_state"`
	TaskID        string         `json:"task_id,omitempty"`
	CollectedData map[string]any `json:"collected_data,omitempty"`
}

// Request asks the engine to answer one message.
type Request struct {
	UserID    string
	SessionID string
	Message   string
	Language  string
	History   []HistoryMessage
	State     *FlowState
}

// ToolCall is a tool invocation the engine made while answering.
type ToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Result is the engine's answer.
type Result struct {
	Message    string
	Escalation bool
	ToolCalls  []ToolCall
}
