package domain

// Intent is a member of the closed intent enum.
type Intent string

const (
	IntentGreeting       Intent = "greeting"
	IntentHelp           Intent = "help"
	IntentListTasks      Intent = "list_tasks"
	IntentReportIncident Intent = "report_incident"
	IntentUpdateProgress Intent = "update_progress"
	IntentSetProject     Intent = "set_project"
	IntentCancel         Intent = "cancel"
	IntentContinueFlow   Intent = "continue_flow"
	IntentEscalate       Intent = "escalate"
	IntentGeneral        Intent = "general"
)

// Intents lists the closed enum.
var Intents = []Intent{
	IntentGreeting, IntentHelp, IntentListTasks, IntentReportIncident,
	IntentUpdateProgress, IntentSetProject, IntentCancel, IntentContinueFlow,
	IntentEscalate, IntentGeneral,
}

// ParseIntent maps a label to the enum.
func ParseIntent(s string) (Intent, bool) {
	for _, it := range Intents {
		if string(it) == s {
			return it, true
		}
	}
	return "", false
}

// Priority orders how urgently an intent should be served.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// IntentClassification is the per-message classifier output.
type IntentClassification struct {
	Intent               Intent            `json:"intent"`
	Confidence           float64           `json:"confidence"`
	Priority             Priority          `json:"priority"`
	Parameters           map[string]string `json:"parameters,omitempty"`
	ConflictsWithSession bool              `json:"conflicts_with_session"`
	Source               string            `json:"source"`
}
