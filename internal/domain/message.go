package domain

import "time"

// Direction of a logged message relative to the service.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Message is one entry in the append-only message log.
type Message struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	UserID     string    `json:"user_id"`
	Direction  Direction `json:"direction"`
	Text       string    `json:"text"`
	Language   string    `json:"language,omitempty"`
	Intent     Intent    `json:"intent,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	ExternalID string    `json:"external_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Reply is an outbound response produced for one inbound message. Language
// is the language Text is written in; empty means the internal language.
type Reply struct {
	Text      string   `json:"text"`
	Language  string   `json:"language,omitempty"`
	Options   []string `json:"options,omitempty"`
	Escalated bool     `json:"escalated,omitempty"`
}

// Incident is a critical failure that needs manual follow-up.
type Incident struct {
	ID        string    `json:"id"`
	Severity  string    `json:"severity"`
	UserID    string    `json:"user_id"`
	MessageID string    `json:"message_id"`
	Stage     string    `json:"stage"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}
