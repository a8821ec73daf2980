package domain

import "time"

// SessionStatus is the lifecycle state of a conversation session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionEnded     SessionStatus = "ended"
	SessionEscalated SessionStatus = "escalated"
)

// Session is one bounded conversation window for a user. At most one
// session per user has status active.
type Session struct {
	ID            string        `json:"id"`
	UserID        string        `json:"user_id"`
	StartedAt     time.Time     `json:"started_at"`
	LastMessageAt time.Time     `json:"last_message_at"`
	Status        SessionStatus `json:"status"`
	EndedAt       *time.Time    `json:"ended_at,omitempty"`
	EndedReason   string        `json:"ended_reason,omitempty"`
	Summary       string        `json:"summary,omitempty"`
}

// IsActive reports whether the session is still open.
func (s *Session) IsActive() bool {
	return s != nil && s.Status == SessionActive
}
