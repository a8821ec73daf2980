package domain

import "time"

// ContextKind names an independent focus pointer kind.
type ContextKind string

const (
	ContextProject ContextKind = "project"
	ContextTask    ContextKind = "task"
)

// ActiveContext is a soft "currently working on" pointer with its own expiry.
type ActiveContext struct {
	UserID       string      `json:"user_id"`
	Kind         ContextKind `json:"kind"`
	Ref          string      `json:"ref"`
	Label        string      `json:"label,omitempty"`
	LastActivity time.Time   `json:"last_activity"`
}

// Expired reports whether more than window has passed since the last activity.
func (a *ActiveContext) Expired(now time.Time, window time.Duration) bool {
	return now.Sub(a.LastActivity) > window
}
