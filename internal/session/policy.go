// Package session decides conversation boundaries and resolves the single
// active session of a user.
package session

import (
	"time"
)

// Policy is the session boundary heuristic.
type Policy struct {
	// Timeout is the longest silence that still continues a session.
	Timeout time.Duration
	// WorkdayStartHour and WorkdayEndHour bound working hours in Location,
	// as [start, end).
	WorkdayStartHour int
	WorkdayEndHour   int
	Location         *time.Location
}

// DefaultPolicy returns a 2h timeout with 07:00-19:00 UTC working hours.
func DefaultPolicy() Policy {
	return Policy{Timeout: 2 * time.Hour, WorkdayStartHour: 7, WorkdayEndHour: 19, Location: time.UTC}
}

// IsWithinSameSession reports whether a message at now continues a session
// whose last message was at last. A new session starts when the gap exceeds
// the timeout, the local calendar day changes, or now falls on the other
// side of the working-hours boundary from last.
func (p Policy) IsWithinSameSession(last, now time.Time) bool {
	if now.Sub(last) > p.Timeout {
		return false
	}
	loc := p.location()
	l, n := last.In(loc), now.In(loc)

	ly, lm, ld := l.Date()
	ny, nm, nd := n.Date()
	if ly != ny || lm != nm || ld != nd {
		return false
	}
	return p.InWorkingHours(l) == p.InWorkingHours(n)
}

// InWorkingHours reports whether t falls inside the working-hours window.
func (p Policy) InWorkingHours(t time.Time) bool {
	h := t.In(p.location()).Hour()
	return h >= p.WorkdayStartHour && h < p.WorkdayEndHour
}

func (p Policy) location() *time.Location {
	if p.Location == nil {
		return time.UTC
	}
	return p.Location
}
