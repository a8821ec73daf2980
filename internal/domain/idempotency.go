package domain

import "time"

// IdempotencyKey identifies one inbound delivery.
type IdempotencyKey struct {
	UserID    string
	MessageID string
}

// String renders the key as stored.
func (k IdempotencyKey) String() string {
	return k.UserID + ":" + k.MessageID
}

// IdempotencyStatus tracks whether a claimed key finished processing.
type IdempotencyStatus string

const (
	IdempotencyPending   IdempotencyStatus = "pending"
	IdempotencyCompleted IdempotencyStatus = "completed"
)

// IdempotencyRecord is the ledger row for a key.
type IdempotencyRecord struct {
	Key         IdempotencyKey
	Status      IdempotencyStatus
	ClaimedAt   time.Time
	ProcessedAt *time.Time
	Result      *Reply
}
