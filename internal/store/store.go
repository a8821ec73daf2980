// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/fieldchat/internal/domain"
)

// SessionDecider reports whether an active session whose last message was at
// last still covers a message arriving at now. It runs inside the store's
// atomic get-or-create, so it must be pure and must not block.
type SessionDecider func(last, now time.Time) bool

// Repository defines the persistence contract of the orchestration core.
// Every method that mutates shared state is atomic at the storage boundary.
type Repository interface {
	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error

	// GetUserByChannelID retrieves a user by channel address. Returns nil, nil when absent.
	GetUserByChannelID(ctx context.Context, channelID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// GetOrCreateSession returns the user's active session if same reports it
	// still applies, otherwise ends it and opens a new one. The check and the
	// write happen in one transaction. created is true when a session was opened.
	GetOrCreateSession(ctx context.Context, userID string, now time.Time, same SessionDecider) (session *domain.Session, created bool, err error)

	// GetSession retrieves a session by ID. Returns nil, nil when absent.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// GetActiveSession retrieves the user's active session. Returns nil, nil when absent.
	GetActiveSession(ctx context.Context, userID string) (*domain.Session, error)

	// EndSession closes an active session. ended is false when the session
	// was already closed. Returns a NOT_FOUND error for unknown IDs.
	EndSession(ctx context.Context, sessionID string, status domain.SessionStatus, reason, summary string, at time.Time) (ended bool, err error)

	// ListStaleSessions returns active sessions whose last message is before cutoff.
	ListStaleSessions(ctx context.Context, cutoff time.Time) ([]*domain.Session, error)

	// EnsureFSMContext returns the user's FSM context, creating an IDLE one bound to sessionID if absent.
	EnsureFSMContext(ctx context.Context, userID, sessionID string, now time.Time) (*domain.FSMContext, error)

	// GetFSMContext retrieves the user's FSM context. Returns nil, nil when absent.
	GetFSMContext(ctx context.Context, userID string) (*domain.FSMContext, error)

	// UpdateFSMContextData persists everything except the state, provided
	// the stored state still equals c.CurrentState.
	UpdateFSMContextData(ctx context.Context, c *domain.FSMContext) error

	// CommitTransition stores next and appends rec in one transaction,
	// provided the stored state still equals rec.FromState.
	CommitTransition(ctx context.Context, next *domain.FSMContext, rec domain.TransitionRecord) error

	// ListTransitions returns the audit log of a context, oldest first.
	ListTransitions(ctx context.Context, contextID string) ([]domain.TransitionRecord, error)

	// ListIdleFlows returns contexts in a non-terminal, non-idle state with no activity since cutoff.
	ListIdleFlows(ctx context.Context, cutoff time.Time) ([]*domain.FSMContext, error)

	// GetActiveContext retrieves a focus pointer. Returns nil, nil when absent.
	GetActiveContext(ctx context.Context, userID string, kind domain.ContextKind) (*domain.ActiveContext, error)

	// SetActiveContext creates or replaces a focus pointer.
	SetActiveContext(ctx context.Context, ac *domain.ActiveContext) error

	// ClearActiveContext removes a focus pointer.
	ClearActiveContext(ctx context.Context, userID string, kind domain.ContextKind) error

	// ClearActiveContextIf removes a focus pointer only if its last activity
	// still equals lastActivity, so a concurrent refresh is never lost.
	ClearActiveContextIf(ctx context.Context, userID string, kind domain.ContextKind, lastActivity time.Time) (bool, error)

	// TouchActiveContext refreshes last activity if the pointer was active at or after notBefore.
	TouchActiveContext(ctx context.Context, userID string, kind domain.ContextKind, now, notBefore time.Time) (bool, error)

	// DeleteExpiredContexts removes pointers of kind idle since before cutoff.
	DeleteExpiredContexts(ctx context.Context, kind domain.ContextKind, cutoff time.Time) (int64, error)

	// ClaimIdempotencyKey inserts a pending row. When the key already exists
	// claimed is false and existing holds the stored record.
	ClaimIdempotencyKey(ctx context.Context, key domain.IdempotencyKey, now time.Time) (claimed bool, existing *domain.IdempotencyRecord, err error)

	// CompleteIdempotencyKey stores the result of a claimed key.
	CompleteIdempotencyKey(ctx context.Context, key domain.IdempotencyKey, result *domain.Reply, now time.Time) error

	// ReleaseIdempotencyKey drops a pending claim so a redelivery can run again.
	ReleaseIdempotencyKey(ctx context.Context, key domain.IdempotencyKey) error

	// GetIdempotencyRecord retrieves a ledger row. Returns nil, nil when absent.
	GetIdempotencyRecord(ctx context.Context, key domain.IdempotencyKey) (*domain.IdempotencyRecord, error)

	// PurgeIdempotency removes ledger rows claimed before cutoff.
	PurgeIdempotency(ctx context.Context, cutoff time.Time) (int64, error)

	// AppendMessage inserts into the append-only message log.
	AppendMessage(ctx context.Context, msg *domain.Message) error

	// ListRecentMessages returns up to limit messages of a session, oldest first.
	ListRecentMessages(ctx context.Context, sessionID string, limit int) ([]*domain.Message, error)

	// RecordIncident stores a critical incident for manual follow-up.
	RecordIncident(ctx context.Context, inc *domain.Incident) error
}
