// Package activectx tracks what a user is currently working on. Each kind of
// focus expires on its own window, independently of sessions.
package activectx

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/fieldchat/internal/apperr"
	"github.com/ashureev/fieldchat/internal/domain"
)

// Repository persists focus pointers.
type Repository interface {
	GetActiveContext(ctx context.Context, userID string, kind domain.ContextKind) (*domain.ActiveContext, error)
	SetActiveContext(ctx context.Context, ac *domain.ActiveContext) error
	ClearActiveContext(ctx context.Context, userID string, kind domain.ContextKind) error
	ClearActiveContextIf(ctx context.Context, userID string, kind domain.ContextKind, lastActivity time.Time) (bool, error)
	TouchActiveContext(ctx context.Context, userID string, kind domain.ContextKind, now, notBefore time.Time) (bool, error)
	DeleteExpiredContexts(ctx context.Context, kind domain.ContextKind, cutoff time.Time) (int64, error)
}

// Windows maps each context kind to its expiration window.
type Windows map[domain.ContextKind]time.Duration

// Store reads and writes focus pointers with lazy expiry.
type Store struct {
	repo    Repository
	windows Windows
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Store. Kinds missing from windows are rejected.
func New(repo Repository, windows Windows, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	w := make(Windows, len(windows))
	for k, v := range windows {
		w[k] = v
	}
	return &Store{repo: repo, windows: w, logger: logger, now: time.Now}
}

func (s *Store) window(kind domain.ContextKind) (time.Duration, error) {
	w, ok := s.windows[kind]
	if !ok {
		return 0, apperr.NewValidationFailure(fmt.Sprintf("unknown context kind %q", kind))
	}
	return w, nil
}

// Get returns the user's live pointer of kind, or nil. An expired pointer
// is cleared by the read itself and never returned.
func (s *Store) Get(ctx context.Context, userID string, kind domain.ContextKind) (*domain.ActiveContext, error) {
	window, err := s.window(kind)
	if err != nil {
		return nil, err
	}
	ac, err := s.repo.GetActiveContext(ctx, userID, kind)
	if err != nil {
		return nil, fmt.Errorf("get %s context: %w", kind, err)
	}
	if ac == nil {
		return nil, nil
	}
	if !ac.Expired(s.now(), window) {
		return ac, nil
	}

	// Conditional delete: a concurrent Set or Touch moved last_activity and wins.
	cleared, err := s.repo.ClearActiveContextIf(ctx, userID, kind, ac.LastActivity)
	if err != nil {
		return nil, fmt.Errorf("clear expired %s context: %w", kind, err)
	}
	if cleared {
		s.logger.Info("active context expired", "user_id", userID, "kind", kind, "ref", ac.Ref)
	}
	return nil, nil
}

// Set points the user's focus of kind at ref. last_activity always resets to now.
func (s *Store) Set(ctx context.Context, userID string, kind domain.ContextKind, ref, label string) (*domain.ActiveContext, error) {
	if _, err := s.window(kind); err != nil {
		return nil, err
	}
	if ref == "" {
		return nil, apperr.NewValidationFailure("context reference is required")
	}
	ac := &domain.ActiveContext{UserID: userID, Kind: kind, Ref: ref, Label: label, LastActivity: s.now()}
	if err := s.repo.SetActiveContext(ctx, ac); err != nil {
		return nil, fmt.Errorf("set %s context: %w", kind, err)
	}
	return ac, nil
}

// Clear removes the user's pointer of kind.
func (s *Store) Clear(ctx context.Context, userID string, kind domain.ContextKind) error {
	if _, err := s.window(kind); err != nil {
		return err
	}
	if err := s.repo.ClearActiveContext(ctx, userID, kind); err != nil {
		return fmt.Errorf("clear %s context: %w", kind, err)
	}
	return nil
}

// Touch refreshes last_activity of a live pointer. It reports false when
// there was no live pointer to refresh; an expired one is not revived.
func (s *Store) Touch(ctx context.Context, userID string, kind domain.ContextKind) (bool, error) {
	window, err := s.window(kind)
	if err != nil {
		return false, err
	}
	now := s.now()
	touched, err := s.repo.TouchActiveContext(ctx, userID, kind, now, now.Add(-window))
	if err != nil {
		return false, fmt.Errorf("touch %s context: %w", kind, err)
	}
	return touched, nil
}

// Sweep deletes every expired pointer. Reads already hide expired pointers,
// so this only keeps the table small.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	now := s.now()
	var total int64
	for kind, window := range s.windows {
		n, err := s.repo.DeleteExpiredContexts(ctx, kind, now.Add(-window))
		if err != nil {
			return total, fmt.Errorf("sweep %s contexts: %w", kind, err)
		}
		total += n
	}
	return total, nil
}
