package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ashureev/fieldchat/internal/domain"
)

// GetActiveContext retrieves a focus pointer.
func (s *SQLiteStore) GetActiveContext(ctx context.Context, userID string, kind domain.ContextKind) (*domain.ActiveContext, error) {
	var (
		ac           domain.ActiveContext
		k            string
		label        sql.NullString
		lastActivity int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, kind, ref, label, last_activity
		FROM active_contexts WHERE user_id = ? AND kind = ?`,
		userID, string(kind)).Scan(&ac.UserID, &k, &ac.Ref, &label, &lastActivity)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan active context: %w", err)
	}
	ac.Kind = domain.ContextKind(k)
	ac.Label = label.String
	ac.LastActivity = fromMillis(lastActivity)
	return &ac, nil
}

// SetActiveContext creates or replaces a focus pointer.
func (s *SQLiteStore) SetActiveContext(ctx context.Context, ac *domain.ActiveContext) error {
	return s.withRetry(ctx, "set_active_context", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO active_contexts (user_id, kind, ref, label, last_activity)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(user_id, kind) DO UPDATE SET
				ref = excluded.ref,
				label = excluded.label,
				last_activity = excluded.last_activity`,
			ac.UserID, string(ac.Kind), ac.Ref, toNullString(ac.Label), toMillis(ac.LastActivity))
		if err != nil {
			return fmt.Errorf("upsert active context: %w", err)
		}
		return nil
	})
}

// ClearActiveContext removes a focus pointer.
func (s *SQLiteStore) ClearActiveContext(ctx context.Context, userID string, kind domain.ContextKind) error {
	return s.withRetry(ctx, "clear_active_context", func(ctx context.Context) error {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM active_contexts WHERE user_id = ? AND kind = ?`, userID, string(kind)); err != nil {
			return fmt.Errorf("delete active context: %w", err)
		}
		return nil
	})
}

// ClearActiveContextIf removes a focus pointer whose last activity is unchanged.
func (s *SQLiteStore) ClearActiveContextIf(ctx context.Context, userID string, kind domain.ContextKind, lastActivity time.Time) (bool, error) {
	var cleared bool
	err := s.withRetry(ctx, "clear_active_context_if", func(ctx context.Context) error {
		result, err := s.db.ExecContext(ctx,
			`DELETE FROM active_contexts WHERE user_id = ? AND kind = ? AND last_activity = ?`,
			userID, string(kind), toMillis(lastActivity))
		if err != nil {
			return fmt.Errorf("delete active context: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		cleared = rows > 0
		return nil
	})
	return cleared, err
}

// TouchActiveContext refreshes a pointer that has not expired as of notBefore.
func (s *SQLiteStore) TouchActiveContext(ctx context.Context, userID string, kind domain.ContextKind, now, notBefore time.Time) (bool, error) {
	var touched bool
	err := s.withRetry(ctx, "touch_active_context", func(ctx context.Context) error {
		result, err := s.db.ExecContext(ctx, `
			UPDATE active_contexts SET last_activity = ?
			WHERE user_id = ? AND kind = ? AND last_activity >= ?`,
			toMillis(now), userID, string(kind), toMillis(notBefore))
		if err != nil {
			return fmt.Errorf("touch active context: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		touched = rows > 0
		return nil
	})
	return touched, err
}

// DeleteExpiredContexts removes pointers of kind idle since before cutoff.
func (s *SQLiteStore) DeleteExpiredContexts(ctx context.Context, kind domain.ContextKind, cutoff time.Time) (int64, error) {
	var deleted int64
	err := s.withRetry(ctx, "delete_expired_contexts", func(ctx context.Context) error {
		result, err := s.db.ExecContext(ctx,
			`DELETE FROM active_contexts WHERE kind = ? AND last_activity < ?`, string(kind), toMillis(cutoff))
		if err != nil {
			return fmt.Errorf("delete expired contexts: %w", err)
		}
		deleted, err = result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		return nil
	})
	return deleted, err
}
