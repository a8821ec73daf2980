package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/fieldchat/internal/apperr"
	"github.com/ashureev/fieldchat/internal/domain"
	"github.com/ashureev/fieldchat/internal/shared"
	"github.com/google/uuid"
)

const sessionColumns = `id, user_id, started_at, last_message_at, status, ended_at, ended_reason, summary`

// GetOrCreateSession resolves the user's single active session atomically.
func (s *SQLiteStore) GetOrCreateSession(ctx context.Context, userID string, now time.Time, same SessionDecider) (*domain.Session, bool, error) {
	var (
		result  *domain.Session
		created bool
	)

	retryable := func(err error) bool {
		// A unique-index violation means another writer opened the active
		// session between our read and insert; re-reading converges on it.
		return shared.IsSQLiteConflictError(err) || shared.IsUniqueConstraintError(err)
	}

	err := shared.Retry(ctx, s.retry, "get_or_create_session", retryable, func(ctx context.Context) error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			current, err := scanSession(tx.QueryRowContext(ctx,
				`SELECT `+sessionColumns+` FROM sessions WHERE user_id = ? AND status = 'active'`, userID))
			if err != nil && err != sql.ErrNoRows {
				return fmt.Errorf("select active session: %w", err)
			}

			if current != nil && same(current.LastMessageAt, now) {
				if _, err := tx.ExecContext(ctx,
					`UPDATE sessions SET last_message_at = ? WHERE id = ?`, toMillis(now), current.ID); err != nil {
					return fmt.Errorf("touch session: %w", err)
				}
				current.LastMessageAt = now
				result, created = current, false
				return nil
			}

			if current != nil {
				if _, err := tx.ExecContext(ctx,
					`UPDATE sessions SET status = 'ended', ended_at = ?, ended_reason = ? WHERE id = ? AND status = 'active'`,
					toMillis(now), "session_boundary", current.ID); err != nil {
					return fmt.Errorf("end previous session: %w", err)
				}
			}

			next := &domain.Session{
				ID:            uuid.NewString(),
				UserID:        userID,
				StartedAt:     now,
				LastMessageAt: now,
				Status:        domain.SessionActive,
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO sessions (id, user_id, started_at, last_message_at, status) VALUES (?, ?, ?, ?, 'active')`,
				next.ID, userID, toMillis(now), toMillis(now)); err != nil {
				return fmt.Errorf("insert session: %w", err)
			}
			result, created = next, true
			return nil
		})
	})
	if err != nil {
		return nil, false, err
	}
	return result, created, nil
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, sessionID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return sess, nil
}

// GetActiveSession retrieves the user's active session.
func (s *SQLiteStore) GetActiveSession(ctx context.Context, userID string) (*domain.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE user_id = ? AND status = 'active'`, userID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan active session: %w", err)
	}
	return sess, nil
}

// EndSession closes an active session. Ending a closed session is a no-op.
func (s *SQLiteStore) EndSession(ctx context.Context, sessionID string, status domain.SessionStatus, reason, summary string, at time.Time) (bool, error) {
	if status == domain.SessionActive || status == "" {
		status = domain.SessionEnded
	}

	var ended bool
	err := s.withRetry(ctx, "end_session", func(ctx context.Context) error {
		result, err := s.db.ExecContext(ctx, `
			UPDATE sessions
			SET status = ?, ended_at = ?, ended_reason = ?, summary = ?
			WHERE id = ? AND status = 'active'`,
			string(status), toMillis(at), toNullString(reason), toNullString(summary), sessionID)
		if err != nil {
			return fmt.Errorf("end session: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		ended = rows > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	if ended {
		return true, nil
	}

	existing, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return false, apperr.NewNotFound("session", sessionID)
	}
	slog.Debug("EndSession on closed session is a no-op", "session_id", sessionID, "status", existing.Status)
	return false, nil
}

// ListStaleSessions returns active sessions idle since before cutoff.
func (s *SQLiteStore) ListStaleSessions(ctx context.Context, cutoff time.Time) ([]*domain.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE status = 'active' AND last_message_at < ?`, toMillis(cutoff))
	if err != nil {
		return nil, fmt.Errorf("query stale sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close stale sessions rows", "error", closeErr)
		}
	}()

	var sessions []*domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale session row: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale sessions: %w", err)
	}
	return sessions, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var (
		sess                 domain.Session
		startedAt, lastMsgAt int64
		status               string
		endedAt              sql.NullInt64
		endedReason, summary sql.NullString
	)
	if err := row.Scan(&sess.ID, &sess.UserID, &startedAt, &lastMsgAt, &status, &endedAt, &endedReason, &summary); err != nil {
		return nil, err
	}
	sess.StartedAt = fromMillis(startedAt)
	sess.LastMessageAt = fromMillis(lastMsgAt)
	sess.Status = domain.SessionStatus(status)
	sess.EndedAt = timePtr(endedAt)
	sess.EndedReason = endedReason.String
	sess.Summary = summary.String
	return &sess, nil
}
