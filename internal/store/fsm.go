package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/fieldchat/internal/apperr"
	"github.com/ashureev/fieldchat/internal/domain"
	"github.com/google/uuid"
)

const fsmColumns = `id, user_id, flow, current_state, session_id, task_id,
	collected_json, intent_history_json, metadata_json, last_activity, version`

// EnsureFSMContext returns the user's FSM context, creating an IDLE one if absent.
func (s *SQLiteStore) EnsureFSMContext(ctx context.Context, userID, sessionID string, now time.Time) (*domain.FSMContext, error) {
	err := s.withRetry(ctx, "ensure_fsm_context", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO fsm_contexts (id, user_id, flow, current_state, session_id, last_activity)
			VALUES (?, ?, '', ?, ?, ?)
			ON CONFLICT(user_id) DO NOTHING`,
			uuid.NewString(), userID, string(domain.StateIdle), sessionID, toMillis(now))
		if err != nil {
			return fmt.Errorf("insert fsm context: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	fc, err := s.GetFSMContext(ctx, userID)
	if err != nil {
		return nil, err
	}
	if fc == nil {
		return nil, apperr.NewInternal(fmt.Errorf("fsm context for %s vanished after insert", userID))
	}
	return fc, nil
}

// GetFSMContext retrieves the user's FSM context.
func (s *SQLiteStore) GetFSMContext(ctx context.Context, userID string) (*domain.FSMContext, error) {
	fc, err := scanFSMContext(s.db.QueryRowContext(ctx,
		`SELECT `+fsmColumns+` FROM fsm_contexts WHERE user_id = ?`, userID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan fsm context: %w", err)
	}
	return fc, nil
}

// UpdateFSMContextData persists the context's data fields, guarded on the
// stored state and version. On success c.Version is advanced.
func (s *SQLiteStore) UpdateFSMContextData(ctx context.Context, c *domain.FSMContext) error {
	collected, history, metadata, err := encodeFSMData(c)
	if err != nil {
		return err
	}

	err = s.withRetry(ctx, "update_fsm_context", func(ctx context.Context) error {
		result, err := s.db.ExecContext(ctx, `
			UPDATE fsm_contexts
			SET flow = ?, session_id = ?, task_id = ?, collected_json = ?,
				intent_history_json = ?, metadata_json = ?, last_activity = ?, version = version + 1
			WHERE user_id = ? AND current_state = ? AND version = ?`,
			string(c.Flow), c.SessionID, toNullString(c.TaskID), collected, history, metadata,
			toMillis(c.LastActivity), c.UserID, string(c.CurrentState), c.Version)
		if err != nil {
			return fmt.Errorf("update fsm context: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return apperr.NewStateConflict("fsm context changed concurrently", map[string]any{
				"user_id":          c.UserID,
				"expected_state":   string(c.CurrentState),
				"expected_version": c.Version,
			})
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.Version++
	return nil
}

// CommitTransition stores next and logs rec atomically. next.Version must be
// the version the transition was computed from; on success it is advanced.
func (s *SQLiteStore) CommitTransition(ctx context.Context, next *domain.FSMContext, rec domain.TransitionRecord) error {
	collected, history, metadata, err := encodeFSMData(next)
	if err != nil {
		return err
	}

	err = s.withRetry(ctx, "commit_transition", func(ctx context.Context) error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			result, err := tx.ExecContext(ctx, `
				UPDATE fsm_contexts
				SET flow = ?, current_state = ?, session_id = ?, task_id = ?, collected_json = ?,
					intent_history_json = ?, metadata_json = ?, last_activity = ?, version = version + 1
				WHERE id = ? AND current_state = ? AND version = ?`,
				string(next.Flow), string(next.CurrentState), next.SessionID, toNullString(next.TaskID),
				collected, history, metadata, toMillis(next.LastActivity),
				next.ID, string(rec.FromState), next.Version)
			if err != nil {
				return fmt.Errorf("update fsm state: %w", err)
			}
			rows, err := result.RowsAffected()
			if err != nil {
				return fmt.Errorf("get rows affected: %w", err)
			}
			if rows == 0 {
				return apperr.NewStateConflict("fsm state changed concurrently", map[string]any{
					"context_id": next.ID,
					"from_state": string(rec.FromState),
					"to_state":   string(rec.ToState),
					"trigger":    rec.Trigger,
					"version":    next.Version,
				})
			}

			if _, err := tx.ExecContext(ctx, `
				INSERT INTO fsm_transitions (context_id, user_id, from_state, to_state, trigger_name, closure_reason, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				rec.ContextID, rec.UserID, string(rec.FromState), string(rec.ToState),
				rec.Trigger, toNullString(rec.ClosureReason), toMillis(rec.CreatedAt)); err != nil {
				return fmt.Errorf("insert transition: %w", err)
			}
			return nil
		})
	})
	if err != nil {
		return err
	}
	next.Version++
	return nil
}

// ListTransitions returns the audit log of a context, oldest first.
func (s *SQLiteStore) ListTransitions(ctx context.Context, contextID string) ([]domain.TransitionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT context_id, user_id, from_state, to_state, trigger_name, closure_reason, created_at
		FROM fsm_transitions WHERE context_id = ? ORDER BY seq`, contextID)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close transition rows", "error", closeErr)
		}
	}()

	var out []domain.TransitionRecord
	for rows.Next() {
		var (
			rec           domain.TransitionRecord
			from, to      string
			closureReason sql.NullString
			createdAt     int64
		)
		if err := rows.Scan(&rec.ContextID, &rec.UserID, &from, &to, &rec.Trigger, &closureReason, &createdAt); err != nil {
			return nil, fmt.Errorf("scan transition row: %w", err)
		}
		rec.FromState = domain.State(from)
		rec.ToState = domain.State(to)
		rec.ClosureReason = closureReason.String
		rec.CreatedAt = fromMillis(createdAt)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transitions: %w", err)
	}
	return out, nil
}

// ListIdleFlows returns in-flow contexts with no activity since cutoff.
func (s *SQLiteStore) ListIdleFlows(ctx context.Context, cutoff time.Time) ([]*domain.FSMContext, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+fsmColumns+` FROM fsm_contexts
		WHERE current_state NOT IN ('IDLE', 'COMPLETED', 'ABANDONED') AND last_activity < ?`,
		toMillis(cutoff))
	if err != nil {
		return nil, fmt.Errorf("query idle flows: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close idle flow rows", "error", closeErr)
		}
	}()

	var out []*domain.FSMContext
	for rows.Next() {
		fc, err := scanFSMContext(rows)
		if err != nil {
			return nil, fmt.Errorf("scan idle flow row: %w", err)
		}
		out = append(out, fc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate idle flows: %w", err)
	}
	return out, nil
}

func encodeFSMData(c *domain.FSMContext) (collected, history, metadata sql.NullString, err error) {
	if collected, err = marshalNullable(c.CollectedData, len(c.CollectedData) == 0); err != nil {
		return collected, history, metadata, fmt.Errorf("marshal collected data: %w", err)
	}
	if history, err = marshalNullable(c.IntentHistory, len(c.IntentHistory) == 0); err != nil {
		return collected, history, metadata, fmt.Errorf("marshal intent history: %w", err)
	}
	if metadata, err = marshalNullable(c.Metadata, len(c.Metadata) == 0); err != nil {
		return collected, history, metadata, fmt.Errorf("marshal metadata: %w", err)
	}
	return collected, history, metadata, nil
}

func marshalNullable(v any, empty bool) (sql.NullString, error) {
	if empty {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func scanFSMContext(row rowScanner) (*domain.FSMContext, error) {
	var (
		fc                       domain.FSMContext
		flow, state              string
		taskID                   sql.NullString
		collected, history, meta sql.NullString
		lastActivity             int64
	)
	if err := row.Scan(&fc.ID, &fc.UserID, &flow, &state, &fc.SessionID, &taskID,
		&collected, &history, &meta, &lastActivity, &fc.Version); err != nil {
		return nil, err
	}
	fc.Flow = domain.FlowName(flow)
	fc.CurrentState = domain.State(state)
	fc.TaskID = taskID.String
	fc.LastActivity = fromMillis(lastActivity)

	fc.CollectedData = map[string]any{}
	if collected.Valid {
		if err := json.Unmarshal([]byte(collected.String), &fc.CollectedData); err != nil {
			return nil, fmt.Errorf("unmarshal collected data: %w", err)
		}
	}
	if history.Valid {
		if err := json.Unmarshal([]byte(history.String), &fc.IntentHistory); err != nil {
			return nil, fmt.Errorf("unmarshal intent history: %w", err)
		}
	}
	fc.Metadata = map[string]string{}
	if meta.Valid {
		if err := json.Unmarshal([]byte(meta.String), &fc.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &fc, nil
}
