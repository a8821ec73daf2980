package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ashureev/fieldchat/internal/apperr"
	"github.com/ashureev/fieldchat/internal/domain"
)

// ClaimIdempotencyKey inserts a pending ledger row unless the key exists.
func (s *SQLiteStore) ClaimIdempotencyKey(ctx context.Context, key domain.IdempotencyKey, now time.Time) (bool, *domain.IdempotencyRecord, error) {
	var claimed bool
	err := s.withRetry(ctx, "claim_idempotency_key", func(ctx context.Context) error {
		result, err := s.db.ExecContext(ctx, `
			INSERT INTO idempotency (idem_key, user_id, message_id, status, claimed_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(idem_key) DO NOTHING`,
			key.String(), key.UserID, key.MessageID, string(domain.IdempotencyPending), toMillis(now))
		if err != nil {
			return fmt.Errorf("insert idempotency key: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		claimed = rows > 0
		return nil
	})
	if err != nil {
		return false, nil, err
	}
	if claimed {
		return true, nil, nil
	}

	existing, err := s.GetIdempotencyRecord(ctx, key)
	if err != nil {
		return false, nil, err
	}
	if existing == nil {
		// Released between our insert attempt and the read; the caller may retry.
		return false, nil, apperr.NewStateConflict("idempotency key released concurrently", map[string]any{
			"key": key.String(),
		})
	}
	return false, existing, nil
}

// CompleteIdempotencyKey stores the result of a claimed key.
func (s *SQLiteStore) CompleteIdempotencyKey(ctx context.Context, key domain.IdempotencyKey, result *domain.Reply, now time.Time) error {
	var payload sql.NullString
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal idempotency result: %w", err)
		}
		payload = sql.NullString{String: string(data), Valid: true}
	}

	return s.withRetry(ctx, "complete_idempotency_key", func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE idempotency SET status = ?, processed_at = ?, result_json = ?
			WHERE idem_key = ?`,
			string(domain.IdempotencyCompleted), toMillis(now), payload, key.String())
		if err != nil {
			return fmt.Errorf("complete idempotency key: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return apperr.NewNotFound("idempotency key", key.String())
		}
		return nil
	})
}

// ReleaseIdempotencyKey drops a pending claim.
func (s *SQLiteStore) ReleaseIdempotencyKey(ctx context.Context, key domain.IdempotencyKey) error {
	return s.withRetry(ctx, "release_idempotency_key", func(ctx context.Context) error {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM idempotency WHERE idem_key = ? AND status = ?`,
			key.String(), string(domain.IdempotencyPending)); err != nil {
			return fmt.Errorf("release idempotency key: %w", err)
		}
		return nil
	})
}

// GetIdempotencyRecord retrieves a ledger row.
func (s *SQLiteStore) GetIdempotencyRecord(ctx context.Context, key domain.IdempotencyKey) (*domain.IdempotencyRecord, error) {
	var (
		rec         domain.IdempotencyRecord
		status      string
		claimedAt   int64
		processedAt sql.NullInt64
		payload     sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, message_id, status, claimed_at, processed_at, result_json
		FROM idempotency WHERE idem_key = ?`, key.String()).Scan(
		&rec.Key.UserID, &rec.Key.MessageID, &status, &claimedAt, &processedAt, &payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan idempotency record: %w", err)
	}
	rec.Status = domain.IdempotencyStatus(status)
	rec.ClaimedAt = fromMillis(claimedAt)
	rec.ProcessedAt = timePtr(processedAt)
	if payload.Valid {
		var reply domain.Reply
		if err := json.Unmarshal([]byte(payload.String), &reply); err != nil {
			return nil, fmt.Errorf("unmarshal idempotency result: %w", err)
		}
		rec.Result = &reply
	}
	return &rec, nil
}

// PurgeIdempotency removes ledger rows claimed before cutoff.
func (s *SQLiteStore) PurgeIdempotency(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := s.withRetry(ctx, "purge_idempotency", func(ctx context.Context) error {
		result, err := s.db.ExecContext(ctx, `DELETE FROM idempotency WHERE claimed_at < ?`, toMillis(cutoff))
		if err != nil {
			return fmt.Errorf("purge idempotency: %w", err)
		}
		deleted, err = result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		return nil
	})
	return deleted, err
}
