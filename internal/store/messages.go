package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/ashureev/fieldchat/internal/domain"
)

// AppendMessage inserts into the message log.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *domain.Message) error {
	var confidence sql.NullFloat64
	if msg.Intent != "" {
		confidence = sql.NullFloat64{Float64: msg.Confidence, Valid: true}
	}
	return s.withRetry(ctx, "append_message", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO messages (id, session_id, user_id, direction, text, language, intent, confidence, external_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			msg.ID, msg.SessionID, msg.UserID, string(msg.Direction), msg.Text,
			toNullString(msg.Language), toNullString(string(msg.Intent)), confidence,
			toNullString(msg.ExternalID), toMillis(msg.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return nil
	})
}

// ListRecentMessages returns up to limit messages of a session, oldest first.
func (s *SQLiteStore) ListRecentMessages(ctx context.Context, sessionID string, limit int) ([]*domain.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, user_id, direction, text, language, intent, confidence, external_id, created_at
		FROM (
			SELECT * FROM messages WHERE session_id = ?
			ORDER BY created_at DESC, id DESC LIMIT ?
		) ORDER BY created_at ASC, id ASC`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	var out []*domain.Message
	for rows.Next() {
		var (
			msg                          domain.Message
			direction                    string
			language, intent, externalID sql.NullString
			confidence                   sql.NullFloat64
			createdAt                    int64
		)
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.UserID, &direction, &msg.Text,
			&language, &intent, &confidence, &externalID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msg.Direction = domain.Direction(direction)
		msg.Language = language.String
		msg.Intent = domain.Intent(intent.String)
		msg.Confidence = confidence.Float64
		msg.ExternalID = externalID.String
		msg.CreatedAt = fromMillis(createdAt)
		out = append(out, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

// RecordIncident stores a critical incident.
func (s *SQLiteStore) RecordIncident(ctx context.Context, inc *domain.Incident) error {
	return s.withRetry(ctx, "record_incident", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO incidents (id, severity, user_id, message_id, stage, detail, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			inc.ID, inc.Severity, toNullString(inc.UserID), toNullString(inc.MessageID),
			toNullString(inc.Stage), inc.Detail, toMillis(inc.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert incident: %w", err)
		}
		return nil
	})
}
