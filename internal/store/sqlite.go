package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/fieldchat/internal/domain"
	"github.com/ashureev/fieldchat/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	retry shared.RetryPolicy
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL for concurrent readers; immediate transactions take the write lock
	// up front so a read-then-write inside one transaction cannot interleave
	// with another writer.
	dsn := "file:" + dbPath +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, retry: shared.DefaultRetryPolicy()}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

// Compile-time interface check.
var _ Repository = (*SQLiteStore)(nil)

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		channel_id TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT '',
		language TEXT NOT NULL DEFAULT '',
		active INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		last_message_at INTEGER NOT NULL,
		status TEXT NOT NULL,
		ended_at INTEGER,
		ended_reason TEXT,
		summary TEXT
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_one_active
	ON sessions(user_id) WHERE status = 'active';
	CREATE INDEX IF NOT EXISTS idx_sessions_last_message
	ON sessions(last_message_at) WHERE status = 'active';

	CREATE TABLE IF NOT EXISTS fsm_contexts (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL UNIQUE,
		flow TEXT NOT NULL DEFAULT '',
		current_state TEXT NOT NULL,
		session_id TEXT NOT NULL,
		task_id TEXT,
		collected_json TEXT,
		intent_history_json TEXT,
		metadata_json TEXT,
		last_activity INTEGER NOT NULL,
		version INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS fsm_transitions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		context_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		from_state TEXT NOT NULL,
		to_state TEXT NOT NULL,
		trigger_name TEXT NOT NULL,
		closure_reason TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_fsm_transitions_context ON fsm_transitions(context_id, seq);

	CREATE TABLE IF NOT EXISTS active_contexts (
		user_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		ref TEXT NOT NULL,
		label TEXT,
		last_activity INTEGER NOT NULL,
		PRIMARY KEY (user_id, kind)
	);

	CREATE TABLE IF NOT EXISTS idempotency (
		idem_key TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		message_id TEXT NOT NULL,
		status TEXT NOT NULL,
		claimed_at INTEGER NOT NULL,
		processed_at INTEGER,
		result_json TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_idempotency_claimed ON idempotency(claimed_at);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		direction TEXT NOT NULL,
		text TEXT NOT NULL,
		language TEXT,
		intent TEXT,
		confidence REAL,
		external_id TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at);

	CREATE TABLE IF NOT EXISTS incidents (
		id TEXT PRIMARY KEY,
		severity TEXT NOT NULL,
		user_id TEXT,
		message_id TEXT,
		stage TEXT,
		detail TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	// Databases created before fsm_contexts carried a version.
	if err := s.addColumnIfMissing("fsm_contexts", "version", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	return nil
}

func (s *SQLiteStore) addColumnIfMissing(table, column, decl string) error {
	var n int
	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&n); err != nil {
		return fmt.Errorf("inspect %s: %w", table, err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl)); err != nil {
		return fmt.Errorf("add %s.%s: %w", table, column, err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetUserByChannelID retrieves a user by channel address.
func (s *SQLiteStore) GetUserByChannelID(ctx context.Context, channelID string) (*domain.User, error) {
	query := `
		SELECT user_id, channel_id, display_name, language, active, created_at, updated_at
		FROM users WHERE channel_id = ?`

	var user domain.User
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, channelID).Scan(
		&user.UserID, &user.ChannelID, &user.DisplayName, &user.Language,
		&user.Active, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}
	user.CreatedAt = fromMillis(createdAt)
	user.UpdatedAt = fromMillis(updatedAt)
	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, channel_id, display_name, language, active, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		channel_id = excluded.channel_id,
		display_name = excluded.display_name,
		language = excluded.language,
		active = excluded.active,
		updated_at = excluded.updated_at`

	now := time.Now()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, query,
		user.UserID, user.ChannelID, user.DisplayName, user.Language, user.Active,
		toMillis(user.CreatedAt), toMillis(user.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// withRetry retries fn on SQLite lock contention with exponential backoff.
func (s *SQLiteStore) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return shared.Retry(ctx, s.retry, op, shared.IsSQLiteConflictError, fn)
}

// inTx runs fn inside one immediate transaction.
func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			slog.Warn("rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func toNullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
