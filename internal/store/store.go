// Package store is the gateway's sqlite-backed persistence: channels and
// their call tokens, gateway access tokens, usage logs, check-in sites and
// settings. It also holds the scheduler state when Redis is not configured.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps the database handle.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// Open opens (creating if needed) the sqlite database at path and applies
// the schema. ":memory:" gives a private in-memory database.
func Open(path string) (*Store, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		dsn = fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	}
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// sqlite allows one writer; a single connection also keeps an
	// in-memory database alive for the life of the pool.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS channels (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		base_url TEXT NOT NULL,
		api_key TEXT NOT NULL DEFAULT '',
		weight INTEGER NOT NULL DEFAULT 1,
		status TEXT NOT NULL DEFAULT 'active',
		models_json TEXT NOT NULL DEFAULT '[]',
		metadata_json TEXT NOT NULL DEFAULT '{}',
		system_token TEXT NOT NULL DEFAULT '',
		system_userid TEXT NOT NULL DEFAULT '',
		checkin_enabled INTEGER NOT NULL DEFAULT 0,
		checkin_url TEXT NOT NULL DEFAULT '',
		last_checkin_date TEXT NOT NULL DEFAULT '',
		last_checkin_status TEXT NOT NULL DEFAULT '',
		last_checkin_message TEXT NOT NULL DEFAULT '',
		last_checkin_at TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS channel_call_tokens (
		id TEXT PRIMARY KEY,
		channel_id TEXT NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
		name TEXT NOT NULL DEFAULT '',
		api_key TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_call_tokens_channel ON channel_call_tokens(channel_id);
	CREATE TABLE IF NOT EXISTS tokens (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		key TEXT NOT NULL UNIQUE,
		allowed_channels_json TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL DEFAULT 'active',
		created_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS usage_logs (
		id TEXT PRIMARY KEY,
		token_id TEXT NOT NULL DEFAULT '',
		channel_id TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		path TEXT NOT NULL DEFAULT '',
		prompt_tokens INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		latency_ms INTEGER NOT NULL DEFAULT 0,
		first_token_latency_ms INTEGER,
		stream INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usage_logs_created ON usage_logs(created_at);
	CREATE TABLE IF NOT EXISTS checkin_sites (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		base_url TEXT NOT NULL,
		checkin_url TEXT NOT NULL DEFAULT '',
		token TEXT NOT NULL,
		new_api_user TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		last_checkin_date TEXT NOT NULL DEFAULT '',
		last_checkin_status TEXT NOT NULL DEFAULT '',
		last_checkin_message TEXT NOT NULL DEFAULT '',
		last_checkin_at TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);`
	_, err := s.db.Exec(schema)
	return err
}

// timestamp formats t the way every *_at column stores it.
func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTimestamp(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// withTx runs fn in a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
