// Package store is the durable embedded database: chats, messages,
// registered groups, scheduled tasks, and task run history. It is a
// single-writer SQLite database opened with a busy timeout and foreign
// keys on, in the manner of internal/persistence in the reference
// repository this was adapted from.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schemaVersion = 1

// Store wraps the single sql.DB connection. Writers are serialized by
// restricting the pool to one open connection; readers and writers both go
// through this same connection, relying on SQLite's own transaction
// isolation rather than an in-process mutex.
type Store struct {
	db *sql.DB
}

// DefaultPath returns ./store/nanoclaw.db relative to dataDir, per the
// persistent state layout.
func DefaultPath(dataDir string) string {
	return filepath.Join(dataDir, "store", "nanoclaw.db")
}

// Open creates the database file and parent directory if needed, applies
// pragmas, and runs schema migration.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("store: create directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	ctx := context.Background()
	if err := s.configurePragmas(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("store: set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("store: create schema_version: %w", err)
	}

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_version;`).Scan(&count); err != nil {
		return fmt.Errorf("store: read schema_version: %w", err)
	}
	if count == 0 {
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?);`, schemaVersion); err != nil {
			return fmt.Errorf("store: seed schema_version: %w", err)
		}
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS chats (
			jid TEXT PRIMARY KEY,
			last_message_time TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			channel_tag TEXT NOT NULL DEFAULT '',
			is_group INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			chat_jid TEXT NOT NULL,
			id TEXT NOT NULL,
			sender TEXT NOT NULL DEFAULT '',
			sender_name TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			timestamp TEXT NOT NULL,
			is_from_me INTEGER NOT NULL DEFAULT 0,
			is_bot_message INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (chat_jid, id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_chat_ts ON messages (chat_jid, timestamp);`,
		`CREATE TABLE IF NOT EXISTS registered_groups (
			jid TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			folder TEXT NOT NULL,
			trigger_pattern TEXT NOT NULL DEFAULT '',
			requires_trigger INTEGER NOT NULL DEFAULT 1,
			cursor_ts TEXT NOT NULL DEFAULT '',
			added_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			group_folder TEXT NOT NULL,
			chat_jid TEXT NOT NULL,
			prompt TEXT NOT NULL DEFAULT '',
			schedule_kind TEXT NOT NULL,
			schedule_value TEXT NOT NULL,
			context_mode TEXT NOT NULL DEFAULT 'isolated',
			next_run TEXT,
			status TEXT NOT NULL DEFAULT 'active',
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_next_run ON tasks (status, next_run);`,
		`CREATE TABLE IF NOT EXISTS task_runs (
			run_id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			run_at TEXT NOT NULL,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			result TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT ''
		);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: apply schema: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit schema tx: %w", err)
	}
	return nil
}

// retryOnBusy retries f while SQLite reports the database as busy or
// locked, with exponential backoff plus jitter, bounded by maxRetries.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay/2) + 1))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

// formatTS renders t in a form that sorts lexically in timestamp order.
func formatTS(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
