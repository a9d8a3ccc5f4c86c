// Package store persists tasks, agents, audit traces and ledger blocks in
// SQLite. All state transitions are compare-and-swap updates keyed on the
// expected prior state so that concurrent dispatch paths cannot double-apply.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

var (
	ErrNotFound = errors.New("store: not found")
	// ErrConflict means the row was no longer in the expected state. Callers
	// treat this as "someone else got there first", not as a failure.
	ErrConflict = errors.New("store: state conflict")
)

type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite database at path. Use
// ":memory:" for tests.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	// A single connection keeps the in-memory database alive and serializes
	// writers, which SQLite wants anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) initSchema(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			role TEXT NOT NULL,
			status TEXT NOT NULL CHECK(status IN ('IDLE', 'BUSY', 'OFFLINE')),
			current_task_id TEXT,
			score INTEGER NOT NULL DEFAULT 0,
			success_count INTEGER NOT NULL DEFAULT 0,
			fail_count INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			required_role TEXT NOT NULL,
			complexity_score INTEGER NOT NULL DEFAULT 50,
			retry_count INTEGER NOT NULL DEFAULT 0,
			is_deadlocked INTEGER NOT NULL DEFAULT 0,
			owner_agent_id TEXT,
			assigned_agent_id TEXT,
			language TEXT NOT NULL DEFAULT 'javascript',
			context_packet TEXT NOT NULL DEFAULT '',
			output_artifact TEXT NOT NULL DEFAULT '',
			result TEXT NOT NULL DEFAULT '',
			review_feedback TEXT NOT NULL DEFAULT '',
			blocked_reason TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status_created ON tasks(status, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_assigned ON tasks(assigned_agent_id);`,
		`CREATE TABLE IF NOT EXISTS trace_events (
			id TEXT PRIMARY KEY,
			task_id TEXT,
			agent_id TEXT,
			event TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trace_task ON trace_events(task_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS ledger_blocks (
			idx INTEGER PRIMARY KEY,
			previous_hash TEXT NOT NULL,
			hash TEXT NOT NULL DEFAULT '',
			nonce INTEGER NOT NULL DEFAULT 0,
			sealed INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS ledger_statements (
			id TEXT PRIMARY KEY,
			block_idx INTEGER NOT NULL REFERENCES ledger_blocks(idx),
			seq INTEGER NOT NULL,
			content_hash TEXT NOT NULL,
			proof_hash TEXT NOT NULL,
			agent_id TEXT NOT NULL DEFAULT '',
			task_id TEXT NOT NULL DEFAULT '',
			checks TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_statements_block ON ledger_statements(block_idx, seq);`,
		`CREATE TABLE IF NOT EXISTS counters (
			name TEXT PRIMARY KEY,
			value INTEGER NOT NULL DEFAULT 0
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// IncrementCounter bumps a named counter and returns the new value.
func (s *Store) IncrementCounter(ctx context.Context, name string) (int64, error) {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO counters (name, value) VALUES (?, 1)
		ON CONFLICT(name) DO UPDATE SET value = value + 1;
	`, name); err != nil {
		return 0, fmt.Errorf("increment counter %s: %w", name, err)
	}
	return s.Counter(ctx, name)
}

func (s *Store) Counter(ctx context.Context, name string) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx, `SELECT value FROM counters WHERE name = ?;`, name).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read counter %s: %w", name, err)
	}
	return v, nil
}
