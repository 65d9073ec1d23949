// Package store provides SQLite-backed durable state for Foreman:
// projects, plans, tasks, dependency edges, usage, budget periods,
// events, and checkpoints. A single connection serializes writes; WAL
// mode allows concurrent readers.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/foremanhq/foreman/internal/clock"
)

// queryer is satisfied by both *sql.DB and *sql.Tx so every entity
// method works inside and outside a transaction.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store wraps the SQLite database with Foreman's operations.
type Store struct {
	db   *sql.DB
	q    queryer
	path string
	clk  clock.Clock
}

// Open opens (or creates) the database at path. Parent directories are
// created as needed. WAL mode and foreign keys are enabled and the
// schema is applied.
func Open(path string, clk clock.Clock) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection serializes every statement and transaction. WithTx
	// opens a plain (deferred) BEGIN, so SQLite takes the write lock at
	// the transaction's first write, not on entry.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &Store{db: db, q: db, path: path, clk: clk}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// now returns the current time as unix seconds with sub-second
// precision, matching the stored REAL columns.
func (s *Store) now() float64 {
	t := s.clk.Now()
	return float64(t.UnixNano()) / 1e9
}

// WithTx runs fn inside a transaction. The *Store passed to fn is
// bound to the transaction; every entity method called on it
// participates in the same write. Commit happens on a nil return,
// rollback on error. Calls are re-entrant: when the receiver is
// already transaction-bound, fn runs in the ongoing transaction and
// the outermost caller commits.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	if _, ok := s.q.(*sql.Tx); ok {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	bound := &Store{db: s.db, q: tx, path: s.path, clk: s.clk}
	if err := fn(bound); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Printf("[store] rollback failed: %v", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// migrate applies the schema. Statements are idempotent so reopening an
// existing database is safe.
func (s *Store) migrate() error {
	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	requirements TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'draft',
	created_at REAL NOT NULL,
	updated_at REAL NOT NULL,
	completed_at REAL
);

CREATE TABLE IF NOT EXISTS plans (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	version INTEGER NOT NULL DEFAULT 1,
	model_used TEXT NOT NULL,
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	cost_usd REAL NOT NULL DEFAULT 0.0,
	payload_json TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'draft',
	created_at REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	plan_id TEXT NOT NULL REFERENCES plans(id) ON DELETE CASCADE,
	title TEXT NOT NULL,
	description TEXT NOT NULL,
	task_type TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 50,
	status TEXT NOT NULL DEFAULT 'pending',
	model_tier TEXT NOT NULL DEFAULT 'haiku',
	model_used TEXT,
	context_json TEXT NOT NULL DEFAULT '[]',
	tools_json TEXT NOT NULL DEFAULT '[]',
	system_prompt TEXT NOT NULL DEFAULT '',
	output_text TEXT,
	partial INTEGER NOT NULL DEFAULT 0,
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	cost_usd REAL NOT NULL DEFAULT 0.0,
	max_tokens INTEGER NOT NULL DEFAULT 4096,
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 3,
	wave INTEGER NOT NULL DEFAULT 0,
	verification_status TEXT,
	verification_notes TEXT,
	error TEXT,
	started_at REAL,
	completed_at REAL,
	created_at REAL NOT NULL,
	updated_at REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS task_deps (
	task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	depends_on TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	PRIMARY KEY (task_id, depends_on)
);

CREATE TABLE IF NOT EXISTS usage_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id TEXT REFERENCES projects(id),
	task_id TEXT REFERENCES tasks(id),
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	prompt_tokens INTEGER NOT NULL,
	completion_tokens INTEGER NOT NULL,
	cost_usd REAL NOT NULL,
	purpose TEXT NOT NULL DEFAULT '',
	timestamp REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS budget_periods (
	period_key TEXT PRIMARY KEY,
	period_type TEXT NOT NULL,
	total_cost_usd REAL NOT NULL DEFAULT 0.0,
	total_prompt_tokens INTEGER NOT NULL DEFAULT 0,
	total_completion_tokens INTEGER NOT NULL DEFAULT 0,
	api_call_count INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS task_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id TEXT NOT NULL,
	task_id TEXT,
	event_type TEXT NOT NULL,
	message TEXT,
	data_json TEXT,
	timestamp REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS checkpoints (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	task_id TEXT REFERENCES tasks(id) ON DELETE CASCADE,
	checkpoint_type TEXT NOT NULL,
	summary TEXT NOT NULL,
	attempts_json TEXT NOT NULL DEFAULT '[]',
	question TEXT NOT NULL,
	response TEXT,
	resolved_at REAL,
	created_at REAL NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_plans_project ON plans(project_id);
CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_wave ON tasks(wave);
CREATE INDEX IF NOT EXISTS idx_deps_depends ON task_deps(depends_on);
CREATE INDEX IF NOT EXISTS idx_usage_project ON usage_log(project_id);
CREATE INDEX IF NOT EXISTS idx_usage_task ON usage_log(task_id);
CREATE INDEX IF NOT EXISTS idx_usage_timestamp ON usage_log(timestamp);
CREATE INDEX IF NOT EXISTS idx_budget_type ON budget_periods(period_type);
CREATE INDEX IF NOT EXISTS idx_events_project ON task_events(project_id);
CREATE INDEX IF NOT EXISTS idx_events_task ON task_events(task_id);
CREATE INDEX IF NOT EXISTS idx_checkpoints_project ON checkpoints(project_id);
`

// RecoverInterrupted cleans up after an unclean shutdown: tasks stuck
// in running or queued are failed, and executing projects are paused so
// the user can decide whether to resume.
func (s *Store) RecoverInterrupted(ctx context.Context) error {
	now := s.now()
	res, err := s.q.ExecContext(ctx,
		`UPDATE tasks SET status = 'failed',
			error = 'server restart - task interrupted',
			updated_at = ? WHERE status IN ('running', 'queued')`,
		now,
	)
	if err != nil {
		return fmt.Errorf("recover tasks: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		log.Printf("[store] recovered %d interrupted task(s)", n)
	}
	_, err = s.q.ExecContext(ctx,
		`UPDATE projects SET status = 'paused', updated_at = ?
			WHERE status = 'executing'`,
		now,
	)
	if err != nil {
		return fmt.Errorf("recover projects: %w", err)
	}
	return nil
}
