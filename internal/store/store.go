// Package store implements the durable execution record of the engine:
// goal executions, per-tool executions, feedback, rollup statistics, and the
// content-addressed tool version history. SQLite via modernc.org/sqlite
// (pure Go); a single Store owns the connection pool and all tables.
//
// The VersionManager in versions.go is the only writer of the version
// tables; everything else writes through the methods in this package.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"synapse/internal/logging"

	_ "modernc.org/sqlite"
)

// Store is the SQLite-backed execution store.
type Store struct {
	db     *sql.DB
	dbPath string
}

// maxConns bounds the connection pool. Every public operation acquires a
// connection on entry (via database/sql) and releases it on every path.
const maxConns = 8

// New opens (or creates) the store at the given path.
// Pass ":memory:" for an in-memory store in tests.
func New(path string) (*Store, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns / 2)
	db.SetConnMaxIdleTime(5 * time.Minute)

	// modernc's sqlite serializes writes; busy_timeout covers the window
	// where a background rollup overlaps a request write.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000; PRAGMA foreign_keys = ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set pragmas: %w", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("Execution store opened at %s", path)
	return s, nil
}

// initialize creates the schema.
func (s *Store) initialize() error {
	executions := `
	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		goal TEXT NOT NULL,
		intent TEXT NOT NULL DEFAULT 'unknown',
		success INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		metadata TEXT,
		finalized INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_executions_created ON executions(created_at);
	CREATE INDEX IF NOT EXISTS idx_executions_intent ON executions(intent);
	`

	toolExecutions := `
	CREATE TABLE IF NOT EXISTS tool_executions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		execution_id TEXT NOT NULL REFERENCES executions(id),
		tool_name TEXT NOT NULL,
		input TEXT,
		result TEXT,
		success INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_tool_executions_tool ON tool_executions(tool_name);
	CREATE INDEX IF NOT EXISTS idx_tool_executions_execution ON tool_executions(execution_id);
	CREATE INDEX IF NOT EXISTS idx_tool_executions_created ON tool_executions(created_at);
	`

	feedback := `
	CREATE TABLE IF NOT EXISTS execution_feedback (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		execution_id TEXT NOT NULL UNIQUE REFERENCES executions(id),
		rating INTEGER NOT NULL,
		feedback TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	statistics := `
	CREATE TABLE IF NOT EXISTS tool_statistics (
		tool_name TEXT PRIMARY KEY,
		total_executions INTEGER NOT NULL DEFAULT 0,
		successes INTEGER NOT NULL DEFAULT 0,
		failures INTEGER NOT NULL DEFAULT 0,
		success_rate REAL NOT NULL DEFAULT 0,
		avg_duration_ms REAL NOT NULL DEFAULT 0,
		first_used DATETIME,
		last_used DATETIME,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	creationEvents := `
	CREATE TABLE IF NOT EXISTS tool_creation_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tool_name TEXT NOT NULL,
		created_by TEXT NOT NULL,
		description TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	versions := `
	CREATE TABLE IF NOT EXISTS tool_versions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tool_name TEXT NOT NULL,
		version_number INTEGER NOT NULL,
		code TEXT NOT NULL,
		code_hash TEXT NOT NULL,
		is_current INTEGER NOT NULL DEFAULT 0,
		created_by TEXT NOT NULL DEFAULT 'human',
		improvement_type TEXT NOT NULL DEFAULT 'initial',
		reason TEXT,
		previous_version_id INTEGER,
		deployment_count INTEGER NOT NULL DEFAULT 0,
		first_deployed_at DATETIME,
		last_deployed_at DATETIME,
		total_executions INTEGER NOT NULL DEFAULT 0,
		successes INTEGER NOT NULL DEFAULT 0,
		failures INTEGER NOT NULL DEFAULT 0,
		success_rate REAL NOT NULL DEFAULT 0,
		avg_duration_ms REAL NOT NULL DEFAULT 0,
		was_rolled_back INTEGER NOT NULL DEFAULT 0,
		rolled_back_at DATETIME,
		rollback_reason TEXT,
		replaced_by_version_id INTEGER,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(tool_name, version_number),
		UNIQUE(tool_name, code_hash)
	);
	CREATE INDEX IF NOT EXISTS idx_tool_versions_tool ON tool_versions(tool_name);
	CREATE INDEX IF NOT EXISTS idx_tool_versions_current ON tool_versions(tool_name, is_current);
	`

	deployments := `
	CREATE TABLE IF NOT EXISTS version_deployments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		version_id INTEGER NOT NULL REFERENCES tool_versions(id),
		deployed_by TEXT NOT NULL,
		deployment_type TEXT NOT NULL,
		reason TEXT,
		deployed_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		undeployed_at DATETIME,
		was_successful INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_version_deployments_version ON version_deployments(version_id);
	`

	diffs := `
	CREATE TABLE IF NOT EXISTS version_diffs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		from_version_id INTEGER NOT NULL,
		to_version_id INTEGER NOT NULL,
		diff_text TEXT NOT NULL,
		lines_added INTEGER NOT NULL DEFAULT 0,
		lines_removed INTEGER NOT NULL DEFAULT 0,
		breaking_changes INTEGER NOT NULL DEFAULT 0,
		breaking_details TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(from_version_id, to_version_id)
	);
	`

	semanticIndex := `
	CREATE TABLE IF NOT EXISTS semantic_index (
		tool_name TEXT PRIMARY KEY,
		document TEXT NOT NULL,
		embedding TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	for _, table := range []string{executions, toolExecutions, feedback, statistics, creationEvents, versions, deployments, diffs, semanticIndex} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	if s.db != nil {
		logging.Store("Closing execution store at %s", s.dbPath)
		return s.db.Close()
	}
	return nil
}

// withTx runs fn in a short transaction that commits before returning.
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Counts returns row counts per table, used by the health endpoint and tests.
func (s *Store) Counts() (map[string]int64, error) {
	counts := make(map[string]int64)
	tables := []string{"executions", "tool_executions", "execution_feedback", "tool_statistics",
		"tool_creation_events", "tool_versions", "version_deployments", "version_diffs", "semantic_index"}

	for _, table := range tables {
		var n int64
		if err := s.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
			return nil, err
		}
		counts[table] = n
	}
	return counts, nil
}
