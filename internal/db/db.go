package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite store. The write handle is serialized with a mutex
// (the bridge loop and background maintenance share it within one process);
// reads that must observe another process's writes go through a separate
// read handle so no pooled state can mask them.
type DB struct {
	*sql.DB
	readDB *sql.DB
	path   string

	writeMu sync.Mutex

	retentionDays int
	maxDBBytes    int64
	pruneMu       sync.Mutex
	stepMu        sync.Mutex
	stepCount     int
}

// Steps written between opportunistic prune passes.
const pruneEveryNSteps = 100

// Open opens (creating if needed) the store at path without running
// migrations.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	writeDB, err := openHandle(path)
	if err != nil {
		return nil, err
	}

	readDB, err := openHandle(path)
	if err != nil {
		writeDB.Close()
		return nil, err
	}

	return &DB{DB: writeDB, readDB: readDB, path: path}, nil
}

func openHandle(path string) (*sql.DB, error) {
	handle, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}
	// One connection per handle keeps the session-level pragmas effective.
	handle.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA wal_autocheckpoint = 1000",
		"PRAGMA busy_timeout = 30000",
	}
	for _, pragma := range pragmas {
		if _, err := handle.Exec(pragma); err != nil {
			handle.Close()
			return nil, fmt.Errorf("setting %s: %w", pragma, err)
		}
	}
	return handle, nil
}

// OpenAndMigrate opens the store and applies the schema.
func OpenAndMigrate(path string) (*DB, error) {
	store, err := Open(path)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(); err != nil {
		store.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}
	return store, nil
}

// Close closes both handles.
func (db *DB) Close() error {
	db.readDB.Close()
	return db.DB.Close()
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// SetRetention configures session pruning. days <= 0 disables age-based
// pruning; maxBytes <= 0 disables size-based pruning.
func (db *DB) SetRetention(days int, maxBytes int64) {
	db.retentionDays = days
	db.maxDBBytes = maxBytes
}

// Migrate creates the schema. Idempotent.
func (db *DB) Migrate() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			title TEXT,
			created_at TEXT NOT NULL,
			client_id TEXT,
			repo_root TEXT,
			repo_name TEXT,
			branch_name TEXT,
			commit_sha TEXT,
			is_dirty INTEGER,
			config_source TEXT,
			tag TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS client_defaults (
			client_id TEXT PRIMARY KEY,
			target_type TEXT,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS steps (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			created_at TEXT NOT NULL,
			kind TEXT NOT NULL,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			duration_ms INTEGER,
			summary_text TEXT,
			risk_level TEXT,
			warnings_json TEXT,
			target_type TEXT,
			tool_category TEXT,
			sql_text TEXT,
			sql_truncated INTEGER,
			sql_classification TEXT,
			policy_rule_ids_json TEXT,
			decision TEXT,
			result_rows_shown INTEGER,
			result_rows_total INTEGER,
			captured_bytes INTEGER,
			error_message TEXT,
			tables_touched_json TEXT,
			args_json TEXT,
			result_json TEXT,
			preview_text TEXT,
			preview_truncated INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS casts (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			created_at TEXT NOT NULL,
			title TEXT NOT NULL,
			origin_step_id TEXT NOT NULL,
			sql_text TEXT,
			columns_json TEXT,
			rows_json TEXT,
			rows_shown INTEGER,
			total_rows INTEGER,
			truncated INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS pending_requests (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			created_at TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			arguments_json TEXT,
			classification TEXT,
			risk_level TEXT,
			reason TEXT,
			blocker_step_id TEXT,
			status TEXT NOT NULL,
			decided_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_created_at ON sessions(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_session_created_at ON steps(session_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_casts_session_created_at ON casts(session_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_session_created_at ON pending_requests(session_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_status ON pending_requests(status, created_at)`,
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
	}
	return nil
}

// exec serializes a mutating statement and forces a WAL checkpoint so the
// write is visible to pollers in other processes within their poll interval.
func (db *DB) exec(query string, args ...any) (sql.Result, error) {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	result, err := db.Exec(query, args...)
	if err != nil {
		return nil, err
	}
	db.checkpointLocked()
	return result, nil
}

// checkpointLocked truncates the WAL. Failures are ignored: the
// wal_autocheckpoint fallback still bounds staleness.
func (db *DB) checkpointLocked() {
	_, _ = db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
}

// noteStepWritten schedules an opportunistic prune every Nth step. The
// triggering write never waits on pruning.
func (db *DB) noteStepWritten() {
	if db.retentionDays <= 0 && db.maxDBBytes <= 0 {
		return
	}
	db.stepMu.Lock()
	db.stepCount++
	due := db.stepCount%pruneEveryNSteps == 0
	db.stepMu.Unlock()
	if due {
		go db.maybePrune()
	}
}
