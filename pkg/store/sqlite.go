package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is a SQLite-based implementation of the data store
type SQLiteStore struct {
	sqlStore
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// WAL with a busy timeout lets the API read while a decision run writes
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_txlock=immediate", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer for SQLite to avoid SQLITE_BUSY
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	store := &SQLiteStore{sqlStore{db: db}}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates the database schema
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS workloads (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		path TEXT NOT NULL,
		source_dir TEXT NOT NULL DEFAULT '',
		default_entry_point TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		executions INTEGER NOT NULL DEFAULT 0,
		loaded_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		signal_id TEXT NOT NULL,
		graph_id TEXT NOT NULL,
		workload_id TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		severity TEXT NOT NULL DEFAULT '',
		presence TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		resolution TEXT,
		transitions TEXT,
		started_at DATETIME NOT NULL,
		resolved_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS escalations (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		signal_id TEXT NOT NULL,
		workload_id TEXT NOT NULL,
		severity TEXT NOT NULL,
		presence TEXT NOT NULL,
		reason TEXT NOT NULL,
		error TEXT NOT NULL,
		actions TEXT,
		diagnostics TEXT,
		path TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		workload_id TEXT NOT NULL,
		message TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		delivered_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_workloads_path ON workloads(path);
	CREATE INDEX IF NOT EXISTS idx_runs_workload ON runs(workload_id, started_at);
	CREATE INDEX IF NOT EXISTS idx_escalations_workload ON escalations(workload_id);
	CREATE INDEX IF NOT EXISTS idx_notifications_pending ON notifications(delivered_at);
	`

	_, err := s.db.Exec(schema)
	return err
}
