package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgreSQLStore implements Store using PostgreSQL
type PostgreSQLStore struct {
	sqlStore
}

// NewPostgreSQLStore creates a new PostgreSQL store
func NewPostgreSQLStore(config Config) (*PostgreSQLStore, error) {
	dsn := config.DSN
	if dsn == "" {
		return nil, fmt.Errorf("PostgreSQL DSN is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(10)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(2)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgreSQLStore{sqlStore{db: db, postgres: true}}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates tables if they don't exist
func (s *PostgreSQLStore) initSchema() error {
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
		loaded_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
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
		started_at TIMESTAMPTZ NOT NULL,
		resolved_at TIMESTAMPTZ
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
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		workload_id TEXT NOT NULL,
		message TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		delivered_at TIMESTAMPTZ
	);

	CREATE INDEX IF NOT EXISTS idx_workloads_path ON workloads(path);
	CREATE INDEX IF NOT EXISTS idx_runs_workload ON runs(workload_id, started_at);
	CREATE INDEX IF NOT EXISTS idx_escalations_workload ON escalations(workload_id);
	CREATE INDEX IF NOT EXISTS idx_notifications_pending ON notifications(delivered_at);
	`

	_, err := s.db.Exec(schema)
	return err
}
