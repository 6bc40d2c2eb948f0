package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/psantana5/agent-guardian/pkg/models"
)

// sqlStore holds the queries shared by the SQLite and PostgreSQL stores.
// Queries are written with ? placeholders and rebound for postgres.
type sqlStore struct {
	db       *sql.DB
	postgres bool
}

func (s *sqlStore) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) exec(query string, args ...interface{}) error {
	_, err := s.db.Exec(s.rebind(query), args...)
	return err
}

func marshalText(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshalText(data string, v interface{}) error {
	if data == "" || data == "null" {
		return nil
	}
	return json.Unmarshal([]byte(data), v)
}

// Workload operations

const workloadColumns = `id, name, path, source_dir, default_entry_point, status, last_error, executions, loaded_at, updated_at`

// SaveWorkload inserts or replaces a workload
func (s *sqlStore) SaveWorkload(w *models.Workload) error {
	return s.exec(`
		INSERT INTO workloads (`+workloadColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			path = excluded.path,
			source_dir = excluded.source_dir,
			default_entry_point = excluded.default_entry_point,
			status = excluded.status,
			last_error = excluded.last_error,
			executions = excluded.executions,
			loaded_at = excluded.loaded_at,
			updated_at = excluded.updated_at
	`, w.ID, w.Name, w.Path, w.SourceDir, w.DefaultEntryPoint, string(w.Status), w.LastError,
		w.Executions, w.LoadedAt, w.UpdatedAt)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWorkload(row rowScanner) (*models.Workload, error) {
	var w models.Workload
	var status string
	if err := row.Scan(&w.ID, &w.Name, &w.Path, &w.SourceDir, &w.DefaultEntryPoint, &status,
		&w.LastError, &w.Executions, &w.LoadedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	w.Status = models.WorkloadStatus(status)
	return &w, nil
}

// GetWorkload retrieves a workload by ID
func (s *sqlStore) GetWorkload(id string) (*models.Workload, error) {
	row := s.db.QueryRow(s.rebind(`SELECT `+workloadColumns+` FROM workloads WHERE id = ?`), id)
	w, err := scanWorkload(row)
	if err == sql.ErrNoRows {
		return nil, ErrWorkloadNotFound
	}
	return w, err
}

// GetWorkloadByPath finds the workload loaded from a definition path
func (s *sqlStore) GetWorkloadByPath(path string) (*models.Workload, error) {
	row := s.db.QueryRow(s.rebind(`SELECT `+workloadColumns+` FROM workloads WHERE path = ? LIMIT 1`), path)
	w, err := scanWorkload(row)
	if err == sql.ErrNoRows {
		return nil, ErrWorkloadNotFound
	}
	return w, err
}

// ListWorkloads returns all workloads ordered by load time
func (s *sqlStore) ListWorkloads() ([]*models.Workload, error) {
	rows, err := s.db.Query(`SELECT ` + workloadColumns + ` FROM workloads ORDER BY loaded_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Workload
	for rows.Next() {
		w, err := scanWorkload(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// DeleteWorkload removes a workload; deleting an unknown id is not an error
func (s *sqlStore) DeleteWorkload(id string) error {
	return s.exec(`DELETE FROM workloads WHERE id = ?`, id)
}

// Run operations

const runColumns = `id, signal_id, graph_id, workload_id, error, severity, presence, action, state, resolution, transitions, started_at, resolved_at`

// SaveRun inserts or replaces a decision run
func (s *sqlStore) SaveRun(run *models.RunRecord) error {
	transitions, err := marshalText(run.Transitions)
	if err != nil {
		return fmt.Errorf("failed to marshal transitions: %w", err)
	}
	var resolution sql.NullString
	if run.Resolution != nil {
		resolution = sql.NullString{String: run.Resolution.String(), Valid: true}
	}
	var resolvedAt sql.NullTime
	if run.ResolvedAt != nil {
		resolvedAt = sql.NullTime{Time: *run.ResolvedAt, Valid: true}
	}

	return s.exec(`
		INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			severity = excluded.severity,
			presence = excluded.presence,
			action = excluded.action,
			state = excluded.state,
			resolution = excluded.resolution,
			transitions = excluded.transitions,
			resolved_at = excluded.resolved_at
	`, run.ID, run.SignalID, run.GraphID, run.WorkloadID, run.Error, string(run.Severity),
		string(run.Presence), run.Action, string(run.State), resolution, transitions,
		run.StartedAt, resolvedAt)
}

func scanRun(row rowScanner) (*models.RunRecord, error) {
	var run models.RunRecord
	var severity, presence, state, transitions string
	var resolution sql.NullString
	var resolvedAt sql.NullTime

	if err := row.Scan(&run.ID, &run.SignalID, &run.GraphID, &run.WorkloadID, &run.Error,
		&severity, &presence, &run.Action, &state, &resolution, &transitions,
		&run.StartedAt, &resolvedAt); err != nil {
		return nil, err
	}

	run.Severity = models.SeverityClass(severity)
	run.Presence = models.PresenceState(presence)
	run.State = models.RunState(state)
	if resolution.Valid {
		res, err := models.ParseResolution(resolution.String)
		if err != nil {
			return nil, fmt.Errorf("run %s: %w", run.ID, err)
		}
		run.Resolution = &res
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		run.ResolvedAt = &t
	}
	if err := unmarshalText(transitions, &run.Transitions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transitions: %w", err)
	}
	return &run, nil
}

// GetRun retrieves a run by ID
func (s *sqlStore) GetRun(id string) (*models.RunRecord, error) {
	row := s.db.QueryRow(s.rebind(`SELECT `+runColumns+` FROM runs WHERE id = ?`), id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, ErrRunNotFound
	}
	return run, err
}

// ListRuns returns runs newest first, optionally filtered by workload
func (s *sqlStore) ListRuns(workloadID string, limit int) ([]*models.RunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var args []interface{}
	if workloadID != "" {
		query += ` WHERE workload_id = ?`
		args = append(args, workloadID)
	}
	query += ` ORDER BY started_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// Escalation and notification records

// CreateEscalation stores an escalation record
func (s *sqlStore) CreateEscalation(rec *models.EscalationRecord) error {
	actions, err := marshalText(rec.Actions)
	if err != nil {
		return fmt.Errorf("failed to marshal actions: %w", err)
	}
	diagnostics, err := marshalText(rec.Diagnostics)
	if err != nil {
		return fmt.Errorf("failed to marshal diagnostics: %w", err)
	}

	return s.exec(`
		INSERT INTO escalations
		(id, run_id, signal_id, workload_id, severity, presence, reason, error, actions, diagnostics, path, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.RunID, rec.SignalID, rec.WorkloadID, string(rec.Severity), string(rec.Presence),
		rec.Reason, rec.Error, actions, diagnostics, rec.Path, rec.CreatedAt)
}

// ListEscalations returns escalation records oldest first
func (s *sqlStore) ListEscalations(workloadID string) ([]*models.EscalationRecord, error) {
	query := `SELECT id, run_id, signal_id, workload_id, severity, presence, reason, error,
		actions, diagnostics, path, created_at FROM escalations`
	var args []interface{}
	if workloadID != "" {
		query += ` WHERE workload_id = ?`
		args = append(args, workloadID)
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.Query(s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.EscalationRecord
	for rows.Next() {
		var rec models.EscalationRecord
		var severity, presence, actions, diagnostics string
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.SignalID, &rec.WorkloadID, &severity,
			&presence, &rec.Reason, &rec.Error, &actions, &diagnostics, &rec.Path,
			&rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Severity = models.SeverityClass(severity)
		rec.Presence = models.PresenceState(presence)
		if err := unmarshalText(actions, &rec.Actions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal actions: %w", err)
		}
		if err := unmarshalText(diagnostics, &rec.Diagnostics); err != nil {
			return nil, fmt.Errorf("failed to unmarshal diagnostics: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// CreateNotification queues a notification
func (s *sqlStore) CreateNotification(n *models.Notification) error {
	var deliveredAt sql.NullTime
	if n.DeliveredAt != nil {
		deliveredAt = sql.NullTime{Time: *n.DeliveredAt, Valid: true}
	}
	return s.exec(`
		INSERT INTO notifications (id, run_id, workload_id, message, created_at, delivered_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, n.ID, n.RunID, n.WorkloadID, n.Message, n.CreatedAt, deliveredAt)
}

// ListNotifications returns notifications oldest first
func (s *sqlStore) ListNotifications(pendingOnly bool) ([]*models.Notification, error) {
	query := `SELECT id, run_id, workload_id, message, created_at, delivered_at FROM notifications`
	if pendingOnly {
		query += ` WHERE delivered_at IS NULL`
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Notification
	for rows.Next() {
		var n models.Notification
		var deliveredAt sql.NullTime
		if err := rows.Scan(&n.ID, &n.RunID, &n.WorkloadID, &n.Message, &n.CreatedAt, &deliveredAt); err != nil {
			return nil, err
		}
		if deliveredAt.Valid {
			t := deliveredAt.Time
			n.DeliveredAt = &t
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}

// MarkNotificationDelivered stamps a notification as delivered
func (s *sqlStore) MarkNotificationDelivered(id string, at time.Time) error {
	res, err := s.db.Exec(s.rebind(`UPDATE notifications SET delivered_at = ? WHERE id = ?`), at, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotificationNotFound
	}
	return nil
}

// Close closes the database connection
func (s *sqlStore) Close() error {
	return s.db.Close()
}

// HealthCheck verifies the database is reachable
func (s *sqlStore) HealthCheck() error {
	return s.db.Ping()
}
