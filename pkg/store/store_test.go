package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/psantana5/agent-guardian/pkg/models"
)

func newSQLiteForTest(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "guardian.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStores(t *testing.T) {
	stores := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store { return newSQLiteForTest(t) },
	}

	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			t.Run("Workloads", func(t *testing.T) { testWorkloadOperations(t, open(t)) })
			t.Run("Runs", func(t *testing.T) { testRunOperations(t, open(t)) })
			t.Run("Records", func(t *testing.T) { testRecordOperations(t, open(t)) })
		})
	}
}

// TestPostgreSQLIntegration runs the same checks against a real database.
// Set DATABASE_DSN to run: export DATABASE_DSN="postgresql://..."
func TestPostgreSQLIntegration(t *testing.T) {
	dsn := os.Getenv("DATABASE_DSN")
	if dsn == "" {
		t.Skip("Skipping PostgreSQL integration test: DATABASE_DSN not set")
	}

	s, err := NewStore(Config{Type: "postgres", DSN: dsn})
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()
	if err := s.HealthCheck(); err != nil {
		t.Fatalf("Health check failed: %v", err)
	}

	t.Run("Workloads", func(t *testing.T) { testWorkloadOperations(t, s) })
	t.Run("Runs", func(t *testing.T) { testRunOperations(t, s) })
	t.Run("Records", func(t *testing.T) { testRecordOperations(t, s) })
}

func testWorkloadOperations(t *testing.T, s Store) {
	suffix := fmt.Sprintf("%d", time.Now().UnixNano())
	now := time.Now()
	w := &models.Workload{
		ID:        "wl-" + suffix,
		Name:      "research",
		Path:      "/defs/research-" + suffix + ".yaml",
		Status:    models.WorkloadLoaded,
		LoadedAt:  now,
		UpdatedAt: now,
	}
	if err := s.SaveWorkload(w); err != nil {
		t.Fatalf("SaveWorkload failed: %v", err)
	}

	got, err := s.GetWorkload(w.ID)
	if err != nil {
		t.Fatalf("GetWorkload failed: %v", err)
	}
	if got.Name != "research" || got.Status != models.WorkloadLoaded {
		t.Errorf("Expected loaded workload 'research', got %q (%s)", got.Name, got.Status)
	}

	byPath, err := s.GetWorkloadByPath(w.Path)
	if err != nil {
		t.Fatalf("GetWorkloadByPath failed: %v", err)
	}
	if byPath.ID != w.ID {
		t.Errorf("Expected workload %s by path, got %s", w.ID, byPath.ID)
	}

	w.Status = models.WorkloadFailed
	w.LastError = "timeout"
	if err := s.SaveWorkload(w); err != nil {
		t.Fatalf("SaveWorkload update failed: %v", err)
	}
	got, err = s.GetWorkload(w.ID)
	if err != nil {
		t.Fatalf("GetWorkload failed: %v", err)
	}
	if got.Status != models.WorkloadFailed || got.LastError != "timeout" {
		t.Errorf("Update not persisted: status=%s last_error=%q", got.Status, got.LastError)
	}

	list, err := s.ListWorkloads()
	if err != nil {
		t.Fatalf("ListWorkloads failed: %v", err)
	}
	found := false
	for _, item := range list {
		if item.ID == w.ID {
			found = true
		}
	}
	if !found {
		t.Error("Saved workload missing from list")
	}

	if err := s.DeleteWorkload(w.ID); err != nil {
		t.Fatalf("DeleteWorkload failed: %v", err)
	}
	if err := s.DeleteWorkload(w.ID); err != nil {
		t.Errorf("Deleting twice must not fail, got %v", err)
	}
	if _, err := s.GetWorkload(w.ID); !errors.Is(err, ErrWorkloadNotFound) {
		t.Errorf("Expected ErrWorkloadNotFound after delete, got %v", err)
	}
}

func testRunOperations(t *testing.T, s Store) {
	suffix := fmt.Sprintf("%d", time.Now().UnixNano())
	sig := models.NewFailureSignal("sig-"+suffix, models.SignalExecutionFailed, "graph-"+suffix, "timeout", nil)

	run := models.NewRunRecord("run-"+suffix, sig)
	run.Severity = models.SeverityTransient
	run.Presence = models.PresenceAway
	if err := s.SaveRun(run); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	got, err := s.GetRun(run.ID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Resolution != nil {
		t.Errorf("New run should have no resolution, got %v", got.Resolution)
	}
	if got.State != models.RunStateTriaging {
		t.Errorf("Expected state %s, got %s", models.RunStateTriaging, got.State)
	}

	if err := run.Transition(models.RunStateAutoFix, "away"); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}
	if err := run.Resolve(models.NewResolution(models.FamilyAutoFixed, "retry after timeout")); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if err := s.SaveRun(run); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	got, err = s.GetRun(run.ID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Resolution == nil {
		t.Fatal("Resolution not persisted")
	}
	if got.Resolution.Family != models.FamilyAutoFixed || got.Resolution.Detail != "retry after timeout" {
		t.Errorf("Unexpected resolution %v", got.Resolution)
	}
	if got.State != models.RunStateResolved {
		t.Errorf("Expected state %s, got %s", models.RunStateResolved, got.State)
	}
	if len(got.Transitions) != 2 {
		t.Errorf("Expected 2 transitions, got %d", len(got.Transitions))
	}
	if got.ResolvedAt == nil {
		t.Error("ResolvedAt not persisted")
	}

	runs, err := s.ListRuns(sig.GraphID, 10)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != run.ID {
		t.Errorf("Expected only run %s, got %d runs", run.ID, len(runs))
	}

	if _, err := s.GetRun("missing-" + suffix); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Expected ErrRunNotFound, got %v", err)
	}
}

func testRecordOperations(t *testing.T, s Store) {
	suffix := fmt.Sprintf("%d", time.Now().UnixNano())
	rec := &models.EscalationRecord{
		ID:          "esc-" + suffix,
		RunID:       "run-" + suffix,
		SignalID:    "sig-" + suffix,
		WorkloadID:  "wl-" + suffix,
		Severity:    models.SeverityCatastrophic,
		Presence:    models.PresenceAway,
		Reason:      "catastrophic failure",
		Error:       "database corrupted",
		Actions:     []string{"write_file", "unload_agent"},
		Diagnostics: map[string]interface{}{"cpu_percent": 12.5},
		CreatedAt:   time.Now(),
	}
	if err := s.CreateEscalation(rec); err != nil {
		t.Fatalf("CreateEscalation failed: %v", err)
	}

	recs, err := s.ListEscalations(rec.WorkloadID)
	if err != nil {
		t.Fatalf("ListEscalations failed: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("Expected 1 escalation, got %d", len(recs))
	}
	if want := []string{"write_file", "unload_agent"}; !reflect.DeepEqual(recs[0].Actions, want) {
		t.Errorf("Expected actions %v, got %v", want, recs[0].Actions)
	}
	if recs[0].Severity != models.SeverityCatastrophic {
		t.Errorf("Expected severity %s, got %s", models.SeverityCatastrophic, recs[0].Severity)
	}

	n := &models.Notification{
		ID:         "note-" + suffix,
		RunID:      rec.RunID,
		WorkloadID: rec.WorkloadID,
		Message:    "restart failed while you were idle",
		CreatedAt:  time.Now(),
	}
	if err := s.CreateNotification(n); err != nil {
		t.Fatalf("CreateNotification failed: %v", err)
	}

	pending, err := s.ListNotifications(true)
	if err != nil {
		t.Fatalf("ListNotifications failed: %v", err)
	}
	if !containsNotification(pending, n.ID) {
		t.Error("New notification should be pending")
	}

	if err := s.MarkNotificationDelivered(n.ID, time.Now()); err != nil {
		t.Fatalf("MarkNotificationDelivered failed: %v", err)
	}
	pending, err = s.ListNotifications(true)
	if err != nil {
		t.Fatalf("ListNotifications failed: %v", err)
	}
	if containsNotification(pending, n.ID) {
		t.Error("Delivered notification still pending")
	}

	all, err := s.ListNotifications(false)
	if err != nil {
		t.Fatalf("ListNotifications failed: %v", err)
	}
	if !containsNotification(all, n.ID) {
		t.Error("Delivered notification missing from full list")
	}

	if err := s.MarkNotificationDelivered("missing-"+suffix, time.Now()); !errors.Is(err, ErrNotificationNotFound) {
		t.Errorf("Expected ErrNotificationNotFound, got %v", err)
	}
}

func containsNotification(list []*models.Notification, id string) bool {
	for _, n := range list {
		if n.ID == id {
			return true
		}
	}
	return false
}

// TestSQLiteConcurrentRuns checks concurrent decision runs can persist without lock errors
func TestSQLiteConcurrentRuns(t *testing.T) {
	s := newSQLiteForTest(t)

	const numRuns = 20
	var wg sync.WaitGroup
	errs := make(chan error, numRuns)

	for i := 0; i < numRuns; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			sig := models.NewFailureSignal(fmt.Sprintf("sig-%d", idx), models.SignalExecutionFailed, "graph", "boom", nil)
			if err := s.SaveRun(models.NewRunRecord(fmt.Sprintf("run-%d", idx), sig)); err != nil {
				errs <- err
			}
		}(i)
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Concurrent save failed: %v", err)
	}

	runs, err := s.ListRuns("graph", 0)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != numRuns {
		t.Errorf("Expected %d runs, got %d", numRuns, len(runs))
	}
}

func TestRebind(t *testing.T) {
	tests := []struct {
		name     string
		postgres bool
		query    string
		want     string
	}{
		{"postgres", true, "SELECT a FROM t WHERE x = ? AND y = ?", "SELECT a FROM t WHERE x = $1 AND y = $2"},
		{"sqlite", false, "x = ?", "x = ?"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &sqlStore{postgres: tt.postgres}
			if got := s.rebind(tt.query); got != tt.want {
				t.Errorf("rebind(%q) = %q, want %q", tt.query, got, tt.want)
			}
		})
	}
}

func TestNewStore_Unsupported(t *testing.T) {
	_, err := NewStore(Config{Type: "mongodb"})
	if !errors.Is(err, ErrUnsupportedDatabase) {
		t.Errorf("Expected ErrUnsupportedDatabase, got %v", err)
	}
}
