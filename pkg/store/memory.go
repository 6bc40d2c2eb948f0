package store

import (
	"sort"
	"sync"
	"time"

	"github.com/psantana5/agent-guardian/pkg/models"
)

// MemoryStore is an in-memory implementation of the data store
type MemoryStore struct {
	workloads     map[string]*models.Workload
	runs          map[string]*models.RunRecord
	escalations   []*models.EscalationRecord
	notifications []*models.Notification
	workloadsMu   sync.RWMutex
	runsMu        sync.RWMutex
	recordsMu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workloads: make(map[string]*models.Workload),
		runs:      make(map[string]*models.RunRecord),
	}
}

// Workload operations

// SaveWorkload inserts or replaces a workload
func (s *MemoryStore) SaveWorkload(w *models.Workload) error {
	s.workloadsMu.Lock()
	defer s.workloadsMu.Unlock()

	cp := *w
	s.workloads[w.ID] = &cp
	return nil
}

// GetWorkload retrieves a workload by ID
func (s *MemoryStore) GetWorkload(id string) (*models.Workload, error) {
	s.workloadsMu.RLock()
	defer s.workloadsMu.RUnlock()

	w, ok := s.workloads[id]
	if !ok {
		return nil, ErrWorkloadNotFound
	}
	cp := *w
	return &cp, nil
}

// GetWorkloadByPath finds the workload loaded from a definition path
func (s *MemoryStore) GetWorkloadByPath(path string) (*models.Workload, error) {
	s.workloadsMu.RLock()
	defer s.workloadsMu.RUnlock()

	for _, w := range s.workloads {
		if w.Path == path {
			cp := *w
			return &cp, nil
		}
	}
	return nil, ErrWorkloadNotFound
}

// ListWorkloads returns all workloads ordered by load time
func (s *MemoryStore) ListWorkloads() ([]*models.Workload, error) {
	s.workloadsMu.RLock()
	defer s.workloadsMu.RUnlock()

	out := make([]*models.Workload, 0, len(s.workloads))
	for _, w := range s.workloads {
		cp := *w
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LoadedAt.Equal(out[j].LoadedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].LoadedAt.Before(out[j].LoadedAt)
	})
	return out, nil
}

// DeleteWorkload removes a workload; deleting an unknown id is not an error
func (s *MemoryStore) DeleteWorkload(id string) error {
	s.workloadsMu.Lock()
	defer s.workloadsMu.Unlock()

	delete(s.workloads, id)
	return nil
}

// Run operations

// SaveRun inserts or replaces a decision run
func (s *MemoryStore) SaveRun(run *models.RunRecord) error {
	s.runsMu.Lock()
	defer s.runsMu.Unlock()

	s.runs[run.ID] = run.Clone()
	return nil
}

// GetRun retrieves a run by ID
func (s *MemoryStore) GetRun(id string) (*models.RunRecord, error) {
	s.runsMu.RLock()
	defer s.runsMu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	return run.Clone(), nil
}

// ListRuns returns runs newest first, optionally filtered by workload
func (s *MemoryStore) ListRuns(workloadID string, limit int) ([]*models.RunRecord, error) {
	s.runsMu.RLock()
	defer s.runsMu.RUnlock()

	out := make([]*models.RunRecord, 0, len(s.runs))
	for _, run := range s.runs {
		if workloadID != "" && run.WorkloadID != workloadID {
			continue
		}
		out = append(out, run.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Escalation and notification records

// CreateEscalation appends an escalation record
func (s *MemoryStore) CreateEscalation(rec *models.EscalationRecord) error {
	s.recordsMu.Lock()
	defer s.recordsMu.Unlock()

	cp := *rec
	cp.Actions = append([]string(nil), rec.Actions...)
	s.escalations = append(s.escalations, &cp)
	return nil
}

// ListEscalations returns escalation records oldest first
func (s *MemoryStore) ListEscalations(workloadID string) ([]*models.EscalationRecord, error) {
	s.recordsMu.RLock()
	defer s.recordsMu.RUnlock()

	out := make([]*models.EscalationRecord, 0, len(s.escalations))
	for _, rec := range s.escalations {
		if workloadID != "" && rec.WorkloadID != workloadID {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

// CreateNotification queues a notification
func (s *MemoryStore) CreateNotification(n *models.Notification) error {
	s.recordsMu.Lock()
	defer s.recordsMu.Unlock()

	cp := *n
	s.notifications = append(s.notifications, &cp)
	return nil
}

// ListNotifications returns notifications oldest first
func (s *MemoryStore) ListNotifications(pendingOnly bool) ([]*models.Notification, error) {
	s.recordsMu.RLock()
	defer s.recordsMu.RUnlock()

	out := make([]*models.Notification, 0, len(s.notifications))
	for _, n := range s.notifications {
		if pendingOnly && n.Delivered() {
			continue
		}
		cp := *n
		out = append(out, &cp)
	}
	return out, nil
}

// MarkNotificationDelivered stamps a notification as delivered
func (s *MemoryStore) MarkNotificationDelivered(id string, at time.Time) error {
	s.recordsMu.Lock()
	defer s.recordsMu.Unlock()

	for _, n := range s.notifications {
		if n.ID == id {
			t := at
			n.DeliveredAt = &t
			return nil
		}
	}
	return ErrNotificationNotFound
}

// Close is a no-op for the memory store
func (s *MemoryStore) Close() error {
	return nil
}

// HealthCheck always succeeds for the memory store
func (s *MemoryStore) HealthCheck() error {
	return nil
}
