package models

import (
	"time"
)

// Workload represents a supervised execution graph instance
type Workload struct {
	ID                string         `json:"id"`
	Name              string         `json:"name"`
	Path              string         `json:"path"`                 // stored definition it was loaded from
	SourceDir         string         `json:"source_dir,omitempty"` // where its source lives, for repairs
	DefaultEntryPoint string         `json:"default_entry_point,omitempty"`
	Status            WorkloadStatus `json:"status"`
	LastError         string         `json:"last_error,omitempty"`
	Executions        int            `json:"executions"`
	LoadedAt          time.Time      `json:"loaded_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// WorkloadInfo is the (id, status) pair produced by list_agents
type WorkloadInfo struct {
	ID     string         `json:"id"`
	Status WorkloadStatus `json:"status"`
}

// EscalationRecord is the durable record written when the guardian gives up or must not act
type EscalationRecord struct {
	ID          string                 `json:"id"`
	RunID       string                 `json:"run_id"`
	SignalID    string                 `json:"signal_id"`
	WorkloadID  string                 `json:"workload_id"`
	Severity    SeverityClass          `json:"severity"`
	Presence    PresenceState          `json:"presence"`
	Reason      string                 `json:"reason"`
	Error       string                 `json:"error"`
	Actions     []string               `json:"actions,omitempty"` // what was attempted before escalating
	Diagnostics map[string]interface{} `json:"diagnostics,omitempty"`
	Path        string                 `json:"path,omitempty"` // file written through write_file, if any
	CreatedAt   time.Time              `json:"created_at"`
}

// Notification is a message queued for an operator who is not at the keyboard
type Notification struct {
	ID          string     `json:"id"`
	RunID       string     `json:"run_id"`
	WorkloadID  string     `json:"workload_id"`
	Message     string     `json:"message"`
	CreatedAt   time.Time  `json:"created_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

// Delivered reports whether the notification reached the operator
func (n *Notification) Delivered() bool {
	return n.DeliveredAt != nil
}
