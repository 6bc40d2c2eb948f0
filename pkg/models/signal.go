package models

import (
	"time"
)

// Signal types published by the host runtime
const (
	SignalExecutionFailed    = "execution_failed"
	SignalExecutionCompleted = "execution_completed"
)

// FailureSignal reports that a supervised workload's execution failed.
// A signal is built once by NewFailureSignal and treated as read-only after that.
type FailureSignal struct {
	ID          string                 `json:"id"`
	Type        string                 `json:"type"`
	GraphID     string                 `json:"graph_id"`              // originating graph
	WorkloadID  string                 `json:"workload_id,omitempty"` // lifecycle id, defaults to GraphID
	ExecutionID string                 `json:"execution_id,omitempty"`
	EntryPoint  string                 `json:"entry_point,omitempty"`
	Error       string                 `json:"error"`
	Context     map[string]interface{} `json:"context,omitempty"` // execution context snapshot
	EmittedAt   time.Time              `json:"emitted_at"`
}

// NewFailureSignal creates a signal with a private copy of the execution context
func NewFailureSignal(id, signalType, graphID, errMsg string, snapshot map[string]interface{}) FailureSignal {
	return FailureSignal{
		ID:         id,
		Type:       signalType,
		GraphID:    graphID,
		WorkloadID: graphID,
		Error:      errMsg,
		Context:    cloneMap(snapshot),
		EmittedAt:  time.Now(),
	}
}

// Target returns the workload the signal refers to
func (s FailureSignal) Target() string {
	if s.WorkloadID != "" {
		return s.WorkloadID
	}
	return s.GraphID
}

// Snapshot returns a copy of the execution context
func (s FailureSignal) Snapshot() map[string]interface{} {
	return cloneMap(s.Context)
}

// Input returns the typed input recorded in the execution context, if any
func (s FailureSignal) Input() map[string]interface{} {
	if in, ok := s.Context["input"].(map[string]interface{}); ok {
		return cloneMap(in)
	}
	return nil
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case map[string]interface{}:
			out[k] = cloneMap(val)
		case []interface{}:
			cp := make([]interface{}, len(val))
			copy(cp, val)
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}
