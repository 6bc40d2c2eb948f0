package models

import (
	"time"
)

// OutputResolution is the single output key a decision run produces
const OutputResolution = "resolution"

// RunRecord tracks one decision run from triage to resolution.
// It is owned by the goroutine executing the run; others see copies from the store.
type RunRecord struct {
	ID          string          `json:"id"`
	SignalID    string          `json:"signal_id"`
	GraphID     string          `json:"graph_id"`
	WorkloadID  string          `json:"workload_id"`
	Error       string          `json:"error"`
	Severity    SeverityClass   `json:"severity,omitempty"`
	Presence    PresenceState   `json:"presence,omitempty"`
	Action      string          `json:"action,omitempty"`
	State       RunState        `json:"state"`
	Resolution  *Resolution     `json:"resolution"` // nil until resolved
	Transitions []RunTransition `json:"transitions,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	ResolvedAt  *time.Time      `json:"resolved_at,omitempty"`
}

// RunTransition tracks run state changes with timestamps
type RunTransition struct {
	From      RunState  `json:"from"`
	To        RunState  `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

// NewRunRecord starts a run in the triaging state for the given signal
func NewRunRecord(id string, sig FailureSignal) *RunRecord {
	return &RunRecord{
		ID:         id,
		SignalID:   sig.ID,
		GraphID:    sig.GraphID,
		WorkloadID: sig.Target(),
		Error:      sig.Error,
		State:      RunStateTriaging,
		StartedAt:  time.Now(),
	}
}

// Transition moves the run to a new state, rejecting invalid moves
func (r *RunRecord) Transition(to RunState, reason string) error {
	if err := ValidateRunTransition(r.State, to); err != nil {
		return err
	}
	r.Transitions = append(r.Transitions, RunTransition{
		From:      r.State,
		To:        to,
		Timestamp: time.Now(),
		Reason:    reason,
	})
	r.State = to
	return nil
}

// Resolve records the terminal resolution. It succeeds exactly once.
func (r *RunRecord) Resolve(res Resolution) error {
	if r.Resolution != nil {
		return ErrAlreadyResolved
	}
	if err := r.Transition(RunStateResolved, res.String()); err != nil {
		return err
	}
	now := time.Now()
	r.Resolution = &res
	r.ResolvedAt = &now
	return nil
}

// Output returns the run's output keys; the resolution is nil until the run resolves
func (r *RunRecord) Output() map[string]*string {
	out := map[string]*string{OutputResolution: nil}
	if r.Resolution != nil {
		s := r.Resolution.String()
		out[OutputResolution] = &s
	}
	return out
}

// Clone returns a deep copy safe to hand to other goroutines
func (r *RunRecord) Clone() *RunRecord {
	cp := *r
	if r.Resolution != nil {
		res := *r.Resolution
		cp.Resolution = &res
	}
	if r.ResolvedAt != nil {
		t := *r.ResolvedAt
		cp.ResolvedAt = &t
	}
	cp.Transitions = append([]RunTransition(nil), r.Transitions...)
	return &cp
}
