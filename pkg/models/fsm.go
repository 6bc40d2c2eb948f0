package models

import (
	"fmt"
)

// RunState is a state of a decision run
type RunState string

// Strict decision run states
const (
	RunStateTriaging RunState = "triaging" // severity and presence being assessed
	RunStateAskUser  RunState = "ask_user" // waiting on the operator
	RunStateAutoFix  RunState = "auto_fix" // autonomous remediation in progress
	RunStateEscalate RunState = "escalate" // writing a durable record
	RunStateResolved RunState = "resolved" // terminal
)

// validRunTransitions maps from-state to allowed to-states
var validRunTransitions = map[RunState]map[RunState]bool{
	RunStateTriaging: {
		RunStateAskUser:  true, // operator present
		RunStateAutoFix:  true, // operator idle or away
		RunStateEscalate: true, // catastrophic, or nothing to try
	},
	RunStateAskUser: {
		RunStateResolved: true, // operator choice carried out, or workload recovered on its own
		RunStateEscalate: true, // chosen action failed, or run cancelled
	},
	RunStateAutoFix: {
		RunStateResolved: true, // fix succeeded (and verified where required)
		RunStateEscalate: true, // remediation failure
	},
	RunStateEscalate: {
		RunStateResolved: true,
	},
	RunStateResolved: {},
}

// ValidateRunTransition checks if a run state transition is valid
func ValidateRunTransition(from, to RunState) error {
	allowed, exists := validRunTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminalRunState returns true if no further transitions are allowed
func IsTerminalRunState(state RunState) bool {
	return state == RunStateResolved
}

// WorkloadStatus is the lifecycle status of a supervised workload
type WorkloadStatus string

const (
	WorkloadLoaded    WorkloadStatus = "loaded"    // instantiated, not executing
	WorkloadRunning   WorkloadStatus = "running"   // an execution is in flight
	WorkloadCompleted WorkloadStatus = "completed" // last execution succeeded
	WorkloadFailed    WorkloadStatus = "failed"    // last execution failed
	WorkloadStopped   WorkloadStatus = "stopped"   // held for the operator
	WorkloadUnloaded  WorkloadStatus = "unloaded"  // released
)

var validWorkloadTransitions = map[WorkloadStatus]map[WorkloadStatus]bool{
	WorkloadLoaded: {
		WorkloadRunning:  true,
		WorkloadStopped:  true,
		WorkloadUnloaded: true,
	},
	WorkloadRunning: {
		WorkloadCompleted: true,
		WorkloadFailed:    true,
		WorkloadUnloaded:  true, // torn down mid-execution
	},
	WorkloadCompleted: {
		WorkloadRunning:  true,
		WorkloadStopped:  true,
		WorkloadUnloaded: true,
	},
	WorkloadFailed: {
		WorkloadRunning:  true,
		WorkloadStopped:  true,
		WorkloadUnloaded: true,
	},
	WorkloadStopped: {
		WorkloadRunning:  true,
		WorkloadUnloaded: true,
	},
	WorkloadUnloaded: {
		WorkloadLoaded: true, // restart reloads from the original definition
	},
}

// ValidateWorkloadTransition checks if a workload status transition is valid
func ValidateWorkloadTransition(from, to WorkloadStatus) error {
	allowed, exists := validWorkloadTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source status: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsStartable returns true if a workload in this status may begin an execution
func IsStartable(status WorkloadStatus) bool {
	switch status {
	case WorkloadLoaded, WorkloadCompleted, WorkloadFailed, WorkloadStopped:
		return true
	default:
		return false
	}
}
