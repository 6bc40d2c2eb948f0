package host

import (
	"context"
	"slices"

	"github.com/psantana5/agent-guardian/pkg/models"
)

// TriggerEvent is the only trigger type the host dispatches
const TriggerEvent = "event"

// Isolation controls whether an entry point shares one handler across graphs
type Isolation string

const (
	IsolationShared   Isolation = "shared"
	IsolationIsolated Isolation = "isolated"
)

// Handler consumes one accepted signal. It runs on its own goroutine.
type Handler func(ctx context.Context, sig models.FailureSignal)

// Trigger selects which published signals an entry point receives
type Trigger struct {
	SignalTypes     []string `json:"signal_types"`
	ExcludeOwnGraph bool     `json:"exclude_own_graph"`
}

// EntryPointSpec declares an event-triggered entry into the host's graph
type EntryPointSpec struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	EntryNode   string    `json:"entry_node"`
	TriggerType string    `json:"trigger_type"`
	Trigger     Trigger   `json:"trigger"`
	Isolation   Isolation `json:"isolation"`

	// Handler serves shared entry points; Factory builds one handler per graph for isolated ones
	Handler Handler                      `json:"-"`
	Factory func(graphID string) Handler `json:"-"`

	// OnRecovered is told when a graph this entry point watches completes an execution
	OnRecovered func(graphID string) `json:"-"`
}

// Accepts reports whether sig should start a run on this entry point.
// Signals from ownGraphID are rejected when ExcludeOwnGraph is set.
func (s EntryPointSpec) Accepts(sig models.FailureSignal, ownGraphID string) bool {
	if s.TriggerType != TriggerEvent {
		return false
	}
	if !slices.Contains(s.Trigger.SignalTypes, sig.Type) {
		return false
	}
	return !s.fromOwnGraph(sig.GraphID, ownGraphID)
}

func (s EntryPointSpec) fromOwnGraph(graphID, ownGraphID string) bool {
	return s.Trigger.ExcludeOwnGraph && graphID == ownGraphID
}

func (s EntryPointSpec) clone() EntryPointSpec {
	s.Trigger.SignalTypes = append([]string(nil), s.Trigger.SignalTypes...)
	return s
}
