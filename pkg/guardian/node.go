package guardian

import (
	"context"

	"github.com/psantana5/agent-guardian/pkg/capability"
	"github.com/psantana5/agent-guardian/pkg/host"
	"github.com/psantana5/agent-guardian/pkg/models"
	"github.com/psantana5/agent-guardian/pkg/topology"
)

// NodeID is both the guardian's node id and its entry point id
const NodeID = "guardian"

// ManifestVersion versions the capability manifest below
const ManifestVersion = "1"

// Manifest lists every capability the guardian can use. Attach keeps the
// ones actually registered.
var Manifest = capability.Manifest{
	Version: ManifestVersion,
	Names: []string{
		// File I/O, present when the host provides a workspace
		capability.ReadFile,
		capability.WriteFile,
		capability.EditFile,
		capability.SearchFiles,
		capability.RunCommand,
		// Workload lifecycle, registered by Attach when missing
		capability.LoadAgent,
		capability.UnloadAgent,
		capability.StartAgent,
		capability.RestartAgent,
		capability.GetUserPresence,
		capability.ListAgents,
	},
}

// InputFailureEvent is the node's single input key
const InputFailureEvent = "failure_event"

// Node returns the guardian node with its capabilities narrowed to set
func Node(set capability.AvailableSet) topology.Node {
	return topology.Node{
		ID:   NodeID,
		Name: "Agent Guardian",
		Description: "Event-driven guardian that monitors supervised workloads. " +
			"Triggers on execution_failed signals from other graphs, assesses failure severity, " +
			"and asks the operator when present, attempts an autonomous fix when away, " +
			"or escalates catastrophic failures for post-mortem.",
		Type:               "event_loop",
		Capabilities:       set.Names(),
		InputKeys:          []string{InputFailureEvent},
		OutputKeys:         []string{models.OutputResolution},
		NullableOutputKeys: []string{models.OutputResolution},
		ClientFacing:       true,
		MaxVisits:          0,
		SuccessCriteria:    "Failure is resolved by operator guidance, an autonomous fix, or a documented escalation.",
	}
}

// EntryPoint returns the guardian's subscription: execution_failed from any
// graph but its own, one shared handler
func EntryPoint(e *Engine) host.EntryPointSpec {
	return host.EntryPointSpec{
		ID:          NodeID,
		Name:        "Agent Guardian",
		EntryNode:   NodeID,
		TriggerType: host.TriggerEvent,
		Trigger: host.Trigger{
			SignalTypes:     []string{models.SignalExecutionFailed},
			ExcludeOwnGraph: true,
		},
		Isolation: host.IsolationShared,
		Handler: func(ctx context.Context, sig models.FailureSignal) {
			e.Handle(ctx, sig)
		},
		OnRecovered: func(graphID string) {
			e.NotifyRecovered(graphID)
		},
	}
}
