package guardian

import (
	"github.com/psantana5/agent-guardian/pkg/capability"
	"github.com/psantana5/agent-guardian/pkg/models"
)

// Action is what a run does after triage
type Action string

const (
	ActionAskUser           Action = "ask_user"
	ActionRestart           Action = "restart"
	ActionRepair            Action = "repair"
	ActionHoldForOperator   Action = "hold_for_operator"
	ActionEscalateAndUnload Action = "escalate_and_unload"
)

// SignalContext is what a policy may inspect besides severity and presence
type SignalContext struct {
	Signal    models.FailureSignal
	Available capability.AvailableSet
}

// Policy picks the action for a classified failure
type Policy func(severity models.SeverityClass, presence models.PresenceState, sc SignalContext) Action

// DefaultPolicy escalates catastrophic failures, asks a present operator,
// and otherwise remediates according to severity
func DefaultPolicy(severity models.SeverityClass, presence models.PresenceState, _ SignalContext) Action {
	if severity == models.SeverityCatastrophic {
		return ActionEscalateAndUnload
	}
	if presence.Reachable() {
		return ActionAskUser
	}
	switch severity {
	case models.SeverityTransient:
		return ActionRestart
	case models.SeverityConfiguration:
		return ActionHoldForOperator
	default:
		return ActionRepair
	}
}

func (a Action) runState() models.RunState {
	switch a {
	case ActionAskUser:
		return models.RunStateAskUser
	case ActionRestart, ActionRepair:
		return models.RunStateAutoFix
	default:
		return models.RunStateEscalate
	}
}

// autonomous reports whether the action changes the workload without the operator
func (a Action) autonomous() bool {
	return a == ActionRestart || a == ActionRepair
}
