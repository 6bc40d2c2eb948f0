package lifecycle

import (
	"context"

	"github.com/psantana5/agent-guardian/pkg/capability"
	"github.com/psantana5/agent-guardian/pkg/models"
)

// RegisterCapabilities installs the workload lifecycle capabilities backed by c
func RegisterCapabilities(reg *capability.Registry, c *Controller) {
	capability.Register(reg, capability.LoadAgent, "Load a workload from a stored definition",
		func(ctx context.Context, in capability.LoadAgentInput) (capability.LoadAgentOutput, error) {
			id, err := c.Load(ctx, in.Path)
			return capability.LoadAgentOutput{WorkloadID: id}, err
		})

	capability.Register(reg, capability.UnloadAgent, "Unload a workload and release its resources",
		func(ctx context.Context, in capability.UnloadAgentInput) (capability.Empty, error) {
			return capability.Empty{}, c.Unload(ctx, in.WorkloadID)
		})

	capability.Register(reg, capability.StartAgent, "Begin an execution of a loaded workload",
		func(ctx context.Context, in capability.StartAgentInput) (capability.StartAgentOutput, error) {
			exec, err := c.Start(ctx, in.WorkloadID, in.EntryPoint, in.Input)
			if err != nil {
				return capability.StartAgentOutput{}, err
			}
			return capability.StartAgentOutput{ExecutionID: exec.ID}, nil
		})

	capability.Register(reg, capability.RestartAgent, "Reload a workload from its original definition",
		func(ctx context.Context, in capability.RestartAgentInput) (capability.Empty, error) {
			return capability.Empty{}, c.Restart(ctx, in.WorkloadID)
		})

	capability.Register(reg, capability.ListAgents, "List tracked workloads and their status",
		func(ctx context.Context, _ capability.Empty) (capability.ListAgentsOutput, error) {
			var out capability.ListAgentsOutput
			for id, status := range c.List(ctx) {
				out.Workloads = append(out.Workloads, models.WorkloadInfo{ID: id, Status: status})
			}
			return out, ctx.Err()
		})
}
