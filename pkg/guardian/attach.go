package guardian

import (
	"github.com/psantana5/agent-guardian/pkg/capability"
	"github.com/psantana5/agent-guardian/pkg/host"
	"github.com/psantana5/agent-guardian/pkg/lifecycle"
	"github.com/psantana5/agent-guardian/pkg/presence"
)

// AttachDeps supply the capabilities Attach registers when the host lacks them
type AttachDeps struct {
	Lifecycle *lifecycle.Controller
	Presence  *presence.Tracker
}

// Attach injects the guardian node into h's graph and registers its entry point.
// It must run before h starts; afterwards it fails with host.ErrAlreadyRunning
// and changes nothing. Topology, entry point and capability changes are
// all-or-nothing.
func Attach(h *host.Host, e *Engine, deps AttachDeps) (capability.AvailableSet, error) {
	var set capability.AvailableSet

	err := h.Configure(func(s *host.Setup) error {
		reg := s.Registry()
		if !reg.Has(capability.LoadAgent) && deps.Lifecycle != nil {
			lifecycle.RegisterCapabilities(reg, deps.Lifecycle)
		}
		if !reg.Has(capability.GetUserPresence) && deps.Presence != nil {
			presence.Register(reg, deps.Presence)
		}

		set = capability.Filter(Manifest, reg)
		if err := s.Topology().Inject(Node(set)); err != nil {
			return err
		}
		return s.RegisterEntryPoint(EntryPoint(e))
	})
	if err != nil {
		return capability.AvailableSet{}, err
	}

	e.bind(h, set)
	if deps.Presence != nil {
		deps.Presence.OnReturn(func() { e.notifier.Flush() })
	}

	e.logger.Info("Guardian attached", map[string]interface{}{
		"capabilities": set.Names(),
		"missing":      capability.Missing(Manifest, set),
		"graph_id":     h.GraphID(),
	})
	return set, nil
}
