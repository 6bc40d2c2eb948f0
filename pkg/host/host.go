package host

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/psantana5/agent-guardian/pkg/capability"
	"github.com/psantana5/agent-guardian/pkg/lifecycle"
	"github.com/psantana5/agent-guardian/pkg/logging"
	"github.com/psantana5/agent-guardian/pkg/metrics"
	"github.com/psantana5/agent-guardian/pkg/models"
	"github.com/psantana5/agent-guardian/pkg/topology"
)

var (
	ErrAlreadyRunning = errors.New("host already running")
	ErrNotRunning     = errors.New("host not running")
	ErrNoHandler      = errors.New("entry point has no handler")
)

// Options configures a Host
type Options struct {
	// GraphID identifies the host's own graph; signals from it are self-origin
	GraphID  string
	Builder  *topology.Builder
	Registry *capability.Registry
	Logger   *logging.Logger
	Metrics  *metrics.Metrics
}

// Host is the minimal graph runtime that dispatches published signals to entry points
type Host struct {
	graphID  string
	registry *capability.Registry
	logger   *logging.Logger
	metrics  *metrics.Metrics

	mu          sync.Mutex
	builder     *topology.Builder
	entryPoints map[string]EntryPointSpec
	running     bool
	topology    *topology.Topology
	handlers    map[string]Handler // isolated handlers keyed by entry id + graph
	ctx         context.Context
	cancel      context.CancelFunc

	wg sync.WaitGroup
}

// NewHost creates a host that has not started
func NewHost(opts Options) *Host {
	builder := opts.Builder
	if builder == nil {
		builder = topology.NewBuilder()
	}
	registry := opts.Registry
	if registry == nil {
		registry = capability.NewRegistry()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	graphID := opts.GraphID
	if graphID == "" {
		graphID = "host"
	}
	return &Host{
		graphID:     graphID,
		registry:    registry,
		logger:      logger.WithField("component", "host"),
		metrics:     opts.Metrics,
		builder:     builder,
		entryPoints: make(map[string]EntryPointSpec),
		handlers:    make(map[string]Handler),
	}
}

// GraphID returns the host's own graph id
func (h *Host) GraphID() string {
	return h.graphID
}

// Registry returns the capability registry shared with handlers
func (h *Host) Registry() *capability.Registry {
	return h.registry
}

// Running reports whether Start has been called
func (h *Host) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

// Setup is the staged view of the host passed to Configure
type Setup struct {
	registry    *capability.Registry
	builder     *topology.Builder
	entryPoints map[string]EntryPointSpec
}

// Topology returns the staged topology builder
func (s *Setup) Topology() *topology.Builder {
	return s.builder
}

// Registry returns the staged capability registry
func (s *Setup) Registry() *capability.Registry {
	return s.registry
}

// RegisterEntryPoint adds or replaces an entry point. Its entry node must
// already exist in the staged topology.
func (s *Setup) RegisterEntryPoint(spec EntryPointSpec) error {
	if spec.ID == "" {
		return errors.New("entry point id is required")
	}
	if !s.builder.HasNode(spec.EntryNode) {
		return fmt.Errorf("entry point %s: node %q: %w", spec.ID, spec.EntryNode, topology.ErrUnknownNode)
	}
	if spec.Isolation == "" {
		spec.Isolation = IsolationShared
	}
	switch spec.Isolation {
	case IsolationShared:
		if spec.Handler == nil {
			return fmt.Errorf("entry point %s: %w", spec.ID, ErrNoHandler)
		}
	case IsolationIsolated:
		if spec.Factory == nil {
			return fmt.Errorf("entry point %s: isolated entry point needs a factory: %w", spec.ID, ErrNoHandler)
		}
	default:
		return fmt.Errorf("entry point %s: unknown isolation %q", spec.ID, spec.Isolation)
	}
	s.entryPoints[spec.ID] = spec.clone()
	return nil
}

// Configure runs fn against a staged copy of the topology, entry points and
// capability registry. Changes are committed only if fn succeeds; it fails
// with ErrAlreadyRunning once started.
func (h *Host) Configure(fn func(*Setup) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return ErrAlreadyRunning
	}

	staged := &Setup{
		registry:    h.registry.Clone(),
		builder:     h.builder.Clone(),
		entryPoints: make(map[string]EntryPointSpec, len(h.entryPoints)),
	}
	for id, spec := range h.entryPoints {
		staged.entryPoints[id] = spec
	}

	if err := fn(staged); err != nil {
		return err
	}

	h.builder = staged.builder
	h.entryPoints = staged.entryPoints
	h.registry.Merge(staged.registry)
	return nil
}

// Start validates the topology and begins dispatching signals.
// Handlers run under ctx, which Stop cancels.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return ErrAlreadyRunning
	}
	topo, err := h.builder.Snapshot()
	if err != nil {
		return fmt.Errorf("failed to start host: %w", err)
	}

	h.topology = topo
	h.ctx, h.cancel = context.WithCancel(ctx)
	h.running = true

	h.logger.Info("Host started", map[string]interface{}{
		"graph_id":     h.graphID,
		"nodes":        len(topo.Nodes()),
		"entry_points": len(h.entryPoints),
	})
	return nil
}

// Stop cancels running handlers and waits for them until ctx is done
func (h *Host) Stop(ctx context.Context) error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = false
	h.cancel()
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("Host stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for handlers: %w", ctx.Err())
	}
}

// Topology returns the validated topology the host started with
func (h *Host) Topology() (*topology.Topology, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.topology != nil {
		return h.topology, nil
	}
	return h.builder.Snapshot()
}

// EntryPoints returns the registered entry points sorted by id
func (h *Host) EntryPoints() []EntryPointSpec {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]EntryPointSpec, 0, len(h.entryPoints))
	for _, spec := range h.entryPoints {
		out = append(out, spec.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (h *Host) handlerFor(spec EntryPointSpec, graphID string) Handler {
	if spec.Isolation != IsolationIsolated {
		return spec.Handler
	}
	key := spec.ID + "/" + graphID
	if handler, ok := h.handlers[key]; ok {
		return handler
	}
	handler := spec.Factory(graphID)
	h.handlers[key] = handler
	return handler
}

// Publish dispatches sig to every entry point that accepts it and returns
// the number of handler goroutines spawned. Completion signals notify
// recovery hooks instead of spawning runs.
func (h *Host) Publish(sig models.FailureSignal) int {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		h.metrics.SignalReceived(sig.Type, "dropped")
		h.logger.Warn("Signal dropped, host not running", map[string]interface{}{
			"signal_id": sig.ID,
			"type":      sig.Type,
		})
		return 0
	}

	var recovered []func(string)
	var handlers []Handler
	for _, spec := range h.entryPoints {
		if sig.Type == models.SignalExecutionCompleted && spec.OnRecovered != nil {
			if !spec.fromOwnGraph(sig.GraphID, h.graphID) {
				recovered = append(recovered, spec.OnRecovered)
			}
			continue
		}
		if spec.Accepts(sig, h.graphID) {
			if handler := h.handlerFor(spec, sig.GraphID); handler != nil {
				handlers = append(handlers, handler)
			}
		}
	}
	ctx := h.ctx
	h.wg.Add(len(handlers))
	h.mu.Unlock()

	for _, fn := range recovered {
		fn(sig.GraphID)
	}

	outcome := "rejected"
	switch {
	case len(handlers) > 0:
		outcome = "accepted"
	case len(recovered) > 0:
		outcome = "recovered"
	}
	h.metrics.SignalReceived(sig.Type, outcome)
	h.logger.Debug("Signal published", map[string]interface{}{
		"signal_id": sig.ID,
		"type":      sig.Type,
		"graph_id":  sig.GraphID,
		"outcome":   outcome,
	})

	for _, handler := range handlers {
		go h.dispatch(ctx, handler, sig)
	}
	return len(handlers)
}

func (h *Host) dispatch(ctx context.Context, handler Handler, sig models.FailureSignal) {
	defer h.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("Handler panicked", map[string]interface{}{
				"signal_id": sig.ID,
				"panic":     fmt.Sprint(r),
			})
		}
	}()
	handler(ctx, sig)
}

// PublishExit turns a finished execution into an execution_failed or
// execution_completed signal from the workload's graph
func (h *Host) PublishExit(ev lifecycle.ExitEvent) {
	signalType := models.SignalExecutionCompleted
	errMsg := ""
	if ev.Err != nil {
		signalType = models.SignalExecutionFailed
		errMsg = ev.Err.Error()
	}

	snapshot := map[string]interface{}{
		"workload_name": ev.Workload.Name,
		"executions":    ev.Workload.Executions,
	}
	var executionID, entryPoint string
	if ev.Execution != nil {
		executionID = ev.Execution.ID
		entryPoint = ev.Execution.EntryPoint
		snapshot["execution_id"] = executionID
		snapshot["entry_point"] = entryPoint
		snapshot["started_at"] = ev.Execution.StartedAt
		if ev.Execution.Input != nil {
			snapshot["input"] = ev.Execution.Input
		}
	}

	sig := models.NewFailureSignal(uuid.New().String(), signalType, ev.Workload.ID, errMsg, snapshot)
	sig.ExecutionID = executionID
	sig.EntryPoint = entryPoint
	h.Publish(sig)
}
