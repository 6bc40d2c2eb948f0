package guardian

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/psantana5/agent-guardian/pkg/capability"
	"github.com/psantana5/agent-guardian/pkg/diagnostics"
	"github.com/psantana5/agent-guardian/pkg/host"
	"github.com/psantana5/agent-guardian/pkg/logging"
	"github.com/psantana5/agent-guardian/pkg/metrics"
	"github.com/psantana5/agent-guardian/pkg/models"
	"github.com/psantana5/agent-guardian/pkg/operator"
	"github.com/psantana5/agent-guardian/pkg/retry"
	"github.com/psantana5/agent-guardian/pkg/store"
	"github.com/psantana5/agent-guardian/pkg/tracing"
)

var (
	ErrSelfResolved = errors.New("workload recovered without intervention")
	ErrEngineClosed = errors.New("guardian engine closed")
	ErrFixLimit     = errors.New("autonomous fix limit reached")
)

// Lifecycle is the part of the lifecycle controller the engine uses directly
type Lifecycle interface {
	Wait(ctx context.Context, executionID string) error
	Stop(ctx context.Context, id string) error
}

// Options configures an Engine
type Options struct {
	// OwnGraphID is the graph the guardian runs in; its failures are never handled
	OwnGraphID string

	Registry  *capability.Registry
	Store     store.Store
	Desk      *operator.Desk
	Lifecycle Lifecycle
	Notifier  *Notifier
	Repairer  Repairer
	Policy    Policy

	// EscalationDir is the workspace-relative directory escalation files are written to
	EscalationDir string
	VerifyTimeout time.Duration
	Retry         retry.Config
	// MaxAutoFixes is how many restarts or repairs one workload gets within
	// AutoFixWindow before its failures are escalated. Zero means 3, negative
	// means no limit.
	MaxAutoFixes  int
	AutoFixWindow time.Duration
	Diagnostics   func(context.Context) map[string]interface{}

	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

type activeRun struct {
	graphID string
	cancel  context.CancelCauseFunc
	asking  atomic.Bool
}

// fixBudget holds the recent autonomous fix attempts of one workload
type fixBudget struct {
	graphID  string
	attempts []time.Time
}

// Engine triages failure signals and drives each to exactly one resolution.
// One engine serves many concurrent runs.
type Engine struct {
	ownGraphID    string
	registry      *capability.Registry
	store         store.Store
	desk          *operator.Desk
	lifecycle     Lifecycle
	notifier      *Notifier
	repairer      Repairer
	policy        Policy
	escalationDir string
	verifyTimeout time.Duration
	retryConfig   retry.Config
	maxAutoFixes  int
	autoFixWindow time.Duration
	now           func() time.Time
	snapshot      func(context.Context) map[string]interface{}
	logger        *logging.Logger
	metrics       *metrics.Metrics

	mu        sync.Mutex
	available capability.AvailableSet
	active    map[string]*activeRun
	fixes     map[string]*fixBudget
	closed    bool
	wg        sync.WaitGroup
}

// NewEngine creates an engine. It can use no capabilities until SetCapabilities is called.
func NewEngine(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	logger = logger.WithField("component", "guardian")

	e := &Engine{
		ownGraphID:    opts.OwnGraphID,
		registry:      opts.Registry,
		store:         opts.Store,
		desk:          opts.Desk,
		lifecycle:     opts.Lifecycle,
		notifier:      opts.Notifier,
		repairer:      opts.Repairer,
		policy:        opts.Policy,
		escalationDir: opts.EscalationDir,
		verifyTimeout: opts.VerifyTimeout,
		retryConfig:   opts.Retry,
		maxAutoFixes:  opts.MaxAutoFixes,
		autoFixWindow: opts.AutoFixWindow,
		now:           time.Now,
		snapshot:      opts.Diagnostics,
		logger:        logger,
		metrics:       opts.Metrics,
		available:     capability.NewAvailableSet(),
		active:        make(map[string]*activeRun),
		fixes:         make(map[string]*fixBudget),
	}
	if e.registry == nil {
		e.registry = capability.NewRegistry()
	}
	if e.store == nil {
		e.store = store.NewMemoryStore()
	}
	if e.desk == nil {
		e.desk = operator.NewDesk()
	}
	if e.notifier == nil {
		e.notifier = NewNotifier(e.store, e.desk, logger, e.metrics)
	}
	if e.repairer == nil {
		e.repairer = NoRepair{}
	}
	if e.policy == nil {
		e.policy = DefaultPolicy
	}
	if e.escalationDir == "" {
		e.escalationDir = ".guardian/escalations"
	}
	if e.verifyTimeout <= 0 {
		e.verifyTimeout = 2 * time.Minute
	}
	if e.retryConfig.Multiplier == 0 {
		e.retryConfig = retry.DefaultConfig()
	}
	if e.maxAutoFixes == 0 {
		e.maxAutoFixes = 3
	}
	if e.autoFixWindow <= 0 {
		e.autoFixWindow = 10 * time.Minute
	}
	if e.snapshot == nil {
		e.snapshot = diagnostics.Snapshot
	}
	return e
}

// SetCapabilities fixes the capabilities runs may invoke
func (e *Engine) SetCapabilities(set capability.AvailableSet) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.available = set
}

// Capabilities returns the capabilities runs may invoke
func (e *Engine) Capabilities() capability.AvailableSet {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.available
}

// Notifier returns the engine's deferred notification queue
func (e *Engine) Notifier() *Notifier {
	return e.notifier
}

// ActiveRuns returns the number of runs in flight
func (e *Engine) ActiveRuns() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

func (e *Engine) diagnostics(ctx context.Context) map[string]interface{} {
	snap := e.snapshot(ctx)
	if snap == nil {
		snap = make(map[string]interface{})
	}
	return snap
}

// runContext is the state of one run, owned by its goroutine
type runContext struct {
	run     *models.RunRecord
	sig     models.FailureSignal
	set     capability.AvailableSet
	active  *activeRun
	actions []string
}

func (rc *runContext) note(format string, args ...interface{}) {
	rc.actions = append(rc.actions, fmt.Sprintf(format, args...))
}

// invoke calls a capability through the run's available set and records the attempt
func invoke[In, Out any](ctx context.Context, e *Engine, rc *runContext, name string, in In) (Out, error) {
	out, err := capability.Invoke[In, Out](ctx, rc.set, e.registry, name, in)
	e.metrics.CapabilityCall(name, err)
	if err != nil {
		rc.note("%s: %v", name, err)
	} else {
		rc.note("%s: ok", name)
	}
	return out, err
}

// Handle runs one decision run for sig and returns its record, or nil when
// the signal comes from the guardian's own graph. It never returns an error:
// every failure inside the run ends in an escalated resolution.
func (e *Engine) Handle(ctx context.Context, sig models.FailureSignal) *models.RunRecord {
	if sig.GraphID == e.ownGraphID {
		e.metrics.SignalReceived(sig.Type, "self_origin")
		e.logger.Debug("Ignoring signal from own graph", map[string]interface{}{"signal_id": sig.ID})
		return nil
	}

	run := models.NewRunRecord(uuid.New().String(), sig)
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	ar := &activeRun{graphID: sig.GraphID, cancel: cancel}
	e.mu.Lock()
	closed := e.closed
	set := e.available
	if !closed {
		e.active[run.ID] = ar
		e.wg.Add(1)
	}
	e.mu.Unlock()
	if closed {
		cancel(ErrEngineClosed)
	} else {
		defer func() {
			e.mu.Lock()
			delete(e.active, run.ID)
			e.mu.Unlock()
			e.wg.Done()
		}()
	}

	runCtx, span := tracing.StartSpan(runCtx, "guardian.run",
		attribute.String("run_id", run.ID),
		attribute.String("workload_id", run.WorkloadID),
	)
	defer span.End()

	e.metrics.RunStarted()
	rc := &runContext{run: run, sig: sig, set: set, active: ar}
	logger := e.logger.WithField("run_id", run.ID)
	logger.Info("Decision run started", map[string]interface{}{
		"signal_id":   sig.ID,
		"workload_id": run.WorkloadID,
		"error":       sig.Error,
	})
	e.save(run)

	res := e.execute(runCtx, rc)
	e.resolve(rc, res)

	tracing.AddEvent(runCtx, "resolved", attribute.String("resolution", res.String()))
	return run.Clone()
}

// execute runs triage and the chosen action, converting panics into escalations
func (e *Engine) execute(ctx context.Context, rc *runContext) (res models.Resolution) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Decision run panicked", map[string]interface{}{
				"run_id": rc.run.ID,
				"panic":  fmt.Sprint(r),
			})
			res = e.fail(ctx, rc, fmt.Errorf("internal error: %v", r))
		}
	}()

	severity, rule := classify(rc.sig)
	rc.run.Severity = severity
	if err := context.Cause(ctx); err != nil {
		rc.run.Presence = models.PresenceNeverSeen
		return e.fail(ctx, rc, err)
	}

	presence := e.presence(ctx, rc)
	rc.run.Presence = presence

	action := e.policy(severity, presence, SignalContext{Signal: rc.sig, Available: rc.set})
	rc.run.Action = string(action)

	e.logger.Info("Failure triaged", map[string]interface{}{
		"run_id":   rc.run.ID,
		"severity": string(severity),
		"rule":     rule,
		"presence": string(presence),
		"action":   string(action),
	})

	if action.autonomous() {
		if used, ok := e.reserveFix(rc); !ok {
			e.logger.Warn("Workload keeps failing, escalating instead of fixing", map[string]interface{}{
				"run_id":      rc.run.ID,
				"workload_id": rc.run.WorkloadID,
				"attempts":    used,
				"window":      e.autoFixWindow.String(),
			})
			return e.fail(ctx, rc, fmt.Errorf("%w: %d attempts within %s", ErrFixLimit, used, e.autoFixWindow))
		}
	}

	if err := e.transition(rc, action.runState(), string(action)); err != nil {
		return e.fail(ctx, rc, err)
	}

	switch action {
	case ActionAskUser:
		return e.askUser(ctx, rc)
	case ActionRestart:
		return e.restart(ctx, rc)
	case ActionRepair:
		return e.repair(ctx, rc)
	case ActionHoldForOperator:
		return e.holdForOperator(ctx, rc)
	case ActionEscalateAndUnload:
		return e.escalateAndUnload(ctx, rc)
	default:
		return e.fail(ctx, rc, fmt.Errorf("policy returned unknown action %q", action))
	}
}

// reserveFix records an autonomous fix attempt for the run's workload. It
// reports false, recording nothing, once the workload has used its budget
// within the window.
func (e *Engine) reserveFix(rc *runContext) (int, bool) {
	if e.maxAutoFixes < 0 {
		return 0, true
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	b, ok := e.fixes[rc.run.WorkloadID]
	if !ok {
		b = &fixBudget{graphID: rc.sig.GraphID}
		e.fixes[rc.run.WorkloadID] = b
	}
	recent := b.attempts[:0]
	for _, at := range b.attempts {
		if now.Sub(at) < e.autoFixWindow {
			recent = append(recent, at)
		}
	}
	b.attempts = recent
	if len(b.attempts) >= e.maxAutoFixes {
		return len(b.attempts), false
	}
	b.attempts = append(b.attempts, now)
	return len(b.attempts), true
}

// presence asks get_user_presence, treating any failure as never seen
func (e *Engine) presence(ctx context.Context, rc *runContext) models.PresenceState {
	out, err := invoke[capability.Empty, capability.PresenceOutput](ctx, e, rc, capability.GetUserPresence, capability.Empty{})
	if err != nil || out.State == "" {
		return models.PresenceNeverSeen
	}
	return out.State
}

func (e *Engine) transition(rc *runContext, to models.RunState, reason string) error {
	if err := rc.run.Transition(to, reason); err != nil {
		return err
	}
	e.save(rc.run)
	return nil
}

// fail handles a remediation failure: the run moves to Escalate, a record is
// written, and an idle operator also gets a deferred notification
func (e *Engine) fail(ctx context.Context, rc *runContext, cause error) models.Resolution {
	run := rc.run
	if run.State != models.RunStateEscalate && run.State != models.RunStateResolved {
		if err := e.transition(rc, models.RunStateEscalate, cause.Error()); err != nil {
			e.logger.Error("Invalid escalation transition", map[string]interface{}{
				"run_id": run.ID,
				"state":  string(run.State),
				"error":  err,
			})
		}
	}

	e.writeEscalation(ctx, rc, cause.Error())
	if run.Presence == models.PresenceIdle {
		e.queueNotification(rc, fmt.Sprintf("Could not recover %s: %v", run.WorkloadID, cause))
	}

	action := run.Action
	if action == "" {
		action = "triage"
	}
	return models.NewResolution(models.FamilyEscalated, "%s failed: %v", action, cause)
}

// resolve records the single resolution of a run
func (e *Engine) resolve(rc *runContext, res models.Resolution) {
	run := rc.run
	if err := run.Resolve(res); err != nil {
		e.logger.Error("Failed to resolve run", map[string]interface{}{
			"run_id": run.ID,
			"error":  err,
		})
		return
	}
	e.save(run)
	e.metrics.RunResolved(string(run.Severity), string(run.Presence), string(res.Family), time.Since(run.StartedAt))
	e.logger.Info("Decision run resolved", map[string]interface{}{
		"run_id":      run.ID,
		"workload_id": run.WorkloadID,
		"resolution":  res.String(),
		"duration_ms": time.Since(run.StartedAt).Milliseconds(),
	})
}

func (e *Engine) save(run *models.RunRecord) {
	if err := e.store.SaveRun(run.Clone()); err != nil {
		e.logger.Error("Failed to persist run", map[string]interface{}{
			"run_id": run.ID,
			"error":  err,
		})
	}
}

// NotifyRecovered cancels runs waiting on the operator for graphID, because
// the workload completed an execution on its own. It also restores the
// workload's autonomous fix budget.
func (e *Engine) NotifyRecovered(graphID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	for id, b := range e.fixes {
		if id == graphID || b.graphID == graphID {
			delete(e.fixes, id)
		}
	}

	cancelled := 0
	for _, ar := range e.active {
		if ar.graphID == graphID && ar.asking.Load() {
			ar.cancel(ErrSelfResolved)
			cancelled++
		}
	}
	if cancelled > 0 {
		e.logger.Info("Workload recovered, withdrawing prompts", map[string]interface{}{
			"graph_id": graphID,
			"runs":     cancelled,
		})
	}
	return cancelled
}

// Close cancels every run and waits for them to resolve until ctx is done
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	for _, ar := range e.active {
		ar.cancel(ErrEngineClosed)
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for decision runs: %w", ctx.Err())
	}
}

// bind points the engine at the host it was attached to
func (e *Engine) bind(h *host.Host, set capability.AvailableSet) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.registry = h.Registry()
	e.available = set
	if e.ownGraphID == "" {
		e.ownGraphID = h.GraphID()
	}
}
