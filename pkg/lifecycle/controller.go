package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/psantana5/agent-guardian/pkg/logging"
	"github.com/psantana5/agent-guardian/pkg/metrics"
	"github.com/psantana5/agent-guardian/pkg/models"
	"github.com/psantana5/agent-guardian/pkg/store"
	"github.com/psantana5/agent-guardian/pkg/tracing"
)

// finishedExecutions is how many finished executions stay available to Wait
const finishedExecutions = 64

// Controller owns workload lifecycle: load, unload, start, restart, stop and list.
// Operations on one workload id are serialized; distinct ids proceed in parallel.
type Controller struct {
	store   store.Store
	source  DefinitionSource
	runtime Runtime
	logger  *logging.Logger
	metrics *metrics.Metrics
	locks   *keyedMutex

	mu          sync.Mutex
	defs        map[string]*Definition
	generations map[string]uint64
	executions  map[string]*Execution
	finished    map[string]*Execution
	finishOrder []string
	listeners   []func(ExitEvent)
}

// Options configures a Controller
type Options struct {
	Store   store.Store
	Source  DefinitionSource
	Runtime Runtime
	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

// NewController creates a controller
func NewController(opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Controller{
		store:       opts.Store,
		source:      opts.Source,
		runtime:     opts.Runtime,
		logger:      logger.WithField("component", "lifecycle"),
		metrics:     opts.Metrics,
		locks:       newKeyedMutex(),
		defs:        make(map[string]*Definition),
		generations: make(map[string]uint64),
		executions:  make(map[string]*Execution),
		finished:    make(map[string]*Execution),
	}
}

// OnExit registers fn to receive executions that finished on their own
func (c *Controller) OnExit(fn func(ExitEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *Controller) finish(span trace.Span, op, id string, err error, started time.Time) error {
	err = opErr(op, id, err)
	c.metrics.LifecycleOp(op, err)
	tracing.End(span, err)

	fields := map[string]interface{}{
		"op":          op,
		"workload_id": id,
		"duration_ms": time.Since(started).Milliseconds(),
	}
	if err != nil {
		fields["error"] = err
		c.logger.Warn("Lifecycle operation failed", fields)
	} else {
		c.logger.Debug("Lifecycle operation complete", fields)
	}
	return err
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

func slug(s string) string {
	s = slugPattern.ReplaceAllString(strings.ToLower(s), "-")
	s = strings.Trim(s, "-")
	if s == "" {
		return "workload"
	}
	return s
}

// Load instantiates a workload from the definition at path and returns its id.
// Loading a definition that is already loaded returns the existing id.
func (c *Controller) Load(ctx context.Context, path string) (id string, err error) {
	started := time.Now()
	ctx, span := tracing.StartSpan(ctx, "lifecycle.load", attribute.String("path", path))
	defer func() { err = c.finish(span, "load", id, err, started) }()

	def, err := c.source.Resolve(ctx, path)
	if err != nil {
		return "", err
	}

	unlockPath := c.locks.Lock("path:" + def.Path)
	defer unlockPath()

	if existing, err := c.store.GetWorkloadByPath(def.Path); err == nil {
		c.mu.Lock()
		if _, ok := c.defs[existing.ID]; !ok {
			c.defs[existing.ID] = def
		}
		c.mu.Unlock()
		return existing.ID, nil
	} else if !errors.Is(err, store.ErrWorkloadNotFound) {
		return "", err
	}

	base := def.ID
	if base == "" {
		base = slug(def.Name)
	}
	id = base
	for {
		unlock := c.locks.Lock(id)
		_, err := c.store.GetWorkload(id)
		if errors.Is(err, store.ErrWorkloadNotFound) {
			defer unlock()
			break
		}
		unlock()
		if err != nil {
			return "", err
		}
		id = base + "-" + uuid.New().String()[:8]
	}

	now := time.Now()
	w := &models.Workload{
		ID:                id,
		Name:              def.Name,
		Path:              def.Path,
		SourceDir:         def.SourceDir,
		DefaultEntryPoint: def.DefaultEntryPoint,
		Status:            models.WorkloadLoaded,
		LoadedAt:          now,
		UpdatedAt:         now,
	}
	if err := c.store.SaveWorkload(w); err != nil {
		return "", fmt.Errorf("failed to save workload: %w", err)
	}

	c.mu.Lock()
	c.defs[id] = def
	c.generations[id]++
	c.mu.Unlock()

	c.logger.Info("Workload loaded", map[string]interface{}{"workload_id": id, "path": def.Path})
	return id, nil
}

// releaseLocked tears down the workload's executions. Caller holds the id lock.
func (c *Controller) releaseLocked(ctx context.Context, id string) error {
	c.mu.Lock()
	c.generations[id]++
	for execID, exec := range c.executions {
		if exec.WorkloadID == id {
			exec.released.Store(true)
			delete(c.executions, execID)
		}
	}
	c.mu.Unlock()

	if c.runtime == nil {
		return nil
	}
	return c.runtime.Release(ctx, id)
}

// Unload removes a workload and releases its runtime resources.
// Unloading an unknown or already unloaded workload is a no-op.
func (c *Controller) Unload(ctx context.Context, id string) (err error) {
	started := time.Now()
	ctx, span := tracing.StartSpan(ctx, "lifecycle.unload", attribute.String("workload_id", id))
	defer func() { err = c.finish(span, "unload", id, err, started) }()

	unlock := c.locks.Lock(id)
	defer unlock()

	if _, err := c.store.GetWorkload(id); errors.Is(err, store.ErrWorkloadNotFound) {
		return nil
	} else if err != nil {
		return err
	}

	if err := c.releaseLocked(ctx, id); err != nil {
		return fmt.Errorf("failed to release runtime: %w", err)
	}
	if err := c.store.DeleteWorkload(id); err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.defs, id)
	c.mu.Unlock()

	c.logger.Info("Workload unloaded", map[string]interface{}{"workload_id": id})
	return nil
}

func (c *Controller) definition(ctx context.Context, w *models.Workload) (*Definition, error) {
	c.mu.Lock()
	def, ok := c.defs[w.ID]
	c.mu.Unlock()
	if ok {
		return def, nil
	}

	def, err := c.source.Resolve(ctx, w.Path)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.defs[w.ID] = def
	c.mu.Unlock()
	return def, nil
}

// Start begins an execution of a loaded workload from entryPoint.
// An empty entryPoint uses the definition's default.
func (c *Controller) Start(ctx context.Context, id, entryPoint string, input map[string]interface{}) (exec *Execution, err error) {
	started := time.Now()
	ctx, span := tracing.StartSpan(ctx, "lifecycle.start", attribute.String("workload_id", id))
	defer func() { err = c.finish(span, "start", id, err, started) }()

	unlock := c.locks.Lock(id)
	defer unlock()

	w, err := c.store.GetWorkload(id)
	if errors.Is(err, store.ErrWorkloadNotFound) {
		return nil, fmt.Errorf("workload not loaded: %w", ErrInvalidState)
	}
	if err != nil {
		return nil, err
	}
	if !models.IsStartable(w.Status) {
		return nil, fmt.Errorf("workload is %s: %w", w.Status, ErrInvalidState)
	}

	def, err := c.definition(ctx, w)
	if err != nil {
		return nil, err
	}
	if entryPoint == "" {
		entryPoint = def.DefaultEntryPoint
	}
	if entryPoint != "" && !def.HasEntryPoint(entryPoint) {
		return nil, fmt.Errorf("%q: %w", entryPoint, ErrUnknownEntryPoint)
	}
	if err := models.ValidateWorkloadTransition(w.Status, models.WorkloadRunning); err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrInvalidState)
	}

	exec = NewExecution(id, entryPoint, input)
	c.mu.Lock()
	exec.generation = c.generations[id]
	c.mu.Unlock()

	if err := c.runtime.Launch(ctx, *w, def, exec); err != nil {
		return nil, fmt.Errorf("failed to launch: %w", err)
	}

	w.Status = models.WorkloadRunning
	w.Executions++
	w.UpdatedAt = time.Now()
	if err := c.store.SaveWorkload(w); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.executions[exec.ID] = exec
	c.mu.Unlock()

	go c.watch(exec)

	c.logger.Info("Workload started", map[string]interface{}{
		"workload_id":  id,
		"execution_id": exec.ID,
		"entry_point":  entryPoint,
	})
	return exec, nil
}

// retireLocked moves a finished execution out of the live set, keeping the
// most recent ones for Wait. Caller holds c.mu.
func (c *Controller) retireLocked(exec *Execution) {
	if _, ok := c.executions[exec.ID]; !ok {
		return
	}
	delete(c.executions, exec.ID)
	c.finished[exec.ID] = exec
	c.finishOrder = append(c.finishOrder, exec.ID)
	if len(c.finishOrder) > finishedExecutions {
		delete(c.finished, c.finishOrder[0])
		c.finishOrder = c.finishOrder[1:]
	}
}

// watch records the outcome of exec and notifies listeners unless it was released
func (c *Controller) watch(exec *Execution) {
	<-exec.Done()
	if exec.Released() {
		return
	}
	c.mu.Lock()
	c.retireLocked(exec)
	c.mu.Unlock()

	unlock := c.locks.Lock(exec.WorkloadID)
	c.mu.Lock()
	current := c.generations[exec.WorkloadID] == exec.generation
	listeners := append([]func(ExitEvent){}, c.listeners...)
	c.mu.Unlock()
	if !current || exec.Released() {
		unlock()
		return
	}

	w, err := c.store.GetWorkload(exec.WorkloadID)
	if err != nil {
		unlock()
		return
	}

	runErr := exec.Err()
	if runErr != nil {
		w.Status = models.WorkloadFailed
		w.LastError = runErr.Error()
	} else {
		w.Status = models.WorkloadCompleted
		w.LastError = ""
	}
	w.UpdatedAt = time.Now()
	if err := c.store.SaveWorkload(w); err != nil {
		c.logger.Error("Failed to record execution outcome", map[string]interface{}{
			"workload_id": w.ID,
			"error":       err,
		})
	}
	snapshot := *w
	unlock()

	c.logger.Info("Execution finished", map[string]interface{}{
		"workload_id":  w.ID,
		"execution_id": exec.ID,
		"status":       string(w.Status),
	})
	for _, fn := range listeners {
		fn(ExitEvent{Workload: snapshot, Execution: exec, Err: runErr})
	}
}

// Restart unloads the workload and loads it again from its original definition
// under the same id. It does not start it; in-memory state is lost.
func (c *Controller) Restart(ctx context.Context, id string) (err error) {
	started := time.Now()
	ctx, span := tracing.StartSpan(ctx, "lifecycle.restart", attribute.String("workload_id", id))
	defer func() { err = c.finish(span, "restart", id, err, started) }()

	unlock := c.locks.Lock(id)
	defer unlock()

	w, err := c.store.GetWorkload(id)
	if errors.Is(err, store.ErrWorkloadNotFound) {
		return fmt.Errorf("workload %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return err
	}

	if err := c.releaseLocked(ctx, id); err != nil {
		return fmt.Errorf("failed to release runtime: %w", err)
	}
	if f, ok := c.source.(forgetter); ok {
		f.Forget(w.Path)
	}

	def, err := c.source.Resolve(ctx, w.Path)
	if err != nil {
		// The old instance is gone; do not leave a record pointing at it
		err = fmt.Errorf("failed to reload definition: %w", err)
		if delErr := c.store.DeleteWorkload(id); delErr != nil {
			err = errors.Join(err, fmt.Errorf("failed to remove stale workload: %w", delErr))
		}
		c.mu.Lock()
		delete(c.defs, id)
		c.mu.Unlock()
		return err
	}

	now := time.Now()
	fresh := &models.Workload{
		ID:                id,
		Name:              def.Name,
		Path:              def.Path,
		SourceDir:         def.SourceDir,
		DefaultEntryPoint: def.DefaultEntryPoint,
		Status:            models.WorkloadLoaded,
		LoadedAt:          now,
		UpdatedAt:         now,
	}
	if err := c.store.SaveWorkload(fresh); err != nil {
		return err
	}

	c.mu.Lock()
	c.defs[id] = def
	c.mu.Unlock()

	c.logger.Info("Workload restarted", map[string]interface{}{"workload_id": id})
	return nil
}

// Stop halts any running execution and holds the workload in the stopped state
func (c *Controller) Stop(ctx context.Context, id string) (err error) {
	started := time.Now()
	ctx, span := tracing.StartSpan(ctx, "lifecycle.stop", attribute.String("workload_id", id))
	defer func() { err = c.finish(span, "stop", id, err, started) }()

	unlock := c.locks.Lock(id)
	defer unlock()

	w, err := c.store.GetWorkload(id)
	if errors.Is(err, store.ErrWorkloadNotFound) {
		return fmt.Errorf("workload not loaded: %w", ErrInvalidState)
	}
	if err != nil {
		return err
	}
	if w.Status == models.WorkloadStopped {
		return nil
	}

	if w.Status == models.WorkloadRunning {
		if err := c.releaseLocked(ctx, id); err != nil {
			return fmt.Errorf("failed to release runtime: %w", err)
		}
		w.Status = models.WorkloadFailed
		w.LastError = "stopped by operator"
	}
	if err := models.ValidateWorkloadTransition(w.Status, models.WorkloadStopped); err != nil {
		return fmt.Errorf("%v: %w", err, ErrInvalidState)
	}

	w.Status = models.WorkloadStopped
	w.UpdatedAt = time.Now()
	return c.store.SaveWorkload(w)
}

// Get returns a tracked workload
func (c *Controller) Get(ctx context.Context, id string) (*models.Workload, error) {
	w, err := c.store.GetWorkload(id)
	if errors.Is(err, store.ErrWorkloadNotFound) {
		return nil, opErr("get", id, fmt.Errorf("workload %s: %w", id, ErrNotFound))
	}
	return w, err
}

// List enumerates tracked workloads and their status. Each range takes a
// fresh snapshot, so the sequence can be iterated more than once.
func (c *Controller) List(ctx context.Context) iter.Seq2[string, models.WorkloadStatus] {
	return func(yield func(string, models.WorkloadStatus) bool) {
		workloads, err := c.store.ListWorkloads()
		if err != nil {
			c.logger.Error("Failed to list workloads", map[string]interface{}{"error": err})
			return
		}
		for _, w := range workloads {
			if ctx.Err() != nil {
				return
			}
			if !yield(w.ID, w.Status) {
				return
			}
		}
	}
}

// Wait blocks until the execution finishes and returns its error.
// A released execution reports ErrReleased.
func (c *Controller) Wait(ctx context.Context, executionID string) error {
	c.mu.Lock()
	exec, ok := c.executions[executionID]
	if !ok {
		exec, ok = c.finished[executionID]
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", executionID, ErrExecutionNotFound)
	}

	select {
	case <-exec.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if exec.Released() {
		return ErrReleased
	}
	return exec.Err()
}

// StatusCounts returns the number of workloads per status, for metrics
func (c *Controller) StatusCounts() (map[string]int, error) {
	workloads, err := c.store.ListWorkloads()
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, w := range workloads {
		counts[string(w.Status)]++
	}
	return counts, nil
}
