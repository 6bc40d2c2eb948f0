package lifecycle

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/psantana5/agent-guardian/pkg/models"
)

// Execution is one run of a workload from an entry point
type Execution struct {
	ID         string                 `json:"id"`
	WorkloadID string                 `json:"workload_id"`
	EntryPoint string                 `json:"entry_point"`
	Input      map[string]interface{} `json:"input,omitempty"`
	StartedAt  time.Time              `json:"started_at"`

	generation uint64
	released   atomic.Bool
	done       chan struct{}
	once       sync.Once
	mu         sync.Mutex
	err        error
	finishedAt time.Time
}

// NewExecution creates an execution that has not finished yet
func NewExecution(workloadID, entryPoint string, input map[string]interface{}) *Execution {
	return &Execution{
		ID:         uuid.New().String(),
		WorkloadID: workloadID,
		EntryPoint: entryPoint,
		Input:      input,
		StartedAt:  time.Now(),
		done:       make(chan struct{}),
	}
}

// Finish records the outcome. Only the first call has an effect.
func (e *Execution) Finish(err error) {
	e.once.Do(func() {
		e.mu.Lock()
		e.err = err
		e.finishedAt = time.Now()
		e.mu.Unlock()
		close(e.done)
	})
}

// Done is closed when the execution finishes
func (e *Execution) Done() <-chan struct{} {
	return e.done
}

// Err returns the execution's error once it has finished
func (e *Execution) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Released reports whether the execution was torn down by unload, restart or stop
func (e *Execution) Released() bool {
	return e.released.Load()
}

// Runtime runs workload executions. Launch must not block on the execution
// and must eventually call exec.Finish.
type Runtime interface {
	Launch(ctx context.Context, w models.Workload, def *Definition, exec *Execution) error
	Release(ctx context.Context, workloadID string) error
}

// ExitEvent reports a finished execution that was not released
type ExitEvent struct {
	Workload  models.Workload
	Execution *Execution
	Err       error
}
