package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/psantana5/agent-guardian/pkg/lifecycle"
	"github.com/psantana5/agent-guardian/pkg/logging"
	"github.com/psantana5/agent-guardian/pkg/models"
)

const stderrTailSize = 4096

// Environment passed to workload processes
const (
	EnvWorkloadID  = "GUARDIAN_WORKLOAD_ID"
	EnvEntryPoint  = "GUARDIAN_ENTRY_POINT"
	EnvExecutionID = "GUARDIAN_EXECUTION_ID"
	EnvInput       = "GUARDIAN_INPUT"
)

// ProcessRuntime runs each workload execution as an OS process
type ProcessRuntime struct {
	logger *logging.Logger

	mu        sync.Mutex
	processes map[string]map[string]*process // workload id -> execution id
	wg        sync.WaitGroup
}

type process struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewProcessRuntime creates a runtime with no running processes
func NewProcessRuntime(logger *logging.Logger) *ProcessRuntime {
	if logger == nil {
		logger = logging.Discard()
	}
	return &ProcessRuntime{
		logger:    logger.WithField("component", "runtime"),
		processes: make(map[string]map[string]*process),
	}
}

// tailBuffer keeps the last max bytes written to it
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return strings.TrimSpace(string(t.buf))
}

// Launch starts the definition's command. The execution finishes when the process exits.
func (r *ProcessRuntime) Launch(ctx context.Context, w models.Workload, def *lifecycle.Definition, execution *lifecycle.Execution) error {
	if len(def.Command) == 0 {
		return errors.New("definition has no command")
	}

	input, err := json.Marshal(execution.Input)
	if err != nil {
		return fmt.Errorf("failed to encode input: %w", err)
	}

	var runCtx context.Context
	var cancel context.CancelFunc
	if def.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(context.Background(), def.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(context.Background())
	}

	cmd := exec.CommandContext(runCtx, def.Command[0], def.Command[1:]...)
	cmd.Dir = def.SourceDir
	cmd.Env = append(os.Environ(),
		EnvWorkloadID+"="+w.ID,
		EnvEntryPoint+"="+execution.EntryPoint,
		EnvExecutionID+"="+execution.ID,
		EnvInput+"="+string(input),
	)
	for k, v := range def.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.WaitDelay = 5 * time.Second
	stderr := &tailBuffer{max: stderrTailSize}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("failed to start %s: %w", def.Command[0], err)
	}

	p := &process{cancel: cancel, done: make(chan struct{})}
	r.mu.Lock()
	if r.processes[w.ID] == nil {
		r.processes[w.ID] = make(map[string]*process)
	}
	r.processes[w.ID][execution.ID] = p
	r.mu.Unlock()

	r.logger.Info("Process started", map[string]interface{}{
		"workload_id":  w.ID,
		"execution_id": execution.ID,
		"pid":          cmd.Process.Pid,
	})

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(p.done)
		defer cancel()

		waitErr := cmd.Wait()

		r.mu.Lock()
		delete(r.processes[w.ID], execution.ID)
		if len(r.processes[w.ID]) == 0 {
			delete(r.processes, w.ID)
		}
		r.mu.Unlock()

		execution.Finish(exitError(waitErr, runCtx, stderr))
	}()
	return nil
}

func exitError(waitErr error, runCtx context.Context, stderr *tailBuffer) error {
	if waitErr == nil {
		return nil
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("execution timeout: %w", context.DeadlineExceeded)
	}
	if tail := stderr.String(); tail != "" {
		return errors.New(tail)
	}
	return waitErr
}

// Release kills the workload's processes and waits for them to exit
func (r *ProcessRuntime) Release(ctx context.Context, workloadID string) error {
	r.mu.Lock()
	procs := make([]*process, 0, len(r.processes[workloadID]))
	for _, p := range r.processes[workloadID] {
		procs = append(procs, p)
	}
	r.mu.Unlock()

	for _, p := range procs {
		p.cancel()
	}
	for _, p := range procs {
		select {
		case <-p.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Running returns the number of live processes for a workload
func (r *ProcessRuntime) Running(workloadID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.processes[workloadID])
}

// Close kills every process and waits for them until ctx is done
func (r *ProcessRuntime) Close(ctx context.Context) error {
	r.mu.Lock()
	for _, procs := range r.processes {
		for _, p := range procs {
			p.cancel()
		}
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
