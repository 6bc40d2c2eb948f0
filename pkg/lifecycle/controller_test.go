package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/agent-guardian/pkg/capability"
	"github.com/psantana5/agent-guardian/pkg/models"
	"github.com/psantana5/agent-guardian/pkg/store"
)

// fakeRuntime records launches; tests finish executions by hand
type fakeRuntime struct {
	mu         sync.Mutex
	running    map[string][]*Execution
	launched   int
	released   int
	launchErr  error
	inLaunch   chan struct{}
	holdLaunch chan struct{}
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{running: make(map[string][]*Execution)}
}

func (f *fakeRuntime) Launch(ctx context.Context, w models.Workload, def *Definition, exec *Execution) error {
	if f.inLaunch != nil {
		f.inLaunch <- struct{}{}
		<-f.holdLaunch
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.launchErr != nil {
		return f.launchErr
	}
	f.launched++
	f.running[w.ID] = append(f.running[w.ID], exec)
	return nil
}

func (f *fakeRuntime) Release(ctx context.Context, workloadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
	for _, exec := range f.running[workloadID] {
		exec.Finish(context.Canceled)
	}
	delete(f.running, workloadID)
	return nil
}

func writeDefinition(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

const researchDef = `
id: research
name: Research Agent
command: ["python", "-m", "research"]
default_entry_point: main
entry_points: [main, resume]
`

func newTestController(t *testing.T) (*Controller, *fakeRuntime, string) {
	t.Helper()
	dir := t.TempDir()
	writeDefinition(t, dir, "research.yaml", researchDef)

	src, err := NewDirSource(dir)
	require.NoError(t, err)
	rt := newFakeRuntime()
	c := NewController(Options{
		Store:   store.NewMemoryStore(),
		Source:  src,
		Runtime: rt,
	})
	return c, rt, dir
}

func TestLoad(t *testing.T) {
	c, _, _ := newTestController(t)
	ctx := context.Background()

	id, err := c.Load(ctx, "research")
	require.NoError(t, err)
	assert.Equal(t, "research", id)

	w, err := c.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.WorkloadLoaded, w.Status)
	assert.Equal(t, "main", w.DefaultEntryPoint)

	again, err := c.Load(ctx, "research.yaml")
	require.NoError(t, err)
	assert.Equal(t, id, again, "loading the same definition twice returns the existing id")
}

func TestLoad_NotFound(t *testing.T) {
	c, _, _ := newTestController(t)

	_, err := c.Load(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)

	var opErr *OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "load", opErr.Op)
}

func TestLoad_IDCollision(t *testing.T) {
	c, _, dir := newTestController(t)
	writeDefinition(t, dir, "copy.yaml", researchDef)
	ctx := context.Background()

	first, err := c.Load(ctx, "research")
	require.NoError(t, err)
	second, err := c.Load(ctx, "copy")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.Contains(t, second, "research-")
}

func TestUnload_Idempotent(t *testing.T) {
	c, rt, _ := newTestController(t)
	ctx := context.Background()

	id, err := c.Load(ctx, "research")
	require.NoError(t, err)

	require.NoError(t, c.Unload(ctx, id))
	require.NoError(t, c.Unload(ctx, id))
	require.NoError(t, c.Unload(ctx, "never-loaded"))
	assert.Equal(t, 1, rt.released)

	_, err = c.Get(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStart(t *testing.T) {
	c, rt, _ := newTestController(t)
	ctx := context.Background()

	id, err := c.Load(ctx, "research")
	require.NoError(t, err)

	exec, err := c.Start(ctx, id, "", map[string]interface{}{"topic": "go"})
	require.NoError(t, err)
	assert.Equal(t, "main", exec.EntryPoint)
	assert.Equal(t, 1, rt.launched)

	w, err := c.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.WorkloadRunning, w.Status)
	assert.Equal(t, 1, w.Executions)

	// A second start while running is rejected
	_, err = c.Start(ctx, id, "", nil)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestStart_Errors(t *testing.T) {
	c, _, _ := newTestController(t)
	ctx := context.Background()

	_, err := c.Start(ctx, "ghost", "", nil)
	assert.ErrorIs(t, err, ErrInvalidState)

	id, err := c.Load(ctx, "research")
	require.NoError(t, err)
	_, err = c.Start(ctx, id, "nope", nil)
	assert.ErrorIs(t, err, ErrUnknownEntryPoint)

	w, err := c.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.WorkloadLoaded, w.Status, "failed start leaves status unchanged")
}

func TestExecutionOutcome(t *testing.T) {
	c, _, _ := newTestController(t)
	ctx := context.Background()

	events := make(chan ExitEvent, 1)
	c.OnExit(func(ev ExitEvent) { events <- ev })

	id, err := c.Load(ctx, "research")
	require.NoError(t, err)
	exec, err := c.Start(ctx, id, "main", nil)
	require.NoError(t, err)

	exec.Finish(errors.New("upstream timeout"))
	assert.EqualError(t, c.Wait(ctx, exec.ID), "upstream timeout")

	select {
	case ev := <-events:
		assert.Equal(t, id, ev.Workload.ID)
		assert.Equal(t, models.WorkloadFailed, ev.Workload.Status)
		assert.EqualError(t, ev.Err, "upstream timeout")
	case <-time.After(2 * time.Second):
		t.Fatal("exit event not delivered")
	}

	w, err := c.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.WorkloadFailed, w.Status)
	assert.Equal(t, "upstream timeout", w.LastError)
}

func TestRestart_KeepsIDAndReleasesExecution(t *testing.T) {
	c, rt, _ := newTestController(t)
	ctx := context.Background()

	var exits int
	var mu sync.Mutex
	c.OnExit(func(ExitEvent) {
		mu.Lock()
		exits++
		mu.Unlock()
	})

	id, err := c.Load(ctx, "research")
	require.NoError(t, err)
	exec, err := c.Start(ctx, id, "", nil)
	require.NoError(t, err)

	require.NoError(t, c.Restart(ctx, id))
	assert.ErrorIs(t, c.Wait(ctx, exec.ID), ErrExecutionNotFound)
	assert.True(t, exec.Released())
	assert.Equal(t, 1, rt.released)

	w, err := c.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, w.ID)
	assert.Equal(t, models.WorkloadLoaded, w.Status)
	assert.Equal(t, 0, w.Executions)

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 0, exits, "released executions do not report an exit")
	mu.Unlock()
}

func TestRestart_NotFound(t *testing.T) {
	c, _, _ := newTestController(t)
	assert.ErrorIs(t, c.Restart(context.Background(), "ghost"), ErrNotFound)
}

func TestRestart_ReadsDefinitionAgain(t *testing.T) {
	c, _, dir := newTestController(t)
	ctx := context.Background()

	id, err := c.Load(ctx, "research")
	require.NoError(t, err)

	writeDefinition(t, dir, "research.yaml", `
id: research
name: Research Agent v2
command: ["python", "-m", "research"]
`)
	require.NoError(t, c.Restart(ctx, id))

	w, err := c.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Research Agent v2", w.Name)
}

func TestStop(t *testing.T) {
	c, rt, _ := newTestController(t)
	ctx := context.Background()

	id, err := c.Load(ctx, "research")
	require.NoError(t, err)
	_, err = c.Start(ctx, id, "", nil)
	require.NoError(t, err)

	require.NoError(t, c.Stop(ctx, id))
	assert.Equal(t, 1, rt.released)

	w, err := c.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.WorkloadStopped, w.Status)

	// Stopped workloads can be started again
	_, err = c.Start(ctx, id, "", nil)
	require.NoError(t, err)
}

func TestOperationsSerializedPerWorkload(t *testing.T) {
	c, rt, _ := newTestController(t)
	ctx := context.Background()

	id, err := c.Load(ctx, "research")
	require.NoError(t, err)

	rt.inLaunch = make(chan struct{})
	rt.holdLaunch = make(chan struct{})

	startDone := make(chan error, 1)
	go func() {
		_, err := c.Start(ctx, id, "", nil)
		startDone <- err
	}()
	<-rt.inLaunch

	unloadDone := make(chan error, 1)
	go func() { unloadDone <- c.Unload(ctx, id) }()

	select {
	case <-unloadDone:
		t.Fatal("unload ran while start held the workload")
	case <-time.After(50 * time.Millisecond):
	}

	close(rt.holdLaunch)
	require.NoError(t, <-startDone)
	require.NoError(t, <-unloadDone)

	_, err = c.Get(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, c.locks.size())
}

func TestList_Restartable(t *testing.T) {
	c, _, dir := newTestController(t)
	writeDefinition(t, dir, "writer.yaml", "name: Writer\ncommand: [writer]\n")
	ctx := context.Background()

	_, err := c.Load(ctx, "research")
	require.NoError(t, err)
	_, err = c.Load(ctx, "writer")
	require.NoError(t, err)

	seq := c.List(ctx)
	for i := 0; i < 2; i++ {
		got := map[string]models.WorkloadStatus{}
		for id, status := range seq {
			got[id] = status
		}
		assert.Equal(t, map[string]models.WorkloadStatus{
			"research": models.WorkloadLoaded,
			"writer":   models.WorkloadLoaded,
		}, got)
	}
}

func TestCapabilities(t *testing.T) {
	c, _, _ := newTestController(t)
	reg := capability.NewRegistry()
	RegisterCapabilities(reg, c)
	ctx := context.Background()
	set := capability.NewAvailableSet(reg.Names()...)

	loaded, err := capability.Invoke[capability.LoadAgentInput, capability.LoadAgentOutput](
		ctx, set, reg, capability.LoadAgent, capability.LoadAgentInput{Path: "research"})
	require.NoError(t, err)
	assert.Equal(t, "research", loaded.WorkloadID)

	listed, err := capability.Invoke[capability.Empty, capability.ListAgentsOutput](
		ctx, set, reg, capability.ListAgents, capability.Empty{})
	require.NoError(t, err)
	require.Len(t, listed.Workloads, 1)
	assert.Equal(t, models.WorkloadLoaded, listed.Workloads[0].Status)

	_, err = capability.Invoke[capability.UnloadAgentInput, capability.Empty](
		ctx, set, reg, capability.UnloadAgent, capability.UnloadAgentInput{WorkloadID: "research"})
	require.NoError(t, err)
}

func TestLoad_ConcurrentSameNameGetDistinctIDs(t *testing.T) {
	c, _, dir := newTestController(t)
	ctx := context.Background()

	const n = 8
	for i := 0; i < n; i++ {
		writeDefinition(t, dir, fmt.Sprintf("copy%d.yaml", i), "name: Copy Agent\ncommand: [\"true\"]\n")
	}

	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := c.Load(ctx, fmt.Sprintf("copy%d", i))
			assert.NoError(t, err)
			ids <- id
		}(i)
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		assert.False(t, seen[id], "id %s handed out twice", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)

	listed := 0
	for range c.List(ctx) {
		listed++
	}
	assert.Equal(t, n, listed, "no workload record overwritten")
}

func TestFinishedExecutionsAreBounded(t *testing.T) {
	c, _, _ := newTestController(t)
	ctx := context.Background()

	id, err := c.Load(ctx, "research")
	require.NoError(t, err)

	var last *Execution
	for i := 0; i < finishedExecutions*3; i++ {
		exec, err := c.Start(ctx, id, "", map[string]interface{}{"n": i})
		require.NoError(t, err)
		exec.Finish(nil)
		require.NoError(t, c.Wait(ctx, exec.ID))
		require.Eventually(t, func() bool {
			w, err := c.Get(ctx, id)
			return err == nil && w.Status == models.WorkloadCompleted
		}, 2*time.Second, time.Millisecond)
		last = exec
	}

	c.mu.Lock()
	live, finished := len(c.executions), len(c.finished)
	c.mu.Unlock()
	assert.Zero(t, live)
	assert.LessOrEqual(t, finished, finishedExecutions)
	assert.NoError(t, c.Wait(ctx, last.ID), "recently finished executions can still be waited on")
}

// deleteFailingStore fails every DeleteWorkload
type deleteFailingStore struct {
	store.Store
}

func (s deleteFailingStore) DeleteWorkload(id string) error {
	return errors.New("disk full")
}

func TestRestart_ReportsStaleRecordCleanupFailure(t *testing.T) {
	dir := t.TempDir()
	path := writeDefinition(t, dir, "research.yaml", researchDef)
	src, err := NewDirSource(dir)
	require.NoError(t, err)
	c := NewController(Options{
		Store:   deleteFailingStore{Store: store.NewMemoryStore()},
		Source:  src,
		Runtime: newFakeRuntime(),
	})
	ctx := context.Background()

	id, err := c.Load(ctx, "research")
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))

	err = c.Restart(ctx, id)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "disk full")
}
