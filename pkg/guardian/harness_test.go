package guardian

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/psantana5/agent-guardian/pkg/capability"
	"github.com/psantana5/agent-guardian/pkg/models"
	"github.com/psantana5/agent-guardian/pkg/operator"
	"github.com/psantana5/agent-guardian/pkg/retry"
	"github.com/psantana5/agent-guardian/pkg/store"
)

// fakeCapabilities records every call and lets tests inject failures
type fakeCapabilities struct {
	mu       sync.Mutex
	presence models.PresenceState
	calls    []string
	fail     map[string]error
	writes   map[string]string
	edits    []capability.EditFileInput
	files    map[string]string
	matches  []capability.SearchMatch
}

func newFakeCapabilities(presence models.PresenceState) *fakeCapabilities {
	return &fakeCapabilities{
		presence: presence,
		fail:     make(map[string]error),
		writes:   make(map[string]string),
		files:    make(map[string]string),
	}
}

func (f *fakeCapabilities) record(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	return f.fail[name]
}

func (f *fakeCapabilities) called(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == name {
			n++
		}
	}
	return n
}

func (f *fakeCapabilities) register(reg *capability.Registry) {
	capability.Register(reg, capability.GetUserPresence, "",
		func(ctx context.Context, _ capability.Empty) (capability.PresenceOutput, error) {
			err := f.record(capability.GetUserPresence)
			return capability.PresenceOutput{State: f.presence}, err
		})
	capability.Register(reg, capability.RestartAgent, "",
		func(ctx context.Context, in capability.RestartAgentInput) (capability.Empty, error) {
			return capability.Empty{}, f.record(capability.RestartAgent)
		})
	capability.Register(reg, capability.StartAgent, "",
		func(ctx context.Context, in capability.StartAgentInput) (capability.StartAgentOutput, error) {
			return capability.StartAgentOutput{ExecutionID: "exec-1"}, f.record(capability.StartAgent)
		})
	capability.Register(reg, capability.UnloadAgent, "",
		func(ctx context.Context, in capability.UnloadAgentInput) (capability.Empty, error) {
			return capability.Empty{}, f.record(capability.UnloadAgent)
		})
	capability.Register(reg, capability.WriteFile, "",
		func(ctx context.Context, in capability.WriteFileInput) (capability.WriteFileOutput, error) {
			if err := f.record(capability.WriteFile); err != nil {
				return capability.WriteFileOutput{}, err
			}
			f.mu.Lock()
			f.writes[in.Path] = in.Content
			f.mu.Unlock()
			return capability.WriteFileOutput{Path: "/ws/" + in.Path, Bytes: len(in.Content)}, nil
		})
	capability.Register(reg, capability.SearchFiles, "",
		func(ctx context.Context, in capability.SearchFilesInput) (capability.SearchFilesOutput, error) {
			return capability.SearchFilesOutput{Matches: f.matches}, f.record(capability.SearchFiles)
		})
	capability.Register(reg, capability.ReadFile, "",
		func(ctx context.Context, in capability.ReadFileInput) (capability.ReadFileOutput, error) {
			f.mu.Lock()
			content, ok := f.files[in.Path]
			f.mu.Unlock()
			if err := f.record(capability.ReadFile); err != nil {
				return capability.ReadFileOutput{}, err
			}
			if !ok {
				return capability.ReadFileOutput{}, errors.New("no such file")
			}
			return capability.ReadFileOutput{Content: content}, nil
		})
	capability.Register(reg, capability.EditFile, "",
		func(ctx context.Context, in capability.EditFileInput) (capability.EditFileOutput, error) {
			if err := f.record(capability.EditFile); err != nil {
				return capability.EditFileOutput{}, err
			}
			f.mu.Lock()
			f.edits = append(f.edits, in)
			f.mu.Unlock()
			return capability.EditFileOutput{Path: in.Path}, nil
		})
}

// fakeLifecycle answers Wait with a preset outcome
type fakeLifecycle struct {
	mu      sync.Mutex
	waitErr error
	waited  []string
	stopped []string
}

func (f *fakeLifecycle) Wait(ctx context.Context, executionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waited = append(f.waited, executionID)
	return f.waitErr
}

func (f *fakeLifecycle) Stop(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	return nil
}

type fixedRepairer struct {
	proposal *Proposal
	seen     RepairContext
}

func (r *fixedRepairer) Propose(ctx context.Context, rc RepairContext) (*Proposal, error) {
	r.seen = rc
	if r.proposal == nil {
		return nil, ErrNoProposal
	}
	return r.proposal, nil
}

type harness struct {
	engine    *Engine
	caps      *fakeCapabilities
	lifecycle *fakeLifecycle
	store     store.Store
	desk      *operator.Desk
	registry  *capability.Registry
}

func newHarness(t *testing.T, presence models.PresenceState, repairer Repairer) *harness {
	t.Helper()
	h := &harness{
		caps:      newFakeCapabilities(presence),
		lifecycle: &fakeLifecycle{},
		store:     store.NewMemoryStore(),
		desk:      operator.NewDesk(),
		registry:  capability.NewRegistry(),
	}
	h.caps.register(h.registry)

	h.engine = NewEngine(Options{
		OwnGraphID: "guardian-host",
		Registry:   h.registry,
		Store:      h.store,
		Desk:       h.desk,
		Lifecycle:  h.lifecycle,
		Repairer:   repairer,
		Retry: retry.Config{
			MaxRetries:     1,
			InitialBackoff: time.Millisecond,
			Multiplier:     1,
			ShouldRetry:    retry.IsRetryable,
		},
		Diagnostics: func(context.Context) map[string]interface{} {
			return map[string]interface{}{"probe": "test"}
		},
	})
	h.engine.SetCapabilities(capability.Filter(Manifest, h.registry))

	now := time.Now()
	if err := h.store.SaveWorkload(&models.Workload{
		ID:        "research",
		Name:      "Research",
		Path:      "/defs/research.yaml",
		SourceDir: "agents/research",
		Status:    models.WorkloadFailed,
		LoadedAt:  now,
		UpdatedAt: now,
	}); err != nil {
		t.Fatal(err)
	}
	return h
}

func failure(errMsg string) models.FailureSignal {
	sig := models.NewFailureSignal("sig-1", models.SignalExecutionFailed, "research", errMsg,
		map[string]interface{}{"input": map[string]interface{}{"topic": "go"}})
	sig.EntryPoint = "main"
	return sig
}

// answerNext answers the next prompt posted to the desk with choice
func answerNext(d *operator.Desk, choice, note string) <-chan operator.Prompt {
	posted := make(chan operator.Prompt, 1)
	d.OnAsk(func(p operator.Prompt) {
		posted <- p
		go d.Answer(p.ID, choice, note)
	})
	return posted
}

// waitForPrompt blocks until a prompt is pending on d
func waitForPrompt(t *testing.T, d *operator.Desk) operator.Prompt {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if pending := d.Pending(); len(pending) > 0 {
			return pending[0]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no prompt posted")
	return operator.Prompt{}
}
