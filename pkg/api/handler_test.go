package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/agent-guardian/pkg/api"
	"github.com/psantana5/agent-guardian/pkg/auth"
	"github.com/psantana5/agent-guardian/pkg/host"
	"github.com/psantana5/agent-guardian/pkg/lifecycle"
	"github.com/psantana5/agent-guardian/pkg/metrics"
	"github.com/psantana5/agent-guardian/pkg/models"
	"github.com/psantana5/agent-guardian/pkg/operator"
	"github.com/psantana5/agent-guardian/pkg/presence"
	"github.com/psantana5/agent-guardian/pkg/ratelimit"
	"github.com/psantana5/agent-guardian/pkg/store"
	"github.com/psantana5/agent-guardian/pkg/topology"
)

// heldRuntime keeps every execution running until released
type heldRuntime struct {
	mu      sync.Mutex
	running map[string][]*lifecycle.Execution
}

func (r *heldRuntime) Launch(ctx context.Context, w models.Workload, def *lifecycle.Definition, exec *lifecycle.Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running[w.ID] = append(r.running[w.ID], exec)
	return nil
}

func (r *heldRuntime) Release(ctx context.Context, workloadID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, exec := range r.running[workloadID] {
		exec.Finish(context.Canceled)
	}
	delete(r.running, workloadID)
	return nil
}

type fixture struct {
	store    store.Store
	host     *host.Host
	desk     *operator.Desk
	presence *presence.Tracker
	received chan models.FailureSignal
	router   http.Handler
}

func newFixture(t *testing.T, verifier *auth.KeyVerifier, limiter *ratelimit.Limiter) *fixture {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "research.yaml"), []byte(`
id: research
name: Research Agent
command: ["python", "-m", "research"]
default_entry_point: main
entry_points: [main]
`), 0644))
	src, err := lifecycle.NewDirSource(dir)
	require.NoError(t, err)

	s := store.NewMemoryStore()
	ctrl := lifecycle.NewController(lifecycle.Options{
		Store:   s,
		Source:  src,
		Runtime: &heldRuntime{running: make(map[string][]*lifecycle.Execution)},
	})

	f := &fixture{
		store:    s,
		desk:     operator.NewDesk(),
		presence: presence.NewTracker(),
		received: make(chan models.FailureSignal, 4),
	}

	f.host = host.NewHost(host.Options{GraphID: "guardian-host"})
	require.NoError(t, f.host.Configure(func(setup *host.Setup) error {
		if err := setup.Topology().Inject(nodeFor("watcher")); err != nil {
			return err
		}
		return setup.RegisterEntryPoint(host.EntryPointSpec{
			ID:          "watcher",
			EntryNode:   "watcher",
			TriggerType: host.TriggerEvent,
			Trigger:     host.Trigger{SignalTypes: []string{models.SignalExecutionFailed}, ExcludeOwnGraph: true},
			Isolation:   host.IsolationShared,
			Handler: func(ctx context.Context, sig models.FailureSignal) {
				f.received <- sig
			},
		})
	}))
	require.NoError(t, f.host.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		f.host.Stop(ctx)
	})

	handler := api.NewHandler(api.Options{
		Store:     s,
		Host:      f.host,
		Lifecycle: ctrl,
		Desk:      f.desk,
		Presence:  f.presence,
		Metrics:   metrics.New(),
	})
	f.router = api.NewRouter(handler, verifier, limiter)
	return f
}

func nodeFor(id string) topology.Node {
	return topology.Node{ID: id, Name: id}
}

func (f *fixture) do(method, path, body string, header ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestPublishSignal(t *testing.T) {
	f := newFixture(t, nil, nil)

	w := f.do("POST", "/signals", `{"graph_id":"research","error":"boom","entry_point":"main"}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	body := decode(t, w)
	assert.EqualValues(t, 1, body["accepted"])
	assert.NotEmpty(t, body["signal_id"])

	select {
	case sig := <-f.received:
		assert.Equal(t, models.SignalExecutionFailed, sig.Type)
		assert.Equal(t, "research", sig.Target())
		assert.Equal(t, "main", sig.EntryPoint)
	case <-time.After(2 * time.Second):
		t.Fatal("signal never reached the subscriber")
	}
}

func TestPublishSignal_Validation(t *testing.T) {
	f := newFixture(t, nil, nil)

	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{`},
		{"missing graph", `{"error":"boom"}`},
		{"missing error", `{"graph_id":"research"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do("POST", "/signals", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestPublishSignal_OwnGraphNotAccepted(t *testing.T) {
	f := newFixture(t, nil, nil)

	w := f.do("POST", "/signals", `{"graph_id":"guardian-host","error":"boom"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.EqualValues(t, 0, decode(t, w)["accepted"])
}

func TestWorkloadRoutes(t *testing.T) {
	f := newFixture(t, nil, nil)

	w := f.do("POST", "/workloads/load", `{"path":"research"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "research", decode(t, w)["id"])

	t.Run("StartUnknownEntryPoint", func(t *testing.T) {
		w := f.do("POST", "/workloads/research/start", `{"entry_point":"nope"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Start", func(t *testing.T) {
		w := f.do("POST", "/workloads/research/start", `{"input":{"topic":"go"}}`)
		require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
		assert.Equal(t, "main", decode(t, w)["entry_point"])
	})

	t.Run("StartWhileRunning", func(t *testing.T) {
		w := f.do("POST", "/workloads/research/start", "")
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("List", func(t *testing.T) {
		w := f.do("GET", "/workloads", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.EqualValues(t, 1, decode(t, w)["count"])
	})

	t.Run("Restart", func(t *testing.T) {
		w := f.do("POST", "/workloads/research/restart", "")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		w = f.do("GET", "/workloads/research", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, string(models.WorkloadLoaded), decode(t, w)["status"])
	})

	t.Run("Unload", func(t *testing.T) {
		w := f.do("POST", "/workloads/research/unload", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, http.StatusNotFound, f.do("GET", "/workloads/research", "").Code)
	})

	t.Run("RestartUnknown", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, f.do("POST", "/workloads/ghost/restart", "").Code)
	})

	t.Run("LoadMissing", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, f.do("POST", "/workloads/load", `{"path":"ghost"}`).Code)
	})
}

func TestRunRoutes(t *testing.T) {
	f := newFixture(t, nil, nil)

	run := models.NewRunRecord("run-1", models.NewFailureSignal("sig-1", models.SignalExecutionFailed, "research", "boom", nil))
	require.NoError(t, run.Transition(models.RunStateEscalate, "catastrophic"))
	require.NoError(t, run.Resolve(models.NewResolution(models.FamilyEscalated, "disk full")))
	require.NoError(t, f.store.SaveRun(run))

	w := f.do("GET", "/runs?workload_id=research", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["count"])

	w = f.do("GET", "/runs/run-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	output := decode(t, w)["output"].(map[string]interface{})
	assert.Equal(t, "escalated: disk full", output[models.OutputResolution])

	assert.Equal(t, http.StatusNotFound, f.do("GET", "/runs/ghost", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do("GET", "/runs?limit=x", "").Code)
}

func TestPromptRoutes(t *testing.T) {
	f := newFixture(t, nil, nil)

	answered := make(chan operator.Answer, 1)
	go func() {
		a, err := f.desk.Ask(context.Background(), operator.Prompt{
			ID:      "p1",
			Message: "research failed",
			Options: operator.DefaultOptions(),
		})
		if err == nil {
			answered <- a
		}
	}()
	require.Eventually(t, func() bool { return len(f.desk.Pending()) == 1 }, 2*time.Second, 5*time.Millisecond)

	w := f.do("GET", "/prompts", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["count"])

	assert.Equal(t, http.StatusBadRequest, f.do("POST", "/prompts/p1/answer", `{"choice":"dance"}`).Code)
	assert.Equal(t, http.StatusNotFound, f.do("POST", "/prompts/ghost/answer", `{"choice":"retry"}`).Code)

	w = f.do("POST", "/prompts/p1/answer", `{"choice":"handled","note":"fixed the key"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	select {
	case a := <-answered:
		assert.Equal(t, operator.OptionHandled, a.Choice)
		assert.Equal(t, "fixed the key", a.Note)
	case <-time.After(2 * time.Second):
		t.Fatal("prompt never answered")
	}
	assert.Equal(t, models.PresencePresent, f.presence.Get(), "answering counts as activity")
}

func TestPresenceRoutes(t *testing.T) {
	f := newFixture(t, nil, nil)

	w := f.do("GET", "/presence", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, string(models.PresenceNeverSeen), decode(t, w)["state"])

	w = f.do("POST", "/presence/activity", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, string(models.PresencePresent), decode(t, w)["state"])
}

func TestNotificationRoutes(t *testing.T) {
	f := newFixture(t, nil, nil)

	require.NoError(t, f.store.CreateNotification(&models.Notification{
		ID: "n1", RunID: "run-1", WorkloadID: "research", Message: "held", CreatedAt: time.Now(),
	}))

	w := f.do("GET", "/notifications?pending=true", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["count"])

	w = f.do("GET", "/notifications/feed", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, decode(t, w)["count"])
}

func TestTopologyAndHealth(t *testing.T) {
	f := newFixture(t, nil, nil)

	w := f.do("GET", "/topology", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "guardian-host", body["graph_id"])
	assert.Len(t, body["subscribers"], 1)

	w = f.do("GET", "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["host_running"])

	w = f.do("GET", "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_Authentication(t *testing.T) {
	key, hash, err := auth.GenerateAPIKey()
	require.NoError(t, err)
	verifier, err := auth.NewKeyVerifier(hash)
	require.NoError(t, err)
	f := newFixture(t, verifier, nil)

	assert.Equal(t, http.StatusUnauthorized, f.do("GET", "/runs", "").Code)
	assert.Equal(t, http.StatusUnauthorized, f.do("GET", "/runs", "", "Authorization", "Bearer wrong").Code)
	assert.Equal(t, http.StatusOK, f.do("GET", "/runs", "", "Authorization", "Bearer "+key).Code)
	assert.Equal(t, http.StatusOK, f.do("GET", "/runs", "", "X-API-Key", key).Code)
	assert.Equal(t, http.StatusOK, f.do("GET", "/health", "").Code, "health stays open")
}

func TestRouter_RateLimit(t *testing.T) {
	f := newFixture(t, nil, ratelimit.NewLimiter(0.001, 2))

	assert.Equal(t, http.StatusOK, f.do("GET", "/health", "").Code)
	assert.Equal(t, http.StatusOK, f.do("GET", "/health", "").Code)
	w := f.do("GET", "/health", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
}
