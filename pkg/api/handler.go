package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/psantana5/agent-guardian/pkg/host"
	"github.com/psantana5/agent-guardian/pkg/lifecycle"
	"github.com/psantana5/agent-guardian/pkg/logging"
	"github.com/psantana5/agent-guardian/pkg/metrics"
	"github.com/psantana5/agent-guardian/pkg/models"
	"github.com/psantana5/agent-guardian/pkg/operator"
	"github.com/psantana5/agent-guardian/pkg/presence"
	"github.com/psantana5/agent-guardian/pkg/store"
)

// Options wires the handler to the running guardian
type Options struct {
	Store     store.Store
	Host      *host.Host
	Lifecycle *lifecycle.Controller
	Desk      *operator.Desk
	Presence  *presence.Tracker
	Metrics   *metrics.Metrics
	Logger    *logging.Logger
}

// Handler serves the guardian control API
type Handler struct {
	store     store.Store
	host      *host.Host
	lifecycle *lifecycle.Controller
	desk      *operator.Desk
	presence  *presence.Tracker
	metrics   *metrics.Metrics
	logger    *logging.Logger
}

// NewHandler creates a new API handler
func NewHandler(opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{
		store:     opts.Store,
		host:      opts.Host,
		lifecycle: opts.Lifecycle,
		desk:      opts.Desk,
		presence:  opts.Presence,
		metrics:   opts.Metrics,
		logger:    logger.WithField("component", "api"),
	}
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	// Signals
	r.HandleFunc("/signals", h.PublishSignal).Methods("POST")

	// Workload routes (register specific routes before parameterized routes)
	r.HandleFunc("/workloads/load", h.LoadWorkload).Methods("POST")
	r.HandleFunc("/workloads", h.ListWorkloads).Methods("GET")
	r.HandleFunc("/workloads/{id}", h.GetWorkload).Methods("GET")
	r.HandleFunc("/workloads/{id}/start", h.StartWorkload).Methods("POST")
	r.HandleFunc("/workloads/{id}/restart", h.RestartWorkload).Methods("POST")
	r.HandleFunc("/workloads/{id}/stop", h.StopWorkload).Methods("POST")
	r.HandleFunc("/workloads/{id}/unload", h.UnloadWorkload).Methods("POST")

	// Decision runs and their records
	r.HandleFunc("/runs", h.ListRuns).Methods("GET")
	r.HandleFunc("/runs/{id}", h.GetRun).Methods("GET")
	r.HandleFunc("/escalations", h.ListEscalations).Methods("GET")
	r.HandleFunc("/notifications", h.ListNotifications).Methods("GET")
	r.HandleFunc("/notifications/feed", h.NotificationFeed).Methods("GET")

	// Operator
	r.HandleFunc("/prompts", h.ListPrompts).Methods("GET")
	r.HandleFunc("/prompts/{id}", h.GetPrompt).Methods("GET")
	r.HandleFunc("/prompts/{id}/answer", h.AnswerPrompt).Methods("POST")
	r.HandleFunc("/presence", h.GetPresence).Methods("GET")
	r.HandleFunc("/presence/activity", h.RecordActivity).Methods("POST")

	// Other routes
	r.HandleFunc("/topology", h.GetTopology).Methods("GET")
	r.HandleFunc("/health", h.Health).Methods("GET")
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics).Methods("GET")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// lifecycleStatus maps controller errors onto HTTP status codes
func lifecycleStatus(err error) int {
	switch {
	case errors.Is(err, lifecycle.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, lifecycle.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, lifecycle.ErrUnknownEntryPoint):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// SignalRequest is the body of POST /signals
type SignalRequest struct {
	ID          string                 `json:"id,omitempty"`
	Type        string                 `json:"type,omitempty"`
	GraphID     string                 `json:"graph_id"`
	WorkloadID  string                 `json:"workload_id,omitempty"`
	ExecutionID string                 `json:"execution_id,omitempty"`
	EntryPoint  string                 `json:"entry_point,omitempty"`
	Error       string                 `json:"error"`
	Context     map[string]interface{} `json:"context,omitempty"`
}

// PublishSignal hands an externally reported failure to the host
func (h *Handler) PublishSignal(w http.ResponseWriter, r *http.Request) {
	var req SignalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.GraphID == "" {
		http.Error(w, "graph_id is required", http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		req.Type = models.SignalExecutionFailed
	}
	if req.Type == models.SignalExecutionFailed && req.Error == "" {
		http.Error(w, "error is required for execution_failed", http.StatusBadRequest)
		return
	}
	if !h.host.Running() {
		http.Error(w, "Host not running", http.StatusServiceUnavailable)
		return
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	sig := models.NewFailureSignal(req.ID, req.Type, req.GraphID, req.Error, req.Context)
	if req.WorkloadID != "" {
		sig.WorkloadID = req.WorkloadID
	}
	sig.ExecutionID = req.ExecutionID
	sig.EntryPoint = req.EntryPoint

	accepted := h.host.Publish(sig)
	h.logger.Info("Signal received", map[string]interface{}{
		"signal_id": sig.ID,
		"type":      sig.Type,
		"graph_id":  sig.GraphID,
		"accepted":  accepted,
	})

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"signal_id": sig.ID,
		"accepted":  accepted,
	})
}

// LoadWorkload loads a stored definition
func (h *Handler) LoadWorkload(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		http.Error(w, "path is required", http.StatusBadRequest)
		return
	}

	id, err := h.lifecycle.Load(r.Context(), req.Path)
	if err != nil {
		http.Error(w, err.Error(), lifecycleStatus(err))
		return
	}
	workload, err := h.lifecycle.Get(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), lifecycleStatus(err))
		return
	}
	writeJSON(w, http.StatusCreated, workload)
}

// ListWorkloads returns all loaded workloads
func (h *Handler) ListWorkloads(w http.ResponseWriter, r *http.Request) {
	workloads, err := h.store.ListWorkloads()
	if err != nil {
		h.logger.Error("Failed to list workloads", map[string]interface{}{"error": err})
		http.Error(w, "Failed to list workloads", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"workloads": workloads,
		"count":     len(workloads),
	})
}

// GetWorkload retrieves one workload
func (h *Handler) GetWorkload(w http.ResponseWriter, r *http.Request) {
	workload, err := h.lifecycle.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), lifecycleStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, workload)
}

// StartWorkload begins an execution from an entry point
func (h *Handler) StartWorkload(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EntryPoint string                 `json:"entry_point,omitempty"`
		Input      map[string]interface{} `json:"input,omitempty"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}

	exec, err := h.lifecycle.Start(r.Context(), mux.Vars(r)["id"], req.EntryPoint, req.Input)
	if err != nil {
		http.Error(w, err.Error(), lifecycleStatus(err))
		return
	}
	writeJSON(w, http.StatusAccepted, exec)
}

func (h *Handler) lifecycleAction(w http.ResponseWriter, r *http.Request, op func(*http.Request, string) error) {
	id := mux.Vars(r)["id"]
	if err := op(r, id); err != nil {
		http.Error(w, err.Error(), lifecycleStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

// RestartWorkload reloads a workload's definition from storage
func (h *Handler) RestartWorkload(w http.ResponseWriter, r *http.Request) {
	h.lifecycleAction(w, r, func(r *http.Request, id string) error {
		return h.lifecycle.Restart(r.Context(), id)
	})
}

// StopWorkload halts a workload but keeps it loaded
func (h *Handler) StopWorkload(w http.ResponseWriter, r *http.Request) {
	h.lifecycleAction(w, r, func(r *http.Request, id string) error {
		return h.lifecycle.Stop(r.Context(), id)
	})
}

// UnloadWorkload removes a workload
func (h *Handler) UnloadWorkload(w http.ResponseWriter, r *http.Request) {
	h.lifecycleAction(w, r, func(r *http.Request, id string) error {
		return h.lifecycle.Unload(r.Context(), id)
	})
}

// ListRuns returns decision runs, newest first
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	runs, err := h.store.ListRuns(r.URL.Query().Get("workload_id"), limit)
	if err != nil {
		h.logger.Error("Failed to list runs", map[string]interface{}{"error": err})
		http.Error(w, "Failed to list runs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

// GetRun retrieves one decision run
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.store.GetRun(mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			http.Error(w, "Run not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to get run", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"run":    run,
		"output": run.Output(),
	})
}

// ListEscalations returns escalation records
func (h *Handler) ListEscalations(w http.ResponseWriter, r *http.Request) {
	records, err := h.store.ListEscalations(r.URL.Query().Get("workload_id"))
	if err != nil {
		http.Error(w, "Failed to list escalations", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"escalations": records,
		"count":       len(records),
	})
}

// ListNotifications returns queued notifications; ?pending=true hides delivered ones
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	pending, _ := strconv.ParseBool(r.URL.Query().Get("pending"))
	notes, err := h.store.ListNotifications(pending)
	if err != nil {
		http.Error(w, "Failed to list notifications", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"notifications": notes,
		"count":         len(notes),
	})
}

// NotificationFeed returns what has been delivered to the operator
func (h *Handler) NotificationFeed(w http.ResponseWriter, r *http.Request) {
	feed := h.desk.Feed()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"notifications": feed,
		"count":         len(feed),
	})
}

// ListPrompts returns prompts waiting for the operator
func (h *Handler) ListPrompts(w http.ResponseWriter, r *http.Request) {
	prompts := h.desk.Pending()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"prompts": prompts,
		"count":   len(prompts),
	})
}

// GetPrompt retrieves one pending prompt
func (h *Handler) GetPrompt(w http.ResponseWriter, r *http.Request) {
	p, err := h.desk.Get(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "Prompt not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// AnswerRequest is the body of POST /prompts/{id}/answer
type AnswerRequest struct {
	Choice string `json:"choice"`
	Note   string `json:"note,omitempty"`
}

// AnswerPrompt delivers the operator's choice. Answering counts as activity.
func (h *Handler) AnswerPrompt(w http.ResponseWriter, r *http.Request) {
	var req AnswerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Choice == "" {
		http.Error(w, "choice is required", http.StatusBadRequest)
		return
	}

	id := mux.Vars(r)["id"]
	if h.presence != nil {
		h.presence.Touch()
	}
	if err := h.desk.Answer(id, req.Choice, req.Note); err != nil {
		switch {
		case errors.Is(err, operator.ErrPromptNotFound):
			http.Error(w, "Prompt not found", http.StatusNotFound)
		case errors.Is(err, operator.ErrInvalidChoice):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			http.Error(w, "Failed to answer prompt", http.StatusInternalServerError)
		}
		return
	}

	h.logger.Info("Prompt answered", map[string]interface{}{"prompt_id": id, "choice": req.Choice})
	writeJSON(w, http.StatusOK, map[string]string{"prompt_id": id, "choice": req.Choice})
}

// GetPresence reports the operator's presence state
func (h *Handler) GetPresence(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.presence.Snapshot())
}

// RecordActivity marks the operator as active now
func (h *Handler) RecordActivity(w http.ResponseWriter, r *http.Request) {
	h.presence.Touch()
	writeJSON(w, http.StatusOK, h.presence.Snapshot())
}

// GetTopology returns the host's committed graph
func (h *Handler) GetTopology(w http.ResponseWriter, r *http.Request) {
	topo, err := h.host.Topology()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	entryPoints := make([]map[string]interface{}, 0)
	for _, ep := range h.host.EntryPoints() {
		entryPoints = append(entryPoints, map[string]interface{}{
			"id":           ep.ID,
			"entry_node":   ep.EntryNode,
			"trigger_type": ep.TriggerType,
			"signal_types": ep.Trigger.SignalTypes,
			"isolation":    ep.Isolation,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"graph_id":     h.host.GraphID(),
		"nodes":        topo.Nodes(),
		"edges":        topo.Edges(),
		"entry_points": topo.EntryPoints(),
		"subscribers":  entryPoints,
	})
}

// Health reports store and host health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]interface{}{
		"status":       "healthy",
		"host_running": h.host.Running(),
		"graph_id":     h.host.GraphID(),
		"time":         time.Now().UTC(),
	}
	if err := h.store.HealthCheck(); err != nil {
		status = http.StatusServiceUnavailable
		body["status"] = "unhealthy"
		body["error"] = err.Error()
	}
	writeJSON(w, status, body)
}
