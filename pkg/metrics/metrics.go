package metrics

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

const namespace = "guardian"

// Metrics holds the guardian's Prometheus collectors on a private registry.
// All methods are safe on a nil receiver so components can run uninstrumented.
type Metrics struct {
	registry *prometheus.Registry

	signalsTotal    *prometheus.CounterVec
	runsTotal       *prometheus.CounterVec
	runsActive      prometheus.Gauge
	runDuration     *prometheus.HistogramVec
	lifecycleOps    *prometheus.CounterVec
	promptsPending  prometheus.Gauge
	escalations     *prometheus.CounterVec
	notifications   prometheus.Counter
	capabilityCalls *prometheus.CounterVec
}

// New creates and registers the guardian collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		signalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_total",
			Help:      "Signals published by the host, by type and whether a run was spawned",
		}, []string{"type", "outcome"}),
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Resolved decision runs by severity, presence and resolution family",
		}, []string{"severity", "presence", "family"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_active",
			Help:      "Decision runs currently in flight",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Time from signal to resolution",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 1800, 3600},
		}, []string{"family"}),
		lifecycleOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_operations_total",
			Help:      "Lifecycle operations by operation and result",
		}, []string{"op", "result"}),
		promptsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "prompts_pending",
			Help:      "Operator prompts waiting for an answer",
		}),
		escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Escalation records written, by severity",
		}, []string{"severity"}),
		notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_queued_total",
			Help:      "Deferred notifications queued for the operator",
		}),
		capabilityCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capability_calls_total",
			Help:      "Capability invocations made by decision runs",
		}, []string{"capability", "result"}),
	}

	m.registry.MustRegister(
		m.signalsTotal,
		m.runsTotal,
		m.runsActive,
		m.runDuration,
		m.lifecycleOps,
		m.promptsPending,
		m.escalations,
		m.notifications,
		m.capabilityCalls,
	)
	return m
}

// MustRegister adds extra collectors to the guardian registry
func (m *Metrics) MustRegister(cs ...prometheus.Collector) {
	if m == nil {
		return
	}
	m.registry.MustRegister(cs...)
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// SignalReceived counts a published signal; outcome is "accepted" or a rejection reason
func (m *Metrics) SignalReceived(signalType, outcome string) {
	if m == nil {
		return
	}
	m.signalsTotal.WithLabelValues(signalType, outcome).Inc()
}

// RunStarted marks a run as in flight
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.runsActive.Inc()
}

// RunResolved records a finished run
func (m *Metrics) RunResolved(severity, presence, family string, d time.Duration) {
	if m == nil {
		return
	}
	m.runsActive.Dec()
	m.runsTotal.WithLabelValues(severity, presence, family).Inc()
	m.runDuration.WithLabelValues(family).Observe(d.Seconds())
}

// LifecycleOp counts a lifecycle operation
func (m *Metrics) LifecycleOp(op string, err error) {
	if m == nil {
		return
	}
	m.lifecycleOps.WithLabelValues(op, result(err)).Inc()
}

// CapabilityCall counts a capability invocation
func (m *Metrics) CapabilityCall(name string, err error) {
	if m == nil {
		return
	}
	m.capabilityCalls.WithLabelValues(name, result(err)).Inc()
}

// PromptPosted and PromptClosed track the pending prompt gauge
func (m *Metrics) PromptPosted() {
	if m == nil {
		return
	}
	m.promptsPending.Inc()
}

func (m *Metrics) PromptClosed() {
	if m == nil {
		return
	}
	m.promptsPending.Dec()
}

// EscalationWritten counts an escalation record
func (m *Metrics) EscalationWritten(severity string) {
	if m == nil {
		return
	}
	m.escalations.WithLabelValues(severity).Inc()
}

// NotificationQueued counts a deferred notification
func (m *Metrics) NotificationQueued() {
	if m == nil {
		return
	}
	m.notifications.Inc()
}

// ServeHTTP writes the registry in the Prometheus text format
func (m *Metrics) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	families, err := m.registry.Gather()
	if err != nil {
		http.Error(w, fmt.Sprintf("Error gathering metrics: %v", err), http.StatusInternalServerError)
		return
	}

	format := expfmt.NewFormat(expfmt.TypeTextPlain)
	var buf bytes.Buffer
	encoder := expfmt.NewEncoder(&buf, format)
	for _, mf := range families {
		if err := encoder.Encode(mf); err != nil {
			http.Error(w, fmt.Sprintf("Error encoding metrics: %v", err), http.StatusInternalServerError)
			return
		}
	}

	w.Header().Set("Content-Type", string(format))
	w.Write(buf.Bytes())
}
