package guardian

import (
	"testing"

	"github.com/psantana5/agent-guardian/pkg/capability"
	"github.com/psantana5/agent-guardian/pkg/models"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		err  string
		want models.SeverityClass
	}{
		{"context deadline exceeded", models.SeverityTransient},
		{"HTTP 429: Too Many Requests", models.SeverityTransient},
		{"read tcp 10.0.0.2:443: connection reset by peer", models.SeverityTransient},
		{"unexpected EOF", models.SeverityTransient},
		{"invalid api key provided", models.SeverityConfiguration},
		{"401 Unauthorized", models.SeverityConfiguration},
		{"tool web_search not registered", models.SeverityConfiguration},
		{"KeyError: 'result'", models.SeverityLogic},
		{"failed to parse model output as JSON", models.SeverityLogic},
		{"max node visits reached", models.SeverityLogic},
		{"something odd happened", models.SeverityLogic},
		{"sqlite: database disk image is malformed", models.SeverityCatastrophic},
		{"write failed: no space left on device", models.SeverityCatastrophic},
		// Earlier tables win when several match
		{"timeout while checking credentials", models.SeverityConfiguration},
		{"data corruption after timeout", models.SeverityCatastrophic},
	}

	for _, tt := range tests {
		t.Run(tt.err, func(t *testing.T) {
			sig := models.NewFailureSignal("s", models.SignalExecutionFailed, "g", tt.err, nil)
			if got := Classify(sig); got != tt.want {
				t.Errorf("Classify(%q) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestClassify_UsesErrorType(t *testing.T) {
	sig := models.NewFailureSignal("s", models.SignalExecutionFailed, "g", "step 4 failed",
		map[string]interface{}{"error_type": "RateLimitError"})
	if got := Classify(sig); got != models.SeverityTransient {
		t.Errorf("Classify() = %s, want transient", got)
	}
}

func TestClassify_Deterministic(t *testing.T) {
	sig := models.NewFailureSignal("s", models.SignalExecutionFailed, "g", "permission denied: timeout", nil)
	first := Classify(sig)
	for i := 0; i < 50; i++ {
		if got := Classify(sig); got != first {
			t.Fatalf("Classify changed from %s to %s", first, got)
		}
	}
}

func TestDefaultPolicy(t *testing.T) {
	tests := []struct {
		severity models.SeverityClass
		presence models.PresenceState
		want     Action
	}{
		{models.SeverityCatastrophic, models.PresencePresent, ActionEscalateAndUnload},
		{models.SeverityCatastrophic, models.PresenceNeverSeen, ActionEscalateAndUnload},
		{models.SeverityTransient, models.PresencePresent, ActionAskUser},
		{models.SeverityLogic, models.PresencePresent, ActionAskUser},
		{models.SeverityTransient, models.PresenceIdle, ActionRestart},
		{models.SeverityTransient, models.PresenceAway, ActionRestart},
		{models.SeverityConfiguration, models.PresenceIdle, ActionHoldForOperator},
		{models.SeverityConfiguration, models.PresenceAway, ActionHoldForOperator},
		{models.SeverityLogic, models.PresenceAway, ActionRepair},
		{models.SeverityLogic, models.PresenceNeverSeen, ActionRepair},
	}

	for _, tt := range tests {
		t.Run(string(tt.severity)+"/"+string(tt.presence), func(t *testing.T) {
			got := DefaultPolicy(tt.severity, tt.presence, SignalContext{Available: capability.NewAvailableSet()})
			if got != tt.want {
				t.Errorf("DefaultPolicy() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestDefaultSearchQuery(t *testing.T) {
	tests := []struct {
		err         string
		wantPattern string
	}{
		{`KeyError: 'result'`, "result"},
		{"AttributeError: 'NoneType' object has no attribute `summary`", "NoneType"},
		{"name \"cfg.model\" is not defined", `cfg\.model`},
		{"plain failure", ""},
	}
	for _, tt := range tests {
		t.Run(tt.err, func(t *testing.T) {
			sig := models.NewFailureSignal("s", models.SignalExecutionFailed, "g", tt.err, nil)
			if got, _ := defaultSearchQuery(sig); got != tt.wantPattern {
				t.Errorf("defaultSearchQuery() = %q, want %q", got, tt.wantPattern)
			}
		})
	}
}

func TestShortError(t *testing.T) {
	if got := shortError("first line\nsecond"); got != "first line" {
		t.Errorf("shortError() = %q", got)
	}
	if got := shortError("  "); got != "unknown error" {
		t.Errorf("shortError() = %q", got)
	}
}
