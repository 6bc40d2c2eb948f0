package guardian

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/psantana5/agent-guardian/pkg/capability"
	"github.com/psantana5/agent-guardian/pkg/models"
)

// writeEscalation records why a run gave up. The file goes through write_file when
// that capability is available; the store copy is written regardless. Failures are
// logged and never block the run from resolving.
func (e *Engine) writeEscalation(ctx context.Context, rc *runContext, reason string) *models.EscalationRecord {
	ctx = context.WithoutCancel(ctx)
	run := rc.run

	rec := &models.EscalationRecord{
		ID:          uuid.New().String(),
		RunID:       run.ID,
		SignalID:    run.SignalID,
		WorkloadID:  run.WorkloadID,
		Severity:    run.Severity,
		Presence:    run.Presence,
		Reason:      reason,
		Error:       run.Error,
		Actions:     append([]string(nil), rc.actions...),
		Diagnostics: e.diagnostics(ctx),
		CreatedAt:   time.Now(),
	}
	if snapshot := rc.sig.Snapshot(); len(snapshot) > 0 {
		rec.Diagnostics["execution_context"] = snapshot
	}

	if rc.set.Has(capability.WriteFile) {
		body, err := json.MarshalIndent(rec, "", "  ")
		if err == nil {
			name := fmt.Sprintf("%s-%s-%s.json", rec.CreatedAt.UTC().Format("20060102T150405Z"), run.WorkloadID, run.ID[:8])
			out, err := invoke[capability.WriteFileInput, capability.WriteFileOutput](ctx, e, rc, capability.WriteFile,
				capability.WriteFileInput{Path: path.Join(e.escalationDir, name), Content: string(body) + "\n"})
			if err != nil {
				e.logger.Error("Failed to write escalation file", map[string]interface{}{
					"run_id": run.ID,
					"error":  err,
				})
			} else {
				rec.Path = out.Path
			}
		}
	}

	if err := e.store.CreateEscalation(rec); err != nil {
		e.logger.Error("Failed to store escalation record", map[string]interface{}{
			"run_id": run.ID,
			"error":  err,
		})
	}
	e.metrics.EscalationWritten(string(run.Severity))
	e.logger.Warn("Escalation recorded", map[string]interface{}{
		"run_id":      run.ID,
		"workload_id": run.WorkloadID,
		"severity":    string(run.Severity),
		"reason":      reason,
		"path":        rec.Path,
	})
	return rec
}

// queueNotification defers a message to the operator's return
func (e *Engine) queueNotification(rc *runContext, message string) {
	if _, err := e.notifier.Queue(rc.run, message); err != nil {
		e.logger.Error("Failed to queue notification", map[string]interface{}{
			"run_id": rc.run.ID,
			"error":  err,
		})
	}
}
