package guardian

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/psantana5/agent-guardian/pkg/capability"
	"github.com/psantana5/agent-guardian/pkg/models"
	"github.com/psantana5/agent-guardian/pkg/operator"
	"github.com/psantana5/agent-guardian/pkg/retry"
)

const (
	maxSearchMatches = 20
	maxRepairFiles   = 5
)

// startAgain optionally reloads the workload, then starts it from the failed
// entry point with the original input
func (e *Engine) startAgain(ctx context.Context, rc *runContext, reload bool) (string, error) {
	target := rc.run.WorkloadID
	if reload {
		if _, err := invoke[capability.RestartAgentInput, capability.Empty](ctx, e, rc, capability.RestartAgent,
			capability.RestartAgentInput{WorkloadID: target}); err != nil {
			return "", err
		}
	}
	out, err := invoke[capability.StartAgentInput, capability.StartAgentOutput](ctx, e, rc, capability.StartAgent,
		capability.StartAgentInput{WorkloadID: target, EntryPoint: rc.sig.EntryPoint, Input: rc.sig.Input()})
	if err != nil {
		return "", err
	}
	return out.ExecutionID, nil
}

// restart reloads and starts the workload, retrying retryable errors
func (e *Engine) restart(ctx context.Context, rc *runContext) models.Resolution {
	cfg := e.retryConfig
	cfg.OnRetry = func(attempt int, err error, wait time.Duration) {
		e.logger.Warn("Restart attempt failed, retrying", map[string]interface{}{
			"run_id":  rc.run.ID,
			"attempt": attempt,
			"wait_ms": wait.Milliseconds(),
			"error":   err,
		})
	}

	attempts := 0
	err := retry.Do(ctx, cfg, func(attempt int) error {
		attempts = attempt
		_, err := e.startAgain(ctx, rc, true)
		return err
	})
	if err != nil {
		return e.fail(ctx, rc, err)
	}
	return models.NewResolution(models.FamilyAutoFixed, "restarted after %s (attempt %d)", shortError(rc.run.Error), attempts)
}

// repair gathers evidence from the workload source, applies the repairer's
// proposal and counts it as fixed only after a verified successful execution
func (e *Engine) repair(ctx context.Context, rc *runContext) models.Resolution {
	w, err := e.store.GetWorkload(rc.run.WorkloadID)
	if err != nil {
		return e.fail(ctx, rc, fmt.Errorf("workload source unknown: %w", err))
	}

	repairCtx := RepairContext{Signal: rc.sig, Workload: *w, Files: make(map[string]string)}

	pattern, glob := defaultSearchQuery(rc.sig)
	if inv, ok := e.repairer.(Investigator); ok {
		pattern, glob = inv.SearchQuery(rc.sig)
	}
	if pattern != "" {
		found, err := invoke[capability.SearchFilesInput, capability.SearchFilesOutput](ctx, e, rc, capability.SearchFiles,
			capability.SearchFilesInput{Root: w.SourceDir, Pattern: pattern, Glob: glob, MaxResults: maxSearchMatches})
		if err != nil && !errors.Is(err, capability.ErrUnavailable) {
			return e.fail(ctx, rc, err)
		}
		repairCtx.Matches = found.Matches
	}

	for _, p := range filesToRead(repairCtx.Matches) {
		out, err := invoke[capability.ReadFileInput, capability.ReadFileOutput](ctx, e, rc, capability.ReadFile,
			capability.ReadFileInput{Path: p})
		if err != nil {
			if errors.Is(err, capability.ErrUnavailable) {
				break
			}
			continue
		}
		repairCtx.Files[p] = out.Content
	}

	proposal, err := e.repairer.Propose(ctx, repairCtx)
	if err != nil {
		return e.fail(ctx, rc, err)
	}
	if proposal == nil {
		return e.fail(ctx, rc, ErrNoProposal)
	}
	rc.note("proposal: %s", proposal.Summary)

	if _, err := invoke[capability.EditFileInput, capability.EditFileOutput](ctx, e, rc, capability.EditFile,
		capability.EditFileInput{Path: proposal.Path, OldText: proposal.OldText, NewText: proposal.NewText}); err != nil {
		return e.fail(ctx, rc, err)
	}

	executionID, err := e.startAgain(ctx, rc, true)
	if err != nil {
		return e.fail(ctx, rc, err)
	}
	if err := e.verify(ctx, rc, executionID); err != nil {
		return e.fail(ctx, rc, err)
	}

	summary := proposal.Summary
	if summary == "" {
		summary = "patched " + proposal.Path
	}
	return models.NewResolution(models.FamilyAutoFixed, "%s, verified", summary)
}

// verify waits for the repaired execution to succeed
func (e *Engine) verify(ctx context.Context, rc *runContext, executionID string) error {
	if e.lifecycle == nil {
		return errors.New("verification failed: no lifecycle to observe the execution")
	}
	waitCtx, cancel := context.WithTimeout(ctx, e.verifyTimeout)
	defer cancel()

	if err := e.lifecycle.Wait(waitCtx, executionID); err != nil {
		rc.note("verify %s: %v", executionID, err)
		return fmt.Errorf("verification failed: %w", err)
	}
	rc.note("verify %s: ok", executionID)
	return nil
}

func filesToRead(matches []capability.SearchMatch) []string {
	seen := make(map[string]bool)
	var paths []string
	for _, m := range matches {
		if seen[m.Path] {
			continue
		}
		seen[m.Path] = true
		paths = append(paths, m.Path)
	}
	sort.Strings(paths)
	if len(paths) > maxRepairFiles {
		paths = paths[:maxRepairFiles]
	}
	return paths
}

// holdForOperator leaves the workload stopped with a record of why, so an
// operator can fix the configuration
func (e *Engine) holdForOperator(ctx context.Context, rc *runContext) models.Resolution {
	if e.lifecycle != nil {
		if err := e.lifecycle.Stop(ctx, rc.run.WorkloadID); err != nil {
			rc.note("stop: %v", err)
		} else {
			rc.note("stop: ok")
		}
	}

	reason := "configuration problem needs the operator: " + shortError(rc.run.Error)
	e.writeEscalation(ctx, rc, reason)
	if rc.run.Presence == models.PresenceIdle {
		e.queueNotification(rc, fmt.Sprintf("%s is held: %s", rc.run.WorkloadID, rc.run.Error))
	}
	return models.NewResolution(models.FamilyEscalated, "%s", shortError(rc.run.Error))
}

// escalateAndUnload writes a detailed record and removes the workload
func (e *Engine) escalateAndUnload(ctx context.Context, rc *runContext) models.Resolution {
	e.writeEscalation(ctx, rc, "catastrophic failure: "+shortError(rc.run.Error))

	unloaded := "unloaded"
	if _, err := invoke[capability.UnloadAgentInput, capability.Empty](context.WithoutCancel(ctx), e, rc, capability.UnloadAgent,
		capability.UnloadAgentInput{WorkloadID: rc.run.WorkloadID}); err != nil {
		e.logger.Error("Failed to unload workload after catastrophic failure", map[string]interface{}{
			"run_id":      rc.run.ID,
			"workload_id": rc.run.WorkloadID,
			"error":       err,
		})
		unloaded = "unload failed"
	}
	return models.NewResolution(models.FamilyEscalated, "%s, workload %s", shortError(rc.run.Error), unloaded)
}

// askUser puts concrete options in front of the operator and carries out the choice
func (e *Engine) askUser(ctx context.Context, rc *runContext) models.Resolution {
	run := rc.run
	prompt := operator.Prompt{
		RunID:      run.ID,
		WorkloadID: run.WorkloadID,
		Severity:   run.Severity,
		Error:      run.Error,
		Message: fmt.Sprintf("%s failed with a %s error: %s",
			run.WorkloadID, run.Severity, shortError(run.Error)),
		Options: operator.DefaultOptions(),
	}

	rc.active.asking.Store(true)
	e.metrics.PromptPosted()
	answer, err := e.desk.Ask(ctx, prompt)
	e.metrics.PromptClosed()
	rc.active.asking.Store(false)

	if err != nil {
		if errors.Is(err, ErrSelfResolved) {
			rc.note("prompt withdrawn: workload recovered")
			return models.NewResolution(models.FamilyAutoFixed, "%s", ErrSelfResolved.Error())
		}
		return e.fail(ctx, rc, fmt.Errorf("operator prompt abandoned: %w", err))
	}

	rc.note("operator chose %s", answer.Choice)
	e.logger.Info("Operator answered", map[string]interface{}{
		"run_id": run.ID,
		"choice": answer.Choice,
	})

	switch answer.Choice {
	case operator.OptionRetry:
		if _, err := e.startAgain(ctx, rc, false); err != nil {
			return e.fail(ctx, rc, err)
		}
		return models.NewResolution(models.FamilyUserResolved, "retried at operator request")
	case operator.OptionStop:
		if _, err := invoke[capability.UnloadAgentInput, capability.Empty](ctx, e, rc, capability.UnloadAgent,
			capability.UnloadAgentInput{WorkloadID: run.WorkloadID}); err != nil {
			return e.fail(ctx, rc, err)
		}
		return models.NewResolution(models.FamilyUserResolved, "workload unloaded at operator request")
	case operator.OptionHandled:
		if _, err := e.startAgain(ctx, rc, true); err != nil {
			return e.fail(ctx, rc, err)
		}
		detail := "operator fixed it"
		if answer.Note != "" {
			detail = answer.Note
		}
		return models.NewResolution(models.FamilyUserResolved, "%s", detail)
	default:
		return e.fail(ctx, rc, fmt.Errorf("%q: %w", answer.Choice, operator.ErrInvalidChoice))
	}
}

// shortError is the first line of msg, trimmed for resolutions and prompts
func shortError(msg string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(msg), "\n")
	const max = 120
	if len(line) > max {
		line = line[:max] + "..."
	}
	if line == "" {
		return "unknown error"
	}
	return line
}
