// Package rollback compensates completed write steps after a failed
// execution. Rollbacks run in reverse completion order and are best
// effort: a failing compensation is recorded and the pass moves on.
package rollback

import (
	"context"
	"log/slog"
	"time"

	"github.com/detectforge/runbookpilot/pkg/models"
	"github.com/detectforge/runbookpilot/pkg/scheduler"
	"github.com/detectforge/runbookpilot/pkg/template"
)

// Engine executes rollback plans through the step scheduler.
type Engine struct {
	scheduler *scheduler.Scheduler
}

// New creates a rollback engine.
func New(s *scheduler.Scheduler) *Engine {
	return &Engine{scheduler: s}
}

// Execute rolls back every completed step that declares a rollback clause,
// newest first. Skipped and failed steps are not compensated. The returned
// result is successful only when every attempted compensation succeeded.
func (e *Engine) Execute(ctx context.Context, runbook *models.Runbook, completed []models.StepResult, tctx *template.Context) *models.RollbackResult {
	started := time.Now()
	result := &models.RollbackResult{Success: true}

	for i := len(completed) - 1; i >= 0; i-- {
		stepResult := completed[i]
		if !stepResult.Success || stepResult.Skipped() {
			continue
		}
		step := runbook.Step(stepResult.StepID)
		if step == nil || step.Rollback == nil {
			continue
		}

		result.TotalAttempted++
		rollbackResult := e.rollbackStep(ctx, step, tctx)
		result.StepsRolledBack = append(result.StepsRolledBack, rollbackResult)

		if rollbackResult.Success {
			result.TotalSucceeded++
		} else {
			result.TotalFailed++
			result.Success = false
			slog.Error("Rollback step failed",
				"runbook_id", runbook.ID,
				"step_id", step.ID,
				"rollback_action", step.Rollback.Action,
				"error", rollbackResult.Error)
		}
	}

	result.DurationMs = time.Since(started).Milliseconds()
	return result
}

// rollbackStep dispatches one compensating action as a synthetic step so it
// gets the same parameter resolution and timeout handling as forward steps.
func (e *Engine) rollbackStep(ctx context.Context, step *models.RunbookStep, tctx *template.Context) models.StepResult {
	spec := step.Rollback

	executor := spec.Executor
	if executor == "" {
		executor = step.Executor
	}
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = step.Timeout
	}

	synthetic := &models.RunbookStep{
		ID:         "rollback:" + step.ID,
		Name:       "Rollback " + step.Name,
		Action:     spec.Action,
		Executor:   executor,
		Parameters: spec.Parameters,
		Timeout:    timeout,
		OnError:    models.OnErrorContinue,
	}

	outcome := e.scheduler.ExecuteStep(ctx, synthetic, tctx, models.ModeProduction)
	if outcome.Result.Error != nil {
		cause := outcome.Result.Error
		outcome.Result.Error = models.NewEngineError(models.ErrCodeRollbackFail,
			"rollback of step %q failed: %s", step.ID, cause.Message).
			WithDetails(map[string]any{"cause": cause})
	}
	return outcome.Result
}

// Plan builds the reverse-order compensation plan for the given steps
// without dispatching anything. Used by L2 simulation reports.
func Plan(runbook *models.Runbook, stepIDs []string, tctx *template.Context) *models.RollbackPlan {
	plan := &models.RollbackPlan{}

	for i := len(stepIDs) - 1; i >= 0; i-- {
		step := runbook.Step(stepIDs[i])
		if step == nil || step.Rollback == nil {
			continue
		}
		spec := step.Rollback

		executor := spec.Executor
		if executor == "" {
			executor = step.Executor
		}
		timeout := spec.Timeout
		if timeout <= 0 {
			timeout = step.Timeout
		}
		if timeout <= 0 {
			timeout = 60
		}

		params, _ := template.ResolveParams(spec.Parameters, tctx)
		plan.Entries = append(plan.Entries, models.RollbackPlanEntry{
			StepID:     step.ID,
			StepName:   step.Name,
			Action:     spec.Action,
			Executor:   executor,
			Parameters: params,
			TimeoutSec: timeout,
		})
		plan.EstimatedDurationMs += int64(timeout) * 1000
	}
	return plan
}
