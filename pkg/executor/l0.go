package executor

import (
	"context"
	"log/slog"
	"time"

	"github.com/detectforge/runbookpilot/pkg/models"
	"github.com/detectforge/runbookpilot/pkg/scheduler"
	"github.com/detectforge/runbookpilot/pkg/template"
)

// L0 is the display-only executor. It resolves every step into a plan and
// walks the plan through an analyst-confirmation callback; no adapter is
// ever dispatched.
type L0 struct {
	confirm ConfirmFunc
}

// NewL0 creates the display-only executor. A nil confirm callback declines
// every step.
func NewL0(confirm ConfirmFunc) *L0 {
	return &L0{confirm: confirm}
}

// Execute walks the plan step by step. A declined confirmation fails the
// step; on a halt policy it also stops the walk.
func (e *L0) Execute(ctx context.Context, run *Run) *Outcome {
	outcome := &Outcome{}

	for _, stepID := range run.Order {
		if run.aborted() {
			break
		}
		step := run.Runbook.Step(stepID)
		if step == nil {
			continue
		}

		if reason, counts := guard(step, run, outcome.Completed); reason != "" {
			outcome.record(run, scheduler.SkippedResult(step, reason), counts)
			continue
		}

		run.stepStarted(step)
		started := time.Now()
		params, unresolved := template.ResolveParams(step.Parameters, run.Ctx)

		confirmed := e.confirm != nil && e.confirm(ctx, step, params)
		completed := time.Now()

		result := models.StepResult{
			StepID:      step.ID,
			StepName:    step.Name,
			Action:      step.Action,
			Success:     confirmed,
			StartedAt:   started,
			CompletedAt: completed,
			DurationMs:  completed.Sub(started).Milliseconds(),
			Output: map[string]any{
				"manual_confirmation": confirmed,
				"planned_action":      step.Action,
				"planned_executor":    step.Executor,
				"parameters":          params,
			},
		}
		if len(unresolved) > 0 {
			result.Output["unresolved_parameters"] = unresolved
		}
		outcome.record(run, result, confirmed)

		if !confirmed && step.EffectiveOnError() == models.OnErrorHalt {
			slog.Info("Analyst declined step on halt policy, stopping plan",
				"runbook_id", run.Runbook.ID, "step_id", step.ID)
			outcome.Halted = true
			break
		}
	}
	return outcome
}
