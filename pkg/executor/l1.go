package executor

import (
	"context"
	"log/slog"
	"time"

	"github.com/detectforge/runbookpilot/pkg/actions"
	"github.com/detectforge/runbookpilot/pkg/impact"
	"github.com/detectforge/runbookpilot/pkg/models"
	"github.com/detectforge/runbookpilot/pkg/scheduler"
	"github.com/detectforge/runbookpilot/pkg/template"
)

// L1 is the semi-automated executor: read actions dispatch directly, write
// actions pass through the approval callback first.
type L1 struct {
	scheduler *scheduler.Scheduler
	assessor  *impact.Assessor
	approve   ApprovalFunc
}

// NewL1 creates the semi-automated executor. A nil approval callback
// denies every write.
func NewL1(s *scheduler.Scheduler, approve ApprovalFunc) *L1 {
	return &L1{scheduler: s, assessor: impact.NewAssessor(), approve: approve}
}

// approvalRequired reports whether the step needs analyst approval. Writes
// require approval unless the step explicitly opts out.
func approvalRequired(step *models.RunbookStep) bool {
	if step.ApprovalRequired != nil {
		return *step.ApprovalRequired
	}
	return actions.IsWrite(step.Action)
}

// Execute walks the step graph, gating writes behind approval. Denials
// and failures honour the step's on_error policy.
func (e *L1) Execute(ctx context.Context, run *Run) *Outcome {
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

		if approvalRequired(step) {
			params, _ := template.ResolveParams(step.Parameters, run.Ctx)
			prompt := ApprovalPrompt{
				Step:       step,
				Parameters: params,
				Impact:     e.assessor.AssessStep(step, params),
			}
			if e.approve == nil || !e.approve(ctx, prompt) {
				outcome.record(run, deniedResult(step), false)
				if step.EffectiveOnError() == models.OnErrorHalt {
					slog.Info("Approval denied on halt policy, stopping execution",
						"runbook_id", run.Runbook.ID, "step_id", step.ID)
					outcome.Halted = true
					break
				}
				continue
			}
		}

		stepOutcome := e.scheduler.ExecuteStep(ctx, step, run.Ctx, models.ModeProduction)
		outcome.record(run, stepOutcome.Result, stepOutcome.Result.Success)

		if stepOutcome.Result.Success {
			run.Ctx.SetStepOutput(step.ID, stepOutcome.Result.Output)
			continue
		}
		if !stepOutcome.ShouldContinue {
			outcome.Halted = true
			break
		}
	}
	return outcome
}

func deniedResult(step *models.RunbookStep) models.StepResult {
	now := time.Now()
	return models.StepResult{
		StepID:      step.ID,
		StepName:    step.Name,
		Action:      step.Action,
		Success:     false,
		StartedAt:   now,
		CompletedAt: now,
		Error: models.NewEngineError(models.ErrCodeApprovalDenied,
			"approval denied for action %q on step %q", step.Action, step.ID),
	}
}
