// Package executor implements the three automation-tier executors on top
// of the step scheduler: L0 walks the plan through analyst confirmations,
// L1 auto-executes reads and gates writes behind approval, and L2 runs
// the whole runbook in simulation mode and scores the outcome.
package executor

import (
	"context"

	"github.com/detectforge/runbookpilot/pkg/models"
	"github.com/detectforge/runbookpilot/pkg/scheduler"
	"github.com/detectforge/runbookpilot/pkg/template"
)

// Skip reasons shared by all tiers.
const (
	reasonDependenciesNotMet = "Dependencies not met"
	reasonConditionNotMet    = "Condition not met"
)

// ConfirmFunc is the L0 analyst-confirmation callback.
type ConfirmFunc func(ctx context.Context, step *models.RunbookStep, params map[string]any) bool

// ApprovalPrompt carries what an approval callback needs to decide.
type ApprovalPrompt struct {
	Step       *models.RunbookStep
	Parameters map[string]any
	Impact     *models.ImpactAssessment
}

// ApprovalFunc is the L1 write-approval callback. Returning false denies
// the step.
type ApprovalFunc func(ctx context.Context, prompt ApprovalPrompt) bool

// Run carries one execution through a tier executor.
type Run struct {
	Runbook *models.Runbook
	Order   []string // post-order topological step ids
	Ctx     *template.Context

	// ShouldAbort is polled between steps; nil means never abort.
	ShouldAbort func() bool

	// OnStepStart and OnStepComplete are invoked synchronously per step.
	// Either may be nil.
	OnStepStart    func(step *models.RunbookStep)
	OnStepComplete func(result models.StepResult)
}

func (r *Run) aborted() bool {
	return r.ShouldAbort != nil && r.ShouldAbort()
}

func (r *Run) stepStarted(step *models.RunbookStep) {
	if r.OnStepStart != nil {
		r.OnStepStart(step)
	}
}

func (r *Run) stepCompleted(result models.StepResult) {
	if r.OnStepComplete != nil {
		r.OnStepComplete(result)
	}
}

// Outcome is the tier-independent result of walking the step graph.
type Outcome struct {
	Results   []models.StepResult
	Completed []string // step ids usable as satisfied dependencies
	Halted    bool     // a halt-policy step stopped the walk
	Report    *models.SimulationReport
	Err       *models.EngineError
}

// record appends a step result. countsAsCompleted controls whether the
// step satisfies downstream depends_on clauses; a dependencies-not-met
// skip records a result without completing the step.
func (o *Outcome) record(run *Run, result models.StepResult, countsAsCompleted bool) {
	o.Results = append(o.Results, result)
	run.stepCompleted(result)
	if countsAsCompleted {
		o.Completed = append(o.Completed, result.StepID)
	}
}

// guard applies the shared pre-dispatch checks. It returns a skip reason
// when the step must not dispatch, and whether the skip still counts the
// step as a satisfied dependency.
func guard(step *models.RunbookStep, run *Run, completed []string) (reason string, countsAsCompleted bool) {
	if !scheduler.DependenciesMet(step, completed) {
		return reasonDependenciesNotMet, false
	}
	if !scheduler.EvaluateCondition(step.Condition, run.Ctx) {
		// A false condition is a deliberate no-op; dependents still run.
		return reasonConditionNotMet, true
	}
	return "", false
}
