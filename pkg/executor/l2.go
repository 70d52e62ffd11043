package executor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/detectforge/runbookpilot/pkg/actions"
	"github.com/detectforge/runbookpilot/pkg/adapter"
	"github.com/detectforge/runbookpilot/pkg/impact"
	"github.com/detectforge/runbookpilot/pkg/models"
	"github.com/detectforge/runbookpilot/pkg/rollback"
	"github.com/detectforge/runbookpilot/pkg/scheduler"
	"github.com/detectforge/runbookpilot/pkg/template"
)

// L2 is the simulation executor. Every step dispatches in simulation mode,
// write steps are scored by the impact assessor and confidence scorer, and
// the whole run aggregates into a SimulationReport. Nothing mutates.
type L2 struct {
	scheduler *scheduler.Scheduler
	adapters  *adapter.Registry
	assessor  *impact.Assessor
	enabled   bool
}

// NewL2 creates the simulation executor. With enabled=false every run is
// rejected with L2_NOT_IMPLEMENTED.
func NewL2(s *scheduler.Scheduler, adapters *adapter.Registry, enabled bool) *L2 {
	return &L2{scheduler: s, adapters: adapters, assessor: impact.NewAssessor(), enabled: enabled}
}

// Execute simulates the runbook and attaches the report to the outcome.
func (e *L2) Execute(ctx context.Context, run *Run) *Outcome {
	outcome := &Outcome{}
	if !e.enabled {
		outcome.Err = models.NewEngineError(models.ErrCodeL2NotImplemented,
			"L2 simulation is disabled for this engine")
		return outcome
	}

	report := &models.SimulationReport{
		SimulationID: uuid.New().String(),
		RunbookID:    run.Runbook.ID,
		RunbookName:  run.Runbook.Name(),
		Timestamp:    time.Now().UTC(),
	}
	if v, ok := run.Ctx.Vars["execution_id"].(string); ok {
		report.ExecutionID = v
	}
	if v, ok := run.Ctx.Alert.Field("x-detectforge.confidence"); ok {
		report.DetectforgeConfidence, _ = v.(string)
	}
	if v, ok := run.Ctx.Alert.Field("x-detectforge.rule_id"); ok {
		report.DetectforgeRuleID, _ = v.(string)
	}

	var (
		assessments      []*models.ImpactAssessment
		confidences      []float64
		writeStepIDs     []string
		writeTotal       int
		writeFailed      int
		anyFailed        bool
		anyValidationBad bool
		assetSet         = map[string]struct{}{}
	)

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
			report.Steps = append(report.Steps, models.SimulatedStep{
				StepID:   step.ID,
				StepName: step.Name,
				Action:   step.Action,
				Executor: step.Executor,
				Skipped:  true,
			})
			continue
		}

		run.stepStarted(step)

		params, unresolved := template.ResolveParams(step.Parameters, run.Ctx)
		stepOutcome := e.scheduler.ExecuteStep(ctx, step, run.Ctx, models.ModeSimulation)
		outcome.record(run, stepOutcome.Result, stepOutcome.Result.Success)

		if stepOutcome.Result.Success {
			run.Ctx.SetStepOutput(step.ID, stepOutcome.Result.Output)
		}

		simStep := models.SimulatedStep{
			StepID:          step.ID,
			StepName:        step.Name,
			Action:          step.Action,
			Executor:        step.Executor,
			Parameters:      params,
			PredictedResult: stepOutcome.Result.Output,
			IsWriteAction:   actions.IsWrite(step.Action),
			Failed:          !stepOutcome.Result.Success,
			DurationMs:      stepOutcome.Result.DurationMs,
		}

		simStep.ValidationsPassed = len(unresolved) == 0 && stepOutcome.Result.Success
		for _, path := range unresolved {
			simStep.ValidationErrors = append(simStep.ValidationErrors,
				fmt.Sprintf("unresolved parameter template: %s", path))
		}
		if stepOutcome.Result.Error != nil {
			simStep.ValidationErrors = append(simStep.ValidationErrors, stepOutcome.Result.Error.Message)
			anyFailed = true
		}
		if !simStep.ValidationsPassed {
			anyValidationBad = true
		}

		e.attachRollback(&simStep, step, params)
		simStep.Confidence = e.stepConfidence(ctx, step, simStep, report.DetectforgeConfidence)
		confidences = append(confidences, simStep.Confidence)

		if simStep.IsWriteAction {
			writeTotal++
			if simStep.Failed {
				writeFailed++
			}
			writeStepIDs = append(writeStepIDs, step.ID)

			assessment := e.assessor.AssessStep(step, params)
			simStep.Impact = assessment
			simStep.SideEffects = append(simStep.SideEffects, assessment.Summary)
			assessments = append(assessments, assessment)
			for _, asset := range assessment.BlastRadius.Assets {
				assetSet[asset] = struct{}{}
			}
			if assessment.RiskLevel == models.RiskHigh || assessment.RiskLevel == models.RiskCritical {
				report.RisksIdentified = append(report.RisksIdentified, assessment.Summary)
			}
		}

		report.Steps = append(report.Steps, simStep)
		report.EstimatedDurationMs += simStep.DurationMs
	}

	report.OverallRiskScore = impact.OverallRisk(assessments)
	report.OverallRiskLevel = models.RiskLevelForScore(report.OverallRiskScore)
	report.OverallConfidence = impact.AggregateConfidence(confidences)
	report.PredictedOutcome = predictedOutcome(anyFailed, anyValidationBad, writeTotal, writeFailed)
	report.AffectedAssets = sortedSet(assetSet)
	if plan := rollback.Plan(run.Runbook, writeStepIDs, run.Ctx); len(plan.Entries) > 0 {
		report.RollbackPlan = plan
	}

	outcome.Report = report
	return outcome
}

// attachRollback records the compensating action: the step's explicit
// rollback clause when present, else the classifier's rollback pair reusing
// the step's own parameters.
func (e *L2) attachRollback(simStep *models.SimulatedStep, step *models.RunbookStep, params map[string]any) {
	if step.Rollback != nil {
		simStep.RollbackAction = step.Rollback.Action
		simStep.RollbackParameters = step.Rollback.Parameters
		return
	}
	if compensating, ok := actions.RollbackAction(step.Action); ok {
		simStep.RollbackAction = compensating
		simStep.RollbackParameters = params
	}
}

func (e *L2) stepConfidence(ctx context.Context, step *models.RunbookStep, simStep models.SimulatedStep, ruleConfidence string) float64 {
	input := impact.ConfidenceInput{
		ParameterValidation:   simStep.ValidationsPassed,
		RollbackAvailable:     simStep.RollbackAction != "",
		DetectforgeConfidence: ruleConfidence,
	}
	if a, ok := e.adapters.Resolve(step.Executor); ok {
		healthy := a.Healthy(ctx)
		input.AdapterHealth = &healthy
	}
	return impact.StepConfidence(input)
}

// predictedOutcome applies the aggregate verdict rule: SUCCESS when every
// non-skipped validation passed, FAILURE when something failed and no write
// survived, PARTIAL otherwise.
func predictedOutcome(anyFailed, anyValidationBad bool, writeTotal, writeFailed int) models.PredictedOutcome {
	if !anyValidationBad {
		return models.OutcomeSuccess
	}
	if anyFailed && writeTotal > 0 && writeFailed == writeTotal {
		return models.OutcomeFailure
	}
	return models.OutcomePartial
}

func sortedSet(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
