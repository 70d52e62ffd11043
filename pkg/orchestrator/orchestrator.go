// Package orchestrator drives one runbook execution end to end: state
// machine, enrichment, tier execution, rollback, audit trail, persistence,
// and metrics. Execute never returns an error; every failure mode lands in
// the ExecutionResult.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/detectforge/runbookpilot/pkg/adapter"
	"github.com/detectforge/runbookpilot/pkg/audit"
	"github.com/detectforge/runbookpilot/pkg/controller"
	"github.com/detectforge/runbookpilot/pkg/enrich"
	"github.com/detectforge/runbookpilot/pkg/executor"
	"github.com/detectforge/runbookpilot/pkg/metrics"
	"github.com/detectforge/runbookpilot/pkg/models"
	"github.com/detectforge/runbookpilot/pkg/rollback"
	"github.com/detectforge/runbookpilot/pkg/scheduler"
	"github.com/detectforge/runbookpilot/pkg/services"
	"github.com/detectforge/runbookpilot/pkg/statemachine"
	"github.com/detectforge/runbookpilot/pkg/template"
)

// Orchestrator composes the engine for runbook executions. All fields are
// process-wide; per-execution state lives in the run it creates.
type Orchestrator struct {
	adapters    *adapter.Registry
	scheduler   *scheduler.Scheduler
	rollback    *rollback.Engine
	enrichment  *enrich.Pipeline
	audit       *audit.Logger
	executions  *services.ExecutionService
	simulations *services.SimulationService
	controller  *controller.Controller
	metrics     *metrics.Metrics
	env         map[string]string
	l2Enabled   bool
}

// Config wires the orchestrator's collaborators. Audit, Executions, and
// Controller are required; the rest degrade gracefully when nil.
type Config struct {
	Adapters    *adapter.Registry
	Enrichment  *enrich.Pipeline
	Audit       *audit.Logger
	Executions  *services.ExecutionService
	Simulations *services.SimulationService
	Controller  *controller.Controller
	Metrics     *metrics.Metrics
	Env         map[string]string
	L2Enabled   bool
}

// New creates an orchestrator.
func New(cfg Config) *Orchestrator {
	s := scheduler.New(cfg.Adapters)
	return &Orchestrator{
		adapters:    cfg.Adapters,
		scheduler:   s,
		rollback:    rollback.New(s),
		enrichment:  cfg.Enrichment,
		audit:       cfg.Audit,
		executions:  cfg.Executions,
		simulations: cfg.Simulations,
		controller:  cfg.Controller,
		metrics:     cfg.Metrics,
		env:         cfg.Env,
		l2Enabled:   cfg.L2Enabled,
	}
}

// Options carries the per-execution knobs and callbacks.
type Options struct {
	// ExecutionID lets the caller pre-assign the id (API submissions hand
	// it back before the run finishes). Empty means a fresh UUID.
	ExecutionID string

	Mode      models.ExecutionMode
	Variables map[string]any
	Actor     string

	// Confirm is the L0 analyst-confirmation callback.
	Confirm executor.ConfirmFunc
	// Approve is the L1 per-step (and L2 pre-plan) approval callback.
	Approve executor.ApprovalFunc

	// OnStateChange and OnStepComplete observe progress. Both are wrapped
	// so a panicking callback cannot crash the execution.
	OnStateChange  func(from, to models.ExecutionState, event statemachine.Event)
	OnStepComplete func(result models.StepResult)
}

// run is the per-execution working state.
type run struct {
	id       string
	runbook  *models.Runbook
	alert    models.Alert
	opts     Options
	machine  *statemachine.Machine
	tctx     *template.Context
	started  time.Time
	tracked  bool
	outcome  *executor.Outcome
	rollback *models.RollbackResult
	err      *models.EngineError

	// auditErr is the first failed audit append. Once set, the run is
	// poisoned: the tier loop aborts and the execution settles failed, since
	// a run without a durable trail must not report success.
	auditErr *models.EngineError
}

// Execute drives the runbook against the alert to a terminal state. Any
// unexpected panic is converted into a failed result with
// ORCHESTRATION_ERROR; nothing propagates to the caller.
func (o *Orchestrator) Execute(ctx context.Context, runbook *models.Runbook, alert models.Alert, opts Options) (result *models.ExecutionResult) {
	if opts.Mode == "" {
		opts.Mode = models.ModeProduction
	}

	executionID := opts.ExecutionID
	if executionID == "" {
		executionID = uuid.New().String()
	}
	r := &run{
		id:      executionID,
		runbook: runbook,
		alert:   alert,
		opts:    opts,
		started: time.Now(),
	}
	r.machine = statemachine.New(r.id)

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Orchestration panicked", "execution_id", r.id, "panic", rec)
			result = o.finalize(ctx, r, models.NewEngineError(models.ErrCodeOrchestrationError,
				"orchestration panicked: %v", rec))
		}
	}()

	logger := slog.With("execution_id", r.id, "runbook_id", runbook.ID, "mode", opts.Mode)
	logger.Info("Execution starting", "automation_level", runbook.Config.AutomationLevel)

	o.wireStateMachine(r)
	o.buildTemplateContext(ctx, r)
	o.persistNewExecution(ctx, r)
	if err := o.recordAudit(ctx, r, models.AuditExecutionStarted, map[string]any{
		"runbook_id":       runbook.ID,
		"runbook_version":  runbook.Version,
		"automation_level": string(runbook.Config.AutomationLevel),
		"mode":             string(opts.Mode),
	}); err != nil {
		return o.finalize(ctx, r, r.auditErr)
	}

	// idle → validating
	_ = r.machine.Fire(statemachine.EventTrigger)

	order, err := o.validate(r)
	if err != nil {
		_ = r.machine.Fire(statemachine.EventValidationFailed)
		return o.finalize(ctx, r, models.NewEngineError(models.ErrCodeValidationFailed, "%s", err.Error()))
	}
	_ = r.machine.Fire(statemachine.EventValidationSuccess)

	if o.controller != nil {
		timeout := time.Duration(runbook.Config.MaxExecutionTime) * time.Second
		if err := o.controller.StartExecution(r.id, controller.Options{Timeout: timeout}); err != nil {
			return o.finalize(ctx, r, models.NewEngineError(models.ErrCodeOrchestrationError,
				"failed to track execution: %v", err))
		}
		r.tracked = true
	}

	// L2 plans can demand a gate before any simulation dispatch.
	if runbook.Config.AutomationLevel == models.AutomationL2 && runbook.Config.RequiresApproval {
		if !o.gateL2Plan(ctx, r) {
			_ = r.machine.Fire(statemachine.EventCancel)
			return o.finalize(ctx, r, models.NewEngineError(models.ErrCodeApprovalDenied,
				"simulation plan for runbook %q was not approved", runbook.ID))
		}
	} else {
		_ = r.machine.Fire(statemachine.EventPlanReady)
	}

	r.outcome = o.executeTier(ctx, r, order)
	if r.outcome.Err != nil {
		return o.finalize(ctx, r, r.outcome.Err)
	}
	if r.auditErr != nil {
		_ = r.machine.Fire(statemachine.EventStepFailed)
		return o.finalize(ctx, r, r.auditErr)
	}

	switch o.abortState(r) {
	case controller.StatusTimedOut:
		return o.finalize(ctx, r, models.NewEngineError(models.ErrCodeOrchestrationError,
			"execution exceeded max_execution_time"))
	case controller.StatusCancelled:
		_ = r.machine.Fire(statemachine.EventCancel)
		return o.finalize(ctx, r, nil)
	}

	failedStep := lastFailure(r.outcome.Results)
	if failedStep == nil {
		_ = r.machine.Fire(statemachine.EventAllStepsCompleted)
		return o.finalize(ctx, r, nil)
	}

	stepErr := failedStep.Error
	if stepErr == nil {
		stepErr = models.NewEngineError(models.ErrCodeStepExecutionFailed,
			"step %q failed", failedStep.StepID)
	}

	if o.shouldRollback(r) {
		o.runRollback(ctx, r)
	} else {
		_ = r.machine.Fire(statemachine.EventStepFailed)
	}
	return o.finalize(ctx, r, stepErr)
}

// wireStateMachine subscribes audit and caller callbacks to transitions.
func (o *Orchestrator) wireStateMachine(r *run) {
	ctx := context.Background()
	r.machine.Subscribe(func(from, to models.ExecutionState, event statemachine.Event) {
		_ = o.recordAudit(ctx, r, models.AuditStateChanged, map[string]any{
			"from": string(from), "to": string(to), "event": string(event),
		})
		if o.executions != nil && !to.IsTerminal() {
			if err := o.executions.UpdateState(ctx, r.id, to, nil, nil); err != nil {
				slog.Warn("Failed to persist state transition", "execution_id", r.id, "error", err)
			}
		}
		if r.opts.OnStateChange != nil {
			safeCall(func() { r.opts.OnStateChange(from, to, event) }, "onStateChange", r.id)
		}
	})
}

// buildTemplateContext runs enrichment and assembles the layered template
// context for the execution.
func (o *Orchestrator) buildTemplateContext(ctx context.Context, r *run) {
	alert := r.alert
	variables := map[string]any{
		"execution_id": r.id,
		"mode":         string(r.opts.Mode),
		"runbook_id":   r.runbook.ID,
	}
	for k, v := range r.opts.Variables {
		variables[k] = v
	}

	if o.enrichment != nil {
		enriched := o.enrichment.Run(ctx, alert)
		if len(enriched.EnrichedContext) > 0 {
			variables["enrichment"] = enriched.EnrichedContext
		}
	}

	r.tctx = template.NewContext(alert, variables, o.env)
}

// validate checks the runbook's structure before any dispatch.
func (o *Orchestrator) validate(r *run) ([]string, error) {
	if len(r.runbook.Steps) == 0 {
		return nil, fmt.Errorf("runbook %q has no steps", r.runbook.ID)
	}
	switch r.runbook.Config.AutomationLevel {
	case models.AutomationL0, models.AutomationL1, models.AutomationL2:
	default:
		return nil, fmt.Errorf("runbook %q has invalid automation level %q",
			r.runbook.ID, r.runbook.Config.AutomationLevel)
	}
	order, err := scheduler.TopologicalOrder(r.runbook.Steps)
	if err != nil {
		return nil, fmt.Errorf("runbook %q step graph invalid: %w", r.runbook.ID, err)
	}
	return order, nil
}

// gateL2Plan walks the awaiting_approval gate for simulation plans that
// require one. The approval callback decides for the whole plan.
func (o *Orchestrator) gateL2Plan(ctx context.Context, r *run) bool {
	_ = r.machine.Fire(statemachine.EventApprovalRequired)
	_ = o.recordAudit(ctx, r, models.AuditApprovalRequested, map[string]any{
		"scope": "simulation_plan", "runbook_id": r.runbook.ID,
	})

	approved := false
	if r.opts.Approve != nil {
		safeCall(func() {
			approved = r.opts.Approve(ctx, executor.ApprovalPrompt{})
		}, "approve", r.id)
	}

	if approved {
		_ = o.recordAudit(ctx, r, models.AuditApprovalGranted, map[string]any{"scope": "simulation_plan"})
		_ = r.machine.Fire(statemachine.EventApprovalGranted)
		return true
	}
	_ = o.recordAudit(ctx, r, models.AuditApprovalDenied, map[string]any{"scope": "simulation_plan"})
	return false
}

// executeTier selects and runs the tier executor for the runbook.
func (o *Orchestrator) executeTier(ctx context.Context, r *run, order []string) *executor.Outcome {
	run := &executor.Run{
		Runbook: r.runbook,
		Order:   order,
		Ctx:     r.tctx,
		ShouldAbort: func() bool {
			if r.auditErr != nil {
				return true
			}
			return o.controller != nil && o.controller.ShouldAbort(r.id)
		},
		OnStepStart: func(step *models.RunbookStep) {
			_ = o.recordAudit(ctx, r, models.AuditStepStarted, map[string]any{
				"step_id": step.ID, "action": step.Action, "executor": step.Executor,
			})
		},
		OnStepComplete: func(result models.StepResult) {
			o.observeStep(ctx, r, result)
		},
	}

	level := r.runbook.Config.AutomationLevel
	if level == models.AutomationL2 {
		_ = o.recordAudit(ctx, r, models.AuditSimulationStarted, map[string]any{"runbook_id": r.runbook.ID})
	}

	var outcome *executor.Outcome
	switch level {
	case models.AutomationL0:
		outcome = executor.NewL0(r.opts.Confirm).Execute(ctx, run)
	case models.AutomationL2:
		outcome = executor.NewL2(o.scheduler, o.adapters, o.l2Enabled).Execute(ctx, run)
	default:
		outcome = executor.NewL1(o.scheduler, r.opts.Approve).Execute(ctx, run)
	}

	if level == models.AutomationL2 {
		o.observeSimulation(ctx, r, outcome)
	}
	return outcome
}

// observeStep audits, persists, state-advances, and notifies one result.
func (o *Orchestrator) observeStep(ctx context.Context, r *run, result models.StepResult) {
	if result.Success {
		event := models.AuditStepCompleted
		if r.runbook.Config.AutomationLevel == models.AutomationL2 && !result.Skipped() {
			event = models.AuditStepSimulated
		}
		_ = o.recordAudit(ctx, r, event, map[string]any{
			"step_id": result.StepID, "action": result.Action,
			"duration_ms": result.DurationMs, "skipped": result.Skipped(),
		})
		_ = r.machine.Fire(statemachine.EventStepCompleted)
	} else {
		details := map[string]any{"step_id": result.StepID, "action": result.Action}
		if result.Error != nil {
			details["error_code"] = result.Error.Code
			details["error_message"] = result.Error.Message
		}
		_ = o.recordAudit(ctx, r, models.AuditStepFailed, details)
		if result.Error != nil && result.Error.Code == models.ErrCodeApprovalDenied {
			_ = o.recordAudit(ctx, r, models.AuditApprovalDenied, map[string]any{
				"step_id": result.StepID, "action": result.Action,
			})
		}
	}

	if o.executions != nil {
		if err := o.executions.RecordStepResult(ctx, r.id, result); err != nil {
			slog.Warn("Failed to persist step result", "execution_id", r.id,
				"step_id", result.StepID, "error", err)
		}
	}
	if r.opts.OnStepComplete != nil {
		safeCall(func() { r.opts.OnStepComplete(result) }, "onStepComplete", r.id)
	}
}

// observeSimulation persists the L2 report and audits the simulation verdict.
func (o *Orchestrator) observeSimulation(ctx context.Context, r *run, outcome *executor.Outcome) {
	if outcome.Err != nil {
		_ = o.recordAudit(ctx, r, models.AuditSimulationFailed, map[string]any{
			"error_code": outcome.Err.Code, "error_message": outcome.Err.Message,
		})
		return
	}
	report := outcome.Report
	if report == nil {
		return
	}
	report.ExecutionID = r.id

	if o.simulations != nil {
		if err := o.simulations.SaveReport(ctx, report); err != nil {
			slog.Warn("Failed to persist simulation report", "execution_id", r.id, "error", err)
		}
	}
	_ = o.recordAudit(ctx, r, models.AuditSimulationCompleted, map[string]any{
		"simulation_id":      report.SimulationID,
		"predicted_outcome":  string(report.PredictedOutcome),
		"overall_confidence": report.OverallConfidence,
		"overall_risk_score": report.OverallRiskScore,
	})
}

// shouldRollback decides whether the failed execution warrants a rollback
// pass: production writes only, rollback_on_failure enabled, and at least
// one successful step carrying a rollback clause.
func (o *Orchestrator) shouldRollback(r *run) bool {
	if r.opts.Mode != models.ModeProduction {
		return false
	}
	if r.runbook.Config.AutomationLevel != models.AutomationL1 {
		return false
	}
	if !r.runbook.Config.RollbackOnFailure() {
		return false
	}
	for _, result := range r.outcome.Results {
		if !result.Success || result.Skipped() {
			continue
		}
		step := r.runbook.Step(result.StepID)
		if step != nil && step.Rollback != nil {
			return true
		}
	}
	return false
}

// runRollback executes the rollback pass and fires the matching machine
// events and audit entries.
func (o *Orchestrator) runRollback(ctx context.Context, r *run) {
	if err := r.machine.StartRollback(); err != nil {
		slog.Warn("Could not enter rollback state", "execution_id", r.id, "error", err)
		_ = r.machine.Fire(statemachine.EventStepFailed)
		return
	}
	_ = o.recordAudit(ctx, r, models.AuditRollbackStarted, map[string]any{
		"completed_steps": len(r.outcome.Completed),
	})

	r.rollback = o.rollback.Execute(ctx, r.runbook, r.outcome.Results, r.tctx)
	for _, result := range r.rollback.StepsRolledBack {
		if o.executions != nil {
			if err := o.executions.RecordStepResult(ctx, r.id, result); err != nil {
				slog.Warn("Failed to persist rollback step", "execution_id", r.id,
					"step_id", result.StepID, "error", err)
			}
		}
	}

	if r.rollback.Success {
		_ = o.recordAudit(ctx, r, models.AuditRollbackCompleted, map[string]any{
			"attempted": r.rollback.TotalAttempted, "succeeded": r.rollback.TotalSucceeded,
		})
		_ = r.machine.Fire(statemachine.EventRollbackSuccess)
	} else {
		_ = o.recordAudit(ctx, r, models.AuditRollbackFailed, map[string]any{
			"attempted": r.rollback.TotalAttempted, "failed": r.rollback.TotalFailed,
		})
		_ = r.machine.Fire(statemachine.EventRollbackFailed)
	}
}

// abortState returns the controller status when the run was aborted
// mid-flight, or StatusRunning when the run may settle normally.
func (o *Orchestrator) abortState(r *run) controller.Status {
	if o.controller == nil || !r.tracked {
		return controller.StatusRunning
	}
	handle, err := o.controller.Get(r.id)
	if err != nil {
		return controller.StatusRunning
	}
	return handle.Status
}

// finalize settles the terminal state, persistence, controller handle,
// metrics, and the final audit entry, and assembles the ExecutionResult.
func (o *Orchestrator) finalize(ctx context.Context, r *run, execErr *models.EngineError) *models.ExecutionResult {
	if execErr == nil {
		execErr = r.auditErr
	}

	state := r.machine.State()
	if !state.IsTerminal() {
		// Unexpected exit (panic, audit poisoning, or validation path).
		if err := r.machine.Fire(statemachine.EventValidationFailed); err != nil {
			_ = r.machine.Fire(statemachine.EventStepFailed)
		}
		state = r.machine.State()
		if !state.IsTerminal() {
			state = models.StateFailed
		}
	}

	completed := time.Now()
	durationMs := completed.Sub(r.started).Milliseconds()

	// Append the terminal entry before the result is assembled so a failed
	// append still fails the run.
	event := models.AuditExecutionCompleted
	details := map[string]any{"state": string(state), "duration_ms": durationMs}
	if execErr != nil {
		event = models.AuditExecutionFailed
		details["error_code"] = execErr.Code
		details["error_message"] = execErr.Message
	}
	_ = o.recordAudit(ctx, r, event, details)
	if execErr == nil {
		execErr = r.auditErr
	}
	if r.auditErr != nil && state != models.StateCancelled {
		state = models.StateFailed
	}

	result := &models.ExecutionResult{
		ExecutionID: r.id,
		RunbookID:   r.runbook.ID,
		State:       state,
		Mode:        r.opts.Mode,
		Success:     execErr == nil && state == models.StateCompleted,
		Rollback:    r.rollback,
		Error:       execErr,
		StartedAt:   r.started,
		CompletedAt: completed,
		DurationMs:  durationMs,
	}
	if r.outcome != nil {
		result.StepsExecuted = r.outcome.Results
		result.Report = r.outcome.Report
	}

	if o.executions != nil {
		if err := o.executions.UpdateState(ctx, r.id, state, execErr, &completed); err != nil {
			slog.Warn("Failed to persist terminal state", "execution_id", r.id, "error", err)
		}
		if snapshot, err := o.snapshotContext(r, state); err == nil {
			if err := o.executions.SaveContext(ctx, r.id, snapshot); err != nil {
				slog.Warn("Failed to persist execution context", "execution_id", r.id, "error", err)
			}
		}
	}

	if o.controller != nil && r.tracked {
		o.settleController(r, state)
	}
	if o.metrics != nil {
		o.metrics.ObserveExecution(result)
	}

	slog.Info("Execution finished", "execution_id", r.id, "runbook_id", r.runbook.ID,
		"state", state, "success", result.Success, "duration_ms", result.DurationMs)
	return result
}

func (o *Orchestrator) settleController(r *run, state models.ExecutionState) {
	handle, err := o.controller.Get(r.id)
	if err != nil {
		return
	}
	if handle.Status == controller.StatusRunning {
		switch state {
		case models.StateCompleted:
			_ = o.controller.CompleteExecution(r.id)
		case models.StateCancelled:
			_ = o.controller.CancelExecution(r.id, "execution cancelled")
		default:
			_ = o.controller.FailExecution(r.id)
		}
	}
	o.controller.Remove(r.id)
}

func (o *Orchestrator) snapshotContext(r *run, state models.ExecutionState) ([]byte, error) {
	var completed []string
	if r.outcome != nil {
		completed = r.outcome.Completed
	}
	execCtx := &models.ExecutionContext{
		ExecutionID:    r.id,
		RunbookID:      r.runbook.ID,
		RunbookVersion: r.runbook.Version,
		Mode:           r.opts.Mode,
		StartedAt:      r.started,
		CompletedSteps: completed,
		Variables:      r.tctx.Vars,
		State:          state,
		Alert:          r.alert,
	}
	return execCtx.Snapshot()
}

// persistNewExecution creates the execution row before any transition.
func (o *Orchestrator) persistNewExecution(ctx context.Context, r *run) {
	if o.executions == nil {
		return
	}
	record := &services.ExecutionRecord{
		ExecutionID:     r.id,
		RunbookID:       r.runbook.ID,
		RunbookVersion:  r.runbook.Version,
		Mode:            string(r.opts.Mode),
		AutomationLevel: string(r.runbook.Config.AutomationLevel),
		State:           string(models.StateIdle),
		StartedAt:       r.started.UTC(),
	}
	if err := o.executions.CreateExecution(ctx, record); err != nil {
		slog.Warn("Failed to persist execution record", "execution_id", r.id, "error", err)
	}
}

// recordAudit appends one chain entry. A failed append is fatal to the
// execution: the first failure is latched on the run and the engine refuses
// to acknowledge further progress without a durable trail.
func (o *Orchestrator) recordAudit(ctx context.Context, r *run, eventType string, details map[string]any) error {
	if o.audit == nil {
		return nil
	}
	if _, err := o.audit.Record(ctx, r.id, r.runbook.ID, eventType, r.opts.Actor, details); err != nil {
		slog.Error("Failed to append audit entry", "execution_id", r.id,
			"event_type", eventType, "error", err)
		if r.auditErr == nil {
			r.auditErr = models.NewEngineError(models.ErrCodeOrchestrationError,
				"audit log append failed for %s: %v", eventType, err)
		}
		return r.auditErr
	}
	if o.metrics != nil {
		o.metrics.AuditEntriesTotal.Inc()
	}
	return nil
}

// lastFailure returns the last non-skipped failed step result, or nil when
// every step succeeded or was skipped.
func lastFailure(results []models.StepResult) *models.StepResult {
	for i := len(results) - 1; i >= 0; i-- {
		if !results[i].Success {
			return &results[i]
		}
	}
	return nil
}

// safeCall shields the engine from panicking user callbacks.
func safeCall(fn func(), name, executionID string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("User callback panicked", "callback", name,
				"execution_id", executionID, "panic", r)
		}
	}()
	fn()
}
