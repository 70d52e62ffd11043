// Package scheduler executes individual runbook steps: parameter
// resolution, adapter dispatch with a per-step timeout race, condition
// guards, and dependency-ordered execution across the runbook.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/detectforge/runbookpilot/pkg/adapter"
	"github.com/detectforge/runbookpilot/pkg/models"
	"github.com/detectforge/runbookpilot/pkg/template"
)

const defaultStepTimeout = 60 * time.Second

// StepOutcome is the result of one ExecuteStep call.
type StepOutcome struct {
	Result         models.StepResult
	Params         map[string]any // resolved parameters used for the dispatch
	Unresolved     []string       // template paths that failed to resolve
	ShouldContinue bool
	HasRollback    bool
}

// Scheduler dispatches steps through the adapter registry.
type Scheduler struct {
	adapters *adapter.Registry
}

// New creates a scheduler over the given adapter registry.
func New(adapters *adapter.Registry) *Scheduler {
	return &Scheduler{adapters: adapters}
}

// ExecuteStep resolves the step's parameters, looks up its adapter, and
// dispatches the action racing a timer of step.timeout seconds. Failures
// surface in the StepResult; ShouldContinue reflects the on_error policy.
func (s *Scheduler) ExecuteStep(ctx context.Context, step *models.RunbookStep, tctx *template.Context, mode models.ExecutionMode) *StepOutcome {
	started := time.Now()
	params, unresolved := template.ResolveParams(step.Parameters, tctx)

	outcome := &StepOutcome{
		Params:      params,
		Unresolved:  unresolved,
		HasRollback: step.Rollback != nil,
	}

	a, ok := s.adapters.Resolve(step.Executor)
	if !ok {
		outcome.Result = failedResult(step, started, models.NewEngineError(
			models.ErrCodeAdapterNotFound, "adapter %q not found", step.Executor))
		outcome.ShouldContinue = continueOnError(step)
		return outcome
	}

	timeout := defaultStepTimeout
	if step.Timeout > 0 {
		timeout = time.Duration(step.Timeout) * time.Second
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type dispatched struct {
		result *adapter.Result
		err    error
	}
	ch := make(chan dispatched, 1)
	go func() {
		result, err := a.Execute(stepCtx, step.Action, params, mode)
		ch <- dispatched{result: result, err: err}
	}()

	select {
	case <-stepCtx.Done():
		if stepCtx.Err() == context.DeadlineExceeded {
			outcome.Result = failedResult(step, started, models.NewEngineError(
				models.ErrCodeStepTimeout, "step %q timed out after %s", step.ID, timeout))
		} else {
			outcome.Result = failedResult(step, started, models.NewEngineError(
				models.ErrCodeStepExecutionError, "step %q aborted: %v", step.ID, stepCtx.Err()))
		}
		outcome.ShouldContinue = continueOnError(step)
		return outcome

	case d := <-ch:
		if d.err != nil {
			outcome.Result = failedResult(step, started, models.NewEngineError(
				models.ErrCodeStepExecutionError, "adapter %q errored on %q: %v", step.Executor, step.Action, d.err))
			outcome.ShouldContinue = continueOnError(step)
			return outcome
		}
		if d.result == nil || !d.result.Success {
			engErr := models.NewEngineError(models.ErrCodeStepExecutionFailed,
				"action %q failed on adapter %q", step.Action, step.Executor)
			if d.result != nil && d.result.Error != nil {
				engErr.WithDetails(map[string]any{"adapterError": d.result.Error})
			}
			outcome.Result = failedResult(step, started, engErr)
			outcome.ShouldContinue = continueOnError(step)
			return outcome
		}

		completed := time.Now()
		outcome.Result = models.StepResult{
			StepID:      step.ID,
			StepName:    step.Name,
			Action:      step.Action,
			Success:     true,
			StartedAt:   started,
			CompletedAt: completed,
			DurationMs:  completed.Sub(started).Milliseconds(),
			Output:      d.result.Output,
		}
		outcome.ShouldContinue = true
		return outcome
	}
}

// SkippedResult builds the success result for a step that never dispatches.
func SkippedResult(step *models.RunbookStep, reason string) models.StepResult {
	now := time.Now()
	return models.StepResult{
		StepID:      step.ID,
		StepName:    step.Name,
		Action:      step.Action,
		Success:     true,
		StartedAt:   now,
		CompletedAt: now,
		Output:      map[string]any{"skipped": true, "reason": reason},
	}
}

// DependenciesMet reports whether every depends_on id has a completed
// (possibly skipped) result.
func DependenciesMet(step *models.RunbookStep, completed []string) bool {
	for _, dep := range step.DependsOn {
		found := false
		for _, id := range completed {
			if id == dep {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func failedResult(step *models.RunbookStep, started time.Time, err *models.EngineError) models.StepResult {
	completed := time.Now()
	return models.StepResult{
		StepID:      step.ID,
		StepName:    step.Name,
		Action:      step.Action,
		Success:     false,
		StartedAt:   started,
		CompletedAt: completed,
		DurationMs:  completed.Sub(started).Milliseconds(),
		Error:       err,
	}
}

func continueOnError(step *models.RunbookStep) bool {
	switch step.EffectiveOnError() {
	case models.OnErrorContinue, models.OnErrorSkip:
		return true
	default:
		return false
	}
}

// TopologicalOrder returns the step ids in post-order topological walk over
// depends_on: dependencies always precede dependents, ties broken by
// declaration order. Returns an error on cycles or unknown dependencies.
func TopologicalOrder(steps []models.RunbookStep) ([]string, error) {
	byID := make(map[string]*models.RunbookStep, len(steps))
	for i := range steps {
		if _, dup := byID[steps[i].ID]; dup {
			return nil, fmt.Errorf("duplicate step id %q", steps[i].ID)
		}
		byID[steps[i].ID] = &steps[i]
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(steps))
	order := make([]string, 0, len(steps))

	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("dependency cycle involving step %q", id)
		}
		step, ok := byID[id]
		if !ok {
			return fmt.Errorf("unknown dependency %q", id)
		}
		state[id] = visiting
		for _, dep := range step.DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[id] = done
		order = append(order, id)
		return nil
	}

	for i := range steps {
		if err := visit(steps[i].ID); err != nil {
			return nil, err
		}
	}
	return order, nil
}
