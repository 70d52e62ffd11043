package config

import (
	"fmt"

	"github.com/detectforge/runbookpilot/pkg/models"
	"github.com/detectforge/runbookpilot/pkg/scheduler"
)

// ValidateRunbook checks a parsed runbook before it enters the registry:
// required identity fields, enum values, step id uniqueness, dependency
// references, and an acyclic step graph.
func ValidateRunbook(rb *models.Runbook) error {
	if rb.ID == "" {
		return NewValidationError("runbook", "(unnamed)", "id", ErrMissingRequiredField)
	}
	if rb.Version == "" {
		return NewValidationError("runbook", rb.ID, "version", ErrMissingRequiredField)
	}

	switch rb.Config.AutomationLevel {
	case models.AutomationL0, models.AutomationL1, models.AutomationL2:
	case "":
		return NewValidationError("runbook", rb.ID, "config.automation_level", ErrMissingRequiredField)
	default:
		return NewValidationError("runbook", rb.ID, "config.automation_level",
			fmt.Errorf("%w: %q", ErrInvalidValue, rb.Config.AutomationLevel))
	}
	if rb.Config.MaxExecutionTime < 0 {
		return NewValidationError("runbook", rb.ID, "config.max_execution_time",
			fmt.Errorf("%w: must not be negative", ErrInvalidValue))
	}

	if len(rb.Steps) == 0 {
		return NewValidationError("runbook", rb.ID, "steps", ErrMissingRequiredField)
	}

	ids := make(map[string]struct{}, len(rb.Steps))
	for i := range rb.Steps {
		if err := validateStep(rb.ID, &rb.Steps[i], ids); err != nil {
			return err
		}
	}
	for i := range rb.Steps {
		for _, dep := range rb.Steps[i].DependsOn {
			if _, ok := ids[dep]; !ok {
				return NewValidationError("step", rb.Steps[i].ID, "depends_on",
					fmt.Errorf("%w: unknown step %q", ErrInvalidValue, dep))
			}
		}
	}

	if _, err := scheduler.TopologicalOrder(rb.Steps); err != nil {
		return NewValidationError("runbook", rb.ID, "steps", err)
	}
	return nil
}

func validateStep(runbookID string, step *models.RunbookStep, seen map[string]struct{}) error {
	if step.ID == "" {
		return NewValidationError("runbook", runbookID, "steps[].id", ErrMissingRequiredField)
	}
	if _, dup := seen[step.ID]; dup {
		return NewValidationError("step", step.ID, "id",
			fmt.Errorf("%w: duplicate step id", ErrInvalidValue))
	}
	seen[step.ID] = struct{}{}

	if step.Action == "" {
		return NewValidationError("step", step.ID, "action", ErrMissingRequiredField)
	}
	if step.Executor == "" {
		return NewValidationError("step", step.ID, "executor", ErrMissingRequiredField)
	}

	switch step.OnError {
	case "", models.OnErrorHalt, models.OnErrorContinue, models.OnErrorSkip:
	default:
		return NewValidationError("step", step.ID, "on_error",
			fmt.Errorf("%w: %q", ErrInvalidValue, step.OnError))
	}
	if step.Timeout < 0 {
		return NewValidationError("step", step.ID, "timeout",
			fmt.Errorf("%w: must not be negative", ErrInvalidValue))
	}
	if step.Rollback != nil && step.Rollback.Action == "" {
		return NewValidationError("step", step.ID, "rollback.action", ErrMissingRequiredField)
	}
	return nil
}
