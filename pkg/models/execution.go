package models

import (
	"encoding/json"
	"time"
)

// ExecutionState is one of the finite execution lifecycle states.
type ExecutionState string

// Execution lifecycle states.
const (
	StateIdle             ExecutionState = "idle"
	StateValidating       ExecutionState = "validating"
	StatePlanning         ExecutionState = "planning"
	StateAwaitingApproval ExecutionState = "awaiting_approval"
	StateExecuting        ExecutionState = "executing"
	StateRollingBack      ExecutionState = "rolling_back"
	StateCompleted        ExecutionState = "completed"
	StateFailed           ExecutionState = "failed"
	StateCancelled        ExecutionState = "cancelled"
)

// IsTerminal reports whether the state admits no further transitions.
func (s ExecutionState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// ExecutionContext is the per-execution state owned by one orchestrator run
// until a terminal state is reached. Snapshots round-trip through JSON.
type ExecutionContext struct {
	ExecutionID    string         `json:"execution_id"`
	RunbookID      string         `json:"runbook_id"`
	RunbookVersion string         `json:"runbook_version"`
	Mode           ExecutionMode  `json:"mode"`
	StartedAt      time.Time      `json:"started_at"`
	CurrentStep    string         `json:"current_step,omitempty"`
	CompletedSteps []string       `json:"completed_steps"`
	Variables      map[string]any `json:"variables,omitempty"`
	State          ExecutionState `json:"state"`
	Error          string         `json:"error,omitempty"`
	Alert          Alert          `json:"alert,omitempty"`
}

// Snapshot serialises the context to JSON.
func (c *ExecutionContext) Snapshot() ([]byte, error) {
	return json.Marshal(c)
}

// RestoreExecutionContext reconstructs a context from a JSON snapshot.
func RestoreExecutionContext(data []byte) (*ExecutionContext, error) {
	var ctx ExecutionContext
	if err := json.Unmarshal(data, &ctx); err != nil {
		return nil, err
	}
	return &ctx, nil
}

// StepResult records the outcome of a single step dispatch. Skipped steps
// carry Success=true and an output of {skipped: true, reason: ...}.
type StepResult struct {
	StepID      string         `json:"step_id"`
	StepName    string         `json:"step_name"`
	Action      string         `json:"action"`
	Success     bool           `json:"success"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
	DurationMs  int64          `json:"duration_ms"`
	Output      map[string]any `json:"output,omitempty"`
	Error       *EngineError   `json:"error,omitempty"`
}

// Skipped reports whether the result represents a skipped step.
func (r *StepResult) Skipped() bool {
	if r.Output == nil {
		return false
	}
	skipped, _ := r.Output["skipped"].(bool)
	return skipped
}

// ExecutionResult is the terminal outcome of one runbook execution.
type ExecutionResult struct {
	ExecutionID   string            `json:"execution_id"`
	RunbookID     string            `json:"runbook_id"`
	Success       bool              `json:"success"`
	State         ExecutionState    `json:"state"`
	Mode          ExecutionMode     `json:"mode"`
	StepsExecuted []StepResult      `json:"steps_executed"`
	Rollback      *RollbackResult   `json:"rollback,omitempty"`
	Report        *SimulationReport `json:"report,omitempty"`
	Error         *EngineError      `json:"error,omitempty"`
	StartedAt     time.Time         `json:"started_at"`
	CompletedAt   time.Time         `json:"completed_at"`
	DurationMs    int64             `json:"duration_ms"`
}

// RollbackResult aggregates a best-effort rollback pass.
type RollbackResult struct {
	Success         bool         `json:"success"`
	StepsRolledBack []StepResult `json:"steps_rolled_back"`
	TotalAttempted  int          `json:"total_attempted"`
	TotalSucceeded  int          `json:"total_succeeded"`
	TotalFailed     int          `json:"total_failed"`
	DurationMs      int64        `json:"duration_ms"`
}
