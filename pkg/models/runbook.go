package models

// AutomationLevel selects the tier executor for a runbook.
type AutomationLevel string

// Automation levels.
const (
	AutomationL0 AutomationLevel = "L0" // display-only, analyst confirmation
	AutomationL1 AutomationLevel = "L1" // semi-automated, approval-gated writes
	AutomationL2 AutomationLevel = "L2" // simulation, no mutation
)

// OnErrorPolicy controls chain behaviour after a step failure.
type OnErrorPolicy string

// On-error policies.
const (
	OnErrorHalt     OnErrorPolicy = "halt"
	OnErrorContinue OnErrorPolicy = "continue"
	OnErrorSkip     OnErrorPolicy = "skip"
)

// ExecutionMode is passed through to adapters on every dispatch.
type ExecutionMode string

// Execution modes.
const (
	ModeProduction ExecutionMode = "production"
	ModeSimulation ExecutionMode = "simulation"
	ModeDryRun     ExecutionMode = "dry-run"
)

// Runbook is a declarative step graph executed in response to an alert.
// Immutable once loaded into the registry.
type Runbook struct {
	ID       string         `yaml:"id" json:"id"`
	Version  string         `yaml:"version" json:"version"`
	Metadata map[string]any `yaml:"metadata,omitempty" json:"metadata,omitempty"`
	Triggers []TriggerSpec  `yaml:"triggers,omitempty" json:"triggers,omitempty"`
	Config   RunbookConfig  `yaml:"config" json:"config"`
	Steps    []RunbookStep  `yaml:"steps" json:"steps"`
}

// Name returns metadata.name when present, falling back to the runbook id.
func (r *Runbook) Name() string {
	if n, ok := r.Metadata["name"].(string); ok && n != "" {
		return n
	}
	return r.ID
}

// Step returns the step with the given id, or nil.
func (r *Runbook) Step(id string) *RunbookStep {
	for i := range r.Steps {
		if r.Steps[i].ID == id {
			return &r.Steps[i]
		}
	}
	return nil
}

// RunbookConfig carries runbook-level execution settings.
type RunbookConfig struct {
	AutomationLevel  AutomationLevel `yaml:"automation_level" json:"automation_level"`
	MaxExecutionTime int             `yaml:"max_execution_time,omitempty" json:"max_execution_time,omitempty"` // seconds; 0 = no runbook-level timeout
	RequiresApproval bool            `yaml:"requires_approval,omitempty" json:"requires_approval,omitempty"`   // L2 only: gate before execution
	RollbackOnFail   *bool           `yaml:"rollback_on_failure,omitempty" json:"rollback_on_failure,omitempty"`
}

// RollbackOnFailure reports the effective rollback_on_failure setting
// (defaults to true when unset).
func (c RunbookConfig) RollbackOnFailure() bool {
	if c.RollbackOnFail == nil {
		return true
	}
	return *c.RollbackOnFail
}

// RunbookStep is one action bound to one adapter.
type RunbookStep struct {
	ID               string         `yaml:"id" json:"id"`
	Name             string         `yaml:"name" json:"name"`
	Action           string         `yaml:"action" json:"action"`
	Executor         string         `yaml:"executor" json:"executor"`
	Parameters       map[string]any `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	DependsOn        []string       `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Condition        string         `yaml:"condition,omitempty" json:"condition,omitempty"`
	OnError          OnErrorPolicy  `yaml:"on_error,omitempty" json:"on_error,omitempty"`
	Timeout          int            `yaml:"timeout,omitempty" json:"timeout,omitempty"` // seconds
	ApprovalRequired *bool          `yaml:"approval_required,omitempty" json:"approval_required,omitempty"`
	Rollback         *RollbackSpec  `yaml:"rollback,omitempty" json:"rollback,omitempty"`
}

// EffectiveOnError returns the step's on_error policy, defaulting to halt.
func (s *RunbookStep) EffectiveOnError() OnErrorPolicy {
	if s.OnError == "" {
		return OnErrorHalt
	}
	return s.OnError
}

// RollbackSpec declares the compensating action for a step.
type RollbackSpec struct {
	Action     string         `yaml:"action" json:"action"`
	Executor   string         `yaml:"executor,omitempty" json:"executor,omitempty"` // defaults to the step's executor
	Parameters map[string]any `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	Timeout    int            `yaml:"timeout,omitempty" json:"timeout,omitempty"` // seconds
}

// TriggerSpec filters which alerts activate a runbook.
type TriggerSpec struct {
	DetectionSources []string       `yaml:"detection_sources,omitempty" json:"detection_sources,omitempty"`
	MitreTechniques  []string       `yaml:"mitre_techniques,omitempty" json:"mitre_techniques,omitempty"`
	Platforms        []string       `yaml:"platforms,omitempty" json:"platforms,omitempty"`
	Severity         []string       `yaml:"severity,omitempty" json:"severity,omitempty"`
	Expression       map[string]any `yaml:"expression,omitempty" json:"expression,omitempty"`
}
