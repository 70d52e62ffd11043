package models

import "time"

// PredictedOutcome is the aggregate verdict of an L2 simulation.
type PredictedOutcome string

// Predicted outcomes.
const (
	OutcomeSuccess PredictedOutcome = "SUCCESS"
	OutcomePartial PredictedOutcome = "PARTIAL"
	OutcomeFailure PredictedOutcome = "FAILURE"
)

// RiskLevel buckets a numeric risk score: [1,3]=low, [4,6]=medium,
// [7,8]=high, [9,10]=critical.
type RiskLevel string

// Risk levels.
const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RiskLevelForScore maps a risk score onto its bucket.
func RiskLevelForScore(score int) RiskLevel {
	switch {
	case score >= 9:
		return RiskCritical
	case score >= 7:
		return RiskHigh
	case score >= 4:
		return RiskMedium
	default:
		return RiskLow
	}
}

// BlastRadius counts the assets a write action touches.
type BlastRadius struct {
	Hosts    int      `json:"hosts"`
	Users    int      `json:"users"`
	Services int      `json:"services"`
	Assets   []string `json:"assets,omitempty"`
}

// ImpactAssessment is the deterministic per-step risk verdict.
type ImpactAssessment struct {
	Action            string      `json:"action"`
	RiskScore         int         `json:"risk_score"` // 1..10
	RiskLevel         RiskLevel   `json:"risk_level"`
	Reversible        bool        `json:"reversible"`
	RollbackAvailable bool        `json:"rollback_available"`
	BlastRadius       BlastRadius `json:"blast_radius"`
	Dependencies      []string    `json:"dependencies,omitempty"`
	Summary           string      `json:"summary"`
}

// SimulatedStep is the per-step slice of an L2 simulation report.
type SimulatedStep struct {
	StepID             string            `json:"step_id"`
	StepName           string            `json:"step_name"`
	Action             string            `json:"action"`
	Executor           string            `json:"executor"`
	Parameters         map[string]any    `json:"parameters,omitempty"`
	PredictedResult    map[string]any    `json:"predicted_result,omitempty"`
	Confidence         float64           `json:"confidence"`
	SideEffects        []string          `json:"side_effects,omitempty"`
	RollbackAction     string            `json:"rollback_action,omitempty"`
	RollbackParameters map[string]any    `json:"rollback_parameters,omitempty"`
	ValidationsPassed  bool              `json:"validations_passed"`
	ValidationErrors   []string          `json:"validation_errors,omitempty"`
	IsWriteAction      bool              `json:"is_write_action"`
	Skipped            bool              `json:"skipped,omitempty"`
	Failed             bool              `json:"failed,omitempty"`
	DurationMs         int64             `json:"duration_ms"`
	Impact             *ImpactAssessment `json:"impact,omitempty"`
}

// RollbackPlanEntry is one reverse-order compensation in a simulation's
// rollback plan.
type RollbackPlanEntry struct {
	StepID     string         `json:"step_id"`
	StepName   string         `json:"step_name"`
	Action     string         `json:"action"`
	Executor   string         `json:"executor"`
	Parameters map[string]any `json:"parameters,omitempty"`
	TimeoutSec int            `json:"timeout_sec"`
}

// RollbackPlan is the reverse-order compensation plan for write steps that
// declare a rollback clause.
type RollbackPlan struct {
	Entries             []RollbackPlanEntry `json:"entries"`
	EstimatedDurationMs int64               `json:"estimated_duration_ms"`
}

// SimulationReport is the aggregate output of an L2 run.
type SimulationReport struct {
	SimulationID          string           `json:"simulation_id"`
	ExecutionID           string           `json:"execution_id"`
	RunbookID             string           `json:"runbook_id"`
	RunbookName           string           `json:"runbook_name"`
	Timestamp             time.Time        `json:"timestamp"`
	Steps                 []SimulatedStep  `json:"steps"`
	PredictedOutcome      PredictedOutcome `json:"predicted_outcome"`
	OverallConfidence     float64          `json:"overall_confidence"` // [0,1], two decimals
	OverallRiskScore      int              `json:"overall_risk_score"` // [1,10]
	OverallRiskLevel      RiskLevel        `json:"overall_risk_level"`
	EstimatedDurationMs   int64            `json:"estimated_duration_ms"`
	RisksIdentified       []string         `json:"risks_identified,omitempty"`
	AffectedAssets        []string         `json:"affected_assets,omitempty"`
	RollbackPlan          *RollbackPlan    `json:"rollback_plan,omitempty"`
	DetectforgeConfidence string           `json:"detectforge_confidence,omitempty"`
	DetectforgeRuleID     string           `json:"detectforge_rule_id,omitempty"`
}
