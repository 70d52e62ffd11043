package api

import "github.com/detectforge/runbookpilot/pkg/models"

// SubmitAlertRequest is the POST /api/v1/alerts body. RunbookID pins a
// runbook directly; when empty the trigger evaluator selects one.
type SubmitAlertRequest struct {
	Alert     models.Alert   `json:"alert" binding:"required"`
	RunbookID string         `json:"runbook_id,omitempty"`
	Mode      string         `json:"mode,omitempty"` // production (default) or simulation
	Variables map[string]any `json:"variables,omitempty"`
	Actor     string         `json:"actor,omitempty"`
}

// DecisionRequest is the body for approval decisions.
type DecisionRequest struct {
	ApprovedBy string `json:"approved_by" binding:"required"`
	Reason     string `json:"reason,omitempty"` // required for denials
}
