package api

import (
	"github.com/detectforge/runbookpilot/pkg/audit"
	"github.com/detectforge/runbookpilot/pkg/models"
	"github.com/detectforge/runbookpilot/pkg/services"
	"github.com/detectforge/runbookpilot/pkg/trigger"
)

// AlertResponse acknowledges an accepted alert submission.
type AlertResponse struct {
	ExecutionID string          `json:"execution_id"`
	RunbookID   string          `json:"runbook_id"`
	Mode        string          `json:"mode"`
	Status      string          `json:"status"`
	Trigger     *trigger.Result `json:"trigger,omitempty"`
}

// ExecutionResponse pairs the execution record with its step results.
type ExecutionResponse struct {
	Execution *services.ExecutionRecord `json:"execution"`
	Steps     []models.StepResult       `json:"steps"`
}

// AuditResponse carries the audit chain and an optional verification.
type AuditResponse struct {
	ExecutionID  string              `json:"execution_id"`
	Entries      []models.AuditEntry `json:"entries"`
	Verification *audit.VerifyResult `json:"verification,omitempty"`
}
