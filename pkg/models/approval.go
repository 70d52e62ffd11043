package models

import "time"

// ApprovalStatus is the lifecycle state of an approval request.
// pending → (approved | denied | expired); terminal states are final.
type ApprovalStatus string

// Approval statuses.
const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
	ApprovalExpired  ApprovalStatus = "expired"
)

// IsTerminal reports whether the status admits no further decisions.
func (s ApprovalStatus) IsTerminal() bool {
	return s != ApprovalPending
}

// ApprovalRequest is a persistent TTL-bounded analyst decision.
type ApprovalRequest struct {
	RequestID        string         `json:"request_id" db:"request_id"`
	ExecutionID      string         `json:"execution_id" db:"execution_id"`
	RunbookID        string         `json:"runbook_id" db:"runbook_id"`
	RunbookName      string         `json:"runbook_name" db:"runbook_name"`
	StepID           string         `json:"step_id" db:"step_id"`
	StepName         string         `json:"step_name" db:"step_name"`
	Action           string         `json:"action" db:"action"`
	Parameters       string         `json:"parameters" db:"parameters"`               // serialised JSON
	SimulationResult string         `json:"simulation_result" db:"simulation_result"` // serialised JSON
	Status           ApprovalStatus `json:"status" db:"status"`
	RequestedAt      time.Time      `json:"requested_at" db:"requested_at"`
	ExpiresAt        time.Time      `json:"expires_at" db:"expires_at"`
	ApprovedBy       *string        `json:"approved_by,omitempty" db:"approved_by"`
	ApprovedAt       *time.Time     `json:"approved_at,omitempty" db:"approved_at"`
	DenialReason     *string        `json:"denial_reason,omitempty" db:"denial_reason"`
	CreatedAt        time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at" db:"updated_at"`
}
