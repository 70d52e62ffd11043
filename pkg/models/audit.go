package models

import "time"

// Audit event kinds emitted by the engine.
const (
	AuditExecutionStarted     = "execution_started"
	AuditExecutionCompleted   = "execution_completed"
	AuditExecutionFailed      = "execution_failed"
	AuditStateChanged         = "state_changed"
	AuditStepStarted          = "step_started"
	AuditStepCompleted        = "step_completed"
	AuditStepFailed           = "step_failed"
	AuditApprovalRequested    = "approval_requested"
	AuditApprovalGranted      = "approval_granted"
	AuditApprovalDenied       = "approval_denied"
	AuditRollbackStarted      = "rollback_started"
	AuditRollbackCompleted    = "rollback_completed"
	AuditRollbackFailed       = "rollback_failed"
	AuditSimulationStarted    = "simulation_started"
	AuditStepSimulated        = "step_simulated"
	AuditSimulationCompleted  = "simulation_completed"
	AuditSimulationFailed     = "simulation_failed"
	AuditApprovalQueueCreated = "approval_queue_created"
	AuditApprovalQueueExec    = "approval_queue_executed"
)

// AuditEntry is one row of the per-execution hash chain. The first entry of
// a chain has PrevHash == nil; every later entry's PrevHash equals the
// previous entry's Hash.
type AuditEntry struct {
	ID          string         `json:"id" db:"id"`
	ExecutionID string         `json:"execution_id" db:"execution_id"`
	RunbookID   string         `json:"runbook_id" db:"runbook_id"`
	EventType   string         `json:"event_type" db:"event_type"`
	Actor       string         `json:"actor" db:"actor"`
	Details     map[string]any `json:"details" db:"-"`
	PrevHash    *string        `json:"prev_hash" db:"prev_hash"`
	Hash        string         `json:"hash" db:"hash"`
	CreatedAt   time.Time      `json:"created_at" db:"-"`
}
