package models

import "fmt"

// Engine error codes. These are the only codes the engine itself emits;
// adapter errors are embedded inside STEP_EXECUTION_FAILED details.
const (
	ErrCodeValidationFailed    = "VALIDATION_FAILED"
	ErrCodeAdapterNotFound     = "ADAPTER_NOT_FOUND"
	ErrCodeStepExecutionFailed = "STEP_EXECUTION_FAILED"
	ErrCodeStepExecutionError  = "STEP_EXECUTION_ERROR"
	ErrCodeStepTimeout         = "STEP_TIMEOUT"
	ErrCodeApprovalDenied      = "APPROVAL_DENIED"
	ErrCodeL2NotImplemented    = "L2_NOT_IMPLEMENTED"
	ErrCodeOrchestrationError  = "ORCHESTRATION_ERROR"
	ErrCodeRollbackFail        = "ROLLBACK_FAIL"
)

// EngineError is a coded error surfaced in step and execution results.
type EngineError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// NewEngineError builds a coded error with a formatted message.
func NewEngineError(code, format string, args ...any) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetails attaches a details mapping and returns the error for chaining.
func (e *EngineError) WithDetails(details map[string]any) *EngineError {
	e.Details = details
	return e
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
