// Package services provides the persistence layer between the engine and
// the database: execution records, step results, and simulation reports.
package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/detectforge/runbookpilot/pkg/database"
	"github.com/detectforge/runbookpilot/pkg/models"
)

// ExecutionRecord is the persisted shape of one runbook execution.
type ExecutionRecord struct {
	ExecutionID     string     `db:"execution_id" json:"execution_id"`
	RunbookID       string     `db:"runbook_id" json:"runbook_id"`
	RunbookVersion  string     `db:"runbook_version" json:"runbook_version"`
	Mode            string     `db:"mode" json:"mode"`
	AutomationLevel string     `db:"automation_level" json:"automation_level"`
	State           string     `db:"state" json:"state"`
	ContextJSON     string     `db:"context_json" json:"-"`
	ErrorCode       *string    `db:"error_code" json:"error_code,omitempty"`
	ErrorMessage    *string    `db:"error_message" json:"error_message,omitempty"`
	StartedAt       time.Time  `db:"started_at" json:"started_at"`
	CompletedAt     *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

// ExecutionService persists executions and their step results.
type ExecutionService struct {
	db *sqlx.DB
}

// NewExecutionService creates an ExecutionService.
func NewExecutionService(client *database.Client) *ExecutionService {
	return &ExecutionService{db: client.DB()}
}

// CreateExecution inserts a new execution record.
func (s *ExecutionService) CreateExecution(ctx context.Context, record *ExecutionRecord) error {
	now := time.Now().UTC()
	record.CreatedAt = now
	record.UpdatedAt = now
	if record.ContextJSON == "" {
		record.ContextJSON = "{}"
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO executions (execution_id, runbook_id, runbook_version, mode, automation_level, state,
			context_json, error_code, error_message, started_at, completed_at, created_at, updated_at)
		VALUES (:execution_id, :runbook_id, :runbook_version, :mode, :automation_level, :state,
			:context_json, :error_code, :error_message, :started_at, :completed_at, :created_at, :updated_at)`,
		record)
	if err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}
	return nil
}

// GetExecution returns one execution by id.
func (s *ExecutionService) GetExecution(ctx context.Context, executionID string) (*ExecutionRecord, error) {
	var record ExecutionRecord
	err := s.db.GetContext(ctx, &record, s.db.Rebind(
		"SELECT * FROM executions WHERE execution_id = ?"), executionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load execution: %w", err)
	}
	return &record, nil
}

// UpdateState records a state transition, optionally with a terminal error
// and completion time.
func (s *ExecutionService) UpdateState(ctx context.Context, executionID string, state models.ExecutionState, engineErr *models.EngineError, completedAt *time.Time) error {
	var errCode, errMessage *string
	if engineErr != nil {
		errCode = &engineErr.Code
		errMessage = &engineErr.Message
	}

	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE executions SET state = ?, error_code = ?, error_message = ?, completed_at = ?, updated_at = ?
		WHERE execution_id = ?`),
		state, errCode, errMessage, completedAt, time.Now().UTC(), executionID)
	if err != nil {
		return fmt.Errorf("failed to update execution state: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveContext stores the execution context snapshot for replay.
func (s *ExecutionService) SaveContext(ctx context.Context, executionID string, snapshot []byte) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(
		"UPDATE executions SET context_json = ?, updated_at = ? WHERE execution_id = ?"),
		string(snapshot), time.Now().UTC(), executionID)
	if err != nil {
		return fmt.Errorf("failed to save execution context: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ExecutionFilter narrows and pages ListExecutions.
type ExecutionFilter struct {
	State     models.ExecutionState
	RunbookID string
	Limit     int
	Offset    int
}

// ListExecutions returns executions newest first.
func (s *ExecutionService) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]ExecutionRecord, error) {
	query := "SELECT * FROM executions WHERE 1=1"
	var args []any

	if filter.State != "" {
		query += " AND state = ?"
		args = append(args, filter.State)
	}
	if filter.RunbookID != "" {
		query += " AND runbook_id = ?"
		args = append(args, filter.RunbookID)
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	var records []ExecutionRecord
	if err := s.db.SelectContext(ctx, &records, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	return records, nil
}

// stepRow is the persisted shape of one step result.
type stepRow struct {
	Seq          int64     `db:"seq"`
	ExecutionID  string    `db:"execution_id"`
	StepID       string    `db:"step_id"`
	StepName     string    `db:"step_name"`
	Action       string    `db:"action"`
	Success      bool      `db:"success"`
	Skipped      bool      `db:"skipped"`
	OutputJSON   string    `db:"output_json"`
	ErrorCode    *string   `db:"error_code"`
	ErrorMessage *string   `db:"error_message"`
	StartedAt    time.Time `db:"started_at"`
	CompletedAt  time.Time `db:"completed_at"`
	DurationMs   int64     `db:"duration_ms"`
}

// RecordStepResult upserts one step result under its execution.
func (s *ExecutionService) RecordStepResult(ctx context.Context, executionID string, result models.StepResult) error {
	output, err := json.Marshal(result.Output)
	if err != nil {
		return fmt.Errorf("failed to encode step output: %w", err)
	}
	if result.Output == nil {
		output = []byte("{}")
	}

	row := stepRow{
		ExecutionID: executionID,
		StepID:      result.StepID,
		StepName:    result.StepName,
		Action:      result.Action,
		Success:     result.Success,
		Skipped:     result.Skipped(),
		OutputJSON:  string(output),
		StartedAt:   result.StartedAt,
		CompletedAt: result.CompletedAt,
		DurationMs:  result.DurationMs,
	}
	if result.Error != nil {
		row.ErrorCode = &result.Error.Code
		row.ErrorMessage = &result.Error.Message
	}

	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO step_results (execution_id, step_id, step_name, action, success, skipped,
			output_json, error_code, error_message, started_at, completed_at, duration_ms)
		VALUES (:execution_id, :step_id, :step_name, :action, :success, :skipped,
			:output_json, :error_code, :error_message, :started_at, :completed_at, :duration_ms)
		ON CONFLICT (execution_id, step_id) DO UPDATE SET
			success = excluded.success, skipped = excluded.skipped, output_json = excluded.output_json,
			error_code = excluded.error_code, error_message = excluded.error_message,
			started_at = excluded.started_at, completed_at = excluded.completed_at,
			duration_ms = excluded.duration_ms`, row)
	if err != nil {
		return fmt.Errorf("failed to record step result: %w", err)
	}
	return nil
}

// StepResults returns the execution's step results in recorded order.
func (s *ExecutionService) StepResults(ctx context.Context, executionID string) ([]models.StepResult, error) {
	var rows []stepRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(
		"SELECT * FROM step_results WHERE execution_id = ? ORDER BY seq ASC"), executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load step results: %w", err)
	}

	results := make([]models.StepResult, 0, len(rows))
	for _, row := range rows {
		result := models.StepResult{
			StepID:      row.StepID,
			StepName:    row.StepName,
			Action:      row.Action,
			Success:     row.Success,
			StartedAt:   row.StartedAt,
			CompletedAt: row.CompletedAt,
			DurationMs:  row.DurationMs,
		}
		if row.OutputJSON != "" && row.OutputJSON != "{}" {
			if err := json.Unmarshal([]byte(row.OutputJSON), &result.Output); err != nil {
				return nil, fmt.Errorf("failed to decode step output: %w", err)
			}
		}
		if row.ErrorCode != nil {
			message := ""
			if row.ErrorMessage != nil {
				message = *row.ErrorMessage
			}
			result.Error = &models.EngineError{Code: *row.ErrorCode, Message: message}
		}
		results = append(results, result)
	}
	return results, nil
}
