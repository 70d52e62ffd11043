// Package approval implements the persistent human-in-the-loop decision
// queue. Write actions at automation level L1 park here until an analyst
// approves, denies, or the request's TTL lapses.
package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/detectforge/runbookpilot/pkg/database"
	"github.com/detectforge/runbookpilot/pkg/models"
)

// DefaultTTL bounds how long a request stays actionable when the caller
// does not set one.
const DefaultTTL = time.Hour

// Sentinel errors for decision handling.
var (
	ErrNotFound       = errors.New("approval request not found")
	ErrAlreadyDecided = errors.New("approval request already decided")
	ErrExpired        = errors.New("approval request expired")
)

// Queue is the database-backed approval queue.
type Queue struct {
	db *sqlx.DB
}

// NewQueue creates a queue over the database client.
func NewQueue(client *database.Client) *Queue {
	return &Queue{db: client.DB()}
}

// CreateRequest carries everything needed to park a write action.
type CreateRequest struct {
	ExecutionID      string
	RunbookID        string
	RunbookName      string
	StepID           string
	StepName         string
	Action           string
	Parameters       map[string]any
	SimulationResult map[string]any
	TTL              time.Duration
}

// Create persists a pending request and returns it. TTL defaults to
// DefaultTTL when unset.
func (q *Queue) Create(ctx context.Context, req CreateRequest) (*models.ApprovalRequest, error) {
	ttl := req.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	params, err := json.Marshal(orEmpty(req.Parameters))
	if err != nil {
		return nil, fmt.Errorf("failed to encode parameters: %w", err)
	}
	simResult, err := json.Marshal(orEmpty(req.SimulationResult))
	if err != nil {
		return nil, fmt.Errorf("failed to encode simulation result: %w", err)
	}

	now := time.Now().UTC()
	request := &models.ApprovalRequest{
		RequestID:        uuid.New().String(),
		ExecutionID:      req.ExecutionID,
		RunbookID:        req.RunbookID,
		RunbookName:      req.RunbookName,
		StepID:           req.StepID,
		StepName:         req.StepName,
		Action:           req.Action,
		Parameters:       string(params),
		SimulationResult: string(simResult),
		Status:           models.ApprovalPending,
		RequestedAt:      now,
		ExpiresAt:        now.Add(ttl),
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	_, err = q.db.NamedExecContext(ctx, `
		INSERT INTO approval_queue (request_id, execution_id, runbook_id, runbook_name, step_id, step_name,
			action, parameters, simulation_result, status, requested_at, expires_at, created_at, updated_at)
		VALUES (:request_id, :execution_id, :runbook_id, :runbook_name, :step_id, :step_name,
			:action, :parameters, :simulation_result, :status, :requested_at, :expires_at, :created_at, :updated_at)`,
		request)
	if err != nil {
		return nil, fmt.Errorf("failed to create approval request: %w", err)
	}
	return request, nil
}

// Get returns one request by id.
func (q *Queue) Get(ctx context.Context, requestID string) (*models.ApprovalRequest, error) {
	var request models.ApprovalRequest
	err := q.db.GetContext(ctx, &request, q.db.Rebind(
		selectColumns+" FROM approval_queue WHERE request_id = ?"), requestID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load approval request: %w", err)
	}
	return &request, nil
}

// Approve marks a pending request approved. A pending request whose TTL
// already lapsed is expired instead and ErrExpired is returned.
func (q *Queue) Approve(ctx context.Context, requestID, approver string) (*models.ApprovalRequest, error) {
	return q.decide(ctx, requestID, approver, models.ApprovalApproved, nil)
}

// Deny marks a pending request denied with the analyst's reason.
func (q *Queue) Deny(ctx context.Context, requestID, approver, reason string) (*models.ApprovalRequest, error) {
	return q.decide(ctx, requestID, approver, models.ApprovalDenied, &reason)
}

func (q *Queue) decide(ctx context.Context, requestID, approver string, decision models.ApprovalStatus, reason *string) (*models.ApprovalRequest, error) {
	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin approval transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var request models.ApprovalRequest
	err = tx.GetContext(ctx, &request, tx.Rebind(
		selectColumns+" FROM approval_queue WHERE request_id = ?"), requestID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load approval request: %w", err)
	}

	if request.Status != models.ApprovalPending {
		if request.Status == models.ApprovalExpired {
			return &request, ErrExpired
		}
		return &request, ErrAlreadyDecided
	}

	now := time.Now().UTC()

	// Lazy expiry: a pending request past its deadline can no longer be
	// decided, whichever decision arrived.
	if now.After(request.ExpiresAt) {
		request.Status = models.ApprovalExpired
		request.UpdatedAt = now
		if _, err := tx.ExecContext(ctx, tx.Rebind(
			"UPDATE approval_queue SET status = ?, updated_at = ? WHERE request_id = ?"),
			models.ApprovalExpired, now, requestID); err != nil {
			return nil, fmt.Errorf("failed to expire approval request: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit expiry: %w", err)
		}
		return &request, ErrExpired
	}

	request.Status = decision
	request.ApprovedBy = &approver
	request.ApprovedAt = &now
	request.DenialReason = reason
	request.UpdatedAt = now

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		UPDATE approval_queue SET status = ?, approved_by = ?, approved_at = ?, denial_reason = ?, updated_at = ?
		WHERE request_id = ?`),
		decision, approver, now, reason, now, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to record decision: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit decision: %w", err)
	}
	return &request, nil
}

// ListFilter narrows and pages ListPending results.
type ListFilter struct {
	ExecutionID string
	RunbookID   string
	Limit       int
	Offset      int
}

// ListPending returns pending, unexpired requests newest first.
func (q *Queue) ListPending(ctx context.Context, filter ListFilter) ([]models.ApprovalRequest, error) {
	query := selectColumns + " FROM approval_queue WHERE status = ? AND expires_at > ?"
	args := []any{models.ApprovalPending, time.Now().UTC()}

	if filter.ExecutionID != "" {
		query += " AND execution_id = ?"
		args = append(args, filter.ExecutionID)
	}
	if filter.RunbookID != "" {
		query += " AND runbook_id = ?"
		args = append(args, filter.RunbookID)
	}
	query += " ORDER BY requested_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	var requests []models.ApprovalRequest
	if err := q.db.SelectContext(ctx, &requests, q.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list pending approvals: %w", err)
	}
	return requests, nil
}

// ExpireStale flips every pending request past its deadline to expired and
// returns the affected requests. Idempotent and safe to run concurrently.
func (q *Queue) ExpireStale(ctx context.Context) ([]models.ApprovalRequest, error) {
	now := time.Now().UTC()

	var stale []models.ApprovalRequest
	err := q.db.SelectContext(ctx, &stale, q.db.Rebind(
		selectColumns+" FROM approval_queue WHERE status = ? AND expires_at <= ? ORDER BY expires_at ASC"),
		models.ApprovalPending, now)
	if err != nil {
		return nil, fmt.Errorf("failed to find stale approvals: %w", err)
	}
	if len(stale) == 0 {
		return nil, nil
	}

	for i := range stale {
		result, err := q.db.ExecContext(ctx, q.db.Rebind(
			"UPDATE approval_queue SET status = ?, updated_at = ? WHERE request_id = ? AND status = ?"),
			models.ApprovalExpired, now, stale[i].RequestID, models.ApprovalPending)
		if err != nil {
			return nil, fmt.Errorf("failed to expire approval %s: %w", stale[i].RequestID, err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			// Decided by someone else between select and update.
			stale[i].Status = ""
			continue
		}
		stale[i].Status = models.ApprovalExpired
		stale[i].UpdatedAt = now
	}

	expired := stale[:0]
	for _, request := range stale {
		if request.Status == models.ApprovalExpired {
			expired = append(expired, request)
		}
	}
	return expired, nil
}

const selectColumns = `SELECT request_id, execution_id, runbook_id, runbook_name, step_id, step_name,
	action, parameters, simulation_result, status, requested_at, expires_at,
	approved_by, approved_at, denial_reason, created_at, updated_at`

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
