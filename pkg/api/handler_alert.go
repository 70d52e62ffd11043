package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/detectforge/runbookpilot/pkg/approval"
	"github.com/detectforge/runbookpilot/pkg/executor"
	"github.com/detectforge/runbookpilot/pkg/models"
	"github.com/detectforge/runbookpilot/pkg/orchestrator"
	"github.com/detectforge/runbookpilot/pkg/trigger"
)

// approvalPollInterval is how often a gated step re-checks its queue row.
const approvalPollInterval = 2 * time.Second

// submitAlertHandler handles POST /api/v1/alerts: selects a runbook (pinned
// or trigger-matched), starts the execution asynchronously, and returns the
// pre-assigned execution id.
func (s *Server) submitAlertHandler(c *gin.Context) {
	var req SubmitAlertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	mode := models.ModeProduction
	switch req.Mode {
	case "", string(models.ModeProduction):
	case string(models.ModeSimulation):
		mode = models.ModeSimulation
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown mode %q", req.Mode)})
		return
	}

	runbook, match, err := s.selectRunbook(req)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if runbook == nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "no runbook matched the alert"})
		return
	}

	executionID := uuid.New().String()
	opts := orchestrator.Options{
		ExecutionID: executionID,
		Mode:        mode,
		Variables:   req.Variables,
		Actor:       req.Actor,
		Confirm:     s.queuedConfirmation(executionID, runbook),
		Approve:     s.queuedApproval(executionID, runbook),
	}

	go func() {
		result := s.orchestrator.Execute(context.Background(), runbook, req.Alert, opts)
		slog.Info("Async execution settled", "execution_id", result.ExecutionID,
			"state", result.State, "success", result.Success)
	}()

	c.JSON(http.StatusAccepted, &AlertResponse{
		ExecutionID: executionID,
		RunbookID:   runbook.ID,
		Mode:        string(mode),
		Status:      "accepted",
		Trigger:     match,
	})
}

// selectRunbook resolves the runbook for a submission: an explicit id wins,
// otherwise the first trigger match in id order.
func (s *Server) selectRunbook(req SubmitAlertRequest) (*models.Runbook, *trigger.Result, error) {
	if req.RunbookID != "" {
		rb, err := s.cfg.Runbooks.Get(req.RunbookID)
		if err != nil {
			return nil, nil, err
		}
		return rb, nil, nil
	}

	for _, rb := range s.cfg.Runbooks.All() {
		if match := s.trigger.MatchRunbook(rb, req.Alert); match.Matched {
			return rb, match, nil
		}
	}
	return nil, nil, nil
}

// queuedApproval routes L1 write approvals through the persistent queue:
// the step blocks until an analyst decides or the request expires.
func (s *Server) queuedApproval(executionID string, runbook *models.Runbook) executor.ApprovalFunc {
	return func(ctx context.Context, prompt executor.ApprovalPrompt) bool {
		req := approval.CreateRequest{
			ExecutionID: executionID,
			RunbookID:   runbook.ID,
			RunbookName: runbook.Name(),
			TTL:         s.cfg.Approvals.TTL,
		}
		if prompt.Step != nil {
			req.StepID = prompt.Step.ID
			req.StepName = prompt.Step.Name
			req.Action = prompt.Step.Action
		}
		req.Parameters = prompt.Parameters
		if prompt.Impact != nil {
			req.SimulationResult = map[string]any{
				"risk_score": prompt.Impact.RiskScore,
				"risk_level": prompt.Impact.RiskLevel,
				"summary":    prompt.Impact.Summary,
			}
		}
		return s.awaitDecision(ctx, executionID, runbook.ID, req)
	}
}

// queuedConfirmation adapts L0 analyst confirmations onto the same queue.
func (s *Server) queuedConfirmation(executionID string, runbook *models.Runbook) executor.ConfirmFunc {
	return func(ctx context.Context, step *models.RunbookStep, params map[string]any) bool {
		return s.awaitDecision(ctx, executionID, runbook.ID, approval.CreateRequest{
			ExecutionID: executionID,
			RunbookID:   runbook.ID,
			RunbookName: runbook.Name(),
			StepID:      step.ID,
			StepName:    step.Name,
			Action:      step.Action,
			Parameters:  params,
			TTL:         s.cfg.Approvals.TTL,
		})
	}
}

// awaitDecision creates the queue row and polls it until a terminal status.
// Expiry and context cancellation both read as a denial.
func (s *Server) awaitDecision(ctx context.Context, executionID, runbookID string, req approval.CreateRequest) bool {
	request, err := s.approvals.Create(ctx, req)
	if err != nil {
		slog.Error("Failed to create approval request", "execution_id", executionID, "error", err)
		return false
	}

	if s.audit != nil {
		_, _ = s.audit.Record(ctx, executionID, runbookID, models.AuditApprovalQueueCreated, "system",
			map[string]any{"request_id": request.RequestID, "step_id": req.StepID, "action": req.Action})
	}

	ticker := time.NewTicker(approvalPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}

		current, err := s.approvals.Get(ctx, request.RequestID)
		if err != nil {
			slog.Warn("Failed to poll approval request", "request_id", request.RequestID, "error", err)
			return false
		}
		switch current.Status {
		case models.ApprovalPending:
			if time.Now().After(current.ExpiresAt) {
				// Lazy expiry settles the row on the next decision attempt;
				// the execution does not wait for the sweeper.
				return false
			}
		case models.ApprovalApproved:
			return true
		default:
			return false
		}
	}
}
