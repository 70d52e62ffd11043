package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/detectforge/runbookpilot/pkg/approval"
	"github.com/detectforge/runbookpilot/pkg/models"
)

// listApprovalsHandler handles GET /api/v1/approvals: pending requests,
// optionally filtered by execution_id or runbook_id.
func (s *Server) listApprovalsHandler(c *gin.Context) {
	filter := approval.ListFilter{
		ExecutionID: c.Query("execution_id"),
		RunbookID:   c.Query("runbook_id"),
		Limit:       intQuery(c, "limit", 50),
		Offset:      intQuery(c, "offset", 0),
	}

	pending, err := s.approvals.ListPending(c.Request.Context(), filter)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"approvals": pending, "count": len(pending)})
}

// getApprovalHandler handles GET /api/v1/approvals/:id.
func (s *Server) getApprovalHandler(c *gin.Context) {
	request, err := s.approvals.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, request)
}

// approveHandler handles POST /api/v1/approvals/:id/approve.
func (s *Server) approveHandler(c *gin.Context) {
	var req DecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	request, err := s.approvals.Approve(c.Request.Context(), c.Param("id"), req.ApprovedBy)
	if err != nil {
		abortWithError(c, err)
		return
	}
	s.recordDecision(c, request)
	c.JSON(http.StatusOK, request)
}

// denyHandler handles POST /api/v1/approvals/:id/deny. A reason is required.
func (s *Server) denyHandler(c *gin.Context) {
	var req DecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Reason == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reason is required to deny"})
		return
	}

	request, err := s.approvals.Deny(c.Request.Context(), c.Param("id"), req.ApprovedBy, req.Reason)
	if err != nil {
		abortWithError(c, err)
		return
	}
	s.recordDecision(c, request)
	c.JSON(http.StatusOK, request)
}

func (s *Server) recordDecision(c *gin.Context, request *models.ApprovalRequest) {
	if s.audit == nil {
		return
	}
	actor := "system"
	if request.ApprovedBy != nil {
		actor = *request.ApprovedBy
	}
	details := map[string]any{
		"request_id": request.RequestID,
		"step_id":    request.StepID,
		"action":     request.Action,
		"status":     string(request.Status),
	}
	if request.DenialReason != nil {
		details["reason"] = *request.DenialReason
	}
	eventType := models.AuditApprovalGranted
	if request.Status == models.ApprovalDenied {
		eventType = models.AuditApprovalDenied
	}
	_, _ = s.audit.Record(c.Request.Context(), request.ExecutionID, request.RunbookID,
		eventType, actor, details)
}
