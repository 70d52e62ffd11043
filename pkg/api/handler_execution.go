package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/detectforge/runbookpilot/pkg/models"
	"github.com/detectforge/runbookpilot/pkg/services"
)

// listExecutionsHandler handles GET /api/v1/executions with optional
// runbook_id, state, limit, and offset query filters.
func (s *Server) listExecutionsHandler(c *gin.Context) {
	filter := services.ExecutionFilter{
		RunbookID: c.Query("runbook_id"),
		State:     models.ExecutionState(c.Query("state")),
		Limit:     intQuery(c, "limit", 50),
		Offset:    intQuery(c, "offset", 0),
	}

	executions, err := s.executions.ListExecutions(c.Request.Context(), filter)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": executions, "count": len(executions)})
}

// getExecutionHandler handles GET /api/v1/executions/:id.
func (s *Server) getExecutionHandler(c *gin.Context) {
	id := c.Param("id")

	record, err := s.executions.GetExecution(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	steps, err := s.executions.StepResults(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, &ExecutionResponse{Execution: record, Steps: steps})
}

// cancelExecutionHandler handles POST /api/v1/executions/:id/cancel.
// Cancellation is cooperative: the step loop stops at the next boundary.
func (s *Server) cancelExecutionHandler(c *gin.Context) {
	id := c.Param("id")

	reason := "cancelled via API"
	var body struct {
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&body); err == nil && body.Reason != "" {
		reason = body.Reason
	}

	if err := s.controller.CancelExecution(id, reason); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"execution_id": id, "status": "cancelling", "reason": reason})
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}
