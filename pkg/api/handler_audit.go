package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// getAuditHandler handles GET /api/v1/executions/:id/audit. With ?verify=true
// the chain is recomputed and the verification verdict included.
func (s *Server) getAuditHandler(c *gin.Context) {
	id := c.Param("id")

	entries, err := s.audit.Entries(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}

	response := &AuditResponse{ExecutionID: id, Entries: entries}
	if c.Query("verify") == "true" {
		verification, err := s.audit.VerifyChain(c.Request.Context(), id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		response.Verification = verification
	}
	c.JSON(http.StatusOK, response)
}
