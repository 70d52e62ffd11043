package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// getSimulationHandler handles GET /api/v1/simulations/:id.
func (s *Server) getSimulationHandler(c *gin.Context) {
	report, err := s.simulations.GetReport(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// simulationMetricsHandler handles GET /api/v1/simulations/metrics with the
// DB-backed aggregation.
func (s *Server) simulationMetricsHandler(c *gin.Context) {
	metrics, err := s.simulations.Metrics(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, metrics)
}
