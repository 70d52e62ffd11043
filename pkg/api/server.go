// Package api exposes the engine over HTTP: alert submission, execution
// inspection and cancellation, approval decisions, audit chain retrieval,
// health, and metrics.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/detectforge/runbookpilot/pkg/approval"
	"github.com/detectforge/runbookpilot/pkg/audit"
	"github.com/detectforge/runbookpilot/pkg/config"
	"github.com/detectforge/runbookpilot/pkg/controller"
	"github.com/detectforge/runbookpilot/pkg/database"
	"github.com/detectforge/runbookpilot/pkg/orchestrator"
	"github.com/detectforge/runbookpilot/pkg/services"
	"github.com/detectforge/runbookpilot/pkg/trigger"
	"github.com/detectforge/runbookpilot/pkg/version"
)

// Server holds the API's collaborators.
type Server struct {
	cfg          *config.Config
	db           *database.Client
	orchestrator *orchestrator.Orchestrator
	approvals    *approval.Queue
	audit        *audit.Logger
	executions   *services.ExecutionService
	simulations  *services.SimulationService
	controller   *controller.Controller
	trigger      *trigger.Evaluator
	registry     *prometheus.Registry
}

// Deps wires the API server.
type Deps struct {
	Config       *config.Config
	DB           *database.Client
	Orchestrator *orchestrator.Orchestrator
	Approvals    *approval.Queue
	Audit        *audit.Logger
	Executions   *services.ExecutionService
	Simulations  *services.SimulationService
	Controller   *controller.Controller
	Registry     *prometheus.Registry
}

// NewServer creates the API server.
func NewServer(deps Deps) *Server {
	return &Server{
		cfg:          deps.Config,
		db:           deps.DB,
		orchestrator: deps.Orchestrator,
		approvals:    deps.Approvals,
		audit:        deps.Audit,
		executions:   deps.Executions,
		simulations:  deps.Simulations,
		controller:   deps.Controller,
		trigger:      trigger.NewEvaluator(),
		registry:     deps.Registry,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(RequestLogger(), gin.Recovery())

	router.GET("/health", s.healthHandler)
	if s.registry != nil {
		router.GET("/metrics", gin.WrapH(
			promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	}

	v1 := router.Group("/api/v1")
	{
		v1.POST("/alerts", s.submitAlertHandler)

		v1.GET("/runbooks", s.listRunbooksHandler)
		v1.GET("/runbooks/:id", s.getRunbookHandler)

		v1.GET("/executions", s.listExecutionsHandler)
		v1.GET("/executions/:id", s.getExecutionHandler)
		v1.POST("/executions/:id/cancel", s.cancelExecutionHandler)
		v1.GET("/executions/:id/audit", s.getAuditHandler)

		v1.GET("/approvals", s.listApprovalsHandler)
		v1.GET("/approvals/:id", s.getApprovalHandler)
		v1.POST("/approvals/:id/approve", s.approveHandler)
		v1.POST("/approvals/:id/deny", s.denyHandler)

		v1.GET("/simulations/metrics", s.simulationMetricsHandler)
		v1.GET("/simulations/:id", s.getSimulationHandler)
	}

	return router
}

func (s *Server) healthHandler(c *gin.Context) {
	health, err := s.db.Health(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   health.Status,
			"database": health,
			"error":    err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   health.Status,
		"version":  version.Full(),
		"database": health,
		"runbooks": s.cfg.Runbooks.Len(),
	})
}

func (s *Server) listRunbooksHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"runbooks": s.cfg.Runbooks.All()})
}

func (s *Server) getRunbookHandler(c *gin.Context) {
	rb, err := s.cfg.Runbooks.Get(c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, rb)
}
