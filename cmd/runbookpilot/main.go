// RunbookPilot server — loads the runbook library, opens the store, and
// serves the execution engine over HTTP.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/detectforge/runbookpilot/pkg/adapter"
	"github.com/detectforge/runbookpilot/pkg/api"
	"github.com/detectforge/runbookpilot/pkg/approval"
	"github.com/detectforge/runbookpilot/pkg/audit"
	"github.com/detectforge/runbookpilot/pkg/config"
	"github.com/detectforge/runbookpilot/pkg/controller"
	"github.com/detectforge/runbookpilot/pkg/database"
	"github.com/detectforge/runbookpilot/pkg/enrich"
	"github.com/detectforge/runbookpilot/pkg/metrics"
	"github.com/detectforge/runbookpilot/pkg/models"
	"github.com/detectforge/runbookpilot/pkg/orchestrator"
	"github.com/detectforge/runbookpilot/pkg/services"
	"github.com/detectforge/runbookpilot/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env from the config directory before anything reads the env.
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	slog.Info("Starting RunbookPilot", "version", version.Full(), "config_dir", *configDir)
	ctx := context.Background()

	// 1. Configuration and runbook library
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Store
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Database ready", "driver", dbClient.Driver())

	// 3. Domain services
	auditLogger := audit.NewLogger(dbClient)
	executionService := services.NewExecutionService(dbClient)
	simulationService := services.NewSimulationService(dbClient)
	approvalQueue := approval.NewQueue(dbClient)
	executionController := controller.New()

	promRegistry := prometheus.NewRegistry()
	engineMetrics := metrics.New(promRegistry)

	// Adapters register at deploy time; the engine ships without concrete
	// SIEM/EDR integrations.
	adapters := adapter.NewRegistry()

	engine := orchestrator.New(orchestrator.Config{
		Adapters:    adapters,
		Enrichment:  enrich.NewPipeline(),
		Audit:       auditLogger,
		Executions:  executionService,
		Simulations: simulationService,
		Controller:  executionController,
		Metrics:     engineMetrics,
		Env:         envMap(),
		L2Enabled:   cfg.Simulation.Enabled,
	})
	slog.Info("Engine initialized",
		"runbooks", cfg.Runbooks.Len(),
		"simulation_enabled", cfg.Simulation.Enabled)

	// 4. Approval expiry sweeper
	sweeper := approval.NewSweeper(approvalQueue, cfg.Approvals.SweepInterval,
		func(req models.ApprovalRequest) {
			_, _ = auditLogger.Record(ctx, req.ExecutionID, req.RunbookID,
				models.AuditApprovalDenied, "system", map[string]any{
					"request_id": req.RequestID,
					"step_id":    req.StepID,
					"status":     string(models.ApprovalExpired),
				})
		})
	sweeper.Start(ctx)
	defer sweeper.Stop()

	// 5. HTTP server
	server := api.NewServer(api.Deps{
		Config:       cfg,
		DB:           dbClient,
		Orchestrator: engine,
		Approvals:    approvalQueue,
		Audit:        auditLogger,
		Executions:   executionService,
		Simulations:  simulationService,
		Controller:   executionController,
		Registry:     promRegistry,
	})

	addr := cfg.Server.Host + ":" + strconv.Itoa(cfg.Server.Port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	// 6. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 7. Graceful shutdown: stop accepting requests, then cancel running
	// executions and wait for them to settle.
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP server shutdown incomplete", "error", err)
	}

	done := make(chan struct{})
	go func() {
		executionController.ShutdownAll()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("All executions settled")
	case <-shutdownCtx.Done():
		slog.Warn("Execution shutdown timeout exceeded")
	}

	slog.Info("RunbookPilot stopped")
}

// envMap snapshots the process environment for the template env layer.
func envMap() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				env[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return env
}
