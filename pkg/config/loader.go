package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/detectforge/runbookpilot/pkg/models"
)

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load engine.yaml (optional; built-in defaults apply when absent)
//  2. Expand ${ENV_VAR} references
//  3. Merge user settings over built-in defaults
//  4. Load and validate every runbook under the runbook directory
//  5. Build the runbook registry
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully",
		"runbooks", stats.Runbooks,
		"simulation_enabled", stats.SimulationEnabled)
	return cfg, nil
}

func load(_ context.Context, configDir string) (*Config, error) {
	engineYAML, err := loadEngineYAML(configDir)
	if err != nil {
		return nil, NewLoadError("engine.yaml", err)
	}

	server := defaultServerConfig()
	approvals := defaultApprovalsConfig()
	simulation := defaultSimulationConfig()

	if engineYAML.Server != nil {
		resolved := &ServerConfig{
			Host:            engineYAML.Server.Host,
			Port:            engineYAML.Server.Port,
			ShutdownTimeout: parseDuration(engineYAML.Server.ShutdownTimeout, "server.shutdown_timeout", server.ShutdownTimeout),
		}
		// Merge defaults into unset fields; user values win.
		if err := mergo.Merge(resolved, server); err != nil {
			return nil, fmt.Errorf("failed to merge server config: %w", err)
		}
		server = resolved
	}
	if engineYAML.Approvals != nil {
		approvals = &ApprovalsConfig{
			TTL:           parseDuration(engineYAML.Approvals.TTL, "approvals.ttl", approvals.TTL),
			SweepInterval: parseDuration(engineYAML.Approvals.SweepInterval, "approvals.sweep_interval", approvals.SweepInterval),
		}
	}
	if engineYAML.Simulation != nil && engineYAML.Simulation.Enabled != nil {
		simulation = &SimulationConfig{Enabled: *engineYAML.Simulation.Enabled}
	}

	runbookDir := engineYAML.RunbookDir
	if runbookDir == "" {
		runbookDir = DefaultRunbookDir
	}
	if !filepath.IsAbs(runbookDir) {
		runbookDir = filepath.Join(configDir, runbookDir)
	}

	registry, err := loadRunbooks(runbookDir)
	if err != nil {
		return nil, err
	}

	return &Config{
		configDir:  configDir,
		Server:     server,
		Approvals:  approvals,
		Simulation: simulation,
		RunbookDir: runbookDir,
		Runbooks:   registry,
	}, nil
}

// loadEngineYAML reads engine.yaml; a missing file is not an error, the
// built-in defaults simply apply.
func loadEngineYAML(configDir string) (*EngineYAML, error) {
	var cfg EngineYAML

	path := filepath.Join(configDir, "engine.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Debug("No engine.yaml found, using built-in defaults", "path", path)
			return &cfg, nil
		}
		return nil, err
	}

	data = ExpandEnv(data)
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return &cfg, nil
}

// loadRunbooks parses and validates every *.yaml / *.yml directly under
// dir. Runbook files are not env-expanded; their {{ ... }} parameters are
// resolved at execution time.
func loadRunbooks(dir string) (*RunbookRegistry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("Runbook directory does not exist, registry is empty", "dir", dir)
			return NewRunbookRegistry(nil), nil
		}
		return nil, fmt.Errorf("failed to read runbook directory %s: %w", dir, err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	runbooks := make(map[string]*models.Runbook, len(files))
	for _, name := range files {
		rb, err := loadRunbookFile(filepath.Join(dir, name))
		if err != nil {
			return nil, NewLoadError(name, err)
		}
		if _, dup := runbooks[rb.ID]; dup {
			return nil, NewLoadError(name, fmt.Errorf("%w: %s", ErrDuplicateRunbook, rb.ID))
		}
		runbooks[rb.ID] = rb
		slog.Debug("Runbook loaded", "runbook_id", rb.ID, "version", rb.Version,
			"steps", len(rb.Steps), "automation_level", rb.Config.AutomationLevel)
	}

	return NewRunbookRegistry(runbooks), nil
}

func loadRunbookFile(path string) (*models.Runbook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var rb models.Runbook
	if err := yaml.Unmarshal(data, &rb); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	if err := ValidateRunbook(&rb); err != nil {
		return nil, err
	}
	return &rb, nil
}
