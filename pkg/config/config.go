// Package config loads the engine configuration and the runbook library.
// An engine.yaml carries server and engine settings (merged over built-in
// defaults); every *.yaml under the runbook directory is parsed, validated,
// and published through an immutable registry.
package config

import (
	"log/slog"
	"time"
)

// EngineYAML is the engine.yaml file structure. Duration fields are strings
// parsed with time.ParseDuration so the YAML stays human-editable.
type EngineYAML struct {
	Server     *ServerYAML     `yaml:"server"`
	Approvals  *ApprovalsYAML  `yaml:"approvals"`
	Simulation *SimulationYAML `yaml:"simulation"`
	RunbookDir string          `yaml:"runbook_dir"`
}

// ServerYAML holds HTTP server settings from YAML.
type ServerYAML struct {
	Host            string `yaml:"host,omitempty"`
	Port            int    `yaml:"port,omitempty"`
	ShutdownTimeout string `yaml:"shutdown_timeout,omitempty"`
}

// ApprovalsYAML holds approval queue settings from YAML.
type ApprovalsYAML struct {
	TTL           string `yaml:"ttl,omitempty"`
	SweepInterval string `yaml:"sweep_interval,omitempty"`
}

// SimulationYAML holds L2 simulation settings from YAML.
type SimulationYAML struct {
	Enabled *bool `yaml:"enabled,omitempty"`
}

// ServerConfig is the resolved HTTP server configuration.
type ServerConfig struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
}

// ApprovalsConfig is the resolved approval queue configuration.
type ApprovalsConfig struct {
	TTL           time.Duration
	SweepInterval time.Duration
}

// SimulationConfig is the resolved L2 simulation configuration.
type SimulationConfig struct {
	Enabled bool
}

// Config is the fully resolved engine configuration plus the runbook
// registry. Immutable after Initialize returns.
type Config struct {
	configDir string

	Server     *ServerConfig
	Approvals  *ApprovalsConfig
	Simulation *SimulationConfig
	RunbookDir string

	Runbooks *RunbookRegistry
}

// ConfigDir returns the directory the configuration was loaded from.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// Stats summarises the loaded configuration for startup logging.
type Stats struct {
	Runbooks          int
	SimulationEnabled bool
}

// Stats returns counts of the loaded configuration.
func (c *Config) Stats() Stats {
	return Stats{
		Runbooks:          c.Runbooks.Len(),
		SimulationEnabled: c.Simulation.Enabled,
	}
}

// Built-in defaults applied when engine.yaml omits a field.
func defaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Host:            "0.0.0.0",
		Port:            8080,
		ShutdownTimeout: 20 * time.Second,
	}
}

func defaultApprovalsConfig() *ApprovalsConfig {
	return &ApprovalsConfig{
		TTL:           time.Hour,
		SweepInterval: 30 * time.Second,
	}
}

func defaultSimulationConfig() *SimulationConfig {
	return &SimulationConfig{Enabled: true}
}

// DefaultRunbookDir is the runbook directory relative to the config dir.
const DefaultRunbookDir = "runbooks"

// parseDuration parses a YAML duration string, logging and falling back to
// the default on garbage input.
func parseDuration(value, field string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		slog.Warn("Invalid duration in engine config, using default",
			"field", field, "value", value, "default", fallback, "error", err)
		return fallback
	}
	return d
}
