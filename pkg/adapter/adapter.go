// Package adapter defines the capability the engine consumes to perform
// named actions, and a process-wide registry of adapters keyed by executor
// name. Concrete adapters (SIEM, EDR, firewall, ticketing) live outside the
// engine.
package adapter

import (
	"context"

	"github.com/detectforge/runbookpilot/pkg/models"
)

// Result is what an adapter returns for one action dispatch.
type Result struct {
	Success    bool           `json:"success"`
	Action     string         `json:"action"`
	Executor   string         `json:"executor"`
	DurationMs int64          `json:"duration_ms"`
	Output     map[string]any `json:"output,omitempty"`
	Error      *Error         `json:"error,omitempty"`
}

// Error describes an adapter-side failure.
type Error struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Adapter   string `json:"adapter"`
	Action    string `json:"action"`
	Retryable bool   `json:"retryable"`
}

// Adapter executes named actions against an external system. Implementations
// must honour mode=simulation by not mutating anything.
type Adapter interface {
	// Name returns the executor name the adapter registers under.
	Name() string
	// Execute performs the action with the resolved parameters.
	Execute(ctx context.Context, action string, params map[string]any, mode models.ExecutionMode) (*Result, error)
	// Healthy reports whether the adapter's backing system is reachable.
	// Best-effort; used by the confidence scorer.
	Healthy(ctx context.Context) bool
}
