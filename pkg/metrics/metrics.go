// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/detectforge/runbookpilot/pkg/models"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	ExecutionsTotal    *prometheus.CounterVec
	ExecutionDuration  *prometheus.HistogramVec
	StepsTotal         *prometheus.CounterVec
	ApprovalsTotal     *prometheus.CounterVec
	RollbacksTriggered prometheus.Counter
	RollbackStepsTotal *prometheus.CounterVec
	SimulationsTotal   *prometheus.CounterVec
	AuditEntriesTotal  prometheus.Counter
}

// New creates and registers the engine collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runbookpilot_executions_total",
			Help: "Runbook executions by terminal state.",
		}, []string{"runbook_id", "state"}),
		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "runbookpilot_execution_duration_seconds",
			Help:    "End-to-end execution duration.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"runbook_id"}),
		StepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runbookpilot_steps_total",
			Help: "Step dispatches by outcome.",
		}, []string{"action", "outcome"}),
		ApprovalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runbookpilot_approvals_total",
			Help: "Approval requests by decision.",
		}, []string{"decision"}),
		RollbacksTriggered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "runbookpilot_rollbacks_triggered_total",
			Help: "Executions that entered the rollback phase.",
		}),
		RollbackStepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runbookpilot_rollback_steps_total",
			Help: "Individual rollback compensations by outcome.",
		}, []string{"outcome"}),
		SimulationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runbookpilot_simulations_total",
			Help: "L2 simulations by predicted outcome.",
		}, []string{"runbook_id", "outcome"}),
		AuditEntriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "runbookpilot_audit_entries_total",
			Help: "Audit log entries written.",
		}),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.StepsTotal,
		m.ApprovalsTotal,
		m.RollbacksTriggered,
		m.RollbackStepsTotal,
		m.SimulationsTotal,
		m.AuditEntriesTotal,
	)
	return m
}

// ObserveExecution records one finished execution.
func (m *Metrics) ObserveExecution(result *models.ExecutionResult) {
	if m == nil || result == nil {
		return
	}
	m.ExecutionsTotal.WithLabelValues(result.RunbookID, string(result.State)).Inc()
	m.ExecutionDuration.WithLabelValues(result.RunbookID).Observe(float64(result.DurationMs) / 1000)

	for _, step := range result.StepsExecuted {
		m.StepsTotal.WithLabelValues(step.Action, stepOutcome(step)).Inc()
	}

	if result.Rollback != nil {
		m.RollbacksTriggered.Inc()
		m.RollbackStepsTotal.WithLabelValues("success").Add(float64(result.Rollback.TotalSucceeded))
		m.RollbackStepsTotal.WithLabelValues("failure").Add(float64(result.Rollback.TotalFailed))
	}

	if result.Report != nil {
		m.SimulationsTotal.WithLabelValues(result.RunbookID, string(result.Report.PredictedOutcome)).Inc()
	}
}

func stepOutcome(step models.StepResult) string {
	switch {
	case step.Skipped():
		return "skipped"
	case step.Success:
		return "success"
	default:
		return "failure"
	}
}
