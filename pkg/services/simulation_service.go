package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/detectforge/runbookpilot/pkg/database"
	"github.com/detectforge/runbookpilot/pkg/models"
)

// SimulationService persists L2 simulation reports and aggregates metrics
// over them. Saves are idempotent by simulation id, so re-running a report
// through the service never skews the aggregates.
type SimulationService struct {
	db *sqlx.DB
}

// NewSimulationService creates a SimulationService.
func NewSimulationService(client *database.Client) *SimulationService {
	return &SimulationService{db: client.DB()}
}

type simulationRow struct {
	SimulationID string    `db:"simulation_id"`
	ExecutionID  string    `db:"execution_id"`
	RunbookID    string    `db:"runbook_id"`
	Outcome      string    `db:"outcome"`
	RiskScore    int       `db:"risk_score"`
	RiskLevel    string    `db:"risk_level"`
	Confidence   float64   `db:"confidence"`
	StepsTotal   int       `db:"steps_total"`
	ReportJSON   string    `db:"report_json"`
	CreatedAt    time.Time `db:"created_at"`
}

// SaveReport persists a simulation report. Saving the same simulation id
// twice is a no-op.
func (s *SimulationService) SaveReport(ctx context.Context, report *models.SimulationReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode simulation report: %w", err)
	}

	row := simulationRow{
		SimulationID: report.SimulationID,
		ExecutionID:  report.ExecutionID,
		RunbookID:    report.RunbookID,
		Outcome:      string(report.PredictedOutcome),
		RiskScore:    report.OverallRiskScore,
		RiskLevel:    string(report.OverallRiskLevel),
		Confidence:   report.OverallConfidence,
		StepsTotal:   len(report.Steps),
		ReportJSON:   string(data),
		CreatedAt:    time.Now().UTC(),
	}

	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO simulations (simulation_id, execution_id, runbook_id, outcome, risk_score, risk_level,
			confidence, steps_total, report_json, created_at)
		VALUES (:simulation_id, :execution_id, :runbook_id, :outcome, :risk_score, :risk_level,
			:confidence, :steps_total, :report_json, :created_at)
		ON CONFLICT (simulation_id) DO NOTHING`, row)
	if err != nil {
		return fmt.Errorf("failed to save simulation report: %w", err)
	}
	return nil
}

// GetReport returns a stored report by simulation id.
func (s *SimulationService) GetReport(ctx context.Context, simulationID string) (*models.SimulationReport, error) {
	var reportJSON string
	err := s.db.GetContext(ctx, &reportJSON, s.db.Rebind(
		"SELECT report_json FROM simulations WHERE simulation_id = ?"), simulationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load simulation report: %w", err)
	}

	var report models.SimulationReport
	if err := json.Unmarshal([]byte(reportJSON), &report); err != nil {
		return nil, fmt.Errorf("failed to decode simulation report: %w", err)
	}
	return &report, nil
}

// SimulationMetrics aggregates every stored simulation.
type SimulationMetrics struct {
	TotalSimulations int            `json:"total_simulations"`
	ByOutcome        map[string]int `json:"by_outcome"`
	ByRiskLevel      map[string]int `json:"by_risk_level"`
	ByRunbook        map[string]int `json:"by_runbook"`
	AvgConfidence    float64        `json:"avg_confidence"`
	AvgRiskScore     float64        `json:"avg_risk_score"`
}

// Metrics computes aggregates over all stored simulations.
func (s *SimulationService) Metrics(ctx context.Context) (*SimulationMetrics, error) {
	var rows []simulationRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT simulation_id, execution_id, runbook_id, outcome, risk_score, risk_level, confidence, steps_total, report_json, created_at FROM simulations")
	if err != nil {
		return nil, fmt.Errorf("failed to load simulations: %w", err)
	}

	metrics := &SimulationMetrics{
		TotalSimulations: len(rows),
		ByOutcome:        map[string]int{},
		ByRiskLevel:      map[string]int{},
		ByRunbook:        map[string]int{},
	}
	if len(rows) == 0 {
		return metrics, nil
	}

	var confidenceSum, riskSum float64
	for _, row := range rows {
		metrics.ByOutcome[row.Outcome]++
		metrics.ByRiskLevel[row.RiskLevel]++
		metrics.ByRunbook[row.RunbookID]++
		confidenceSum += row.Confidence
		riskSum += float64(row.RiskScore)
	}
	metrics.AvgConfidence = round2(confidenceSum / float64(len(rows)))
	metrics.AvgRiskScore = round2(riskSum / float64(len(rows)))
	return metrics, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
