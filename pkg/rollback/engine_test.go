package rollback

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/detectforge/runbookpilot/pkg/adapter"
	"github.com/detectforge/runbookpilot/pkg/models"
	"github.com/detectforge/runbookpilot/pkg/scheduler"
	"github.com/detectforge/runbookpilot/pkg/template"
)

// recordingAdapter records dispatched actions and fails the ones listed.
type recordingAdapter struct {
	name string

	mu      sync.Mutex
	actions []string
	failing map[string]bool
}

func (a *recordingAdapter) Name() string                 { return a.name }
func (a *recordingAdapter) Healthy(context.Context) bool { return true }

func (a *recordingAdapter) Execute(_ context.Context, action string, params map[string]any, _ models.ExecutionMode) (*adapter.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.actions = append(a.actions, action)
	if a.failing[action] {
		return &adapter.Result{
			Success: false, Action: action, Executor: a.name,
			Error: &adapter.Error{Code: "EDR_ERROR", Message: "unreachable", Adapter: a.name, Action: action},
		}, nil
	}
	return &adapter.Result{Success: true, Action: action, Executor: a.name, Output: map[string]any{"params": params}}, nil
}

func withRollback(action string) *models.RollbackSpec {
	return &models.RollbackSpec{Action: action}
}

func containmentRunbook() *models.Runbook {
	return &models.Runbook{
		ID:      "rb-001",
		Version: "1.0.0",
		Config:  models.RunbookConfig{AutomationLevel: models.AutomationL1},
		Steps: []models.RunbookStep{
			{ID: "step-01", Name: "Query SIEM", Action: "query_siem", Executor: "edr"},
			{ID: "step-02", Name: "Isolate host", Action: "isolate_host", Executor: "edr",
				Parameters: map[string]any{"hostname": "web-01"},
				Rollback:   &models.RollbackSpec{Action: "unisolate_host", Parameters: map[string]any{"hostname": "web-01"}}},
			{ID: "step-03", Name: "Block IP", Action: "block_ip", Executor: "edr",
				Rollback: withRollback("unblock_ip")},
		},
	}
}

func succeeded(stepID, action string) models.StepResult {
	now := time.Now()
	return models.StepResult{StepID: stepID, Action: action, Success: true, StartedAt: now, CompletedAt: now}
}

func newEngine(a *recordingAdapter) *Engine {
	reg := adapter.NewRegistry()
	reg.Register(a)
	return New(scheduler.New(reg))
}

func TestExecuteReverseOrder(t *testing.T) {
	edr := &recordingAdapter{name: "edr"}
	engine := newEngine(edr)

	completed := []models.StepResult{
		succeeded("step-01", "query_siem"),
		succeeded("step-02", "isolate_host"),
		succeeded("step-03", "block_ip"),
	}

	result := engine.Execute(context.Background(), containmentRunbook(), completed, template.NewContext(nil, nil, nil))
	require.True(t, result.Success)
	assert.Equal(t, 2, result.TotalAttempted)
	assert.Equal(t, 2, result.TotalSucceeded)
	assert.Zero(t, result.TotalFailed)

	// step-01 has no rollback clause; the others compensate newest first.
	assert.Equal(t, []string{"unblock_ip", "unisolate_host"}, edr.actions)
	require.Len(t, result.StepsRolledBack, 2)
	assert.Equal(t, "rollback:step-03", result.StepsRolledBack[0].StepID)
	assert.Equal(t, "rollback:step-02", result.StepsRolledBack[1].StepID)
}

func TestExecuteBestEffort(t *testing.T) {
	edr := &recordingAdapter{name: "edr", failing: map[string]bool{"unblock_ip": true}}
	engine := newEngine(edr)

	completed := []models.StepResult{
		succeeded("step-02", "isolate_host"),
		succeeded("step-03", "block_ip"),
	}

	result := engine.Execute(context.Background(), containmentRunbook(), completed, template.NewContext(nil, nil, nil))
	assert.False(t, result.Success)
	assert.Equal(t, 2, result.TotalAttempted)
	assert.Equal(t, 1, result.TotalSucceeded)
	assert.Equal(t, 1, result.TotalFailed)

	// The failing compensation does not stop the pass.
	assert.Equal(t, []string{"unblock_ip", "unisolate_host"}, edr.actions)

	failed := result.StepsRolledBack[0]
	require.NotNil(t, failed.Error)
	assert.Equal(t, models.ErrCodeRollbackFail, failed.Error.Code)
}

func TestExecuteSkipsFailedAndSkippedSteps(t *testing.T) {
	edr := &recordingAdapter{name: "edr"}
	engine := newEngine(edr)

	now := time.Now()
	completed := []models.StepResult{
		{StepID: "step-02", Action: "isolate_host", Success: false, StartedAt: now, CompletedAt: now},
		{StepID: "step-03", Action: "block_ip", Success: true, StartedAt: now, CompletedAt: now,
			Output: map[string]any{"skipped": true, "reason": "Condition not met"}},
	}

	result := engine.Execute(context.Background(), containmentRunbook(), completed, template.NewContext(nil, nil, nil))
	assert.True(t, result.Success)
	assert.Zero(t, result.TotalAttempted)
	assert.Empty(t, edr.actions)
}

func TestPlan(t *testing.T) {
	tctx := template.NewContext(models.Alert{"host": map[string]any{"name": "web-01"}}, nil, nil)

	rb := containmentRunbook()
	rb.Steps[1].Rollback.Parameters = map[string]any{"hostname": "{{ alert.host.name }}"}
	rb.Steps[1].Rollback.Timeout = 30

	plan := Plan(rb, []string{"step-01", "step-02", "step-03"}, tctx)
	require.Len(t, plan.Entries, 2)
	assert.Equal(t, "step-03", plan.Entries[0].StepID)
	assert.Equal(t, "unblock_ip", plan.Entries[0].Action)
	assert.Equal(t, 60, plan.Entries[0].TimeoutSec, "default timeout when unset")
	assert.Equal(t, "step-02", plan.Entries[1].StepID)
	assert.Equal(t, "web-01", plan.Entries[1].Parameters["hostname"])
	assert.Equal(t, 30, plan.Entries[1].TimeoutSec)
	assert.Equal(t, int64(90_000), plan.EstimatedDurationMs)
}
