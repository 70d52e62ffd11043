package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/detectforge/runbookpilot/pkg/adapter"
	"github.com/detectforge/runbookpilot/pkg/audit"
	"github.com/detectforge/runbookpilot/pkg/controller"
	"github.com/detectforge/runbookpilot/pkg/database"
	"github.com/detectforge/runbookpilot/pkg/executor"
	"github.com/detectforge/runbookpilot/pkg/models"
	"github.com/detectforge/runbookpilot/pkg/services"
	"github.com/detectforge/runbookpilot/pkg/statemachine"
	testdb "github.com/detectforge/runbookpilot/test/database"
)

// scriptedAdapter fails the listed actions and records every dispatch.
type scriptedAdapter struct {
	name    string
	failing map[string]bool
	calls   []string
	modes   []models.ExecutionMode
}

func (a *scriptedAdapter) Name() string                 { return a.name }
func (a *scriptedAdapter) Healthy(context.Context) bool { return true }

func (a *scriptedAdapter) Execute(_ context.Context, action string, _ map[string]any, mode models.ExecutionMode) (*adapter.Result, error) {
	a.calls = append(a.calls, action)
	a.modes = append(a.modes, mode)
	if a.failing[action] {
		return &adapter.Result{
			Success: false, Action: action, Executor: a.name,
			Error: &adapter.Error{Code: "EDR_ERROR", Message: "agent unreachable", Adapter: a.name, Action: action},
		}, nil
	}
	return &adapter.Result{Success: true, Action: action, Executor: a.name,
		Output: map[string]any{"action": action}}, nil
}

type fixture struct {
	orch        *Orchestrator
	adapter     *scriptedAdapter
	client      *database.Client
	audit       *audit.Logger
	executions  *services.ExecutionService
	simulations *services.SimulationService
	controller  *controller.Controller
}

func newFixture(t *testing.T, failing map[string]bool, l2Enabled bool) *fixture {
	t.Helper()

	client := testdb.NewTestClient(t)
	a := &scriptedAdapter{name: "edr", failing: failing}
	reg := adapter.NewRegistry()
	reg.Register(a)

	f := &fixture{
		adapter:     a,
		client:      client,
		audit:       audit.NewLogger(client),
		executions:  services.NewExecutionService(client),
		simulations: services.NewSimulationService(client),
		controller:  controller.New(),
	}
	f.orch = New(Config{
		Adapters:    reg,
		Audit:       f.audit,
		Executions:  f.executions,
		Simulations: f.simulations,
		Controller:  f.controller,
		L2Enabled:   l2Enabled,
	})
	return f
}

func alwaysApprove(context.Context, executor.ApprovalPrompt) bool { return true }
func alwaysDeny(context.Context, executor.ApprovalPrompt) bool    { return false }

func statePath(transitions []statemachine.Transition) []models.ExecutionState {
	states := []models.ExecutionState{models.StateIdle}
	for _, tr := range transitions {
		if tr.To != states[len(states)-1] {
			states = append(states, tr.To)
		}
	}
	return states
}

func TestReadOnlyRunbookCompletesWithoutApprovals(t *testing.T) {
	f := newFixture(t, nil, false)
	rb := &models.Runbook{
		ID: "rb-triage", Version: "1.0.0",
		Config: models.RunbookConfig{AutomationLevel: models.AutomationL1},
		Steps: []models.RunbookStep{
			{ID: "step-01", Name: "Query SIEM", Action: "query_siem", Executor: "edr",
				Parameters: map[string]any{"host": "{{ alert.host.name }}"}},
			{ID: "step-02", Name: "Collect logs", Action: "collect_logs", Executor: "edr",
				DependsOn: []string{"step-01"}},
		},
	}

	var transitions []statemachine.Transition
	approvals := 0
	result := f.orch.Execute(context.Background(), rb,
		models.Alert{"host": map[string]any{"name": "web-01"}},
		Options{
			Approve: func(ctx context.Context, p executor.ApprovalPrompt) bool {
				approvals++
				return true
			},
			OnStateChange: func(from, to models.ExecutionState, event statemachine.Event) {
				transitions = append(transitions, statemachine.Transition{From: from, To: to, Event: event})
			},
		})

	require.NotNil(t, result)
	assert.True(t, result.Success)
	assert.Equal(t, models.StateCompleted, result.State)
	assert.Nil(t, result.Error)
	assert.Nil(t, result.Rollback)
	assert.Zero(t, approvals, "read-only steps never prompt for approval")
	assert.Equal(t, []string{"query_siem", "collect_logs"}, f.adapter.calls)

	assert.Equal(t, []models.ExecutionState{
		models.StateIdle, models.StateValidating, models.StatePlanning,
		models.StateExecuting, models.StateCompleted,
	}, statePath(transitions))

	// Persistence settled to the terminal row.
	record, err := f.executions.GetExecution(context.Background(), result.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, string(models.StateCompleted), record.State)
	assert.NotNil(t, record.CompletedAt)

	steps, err := f.executions.StepResults(context.Background(), result.ExecutionID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.True(t, steps[0].Success)
}

func TestDeniedWriteFailsWithoutRollback(t *testing.T) {
	f := newFixture(t, nil, false)
	rb := &models.Runbook{
		ID: "rb-contain", Version: "1.0.0",
		Config: models.RunbookConfig{AutomationLevel: models.AutomationL1},
		Steps: []models.RunbookStep{
			{ID: "step-01", Action: "query_siem", Executor: "edr"},
			{ID: "step-02", Action: "isolate_host", Executor: "edr",
				DependsOn: []string{"step-01"}}, // on_error defaults to halt
		},
	}

	result := f.orch.Execute(context.Background(), rb, nil, Options{Approve: alwaysDeny})

	assert.False(t, result.Success)
	assert.Equal(t, models.StateFailed, result.State)
	require.NotNil(t, result.Error)
	assert.Equal(t, models.ErrCodeApprovalDenied, result.Error.Code)
	assert.Nil(t, result.Rollback, "nothing to compensate: no completed write")
	assert.Equal(t, []string{"query_siem"}, f.adapter.calls, "denied step never dispatches")
}

func TestMidChainFailureTriggersRollback(t *testing.T) {
	f := newFixture(t, map[string]bool{"disable_account": true}, false)
	rb := &models.Runbook{
		ID: "rb-respond", Version: "1.0.0",
		Config: models.RunbookConfig{AutomationLevel: models.AutomationL1},
		Steps: []models.RunbookStep{
			{ID: "step-01", Action: "isolate_host", Executor: "edr",
				Parameters: map[string]any{"hostname": "web-01"},
				Rollback: &models.RollbackSpec{Action: "unisolate_host",
					Parameters: map[string]any{"hostname": "web-01"}}},
			{ID: "step-02", Action: "disable_account", Executor: "edr",
				DependsOn: []string{"step-01"}},
		},
	}

	var transitions []statemachine.Transition
	result := f.orch.Execute(context.Background(), rb, nil, Options{
		Approve: alwaysApprove,
		OnStateChange: func(from, to models.ExecutionState, event statemachine.Event) {
			transitions = append(transitions, statemachine.Transition{From: from, To: to, Event: event})
		},
	})

	assert.False(t, result.Success, "a rolled-back execution is not a success")
	assert.Equal(t, models.StateCompleted, result.State, "clean rollback settles completed")
	require.NotNil(t, result.Error)
	assert.Equal(t, "STEP_EXECUTION_FAILED", result.Error.Code)

	require.NotNil(t, result.Rollback)
	assert.True(t, result.Rollback.Success)
	assert.Equal(t, 1, result.Rollback.TotalSucceeded)
	assert.Equal(t, []string{"isolate_host", "disable_account", "unisolate_host"}, f.adapter.calls)

	assert.Equal(t, []models.ExecutionState{
		models.StateIdle, models.StateValidating, models.StatePlanning,
		models.StateExecuting, models.StateRollingBack, models.StateCompleted,
	}, statePath(transitions))
}

func TestRollbackDisabledGoesStraightToFailed(t *testing.T) {
	f := newFixture(t, map[string]bool{"disable_account": true}, false)
	noRollback := false
	rb := &models.Runbook{
		ID: "rb-no-rb", Version: "1.0.0",
		Config: models.RunbookConfig{AutomationLevel: models.AutomationL1, RollbackOnFail: &noRollback},
		Steps: []models.RunbookStep{
			{ID: "step-01", Action: "isolate_host", Executor: "edr",
				Rollback: &models.RollbackSpec{Action: "unisolate_host"}},
			{ID: "step-02", Action: "disable_account", Executor: "edr",
				DependsOn: []string{"step-01"}},
		},
	}

	result := f.orch.Execute(context.Background(), rb, nil, Options{Approve: alwaysApprove})

	assert.Equal(t, models.StateFailed, result.State)
	assert.Nil(t, result.Rollback)
	assert.NotContains(t, f.adapter.calls, "unisolate_host")
}

func TestValidationFailureOnCyclicGraph(t *testing.T) {
	f := newFixture(t, nil, false)
	rb := &models.Runbook{
		ID: "rb-cycle", Version: "1.0.0",
		Config: models.RunbookConfig{AutomationLevel: models.AutomationL1},
		Steps: []models.RunbookStep{
			{ID: "step-01", Action: "query_siem", Executor: "edr", DependsOn: []string{"step-02"}},
			{ID: "step-02", Action: "collect_logs", Executor: "edr", DependsOn: []string{"step-01"}},
		},
	}

	result := f.orch.Execute(context.Background(), rb, nil, Options{})

	assert.Equal(t, models.StateFailed, result.State)
	require.NotNil(t, result.Error)
	assert.Equal(t, models.ErrCodeValidationFailed, result.Error.Code)
	assert.Empty(t, f.adapter.calls)
	assert.Empty(t, result.StepsExecuted)
}

func TestSimulationPersistsReport(t *testing.T) {
	f := newFixture(t, nil, true)
	rb := &models.Runbook{
		ID: "rb-sim", Version: "1.0.0",
		Metadata: map[string]any{"name": "Containment dry run"},
		Config:   models.RunbookConfig{AutomationLevel: models.AutomationL2},
		Steps: []models.RunbookStep{
			{ID: "step-01", Action: "isolate_host", Executor: "edr",
				Parameters: map[string]any{"hostname": "web-01"}},
		},
	}

	result := f.orch.Execute(context.Background(), rb, nil, Options{Mode: models.ModeSimulation})

	assert.True(t, result.Success)
	require.NotNil(t, result.Report)
	assert.Equal(t, result.ExecutionID, result.Report.ExecutionID)
	assert.Equal(t, models.OutcomeSuccess, result.Report.PredictedOutcome)
	require.NotEmpty(t, f.adapter.modes)
	assert.Equal(t, models.ModeSimulation, f.adapter.modes[0], "L2 dispatches in simulation mode")

	saved, err := f.simulations.GetReport(context.Background(), result.Report.SimulationID)
	require.NoError(t, err)
	assert.Equal(t, result.Report.SimulationID, saved.SimulationID)
}

func TestSimulationGateDeniedCancels(t *testing.T) {
	f := newFixture(t, nil, true)
	rb := &models.Runbook{
		ID: "rb-sim-gated", Version: "1.0.0",
		Config: models.RunbookConfig{AutomationLevel: models.AutomationL2, RequiresApproval: true},
		Steps: []models.RunbookStep{
			{ID: "step-01", Action: "isolate_host", Executor: "edr"},
		},
	}

	result := f.orch.Execute(context.Background(), rb, nil, Options{
		Mode:    models.ModeSimulation,
		Approve: alwaysDeny,
	})

	assert.Equal(t, models.StateCancelled, result.State)
	require.NotNil(t, result.Error)
	assert.Equal(t, models.ErrCodeApprovalDenied, result.Error.Code)
	assert.Empty(t, f.adapter.calls)
}

func TestL2DisabledReturnsNotImplemented(t *testing.T) {
	f := newFixture(t, nil, false)
	rb := &models.Runbook{
		ID: "rb-sim-off", Version: "1.0.0",
		Config: models.RunbookConfig{AutomationLevel: models.AutomationL2},
		Steps: []models.RunbookStep{
			{ID: "step-01", Action: "isolate_host", Executor: "edr"},
		},
	}

	result := f.orch.Execute(context.Background(), rb, nil, Options{Mode: models.ModeSimulation})

	assert.Equal(t, models.StateFailed, result.State)
	require.NotNil(t, result.Error)
	assert.Equal(t, models.ErrCodeL2NotImplemented, result.Error.Code)
}

func TestAuditChainSurvivesExecution(t *testing.T) {
	f := newFixture(t, nil, false)
	rb := &models.Runbook{
		ID: "rb-audited", Version: "1.0.0",
		Config: models.RunbookConfig{AutomationLevel: models.AutomationL1},
		Steps: []models.RunbookStep{
			{ID: "step-01", Action: "query_siem", Executor: "edr"},
		},
	}

	result := f.orch.Execute(context.Background(), rb, nil, Options{Actor: "analyst@soc"})
	require.True(t, result.Success)

	verify, err := f.audit.VerifyChain(context.Background(), result.ExecutionID)
	require.NoError(t, err)
	assert.True(t, verify.Valid)
	assert.Greater(t, verify.Entries, 5, "lifecycle leaves a full trail")

	entries, err := f.audit.Entries(context.Background(), result.ExecutionID)
	require.NoError(t, err)
	types := make([]string, 0, len(entries))
	for _, e := range entries {
		types = append(types, e.EventType)
	}
	assert.Contains(t, types, models.AuditExecutionStarted)
	assert.Contains(t, types, models.AuditStepStarted)
	assert.Contains(t, types, models.AuditStepCompleted)
	assert.Contains(t, types, models.AuditExecutionCompleted)
	assert.Equal(t, "analyst@soc", entries[0].Actor)
}

func TestUnwritableAuditStoreFailsExecution(t *testing.T) {
	f := newFixture(t, nil, false)
	rb := &models.Runbook{
		ID: "rb-audit-down", Version: "1.0.0",
		Config: models.RunbookConfig{AutomationLevel: models.AutomationL1},
		Steps: []models.RunbookStep{
			{ID: "step-01", Action: "query_siem", Executor: "edr"},
		},
	}

	// Every audit append fails once the store is gone. The run must settle
	// failed rather than report success without a durable trail.
	require.NoError(t, f.client.Close())

	result := f.orch.Execute(context.Background(), rb, nil, Options{})

	require.NotNil(t, result)
	assert.False(t, result.Success)
	assert.Equal(t, models.StateFailed, result.State)
	require.NotNil(t, result.Error)
	assert.Equal(t, models.ErrCodeOrchestrationError, result.Error.Code)
	assert.Empty(t, f.adapter.calls, "no step dispatches without an audit trail")
}

func TestControllerHandleIsReleased(t *testing.T) {
	f := newFixture(t, nil, false)
	rb := &models.Runbook{
		ID: "rb-handles", Version: "1.0.0",
		Config: models.RunbookConfig{AutomationLevel: models.AutomationL1, MaxExecutionTime: 300},
		Steps: []models.RunbookStep{
			{ID: "step-01", Action: "query_siem", Executor: "edr"},
		},
	}

	result := f.orch.Execute(context.Background(), rb, nil, Options{})
	require.True(t, result.Success)

	_, err := f.controller.Get(result.ExecutionID)
	assert.ErrorIs(t, err, controller.ErrUnknownExecution, "terminal handles are removed")
}
