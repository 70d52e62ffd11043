package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/detectforge/runbookpilot/pkg/adapter"
	"github.com/detectforge/runbookpilot/pkg/models"
	"github.com/detectforge/runbookpilot/pkg/template"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAdapter is a scriptable test adapter.
type fakeAdapter struct {
	name    string
	delay   time.Duration
	fail    bool
	err     error
	output  map[string]any
	lastCtx struct {
		action string
		params map[string]any
		mode   models.ExecutionMode
	}
}

func (f *fakeAdapter) Name() string                 { return f.name }
func (f *fakeAdapter) Healthy(context.Context) bool { return true }

func (f *fakeAdapter) Execute(ctx context.Context, action string, params map[string]any, mode models.ExecutionMode) (*adapter.Result, error) {
	f.lastCtx.action = action
	f.lastCtx.params = params
	f.lastCtx.mode = mode
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.fail {
		return &adapter.Result{
			Success:  false,
			Action:   action,
			Executor: f.name,
			Error:    &adapter.Error{Code: "EDR_ERROR", Message: "host unreachable", Adapter: f.name, Action: action},
		}, nil
	}
	return &adapter.Result{Success: true, Action: action, Executor: f.name, Output: f.output}, nil
}

func newTestScheduler(adapters ...adapter.Adapter) *Scheduler {
	reg := adapter.NewRegistry()
	for _, a := range adapters {
		reg.Register(a)
	}
	return New(reg)
}

func emptyTemplateContext() *template.Context {
	return template.NewContext(models.Alert{"host": map[string]any{"name": "web-01"}}, nil, nil)
}

func TestExecuteStepSuccess(t *testing.T) {
	edr := &fakeAdapter{name: "edr", output: map[string]any{"isolated": true}}
	s := newTestScheduler(edr)

	step := &models.RunbookStep{
		ID:         "step-01",
		Name:       "Isolate host",
		Action:     "isolate_host",
		Executor:   "edr",
		Parameters: map[string]any{"hostname": "{{ alert.host.name }}"},
		Timeout:    5,
	}

	outcome := s.ExecuteStep(context.Background(), step, emptyTemplateContext(), models.ModeProduction)
	require.True(t, outcome.Result.Success)
	assert.Empty(t, outcome.Unresolved)
	assert.True(t, outcome.ShouldContinue)
	assert.Equal(t, map[string]any{"isolated": true}, outcome.Result.Output)

	// Parameters resolved before dispatch, mode passed through.
	assert.Equal(t, "web-01", edr.lastCtx.params["hostname"])
	assert.Equal(t, models.ModeProduction, edr.lastCtx.mode)
}

func TestExecuteStepAdapterNotFound(t *testing.T) {
	s := newTestScheduler()
	step := &models.RunbookStep{ID: "step-01", Action: "block_ip", Executor: "firewall", OnError: models.OnErrorContinue}

	outcome := s.ExecuteStep(context.Background(), step, emptyTemplateContext(), models.ModeProduction)
	require.False(t, outcome.Result.Success)
	assert.Equal(t, models.ErrCodeAdapterNotFound, outcome.Result.Error.Code)
	assert.True(t, outcome.ShouldContinue) // on_error=continue
}

func TestExecuteStepTimeout(t *testing.T) {
	slow := &fakeAdapter{name: "siem", delay: 2 * time.Second}
	s := newTestScheduler(slow)
	step := &models.RunbookStep{ID: "step-01", Action: "query_siem", Executor: "siem", Timeout: 1}

	started := time.Now()
	outcome := s.ExecuteStep(context.Background(), step, emptyTemplateContext(), models.ModeProduction)
	require.False(t, outcome.Result.Success)
	assert.Equal(t, models.ErrCodeStepTimeout, outcome.Result.Error.Code)
	assert.False(t, outcome.ShouldContinue) // default on_error=halt
	assert.Less(t, time.Since(started), 2*time.Second)
}

func TestExecuteStepAdapterFailure(t *testing.T) {
	failing := &fakeAdapter{name: "edr", fail: true}
	s := newTestScheduler(failing)
	step := &models.RunbookStep{ID: "step-01", Action: "isolate_host", Executor: "edr"}

	outcome := s.ExecuteStep(context.Background(), step, emptyTemplateContext(), models.ModeProduction)
	require.False(t, outcome.Result.Success)
	assert.Equal(t, models.ErrCodeStepExecutionFailed, outcome.Result.Error.Code)

	adapterErr, ok := outcome.Result.Error.Details["adapterError"].(*adapter.Error)
	require.True(t, ok, "adapter error must be embedded in details")
	assert.Equal(t, "EDR_ERROR", adapterErr.Code)
}

func TestExecuteStepAdapterError(t *testing.T) {
	erroring := &fakeAdapter{name: "edr", err: errors.New("connection refused")}
	s := newTestScheduler(erroring)
	step := &models.RunbookStep{ID: "step-01", Action: "isolate_host", Executor: "edr", OnError: models.OnErrorSkip}

	outcome := s.ExecuteStep(context.Background(), step, emptyTemplateContext(), models.ModeProduction)
	require.False(t, outcome.Result.Success)
	assert.Equal(t, models.ErrCodeStepExecutionError, outcome.Result.Error.Code)
	assert.True(t, outcome.ShouldContinue) // on_error=skip
}

func TestTopologicalOrder(t *testing.T) {
	t.Run("dependencies precede dependents regardless of declared order", func(t *testing.T) {
		steps := []models.RunbookStep{
			{ID: "C", DependsOn: []string{"A", "B"}},
			{ID: "A"},
			{ID: "B", DependsOn: []string{"A"}},
		}
		order, err := TopologicalOrder(steps)
		require.NoError(t, err)
		assert.Equal(t, []string{"A", "B", "C"}, order)
	})

	t.Run("cycle detected", func(t *testing.T) {
		steps := []models.RunbookStep{
			{ID: "A", DependsOn: []string{"B"}},
			{ID: "B", DependsOn: []string{"A"}},
		}
		_, err := TopologicalOrder(steps)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cycle")
	})

	t.Run("unknown dependency", func(t *testing.T) {
		_, err := TopologicalOrder([]models.RunbookStep{{ID: "A", DependsOn: []string{"ghost"}}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown dependency")
	})

	t.Run("duplicate id", func(t *testing.T) {
		_, err := TopologicalOrder([]models.RunbookStep{{ID: "A"}, {ID: "A"}})
		require.Error(t, err)
	})
}

func TestDependenciesMet(t *testing.T) {
	step := &models.RunbookStep{ID: "C", DependsOn: []string{"A", "B"}}
	assert.False(t, DependenciesMet(step, []string{"A"}))
	assert.True(t, DependenciesMet(step, []string{"A", "B"}))
	assert.True(t, DependenciesMet(&models.RunbookStep{ID: "A"}, nil))
}

func TestEvaluateCondition(t *testing.T) {
	tctx := template.NewContext(nil, nil, nil)
	tctx.SetStepOutput("step-01", map[string]any{"risk_score": float64(85), "verdict": "malicious"})

	tests := []struct {
		name      string
		condition string
		want      bool
	}{
		{"empty means no guard", "", true},
		{"numeric greater-than passes", "{{ steps.step-01.output.risk_score }} > 50", true},
		{"numeric greater-than fails", "{{ steps.step-01.output.risk_score }} > 90", false},
		{"equality", "{{ steps.step-01.output.risk_score }} == 85", true},
		{"not-equal", "{{ steps.step-01.output.risk_score }} != 85", false},
		{"literal true", "true", true},
		{"literal false", "false", false},
		{"non-empty string is truthy", "{{ steps.step-01.output.verdict }}", true},
		{"unresolved template fails open", "{{ steps.ghost.output.x }} > 10", true},
		{"bare number is truthy", "42", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EvaluateCondition(tt.condition, tctx))
		})
	}
}

func TestSkippedResult(t *testing.T) {
	step := &models.RunbookStep{ID: "step-02", Name: "Block IP", Action: "block_ip"}
	result := SkippedResult(step, "Condition not met")
	assert.True(t, result.Success)
	assert.True(t, result.Skipped())
	assert.Equal(t, "Condition not met", result.Output["reason"])
}
