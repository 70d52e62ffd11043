package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/detectforge/runbookpilot/pkg/adapter"
	"github.com/detectforge/runbookpilot/pkg/approval"
	"github.com/detectforge/runbookpilot/pkg/audit"
	"github.com/detectforge/runbookpilot/pkg/config"
	"github.com/detectforge/runbookpilot/pkg/controller"
	"github.com/detectforge/runbookpilot/pkg/database"
	"github.com/detectforge/runbookpilot/pkg/metrics"
	"github.com/detectforge/runbookpilot/pkg/models"
	"github.com/detectforge/runbookpilot/pkg/orchestrator"
	"github.com/detectforge/runbookpilot/pkg/services"
	testdb "github.com/detectforge/runbookpilot/test/database"
)

type stubAdapter struct{ name string }

func (a *stubAdapter) Name() string                 { return a.name }
func (a *stubAdapter) Healthy(context.Context) bool { return true }

func (a *stubAdapter) Execute(_ context.Context, action string, _ map[string]any, _ models.ExecutionMode) (*adapter.Result, error) {
	return &adapter.Result{Success: true, Action: action, Executor: a.name}, nil
}

type apiFixture struct {
	server    *Server
	router    *gin.Engine
	client    *database.Client
	approvals *approval.Queue
	audit     *audit.Logger
}

func newAPIFixture(t *testing.T, runbooks map[string]*models.Runbook) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	client := testdb.NewTestClient(t)
	reg := adapter.NewRegistry()
	reg.Register(&stubAdapter{name: "siem"})

	promReg := prometheus.NewRegistry()
	auditLogger := audit.NewLogger(client)
	executions := services.NewExecutionService(client)
	simulations := services.NewSimulationService(client)
	ctrl := controller.New()

	cfg := &config.Config{
		Server:     &config.ServerConfig{Host: "127.0.0.1", Port: 0, ShutdownTimeout: time.Second},
		Approvals:  &config.ApprovalsConfig{TTL: time.Hour, SweepInterval: time.Minute},
		Simulation: &config.SimulationConfig{Enabled: true},
		Runbooks:   config.NewRunbookRegistry(runbooks),
	}

	orch := orchestrator.New(orchestrator.Config{
		Adapters:    reg,
		Audit:       auditLogger,
		Executions:  executions,
		Simulations: simulations,
		Controller:  ctrl,
		Metrics:     metrics.New(promReg),
		L2Enabled:   true,
	})

	f := &apiFixture{
		client:    client,
		approvals: approval.NewQueue(client),
		audit:     auditLogger,
	}
	f.server = NewServer(Deps{
		Config:       cfg,
		DB:           client,
		Orchestrator: orch,
		Approvals:    f.approvals,
		Audit:        auditLogger,
		Executions:   executions,
		Simulations:  simulations,
		Controller:   ctrl,
		Registry:     promReg,
	})
	f.router = f.server.Router()
	return f
}

func (f *apiFixture) request(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func readOnlyRunbook() *models.Runbook {
	return &models.Runbook{
		ID: "rb-triage", Version: "1.0.0",
		Triggers: []models.TriggerSpec{
			{DetectionSources: []string{"siem"}, Severity: []string{"high", "critical"}},
		},
		Config: models.RunbookConfig{AutomationLevel: models.AutomationL1},
		Steps: []models.RunbookStep{
			{ID: "step-01", Action: "query_siem", Executor: "siem"},
		},
	}
}

func TestSubmitAlertWithPinnedRunbook(t *testing.T) {
	f := newAPIFixture(t, map[string]*models.Runbook{"rb-triage": readOnlyRunbook()})

	rec := f.request(t, http.MethodPost, "/api/v1/alerts", SubmitAlertRequest{
		Alert:     models.Alert{"severity": "high"},
		RunbookID: "rb-triage",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp AlertResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ExecutionID)
	assert.Equal(t, "rb-triage", resp.RunbookID)
	assert.Equal(t, "accepted", resp.Status)

	// The execution runs asynchronously; wait for the terminal record.
	require.Eventually(t, func() bool {
		get := f.request(t, http.MethodGet, "/api/v1/executions/"+resp.ExecutionID, nil)
		if get.Code != http.StatusOK {
			return false
		}
		var body ExecutionResponse
		if err := json.Unmarshal(get.Body.Bytes(), &body); err != nil {
			return false
		}
		return body.Execution.State == string(models.StateCompleted)
	}, 5*time.Second, 50*time.Millisecond)
}

func TestSubmitAlertMatchesByTrigger(t *testing.T) {
	f := newAPIFixture(t, map[string]*models.Runbook{"rb-triage": readOnlyRunbook()})

	rec := f.request(t, http.MethodPost, "/api/v1/alerts", SubmitAlertRequest{
		Alert: models.Alert{
			"event":         map[string]any{"severity": 90},
			"x-detectforge": map[string]any{"detection_source": "siem"},
		},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp AlertResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "rb-triage", resp.RunbookID)
	require.NotNil(t, resp.Trigger)
	assert.True(t, resp.Trigger.Matched)
}

func TestSubmitAlertWithoutMatch(t *testing.T) {
	f := newAPIFixture(t, map[string]*models.Runbook{"rb-triage": readOnlyRunbook()})

	rec := f.request(t, http.MethodPost, "/api/v1/alerts", SubmitAlertRequest{
		Alert: models.Alert{"event": map[string]any{"severity": 10}},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestSubmitAlertValidation(t *testing.T) {
	f := newAPIFixture(t, nil)

	t.Run("unknown runbook id", func(t *testing.T) {
		rec := f.request(t, http.MethodPost, "/api/v1/alerts", SubmitAlertRequest{
			Alert: models.Alert{"severity": "high"}, RunbookID: "rb-ghost",
		})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
	t.Run("unknown mode", func(t *testing.T) {
		rec := f.request(t, http.MethodPost, "/api/v1/alerts", SubmitAlertRequest{
			Alert: models.Alert{"severity": "high"}, Mode: "dry-run-ish",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
	t.Run("missing alert", func(t *testing.T) {
		rec := f.request(t, http.MethodPost, "/api/v1/alerts", map[string]any{"mode": "production"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestExecutionEndpoints(t *testing.T) {
	f := newAPIFixture(t, nil)

	rec := f.request(t, http.MethodGet, "/api/v1/executions/not-there", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.request(t, http.MethodGet, "/api/v1/executions", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.request(t, http.MethodPost, "/api/v1/executions/not-there/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestApprovalDecisionFlow(t *testing.T) {
	f := newAPIFixture(t, nil)
	testdb.SeedExecution(t, f.client, "exec-1", "rb-triage")

	request, err := f.approvals.Create(context.Background(), approval.CreateRequest{
		ExecutionID: "exec-1", RunbookID: "rb-triage", StepID: "step-02",
		Action: "isolate_host",
	})
	require.NoError(t, err)

	rec := f.request(t, http.MethodGet, "/api/v1/approvals", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), request.RequestID)

	rec = f.request(t, http.MethodPost, "/api/v1/approvals/"+request.RequestID+"/approve",
		DecisionRequest{ApprovedBy: "analyst@soc"})
	require.Equal(t, http.StatusOK, rec.Code)

	var decided models.ApprovalRequest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decided))
	assert.Equal(t, models.ApprovalApproved, decided.Status)

	// Decisions are final.
	rec = f.request(t, http.MethodPost, "/api/v1/approvals/"+request.RequestID+"/deny",
		DecisionRequest{ApprovedBy: "analyst@soc", Reason: "changed my mind"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDenyRequiresReason(t *testing.T) {
	f := newAPIFixture(t, nil)
	testdb.SeedExecution(t, f.client, "exec-1", "rb-triage")

	request, err := f.approvals.Create(context.Background(), approval.CreateRequest{
		ExecutionID: "exec-1", RunbookID: "rb-triage", StepID: "step-02", Action: "block_ip",
	})
	require.NoError(t, err)

	rec := f.request(t, http.MethodPost, "/api/v1/approvals/"+request.RequestID+"/deny",
		DecisionRequest{ApprovedBy: "analyst@soc"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuditEndpointWithVerification(t *testing.T) {
	f := newAPIFixture(t, nil)
	testdb.SeedExecution(t, f.client, "exec-audit", "rb-triage")

	_, err := f.audit.Record(context.Background(), "exec-audit", "rb-triage",
		models.AuditExecutionStarted, "system", map[string]any{"runbook_id": "rb-triage"})
	require.NoError(t, err)
	_, err = f.audit.Record(context.Background(), "exec-audit", "rb-triage",
		models.AuditExecutionCompleted, "system", nil)
	require.NoError(t, err)

	rec := f.request(t, http.MethodGet, "/api/v1/executions/exec-audit/audit?verify=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp AuditResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Entries, 2)
	require.NotNil(t, resp.Verification)
	assert.True(t, resp.Verification.Valid)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newAPIFixture(t, nil)

	rec := f.request(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")

	rec = f.request(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRunbookEndpoints(t *testing.T) {
	f := newAPIFixture(t, map[string]*models.Runbook{"rb-triage": readOnlyRunbook()})

	rec := f.request(t, http.MethodGet, "/api/v1/runbooks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "rb-triage")

	rec = f.request(t, http.MethodGet, "/api/v1/runbooks/rb-triage", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.request(t, http.MethodGet, "/api/v1/runbooks/rb-ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
