package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/detectforge/runbookpilot/pkg/models"
)

func validRunbook() *models.Runbook {
	return &models.Runbook{
		ID:      "rb-valid",
		Version: "1.0.0",
		Config:  models.RunbookConfig{AutomationLevel: models.AutomationL1},
		Steps: []models.RunbookStep{
			{ID: "step-01", Action: "query_siem", Executor: "siem"},
			{ID: "step-02", Action: "isolate_host", Executor: "edr", DependsOn: []string{"step-01"}},
		},
	}
}

func TestValidateRunbook(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(rb *models.Runbook)
		field  string
	}{
		{"missing id", func(rb *models.Runbook) { rb.ID = "" }, "id"},
		{"missing version", func(rb *models.Runbook) { rb.Version = "" }, "version"},
		{"missing automation level", func(rb *models.Runbook) { rb.Config.AutomationLevel = "" }, "config.automation_level"},
		{"bogus automation level", func(rb *models.Runbook) { rb.Config.AutomationLevel = "L9" }, "config.automation_level"},
		{"negative max execution time", func(rb *models.Runbook) { rb.Config.MaxExecutionTime = -1 }, "config.max_execution_time"},
		{"no steps", func(rb *models.Runbook) { rb.Steps = nil }, "steps"},
		{"missing step id", func(rb *models.Runbook) { rb.Steps[0].ID = "" }, "steps[].id"},
		{"duplicate step id", func(rb *models.Runbook) { rb.Steps[1].ID = "step-01" }, "id"},
		{"missing action", func(rb *models.Runbook) { rb.Steps[0].Action = "" }, "action"},
		{"missing executor", func(rb *models.Runbook) { rb.Steps[0].Executor = "" }, "executor"},
		{"bogus on_error", func(rb *models.Runbook) { rb.Steps[0].OnError = "retry" }, "on_error"},
		{"negative timeout", func(rb *models.Runbook) { rb.Steps[0].Timeout = -5 }, "timeout"},
		{"rollback without action", func(rb *models.Runbook) { rb.Steps[0].Rollback = &models.RollbackSpec{} }, "rollback.action"},
		{"unknown dependency", func(rb *models.Runbook) { rb.Steps[1].DependsOn = []string{"step-99"} }, "depends_on"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rb := validRunbook()
			tt.mutate(rb)

			err := ValidateRunbook(rb)
			require.Error(t, err)

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	t.Run("valid runbook passes", func(t *testing.T) {
		assert.NoError(t, ValidateRunbook(validRunbook()))
	})

	t.Run("cyclic graph rejected", func(t *testing.T) {
		rb := validRunbook()
		rb.Steps[0].DependsOn = []string{"step-02"}

		err := ValidateRunbook(rb)
		require.Error(t, err)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "runbook", verr.Component)
	})
}
