// Package database provides shared database helpers for tests.
package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/detectforge/runbookpilot/pkg/database"
	"github.com/stretchr/testify/require"
)

// NewTestClient creates a migrated SQLite client backed by a temp file.
// The file lives in t.TempDir() and the connection is closed via t.Cleanup,
// so every test gets an isolated database with zero external dependencies.
func NewTestClient(t *testing.T) *database.Client {
	t.Helper()

	client, err := database.NewClient(context.Background(), database.Config{
		Driver: database.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "runbookpilot-test.db"),
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = client.Close() })
	return client
}

// SeedExecution inserts a minimal executions row so child tables with
// foreign keys (audit_log, approval_queue, step_results) accept the id.
func SeedExecution(t *testing.T, client *database.Client, executionID, runbookID string) {
	t.Helper()

	_, err := client.DB().ExecContext(context.Background(), client.DB().Rebind(`
		INSERT INTO executions (execution_id, runbook_id, mode, state, started_at)
		VALUES (?, ?, 'production', 'executing', CURRENT_TIMESTAMP)`),
		executionID, runbookID)
	require.NoError(t, err)
}
