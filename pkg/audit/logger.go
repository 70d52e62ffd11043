// Package audit persists a per-execution hash chain of engine events.
// Every entry's hash covers the previous entry's hash, so any in-place
// edit of a recorded event breaks verification for the rest of the chain.
package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/detectforge/runbookpilot/pkg/database"
	"github.com/detectforge/runbookpilot/pkg/models"
)

// Logger appends and verifies audit chains.
type Logger struct {
	db *sqlx.DB
}

// NewLogger creates an audit logger over the database client.
func NewLogger(client *database.Client) *Logger {
	return &Logger{db: client.DB()}
}

// auditRow is the persisted shape of an entry. created_at is stored as
// RFC3339Nano text so the exact hashed timestamp survives the round trip.
type auditRow struct {
	ID          string  `db:"id"`
	ExecutionID string  `db:"execution_id"`
	RunbookID   string  `db:"runbook_id"`
	EventType   string  `db:"event_type"`
	Actor       string  `db:"actor"`
	DetailsJSON string  `db:"details_json"`
	PrevHash    *string `db:"prev_hash"`
	Hash        string  `db:"hash"`
	CreatedAt   string  `db:"created_at"`
}

func (r *auditRow) toEntry() (models.AuditEntry, error) {
	var details map[string]any
	if err := json.Unmarshal([]byte(r.DetailsJSON), &details); err != nil {
		return models.AuditEntry{}, fmt.Errorf("failed to decode audit details: %w", err)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, r.CreatedAt)
	if err != nil {
		return models.AuditEntry{}, fmt.Errorf("failed to parse audit timestamp: %w", err)
	}
	return models.AuditEntry{
		ID:          r.ID,
		ExecutionID: r.ExecutionID,
		RunbookID:   r.RunbookID,
		EventType:   r.EventType,
		Actor:       r.Actor,
		Details:     details,
		PrevHash:    r.PrevHash,
		Hash:        r.Hash,
		CreatedAt:   createdAt,
	}, nil
}

// Record appends one event to the execution's chain and returns the stored
// entry. The first entry of a chain has a nil previous hash.
func (l *Logger) Record(ctx context.Context, executionID, runbookID, eventType, actor string, details map[string]any) (*models.AuditEntry, error) {
	if details == nil {
		details = map[string]any{}
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("failed to encode audit details: %w", err)
	}
	if actor == "" {
		actor = "system"
	}

	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin audit transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Serialise appends per execution. Postgres locks the parent executions
	// row so two concurrent writers cannot both read the same chain head;
	// SQLite serialises on its single connection.
	if l.db.DriverName() == "pgx" {
		var locked string
		err = tx.GetContext(ctx, &locked,
			"SELECT execution_id FROM executions WHERE execution_id = $1 FOR UPDATE", executionID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to lock audit chain: %w", err)
		}
	}

	var prevHash *string
	var last string
	err = tx.GetContext(ctx, &last, tx.Rebind(
		"SELECT hash FROM audit_log WHERE execution_id = ? ORDER BY seq DESC LIMIT 1"), executionID)
	switch {
	case err == nil:
		prevHash = &last
	case errors.Is(err, sql.ErrNoRows):
		// first entry of the chain
	default:
		return nil, fmt.Errorf("failed to read chain head: %w", err)
	}

	createdAt := time.Now().UTC().Format(time.RFC3339Nano)
	row := auditRow{
		ID:          uuid.New().String(),
		ExecutionID: executionID,
		RunbookID:   runbookID,
		EventType:   eventType,
		Actor:       actor,
		DetailsJSON: string(detailsJSON),
		PrevHash:    prevHash,
		Hash:        chainHash(prevHash, eventType, executionID, string(detailsJSON), createdAt),
		CreatedAt:   createdAt,
	}

	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO audit_log (id, execution_id, runbook_id, event_type, actor, details_json, prev_hash, hash, created_at)
		VALUES (:id, :execution_id, :runbook_id, :event_type, :actor, :details_json, :prev_hash, :hash, :created_at)`, row)
	if err != nil {
		return nil, fmt.Errorf("failed to insert audit entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit audit entry: %w", err)
	}

	entry, err := row.toEntry()
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// Entries returns the execution's chain in append order.
func (l *Logger) Entries(ctx context.Context, executionID string) ([]models.AuditEntry, error) {
	var rows []auditRow
	err := l.db.SelectContext(ctx, &rows, l.db.Rebind(
		"SELECT id, execution_id, runbook_id, event_type, actor, details_json, prev_hash, hash, created_at FROM audit_log WHERE execution_id = ? ORDER BY seq ASC"), executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load audit entries: %w", err)
	}

	entries := make([]models.AuditEntry, 0, len(rows))
	for i := range rows {
		entry, err := rows[i].toEntry()
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// VerifyResult is the outcome of a chain verification pass.
type VerifyResult struct {
	Valid      bool   `json:"valid"`
	Entries    int    `json:"entries"`
	BrokenAt   string `json:"broken_at,omitempty"` // entry id of the first broken link
	BrokenSeq  int    `json:"broken_seq,omitempty"`
	FailReason string `json:"fail_reason,omitempty"`
}

// VerifyChain recomputes every hash in the execution's chain and checks the
// prev-hash linkage. An empty chain is valid.
func (l *Logger) VerifyChain(ctx context.Context, executionID string) (*VerifyResult, error) {
	var rows []auditRow
	err := l.db.SelectContext(ctx, &rows, l.db.Rebind(
		"SELECT id, execution_id, runbook_id, event_type, actor, details_json, prev_hash, hash, created_at FROM audit_log WHERE execution_id = ? ORDER BY seq ASC"), executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load audit entries: %w", err)
	}

	result := &VerifyResult{Valid: true, Entries: len(rows)}
	var prev *string
	for i := range rows {
		row := &rows[i]

		if (row.PrevHash == nil) != (prev == nil) || (prev != nil && *row.PrevHash != *prev) {
			return brokenAt(result, row, i, "prev_hash does not match previous entry"), nil
		}
		expected := chainHash(row.PrevHash, row.EventType, row.ExecutionID, row.DetailsJSON, row.CreatedAt)
		if expected != row.Hash {
			return brokenAt(result, row, i, "entry hash does not match recorded content"), nil
		}
		prev = &row.Hash
	}
	return result, nil
}

func brokenAt(result *VerifyResult, row *auditRow, index int, reason string) *VerifyResult {
	result.Valid = false
	result.BrokenAt = row.ID
	result.BrokenSeq = index
	result.FailReason = reason
	return result
}

// chainHash computes SHA-256 over the pipe-joined entry fields. Details are
// hashed as compact JSON with sorted keys, which is what json.Marshal emits
// for maps.
func chainHash(prevHash *string, eventType, executionID, detailsJSON, createdAt string) string {
	prev := ""
	if prevHash != nil {
		prev = *prevHash
	}
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s", prev, eventType, executionID, detailsJSON, createdAt)
	return hex.EncodeToString(h.Sum(nil))
}
