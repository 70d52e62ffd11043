package config

import (
	"fmt"
	"sort"

	"github.com/detectforge/runbookpilot/pkg/models"
)

// RunbookRegistry is the immutable id-to-runbook index built at load time.
type RunbookRegistry struct {
	runbooks map[string]*models.Runbook
}

// NewRunbookRegistry creates a registry over the given runbooks.
func NewRunbookRegistry(runbooks map[string]*models.Runbook) *RunbookRegistry {
	if runbooks == nil {
		runbooks = make(map[string]*models.Runbook)
	}
	return &RunbookRegistry{runbooks: runbooks}
}

// Get returns the runbook with the given id.
func (r *RunbookRegistry) Get(id string) (*models.Runbook, error) {
	rb, ok := r.runbooks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunbookNotFound, id)
	}
	return rb, nil
}

// All returns every runbook ordered by id.
func (r *RunbookRegistry) All() []*models.Runbook {
	out := make([]*models.Runbook, 0, len(r.runbooks))
	for _, id := range r.IDs() {
		out = append(out, r.runbooks[id])
	}
	return out
}

// IDs returns the sorted runbook ids.
func (r *RunbookRegistry) IDs() []string {
	ids := make([]string, 0, len(r.runbooks))
	for id := range r.runbooks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered runbooks.
func (r *RunbookRegistry) Len() int {
	return len(r.runbooks)
}
