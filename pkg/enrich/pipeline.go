// Package enrich runs the parallel pre-execution enrichment pipeline:
// every enabled source gets one concurrent attempt with its own timeout,
// and the pipeline itself never fails.
package enrich

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/detectforge/runbookpilot/pkg/models"
)

// Source augments an alert with additional context. Implementations declare
// their own per-call timeout.
type Source interface {
	Name() string
	Enabled() bool
	TimeoutMs() int
	Enrich(ctx context.Context, alert models.Alert) (map[string]any, error)
}

// Enrichment is the outcome of one source attempt.
type Enrichment struct {
	Source     string         `json:"source"`
	Success    bool           `json:"success"`
	Data       map[string]any `json:"data,omitempty"`
	Error      string         `json:"error,omitempty"`
	TimedOut   bool           `json:"timed_out,omitempty"`
	DurationMs int64          `json:"duration_ms"`
}

// Result aggregates a full pipeline run.
type Result struct {
	Alert           models.Alert              `json:"alert"`
	Enrichments     []Enrichment              `json:"enrichments"`
	TotalDurationMs int64                     `json:"total_duration_ms"`
	SuccessCount    int                       `json:"success_count"`
	FailureCount    int                       `json:"failure_count"`
	EnrichedContext map[string]map[string]any `json:"enriched_context"`
}

// Pipeline is a process-wide registry of enrichment sources. Registration
// replaces by name; reads are concurrent, writes exclusive.
type Pipeline struct {
	mu      sync.RWMutex
	sources map[string]Source
}

// NewPipeline creates an empty enrichment pipeline.
func NewPipeline() *Pipeline {
	return &Pipeline{sources: make(map[string]Source)}
}

// Register adds or replaces a source by name.
func (p *Pipeline) Register(s Source) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sources[s.Name()] = s
}

// Sources returns a name-sorted snapshot of the registered sources.
func (p *Pipeline) Sources() []Source {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Source, 0, len(p.sources))
	for _, s := range p.sources {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Run executes every enabled source in parallel, each bounded by its own
// timeout. Failures and timeouts are captured in the result; the pipeline
// resolves once every source has returned, failed, or timed out.
func (p *Pipeline) Run(ctx context.Context, alert models.Alert) *Result {
	started := time.Now()
	sources := p.Sources()

	enabled := make([]Source, 0, len(sources))
	for _, s := range sources {
		if s.Enabled() {
			enabled = append(enabled, s)
		}
	}

	results := make([]Enrichment, len(enabled))
	var wg sync.WaitGroup
	for i, s := range enabled {
		wg.Add(1)
		go func(idx int, src Source) {
			defer wg.Done()
			results[idx] = runSource(ctx, src, alert)
		}(i, s)
	}
	wg.Wait()

	result := &Result{
		Alert:           alert,
		Enrichments:     results,
		TotalDurationMs: time.Since(started).Milliseconds(),
		EnrichedContext: make(map[string]map[string]any),
	}
	for _, e := range results {
		if e.Success {
			result.SuccessCount++
			result.EnrichedContext[e.Source] = e.Data
		} else {
			result.FailureCount++
		}
	}
	return result
}

// runSource executes one source with its declared timeout, recovering from
// panics so a misbehaving source cannot take down the pipeline.
func runSource(ctx context.Context, src Source, alert models.Alert) Enrichment {
	started := time.Now()
	timeout := time.Duration(src.TimeoutMs()) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	srcCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		data map[string]any
		err  error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Warn("Enrichment source panicked", "source", src.Name(), "panic", r)
				ch <- outcome{err: fmt.Errorf("source panic: %v", r)}
			}
		}()
		data, err := src.Enrich(srcCtx, alert)
		ch <- outcome{data: data, err: err}
	}()

	select {
	case <-srcCtx.Done():
		return Enrichment{
			Source:     src.Name(),
			TimedOut:   srcCtx.Err() == context.DeadlineExceeded,
			Error:      srcCtx.Err().Error(),
			DurationMs: time.Since(started).Milliseconds(),
		}
	case out := <-ch:
		e := Enrichment{
			Source:     src.Name(),
			DurationMs: time.Since(started).Milliseconds(),
		}
		if out.err != nil {
			e.Error = out.err.Error()
		} else {
			e.Success = true
			e.Data = out.data
		}
		return e
	}
}
