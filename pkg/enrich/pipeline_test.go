package enrich

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/detectforge/runbookpilot/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource is a configurable test source.
type fakeSource struct {
	name      string
	enabled   bool
	timeoutMs int
	delay     time.Duration
	data      map[string]any
	err       error
	panics    bool
}

func (f *fakeSource) Name() string   { return f.name }
func (f *fakeSource) Enabled() bool  { return f.enabled }
func (f *fakeSource) TimeoutMs() int { return f.timeoutMs }

func (f *fakeSource) Enrich(ctx context.Context, _ models.Alert) (map[string]any, error) {
	if f.panics {
		panic("boom")
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.data, f.err
}

func TestPipelineRunCollectsAllOutcomes(t *testing.T) {
	p := NewPipeline()
	p.Register(&fakeSource{name: "geoip", enabled: true, timeoutMs: 1000, data: map[string]any{"country": "NL"}})
	p.Register(&fakeSource{name: "threat_intel", enabled: true, timeoutMs: 1000, err: errors.New("upstream 503")})
	p.Register(&fakeSource{name: "slowpoke", enabled: true, timeoutMs: 20, delay: 500 * time.Millisecond})
	p.Register(&fakeSource{name: "disabled", enabled: false, timeoutMs: 1000})

	result := p.Run(context.Background(), models.Alert{"event": map[string]any{"kind": "alert"}})

	require.Len(t, result.Enrichments, 3) // disabled source skipped
	assert.Equal(t, 1, result.SuccessCount)
	assert.Equal(t, 2, result.FailureCount)
	assert.Equal(t, map[string]any{"country": "NL"}, result.EnrichedContext["geoip"])
	assert.NotContains(t, result.EnrichedContext, "threat_intel")

	byName := make(map[string]Enrichment)
	for _, e := range result.Enrichments {
		byName[e.Source] = e
	}
	assert.True(t, byName["geoip"].Success)
	assert.Contains(t, byName["threat_intel"].Error, "upstream 503")
	assert.True(t, byName["slowpoke"].TimedOut)
}

func TestPipelineNeverFailsOnPanic(t *testing.T) {
	p := NewPipeline()
	p.Register(&fakeSource{name: "broken", enabled: true, timeoutMs: 1000, panics: true})

	result := p.Run(context.Background(), models.Alert{})
	require.Len(t, result.Enrichments, 1)
	assert.False(t, result.Enrichments[0].Success)
	assert.Contains(t, result.Enrichments[0].Error, "panic")
}

func TestPipelineRegistrationReplacesByName(t *testing.T) {
	p := NewPipeline()
	p.Register(&fakeSource{name: "geoip", enabled: true, timeoutMs: 1000, data: map[string]any{"v": 1}})
	p.Register(&fakeSource{name: "geoip", enabled: true, timeoutMs: 1000, data: map[string]any{"v": 2}})

	require.Len(t, p.Sources(), 1)
	result := p.Run(context.Background(), models.Alert{})
	assert.Equal(t, map[string]any{"v": 2}, result.EnrichedContext["geoip"])
}

func TestPipelineEmptyRegistry(t *testing.T) {
	p := NewPipeline()
	result := p.Run(context.Background(), models.Alert{"a": "b"})
	assert.Empty(t, result.Enrichments)
	assert.Zero(t, result.SuccessCount)
	assert.Zero(t, result.FailureCount)
}
