package approval

import (
	"context"
	"log/slog"
	"time"

	"github.com/detectforge/runbookpilot/pkg/models"
)

// DefaultSweepInterval is how often the sweeper scans for lapsed requests.
const DefaultSweepInterval = 30 * time.Second

// ExpiredFunc is notified once per request the sweeper expires.
type ExpiredFunc func(request models.ApprovalRequest)

// Sweeper periodically expires pending requests past their TTL so that
// executions parked on them can fail fast instead of waiting forever.
type Sweeper struct {
	queue     *Queue
	interval  time.Duration
	onExpired ExpiredFunc

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a sweeper over the queue. A nil onExpired is allowed;
// interval <= 0 falls back to DefaultSweepInterval.
func NewSweeper(queue *Queue, interval time.Duration, onExpired ExpiredFunc) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{queue: queue, interval: interval, onExpired: onExpired}
}

// Start launches the background sweep loop.
func (s *Sweeper) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Approval sweeper started", "interval", s.interval)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Approval sweeper stopped")
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	expired, err := s.queue.ExpireStale(ctx)
	if err != nil {
		slog.Error("Approval sweep failed", "error", err)
		return
	}
	if len(expired) == 0 {
		return
	}

	slog.Info("Expired stale approval requests", "count", len(expired))
	if s.onExpired == nil {
		return
	}
	for _, request := range expired {
		s.onExpired(request)
	}
}
