// Package controller tracks live executions: cancellation, runbook-level
// timeouts, and coordinated shutdown. The step loop polls ShouldAbort
// between steps, so cancellation is cooperative.
package controller

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Status of a tracked execution.
type Status string

// Execution statuses.
const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimedOut  Status = "timed_out"
)

// ReasonSystemShutdown is the cancel reason used by ShutdownAll.
const ReasonSystemShutdown = "system_shutdown"

// Tracking errors.
var (
	ErrDuplicateExecution = errors.New("execution id already tracked")
	ErrUnknownExecution   = errors.New("execution id not tracked")
	ErrNotRunning         = errors.New("execution is not running")
)

// Handle is the tracked state of one execution.
type Handle struct {
	ExecutionID  string     `json:"execution_id"`
	Status       Status     `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CancelReason string     `json:"cancel_reason,omitempty"`

	onCancel  func(reason string)
	onTimeout func()
	timer     *time.Timer
}

// Options configures StartExecution.
type Options struct {
	// Timeout is the runbook-level time budget; zero disables the timer.
	Timeout time.Duration

	// OnCancel fires when the execution is cancelled (including shutdown).
	OnCancel func(reason string)

	// OnTimeout fires once when the timeout timer wins.
	OnTimeout func()
}

// Controller is the in-memory registry of live executions.
type Controller struct {
	mu      sync.Mutex
	handles map[string]*Handle
}

// New creates an empty controller.
func New() *Controller {
	return &Controller{handles: make(map[string]*Handle)}
}

// StartExecution registers a running execution. Duplicate ids are rejected.
func (c *Controller) StartExecution(executionID string, opts Options) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.handles[executionID]; exists {
		return ErrDuplicateExecution
	}

	handle := &Handle{
		ExecutionID: executionID,
		Status:      StatusRunning,
		StartedAt:   time.Now().UTC(),
		onCancel:    opts.OnCancel,
		onTimeout:   opts.OnTimeout,
	}
	if opts.Timeout > 0 {
		handle.timer = time.AfterFunc(opts.Timeout, func() { c.timeout(executionID) })
	}
	c.handles[executionID] = handle

	slog.Debug("Execution tracked", "execution_id", executionID, "timeout", opts.Timeout)
	return nil
}

// Get returns a copy of the handle.
func (c *Controller) Get(executionID string) (Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	handle, ok := c.handles[executionID]
	if !ok {
		return Handle{}, ErrUnknownExecution
	}
	return *handle, nil
}

// Running returns the ids of all running executions.
func (c *Controller) Running() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var ids []string
	for id, handle := range c.handles {
		if handle.Status == StatusRunning {
			ids = append(ids, id)
		}
	}
	return ids
}

// CancelExecution cancels a running execution and fires its OnCancel.
func (c *Controller) CancelExecution(executionID, reason string) error {
	handle, err := c.finish(executionID, StatusCancelled, reason)
	if err != nil {
		return err
	}
	if handle.onCancel != nil {
		handle.onCancel(reason)
	}
	return nil
}

// CompleteExecution marks a running execution completed.
func (c *Controller) CompleteExecution(executionID string) error {
	_, err := c.finish(executionID, StatusCompleted, "")
	return err
}

// FailExecution marks a running execution failed.
func (c *Controller) FailExecution(executionID string) error {
	_, err := c.finish(executionID, StatusFailed, "")
	return err
}

// ShouldAbort reports whether the execution must stop dispatching steps.
// Unknown executions abort, which fails safe for stale loops.
func (c *Controller) ShouldAbort(executionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	handle, ok := c.handles[executionID]
	if !ok {
		return true
	}
	return handle.Status == StatusCancelled || handle.Status == StatusTimedOut
}

// Remove forgets a terminal execution. Running executions stay tracked.
func (c *Controller) Remove(executionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if handle, ok := c.handles[executionID]; ok && handle.Status != StatusRunning {
		delete(c.handles, executionID)
	}
}

// ShutdownAll cancels every running execution with the system_shutdown
// reason and waits for their OnCancel callbacks to return.
func (c *Controller) ShutdownAll() {
	ids := c.Running()
	if len(ids) == 0 {
		return
	}
	slog.Info("Cancelling running executions for shutdown", "count", len(ids))

	var wg sync.WaitGroup
	for _, id := range ids {
		handle, err := c.finish(id, StatusCancelled, ReasonSystemShutdown)
		if err != nil {
			continue // raced to terminal on its own
		}
		if handle.onCancel == nil {
			continue
		}
		wg.Add(1)
		go func(h Handle) {
			defer wg.Done()
			h.onCancel(ReasonSystemShutdown)
		}(handle)
	}
	wg.Wait()
}

// finish transitions a running handle to a terminal status and returns a
// copy of it.
func (c *Controller) finish(executionID string, status Status, reason string) (Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	handle, ok := c.handles[executionID]
	if !ok {
		return Handle{}, ErrUnknownExecution
	}
	if handle.Status != StatusRunning {
		return Handle{}, ErrNotRunning
	}

	now := time.Now().UTC()
	handle.Status = status
	handle.CompletedAt = &now
	handle.CancelReason = reason
	if handle.timer != nil {
		handle.timer.Stop()
		handle.timer = nil
	}
	return *handle, nil
}

// timeout is the one-shot timer callback: flips a still-running execution
// to timed_out and fires OnTimeout without waiting on it.
func (c *Controller) timeout(executionID string) {
	handle, err := c.finish(executionID, StatusTimedOut, "")
	if err != nil {
		return
	}
	slog.Warn("Execution timed out", "execution_id", executionID)
	if handle.onTimeout != nil {
		go handle.onTimeout()
	}
}
