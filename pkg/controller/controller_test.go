package controller

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartAndDuplicate(t *testing.T) {
	c := New()
	require.NoError(t, c.StartExecution("exec-1", Options{}))
	assert.ErrorIs(t, c.StartExecution("exec-1", Options{}), ErrDuplicateExecution)

	handle, err := c.Get("exec-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, handle.Status)
	assert.Nil(t, handle.CompletedAt)

	_, err = c.Get("exec-missing")
	assert.ErrorIs(t, err, ErrUnknownExecution)
}

func TestTerminalTransitionsRequireRunning(t *testing.T) {
	c := New()
	require.NoError(t, c.StartExecution("exec-1", Options{}))
	require.NoError(t, c.CompleteExecution("exec-1"))

	assert.ErrorIs(t, c.CompleteExecution("exec-1"), ErrNotRunning)
	assert.ErrorIs(t, c.FailExecution("exec-1"), ErrNotRunning)
	assert.ErrorIs(t, c.CancelExecution("exec-1", "late"), ErrNotRunning)
	assert.ErrorIs(t, c.FailExecution("exec-missing"), ErrUnknownExecution)
}

func TestCancelFiresCallback(t *testing.T) {
	c := New()
	var gotReason string
	require.NoError(t, c.StartExecution("exec-1", Options{
		OnCancel: func(reason string) { gotReason = reason },
	}))

	require.NoError(t, c.CancelExecution("exec-1", "analyst request"))
	assert.Equal(t, "analyst request", gotReason)

	handle, err := c.Get("exec-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, handle.Status)
	assert.Equal(t, "analyst request", handle.CancelReason)
	assert.NotNil(t, handle.CompletedAt)
}

func TestShouldAbort(t *testing.T) {
	c := New()
	require.NoError(t, c.StartExecution("exec-1", Options{}))
	assert.False(t, c.ShouldAbort("exec-1"))

	require.NoError(t, c.CancelExecution("exec-1", "stop"))
	assert.True(t, c.ShouldAbort("exec-1"))

	require.NoError(t, c.StartExecution("exec-2", Options{}))
	require.NoError(t, c.CompleteExecution("exec-2"))
	assert.False(t, c.ShouldAbort("exec-2"), "completed executions do not abort")

	assert.True(t, c.ShouldAbort("exec-unknown"), "unknown executions fail safe")
}

func TestTimeout(t *testing.T) {
	c := New()
	fired := make(chan struct{})
	require.NoError(t, c.StartExecution("exec-1", Options{
		Timeout:   10 * time.Millisecond,
		OnTimeout: func() { close(fired) },
	}))

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout callback never fired")
	}

	handle, err := c.Get("exec-1")
	require.NoError(t, err)
	assert.Equal(t, StatusTimedOut, handle.Status)
	assert.True(t, c.ShouldAbort("exec-1"))

	// Terminal already; later transitions are rejected.
	assert.ErrorIs(t, c.CompleteExecution("exec-1"), ErrNotRunning)
}

func TestCompletionStopsTimer(t *testing.T) {
	c := New()
	fired := make(chan struct{}, 1)
	require.NoError(t, c.StartExecution("exec-1", Options{
		Timeout:   20 * time.Millisecond,
		OnTimeout: func() { fired <- struct{}{} },
	}))
	require.NoError(t, c.CompleteExecution("exec-1"))

	select {
	case <-fired:
		t.Fatal("timer fired after completion")
	case <-time.After(60 * time.Millisecond):
	}
}

func TestShutdownAll(t *testing.T) {
	c := New()

	var mu sync.Mutex
	reasons := map[string]string{}
	for _, id := range []string{"exec-1", "exec-2"} {
		id := id
		require.NoError(t, c.StartExecution(id, Options{
			OnCancel: func(reason string) {
				time.Sleep(5 * time.Millisecond) // simulate drain work
				mu.Lock()
				reasons[id] = reason
				mu.Unlock()
			},
		}))
	}
	require.NoError(t, c.StartExecution("exec-3", Options{}))
	require.NoError(t, c.CompleteExecution("exec-3"))

	c.ShutdownAll()

	// ShutdownAll awaits every OnCancel before returning.
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[string]string{
		"exec-1": ReasonSystemShutdown,
		"exec-2": ReasonSystemShutdown,
	}, reasons)

	for _, id := range []string{"exec-1", "exec-2"} {
		handle, err := c.Get(id)
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, handle.Status)
	}
}

func TestRemove(t *testing.T) {
	c := New()
	require.NoError(t, c.StartExecution("exec-1", Options{}))

	c.Remove("exec-1")
	_, err := c.Get("exec-1")
	require.NoError(t, err, "running executions cannot be removed")

	require.NoError(t, c.CompleteExecution("exec-1"))
	c.Remove("exec-1")
	_, err = c.Get("exec-1")
	assert.ErrorIs(t, err, ErrUnknownExecution)
}
