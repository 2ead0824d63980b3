package regionutil

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Test executor recording whether the periodic executor was paused while
// the handler ran.
type testExecutor struct {
	testedExecutor *PeriodicExecutor
	pausedChan     chan bool
	mutex          sync.Mutex
	done           bool
}

func (executor *testExecutor) handler(ctx context.Context) error {
	executor.mutex.Lock()
	defer executor.mutex.Unlock()
	if executor.done || executor.testedExecutor == nil {
		return nil
	}
	executor.done = true
	executor.pausedChan <- executor.testedExecutor.Paused()
	return nil
}

// Check that the executor is paused while its handler is running.
func TestPausedWhileHandling(t *testing.T) {
	instance := &testExecutor{pausedChan: make(chan bool, 1)}
	executor, err := NewPeriodicExecutor("test executor", instance.handler,
		func() (int64, error) { return 1, nil })
	require.NoError(t, err)
	require.NotNil(t, executor)
	defer executor.Shutdown()

	instance.mutex.Lock()
	instance.testedExecutor = executor
	instance.mutex.Unlock()

	var paused bool
	require.Eventually(t, func() bool {
		select {
		case paused = <-instance.pausedChan:
			return true
		default:
			return false
		}
	}, 5*time.Second, 100*time.Millisecond)
	require.True(t, paused)
}

// Check that pausing twice requires unpausing twice.
func TestPauseUnpauseCounting(t *testing.T) {
	executor, err := NewPeriodicExecutor("test executor",
		func(ctx context.Context) error { return nil },
		func() (int64, error) { return 60, nil })
	require.NoError(t, err)
	defer executor.Shutdown()

	require.False(t, executor.Paused())
	executor.Pause()
	executor.Pause()
	require.True(t, executor.Paused())
	executor.Unpause()
	require.True(t, executor.Paused())
	executor.Unpause()
	require.False(t, executor.Paused())
	require.EqualValues(t, 60, executor.GetInterval())
	require.Equal(t, "test executor", executor.GetName())
}

// Check that a disabled executor never calls its handler and that the
// interval falls back to the inactive one.
func TestDisabledExecutor(t *testing.T) {
	var calls int32
	executor, err := NewPeriodicExecutor("disabled executor",
		func(ctx context.Context) error {
			atomic.AddInt32(&calls, 1)
			return nil
		},
		func() (int64, error) { return 0, nil })
	require.NoError(t, err)
	require.EqualValues(t, InactiveInterval, executor.GetInterval())
	time.Sleep(1500 * time.Millisecond)
	executor.Shutdown()
	require.Zero(t, atomic.LoadInt32(&calls))
}

// Check that the handler context is cancelled on shutdown.
func TestShutdownCancelsContext(t *testing.T) {
	started := make(chan struct{}, 1)
	var cancelled int32
	executor, err := NewPeriodicExecutor("blocking executor",
		func(ctx context.Context) error {
			select {
			case started <- struct{}{}:
			default:
			}
			<-ctx.Done()
			atomic.StoreInt32(&cancelled, 1)
			return ctx.Err()
		},
		func() (int64, error) { return 1, nil })
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler was not started")
	}
	executor.Shutdown()
	require.EqualValues(t, 1, atomic.LoadInt32(&cancelled))
}
