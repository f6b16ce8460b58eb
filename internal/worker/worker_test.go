package worker

// ============================================================================
// Worker Pool Test File
// Purpose: Verify concurrent execution, timeout mechanism, panic recovery, graceful shutdown
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/planforge/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okWork(out string) Work {
	return func(ctx context.Context) (string, error) { return out, nil }
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

func TestNewPool(t *testing.T) {
	pool := NewPool(10)
	assert.NotNil(t, pool)
	assert.Equal(t, 0, pool.GetWorkerCount())
	assert.False(t, pool.IsStarted())
}

func TestPoolStart(t *testing.T) {
	pool := NewPool(10)

	err := pool.Start(8)
	require.NoError(t, err)
	assert.Equal(t, 8, pool.GetWorkerCount())
	assert.True(t, pool.IsStarted())

	// Try to start again
	err = pool.Start(4)
	assert.Error(t, err)

	pool.Stop()
}

func TestPoolStart_RejectsZeroWorkers(t *testing.T) {
	assert.Error(t, NewPool(1).Start(0))
}

func TestWorkerExecution(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(1))

	taskCount := 10
	for i := 0; i < taskCount; i++ {
		id := types.JobID(fmt.Sprintf("task-%d", i))
		require.NoError(t, pool.Submit(Task{ID: id, Work: okWork("out-" + string(id)), Timeout: time.Second}))
	}

	results := make(map[types.JobID]Result)
	for i := 0; i < taskCount; i++ {
		result, err := pool.ReceiveResult()
		require.NoError(t, err)
		results[result.JobID] = result
	}

	assert.Len(t, results, taskCount)
	for id, r := range results {
		assert.True(t, r.Success(), "task %s", id)
		assert.Equal(t, "out-"+string(id), r.Output)
	}

	pool.Stop()
}

func TestWorkFailure(t *testing.T) {
	pool := NewPool(1)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	boom := errors.New("renderer exited 1")
	require.NoError(t, pool.Submit(Task{
		ID:   "fail",
		Work: func(context.Context) (string, error) { return "", boom },
	}))

	result, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.True(t, result.Started)
	assert.False(t, result.Success())
	assert.ErrorIs(t, result.Err, boom)
}

func TestTimeout(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(1))

	task := Task{
		ID: "timeout-task",
		Work: func(ctx context.Context) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
		Timeout: 5 * time.Millisecond,
	}
	require.NoError(t, pool.Submit(task))

	result, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.False(t, result.Success())
	assert.ErrorIs(t, result.Err, context.DeadlineExceeded)

	pool.Stop()
}

func TestTimeout_BodyIgnoringContext(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(1))

	hang := make(chan struct{})
	defer close(hang)
	require.NoError(t, pool.Submit(Task{
		ID: "stuck-task",
		Work: func(context.Context) (string, error) {
			<-hang
			return "too late", nil
		},
		Timeout: 20 * time.Millisecond,
	}))

	result, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.False(t, result.Success())
	assert.ErrorIs(t, result.Err, ErrTaskTimedOut)
	assert.ErrorIs(t, result.Err, context.DeadlineExceeded)
	assert.Empty(t, result.Output)

	// the worker is free for the next task
	require.NoError(t, pool.Submit(Task{ID: "next", Work: okWork("ok"), Timeout: time.Second}))
	result, err = pool.ReceiveResult()
	require.NoError(t, err)
	assert.True(t, result.Success())

	pool.Stop()
}

func TestPanicIsRecovered(t *testing.T) {
	pool := NewPool(2)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	require.NoError(t, pool.Submit(Task{
		ID:   "panics",
		Work: func(context.Context) (string, error) { panic("nil template") },
	}))
	require.NoError(t, pool.Submit(Task{ID: "after", Work: okWork("fine")}))

	first, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.Equal(t, types.JobID("panics"), first.JobID)
	assert.ErrorIs(t, first.Err, ErrTaskPanicked)
	assert.Contains(t, first.Err.Error(), "nil template")

	// the worker survives the panic
	second, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.True(t, second.Success())
}

func TestOnStart(t *testing.T) {
	pool := NewPool(2)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	var ran atomic.Bool
	require.NoError(t, pool.Submit(Task{
		ID:      "rejected",
		OnStart: func() error { return errors.New("no longer queued") },
		Work: func(context.Context) (string, error) {
			ran.Store(true)
			return "x", nil
		},
	}))

	result, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.False(t, result.Started)
	assert.Error(t, result.Err)
	assert.False(t, ran.Load(), "work must not run when OnStart fails")

	var order []string
	require.NoError(t, pool.Submit(Task{
		ID:      "accepted",
		OnStart: func() error { order = append(order, "start"); return nil },
		Work: func(context.Context) (string, error) {
			order = append(order, "work")
			return "", nil
		},
	}))
	_, err = pool.ReceiveResult()
	require.NoError(t, err)
	assert.Equal(t, []string{"start", "work"}, order)
}

func TestNilWorkFails(t *testing.T) {
	_, err := execute(context.Background(), nil)
	assert.Error(t, err)
}

// ============================================================================
// Concurrency Tests
// ============================================================================

func TestConcurrency(t *testing.T) {
	pool := NewPool(100)
	workerCount := 8
	taskCount := 64
	require.NoError(t, pool.Start(workerCount))

	var inFlight, peak atomic.Int32
	work := func(ctx context.Context) (string, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return "", nil
	}

	for i := 0; i < taskCount; i++ {
		require.NoError(t, pool.Submit(Task{ID: types.JobID(fmt.Sprintf("task-%d", i)), Work: work}))
	}
	for i := 0; i < taskCount; i++ {
		r, err := pool.ReceiveResult()
		require.NoError(t, err)
		assert.True(t, r.Success())
	}
	pool.Stop()

	assert.LessOrEqual(t, int(peak.Load()), workerCount)
	assert.Greater(t, int(peak.Load()), 1)
}

func TestConcurrentSubmit(t *testing.T) {
	pool := NewPool(100)
	require.NoError(t, pool.Start(4))

	taskCount := 50
	var wg sync.WaitGroup
	wg.Add(taskCount)
	for i := 0; i < taskCount; i++ {
		go func(index int) {
			defer wg.Done()
			err := pool.Submit(Task{ID: types.JobID(fmt.Sprintf("task-%d", index)), Work: okWork("")})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	for i := 0; i < taskCount; i++ {
		_, err := pool.ReceiveResult()
		require.NoError(t, err)
	}
	pool.Stop()
}

// ============================================================================
// Graceful Shutdown Tests
// ============================================================================

func TestStop_FinishesRunningAndReturnsPending(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(1))

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, pool.Submit(Task{
		ID: "running",
		Work: func(context.Context) (string, error) {
			close(started)
			<-release
			return "done", nil
		},
	}))
	<-started

	for i := 0; i < 3; i++ {
		require.NoError(t, pool.Submit(Task{ID: types.JobID(fmt.Sprintf("pending-%d", i)), Work: okWork("")}))
	}

	pendingCh := make(chan []Task, 1)
	go func() { pendingCh <- pool.Stop() }()

	// Stop waits for the running task
	select {
	case <-pendingCh:
		t.Fatal("Stop returned before the running task finished")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)

	result, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.Equal(t, types.JobID("running"), result.JobID)
	assert.Equal(t, "done", result.Output)

	pending := <-pendingCh
	require.Len(t, pending, 3)
	assert.Equal(t, types.JobID("pending-0"), pending[0].ID)

	_, err = pool.ReceiveResult()
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestStopBeforeStart(t *testing.T) {
	pool := NewPool(10)
	assert.NotPanics(t, func() {
		assert.Nil(t, pool.Stop())
	})
}

func TestStopTwice(t *testing.T) {
	pool := NewPool(1)
	require.NoError(t, pool.Start(1))
	pool.Stop()
	assert.NotPanics(t, func() { pool.Stop() })
}

func TestSubmitAfterStop(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(2))
	pool.Stop()

	err := pool.Submit(Task{ID: "task-after-stop", Work: okWork("")})
	assert.Equal(t, ErrPoolClosed, err)
}

func TestSubmitBeforeStart(t *testing.T) {
	pool := NewPool(10)
	err := pool.Submit(Task{ID: "task-before-start", Work: okWork("")})
	assert.Equal(t, ErrPoolNotStarted, err)
}

func TestReceiveResultAfterStop(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(2))
	pool.Stop()

	_, err := pool.ReceiveResult()
	assert.Equal(t, ErrPoolClosed, err)
}
