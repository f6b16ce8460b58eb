// ============================================================================
// planforge Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that executes job bodies, each Worker runs in an independent goroutine
//
// How it works:
//   Each Worker loops until the pool's stop signal:
//   1. Receive task from taskCh (blocking wait)
//   2. Call OnStart (the owner marks the job running)
//   3. Execute task.Work with a timeout context, recovering panics
//   4. Send result to resultCh (never dropped)
//
// Execution Model:
//   ┌─────────────────────────────────────┐
//   │  Worker Goroutine                   │
//   │  ┌──────────────────────────────┐   │
//   │  │ select taskCh / stopCh       │   │
//   │  │   ├─ OnStart()               │   │
//   │  │   ├─ Context with timeout    │   │
//   │  │   ├─ execute(task)           │   │
//   │  │   └─ send result to resultCh │   │
//   │  └──────────────────────────────┘   │
//   └─────────────────────────────────────┘
//
// Error Handling:
//   - Timeout: the context passed to Work expires; if Work has not returned by
//     then the task fails with ErrTaskTimedOut and the body is left to finish alone
//   - Panic: recovered and reported as ErrTaskPanicked with the panic value
//   - All errors are encapsulated in Result and returned
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTaskPanicked wraps a panic recovered from a task body.
	ErrTaskPanicked = errors.New("task panicked")
	// ErrTaskTimedOut is reported when a body outlives its deadline.
	ErrTaskTimedOut = errors.New("task did not return before its deadline")
)

// Worker represents a work execution unit
type Worker struct {
	id       int           // Worker unique identifier
	taskCh   <-chan Task   // Task channel (read-only)
	resultCh chan<- Result // Result channel (write-only)
	stopCh   <-chan struct{}
}

// newWorker creates a new Worker instance
func newWorker(id int, taskCh <-chan Task, resultCh chan<- Result, stopCh <-chan struct{}) *Worker {
	return &Worker{
		id:       id,
		taskCh:   taskCh,
		resultCh: resultCh,
		stopCh:   stopCh,
	}
}

// Run is the main loop of Worker. A task already received is always finished
// and reported, even if stop is signalled meanwhile.
func (w *Worker) Run() {
	for {
		// stop wins over a ready task
		select {
		case <-w.stopCh:
			return
		default:
		}

		select {
		case <-w.stopCh:
			return
		case task := <-w.taskCh:
			w.resultCh <- w.handle(task)
		}
	}
}

func (w *Worker) handle(task Task) Result {
	if task.OnStart != nil {
		if err := task.OnStart(); err != nil {
			return Result{JobID: task.ID, Err: err}
		}
	}

	start := time.Now()
	ctx, cancel := context.Background(), context.CancelFunc(func() {})
	if task.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
	}
	out, err := runWithDeadline(ctx, task.Work)
	cancel()

	return Result{
		JobID:    task.ID,
		Output:   out,
		Err:      err,
		Started:  true,
		Duration: time.Since(start),
	}
}

type outcome struct {
	out string
	err error
}

// runWithDeadline returns when work does or when ctx expires, whichever is
// first. A body still running at expiry keeps its goroutine; its late result
// is discarded.
func runWithDeadline(ctx context.Context, work Work) (string, error) {
	if ctx.Done() == nil {
		return execute(ctx, work)
	}
	done := make(chan outcome, 1)
	go func() {
		out, err := execute(ctx, work)
		done <- outcome{out, err}
	}()
	select {
	case o := <-done:
		return o.out, o.err
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %w", ErrTaskTimedOut, ctx.Err())
	}
}

// execute runs work and converts a panic into ErrTaskPanicked.
func execute(ctx context.Context, work Work) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = ""
			err = fmt.Errorf("%w: %v", ErrTaskPanicked, r)
		}
	}()
	if work == nil {
		return "", errors.New("task has no work")
	}
	return work(ctx)
}
