package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/nibzard/fanout-go/internal/task"
	"github.com/nibzard/fanout-go/internal/tracker"
)

// poolState is the shared plumbing of one parallel batch: a buffered task
// feed, a buffered result drain, and a live-worker gauge.
type poolState struct {
	taskCh        chan task.Task
	resultCh      chan task.Result
	activeWorkers atomic.Int32
}

func newPoolState(n int) *poolState {
	return &poolState{
		taskCh:   make(chan task.Task, n),
		resultCh: make(chan task.Result, n),
	}
}

// runParallel fans tasks out to a bounded worker pool and blocks until every
// task has reported. Workers check the batch scope before picking up new
// work; a cancel lets in-flight tasks finish but fails everything still
// queued.
func (e *Engine) runParallel(scope *task.Scope, tasks []task.Task, tr *tracker.Tracker, workers int) {
	e.runPool(newPoolState(len(tasks)), scope, tasks, tr, workers)
}

// runPool drives the pool over an existing state. Every worker goroutine has
// exited by the time it returns, so the worker gauge reads zero afterwards.
func (e *Engine) runPool(state *poolState, scope *task.Scope, tasks []task.Task, tr *tracker.Tracker, workers int) {
	runCtx := context.WithoutCancel(scope.Context())

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			state.activeWorkers.Add(1)
			defer state.activeWorkers.Add(-1)
			for tk := range state.taskCh {
				if scope.Cancelled() {
					state.resultCh <- cancelledResult(tk.ID)
					continue
				}
				state.resultCh <- e.proc.Process(runCtx, tk, tr)
			}
		}()
	}

	// The feed fits entirely in the buffer, so dispatch cannot block.
	for _, tk := range tasks {
		state.taskCh <- tk
	}
	close(state.taskCh)

	go func() {
		wg.Wait()
		close(state.resultCh)
	}()

	e.collect(state, tasks, tr)
	e.logger.Debug("pool drained", "active_workers", state.activeWorkers.Load())
}

// collect drains the result channel until every task has reported. An early
// close is a bug in the pool, not a task failure; it is logged and the batch
// proceeds with the results it has.
func (e *Engine) collect(state *poolState, tasks []task.Task, tr *tracker.Tracker) {
	received := 0
	for res := range state.resultCh {
		received++
		// Cancelled-skip results never went through a processor, so the
		// tracker has not seen them yet.
		tr.CompleteTask(res)
	}
	if received < len(tasks) {
		e.logger.Error("result channel closed before all tasks reported",
			"expected", len(tasks),
			"received", received)
	}
}
