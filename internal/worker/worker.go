// ============================================================================
// Lotto-Search Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that executes evaluation tasks in its own goroutine
//
// How it works:
//   1. Receive task from taskCh (blocking wait)
//   2. Run the Executor under a per-task timeout
//   3. Send result to resultCh (blocking, results are never dropped)
//   4. Repeat until taskCh is closed
//
// Timeout Control:
//   Every task gets its own context.WithTimeout. A stuck evaluator call
//   ends with context.DeadlineExceeded and the job is reported as failed.
//
// A panic inside the executor is converted into a failed Result so one bad
// job cannot take the pool down.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"time"
)

// Worker represents a work execution unit
type Worker struct {
	id       int           // Worker identifier, used for logging
	exec     Executor      // Evaluates the job carried by a task
	taskCh   <-chan Task   // Task channel (read-only)
	resultCh chan<- Result // Result channel (write-only)
}

// newWorker creates a new Worker instance
func newWorker(id int, exec Executor, taskCh <-chan Task, resultCh chan<- Result) *Worker {
	return &Worker{
		id:       id,
		exec:     exec,
		taskCh:   taskCh,
		resultCh: resultCh,
	}
}

// Run is the main loop of Worker
func (w *Worker) Run() {
	for task := range w.taskCh {
		w.resultCh <- w.execute(task)
	}
}

// execute runs one task and packs the outcome into a Result
func (w *Worker) execute(task Task) (result Result) {
	start := time.Now()
	result.JobID = task.Job.ID

	defer func() {
		if r := recover(); r != nil {
			result.Success = false
			result.Error = &JobError{JobID: task.Job.ID, Err: fmt.Errorf("worker %d panic: %v", w.id, r)}
		}
		result.Duration = time.Since(start)
	}()

	ctx := context.Background()
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	outcome, err := w.exec.Execute(ctx, task.Job)
	if err != nil {
		result.Error = err
		return result
	}

	result.Success = true
	result.Stats = outcome.Stats
	result.Fallback = outcome.Fallback
	return result
}
