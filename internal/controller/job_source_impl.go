package controller

import (
	"context"
	"errors"
	"time"

	"github.com/Kdotropez/loto-news/internal/jobmanager"
	"github.com/Kdotropez/loto-news/internal/worker"
)

// ============================================================================
// JobSource Interface Implementation
// ============================================================================

// Poll implements worker.JobSource.Poll
// It claims pending jobs from the queue store (marking them running) and wraps
// them into tasks carrying the dispatch timeout.
func (r *Runner) Poll(ctx context.Context, maxJobs int) ([]worker.Task, error) {
	jobs, err := r.store.ClaimPending(ctx, maxJobs)
	if err != nil {
		if !errors.Is(err, jobmanager.ErrPersistFailed) {
			return nil, err
		}
		// jobs are already running in memory; keep dispatching them
		r.persistWarning("claim", err)
	}
	if len(jobs) == 0 {
		return nil, nil
	}

	timeout := r.config().DispatchTimeout
	tasks := make([]worker.Task, 0, len(jobs))
	for _, job := range jobs {
		tasks = append(tasks, worker.Task{Job: job, Timeout: timeout})
	}

	r.metrics.RecordDispatch(len(tasks))
	log.Debug("Jobs dispatched", "count", len(tasks), "first_job_id", jobs[0].ID)
	return tasks, nil
}

// Acknowledge implements worker.JobSource.Acknowledge
// Success moves the job to done with its stats, failure to error. A result
// for a job that is no longer running (queue replaced or reset meanwhile) is
// dropped with a warning.
func (r *Runner) Acknowledge(ctx context.Context, result worker.Result) error {
	var err error
	if result.Success {
		err = r.store.MarkDone(ctx, result.JobID, result.Stats)
	} else {
		reason := "unknown error"
		if result.Error != nil {
			reason = result.Error.Error()
		}
		err = r.store.MarkError(ctx, result.JobID, reason)
	}

	switch {
	case err == nil:
	case errors.Is(err, jobmanager.ErrPersistFailed):
		r.persistWarning("acknowledge", err)
	case errors.Is(err, jobmanager.ErrNotRunning), errors.Is(err, jobmanager.ErrJobNotFound):
		r.metrics.RecordStale()
		log.Warn("Dropping stale result", "job_id", result.JobID, "error", err)
		return err
	default:
		log.Error("Failed to record result", "job_id", result.JobID, "error", err)
		return err
	}

	r.metrics.RecordResult(result.Success, result.Fallback, result.Duration)
	r.metrics.UpdateQueue(r.store.Counts())

	if result.Success {
		log.Debug("Job done",
			"job_id", result.JobID,
			"duration", result.Duration.Round(time.Millisecond),
			"fallback", result.Fallback)
	} else {
		log.Warn("Job failed", "job_id", result.JobID, "error", result.Error)
	}

	if job, ok := r.store.GetJob(result.JobID); ok {
		r.publish(job, result.Fallback)
	}
	return nil
}

var _ worker.JobSource = (*Runner)(nil)
