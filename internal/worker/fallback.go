// ============================================================================
// Lotto-Search Worker Fallback
// ============================================================================
//
// Package: internal/worker
// File: fallback.go
// Function: Evaluate one job remotely, degrade to a seeded local estimate
//
// Paths:
//   1. Primary: evaluator.Service (usually the HTTP client), stats returned as-is
//   2. Fallback: only when the primary call fails (unreachable, timed out,
//      malformed answer); "no history" and rejections are returned as errors
//      seed = FNV-1a(job.ID) -> LCG -> bounded hit/EV numbers + 50-150ms delay
//
// The fallback output depends on nothing but the job, so the same job id
// always produces identical stats.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Kdotropez/loto-news/internal/evaluator"
	"github.com/Kdotropez/loto-news/pkg/types"
)

// Simulated latency bounds of the fallback path.
const (
	minFallbackDelay = 50 * time.Millisecond
	maxFallbackDelay = 150 * time.Millisecond

	// fallbackReserve is cut from the task deadline before the primary call
	// so a hung evaluator still leaves time for the local path.
	fallbackReserve = 2 * maxFallbackDelay
)

// ErrInvalidJob is returned when a job cannot be synthesized at all.
var ErrInvalidJob = errors.New("job cannot be evaluated")

// JobError tags a failure with the job it belongs to.
type JobError struct {
	JobID types.JobID
	Err   error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job %s: %v", e.JobID, e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

// Outcome is the result of one job evaluation.
type Outcome struct {
	Stats    types.Stats
	Fallback bool // true when the stats were synthesized locally
}

// Executor evaluates a single job.
type Executor interface {
	Execute(ctx context.Context, job types.Job) (Outcome, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, job types.Job) (Outcome, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, job types.Job) (Outcome, error) {
	return f(ctx, job)
}

// Direct evaluates jobs through the service without a fallback. Failures are
// returned tagged with the job id.
func Direct(svc evaluator.Service, sliceSize int) Executor {
	return ExecutorFunc(func(ctx context.Context, job types.Job) (Outcome, error) {
		stats, err := svc.Evaluate(ctx, evaluator.RequestForJob(job, sliceSize))
		if err != nil {
			return Outcome{}, &JobError{JobID: job.ID, Err: err}
		}
		return Outcome{Stats: stats}, nil
	})
}

// Fallback tries the primary service and synthesizes stats when it fails.
type Fallback struct {
	primary   evaluator.Service
	sliceSize int
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewFallback creates a fallback unit. primary may be nil, in which case
// every job goes down the local path.
func NewFallback(primary evaluator.Service, sliceSize int) *Fallback {
	return &Fallback{
		primary:   primary,
		sliceSize: sliceSize,
		sleep:     sleepContext,
	}
}

// Execute implements Executor.
func (f *Fallback) Execute(ctx context.Context, job types.Job) (Outcome, error) {
	var primaryErr error
	if f.primary != nil {
		primaryCtx, cancel := primaryContext(ctx)
		stats, err := f.primary.Evaluate(primaryCtx, evaluator.RequestForJob(job, f.sliceSize))
		cancel()
		if err == nil {
			return Outcome{Stats: stats}, nil
		}
		if !callFailed(err) {
			return Outcome{}, &JobError{JobID: job.ID, Err: err}
		}
		primaryErr = err
	} else {
		primaryErr = evaluator.ErrEvaluatorUnavailable
	}

	stats, delay, err := Synthesize(job)
	if err == nil {
		err = f.sleep(ctx, delay)
	}
	if err != nil {
		return Outcome{}, &JobError{JobID: job.ID, Err: errors.Join(primaryErr, err)}
	}
	return Outcome{Stats: stats, Fallback: true}, nil
}

// callFailed reports whether err means the evaluator could not answer, as
// opposed to answering with no data or a rejection.
func callFailed(err error) bool {
	return errors.Is(err, evaluator.ErrEvaluatorUnavailable) ||
		errors.Is(err, evaluator.ErrMalformedResponse) ||
		errors.Is(err, context.DeadlineExceeded)
}

// primaryContext bounds the primary call to the parent deadline minus
// fallbackReserve. Without a deadline, or when too little time is left, the
// parent deadline applies as is.
func primaryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	deadline, ok := ctx.Deadline()
	if !ok {
		return context.WithCancel(ctx)
	}
	reserved := deadline.Add(-fallbackReserve)
	if !time.Now().Before(reserved) {
		return context.WithCancel(ctx)
	}
	return context.WithDeadline(ctx, reserved)
}

// Synthesize derives plausible stats and a simulated delay from the job id.
// It performs no I/O and always returns the same values for the same job.
func Synthesize(job types.Job) (types.Stats, time.Duration, error) {
	if job.ID == "" {
		return types.Stats{}, 0, fmt.Errorf("%w: empty id", ErrInvalidJob)
	}
	if job.TargetSize < 1 || job.TargetSize > evaluator.DomainMax-evaluator.DomainMin+1 {
		return types.Stats{}, 0, fmt.Errorf("%w: targetSize %d", ErrInvalidJob, job.TargetSize)
	}

	g := NewLCG(HashString(string(job.ID)))

	span := maxFallbackDelay - minFallbackDelay
	delay := minFallbackDelay + time.Duration(g.Float64()*float64(span))

	stats := types.Stats{
		Hit3:          0.01 + g.Float64()*0.04,
		Hit4:          g.Float64() * 0.01,
		Hit5:          g.Float64() * 0.001,
		ExpectedValue: evaluator.Round2(g.Float64() * 2),
		GridEstimate:  evaluator.GridEstimate(job.TargetSize, len(job.PatternIDs), job.BatchTo-job.BatchFrom),
		SelectedSet:   pickDistinct(g, job.TargetSize),
	}
	return stats, delay, nil
}

// pickDistinct draws k distinct candidates from the domain by a partial
// Fisher-Yates shuffle driven by g.
func pickDistinct(g *LCG, k int) []int {
	pool := make([]int, 0, evaluator.DomainMax-evaluator.DomainMin+1)
	for n := evaluator.DomainMin; n <= evaluator.DomainMax; n++ {
		pool = append(pool, n)
	}
	for i := 0; i < k; i++ {
		j := i + g.Intn(len(pool)-i)
		pool[i], pool[j] = pool[j], pool[i]
	}
	selected := append([]int(nil), pool[:k]...)
	sort.Ints(selected)
	return selected
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var (
	_ Executor = (*Fallback)(nil)
	_ error    = (*JobError)(nil)
)
