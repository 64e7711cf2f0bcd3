// ============================================================================
// Lotto-Search Job Source Interface
// ============================================================================
//
// Package: internal/worker
// File: source.go
// Purpose: Decouples the pool's consumer from where jobs come from.
//
//   - Local: the runner wraps the queue store (ClaimPending / MarkDone / MarkError)
//   - Tests: an in-memory source
//
// ============================================================================

package worker

import (
	"context"
)

// JobSource defines the interface for fetching jobs and reporting results.
type JobSource interface {
	// Poll claims up to maxJobs pending jobs in queue order. Claimed jobs are
	// already marked running; an empty slice means nothing is pending.
	Poll(ctx context.Context, maxJobs int) ([]Task, error)

	// Acknowledge records the outcome of a claimed job (done on success,
	// error otherwise).
	Acknowledge(ctx context.Context, result Result) error
}
