// ============================================================================
// Lotto-Search Batch Evaluator
// ============================================================================
//
// Package: internal/evaluator
// File: evaluator.go
// Purpose: Deterministic hit/return statistics over a slice of draws
//
// Algorithm:
//   1. Count how often every candidate 1..49 appears in the slice
//   2. Take the k most frequent candidates (ties: smaller value first)
//   3. For each draw, count how many of its numbers are in that set
//   4. hitN = draws with exactly N matches / max(1, len(slice))
//   5. expectedValue = mean payout per draw, rounded to 2 decimals
//
// Callers reach the evaluator through Service so the runner and the worker
// fallback do not care whether it is in-process (Local) or remote (Client).
//
// ============================================================================

package evaluator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/Kdotropez/loto-news/pkg/types"
)

// Candidate domain.
const (
	DomainMin = 1
	DomainMax = 49
)

var (
	// ErrNoHistory signals that no historical data exists at all; it is not
	// the same as a slice that produced zero hits.
	ErrNoHistory = errors.New("no historical draws found")
	// ErrInvalidRequest is returned for out of range parameters.
	ErrInvalidRequest = errors.New("invalid evaluation request")
	// ErrMalformedResponse is returned when a remote evaluator answers without
	// the expected fields.
	ErrMalformedResponse = errors.New("malformed evaluator response")
	// ErrEvaluatorUnavailable wraps transport failures.
	ErrEvaluatorUnavailable = errors.New("evaluator unavailable")
	// ErrRejected is returned when the evaluator answered {success:false}.
	ErrRejected = errors.New("evaluator rejected request")
)

// Payouts maps a match count to its fixed payout. Other counts pay 0.
var Payouts = map[int]float64{
	3: 5,
	4: 50,
	5: 1000,
}

// Service evaluates a single request.
type Service interface {
	Evaluate(ctx context.Context, req Request) (types.Stats, error)
}

// Request is the body of the evaluation contract.
type Request struct {
	TargetSize int      `json:"targetSize"`
	PatternIDs []string `json:"patternIds"`
	RangeFrom  int      `json:"rangeFrom"`
	RangeTo    int      `json:"rangeTo"`
}

// Validate checks the request parameters.
func (r Request) Validate() error {
	if r.TargetSize < 1 || r.TargetSize > DomainMax-DomainMin+1 {
		return fmt.Errorf("%w: targetSize %d outside [1,%d]", ErrInvalidRequest, r.TargetSize, DomainMax-DomainMin+1)
	}
	if r.RangeFrom < 0 || r.RangeTo <= r.RangeFrom {
		return fmt.Errorf("%w: range [%d,%d)", ErrInvalidRequest, r.RangeFrom, r.RangeTo)
	}
	return nil
}

// RequestForJob builds the request for a job. A positive sliceSize narrows the
// window to [BatchFrom, min(BatchTo, BatchFrom+sliceSize)).
func RequestForJob(job types.Job, sliceSize int) Request {
	to := job.BatchTo
	if sliceSize > 0 && job.BatchFrom+sliceSize < to {
		to = job.BatchFrom + sliceSize
	}
	return Request{
		TargetSize: job.TargetSize,
		PatternIDs: append([]string(nil), job.PatternIDs...),
		RangeFrom:  job.BatchFrom,
		RangeTo:    to,
	}
}

// Evaluate computes the statistics for one slice. It is pure and
// deterministic.
func Evaluate(k int, patternIDs []string, slice []types.Draw) types.Stats {
	selected := TopK(k, slice)

	inSet := make(map[int]bool, len(selected))
	for _, n := range selected {
		inSet[n] = true
	}

	var (
		byMatches = make(map[int]int)
		payout    float64
	)
	for _, d := range slice {
		matches := 0
		for _, n := range d.Numbers {
			if inSet[n] {
				matches++
			}
		}
		byMatches[matches]++
		payout += Payouts[matches]
	}

	denom := float64(max(1, len(slice)))
	return types.Stats{
		Hit3:          float64(byMatches[3]) / denom,
		Hit4:          float64(byMatches[4]) / denom,
		Hit5:          float64(byMatches[5]) / denom,
		ExpectedValue: Round2(payout / denom),
		GridEstimate:  GridEstimate(k, len(patternIDs), len(slice)),
		SelectedSet:   selected,
	}
}

// TopK returns the k most frequent candidates of the slice, ties broken by
// ascending value, sorted ascending.
func TopK(k int, slice []types.Draw) []int {
	var freq [DomainMax + 1]int
	for _, d := range slice {
		for _, n := range d.Numbers {
			if n >= DomainMin && n <= DomainMax {
				freq[n]++
			}
		}
	}

	candidates := make([]int, 0, DomainMax-DomainMin+1)
	for n := DomainMin; n <= DomainMax; n++ {
		candidates = append(candidates, n)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if freq[a] != freq[b] {
			return freq[a] > freq[b]
		}
		return a < b
	})

	if k > len(candidates) {
		k = len(candidates)
	}
	if k < 0 {
		k = 0
	}
	selected := append([]int(nil), candidates[:k]...)
	sort.Ints(selected)
	return selected
}

// GridEstimate is a rough sizing signal, not an exact count. It grows with
// the target size, the combination length and the slice width.
func GridEstimate(k, comboLen, width int) int64 {
	return int64(k) * int64(comboLen+1) * int64(width+1)
}

// Round2 rounds to two decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
