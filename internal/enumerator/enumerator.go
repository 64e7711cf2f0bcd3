// ============================================================================
// Lotto-Search Space Enumerator
// ============================================================================
//
// Package: internal/enumerator
// File: enumerator.go
// Purpose: Expands a space configuration into the ordered job queue
//
// Ordering:
//   for k := kMin..kMax
//     for each pattern combination (size 1..Lmax, lexicographic index order)
//       for each batch window [0,b), [b,2b), ... truncated at historySize
//
// Job IDs are "<seq>-k<k>-<A+B>-<from>-<to>" with seq restarting at 0 on
// every call, so two calls with identical input produce identical queues.
//
// ============================================================================

package enumerator

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/Kdotropez/loto-news/pkg/types"
)

// ErrInvalidConfig is returned for malformed space configurations.
var ErrInvalidConfig = errors.New("invalid space configuration")

// Window is a half-open slice [From, To) of the history sequence.
type Window struct {
	From int
	To   int
}

// Validate rejects configurations that cannot be enumerated. kMin > kMax and
// historySize == 0 are accepted and simply yield an empty queue.
func Validate(cfg types.SpaceConfig) error {
	switch {
	case len(cfg.PatternIDs) == 0:
		return fmt.Errorf("%w: patternIds must not be empty", ErrInvalidConfig)
	case cfg.MaxLength <= 0:
		return fmt.Errorf("%w: maxLength must be positive, got %d", ErrInvalidConfig, cfg.MaxLength)
	case cfg.KMin <= 0 || cfg.KMax <= 0:
		return fmt.Errorf("%w: target sizes must be positive, got [%d,%d]", ErrInvalidConfig, cfg.KMin, cfg.KMax)
	case cfg.HistorySize < 0:
		return fmt.Errorf("%w: historySize must not be negative, got %d", ErrInvalidConfig, cfg.HistorySize)
	case cfg.BatchSize <= 0:
		return fmt.Errorf("%w: batchSize must be positive, got %d", ErrInvalidConfig, cfg.BatchSize)
	}
	for _, id := range cfg.PatternIDs {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("%w: blank pattern identifier", ErrInvalidConfig)
		}
	}
	return nil
}

// Enumerate expands cfg into its ordered job queue. It performs no I/O.
func Enumerate(cfg types.SpaceConfig) ([]types.Job, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}

	combos := Combinations(cfg.PatternIDs, cfg.MaxLength)
	windows := Windows(cfg.HistorySize, cfg.BatchSize)
	if cfg.KMin > cfg.KMax || len(windows) == 0 {
		return []types.Job{}, nil
	}

	jobs := make([]types.Job, 0, (cfg.KMax-cfg.KMin+1)*len(combos)*len(windows))
	seq := 0
	for k := cfg.KMin; k <= cfg.KMax; k++ {
		for _, combo := range combos {
			joined := strings.Join(combo, "+")
			for _, w := range windows {
				jobs = append(jobs, types.Job{
					ID:         types.JobID(fmt.Sprintf("%d-k%d-%s-%d-%d", seq, k, joined, w.From, w.To)),
					TargetSize: k,
					PatternIDs: append([]string(nil), combo...),
					BatchFrom:  w.From,
					BatchTo:    w.To,
					Status:     types.StatusPending,
				})
				seq++
			}
		}
	}
	return jobs, nil
}

// Count returns the number of jobs Enumerate would produce without building them.
func Count(cfg types.SpaceConfig) (int, error) {
	if err := Validate(cfg); err != nil {
		return 0, err
	}
	if cfg.KMin > cfg.KMax {
		return 0, nil
	}
	combos := len(Combinations(cfg.PatternIDs, cfg.MaxLength))
	return (cfg.KMax - cfg.KMin + 1) * combos * len(Windows(cfg.HistorySize, cfg.BatchSize)), nil
}

// Combinations returns every subset of ids of size 1..maxLen. ids are sorted
// and de-duplicated first; maxLen is capped at the number of distinct ids.
// Within a size, subsets follow lexicographic index order.
func Combinations(ids []string, maxLen int) [][]string {
	sorted := uniqueSorted(ids)
	n := len(sorted)
	if maxLen > n {
		maxLen = n
	}

	var out [][]string
	for size := 1; size <= maxLen; size++ {
		idx := make([]int, size)
		for i := range idx {
			idx[i] = i
		}
		for {
			combo := make([]string, size)
			for i, j := range idx {
				combo[i] = sorted[j]
			}
			out = append(out, combo)

			// advance the right-most index that still has room
			i := size - 1
			for i >= 0 && idx[i] == n-size+i {
				i--
			}
			if i < 0 {
				break
			}
			idx[i]++
			for j := i + 1; j < size; j++ {
				idx[j] = idx[j-1] + 1
			}
		}
	}
	return out
}

// Windows splits [0, historySize) into consecutive windows of batchSize; the
// last one is truncated.
func Windows(historySize, batchSize int) []Window {
	if historySize <= 0 || batchSize <= 0 {
		return nil
	}
	out := make([]Window, 0, (historySize+batchSize-1)/batchSize)
	for from := 0; from < historySize; from += batchSize {
		to := from + batchSize
		if to > historySize {
			to = historySize
		}
		out = append(out, Window{From: from, To: to})
	}
	return out
}

func uniqueSorted(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	n := 0
	for i, id := range out {
		if i > 0 && id == out[n-1] {
			continue
		}
		out[n] = id
		n++
	}
	return out[:n]
}
