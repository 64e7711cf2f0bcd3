package evaluator

import (
	"context"

	"github.com/Kdotropez/loto-news/internal/history"
	"github.com/Kdotropez/loto-news/pkg/types"
)

// Local evaluates requests in-process against a history source.
type Local struct {
	src history.Source
}

// NewLocal creates an in-process evaluator.
func NewLocal(src history.Source) *Local {
	return &Local{src: src}
}

// Evaluate slices the history to the requested range, clamped to the
// available draws. An empty history yields ErrNoHistory.
func (l *Local) Evaluate(ctx context.Context, req Request) (types.Stats, error) {
	if err := req.Validate(); err != nil {
		return types.Stats{}, err
	}

	draws, err := l.src.Draws(ctx)
	if err != nil {
		return types.Stats{}, err
	}
	if len(draws) == 0 {
		return types.Stats{}, ErrNoHistory
	}

	from := min(req.RangeFrom, len(draws))
	to := min(req.RangeTo, len(draws))
	return Evaluate(req.TargetSize, req.PatternIDs, draws[from:to]), nil
}

var _ Service = (*Local)(nil)
