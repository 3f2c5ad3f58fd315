// Package rerank reorders close retrieval results with a secondary relevance
// score. It never adds or drops candidates.
package rerank

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"knowledge-agent/internal/domain"
)

const (
	DefaultThreshold = 0.05
	DefaultTimeout   = 2 * time.Second
)

// ErrFailed reports that the secondary scorer could not produce a usable ranking.
var ErrFailed = errors.New("rerank: failed")

// Scorer returns one relevance score per candidate, in candidate order.
type Scorer interface {
	Score(ctx context.Context, question string, cands []domain.Evidence) ([]float64, error)
}

// NeedsRerank reports whether the top of the list is too flat to trust: the
// gap between the first and the third candidate (or the last, when fewer
// than three) is below threshold.
func NeedsRerank(cands []domain.Evidence, threshold float64) bool {
	if len(cands) < 2 {
		return false
	}
	third := min(2, len(cands)-1)
	return cands[0].Score-cands[third].Score < threshold
}

type Reranker struct {
	scorer   Scorer
	timeout  time.Duration
	logger   *slog.Logger
	failures atomic.Int64
}

type Option func(*Reranker)

func WithTimeout(d time.Duration) Option {
	return func(r *Reranker) {
		r.timeout = d
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Reranker) {
		r.logger = logger
	}
}

func New(scorer Scorer, opts ...Option) (*Reranker, error) {
	if scorer == nil {
		return nil, errors.New("rerank: scorer is required")
	}
	r := &Reranker{scorer: scorer, timeout: DefaultTimeout, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r, nil
}

// Rerank returns a permutation of cands ordered by secondary score, ties
// keeping their original order. On any scorer failure it returns cands
// unchanged and false; the failure is counted and logged, never returned.
// A caller that is cancelled or past its deadline gets the same fallback
// without a failure being counted.
func (r *Reranker) Rerank(ctx context.Context, question string, cands []domain.Evidence) ([]domain.Evidence, bool) {
	if len(cands) < 2 {
		return cands, false
	}
	out, err := r.rerank(ctx, question, cands)
	if err != nil && ctx.Err() != nil {
		r.logger.Debug("rerank abandoned", "err", ctx.Err())
		return cands, false
	}
	if err != nil {
		r.failures.Add(1)
		r.logger.Warn("rerank skipped", "err", err, "candidates", len(cands))
		return cands, false
	}
	return out, true
}

func (r *Reranker) rerank(ctx context.Context, question string, cands []domain.Evidence) ([]domain.Evidence, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	scores, err := r.scorer.Score(ctx, question, cands)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFailed, err)
	}
	if len(scores) != len(cands) {
		return nil, fmt.Errorf("%w: got %d scores for %d candidates", ErrFailed, len(scores), len(cands))
	}

	order := make([]int, len(cands))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return cmp.Compare(scores[b], scores[a])
	})
	out := make([]domain.Evidence, len(cands))
	for i, idx := range order {
		out[i] = cands[idx]
	}
	return out, nil
}

// Failures is the number of reranks that fell back to the original order.
func (r *Reranker) Failures() int64 {
	return r.failures.Load()
}
