// Package retrieval finds candidate evidence for a resolved question.
package retrieval

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"knowledge-agent/internal/domain"
)

const (
	DefaultTopK      = 8
	MaxTopK          = 20
	DefaultCloseness = 0.02
	DefaultTimeout   = 3 * time.Second

	scoreEpsilon = 1e-9
)

var (
	// ErrTimeout means the similarity capability did not answer within the deadline.
	ErrTimeout = errors.New("retrieval: timed out")
	// ErrUnavailable wraps any other capability failure.
	ErrUnavailable = errors.New("retrieval: unavailable")
)

// Embedder turns text into a query vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Index returns scored candidates for a query vector, best first or not.
type Index interface {
	Search(ctx context.Context, q Query) ([]domain.Evidence, error)
}

// Filter restricts candidates by metadata. Empty fields match everything.
type Filter struct {
	Category string
	Source   string
}

type Query struct {
	Vector        []float64
	TopK          int
	MinSimilarity float64
	Filter        Filter
}

type Options struct {
	TopK          int
	MinSimilarity float64
	Closeness     float64
	Timeout       time.Duration
	Filter        Filter
}

func DefaultOptions() Options {
	return Options{TopK: DefaultTopK, Closeness: DefaultCloseness, Timeout: DefaultTimeout}
}

func (o Options) normalized() Options {
	if o.TopK <= 0 {
		o.TopK = DefaultTopK
	}
	o.TopK = min(o.TopK, MaxTopK)
	if o.Closeness < 0 {
		o.Closeness = 0
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	return o
}

type Retriever struct {
	embedder Embedder
	index    Index
	logger   *slog.Logger
}

func New(embedder Embedder, index Index, logger *slog.Logger) (*Retriever, error) {
	if embedder == nil || index == nil {
		return nil, errors.New("retrieval: embedder and index are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{embedder: embedder, index: index, logger: logger}, nil
}

// Retrieve embeds question, searches the index and returns at most TopK
// candidates above the similarity floor in deterministic order. The whole
// call, embedding included, is bounded by opts.Timeout.
func (r *Retriever) Retrieve(ctx context.Context, question string, opts Options) ([]domain.Evidence, error) {
	if strings.TrimSpace(question) == "" {
		return nil, errors.New("retrieval: question must not be empty")
	}
	opts = opts.normalized()

	callCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	vector, err := r.embedder.Embed(callCtx, question)
	if err != nil {
		return nil, r.classify(ctx, callCtx, "embed", err)
	}
	cands, err := r.index.Search(callCtx, Query{
		Vector:        vector,
		TopK:          opts.TopK,
		MinSimilarity: opts.MinSimilarity,
		Filter:        opts.Filter,
	})
	if err != nil {
		return nil, r.classify(ctx, callCtx, "search", err)
	}

	kept := cands[:0:0]
	for _, c := range cands {
		if c.Score < opts.MinSimilarity {
			continue
		}
		kept = append(kept, c)
	}
	ordered := Order(kept, opts.Closeness)
	if len(ordered) > opts.TopK {
		ordered = ordered[:opts.TopK]
	}
	return ordered, nil
}

func (r *Retriever) classify(parent, callCtx context.Context, op string, err error) error {
	// The caller going away is a cancellation, not an upstream fault.
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		r.logger.Warn("retrieval deadline exceeded", "op", op, "err", err)
		return fmt.Errorf("%w: %s: %w", ErrTimeout, op, err)
	}
	r.logger.Warn("retrieval failed", "op", op, "err", err)
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

// Order sorts candidates by score, then reorders each run of candidates
// whose scores lie within closeness of the run's best score: higher priority
// first, then fresher, then higher score, then source id. The input is not
// modified.
func Order(cands []domain.Evidence, closeness float64) []domain.Evidence {
	out := slices.Clone(cands)
	slices.SortStableFunc(out, func(a, b domain.Evidence) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.SourceID, b.SourceID)
	})

	for start := 0; start < len(out); {
		end := start + 1
		for end < len(out) && out[start].Score-out[end].Score <= closeness+scoreEpsilon {
			end++
		}
		slices.SortStableFunc(out[start:end], tieBreak)
		start = end
	}
	return out
}

func tieBreak(a, b domain.Evidence) int {
	if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
		return c
	}
	if c := b.Freshness.Compare(a.Freshness); c != 0 {
		return c
	}
	if c := cmp.Compare(b.Score, a.Score); c != 0 {
		return c
	}
	return cmp.Compare(a.SourceID, b.SourceID)
}
