// Package cache implements the two-tier answer cache: a fast in-process tier in
// front of a durable tier, with single-flight de-duplication of misses.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"knowledge-agent/internal/domain"
)

// ErrUnavailable wraps any error returned by a tier. The Manager never fails a
// lookup or write because of it; the tier is bypassed instead.
var ErrUnavailable = errors.New("cache: store unavailable")

// Store is a cache tier. Implementations must be safe for concurrent use.
type Store interface {
	GetEntry(ctx context.Context, id string) (domain.CacheEntry, bool, error)
	PutEntry(ctx context.Context, entry domain.CacheEntry) error
	RecordHit(ctx context.Context, id string, at time.Time) error
	DeleteEntry(ctx context.Context, id string) (bool, error)
	ClearEntries(ctx context.Context) (int, error)
	EntryStats(ctx context.Context) (domain.TierStats, error)
}

func unavailable(tier, op string, err error) error {
	return fmt.Errorf("%w: %s %s: %w", ErrUnavailable, tier, op, err)
}
