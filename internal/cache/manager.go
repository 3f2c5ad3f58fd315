package cache

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"knowledge-agent/internal/domain"
)

const (
	tierFast    = "fast"
	tierDurable = "durable"

	asyncTimeout = 5 * time.Second
	// maxFlightJoins bounds how often a caller re-joins after the flight it
	// was waiting on was cancelled by its leader.
	maxFlightJoins = 3
)

// Source reports which tier served a hit.
type Source string

const (
	SourceNone    Source = ""
	SourceFast    Source = tierFast
	SourceDurable Source = tierDurable
)

type tierCounters struct {
	hits     atomic.Int64
	misses   atomic.Int64
	failures atomic.Int64
}

// Manager is a read-through/write-through cache over a fast and a durable tier.
// Either tier may be nil, in which case it is skipped.
type Manager struct {
	fast    Store
	durable Store
	now     func() time.Time
	logger  *slog.Logger

	group    singleflight.Group
	inflight atomic.Int64
	pending  sync.WaitGroup

	lookups     atomic.Int64
	fullMisses  atomic.Int64
	fastStats   tierCounters
	durableStat tierCounters
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a Manager. At least one tier is required.
func NewManager(fast, durable Store, opts ...Option) (*Manager, error) {
	if fast == nil && durable == nil {
		return nil, errors.New("cache: at least one tier is required")
	}
	m := &Manager{
		fast:    fast,
		durable: durable,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m, nil
}

// Lookup checks the fast tier, then the durable tier, backfilling the fast tier
// on a durable hit. Tier errors are counted and treated as misses.
func (m *Manager) Lookup(ctx context.Context, id string) (domain.CacheEntry, Source, bool) {
	m.lookups.Add(1)
	now := m.now()

	if m.fast != nil {
		entry, ok, err := m.fast.GetEntry(ctx, id)
		switch {
		case err != nil:
			m.fail(&m.fastStats, unavailable(tierFast, "get", err))
		case ok && !entry.Expired(now):
			m.fastStats.hits.Add(1)
			m.recordHit(id, now)
			return served(entry, now), SourceFast, true
		default:
			m.fastStats.misses.Add(1)
		}
	}

	if m.durable != nil {
		entry, ok, err := m.durable.GetEntry(ctx, id)
		switch {
		case err != nil:
			m.fail(&m.durableStat, unavailable(tierDurable, "get", err))
		case ok && !entry.Expired(now):
			m.durableStat.hits.Add(1)
			if m.fast != nil {
				if err := m.fast.PutEntry(ctx, entry); err != nil {
					m.fail(&m.fastStats, unavailable(tierFast, "backfill", err))
				}
			}
			m.recordHit(id, now)
			return served(entry, now), SourceDurable, true
		case ok:
			m.durableStat.misses.Add(1)
			m.async(&m.durableStat, "delete expired", func(ctx context.Context) error {
				_, err := m.durable.DeleteEntry(ctx, id)
				return err
			})
		default:
			m.durableStat.misses.Add(1)
		}
	}

	m.fullMisses.Add(1)
	return domain.CacheEntry{}, SourceNone, false
}

// Recheck reads the tiers like Lookup but leaves the lookup counters alone.
// A single-flight leader calls it to catch an entry written after its own
// Lookup missed.
func (m *Manager) Recheck(ctx context.Context, id string) (domain.CacheEntry, Source, bool) {
	now := m.now()
	tiers := []struct {
		store    Store
		source   Source
		counters *tierCounters
	}{
		{m.fast, SourceFast, &m.fastStats},
		{m.durable, SourceDurable, &m.durableStat},
	}
	for _, t := range tiers {
		if t.store == nil {
			continue
		}
		entry, ok, err := t.store.GetEntry(ctx, id)
		if err != nil {
			m.fail(t.counters, unavailable(string(t.source), "recheck", err))
			continue
		}
		if ok && !entry.Expired(now) {
			m.recordHit(id, now)
			return served(entry, now), t.source, true
		}
	}
	return domain.CacheEntry{}, SourceNone, false
}

// Put writes entry to the durable tier and then the fast tier. The entry's
// confidence decides its tier and TTL; low confidence entries are not stored.
// It reports whether at least one tier accepted the entry.
func (m *Manager) Put(ctx context.Context, entry domain.CacheEntry, policy Policy) (domain.CacheEntry, bool) {
	tier, ttl := policy.Bucket(entry.Confidence)
	entry.Tier = tier
	if ttl <= 0 {
		return entry, false
	}
	now := m.now()
	entry.CreatedAt = now
	entry.ExpiresAt = now.Add(ttl)
	entry.Hits = 0
	entry.LastHitAt = time.Time{}

	stored := false
	if m.durable != nil {
		if err := m.durable.PutEntry(ctx, entry); err != nil {
			m.fail(&m.durableStat, unavailable(tierDurable, "put", err))
		} else {
			stored = true
		}
	}
	if m.fast != nil {
		if err := m.fast.PutEntry(ctx, entry); err != nil {
			m.fail(&m.fastStats, unavailable(tierFast, "put", err))
		} else {
			stored = true
		}
	}
	return entry, stored
}

const (
	flightIdle int32 = iota
	flightLeading
	flightAbandoned
)

var errFlightAbandoned = errors.New("cache: flight abandoned before start")

// Do runs fn at most once at a time per id. Callers arriving while a flight is
// active wait for and share its result. leader reports whether this caller's
// fn ran. A leader never returns before its fn does.
//
// When the leader is cancelled, waiting callers whose own context is still
// live start a new flight rather than inherit the cancellation.
func (m *Manager) Do(ctx context.Context, id string, fn func(ctx context.Context) (any, error)) (val any, leader bool, err error) {
	for joins := 1; ; joins++ {
		var state atomic.Int32
		ch := m.group.DoChan(id, func() (any, error) {
			if !state.CompareAndSwap(flightIdle, flightLeading) {
				return nil, errFlightAbandoned
			}
			m.inflight.Add(1)
			defer m.inflight.Add(-1)
			return fn(ctx)
		})

		select {
		case res := <-ch:
			led := state.Load() == flightLeading
			if !led && res.Err != nil && ctx.Err() == nil && joins < maxFlightJoins &&
				(errors.Is(res.Err, errFlightAbandoned) || errors.Is(res.Err, context.Canceled)) {
				continue
			}
			return res.Val, led, res.Err
		case <-ctx.Done():
			if state.CompareAndSwap(flightIdle, flightAbandoned) {
				return nil, false, ctx.Err()
			}
			res := <-ch
			return res.Val, true, res.Err
		}
	}
}

// Invalidation selects entries to remove: one entry by ID, or all of them.
// FastOnly restricts removal to the fast tier.
type Invalidation struct {
	ID       string
	All      bool
	FastOnly bool
}

// Cleared counts removed entries per tier.
type Cleared struct {
	Fast    int
	Durable int
}

// Total is the number of distinct entries removed; the fast tier only holds
// copies of durable entries.
func (c Cleared) Total() int {
	return max(c.Fast, c.Durable)
}

func (m *Manager) Invalidate(ctx context.Context, inv Invalidation) (Cleared, error) {
	if !inv.All && inv.ID == "" {
		return Cleared{}, errors.New("cache: invalidation needs an id or all")
	}
	var out Cleared
	var errs []error

	if m.fast != nil {
		n, err := m.invalidateTier(ctx, m.fast, inv)
		if err != nil {
			err = unavailable(tierFast, "invalidate", err)
			m.fail(&m.fastStats, err)
			errs = append(errs, err)
		}
		out.Fast = n
	}
	if m.durable != nil && !inv.FastOnly {
		n, err := m.invalidateTier(ctx, m.durable, inv)
		if err != nil {
			err = unavailable(tierDurable, "invalidate", err)
			m.fail(&m.durableStat, err)
			errs = append(errs, err)
		}
		out.Durable = n
	}
	return out, errors.Join(errs...)
}

func (m *Manager) invalidateTier(ctx context.Context, s Store, inv Invalidation) (int, error) {
	if inv.All {
		return s.ClearEntries(ctx)
	}
	deleted, err := s.DeleteEntry(ctx, inv.ID)
	if err != nil || !deleted {
		return 0, err
	}
	return 1, nil
}

// TierReport describes one tier, or both combined.
type TierReport struct {
	Entries       int64   `json:"entries"`
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	Failures      int64   `json:"failures"`
	HitRate       float64 `json:"hitRate"`
	AvgConfidence float64 `json:"avgConfidence"`
	Available     bool    `json:"available"`
}

type Stats struct {
	Fast     TierReport `json:"fast"`
	Durable  TierReport `json:"durable"`
	Combined TierReport `json:"combined"`
	InFlight int64      `json:"inFlight"`
}

func (m *Manager) Stats(ctx context.Context) Stats {
	out := Stats{
		Fast:     m.report(ctx, m.fast, &m.fastStats, tierFast),
		Durable:  m.report(ctx, m.durable, &m.durableStat, tierDurable),
		InFlight: m.inflight.Load(),
	}

	hits := out.Fast.Hits + out.Durable.Hits
	lookups := m.lookups.Load()
	out.Combined = TierReport{
		Hits:      hits,
		Misses:    m.fullMisses.Load(),
		Failures:  out.Fast.Failures + out.Durable.Failures,
		HitRate:   ratio(hits, lookups),
		Available: out.Fast.Available || out.Durable.Available,
	}
	// The durable tier is the source of truth for entry counts.
	source := out.Durable
	if !source.Available {
		source = out.Fast
	}
	out.Combined.Entries = source.Entries
	out.Combined.AvgConfidence = source.AvgConfidence
	return out
}

func (m *Manager) report(ctx context.Context, s Store, c *tierCounters, tier string) TierReport {
	r := TierReport{
		Hits:     c.hits.Load(),
		Misses:   c.misses.Load(),
		Failures: c.failures.Load(),
	}
	r.HitRate = ratio(r.Hits, r.Hits+r.Misses)
	if s == nil {
		return r
	}
	stats, err := s.EntryStats(ctx)
	if err != nil {
		m.fail(c, unavailable(tier, "stats", err))
		r.Failures = c.failures.Load()
		return r
	}
	r.Available = true
	r.Entries = stats.Entries
	r.AvgConfidence = stats.AvgConfidence
	return r
}

// Wait blocks until background hit recording has finished.
func (m *Manager) Wait() {
	m.pending.Wait()
}

func (m *Manager) recordHit(id string, at time.Time) {
	if m.fast != nil {
		m.async(&m.fastStats, "record hit", func(ctx context.Context) error {
			return m.fast.RecordHit(ctx, id, at)
		})
	}
	if m.durable != nil {
		m.async(&m.durableStat, "record hit", func(ctx context.Context) error {
			return m.durable.RecordHit(ctx, id, at)
		})
	}
}

func (m *Manager) async(c *tierCounters, op string, fn func(ctx context.Context) error) {
	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), asyncTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			m.fail(c, unavailable("async", op, err))
		}
	}()
}

func (m *Manager) fail(c *tierCounters, err error) {
	c.failures.Add(1)
	m.logger.Warn("cache tier unavailable", "err", err)
}

func served(entry domain.CacheEntry, now time.Time) domain.CacheEntry {
	entry.Hits++
	entry.LastHitAt = now
	return entry
}

func ratio(n, d int64) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}
