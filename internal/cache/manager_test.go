package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"knowledge-agent/internal/domain"
)

type failingStore struct {
	err error
}

func (f failingStore) GetEntry(context.Context, string) (domain.CacheEntry, bool, error) {
	return domain.CacheEntry{}, false, f.err
}
func (f failingStore) PutEntry(context.Context, domain.CacheEntry) error { return f.err }
func (f failingStore) RecordHit(context.Context, string, time.Time) error { return f.err }
func (f failingStore) DeleteEntry(context.Context, string) (bool, error) { return false, f.err }
func (f failingStore) ClearEntries(context.Context) (int, error) { return 0, f.err }
func (f failingStore) EntryStats(context.Context) (domain.TierStats, error) { return domain.TierStats{}, f.err }

func store(clock *testClock) *MemoryStore {
	return NewMemoryStore(10, 0, WithMemoryClock(clock.Now))
}

func mustManager(t *testing.T, fast, durable Store, clock *testClock) *Manager {
	t.Helper()
	m, err := NewManager(fast, durable, WithClock(clock.Now))
	require.NoError(t, err)
	return m
}

func TestNewManager_RequiresATier(t *testing.T) {
	_, err := NewManager(nil, nil)
	require.Error(t, err)
}

// ---- read/write path ----

func TestManager_WriteThroughThenFastHit(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	fast, durable := store(clock), store(clock)
	m := mustManager(t, fast, durable, clock)

	stored, ok := m.Put(ctx, entry("a", 0.9), DefaultPolicy())
	require.True(t, ok)
	require.Equal(t, domain.ConfidenceHigh, stored.Tier)
	require.Equal(t, clock.Now().Add(30*24*time.Hour), stored.ExpiresAt)

	got, src, hit := m.Lookup(ctx, "a")
	require.True(t, hit)
	require.Equal(t, SourceFast, src)
	require.EqualValues(t, 1, got.Hits)
	m.Wait()

	inDurable, _, _ := durable.GetEntry(ctx, "a")
	require.EqualValues(t, 1, inDurable.Hits)
	require.Equal(t, clock.Now(), inDurable.LastHitAt)
}

func TestManager_DurableHitBackfillsFastTier(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	fast, durable := store(clock), store(clock)
	m := mustManager(t, fast, durable, clock)

	_, ok := m.Put(ctx, entry("a", 0.9), DefaultPolicy())
	require.True(t, ok)
	_, err := fast.ClearEntries(ctx)
	require.NoError(t, err)

	_, src, hit := m.Lookup(ctx, "a")
	require.True(t, hit)
	require.Equal(t, SourceDurable, src)

	_, src, hit = m.Lookup(ctx, "a")
	require.True(t, hit)
	require.Equal(t, SourceFast, src)
	m.Wait()
}

func TestManager_LowConfidenceIsNeverCached(t *testing.T) {
	clock := newClock()
	ctx := context.Background()
	fast, durable := store(clock), store(clock)
	m := mustManager(t, fast, durable, clock)

	e, ok := m.Put(ctx, entry("a", 0.2), DefaultPolicy())
	require.False(t, ok)
	require.Equal(t, domain.ConfidenceLow, e.Tier)

	_, _, hit := m.Lookup(ctx, "a")
	require.False(t, hit)
	stats, _ := durable.EntryStats(ctx)
	require.Zero(t, stats.Entries)
}

func TestManager_HighConfidenceTTLOnDurableTier(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	durable := store(clock)
	m := mustManager(t, nil, durable, clock)

	_, ok := m.Put(ctx, entry("a", 0.95), DefaultPolicy())
	require.True(t, ok)
	start := clock.Now()

	clock.now = start.Add(29 * 24 * time.Hour)
	_, src, hit := m.Lookup(ctx, "a")
	require.True(t, hit)
	require.Equal(t, SourceDurable, src)

	clock.now = start.Add(31 * 24 * time.Hour)
	_, _, hit = m.Lookup(ctx, "a")
	require.False(t, hit)
	m.Wait()
}

func TestManager_MediumConfidenceTTL(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	m := mustManager(t, nil, store(clock), clock)

	_, ok := m.Put(ctx, entry("a", 0.6), DefaultPolicy())
	require.True(t, ok)
	clock.Advance(6 * 24 * time.Hour)
	_, _, hit := m.Lookup(ctx, "a")
	require.True(t, hit)
	clock.Advance(2 * 24 * time.Hour)
	_, _, hit = m.Lookup(ctx, "a")
	require.False(t, hit)
	m.Wait()
}

func TestManager_PutReplacesEntryForSameFingerprint(t *testing.T) {
	clock := newClock()
	ctx := context.Background()
	durable := store(clock)
	m := mustManager(t, nil, durable, clock)

	first := entry("a", 0.9)
	second := entry("a", 0.8)
	second.Answer = "newer"
	m.Put(ctx, first, DefaultPolicy())
	m.Put(ctx, second, DefaultPolicy())

	stats, _ := durable.EntryStats(ctx)
	require.EqualValues(t, 1, stats.Entries)
	got, _, _ := m.Lookup(ctx, "a")
	require.Equal(t, "newer", got.Answer)
	m.Wait()
}

// ---- degradation ----

func TestManager_UnavailableTiersDegradeToMiss(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("connection refused")
	m := mustManager(t, failingStore{err: boom}, failingStore{err: boom}, newClock())

	_, ok := m.Put(ctx, entry("a", 0.9), DefaultPolicy())
	require.False(t, ok)

	_, src, hit := m.Lookup(ctx, "a")
	require.False(t, hit)
	require.Equal(t, SourceNone, src)

	stats := m.Stats(ctx)
	require.False(t, stats.Combined.Available)
	require.Positive(t, stats.Fast.Failures)
	require.Positive(t, stats.Durable.Failures)
}

func TestManager_BypassesUnavailableFastTier(t *testing.T) {
	clock := newClock()
	ctx := context.Background()
	durable := store(clock)
	m := mustManager(t, failingStore{err: errors.New("oom")}, durable, clock)

	_, ok := m.Put(ctx, entry("a", 0.9), DefaultPolicy())
	require.True(t, ok)

	_, src, hit := m.Lookup(ctx, "a")
	require.True(t, hit)
	require.Equal(t, SourceDurable, src)
	m.Wait()
}

// ---- invalidation ----

func TestManager_InvalidateFastOnlyKeepsDurable(t *testing.T) {
	clock := newClock()
	ctx := context.Background()
	fast, durable := store(clock), store(clock)
	m := mustManager(t, fast, durable, clock)
	m.Put(ctx, entry("a", 0.9), DefaultPolicy())
	m.Put(ctx, entry("b", 0.9), DefaultPolicy())

	cleared, err := m.Invalidate(ctx, Invalidation{All: true, FastOnly: true})
	require.NoError(t, err)
	require.Equal(t, Cleared{Fast: 2}, cleared)

	stats, _ := durable.EntryStats(ctx)
	require.EqualValues(t, 2, stats.Entries)

	_, src, hit := m.Lookup(ctx, "a")
	require.True(t, hit)
	require.Equal(t, SourceDurable, src)
	m.Wait()
}

func TestManager_InvalidateByIDAndAll(t *testing.T) {
	clock := newClock()
	ctx := context.Background()
	fast, durable := store(clock), store(clock)
	m := mustManager(t, fast, durable, clock)
	m.Put(ctx, entry("a", 0.9), DefaultPolicy())
	m.Put(ctx, entry("b", 0.9), DefaultPolicy())

	cleared, err := m.Invalidate(ctx, Invalidation{ID: "a"})
	require.NoError(t, err)
	require.Equal(t, 1, cleared.Total())
	_, _, hit := m.Lookup(ctx, "a")
	require.False(t, hit)

	cleared, err = m.Invalidate(ctx, Invalidation{All: true})
	require.NoError(t, err)
	require.Equal(t, Cleared{Fast: 1, Durable: 1}, cleared)

	_, err = m.Invalidate(ctx, Invalidation{})
	require.Error(t, err)
	m.Wait()
}

// ---- stats ----

func TestManager_Stats(t *testing.T) {
	clock := newClock()
	ctx := context.Background()
	fast, durable := store(clock), store(clock)
	m := mustManager(t, fast, durable, clock)
	m.Put(ctx, entry("a", 0.9), DefaultPolicy())
	m.Put(ctx, entry("b", 0.7), DefaultPolicy())

	m.Lookup(ctx, "a")
	m.Lookup(ctx, "missing")
	m.Wait()

	stats := m.Stats(ctx)
	require.EqualValues(t, 2, stats.Combined.Entries)
	require.InDelta(t, 0.8, stats.Combined.AvgConfidence, 1e-9)
	require.EqualValues(t, 1, stats.Combined.Hits)
	require.EqualValues(t, 1, stats.Combined.Misses)
	require.InDelta(t, 0.5, stats.Combined.HitRate, 1e-9)
	require.EqualValues(t, 1, stats.Fast.Hits)
	require.EqualValues(t, 1, stats.Fast.Misses)
	require.EqualValues(t, 1, stats.Durable.Misses)
	require.True(t, stats.Durable.Available)
}

func TestManager_RecheckLeavesLookupCountersAlone(t *testing.T) {
	clock := newClock()
	ctx := context.Background()
	durable := store(clock)
	m := mustManager(t, nil, durable, clock)

	_, _, hit := m.Recheck(ctx, "a")
	require.False(t, hit)

	m.Put(ctx, entry("a", 0.9), DefaultPolicy())
	got, src, hit := m.Recheck(ctx, "a")
	require.True(t, hit)
	require.Equal(t, SourceDurable, src)
	require.Equal(t, "a", got.ID)
	m.Wait()

	stats := m.Stats(ctx)
	require.Zero(t, stats.Combined.Hits)
	require.Zero(t, stats.Combined.Misses)
	require.Zero(t, stats.Durable.Misses)
}

// ---- single-flight ----

func TestManager_DoRunsOncePerKey(t *testing.T) {
	clock := newClock()
	m := mustManager(t, store(clock), nil, clock)

	var calls atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	fn := func(context.Context) (any, error) {
		if calls.Add(1) == 1 {
			close(entered)
		}
		<-release
		return "answer", nil
	}

	const n = 8
	var wg sync.WaitGroup
	results := make([]any, n)
	leaders := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, led, err := m.Do(context.Background(), "key", fn)
			require.NoError(t, err)
			results[i], leaders[i] = v, led
		}(i)
	}
	<-entered
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	require.EqualValues(t, 1, calls.Load())
	nLeaders := 0
	for i := range results {
		require.Equal(t, "answer", results[i])
		if leaders[i] {
			nLeaders++
		}
	}
	require.Equal(t, 1, nLeaders)
}

func TestManager_DoFailureIsNotShared(t *testing.T) {
	clock := newClock()
	m := mustManager(t, store(clock), nil, clock)
	boom := errors.New("synthesis failed")

	_, led, err := m.Do(context.Background(), "key", func(context.Context) (any, error) { return nil, boom })
	require.ErrorIs(t, err, boom)
	require.True(t, led)

	v, led, err := m.Do(context.Background(), "key", func(context.Context) (any, error) { return "ok", nil })
	require.NoError(t, err)
	require.True(t, led)
	require.Equal(t, "ok", v)
}

func TestManager_DoFollowerRejoinsWhenLeaderCancelled(t *testing.T) {
	clock := newClock()
	m := mustManager(t, store(clock), nil, clock)

	var calls atomic.Int32
	entered := make(chan struct{})
	fn := func(ctx context.Context) (any, error) {
		if calls.Add(1) == 1 {
			close(entered)
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return "answer", nil
	}

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderDone := make(chan error, 1)
	go func() {
		_, _, err := m.Do(leaderCtx, "key", fn)
		leaderDone <- err
	}()
	<-entered

	followerDone := make(chan any, 1)
	go func() {
		v, _, err := m.Do(context.Background(), "key", fn)
		require.NoError(t, err)
		followerDone <- v
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	require.ErrorIs(t, <-leaderDone, context.Canceled)
	require.Equal(t, "answer", <-followerDone)
	require.EqualValues(t, 2, calls.Load())
}

func TestManager_DoWaiterCanGiveUp(t *testing.T) {
	clock := newClock()
	m := mustManager(t, store(clock), nil, clock)
	entered := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _, _ = m.Do(context.Background(), "key", func(context.Context) (any, error) {
			close(entered)
			<-release
			return "late", nil
		})
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, led, err := m.Do(ctx, "key", func(context.Context) (any, error) { return "never", nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.False(t, led)
	close(release)
}
