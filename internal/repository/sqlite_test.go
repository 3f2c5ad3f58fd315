package repository

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"knowledge-agent/internal/domain"
)

func newTestSQLite(t *testing.T, now func() time.Time) *SQLite {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "data", "agent.db"), WithSQLiteClock(now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLite_EntryLifecycle(t *testing.T) {
	s := newTestSQLite(t, func() time.Time { return fixedNow })
	ctx := context.Background()
	entry := sampleEntry()

	require.NoError(t, s.PutEntry(ctx, entry))
	got, ok, err := s.GetEntry(ctx, entry.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, entry.Answer, got.Answer)
	require.Equal(t, entry.ExpiresAt, got.ExpiresAt)
	require.Equal(t, entry.Evidence, got.Evidence)

	require.NoError(t, s.RecordHit(ctx, entry.ID, fixedNow.Add(time.Minute)))
	got, _, err = s.GetEntry(ctx, entry.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), got.Hits)
	require.Equal(t, fixedNow.Add(time.Minute), got.LastHitAt)

	deleted, err := s.DeleteEntry(ctx, entry.ID)
	require.NoError(t, err)
	require.True(t, deleted)
	deleted, err = s.DeleteEntry(ctx, entry.ID)
	require.NoError(t, err)
	require.False(t, deleted)
}

func TestSQLite_PutEntryReplaces(t *testing.T) {
	s := newTestSQLite(t, func() time.Time { return fixedNow })
	ctx := context.Background()
	entry := sampleEntry()
	require.NoError(t, s.PutEntry(ctx, entry))

	entry.Answer = "Updated answer."
	require.NoError(t, s.PutEntry(ctx, entry))

	stats, err := s.EntryStats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Entries)
	got, _, err := s.GetEntry(ctx, entry.ID)
	require.NoError(t, err)
	require.Equal(t, "Updated answer.", got.Answer)
}

func TestSQLite_StatsSkipExpired(t *testing.T) {
	now := fixedNow
	s := newTestSQLite(t, func() time.Time { return now })
	ctx := context.Background()

	live := sampleEntry()
	stale := sampleEntry()
	stale.ID = "ffffffffffffffffffffffffffffffff"
	stale.Confidence = 0.5
	stale.ExpiresAt = fixedNow.Add(time.Hour)
	require.NoError(t, s.PutEntry(ctx, live))
	require.NoError(t, s.PutEntry(ctx, stale))

	now = fixedNow.Add(2 * time.Hour)
	stats, err := s.EntryStats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Entries)
	require.InDelta(t, live.Confidence, stats.AvgConfidence, 1e-9)

	purged, err := s.PurgeExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, purged)

	cleared, err := s.ClearEntries(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, cleared)
}

func TestSQLite_TurnsAreSequencedPerSession(t *testing.T) {
	s := newTestSQLite(t, func() time.Time { return fixedNow })
	ctx := context.Background()

	for i, q := range []string{"first", "second", "third"} {
		turn, err := s.AppendTurn(ctx, domain.Turn{SessionID: "s1", Kind: domain.TurnAnswer, Question: q, EvidenceIDs: []string{"kb-1"}})
		require.NoError(t, err)
		require.Equal(t, i+1, turn.Seq)
	}
	other, err := s.AppendTurn(ctx, domain.Turn{SessionID: "s2", Kind: domain.TurnClarification, Question: "other"})
	require.NoError(t, err)
	require.Equal(t, 1, other.Seq)

	recent, err := s.RecentTurns(ctx, "s1", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	require.Equal(t, "second", recent[0].Question)
	require.Equal(t, "third", recent[1].Question)
	require.Equal(t, []string{"kb-1"}, recent[1].EvidenceIDs)

	all, err := s.Turns(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, fixedNow, all[0].CreatedAt)
}

func TestSQLite_ConcurrentAppendsDoNotCollide(t *testing.T) {
	s := newTestSQLite(t, time.Now)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.AppendTurn(ctx, domain.Turn{SessionID: "busy", Question: "q"})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	turns, err := s.Turns(ctx, "busy")
	require.NoError(t, err)
	require.Len(t, turns, 10)
	for i, turn := range turns {
		require.Equal(t, i+1, turn.Seq)
	}
}

func TestSQLite_RatingAndDelete(t *testing.T) {
	s := newTestSQLite(t, func() time.Time { return fixedNow })
	ctx := context.Background()

	_, err := s.AppendTurn(ctx, domain.Turn{SessionID: "s1", Question: "q"})
	require.NoError(t, err)
	require.NoError(t, s.SetRating(ctx, "s1", 1, 5))
	require.ErrorIs(t, s.SetRating(ctx, "s1", 2, 5), domain.ErrNotFound)

	turns, err := s.Turns(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, 5, turns[0].Rating)

	n, err := s.DeleteSession(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	turns, err = s.Turns(ctx, "s1")
	require.NoError(t, err)
	require.Empty(t, turns)

	// Sequence restarts after the session is cleared.
	turn, err := s.AppendTurn(ctx, domain.Turn{SessionID: "s1", Question: "again"})
	require.NoError(t, err)
	require.Equal(t, 1, turn.Seq)
}
