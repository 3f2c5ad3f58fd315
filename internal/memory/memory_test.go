package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"knowledge-agent/internal/domain"
	"knowledge-agent/internal/repository"
)

var (
	_ Store = (*InMemoryStore)(nil)
	_ Store = (*repository.Client)(nil)
	_ Store = (*repository.SQLite)(nil)
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestMemory(t *testing.T, opts ...Option) (*Memory, *InMemoryStore) {
	t.Helper()
	store := NewInMemoryStore()
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	m, err := New(store, opts...)
	require.NoError(t, err)
	return m, store
}

func TestRecord_AssignsSequenceAndDefaults(t *testing.T) {
	m, _ := newTestMemory(t)
	ctx := context.Background()

	first, err := m.Record(ctx, domain.Turn{SessionID: " s1 ", Question: "vpn?", Answer: "Use the client.", Rating: 4})
	require.NoError(t, err)
	require.Equal(t, 1, first.Seq)
	require.Equal(t, "s1", first.SessionID)
	require.Equal(t, domain.TurnAnswer, first.Kind)
	require.Equal(t, fixedNow, first.CreatedAt)
	require.Zero(t, first.Rating)

	second, err := m.Record(ctx, domain.Turn{SessionID: "s1", Kind: domain.TurnClarification, Question: "it?", Answer: "Which system?"})
	require.NoError(t, err)
	require.Equal(t, 2, second.Seq)
	require.Equal(t, domain.TurnClarification, second.Kind)
}

func TestRecord_RequiresSession(t *testing.T) {
	m, _ := newTestMemory(t)
	_, err := m.Record(context.Background(), domain.Turn{SessionID: "  "})
	require.ErrorIs(t, err, ErrInvalidSession)
}

func TestRecent_LastKChronological(t *testing.T) {
	m, _ := newTestMemory(t, WithHistoryLimit(2))
	ctx := context.Background()
	for i := 1; i <= 4; i++ {
		_, err := m.Record(ctx, domain.Turn{SessionID: "s1", Question: fmt.Sprintf("q%d", i)})
		require.NoError(t, err)
	}

	turns, err := m.Recent(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	require.Equal(t, "q3", turns[0].Question)
	require.Equal(t, "q4", turns[1].Question)

	none, err := m.Recent(ctx, "")
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestExport(t *testing.T) {
	m, _ := newTestMemory(t)
	ctx := context.Background()

	_, err := m.Export(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)

	for i := 0; i < 3; i++ {
		_, err := m.Record(ctx, domain.Turn{SessionID: "s1"})
		require.NoError(t, err)
	}
	turns, err := m.Export(ctx, "s1")
	require.NoError(t, err)
	for i, turn := range turns {
		require.Equal(t, i+1, turn.Seq)
	}
}

func TestRate(t *testing.T) {
	m, store := newTestMemory(t)
	ctx := context.Background()
	_, err := m.Record(ctx, domain.Turn{SessionID: "s1"})
	require.NoError(t, err)

	require.ErrorIs(t, m.Rate(ctx, "s1", 1, 0), ErrInvalidRating)
	require.ErrorIs(t, m.Rate(ctx, "s1", 1, 6), ErrInvalidRating)
	require.ErrorIs(t, m.Rate(ctx, "s1", 2, 5), domain.ErrNotFound)
	require.ErrorIs(t, m.Rate(ctx, "s1", 0, 5), domain.ErrNotFound)
	require.NoError(t, m.Rate(ctx, "s1", 1, 5))

	turns, err := store.Turns(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, 5, turns[0].Rating)
}

func TestClear_Idempotent(t *testing.T) {
	m, _ := newTestMemory(t)
	ctx := context.Background()
	_, err := m.Record(ctx, domain.Turn{SessionID: "s1"})
	require.NoError(t, err)

	n, err := m.Clear(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = m.Clear(ctx, "s1")
	require.NoError(t, err)
	require.Zero(t, n)

	again, err := m.Record(ctx, domain.Turn{SessionID: "s1"})
	require.NoError(t, err)
	require.Equal(t, 1, again.Seq)
}

func TestInMemoryStore_ConcurrentAppends(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.AppendTurn(ctx, domain.Turn{SessionID: "s1"})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	turns, err := store.Turns(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, turns, 20)
	for i, turn := range turns {
		require.Equal(t, i+1, turn.Seq)
	}
}

type failingStore struct {
	*InMemoryStore
	err error
}

func (f failingStore) AppendTurn(context.Context, domain.Turn) (domain.Turn, error) {
	return domain.Turn{}, f.err
}

func TestRecord_WrapsStoreError(t *testing.T) {
	boom := errors.New("table unavailable")
	m, err := New(failingStore{InMemoryStore: NewInMemoryStore(), err: boom})
	require.NoError(t, err)
	_, err = m.Record(context.Background(), domain.Turn{SessionID: "s1"})
	require.ErrorIs(t, err, boom)
	require.ErrorContains(t, err, "memory: record turn")
}
