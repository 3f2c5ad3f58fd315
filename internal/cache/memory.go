package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"knowledge-agent/internal/domain"
)

const defaultMaxEntries = 10000

// MemoryStore is the fast tier: a bounded LRU whose entries also expire after
// the store's own TTL, whichever comes first.
type MemoryStore struct {
	mu         sync.Mutex
	maxEntries int
	ttl        time.Duration
	now        func() time.Time
	ll         *list.List
	items      map[string]*list.Element
}

type memoryItem struct {
	entry     domain.CacheEntry
	expiresAt time.Time
}

func (i *memoryItem) live(now time.Time) bool {
	return i.expiresAt.IsZero() || now.Before(i.expiresAt)
}

type MemoryOption func(*MemoryStore)

func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// NewMemoryStore creates a fast tier holding at most maxEntries entries for at
// most ttl each. A zero ttl keeps entries until their own expiry.
func NewMemoryStore(maxEntries int, ttl time.Duration, opts ...MemoryOption) *MemoryStore {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	s := &MemoryStore{
		maxEntries: maxEntries,
		ttl:        ttl,
		now:        time.Now,
		ll:         list.New(),
		items:      make(map[string]*list.Element),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) GetEntry(_ context.Context, id string) (domain.CacheEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.items[id]
	if !ok {
		return domain.CacheEntry{}, false, nil
	}
	item := el.Value.(*memoryItem)
	if !item.live(s.now()) {
		s.removeElement(el)
		return domain.CacheEntry{}, false, nil
	}
	s.ll.MoveToFront(el)
	return item.entry, true, nil
}

func (s *MemoryStore) PutEntry(_ context.Context, entry domain.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiresAt := entry.ExpiresAt
	if s.ttl > 0 {
		if capped := s.now().Add(s.ttl); expiresAt.IsZero() || capped.Before(expiresAt) {
			expiresAt = capped
		}
	}
	if el, ok := s.items[entry.ID]; ok {
		el.Value = &memoryItem{entry: entry, expiresAt: expiresAt}
		s.ll.MoveToFront(el)
		return nil
	}
	s.items[entry.ID] = s.ll.PushFront(&memoryItem{entry: entry, expiresAt: expiresAt})
	for s.ll.Len() > s.maxEntries {
		s.removeElement(s.ll.Back())
	}
	return nil
}

func (s *MemoryStore) RecordHit(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.items[id]; ok {
		item := el.Value.(*memoryItem)
		item.entry.Hits++
		item.entry.LastHitAt = at
	}
	return nil
}

func (s *MemoryStore) DeleteEntry(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.items[id]
	if !ok {
		return false, nil
	}
	s.removeElement(el)
	return true, nil
}

func (s *MemoryStore) ClearEntries(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.ll.Len()
	s.ll.Init()
	s.items = make(map[string]*list.Element)
	return n, nil
}

func (s *MemoryStore) EntryStats(_ context.Context) (domain.TierStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var stats domain.TierStats
	var sum float64
	for el := s.ll.Front(); el != nil; el = el.Next() {
		item := el.Value.(*memoryItem)
		if !item.live(now) {
			continue
		}
		stats.Entries++
		sum += item.entry.Confidence
	}
	if stats.Entries > 0 {
		stats.AvgConfidence = sum / float64(stats.Entries)
	}
	return stats, nil
}

func (s *MemoryStore) removeElement(el *list.Element) {
	s.ll.Remove(el)
	delete(s.items, el.Value.(*memoryItem).entry.ID)
}
