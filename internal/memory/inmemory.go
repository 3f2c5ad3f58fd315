package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"knowledge-agent/internal/domain"
)

// InMemoryStore is a process-local Store. It is lost on restart.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string][]domain.Turn
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string][]domain.Turn)}
}

func (s *InMemoryStore) AppendTurn(_ context.Context, turn domain.Turn) (domain.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	turns := s.sessions[turn.SessionID]
	turn.Seq = len(turns) + 1
	turn.EvidenceIDs = slices.Clone(turn.EvidenceIDs)
	s.sessions[turn.SessionID] = append(turns, turn)
	return turn, nil
}

func (s *InMemoryStore) RecentTurns(_ context.Context, sessionID string, limit int) ([]domain.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	turns := s.sessions[sessionID]
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return slices.Clone(turns), nil
}

func (s *InMemoryStore) Turns(_ context.Context, sessionID string) ([]domain.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.sessions[sessionID]), nil
}

func (s *InMemoryStore) SetRating(_ context.Context, sessionID string, seq, rating int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	turns := s.sessions[sessionID]
	if seq < 1 || seq > len(turns) {
		return fmt.Errorf("memory: turn %s/%d: %w", sessionID, seq, domain.ErrNotFound)
	}
	turns[seq-1].Rating = rating
	return nil
}

func (s *InMemoryStore) DeleteSession(_ context.Context, sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.sessions[sessionID])
	delete(s.sessions, sessionID)
	return n, nil
}
