// Package memory keeps the append-only conversation log of each session.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"knowledge-agent/internal/domain"
)

const DefaultHistoryLimit = 5

var (
	ErrInvalidRating  = errors.New("memory: rating must be between 1 and 5")
	ErrInvalidSession = errors.New("memory: session id is required")
)

// Store persists turns. AppendTurn assigns the next sequence number.
type Store interface {
	AppendTurn(ctx context.Context, turn domain.Turn) (domain.Turn, error)
	RecentTurns(ctx context.Context, sessionID string, limit int) ([]domain.Turn, error)
	Turns(ctx context.Context, sessionID string) ([]domain.Turn, error)
	SetRating(ctx context.Context, sessionID string, seq, rating int) error
	DeleteSession(ctx context.Context, sessionID string) (int, error)
}

type Memory struct {
	store  Store
	limit  int
	now    func() time.Time
	logger *slog.Logger
}

type Option func(*Memory)

// WithHistoryLimit sets how many turns Recent returns.
func WithHistoryLimit(k int) Option {
	return func(m *Memory) {
		if k > 0 {
			m.limit = k
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Memory) {
		m.now = now
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Memory) {
		m.logger = logger
	}
}

func New(store Store, opts ...Option) (*Memory, error) {
	if store == nil {
		return nil, errors.New("memory: store must not be nil")
	}
	m := &Memory{store: store, limit: DefaultHistoryLimit, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m, nil
}

// HistoryLimit is the number of turns Recent returns.
func (m *Memory) HistoryLimit() int {
	return m.limit
}

// Record appends a completed turn and returns it with its sequence number.
func (m *Memory) Record(ctx context.Context, turn domain.Turn) (domain.Turn, error) {
	turn.SessionID = strings.TrimSpace(turn.SessionID)
	if turn.SessionID == "" {
		return domain.Turn{}, ErrInvalidSession
	}
	if turn.Kind == "" {
		turn.Kind = domain.TurnAnswer
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = m.now().UTC()
	}
	turn.Rating = 0
	saved, err := m.store.AppendTurn(ctx, turn)
	if err != nil {
		return domain.Turn{}, fmt.Errorf("memory: record turn: %w", err)
	}
	m.logger.Debug("turn recorded", "session_id", saved.SessionID, "seq", saved.Seq, "kind", saved.Kind)
	return saved, nil
}

// Recent returns the last K turns in chronological order. An unknown
// session has no history.
func (m *Memory) Recent(ctx context.Context, sessionID string) ([]domain.Turn, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, nil
	}
	turns, err := m.store.RecentTurns(ctx, sessionID, m.limit)
	if err != nil {
		return nil, fmt.Errorf("memory: recent turns: %w", err)
	}
	return turns, nil
}

// Export returns every turn of a session in order.
func (m *Memory) Export(ctx context.Context, sessionID string) ([]domain.Turn, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, ErrInvalidSession
	}
	turns, err := m.store.Turns(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("memory: export session: %w", err)
	}
	if len(turns) == 0 {
		return nil, fmt.Errorf("memory: session %s: %w", sessionID, domain.ErrNotFound)
	}
	return turns, nil
}

// Rate attaches a 1-5 rating to one turn.
func (m *Memory) Rate(ctx context.Context, sessionID string, seq, rating int) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return ErrInvalidSession
	}
	if rating < 1 || rating > 5 {
		return ErrInvalidRating
	}
	if seq < 1 {
		return fmt.Errorf("memory: turn %d: %w", seq, domain.ErrNotFound)
	}
	if err := m.store.SetRating(ctx, sessionID, seq, rating); err != nil {
		return fmt.Errorf("memory: rate turn: %w", err)
	}
	return nil
}

// Clear removes a session and all its turns. Clearing an unknown session
// is not an error.
func (m *Memory) Clear(ctx context.Context, sessionID string) (int, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return 0, ErrInvalidSession
	}
	n, err := m.store.DeleteSession(ctx, sessionID)
	if err != nil {
		return 0, fmt.Errorf("memory: clear session: %w", err)
	}
	m.logger.Info("session cleared", "session_id", sessionID, "turns", n)
	return n, nil
}
