package usecase

import (
	"context"
	"errors"
	"strings"

	"knowledge-agent/internal/cache"
	"knowledge-agent/internal/domain"
	"knowledge-agent/internal/fingerprint"
	"knowledge-agent/internal/memory"
	"knowledge-agent/internal/retrieval"
)

// ClearCacheInput selects exactly one of All, ID or Question. Category and
// Source scope a Question the same way they scoped the Ask that cached it.
// FastTierOnly leaves the durable tier untouched.
type ClearCacheInput struct {
	All          bool   `json:"all"`
	ID           string `json:"id"`
	Question     string `json:"question"`
	Category     string `json:"category,omitempty"`
	Source       string `json:"source,omitempty"`
	FastTierOnly bool   `json:"fastTierOnly"`
}

type ClearCacheOutput struct {
	EntriesCleared int `json:"entriesCleared"`
	Fast           int `json:"fast"`
	Durable        int `json:"durable"`
}

func (s *AskService) ClearCache(ctx context.Context, in ClearCacheInput) (ClearCacheOutput, error) {
	id := strings.TrimSpace(in.ID)
	question := strings.TrimSpace(in.Question)
	selectors := 0
	for _, set := range []bool{in.All, id != "", question != ""} {
		if set {
			selectors++
		}
	}
	if selectors != 1 {
		return ClearCacheOutput{}, newError(ErrorInvalidInput, "clear_selector_required", nil)
	}

	inv := cache.Invalidation{All: in.All, ID: id, FastOnly: in.FastTierOnly}
	if question != "" {
		key, err := fingerprint.New(s.config.Current().Settings.Acronyms).Key(question)
		if err != nil {
			return ClearCacheOutput{}, newError(ErrorInvalidInput, "empty_question", err)
		}
		filter := retrieval.Filter{Category: strings.TrimSpace(in.Category), Source: strings.TrimSpace(in.Source)}
		inv.ID = scopedKey(key, filter).ID
	}

	cleared, err := s.cache.Invalidate(ctx, inv)
	out := ClearCacheOutput{EntriesCleared: cleared.Total(), Fast: cleared.Fast, Durable: cleared.Durable}
	if err != nil {
		return out, newError(ErrorUpstream, "cache_clear_error", err)
	}
	s.logger.Info("cache cleared", "all", inv.All, "cache_id", inv.ID, "fast_only", inv.FastOnly, "entries", out.EntriesCleared)
	return out, nil
}

// CacheStatsOutput reports the tiers plus every swallowed-failure counter.
type CacheStatsOutput struct {
	Cache    cache.Stats      `json:"cache"`
	Failures map[string]int64 `json:"failures"`
}

func (s *AskService) CacheStats(ctx context.Context) CacheStatsOutput {
	stats := s.cache.Stats(ctx)
	failures := map[string]int64{
		"retrieval_timeout":     s.failures.retrievalTimeouts.Load(),
		"retrieval_unavailable": s.failures.retrievalUnavailable.Load(),
		"synthesis":             s.synth.Failures(),
		"memory":                s.failures.memory.Load(),
		"cancelled":             s.failures.cancelled.Load(),
		"cache":                 stats.Combined.Failures,
		"rerank":                0,
	}
	if s.reranker != nil {
		failures["rerank"] = s.reranker.Failures()
	}
	return CacheStatsOutput{Cache: stats, Failures: failures}
}

func (s *AskService) ClearSession(ctx context.Context, sessionID string) error {
	if _, err := s.memory.Clear(ctx, sessionID); err != nil {
		return s.memoryError(err)
	}
	return nil
}

func (s *AskService) ExportSession(ctx context.Context, sessionID string) ([]domain.Turn, error) {
	turns, err := s.memory.Export(ctx, sessionID)
	if err != nil {
		return nil, s.memoryError(err)
	}
	return turns, nil
}

// RateTurn attaches a 1-5 feedback rating to a recorded turn.
func (s *AskService) RateTurn(ctx context.Context, sessionID string, seq, rating int) error {
	if err := s.memory.Rate(ctx, sessionID, seq, rating); err != nil {
		return s.memoryError(err)
	}
	s.logger.Info("turn rated", "session_id", sessionID, "seq", seq, "rating", rating)
	return nil
}

func (s *AskService) memoryError(err error) *Error {
	switch {
	case errors.Is(err, memory.ErrInvalidSession):
		return newError(ErrorInvalidInput, "session_id_required", err)
	case errors.Is(err, memory.ErrInvalidRating):
		return newError(ErrorInvalidInput, "invalid_rating", err)
	case errors.Is(err, domain.ErrNotFound):
		return newError(ErrorNotFound, "session_not_found", err)
	case errors.Is(err, context.Canceled):
		return newError(ErrorCancelled, "client_cancelled", err)
	}
	return newError(ErrorInternal, "session_store_error", err)
}
