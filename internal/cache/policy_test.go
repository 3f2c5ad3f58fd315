package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"knowledge-agent/internal/domain"
)

func TestPolicy_Bucket(t *testing.T) {
	p := DefaultPolicy()
	cases := []struct {
		confidence float64
		tier       domain.ConfidenceTier
		ttl        time.Duration
	}{
		{0.95, domain.ConfidenceHigh, 30 * 24 * time.Hour},
		{0.75, domain.ConfidenceHigh, 30 * 24 * time.Hour},
		{0.6, domain.ConfidenceMedium, 7 * 24 * time.Hour},
		{0.49, domain.ConfidenceLow, 0},
		{0, domain.ConfidenceLow, 0},
	}
	for _, tc := range cases {
		tier, ttl := p.Bucket(tc.confidence)
		require.Equal(t, tc.tier, tier, tc.confidence)
		require.Equal(t, tc.ttl, ttl, tc.confidence)
	}
}

func TestScore(t *testing.T) {
	base := Signals{TopScore: 0.9, AnswerLength: 200, EvidenceCount: 3}
	require.InDelta(t, 0.9, Score(base), 1e-9)

	reranked := base
	reranked.Reranked = true
	require.InDelta(t, 0.85, Score(reranked), 1e-9)

	short := base
	short.AnswerLength = 5
	require.InDelta(t, 0.65, Score(short), 1e-9)

	none := base
	none.EvidenceCount = 0
	require.Zero(t, Score(none))

	floor := Signals{TopScore: 0.1, AnswerLength: 1, EvidenceCount: 1, Reranked: true}
	require.Zero(t, Score(floor))

	over := Signals{TopScore: 1.4, AnswerLength: 200, EvidenceCount: 1}
	require.Equal(t, 1.0, Score(over))
}
