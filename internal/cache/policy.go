package cache

import (
	"time"

	"knowledge-agent/internal/domain"
)

const (
	rerankPenalty      = 0.05
	lengthPenalty      = 0.25
	minSaneAnswerChars = 20
	maxSaneAnswerChars = 6000
)

// Policy maps a confidence score to a tier and TTL. Low confidence answers
// are never cached.
type Policy struct {
	HighThreshold   float64
	MediumThreshold float64
	HighTTL         time.Duration
	MediumTTL       time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		HighThreshold:   0.75,
		MediumThreshold: 0.5,
		HighTTL:         30 * 24 * time.Hour,
		MediumTTL:       7 * 24 * time.Hour,
	}
}

// Bucket returns the tier for confidence and its TTL; zero TTL means "do not cache".
func (p Policy) Bucket(confidence float64) (domain.ConfidenceTier, time.Duration) {
	switch {
	case confidence >= p.HighThreshold:
		return domain.ConfidenceHigh, p.HighTTL
	case confidence >= p.MediumThreshold:
		return domain.ConfidenceMedium, p.MediumTTL
	default:
		return domain.ConfidenceLow, 0
	}
}

// Signals are the facts about a fresh synthesis that feed its confidence.
type Signals struct {
	TopScore      float64
	Reranked      bool
	AnswerLength  int
	EvidenceCount int
}

// Score is a heuristic in [0,1]: the top retrieval score, lowered when the
// retrieval needed reranking and when the answer length looks wrong.
func Score(s Signals) float64 {
	if s.EvidenceCount == 0 {
		return 0
	}
	conf := s.TopScore
	if s.Reranked {
		conf -= rerankPenalty
	}
	if s.AnswerLength < minSaneAnswerChars || s.AnswerLength > maxSaneAnswerChars {
		conf -= lengthPenalty
	}
	switch {
	case conf < 0:
		return 0
	case conf > 1:
		return 1
	}
	return conf
}
