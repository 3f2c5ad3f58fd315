package domain

import "time"

// ConfidenceTier buckets a synthesized answer for cache eligibility and TTL.
type ConfidenceTier string

const (
	ConfidenceHigh   ConfidenceTier = "high"
	ConfidenceMedium ConfidenceTier = "medium"
	ConfidenceLow    ConfidenceTier = "low"
)

// CacheEntry is a cached answer keyed by the fingerprint of the resolved question.
// ID is derived from Fingerprint, so a store holds at most one entry per fingerprint.
type CacheEntry struct {
	ID          string         `json:"id"`
	Fingerprint string         `json:"fingerprint"`
	Question    string         `json:"question"`
	Answer      string         `json:"answer"`
	Evidence    []Evidence     `json:"evidence"`
	Confidence  float64        `json:"confidence"`
	Tier        ConfidenceTier `json:"tier"`
	CreatedAt   time.Time      `json:"createdAt"`
	ExpiresAt   time.Time      `json:"expiresAt"`
	Hits        int64          `json:"hits"`
	LastHitAt   time.Time      `json:"lastHitAt,omitempty"`
}

// Expired reports whether the entry is no longer live at now.
func (e CacheEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// TierStats is the aggregate a cache store reports about its live entries.
type TierStats struct {
	Entries       int64
	AvgConfidence float64
}
