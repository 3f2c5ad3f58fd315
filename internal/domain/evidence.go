package domain

import "time"

// Evidence is a candidate passage returned by retrieval. Score is the raw
// similarity in [0,1]; Priority is the source authority tier (1-10, higher wins).
type Evidence struct {
	SourceID  string    `json:"sourceId"`
	Title     string    `json:"title,omitempty"`
	Category  string    `json:"category,omitempty"`
	Score     float64   `json:"score"`
	Priority  int       `json:"priority"`
	Freshness time.Time `json:"freshness,omitempty"`
	Excerpt   string    `json:"excerpt"`
}

// EvidenceIDs returns the source identifiers in order.
func EvidenceIDs(evidence []Evidence) []string {
	ids := make([]string, 0, len(evidence))
	for _, e := range evidence {
		ids = append(ids, e.SourceID)
	}
	return ids
}
