package domain

import (
	"errors"
	"time"
)

// ErrNotFound is returned by stores when a session or turn does not exist.
var ErrNotFound = errors.New("not found")

// TurnKind distinguishes answered turns from clarification-only turns.
type TurnKind string

const (
	TurnAnswer        TurnKind = "answer"
	TurnClarification TurnKind = "clarification"
)

// Turn is a single persisted conversation turn. Turns are immutable once
// written; only Rating may be attached later.
type Turn struct {
	SessionID        string    `json:"sessionId"`
	Seq              int       `json:"seq"`
	Kind             TurnKind  `json:"kind"`
	Question         string    `json:"question"`
	ResolvedQuestion string    `json:"resolvedQuestion"`
	Topic            string    `json:"topic,omitempty"`
	Answer           string    `json:"answer"`
	EvidenceIDs      []string  `json:"evidenceIds,omitempty"`
	LatencyMs        int64     `json:"latencyMs"`
	Cached           bool      `json:"cached"`
	Reframed         bool      `json:"reframed"`
	Rating           int       `json:"rating,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

// Session stores aggregate conversation state.
type Session struct {
	ID           string
	CreatedAt    time.Time
	LastActivity time.Time
	Turns        int
}
