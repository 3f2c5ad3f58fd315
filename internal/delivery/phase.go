package delivery

import (
	"fmt"
	"slices"
)

type Phase string

const (
	PhaseStart      Phase = "START"
	PhaseCacheHit   Phase = "CACHE_HIT"
	PhaseMiss       Phase = "MISS"
	PhaseRetrieve   Phase = "RETRIEVE"
	PhaseRerank     Phase = "RERANK"
	PhaseSynthesize Phase = "SYNTHESIZE"
	PhaseDone       Phase = "DONE"
	PhaseError      Phase = "ERROR"
)

// START goes straight to DONE for clarifications, RETRIEVE goes straight to
// DONE for fallback and no-evidence answers.
var transitions = map[Phase][]Phase{
	PhaseStart:      {PhaseCacheHit, PhaseMiss, PhaseDone, PhaseError},
	PhaseCacheHit:   {PhaseDone, PhaseError},
	PhaseMiss:       {PhaseRetrieve, PhaseError},
	PhaseRetrieve:   {PhaseRerank, PhaseSynthesize, PhaseDone, PhaseError},
	PhaseRerank:     {PhaseSynthesize, PhaseError},
	PhaseSynthesize: {PhaseDone, PhaseError},
}

// CanTransition reports whether from → to is allowed.
func CanTransition(from, to Phase) bool {
	return slices.Contains(transitions[from], to)
}

// Terminal reports whether no further transition is possible.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseError
}

func checkTransition(from, to Phase) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}
