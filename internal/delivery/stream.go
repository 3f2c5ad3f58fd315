package delivery

import (
	"context"
	"fmt"
	"sync"

	"knowledge-agent/internal/domain"
)

// Stream drives one request's events through a Sink while tracking its
// phase. Fragment indices are assigned here, so they are always 0,1,2,...
type Stream struct {
	sink Sink

	mu      sync.Mutex
	phase   Phase
	started bool
	next    int
}

func NewStream(sink Sink) *Stream {
	return &Stream{sink: sink, phase: PhaseStart}
}

func (s *Stream) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Fragments is the number of fragments sent so far.
func (s *Stream) Fragments() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Advance moves to a non-terminal phase without emitting an event.
func (s *Stream) Advance(to Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if to.Terminal() {
		return fmt.Errorf("%w: %s must be reached through Done or Fail", ErrIllegalTransition, to)
	}
	if err := checkTransition(s.phase, to); err != nil {
		return err
	}
	s.phase = to
	return nil
}

// Begin emits the start event. It must be the first event.
func (s *Stream) Begin(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.phase != PhaseStart {
		return fmt.Errorf("%w: start already sent", ErrOutOfOrder)
	}
	s.started = true
	return s.send(ctx, Event{Type: EventStart, Start: &Start{SessionID: sessionID}})
}

// Fragment emits the next piece of the answer.
func (s *Stream) Fragment(ctx context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.open(); err != nil {
		return err
	}
	ev := Event{Type: EventFragment, Fragment: &Fragment{Index: s.next, Text: text}}
	if err := s.send(ctx, ev); err != nil {
		return err
	}
	s.next++
	return nil
}

// Evidence emits the sources the answer relies on.
func (s *Stream) Evidence(ctx context.Context, evidence []domain.Evidence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.open(); err != nil {
		return err
	}
	return s.send(ctx, Event{Type: EventEvidence, Evidence: evidence})
}

// Done completes the stream.
func (s *Stream) Done(ctx context.Context, d Done) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.open(); err != nil {
		return err
	}
	if err := checkTransition(s.phase, PhaseDone); err != nil {
		return err
	}
	if err := s.send(ctx, Event{Type: EventDone, Done: &d}); err != nil {
		return err
	}
	s.phase = PhaseDone
	return nil
}

// Fail terminates the stream with an error event. It is valid from any
// non-terminal phase, including before Begin.
func (s *Stream) Fail(ctx context.Context, code, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase.Terminal() {
		return fmt.Errorf("%w: already %s", ErrClosed, s.phase)
	}
	s.phase = PhaseError
	return s.send(ctx, Event{Type: EventError, Error: &ErrorInfo{Code: code, Message: message}})
}

func (s *Stream) open() error {
	if !s.started {
		return fmt.Errorf("%w: start not sent", ErrOutOfOrder)
	}
	if s.phase.Terminal() {
		return fmt.Errorf("%w: already %s", ErrClosed, s.phase)
	}
	return nil
}

// send treats any sink failure or context cancellation as a client
// disconnect and ends the stream.
func (s *Stream) send(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		s.phase = PhaseError
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	if err := s.sink.Send(ctx, ev); err != nil {
		s.phase = PhaseError
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	return nil
}
