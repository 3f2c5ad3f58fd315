package delivery

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"knowledge-agent/internal/domain"
)

// Payload is the single response assembled for a non-streaming client.
type Payload struct {
	SessionID string
	Answer    string
	Evidence  []domain.Evidence
	Done      *Done
	Error     *ErrorInfo
}

// Buffer is a Sink that collects a whole event stream.
type Buffer struct {
	mu        sync.Mutex
	sessionID string
	answer    strings.Builder
	next      int
	evidence  []domain.Evidence
	done      *Done
	errInfo   *ErrorInfo
	err       error
}

func NewBuffer() *Buffer {
	return &Buffer{}
}

func (b *Buffer) Send(_ context.Context, ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	switch ev.Type {
	case EventStart:
		if ev.Start != nil {
			b.sessionID = ev.Start.SessionID
		}
	case EventFragment:
		if ev.Fragment == nil || ev.Fragment.Index != b.next {
			b.err = fmt.Errorf("%w: want index %d", ErrOutOfOrder, b.next)
			return b.err
		}
		b.answer.WriteString(ev.Fragment.Text)
		b.next++
	case EventEvidence:
		b.evidence = ev.Evidence
	case EventDone:
		b.done = ev.Done
	case EventError:
		b.errInfo = ev.Error
	}
	return nil
}

// Result returns the assembled payload.
func (b *Buffer) Result() (Payload, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return Payload{}, b.err
	}
	p := Payload{
		SessionID: b.sessionID,
		Answer:    b.answer.String(),
		Evidence:  b.evidence,
		Done:      b.done,
		Error:     b.errInfo,
	}
	if p.Done != nil && p.Done.SessionID != "" {
		p.SessionID = p.Done.SessionID
	}
	return p, nil
}
