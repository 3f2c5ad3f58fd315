// Package delivery models how one answer reaches a client: an ordered event
// stream for progressive clients and a buffered payload for everyone else.
package delivery

import (
	"context"
	"errors"
	"fmt"

	"knowledge-agent/internal/domain"
)

type EventType string

const (
	EventStart    EventType = "start"
	EventFragment EventType = "fragment"
	EventEvidence EventType = "evidence"
	EventDone     EventType = "done"
	EventError    EventType = "error"
)

// Event is one unit sent to a Sink. Exactly one payload field matching Type
// is set.
type Event struct {
	Type     EventType         `json:"type"`
	Start    *Start            `json:"start,omitempty"`
	Fragment *Fragment         `json:"fragment,omitempty"`
	Evidence []domain.Evidence `json:"evidence,omitempty"`
	Done     *Done             `json:"done,omitempty"`
	Error    *ErrorInfo        `json:"error,omitempty"`
}

type Start struct {
	SessionID string `json:"sessionId"`
}

type Fragment struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

type Done struct {
	SessionID        string `json:"sessionId"`
	Turn             int    `json:"turn,omitempty"`
	Cached           bool   `json:"cached"`
	ResponseTimeMs   int64  `json:"responseTimeMs"`
	Clarification    bool   `json:"clarification,omitempty"`
	ResolvedQuestion string `json:"resolvedQuestion,omitempty"`
	Reframed         bool   `json:"reframed,omitempty"`
}

type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Payload returns the part of the event a transport serializes as data.
func (e Event) Payload() any {
	switch e.Type {
	case EventStart:
		return e.Start
	case EventFragment:
		return e.Fragment
	case EventEvidence:
		return e.Evidence
	case EventDone:
		return e.Done
	case EventError:
		return e.Error
	}
	return nil
}

// Sink receives events in order. A Send error means the client is gone.
type Sink interface {
	Send(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Send(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

var (
	// ErrCancelled reports that the client went away before the stream
	// completed. It matches context.Canceled.
	ErrCancelled = fmt.Errorf("delivery: cancelled: %w", context.Canceled)

	ErrIllegalTransition = errors.New("delivery: illegal phase transition")
	ErrOutOfOrder        = errors.New("delivery: fragment out of order")
	ErrClosed            = errors.New("delivery: stream closed")
)
