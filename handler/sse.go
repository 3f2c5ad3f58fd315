package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"knowledge-agent/internal/delivery"
)

// sseSink writes delivery events as server-sent events.
type sseSink struct {
	w       io.Writer
	flusher http.Flusher
	sent    int
}

func (s *sseSink) Send(ctx context.Context, ev delivery.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(ev.Payload())
	if err != nil {
		return fmt.Errorf("handler: encode %s event: %w", ev.Type, err)
	}
	if err := writeSSE(s.w, string(ev.Type), string(data)); err != nil {
		return err
	}
	s.flusher.Flush()
	s.sent++
	return nil
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
