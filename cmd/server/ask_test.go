package main

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"knowledge-agent/internal/delivery"
	"knowledge-agent/internal/domain"
)

func TestAskSink_Text(t *testing.T) {
	var out bytes.Buffer
	sink := (&askCommander{}).sink(&out)
	ctx := context.Background()

	for _, ev := range []delivery.Event{
		{Type: delivery.EventStart, Start: &delivery.Start{SessionID: "s1"}},
		{Type: delivery.EventFragment, Fragment: &delivery.Fragment{Text: "Open Settings "}},
		{Type: delivery.EventFragment, Fragment: &delivery.Fragment{Index: 1, Text: "[1]."}},
		{Type: delivery.EventEvidence, Evidence: []domain.Evidence{{SourceID: "kb-1", Title: "Passwords"}}},
		{Type: delivery.EventDone, Done: &delivery.Done{SessionID: "s1", Turn: 3, ResponseTimeMs: 12}},
	} {
		require.NoError(t, sink.Send(ctx, ev))
	}

	require.Equal(t, "Open Settings [1].\n\n[1] Passwords (kb-1)\n\nsession s1, turn 3, cached false, 12ms\n", out.String())
}

func TestAskSink_JSONLines(t *testing.T) {
	var out bytes.Buffer
	sink := (&askCommander{jsonOut: true}).sink(&out)

	require.NoError(t, sink.Send(context.Background(), delivery.Event{Type: delivery.EventError, Error: &delivery.ErrorInfo{Code: "UPSTREAM_ERROR", Message: "synthesis_failed"}}))
	require.Equal(t, `{"type":"error","error":{"code":"UPSTREAM_ERROR","message":"synthesis_failed"}}`, strings.TrimSpace(out.String()))
}

func TestNewLogger_Level(t *testing.T) {
	require.True(t, newLogger("debug").Enabled(context.Background(), slog.LevelDebug))
	require.False(t, newLogger("").Enabled(context.Background(), slog.LevelDebug))
	require.False(t, newLogger("nonsense").Enabled(context.Background(), slog.LevelDebug))
}
