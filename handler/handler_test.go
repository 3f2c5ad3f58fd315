package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"knowledge-agent/internal/delivery"
	"knowledge-agent/internal/domain"
	"knowledge-agent/internal/usecase"
)

type stubUseCase struct {
	out usecase.AskOutput
	err error
	in  usecase.AskInput

	events []delivery.Event

	clearIn  usecase.ClearCacheInput
	clearOut usecase.ClearCacheOutput
	stats    usecase.CacheStatsOutput
	turns    []domain.Turn
	session  string
	seq      int
	rating   int
}

func (s *stubUseCase) Ask(_ context.Context, in usecase.AskInput) (usecase.AskOutput, error) {
	s.in = in
	return s.out, s.err
}

func (s *stubUseCase) AskStream(ctx context.Context, in usecase.AskInput, sink delivery.Sink) error {
	s.in = in
	for _, ev := range s.events {
		if err := sink.Send(ctx, ev); err != nil {
			return err
		}
	}
	return s.err
}

func (s *stubUseCase) ClearCache(_ context.Context, in usecase.ClearCacheInput) (usecase.ClearCacheOutput, error) {
	s.clearIn = in
	return s.clearOut, s.err
}

func (s *stubUseCase) CacheStats(context.Context) usecase.CacheStatsOutput {
	return s.stats
}

func (s *stubUseCase) ClearSession(_ context.Context, sessionID string) error {
	s.session = sessionID
	return s.err
}

func (s *stubUseCase) ExportSession(_ context.Context, sessionID string) ([]domain.Turn, error) {
	s.session = sessionID
	return s.turns, s.err
}

func (s *stubUseCase) RateTurn(_ context.Context, sessionID string, seq, rating int) error {
	s.session, s.seq, s.rating = sessionID, seq, rating
	return s.err
}

func makeEvent(method, path, body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod: method,
		Path:       path,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
	}
}

func makeAskEvent(body string) events.APIGatewayProxyRequest {
	return makeEvent(http.MethodPost, "/ask", body)
}

func parseBody[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

func TestNewHandler_ValidatesDependency(t *testing.T) {
	_, err := NewHandler(nil)
	require.Error(t, err)
}

func TestHandle_HappyPath(t *testing.T) {
	uc := &stubUseCase{out: usecase.AskOutput{Answer: "hello", SessionID: "sess-1", Turn: 2, Cached: true}}
	h, err := NewHandler(uc)
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeAskEvent(`{"question":"How do I reset my password?","sessionId":"sess-1","category":"it"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, usecase.AskInput{Question: "How do I reset my password?", SessionID: "sess-1", Category: "it"}, uc.in)

	out := parseBody[askResponse](t, resp.Body)
	require.Equal(t, "hello", out.Answer)
	require.Equal(t, "sess-1", out.SessionID)
	require.Equal(t, 2, out.Turn)
	require.True(t, out.Cached)
	require.NotEmpty(t, resp.Headers["X-Correlation-Id"])
}

func TestHandle_InvalidBody(t *testing.T) {
	uc := &stubUseCase{}
	h, err := NewHandler(uc)
	require.NoError(t, err)

	for _, body := range []string{`not-json`, ``} {
		resp, err := h.Handle(context.Background(), makeAskEvent(body))
		require.NoError(t, err)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)

		out := parseBody[errorResponse](t, resp.Body)
		require.Equal(t, string(usecase.ErrorInvalidInput), out.Error)
		require.Equal(t, "invalid_body", out.Reason)
		require.Equal(t, resp.Headers["X-Correlation-Id"], out.CorrelationID)
	}
}

func TestHandle_MapsUseCaseErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "invalid input", err: &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "empty_question"}, status: http.StatusBadRequest, code: string(usecase.ErrorInvalidInput)},
		{name: "not found", err: &usecase.Error{Code: usecase.ErrorNotFound, Reason: "session_not_found"}, status: http.StatusNotFound, code: string(usecase.ErrorNotFound)},
		{name: "rate limited", err: &usecase.Error{Code: usecase.ErrorRateLimited, Reason: "synthesis_rate_limited"}, status: http.StatusTooManyRequests, code: string(usecase.ErrorRateLimited)},
		{name: "cancelled", err: &usecase.Error{Code: usecase.ErrorCancelled, Reason: "client_cancelled"}, status: 499, code: string(usecase.ErrorCancelled)},
		{name: "upstream", err: &usecase.Error{Code: usecase.ErrorUpstream, Reason: "synthesis_failed"}, status: http.StatusBadGateway, code: string(usecase.ErrorUpstream)},
		{name: "internal", err: &usecase.Error{Code: usecase.ErrorInternal, Reason: "pipeline_error"}, status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
		{name: "unexpected", err: errors.New("boom"), status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			uc := &stubUseCase{err: tc.err}
			h, err := NewHandler(uc)
			require.NoError(t, err)

			resp, err := h.Handle(context.Background(), makeAskEvent(`{"question":"How do I reset my password?"}`))
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)

			out := parseBody[errorResponse](t, resp.Body)
			require.Equal(t, tc.code, out.Error)
		})
	}
}

func TestHandle_UsesProvidedCorrelationID_CaseInsensitive(t *testing.T) {
	uc := &stubUseCase{out: usecase.AskOutput{Answer: "ok", SessionID: "sess-1"}}
	h, err := NewHandler(uc)
	require.NoError(t, err)

	event := makeAskEvent(`{"question":"How do I reset my password?"}`)
	event.Headers["x-correlation-id"] = "corr-123"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "corr-123", resp.Headers["X-Correlation-Id"])
}

func TestHandle_CacheRoutes(t *testing.T) {
	uc := &stubUseCase{
		clearOut: usecase.ClearCacheOutput{EntriesCleared: 3, Fast: 3, Durable: 2},
		stats:    usecase.CacheStatsOutput{Failures: map[string]int64{"synthesis": 4}},
	}
	h, err := NewHandler(uc)
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/cache/clear", `{"all":true,"fastTierOnly":true}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, usecase.ClearCacheInput{All: true, FastTierOnly: true}, uc.clearIn)
	require.Equal(t, uc.clearOut, parseBody[usecase.ClearCacheOutput](t, resp.Body))

	resp, err = h.Handle(context.Background(), makeEvent(http.MethodGet, "/cache/stats", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats := parseBody[usecase.CacheStatsOutput](t, resp.Body)
	require.Equal(t, int64(4), stats.Failures["synthesis"])

	resp, err = h.Handle(context.Background(), makeEvent(http.MethodGet, "/cache/clear", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHandle_SessionRoutes(t *testing.T) {
	uc := &stubUseCase{turns: []domain.Turn{{SessionID: "sess-1", Seq: 1, Question: "q", Answer: "a"}}}
	h, err := NewHandler(uc)
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodGet, "/sessions/sess-1", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	exported := parseBody[sessionResponse](t, resp.Body)
	require.Equal(t, "sess-1", exported.SessionID)
	require.Len(t, exported.Turns, 1)

	resp, err = h.Handle(context.Background(), makeEvent(http.MethodDelete, "/sessions/sess-1/", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, parseBody[clearedResponse](t, resp.Body).Cleared)

	resp, err = h.Handle(context.Background(), makeEvent(http.MethodPost, "/sessions/sess-1/turns/2/rating", `{"rating":4}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Empty(t, resp.Body)
	require.Equal(t, 2, uc.seq)
	require.Equal(t, 4, uc.rating)

	resp, err = h.Handle(context.Background(), makeEvent(http.MethodPost, "/sessions/sess-1/turns/two/rating", `{"rating":4}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "invalid_turn", parseBody[errorResponse](t, resp.Body).Reason)
}

func TestHandle_UnknownRoute(t *testing.T) {
	h, err := NewHandler(&stubUseCase{})
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodGet, "/nope", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "route_not_found", parseBody[errorResponse](t, resp.Body).Reason)
}
