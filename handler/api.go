package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"knowledge-agent/internal/delivery"
	"knowledge-agent/internal/domain"
	"knowledge-agent/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

// UseCase is the service surface both transports expose.
type UseCase interface {
	Ask(ctx context.Context, in usecase.AskInput) (usecase.AskOutput, error)
	AskStream(ctx context.Context, in usecase.AskInput, sink delivery.Sink) error
	ClearCache(ctx context.Context, in usecase.ClearCacheInput) (usecase.ClearCacheOutput, error)
	CacheStats(ctx context.Context) usecase.CacheStatsOutput
	ClearSession(ctx context.Context, sessionID string) error
	ExportSession(ctx context.Context, sessionID string) ([]domain.Turn, error)
	RateTurn(ctx context.Context, sessionID string, seq, rating int) error
}

type askRequest struct {
	Question  string `json:"question"`
	SessionID string `json:"sessionId"`
	Category  string `json:"category"`
	Source    string `json:"source"`
}

func (r askRequest) input() usecase.AskInput {
	return usecase.AskInput{Question: r.Question, SessionID: r.SessionID, Category: r.Category, Source: r.Source}
}

type askResponse struct {
	usecase.AskOutput
}

type rateRequest struct {
	Rating int `json:"rating"`
}

type sessionResponse struct {
	SessionID string        `json:"sessionId"`
	Turns     []domain.Turn `json:"turns"`
}

type clearedResponse struct {
	SessionID string `json:"sessionId"`
	Cleared   bool   `json:"cleared"`
}

type errorResponse struct {
	Error         string `json:"error"`
	Reason        string `json:"reason,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// result is a transport-neutral response.
type result struct {
	status int
	body   any
}

// api holds the operations shared by the Lambda and HTTP transports.
type api struct {
	uc     UseCase
	logger *slog.Logger
}

func (a api) ask(ctx context.Context, body []byte) result {
	var req askRequest
	if err := decode(body, &req); err != nil {
		return invalid("invalid_body")
	}
	out, err := a.uc.Ask(ctx, req.input())
	if err != nil {
		return a.failure(ctx, "ask", err)
	}
	return result{status: http.StatusOK, body: askResponse{out}}
}

func (a api) cacheStats(ctx context.Context) result {
	return result{status: http.StatusOK, body: a.uc.CacheStats(ctx)}
}

func (a api) clearCache(ctx context.Context, body []byte) result {
	var in usecase.ClearCacheInput
	if err := decode(body, &in); err != nil {
		return invalid("invalid_body")
	}
	out, err := a.uc.ClearCache(ctx, in)
	if err != nil {
		return a.failure(ctx, "clear cache", err)
	}
	return result{status: http.StatusOK, body: out}
}

func (a api) exportSession(ctx context.Context, sessionID string) result {
	turns, err := a.uc.ExportSession(ctx, sessionID)
	if err != nil {
		return a.failure(ctx, "export session", err)
	}
	return result{status: http.StatusOK, body: sessionResponse{SessionID: sessionID, Turns: turns}}
}

func (a api) clearSession(ctx context.Context, sessionID string) result {
	if err := a.uc.ClearSession(ctx, sessionID); err != nil {
		return a.failure(ctx, "clear session", err)
	}
	return result{status: http.StatusOK, body: clearedResponse{SessionID: sessionID, Cleared: true}}
}

func (a api) rateTurn(ctx context.Context, sessionID, rawSeq string, body []byte) result {
	seq, err := strconv.Atoi(rawSeq)
	if err != nil {
		return invalid("invalid_turn")
	}
	var req rateRequest
	if err := decode(body, &req); err != nil {
		return invalid("invalid_body")
	}
	if err := a.uc.RateTurn(ctx, sessionID, seq, req.Rating); err != nil {
		return a.failure(ctx, "rate turn", err)
	}
	return result{status: http.StatusNoContent}
}

func (a api) failure(ctx context.Context, op string, err error) result {
	code := usecase.CodeOf(err)
	resp := errorResponse{Error: string(code), CorrelationID: correlationFrom(ctx)}
	var ue *usecase.Error
	if errors.As(err, &ue) {
		resp.Reason = ue.Reason
	}
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		a.logger.Error(op+" failed", "code", code, "reason", resp.Reason, "correlation_id", resp.CorrelationID, "err", err)
	} else {
		a.logger.Info(op+" rejected", "code", code, "reason", resp.Reason, "correlation_id", resp.CorrelationID)
	}
	return result{status: status, body: resp}
}

func invalid(reason string) result {
	return result{status: http.StatusBadRequest, body: errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: reason}}
}

// statusClientClosed is the de facto status for a request the client
// abandoned.
const statusClientClosed = 499

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorNotFound:
		return http.StatusNotFound
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests
	case usecase.ErrorCancelled:
		return statusClientClosed
	case usecase.ErrorUpstream:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func decode(body []byte, v any) error {
	if len(strings.TrimSpace(string(body))) == 0 {
		return errors.New("handler: empty body")
	}
	return json.Unmarshal(body, v)
}

type correlationKey struct{}

func withCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

func correlationFrom(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}
