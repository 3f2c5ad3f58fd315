package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"knowledge-agent/internal/usecase"
)

// Handler serves the API Gateway proxy integration. Streaming is not
// available through Lambda; /ask/stream answers with the buffered payload.
type Handler struct {
	api api
}

type HandlerOption func(*Handler)

func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		if logger != nil {
			h.api.logger = logger
		}
	}
}

func NewHandler(uc UseCase, opts ...HandlerOption) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: use case must not be nil")
	}
	h := &Handler{api: api{uc: uc, logger: slog.Default()}}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(req.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	ctx = withCorrelation(ctx, correlationID)

	res := h.route(ctx, req)
	if er, ok := res.body.(errorResponse); ok && er.CorrelationID == "" {
		er.CorrelationID = correlationID
		res.body = er
	}

	headers := map[string]string{correlationHeader: correlationID}
	if res.body == nil {
		return events.APIGatewayProxyResponse{StatusCode: res.status, Headers: headers}, nil
	}
	body, err := json.Marshal(res.body)
	if err != nil {
		h.api.logger.Error("failed to encode response", "correlation_id", correlationID, "err", err)
		return events.APIGatewayProxyResponse{StatusCode: http.StatusInternalServerError, Headers: headers}, nil
	}
	headers["Content-Type"] = "application/json"
	return events.APIGatewayProxyResponse{StatusCode: res.status, Headers: headers, Body: string(body)}, nil
}

func (h *Handler) route(ctx context.Context, req events.APIGatewayProxyRequest) result {
	body := []byte(req.Body)
	parts := pathParts(req.Path)
	method := strings.ToUpper(req.HTTPMethod)

	switch {
	case len(parts) == 1 && parts[0] == "ask", len(parts) == 2 && parts[0] == "ask" && parts[1] == "stream":
		if method != http.MethodPost {
			return methodNotAllowed()
		}
		return h.api.ask(ctx, body)
	case len(parts) == 2 && parts[0] == "cache" && parts[1] == "stats":
		if method != http.MethodGet {
			return methodNotAllowed()
		}
		return h.api.cacheStats(ctx)
	case len(parts) == 2 && parts[0] == "cache" && parts[1] == "clear":
		if method != http.MethodPost {
			return methodNotAllowed()
		}
		return h.api.clearCache(ctx, body)
	case len(parts) == 2 && parts[0] == "sessions":
		switch method {
		case http.MethodGet:
			return h.api.exportSession(ctx, parts[1])
		case http.MethodDelete:
			return h.api.clearSession(ctx, parts[1])
		}
		return methodNotAllowed()
	case len(parts) == 5 && parts[0] == "sessions" && parts[2] == "turns" && parts[4] == "rating":
		if method != http.MethodPost {
			return methodNotAllowed()
		}
		return h.api.rateTurn(ctx, parts[1], parts[3], body)
	}
	return result{status: http.StatusNotFound, body: errorResponse{Error: string(usecase.ErrorNotFound), Reason: "route_not_found"}}
}

func methodNotAllowed() result {
	return result{status: http.StatusMethodNotAllowed, body: errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "method_not_allowed"}}
}

func pathParts(path string) []string {
	var parts []string
	for _, p := range strings.Split(path, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
