package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"knowledge-agent/internal/usecase"
)

const (
	defaultMaxBodyBytes = 64 << 10
	defaultRatePerSec   = 5
	defaultRateBurst    = 10
	maxTrackedClients   = 10000
)

type ServerConfig struct {
	// RatePerSecond and Burst bound requests per client address. Zero
	// disables limiting.
	RatePerSecond float64
	Burst         int
	MaxBodyBytes  int64
	Logger        *slog.Logger
}

// DefaultServerConfig allows a steady 5 requests per second per client.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{RatePerSecond: defaultRatePerSec, Burst: defaultRateBurst, MaxBodyBytes: defaultMaxBodyBytes}
}

// NewServer returns the HTTP router serving the same routes as the Lambda
// handler plus POST /ask/stream.
func NewServer(uc UseCase, cfg ServerConfig) (http.Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: use case must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	s := &server{api: api{uc: uc, logger: cfg.Logger}, maxBody: cfg.MaxBodyBytes}

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(correlation)
	if cfg.RatePerSecond > 0 {
		r.Use(newClientLimiter(rate.Limit(cfg.RatePerSecond), max(cfg.Burst, 1)).middleware)
	}

	r.Post("/ask", s.handleAsk)
	r.Post("/ask/stream", s.handleAskStream)
	r.Route("/cache", func(r chi.Router) {
		r.Get("/stats", s.handleCacheStats)
		r.Post("/clear", s.handleClearCache)
	})
	r.Get("/sessions/{sessionID}", s.handleExportSession)
	r.Delete("/sessions/{sessionID}", s.handleClearSession)
	r.Post("/sessions/{sessionID}/turns/{seq}/rating", s.handleRateTurn)
	return r, nil
}

type server struct {
	api     api
	maxBody int64
}

func (s *server) handleAsk(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	s.write(w, r, s.api.ask(r.Context(), body))
}

func (s *server) handleAskStream(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	flusher, canFlush := w.(http.Flusher)
	if !canFlush || !acceptsEventStream(r) {
		s.write(w, r, s.api.ask(r.Context(), body))
		return
	}
	var req askRequest
	if err := decode(body, &req); err != nil {
		s.write(w, r, invalid("invalid_body"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sink := &sseSink{w: w, flusher: flusher}
	if err := s.api.uc.AskStream(r.Context(), req.input(), sink); err != nil {
		s.api.logger.Info("stream ended with error",
			"correlation_id", correlationFrom(r.Context()),
			"events", sink.sent,
			"err", err,
		)
	}
}

func (s *server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	s.write(w, r, s.api.cacheStats(r.Context()))
}

func (s *server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	s.write(w, r, s.api.clearCache(r.Context(), body))
}

func (s *server) handleExportSession(w http.ResponseWriter, r *http.Request) {
	s.write(w, r, s.api.exportSession(r.Context(), chi.URLParam(r, "sessionID")))
}

func (s *server) handleClearSession(w http.ResponseWriter, r *http.Request) {
	s.write(w, r, s.api.clearSession(r.Context(), chi.URLParam(r, "sessionID")))
}

func (s *server) handleRateTurn(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	s.write(w, r, s.api.rateTurn(r.Context(), chi.URLParam(r, "sessionID"), chi.URLParam(r, "seq"), body))
}

func (s *server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.write(w, r, result{status: http.StatusRequestEntityTooLarge, body: errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "body_too_large"}})
			return nil, false
		}
		s.write(w, r, invalid("invalid_body"))
		return nil, false
	}
	return body, true
}

func (s *server) write(w http.ResponseWriter, r *http.Request, res result) {
	if res.body == nil {
		w.WriteHeader(res.status)
		return
	}
	if er, ok := res.body.(errorResponse); ok && er.CorrelationID == "" {
		er.CorrelationID = correlationFrom(r.Context())
		res.body = er
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(res.status)
	if err := json.NewEncoder(w).Encode(res.body); err != nil {
		s.api.logger.Warn("failed to write response", "correlation_id", correlationFrom(r.Context()), "err", err)
	}
}

func acceptsEventStream(r *http.Request) bool {
	for _, v := range r.Header.Values("Accept") {
		if strings.Contains(v, "text/event-stream") {
			return true
		}
	}
	return false
}

// correlation propagates X-Correlation-Id, falling back to the request id.
func correlation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(correlationHeader))
		if id == "" {
			id = chiMiddleware.GetReqID(r.Context())
		}
		w.Header().Set(correlationHeader, id)
		next.ServeHTTP(w, r.WithContext(withCorrelation(r.Context(), id)))
	})
}

// clientLimiter keeps one token bucket per client address.
type clientLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	clients map[string]*rate.Limiter
}

func newClientLimiter(limit rate.Limit, burst int) *clientLimiter {
	return &clientLimiter{limit: limit, burst: burst, clients: make(map[string]*rate.Limiter)}
}

func (l *clientLimiter) allow(key string) bool {
	l.mu.Lock()
	lim, ok := l.clients[key]
	if !ok {
		if len(l.clients) >= maxTrackedClients {
			clear(l.clients)
		}
		lim = rate.NewLimiter(l.limit, l.burst)
		l.clients[key] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

func (l *clientLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(r.RemoteAddr) {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(1/float64(l.limit)))))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(errorResponse{
				Error:         string(usecase.ErrorRateLimited),
				Reason:        "request_rate_exceeded",
				CorrelationID: correlationFrom(r.Context()),
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
