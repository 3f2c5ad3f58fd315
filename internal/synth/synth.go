// Package synth generates answers from selected evidence, whole-shot or as a
// stream of fragments.
package synth

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"knowledge-agent/internal/domain"
)

const (
	DefaultTimeout = 20 * time.Second
	DefaultBackoff = 300 * time.Millisecond
)

// ErrFailed reports that generation failed twice in a row.
var ErrFailed = errors.New("synth: generation failed")

var errEmptyAnswer = errors.New("synth: empty answer")

// LLM is satisfied by *openai.Client.
type LLM interface {
	Chat(ctx context.Context, model string, messages []domain.ChatMessage) (string, error)
	ChatStream(ctx context.Context, model string, messages []domain.ChatMessage) iter.Seq2[string, error]
}

// Config is read per call so a reloaded snapshot applies to the next request.
type Config struct {
	Model       string
	Preamble    string
	MaxEvidence int
	MaxChars    int
	Timeout     time.Duration
	Backoff     time.Duration
}

func (c Config) normalized() Config {
	if c.MaxEvidence <= 0 {
		c.MaxEvidence = DefaultMaxEvidence
	}
	if c.MaxChars <= 0 {
		c.MaxChars = DefaultMaxChars
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Backoff < 0 {
		c.Backoff = 0
	}
	return c
}

type Synthesizer struct {
	llm      LLM
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
	retries  atomic.Int64
	failures atomic.Int64
}

type Option func(*Synthesizer)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Synthesizer) {
		s.logger = logger
	}
}

func New(llm LLM, opts ...Option) (*Synthesizer, error) {
	if llm == nil {
		return nil, errors.New("synth: llm is required")
	}
	s := &Synthesizer{llm: llm, logger: slog.Default(), sleep: sleepCtx}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s, nil
}

// Prepare trims the evidence to the context budget and returns the request
// that will actually be sent.
func Prepare(cfg Config, req Request) Request {
	cfg = cfg.normalized()
	req.Evidence = SelectEvidence(req.Evidence, cfg.MaxEvidence, cfg.MaxChars)
	return req
}

// Generate returns the complete answer. A failed attempt is retried once
// after cfg.Backoff.
func (s *Synthesizer) Generate(ctx context.Context, cfg Config, req Request) (string, error) {
	cfg = cfg.normalized()
	messages := buildPromptMessages(cfg.Preamble, Prepare(cfg, req))

	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		if attempt == 2 {
			s.retries.Add(1)
			if err := s.sleep(ctx, cfg.Backoff); err != nil {
				return "", err
			}
		}
		answer, err := s.generateOnce(ctx, cfg, messages)
		if err == nil {
			return answer, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		lastErr = err
		s.logger.Warn("synthesis attempt failed", "attempt", attempt, "err", err)
	}
	s.failures.Add(1)
	return "", fmt.Errorf("%w: %w", ErrFailed, lastErr)
}

func (s *Synthesizer) generateOnce(ctx context.Context, cfg Config, messages []domain.ChatMessage) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	answer, err := s.llm.Chat(ctx, cfg.Model, messages)
	if err != nil {
		return "", err
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return "", errEmptyAnswer
	}
	return answer, nil
}

// Stream yields answer fragments as they arrive. A failure before the first
// fragment is retried once; after a fragment has been yielded the stream
// cannot be restarted and ErrFailed is yielded instead. Cancellation of ctx
// is yielded as ctx.Err().
func (s *Synthesizer) Stream(ctx context.Context, cfg Config, req Request) iter.Seq2[string, error] {
	cfg = cfg.normalized()
	messages := buildPromptMessages(cfg.Preamble, Prepare(cfg, req))

	return func(yield func(string, error) bool) {
		var lastErr error
		for attempt := 1; attempt <= 2; attempt++ {
			if attempt == 2 {
				s.retries.Add(1)
				if err := s.sleep(ctx, cfg.Backoff); err != nil {
					yield("", err)
					return
				}
			}
			emitted, stopped, err := s.streamOnce(ctx, cfg, messages, yield)
			if stopped || err == nil {
				return
			}
			if ctx.Err() != nil {
				yield("", ctx.Err())
				return
			}
			lastErr = err
			s.logger.Warn("synthesis stream failed", "attempt", attempt, "emitted", emitted, "err", err)
			if emitted {
				break
			}
		}
		s.failures.Add(1)
		yield("", fmt.Errorf("%w: %w", ErrFailed, lastErr))
	}
}

// streamOnce runs a single upstream stream. stopped reports that the consumer
// ended iteration.
func (s *Synthesizer) streamOnce(ctx context.Context, cfg Config, messages []domain.ChatMessage, yield func(string, error) bool) (emitted, stopped bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	for fragment, err := range s.llm.ChatStream(ctx, cfg.Model, messages) {
		if err != nil {
			return emitted, false, err
		}
		if fragment == "" {
			continue
		}
		emitted = true
		if !yield(fragment, nil) {
			return true, true, nil
		}
	}
	if !emitted {
		return false, false, errEmptyAnswer
	}
	return true, false, nil
}

// Retries is the number of second attempts made.
func (s *Synthesizer) Retries() int64 {
	return s.retries.Load()
}

// Failures is the number of requests that failed after the retry.
func (s *Synthesizer) Failures() int64 {
	return s.failures.Load()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
