package usecase

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"knowledge-agent/internal/cache"
	"knowledge-agent/internal/config"
	"knowledge-agent/internal/delivery"
	"knowledge-agent/internal/domain"
	"knowledge-agent/internal/fingerprint"
	"knowledge-agent/internal/memory"
	"knowledge-agent/internal/rerank"
	"knowledge-agent/internal/resolver"
	"knowledge-agent/internal/retrieval"
	"knowledge-agent/internal/synth"
)

type Retriever interface {
	Retrieve(ctx context.Context, question string, opts retrieval.Options) ([]domain.Evidence, error)
}

type Reranker interface {
	Rerank(ctx context.Context, question string, cands []domain.Evidence) ([]domain.Evidence, bool)
	Failures() int64
}

type Synthesizer interface {
	Generate(ctx context.Context, cfg synth.Config, req synth.Request) (string, error)
	Stream(ctx context.Context, cfg synth.Config, req synth.Request) iter.Seq2[string, error]
	Failures() int64
}

// Moderator screens a question before it enters the pipeline.
type Moderator interface {
	Moderate(ctx context.Context, input string) (bool, error)
}

type synthMode int

const (
	wholeShot synthMode = iota
	incremental
)

type failureCounters struct {
	retrievalTimeouts    atomic.Int64
	retrievalUnavailable atomic.Int64
	memory               atomic.Int64
	cancelled            atomic.Int64
}

type AskService struct {
	config    *config.Source
	cache     *cache.Manager
	retriever Retriever
	reranker  Reranker
	synth     Synthesizer
	memory    *memory.Memory
	moderator Moderator
	logger    *slog.Logger
	now       func() time.Time

	failures failureCounters
}

type Option func(*AskService)

func WithLogger(logger *slog.Logger) Option {
	return func(s *AskService) {
		s.logger = logger
	}
}

// WithModerator screens questions when moderation is enabled in settings.
func WithModerator(m Moderator) Option {
	return func(s *AskService) {
		s.moderator = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *AskService) {
		s.now = now
	}
}

// NewAskService wires the pipeline. The reranker is optional.
func NewAskService(cfg *config.Source, c *cache.Manager, r Retriever, rr Reranker, sy Synthesizer, m *memory.Memory, opts ...Option) (*AskService, error) {
	if cfg == nil {
		return nil, errors.New("usecase: config source must not be nil")
	}
	if c == nil {
		return nil, errors.New("usecase: cache manager must not be nil")
	}
	if r == nil {
		return nil, errors.New("usecase: retriever must not be nil")
	}
	if sy == nil {
		return nil, errors.New("usecase: synthesizer must not be nil")
	}
	if m == nil {
		return nil, errors.New("usecase: memory must not be nil")
	}
	s := &AskService{
		config:    cfg,
		cache:     c,
		retriever: r,
		reranker:  rr,
		synth:     sy,
		memory:    m,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s, nil
}

type AskInput struct {
	Question  string
	SessionID string
	Category  string
	Source    string
}

type AskOutput struct {
	Answer           string                  `json:"answer"`
	Evidence         []domain.Evidence       `json:"evidence"`
	ResponseTimeMs   int64                   `json:"responseTimeMs"`
	SessionID        string                  `json:"sessionId"`
	Turn             int                     `json:"turn,omitempty"`
	Cached           bool                    `json:"cached"`
	ResolvedQuestion string                  `json:"resolvedQuestion"`
	Reframed         bool                    `json:"reframed"`
	Clarification    *resolver.Clarification `json:"clarification,omitempty"`
}

// answer is the result shared by every caller of one single-flight.
type answer struct {
	text     string
	evidence []domain.Evidence
	fallback bool
	cached   bool
}

// Ask answers with whole-shot synthesis and returns the buffered payload.
func (s *AskService) Ask(ctx context.Context, in AskInput) (AskOutput, error) {
	buf := delivery.NewBuffer()
	out, err := s.run(ctx, in, delivery.NewStream(buf), wholeShot)
	if err != nil {
		return AskOutput{}, err
	}
	payload, err := buf.Result()
	if err != nil {
		return AskOutput{}, newError(ErrorInternal, "delivery_error", err)
	}
	out.Answer = payload.Answer
	return out, nil
}

// AskStream answers with incremental synthesis, sending events to sink.
// Failures are also sent to sink as an error event, except cancellation.
func (s *AskService) AskStream(ctx context.Context, in AskInput, sink delivery.Sink) error {
	_, err := s.run(ctx, in, delivery.NewStream(sink), incremental)
	return err
}

func (s *AskService) run(ctx context.Context, in AskInput, stream *delivery.Stream, mode synthMode) (AskOutput, error) {
	start := s.now()
	out, err := s.pipeline(ctx, in, stream, mode, start)
	if err == nil {
		return out, nil
	}
	ue := s.classify(err)
	if ue.Code == ErrorCancelled {
		s.failures.cancelled.Add(1)
		s.logger.Info("ask cancelled", "session_id", in.SessionID, "err", err)
		return AskOutput{}, ue
	}
	s.logger.Error("ask failed", "code", ue.Code, "reason", ue.Reason, "err", err)
	_ = stream.Fail(ctx, string(ue.Code), ue.Reason)
	return AskOutput{}, ue
}

func (s *AskService) pipeline(ctx context.Context, in AskInput, stream *delivery.Stream, mode synthMode, start time.Time) (AskOutput, error) {
	snap := s.config.Current()
	settings := snap.Settings

	question := strings.TrimSpace(in.Question)
	if question == "" {
		return AskOutput{}, newError(ErrorInvalidInput, "empty_question", nil)
	}
	if utf8.RuneCountInString(question) > settings.Limits.MaxQuestionChars {
		return AskOutput{}, newError(ErrorInvalidInput, "question_too_long", nil)
	}
	if settings.Moderation.Enabled && s.moderator != nil {
		if err := s.moderate(ctx, question); err != nil {
			return AskOutput{}, err
		}
	}
	sessionID := strings.TrimSpace(in.SessionID)
	if sessionID == "" {
		sessionID = newUUID()
	}
	if err := stream.Begin(ctx, sessionID); err != nil {
		return AskOutput{}, err
	}

	history, err := s.memory.Recent(ctx, sessionID)
	if err != nil {
		if ctx.Err() != nil {
			return AskOutput{}, ctx.Err()
		}
		s.failures.memory.Add(1)
		s.logger.Warn("history unavailable, answering without it", "session_id", sessionID, "err", err)
		history = nil
	}

	res := resolver.New(settings.ResolverRules()).Resolve(resolver.Input{Question: question, History: history})
	turn := domain.Turn{
		SessionID:        sessionID,
		Kind:             domain.TurnAnswer,
		Question:         question,
		ResolvedQuestion: res.Resolved,
		Topic:            res.Assessment.Topic,
		Reframed:         res.WasReframed,
	}
	if res.Clarification != nil {
		turn.Kind = domain.TurnClarification
		turn.Topic = res.Clarification.CandidateTopic
		turn.Answer = res.Clarification.Message
		out, err := s.finish(ctx, stream, turn, nil, false, start)
		out.Clarification = res.Clarification
		return out, err
	}

	key, err := fingerprint.New(settings.Acronyms).Key(res.Resolved)
	if err != nil {
		return AskOutput{}, newError(ErrorInvalidInput, "empty_question", err)
	}
	filter := retrieval.Filter{Category: strings.TrimSpace(in.Category), Source: strings.TrimSpace(in.Source)}
	key = scopedKey(key, filter)

	if entry, src, ok := s.cache.Lookup(ctx, key.ID); ok && entry.Fingerprint == key.Fingerprint {
		if err := stream.Advance(delivery.PhaseCacheHit); err != nil {
			return AskOutput{}, err
		}
		s.logger.Debug("cache hit", "cache_id", key.ID, "tier", src)
		turn.Answer = entry.Answer
		turn.Cached = true
		return s.finish(ctx, stream, turn, entry.Evidence, true, start)
	}

	val, leader, err := s.cache.Do(ctx, key.ID, func(ctx context.Context) (any, error) {
		// An identical flight may have finished between Lookup and Do.
		if entry, src, ok := s.cache.Recheck(ctx, key.ID); ok && entry.Fingerprint == key.Fingerprint {
			if err := stream.Advance(delivery.PhaseCacheHit); err != nil {
				return answer{}, err
			}
			s.logger.Debug("cache hit inside flight", "cache_id", key.ID, "tier", src)
			return answer{text: entry.Answer, evidence: entry.Evidence, cached: true}, nil
		}
		if err := stream.Advance(delivery.PhaseMiss); err != nil {
			return answer{}, err
		}
		return s.compute(ctx, snap, stream, mode, key, res, history, filter)
	})
	if err != nil {
		return AskOutput{}, err
	}
	ans := val.(answer)
	if !leader {
		s.logger.Debug("shared in-flight answer", "cache_id", key.ID)
		if err := followPhases(stream, ans); err != nil {
			return AskOutput{}, err
		}
	}
	turn.Answer = ans.text
	turn.Cached = ans.cached
	return s.finish(ctx, stream, turn, ans.evidence, true, start)
}

func (s *AskService) moderate(ctx context.Context, question string) error {
	flagged, err := s.moderator.Moderate(ctx, question)
	switch {
	case err != nil && ctx.Err() != nil:
		return ctx.Err()
	case err != nil:
		if status, ok := upstreamStatusCode(err); ok && status == 429 {
			return newError(ErrorRateLimited, "moderation_rate_limited", err)
		}
		return newError(ErrorUpstream, "moderation_error", err)
	case flagged:
		return newError(ErrorInvalidInput, "moderation_flagged", nil)
	}
	return nil
}

// compute runs retrieval, reranking and synthesis for a cache miss and
// writes the result through the cache. It runs once per single-flight.
func (s *AskService) compute(ctx context.Context, snap *config.Snapshot, stream *delivery.Stream, mode synthMode, key fingerprint.Key, res resolver.Result, history []domain.Turn, filter retrieval.Filter) (answer, error) {
	settings := snap.Settings
	topic := res.Assessment.Topic

	if err := stream.Advance(delivery.PhaseRetrieve); err != nil {
		return answer{}, err
	}
	cands, err := s.retriever.Retrieve(ctx, res.Resolved, settings.RetrievalOptions(filter))
	switch {
	case errors.Is(err, retrieval.ErrTimeout):
		s.failures.retrievalTimeouts.Add(1)
		s.logger.Warn("retrieval timed out, serving fallback", "cache_id", key.ID, "err", err)
		return answer{text: synth.Fallback(settings.Fallbacks, topic), fallback: true}, nil
	case errors.Is(err, retrieval.ErrUnavailable):
		s.failures.retrievalUnavailable.Add(1)
		s.logger.Warn("retrieval unavailable, serving fallback", "cache_id", key.ID, "err", err)
		return answer{text: synth.Fallback(settings.Fallbacks, topic), fallback: true}, nil
	case err != nil:
		return answer{}, err
	case len(cands) == 0:
		return answer{text: synth.NoEvidence(settings.Fallbacks, topic), fallback: true}, nil
	}

	reranked := false
	if settings.Rerank.Enabled && s.reranker != nil && rerank.NeedsRerank(cands, settings.Rerank.Threshold) {
		if err := stream.Advance(delivery.PhaseRerank); err != nil {
			return answer{}, err
		}
		cands, reranked = s.reranker.Rerank(ctx, res.Resolved, cands)
	}

	if err := stream.Advance(delivery.PhaseSynthesize); err != nil {
		return answer{}, err
	}
	cfg := settings.SynthConfig(snap.Prompt)
	req := synth.Prepare(cfg, synth.Request{Question: res.Resolved, Evidence: cands, History: history, Topic: topic})
	text, err := s.synthesize(ctx, cfg, req, stream, mode)
	if err != nil {
		return answer{}, err
	}
	if err := ctx.Err(); err != nil {
		return answer{}, err
	}

	cited := synth.Cited(text, req.Evidence)
	entry, stored := s.cache.Put(ctx, domain.CacheEntry{
		ID:          key.ID,
		Fingerprint: key.Fingerprint,
		Question:    res.Resolved,
		Answer:      text,
		Evidence:    cited,
		Confidence: cache.Score(cache.Signals{
			TopScore:      topScore(cands),
			Reranked:      reranked,
			AnswerLength:  utf8.RuneCountInString(text),
			EvidenceCount: len(req.Evidence),
		}),
	}, settings.CachePolicy())
	s.logger.Debug("answer synthesized", "cache_id", key.ID, "confidence", entry.Confidence, "tier", entry.Tier, "stored", stored)
	return answer{text: text, evidence: cited}, nil
}

func (s *AskService) synthesize(ctx context.Context, cfg synth.Config, req synth.Request, stream *delivery.Stream, mode synthMode) (string, error) {
	if mode == wholeShot {
		return s.synth.Generate(ctx, cfg, req)
	}
	var b strings.Builder
	for fragment, err := range s.synth.Stream(ctx, cfg, req) {
		if err != nil {
			return "", err
		}
		if err := stream.Fragment(ctx, fragment); err != nil {
			return "", err
		}
		b.WriteString(fragment)
	}
	return strings.TrimSpace(b.String()), nil
}

// finish delivers whatever has not been streamed yet, records the turn and
// completes the stream.
func (s *AskService) finish(ctx context.Context, stream *delivery.Stream, turn domain.Turn, evidence []domain.Evidence, withEvidence bool, start time.Time) (AskOutput, error) {
	if stream.Fragments() == 0 {
		if err := stream.Fragment(ctx, turn.Answer); err != nil {
			return AskOutput{}, err
		}
	}
	if withEvidence {
		if err := stream.Evidence(ctx, evidence); err != nil {
			return AskOutput{}, err
		}
	}
	if err := ctx.Err(); err != nil {
		return AskOutput{}, err
	}

	turn.EvidenceIDs = domain.EvidenceIDs(evidence)
	turn.LatencyMs = s.now().Sub(start).Milliseconds()
	saved, err := s.memory.Record(ctx, turn)
	if err != nil {
		s.failures.memory.Add(1)
		s.logger.Warn("turn not recorded", "session_id", turn.SessionID, "err", err)
	}

	latency := s.now().Sub(start).Milliseconds()
	done := delivery.Done{
		SessionID:        turn.SessionID,
		Turn:             saved.Seq,
		Cached:           turn.Cached,
		ResponseTimeMs:   latency,
		Clarification:    turn.Kind == domain.TurnClarification,
		ResolvedQuestion: turn.ResolvedQuestion,
		Reframed:         turn.Reframed,
	}
	if err := stream.Done(ctx, done); err != nil {
		return AskOutput{}, err
	}
	s.logger.Info("ask completed",
		"session_id", turn.SessionID,
		"kind", turn.Kind,
		"cached", turn.Cached,
		"reframed", turn.Reframed,
		"latency_ms", latency,
	)
	return AskOutput{
		Answer:           turn.Answer,
		Evidence:         evidence,
		ResponseTimeMs:   latency,
		SessionID:        turn.SessionID,
		Turn:             saved.Seq,
		Cached:           turn.Cached,
		ResolvedQuestion: turn.ResolvedQuestion,
		Reframed:         turn.Reframed,
	}, nil
}

// followPhases moves a waiting caller's stream through the phases the
// leader went through.
func followPhases(stream *delivery.Stream, ans answer) error {
	if ans.cached {
		return stream.Advance(delivery.PhaseCacheHit)
	}
	phases := []delivery.Phase{delivery.PhaseMiss, delivery.PhaseRetrieve}
	if !ans.fallback {
		phases = append(phases, delivery.PhaseSynthesize)
	}
	for _, p := range phases {
		if err := stream.Advance(p); err != nil {
			return err
		}
	}
	return nil
}

func (s *AskService) classify(err error) *Error {
	var ue *Error
	switch {
	case errors.As(err, &ue):
		return ue
	case errors.Is(err, context.Canceled):
		return newError(ErrorCancelled, "client_cancelled", err)
	case errors.Is(err, synth.ErrFailed):
		if status, ok := upstreamStatusCode(err); ok && status == 429 {
			return newError(ErrorRateLimited, "synthesis_rate_limited", err)
		}
		return newError(ErrorUpstream, "synthesis_failed", err)
	case errors.Is(err, context.DeadlineExceeded):
		return newError(ErrorUpstream, "deadline_exceeded", err)
	case errors.Is(err, delivery.ErrIllegalTransition), errors.Is(err, delivery.ErrOutOfOrder), errors.Is(err, delivery.ErrClosed):
		return newError(ErrorInternal, "delivery_error", err)
	}
	return newError(ErrorInternal, "pipeline_error", err)
}

// scopedKey keeps answers computed under a metadata filter apart from
// unfiltered ones.
func scopedKey(key fingerprint.Key, f retrieval.Filter) fingerprint.Key {
	if f == (retrieval.Filter{}) {
		return key
	}
	fp := key.Fingerprint + " [category=" + strings.ToLower(f.Category) + " source=" + strings.ToLower(f.Source) + "]"
	return fingerprint.Key{Fingerprint: fp, ID: fingerprint.ID(fp)}
}

func topScore(cands []domain.Evidence) float64 {
	top := 0.0
	for _, c := range cands {
		top = max(top, c.Score)
	}
	return top
}

var newUUID = func() string {
	return uuid.NewString()
}
