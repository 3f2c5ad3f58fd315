// Package config holds the tunables of the pipeline. Settings are read from
// YAML, validated, and published as an immutable Snapshot that can be
// swapped while requests are in flight.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"knowledge-agent/internal/cache"
	"knowledge-agent/internal/rerank"
	"knowledge-agent/internal/resolver"
	"knowledge-agent/internal/retrieval"
	"knowledge-agent/internal/synth"
)

// Duration is a time.Duration written as a Go duration string ("3s").
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

type ResolverSettings struct {
	Mode              resolver.Mode      `yaml:"mode"`
	HistoryTurns      int                `yaml:"history_turns"`
	LongQuestionWords int                `yaml:"long_question_words"`
	Patterns          []resolver.Pattern `yaml:"patterns"`
	KnownTopics       map[string]string  `yaml:"known_topics"`
	EscapeOption      string             `yaml:"escape_option"`
}

type RetrievalSettings struct {
	EmbeddingModel string   `yaml:"embedding_model"`
	TopK           int      `yaml:"top_k"`
	MinSimilarity  float64  `yaml:"min_similarity"`
	Closeness      float64  `yaml:"closeness"`
	Timeout        Duration `yaml:"timeout"`
}

type RerankSettings struct {
	Enabled   bool     `yaml:"enabled"`
	Model     string   `yaml:"model"`
	Threshold float64  `yaml:"threshold"`
	Timeout   Duration `yaml:"timeout"`
}

type SynthesisSettings struct {
	Model           string   `yaml:"model"`
	MaxEvidence     int      `yaml:"max_evidence"`
	MaxContextChars int      `yaml:"max_context_chars"`
	Timeout         Duration `yaml:"timeout"`
	RetryBackoff    Duration `yaml:"retry_backoff"`
}

type CacheSettings struct {
	HighThreshold   float64  `yaml:"high_threshold"`
	MediumThreshold float64  `yaml:"medium_threshold"`
	HighTTL         Duration `yaml:"high_ttl"`
	MediumTTL       Duration `yaml:"medium_ttl"`
	FastMaxEntries  int      `yaml:"fast_max_entries"`
	FastTTL         Duration `yaml:"fast_ttl"`
}

type LimitSettings struct {
	MaxQuestionChars int `yaml:"max_question_chars"`
}

// ModerationSettings turns on screening of incoming questions. Off by default.
type ModerationSettings struct {
	Enabled bool `yaml:"enabled"`
}

// Settings is the root of the settings document.
type Settings struct {
	Resolver   ResolverSettings   `yaml:"resolver"`
	Acronyms   map[string]string  `yaml:"acronyms"`
	Retrieval  RetrievalSettings  `yaml:"retrieval"`
	Rerank     RerankSettings     `yaml:"rerank"`
	Synthesis  SynthesisSettings  `yaml:"synthesis"`
	Cache      CacheSettings      `yaml:"cache"`
	Limits     LimitSettings      `yaml:"limits"`
	Moderation ModerationSettings `yaml:"moderation"`
	Fallbacks  synth.Fallbacks    `yaml:"fallbacks"`
}

const (
	defaultChatModel        = "gpt-4o-mini"
	defaultEmbeddingModel   = "text-embedding-3-small"
	defaultHistoryTurns     = 5
	defaultMaxQuestionChars = 500
	defaultFastMaxEntries   = 1000
	defaultFastTTL          = time.Hour
)

// Default returns settings with every default applied.
func Default() Settings {
	var s Settings
	s.Rerank.Enabled = true
	applyDefaults(&s)
	return s
}

// Parse decodes a settings document, applies defaults and validates it.
func Parse(data []byte) (Settings, error) {
	s := Settings{Rerank: RerankSettings{Enabled: true}}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("config: decode settings: %w", err)
	}
	applyDefaults(&s)
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Load reads a settings file. A missing file yields the defaults.
func Load(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return Settings{}, fmt.Errorf("config: read settings: %w", err)
	}
	return Parse(data)
}

func applyDefaults(s *Settings) {
	r := &s.Resolver
	if r.Mode == "" {
		r.Mode = resolver.ModeAutoReframe
	}
	if r.HistoryTurns <= 0 {
		r.HistoryTurns = defaultHistoryTurns
	}
	def := resolver.DefaultRules()
	if r.LongQuestionWords <= 0 {
		r.LongQuestionWords = def.LongQuestionWords
	}
	if len(r.Patterns) == 0 {
		r.Patterns = def.Patterns
	}
	if strings.TrimSpace(r.EscapeOption) == "" {
		r.EscapeOption = def.EscapeOption
	}

	rt := &s.Retrieval
	if rt.EmbeddingModel == "" {
		rt.EmbeddingModel = defaultEmbeddingModel
	}
	if rt.TopK <= 0 {
		rt.TopK = retrieval.DefaultTopK
	}
	if rt.Closeness == 0 {
		rt.Closeness = retrieval.DefaultCloseness
	}
	if rt.Timeout <= 0 {
		rt.Timeout = Duration(retrieval.DefaultTimeout)
	}

	rr := &s.Rerank
	if rr.Threshold == 0 {
		rr.Threshold = rerank.DefaultThreshold
	}
	if rr.Timeout <= 0 {
		rr.Timeout = Duration(rerank.DefaultTimeout)
	}

	sy := &s.Synthesis
	if sy.Model == "" {
		sy.Model = defaultChatModel
	}
	if rr.Model == "" {
		rr.Model = sy.Model
	}
	if sy.MaxEvidence <= 0 {
		sy.MaxEvidence = synth.DefaultMaxEvidence
	}
	if sy.MaxContextChars <= 0 {
		sy.MaxContextChars = synth.DefaultMaxChars
	}
	if sy.Timeout <= 0 {
		sy.Timeout = Duration(synth.DefaultTimeout)
	}
	if sy.RetryBackoff <= 0 {
		sy.RetryBackoff = Duration(synth.DefaultBackoff)
	}

	c := &s.Cache
	pol := cache.DefaultPolicy()
	if c.HighThreshold == 0 {
		c.HighThreshold = pol.HighThreshold
	}
	if c.MediumThreshold == 0 {
		c.MediumThreshold = pol.MediumThreshold
	}
	if c.HighTTL <= 0 {
		c.HighTTL = Duration(pol.HighTTL)
	}
	if c.MediumTTL <= 0 {
		c.MediumTTL = Duration(pol.MediumTTL)
	}
	if c.FastMaxEntries <= 0 {
		c.FastMaxEntries = defaultFastMaxEntries
	}
	if c.FastTTL <= 0 {
		c.FastTTL = Duration(defaultFastTTL)
	}

	if s.Limits.MaxQuestionChars <= 0 {
		s.Limits.MaxQuestionChars = defaultMaxQuestionChars
	}

	fb := synth.DefaultFallbacks()
	f := &s.Fallbacks
	if f.Generic == "" {
		f.Generic = fb.Generic
	}
	if f.Topic == "" {
		f.Topic = fb.Topic
	}
	if f.NoEvidence == "" {
		f.NoEvidence = fb.NoEvidence
	}
	if f.NoEvidenceTopic == "" {
		f.NoEvidenceTopic = fb.NoEvidenceTopic
	}
}

// Validate rejects settings that would break an invariant of the pipeline.
func (s Settings) Validate() error {
	var errs []error
	switch s.Resolver.Mode {
	case resolver.ModeAutoReframe, resolver.ModeClarify:
	default:
		errs = append(errs, fmt.Errorf("resolver.mode must be %q or %q", resolver.ModeAutoReframe, resolver.ModeClarify))
	}
	for i, p := range s.Resolver.Patterns {
		if strings.TrimSpace(p.Prefix) == "" {
			errs = append(errs, fmt.Errorf("resolver.patterns[%d].prefix is empty", i))
		}
	}
	if s.Retrieval.TopK > retrieval.MaxTopK {
		errs = append(errs, fmt.Errorf("retrieval.top_k must be at most %d", retrieval.MaxTopK))
	}
	if s.Retrieval.MinSimilarity < 0 || s.Retrieval.MinSimilarity > 1 {
		errs = append(errs, errors.New("retrieval.min_similarity must be within [0,1]"))
	}
	if s.Retrieval.Closeness < 0 {
		errs = append(errs, errors.New("retrieval.closeness must not be negative"))
	}
	if s.Rerank.Threshold < 0 {
		errs = append(errs, errors.New("rerank.threshold must not be negative"))
	}
	c := s.Cache
	if c.MediumThreshold <= 0 || c.MediumThreshold > c.HighThreshold || c.HighThreshold > 1 {
		errs = append(errs, errors.New("cache thresholds must satisfy 0 < medium <= high <= 1"))
	}
	if c.MediumTTL > c.HighTTL {
		errs = append(errs, errors.New("cache.medium_ttl must not exceed cache.high_ttl"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: invalid settings: %w", errors.Join(errs...))
	}
	return nil
}

// ResolverRules converts the resolver section.
func (s Settings) ResolverRules() resolver.Rules {
	return resolver.Rules{
		Mode:              s.Resolver.Mode,
		LongQuestionWords: s.Resolver.LongQuestionWords,
		Patterns:          s.Resolver.Patterns,
		KnownTopics:       s.Resolver.KnownTopics,
		EscapeOption:      s.Resolver.EscapeOption,
	}
}

// RetrievalOptions converts the retrieval section for one request.
func (s Settings) RetrievalOptions(filter retrieval.Filter) retrieval.Options {
	return retrieval.Options{
		TopK:          s.Retrieval.TopK,
		MinSimilarity: s.Retrieval.MinSimilarity,
		Closeness:     s.Retrieval.Closeness,
		Timeout:       s.Retrieval.Timeout.Std(),
		Filter:        filter,
	}
}

func (s Settings) CachePolicy() cache.Policy {
	return cache.Policy{
		HighThreshold:   s.Cache.HighThreshold,
		MediumThreshold: s.Cache.MediumThreshold,
		HighTTL:         s.Cache.HighTTL.Std(),
		MediumTTL:       s.Cache.MediumTTL.Std(),
	}
}

// SynthConfig converts the synthesis section; preamble is the prompt template.
func (s Settings) SynthConfig(preamble string) synth.Config {
	return synth.Config{
		Model:       s.Synthesis.Model,
		Preamble:    preamble,
		MaxEvidence: s.Synthesis.MaxEvidence,
		MaxChars:    s.Synthesis.MaxContextChars,
		Timeout:     s.Synthesis.Timeout.Std(),
		Backoff:     s.Synthesis.RetryBackoff.Std(),
	}
}
