package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"knowledge-agent/internal/resolver"
	"knowledge-agent/internal/retrieval"
)

const sampleSettings = `
resolver:
  mode: clarify
  history_turns: 3
  known_topics:
    gc: Graduate College
acronyms:
  pto: paid time off
retrieval:
  top_k: 5
  min_similarity: 0.35
  timeout: 1500ms
rerank:
  enabled: false
synthesis:
  model: gpt-test
  retry_backoff: 50ms
cache:
  high_ttl: 240h
fallbacks:
  generic: Try again later.
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestParse(t *testing.T) {
	s, err := Parse([]byte(sampleSettings))
	require.NoError(t, err)

	require.Equal(t, resolver.ModeClarify, s.Resolver.Mode)
	require.Equal(t, 3, s.Resolver.HistoryTurns)
	require.NotEmpty(t, s.Resolver.Patterns)
	require.Equal(t, "paid time off", s.Acronyms["pto"])
	require.Equal(t, 1500*time.Millisecond, s.Retrieval.Timeout.Std())
	require.False(t, s.Rerank.Enabled)
	require.Equal(t, "gpt-test", s.Rerank.Model)
	require.Equal(t, 240*time.Hour, s.Cache.HighTTL.Std())
	require.Equal(t, 7*24*time.Hour, s.Cache.MediumTTL.Std())
	require.Equal(t, "Try again later.", s.Fallbacks.Generic)
	require.NotEmpty(t, s.Fallbacks.NoEvidence)

	opts := s.RetrievalOptions(retrieval.Filter{Category: "hr"})
	require.Equal(t, 5, opts.TopK)
	require.Equal(t, 0.35, opts.MinSimilarity)
	require.Equal(t, "hr", opts.Filter.Category)

	sc := s.SynthConfig("Be brief.")
	require.Equal(t, "gpt-test", sc.Model)
	require.Equal(t, 50*time.Millisecond, sc.Backoff)
	require.Equal(t, "Be brief.", sc.Preamble)

	require.Equal(t, resolver.ModeClarify, s.ResolverRules().Mode)
	require.Equal(t, 0.75, s.CachePolicy().HighThreshold)
}

func TestDefaults(t *testing.T) {
	s := Default()
	require.NoError(t, s.Validate())
	require.True(t, s.Rerank.Enabled)
	require.False(t, s.Moderation.Enabled)
	require.Equal(t, resolver.ModeAutoReframe, s.Resolver.Mode)
	require.Equal(t, retrieval.DefaultTopK, s.Retrieval.TopK)
}

func TestParse_ModerationEnabled(t *testing.T) {
	s, err := Parse([]byte("moderation:\n  enabled: true\n"))
	require.NoError(t, err)
	require.True(t, s.Moderation.Enabled)
}

func TestParse_Invalid(t *testing.T) {
	cases := map[string]string{
		"bad mode":         "resolver:\n  mode: guess\n",
		"bad duration":     "retrieval:\n  timeout: soon\n",
		"top_k too large":  "retrieval:\n  top_k: 50\n",
		"inverted cache":   "cache:\n  high_threshold: 0.4\n  medium_threshold: 0.6\n",
		"inverted ttl":     "cache:\n  high_ttl: 1h\n  medium_ttl: 2h\n",
		"similarity range": "retrieval:\n  min_similarity: 1.5\n",
		"not yaml":         "resolver: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.Error(t, err)
		})
	}
}

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default(), s)
}

func TestLoadFiles(t *testing.T) {
	dir := t.TempDir()
	settingsPath := filepath.Join(dir, "settings.yaml")
	promptPath := filepath.Join(dir, "prompt.txt")
	writeFile(t, settingsPath, sampleSettings)
	writeFile(t, promptPath, "  You answer for the help desk.\n")

	s, prompt, err := LoadFiles(settingsPath, promptPath)
	require.NoError(t, err)
	require.Equal(t, "gpt-test", s.Synthesis.Model)
	require.Contains(t, prompt, "help desk")

	_, prompt, err = LoadFiles(settingsPath, filepath.Join(dir, "none.txt"))
	require.NoError(t, err)
	require.Empty(t, prompt)
}

func TestSource_Swap(t *testing.T) {
	src := NewSource(Default(), " first ")
	first := src.Current()
	require.Equal(t, "first", first.Prompt)
	require.Equal(t, int64(1), first.Version)

	src.Swap(Default(), "second")
	require.Equal(t, "second", src.Current().Prompt)
	require.Equal(t, int64(2), src.Current().Version)
	require.Equal(t, "first", first.Prompt, "held snapshots are immutable")
}

type fakeParams struct {
	vals  map[string]string
	err   error
	names []string
}

func (f *fakeParams) GetParameters(_ context.Context, names ...string) (map[string]string, error) {
	f.names = names
	if f.err != nil {
		return nil, f.err
	}
	out := map[string]string{}
	for _, n := range names {
		if v, ok := f.vals[n]; ok {
			out[n] = v
		}
	}
	return out, nil
}

func TestLoadFromParams(t *testing.T) {
	params := &fakeParams{vals: map[string]string{
		"/agent/config/settings": sampleSettings,
		"/agent/prompt":          "Be brief.",
	}}
	s, prompt, err := LoadFromParams(context.Background(), params, "/agent/")
	require.NoError(t, err)
	require.Equal(t, "gpt-test", s.Synthesis.Model)
	require.Equal(t, "Be brief.", prompt)
	require.Equal(t, []string{"/agent/config/settings", "/agent/prompt"}, params.names)

	s, prompt, err = LoadFromParams(context.Background(), &fakeParams{}, "/agent")
	require.NoError(t, err)
	require.Equal(t, Default(), s)
	require.Empty(t, prompt)

	_, _, err = LoadFromParams(context.Background(), &fakeParams{err: errors.New("throttled")}, "/agent")
	require.ErrorContains(t, err, "throttled")
}

func TestWatcher_ReloadKeepsPreviousOnInvalid(t *testing.T) {
	dir := t.TempDir()
	settingsPath := filepath.Join(dir, "settings.yaml")
	writeFile(t, settingsPath, sampleSettings)

	s, prompt, err := LoadFiles(settingsPath, "")
	require.NoError(t, err)
	src := NewSource(s, prompt)
	w, err := NewWatcher(src, settingsPath, "")
	require.NoError(t, err)

	writeFile(t, settingsPath, "resolver:\n  mode: guess\n")
	require.Error(t, w.Reload())
	require.Equal(t, int64(1), src.Current().Version)
	require.Equal(t, resolver.ModeClarify, src.Current().Settings.Resolver.Mode)
	require.Equal(t, int64(1), w.Failures())

	writeFile(t, settingsPath, "resolver:\n  mode: auto\n")
	require.NoError(t, w.Reload())
	require.Equal(t, int64(2), src.Current().Version)
	require.Equal(t, resolver.ModeAutoReframe, src.Current().Settings.Resolver.Mode)
}

func TestWatcher_RunPicksUpChanges(t *testing.T) {
	dir := t.TempDir()
	settingsPath := filepath.Join(dir, "settings.yaml")
	promptPath := filepath.Join(dir, "prompt.txt")
	writeFile(t, settingsPath, sampleSettings)
	writeFile(t, promptPath, "v1")

	s, prompt, err := LoadFiles(settingsPath, promptPath)
	require.NoError(t, err)
	src := NewSource(s, prompt)
	w, err := NewWatcher(src, settingsPath, promptPath, WithDebounce(10*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	// Give the watcher time to register before writing.
	require.Eventually(t, func() bool {
		_ = os.WriteFile(promptPath, []byte("v2"), 0o644)
		select {
		case <-w.Reloaded():
			return true
		default:
			return false
		}
	}, 5*time.Second, 50*time.Millisecond)
	require.Equal(t, "v2", src.Current().Prompt)
}

func TestNewWatcher_RequiresPath(t *testing.T) {
	_, err := NewWatcher(NewSource(Default(), ""), "", "")
	require.Error(t, err)
}
