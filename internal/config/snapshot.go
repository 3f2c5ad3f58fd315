package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"knowledge-agent/internal/integrations/paramstore"
)

// Snapshot is one immutable generation of settings plus the prompt
// preamble. A request reads one Snapshot and uses it throughout.
type Snapshot struct {
	Settings Settings
	Prompt   string
	Version  int64
	LoadedAt time.Time
}

// Source publishes the current Snapshot. Readers never block writers.
type Source struct {
	current atomic.Pointer[Snapshot]
	version atomic.Int64
}

func NewSource(settings Settings, prompt string) *Source {
	s := &Source{}
	s.Swap(settings, prompt)
	return s
}

// Current returns the snapshot in effect.
func (s *Source) Current() *Snapshot {
	return s.current.Load()
}

// Swap publishes a new generation and returns it.
func (s *Source) Swap(settings Settings, prompt string) *Snapshot {
	snap := &Snapshot{
		Settings: settings,
		Prompt:   strings.TrimSpace(prompt),
		Version:  s.version.Add(1),
		LoadedAt: time.Now().UTC(),
	}
	s.current.Store(snap)
	return snap
}

// LoadFiles reads the settings YAML and the prompt template. Either path may
// be empty. A missing prompt file yields an empty preamble.
func LoadFiles(settingsPath, promptPath string) (Settings, string, error) {
	settings := Default()
	if settingsPath != "" {
		var err error
		settings, err = Load(settingsPath)
		if err != nil {
			return Settings{}, "", err
		}
	}
	if promptPath == "" {
		return settings, "", nil
	}
	data, err := os.ReadFile(promptPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return settings, "", nil
		}
		return Settings{}, "", fmt.Errorf("config: read prompt: %w", err)
	}
	return settings, string(data), nil
}

// ParamsGetter is satisfied by *paramstore.Client.
type ParamsGetter interface {
	GetParameters(ctx context.Context, names ...string) (map[string]string, error)
}

// LoadFromParams reads <prefix>/config/settings and <prefix>/prompt in one
// call. Absent parameters fall back to defaults and an empty preamble.
func LoadFromParams(ctx context.Context, params ParamsGetter, prefix string) (Settings, string, error) {
	settingsName := paramstore.Path(prefix, "config/settings")
	promptName := paramstore.Path(prefix, "prompt")

	vals, err := params.GetParameters(ctx, settingsName, promptName)
	if err != nil {
		return Settings{}, "", fmt.Errorf("config: load parameters: %w", err)
	}
	settings := Default()
	if raw, ok := vals[settingsName]; ok && strings.TrimSpace(raw) != "" {
		settings, err = Parse([]byte(raw))
		if err != nil {
			return Settings{}, "", err
		}
	}
	return settings, vals[promptName], nil
}
