package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 100 * time.Millisecond

// Watcher reloads a Source when the settings file or the prompt file
// changes. A file that fails to load or validate leaves the previous
// snapshot in place.
type Watcher struct {
	source       *Source
	settingsPath string
	promptPath   string
	debounce     time.Duration
	logger       *slog.Logger
	failures     atomic.Int64
	reloaded     chan struct{}
}

type WatcherOption func(*Watcher)

func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounce = d
	}
}

func WithWatcherLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logger
	}
}

func NewWatcher(source *Source, settingsPath, promptPath string, opts ...WatcherOption) (*Watcher, error) {
	if source == nil {
		return nil, errors.New("config: source must not be nil")
	}
	if settingsPath == "" && promptPath == "" {
		return nil, errors.New("config: nothing to watch")
	}
	w := &Watcher{
		source:       source,
		settingsPath: clean(settingsPath),
		promptPath:   clean(promptPath),
		debounce:     defaultDebounce,
		logger:       slog.Default(),
		reloaded:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	return w, nil
}

// Reload reads both files and swaps the snapshot if they are valid.
func (w *Watcher) Reload() error {
	settings, prompt, err := LoadFiles(w.settingsPath, w.promptPath)
	if err != nil {
		w.failures.Add(1)
		w.logger.Warn("config reload rejected, keeping previous snapshot", "err", err)
		return err
	}
	snap := w.source.Swap(settings, prompt)
	w.logger.Info("config reloaded", "version", snap.Version)
	select {
	case w.reloaded <- struct{}{}:
	default:
	}
	return nil
}

// Failures is the number of rejected reloads.
func (w *Watcher) Failures() int64 {
	return w.failures.Load()
}

// Reloaded receives after each successful reload.
func (w *Watcher) Reloaded() <-chan struct{} {
	return w.reloaded
}

// Run watches until ctx is done. Directories are watched rather than the
// files so that editors replacing a file by rename are seen.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	defer fw.Close()

	dirs := map[string]bool{}
	for _, p := range []string{w.settingsPath, w.promptPath} {
		if p == "" {
			continue
		}
		dir := filepath.Dir(p)
		if dirs[dir] {
			continue
		}
		if err := fw.Add(dir); err != nil {
			return fmt.Errorf("config: watch %s: %w", dir, err)
		}
		dirs[dir] = true
	}

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(ev) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			pending = timer.C
		case <-pending:
			pending = nil
			_ = w.Reload()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", "err", err)
		}
	}
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
		return false
	}
	name := clean(ev.Name)
	return name == w.settingsPath || name == w.promptPath
}

func clean(p string) string {
	if p == "" {
		return ""
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}
