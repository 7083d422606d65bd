package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc receives every successfully loaded and validated config.
// It runs on the watcher goroutine.
type ReloadFunc func(newCfg *Config)

// Watcher reloads the config file when it changes on disk. fsnotify events
// on the parent directory give fast notification for editors that save by
// rename; a content-hash poll catches volume updates that swap a symlink
// without emitting inotify events.
type Watcher struct {
	path   string
	onLoad ReloadFunc
	logger *slog.Logger

	debounce     time.Duration
	pollInterval time.Duration

	lastHash string
}

// WatcherOption tunes a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets how long the watcher waits after the last filesystem
// event before reloading.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// WithPollInterval sets the content-hash poll period.
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.pollInterval = d }
}

// NewWatcher creates a watcher for path. Nothing happens until Run.
func NewWatcher(path string, onLoad ReloadFunc, logger *slog.Logger, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		path:         path,
		onLoad:       onLoad,
		logger:       logger,
		debounce:     300 * time.Millisecond,
		pollInterval: 2 * time.Second,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Run watches until ctx is canceled. It returns an error only if the
// filesystem watch cannot be established.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	w.lastHash = fileDigest(w.path)
	w.logger.Info("config watcher started", "path", w.path)

	poll := time.NewTicker(w.pollInterval)
	defer poll.Stop()

	// Stopped timer; armed on each relevant event.
	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("config watcher stopped")
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if w.relevant(ev) {
				debounce.Reset(w.debounce)
			}

		case <-debounce.C:
			w.reloadIfChanged()

		case <-poll.C:
			w.reloadIfChanged()

		case werr, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("config watcher error", "error", werr)
		}
	}
}

// relevant filters events to writes, creates and renames touching the
// config file or the "..data" symlink used by projected volumes.
func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
		return false
	}
	name := filepath.Clean(ev.Name)
	return name == filepath.Clean(w.path) || filepath.Base(name) == "..data"
}

func (w *Watcher) reloadIfChanged() {
	digest := fileDigest(w.path)
	if digest == w.lastHash {
		return
	}
	w.lastHash = digest

	cfg, err := LoadFromPath(w.path)
	if err != nil {
		w.logger.Error("config reload failed, keeping current config", "error", err)
		return
	}
	w.logger.Info("config reloaded", "path", w.path)
	w.onLoad(cfg)
}

// fileDigest hashes the resolved file content, or returns "" when the file
// cannot be read.
func fileDigest(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return ""
	}
	return hex.EncodeToString(h.Sum(nil))
}
