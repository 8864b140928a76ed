package config

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const (
	watchDebounce = 100 * time.Millisecond
	pollInterval  = 5 * time.Second
)

// BackendsWatcher reloads the backends file when it changes on disk and hands
// the validated list to onChange. Invalid edits are logged and ignored.
type BackendsWatcher struct {
	path        string
	onChange    func([]BackendConfig) error
	lastModTime time.Time
}

// NewBackendsWatcher creates a watcher for path.
func NewBackendsWatcher(path string, onChange func([]BackendConfig) error) *BackendsWatcher {
	w := &BackendsWatcher{path: path, onChange: onChange}
	if stat, err := os.Stat(path); err == nil {
		w.lastModTime = stat.ModTime()
	}
	return w
}

// Run watches until ctx is cancelled. It falls back to polling when the
// directory cannot be watched.
func (w *BackendsWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn().Err(err).Msg("Falling back to polling for backends file changes")
		return w.poll(ctx)
	}
	defer watcher.Close()

	// Editors replace files by rename, so watch the directory rather than the file.
	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		log.Warn().Err(err).Str("path", dir).Msg("Failed to watch backends directory; polling instead")
		return w.poll(ctx)
	}
	log.Info().Str("path", w.path).Msg("Started watching backends file for changes")

	name := filepath.Base(w.path)
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Debounce - wait a bit for write to complete
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(watchDebounce):
			}
			log.Info().Str("event", event.Op.String()).Msg("Detected backends file change")
			w.reload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error().Err(err).Msg("Backends watcher error")

		case <-ctx.Done():
			return nil
		}
	}
}

func (w *BackendsWatcher) poll(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stat, err := os.Stat(w.path)
			if err != nil || !stat.ModTime().After(w.lastModTime) {
				continue
			}
			w.lastModTime = stat.ModTime()
			log.Info().Msg("Detected backends file change via polling")
			w.reload()
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *BackendsWatcher) reload() {
	backends, err := LoadBackends(w.path)
	if err != nil {
		log.Error().Err(err).Msg("Ignoring invalid backends file; keeping current backends")
		return
	}
	if err := w.onChange(backends); err != nil {
		log.Error().Err(err).Msg("Failed to apply reloaded backends; keeping current backends")
		return
	}
	log.Info().Int("backends", len(backends)).Msg("Reloaded generation backends")
}
