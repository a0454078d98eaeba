// Package watcher observes the Sentinel config file for changes and
// republishes a validated Config into the shared Store, falling back
// to polling when filesystem notifications are unavailable.
package watcher

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/muhamadyani/nginx-sentinel/pkg/config"
)

// pollFallback is how often the watcher re-reads and republishes the
// config file even when fsnotify is healthy, covering editors that
// replace the file via a rename fsnotify's inotify backend can miss on
// some filesystems. Each tick reloads the file whether or not it has
// changed; no modification time is compared.
const pollFallback = 2 * time.Second

// LogPathChange is delivered whenever a reload changes log_path, so
// the orchestrator can retarget the LogFollower.
type LogPathChange struct {
	NewPath string
}

// Watcher reloads path on change and publishes the result into store.
// OnLogPathChange, if set, is invoked synchronously whenever a reload's
// log_path differs from the previous one.
type Watcher struct {
	path  string
	store *config.Store
	log   *zap.SugaredLogger

	OnLogPathChange func(LogPathChange)
}

// New creates a Watcher for path, publishing reloads into store.
func New(path string, store *config.Store, log *zap.SugaredLogger) *Watcher {
	return &Watcher{path: path, store: store, log: log}
}

// Run watches until ctx is cancelled. fsnotify failures (e.g. the
// inotify instance limit) degrade to poll-only; a reload error is
// logged and the previous Config is kept in force.
func (w *Watcher) Run(ctx context.Context) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Warnw("fsnotify unavailable, falling back to polling only", "error", err)
		w.pollLoop(ctx)
		return
	}
	defer fsw.Close()

	if err := fsw.Add(w.path); err != nil {
		w.log.Warnw("fsnotify add failed, falling back to polling only", "path", w.path, "error", err)
		w.pollLoop(ctx)
		return
	}

	ticker := time.NewTicker(pollFallback)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.reload()
			// Editors that rename-over the watched path leave the inode
			// unwatched; re-add defensively.
			_ = fsw.Add(w.path)

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.log.Warnw("fsnotify error", "error", err)

		case <-ticker.C:
			w.reload()
		}
	}
}

func (w *Watcher) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(pollFallback)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	previous := w.store.Snapshot()

	next, err := config.Load(w.path)
	if err != nil {
		w.log.Errorw("config reload failed, keeping previous config in force", "path", w.path, "error", err)
		return
	}

	w.store.Publish(next)
	w.log.Infow("config reloaded", "path", w.path)

	if previous != nil && previous.LogPath != next.LogPath && w.OnLogPathChange != nil {
		w.OnLogPathChange(LogPathChange{NewPath: next.LogPath})
	}
}
