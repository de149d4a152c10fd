package reconcile

import (
	"context"

	"github.com/fsnotify/fsnotify"

	"github.com/sittingmongoose/cachecoord/internal/logger"
)

// Watcher is a live fsnotify watch of the cache tier, sourced from the
// k-kohey-axe-cli example's use of fsnotify — the only repo in the pack
// watching the filesystem for change events rather than polling it. A
// create/rename event for a path the trackers don't know about is logged
// as it happens. Nothing in this module starts a Watcher; the
// untracked_watch_enabled setting controls Reconcile's full walk, not
// this watch.
type Watcher struct {
	fsw *fsnotify.Watcher
	r   *Reconciler
}

// NewWatcher opens an fsnotify watcher for the reconciler's cache tier. It
// watches nothing until Add is called for each directory to watch (the
// cache tier's top-level directories, typically); then run Run in a
// goroutine.
func NewWatcher(r *Reconciler) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{fsw: fsw, r: r}, nil
}

// Add registers dir for live watching.
func (w *Watcher) Add(dir string) error {
	return w.fsw.Add(dir)
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

// Run drains fsnotify events until ctx is cancelled, logging any
// create/rename event for a path the cache-timestamp tracker doesn't
// track. It never removes files — spec.md §4.7 leaves untracked files to
// operator decision even when discovered eagerly.
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			originalPath := w.r.originalPathFor(event.Name)
			if _, tracked := w.r.timestamps.CachedAt(originalPath); tracked {
				continue
			}
			logger.For("reconcile").Info("untracked file appeared on cache tier", "path", event.Name, "op", event.Op.String())
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logger.For("reconcile").Warn("fsnotify watch error", "error", err)
		}
	}
}
