// Package reconcile implements the reconciler of spec.md §4.7: startup
// and on-demand verification that the trackers agree with what's actually
// on disk. Grounded on original_source/src/core/trackers.py's
// cleanup_missing_files for the tracker-vs-filesystem reconciliation, and
// on the teacher's internal/browse/browse.go for the directory-walk
// concurrency pattern (golang.org/x/sync/singleflight deduping concurrent
// scans of the same tree).
package reconcile

import (
	"os"
	"path/filepath"

	"golang.org/x/sync/singleflight"

	"github.com/sittingmongoose/cachecoord/internal/logger"
	"github.com/sittingmongoose/cachecoord/internal/tracker"
)

// Result is the structured outcome of one reconcile() pass (spec.md
// §4.7 and §7 — structured results only).
type Result struct {
	OrphanedEntries  []string // tracker rows whose cache_path no longer exists
	MissingFromArray []string // tracker/watchlist/ondeck rows whose original_path is gone from the array tier
	UntrackedFiles   []string // files found on the cache tier with no tracker row (operator decision)
	UntrackedSkipped bool     // true if the untracked-file scan (step 3) was skipped
}

// Reconciler binds the three trackers and both tier roots. It takes no
// lock against the cycle orchestrator, and manager.Reconcile does not hold
// the orchestrator's mutex either, so an on-demand Reconcile is not
// excluded from running while a RunCycle is in progress.
type Reconciler struct {
	arrayRoot string
	cacheRoot string

	timestamps *tracker.CacheTimestampTracker
	watchlist  *tracker.WatchlistTracker
	onDeck     *tracker.OnDeckTracker

	scanGroup singleflight.Group
}

// New builds a Reconciler over the array/cache tier roots and trackers.
func New(arrayRoot, cacheRoot string, timestamps *tracker.CacheTimestampTracker, watchlist *tracker.WatchlistTracker, onDeck *tracker.OnDeckTracker) *Reconciler {
	return &Reconciler{
		arrayRoot:  arrayRoot,
		cacheRoot:  cacheRoot,
		timestamps: timestamps,
		watchlist:  watchlist,
		onDeck:     onDeck,
	}
}

// Reconcile runs the three steps of spec.md §4.7. scanUntracked controls
// whether step 3 (the full cache-tier walk) runs — callers wire this to
// untracked_watch_enabled, since a full walk may be expensive on a large
// cache tier and the spec marks step 3 optional "if the scan ... is
// cheap."
func (r *Reconciler) Reconcile(scanUntracked bool) (Result, error) {
	var result Result

	// Step 1: every cache-timestamp entry whose cache_path no longer
	// exists is orphaned and removed.
	orphaned, err := r.timestamps.CleanupMissing(func(path string) bool {
		_, statErr := os.Lstat(r.cachePathFor(path))
		return statErr == nil
	})
	if err != nil {
		logger.For("reconcile").Warn("cleanup of orphaned cache entries failed", "error", err)
	}
	result.OrphanedEntries = orphaned

	// Step 2: cleanup_missing on all three trackers — any path absent
	// from both tiers is removed. On-deck/watchlist track original_path
	// on the array tier directly, so array-tier existence is the right
	// predicate for them. A cache-timestamp row is removed only when
	// neither its original_path nor its cache path exists; a file deleted
	// from the library but still resident on the cache tier keeps its row
	// (move mode leaves nothing on the array side once cached, so the
	// cache path alone keeps such rows).
	var missing []string
	if removed, err := r.timestamps.CleanupMissing(r.originalOrCacheExists); err != nil {
		logger.For("reconcile").Warn("cleanup of fully-missing cache entries failed", "error", err)
	} else {
		missing = append(missing, removed...)
	}
	if removed, err := r.watchlist.CleanupMissing(r.arrayExists); err != nil {
		logger.For("reconcile").Warn("watchlist cleanup_missing failed", "error", err)
	} else {
		missing = append(missing, removed...)
	}
	if removed, err := r.onDeck.CleanupMissing(r.arrayExists); err != nil {
		logger.For("reconcile").Warn("ondeck cleanup_missing failed", "error", err)
	} else {
		missing = append(missing, removed...)
	}
	result.MissingFromArray = missing

	// Step 3 (optional): enumerate the cache tier and report files with
	// no tracker row. Deduplicated via singleflight so concurrent
	// on-demand reconcile calls share one walk instead of racing the
	// filesystem independently (teacher's browse.go countGroup pattern).
	if scanUntracked {
		v, err, _ := r.scanGroup.Do("scan", func() (any, error) {
			return r.scanUntrackedFiles()
		})
		if err != nil {
			logger.For("reconcile").Warn("untracked file scan failed", "error", err)
		} else {
			result.UntrackedFiles = v.([]string)
		}
	} else {
		result.UntrackedSkipped = true
	}

	return result, nil
}

// cachePathFor maps an original_path (rooted at arrayRoot) to its
// corresponding cache tier path, the same rule internal/mover uses.
func (r *Reconciler) cachePathFor(originalPath string) string {
	rel, err := filepath.Rel(r.arrayRoot, originalPath)
	if err != nil {
		return originalPath
	}
	return filepath.Join(r.cacheRoot, rel)
}

// originalPathFor maps a cache tier path back to its original_path on the
// array tier — the inverse of cachePathFor. Used by Watcher, whose
// fsnotify events fire with cache-tier paths, to look entries up in the
// timestamp tracker, which is keyed by original_path.
func (r *Reconciler) originalPathFor(cachePath string) string {
	rel, err := filepath.Rel(r.cacheRoot, cachePath)
	if err != nil {
		return cachePath
	}
	return filepath.Join(r.arrayRoot, rel)
}

// arrayExists reports whether path (an original_path) still exists on the
// array tier. on-deck and watchlist entries are keyed by original_path.
func (r *Reconciler) arrayExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// originalOrCacheExists reports whether a cache-timestamp entry's
// original_path still exists on the array tier, OR its mapped cache_path
// still exists on the cache tier (covers move-mode transfers where the
// array side is intentionally gone).
func (r *Reconciler) originalOrCacheExists(path string) bool {
	if r.arrayExists(path) {
		return true
	}
	_, err := os.Lstat(r.cachePathFor(path))
	return err == nil
}

// scanUntrackedFiles walks the cache tier and returns every file path
// with no corresponding cache-timestamp tracker row.
func (r *Reconciler) scanUntrackedFiles() ([]string, error) {
	tracked := make(map[string]bool)
	for _, path := range r.timestamps.Paths() {
		tracked[r.cachePathFor(path)] = true
	}

	var untracked []string
	err := filepath.Walk(r.cacheRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			return nil
		}
		if !tracked[path] {
			untracked = append(untracked, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return untracked, nil
}
