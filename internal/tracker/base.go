// Package tracker implements the three persisted, concurrent-safe maps
// described in spec.md §4.2/§6: cache-timestamp, watchlist, and on-deck.
//
// Grounded on the teacher's internal/jobs/queue.go (in-memory map guarded
// by sync.RWMutex, temp-file+rename persistence, best-effort load) and on
// the original Python's src/core/trackers.py BaseTracker (get/put/delete,
// corrupt-file-tolerant load, legacy-shape migration).
package tracker

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/sittingmongoose/cachecoord/internal/logger"
)

// entry is the raw, JSON-serializable shape of one tracker row. Each
// concrete tracker (timestamp/watchlist/ondeck) interprets the same bag of
// fields differently; storing one shape across all three keeps load/save
// in the base type instead of duplicated per tracker.
type entry map[string]any

// base is the shared skeleton for all three trackers: a concurrent-safe
// map[original_path]entry persisted to a single JSON file via
// temp-file + atomic rename, exactly like the teacher's Queue.save().
type base struct {
	mu       sync.RWMutex
	path     string
	name     string
	data     map[string]entry
	dirty    bool
	migrated func(map[string]entry) (map[string]entry, bool)
}

func newBase(path, name string, migrate func(map[string]entry) (map[string]entry, bool)) *base {
	b := &base{
		path:     path,
		name:     name,
		data:     make(map[string]entry),
		migrated: migrate,
	}
	b.load()
	return b
}

// load reads the tracker file. A missing or corrupt file yields an empty
// tracker and a warning — it never aborts startup (spec.md §7, P8).
func (b *base) load() {
	if b.path == "" {
		return
	}
	raw, err := os.ReadFile(b.path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.For("tracker").Warn("could not read tracker file", "tracker", b.name, "path", b.path, "error", err)
		}
		return
	}

	var raws map[string]json.RawMessage
	if err := json.Unmarshal(raw, &raws); err != nil {
		logger.For("tracker").Warn("corrupt tracker file, starting empty", "tracker", b.name, "path", b.path, "error", err)
		return
	}

	data := make(map[string]entry, len(raws))
	for path, r := range raws {
		var e entry
		if err := json.Unmarshal(r, &e); err == nil {
			data[path] = e
			continue
		}
		// Not an object — likely a legacy bare-string row. Stash it under a
		// sentinel key so a tracker-specific migrate func can upgrade it.
		var s string
		if err := json.Unmarshal(r, &s); err == nil {
			data[path] = entry{"__legacy_string__": s}
			b.dirty = true
			continue
		}
		logger.For("tracker").Warn("dropping unreadable tracker row", "tracker", b.name, "path_key", path)
	}

	if b.migrated != nil {
		migrated, changed := b.migrated(data)
		if changed {
			data = migrated
			b.dirty = true
		}
	}

	b.mu.Lock()
	b.data = data
	b.mu.Unlock()

	if b.dirty {
		if err := b.persist(); err != nil {
			logger.For("tracker").Warn("could not persist migrated tracker", "tracker", b.name, "error", err)
		}
		b.dirty = false
	}
}

// persist writes the tracker atomically: temp file on the same directory,
// then rename. persist takes b.mu's read lock itself to snapshot the map,
// so callers must have released b.mu before calling it; the write happens
// outside the lock to avoid blocking readers during disk I/O — unlike the
// teacher's Queue.save(), which is called from within an already-held
// q.mu.Lock() critical section.
func (b *base) persist() error {
	if b.path == "" {
		return nil
	}

	b.mu.RLock()
	snapshot := make(map[string]entry, len(b.data))
	for k, v := range b.data {
		snapshot[k] = v
	}
	b.mu.RUnlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, b.path)
}

// get returns a copy of the entry for path, and whether it existed.
func (b *base) get(path string) (entry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.data[path]
	if !ok {
		return nil, false
	}
	cp := make(entry, len(e))
	for k, v := range e {
		cp[k] = v
	}
	return cp, true
}

// put replaces (or inserts) the entry for path and persists.
func (b *base) put(path string, e entry) error {
	b.mu.Lock()
	b.data[path] = e
	b.mu.Unlock()
	return b.persist()
}

// delete removes path, reporting whether it was present.
func (b *base) delete(path string) (bool, error) {
	b.mu.Lock()
	_, existed := b.data[path]
	delete(b.data, path)
	b.mu.Unlock()
	if !existed {
		return false, nil
	}
	return true, b.persist()
}

// enumerate returns a snapshot of every path currently tracked.
func (b *base) enumerate() map[string]entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]entry, len(b.data))
	for k, v := range b.data {
		cp := make(entry, len(v))
		for kk, vv := range v {
			cp[kk] = vv
		}
		out[k] = cp
	}
	return out
}

// count returns the number of tracked entries.
func (b *base) count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.data)
}

// clear drops every entry and persists the now-empty tracker. Used by the
// on-deck tracker's Clear() (spec.md I5 — on-deck is ephemeral).
func (b *base) clear() error {
	b.mu.Lock()
	b.data = make(map[string]entry)
	b.mu.Unlock()
	return b.persist()
}

// cleanupMissing removes entries whose path fails the supplied existence
// check (spec.md §4.2 cleanup_missing), returning the removed paths.
func (b *base) cleanupMissing(exists func(path string) bool) ([]string, error) {
	b.mu.Lock()
	var removed []string
	for path := range b.data {
		if !exists(path) {
			removed = append(removed, path)
		}
	}
	for _, path := range removed {
		delete(b.data, path)
	}
	b.mu.Unlock()

	if len(removed) == 0 {
		return nil, nil
	}
	return removed, b.persist()
}
