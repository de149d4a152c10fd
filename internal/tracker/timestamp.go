package tracker

import (
	"time"
)

// CacheTimestampTracker records when each file was moved onto the cache
// tier, mirroring original_source/src/core/trackers.py's
// CacheTimestampTracker. One JSON row per original_path:
//
//	{"cached_at": RFC3339, "source": "...", "file_size_bytes": N}
//
// record() is a no-op if the path is already tracked — re-caching a file
// already on the cache tier must not reset its retention clock.
type CacheTimestampTracker struct {
	b *base
}

// NewCacheTimestampTracker loads (or creates) the cache-timestamp tracker
// at path. Legacy files stored a bare RFC3339 string per path instead of
// an object; migrateLegacyTimestamps upgrades those in place on first load.
func NewCacheTimestampTracker(path string) *CacheTimestampTracker {
	return &CacheTimestampTracker{b: newBase(path, "cache_timestamp", migrateLegacyTimestamps)}
}

// migrateLegacyTimestamps upgrades a map whose values are bare JSON
// strings (the pre-object format) into {"cached_at": ...} objects. Mixed
// old/new files are supported: only string-valued rows are touched.
func migrateLegacyTimestamps(data map[string]entry) (map[string]entry, bool) {
	changed := false
	for path, e := range data {
		if len(e) == 1 {
			if raw, ok := e["__legacy_string__"]; ok {
				if s, ok := raw.(string); ok {
					data[path] = entry{"cached_at": s}
					changed = true
				}
			}
		}
	}
	return data, changed
}

// Record stores a new cached_at timestamp for path if it is not already
// tracked. Returns false without error if path was already present.
func (t *CacheTimestampTracker) Record(path string, cachedAt time.Time, source string, sizeBytes int64) (bool, error) {
	if _, exists := t.b.get(path); exists {
		return false, nil
	}
	e := entry{
		"cached_at":       cachedAt.UTC().Format(time.RFC3339),
		"source":          source,
		"file_size_bytes": sizeBytes,
	}
	if err := t.b.put(path, e); err != nil {
		return false, err
	}
	return true, nil
}

// Remove drops path from the tracker (called after eviction or restore).
func (t *CacheTimestampTracker) Remove(path string) (bool, error) {
	return t.b.delete(path)
}

// CachedAt returns the recorded cache time for path, if tracked.
func (t *CacheTimestampTracker) CachedAt(path string) (time.Time, bool) {
	e, ok := t.b.get(path)
	if !ok {
		return time.Time{}, false
	}
	ts, ok := e["cached_at"].(string)
	if !ok {
		return time.Time{}, false
	}
	parsed, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return time.Time{}, false
	}
	return parsed, true
}

// Source returns the source string recorded for path when it was cached
// (spec.md §4.3's source-bonus input, e.g. "ondeck"/"watchlist"/"trakt-trending"/
// "active-watching"/"manual").
func (t *CacheTimestampTracker) Source(path string) (string, bool) {
	e, ok := t.b.get(path)
	if !ok {
		return "", false
	}
	s, ok := e["source"].(string)
	if !ok {
		return "", false
	}
	return s, true
}

// AgeHours reports how many hours ago path was cached.
func (t *CacheTimestampTracker) AgeHours(path string, now time.Time) (float64, bool) {
	cachedAt, ok := t.CachedAt(path)
	if !ok {
		return 0, false
	}
	return now.Sub(cachedAt).Hours(), true
}

// IsWithinRetention reports whether path was cached less than
// minRetentionHours ago. Eviction does not consult it; eviction age
// protection uses eviction_protected_hours.
func (t *CacheTimestampTracker) IsWithinRetention(path string, now time.Time, minRetentionHours int) bool {
	age, ok := t.AgeHours(path, now)
	if !ok {
		return false
	}
	return age < float64(minRetentionHours)
}

// MarkWatched records that path has crossed the watched-progress threshold
// (spec.md §4.6 step 4). A no-op if path isn't tracked — the session
// monitor may race a cycle that hasn't finished caching the file yet.
func (t *CacheTimestampTracker) MarkWatched(path string, watchedAt time.Time) error {
	e, ok := t.b.get(path)
	if !ok {
		return nil
	}
	e["watched_at"] = watchedAt.UTC().Format(time.RFC3339)
	return t.b.put(path, e)
}

// WatchedAt returns the recorded watched timestamp for path, if any.
func (t *CacheTimestampTracker) WatchedAt(path string) (time.Time, bool) {
	e, ok := t.b.get(path)
	if !ok {
		return time.Time{}, false
	}
	ts, ok := e["watched_at"].(string)
	if !ok {
		return time.Time{}, false
	}
	parsed, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return time.Time{}, false
	}
	return parsed, true
}

// IncrementAccess bumps the access_count recorded for path by one. A no-op
// if path isn't tracked (spec.md §4.3's access_count_bonus input; the
// monitor calls this once per tick a session is actively playing a cached
// file).
func (t *CacheTimestampTracker) IncrementAccess(path string) error {
	e, ok := t.b.get(path)
	if !ok {
		return nil
	}
	e["access_count"] = intFromAny(e["access_count"]) + 1
	return t.b.put(path, e)
}

// AccessCount returns the access_count recorded for path.
func (t *CacheTimestampTracker) AccessCount(path string) (int, bool) {
	e, ok := t.b.get(path)
	if !ok {
		return 0, false
	}
	return intFromAny(e["access_count"]), true
}

// FileSizeBytes returns the size recorded for path when it was cached.
func (t *CacheTimestampTracker) FileSizeBytes(path string) (int64, bool) {
	e, ok := t.b.get(path)
	if !ok {
		return 0, false
	}
	switch v := e["file_size_bytes"].(type) {
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}

// Count returns the number of tracked cache entries.
func (t *CacheTimestampTracker) Count() int { return t.b.count() }

// Paths returns every tracked original_path.
func (t *CacheTimestampTracker) Paths() []string {
	all := t.b.enumerate()
	out := make([]string, 0, len(all))
	for p := range all {
		out = append(out, p)
	}
	return out
}

// CleanupMissing drops entries whose path fails the supplied existence
// check, per spec.md's cleanup_missing_files.
func (t *CacheTimestampTracker) CleanupMissing(exists func(path string) bool) ([]string, error) {
	return t.b.cleanupMissing(exists)
}
