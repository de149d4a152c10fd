package tracker

import "time"

// WatchlistTracker mirrors original_source/src/core/trackers.py's
// WatchlistTracker: one row per original_path, recording which users have
// the title on their watchlist, the newest watchlist add seen for it, and
// the most recent discovery.
//
//	{"watchlisted_at": RFC3339, "last_seen": RFC3339, "users": ["alice","bob"]}
type WatchlistTracker struct {
	b *base
}

// NewWatchlistTracker loads (or creates) the watchlist tracker at path.
func NewWatchlistTracker(path string) *WatchlistTracker {
	return &WatchlistTracker{b: newBase(path, "watchlist", nil)}
}

// UpdateEntry records that user has path on their watchlist as of seenAt.
// Appends user to the entry's user list if not already present, and moves
// watchlisted_at forward only if seenAt is newer — an older seenAt never
// moves it backwards (spec.md §4.2). last_seen is unconditionally bumped
// to seenAt on every call, since it tracks the most recent discovery
// rather than the add.
func (t *WatchlistTracker) UpdateEntry(path, user string, seenAt time.Time) error {
	e, exists := t.b.get(path)
	if !exists {
		e = entry{
			"watchlisted_at": seenAt.UTC().Format(time.RFC3339),
			"last_seen":      seenAt.UTC().Format(time.RFC3339),
			"users":          []any{user},
		}
		return t.b.put(path, e)
	}

	users := stringsFromAny(e["users"])
	if !containsString(users, user) {
		users = append(users, user)
	}
	e["users"] = toAnySlice(users)

	if existing, ok := e["watchlisted_at"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339, existing); err == nil && parsed.Before(seenAt) {
			e["watchlisted_at"] = seenAt.UTC().Format(time.RFC3339)
		}
	} else {
		e["watchlisted_at"] = seenAt.UTC().Format(time.RFC3339)
	}

	e["last_seen"] = seenAt.UTC().Format(time.RFC3339)

	return t.b.put(path, e)
}

// LastSeen returns the most recent discovery timestamp recorded for path.
func (t *WatchlistTracker) LastSeen(path string) (time.Time, bool) {
	e, ok := t.b.get(path)
	if !ok {
		return time.Time{}, false
	}
	ts, ok := e["last_seen"].(string)
	if !ok {
		return time.Time{}, false
	}
	parsed, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return time.Time{}, false
	}
	return parsed, true
}

// Users returns the users that have path watchlisted.
func (t *WatchlistTracker) Users(path string) []string {
	e, ok := t.b.get(path)
	if !ok {
		return nil
	}
	return stringsFromAny(e["users"])
}

// DaysSinceAdded reports how many days have passed since path's recorded
// watchlisted_at, the newest watchlist add seen for it.
func (t *WatchlistTracker) DaysSinceAdded(path string, now time.Time) (float64, bool) {
	e, ok := t.b.get(path)
	if !ok {
		return 0, false
	}
	ts, ok := e["watchlisted_at"].(string)
	if !ok {
		return 0, false
	}
	parsed, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return 0, false
	}
	return now.Sub(parsed).Hours() / 24, true
}

// Remove drops path from the tracker.
func (t *WatchlistTracker) Remove(path string) (bool, error) {
	return t.b.delete(path)
}

// CleanupMissing drops entries whose path fails the supplied existence
// check (spec.md §4.7 step 2 cleanup_missing).
func (t *WatchlistTracker) CleanupMissing(exists func(path string) bool) ([]string, error) {
	return t.b.cleanupMissing(exists)
}

// Paths returns every tracked original_path.
func (t *WatchlistTracker) Paths() []string {
	all := t.b.enumerate()
	out := make([]string, 0, len(all))
	for p := range all {
		out = append(out, p)
	}
	return out
}

// CleanupStale removes entries older than maxDays (default 7, per
// original_source's WatchlistTracker.cleanup_stale).
func (t *WatchlistTracker) CleanupStale(now time.Time, maxDays int) ([]string, error) {
	all := t.b.enumerate()
	var stale []string
	for path, e := range all {
		ts, ok := e["watchlisted_at"].(string)
		if !ok {
			continue
		}
		parsed, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			continue
		}
		if now.Sub(parsed).Hours()/24 > float64(maxDays) {
			stale = append(stale, path)
		}
	}
	for _, path := range stale {
		if _, err := t.b.delete(path); err != nil {
			return stale, err
		}
	}
	return stale, nil
}

func stringsFromAny(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func toAnySlice(s []string) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
