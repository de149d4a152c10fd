package tracker

import (
	"encoding/json"
	"sort"
	"time"
)

// OnDeckTracker mirrors original_source/src/core/trackers.py's
// OnDeckTracker. On-deck membership is ephemeral — each cycle clears and
// rebuilds it from the upstream client's current on-deck list — but entries
// still carry a first-seen timestamp so cleanup_stale can drop rows that
// survived an aborted cycle (one that errored before ClearForRun's
// companion rebuild completed).
//
//	{"ondeck_at": RFC3339, "user": "...", "position": N, "episode_info": {...}}
type OnDeckTracker struct {
	b *base
}

// NewOnDeckTracker loads (or creates) the on-deck tracker at path.
func NewOnDeckTracker(path string) *OnDeckTracker {
	return &OnDeckTracker{b: newBase(path, "ondeck", nil)}
}

// ClearForRun empties the tracker at the start of an on-deck refresh, per
// spec.md §4.5 step 2 ("refresh on-deck": the tracker is authoritative only
// for the most recent refresh, never a union across runs).
func (t *OnDeckTracker) ClearForRun() error {
	return t.b.clear()
}

// Update records that path is at position for user, as of an on-deck
// refresh happening at seenAt. Called once per (path, user) pair while
// rebuilding after ClearForRun.
func (t *OnDeckTracker) Update(path, user string, position int, episode *EpisodeInfo, seenAt time.Time) error {
	e := entry{
		"ondeck_at": seenAt.UTC().Format(time.RFC3339),
		"user":      user,
		"position":  position,
	}
	if episode != nil {
		raw, _ := json.Marshal(episode)
		var m map[string]any
		_ = json.Unmarshal(raw, &m)
		e["episode_info"] = m
	}
	return t.b.put(path, e)
}

// EpisodeInfo is the shape persisted for an on-deck episode, matching
// model.EpisodeInfo's JSON tags so tracker stays free of a model import.
type EpisodeInfo struct {
	Show            string `json:"show"`
	Season          int    `json:"season"`
	Episode         int    `json:"episode"`
	IsCurrentOnDeck bool   `json:"is_current_ondeck"`
}

// Position returns the on-deck position recorded for path, if tracked.
func (t *OnDeckTracker) Position(path string) (int, bool) {
	e, ok := t.b.get(path)
	if !ok {
		return 0, false
	}
	switch v := e["position"].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

// EarliestPosition returns the path with the lowest (soonest) on-deck
// position currently tracked, per original_source's get_earliest_ondeck.
func (t *OnDeckTracker) EarliestPosition() (string, int, bool) {
	all := t.b.enumerate()
	best := ""
	bestPos := 0
	found := false
	for path, e := range all {
		pos, ok := positionOf(e)
		if !ok {
			continue
		}
		if !found || pos < bestPos {
			found = true
			best = path
			bestPos = pos
		}
	}
	return best, bestPos, found
}

func positionOf(e entry) (int, bool) {
	switch v := e["position"].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

// ShowPosition is one (season, episode) pair an on-deck entry reports for a
// show, with the user it is on-deck for.
type ShowPosition struct {
	User    string
	Season  int
	Episode int
}

// CurrentPositions returns the sorted (season, episode) positions every
// user currently has on-deck for show, mirroring original_source's
// get_ondeck_positions(show_name): it scans every tracked entry's
// episode_info for a Show match rather than keying off path, since on-deck
// rows are indexed by original_path, not by show.
func (t *OnDeckTracker) CurrentPositions(show string) []ShowPosition {
	all := t.b.enumerate()
	var out []ShowPosition
	for _, e := range all {
		raw, ok := e["episode_info"].(map[string]any)
		if !ok {
			continue
		}
		s, _ := raw["show"].(string)
		if s != show {
			continue
		}
		season := intFromAny(raw["season"])
		episode := intFromAny(raw["episode"])
		user, _ := e["user"].(string)
		out = append(out, ShowPosition{User: user, Season: season, Episode: episode})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Season != out[j].Season {
			return out[i].Season < out[j].Season
		}
		return out[i].Episode < out[j].Episode
	})
	return out
}

func intFromAny(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}

// CleanupMissing drops entries whose path fails the supplied existence
// check (spec.md §4.7 step 2 cleanup_missing).
func (t *OnDeckTracker) CleanupMissing(exists func(path string) bool) ([]string, error) {
	return t.b.cleanupMissing(exists)
}

// IsTracked reports whether path currently holds an on-deck slot.
func (t *OnDeckTracker) IsTracked(path string) bool {
	_, ok := t.b.get(path)
	return ok
}

// Paths returns every currently on-deck original_path.
func (t *OnDeckTracker) Paths() []string {
	all := t.b.enumerate()
	out := make([]string, 0, len(all))
	for p := range all {
		out = append(out, p)
	}
	return out
}

// CleanupStale removes entries older than maxDays (default 1, per
// original_source's OnDeckTracker.cleanup_stale — on-deck should never
// survive more than a day without a refresh).
func (t *OnDeckTracker) CleanupStale(now time.Time, maxDays int) ([]string, error) {
	all := t.b.enumerate()
	var stale []string
	for path, e := range all {
		ts, ok := e["ondeck_at"].(string)
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
