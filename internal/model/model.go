// Package model holds the domain types shared across the cache coordinator:
// cached files, playback sessions, and the eviction candidates the priority
// scorer produces. Grounded on the teacher's internal/jobs/job.go (a single
// flat struct with JSON tags, a Copy helper, and a lightweight event type).
package model

import "time"

// Source identifies where a cached file's caching decision originated.
type Source string

const (
	SourceOnDeck        Source = "ondeck"
	SourceWatchlist     Source = "watchlist"
	SourceTrakt         Source = "trakt-trending"
	SourceActiveWatching Source = "active-watching"
	SourceManual        Source = "manual"
	SourceUnknown       Source = "unknown"
)

// CacheMethod mirrors config.CacheMethod without importing the config
// package, so model stays a leaf package. The tracker persists this string
// verbatim.
type CacheMethod string

const (
	CacheMethodMove        CacheMethod = "move"
	CacheMethodCopy        CacheMethod = "copy"
	CacheMethodMoveSymlink CacheMethod = "move_with_symlink"
)

// EpisodeInfo is attached to an on-deck tracker entry for a TV episode.
type EpisodeInfo struct {
	Show            string `json:"show"`
	Season          int    `json:"season"`
	Episode         int    `json:"episode"`
	IsCurrentOnDeck bool   `json:"is_current_ondeck"`
}

// CachedFile is the in-memory view of one cache-timestamp tracker row,
// joined with whatever the watchlist/on-deck trackers know about the same
// original_path. Identity is OriginalPath (spec.md §3).
type CachedFile struct {
	OriginalPath  string      `json:"original_path"`
	CachePath     string      `json:"cache_path"`
	Source        Source      `json:"source"`
	Users         []string    `json:"users"`
	CachedAt      time.Time   `json:"cached_at"`
	LastSeen      time.Time   `json:"last_seen"`
	WatchedAt     *time.Time  `json:"watched_at,omitempty"`
	FileSizeBytes int64       `json:"file_size_bytes"`
	EpisodeInfo   *EpisodeInfo `json:"episode_info,omitempty"`
	AccessCount   int         `json:"access_count"`
	CacheMethod   CacheMethod `json:"cache_method"`
}

// SessionState is the playback state of an upstream session.
type SessionState string

const (
	SessionPlaying   SessionState = "playing"
	SessionPaused    SessionState = "paused"
	SessionBuffering SessionState = "buffering"
)

// Session is one active playback snapshot from the upstream media server.
type Session struct {
	SessionKey string       `json:"session_key"`
	UserID     string       `json:"user_id"`
	Username   string       `json:"username"`
	FilePath   string       `json:"file_path"`
	State      SessionState `json:"state"`
	Progress   float64      `json:"progress"` // 0.0-1.0
}

// EvictionCandidate is the transient tuple the priority scorer produces.
type EvictionCandidate struct {
	OriginalPath string
	Priority     int
	SizeBytes    int64
}

// OnDeckItem is one row the upstream media client returns from ListOnDeck.
type OnDeckItem struct {
	FilePath string
	User     string
	Episode  *EpisodeInfo
}

// WatchlistItem is one row the upstream media client returns from
// ListWatchlist.
type WatchlistItem struct {
	FilePath  string
	User      string
	AddedAt   time.Time
	Episode   *EpisodeInfo
}
