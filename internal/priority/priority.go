// Package priority implements the 0-100 cache priority score and the
// eviction candidate selection built on top of it, per spec.md §4.3.
// Grounded directly on original_source/src/core/trackers.py's
// CachePriorityScorer — the formula, the weighting tiers, and the
// eviction-selection loop are kept, translated from Python's duck-typed
// entry dicts into typed Go values.
package priority

import (
	"sort"
	"time"

	"github.com/sittingmongoose/cachecoord/internal/model"
)

// sourceScores mirrors CachePriorityScorer.SOURCE_SCORES. A session that
// is *currently* streaming still forces a 100 regardless of source (see
// Score below); SourceActiveWatching's own +15 ("continue-watching")
// entry is what protects a file once that session ends.
var sourceScores = map[model.Source]int{
	model.SourceOnDeck:         20,
	model.SourceActiveWatching: 15,
	model.SourceWatchlist:      10,
	model.SourceTrakt:          5,
	model.SourceManual:         0,
	model.SourceUnknown:        0,
}

// Input is the subset of a cached file's state the scorer needs. Kept
// separate from model.CachedFile so tests don't need to build a full
// tracker-backed entry to exercise the formula.
type Input struct {
	Source          model.Source
	Users           []string
	CachedAt        time.Time
	HasCachedAt     bool
	IsCurrentOnDeck bool
	EpisodesAhead   int // 0 if not a future on-deck episode
	AccessCount     int
}

// Score computes the 0-100 priority for a cached file. actuallyPlaying
// forces 100 (never evict a file being streamed right now). episodesAhead
// settings is the operator's episodes_ahead config, used to size the
// "next few episodes" bonus window the same way the original ties it to
// NUMBER_EPISODES.
func Score(in Input, actuallyPlaying bool, now time.Time, episodesAheadSetting int) int {
	if actuallyPlaying {
		return 100
	}

	score := 50
	score += sourceScores[in.Source]

	userBonus := len(in.Users) * 5
	if userBonus > 15 {
		userBonus = 15
	}
	score += userBonus

	if in.HasCachedAt {
		hours := now.Sub(in.CachedAt).Hours()
		switch {
		case hours < 2:
			score += 20
		case hours < 6:
			score += 15
		case hours < 24:
			score += 10
		case hours < 72:
			score += 5
		case hours > 336:
			score -= 20
		case hours > 168:
			score -= 10
		}
	}

	if in.IsCurrentOnDeck {
		score += 15
	} else if in.EpisodesAhead > 0 {
		window := episodesAheadSetting / 2
		if window < 1 {
			window = 1
		}
		if in.EpisodesAhead <= window {
			score += 10
		}
	}

	accessBonus := in.AccessCount * 2
	if accessBonus > 10 {
		accessBonus = 10
	}
	score += accessBonus

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}

// Candidate pairs a cached file's identity with its computed score, for
// eviction selection.
type Candidate struct {
	OriginalPath string
	CachedAt     time.Time
	HasCachedAt  bool
	Priority     int
	SizeBytes    int64
}

// SelectEvictionCandidates mirrors get_eviction_candidates: it skips
// actively-playing paths, skips anything still inside protectedHours of
// being cached, keeps only entries scoring below minPriority, sorts the
// rest ascending by priority (lowest-priority, i.e. least valuable, first)
// breaking ties by oldest cached_at, and returns a prefix whose combined
// size covers targetBytes.
func SelectEvictionCandidates(candidates []Candidate, targetBytes int64, minPriority int, protectedHours float64, now time.Time, activelyPlaying map[string]bool) []model.EvictionCandidate {
	var eligible []Candidate
	for _, c := range candidates {
		if activelyPlaying[c.OriginalPath] {
			continue
		}
		if c.HasCachedAt && now.Sub(c.CachedAt).Hours() < protectedHours {
			continue
		}
		if c.Priority >= minPriority {
			continue
		}
		eligible = append(eligible, c)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority < eligible[j].Priority
		}
		return eligible[i].CachedAt.Before(eligible[j].CachedAt)
	})

	var selected []model.EvictionCandidate
	var freed int64
	for _, c := range eligible {
		if freed >= targetBytes {
			break
		}
		selected = append(selected, model.EvictionCandidate{
			OriginalPath: c.OriginalPath,
			Priority:     c.Priority,
			SizeBytes:    c.SizeBytes,
		})
		freed += c.SizeBytes
	}
	return selected
}
