package priority

import (
	"testing"
	"time"

	"github.com/sittingmongoose/cachecoord/internal/model"
)

func TestScoreActivelyPlayingIsAlways100(t *testing.T) {
	in := Input{Source: model.SourceUnknown}
	if got := Score(in, true, time.Now(), 2); got != 100 {
		t.Errorf("expected 100 for actively playing file, got %d", got)
	}
}

func TestScoreOnDeckRecentHighUserCount(t *testing.T) {
	now := time.Now()
	in := Input{
		Source:      model.SourceOnDeck,
		Users:       []string{"alice", "bob", "carol", "dave"},
		CachedAt:    now.Add(-30 * time.Minute),
		HasCachedAt: true,
	}
	got := Score(in, false, now, 4)
	// 50 base + 20 ondeck + 15 (capped user bonus) + 20 recency = 105 -> clamp 100
	if got != 100 {
		t.Errorf("expected clamp to 100, got %d", got)
	}
}

func TestScoreOldManualFilePenalized(t *testing.T) {
	now := time.Now()
	in := Input{
		Source:      model.SourceManual,
		CachedAt:    now.Add(-400 * time.Hour),
		HasCachedAt: true,
	}
	got := Score(in, false, now, 4)
	// 50 base + 0 source - 20 age penalty = 30
	if got != 30 {
		t.Errorf("expected 30, got %d", got)
	}
}

func TestScoreCurrentOnDeckEpisodeBonus(t *testing.T) {
	now := time.Now()
	in := Input{
		Source:          model.SourceOnDeck,
		CachedAt:        now.Add(-100 * time.Hour),
		HasCachedAt:     true,
		IsCurrentOnDeck: true,
	}
	got := Score(in, false, now, 4)
	// 50 + 20 ondeck + 0 user + 0 recency (no tier covers 72-168h) + 15 current-episode = 85
	if got != 85 {
		t.Errorf("expected 85, got %d", got)
	}
}

func TestScoreAccessCountCapped(t *testing.T) {
	now := time.Now()
	in := Input{Source: model.SourceUnknown, AccessCount: 20}
	got := Score(in, false, now, 4)
	// 50 base + 0 source + 10 (capped access bonus) = 60
	if got != 60 {
		t.Errorf("expected 60, got %d", got)
	}
}

func TestSelectEvictionCandidatesSkipsPlayingAndProtected(t *testing.T) {
	now := time.Now()
	candidates := []Candidate{
		{OriginalPath: "/array/playing.mkv", Priority: 10, SizeBytes: 1000, CachedAt: now.Add(-100 * time.Hour), HasCachedAt: true},
		{OriginalPath: "/array/fresh.mkv", Priority: 10, SizeBytes: 1000, CachedAt: now.Add(-30 * time.Minute), HasCachedAt: true},
		{OriginalPath: "/array/stale-low.mkv", Priority: 20, SizeBytes: 500, CachedAt: now.Add(-300 * time.Hour), HasCachedAt: true},
		{OriginalPath: "/array/stale-high.mkv", Priority: 80, SizeBytes: 500, CachedAt: now.Add(-300 * time.Hour), HasCachedAt: true},
	}
	activelyPlaying := map[string]bool{"/array/playing.mkv": true}

	selected := SelectEvictionCandidates(candidates, 10000, 60, 2.0, now, activelyPlaying)
	if len(selected) != 1 || selected[0].OriginalPath != "/array/stale-low.mkv" {
		t.Fatalf("expected only stale-low.mkv selected, got %+v", selected)
	}
}

func TestSelectEvictionCandidatesStopsAtTarget(t *testing.T) {
	now := time.Now().Add(-300 * time.Hour)
	candidates := []Candidate{
		{OriginalPath: "/a", Priority: 10, SizeBytes: 1000, CachedAt: now, HasCachedAt: true},
		{OriginalPath: "/b", Priority: 20, SizeBytes: 1000, CachedAt: now, HasCachedAt: true},
		{OriginalPath: "/c", Priority: 30, SizeBytes: 1000, CachedAt: now, HasCachedAt: true},
	}
	selected := SelectEvictionCandidates(candidates, 1500, 60, 2.0, time.Now(), nil)
	if len(selected) != 2 {
		t.Fatalf("expected 2 candidates to cover target, got %d", len(selected))
	}
	if selected[0].OriginalPath != "/a" || selected[1].OriginalPath != "/b" {
		t.Errorf("expected ascending-priority order a,b, got %+v", selected)
	}
}
