package reconcile

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sittingmongoose/cachecoord/internal/tracker"
)

func setup(t *testing.T) (arrayRoot, cacheRoot string) {
	t.Helper()
	arrayRoot = filepath.Join(t.TempDir(), "array")
	cacheRoot = filepath.Join(t.TempDir(), "cache")
	if err := os.MkdirAll(arrayRoot, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(cacheRoot, 0755); err != nil {
		t.Fatal(err)
	}
	return arrayRoot, cacheRoot
}

func TestReconcileRemovesOrphanedCacheEntry(t *testing.T) {
	arrayRoot, cacheRoot := setup(t)
	stateDir := t.TempDir()
	timestamps := tracker.NewCacheTimestampTracker(filepath.Join(stateDir, "ts.json"))
	watchlist := tracker.NewWatchlistTracker(filepath.Join(stateDir, "wl.json"))
	onDeck := tracker.NewOnDeckTracker(filepath.Join(stateDir, "od.json"))

	original := filepath.Join(arrayRoot, "movie.mkv")
	if err := os.WriteFile(original, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	// Tracked as cached, but no file actually exists on the cache tier.
	if _, err := timestamps.Record(original, time.Now(), "manual", 1); err != nil {
		t.Fatal(err)
	}

	r := New(arrayRoot, cacheRoot, timestamps, watchlist, onDeck)
	result, err := r.Reconcile(false)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(result.OrphanedEntries) != 1 || result.OrphanedEntries[0] != original {
		t.Errorf("expected movie.mkv reported orphaned, got %+v", result)
	}
	if !result.UntrackedSkipped {
		t.Error("expected UntrackedSkipped when scanUntracked=false")
	}
}

func TestReconcileCleansUpMissingFromArray(t *testing.T) {
	arrayRoot, cacheRoot := setup(t)
	stateDir := t.TempDir()
	timestamps := tracker.NewCacheTimestampTracker(filepath.Join(stateDir, "ts.json"))
	watchlist := tracker.NewWatchlistTracker(filepath.Join(stateDir, "wl.json"))
	onDeck := tracker.NewOnDeckTracker(filepath.Join(stateDir, "od.json"))

	goneFromLibrary := filepath.Join(arrayRoot, "deleted.mkv")
	if err := watchlist.UpdateEntry(goneFromLibrary, "alice", time.Now()); err != nil {
		t.Fatal(err)
	}

	r := New(arrayRoot, cacheRoot, timestamps, watchlist, onDeck)
	result, err := r.Reconcile(false)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	found := false
	for _, p := range result.MissingFromArray {
		if p == goneFromLibrary {
			found = true
		}
	}
	if !found {
		t.Errorf("expected deleted.mkv reported missing from array, got %+v", result.MissingFromArray)
	}
	if len(watchlist.Users(goneFromLibrary)) != 0 {
		t.Error("expected watchlist entry removed")
	}
}

func TestReconcileReportsUntrackedFiles(t *testing.T) {
	arrayRoot, cacheRoot := setup(t)
	stateDir := t.TempDir()
	timestamps := tracker.NewCacheTimestampTracker(filepath.Join(stateDir, "ts.json"))
	watchlist := tracker.NewWatchlistTracker(filepath.Join(stateDir, "wl.json"))
	onDeck := tracker.NewOnDeckTracker(filepath.Join(stateDir, "od.json"))

	untracked := filepath.Join(cacheRoot, "mystery.mkv")
	if err := os.WriteFile(untracked, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	r := New(arrayRoot, cacheRoot, timestamps, watchlist, onDeck)
	result, err := r.Reconcile(true)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(result.UntrackedFiles) != 1 || result.UntrackedFiles[0] != untracked {
		t.Errorf("expected mystery.mkv reported untracked, got %+v", result.UntrackedFiles)
	}
}
