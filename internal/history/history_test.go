package history

import (
	"path/filepath"
	"testing"
	"time"
)

func TestRecordAndRecent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	now := time.Now()
	if _, err := store.Record(OpCacheTransfer, "/array/a.mkv", "ondeck", StatusCompleted, 1024, nil, now); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if _, err := store.Record(OpEviction, "/array/b.mkv", "watchlist", StatusCompleted, 2048, map[string]int{"priority": 40}, now.Add(time.Second)); err != nil {
		t.Fatalf("Record: %v", err)
	}

	recent, err := store.Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(recent))
	}
	if recent[0].OriginalPath != "/array/b.mkv" {
		t.Errorf("expected most recent first, got %+v", recent[0])
	}
	if recent[0].Detail == "" {
		t.Error("expected detail JSON to be persisted")
	}
}

func TestForPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	now := time.Now()
	if _, err := store.Record(OpCacheTransfer, "/array/a.mkv", "ondeck", StatusCompleted, 1024, nil, now); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Record(OpRetentionRestore, "/array/a.mkv", "", StatusCompleted, 1024, nil, now.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Record(OpCacheTransfer, "/array/other.mkv", "ondeck", StatusCompleted, 99, nil, now); err != nil {
		t.Fatal(err)
	}

	entries, err := store.ForPath("/array/a.mkv")
	if err != nil {
		t.Fatalf("ForPath: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries for /array/a.mkv, got %d", len(entries))
	}
}

func TestOpenPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := store.Record(OpCacheTransfer, "/array/a.mkv", "ondeck", StatusCompleted, 1, nil, time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	entries, err := reopened.Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected entry to survive reopen, got %d", len(entries))
	}
}
