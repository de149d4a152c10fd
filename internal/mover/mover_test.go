package mover

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sittingmongoose/cachecoord/internal/model"
)

func setupTree(t *testing.T) (arrayRoot, cacheRoot string) {
	t.Helper()
	arrayRoot = filepath.Join(t.TempDir(), "array")
	cacheRoot = filepath.Join(t.TempDir(), "cache")
	if err := os.MkdirAll(filepath.Join(arrayRoot, "show"), 0755); err != nil {
		t.Fatal(err)
	}
	return arrayRoot, cacheRoot
}

func writeVideo(t *testing.T, path string, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestCopyToCacheMoveMode(t *testing.T) {
	arrayRoot, cacheRoot := setupTree(t)
	video := filepath.Join(arrayRoot, "show", "ep1.mkv")
	sub := filepath.Join(arrayRoot, "show", "ep1.en.srt")
	writeVideo(t, video, "video-bytes")
	writeVideo(t, sub, "subtitle-bytes")

	m := New(model.CacheMethodMove, 2, 2)
	results, err := m.CopyToCache(context.Background(), arrayRoot, cacheRoot, video)
	if err != nil {
		t.Fatalf("CopyToCache: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected video + subtitle transferred, got %d results: %+v", len(results), results)
	}

	if _, err := os.Stat(video); !os.IsNotExist(err) {
		t.Error("expected original video removed in move mode")
	}
	if _, err := os.Stat(filepath.Join(cacheRoot, "show", "ep1.mkv")); err != nil {
		t.Errorf("expected video present at cache path: %v", err)
	}
	if _, err := os.Stat(filepath.Join(cacheRoot, "show", "ep1.en.srt")); err != nil {
		t.Errorf("expected subtitle present at cache path: %v", err)
	}
}

func TestCopyToCacheCopyModeLeavesOriginal(t *testing.T) {
	arrayRoot, cacheRoot := setupTree(t)
	video := filepath.Join(arrayRoot, "show", "ep1.mkv")
	writeVideo(t, video, "video-bytes")

	m := New(model.CacheMethodCopy, 2, 2)
	if _, err := m.CopyToCache(context.Background(), arrayRoot, cacheRoot, video); err != nil {
		t.Fatalf("CopyToCache: %v", err)
	}

	if _, err := os.Stat(video); err != nil {
		t.Errorf("expected original to remain in copy mode: %v", err)
	}
	if _, err := os.Stat(filepath.Join(cacheRoot, "show", "ep1.mkv")); err != nil {
		t.Errorf("expected copy at cache path: %v", err)
	}
}

func TestCopyToCacheSymlinkMode(t *testing.T) {
	arrayRoot, cacheRoot := setupTree(t)
	video := filepath.Join(arrayRoot, "show", "ep1.mkv")
	writeVideo(t, video, "video-bytes")

	m := New(model.CacheMethodMoveSymlink, 2, 2)
	if _, err := m.CopyToCache(context.Background(), arrayRoot, cacheRoot, video); err != nil {
		t.Fatalf("CopyToCache: %v", err)
	}

	info, err := os.Lstat(video)
	if err != nil {
		t.Fatalf("expected a symlink at original path: %v", err)
	}
	if info.Mode()&os.ModeSymlink == 0 {
		t.Error("expected original path to be a symlink after move+symlink transfer")
	}
}

func TestCopyToCacheIsIdempotent(t *testing.T) {
	arrayRoot, cacheRoot := setupTree(t)
	video := filepath.Join(arrayRoot, "show", "ep1.mkv")
	writeVideo(t, video, "video-bytes")

	m := New(model.CacheMethodCopy, 2, 2)
	if _, err := m.CopyToCache(context.Background(), arrayRoot, cacheRoot, video); err != nil {
		t.Fatalf("first CopyToCache: %v", err)
	}
	results, err := m.CopyToCache(context.Background(), arrayRoot, cacheRoot, video)
	if err != nil {
		t.Fatalf("second CopyToCache: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("expected idempotent no-op transfer result, got %+v", results)
	}
}

func TestRestoreToArrayMoveMode(t *testing.T) {
	arrayRoot, cacheRoot := setupTree(t)
	video := filepath.Join(arrayRoot, "show", "ep1.mkv")
	writeVideo(t, video, "video-bytes")

	m := New(model.CacheMethodMove, 2, 2)
	if _, err := m.CopyToCache(context.Background(), arrayRoot, cacheRoot, video); err != nil {
		t.Fatalf("CopyToCache: %v", err)
	}

	if _, err := m.RestoreToArray(context.Background(), arrayRoot, cacheRoot, video); err != nil {
		t.Fatalf("RestoreToArray: %v", err)
	}

	if _, err := os.Stat(video); err != nil {
		t.Errorf("expected video restored to array: %v", err)
	}
	if _, err := os.Stat(filepath.Join(cacheRoot, "show", "ep1.mkv")); !os.IsNotExist(err) {
		t.Error("expected cache copy removed after restore")
	}
}

func TestRestoreToArraySymlinkMode(t *testing.T) {
	arrayRoot, cacheRoot := setupTree(t)
	video := filepath.Join(arrayRoot, "show", "ep1.mkv")
	writeVideo(t, video, "video-bytes")

	m := New(model.CacheMethodMoveSymlink, 2, 2)
	if _, err := m.CopyToCache(context.Background(), arrayRoot, cacheRoot, video); err != nil {
		t.Fatalf("CopyToCache: %v", err)
	}

	if _, err := m.RestoreToArray(context.Background(), arrayRoot, cacheRoot, video); err != nil {
		t.Fatalf("RestoreToArray: %v", err)
	}

	info, err := os.Lstat(video)
	if err != nil {
		t.Fatalf("expected file restored at array path: %v", err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		t.Error("expected a real file at array path after restore, not a symlink")
	}
}

func TestFindSiblingsMatchesLanguageTaggedSubtitles(t *testing.T) {
	arrayRoot, _ := setupTree(t)
	video := filepath.Join(arrayRoot, "show", "ep1.mkv")
	writeVideo(t, video, "x")
	writeVideo(t, filepath.Join(arrayRoot, "show", "ep1.srt"), "x")
	writeVideo(t, filepath.Join(arrayRoot, "show", "ep1.en.srt"), "x")
	writeVideo(t, filepath.Join(arrayRoot, "show", "ep1.fr.vtt"), "x")
	writeVideo(t, filepath.Join(arrayRoot, "show", "ep2.mkv"), "x") // unrelated, same dir
	writeVideo(t, filepath.Join(arrayRoot, "show", "ep1.nfo"), "x") // not a subtitle

	siblings, err := findSiblings(video)
	if err != nil {
		t.Fatalf("findSiblings: %v", err)
	}
	if len(siblings) != 3 {
		t.Fatalf("expected 3 sibling subtitles, got %d: %v", len(siblings), siblings)
	}
}
