// Package mover implements the atomic file mover described in spec.md
// §4.1: crash-safe copy/move/symlink transfer of a video file plus its
// subtitle siblings between the array (bulk) tier and the cache (fast)
// tier, with per-path serialization and a destination free-space guard.
//
// Grounded on the teacher's internal/ffmpeg/transcode.go
// (copyFile/FinalizeTranscode: copy-then-rename, preserve mtime, best
// effort restore on failure) and internal/jobs/worker.go (bounded
// concurrency via a semaphore). Temp-file naming uses github.com/google/uuid
// instead of a fixed suffix so concurrent transfers of the same stem never
// collide.
package mover

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/sittingmongoose/cachecoord/internal/logger"
	"github.com/sittingmongoose/cachecoord/internal/model"
)

// subtitleExtensions is the minimal whitelist spec.md §4.1 fixes: srt,
// ass, sub, idx, vtt, plus language-tagged variants are matched by stem
// prefix, not a fixed extension list (see isSibling).
var subtitleExtensions = map[string]bool{
	".srt": true,
	".ass": true,
	".sub": true,
	".idx": true,
	".vtt": true,
}

// ErrInsufficientSpace is returned when a transfer would exceed 95% of
// the destination filesystem's free space (spec.md §4.1 space check).
var ErrInsufficientSpace = fmt.Errorf("mover: insufficient destination free space")

// Mover drives transfers between the array tier and the cache tier. Safe
// for concurrent use; transfers for the same original path are serialized
// via a per-path lock, exactly like the teacher's jobs being keyed by ID.
type Mover struct {
	method model.CacheMethod

	pathLocks sync.Map // map[string]*sync.Mutex

	toCacheSem *semaphore.Weighted
	toArraySem *semaphore.Weighted
}

// New builds a Mover configured with the cache method and the maximum
// concurrent transfers in each direction (spec.md's
// max_concurrent_to_cache / max_concurrent_to_array).
func New(method model.CacheMethod, maxConcurrentToCache, maxConcurrentToArray int) *Mover {
	if maxConcurrentToCache < 1 {
		maxConcurrentToCache = 1
	}
	if maxConcurrentToArray < 1 {
		maxConcurrentToArray = 1
	}
	return &Mover{
		method:     method,
		toCacheSem: semaphore.NewWeighted(int64(maxConcurrentToCache)),
		toArraySem: semaphore.NewWeighted(int64(maxConcurrentToArray)),
	}
}

// Result describes a completed transfer of one file (video or sibling).
type Result struct {
	OriginalPath string
	CachePath    string
	SizeBytes    int64
}

func (m *Mover) lockFor(path string) *sync.Mutex {
	v, _ := m.pathLocks.LoadOrStore(path, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// CopyToCache transfers originalPath (on the array tier, rooted at
// arrayRoot) to the cache tier (rooted at cacheRoot), plus any subtitle
// siblings discovered alongside it, applying the configured cache method.
// Blocks on the to-cache semaphore until a slot is free or ctx is done.
func (m *Mover) CopyToCache(ctx context.Context, arrayRoot, cacheRoot, originalPath string) ([]Result, error) {
	lock := m.lockFor(originalPath)
	lock.Lock()
	defer lock.Unlock()

	if err := m.toCacheSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer m.toCacheSem.Release(1)

	cachePath, err := destPath(arrayRoot, cacheRoot, originalPath)
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(cachePath); err == nil {
		// Already present at the cache path; nothing to do. Covers the
		// monitor racing the orchestrator on the same file (spec.md §8).
		info, statErr := os.Stat(originalPath)
		size := int64(0)
		if statErr == nil {
			size = info.Size()
		}
		return []Result{{OriginalPath: originalPath, CachePath: cachePath, SizeBytes: size}}, nil
	}

	siblings, err := findSiblings(originalPath)
	if err != nil {
		logger.For("mover").Warn("sibling discovery failed", "path", originalPath, "error", err)
	}

	units := append([]string{originalPath}, siblings...)
	var results []Result
	for _, src := range units {
		dst, err := destPath(arrayRoot, cacheRoot, src)
		if err != nil {
			return results, err
		}
		size, err := m.transferOne(src, dst, m.method)
		if err != nil {
			return results, fmt.Errorf("mover: copy to cache failed for %s: %w", src, err)
		}
		results = append(results, Result{OriginalPath: src, CachePath: dst, SizeBytes: size})
	}
	return results, nil
}

// RestoreToArray moves a previously cached file (and any siblings found on
// the cache tier) back to the array tier and removes the file at
// cachePath, whatever the original transfer mode. The cache path always
// holds a real file; in move-with-symlink mode the symlink sits at the
// array path and is replaced by the restored file.
func (m *Mover) RestoreToArray(ctx context.Context, arrayRoot, cacheRoot, originalPath string) ([]Result, error) {
	lock := m.lockFor(originalPath)
	lock.Lock()
	defer lock.Unlock()

	if err := m.toArraySem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer m.toArraySem.Release(1)

	cachePath, err := destPath(arrayRoot, cacheRoot, originalPath)
	if err != nil {
		return nil, err
	}

	siblings, err := findSiblings(cachePath)
	if err != nil {
		logger.For("mover").Warn("sibling discovery failed during restore", "path", cachePath, "error", err)
	}

	units := append([]string{cachePath}, siblings...)
	var results []Result
	for _, src := range units {
		dst, err := destPath(cacheRoot, arrayRoot, src)
		if err != nil {
			return results, err
		}
		size, err := m.restoreOne(src, dst)
		if err != nil {
			return results, fmt.Errorf("mover: restore to array failed for %s: %w", src, err)
		}
		results = append(results, Result{OriginalPath: dst, CachePath: src, SizeBytes: size})
	}
	return results, nil
}

// transferOne moves/copies/symlinks src (array) to dst (cache) per method,
// using the write-temp-then-rename atomicity protocol.
func (m *Mover) transferOne(src, dst string, method model.CacheMethod) (int64, error) {
	info, err := os.Stat(src)
	if err != nil {
		return 0, err
	}
	size := info.Size()

	if err := checkFreeSpace(filepath.Dir(dst), size); err != nil {
		return 0, err
	}

	tmp := tempPathFor(dst)
	if err := copyFileContents(src, tmp); err != nil {
		os.Remove(tmp)
		return 0, err
	}
	_ = os.Chtimes(tmp, info.ModTime(), info.ModTime())

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		os.Remove(tmp)
		return 0, err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return 0, err
	}

	switch method {
	case model.CacheMethodMove:
		if err := os.Remove(src); err != nil {
			logger.For("mover").Warn("transferred to cache but could not remove array source", "path", src, "error", err)
		}
	case model.CacheMethodMoveSymlink:
		if err := os.Remove(src); err != nil {
			logger.For("mover").Warn("could not remove array source before symlinking", "path", src, "error", err)
			return size, nil
		}
		if err := os.Symlink(dst, src); err != nil {
			logger.For("mover").Warn("could not create symlink at array source", "path", src, "target", dst, "error", err)
		}
	case model.CacheMethodCopy:
		// Original left in place.
	}

	return size, nil
}

// restoreOne copies src (always a real file on the cache tier — the
// symlink left by move-with-symlink mode lives only at the array side,
// never at a cache path) back to dst (array) and removes the cache copy
// afterward.
func (m *Mover) restoreOne(src, dst string) (int64, error) {
	info, err := os.Stat(src)
	if err != nil {
		return 0, err
	}

	size := info.Size()
	if err := checkFreeSpace(filepath.Dir(dst), size); err != nil {
		return 0, err
	}

	tmp := tempPathFor(dst)
	if err := copyFileContents(src, tmp); err != nil {
		os.Remove(tmp)
		return 0, err
	}
	_ = os.Chtimes(tmp, info.ModTime(), info.ModTime())

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		os.Remove(tmp)
		return 0, err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return 0, err
	}

	if err := os.Remove(src); err != nil {
		logger.For("mover").Warn("restored to array but could not remove cache copy", "path", src, "error", err)
	}
	return size, nil
}

// DeleteFromCache drops a cached file (and siblings) without restoring it
// — used when the array original has gone missing underneath the cache
// entry and there is nothing left to restore to (reconciler cleanup).
func (m *Mover) DeleteFromCache(cachePath string) error {
	lock := m.lockFor(cachePath)
	lock.Lock()
	defer lock.Unlock()

	siblings, _ := findSiblings(cachePath)
	for _, s := range append([]string{cachePath}, siblings...) {
		if err := os.Remove(s); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func tempPathFor(dst string) string {
	dir := filepath.Dir(dst)
	base := filepath.Base(dst)
	return filepath.Join(dir, fmt.Sprintf(".%s.%s.tmp", base, uuid.NewString()))
}

func copyFileContents(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	dstFile, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer dstFile.Close()

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		return err
	}
	return dstFile.Close()
}

// checkFreeSpace refuses transfers that would consume more than 95% of
// the destination filesystem's current free space (spec.md §4.1).
func checkFreeSpace(destDir string, size int64) error {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(destDir, &stat); err != nil {
		// Advisory per spec.md §8 — if we can't stat, don't block the
		// transfer; the rename step is the real source of truth.
		return nil
	}
	free := int64(stat.Bavail) * int64(stat.Bsize)
	if free <= 0 {
		return nil
	}
	if float64(size) > float64(free)*0.95 {
		return fmt.Errorf("%w: need %d bytes, only %d available", ErrInsufficientSpace, size, free)
	}
	return nil
}

// destPath rewrites a path rooted at fromRoot into the equivalent path
// rooted at toRoot.
func destPath(fromRoot, toRoot, path string) (string, error) {
	rel, err := filepath.Rel(fromRoot, path)
	if err != nil {
		return "", fmt.Errorf("mover: %s is not under %s: %w", path, fromRoot, err)
	}
	return filepath.Join(toRoot, rel), nil
}

// findSiblings lists videoPath's directory for files sharing its stem
// with a recognized subtitle extension, or a language-tagged variant
// (e.g. "movie.en.srt" for stem "movie").
func findSiblings(videoPath string) ([]string, error) {
	dir := filepath.Dir(videoPath)
	base := filepath.Base(videoPath)
	stem := strings.TrimSuffix(base, filepath.Ext(base))

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var out []string
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		name := de.Name()
		if name == base {
			continue
		}
		if isSibling(name, stem) {
			out = append(out, filepath.Join(dir, name))
		}
	}
	sort.Strings(out)
	return out, nil
}

// isSibling reports whether name is a subtitle belonging to stem: either
// "<stem><ext>" or "<stem>.<lang>.<ext>" where ext is in the subtitle
// whitelist.
func isSibling(name, stem string) bool {
	if !strings.HasPrefix(name, stem) {
		return false
	}
	rest := strings.TrimPrefix(name, stem)
	if rest == "" {
		return false
	}
	ext := filepath.Ext(rest)
	if !subtitleExtensions[strings.ToLower(ext)] {
		return false
	}
	inner := strings.TrimSuffix(rest, ext)
	// rest is either just the extension ("."+ext trimmed already handled
	// by TrimSuffix leaving "") or ".<lang>"
	return inner == "" || (strings.HasPrefix(inner, ".") && !strings.Contains(inner[1:], "."))
}
