package manager

import "syscall"

// statfsTotalBytes mirrors internal/cycle's statfs helper: it resolves the
// cache destination's real filesystem size for Stats()'s percentage-based
// cache_limit reporting. Kept as a small package-local twin rather than an
// exported cycle helper, since the two call sites have no other reason to
// share a dependency edge.
func statfsTotalBytes(path string) int64 {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0
	}
	return int64(stat.Blocks) * int64(stat.Bsize)
}
