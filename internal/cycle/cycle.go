// Package cycle implements the cache cycle orchestrator of spec.md §4.5:
// one idempotent pass composing upstream discovery, file transfer,
// retention, and eviction. Grounded on the teacher's internal/jobs/worker.go
// run loop (context-driven, single-flight via a held mutex) for the
// overall control shape, and on original_source/src/core/plex_cache_engine.py
// for the step ordering and skip-reason semantics (run() returning a
// CacheStats-like summary rather than raising).
package cycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sittingmongoose/cachecoord/internal/config"
	"github.com/sittingmongoose/cachecoord/internal/model"
	"github.com/sittingmongoose/cachecoord/internal/mover"
	"github.com/sittingmongoose/cachecoord/internal/priority"
	"github.com/sittingmongoose/cachecoord/internal/tracker"
	"github.com/sittingmongoose/cachecoord/internal/upstream"

	"github.com/sittingmongoose/cachecoord/internal/logger"
)

// SkipReason explains why a cycle returned without transferring anything.
type SkipReason string

const (
	SkipNone           SkipReason = ""
	SkipActiveSessions SkipReason = "active_sessions"
)

// CycleSummary is the structured result of one run_cycle() pass
// (spec.md §4.5, §7 — "structured results only, never raw upstream
// errors").
type CycleSummary struct {
	Skipped          SkipReason
	CandidatesSeen   int
	TransfersQueued  int
	TransfersDone    int
	TransfersFailed  int
	RestoredRetained int
	RestoredEvicted  int
	BytesCached      int64
	BytesFreed       int64
	Duration         time.Duration
}

// candidate is an internal classify-step row: one path to potentially
// cache, tagged with the source that nominated it.
type candidate struct {
	path   string
	source model.Source
	user   string
	ep     *model.EpisodeInfo
}

// Orchestrator binds the trackers, mover, and upstream client and runs
// the cache cycle. Only one RunCycle executes at a time (spec.md's
// process-wide mutex); reconcile() and the session monitor are excluded
// from this lock and synchronize independently.
type Orchestrator struct {
	cfg *config.Config

	client upstream.Client
	mv     *mover.Mover

	timestamps *tracker.CacheTimestampTracker
	watchlist  *tracker.WatchlistTracker
	onDeck     *tracker.OnDeckTracker

	mu sync.Mutex // process-wide: only one cycle in flight
}

// New builds an Orchestrator. cfg supplies every tunable in spec.md §6.
func New(cfg *config.Config, client upstream.Client, mv *mover.Mover, timestamps *tracker.CacheTimestampTracker, watchlist *tracker.WatchlistTracker, onDeck *tracker.OnDeckTracker) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		client:     client,
		mv:         mv,
		timestamps: timestamps,
		watchlist:  watchlist,
		onDeck:     onDeck,
	}
}

// RunCycle executes the 8 ordered steps of spec.md §4.5.
func (o *Orchestrator) RunCycle(ctx context.Context) (CycleSummary, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	start := time.Now()
	summary := CycleSummary{}

	// 1. Gate on active sessions.
	if o.cfg.ExitIfActiveSession {
		active, err := o.client.HasActiveSessions(ctx)
		if err != nil {
			logger.For("cycle").Warn("has_active_sessions failed, proceeding with cycle", "error", err)
		} else if active {
			summary.Skipped = SkipActiveSessions
			summary.Duration = time.Since(start)
			return summary, nil
		}
	}

	// 2. Snapshot active paths.
	sessions, err := o.client.ListSessions(ctx)
	if err != nil {
		logger.For("cycle").Warn("list_sessions failed, treating as no active sessions", "error", err)
	}
	playingPaths := make(map[string]bool, len(sessions))
	for _, s := range sessions {
		playingPaths[s.FilePath] = true
	}

	var candidates []candidate

	// 3. Refresh on-deck tracker (ephemeral — cleared every cycle).
	if err := o.onDeck.ClearForRun(); err != nil {
		logger.For("cycle").Warn("could not clear ondeck tracker", "error", err)
	}
	onDeckItems, err := o.client.ListOnDeck(ctx, o.cfg.EpisodesAhead, o.cfg.DaysToMonitor, o.cfg.SkipOnDeckUsers)
	if err != nil {
		logger.For("cycle").Warn("list_ondeck failed, skipping this source for the cycle", "error", err)
	}
	now := time.Now()
	for i, item := range onDeckItems {
		var ep *tracker.EpisodeInfo
		if item.Episode != nil {
			ep = &tracker.EpisodeInfo{
				Show:            item.Episode.Show,
				Season:          item.Episode.Season,
				Episode:         item.Episode.Episode,
				IsCurrentOnDeck: item.Episode.IsCurrentOnDeck,
			}
		}
		if err := o.onDeck.Update(item.FilePath, item.User, i, ep, now); err != nil {
			logger.For("cycle").Warn("could not update ondeck tracker", "path", item.FilePath, "error", err)
		}
		candidates = append(candidates, candidate{path: item.FilePath, source: model.SourceOnDeck, user: item.User, ep: item.Episode})
	}

	// 4. Refresh watchlist, if enabled.
	if o.cfg.WatchlistEnabled {
		watchlistItems, err := o.client.ListWatchlist(ctx, o.cfg.WatchlistEpisodesPerShow, o.cfg.SkipWatchlistUsers)
		if err != nil {
			logger.For("cycle").Warn("list_watchlist failed, skipping this source for the cycle", "error", err)
		}
		for _, item := range watchlistItems {
			if err := o.watchlist.UpdateEntry(item.FilePath, item.User, item.AddedAt); err != nil {
				logger.For("cycle").Warn("could not update watchlist tracker", "path", item.FilePath, "error", err)
			}
			candidates = append(candidates, candidate{path: item.FilePath, source: model.SourceWatchlist, user: item.User, ep: item.Episode})
		}
	}

	// 4b. Refresh Trakt trending, if enabled — a supplemented discovery
	// source beyond the core on-deck/watchlist pair (SPEC_FULL.md §4);
	// only engaged when the upstream client also implements TrendingClient.
	if o.cfg.TraktEnabled {
		if trending, ok := o.client.(upstream.TrendingClient); ok {
			trendingItems, err := trending.ListTrending(ctx, o.cfg.TraktTrendingLimit)
			if err != nil {
				logger.For("cycle").Warn("list_trending failed, skipping this source for the cycle", "error", err)
			}
			for _, item := range trendingItems {
				candidates = append(candidates, candidate{path: item.FilePath, source: model.SourceTrakt, user: item.User, ep: item.Episode})
			}
		}
	}

	summary.CandidatesSeen = len(candidates)

	// 5. Classify transfers: skip already-cached or currently-playing paths.
	var toTransfer []candidate
	for _, c := range candidates {
		if playingPaths[c.path] {
			continue
		}
		if _, alreadyCached := o.timestamps.CachedAt(c.path); alreadyCached {
			continue
		}
		toTransfer = append(toTransfer, c)
	}
	summary.TransfersQueued = len(toTransfer)

	// 6. Transfer, up to the configured parallelism.
	results := o.transferAll(ctx, toTransfer, &summary)
	for _, r := range results {
		summary.BytesCached += r.size
	}

	// 7. Retention sweep.
	retained, restored, freed, err := o.retentionSweep(ctx, playingPaths, now)
	if err != nil {
		logger.For("cycle").Warn("retention sweep encountered an error", "error", err)
	}
	summary.RestoredRetained = retained
	summary.BytesFreed += freed
	_ = restored

	// 8. Limit enforcement (eviction).
	if o.cfg.EvictionEnabled {
		evicted, evictedBytes, err := o.enforceLimit(ctx, playingPaths, now)
		if err != nil {
			logger.For("cycle").Warn("eviction pass encountered an error", "error", err)
		}
		summary.RestoredEvicted = evicted
		summary.BytesFreed += evictedBytes
	}

	summary.Duration = time.Since(start)
	return summary, nil
}

type transferOutcome struct {
	path string
	size int64
}

// transferAll starts one goroutine per candidate and waits for all of
// them; the mover's own to-cache semaphore bounds how many transfers run
// at once, so the orchestrator keeps no second pool of its own.
func (o *Orchestrator) transferAll(ctx context.Context, candidates []candidate, summary *CycleSummary) []transferOutcome {
	var outcomes []transferOutcome
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, c := range candidates {
		wg.Add(1)
		go func(c candidate) {
			defer wg.Done()
			results, err := o.mv.CopyToCache(ctx, o.cfg.ArraySource, o.cfg.CacheDestination, c.path)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				summary.TransfersFailed++
				logger.For("cycle").Warn("transfer failed", "path", c.path, "error", err)
				return
			}
			var primarySize int64
			var totalSize int64
			for _, r := range results {
				totalSize += r.SizeBytes
				if r.OriginalPath == c.path {
					primarySize = r.SizeBytes
				}
			}
			if _, err := o.timestamps.Record(c.path, time.Now(), string(c.source), primarySize); err != nil {
				logger.For("cycle").Warn("could not record cache timestamp", "path", c.path, "error", err)
			}
			summary.TransfersDone++
			outcomes = append(outcomes, transferOutcome{path: c.path, size: totalSize})
		}(c)
	}
	wg.Wait()
	return outcomes
}

// retentionSweep implements step 7. Returns the count retained (kept) for
// visibility, the count restored, and bytes freed by restoration.
func (o *Orchestrator) retentionSweep(ctx context.Context, playingPaths map[string]bool, now time.Time) (retained, restoredCount int, freed int64, err error) {
	for _, path := range o.timestamps.Paths() {
		if playingPaths[path] {
			retained++
			continue
		}
		if o.shouldRetain(path, now) {
			retained++
			continue
		}

		results, restoreErr := o.mv.RestoreToArray(ctx, o.cfg.ArraySource, o.cfg.CacheDestination, path)
		if restoreErr != nil {
			logger.For("cycle").Warn("restore to array failed during retention sweep", "path", path, "error", restoreErr)
			err = restoreErr
			continue
		}
		for _, r := range results {
			freed += r.SizeBytes
		}
		if _, err := o.timestamps.Remove(path); err != nil {
			logger.For("cycle").Warn("could not remove tracker entry after restore", "path", path, "error", err)
		}
		restoredCount++
	}
	return retained, restoredCount, freed, err
}

// shouldRetain implements the retention keep-rules of spec.md §4.5 step 7.
func (o *Orchestrator) shouldRetain(path string, now time.Time) bool {
	age, ok := o.timestamps.AgeHours(path, now)
	if !ok {
		return false
	}
	if age < float64(o.cfg.MinRetentionHours) {
		return true
	}
	if o.cfg.OnDeckProtected && o.onDeck.IsTracked(path) {
		return true
	}
	if days, onList := o.watchlist.DaysSinceAdded(path, now); onList && days < float64(o.cfg.WatchlistRetentionDays) {
		return true
	}
	if o.cfg.MaxCacheHours > 0 && age >= float64(o.cfg.MaxCacheHours) {
		return false
	}
	onAnyList := o.onDeck.IsTracked(path)
	if !onAnyList {
		if _, onList := o.watchlist.DaysSinceAdded(path, now); onList {
			onAnyList = true
		}
	}
	return onAnyList
}

// enforceLimit implements step 8: eviction down to target_percent once
// usage crosses threshold_percent of the configured limit.
func (o *Orchestrator) enforceLimit(ctx context.Context, playingPaths map[string]bool, now time.Time) (evicted int, freed int64, err error) {
	totalLimit, err := config.ParseSize(o.cfg.CacheLimit, totalCacheFilesystemBytes(o.cfg.CacheDestination))
	if err != nil {
		return 0, 0, fmt.Errorf("cycle: invalid cache_limit: %w", err)
	}
	if totalLimit <= 0 {
		// Unresolvable limit (e.g. a percentage whose statfs failed): skip
		// eviction rather than treat every tracked byte as over the limit.
		return 0, 0, nil
	}

	usage := o.currentUsage()
	thresholdBytes := int64(float64(totalLimit) * float64(o.cfg.EvictionThresholdPercent) / 100.0)
	if usage < thresholdBytes {
		return 0, 0, nil
	}

	targetBytes := int64(float64(totalLimit) * float64(o.cfg.EvictionTargetPercent) / 100.0)
	needToFree := usage - targetBytes
	if needToFree <= 0 {
		return 0, 0, nil
	}

	candidates := o.buildEvictionCandidates(playingPaths, now)
	selected := priority.SelectEvictionCandidates(candidates, needToFree, o.cfg.EvictionMinPriority, o.cfg.EvictionProtectedHours, now, playingPaths)

	for _, victim := range selected {
		results, restoreErr := o.mv.RestoreToArray(ctx, o.cfg.ArraySource, o.cfg.CacheDestination, victim.OriginalPath)
		if restoreErr != nil {
			logger.For("cycle").Warn("eviction restore failed", "path", victim.OriginalPath, "error", restoreErr)
			err = restoreErr
			continue
		}
		var victimFreed int64
		for _, r := range results {
			victimFreed += r.SizeBytes
		}
		if _, removeErr := o.timestamps.Remove(victim.OriginalPath); removeErr != nil {
			logger.For("cycle").Warn("could not remove tracker entry after eviction", "path", victim.OriginalPath, "error", removeErr)
		}
		evicted++
		freed += victimFreed
	}
	return evicted, freed, err
}

func (o *Orchestrator) buildEvictionCandidates(playingPaths map[string]bool, now time.Time) []priority.Candidate {
	paths := o.timestamps.Paths()
	out := make([]priority.Candidate, 0, len(paths))
	for _, path := range paths {
		cachedAt, hasCachedAt := o.timestamps.CachedAt(path)
		users := o.watchlist.Users(path)
		source := model.SourceUnknown
		if recorded, ok := o.timestamps.Source(path); ok && recorded != "" {
			source = model.Source(recorded)
		} else if o.onDeck.IsTracked(path) {
			source = model.SourceOnDeck
		} else if len(users) > 0 {
			source = model.SourceWatchlist
		}

		accessCount, _ := o.timestamps.AccessCount(path)

		in := priority.Input{
			Source:      source,
			Users:       users,
			CachedAt:    cachedAt,
			HasCachedAt: hasCachedAt,
			AccessCount: accessCount,
		}
		if _, ok := o.onDeck.Position(path); ok {
			in.IsCurrentOnDeck = true
		}
		score := priority.Score(in, playingPaths[path], now, o.cfg.EpisodesAhead)

		out = append(out, priority.Candidate{
			OriginalPath: path,
			CachedAt:     cachedAt,
			HasCachedAt:  hasCachedAt,
			Priority:     score,
			SizeBytes:    o.entrySizeBytes(path),
		})
	}
	return out
}

// entrySizeBytes returns the file size recorded on path's tracker entry
// at cache time, so eviction sizing agrees with currentUsage without a
// second filesystem stat.
func (o *Orchestrator) entrySizeBytes(path string) int64 {
	size, _ := o.timestamps.FileSizeBytes(path)
	return size
}

// currentUsage sums every tracked cache entry's recorded file size.
func (o *Orchestrator) currentUsage() int64 {
	var total int64
	for _, path := range o.timestamps.Paths() {
		size, _ := o.timestamps.FileSizeBytes(path)
		total += size
	}
	return total
}

// totalCacheFilesystemBytes is a seam over the cache destination's total
// filesystem capacity, used to resolve a percentage-based cache_limit.
// It defaults to this package's statfsTotalBytes; nothing in the module
// replaces it (internal/manager computes its own total for Stats()).
var totalCacheFilesystemBytesFn = defaultTotalCacheFilesystemBytes

func totalCacheFilesystemBytes(cacheDestination string) int64 {
	return totalCacheFilesystemBytesFn(cacheDestination)
}

func defaultTotalCacheFilesystemBytes(cacheDestination string) int64 {
	return statfsTotalBytes(cacheDestination)
}
