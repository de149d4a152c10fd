// Package monitor implements the real-time session monitor of spec.md
// §4.6: a long-running tick loop reacting to upstream playback events
// between cycles. Grounded on the teacher's internal/jobs/worker.go run()
// loop (context.Done() select, time.After-based tick, graceful shutdown
// with a bounded wait) and on original_source/src/core/plex_watcher.py
// (new/updated/ended session diffing against a previous snapshot,
// watched-threshold marking, user activity tracking).
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/sittingmongoose/cachecoord/internal/config"
	"github.com/sittingmongoose/cachecoord/internal/logger"
	"github.com/sittingmongoose/cachecoord/internal/model"
	"github.com/sittingmongoose/cachecoord/internal/mover"
	"github.com/sittingmongoose/cachecoord/internal/tracker"
	"github.com/sittingmongoose/cachecoord/internal/upstream"
)

// shutdownGrace bounds how long Stop() waits for the tick loop to notice
// cancellation, per spec.md §4.6's 10-second exit guarantee.
const shutdownGrace = 10 * time.Second

// Monitor ticks on an interval, diffing upstream sessions against its
// previous snapshot and driving reactive caching. Shares the mover and
// trackers with the cycle orchestrator without needing its mutex — both
// sides rely on the mover's per-path lock and the trackers' own
// concurrency control (spec.md §4.6 "Concurrency with the orchestrator").
type Monitor struct {
	cfg    *config.Config
	client upstream.Client
	mv     *mover.Mover

	timestamps *tracker.CacheTimestampTracker

	mu       sync.RWMutex
	active   map[string]model.Session
	lastSeen map[string]time.Time // plex_watcher.py's user_last_activity, operator visibility only

	done chan struct{}
}

// New builds a session monitor. cfg supplies check_interval_seconds,
// cache_on_play_start, and watched_threshold_percent.
func New(cfg *config.Config, client upstream.Client, mv *mover.Mover, timestamps *tracker.CacheTimestampTracker) *Monitor {
	return &Monitor{
		cfg:        cfg,
		client:     client,
		mv:         mv,
		timestamps: timestamps,
		active:     make(map[string]model.Session),
		lastSeen:   make(map[string]time.Time),
	}
}

// Run blocks, ticking every check_interval_seconds until ctx is cancelled.
// Returns once the loop has exited — callers should run it in its own
// goroutine and cancel ctx to stop it (manager.Stop()'s job).
func (m *Monitor) Run(ctx context.Context) {
	interval := time.Duration(m.cfg.RealtimeCheckIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}

	m.done = make(chan struct{})
	defer close(m.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// Stop waits up to shutdownGrace for a running Run loop to exit after its
// context has been cancelled elsewhere (manager owns the context).
func (m *Monitor) Stop() {
	if m.done == nil {
		return
	}
	select {
	case <-m.done:
	case <-time.After(shutdownGrace):
		logger.For("monitor").Warn("session monitor did not exit within the shutdown grace period")
	}
}

// tick implements the per-tick steps of spec.md §4.6.
func (m *Monitor) tick(ctx context.Context) {
	sessions, err := m.client.ListSessions(ctx)
	if err != nil {
		logger.For("monitor").Warn("list_sessions failed this tick", "error", err)
		return
	}

	current := make(map[string]model.Session, len(sessions))
	for _, s := range sessions {
		current[s.SessionKey] = s
	}

	m.mu.RLock()
	previous := m.active
	m.mu.RUnlock()

	now := time.Now()
	for key, session := range current {
		if _, wasActive := previous[key]; !wasActive {
			m.handleNew(ctx, session)
		} else {
			m.handleUpdated(session)
		}
		if err := m.timestamps.IncrementAccess(session.FilePath); err != nil {
			logger.For("monitor").Warn("could not record access for playing session", "path", session.FilePath, "error", err)
		}
	}
	for key := range previous {
		if _, stillActive := current[key]; !stillActive {
			logger.For("monitor").Info("session ended", "session_key", key)
		}
	}

	m.mu.Lock()
	m.active = current
	for _, session := range current {
		m.lastSeen[session.Username] = now
	}
	m.mu.Unlock()
}

// LastSeen returns a snapshot of each user's most recent tick observation,
// the supplemented activity-visibility feature from plex_watcher.py's
// user_last_activity map. Used only by Stats() for operator visibility;
// it feeds no caching decision.
func (m *Monitor) LastSeen() map[string]time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]time.Time, len(m.lastSeen))
	for k, v := range m.lastSeen {
		out[k] = v
	}
	return out
}

// handleNew implements step 3: cache-on-play-start.
func (m *Monitor) handleNew(ctx context.Context, session model.Session) {
	if !m.cfg.CacheOnPlayStart {
		return
	}
	if _, alreadyCached := m.timestamps.CachedAt(session.FilePath); alreadyCached {
		return
	}

	results, err := m.mv.CopyToCache(ctx, m.cfg.ArraySource, m.cfg.CacheDestination, session.FilePath)
	if err != nil {
		logger.For("monitor").Warn("reactive cache-on-play-start transfer failed", "path", session.FilePath, "error", err)
		return
	}

	var primarySize int64
	for _, r := range results {
		if r.OriginalPath == session.FilePath {
			primarySize = r.SizeBytes
		}
	}
	if _, err := m.timestamps.Record(session.FilePath, time.Now(), string(model.SourceActiveWatching), primarySize); err != nil {
		logger.For("monitor").Warn("could not record cache timestamp for new session", "path", session.FilePath, "error", err)
	}
	logger.For("monitor").Info("cached on play start", "user", session.Username, "path", session.FilePath)
}

// handleUpdated implements step 4: mark watched once progress crosses
// watched_threshold_percent.
func (m *Monitor) handleUpdated(session model.Session) {
	threshold := m.cfg.WatchedThresholdPercent
	if threshold <= 0 {
		threshold = 0.85
	}
	if session.Progress < threshold {
		return
	}
	if err := m.timestamps.MarkWatched(session.FilePath, time.Now()); err != nil {
		logger.For("monitor").Warn("could not mark file watched", "path", session.FilePath, "error", err)
	}
}
