// Package manager implements the cache manager façade of spec.md §4.8:
// it owns every other component and exposes the single entrypoint
// cmd/cachecoordd drives. Grounded on the teacher's cmd/shrinkray/main.go
// (config load, signal-driven graceful shutdown with a bounded wait) for
// the start/stop lifecycle shape, and on
// original_source/src/core/plex_cache_engine.py's PlexCacheUltraEngine
// for the façade's surface (run, get_status, watcher start/stop).
package manager

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/sittingmongoose/cachecoord/internal/config"
	"github.com/sittingmongoose/cachecoord/internal/cycle"
	"github.com/sittingmongoose/cachecoord/internal/history"
	"github.com/sittingmongoose/cachecoord/internal/logger"
	"github.com/sittingmongoose/cachecoord/internal/model"
	"github.com/sittingmongoose/cachecoord/internal/monitor"
	"github.com/sittingmongoose/cachecoord/internal/mover"
	"github.com/sittingmongoose/cachecoord/internal/reconcile"
	"github.com/sittingmongoose/cachecoord/internal/tracker"
	"github.com/sittingmongoose/cachecoord/internal/upstream"
)

// State is the façade's lifecycle state, per spec.md §4.8:
// INIT → (start) → RUNNING → (stop) → STOPPED.
type State string

const (
	StateInit    State = "init"
	StateRunning State = "running"
	StateStopped State = "stopped"
)

// ErrNotRunning is returned by RunCycle/Reconcile when called outside the
// RUNNING state.
var ErrNotRunning = errors.New("manager: not in RUNNING state")

// Stats is the aggregated snapshot exposed by Stats() (spec.md §4.8),
// extended per SPEC_FULL.md §4 with two read-only projections dropped
// from spec.md's distillation: per-user last-activity (plex_watcher.py's
// user_last_activity) and per-file eviction eligibility
// (plex_watcher.py's cache_removal_schedule). Neither feeds a caching
// decision — both exist purely for operator visibility.
type Stats struct {
	State              State
	UsageBytes         int64
	LimitBytes         int64
	TrackedEntries     int
	OnDeckEntries      int
	WatchlistEntries   int
	ActiveSessions     int
	UserLastSeen       map[string]time.Time
	EvictionEligibleAt map[string]time.Time
}

// Manager is the cache manager façade binding trackers, mover, upstream
// client, orchestrator, monitor, reconciler, and the audit log.
type Manager struct {
	cfg *config.Config

	client upstream.Client
	mv     *mover.Mover

	timestamps *tracker.CacheTimestampTracker
	watchlist  *tracker.WatchlistTracker
	onDeck     *tracker.OnDeckTracker

	orchestrator *cycle.Orchestrator
	mon          *monitor.Monitor
	reconciler   *reconcile.Reconciler
	audit        *history.Store

	mu        sync.Mutex
	state     State
	cancelMon context.CancelFunc
	monWG     sync.WaitGroup
}

// New wires a Manager from configuration. It does not touch disk or the
// network beyond opening the trackers' JSON files and the audit log —
// that happens in Start().
func New(cfg *config.Config) (*Manager, error) {
	timestamps := tracker.NewCacheTimestampTracker(filepath.Join(cfg.StateDir, "cache_timestamps.json"))
	watchlist := tracker.NewWatchlistTracker(filepath.Join(cfg.StateDir, "watchlist_tracker.json"))
	onDeck := tracker.NewOnDeckTracker(filepath.Join(cfg.StateDir, "ondeck_tracker.json"))

	audit, err := history.Open(cfg.HistoryDB)
	if err != nil {
		return nil, fmt.Errorf("manager: open audit log: %w", err)
	}

	client := upstream.NewHTTPClient(cfg.UpstreamURL, cfg.UpstreamToken, 30*time.Second)
	mv := mover.New(toModelCacheMethod(cfg.CacheMethod), cfg.MaxConcurrentToCache, cfg.MaxConcurrentToArray)

	orchestrator := cycle.New(cfg, client, mv, timestamps, watchlist, onDeck)
	mon := monitor.New(cfg, client, mv, timestamps)
	reconciler := reconcile.New(cfg.ArraySource, cfg.CacheDestination, timestamps, watchlist, onDeck)

	return &Manager{
		cfg:          cfg,
		client:       client,
		mv:           mv,
		timestamps:   timestamps,
		watchlist:    watchlist,
		onDeck:       onDeck,
		orchestrator: orchestrator,
		mon:          mon,
		reconciler:   reconciler,
		audit:        audit,
		state:        StateInit,
	}, nil
}

// toModelCacheMethod translates the operator-facing config enum into the
// mover/tracker-facing model enum. The two are kept as separate types so
// internal/model stays a leaf package with no dependency on
// internal/config; their string literals are aligned so this is a pure
// type change, never a value remap.
func toModelCacheMethod(m config.CacheMethod) model.CacheMethod {
	return model.CacheMethod(m)
}

// Start validates the configuration, runs the reconciler once, and spawns
// the session monitor if realtime_enabled is set. It makes no upstream
// call itself; the first one comes from the monitor's first tick or the
// first RunCycle. Matches spec.md §4.8's start() contract.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateInit {
		return fmt.Errorf("manager: Start called from state %q, expected %q", m.state, StateInit)
	}

	if err := m.cfg.Validate(); err != nil {
		return err
	}

	if _, err := m.reconciler.Reconcile(m.cfg.UntrackedWatchEnabled); err != nil {
		logger.For("manager").Warn("startup reconcile failed", "error", err)
	}

	if m.cfg.RealtimeEnabled {
		monCtx, cancel := context.WithCancel(ctx)
		m.cancelMon = cancel
		m.monWG.Add(1)
		go func() {
			defer m.monWG.Done()
			m.mon.Run(monCtx)
		}()
	}

	m.state = StateRunning
	logger.For("manager").Info("cache manager started", "realtime_enabled", m.cfg.RealtimeEnabled)
	return nil
}

// Stop cancels the session monitor and waits up to 10s for it to exit,
// per spec.md §4.8/§5.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateRunning {
		return fmt.Errorf("manager: Stop called from state %q, expected %q", m.state, StateRunning)
	}

	if m.cancelMon != nil {
		m.cancelMon()
		m.mon.Stop()
	}

	if err := m.audit.Close(); err != nil {
		logger.For("manager").Warn("could not close audit log cleanly", "error", err)
	}

	m.state = StateStopped
	logger.For("manager").Info("cache manager stopped")
	return nil
}

// RunCycle drives a single orchestrator pass. Only callable in RUNNING.
func (m *Manager) RunCycle(ctx context.Context) (cycle.CycleSummary, error) {
	m.mu.Lock()
	state := m.state
	m.mu.Unlock()
	if state != StateRunning {
		return cycle.CycleSummary{}, ErrNotRunning
	}

	summary, err := m.orchestrator.RunCycle(ctx)
	if err == nil {
		m.recordCycleAudit(summary)
	}
	return summary, err
}

func (m *Manager) recordCycleAudit(summary cycle.CycleSummary) {
	if summary.Skipped != cycle.SkipNone {
		return
	}
	now := time.Now()
	if summary.TransfersDone > 0 {
		if _, err := m.audit.Record(history.OpCacheTransfer, "", "", history.StatusCompleted, summary.BytesCached, summary, now); err != nil {
			logger.For("manager").Warn("could not record cycle audit entry", "error", err)
		}
	}
	if summary.RestoredEvicted > 0 {
		if _, err := m.audit.Record(history.OpEviction, "", "", history.StatusCompleted, summary.BytesFreed, summary, now); err != nil {
			logger.For("manager").Warn("could not record eviction audit entry", "error", err)
		}
	}
}

// Reconcile runs an on-demand reconciliation. Only callable in RUNNING.
func (m *Manager) Reconcile(ctx context.Context) (reconcile.Result, error) {
	m.mu.Lock()
	state := m.state
	m.mu.Unlock()
	if state != StateRunning {
		return reconcile.Result{}, ErrNotRunning
	}
	return m.reconciler.Reconcile(m.cfg.UntrackedWatchEnabled)
}

// Stats returns an aggregated snapshot, per spec.md §4.8.
func (m *Manager) Stats(ctx context.Context) Stats {
	m.mu.Lock()
	state := m.state
	m.mu.Unlock()

	totalLimit, err := config.ParseSize(m.cfg.CacheLimit, statfsTotalBytes(m.cfg.CacheDestination))
	if err != nil {
		logger.For("manager").Warn("could not resolve cache_limit for stats", "error", err)
	}

	var usage int64
	paths := m.timestamps.Paths()
	for _, p := range paths {
		size, _ := m.timestamps.FileSizeBytes(p)
		usage += size
	}

	activeSessions := 0
	if sessions, err := m.client.ListSessions(ctx); err == nil {
		activeSessions = len(sessions)
	}

	minRetention := time.Duration(m.cfg.MinRetentionHours) * time.Hour
	evictionEligible := make(map[string]time.Time, len(paths))
	for _, p := range paths {
		if cachedAt, ok := m.timestamps.CachedAt(p); ok {
			evictionEligible[p] = cachedAt.Add(minRetention)
		}
	}

	var lastSeen map[string]time.Time
	if m.mon != nil {
		lastSeen = m.mon.LastSeen()
	}

	return Stats{
		State:              state,
		UsageBytes:         usage,
		LimitBytes:         totalLimit,
		TrackedEntries:     len(paths),
		OnDeckEntries:      len(m.onDeck.Paths()),
		WatchlistEntries:   len(m.watchlist.Paths()),
		ActiveSessions:     activeSessions,
		UserLastSeen:       lastSeen,
		EvictionEligibleAt: evictionEligible,
	}
}
