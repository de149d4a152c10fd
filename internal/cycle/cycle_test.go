package cycle

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sittingmongoose/cachecoord/internal/config"
	"github.com/sittingmongoose/cachecoord/internal/model"
	"github.com/sittingmongoose/cachecoord/internal/mover"
	"github.com/sittingmongoose/cachecoord/internal/tracker"
	"github.com/sittingmongoose/cachecoord/internal/upstream"
)

type fakeClient struct {
	onDeck          []model.OnDeckItem
	watchlist       []model.WatchlistItem
	sessions        []model.Session
	hasActive       bool
	hasActiveCalled bool
}

func (f *fakeClient) ListOnDeck(ctx context.Context, episodesAhead, daysToMonitor int, skipUsers []string) ([]model.OnDeckItem, error) {
	return f.onDeck, nil
}
func (f *fakeClient) ListWatchlist(ctx context.Context, episodesPerShow int, skipUsers []string) ([]model.WatchlistItem, error) {
	return f.watchlist, nil
}
func (f *fakeClient) ListSessions(ctx context.Context) ([]model.Session, error) {
	return f.sessions, nil
}
func (f *fakeClient) ListWatchedFiles(ctx context.Context, librarySections []string) ([]string, error) {
	return nil, nil
}
func (f *fakeClient) HasActiveSessions(ctx context.Context) (bool, error) {
	f.hasActiveCalled = true
	return f.hasActive, nil
}

type fakeTrendingClient struct {
	fakeClient
	trending []model.OnDeckItem
}

func (f *fakeTrendingClient) ListTrending(ctx context.Context, limit int) ([]model.OnDeckItem, error) {
	return f.trending, nil
}

func setup(t *testing.T) (arrayRoot, cacheRoot, stateDir string) {
	t.Helper()
	arrayRoot = filepath.Join(t.TempDir(), "array")
	cacheRoot = filepath.Join(t.TempDir(), "cache")
	stateDir = t.TempDir()
	if err := os.MkdirAll(filepath.Join(arrayRoot, "show"), 0755); err != nil {
		t.Fatal(err)
	}
	return arrayRoot, cacheRoot, stateDir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func newOrchestrator(t *testing.T, client upstream.Client, arrayRoot, cacheRoot, stateDir string) (*Orchestrator, *tracker.CacheTimestampTracker, *tracker.OnDeckTracker) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.ArraySource = arrayRoot
	cfg.CacheDestination = cacheRoot
	cfg.MinRetentionHours = 6
	cfg.EvictionEnabled = false

	timestamps := tracker.NewCacheTimestampTracker(filepath.Join(stateDir, "cache_timestamp.json"))
	watchlist := tracker.NewWatchlistTracker(filepath.Join(stateDir, "watchlist.json"))
	onDeck := tracker.NewOnDeckTracker(filepath.Join(stateDir, "ondeck.json"))
	mv := mover.New(model.CacheMethodCopy, 2, 2)

	o := New(cfg, client, mv, timestamps, watchlist, onDeck)
	return o, timestamps, onDeck
}

func TestRunCycleGateSkipsOnActiveSession(t *testing.T) {
	arrayRoot, cacheRoot, stateDir := setup(t)
	client := &fakeClient{hasActive: true}
	o, _, _ := newOrchestrator(t, client, arrayRoot, cacheRoot, stateDir)
	o.cfg.ExitIfActiveSession = true

	summary, err := o.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if summary.Skipped != SkipActiveSessions {
		t.Errorf("expected skip reason active_sessions, got %q", summary.Skipped)
	}
	if !client.hasActiveCalled {
		t.Error("expected has_active_sessions to be called")
	}
}

func TestRunCycleCachesOnDeckCandidate(t *testing.T) {
	arrayRoot, cacheRoot, stateDir := setup(t)
	video := filepath.Join(arrayRoot, "show", "ep1.mkv")
	writeFile(t, video, "video-bytes")

	client := &fakeClient{
		onDeck: []model.OnDeckItem{{FilePath: video, User: "alice"}},
	}
	o, timestamps, _ := newOrchestrator(t, client, arrayRoot, cacheRoot, stateDir)

	summary, err := o.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if summary.TransfersDone != 1 {
		t.Fatalf("expected 1 transfer, got %+v", summary)
	}
	if _, ok := timestamps.CachedAt(video); !ok {
		t.Error("expected video recorded in cache timestamp tracker")
	}
	if _, err := os.Stat(filepath.Join(cacheRoot, "show", "ep1.mkv")); err != nil {
		t.Errorf("expected file present on cache tier: %v", err)
	}
}

func TestRunCycleIsIdempotent(t *testing.T) {
	arrayRoot, cacheRoot, stateDir := setup(t)
	video := filepath.Join(arrayRoot, "show", "ep1.mkv")
	writeFile(t, video, "video-bytes")

	client := &fakeClient{
		onDeck: []model.OnDeckItem{{FilePath: video, User: "alice"}},
	}
	o, _, _ := newOrchestrator(t, client, arrayRoot, cacheRoot, stateDir)

	if _, err := o.RunCycle(context.Background()); err != nil {
		t.Fatalf("first RunCycle: %v", err)
	}
	second, err := o.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("second RunCycle: %v", err)
	}
	if second.TransfersDone != 0 {
		t.Errorf("expected no transfers on second idempotent run, got %d", second.TransfersDone)
	}
}

func TestRunCycleSkipsPlayingPath(t *testing.T) {
	arrayRoot, cacheRoot, stateDir := setup(t)
	video := filepath.Join(arrayRoot, "show", "ep1.mkv")
	writeFile(t, video, "video-bytes")

	client := &fakeClient{
		onDeck:   []model.OnDeckItem{{FilePath: video, User: "alice"}},
		sessions: []model.Session{{SessionKey: "s1", FilePath: video}},
	}
	o, _, _ := newOrchestrator(t, client, arrayRoot, cacheRoot, stateDir)

	summary, err := o.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if summary.TransfersDone != 0 {
		t.Errorf("expected currently-playing path to be skipped, got %d transfers", summary.TransfersDone)
	}
}

func TestRunCycleIncludesTrendingWhenEnabled(t *testing.T) {
	arrayRoot, cacheRoot, stateDir := setup(t)
	video := filepath.Join(arrayRoot, "show", "ep1.mkv")
	writeFile(t, video, "video-bytes")

	client := &fakeTrendingClient{trending: []model.OnDeckItem{{FilePath: video, User: "trending"}}}
	o, timestamps, _ := newOrchestrator(t, client, arrayRoot, cacheRoot, stateDir)
	o.cfg.TraktEnabled = true

	summary, err := o.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if summary.TransfersDone != 1 {
		t.Fatalf("expected the trending candidate to be cached, got %+v", summary)
	}
	if _, ok := timestamps.CachedAt(video); !ok {
		t.Error("expected video recorded in cache timestamp tracker")
	}
}

func TestRunCycleIgnoresTrendingWhenClientLacksIt(t *testing.T) {
	arrayRoot, cacheRoot, stateDir := setup(t)
	client := &fakeClient{}
	o, _, _ := newOrchestrator(t, client, arrayRoot, cacheRoot, stateDir)
	o.cfg.TraktEnabled = true

	if _, err := o.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
}

func TestRunCycleRetentionRestoresExpiredFile(t *testing.T) {
	arrayRoot, cacheRoot, stateDir := setup(t)
	video := filepath.Join(arrayRoot, "show", "ep1.mkv")
	writeFile(t, video, "video-bytes")

	client := &fakeClient{}
	o, timestamps, _ := newOrchestrator(t, client, arrayRoot, cacheRoot, stateDir)
	o.cfg.MinRetentionHours = 0
	o.cfg.MaxCacheHours = 1

	// Pre-cache the file with an old timestamp, untracked by any list.
	if err := os.MkdirAll(filepath.Join(cacheRoot, "show"), 0755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(cacheRoot, "show", "ep1.mkv"), "video-bytes")
	if _, err := timestamps.Record(video, time.Now().Add(-2*time.Hour), "manual", 11); err != nil {
		t.Fatalf("Record: %v", err)
	}

	summary, err := o.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if summary.RestoredRetained != 0 {
		t.Errorf("expected the expired file NOT counted as retained, got %d", summary.RestoredRetained)
	}
	if _, ok := timestamps.CachedAt(video); ok {
		t.Error("expected tracker entry removed after restore")
	}
}
