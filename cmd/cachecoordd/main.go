// Command cachecoordd is the cache coordinator daemon: it loads config,
// wires the cache manager, and runs the external cycle scheduler spec.md
// §4.8 assumes exists outside the façade. Grounded on the teacher's
// cmd/shrinkray/main.go for the overall shape (config load with a
// fallback to defaults, a startup banner, signal-driven graceful
// shutdown) — with the HTTP server and transcode-worker pool replaced by
// a periodic run-cycle ticker, since spec.md's Non-goals exclude any
// dashboard or HTTP surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/sittingmongoose/cachecoord/internal/config"
	"github.com/sittingmongoose/cachecoord/internal/cycle"
	"github.com/sittingmongoose/cachecoord/internal/logger"
	"github.com/sittingmongoose/cachecoord/internal/manager"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: ./config/cachecoordd.yaml)")
	flag.Parse()

	cfgPath := *configPath
	if cfgPath == "" {
		if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
			cfgPath = envPath
		} else {
			cfgPath = "config/cachecoordd.yaml"
		}
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("Warning: could not load config from %s: %v\n", cfgPath, err)
		cfg = config.DefaultConfig()
	}

	logger.Init(cfg.LogLevel)

	if _, err := os.Stat(cfg.ArraySource); os.IsNotExist(err) {
		logger.For("main").Error("array_source does not exist", "path", cfg.ArraySource)
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.CacheDestination, 0755); err != nil {
		logger.For("main").Error("could not create cache_destination", "path", cfg.CacheDestination, "error", err)
		os.Exit(1)
	}

	fmt.Println("cachecoordd — media cache coordinator")
	fmt.Printf("  Config:       %s\n", cfgPath)
	fmt.Printf("  Array:        %s\n", cfg.ArraySource)
	fmt.Printf("  Cache:        %s\n", cfg.CacheDestination)
	fmt.Printf("  Cache limit:  %s\n", cfg.CacheLimit)
	fmt.Printf("  Cache method: %s\n", cfg.CacheMethod)
	fmt.Printf("  Realtime:     %v\n", cfg.RealtimeEnabled)
	fmt.Printf("  Cycle every:  %d min\n", cfg.CycleIntervalMinutes)
	fmt.Println()

	mgr, err := manager.New(cfg)
	if err != nil {
		logger.For("main").Error("could not build cache manager", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\n  Shutting down...")
		cancel()
	}()

	if err := mgr.Start(ctx); err != nil {
		logger.For("main").Error("could not start cache manager", "error", err)
		os.Exit(1)
	}

	stats := mgr.Stats(ctx)
	logger.For("main").Info("cache manager started",
		"usage", humanize.Bytes(uint64(stats.UsageBytes)),
		"limit", humanize.Bytes(uint64(stats.LimitBytes)),
		"tracked_entries", stats.TrackedEntries,
	)

	runScheduler(ctx, mgr, time.Duration(cfg.CycleIntervalMinutes)*time.Minute)

	if err := mgr.Stop(); err != nil {
		logger.For("main").Warn("error during shutdown", "error", err)
	}
	fmt.Println("  Goodbye!")
}

// runScheduler is the external scheduler spec.md §3's control-flow summary
// assumes exists outside the cache manager façade: it invokes RunCycle on
// a fixed interval until ctx is cancelled, running one cycle immediately
// on startup rather than waiting out the first tick.
func runScheduler(ctx context.Context, mgr *manager.Manager, interval time.Duration) {
	runOnce := func() {
		summary, err := mgr.RunCycle(ctx)
		if err != nil {
			logger.For("main").Warn("cycle failed", "error", err)
			return
		}
		logger.For("main").Info("cycle completed",
			"skipped", summary.Skipped != cycle.SkipNone,
			"transfers_done", summary.TransfersDone,
			"transfers_failed", summary.TransfersFailed,
			"restored_evicted", summary.RestoredEvicted,
			"bytes_cached", humanize.Bytes(uint64(summary.BytesCached)),
			"bytes_freed", humanize.Bytes(uint64(summary.BytesFreed)),
			"duration", summary.Duration,
		)
	}

	runOnce()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runOnce()
		}
	}
}
