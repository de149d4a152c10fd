// Package config holds the typed configuration for the cache coordinator.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// CacheMethod selects how the mover materializes a file on the cache tier.
type CacheMethod string

const (
	CacheMethodMove         CacheMethod = "move"
	CacheMethodCopy         CacheMethod = "copy"
	CacheMethodMoveSymlink  CacheMethod = "move_with_symlink"
)

// Config is the full set of operator-supplied knobs from spec.md §6.
type Config struct {
	// Paths
	CacheDestination string `yaml:"cache_destination"`
	ArraySource      string `yaml:"array_source"`

	// Cache sizing and retention
	CacheLimit             string  `yaml:"cache_limit"` // "N%" / "NTB" / "NGB" / "N" (bytes)
	MinRetentionHours      int     `yaml:"min_retention_hours"`
	MaxCacheHours          int     `yaml:"max_cache_hours"` // 0 = unlimited
	WatchlistRetentionDays int     `yaml:"watchlist_retention_days"`
	OnDeckProtected        bool    `yaml:"ondeck_protected"`

	// Eviction
	EvictionThresholdPercent int     `yaml:"eviction_threshold_percent"`
	EvictionTargetPercent    int     `yaml:"eviction_target_percent"`
	EvictionMinPriority      int     `yaml:"eviction_min_priority"`
	EvictionProtectedHours   float64 `yaml:"eviction_protected_hours"`
	EvictionEnabled          bool    `yaml:"eviction_enabled"`

	// Cycle behavior
	ExitIfActiveSession  bool `yaml:"exit_if_active_session"`
	CycleIntervalMinutes int  `yaml:"cycle_interval_minutes"`

	// Real-time session monitor
	RealtimeEnabled              bool    `yaml:"realtime_enabled"`
	RealtimeCheckIntervalSeconds int     `yaml:"realtime_check_interval_seconds"`
	CacheOnPlayStart              bool    `yaml:"cache_on_play_start"`
	WatchedThresholdPercent       float64 `yaml:"watched_threshold_percent"`

	// Mover behavior
	CacheMethod            CacheMethod `yaml:"cache_method"`
	MaxConcurrentToCache   int         `yaml:"max_concurrent_to_cache"`
	MaxConcurrentToArray   int         `yaml:"max_concurrent_to_array"`

	// Discovery
	EpisodesAhead          int      `yaml:"episodes_ahead"`
	WatchlistEpisodesPerShow int     `yaml:"watchlist_episodes_per_show"`
	DaysToMonitor           int      `yaml:"days_to_monitor"`
	SkipOnDeckUsers         []string `yaml:"skip_ondeck_users"`
	SkipWatchlistUsers      []string `yaml:"skip_watchlist_users"`
	WatchlistEnabled        bool     `yaml:"watchlist_enabled"`

	// Upstream connection
	UpstreamURL   string `yaml:"upstream_url"`
	UpstreamToken string `yaml:"upstream_token"`

	// State / persistence
	StateDir   string `yaml:"state_dir"`
	HistoryDB  string `yaml:"history_db"`

	// Observability
	LogLevel string `yaml:"log_level"`

	// Optional, enriches spec per §4 of SPEC_FULL.md
	TraktEnabled       bool `yaml:"trakt_enabled"`
	TraktTrendingLimit int  `yaml:"trakt_trending_limit"`

	// UntrackedWatchEnabled makes every reconcile (at startup and on
	// demand) run the optional full cache-tier walk that reports untracked
	// files. It does not start the fsnotify Watcher in internal/reconcile.
	UntrackedWatchEnabled bool `yaml:"untracked_watch_enabled"`
}

// DefaultConfig returns a config with sensible defaults, mirroring the
// shape (not the content) of the teacher's DefaultConfig.
func DefaultConfig() *Config {
	return &Config{
		CacheDestination:             "/cache",
		ArraySource:                  "/mediasource",
		CacheLimit:                   "80%",
		MinRetentionHours:            6,
		MaxCacheHours:                0,
		WatchlistRetentionDays:       7,
		OnDeckProtected:              true,
		EvictionThresholdPercent:     80,
		EvictionTargetPercent:        60,
		EvictionMinPriority:          60,
		EvictionProtectedHours:       2.0,
		EvictionEnabled:              true,
		ExitIfActiveSession:          false,
		CycleIntervalMinutes:         30,
		RealtimeEnabled:              true,
		RealtimeCheckIntervalSeconds: 30,
		CacheOnPlayStart:             true,
		WatchedThresholdPercent:      0.85,
		CacheMethod:                  CacheMethodMove,
		MaxConcurrentToCache:         3,
		MaxConcurrentToArray:         3,
		EpisodesAhead:                2,
		WatchlistEpisodesPerShow:     3,
		DaysToMonitor:                14,
		WatchlistEnabled:             true,
		StateDir:                     "/config/state",
		HistoryDB:                    "/config/state/history.db",
		LogLevel:                     "info",
		TraktTrendingLimit:           10,
	}
}

// Load reads config from a YAML file, applying defaults for missing values.
// If the file does not exist, a default config is written and returned —
// the same first-run behavior as the teacher's config loader.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if saveErr := cfg.Save(path); saveErr != nil {
				fmt.Printf("Warning: could not create config file: %v\n", saveErr)
			}
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.CacheMethod == "" {
		c.CacheMethod = CacheMethodMove
	}
	if c.MaxConcurrentToCache < 1 {
		c.MaxConcurrentToCache = 1
	}
	if c.MaxConcurrentToArray < 1 {
		c.MaxConcurrentToArray = 1
	}
	if c.RealtimeCheckIntervalSeconds < 1 {
		c.RealtimeCheckIntervalSeconds = 30
	}
	if c.CycleIntervalMinutes < 1 {
		c.CycleIntervalMinutes = 30
	}
	if c.TraktTrendingLimit < 1 {
		c.TraktTrendingLimit = 10
	}
	if c.WatchedThresholdPercent <= 0 {
		c.WatchedThresholdPercent = 0.85
	}
	if c.CacheLimit == "" {
		c.CacheLimit = "80%"
	}
	if c.StateDir == "" {
		c.StateDir = "/config/state"
	}
	if c.HistoryDB == "" {
		c.HistoryDB = filepath.Join(c.StateDir, "history.db")
	}
}

// Validate reports configuration errors. These are the only fatal errors
// in the system (spec.md §7) — raised at manager.Start().
func (c *Config) Validate() error {
	if c.CacheDestination == "" {
		return fmt.Errorf("config: cache_destination is required")
	}
	if c.ArraySource == "" {
		return fmt.Errorf("config: array_source is required")
	}
	switch c.CacheMethod {
	case CacheMethodMove, CacheMethodCopy, CacheMethodMoveSymlink:
	default:
		return fmt.Errorf("config: invalid cache_method %q", c.CacheMethod)
	}
	if _, err := ParseSize(c.CacheLimit, 1); err != nil {
		return fmt.Errorf("config: invalid cache_limit: %w", err)
	}
	if c.EvictionThresholdPercent < 0 || c.EvictionThresholdPercent > 100 {
		return fmt.Errorf("config: eviction_threshold_percent must be 0-100")
	}
	if c.EvictionTargetPercent < 0 || c.EvictionTargetPercent > 100 {
		return fmt.Errorf("config: eviction_target_percent must be 0-100")
	}
	if c.EvictionMinPriority < 0 || c.EvictionMinPriority > 100 {
		return fmt.Errorf("config: eviction_min_priority must be 0-100")
	}
	return nil
}

// Save writes the config to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// ParseSize interprets a cache_limit string against a filesystem's total
// byte capacity. Accepts "N%" (percentage of totalBytes), "NTB", "NGB",
// or a bare byte count "N".
func ParseSize(s string, totalBytes int64) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}

	if strings.HasSuffix(s, "%") {
		pct, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid percentage %q: %w", s, err)
		}
		if pct < 0 || pct > 100 {
			return 0, fmt.Errorf("percentage out of range: %s", s)
		}
		return int64(float64(totalBytes) * pct / 100.0), nil
	}

	upper := strings.ToUpper(s)
	switch {
	case strings.HasSuffix(upper, "TB"):
		n, err := strconv.ParseFloat(strings.TrimSuffix(upper, "TB"), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid size %q: %w", s, err)
		}
		return int64(n * (1 << 40)), nil
	case strings.HasSuffix(upper, "GB"):
		n, err := strconv.ParseFloat(strings.TrimSuffix(upper, "GB"), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid size %q: %w", s, err)
		}
		return int64(n * (1 << 30)), nil
	case strings.HasSuffix(upper, "MB"):
		n, err := strconv.ParseFloat(strings.TrimSuffix(upper, "MB"), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid size %q: %w", s, err)
		}
		return int64(n * (1 << 20)), nil
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return n, nil
}
