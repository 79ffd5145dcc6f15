// Package config loads the engine configuration: a YAML file over typed
// per-subsystem sections with documented defaults, plus the environment
// overrides the archive format requires.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// SaveLocationEnv names the output root when the config carries the literal
// placeholder instead of a path.
const SaveLocationEnv = "DEFAULT_REDDIT_SAVE_LOCATION"

// Config is the full engine configuration.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Indexer   IndexerConfig   `yaml:"indexer"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Cache     CacheConfig     `yaml:"cache"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type DatabaseConfig struct {
	StatePath string `yaml:"state_path"`
	IndexPath string `yaml:"index_path"`
	PoolSize  int    `yaml:"pool_size"`
}

type SchedulerConfig struct {
	TickSeconds     int  `yaml:"tick_seconds"`
	Workers         int  `yaml:"workers"`
	MaxMemoryMB     int  `yaml:"max_memory_mb"`
	Monitoring      bool `yaml:"monitoring"`
	ShutdownSeconds int  `yaml:"shutdown_seconds"`
}

type ExecutorConfig struct {
	OutputDir        string `yaml:"output_dir"`
	Format           string `yaml:"format"` // markdown or html
	Concurrent       bool   `yaml:"concurrent"`
	SubredditWorkers int    `yaml:"subreddit_workers"`
	DedupWindowDays  int    `yaml:"dedup_window_days"`
}

type IndexerConfig struct {
	Roots      []string `yaml:"roots"`
	Recursive  bool     `yaml:"recursive"`
	Extensions []string `yaml:"extensions"`
	Workers    int      `yaml:"workers"`
	BatchSize  int      `yaml:"batch_size"`
	Watch      bool     `yaml:"watch"`
}

type RateLimitConfig struct {
	MaxRequests   int `yaml:"max_requests"`
	WindowSeconds int `yaml:"window_seconds"`
}

type CacheConfig struct {
	TTLSeconds int `yaml:"ttl_seconds"`
	MaxEntries int `yaml:"max_entries"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// Default returns the documented defaults. Load layers the YAML file on top.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			StatePath: "subvault.db",
			IndexPath: "subvault-index.db",
			PoolSize:  5,
		},
		Scheduler: SchedulerConfig{
			TickSeconds:     30,
			Workers:         5,
			Monitoring:      true,
			ShutdownSeconds: 30,
		},
		Executor: ExecutorConfig{
			OutputDir:        SaveLocationEnv,
			Format:           "markdown",
			SubredditWorkers: 3,
			DedupWindowDays:  30,
		},
		Indexer: IndexerConfig{
			Recursive:  true,
			Extensions: []string{".md", ".html"},
			BatchSize:  100,
		},
		RateLimit: RateLimitConfig{
			MaxRequests:   60,
			WindowSeconds: 60,
		},
		Cache: CacheConfig{
			TTLSeconds: 300,
			MaxEntries: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the YAML file at path over the defaults, then resolves the
// output location and validates. A missing file is fine: defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolve replaces the output placeholder with the environment override or
// a home-relative fallback.
func (c *Config) resolve() error {
	if c.Executor.OutputDir != SaveLocationEnv {
		return nil
	}
	if env := os.Getenv(SaveLocationEnv); env != "" {
		c.Executor.OutputDir = env
		return nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("no output dir configured and no home directory: %w", err)
	}
	c.Executor.OutputDir = filepath.Join(home, "reddit-saves")
	return nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Database.StatePath == "" || c.Database.IndexPath == "" {
		return fmt.Errorf("database paths must be set")
	}
	if c.Database.PoolSize < 1 {
		return fmt.Errorf("pool_size must be at least 1, got %d", c.Database.PoolSize)
	}
	if c.Scheduler.TickSeconds < 1 {
		return fmt.Errorf("tick_seconds must be at least 1, got %d", c.Scheduler.TickSeconds)
	}
	if c.Scheduler.Workers < 1 {
		return fmt.Errorf("scheduler workers must be at least 1, got %d", c.Scheduler.Workers)
	}
	switch c.Executor.Format {
	case "markdown", "html":
	default:
		return fmt.Errorf("format must be markdown or html, got %q", c.Executor.Format)
	}
	if c.RateLimit.MaxRequests < 1 || c.RateLimit.WindowSeconds < 1 {
		return fmt.Errorf("rate limit must be positive")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Logging.Format)
	}
	return nil
}

// TickInterval is the scheduler tick as a duration.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Scheduler.TickSeconds) * time.Second
}

// CacheTTL is the cache TTL as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}

// RateWindow is the rate-limit window as a duration.
func (c *Config) RateWindow() time.Duration {
	return time.Duration(c.RateLimit.WindowSeconds) * time.Second
}
