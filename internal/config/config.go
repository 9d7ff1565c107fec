// Package config loads and validates menagerie configuration via Viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Scraper  ScraperConfig  `mapstructure:"scraper"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Artifact ArtifactConfig `mapstructure:"artifact"`
	Render   RenderConfig   `mapstructure:"render"`
	History  HistoryConfig  `mapstructure:"history"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig selects the zap logger profile.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// ScraperConfig governs species list discovery.
type ScraperConfig struct {
	UserAgent          string `mapstructure:"user_agent"`
	TimeoutSeconds     int    `mapstructure:"timeout_seconds"`
	PageTimeoutSeconds int    `mapstructure:"page_timeout_seconds"`
	MaxRetries         int    `mapstructure:"max_retries"`
	RetryDelaySeconds  int    `mapstructure:"retry_delay_seconds"`
	ListURL            string `mapstructure:"list_url"`
	BaseURL            string `mapstructure:"base_url"`
	RespectRobots      bool   `mapstructure:"respect_robots"`
	CrawlDelaySeconds  int    `mapstructure:"crawl_delay_seconds"`
}

// CacheConfig bounds the lifetime of cached image locators.
type CacheConfig struct {
	TTLHours int `mapstructure:"ttl_hours"`
}

// FetchConfig configures the download worker pool and retry behavior.
type FetchConfig struct {
	Workers          int    `mapstructure:"workers"`
	TimeoutSeconds   int    `mapstructure:"timeout_seconds"`
	MaxAttempts      int    `mapstructure:"max_attempts"`
	BackoffInitialMs int    `mapstructure:"backoff_initial_ms"`
	UserAgent        string `mapstructure:"user_agent"`
}

// ArtifactConfig sets where downloaded images land.
type ArtifactConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// RenderConfig sets where gallery pages are written. Empty means the system
// temp directory.
type RenderConfig struct {
	OutputDir string `mapstructure:"output_dir"`
}

// HistoryConfig controls batch history persistence. An empty DSN keeps
// history in memory.
type HistoryConfig struct {
	DSN             string        `mapstructure:"dsn"`
	BatchesTable    string        `mapstructure:"batches_table"`
	ResultsTable    string        `mapstructure:"results_table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ArchiveConfig selects the object storage bucket for gallery mirroring. An
// empty bucket keeps archives in memory.
type ArchiveConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MENAGERIE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", true)
	v.SetDefault("scraper.user_agent", "menagerie/1.0 (+https://github.com/myfishnameisqwerty/menagerie)")
	v.SetDefault("scraper.timeout_seconds", 30)
	v.SetDefault("scraper.page_timeout_seconds", 10)
	v.SetDefault("scraper.max_retries", 3)
	v.SetDefault("scraper.retry_delay_seconds", 1)
	v.SetDefault("scraper.respect_robots", true)
	v.SetDefault("cache.ttl_hours", 24)
	v.SetDefault("fetch.workers", 5)
	v.SetDefault("fetch.timeout_seconds", 30)
	v.SetDefault("fetch.max_attempts", 3)
	v.SetDefault("fetch.backoff_initial_ms", 1000)
	v.SetDefault("fetch.user_agent", "menagerie/1.0 (+https://github.com/myfishnameisqwerty/menagerie)")
	v.SetDefault("artifact.base_dir", filepath.Join(os.TempDir(), "menagerie"))
	v.SetDefault("history.batches_table", "batches")
	v.SetDefault("history.results_table", "batch_results")
	v.SetDefault("history.max_conns", 4)
	v.SetDefault("archive.prefix", "galleries")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Scraper.TimeoutSeconds <= 0 {
		return fmt.Errorf("scraper.timeout_seconds must be > 0")
	}
	if c.Cache.TTLHours <= 0 {
		return fmt.Errorf("cache.ttl_hours must be > 0")
	}
	if c.Fetch.Workers <= 0 {
		return fmt.Errorf("fetch.workers must be > 0")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Fetch.MaxAttempts <= 0 {
		return fmt.Errorf("fetch.max_attempts must be > 0")
	}
	if c.Artifact.BaseDir == "" {
		return fmt.Errorf("artifact.base_dir must be set")
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set together")
	}
	return nil
}

// CacheTTL converts the cache TTL config into a duration.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLHours) * time.Hour
}
