// Package config loads and validates engine configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/templio/gallery-engine/internal/gallery"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig          `mapstructure:"server"`
	Discovery DiscoveryConfig       `mapstructure:"discovery"`
	Capture   gallery.CaptureConfig `mapstructure:"capture"`
	Browser   BrowserConfig         `mapstructure:"browser"`
	Pool      gallery.PoolConfig    `mapstructure:"pool"`
	Task      TaskConfig            `mapstructure:"task"`
	OpQueue   OpQueueConfig         `mapstructure:"opqueue"`
	Jobs      JobsConfig            `mapstructure:"jobs"`
	DB        DBConfig              `mapstructure:"db"`
	Storage   StorageConfig         `mapstructure:"storage"`
	PubSub    PubSubConfig          `mapstructure:"pubsub"`
	Logging   LoggingConfig         `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// DiscoveryConfig points at the gallery sitemap and its noise filters.
type DiscoveryConfig struct {
	SitemapURL     string   `mapstructure:"sitemap_url"`
	Denylist       []string `mapstructure:"denylist"`
	TimeoutSeconds int      `mapstructure:"timeout_seconds"`
	UserAgent      string   `mapstructure:"user_agent"`
}

// BrowserConfig shapes the shared chromedp allocator.
type BrowserConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	ViewportWidth  int    `mapstructure:"viewport_width"`
	ViewportHeight int    `mapstructure:"viewport_height"`
}

// TaskConfig governs the per-URL state machine.
type TaskConfig struct {
	RetryCeiling int `mapstructure:"retry_ceiling"`
}

// OpQueueConfig tunes the serialized write queue.
type OpQueueConfig struct {
	Depth                int `mapstructure:"depth"`
	MaxRetries           int `mapstructure:"max_retries"`
	BaseDelayMs          int `mapstructure:"base_delay_ms"`
	MaxDelayMs           int `mapstructure:"max_delay_ms"`
	ReconnectIntervalSec int `mapstructure:"reconnect_interval_seconds"`
	ReconnectTimeoutSec  int `mapstructure:"reconnect_timeout_seconds"`
}

// JobsConfig bounds the ad-hoc job queue.
type JobsConfig struct {
	HistoryLimit int `mapstructure:"history_limit"`
}

// DBConfig controls access to the backing store.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"max_conns"`
}

// StorageConfig selects and shapes the screenshot blob store.
type StorageConfig struct {
	Provider  string `mapstructure:"provider"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for completion-event publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GALLERY")
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
	v.SetDefault("server.timeout_seconds", 60)
	v.SetDefault("discovery.timeout_seconds", 30)
	v.SetDefault("discovery.user_agent", "gallery-engine/1.0")
	v.SetDefault("discovery.denylist", []string{"/blog/", "/post/", "/article/"})
	v.SetDefault("browser.viewport_width", 1440)
	v.SetDefault("browser.viewport_height", 900)
	v.SetDefault("task.retry_ceiling", 2)
	v.SetDefault("opqueue.depth", 256)
	v.SetDefault("opqueue.max_retries", 3)
	v.SetDefault("opqueue.base_delay_ms", 250)
	v.SetDefault("opqueue.max_delay_ms", 5000)
	v.SetDefault("opqueue.reconnect_interval_seconds", 2)
	v.SetDefault("opqueue.reconnect_timeout_seconds", 120)
	v.SetDefault("jobs.history_limit", 20)
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("storage.provider", "local")
	v.SetDefault("storage.local_dir", "screenshots")
	v.SetDefault("storage.prefix", "gallery")
	v.SetDefault("logging.development", true)

	defaults := gallery.DefaultCaptureConfig()
	v.SetDefault("capture.navigation_timeout", defaults.NavigationTimeout)
	v.SetDefault("capture.animation_wait_ms", defaults.AnimationWaitMs)
	v.SetDefault("capture.nudge_scroll_ratio", defaults.NudgeScrollRatio)
	v.SetDefault("capture.nudge_wait_ms", defaults.NudgeWaitMs)
	v.SetDefault("capture.nudge_after_ms", defaults.NudgeAfterMs)
	v.SetDefault("capture.stability_stable_ms", defaults.StabilityStableMs)
	v.SetDefault("capture.stability_max_wait_ms", defaults.StabilityMaxWaitMs)
	v.SetDefault("capture.stability_check_interval_ms", defaults.StabilityCheckIntervalMs)
	v.SetDefault("capture.jpeg_quality", defaults.JPEGQuality)
	v.SetDefault("capture.webp_quality", defaults.WebPQuality)

	pool := gallery.DefaultPoolConfig()
	v.SetDefault("pool.browser_instances", pool.BrowserInstances)
	v.SetDefault("pool.pages_per_browser", pool.PagesPerBrowser)
	v.SetDefault("pool.batch_size", pool.BatchSize)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if err := c.Capture.Validate(); err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	if err := c.Pool.Validate(); err != nil {
		return fmt.Errorf("pool: %w", err)
	}
	if c.Task.RetryCeiling < 0 {
		return fmt.Errorf("task.retry_ceiling must be >= 0")
	}
	if c.OpQueue.MaxRetries < 0 {
		return fmt.Errorf("opqueue.max_retries must be >= 0")
	}
	switch c.Storage.Provider {
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set for the local provider")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs provider")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.provider must be local, gcs or memory")
	}
	return nil
}

// ServerTimeout converts the configured request budget into a duration.
func (c Config) ServerTimeout() time.Duration {
	return time.Duration(c.Server.TimeoutSeconds) * time.Second
}

// DiscoveryTimeout converts the sitemap fetch budget into a duration.
func (c Config) DiscoveryTimeout() time.Duration {
	return time.Duration(c.Discovery.TimeoutSeconds) * time.Second
}
