// Package config loads and validates batchscrape configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/batchscrape/internal/crawler"
)

// EnvPrefix namespaces environment overrides, e.g. BATCHSCRAPE_SCRAPE_PROXY.
const EnvPrefix = "BATCHSCRAPE"

// Config captures every configuration knob loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Scrape   ScrapeConfig   `mapstructure:"scrape"`
	Crawler  CrawlerConfig  `mapstructure:"crawler"`
	Download DownloadConfig `mapstructure:"download"`
	Headless HeadlessConfig `mapstructure:"headless"`
	Storage  StorageConfig  `mapstructure:"storage"`
	DB       DBConfig       `mapstructure:"db"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Progress ProgressConfig `mapstructure:"progress"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Port int `mapstructure:"port"`
	// BatchDeadlineMs bounds a synchronous POST /v1/batches.
	BatchDeadlineMs int `mapstructure:"batch_deadline_ms"`
	MaxURLs         int `mapstructure:"max_urls"`
	// APIKey, when set, is required on every /v1 request.
	APIKey string `mapstructure:"api_key"`
}

// ScrapeConfig holds the per-batch defaults applied to every URL.
type ScrapeConfig struct {
	Proxy           string `mapstructure:"proxy"`
	TimeoutMs       int    `mapstructure:"timeout_ms"`
	RetryCount      int    `mapstructure:"retry_count"`
	Depth           int    `mapstructure:"depth"`
	MaxPages        int    `mapstructure:"max_pages"`
	ExtractLinks    bool   `mapstructure:"extract_links"`
	ExtractImages   bool   `mapstructure:"extract_images"`
	DownloadImages  bool   `mapstructure:"download_images"`
	ExtractReadable bool   `mapstructure:"extract_readable"`
	Screenshots     bool   `mapstructure:"screenshots"`
	OutputDir       string `mapstructure:"output_dir"`
}

// CrawlerConfig governs the worker pool and the HTTP backend.
type CrawlerConfig struct {
	Concurrency   int    `mapstructure:"concurrency"`
	UserAgent     string `mapstructure:"user_agent"`
	RespectRobots bool   `mapstructure:"respect_robots"`
	Stealth       bool   `mapstructure:"stealth"`
	PacingMinMs   int    `mapstructure:"pacing_min_ms"`
	PacingMaxMs   int    `mapstructure:"pacing_max_ms"`
	BackoffBaseMs int    `mapstructure:"backoff_base_ms"`
	BackoffMaxMs  int    `mapstructure:"backoff_max_ms"`
	MaxBodyBytes  int    `mapstructure:"max_body_bytes"`
}

// DownloadConfig controls image downloads.
type DownloadConfig struct {
	RetryCount int `mapstructure:"retry_count"`
	Parallel   int `mapstructure:"parallel"`
	// TimeoutMs falls back to scrape.timeout_ms when zero.
	TimeoutMs int `mapstructure:"timeout_ms"`
}

// HeadlessConfig configures the browser backends.
type HeadlessConfig struct {
	// Engine is "", "chromedp" or "rod".
	Engine          string `mapstructure:"engine"`
	MaxParallel     int    `mapstructure:"max_parallel"`
	AutoPromote     bool   `mapstructure:"auto_promote"`
	PromotionThresh int    `mapstructure:"promotion_threshold"`
	// Always sends every fetch through the browser.
	Always     bool   `mapstructure:"always"`
	ControlURL string `mapstructure:"control_url"`
}

// StorageConfig selects where raw pages are written.
type StorageConfig struct {
	// Backend is "local", "gcs", "memory" or "none".
	Backend   string `mapstructure:"backend"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
	LocalDir  string `mapstructure:"local_dir"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

// PubSubConfig holds the page notification target.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ProgressConfig tunes the progress hub.
type ProgressConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	LogEnabled    bool `mapstructure:"log_enabled"`
	BufferSize    int  `mapstructure:"buffer_size"`
	SinkTimeoutMs int  `mapstructure:"sink_timeout_ms"`
	Batch         struct {
		MaxEvents int `mapstructure:"max_events"`
		MaxWaitMs int `mapstructure:"max_wait_ms"`
	} `mapstructure:"batch"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from an optional file plus the environment.
func Load(path string) (Config, error) {
	return LoadWith(viper.New(), path)
}

// LoadWith reads into v, which may already carry bound command-line flags.
func LoadWith(v *viper.Viper, path string) (Config, error) {
	v.SetEnvPrefix(EnvPrefix)
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
	if cfg.Download.TimeoutMs <= 0 {
		cfg.Download.TimeoutMs = cfg.Scrape.TimeoutMs
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.batch_deadline_ms", 300000)
	v.SetDefault("server.max_urls", 500)
	v.SetDefault("server.api_key", "")
	v.SetDefault("scrape.proxy", "")
	v.SetDefault("scrape.timeout_ms", 30000)
	v.SetDefault("scrape.retry_count", 3)
	v.SetDefault("scrape.depth", 0)
	v.SetDefault("scrape.max_pages", 10)
	v.SetDefault("scrape.extract_links", true)
	v.SetDefault("scrape.extract_images", true)
	v.SetDefault("scrape.download_images", false)
	v.SetDefault("scrape.extract_readable", true)
	v.SetDefault("scrape.screenshots", false)
	v.SetDefault("scrape.output_dir", "output")
	v.SetDefault("crawler.concurrency", 4)
	v.SetDefault("crawler.user_agent", "batchscrape/0.1")
	v.SetDefault("crawler.respect_robots", false)
	v.SetDefault("crawler.stealth", false)
	v.SetDefault("crawler.pacing_min_ms", 500)
	v.SetDefault("crawler.pacing_max_ms", 1500)
	v.SetDefault("crawler.backoff_base_ms", 250)
	v.SetDefault("crawler.backoff_max_ms", 5000)
	v.SetDefault("crawler.max_body_bytes", 10<<20)
	v.SetDefault("download.retry_count", 1)
	v.SetDefault("download.parallel", 4)
	v.SetDefault("download.timeout_ms", 0)
	v.SetDefault("headless.engine", "")
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.auto_promote", false)
	v.SetDefault("headless.promotion_threshold", 60)
	v.SetDefault("headless.always", false)
	v.SetDefault("headless.control_url", "")
	v.SetDefault("storage.backend", "none")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.prefix", "pages")
	v.SetDefault("storage.local_dir", "")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "pages")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", true)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.sink_timeout_ms", 5000)
	v.SetDefault("progress.batch.max_events", 256)
	v.SetDefault("progress.batch.max_wait_ms", 250)
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits. Failures are
// ConfigInvalid.
func (c Config) Validate() error {
	if err := c.validate(); err != nil {
		return crawler.NewError(crawler.ErrorKindConfigInvalid, "validate config", err)
	}
	return nil
}

func (c Config) validate() error {
	switch {
	case c.Server.Port <= 0:
		return fmt.Errorf("server.port must be > 0")
	case c.Server.MaxURLs <= 0:
		return fmt.Errorf("server.max_urls must be > 0")
	case c.Crawler.Concurrency <= 0:
		return fmt.Errorf("crawler.concurrency must be > 0")
	case c.Scrape.TimeoutMs <= 0:
		return fmt.Errorf("scrape.timeout_ms must be > 0")
	case c.Scrape.RetryCount < 0:
		return fmt.Errorf("scrape.retry_count must be >= 0")
	case c.Scrape.Depth < 0:
		return fmt.Errorf("scrape.depth must be >= 0")
	case c.Scrape.MaxPages < 1:
		return fmt.Errorf("scrape.max_pages must be >= 1")
	case c.Crawler.PacingMinMs < 0 || c.Crawler.PacingMaxMs < c.Crawler.PacingMinMs:
		return fmt.Errorf("crawler.pacing_max_ms must be >= crawler.pacing_min_ms >= 0")
	case c.Crawler.BackoffBaseMs < 0 || c.Crawler.BackoffMaxMs < 0:
		return fmt.Errorf("crawler backoff must be >= 0")
	case c.Download.RetryCount < 0:
		return fmt.Errorf("download.retry_count must be >= 0")
	}
	switch c.Headless.Engine {
	case "", "chromedp", "rod":
	default:
		return fmt.Errorf("headless.engine must be chromedp, rod or empty, got %q", c.Headless.Engine)
	}
	if c.Headless.Engine != "" && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when a headless engine is set")
	}
	if (c.Headless.AutoPromote || c.Headless.Always || c.Scrape.Screenshots) && c.Headless.Engine == "" {
		return fmt.Errorf("headless.engine is required for auto_promote, always or screenshots")
	}
	switch c.Storage.Backend {
	case "local", "memory", "none", "":
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set when storage.backend is gcs")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set together")
	}
	if _, err := crawler.ParseProxy(c.Scrape.Proxy); err != nil {
		return err
	}
	return nil
}

// Request builds the ScrapeRequest template for url from the scrape defaults.
func (c Config) Request(url string) crawler.ScrapeRequest {
	return crawler.ScrapeRequest{
		URL:        url,
		Depth:      c.Scrape.Depth,
		MaxPages:   c.Scrape.MaxPages,
		TimeoutMs:  c.Scrape.TimeoutMs,
		RetryCount: c.Scrape.RetryCount,
	}
}

// BatchDeadline bounds one synchronous API batch.
func (c Config) BatchDeadline() time.Duration {
	return time.Duration(c.Server.BatchDeadlineMs) * time.Millisecond
}

// Millis converts a millisecond knob.
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
