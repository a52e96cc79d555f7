// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/apilink-crawler/internal/classify"
	"github.com/JakeFAU/apilink-crawler/internal/crawler"
)

// EnvPrefix prefixes every environment override, e.g. APILINK_CRAWLER_SEED_URL.
const EnvPrefix = "APILINK"

// Config captures all crawl configuration knobs loaded via Viper. It is
// read-only once Load returns.
type Config struct {
	Crawler      CrawlerConfig      `mapstructure:"crawler"`
	AutoThrottle AutoThrottleConfig `mapstructure:"autothrottle"`
	Retry        RetryConfig        `mapstructure:"retry"`
	HTTPCache    HTTPCacheConfig    `mapstructure:"httpcache"`
	Memory       MemoryConfig       `mapstructure:"memory"`
	Output       OutputConfig       `mapstructure:"output"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
}

// CrawlerConfig governs discovery, scope and fetch behavior.
type CrawlerConfig struct {
	SeedURL              string            `mapstructure:"seed_url"`
	UserAgent            string            `mapstructure:"user_agent"`
	ExcludePatterns      []string          `mapstructure:"exclude_patterns"`
	APIPatterns          []string          `mapstructure:"api_patterns"`
	MaxConcurrency       int               `mapstructure:"max_concurrency"`
	PerDomainConcurrency int               `mapstructure:"per_domain_concurrency"`
	APIConcurrency       int               `mapstructure:"api_concurrency"`
	DownloadDelay        time.Duration     `mapstructure:"download_delay"`
	RandomizeDelay       bool              `mapstructure:"randomize_delay"`
	MaxDepth             int               `mapstructure:"max_depth"`
	Scope                string            `mapstructure:"scope"`
	RespectRobots        bool              `mapstructure:"respect_robots"`
	CookiesEnabled       bool              `mapstructure:"cookies_enabled"`
	RequestTimeout       time.Duration     `mapstructure:"request_timeout"`
	MaxBodyBytes         int               `mapstructure:"max_body_bytes"`
	Headers              map[string]string `mapstructure:"headers"`
	HostRPS              float64           `mapstructure:"host_rps"`
	HostBurst            int               `mapstructure:"host_burst"`
}

// AutoThrottleConfig adapts per-host delay to observed latency.
type AutoThrottleConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	StartDelay        time.Duration `mapstructure:"start_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	TargetConcurrency float64       `mapstructure:"target_concurrency"`
}

// RetryConfig controls which failures are retried and how often.
type RetryConfig struct {
	Enabled   bool  `mapstructure:"enabled"`
	Times     int   `mapstructure:"times"`
	HTTPCodes []int `mapstructure:"http_codes"`
}

// HTTPCacheConfig configures the on-disk response cache.
type HTTPCacheConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	TTL     time.Duration `mapstructure:"ttl"`
	Dir     string        `mapstructure:"dir"`
}

// MemoryConfig is the soft cap on buffered response bytes.
type MemoryConfig struct {
	Enabled   bool  `mapstructure:"enabled"`
	LimitMB   int64 `mapstructure:"limit_mb"`
	WarningMB int64 `mapstructure:"warning_mb"`
	WatchHeap bool  `mapstructure:"watch_heap"`
}

// OutputConfig selects where records go.
type OutputConfig struct {
	Path     string         `mapstructure:"path"`
	Format   string         `mapstructure:"format"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	GCS      GCSConfig      `mapstructure:"gcs"`
}

// PostgresConfig enables the Postgres record sink when DSN is set.
type PostgresConfig struct {
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

// PubSubConfig enables the Pub/Sub record sink when both fields are set.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// GCSConfig enables uploading the output file after the crawl.
type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
	Object string `mapstructure:"object"`
}

// LoggingConfig controls zap.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// MetricsConfig enables the operator HTTP server when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Load builds a Config from defaults, an optional file, the environment and
// overrides (typically CLI flags), in increasing precedence.
func Load(path string, overrides map[string]any) (Config, error) {
	v := viper.New()
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
	for key, value := range overrides {
		v.Set(key, value)
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
	v.SetDefault("crawler.seed_url", "https://example.com")
	v.SetDefault("crawler.user_agent", "apilinkscraper (+https://scrapinghub.com)")
	v.SetDefault("crawler.exclude_patterns", classify.DefaultExcludePatterns)
	v.SetDefault("crawler.api_patterns", classify.DefaultAPIPatterns)
	v.SetDefault("crawler.max_concurrency", 8)
	v.SetDefault("crawler.per_domain_concurrency", 2)
	v.SetDefault("crawler.api_concurrency", 4)
	v.SetDefault("crawler.download_delay", time.Second)
	v.SetDefault("crawler.randomize_delay", true)
	v.SetDefault("crawler.max_depth", 0)
	v.SetDefault("crawler.scope", "host")
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("crawler.cookies_enabled", false)
	v.SetDefault("crawler.request_timeout", 30*time.Second)
	v.SetDefault("crawler.max_body_bytes", 10<<20)
	v.SetDefault("crawler.headers", map[string]string{
		"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
		"Accept-Language": "en",
	})
	v.SetDefault("crawler.host_rps", 0.0)
	v.SetDefault("crawler.host_burst", 1)
	v.SetDefault("autothrottle.enabled", true)
	v.SetDefault("autothrottle.start_delay", time.Second)
	v.SetDefault("autothrottle.max_delay", 3*time.Second)
	v.SetDefault("autothrottle.target_concurrency", 2.0)
	v.SetDefault("retry.enabled", true)
	v.SetDefault("retry.times", 2)
	v.SetDefault("retry.http_codes", []int{500, 502, 503, 504, 408, 429})
	v.SetDefault("httpcache.enabled", true)
	v.SetDefault("httpcache.ttl", time.Hour)
	v.SetDefault("httpcache.dir", ".httpcache")
	v.SetDefault("memory.enabled", true)
	v.SetDefault("memory.limit_mb", 2048)
	v.SetDefault("memory.warning_mb", 1024)
	v.SetDefault("memory.watch_heap", true)
	v.SetDefault("output.path", "apis_and_links.json")
	v.SetDefault("output.format", "json")
	v.SetDefault("output.postgres.table", "crawl_records")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)
	v.SetDefault("metrics.addr", "")
}

// Validate enforces required values and reasonable limits. Pattern lists are
// compiled here so a bad regex fails before any request is made.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if _, err := crawler.ParseHTTPURL(c.Crawler.SeedURL); err != nil {
		add("crawler.seed_url: %w", err)
	}
	if _, err := classify.New(c.Crawler.ExcludePatterns, c.Crawler.APIPatterns); err != nil {
		add("crawler patterns: %w", err)
	}
	if c.Crawler.MaxConcurrency <= 0 {
		add("crawler.max_concurrency must be > 0")
	}
	if c.Crawler.PerDomainConcurrency <= 0 {
		add("crawler.per_domain_concurrency must be > 0")
	}
	if c.Crawler.APIConcurrency < 0 {
		add("crawler.api_concurrency must be >= 0")
	}
	if c.Crawler.DownloadDelay < 0 {
		add("crawler.download_delay must be >= 0")
	}
	if c.Crawler.MaxDepth < 0 {
		add("crawler.max_depth must be >= 0")
	}
	if c.Crawler.Scope != "host" && c.Crawler.Scope != "registrable_domain" {
		add("crawler.scope must be host or registrable_domain, got %q", c.Crawler.Scope)
	}
	if c.Crawler.RequestTimeout <= 0 {
		add("crawler.request_timeout must be > 0")
	}
	if c.Crawler.HostRPS < 0 {
		add("crawler.host_rps must be >= 0")
	}
	if c.AutoThrottle.Enabled {
		if c.AutoThrottle.TargetConcurrency <= 0 {
			add("autothrottle.target_concurrency must be > 0")
		}
		if c.AutoThrottle.MaxDelay < c.Crawler.DownloadDelay {
			add("autothrottle.max_delay must be >= crawler.download_delay")
		}
	}
	if c.Retry.Times < 0 {
		add("retry.times must be >= 0")
	}
	for _, code := range c.Retry.HTTPCodes {
		if code < 100 || code > 599 {
			add("retry.http_codes: invalid status %d", code)
		}
	}
	if c.HTTPCache.Enabled {
		if c.HTTPCache.TTL <= 0 {
			add("httpcache.ttl must be > 0")
		}
		if c.HTTPCache.Dir == "" {
			add("httpcache.dir is required when the cache is enabled")
		}
	}
	if c.Memory.Enabled {
		if c.Memory.LimitMB <= 0 {
			add("memory.limit_mb must be > 0")
		}
		if c.Memory.WarningMB < 0 || c.Memory.WarningMB > c.Memory.LimitMB {
			add("memory.warning_mb must be between 0 and memory.limit_mb")
		}
	}
	if c.Output.Path == "" {
		add("output.path is required")
	}
	if c.Output.Format != "json" && c.Output.Format != "jsonl" {
		add("output.format must be json or jsonl, got %q", c.Output.Format)
	}
	if (c.Output.PubSub.ProjectID == "") != (c.Output.PubSub.Topic == "") {
		add("output.pubsub.project_id and output.pubsub.topic must be set together")
	}
	return errors.Join(errs...)
}

// RequestHeaders returns the default request headers with canonical keys.
func (c Config) RequestHeaders() http.Header {
	h := make(http.Header, len(c.Crawler.Headers))
	for k, v := range c.Crawler.Headers {
		h.Set(k, v)
	}
	return h
}

// RetryTimes is the number of retries after the first attempt.
func (c Config) RetryTimes() int {
	if !c.Retry.Enabled {
		return 0
	}
	return c.Retry.Times
}
