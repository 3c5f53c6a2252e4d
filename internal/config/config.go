// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Sources SourcesConfig `mapstructure:"sources"`
	Router  RouterConfig  `mapstructure:"router"`
	Fetch   FetchConfig   `mapstructure:"fetch"`
	Extract ExtractConfig `mapstructure:"extract"`
	Scrape  ScrapeConfig  `mapstructure:"scrape"`
	Storage StorageConfig `mapstructure:"storage"`
	DB      DBConfig      `mapstructure:"db"`
	PubSub  PubSubConfig  `mapstructure:"pubsub"`
	Logging LoggingConfig `mapstructure:"logging"`
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

// SourcesConfig configures the capture index clients.
type SourcesConfig struct {
	CDX      CDXConfig      `mapstructure:"cdx"`
	Columnar ColumnarConfig `mapstructure:"columnar"`
}

// CDXConfig points at a Wayback-style CDX endpoint.
type CDXConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	BaseURL        string  `mapstructure:"base_url"`
	ReplayBaseURL  string  `mapstructure:"replay_base_url"`
	PageSize       int     `mapstructure:"page_size"`
	MaxPages       int     `mapstructure:"max_pages"`
	RequestsPerSec float64 `mapstructure:"requests_per_sec"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
}

// ColumnarConfig points at a columnar segment index endpoint.
type ColumnarConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	BaseURL        string  `mapstructure:"base_url"`
	SegmentBaseURL string  `mapstructure:"segment_base_url"`
	PageSize       int     `mapstructure:"page_size"`
	MaxPages       int     `mapstructure:"max_pages"`
	RequestsPerSec float64 `mapstructure:"requests_per_sec"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
}

// RouterConfig governs fallback and circuit breaking across sources.
type RouterConfig struct {
	DefaultPolicy      string `mapstructure:"default_policy"`
	SequentialDelaySec int    `mapstructure:"sequential_delay_seconds"`
	CallTimeoutSec     int    `mapstructure:"call_timeout_seconds"`
	BreakerThreshold   int    `mapstructure:"breaker_threshold"`
	BreakerCooldownSec int    `mapstructure:"breaker_cooldown_seconds"`
	// BreakerWindowSec is the rolling window; failures older than it do not
	// count toward the trip threshold.
	BreakerWindowSec int `mapstructure:"breaker_window_seconds"`
}

// FetchConfig configures content retrieval.
type FetchConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxBodyBytes   int64  `mapstructure:"max_body_bytes"`
}

// ExtractConfig tunes the extraction cascade.
type ExtractConfig struct {
	MinWords         int  `mapstructure:"min_words"`
	PerRecordTimeout int  `mapstructure:"per_record_timeout_seconds"`
	Debug            bool `mapstructure:"debug"`
	CacheEntries     int  `mapstructure:"cache_entries"`
	CacheTTLMinutes  int  `mapstructure:"cache_ttl_minutes"`
}

// ScrapeConfig governs worker fan-out and per-run pools.
type ScrapeConfig struct {
	Workers        int `mapstructure:"workers"`
	ExtractWorkers int `mapstructure:"extract_workers"`
	QueueDepth     int `mapstructure:"queue_depth"`
}

// StorageConfig sets paths and content types for raw capture persistence.
type StorageConfig struct {
	GCSBucket   string `mapstructure:"gcs_bucket"`
	LocalDir    string `mapstructure:"local_dir"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// DBConfig controls access to the shared page database.
type DBConfig struct {
	DSN             string `mapstructure:"dsn"`
	PagesTable      string `mapstructure:"pages_table"`
	MaxConns        int    `mapstructure:"max_conns"`
	MinConns        int    `mapstructure:"min_conns"`
	MaxConnLifetime int    `mapstructure:"max_conn_lifetime_minutes"`
}

// PubSubConfig holds metadata for page-ready notifications.
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
	v.SetEnvPrefix("PAGEVAULT")
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
	v.SetDefault("sources.cdx.enabled", true)
	v.SetDefault("sources.cdx.base_url", "https://web.archive.org/cdx/search/cdx")
	v.SetDefault("sources.cdx.replay_base_url", "https://web.archive.org/web")
	v.SetDefault("sources.cdx.page_size", 500)
	v.SetDefault("sources.cdx.max_pages", 100)
	v.SetDefault("sources.cdx.requests_per_sec", 1)
	v.SetDefault("sources.cdx.timeout_seconds", 30)
	v.SetDefault("sources.columnar.enabled", false)
	v.SetDefault("sources.columnar.page_size", 500)
	v.SetDefault("sources.columnar.max_pages", 100)
	v.SetDefault("sources.columnar.requests_per_sec", 2)
	v.SetDefault("sources.columnar.timeout_seconds", 30)
	v.SetDefault("router.default_policy", "sequential")
	v.SetDefault("router.sequential_delay_seconds", 2)
	v.SetDefault("router.call_timeout_seconds", 30)
	v.SetDefault("router.breaker_threshold", 5)
	v.SetDefault("router.breaker_cooldown_seconds", 60)
	v.SetDefault("router.breaker_window_seconds", 120)
	v.SetDefault("fetch.user_agent", "pagevault/1.0 (+https://github.com/pagevault/pagevault)")
	v.SetDefault("fetch.timeout_seconds", 30)
	v.SetDefault("fetch.max_body_bytes", 32*1024*1024)
	v.SetDefault("extract.min_words", 10)
	v.SetDefault("extract.per_record_timeout_seconds", 30)
	v.SetDefault("extract.cache_entries", 4096)
	v.SetDefault("extract.cache_ttl_minutes", 60)
	v.SetDefault("scrape.workers", 4)
	v.SetDefault("scrape.extract_workers", 4)
	v.SetDefault("scrape.queue_depth", 64)
	v.SetDefault("storage.prefix", "raw")
	v.SetDefault("storage.local_dir", "data/captures")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
	v.SetDefault("db.pages_table", "shared_pages")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 2)
	v.SetDefault("db.max_conn_lifetime_minutes", 30)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if !c.Sources.CDX.Enabled && !c.Sources.Columnar.Enabled {
		return fmt.Errorf("at least one source must be enabled")
	}
	if c.Sources.CDX.Enabled && c.Sources.CDX.BaseURL == "" {
		return fmt.Errorf("sources.cdx.base_url must be set when cdx is enabled")
	}
	if c.Sources.Columnar.Enabled && c.Sources.Columnar.BaseURL == "" {
		return fmt.Errorf("sources.columnar.base_url must be set when columnar is enabled")
	}
	switch c.Router.DefaultPolicy {
	case "sequential", "immediate", "parallel", "circuit_breaker":
	default:
		return fmt.Errorf("router.default_policy %q is not a known policy", c.Router.DefaultPolicy)
	}
	if c.Scrape.Workers <= 0 {
		return fmt.Errorf("scrape.workers must be > 0")
	}
	if c.Scrape.ExtractWorkers <= 0 {
		return fmt.Errorf("scrape.extract_workers must be > 0")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// CallTimeout converts the router call timeout into a duration.
func (c Config) CallTimeout() time.Duration {
	return time.Duration(c.Router.CallTimeoutSec) * time.Second
}

// FetchTimeout converts the fetch timeout into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}
