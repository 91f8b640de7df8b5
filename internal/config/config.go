// Package config loads and validates ingest configuration via Viper.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. INGEST_SOURCE_PER_PAGE.
const EnvPrefix = "INGEST"

// Page size bounds accepted by source.per_page.
const (
	MinPerPage = 1
	MaxPerPage = 10000
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Source     SourceConfig     `mapstructure:"source"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Backoff    BackoffConfig    `mapstructure:"backoff"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Sink       SinkConfig       `mapstructure:"sink"`
	Upload     UploadConfig     `mapstructure:"upload"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

// SourceConfig describes the remote catalog query.
type SourceConfig struct {
	Endpoint          string   `mapstructure:"endpoint"`
	OperationName     string   `mapstructure:"operation_name"`
	QueryHash         string   `mapstructure:"query_hash"`
	QueryVersion      int      `mapstructure:"query_version"`
	PerPage           int      `mapstructure:"per_page"`
	Locale            string   `mapstructure:"locale"`
	SortBy            string   `mapstructure:"sort_by"`
	SortOrder         string   `mapstructure:"sort_order"`
	TitleTypes        []string `mapstructure:"title_types"`
	ExcludeTitleTypes []string `mapstructure:"exclude_title_types"`
}

// HTTPConfig configures the pooled client.
type HTTPConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxConnections int    `mapstructure:"max_connections"`
	MaxKeepAlive   int    `mapstructure:"max_keepalive"`
	UserAgent      string `mapstructure:"user_agent"`

	// MaxRPS caps requests per second; zero disables the ceiling.
	MaxRPS float64 `mapstructure:"max_rps"`
	Burst  int     `mapstructure:"burst"`
}

// BackoffConfig tunes the adaptive inter-request delay, in milliseconds.
type BackoffConfig struct {
	PageDelayMs int `mapstructure:"page_delay_ms"`
	ThresholdMs int `mapstructure:"threshold_ms"`
	StepMs      int `mapstructure:"step_ms"`
	MaxDelayMs  int `mapstructure:"max_delay_ms"`
}

// PipelineConfig governs the crawl loop.
type PipelineConfig struct {
	// MaxPages is a page count or one of "all", "unlimited", "0".
	MaxPages                 string `mapstructure:"max_pages"`
	Workers                  int    `mapstructure:"workers"`
	Resume                   bool   `mapstructure:"resume"`
	Prefetch                 bool   `mapstructure:"prefetch"`
	CheckpointEvery          int    `mapstructure:"checkpoint_every"`
	UploadEvery              int    `mapstructure:"upload_every"`
	MaxConsecutiveErrors     int    `mapstructure:"max_consecutive_errors"`
	RateLimitCooldownSeconds int    `mapstructure:"rate_limit_cooldown_seconds"`
	MaxSearchDepth           int    `mapstructure:"max_search_depth"`
}

// SinkConfig controls the output file.
type SinkConfig struct {
	OutputDir        string `mapstructure:"output_dir"`
	FileName         string `mapstructure:"file_name"`
	BufferSize       int    `mapstructure:"buffer_size"`
	CompressionLevel int    `mapstructure:"compression_level"`
}

// UploadConfig selects the off-box upload target.
type UploadConfig struct {
	// Provider is one of none, gcs, s3, local, memory.
	Provider string   `mapstructure:"provider"`
	Bucket   string   `mapstructure:"bucket"`
	Prefix   string   `mapstructure:"prefix"`
	LocalDir string   `mapstructure:"local_dir"`
	S3       S3Config `mapstructure:"s3"`
}

// S3Config holds S3-compatible endpoint settings.
type S3Config struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
}

// NotifyConfig selects where upload notifications go.
type NotifyConfig struct {
	// Provider is one of none, pubsub, memory.
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// CheckpointConfig selects the checkpoint backend.
type CheckpointConfig struct {
	// Backend is one of file, pebble, postgres.
	Backend   string         `mapstructure:"backend"`
	Path      string         `mapstructure:"path"`
	PebbleDir string         `mapstructure:"pebble_dir"`
	Name      string         `mapstructure:"name"`
	Postgres  PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig holds the Postgres checkpoint connection.
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// LoggingConfig controls logger construction.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// MetricsConfig controls the optional metrics server.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
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

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// DefaultTitleTypes is the title type filter used when none is configured.
var DefaultTitleTypes = []string{
	"movie", "tvSeries", "short", "tvEpisode", "tvMiniSeries", "tvMovie", "tvShort",
	"tvSpecial", "musicVideo", "podcastEpisode", "video", "videoGame", "podcastSeries",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("source.endpoint", "https://caching.graphql.imdb.com/")
	v.SetDefault("source.operation_name", "AdvancedTitleSearch")
	v.SetDefault("source.query_hash", "9fc7c8867ff66c1e1aa0f39d0fd4869c64db97cddda14fea1c048ca4b568f06a")
	v.SetDefault("source.query_version", 1)
	v.SetDefault("source.per_page", 1000)
	v.SetDefault("source.locale", "pt-BR")
	v.SetDefault("source.sort_by", "POPULARITY")
	v.SetDefault("source.sort_order", "ASC")
	v.SetDefault("source.title_types", DefaultTitleTypes)
	v.SetDefault("source.exclude_title_types", []string{})
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.max_connections", 40)
	v.SetDefault("http.max_keepalive", 100)
	v.SetDefault("http.user_agent", "catalog-ingest/0.1")
	v.SetDefault("http.max_rps", 0)
	v.SetDefault("http.burst", 1)
	v.SetDefault("backoff.page_delay_ms", 150)
	v.SetDefault("backoff.threshold_ms", 2000)
	v.SetDefault("backoff.step_ms", 200)
	v.SetDefault("backoff.max_delay_ms", 1200)
	v.SetDefault("pipeline.max_pages", "all")
	v.SetDefault("pipeline.workers", 0)
	v.SetDefault("pipeline.resume", true)
	v.SetDefault("pipeline.prefetch", true)
	v.SetDefault("pipeline.checkpoint_every", 10)
	v.SetDefault("pipeline.upload_every", 50)
	v.SetDefault("pipeline.max_consecutive_errors", 5)
	v.SetDefault("pipeline.rate_limit_cooldown_seconds", 60)
	v.SetDefault("pipeline.max_search_depth", 32)
	v.SetDefault("sink.output_dir", "output")
	v.SetDefault("sink.file_name", "")
	v.SetDefault("sink.buffer_size", 100)
	v.SetDefault("sink.compression_level", 6)
	v.SetDefault("upload.provider", "none")
	v.SetDefault("upload.bucket", "")
	v.SetDefault("upload.prefix", "catalog/bronze")
	v.SetDefault("upload.local_dir", "")
	v.SetDefault("upload.s3.endpoint", "s3.amazonaws.com")
	v.SetDefault("upload.s3.region", "us-east-1")
	v.SetDefault("upload.s3.access_key_id", "")
	v.SetDefault("upload.s3.secret_access_key", "")
	v.SetDefault("upload.s3.use_ssl", true)
	v.SetDefault("notify.provider", "none")
	v.SetDefault("notify.project_id", "")
	v.SetDefault("notify.topic", "")
	v.SetDefault("checkpoint.backend", "file")
	v.SetDefault("checkpoint.path", ".crawl_state.json")
	v.SetDefault("checkpoint.pebble_dir", ".crawl_state")
	v.SetDefault("checkpoint.name", "catalog")
	v.SetDefault("checkpoint.postgres.dsn", "")
	v.SetDefault("checkpoint.postgres.table", "crawl_checkpoints")
	v.SetDefault("checkpoint.postgres.max_conns", 2)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("metrics.addr", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Source.Endpoint) == "" {
		return fmt.Errorf("source.endpoint is required")
	}
	if c.Source.QueryHash == "" {
		return fmt.Errorf("source.query_hash is required")
	}
	if c.Source.PerPage < MinPerPage || c.Source.PerPage > MaxPerPage {
		return fmt.Errorf("source.per_page must be between %d and %d", MinPerPage, MaxPerPage)
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxConnections < 0 || c.HTTP.MaxKeepAlive < 0 {
		return fmt.Errorf("http pool sizes must be >= 0")
	}
	if c.HTTP.MaxRPS < 0 {
		return fmt.Errorf("http.max_rps must be >= 0")
	}
	if c.Backoff.PageDelayMs < 0 || c.Backoff.ThresholdMs < 0 || c.Backoff.StepMs < 0 {
		return fmt.Errorf("backoff values must be >= 0")
	}
	if c.Backoff.MaxDelayMs < c.Backoff.PageDelayMs {
		return fmt.Errorf("backoff.max_delay_ms must be >= backoff.page_delay_ms")
	}
	if _, err := c.Pipeline.PageLimit(); err != nil {
		return err
	}
	if c.Pipeline.Workers < 0 {
		return fmt.Errorf("pipeline.workers must be >= 0")
	}
	if c.Pipeline.CheckpointEvery <= 0 {
		return fmt.Errorf("pipeline.checkpoint_every must be > 0")
	}
	if c.Pipeline.UploadEvery <= 0 {
		return fmt.Errorf("pipeline.upload_every must be > 0")
	}
	if c.Pipeline.MaxConsecutiveErrors <= 0 {
		return fmt.Errorf("pipeline.max_consecutive_errors must be > 0")
	}
	if c.Pipeline.RateLimitCooldownSeconds < 0 {
		return fmt.Errorf("pipeline.rate_limit_cooldown_seconds must be >= 0")
	}
	if c.Sink.BufferSize <= 0 {
		return fmt.Errorf("sink.buffer_size must be > 0")
	}
	if c.Sink.CompressionLevel < -2 || c.Sink.CompressionLevel > 9 {
		return fmt.Errorf("sink.compression_level must be between -2 and 9")
	}
	switch c.Upload.Provider {
	case "", "none", "memory":
	case "gcs", "s3":
		if c.Upload.Bucket == "" {
			return fmt.Errorf("upload.bucket must be set when upload.provider is %s", c.Upload.Provider)
		}
	case "local":
		if c.Upload.LocalDir == "" {
			return fmt.Errorf("upload.local_dir must be set when upload.provider is local")
		}
	default:
		return fmt.Errorf("upload.provider must be one of none, gcs, s3, local, memory")
	}
	switch c.Notify.Provider {
	case "", "none", "memory":
	case "pubsub":
		if c.Notify.ProjectID == "" || c.Notify.Topic == "" {
			return fmt.Errorf("notify.project_id and notify.topic must be set when notify.provider is pubsub")
		}
	default:
		return fmt.Errorf("notify.provider must be one of none, pubsub, memory")
	}
	switch c.Checkpoint.Backend {
	case "file":
		if c.Checkpoint.Path == "" {
			return fmt.Errorf("checkpoint.path must be set for the file backend")
		}
	case "pebble":
		if c.Checkpoint.PebbleDir == "" {
			return fmt.Errorf("checkpoint.pebble_dir must be set for the pebble backend")
		}
	case "postgres":
		if c.Checkpoint.Postgres.DSN == "" {
			return fmt.Errorf("checkpoint.postgres.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("checkpoint.backend must be one of file, pebble, postgres")
	}
	return nil
}

// PageLimit parses max_pages. Zero means unlimited.
func (p PipelineConfig) PageLimit() (int, error) {
	raw := strings.ToLower(strings.TrimSpace(p.MaxPages))
	switch raw {
	case "", "all", "unlimited", "0":
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("pipeline.max_pages must be a non-negative integer or \"all\", got %q", p.MaxPages)
	}
	return n, nil
}

// Timeout returns the request timeout.
func (h HTTPConfig) Timeout() time.Duration {
	return time.Duration(h.TimeoutSeconds) * time.Second
}

// RateLimitCooldown returns the fixed pause after a throttled response.
func (p PipelineConfig) RateLimitCooldown() time.Duration {
	return time.Duration(p.RateLimitCooldownSeconds) * time.Second
}

// Durations converts the millisecond knobs.
func (b BackoffConfig) Durations() (base, threshold, step, maxDelay time.Duration) {
	return time.Duration(b.PageDelayMs) * time.Millisecond,
		time.Duration(b.ThresholdMs) * time.Millisecond,
		time.Duration(b.StepMs) * time.Millisecond,
		time.Duration(b.MaxDelayMs) * time.Millisecond
}
