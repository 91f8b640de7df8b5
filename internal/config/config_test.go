package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Source.PerPage != 1000 {
		t.Fatalf("expected per_page 1000, got %d", cfg.Source.PerPage)
	}
	if len(cfg.Source.TitleTypes) != len(DefaultTitleTypes) {
		t.Fatalf("expected default title types, got %v", cfg.Source.TitleTypes)
	}
	if limit, _ := cfg.Pipeline.PageLimit(); limit != 0 {
		t.Fatalf("expected unlimited pages, got %d", limit)
	}
	if !cfg.Pipeline.Resume || !cfg.Pipeline.Prefetch {
		t.Fatalf("expected resume and prefetch enabled by default")
	}
	if got := cfg.Pipeline.RateLimitCooldown(); got != time.Minute {
		t.Fatalf("expected 60s cooldown, got %v", got)
	}
	base, threshold, step, maxDelay := cfg.Backoff.Durations()
	if base != 150*time.Millisecond || threshold != 2*time.Second || step != 200*time.Millisecond || maxDelay != 1200*time.Millisecond {
		t.Fatalf("unexpected backoff defaults %v %v %v %v", base, threshold, step, maxDelay)
	}
	if cfg.Checkpoint.Backend != "file" || cfg.Checkpoint.Path != ".crawl_state.json" {
		t.Fatalf("unexpected checkpoint defaults %+v", cfg.Checkpoint)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
source:
  per_page: 250
  locale: en-US
  title_types: [movie, tvSeries]
http:
  timeout_seconds: 45
  max_connections: 8
backoff:
  page_delay_ms: 100
  max_delay_ms: 500
pipeline:
  max_pages: 20
  workers: 6
  resume: false
  checkpoint_every: 5
sink:
  output_dir: /tmp/out
  buffer_size: 50
upload:
  provider: s3
  bucket: bronze
  prefix: catalog
  s3:
    endpoint: http://localhost:9000
checkpoint:
  backend: pebble
  pebble_dir: /tmp/state
logging:
  development: true
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Source.PerPage != 250 || cfg.Source.Locale != "en-US" {
		t.Fatalf("expected source overrides, got %+v", cfg.Source)
	}
	if len(cfg.Source.TitleTypes) != 2 || cfg.Source.TitleTypes[1] != "tvSeries" {
		t.Fatalf("expected title types override, got %v", cfg.Source.TitleTypes)
	}
	if cfg.HTTP.Timeout() != 45*time.Second {
		t.Fatalf("expected 45s timeout, got %v", cfg.HTTP.Timeout())
	}
	if limit, err := cfg.Pipeline.PageLimit(); err != nil || limit != 20 {
		t.Fatalf("expected page limit 20, got %d (%v)", limit, err)
	}
	if cfg.Pipeline.Resume {
		t.Fatalf("expected resume disabled")
	}
	if cfg.Upload.Provider != "s3" || cfg.Upload.S3.Endpoint != "http://localhost:9000" {
		t.Fatalf("expected s3 upload, got %+v", cfg.Upload)
	}
	if cfg.Checkpoint.Backend != "pebble" || !cfg.Logging.Development {
		t.Fatalf("expected pebble backend and development logging")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("INGEST_SOURCE_PER_PAGE", "2")
	t.Setenv("INGEST_PIPELINE_MAX_PAGES", "unlimited")
	t.Setenv("INGEST_UPLOAD_PROVIDER", "memory")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Source.PerPage != 2 {
		t.Fatalf("expected env per_page 2, got %d", cfg.Source.PerPage)
	}
	if cfg.Upload.Provider != "memory" {
		t.Fatalf("expected memory upload provider, got %q", cfg.Upload.Provider)
	}
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("source:\n  per_page: 20000\n"), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "source.per_page") {
		t.Fatalf("expected per_page validation error, got %v", err)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestPageLimit(t *testing.T) {
	t.Parallel()

	cases := map[string]int{"all": 0, "ALL": 0, "unlimited": 0, "0": 0, "": 0, "7": 7, " 12 ": 12}
	for in, want := range cases {
		got, err := PipelineConfig{MaxPages: in}.PageLimit()
		if err != nil || got != want {
			t.Fatalf("PageLimit(%q) = %d, %v; want %d", in, got, err, want)
		}
	}
	for _, bad := range []string{"-1", "many", "1.5"} {
		if _, err := (PipelineConfig{MaxPages: bad}).PageLimit(); err == nil {
			t.Fatalf("PageLimit(%q) expected error", bad)
		}
	}
}

func validConfig() Config {
	return Config{
		Source:     SourceConfig{Endpoint: "https://x", QueryHash: "h", PerPage: 10},
		HTTP:       HTTPConfig{TimeoutSeconds: 10},
		Backoff:    BackoffConfig{PageDelayMs: 150, ThresholdMs: 2000, StepMs: 200, MaxDelayMs: 1200},
		Pipeline:   PipelineConfig{MaxPages: "all", CheckpointEvery: 10, UploadEvery: 50, MaxConsecutiveErrors: 5},
		Sink:       SinkConfig{BufferSize: 100},
		Checkpoint: CheckpointConfig{Backend: "file", Path: "state.json"},
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	if err := validConfig().Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing endpoint", func(c *Config) { c.Source.Endpoint = " " }, "source.endpoint"},
		{"page too large", func(c *Config) { c.Source.PerPage = MaxPerPage + 1 }, "source.per_page"},
		{"page zero", func(c *Config) { c.Source.PerPage = 0 }, "source.per_page"},
		{"invalid timeout", func(c *Config) { c.HTTP.TimeoutSeconds = 0 }, "http.timeout_seconds"},
		{"max below base", func(c *Config) { c.Backoff.MaxDelayMs = 10 }, "backoff.max_delay_ms"},
		{"bad max pages", func(c *Config) { c.Pipeline.MaxPages = "lots" }, "pipeline.max_pages"},
		{"zero checkpoint cadence", func(c *Config) { c.Pipeline.CheckpointEvery = 0 }, "pipeline.checkpoint_every"},
		{"zero buffer", func(c *Config) { c.Sink.BufferSize = 0 }, "sink.buffer_size"},
		{"gcs without bucket", func(c *Config) { c.Upload.Provider = "gcs" }, "upload.bucket"},
		{"unknown upload", func(c *Config) { c.Upload.Provider = "ftp" }, "upload.provider"},
		{"pubsub without topic", func(c *Config) { c.Notify.Provider = "pubsub" }, "notify.project_id"},
		{"postgres without dsn", func(c *Config) { c.Checkpoint.Backend = "postgres" }, "checkpoint.postgres.dsn"},
		{"unknown backend", func(c *Config) { c.Checkpoint.Backend = "redis" }, "checkpoint.backend"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
