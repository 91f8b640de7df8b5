// Package fetch issues paged requests against the persisted-query catalog
// endpoint and adapts the inter-request delay to observed latency.
package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/JakeFAU/catalog-ingest/internal/catalog"
	"github.com/JakeFAU/catalog-ingest/internal/clock/system"
	"github.com/JakeFAU/catalog-ingest/internal/policy/ratelimit"
)

const (
	// MinPageSize and MaxPageSize bound the per-request item count.
	MinPageSize = 1
	MaxPageSize = 10000

	maxBodyBytes = 64 << 20
)

// Config is the immutable configuration of one Client.
type Config struct {
	Endpoint          string
	OperationName     string
	QueryHash         string
	QueryVersion      int
	PageSize          int
	Locale            string
	SortBy            string
	SortOrder         string
	TitleTypes        []string
	ExcludeTitleTypes []string
	UserAgent         string
	Timeout           time.Duration
	MaxConnections    int
	MaxKeepAlive      int

	// MaxRPS is a hard request ceiling; zero leaves pacing to the backoff.
	MaxRPS  float64
	Burst   int
	Backoff BackoffConfig
}

// Validate checks the configuration for obvious errors.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return fmt.Errorf("endpoint is required")
	}
	if c.OperationName == "" {
		return fmt.Errorf("operation name is required")
	}
	if c.QueryHash == "" {
		return fmt.Errorf("query hash is required")
	}
	if c.PageSize < MinPageSize || c.PageSize > MaxPageSize {
		return fmt.Errorf("page size must be between %d and %d, got %d", MinPageSize, MaxPageSize, c.PageSize)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be > 0")
	}
	if c.Backoff.BaseDelay < 0 || c.Backoff.Step < 0 || c.Backoff.Threshold < 0 {
		return fmt.Errorf("backoff durations must be >= 0")
	}
	if c.MaxRPS < 0 {
		return fmt.Errorf("max rps must be >= 0")
	}
	if c.Backoff.MaxDelay < c.Backoff.BaseDelay {
		return fmt.Errorf("backoff max delay must be >= base delay")
	}
	return nil
}

// Option customizes a Client.
type Option func(*Client)

// WithClock overrides the clock used for backoff sleeps.
func WithClock(clk catalog.Clock) Option {
	return func(c *Client) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// WithTransport overrides the round tripper, mainly for tests.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		if rt != nil {
			c.http.Transport = rt
		}
	}
}

// Client is the backoff-aware fetch client. The backoff state is owned by
// the orchestrator goroutine; Fetch itself is safe to call concurrently.
type Client struct {
	cfg     Config
	http    *http.Client
	backoff *Backoff
	limiter *ratelimit.Limiter
	clock   catalog.Clock
}

var _ catalog.Fetcher = (*Client)(nil)

// New builds a Client with one pooled transport for the run.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("fetch config: %w", err)
	}
	if cfg.QueryVersion == 0 {
		cfg.QueryVersion = 1
	}
	c := &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: newTransport(cfg),
		},
		backoff: NewBackoff(cfg.Backoff),
		limiter: ratelimit.New(ratelimit.Config{RPS: cfg.MaxRPS, Burst: cfg.Burst}),
		clock:   system.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func newTransport(cfg Config) *http.Transport {
	base := http.DefaultTransport.(*http.Transport).Clone()
	base.ForceAttemptHTTP2 = true
	if cfg.MaxConnections > 0 {
		base.MaxConnsPerHost = cfg.MaxConnections
	}
	if cfg.MaxKeepAlive > 0 {
		base.MaxIdleConns = cfg.MaxKeepAlive
		base.MaxIdleConnsPerHost = cfg.MaxKeepAlive
	}
	return base
}

// Fetch issues one page request and returns the raw response with the
// round-trip latency. Any returned error is a transport fault; HTTP status
// interpretation is left to the classifier.
func (c *Client) Fetch(ctx context.Context, cursor catalog.Cursor) (catalog.Response, time.Duration, error) {
	body, err := json.Marshal(BuildPayload(c.cfg, cursor))
	if err != nil {
		return catalog.Response{}, 0, fmt.Errorf("encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return catalog.Response{}, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	if c.cfg.Locale != "" {
		req.Header.Set("Accept-Language", c.cfg.Locale)
	}

	if !c.limiter.Unlimited() {
		if _, err := c.limiter.Wait(ctx, c.cfg.Endpoint); err != nil {
			return catalog.Response{}, 0, err
		}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return catalog.Response{}, time.Since(start), err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	latency := time.Since(start)
	if err != nil {
		return catalog.Response{}, latency, fmt.Errorf("read body: %w", err)
	}
	return catalog.Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       data,
	}, latency, nil
}

// UpdateBackoff folds a completed request latency into the controller.
func (c *Client) UpdateBackoff(latency time.Duration) {
	c.backoff.Update(latency)
}

// ApplyBackoff sleeps the current delay, returning early if ctx is done.
func (c *Client) ApplyBackoff(ctx context.Context) error {
	d := c.backoff.Delay()
	if d <= 0 {
		return ctx.Err()
	}
	return c.clock.Sleep(ctx, d)
}

// ShouldPipeline reports whether the next fetch may overlap local work.
func (c *Client) ShouldPipeline(latency time.Duration) bool {
	return c.backoff.ShouldPipeline(latency)
}

// CurrentDelay returns the current pre-request delay.
func (c *Client) CurrentDelay() time.Duration {
	return c.backoff.Delay()
}

// Close releases idle pooled connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}
