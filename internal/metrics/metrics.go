// Package metrics exposes Prometheus collectors for the ingest pipeline.
package metrics

import (
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors groups every pipeline metric. A nil *Collectors is valid and
// records nothing.
type Collectors struct {
	pagesTotal         prometheus.Counter
	recordsTotal       prometheus.Counter
	requestsTotal      *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	errorsTotal        *prometheus.CounterVec
	currentDelay       prometheus.Gauge
	consecutiveErrors  prometheus.Gauge
	cooldownsTotal     prometheus.Counter
	flushesTotal       *prometheus.CounterVec
	flushedBytesTotal  prometheus.Counter
	uploadsTotal       *prometheus.CounterVec
	checkpointsTotal   *prometheus.CounterVec
	transformFallbacks prometheus.Counter
}

// New registers the collectors against reg.
func New(reg prometheus.Registerer) *Collectors {
	f := promauto.With(reg)
	return &Collectors{
		pagesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "ingest_pages_total",
			Help: "Total number of pages fully processed.",
		}),
		recordsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "ingest_records_total",
			Help: "Total number of records buffered into the sink.",
		}),
		requestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_requests_total",
			Help: "Total number of page requests, labeled by host and outcome.",
		}, []string{"host", "outcome"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ingest_request_duration_seconds",
			Help:    "Histogram of page request latencies, labeled by outcome.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 16, 30},
		}, []string{"outcome"}),
		errorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_errors_total",
			Help: "Total number of classified errors, labeled by kind.",
		}, []string{"kind"}),
		currentDelay: f.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_backoff_delay_seconds",
			Help: "Current adaptive pre-request delay.",
		}),
		consecutiveErrors: f.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_consecutive_errors",
			Help: "Current consecutive classified error count.",
		}),
		cooldownsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "ingest_rate_limit_cooldowns_total",
			Help: "Total number of rate-limit cooldown pauses.",
		}),
		flushesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_sink_flushes_total",
			Help: "Total number of sink flushes, labeled by result.",
		}, []string{"result"}),
		flushedBytesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "ingest_sink_bytes_total",
			Help: "Total compressed bytes appended to the output file.",
		}),
		uploadsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_uploads_total",
			Help: "Total number of output uploads, labeled by result.",
		}, []string{"result"}),
		checkpointsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_checkpoint_saves_total",
			Help: "Total number of checkpoint saves, labeled by result.",
		}, []string{"result"}),
		transformFallbacks: f.NewCounter(prometheus.CounterOpts{
			Name: "ingest_transform_serial_fallbacks_total",
			Help: "Total number of pages re-mapped serially after a concurrent failure.",
		}),
	}
}

// SanitizeHost extracts a lowercase hostname from rawURL, or "unknown".
func SanitizeHost(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// ObservePage records one fully processed page.
func (c *Collectors) ObservePage(records int) {
	if c == nil {
		return
	}
	c.pagesTotal.Inc()
	c.recordsTotal.Add(float64(records))
}

// ObserveRequest records a completed or failed page request.
func (c *Collectors) ObserveRequest(host, outcome string, latency time.Duration) {
	if c == nil {
		return
	}
	c.requestsTotal.WithLabelValues(host, outcome).Inc()
	c.requestDuration.WithLabelValues(outcome).Observe(latency.Seconds())
}

// ObserveError records one classified error.
func (c *Collectors) ObserveError(kind string) {
	if c == nil {
		return
	}
	c.errorsTotal.WithLabelValues(kind).Inc()
}

// SetDelay exports the current backoff delay.
func (c *Collectors) SetDelay(d time.Duration) {
	if c == nil {
		return
	}
	c.currentDelay.Set(d.Seconds())
}

// SetConsecutiveErrors exports the consecutive error counter.
func (c *Collectors) SetConsecutiveErrors(n int) {
	if c == nil {
		return
	}
	c.consecutiveErrors.Set(float64(n))
}

// ObserveCooldown records one rate-limit pause.
func (c *Collectors) ObserveCooldown() {
	if c == nil {
		return
	}
	c.cooldownsTotal.Inc()
}

// ObserveFlush records one sink flush.
func (c *Collectors) ObserveFlush(result string, bytes int) {
	if c == nil {
		return
	}
	c.flushesTotal.WithLabelValues(result).Inc()
	if bytes > 0 {
		c.flushedBytesTotal.Add(float64(bytes))
	}
}

// ObserveUpload records one upload attempt.
func (c *Collectors) ObserveUpload(result string) {
	if c == nil {
		return
	}
	c.uploadsTotal.WithLabelValues(result).Inc()
}

// ObserveCheckpoint records one checkpoint save attempt.
func (c *Collectors) ObserveCheckpoint(result string) {
	if c == nil {
		return
	}
	c.checkpointsTotal.WithLabelValues(result).Inc()
}

// ObserveTransformFallback records one serial re-map.
func (c *Collectors) ObserveTransformFallback() {
	if c == nil {
		return
	}
	c.transformFallbacks.Inc()
}
