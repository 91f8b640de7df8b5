// Package app builds the long-lived collaborators of one crawl run from the
// loaded configuration and owns their shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"cloud.google.com/go/pubsub"
	gcs "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-ingest/internal/catalog"
	"github.com/JakeFAU/catalog-ingest/internal/checkpoint"
	"github.com/JakeFAU/catalog-ingest/internal/clock/system"
	"github.com/JakeFAU/catalog-ingest/internal/config"
	"github.com/JakeFAU/catalog-ingest/internal/fetch"
	"github.com/JakeFAU/catalog-ingest/internal/id/uuid"
	"github.com/JakeFAU/catalog-ingest/internal/metrics"
	"github.com/JakeFAU/catalog-ingest/internal/pipeline"
	memorypublisher "github.com/JakeFAU/catalog-ingest/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/catalog-ingest/internal/publisher/pubsub"
	"github.com/JakeFAU/catalog-ingest/internal/server"
	"github.com/JakeFAU/catalog-ingest/internal/sink"
	"github.com/JakeFAU/catalog-ingest/internal/storage"
	gcsstorage "github.com/JakeFAU/catalog-ingest/internal/storage/gcs"
	localstorage "github.com/JakeFAU/catalog-ingest/internal/storage/local"
	memorystorage "github.com/JakeFAU/catalog-ingest/internal/storage/memory"
	s3storage "github.com/JakeFAU/catalog-ingest/internal/storage/s3"
	"github.com/JakeFAU/catalog-ingest/internal/transform"
)

// RunIDLayout formats the UTC start time into a run identifier.
const RunIDLayout = "2006-01-02T15-04-05"

// RunID derives the run identifier from a start time.
func RunID(t time.Time) string {
	return t.UTC().Format(RunIDLayout)
}

// OutputFileName is the default sink file name for a run.
func OutputFileName(runID string) string {
	return "catalog_" + runID + ".jsonl.gz"
}

// closer releases one resource; closers run in reverse creation order.
type closer func() error

// App holds every collaborator of a crawl run.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	runID    string
	registry *prometheus.Registry
	fetcher  *fetch.Client
	sink     *sink.Sink
	pipeline *pipeline.Pipeline
	server   *server.Server
	closers  []closer
}

type options struct {
	clock     catalog.Clock
	blobStore catalog.BlobStore
	publisher catalog.Publisher
	ids       catalog.IDGenerator
}

// Option overrides a collaborator, mostly for tests.
type Option func(*options)

// WithClock replaces the system clock everywhere time is read or slept.
func WithClock(c catalog.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithBlobStore bypasses upload.provider and ships files to store.
func WithBlobStore(store catalog.BlobStore) Option {
	return func(o *options) { o.blobStore = store }
}

// WithPublisher bypasses notify.provider.
func WithPublisher(p catalog.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// WithIDGenerator replaces the UUIDv7 record id source.
func WithIDGenerator(ids catalog.IDGenerator) Option {
	return func(o *options) { o.ids = ids }
}

// New builds an App from cfg. Partially built resources are released when
// construction fails.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	o := options{clock: system.New(), ids: uuid.New()}
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &App{cfg: cfg, logger: logger, runID: RunID(o.clock.Now())}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(a.registry)

	maxPages, err := cfg.Pipeline.PageLimit()
	if err != nil {
		return nil, err
	}

	a.fetcher, err = fetch.New(FetchConfig(cfg), fetch.WithClock(o.clock))
	if err != nil {
		return nil, fmt.Errorf("init fetch client: %w", err)
	}
	a.closers = append(a.closers, func() error { a.fetcher.Close(); return nil })

	store, closeStore, err := OpenCheckpoints(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closeStore)

	sinkOpts := []sink.Option{sink.WithClock(o.clock), sink.WithMetrics(m)}
	blobStore := o.blobStore
	if blobStore == nil {
		var closeBlob closer
		blobStore, closeBlob, err = NewBlobStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, closeBlob)
	}
	if blobStore != nil {
		uploader, uerr := storage.NewObjectUploader(blobStore, cfg.Upload.Prefix, a.runID, logger)
		if uerr != nil {
			return nil, fmt.Errorf("init uploader: %w", uerr)
		}
		sinkOpts = append(sinkOpts, sink.WithUploader(uploader))
	}
	publisher := o.publisher
	if publisher == nil {
		var closePub closer
		publisher, closePub, err = NewPublisher(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, closePub)
	}
	if publisher != nil {
		sinkOpts = append(sinkOpts, sink.WithPublisher(publisher))
	}

	a.sink, err = sink.Open(sink.Config{
		Path:             a.OutputPath(),
		BufferSize:       cfg.Sink.BufferSize,
		CompressionLevel: cfg.Sink.CompressionLevel,
		RunID:            a.runID,
		NotifyTopic:      cfg.Notify.Topic,
	}, o.ids, logger, sinkOpts...)
	if err != nil {
		return nil, fmt.Errorf("open sink: %w", err)
	}
	a.closers = append(a.closers, a.sink.Close)

	mapper := transform.TitleMapper{SourceURL: cfg.Source.Endpoint, Clock: o.clock}
	pool := transform.NewPool(mapper, cfg.Pipeline.Workers, logger, transform.WithMetrics(m))

	a.pipeline, err = pipeline.New(pipeline.Deps{
		Fetcher:     a.fetcher,
		Transformer: pool,
		Sink:        a.sink,
		Checkpoints: store,
		Clock:       o.clock,
		Metrics:     m,
	}, pipeline.Config{
		MaxPages:             maxPages,
		Resume:               cfg.Pipeline.Resume,
		Prefetch:             cfg.Pipeline.Prefetch,
		CheckpointEvery:      cfg.Pipeline.CheckpointEvery,
		UploadEvery:          cfg.Pipeline.UploadEvery,
		MaxConsecutiveErrors: cfg.Pipeline.MaxConsecutiveErrors,
		RateLimitCooldown:    cfg.Pipeline.RateLimitCooldown(),
		MaxSearchDepth:       cfg.Pipeline.MaxSearchDepth,
		SourceHost:           metrics.SanitizeHost(cfg.Source.Endpoint),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("init pipeline: %w", err)
	}

	if cfg.Metrics.Addr != "" {
		a.server = server.New(a.pipeline, a.registry, logger)
	}

	logger.Info("application initialized",
		zap.String("run_id", a.runID),
		zap.String("output", a.OutputPath()),
		zap.Int("per_page", cfg.Source.PerPage),
		zap.Int("workers", pool.Workers()),
		zap.Int("max_pages", maxPages),
		zap.String("checkpoint_backend", cfg.Checkpoint.Backend),
		zap.String("upload_provider", cfg.Upload.Provider),
		zap.String("notify_provider", cfg.Notify.Provider),
	)
	return a, nil
}

// RunIdentifier returns the run id stamped on output and upload keys.
func (a *App) RunIdentifier() string {
	return a.runID
}

// OutputPath is the sink file for this run.
func (a *App) OutputPath() string {
	name := a.cfg.Sink.FileName
	if name == "" {
		name = OutputFileName(a.runID)
	}
	return filepath.Join(a.cfg.Sink.OutputDir, name)
}

// Registry exposes the run's Prometheus registry.
func (a *App) Registry() *prometheus.Registry {
	return a.registry
}

// Run crawls to completion, serving metrics alongside when configured.
func (a *App) Run(ctx context.Context) (pipeline.Result, error) {
	if a.server == nil {
		return a.pipeline.Run(ctx)
	}

	srvCtx, stop := context.WithCancel(ctx)
	srvDone := make(chan error, 1)
	go func() {
		srvDone <- a.server.Serve(srvCtx, a.cfg.Metrics.Addr)
	}()

	res, err := a.pipeline.Run(ctx)
	stop()
	if serr := <-srvDone; serr != nil {
		a.logger.Warn("metrics server stopped with error", zap.Error(serr))
	}
	return res, err
}

// Close releases every resource in reverse creation order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// FetchConfig maps the source, http and backoff sections onto the client.
func FetchConfig(cfg config.Config) fetch.Config {
	base, threshold, step, maxDelay := cfg.Backoff.Durations()
	return fetch.Config{
		Endpoint:          cfg.Source.Endpoint,
		OperationName:     cfg.Source.OperationName,
		QueryHash:         cfg.Source.QueryHash,
		QueryVersion:      cfg.Source.QueryVersion,
		PageSize:          cfg.Source.PerPage,
		Locale:            cfg.Source.Locale,
		SortBy:            cfg.Source.SortBy,
		SortOrder:         cfg.Source.SortOrder,
		TitleTypes:        cfg.Source.TitleTypes,
		ExcludeTitleTypes: cfg.Source.ExcludeTitleTypes,
		UserAgent:         cfg.HTTP.UserAgent,
		Timeout:           cfg.HTTP.Timeout(),
		MaxConnections:    cfg.HTTP.MaxConnections,
		MaxKeepAlive:      cfg.HTTP.MaxKeepAlive,
		MaxRPS:            cfg.HTTP.MaxRPS,
		Burst:             cfg.HTTP.Burst,
		Backoff: fetch.BackoffConfig{
			BaseDelay: base,
			Threshold: threshold,
			Step:      step,
			MaxDelay:  maxDelay,
		},
	}
}

func noop() error { return nil }

// OpenCheckpoints opens the configured checkpoint backend.
func OpenCheckpoints(ctx context.Context, cfg config.Config) (catalog.CheckpointStore, closer, error) {
	switch cfg.Checkpoint.Backend {
	case "", "file":
		return checkpoint.NewFileStore(cfg.Checkpoint.Path), noop, nil
	case "pebble":
		store, err := checkpoint.OpenPebble(cfg.Checkpoint.PebbleDir, cfg.Checkpoint.Name)
		if err != nil {
			return nil, nil, fmt.Errorf("open pebble checkpoint: %w", err)
		}
		return store, store.Close, nil
	case "postgres":
		store, err := checkpoint.NewPostgresStore(ctx, checkpoint.PostgresConfig{
			DSN:      cfg.Checkpoint.Postgres.DSN,
			Table:    cfg.Checkpoint.Postgres.Table,
			Name:     cfg.Checkpoint.Name,
			MaxConns: cfg.Checkpoint.Postgres.MaxConns,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres checkpoint: %w", err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("ensure checkpoint schema: %w", err)
		}
		return store, func() error { store.Close(); return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown checkpoint backend %q", cfg.Checkpoint.Backend)
	}
}

// NewBlobStore builds the upload target. A nil store means uploads are off.
func NewBlobStore(ctx context.Context, cfg config.Config) (catalog.BlobStore, closer, error) {
	switch cfg.Upload.Provider {
	case "", "none":
		return nil, noop, nil
	case "memory":
		return memorystorage.NewBlobStore(), noop, nil
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: cfg.Upload.LocalDir})
		if err != nil {
			return nil, nil, fmt.Errorf("init local upload store: %w", err)
		}
		return store, noop, nil
	case "gcs":
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("init gcs client: %w", err)
		}
		store, err := gcsstorage.New(client, gcsstorage.Config{
			Bucket:   cfg.Upload.Bucket,
			Metadata: map[string]string{"producer": "catalog-ingest"},
		})
		if err == nil {
			err = store.VerifyBucket(ctx)
		}
		if err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("init gcs upload store: %w", err)
		}
		return store, client.Close, nil
	case "s3":
		client, err := s3storage.NewClient(s3storage.Config{
			Endpoint:        cfg.Upload.S3.Endpoint,
			Bucket:          cfg.Upload.Bucket,
			Region:          cfg.Upload.S3.Region,
			AccessKeyID:     cfg.Upload.S3.AccessKeyID,
			SecretAccessKey: cfg.Upload.S3.SecretAccessKey,
			UseSSL:          cfg.Upload.S3.UseSSL,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("init s3 client: %w", err)
		}
		store, err := s3storage.New(client, cfg.Upload.Bucket)
		if err != nil {
			return nil, nil, fmt.Errorf("init s3 upload store: %w", err)
		}
		return store, noop, nil
	default:
		return nil, nil, fmt.Errorf("unknown upload provider %q", cfg.Upload.Provider)
	}
}

// NewPublisher builds the notification publisher. A nil publisher means
// notifications are off.
func NewPublisher(ctx context.Context, cfg config.Config) (catalog.Publisher, closer, error) {
	switch cfg.Notify.Provider {
	case "", "none":
		return nil, noop, nil
	case "memory":
		return memorypublisher.New(), noop, nil
	case "pubsub":
		client, err := pubsub.NewClient(ctx, cfg.Notify.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("init pubsub client: %w", err)
		}
		pub, err := gcppublisher.New(client, map[string]string{"source": "catalog-ingest"})
		if err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("init pubsub publisher: %w", err)
		}
		return pub, func() error {
			pub.Close()
			return client.Close()
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown notify provider %q", cfg.Notify.Provider)
	}
}
