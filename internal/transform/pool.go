// Package transform maps raw catalog nodes into Records on a bounded worker
// pool.
package transform

import (
	"context"
	"fmt"
	"runtime"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/catalog-ingest/internal/catalog"
	"github.com/JakeFAU/catalog-ingest/internal/metrics"
)

// MaxWorkers caps the pool size regardless of configuration.
const MaxWorkers = 24

// ClampWorkers resolves a configured worker count: non-positive selects
// runtime.NumCPU(), and the result is kept within [1, MaxWorkers].
func ClampWorkers(n int) int {
	if n <= 0 {
		n = runtime.NumCPU()
	}
	return max(1, min(n, MaxWorkers))
}

// Pool runs a Mapper over a page of items concurrently.
type Pool struct {
	mapper  catalog.Mapper
	workers int
	logger  *zap.Logger
	metrics *metrics.Collectors
}

// Option customizes a Pool.
type Option func(*Pool)

// WithMetrics records serial fallbacks on m.
func WithMetrics(m *metrics.Collectors) Option {
	return func(p *Pool) {
		p.metrics = m
	}
}

// NewPool builds a Pool. A nil logger disables logging.
func NewPool(mapper catalog.Mapper, workers int, logger *zap.Logger, opts ...Option) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		mapper:  mapper,
		workers: ClampWorkers(workers),
		logger:  logger.Named("transform"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Workers returns the effective pool size.
func (p *Pool) Workers() int {
	return p.workers
}

// Map transforms items in order. If any concurrent mapping fails, the whole
// page is re-mapped serially; a failure there is reported as a malformed
// payload so the orchestrator retries the page.
func (p *Pool) Map(ctx context.Context, items []catalog.RawItem, pageIndex int) ([]catalog.Record, error) {
	if len(items) == 0 {
		return []catalog.Record{}, nil
	}
	records, err := p.mapConcurrent(ctx, items, pageIndex)
	if err == nil {
		return records, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	p.logger.Warn("concurrent transform failed, retrying serially",
		zap.Int("page", pageIndex+1),
		zap.Int("items", len(items)),
		zap.Error(err),
	)
	p.metrics.ObserveTransformFallback()
	records, err = p.mapSerial(items, pageIndex)
	if err != nil {
		return nil, catalog.NewError(catalog.KindMalformedPayload, err, fmt.Sprintf("transform page %d", pageIndex+1))
	}
	return records, nil
}

func (p *Pool) mapConcurrent(ctx context.Context, items []catalog.RawItem, pageIndex int) ([]catalog.Record, error) {
	records := make([]catalog.Record, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i, item := range items {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rec, err := p.safeMap(item, pageIndex)
			if err != nil {
				return fmt.Errorf("item %d: %w", i, err)
			}
			records[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return records, nil
}

func (p *Pool) mapSerial(items []catalog.RawItem, pageIndex int) ([]catalog.Record, error) {
	records := make([]catalog.Record, 0, len(items))
	for i, item := range items {
		rec, err := p.safeMap(item, pageIndex)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func (p *Pool) safeMap(item catalog.RawItem, pageIndex int) (rec catalog.Record, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("mapper panic: %v", r)
		}
	}()
	return p.mapper.Map(item, pageIndex)
}
