// Package pipeline drives the crawl: fetch, classify, transform, buffer and
// checkpoint one page at a time, with at most one page prefetched.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-ingest/internal/catalog"
	"github.com/JakeFAU/catalog-ingest/internal/classify"
	"github.com/JakeFAU/catalog-ingest/internal/metrics"
)

// Transformer maps one page of raw items into records, preserving order.
type Transformer interface {
	Map(ctx context.Context, items []catalog.RawItem, pageIndex int) ([]catalog.Record, error)
}

// Config tunes the orchestrator.
type Config struct {
	// MaxPages bounds the absolute page number; zero means unlimited.
	MaxPages             int
	Resume               bool
	Prefetch             bool
	CheckpointEvery      int
	UploadEvery          int
	MaxConsecutiveErrors int
	RateLimitCooldown    time.Duration
	MaxSearchDepth       int
	// SourceHost labels request metrics.
	SourceHost string
}

// Deps are the collaborators the orchestrator owns for one run.
type Deps struct {
	Fetcher     catalog.Fetcher
	Transformer Transformer
	Sink        catalog.Sink
	Checkpoints catalog.CheckpointStore
	Clock       catalog.Clock
	Metrics     *metrics.Collectors
}

// Result summarises a finished run.
type Result struct {
	Reason            StopReason
	LastPage          int
	PagesProcessed    int
	RecordsWritten    int
	TotalRecords      int
	Cursor            catalog.Cursor
	ConsecutiveErrors int
	Resumed           bool
}

// Pipeline is the crawl orchestrator. Run may be called once.
type Pipeline struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
	status status
}

// New builds a Pipeline, filling zero config values with defaults.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Pipeline, error) {
	switch {
	case deps.Fetcher == nil:
		return nil, fmt.Errorf("fetcher is required")
	case deps.Transformer == nil:
		return nil, fmt.Errorf("transformer is required")
	case deps.Sink == nil:
		return nil, fmt.Errorf("sink is required")
	case deps.Checkpoints == nil:
		return nil, fmt.Errorf("checkpoint store is required")
	case deps.Clock == nil:
		return nil, fmt.Errorf("clock is required")
	}
	if cfg.CheckpointEvery <= 0 {
		cfg.CheckpointEvery = 10
	}
	if cfg.UploadEvery <= 0 {
		cfg.UploadEvery = 50
	}
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = 5
	}
	if cfg.RateLimitCooldown < 0 {
		cfg.RateLimitCooldown = 0
	}
	if cfg.SourceHost == "" {
		cfg.SourceHost = "unknown"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{deps: deps, cfg: cfg, logger: logger.Named("pipeline")}
	p.status.update(func(s *Snapshot) { s.State = StateInit })
	return p, nil
}

// Snapshot returns the current progress view; safe for concurrent use.
func (p *Pipeline) Snapshot() Snapshot {
	return p.status.get()
}

// run holds the mutable state owned by the control goroutine.
type run struct {
	cursor       catalog.Cursor
	pageNo       int
	baseRecords  int
	sample       *catalog.Record
	pages        int
	records      int
	consecutive  int
	resumed      bool
	reason       StopReason
	err          error
	pending      *inflight
	skipBackoff  bool
	requestsSent int
}

type fetchResult struct {
	resp    catalog.Response
	latency time.Duration
	err     error
}

// inflight is a prefetched request for the next cursor.
type inflight struct {
	cursor catalog.Cursor
	done   chan fetchResult
	cancel context.CancelFunc
}

func (f *inflight) wait() fetchResult {
	res := <-f.done
	f.cancel()
	return res
}

func (f *inflight) abort() {
	f.cancel()
	<-f.done
}

func (p *Pipeline) transition(st State) {
	p.status.update(func(s *Snapshot) { s.State = st })
	p.logger.Debug("state", zap.String("state", string(st)))
}

// Run crawls until a stop condition holds. The returned error is non-nil
// only for sink failures and unexpected faults; every other stop is a clean
// exit described by Result.Reason.
func (p *Pipeline) Run(ctx context.Context) (Result, error) {
	r := &run{}
	p.transition(StateInit)
	if p.cfg.Resume {
		p.resume(ctx, r)
	}

	p.loop(ctx, r)
	p.finish(ctx, r)

	p.status.update(func(s *Snapshot) {
		s.State = StateStop
		s.Stopped = true
		s.Reason = r.reason
	})
	res := Result{
		Reason:            r.reason,
		LastPage:          r.pageNo,
		PagesProcessed:    r.pages,
		RecordsWritten:    r.records,
		TotalRecords:      r.baseRecords + r.records,
		Cursor:            r.cursor,
		ConsecutiveErrors: r.consecutive,
		Resumed:           r.resumed,
	}
	p.logger.Info("crawl stopped",
		zap.String("reason", string(r.reason)),
		zap.Int("last_page", r.pageNo),
		zap.Int("pages", r.pages),
		zap.Int("records", r.records),
		zap.Int("total_records", res.TotalRecords),
		zap.Bool("cursor_present", r.cursor != nil),
	)
	return res, r.err
}

func (p *Pipeline) resume(ctx context.Context, r *run) {
	p.transition(StateResuming)
	cp, err := p.deps.Checkpoints.Load(ctx)
	switch {
	case err != nil:
		p.logger.Warn("checkpoint load failed, starting fresh", zap.Error(err))
	case cp == nil:
		p.logger.Info("no checkpoint found, starting fresh")
	default:
		// A nil cursor marks a finished crawl: the walk restarts at the first
		// page while numbering continues from the saved page.
		r.cursor = cp.Cursor
		r.pageNo = cp.PageNo
		r.baseRecords = cp.RecordsCount
		r.sample = cp.SampleRecord
		r.resumed = true
		msg := "resuming from checkpoint"
		if cp.Cursor == nil {
			msg = "previous crawl finished, restarting from the first page"
		}
		p.logger.Info(msg,
			zap.Int("page_no", cp.PageNo),
			zap.Int("records_count", cp.RecordsCount),
			zap.Time("checkpoint_at", cp.Timestamp),
		)
	}
	p.status.update(func(s *Snapshot) { s.Page = r.pageNo })
}

func (p *Pipeline) loop(ctx context.Context, r *run) {
	for {
		if ctx.Err() != nil {
			r.reason = StopInterrupted
			return
		}

		fr, ok := p.fetch(ctx, r)
		if !ok {
			return
		}

		p.transition(StateClassify)
		page, cerr := p.classify(ctx, fr)
		if ctx.Err() != nil {
			r.reason = StopInterrupted
			return
		}
		if cerr != nil {
			if !p.handleError(ctx, r, cerr) {
				return
			}
			continue
		}
		r.consecutive = 0
		p.deps.Metrics.SetConsecutiveErrors(0)

		nextPage := r.pageNo + 1
		stop, nextCursor := p.stopCondition(page, nextPage)

		if stop == "" && p.cfg.Prefetch {
			if err := p.deps.Fetcher.ApplyBackoff(ctx); err != nil {
				r.reason = StopInterrupted
				return
			}
			r.skipBackoff = true
			if p.deps.Fetcher.ShouldPipeline(fr.latency) {
				r.pending = p.startFetch(ctx, nextCursor)
				p.logger.Debug("prefetching next page", zap.Int("page", nextPage+1))
			}
		}

		p.transition(StateTransform)
		records, err := p.deps.Transformer.Map(ctx, page.Items, r.pageNo)
		if err != nil {
			if ctx.Err() != nil {
				r.reason = StopInterrupted
				return
			}
			p.dropPending(r)
			if !p.handleError(ctx, r, asClassified(err)) {
				return
			}
			continue
		}

		p.transition(StateBuffer)
		if err := p.deps.Sink.Add(records...); err != nil {
			r.reason = StopSinkFailure
			r.err = fmt.Errorf("buffer page %d: %w", nextPage, err)
			p.logger.Error("sink write failed", zap.Int("page", nextPage), zap.Error(err))
			return
		}

		r.pageNo = nextPage
		r.cursor = nextCursor
		r.pages++
		r.records += len(records)
		if len(records) > 0 {
			last := records[len(records)-1]
			r.sample = &last
		}
		p.deps.Metrics.ObservePage(len(records))
		p.status.update(func(s *Snapshot) {
			s.Page = r.pageNo
			s.PagesThisRun = r.pages
			s.RecordsThisRun = r.records
			s.ConsecutiveErrors = 0
		})
		p.logger.Info("page processed",
			zap.Int("page", r.pageNo),
			zap.Int("records", len(records)),
			zap.Int("total_records", r.baseRecords+r.records),
			zap.Duration("latency", fr.latency),
			zap.Duration("delay", p.deps.Fetcher.CurrentDelay()),
			zap.Bool("prefetched", r.pending != nil),
		)

		if stop != "" {
			r.reason = stop
			if stop != StopPageLimit {
				r.cursor = nil
			}
			return
		}

		if r.pageNo%p.cfg.CheckpointEvery == 0 {
			p.transition(StateCheckpoint)
			if err := p.checkpoint(ctx, r); err != nil {
				r.reason = StopSinkFailure
				r.err = err
				return
			}
		}
		if r.pageNo%p.cfg.UploadEvery == 0 {
			if err := p.upload(ctx, r); err != nil {
				r.reason = StopSinkFailure
				r.err = err
				return
			}
		}
		p.transition(StateContinue)
	}
}

// fetch returns the response for r.cursor, awaiting a prefetch if one is in
// flight. ok is false when the loop must stop.
func (p *Pipeline) fetch(ctx context.Context, r *run) (fetchResult, bool) {
	p.transition(StateFetch)
	if r.pending != nil {
		fr := r.pending.wait()
		r.pending = nil
		r.skipBackoff = false
		return fr, true
	}
	if r.requestsSent > 0 && !r.skipBackoff {
		if err := p.deps.Fetcher.ApplyBackoff(ctx); err != nil {
			r.reason = StopInterrupted
			return fetchResult{}, false
		}
	}
	r.skipBackoff = false
	r.requestsSent++
	resp, latency, err := p.deps.Fetcher.Fetch(ctx, r.cursor)
	return fetchResult{resp: resp, latency: latency, err: err}, true
}

func (p *Pipeline) startFetch(ctx context.Context, cursor catalog.Cursor) *inflight {
	fctx, cancel := context.WithCancel(ctx)
	f := &inflight{cursor: cursor, done: make(chan fetchResult, 1), cancel: cancel}
	go func() {
		resp, latency, err := p.deps.Fetcher.Fetch(fctx, cursor)
		f.done <- fetchResult{resp: resp, latency: latency, err: err}
	}()
	return f
}

func (p *Pipeline) dropPending(r *run) {
	if r.pending == nil {
		return
	}
	r.pending.abort()
	r.pending = nil
}

// classify turns a fetch outcome into a page or a classified error, and
// feeds the latency of every completed request into the backoff controller.
func (p *Pipeline) classify(ctx context.Context, fr fetchResult) (catalog.Page, *catalog.Error) {
	if fr.err != nil {
		if ctx.Err() != nil {
			return catalog.Page{}, nil
		}
		cerr := classify.Fault(fr.err)
		p.deps.Metrics.ObserveRequest(p.cfg.SourceHost, cerr.Kind.String(), fr.latency)
		return catalog.Page{}, cerr
	}
	p.deps.Fetcher.UpdateBackoff(fr.latency)
	p.deps.Metrics.SetDelay(p.deps.Fetcher.CurrentDelay())
	res := classify.Response(fr.resp, p.cfg.MaxSearchDepth)
	outcome := "ok"
	if res.Err != nil {
		outcome = res.Err.Kind.String()
	}
	p.deps.Metrics.ObserveRequest(p.cfg.SourceHost, outcome, fr.latency)
	return res.Page, res.Err
}

// stopCondition evaluates the terminal checks for a page that is about to
// become page number nextPage.
func (p *Pipeline) stopCondition(page catalog.Page, nextPage int) (StopReason, catalog.Cursor) {
	switch {
	case page.EndCursor == nil:
		return StopExhausted, nil
	case page.HasNextPage != nil && !*page.HasNextPage:
		return StopNoNextPage, page.EndCursor
	case p.cfg.MaxPages > 0 && nextPage >= p.cfg.MaxPages:
		return StopPageLimit, page.EndCursor
	default:
		return "", page.EndCursor
	}
}

// handleError applies the retry policy to one classified failure. It
// returns false when the loop must stop.
func (p *Pipeline) handleError(ctx context.Context, r *run, cerr *catalog.Error) bool {
	p.deps.Metrics.ObserveError(cerr.Kind.String())
	if !cerr.Kind.Retryable() {
		r.reason = StopUnexpected
		r.err = cerr
		p.logger.Error("unexpected fault, stopping",
			zap.String("kind", cerr.Kind.String()),
			zap.Int("page", r.pageNo+1),
			zap.Bool("cursor_present", r.cursor != nil),
			zap.Error(cerr),
		)
		return false
	}

	r.consecutive++
	p.deps.Metrics.SetConsecutiveErrors(r.consecutive)
	p.status.update(func(s *Snapshot) { s.ConsecutiveErrors = r.consecutive })
	fields := []zap.Field{
		zap.String("kind", cerr.Kind.String()),
		zap.Int("status_code", cerr.StatusCode),
		zap.Int("consecutive_errors", r.consecutive),
		zap.Int("page", r.pageNo+1),
		zap.Error(cerr),
	}
	if cerr.RetryAfter > 0 {
		fields = append(fields, zap.Duration("retry_after", cerr.RetryAfter))
	}
	if r.consecutive >= p.cfg.MaxConsecutiveErrors {
		r.reason = StopTooManyErrors
		p.logger.Error("too many consecutive errors, stopping", fields...)
		return false
	}
	p.logger.Warn("page request failed, retrying same cursor", fields...)

	if cerr.Kind == catalog.KindRateLimited {
		p.transition(StateRateLimited)
		p.deps.Metrics.ObserveCooldown()
		p.logger.Info("rate limited, cooling down", zap.Duration("cooldown", p.cfg.RateLimitCooldown))
		if err := p.deps.Clock.Sleep(ctx, p.cfg.RateLimitCooldown); err != nil {
			r.reason = StopInterrupted
			return false
		}
	}
	return true
}

func asClassified(err error) *catalog.Error {
	var cerr *catalog.Error
	if errors.As(err, &cerr) {
		return cerr
	}
	return catalog.NewError(catalog.KindMalformedPayload, err, "transform page")
}

// checkpoint flushes the sink so every checkpointed record is durable, then
// saves the marker. Only a flush failure is returned; save failures are
// logged.
func (p *Pipeline) checkpoint(ctx context.Context, r *run) error {
	if err := p.deps.Sink.Flush(); err != nil {
		p.logger.Error("flush before checkpoint failed", zap.Int("page", r.pageNo), zap.Error(err))
		return fmt.Errorf("flush before checkpoint: %w", err)
	}
	cp := catalog.Checkpoint{
		Timestamp:    p.deps.Clock.Now().UTC(),
		Cursor:       r.cursor,
		PageNo:       r.pageNo,
		RecordsCount: r.baseRecords + r.records,
		SampleRecord: r.sample,
	}
	if err := p.deps.Checkpoints.Save(ctx, cp); err != nil {
		p.deps.Metrics.ObserveCheckpoint("error")
		p.logger.Warn("checkpoint save failed", zap.Int("page", r.pageNo), zap.Error(err))
		return nil
	}
	p.deps.Metrics.ObserveCheckpoint("ok")
	p.logger.Info("checkpoint saved",
		zap.Int("page_no", cp.PageNo),
		zap.Int("records_count", cp.RecordsCount),
		zap.Bool("cursor_present", cp.Cursor != nil),
	)
	return nil
}

// finish runs on every exit path: cancel and await any prefetch, write the
// final checkpoint, release the sink, then make a best-effort upload.
func (p *Pipeline) finish(ctx context.Context, r *run) {
	p.dropPending(r)
	cleanup := context.WithoutCancel(ctx)

	if r.pages > 0 && r.reason != StopSinkFailure {
		p.transition(StateCheckpoint)
		if err := p.checkpoint(cleanup, r); err != nil {
			r.reason = StopSinkFailure
			r.err = err
		}
	}
	if err := p.deps.Sink.Close(); err != nil {
		p.logger.Error("sink close failed", zap.Error(err))
		if r.err == nil {
			r.reason = StopSinkFailure
			r.err = fmt.Errorf("close sink: %w", err)
		}
	}
	if err := p.upload(cleanup, r); err != nil && r.err == nil {
		r.reason = StopSinkFailure
		r.err = err
	}
}

// upload flushes the sink, then ships the file. Upload failures are logged by
// the sink and tolerated; any other error means the local file is suspect.
func (p *Pipeline) upload(ctx context.Context, r *run) error {
	if err := p.deps.Sink.Flush(); err != nil {
		p.logger.Error("flush before upload failed", zap.Int("page", r.pageNo), zap.Error(err))
		return fmt.Errorf("flush before upload: %w", err)
	}
	err := p.deps.Sink.Upload(ctx)
	if err == nil || catalog.KindOf(err) == catalog.KindUpload {
		return nil
	}
	p.logger.Error("upload aborted by sink failure", zap.Int("page", r.pageNo), zap.Error(err))
	return fmt.Errorf("upload: %w", err)
}
