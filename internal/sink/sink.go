// Package sink streams Records into a gzip-compressed NDJSON file. Each flush
// appends one complete gzip member, so the file is valid at every flush
// boundary and readable by any standard gzip reader.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-ingest/internal/catalog"
	"github.com/JakeFAU/catalog-ingest/internal/clock/system"
	"github.com/JakeFAU/catalog-ingest/internal/metrics"
)

// DefaultBufferSize is the record count that triggers an automatic flush.
const DefaultBufferSize = 100

// ErrClosed is returned when records are added after Close.
var ErrClosed = errors.New("sink is closed")

// Config controls one sink instance.
type Config struct {
	Path             string
	BufferSize       int
	CompressionLevel int
	RunID            string
	NotifyTopic      string
}

// Notification is published after each successful upload.
type Notification struct {
	RunID     string    `json:"run_id"`
	URI       string    `json:"uri"`
	File      string    `json:"file"`
	Records   int       `json:"records"`
	Bytes     int64     `json:"bytes"`
	Timestamp time.Time `json:"timestamp"`
}

// file is the subset of *os.File the sink relies on.
type file interface {
	Write(p []byte) (int, error)
	Sync() error
	Truncate(size int64) error
	Stat() (os.FileInfo, error)
	Close() error
}

// Option customizes a Sink.
type Option func(*Sink)

// WithUploader sets the off-box upload target.
func WithUploader(u catalog.Uploader) Option {
	return func(s *Sink) {
		s.uploader = u
	}
}

// WithPublisher sets the notification publisher used after uploads.
func WithPublisher(p catalog.Publisher) Option {
	return func(s *Sink) {
		s.publisher = p
	}
}

// WithClock overrides the clock used for notification timestamps.
func WithClock(c catalog.Clock) Option {
	return func(s *Sink) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithMetrics records flushes and uploads on m.
func WithMetrics(m *metrics.Collectors) Option {
	return func(s *Sink) {
		s.metrics = m
	}
}

// Sink is the streaming record sink. It is owned by the orchestrator; the
// mutex guards against stray calls from shutdown paths.
type Sink struct {
	cfg       Config
	ids       catalog.IDGenerator
	logger    *zap.Logger
	clock     catalog.Clock
	uploader  catalog.Uploader
	publisher catalog.Publisher
	metrics   *metrics.Collectors

	mu      sync.Mutex
	f       file
	size    int64
	buf     []catalog.Record
	added   int
	written int
	flushes int
	closed  bool
}

var _ catalog.Sink = (*Sink)(nil)

// Open creates the output directory and opens cfg.Path for appending.
func Open(cfg Config, ids catalog.IDGenerator, logger *zap.Logger, opts ...Option) (*Sink, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sink path is required")
	}
	if ids == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create output dir: %w", err)
		}
	}
	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open output file: %w", err)
	}
	return newSink(cfg, f, ids, logger, opts...)
}

func newSink(cfg Config, f file, ids catalog.IDGenerator, logger *zap.Logger, opts ...Option) (*Sink, error) {
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat output file: %w", err)
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.CompressionLevel == 0 {
		cfg.CompressionLevel = gzip.DefaultCompression
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Sink{
		cfg:    cfg,
		ids:    ids,
		logger: logger.Named("sink"),
		clock:  system.New(),
		f:      f,
		size:   info.Size(),
		buf:    make([]catalog.Record, 0, cfg.BufferSize),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Path returns the output file path.
func (s *Sink) Path() string {
	return s.cfg.Path
}

// Add assigns each record an identifier and buffers it, flushing once the
// buffer reaches the configured size. RecordID is stamped in place, so a
// caller passing records... sees the identifiers afterwards. On error the
// records of this call that are not yet on disk are dropped from the buffer.
func (s *Sink) Add(records ...catalog.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return catalog.NewError(catalog.KindSinkWrite, ErrClosed, "add")
	}
	start, added := len(s.buf), s.added
	rollback := func() {
		s.buf = s.buf[:start]
		s.added = added
	}
	for i := range records {
		id, err := s.ids.NewID()
		if err != nil {
			rollback()
			return catalog.NewError(catalog.KindSinkWrite, err, "generate record id")
		}
		records[i].RecordID = id
		s.buf = append(s.buf, records[i])
		s.added++
		if len(s.buf) >= s.cfg.BufferSize {
			if err := s.flushLocked(); err != nil {
				rollback()
				return err
			}
			start, added = 0, s.added
		}
	}
	return nil
}

// Flush durably appends every buffered record. On failure the file is
// restored to its previous size and the buffer is kept.
func (s *Sink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return s.flushLocked()
}

func (s *Sink) flushLocked() error {
	if len(s.buf) == 0 {
		return nil
	}
	member, err := s.encode(s.buf)
	if err != nil {
		s.metrics.ObserveFlush("error", 0)
		return catalog.NewError(catalog.KindSinkWrite, err, "encode records")
	}

	prev := s.size
	n, err := s.f.Write(member)
	if err == nil && n != len(member) {
		err = fmt.Errorf("short write: %d of %d bytes", n, len(member))
	}
	if err == nil {
		err = s.f.Sync()
	}
	if err != nil {
		if truncErr := s.f.Truncate(prev); truncErr != nil {
			s.logger.Error("failed to roll back partial flush",
				zap.String("path", s.cfg.Path),
				zap.Int64("size", prev),
				zap.Error(truncErr),
			)
		}
		s.metrics.ObserveFlush("error", 0)
		return catalog.NewError(catalog.KindSinkWrite, err, "append records")
	}

	s.size += int64(len(member))
	s.written += len(s.buf)
	s.flushes++
	s.metrics.ObserveFlush("ok", len(member))
	s.logger.Debug("flushed records",
		zap.Int("records", len(s.buf)),
		zap.Int("bytes", len(member)),
		zap.Int64("file_size", s.size),
	)
	s.buf = s.buf[:0]
	return nil
}

func (s *Sink) encode(records []catalog.Record) ([]byte, error) {
	var out bytes.Buffer
	zw, err := gzip.NewWriterLevel(&out, s.cfg.CompressionLevel)
	if err != nil {
		return nil, fmt.Errorf("gzip writer: %w", err)
	}
	enc := json.NewEncoder(zw)
	enc.SetEscapeHTML(false)
	for i := range records {
		if err := enc.Encode(&records[i]); err != nil {
			return nil, fmt.Errorf("encode record %s: %w", records[i].RecordID, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close gzip member: %w", err)
	}
	return out.Bytes(), nil
}

// Close flushes any remaining records and releases the file handle. Calls
// after the first are no-ops.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	flushErr := s.flushLocked()
	closeErr := s.f.Close()
	s.closed = true
	s.logger.Info("sink closed",
		zap.String("path", s.cfg.Path),
		zap.Int("records", s.written),
		zap.Int("flushes", s.flushes),
		zap.Int64("bytes", s.size),
	)
	if flushErr != nil {
		return flushErr
	}
	if closeErr != nil {
		return catalog.NewError(catalog.KindSinkWrite, closeErr, "close output file")
	}
	return nil
}

// Upload flushes and ships the current file through the uploader, then
// publishes a notification when a topic is configured. Callers treat the
// returned error as best-effort.
func (s *Sink) Upload(ctx context.Context) error {
	if s.uploader == nil {
		return nil
	}
	if err := s.Flush(); err != nil {
		return err
	}
	s.mu.Lock()
	records, size := s.written, s.size
	s.mu.Unlock()

	uri, err := s.uploader.Upload(ctx, s.cfg.Path)
	if err != nil {
		s.metrics.ObserveUpload("error")
		s.logger.Warn("upload failed, local file kept",
			zap.String("path", s.cfg.Path),
			zap.Error(err),
		)
		return catalog.NewError(catalog.KindUpload, err, "upload output file")
	}
	s.metrics.ObserveUpload("ok")
	s.logger.Info("uploaded output file",
		zap.String("uri", uri),
		zap.Int("records", records),
		zap.Int64("bytes", size),
	)
	s.notify(ctx, Notification{
		RunID:     s.cfg.RunID,
		URI:       uri,
		File:      filepath.Base(s.cfg.Path),
		Records:   records,
		Bytes:     size,
		Timestamp: s.clock.Now().UTC(),
	})
	return nil
}

func (s *Sink) notify(ctx context.Context, n Notification) {
	if s.publisher == nil || s.cfg.NotifyTopic == "" {
		return
	}
	id, err := s.publisher.Publish(ctx, s.cfg.NotifyTopic, n)
	if err != nil {
		s.logger.Warn("upload notification failed", zap.String("topic", s.cfg.NotifyTopic), zap.Error(err))
		return
	}
	s.logger.Debug("published upload notification", zap.String("topic", s.cfg.NotifyTopic), zap.String("message_id", id))
}

// RecordCount returns the number of records accepted so far, buffered or
// written.
func (s *Sink) RecordCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.added
}

// Written returns the number of records durably on disk.
func (s *Sink) Written() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

// Size returns the current file size in bytes.
func (s *Sink) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}
