package pipeline

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-ingest/internal/catalog"
	"github.com/JakeFAU/catalog-ingest/internal/checkpoint"
	"github.com/JakeFAU/catalog-ingest/internal/clock/fake"
	"github.com/JakeFAU/catalog-ingest/internal/fetch"
	"github.com/JakeFAU/catalog-ingest/internal/id/uuid"
	"github.com/JakeFAU/catalog-ingest/internal/sink"
	"github.com/JakeFAU/catalog-ingest/internal/transform"
)

// step is one scripted fetch outcome.
type step struct {
	resp catalog.Response
	err  error
}

type scriptedFetcher struct {
	mu        sync.Mutex
	steps     []step
	cursors   []catalog.Cursor
	backoffs  int
	updates   int
	pipelined bool
}

func (f *scriptedFetcher) Fetch(ctx context.Context, cursor catalog.Cursor) (catalog.Response, time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursors = append(f.cursors, cursor)
	if err := ctx.Err(); err != nil {
		return catalog.Response{}, 0, err
	}
	if len(f.steps) == 0 {
		return catalog.Response{}, 0, errors.New("script exhausted")
	}
	s := f.steps[0]
	f.steps = f.steps[1:]
	return s.resp, 10 * time.Millisecond, s.err
}

func (f *scriptedFetcher) UpdateBackoff(time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
}

func (f *scriptedFetcher) ApplyBackoff(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.backoffs++
	return ctx.Err()
}

func (f *scriptedFetcher) ShouldPipeline(time.Duration) bool { return f.pipelined }

func (f *scriptedFetcher) CurrentDelay() time.Duration { return 150 * time.Millisecond }

func (f *scriptedFetcher) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.cursors))
	for i, c := range f.cursors {
		out[i] = catalog.CursorString(c)
	}
	return out
}

func pageBody(hasNext *bool, cursor string, ids ...string) []byte {
	edges := make([]any, len(ids))
	for i, id := range ids {
		edges[i] = map[string]any{"node": map[string]any{"title": map[string]any{
			"id":        id,
			"titleText": map[string]any{"text": "Title " + id},
		}}}
	}
	info := map[string]any{}
	if hasNext != nil {
		info["hasNextPage"] = *hasNext
	}
	if cursor != "" {
		info["endCursor"] = cursor
	} else {
		info["endCursor"] = nil
	}
	body, _ := json.Marshal(map[string]any{"data": map[string]any{
		"advancedTitleSearch": map[string]any{"edges": edges, "pageInfo": info},
	}})
	return body
}

func ok(body []byte) step {
	return step{resp: catalog.Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: body}}
}

func statusStep(code int) step {
	return step{resp: catalog.Response{StatusCode: code, Header: http.Header{}, Body: []byte(`{}`)}}
}

func boolPtr(b bool) *bool { return &b }

type harness struct {
	fetcher *scriptedFetcher
	sink    *sink.Sink
	store   *checkpoint.FileStore
	clock   *fake.Clock
	path    string
}

func newHarness(t *testing.T, steps ...step) *harness {
	t.Helper()
	dir := t.TempDir()
	clk := fake.New(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	path := filepath.Join(dir, "out.jsonl.gz")
	s, err := sink.Open(sink.Config{Path: path, BufferSize: 1000}, uuid.New(), nil, sink.WithClock(clk))
	require.NoError(t, err)
	return &harness{
		fetcher: &scriptedFetcher{steps: steps},
		sink:    s,
		store:   checkpoint.NewFileStore(filepath.Join(dir, "state.json")),
		clock:   clk,
		path:    path,
	}
}

func (h *harness) pipeline(t *testing.T, cfg Config) *Pipeline {
	t.Helper()
	pool := transform.NewPool(transform.TitleMapper{SourceURL: "https://example.test", Clock: h.clock}, 2, nil)
	p, err := New(Deps{
		Fetcher:     h.fetcher,
		Transformer: pool,
		Sink:        h.sink,
		Checkpoints: h.store,
		Clock:       h.clock,
	}, cfg, nil)
	require.NoError(t, err)
	return p
}

func (h *harness) checkpoint(t *testing.T) *catalog.Checkpoint {
	t.Helper()
	cp, err := h.store.Load(context.Background())
	require.NoError(t, err)
	return cp
}

func readRecords(t *testing.T, path string) []catalog.Record {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	require.NoError(t, err)
	if info.Size() == 0 {
		return nil
	}
	zr, err := gzip.NewReader(f)
	require.NoError(t, err)
	defer func() { _ = zr.Close() }()

	var out []catalog.Record
	scanner := bufio.NewScanner(zr)
	for scanner.Scan() {
		var rec catalog.Record
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		out = append(out, rec)
	}
	require.NoError(t, scanner.Err())
	return out
}

func TestRunCrawlsUntilExhausted(t *testing.T) {
	t.Parallel()

	h := newHarness(t,
		ok(pageBody(boolPtr(true), "c1", "tt1", "tt2")),
		ok(pageBody(boolPtr(true), "c2", "tt3")),
		ok(pageBody(nil, "", "tt4")),
	)
	res, err := h.pipeline(t, Config{}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StopExhausted, res.Reason)
	assert.Equal(t, 3, res.PagesProcessed)
	assert.Equal(t, 4, res.RecordsWritten)
	assert.Nil(t, res.Cursor)
	assert.Equal(t, []string{"", "c1", "c2"}, h.fetcher.seen())
	assert.Equal(t, 2, h.fetcher.backoffs)
	assert.Equal(t, 3, h.fetcher.updates)

	recs := readRecords(t, h.path)
	require.Len(t, recs, 4)
	assert.Equal(t, []int{1, 1, 2, 3}, []int{recs[0].Page, recs[1].Page, recs[2].Page, recs[3].Page})

	cp := h.checkpoint(t)
	require.NotNil(t, cp)
	assert.Nil(t, cp.Cursor)
	assert.Equal(t, 3, cp.PageNo)
	assert.Equal(t, 4, cp.RecordsCount)
	require.NotNil(t, cp.SampleRecord)
	assert.Equal(t, "tt4", cp.SampleRecord.TitleID)
	assert.Equal(t, recs[3].RecordID, cp.SampleRecord.RecordID)
}

func TestRunResumesFromCheckpoint(t *testing.T) {
	t.Parallel()

	h := newHarness(t, ok(pageBody(nil, "", "tt71")))
	require.NoError(t, h.store.Save(context.Background(), catalog.Checkpoint{
		Cursor: catalog.NewCursor("C7"), PageNo: 7, RecordsCount: 70,
	}))

	res, err := h.pipeline(t, Config{Resume: true}).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Resumed)
	assert.Equal(t, []string{"C7"}, h.fetcher.seen())

	recs := readRecords(t, h.path)
	require.Len(t, recs, 1)
	assert.Equal(t, 8, recs[0].Page)

	cp := h.checkpoint(t)
	assert.Equal(t, 8, cp.PageNo)
	assert.Equal(t, 71, cp.RecordsCount)
}

func TestRunFinishedCheckpointRestartsWithSeededPage(t *testing.T) {
	t.Parallel()

	h := newHarness(t, ok(pageBody(nil, "", "tt1")))
	require.NoError(t, h.store.Save(context.Background(), catalog.Checkpoint{PageNo: 40, RecordsCount: 400}))

	res, err := h.pipeline(t, Config{Resume: true}).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Resumed)
	assert.Equal(t, []string{""}, h.fetcher.seen())

	recs := readRecords(t, h.path)
	require.Len(t, recs, 1)
	assert.Equal(t, 41, recs[0].Page)

	cp := h.checkpoint(t)
	assert.Equal(t, 41, cp.PageNo)
	assert.Equal(t, 401, cp.RecordsCount)
}

func TestRunStopsAfterConsecutiveErrors(t *testing.T) {
	t.Parallel()

	h := newHarness(t,
		statusStep(500), statusStep(500), statusStep(500), statusStep(500), statusStep(500), statusStep(500),
	)
	saved := catalog.Checkpoint{Cursor: catalog.NewCursor("C3"), PageNo: 3, RecordsCount: 30}
	require.NoError(t, h.store.Save(context.Background(), saved))

	p := h.pipeline(t, Config{Resume: true})
	res, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StopTooManyErrors, res.Reason)
	assert.Equal(t, 5, res.ConsecutiveErrors)
	assert.Equal(t, []string{"C3", "C3", "C3", "C3", "C3"}, h.fetcher.seen())

	cp := h.checkpoint(t)
	assert.Equal(t, "C3", catalog.CursorString(cp.Cursor))
	assert.Equal(t, 3, cp.PageNo)
	assert.Empty(t, readRecords(t, h.path))

	snap := p.Snapshot()
	assert.True(t, snap.Stopped)
	assert.Equal(t, StopTooManyErrors, snap.Reason)
}

func TestRunRateLimitCoolsDownAndResets(t *testing.T) {
	t.Parallel()

	h := newHarness(t, statusStep(http.StatusTooManyRequests), ok(pageBody(nil, "", "tt1")))
	res, err := h.pipeline(t, Config{RateLimitCooldown: time.Minute}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StopExhausted, res.Reason)
	assert.Equal(t, 0, res.ConsecutiveErrors)
	assert.Equal(t, []time.Duration{time.Minute}, h.clock.Sleeps())
	assert.Equal(t, []string{"", ""}, h.fetcher.seen())
}

func TestRunRetriesSameCursorOnTransientError(t *testing.T) {
	t.Parallel()

	h := newHarness(t,
		ok(pageBody(boolPtr(true), "c1", "tt1")),
		step{err: fmt.Errorf("read: %w", syscall.ECONNRESET)},
		ok(pageBody(nil, "", "tt2")),
	)
	res, err := h.pipeline(t, Config{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StopExhausted, res.Reason)
	assert.Equal(t, []string{"", "c1", "c1"}, h.fetcher.seen())
	assert.Len(t, readRecords(t, h.path), 2)
}

func TestRunRetriesMalformedPayload(t *testing.T) {
	t.Parallel()

	h := newHarness(t,
		ok([]byte(`{"errors":[{"message":"boom"}]}`)),
		ok(pageBody(nil, "", "tt1")),
	)
	res, err := h.pipeline(t, Config{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StopExhausted, res.Reason)
	assert.Len(t, h.fetcher.seen(), 2)
}

func TestRunStopsOnUnexpectedFault(t *testing.T) {
	t.Parallel()

	h := newHarness(t,
		ok(pageBody(boolPtr(true), "c1", "tt1")),
		step{err: errors.New("boom")},
	)
	res, err := h.pipeline(t, Config{}).Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, catalog.KindUnexpected, catalog.KindOf(err))
	assert.Equal(t, StopUnexpected, res.Reason)

	cp := h.checkpoint(t)
	require.NotNil(t, cp)
	assert.Equal(t, "c1", catalog.CursorString(cp.Cursor))
	assert.Equal(t, 1, cp.PageNo)
	assert.Len(t, readRecords(t, h.path), 1)
}

func TestRunPageLimitKeepsNextCursor(t *testing.T) {
	t.Parallel()

	h := newHarness(t,
		ok(pageBody(boolPtr(true), "c1", "tt1")),
		ok(pageBody(boolPtr(true), "c2", "tt2")),
		ok(pageBody(boolPtr(true), "c3", "tt3")),
	)
	res, err := h.pipeline(t, Config{MaxPages: 2}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StopPageLimit, res.Reason)
	assert.Equal(t, 2, res.PagesProcessed)

	cp := h.checkpoint(t)
	assert.Equal(t, "c2", catalog.CursorString(cp.Cursor))
	assert.Equal(t, 2, cp.PageNo)
}

func TestRunNoNextPageClearsCursor(t *testing.T) {
	t.Parallel()

	h := newHarness(t, ok(pageBody(boolPtr(false), "c1", "tt1")))
	res, err := h.pipeline(t, Config{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StopNoNextPage, res.Reason)
	assert.Nil(t, h.checkpoint(t).Cursor)
}

func TestRunEmptyPageIsValid(t *testing.T) {
	t.Parallel()

	h := newHarness(t,
		ok(pageBody(boolPtr(true), "c1")),
		ok(pageBody(nil, "", "tt1")),
	)
	res, err := h.pipeline(t, Config{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.PagesProcessed)
	assert.Equal(t, 1, res.RecordsWritten)
}

func TestRunPeriodicCheckpoint(t *testing.T) {
	t.Parallel()

	h := newHarness(t,
		ok(pageBody(boolPtr(true), "c1", "tt1")),
		ok(pageBody(boolPtr(true), "c2", "tt2")),
		step{err: errors.New("boom")},
	)
	store := &countingStore{FileStore: h.store}
	pool := transform.NewPool(transform.TitleMapper{}, 1, nil)
	p, err := New(Deps{
		Fetcher: h.fetcher, Transformer: pool, Sink: h.sink, Checkpoints: store, Clock: h.clock,
	}, Config{CheckpointEvery: 1}, nil)
	require.NoError(t, err)

	_, err = p.Run(context.Background())
	require.Error(t, err)
	// one per page plus the final checkpoint
	assert.Equal(t, 3, store.saves)
	assert.Len(t, readRecords(t, h.path), 2)
}

func TestRunPrefetchKeepsOrder(t *testing.T) {
	t.Parallel()

	h := newHarness(t,
		ok(pageBody(boolPtr(true), "c1", "tt1")),
		ok(pageBody(boolPtr(true), "c2", "tt2")),
		ok(pageBody(nil, "", "tt3")),
	)
	h.fetcher.pipelined = true
	res, err := h.pipeline(t, Config{Prefetch: true}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StopExhausted, res.Reason)
	assert.Equal(t, []string{"", "c1", "c2"}, h.fetcher.seen())
	assert.Equal(t, 2, h.fetcher.backoffs)

	recs := readRecords(t, h.path)
	require.Len(t, recs, 3)
	for i, rec := range recs {
		assert.Equal(t, i+1, rec.Page)
		assert.Equal(t, fmt.Sprintf("tt%d", i+1), rec.TitleID)
	}
}

func TestRunInterruptedBeforeStart(t *testing.T) {
	t.Parallel()

	h := newHarness(t, ok(pageBody(nil, "", "tt1")))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := h.pipeline(t, Config{}).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, StopInterrupted, res.Reason)
	assert.Nil(t, h.checkpoint(t))
	assert.Empty(t, h.fetcher.seen())
}

type failingSink struct{ closed bool }

func (s *failingSink) Add(...catalog.Record) error {
	return catalog.NewError(catalog.KindSinkWrite, io.ErrShortWrite, "write")
}
func (s *failingSink) Flush() error                 { return nil }
func (s *failingSink) Upload(context.Context) error { return nil }
func (s *failingSink) Close() error                 { s.closed = true; return nil }
func (s *failingSink) RecordCount() int             { return 0 }

func TestRunStopsOnSinkFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, ok(pageBody(boolPtr(true), "c1", "tt1")))
	fs := &failingSink{}
	p, err := New(Deps{
		Fetcher:     h.fetcher,
		Transformer: transform.NewPool(transform.TitleMapper{}, 1, nil),
		Sink:        fs,
		Checkpoints: h.store,
		Clock:       h.clock,
	}, Config{}, nil)
	require.NoError(t, err)

	res, err := p.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, catalog.KindSinkWrite, catalog.KindOf(err))
	assert.Equal(t, StopSinkFailure, res.Reason)
	assert.True(t, fs.closed)
	assert.Nil(t, h.checkpoint(t))
}

type countingStore struct {
	*checkpoint.FileStore
	saves int
}

func (s *countingStore) Save(ctx context.Context, cp catalog.Checkpoint) error {
	s.saves++
	return s.FileStore.Save(ctx, cp)
}

func TestNewRequiresDeps(t *testing.T) {
	t.Parallel()

	_, err := New(Deps{}, Config{}, nil)
	assert.Error(t, err)
}

func TestRunEndToEndAgainstHTTPServer(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var afters []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body fetch.Payload
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		afters = append(afters, catalog.CursorString(body.Variables.After))
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if body.Variables.After == nil {
			_, _ = w.Write(pageBody(boolPtr(true), "page-2", "tt1", "tt2"))
			return
		}
		_, _ = w.Write(pageBody(nil, "", "tt3", "tt4"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	clk := fake.New(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	client, err := fetch.New(fetch.Config{
		Endpoint:      srv.URL,
		OperationName: "AdvancedTitleSearch",
		QueryHash:     "hash",
		PageSize:      2,
		Timeout:       5 * time.Second,
		Backoff:       fetch.BackoffConfig{BaseDelay: 150 * time.Millisecond, MaxDelay: 2 * time.Second},
	}, fetch.WithClock(clk))
	require.NoError(t, err)
	defer client.Close()

	path := filepath.Join(dir, "catalog.jsonl.gz")
	out, err := sink.Open(sink.Config{Path: path, BufferSize: 3}, uuid.New(), nil)
	require.NoError(t, err)
	store := checkpoint.NewFileStore(filepath.Join(dir, checkpoint.DefaultPath))

	p, err := New(Deps{
		Fetcher:     client,
		Transformer: transform.NewPool(transform.TitleMapper{SourceURL: srv.URL, Clock: clk}, 4, nil),
		Sink:        out,
		Checkpoints: store,
		Clock:       clk,
	}, Config{}, nil)
	require.NoError(t, err)

	res, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StopExhausted, res.Reason)
	assert.Equal(t, []string{"", "page-2"}, afters)
	assert.Equal(t, []time.Duration{150 * time.Millisecond}, clk.Sleeps())

	recs := readRecords(t, path)
	require.Len(t, recs, 4)
	ids := map[string]struct{}{}
	for _, rec := range recs {
		require.NotEmpty(t, rec.RecordID)
		ids[rec.RecordID] = struct{}{}
	}
	assert.Len(t, ids, 4)

	cp, err := store.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, 2, cp.PageNo)
	assert.Nil(t, cp.Cursor)
	assert.Equal(t, 4, cp.RecordsCount)
}

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Save(ctx context.Context, cp catalog.Checkpoint) error {
	return m.Called(ctx, cp).Error(0)
}

func (m *mockStore) Load(ctx context.Context) (*catalog.Checkpoint, error) {
	args := m.Called(ctx)
	cp, _ := args.Get(0).(*catalog.Checkpoint)
	return cp, args.Error(1)
}

func (m *mockStore) Clear(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func TestRunStartsFreshWhenLoadFailsAndToleratesSaveErrors(t *testing.T) {
	t.Parallel()

	h := newHarness(t, ok(pageBody(nil, "", "tt1")))
	store := &mockStore{}
	store.On("Load", mock.Anything).Return(nil, errors.New("corrupt state"))
	store.On("Save", mock.Anything, mock.MatchedBy(func(cp catalog.Checkpoint) bool {
		return cp.PageNo == 1 && cp.Cursor == nil && cp.RecordsCount == 1
	})).Return(errors.New("disk full"))

	p, err := New(Deps{
		Fetcher:     h.fetcher,
		Transformer: transform.NewPool(transform.TitleMapper{}, 1, nil),
		Sink:        h.sink,
		Checkpoints: store,
		Clock:       h.clock,
	}, Config{Resume: true}, nil)
	require.NoError(t, err)

	res, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StopExhausted, res.Reason)
	assert.False(t, res.Resumed)
	assert.Equal(t, []string{""}, h.fetcher.seen())
	store.AssertExpectations(t)
	store.AssertNotCalled(t, "Clear", mock.Anything)
}

type countingUploader struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (u *countingUploader) Upload(_ context.Context, localPath string) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls++
	if u.err != nil {
		return "", u.err
	}
	return "memory://" + filepath.Base(localPath), nil
}

func (u *countingUploader) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls
}

func threePages() []step {
	return []step{
		ok(pageBody(boolPtr(true), "c1", "tt1")),
		ok(pageBody(boolPtr(true), "c2", "tt2")),
		ok(pageBody(nil, "", "tt3")),
	}
}

func (h *harness) uploadingSink(t *testing.T, up catalog.Uploader) *sink.Sink {
	t.Helper()
	require.NoError(t, h.sink.Close())
	s, err := sink.Open(sink.Config{Path: h.path, BufferSize: 1000}, uuid.New(), nil,
		sink.WithUploader(up), sink.WithClock(h.clock))
	require.NoError(t, err)
	h.sink = s
	return s
}

func TestRunUploadsOnCadenceAndAtFinish(t *testing.T) {
	t.Parallel()

	h := newHarness(t, threePages()...)
	up := &countingUploader{}
	h.uploadingSink(t, up)

	res, err := h.pipeline(t, Config{UploadEvery: 1}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StopExhausted, res.Reason)
	// pages one and two on cadence, then the final upload
	assert.Equal(t, 3, up.count())
}

func TestRunToleratesUploadFailures(t *testing.T) {
	t.Parallel()

	h := newHarness(t, threePages()...)
	up := &countingUploader{err: errors.New("403 forbidden")}
	h.uploadingSink(t, up)

	res, err := h.pipeline(t, Config{UploadEvery: 1}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StopExhausted, res.Reason)
	assert.Equal(t, 3, up.count())
	assert.Len(t, readRecords(t, h.path), 3)
}

// brokenSink fails Flush or Upload on demand and otherwise defers to a real
// sink.
type brokenSink struct {
	*sink.Sink
	flushErr  error
	uploadErr error
	uploads   int
}

func (s *brokenSink) Flush() error {
	if s.flushErr != nil {
		return s.flushErr
	}
	return s.Sink.Flush()
}

func (s *brokenSink) Upload(ctx context.Context) error {
	s.uploads++
	if s.uploadErr != nil {
		return s.uploadErr
	}
	return s.Sink.Upload(ctx)
}

func TestRunUploadCadenceSurfacesSinkFailures(t *testing.T) {
	t.Parallel()

	writeErr := catalog.NewError(catalog.KindSinkWrite, io.ErrShortWrite, "append records")
	cases := []struct {
		name string
		bs   func(*sink.Sink) *brokenSink
	}{
		{"flush", func(s *sink.Sink) *brokenSink { return &brokenSink{Sink: s, flushErr: writeErr} }},
		{"upload", func(s *sink.Sink) *brokenSink { return &brokenSink{Sink: s, uploadErr: writeErr} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, threePages()...)
			bs := tc.bs(h.sink)
			p, err := New(Deps{
				Fetcher:     h.fetcher,
				Transformer: transform.NewPool(transform.TitleMapper{}, 1, nil),
				Sink:        bs,
				Checkpoints: h.store,
				Clock:       h.clock,
			}, Config{UploadEvery: 1}, nil)
			require.NoError(t, err)

			res, err := p.Run(context.Background())
			require.Error(t, err)
			assert.Equal(t, catalog.KindSinkWrite, catalog.KindOf(err))
			assert.Equal(t, StopSinkFailure, res.Reason)
			assert.Equal(t, 1, res.PagesProcessed)
			assert.Equal(t, []string{""}, h.fetcher.seen())
			assert.Nil(t, h.checkpoint(t))
		})
	}
}

// hookTransformer calls after once the wrapped transformer has mapped a page.
type hookTransformer struct {
	inner Transformer
	after func(pageIndex int)
}

func (t hookTransformer) Map(ctx context.Context, items []catalog.RawItem, pageIndex int) ([]catalog.Record, error) {
	recs, err := t.inner.Map(ctx, items, pageIndex)
	t.after(pageIndex)
	return recs, err
}

// blockingFetcher holds its second request open until the context ends.
type blockingFetcher struct {
	*scriptedFetcher
	calls    atomic.Int32
	started  chan struct{}
	returned atomic.Bool
}

func (f *blockingFetcher) Fetch(ctx context.Context, cursor catalog.Cursor) (catalog.Response, time.Duration, error) {
	if f.calls.Add(1) == 2 {
		close(f.started)
		<-ctx.Done()
		f.returned.Store(true)
		return catalog.Response{}, 0, ctx.Err()
	}
	return f.scriptedFetcher.Fetch(ctx, cursor)
}

func TestRunInterruptAwaitsPrefetchAndCheckpointsLastPage(t *testing.T) {
	t.Parallel()

	h := newHarness(t, ok(pageBody(boolPtr(true), "c1", "tt1")))
	h.fetcher.pipelined = true
	bf := &blockingFetcher{scriptedFetcher: h.fetcher, started: make(chan struct{})}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := hookTransformer{
		inner: transform.NewPool(transform.TitleMapper{}, 1, nil),
		after: func(int) {
			select {
			case <-bf.started:
			case <-time.After(5 * time.Second):
			}
			cancel()
		},
	}
	p, err := New(Deps{
		Fetcher: bf, Transformer: tr, Sink: h.sink, Checkpoints: h.store, Clock: h.clock,
	}, Config{Prefetch: true}, nil)
	require.NoError(t, err)

	res, err := p.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, StopInterrupted, res.Reason)
	assert.True(t, bf.returned.Load(), "prefetch still running after Run returned")
	assert.Equal(t, int32(2), bf.calls.Load())

	cp := h.checkpoint(t)
	require.NotNil(t, cp)
	assert.Equal(t, 1, cp.PageNo)
	assert.Equal(t, "c1", catalog.CursorString(cp.Cursor))
	assert.Len(t, readRecords(t, h.path), 1)
}

func TestRunSlowPageDoesNotPrefetch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, threePages()...)
	h.fetcher.pipelined = false
	var fetchesAtMap []int
	tr := hookTransformer{
		inner: transform.NewPool(transform.TitleMapper{}, 1, nil),
		after: func(int) { fetchesAtMap = append(fetchesAtMap, len(h.fetcher.seen())) },
	}
	p, err := New(Deps{
		Fetcher: h.fetcher, Transformer: tr, Sink: h.sink, Checkpoints: h.store, Clock: h.clock,
	}, Config{Prefetch: true}, nil)
	require.NoError(t, err)

	res, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StopExhausted, res.Reason)
	assert.Equal(t, []int{1, 2, 3}, fetchesAtMap)
	assert.Equal(t, 2, h.fetcher.backoffs)
}
