package catalog

import (
	"context"
	"io"
	"net/http"
	"time"
)

// Response is a completed HTTP exchange with the remote source.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Fetcher issues one page request for a cursor and owns the adaptive
// inter-request delay.
type Fetcher interface {
	Fetch(ctx context.Context, cursor Cursor) (Response, time.Duration, error)
	UpdateBackoff(latency time.Duration)
	ApplyBackoff(ctx context.Context) error
	ShouldPipeline(latency time.Duration) bool
	CurrentDelay() time.Duration
}

// Mapper turns one raw catalog node into a Record. It must be pure.
type Mapper interface {
	Map(item RawItem, pageIndex int) (Record, error)
}

// Sink buffers records and persists them durably. Add stamps RecordID on the
// records it is given.
type Sink interface {
	Add(records ...Record) error
	Flush() error
	Upload(ctx context.Context) error
	Close() error
	RecordCount() int
}

// CheckpointStore persists the single resume marker.
type CheckpointStore interface {
	Save(ctx context.Context, cp Checkpoint) error
	Load(ctx context.Context) (*Checkpoint, error)
	Clear(ctx context.Context) error
}

// BlobStore writes an object and returns its URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Uploader ships a local file off-box.
type Uploader interface {
	Upload(ctx context.Context, localPath string) (string, error)
}

// Publisher pushes upload notifications to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time and sleeps honoring ctx.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// IDGenerator produces record identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
