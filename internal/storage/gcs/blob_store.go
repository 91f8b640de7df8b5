// Package gcs ships output files to Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

// Config names the destination bucket and optional object settings.
type Config struct {
	Bucket string
	// ChunkSize is the resumable upload chunk; zero keeps the client default.
	ChunkSize int
	// Metadata is attached to every object written.
	Metadata map[string]string
}

// BlobStore writes objects to one bucket.
type BlobStore struct {
	bucket *storage.BucketHandle
	cfg    Config
}

// New binds a store to cfg.Bucket.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	cfg.Bucket = strings.TrimSpace(cfg.Bucket)
	if cfg.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	return &BlobStore{bucket: client.Bucket(cfg.Bucket), cfg: cfg}, nil
}

// ObjectName normalises an object key: no leading slash, no empty segments.
func ObjectName(key string) string {
	parts := strings.Split(key, "/")
	kept := parts[:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "/")
}

// URI renders the gs:// address of an object.
func URI(bucket, name string) string {
	return "gs://" + bucket + "/" + name
}

// PutObject streams r into the object, replacing any previous version, and
// returns its gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, key string, contentType string, r io.Reader) (string, error) {
	name := ObjectName(key)
	if name == "" {
		return "", errors.New("object key is required")
	}
	w := s.bucket.Object(name).NewWriter(ctx)
	w.ContentType = contentType
	if s.cfg.ChunkSize > 0 {
		w.ChunkSize = s.cfg.ChunkSize
	}
	if len(s.cfg.Metadata) > 0 {
		w.Metadata = s.cfg.Metadata
	}

	if _, err := io.Copy(w, r); err != nil {
		return "", errors.Join(fmt.Errorf("upload %s: %w", name, err), w.Close())
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize %s: %w", name, err)
	}
	return URI(s.cfg.Bucket, name), nil
}

// VerifyBucket fails fast when the bucket is missing or unreadable.
func (s *BlobStore) VerifyBucket(ctx context.Context) error {
	if _, err := s.bucket.Attrs(ctx); err != nil {
		return fmt.Errorf("bucket %q: %w", s.cfg.Bucket, err)
	}
	return nil
}
