// Package storage ships finished output files to an object store.
package storage

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-ingest/internal/catalog"
)

// ContentType is the media type recorded for uploaded output files.
const ContentType = "application/gzip"

// ObjectUploader copies a local file to <prefix>/run=<run id>/<basename>.
// Every call ships the file's current contents in full.
type ObjectUploader struct {
	store  catalog.BlobStore
	prefix string
	runID  string
	logger *zap.Logger
}

var _ catalog.Uploader = (*ObjectUploader)(nil)

// NewObjectUploader builds an uploader for one run.
func NewObjectUploader(store catalog.BlobStore, prefix, runID string, logger *zap.Logger) (*ObjectUploader, error) {
	if store == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if strings.TrimSpace(runID) == "" {
		return nil, fmt.Errorf("run id is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ObjectUploader{
		store:  store,
		prefix: strings.Trim(prefix, "/"),
		runID:  runID,
		logger: logger.Named("uploader"),
	}, nil
}

// ObjectKey returns the destination key for localPath.
func (u *ObjectUploader) ObjectKey(localPath string) string {
	parts := []string{"run=" + u.runID, filepath.Base(localPath)}
	if u.prefix != "" {
		parts = append([]string{u.prefix}, parts...)
	}
	return path.Join(parts...)
}

// Upload opens localPath and ships it through the blob store.
func (u *ObjectUploader) Upload(ctx context.Context, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", localPath, err)
	}
	defer func() {
		_ = f.Close()
	}()
	key := u.ObjectKey(localPath)
	uri, err := u.store.PutObject(ctx, key, ContentType, f)
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	u.logger.Debug("object written", zap.String("key", key), zap.String("uri", uri))
	return uri, nil
}
