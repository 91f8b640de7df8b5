package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/JakeFAU/catalog-ingest/internal/catalog"
)

// PebbleStore keeps the checkpoint under one key of a Pebble database.
type PebbleStore struct {
	db  *pebble.DB
	key []byte
}

var _ catalog.CheckpointStore = (*PebbleStore)(nil)

// OpenPebble opens (or creates) the database at dir. name scopes the key so
// several crawls can share one database.
func OpenPebble(dir, name string) (*PebbleStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("pebble dir is required")
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	return &PebbleStore{db: db, key: pebbleKey(name)}, nil
}

func pebbleKey(name string) []byte {
	if name == "" {
		name = "default"
	}
	return []byte("checkpoint:" + name)
}

// Save writes the checkpoint with a synced commit.
func (s *PebbleStore) Save(_ context.Context, cp catalog.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := s.db.Set(s.key, data, pebble.Sync); err != nil {
		return fmt.Errorf("pebble set: %w", err)
	}
	return nil
}

// Load reads the checkpoint, returning nil when none exists.
func (s *PebbleStore) Load(_ context.Context) (*catalog.Checkpoint, error) {
	v, closer, err := s.db.Get(s.key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pebble get: %w", err)
	}
	defer func() {
		_ = closer.Close()
	}()
	return decode(append([]byte(nil), v...))
}

// Clear deletes the checkpoint key.
func (s *PebbleStore) Clear(_ context.Context) error {
	if err := s.db.Delete(s.key, pebble.Sync); err != nil {
		return fmt.Errorf("pebble delete: %w", err)
	}
	return nil
}

// Close releases the database.
func (s *PebbleStore) Close() error {
	return s.db.Close()
}
