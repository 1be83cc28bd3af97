package blobstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"gitlab.com/gitlab-org/gitledger/internal/commonerr"
)

var pebblePrefix = []byte("blob:")

// PebbleStore keeps blobs in a local Pebble database. It is meant for single-machine setups and
// tests which need a durable store without a storage service.
type PebbleStore struct {
	db *pebble.DB
}

// NewPebbleStore opens or creates a Pebble database in dir.
func NewPebbleStore(dir string) (*PebbleStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("pebble store: open %q: %w", dir, err)
	}
	return &PebbleStore{db: db}, nil
}

// Close closes the database.
func (s *PebbleStore) Close() error {
	if s.db != nil {
		db := s.db
		s.db = nil
		if err := db.Close(); err != nil {
			return fmt.Errorf("pebble store: close: %w", err)
		}
	}
	return nil
}

func pebbleKey(key Key) []byte {
	return append(append([]byte{}, pebblePrefix...), key.String()...)
}

// Put stores data durably. Existing blobs are left untouched.
func (s *PebbleStore) Put(ctx context.Context, data []byte) (Key, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	key, err := KeyFor(data)
	if err != nil {
		return "", err
	}

	_, closer, err := s.db.Get(pebbleKey(key))
	switch {
	case err == nil:
		closer.Close()
		return key, nil
	case !errors.Is(err, pebble.ErrNotFound):
		return "", fmt.Errorf("pebble store: lookup %q: %w", key, err)
	}

	if err := s.db.Set(pebbleKey(key), data, pebble.Sync); err != nil {
		return "", fmt.Errorf("pebble store: set %q: %w", key, err)
	}

	return key, nil
}

// Get returns a copy of the blob stored under key.
func (s *PebbleStore) Get(ctx context.Context, key Key) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	value, closer, err := s.db.Get(pebbleKey(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, fmt.Errorf("pebble store: %w", commonerr.NotFoundError{ObjectID: key.String()})
		}
		return nil, fmt.Errorf("pebble store: get %q: %w", key, err)
	}
	defer closer.Close()

	data := make([]byte, len(value))
	copy(data, value)

	if err := Verify(key, data); err != nil {
		return nil, fmt.Errorf("pebble store: %w", err)
	}

	return data, nil
}
