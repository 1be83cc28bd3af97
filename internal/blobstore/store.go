// Package blobstore provides the content-addressed blob store the object records and snapshots
// are persisted in. Blobs are immutable once written and addressed by a key derived from their
// content, so storing the same bytes twice is idempotent and retries are always safe.
package blobstore

import (
	"context"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"gitlab.com/gitlab-org/gitledger/internal/commonerr"
)

// Key locates a blob in the store. It is the string form of a CIDv1 over the raw blob content.
type Key string

// String returns the string representation of the key.
func (k Key) String() string {
	return string(k)
}

// Store is the blob store capability.
type Store interface {
	// Put stores data and returns the key it can be retrieved with.
	Put(ctx context.Context, data []byte) (Key, error)
	// Get returns the data stored under key. It fails with a NotFoundError if there is no
	// such blob.
	Get(ctx context.Context, key Key) ([]byte, error)
}

// CloseableStore is a Store holding resources which must be released.
type CloseableStore interface {
	Store
	Close() error
}

// KeyFor computes the key data is stored under.
func KeyFor(data []byte) (Key, error) {
	hash, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return "", fmt.Errorf("compute multihash: %w", err)
	}

	return Key(cid.NewCidV1(cid.Raw, hash).String()), nil
}

// ParseKey parses and validates the string form of a key.
func ParseKey(s string) (Key, error) {
	c, err := cid.Decode(s)
	if err != nil {
		return "", commonerr.NewFormatError("storage key", err.Error())
	}
	return Key(c.String()), nil
}

// Verify checks that data hashes to key.
func Verify(key Key, data []byte) error {
	c, err := cid.Decode(key.String())
	if err != nil {
		return commonerr.NewFormatError("storage key", err.Error())
	}

	actual, err := c.Prefix().Sum(data)
	if err != nil {
		return fmt.Errorf("verify %q: %w", key, err)
	}

	if !actual.Equals(c) {
		return commonerr.NewFormatError(fmt.Sprintf("blob %s", key), "content does not match its key")
	}

	return nil
}
