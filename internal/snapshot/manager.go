// Package snapshot persists additions to the object map. A snapshot is an immutable blob holding
// the entries added by one update. The ledger's snapshot list orders them, and replaying the
// list from the start reconstructs the whole object map.
package snapshot

import (
	"context"
	"fmt"

	"github.com/opentracing/opentracing-go"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/gitledger/internal/blobstore"
	"gitlab.com/gitlab-org/gitledger/internal/git"
)

// Ledger is the part of the ledger client the manager needs.
type Ledger interface {
	SnapshotKeys(ctx context.Context) ([]string, error)
	AddSnapshot(ctx context.Context, key string) error
}

// Manager writes and reads snapshots.
type Manager struct {
	store  blobstore.Store
	ledger Ledger
	logger logrus.FieldLogger
}

// NewManager returns a manager storing snapshot blobs in store and listing them on ledger.
func NewManager(store blobstore.Store, ledger Ledger, logger logrus.FieldLogger) *Manager {
	return &Manager{store: store, ledger: ledger, logger: logger}
}

// Commit stores entries as a new snapshot and appends its key to the ledger. The snapshot is
// only referenced once the ledger transaction is final. If appending fails, the stored blob stays
// unreferenced and an error is returned.
func (m *Manager) Commit(ctx context.Context, entries map[git.ObjectID]blobstore.Key) (blobstore.Key, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "snapshot.Commit")
	defer span.Finish()

	list := make([]Entry, 0, len(entries))
	for oid, key := range entries {
		list = append(list, Entry{ObjectID: oid, Key: key})
	}

	blob, err := Encode(list)
	if err != nil {
		return "", err
	}

	key, err := m.store.Put(ctx, blob)
	if err != nil {
		return "", fmt.Errorf("store snapshot: %w", err)
	}

	if err := m.ledger.AddSnapshot(ctx, key.String()); err != nil {
		return "", fmt.Errorf("append snapshot: %w", err)
	}

	m.logger.WithFields(logrus.Fields{
		"storage_key": key,
		"entries":     len(list),
	}).Info("snapshot committed")

	return key, nil
}

// Load fetches and decodes every snapshot listed on the ledger exactly once and hands their
// entries to fn in ledger order.
func (m *Manager) Load(ctx context.Context, fn func(index int, entries []Entry) error) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "snapshot.Load")
	defer span.Finish()

	keys, err := m.ledger.SnapshotKeys(ctx)
	if err != nil {
		return err
	}

	for i, rawKey := range keys {
		key, err := blobstore.ParseKey(rawKey)
		if err != nil {
			return fmt.Errorf("snapshot %d: %w", i, err)
		}

		blob, err := m.store.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("fetch snapshot %d: %w", i, err)
		}

		entries, err := Decode(blob)
		if err != nil {
			return fmt.Errorf("decode snapshot %d: %w", i, err)
		}

		m.logger.WithFields(logrus.Fields{
			"snapshot_index": i,
			"storage_key":    key,
			"entries":        len(entries),
		}).Debug("snapshot loaded")

		if err := fn(i, entries); err != nil {
			return err
		}
	}

	return nil
}
