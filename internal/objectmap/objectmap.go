// Package objectmap maps content IDs to the storage keys of their encoded records. The map is
// built lazily by replaying the ledger's snapshot list and only lives for the duration of a
// process.
package objectmap

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/gitledger/internal/blobstore"
	"gitlab.com/gitlab-org/gitledger/internal/commonerr"
	"gitlab.com/gitlab-org/gitledger/internal/git"
	"gitlab.com/gitlab-org/gitledger/internal/git/objectcodec"
	"gitlab.com/gitlab-org/gitledger/internal/snapshot"
)

// Loader replays snapshots in ledger order.
type Loader interface {
	Load(ctx context.Context, fn func(index int, entries []snapshot.Entry) error) error
}

// Map is the object map. It is safe for concurrent use.
type Map struct {
	store  blobstore.Store
	loader Loader
	logger logrus.FieldLogger

	// mu guards loaded and entries. It is held while loading so that concurrent first
	// accesses load only once.
	mu      sync.Mutex
	loaded  bool
	entries map[git.ObjectID]blobstore.Key

	// records caches records which have already been verified against their ID. It is nil
	// if caching is disabled.
	records          *lru.Cache
	cacheAccessTotal *prometheus.CounterVec
}

// New returns an unloaded map. cacheSize is the number of verified records kept in memory, zero
// or a negative size disables the cache.
func New(store blobstore.Store, loader Loader, cacheSize int, logger logrus.FieldLogger) (*Map, error) {
	m := &Map{
		store:   store,
		loader:  loader,
		logger:  logger,
		entries: make(map[git.ObjectID]blobstore.Key),
		cacheAccessTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gitledger_objectmap_cache_access_total",
				Help: "Total number of object record cache accesses by type",
			},
			[]string{"type"},
		),
	}

	if cacheSize > 0 {
		records, err := lru.NewWithEvict(cacheSize, func(key interface{}, value interface{}) {
			m.cacheAccessTotal.WithLabelValues("evict").Inc()
		})
		if err != nil {
			return nil, fmt.Errorf("create record cache: %w", err)
		}
		m.records = records
	}

	return m, nil
}

// Describe returns all metric descriptors.
func (m *Map) Describe(descs chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(m, descs)
}

// Collect collects all metrics.
func (m *Map) Collect(metrics chan<- prometheus.Metric) {
	m.cacheAccessTotal.Collect(metrics)
}

// Load replays all snapshots unless that already happened. Later snapshots win over earlier
// ones for the same ID. A failed load is retried by the next access.
func (m *Map) Load(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked(ctx)
}

func (m *Map) loadLocked(ctx context.Context) error {
	if m.loaded {
		return nil
	}

	entries := make(map[git.ObjectID]blobstore.Key, len(m.entries))
	snapshots := 0
	if err := m.loader.Load(ctx, func(_ int, snapshotEntries []snapshot.Entry) error {
		for _, entry := range snapshotEntries {
			entries[entry.ObjectID] = entry.Key
		}
		snapshots++
		return nil
	}); err != nil {
		return fmt.Errorf("load object map: %w", err)
	}

	// Entries put before the first load are already durable, so they are folded in last.
	for oid, key := range m.entries {
		entries[oid] = key
	}

	m.entries = entries
	m.loaded = true

	m.logger.WithFields(logrus.Fields{
		"snapshots": snapshots,
		"objects":   len(entries),
	}).Debug("object map loaded")

	return nil
}

func (m *Map) lookup(ctx context.Context, oid git.ObjectID) (blobstore.Key, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.loadLocked(ctx); err != nil {
		return "", false, err
	}

	key, ok := m.entries[oid]
	return key, ok, nil
}

// Has tells whether the map knows oid.
func (m *Map) Has(ctx context.Context, oid git.ObjectID) (bool, error) {
	_, ok, err := m.lookup(ctx, oid)
	return ok, err
}

// Key returns the storage key of oid. A NotFoundError is returned if the map does not know it.
func (m *Map) Key(ctx context.Context, oid git.ObjectID) (blobstore.Key, error) {
	key, ok, err := m.lookup(ctx, oid)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", commonerr.NotFoundError{ObjectID: oid.String()}
	}
	return key, nil
}

// Get fetches and decodes the record of oid. A NotFoundError is only returned if the map does
// not know oid. The record is hashed again and a ConflictError is returned if it does not hash
// to oid or if the blob store has no data under its key.
func (m *Map) Get(ctx context.Context, oid git.ObjectID) (git.Object, error) {
	key, err := m.Key(ctx, oid)
	if err != nil {
		return git.Object{}, err
	}

	if m.records != nil {
		if cached, ok := m.records.Get(oid); ok {
			m.cacheAccessTotal.WithLabelValues("hit").Inc()
			return cached.(git.Object), nil
		}
		m.cacheAccessTotal.WithLabelValues("miss").Inc()
	}

	data, err := m.store.Get(ctx, key)
	if err != nil {
		// A mapped key must resolve, so a missing blob is a broken remote rather than an
		// unknown object.
		if errors.Is(err, commonerr.ErrNotFound) {
			return git.Object{}, commonerr.ConflictError{
				ObjectID: oid.String(),
				Existing: key.String(),
				Missing:  true,
			}
		}
		return git.Object{}, fmt.Errorf("fetch object %s: %w", oid, err)
	}

	object, err := objectcodec.Decode(data)
	if err != nil {
		return git.Object{}, fmt.Errorf("decode object %s: %w", oid, err)
	}

	if actual := object.ObjectID(); actual != oid {
		return git.Object{}, commonerr.ConflictError{
			ObjectID: oid.String(),
			Existing: key.String(),
			Actual:   actual.String(),
		}
	}

	if m.records != nil {
		m.records.Add(oid, object)
	}

	return object, nil
}

// Put records that oid is stored under key. Putting the same pair again is a no-op, putting a
// different key for a known ID is a ConflictError.
func (m *Map) Put(ctx context.Context, oid git.ObjectID, key blobstore.Key) error {
	return m.Merge(ctx, map[git.ObjectID]blobstore.Key{oid: key})
}

// Merge puts all entries. Either all entries are added or, on a conflict, none.
func (m *Map) Merge(ctx context.Context, entries map[git.ObjectID]blobstore.Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.loadLocked(ctx); err != nil {
		return err
	}

	for oid, key := range entries {
		if existing, ok := m.entries[oid]; ok && existing != key {
			return commonerr.ConflictError{
				ObjectID: oid.String(),
				Existing: existing.String(),
				Proposed: key.String(),
			}
		}
	}

	for oid, key := range entries {
		m.entries[oid] = key
	}

	return nil
}

// Len returns the number of known objects.
func (m *Map) Len(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.loadLocked(ctx); err != nil {
		return 0, err
	}
	return len(m.entries), nil
}

// Each calls fn for every entry in ID order. Entries merged while Each runs are not visited.
func (m *Map) Each(ctx context.Context, fn func(oid git.ObjectID, key blobstore.Key) error) error {
	m.mu.Lock()
	if err := m.loadLocked(ctx); err != nil {
		m.mu.Unlock()
		return err
	}

	entries := make([]snapshot.Entry, 0, len(m.entries))
	for oid, key := range m.entries {
		entries = append(entries, snapshot.Entry{ObjectID: oid, Key: key})
	}
	m.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].ObjectID < entries[j].ObjectID })
	for _, entry := range entries {
		if err := fn(entry.ObjectID, entry.Key); err != nil {
			return err
		}
	}

	return nil
}
