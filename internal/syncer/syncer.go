// Package syncer applies updates pushed by a client: new objects first, then references. Objects
// are made durable in the blob store and on the ledger's snapshot list before any reference is
// pointed at them.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/opentracing/opentracing-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/gitledger/internal/blobstore"
	"gitlab.com/gitlab-org/gitledger/internal/commonerr"
	"gitlab.com/gitlab-org/gitledger/internal/git"
	"gitlab.com/gitlab-org/gitledger/internal/git/objectcodec"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// DefaultConcurrency is the number of concurrent uploads if none is configured.
const DefaultConcurrency = 8

// ErrNotAttempted is reported for reference updates which were skipped because an earlier
// update of the same batch failed.
var ErrNotAttempted = errors.New("not attempted, an earlier reference update failed")

// ObjectMap is the part of the object map the syncer needs.
type ObjectMap interface {
	Has(ctx context.Context, oid git.ObjectID) (bool, error)
	Merge(ctx context.Context, entries map[git.ObjectID]blobstore.Key) error
}

// SnapshotCommitter makes a set of object map entries durable.
type SnapshotCommitter interface {
	Commit(ctx context.Context, entries map[git.ObjectID]blobstore.Key) (blobstore.Key, error)
}

// RefLedger is the part of the ledger client the syncer needs.
type RefLedger interface {
	GetRef(ctx context.Context, name git.ReferenceName) (git.ObjectID, error)
	CompareAndSetRef(ctx context.Context, name git.ReferenceName, expected, value git.ObjectID) error
	DeleteRef(ctx context.Context, name git.ReferenceName, expected git.ObjectID) error
}

// Syncer is the sync orchestrator.
type Syncer struct {
	store       blobstore.Store
	objects     ObjectMap
	snapshots   SnapshotCommitter
	refs        RefLedger
	concurrency int
	logger      logrus.FieldLogger

	updatesTotal   *prometheus.CounterVec
	stagedObjects  prometheus.Histogram
	uploadsTotal   prometheus.Counter
	skippedObjects prometheus.Counter
}

// New returns a syncer uploading up to concurrency objects at the same time.
func New(store blobstore.Store, objects ObjectMap, snapshots SnapshotCommitter, refs RefLedger, concurrency int, logger logrus.FieldLogger) *Syncer {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	return &Syncer{
		store:       store,
		objects:     objects,
		snapshots:   snapshots,
		refs:        refs,
		concurrency: concurrency,
		logger:      logger,

		updatesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gitledger_syncer_updates_total",
				Help: "Total number of updates by result",
			},
			[]string{"result"},
		),
		stagedObjects: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gitledger_syncer_staged_objects",
				Help:    "Number of objects staged by a single update",
				Buckets: prometheus.ExponentialBuckets(1, 4, 8),
			},
		),
		uploadsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gitledger_syncer_uploads_total",
				Help: "Total number of object records uploaded to the blob store",
			},
		),
		skippedObjects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gitledger_syncer_skipped_objects_total",
				Help: "Total number of pushed objects which were already known",
			},
		),
	}
}

// Describe is used to describe Prometheus metrics.
func (s *Syncer) Describe(descs chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(s, descs)
}

// Collect is used to collect Prometheus metrics.
func (s *Syncer) Collect(metrics chan<- prometheus.Metric) {
	s.updatesTotal.Collect(metrics)
	s.stagedObjects.Collect(metrics)
	s.uploadsTotal.Collect(metrics)
	s.skippedObjects.Collect(metrics)
}

// RefResult is the outcome of a single reference update.
type RefResult struct {
	Update RefUpdate
	// Err is nil if the update was applied.
	Err error
}

// Result describes an update.
type Result struct {
	// Snapshot is the storage key of the snapshot holding the new objects. It is empty if
	// the update did not add any object.
	Snapshot blobstore.Key
	// Objects is the number of objects added to the object map.
	Objects int
	// Refs holds one result per requested reference update, in request order. It is empty
	// if the update failed before references were looked at.
	Refs []RefResult
}

// Update stores objects, commits them as a snapshot and then applies the reference updates.
//
// If storing objects fails, no reference is touched. Reference updates are checked against
// the ledger before the first one is applied and each one is applied with a compare-and-swap
// on the ledger. The first failing reference update aborts the batch: later updates are
// reported with ErrNotAttempted. The returned error is the first error encountered.
func (s *Syncer) Update(ctx context.Context, objects ObjectIterator, refUpdates RefUpdateIterator) (Result, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "syncer.Update")
	defer span.Finish()

	result, err := s.update(ctx, objects, refUpdates)
	if err != nil {
		s.updatesTotal.WithLabelValues("failed").Inc()
		return result, err
	}

	s.updatesTotal.WithLabelValues("ok").Inc()
	return result, nil
}

func (s *Syncer) update(ctx context.Context, objects ObjectIterator, refUpdates RefUpdateIterator) (Result, error) {
	var result Result

	staged, err := s.upload(ctx, objects)
	if err != nil {
		return result, err
	}
	s.stagedObjects.Observe(float64(len(staged)))

	if len(staged) > 0 {
		key, err := s.snapshots.Commit(ctx, staged)
		if err != nil {
			return result, fmt.Errorf("commit snapshot: %w", err)
		}

		if err := s.objects.Merge(ctx, staged); err != nil {
			return result, fmt.Errorf("merge snapshot: %w", err)
		}

		result.Snapshot = key
		result.Objects = len(staged)
	}

	var updates []RefUpdate
	for refUpdates.Next() {
		updates = append(updates, refUpdates.Result())
	}
	if err := refUpdates.Err(); err != nil {
		return result, fmt.Errorf("read reference updates: %w", err)
	}

	result.Refs = make([]RefResult, len(updates))
	for i, update := range updates {
		result.Refs[i] = RefResult{Update: update, Err: ErrNotAttempted}
	}

	// Everything is checked up front so that a batch which is known to fail does not mutate
	// any reference.
	names := make(map[git.ReferenceName]struct{}, len(updates))
	for i, update := range updates {
		if _, ok := names[update.Name]; ok {
			err := commonerr.NewFormatError("reference updates", fmt.Sprintf("reference %s is updated more than once", update.Name))
			result.Refs[i].Err = err
			return result, err
		}
		names[update.Name] = struct{}{}

		if err := s.check(ctx, update); err != nil {
			result.Refs[i].Err = err
			return result, err
		}
	}

	for i, update := range updates {
		err := s.apply(ctx, update)
		result.Refs[i].Err = err
		if err != nil {
			return result, err
		}

		s.logger.WithFields(logrus.Fields{
			"ref":     update.Name,
			"old_oid": update.OldOID.Wire(),
			"new_oid": update.NewOID.Wire(),
		}).Info("reference updated")
	}

	return result, nil
}

// upload stores every object which the object map does not know yet and returns the staged
// entries. The object map itself is not modified.
func (s *Syncer) upload(ctx context.Context, objects ObjectIterator) (map[git.ObjectID]blobstore.Key, error) {
	staged := make(map[git.ObjectID]blobstore.Key)
	seen := make(map[git.ObjectID]struct{})
	var mu sync.Mutex

	group, groupCtx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(int64(s.concurrency))

	var iterErr error
	for objects.Next() {
		object := objects.Result()
		if err := object.Validate(); err != nil {
			iterErr = err
			break
		}

		oid := object.ObjectID()
		if _, ok := seen[oid]; ok {
			continue
		}
		seen[oid] = struct{}{}

		known, err := s.objects.Has(groupCtx, oid)
		if err != nil {
			iterErr = err
			break
		}
		if known {
			s.skippedObjects.Inc()
			continue
		}

		if err := sem.Acquire(groupCtx, 1); err != nil {
			// The context is only cancelled if an upload failed or the caller gave up,
			// group.Wait reports the former.
			iterErr = err
			break
		}

		group.Go(func() error {
			defer sem.Release(1)

			data, err := objectcodec.Encode(object)
			if err != nil {
				return err
			}

			key, err := s.store.Put(groupCtx, data)
			if err != nil {
				return fmt.Errorf("store object %s: %w", oid, err)
			}
			s.uploadsTotal.Inc()

			s.logger.WithFields(logrus.Fields{
				"object_id":   oid,
				"storage_key": key,
			}).Debug("object stored")

			mu.Lock()
			defer mu.Unlock()
			staged[oid] = key
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}
	if iterErr != nil {
		return nil, iterErr
	}
	if err := objects.Err(); err != nil {
		return nil, fmt.Errorf("read objects: %w", err)
	}

	return staged, nil
}

func (s *Syncer) check(ctx context.Context, update RefUpdate) error {
	if err := git.ValidateReferenceName(update.Name.String()); err != nil {
		return commonerr.NewFormatError("reference update", err.Error())
	}

	if !update.IsDelete() {
		known, err := s.objects.Has(ctx, update.NewOID)
		if err != nil {
			return err
		}
		if !known {
			return fmt.Errorf("reference %s: %w", update.Name, commonerr.NotFoundError{ObjectID: update.NewOID.String()})
		}
	}

	current, err := s.refs.GetRef(ctx, update.Name)
	if err != nil {
		return err
	}

	if expected := ledgerValue(update.OldOID); current.String() != expected {
		return commonerr.StaleRefError{Ref: update.Name.String(), Expected: expected, Actual: current.String()}
	}

	return nil
}

func (s *Syncer) apply(ctx context.Context, update RefUpdate) error {
	if update.IsDelete() {
		return s.refs.DeleteRef(ctx, update.Name, update.OldOID)
	}
	return s.refs.CompareAndSetRef(ctx, update.Name, update.OldOID, update.NewOID)
}

func ledgerValue(oid git.ObjectID) string {
	if oid.IsEmpty() {
		return ""
	}
	return oid.String()
}
