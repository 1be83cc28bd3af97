package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/gitledger/internal/blobstore"
	"gitlab.com/gitlab-org/gitledger/internal/commonerr"
	"gitlab.com/gitlab-org/gitledger/internal/git"
	"gitlab.com/gitlab-org/gitledger/internal/helper"
	"gitlab.com/gitlab-org/gitledger/internal/ledger"
	"gitlab.com/gitlab-org/gitledger/internal/objectmap"
	"gitlab.com/gitlab-org/gitledger/internal/snapshot"
	"gitlab.com/gitlab-org/gitledger/internal/testhelper"
	"gitlab.com/gitlab-org/gitledger/internal/testhelper/faultstore"
)

// stack is one process' view on a shared blob store and ledger.
type stack struct {
	store   blobstore.Store
	client  *ledger.Client
	objects *objectmap.Map
	syncer  *Syncer
}

func newStack(t *testing.T, store blobstore.Store, l ledger.Ledger) *stack {
	logger := testhelper.NewDiscardingLogEntry(t)

	signer, err := ledger.GenerateKeySigner()
	require.NoError(t, err)
	client := ledger.NewClient(l, signer, helper.RetryPolicy{Attempts: 3}, logger)

	snapshots := snapshot.NewManager(store, client, logger)
	objects, err := objectmap.New(store, snapshots, 16, logger)
	require.NoError(t, err)

	return &stack{
		store:   store,
		client:  client,
		objects: objects,
		syncer:  New(store, objects, snapshots, client, 2, logger),
	}
}

func newMemStore(t *testing.T, ctx context.Context) blobstore.Store {
	store, err := blobstore.NewBucketStore(ctx, "mem://")
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })
	return store
}

func blob(payload string) git.Object {
	return git.NewObject(git.ObjectTypeBlob, []byte(payload))
}

func commit(message string) git.Object {
	return git.NewObject(git.ObjectTypeCommit, []byte("tree 4b825dc642cb6eb9a060e54bf8d69288fbee4904\n\n"+message+"\n"))
}

func snapshotCount(t *testing.T, ctx context.Context, s *stack) int {
	keys, err := s.client.SnapshotKeys(ctx)
	require.NoError(t, err)
	return len(keys)
}

func requireRef(t *testing.T, ctx context.Context, s *stack, name git.ReferenceName, expected git.ObjectID) {
	t.Helper()
	value, err := s.client.GetRef(ctx, name)
	require.NoError(t, err)
	require.Equal(t, expected, value)
}

func TestUpdate_singleObject(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	memory := ledger.NewMemoryLedger()
	s := newStack(t, newMemStore(t, ctx), memory)
	hi := blob("hi")

	result, err := s.syncer.Update(ctx, NewObjectIterator([]git.Object{hi}), NewRefUpdateIterator(nil))
	require.NoError(t, err)
	require.Equal(t, 1, result.Objects)
	require.NotEmpty(t, result.Snapshot)
	require.Empty(t, result.Refs)

	object, err := s.objects.Get(ctx, hi.ObjectID())
	require.NoError(t, err)
	require.Equal(t, []byte("hi"), object.Payload)

	// Another process reconstructs the same map from the ledger.
	object, err = newStack(t, s.store, memory).objects.Get(ctx, hi.ObjectID())
	require.NoError(t, err)
	require.Equal(t, hi, object)
}

func TestUpdate_noop(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	s := newStack(t, newMemStore(t, ctx), ledger.NewMemoryLedger())

	result, err := s.syncer.Update(ctx, NewObjectIterator(nil), NewRefUpdateIterator(nil))
	require.NoError(t, err)
	require.Equal(t, Result{Refs: []RefResult{}}, result)
	require.Zero(t, snapshotCount(t, ctx, s))
}

func TestUpdate_knownObjectsAreSkipped(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	s := newStack(t, newMemStore(t, ctx), ledger.NewMemoryLedger())

	result, err := s.syncer.Update(ctx, NewObjectIterator([]git.Object{blob("a"), blob("a"), blob("b")}), NewRefUpdateIterator(nil))
	require.NoError(t, err)
	require.Equal(t, 2, result.Objects)

	result, err = s.syncer.Update(ctx, NewObjectIterator([]git.Object{blob("b"), blob("c")}), NewRefUpdateIterator(nil))
	require.NoError(t, err)
	require.Equal(t, 1, result.Objects)

	result, err = s.syncer.Update(ctx, NewObjectIterator([]git.Object{blob("a")}), NewRefUpdateIterator(nil))
	require.NoError(t, err)
	require.Zero(t, result.Objects)
	require.Empty(t, result.Snapshot)

	require.Equal(t, 2, snapshotCount(t, ctx, s))
	require.Equal(t, 3.0, testutil.ToFloat64(s.syncer.uploadsTotal))
	require.Equal(t, 2.0, testutil.ToFloat64(s.syncer.skippedObjects))
}

func TestUpdate_refs(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	s := newStack(t, newMemStore(t, ctx), ledger.NewMemoryLedger())
	first, second := commit("first"), commit("second")

	_, err := s.syncer.Update(ctx,
		NewObjectIterator([]git.Object{first}),
		NewRefUpdateIterator([]RefUpdate{
			{Name: "refs/heads/main", OldOID: git.ZeroOID, NewOID: first.ObjectID()},
			{Name: "refs/heads/old", OldOID: "", NewOID: first.ObjectID()},
		}),
	)
	require.NoError(t, err)
	requireRef(t, ctx, s, "refs/heads/main", first.ObjectID())

	result, err := s.syncer.Update(ctx,
		NewObjectIterator([]git.Object{second}),
		NewRefUpdateIterator([]RefUpdate{
			{Name: "refs/heads/main", OldOID: first.ObjectID(), NewOID: second.ObjectID()},
			{Name: "refs/heads/old", OldOID: first.ObjectID(), NewOID: git.ZeroOID},
		}),
	)
	require.NoError(t, err)
	require.Len(t, result.Refs, 2)
	for _, ref := range result.Refs {
		require.NoError(t, ref.Err)
	}

	requireRef(t, ctx, s, "refs/heads/main", second.ObjectID())

	refs, err := s.client.ListRefs(ctx)
	require.NoError(t, err)
	require.Equal(t, []git.Reference{git.NewReference("refs/heads/main", second.ObjectID())}, refs)
}

func TestUpdate_refFailuresAbortTheBatch(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	s := newStack(t, newMemStore(t, ctx), ledger.NewMemoryLedger())
	base, next := commit("base"), commit("next")
	unknown := commit("never pushed").ObjectID()

	_, err := s.syncer.Update(ctx,
		NewObjectIterator([]git.Object{base, next}),
		NewRefUpdateIterator([]RefUpdate{{Name: "refs/heads/main", NewOID: base.ObjectID()}}),
	)
	require.NoError(t, err)

	for _, tc := range []struct {
		desc        string
		updates     []RefUpdate
		failedIndex int
		expectedErr error
	}{
		{
			desc: "stale expected value",
			updates: []RefUpdate{
				{Name: "refs/heads/feature", NewOID: next.ObjectID()},
				{Name: "refs/heads/main", OldOID: next.ObjectID(), NewOID: base.ObjectID()},
			},
			failedIndex: 1,
			expectedErr: commonerr.StaleRefError{Ref: "refs/heads/main", Expected: next.ObjectID().String(), Actual: base.ObjectID().String()},
		},
		{
			desc: "creating an existing reference",
			updates: []RefUpdate{
				{Name: "refs/heads/main", OldOID: git.ZeroOID, NewOID: next.ObjectID()},
				{Name: "refs/heads/feature", NewOID: next.ObjectID()},
			},
			failedIndex: 0,
			expectedErr: commonerr.ErrStaleRef,
		},
		{
			desc: "unknown target object",
			updates: []RefUpdate{
				{Name: "refs/heads/feature", NewOID: next.ObjectID()},
				{Name: "refs/heads/main", OldOID: base.ObjectID(), NewOID: unknown},
			},
			failedIndex: 1,
			expectedErr: commonerr.ErrNotFound,
		},
		{
			desc: "invalid reference name",
			updates: []RefUpdate{
				{Name: "refs/heads/feature", NewOID: next.ObjectID()},
				{Name: "refs/heads/bad..name", NewOID: next.ObjectID()},
			},
			failedIndex: 1,
			expectedErr: commonerr.ErrFormat,
		},
		{
			desc: "reference updated twice",
			updates: []RefUpdate{
				{Name: "refs/heads/feature", OldOID: git.ZeroOID, NewOID: base.ObjectID()},
				{Name: "refs/heads/feature", OldOID: git.ZeroOID, NewOID: next.ObjectID()},
			},
			failedIndex: 1,
			expectedErr: commonerr.ErrFormat,
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			result, err := s.syncer.Update(ctx, NewObjectIterator(nil), NewRefUpdateIterator(tc.updates))
			require.ErrorIs(t, err, tc.expectedErr)

			require.Len(t, result.Refs, len(tc.updates))
			require.ErrorIs(t, result.Refs[tc.failedIndex].Err, tc.expectedErr)
			for i, ref := range result.Refs {
				if i != tc.failedIndex {
					require.Equal(t, ErrNotAttempted, ref.Err)
				}
			}

			requireRef(t, ctx, s, "refs/heads/main", base.ObjectID())
			requireRef(t, ctx, s, "refs/heads/feature", "")
		})
	}
}

func TestUpdate_failedUploadLeavesRefsUntouched(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	faulty := faultstore.New(newMemStore(t, ctx))
	s := newStack(t, faulty, ledger.NewMemoryLedger())

	base := commit("base")
	_, err := s.syncer.Update(ctx,
		NewObjectIterator([]git.Object{base}),
		NewRefUpdateIterator([]RefUpdate{{Name: "refs/heads/main", NewOID: base.ObjectID()}}),
	)
	require.NoError(t, err)

	faulty.FailPutAfter(faulty.Puts() + 1)

	objects := []git.Object{commit("next"), blob("a"), blob("b"), blob("c")}
	result, err := s.syncer.Update(ctx,
		NewObjectIterator(objects),
		NewRefUpdateIterator([]RefUpdate{{Name: "refs/heads/main", OldOID: base.ObjectID(), NewOID: objects[0].ObjectID()}}),
	)
	require.ErrorIs(t, err, faultstore.ErrInjectedFault)
	require.Empty(t, result.Refs)

	requireRef(t, ctx, s, "refs/heads/main", base.ObjectID())
	require.Equal(t, 1, snapshotCount(t, ctx, s))
	for _, object := range objects {
		known, err := s.objects.Has(ctx, object.ObjectID())
		require.NoError(t, err)
		require.False(t, known)
	}
}

type failingCommitter struct{ err error }

func (c failingCommitter) Commit(context.Context, map[git.ObjectID]blobstore.Key) (blobstore.Key, error) {
	return "", c.err
}

func TestUpdate_failedCommitLeavesRefsUntouched(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	s := newStack(t, newMemStore(t, ctx), ledger.NewMemoryLedger())
	rejected := errors.New("transaction rejected")
	s.syncer.snapshots = failingCommitter{err: rejected}

	next := commit("next")
	_, err := s.syncer.Update(ctx,
		NewObjectIterator([]git.Object{next}),
		NewRefUpdateIterator([]RefUpdate{{Name: "refs/heads/main", NewOID: next.ObjectID()}}),
	)
	require.ErrorIs(t, err, rejected)

	requireRef(t, ctx, s, "refs/heads/main", "")
	known, err := s.objects.Has(ctx, next.ObjectID())
	require.NoError(t, err)
	require.False(t, known)
	require.Equal(t, 1.0, testutil.ToFloat64(s.syncer.updatesTotal.WithLabelValues("failed")))
}

func TestUpdate_invalidObject(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	faulty := faultstore.New(newMemStore(t, ctx))
	s := newStack(t, faulty, ledger.NewMemoryLedger())

	lying := git.Object{Type: git.ObjectTypeBlob, Length: 5, Payload: []byte("hi")}
	_, err := s.syncer.Update(ctx, NewObjectIterator([]git.Object{lying}), NewRefUpdateIterator(nil))
	require.ErrorIs(t, err, commonerr.ErrFormat)
	require.Zero(t, faulty.Puts())
}

func TestUpdate_transientFailuresAreRetried(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	faulty := faultstore.New(newMemStore(t, ctx)).TransientPuts(2)
	store := blobstore.NewRetryingStore(faulty, helper.RetryPolicy{Attempts: 3}, testhelper.NewDiscardingLogEntry(t))
	s := newStack(t, store, ledger.NewMemoryLedger())

	hi := blob("hi")
	_, err := s.syncer.Update(ctx, NewObjectIterator([]git.Object{hi}), NewRefUpdateIterator(nil))
	require.NoError(t, err)

	object, err := s.objects.Get(ctx, hi.ObjectID())
	require.NoError(t, err)
	require.Equal(t, hi, object)
}

func TestUpdate_concurrentPushesToTheSameRef(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	store := newMemStore(t, ctx)
	memory := ledger.NewMemoryLedger()

	base := commit("base")
	_, err := newStack(t, store, memory).syncer.Update(ctx,
		NewObjectIterator([]git.Object{base}),
		NewRefUpdateIterator([]RefUpdate{{Name: "refs/heads/main", NewOID: base.ObjectID()}}),
	)
	require.NoError(t, err)

	const pushers = 4
	candidates := make([]git.Object, pushers)
	errs := make([]error, pushers)

	var wg sync.WaitGroup
	for i := 0; i < pushers; i++ {
		candidates[i] = commit(fmt.Sprintf("candidate %d", i))
		s := newStack(t, store, memory)

		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.syncer.Update(ctx,
				NewObjectIterator([]git.Object{candidates[i]}),
				NewRefUpdateIterator([]RefUpdate{{Name: "refs/heads/main", OldOID: base.ObjectID(), NewOID: candidates[i].ObjectID()}}),
			)
		}(i)
	}
	wg.Wait()

	winner := -1
	for i, err := range errs {
		if err == nil {
			require.Equal(t, -1, winner, "only one push may win")
			winner = i
			continue
		}
		require.ErrorIs(t, err, commonerr.ErrStaleRef)
	}
	require.NotEqual(t, -1, winner, "one push must win")

	requireRef(t, ctx, newStack(t, store, memory), "refs/heads/main", candidates[winner].ObjectID())
}

func TestUpdate_mapInvariant(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	store := newMemStore(t, ctx)
	memory := ledger.NewMemoryLedger()
	s := newStack(t, store, memory)

	for i := 0; i < 5; i++ {
		var objects []git.Object
		for j := 0; j <= i; j++ {
			objects = append(objects, blob(fmt.Sprintf("blob %d", j)), commit(fmt.Sprintf("commit %d/%d", i, j)))
		}
		_, err := s.syncer.Update(ctx, NewObjectIterator(objects), NewRefUpdateIterator(nil))
		require.NoError(t, err)
	}

	fresh := newStack(t, store, memory)
	count := 0
	require.NoError(t, fresh.objects.Each(ctx, func(oid git.ObjectID, _ blobstore.Key) error {
		object, err := fresh.objects.Get(ctx, oid)
		if err != nil {
			return err
		}
		require.Equal(t, oid, object.ObjectID())
		count++
		return nil
	}))
	require.Equal(t, 5+15, count)
}
