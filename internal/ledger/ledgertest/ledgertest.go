// Package ledgertest holds behaviour tests every Ledger implementation has to pass.
package ledgertest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/gitledger/internal/commonerr"
	"gitlab.com/gitlab-org/gitledger/internal/ledger"
)

// Factory creates an empty ledger.
type Factory func(t *testing.T) ledger.Ledger

// Run runs the behaviour tests against ledgers created by newLedger.
func Run(t *testing.T, newLedger Factory) {
	t.Run("empty ledger", func(t *testing.T) { testEmpty(t, newLedger(t)) })
	t.Run("snapshots", func(t *testing.T) { testSnapshots(t, newLedger(t)) })
	t.Run("compare and set", func(t *testing.T) { testCompareAndSet(t, newLedger(t)) })
	t.Run("delete", func(t *testing.T) { testDelete(t, newLedger(t)) })
	t.Run("nonces", func(t *testing.T) { testNonces(t, newLedger(t)) })
	t.Run("signatures", func(t *testing.T) { testSignatures(t, newLedger(t)) })
}

type sender struct {
	t      *testing.T
	ledger ledger.Ledger
	signer ledger.Signer
}

func newSender(t *testing.T, l ledger.Ledger) *sender {
	signer, err := ledger.GenerateKeySigner()
	require.NoError(t, err)
	return &sender{t: t, ledger: l, signer: signer}
}

func (s *sender) submit(ctx context.Context, call ledger.Call) (ledger.Receipt, error) {
	nonce, err := s.ledger.NextNonce(ctx, s.signer.Account())
	require.NoError(s.t, err)

	tx, err := ledger.SignTransaction(s.signer, ledger.Transaction{Nonce: nonce, Call: call})
	require.NoError(s.t, err)

	return s.ledger.Submit(ctx, tx)
}

func refs(t *testing.T, ctx context.Context, l ledger.Ledger) map[string]string {
	count, err := l.RefCount(ctx)
	require.NoError(t, err)

	result := make(map[string]string, count)
	for i := 0; i < count; i++ {
		name, err := l.RefName(ctx, i)
		require.NoError(t, err)
		value, err := l.GetRef(ctx, name)
		require.NoError(t, err)
		result[name] = value
	}
	return result
}

func testEmpty(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()

	count, err := l.SnapshotCount(ctx)
	require.NoError(t, err)
	require.Zero(t, count)

	count, err = l.RefCount(ctx)
	require.NoError(t, err)
	require.Zero(t, count)

	value, err := l.GetRef(ctx, "refs/heads/master")
	require.NoError(t, err)
	require.Empty(t, value)

	_, err = l.GetSnapshot(ctx, 0)
	require.ErrorIs(t, err, ledger.ErrIndexOutOfRange)

	_, err = l.RefName(ctx, 0)
	require.ErrorIs(t, err, ledger.ErrIndexOutOfRange)
}

func testSnapshots(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	s := newSender(t, l)

	for _, key := range []string{"k1", "k2", "k1"} {
		receipt, err := s.submit(ctx, ledger.AddSnapshot{Key: key})
		require.NoError(t, err)
		require.Equal(t, ledger.StatusApplied, receipt.Status)
		require.NotEmpty(t, receipt.ID)
	}

	count, err := l.SnapshotCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, count)

	var keys []string
	for i := 0; i < count; i++ {
		key, err := l.GetSnapshot(ctx, i)
		require.NoError(t, err)
		keys = append(keys, key)
	}
	require.Equal(t, []string{"k1", "k2", "k1"}, keys)

	_, err = s.submit(ctx, ledger.AddSnapshot{})
	require.ErrorIs(t, err, ledger.ErrInvalidCall)
}

func testCompareAndSet(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	s := newSender(t, l)

	_, err := s.submit(ctx, ledger.SetRef{Name: "refs/heads/master", Value: "a"})
	require.NoError(t, err)

	_, err = s.submit(ctx, ledger.SetRef{Name: "refs/heads/master", Expected: "a", Value: "b"})
	require.NoError(t, err)

	receipt, err := s.submit(ctx, ledger.SetRef{Name: "refs/heads/master", Expected: "a", Value: "c"})
	require.Equal(t, commonerr.StaleRefError{Ref: "refs/heads/master", Expected: "a", Actual: "b"}, err)
	require.Equal(t, ledger.StatusReverted, receipt.Status)

	_, err = s.submit(ctx, ledger.SetRef{Name: "refs/heads/feature", Expected: "x", Value: "c"})
	require.ErrorIs(t, err, commonerr.ErrStaleRef)

	_, err = s.submit(ctx, ledger.SetRef{Name: "refs/heads/feature", Value: ""})
	require.ErrorIs(t, err, ledger.ErrInvalidCall)

	_, err = s.submit(ctx, ledger.SetRef{Name: "refs/heads/feature", Value: "c"})
	require.NoError(t, err)

	require.Equal(t, map[string]string{
		"refs/heads/master":  "b",
		"refs/heads/feature": "c",
	}, refs(t, ctx, l))
}

func testDelete(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	s := newSender(t, l)

	for _, name := range []string{"refs/heads/a", "refs/heads/b", "refs/heads/c"} {
		_, err := s.submit(ctx, ledger.SetRef{Name: name, Value: "1"})
		require.NoError(t, err)
	}

	_, err := s.submit(ctx, ledger.DeleteRef{Name: "refs/heads/b", Expected: "2"})
	require.ErrorIs(t, err, commonerr.ErrStaleRef)

	_, err = s.submit(ctx, ledger.DeleteRef{Name: "refs/heads/b", Expected: "1"})
	require.NoError(t, err)

	_, err = s.submit(ctx, ledger.DeleteRef{Name: "refs/heads/missing"})
	require.NoError(t, err)

	count, err := l.RefCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	require.Equal(t, map[string]string{
		"refs/heads/a": "1",
		"refs/heads/c": "1",
	}, refs(t, ctx, l))

	value, err := l.GetRef(ctx, "refs/heads/b")
	require.NoError(t, err)
	require.Empty(t, value)

	_, err = s.submit(ctx, ledger.SetRef{Name: "refs/heads/b", Value: "3"})
	require.NoError(t, err)
	require.Equal(t, "3", refs(t, ctx, l)["refs/heads/b"])
}

func testNonces(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	s := newSender(t, l)

	nonce, err := l.NextNonce(ctx, s.signer.Account())
	require.NoError(t, err)
	require.Zero(t, nonce)

	_, err = s.submit(ctx, ledger.AddSnapshot{Key: "k"})
	require.NoError(t, err)

	// Reverted transactions consume their nonce as well.
	_, err = s.submit(ctx, ledger.DeleteRef{Name: "refs/heads/x", Expected: "y"})
	require.ErrorIs(t, err, commonerr.ErrStaleRef)

	nonce, err = l.NextNonce(ctx, s.signer.Account())
	require.NoError(t, err)
	require.Equal(t, uint64(2), nonce)

	for _, tc := range []struct {
		desc  string
		nonce uint64
	}{
		{desc: "reused nonce", nonce: 1},
		{desc: "future nonce", nonce: 3},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			tx, err := ledger.SignTransaction(s.signer, ledger.Transaction{Nonce: tc.nonce, Call: ledger.AddSnapshot{Key: "k"}})
			require.NoError(t, err)

			_, err = l.Submit(ctx, tx)
			require.ErrorIs(t, err, ledger.ErrNonceMismatch)
		})
	}

	other := newSender(t, l)
	nonce, err = l.NextNonce(ctx, other.signer.Account())
	require.NoError(t, err)
	require.Zero(t, nonce)

	count, err := l.SnapshotCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func testSignatures(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	s := newSender(t, l)

	tx, err := ledger.SignTransaction(s.signer, ledger.Transaction{Call: ledger.AddSnapshot{Key: "k"}})
	require.NoError(t, err)

	tampered := tx
	tampered.Call = ledger.AddSnapshot{Key: "other"}
	_, err = l.Submit(ctx, tampered)
	require.ErrorIs(t, err, ledger.ErrBadSignature)

	impostor := tx
	impostor.Account = newSender(t, l).signer.Account()
	_, err = l.Submit(ctx, impostor)
	require.ErrorIs(t, err, ledger.ErrBadSignature)

	count, err := l.SnapshotCount(ctx)
	require.NoError(t, err)
	require.Zero(t, count)

	_, err = l.Submit(ctx, tx)
	require.NoError(t, err)
}
