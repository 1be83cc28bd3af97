// Package sqlledger implements the ledger on top of an SQL database. Every repository is an
// independent contract instance keyed by its address. Transactions are applied inside a
// database transaction which first bumps the repository's height, so all mutations of a
// repository are totally ordered and verified against the state left by their predecessor.
package sqlledger

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gitlab.com/gitlab-org/gitledger/internal/commonerr"
	"gitlab.com/gitlab-org/gitledger/internal/ledger"
)

// Ledger is a ledger stored in an SQL database.
type Ledger struct {
	db         *sql.DB
	repository string
}

// New returns the ledger of repository. The schema must have been migrated with Migrate.
func New(db *sql.DB, repository string) (*Ledger, error) {
	if repository == "" {
		return nil, errors.New("sql ledger: empty repository address")
	}
	return &Ledger{db: db, repository: repository}, nil
}

// SnapshotCount returns the length of the snapshot list.
func (l *Ledger) SnapshotCount(ctx context.Context) (int, error) {
	var count int
	if err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ledger_snapshots WHERE repository = $1`,
		l.repository,
	).Scan(&count); err != nil {
		return 0, classify("snapshot count", err)
	}
	return count, nil
}

// GetSnapshot returns the storage key of the i-th snapshot.
func (l *Ledger) GetSnapshot(ctx context.Context, i int) (string, error) {
	var key string
	if err := l.db.QueryRowContext(ctx,
		`SELECT storage_key FROM ledger_snapshots WHERE repository = $1 AND idx = $2`,
		l.repository, i,
	).Scan(&key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("snapshot %d: %w", i, ledger.ErrIndexOutOfRange)
		}
		return "", classify("get snapshot", err)
	}
	return key, nil
}

// RefCount returns the number of references in the directory.
func (l *Ledger) RefCount(ctx context.Context) (int, error) {
	var count int
	if err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ledger_refs WHERE repository = $1`,
		l.repository,
	).Scan(&count); err != nil {
		return 0, classify("ref count", err)
	}
	return count, nil
}

// RefName returns the name of the i-th reference. The directory is ordered by name.
func (l *Ledger) RefName(ctx context.Context, i int) (string, error) {
	if i < 0 {
		return "", fmt.Errorf("reference %d: %w", i, ledger.ErrIndexOutOfRange)
	}

	var name string
	if err := l.db.QueryRowContext(ctx,
		`SELECT name FROM ledger_refs WHERE repository = $1 ORDER BY name LIMIT 1 OFFSET $2`,
		l.repository, i,
	).Scan(&name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("reference %d: %w", i, ledger.ErrIndexOutOfRange)
		}
		return "", classify("ref name", err)
	}
	return name, nil
}

// GetRef returns the value of a reference or the empty value if it is absent.
func (l *Ledger) GetRef(ctx context.Context, name string) (string, error) {
	value, err := getRef(ctx, l.db, l.repository, name)
	if err != nil {
		return "", classify("get ref", err)
	}
	return value, nil
}

// NextNonce returns the nonce the next transaction of account must carry.
func (l *Ledger) NextNonce(ctx context.Context, account string) (uint64, error) {
	nonce, err := getNonce(ctx, l.db, l.repository, account)
	if err != nil {
		return 0, classify("next nonce", err)
	}
	return nonce, nil
}

// Submit verifies a transaction and applies it in a single database transaction.
func (l *Ledger) Submit(ctx context.Context, stx ledger.SignedTransaction) (ledger.Receipt, error) {
	if err := ledger.VerifyTransaction(stx); err != nil {
		return ledger.Receipt{}, err
	}

	if err := ledger.ValidateCall(stx.Call); err != nil {
		return ledger.Receipt{}, err
	}

	payload, err := stx.SigningPayload()
	if err != nil {
		return ledger.Receipt{}, err
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Receipt{}, classify("begin", err)
	}
	// Rolling back a committed transaction is a no-op.
	defer tx.Rollback()

	height, err := l.bumpHeight(ctx, tx)
	if err != nil {
		return ledger.Receipt{}, classify("bump height", err)
	}

	nonce, err := getNonce(ctx, tx, l.repository, stx.Account)
	if err != nil {
		return ledger.Receipt{}, classify("read nonce", err)
	}
	if nonce != stx.Nonce {
		return ledger.Receipt{}, fmt.Errorf("%w: account %s sent %d, expected %d", ledger.ErrNonceMismatch, stx.Account, stx.Nonce, nonce)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO ledger_accounts (repository, account, nonce) VALUES ($1, $2, $3)
ON CONFLICT (repository, account) DO UPDATE SET nonce = excluded.nonce`,
		l.repository, stx.Account, nonce+1,
	); err != nil {
		return ledger.Receipt{}, classify("write nonce", err)
	}

	receipt := ledger.Receipt{ID: uuid.New().String(), Nonce: stx.Nonce, Status: ledger.StatusApplied}

	applyErr := l.apply(ctx, tx, stx.Call)
	var staleErr commonerr.StaleRefError
	switch {
	case applyErr == nil:
	case errors.As(applyErr, &staleErr):
		receipt.Status = ledger.StatusReverted
	default:
		return ledger.Receipt{}, classify("apply "+stx.Call.Function(), applyErr)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO ledger_transactions (id, repository, height, account, nonce, payload, signature, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		receipt.ID, l.repository, height, stx.Account, stx.Nonce,
		hex.EncodeToString(payload), hex.EncodeToString(stx.Signature), string(receipt.Status),
	); err != nil {
		return ledger.Receipt{}, classify("record transaction", err)
	}

	if err := tx.Commit(); err != nil {
		return ledger.Receipt{}, classify("commit", err)
	}

	if applyErr != nil {
		return receipt, staleErr
	}
	return receipt, nil
}

// bumpHeight increments the repository's height. The row lock it takes orders concurrent
// transactions of the same repository.
func (l *Ledger) bumpHeight(ctx context.Context, tx *sql.Tx) (int64, error) {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_repositories (repository, height) VALUES ($1, 0) ON CONFLICT (repository) DO NOTHING`,
		l.repository,
	); err != nil {
		return 0, err
	}

	var height int64
	if err := tx.QueryRowContext(ctx,
		`UPDATE ledger_repositories SET height = height + 1 WHERE repository = $1 RETURNING height`,
		l.repository,
	).Scan(&height); err != nil {
		return 0, err
	}
	return height, nil
}

func (l *Ledger) apply(ctx context.Context, tx *sql.Tx, call ledger.Call) error {
	switch c := call.(type) {
	case ledger.AddSnapshot:
		_, err := tx.ExecContext(ctx, `
INSERT INTO ledger_snapshots (repository, idx, storage_key)
SELECT $1, COUNT(*), $2 FROM ledger_snapshots WHERE repository = $1`,
			l.repository, c.Key,
		)
		return err
	case ledger.SetRef:
		current, err := getRef(ctx, tx, l.repository, c.Name)
		if err != nil {
			return err
		}
		if current != c.Expected {
			return commonerr.StaleRefError{Ref: c.Name, Expected: c.Expected, Actual: current}
		}

		_, err = tx.ExecContext(ctx, `
INSERT INTO ledger_refs (repository, name, value) VALUES ($1, $2, $3)
ON CONFLICT (repository, name) DO UPDATE SET value = excluded.value`,
			l.repository, c.Name, c.Value,
		)
		return err
	case ledger.DeleteRef:
		current, err := getRef(ctx, tx, l.repository, c.Name)
		if err != nil {
			return err
		}
		if current != c.Expected {
			return commonerr.StaleRefError{Ref: c.Name, Expected: c.Expected, Actual: current}
		}

		_, err = tx.ExecContext(ctx,
			`DELETE FROM ledger_refs WHERE repository = $1 AND name = $2`,
			l.repository, c.Name,
		)
		return err
	default:
		return fmt.Errorf("%w: unknown call %T", ledger.ErrInvalidCall, call)
	}
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func getRef(ctx context.Context, q querier, repository, name string) (string, error) {
	var value string
	if err := q.QueryRowContext(ctx,
		`SELECT value FROM ledger_refs WHERE repository = $1 AND name = $2`,
		repository, name,
	).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return value, nil
}

func getNonce(ctx context.Context, q querier, repository, account string) (uint64, error) {
	var nonce int64
	if err := q.QueryRowContext(ctx,
		`SELECT nonce FROM ledger_accounts WHERE repository = $1 AND account = $2`,
		repository, account,
	).Scan(&nonce); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return uint64(nonce), nil
}
