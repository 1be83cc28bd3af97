package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"gitlab.com/gitlab-org/gitledger/internal/commonerr"
)

// MemoryLedger is an in-process ledger. It verifies signatures and nonces the same way the
// persistent ledgers do and is what tests and the memory:// url use.
type MemoryLedger struct {
	mu        sync.RWMutex
	snapshots []string
	refNames  []string
	refs      map[string]string
	nonces    map[string]uint64
	receipts  []Receipt
}

// NewMemoryLedger returns an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		refs:   make(map[string]string),
		nonces: make(map[string]uint64),
	}
}

// SnapshotCount returns the length of the snapshot list.
func (m *MemoryLedger) SnapshotCount(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.snapshots), nil
}

// GetSnapshot returns the storage key of the i-th snapshot.
func (m *MemoryLedger) GetSnapshot(_ context.Context, i int) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if i < 0 || i >= len(m.snapshots) {
		return "", fmt.Errorf("snapshot %d: %w", i, ErrIndexOutOfRange)
	}
	return m.snapshots[i], nil
}

// RefCount returns the number of references in the directory.
func (m *MemoryLedger) RefCount(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.refNames), nil
}

// RefName returns the name of the i-th reference.
func (m *MemoryLedger) RefName(_ context.Context, i int) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if i < 0 || i >= len(m.refNames) {
		return "", fmt.Errorf("reference %d: %w", i, ErrIndexOutOfRange)
	}
	return m.refNames[i], nil
}

// GetRef returns the value of a reference or the empty value if it is absent.
func (m *MemoryLedger) GetRef(_ context.Context, name string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.refs[name], nil
}

// NextNonce returns the nonce the next transaction of account must carry.
func (m *MemoryLedger) NextNonce(_ context.Context, account string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nonces[account], nil
}

// Submit verifies and applies a transaction.
func (m *MemoryLedger) Submit(ctx context.Context, tx SignedTransaction) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}

	if err := VerifyTransaction(tx); err != nil {
		return Receipt{}, err
	}

	if err := ValidateCall(tx.Call); err != nil {
		return Receipt{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if expected := m.nonces[tx.Account]; tx.Nonce != expected {
		return Receipt{}, fmt.Errorf("%w: account %s sent %d, expected %d", ErrNonceMismatch, tx.Account, tx.Nonce, expected)
	}
	m.nonces[tx.Account]++

	receipt := Receipt{ID: uuid.New().String(), Nonce: tx.Nonce, Status: StatusApplied}
	applyErr := m.apply(tx.Call)
	if applyErr != nil {
		receipt.Status = StatusReverted
	}
	m.receipts = append(m.receipts, receipt)

	return receipt, applyErr
}

func (m *MemoryLedger) apply(call Call) error {
	switch c := call.(type) {
	case AddSnapshot:
		m.snapshots = append(m.snapshots, c.Key)
	case SetRef:
		current, exists := m.refs[c.Name]
		if current != c.Expected {
			return commonerr.StaleRefError{Ref: c.Name, Expected: c.Expected, Actual: current}
		}
		if !exists {
			m.refNames = append(m.refNames, c.Name)
		}
		m.refs[c.Name] = c.Value
	case DeleteRef:
		current, exists := m.refs[c.Name]
		if current != c.Expected {
			return commonerr.StaleRefError{Ref: c.Name, Expected: c.Expected, Actual: current}
		}
		if !exists {
			return nil
		}
		delete(m.refs, c.Name)
		for i, name := range m.refNames {
			if name == c.Name {
				m.refNames = append(m.refNames[:i], m.refNames[i+1:]...)
				break
			}
		}
	}
	return nil
}

// Receipts returns the receipts of all final transactions in submission order.
func (m *MemoryLedger) Receipts() []Receipt {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Receipt(nil), m.receipts...)
}
