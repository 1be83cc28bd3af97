// Package ledger provides access to the externally replicated ledger that records the snapshot list
// and the references of a repository. The ledger is modelled after a smart contract: reads are
// plain calls, while every mutation is a signed transaction carrying the sending account's next
// nonce. The ledger applies a transaction atomically, so a compare-and-swap on a reference is
// decided by the ledger itself and never by the client.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	// ErrNonceMismatch is returned when a transaction's nonce is not the next nonce of its
	// account. Resubmitting with a fresh nonce may succeed.
	ErrNonceMismatch = errors.New("nonce mismatch")
	// ErrBadSignature is returned when a transaction's signature does not verify against its
	// account.
	ErrBadSignature = errors.New("bad transaction signature")
	// ErrInvalidCall is returned when a transaction carries arguments the contract refuses.
	ErrInvalidCall = errors.New("invalid contract call")
	// ErrIndexOutOfRange is returned when reading a snapshot or reference name by an index
	// which is not smaller than the respective count.
	ErrIndexOutOfRange = errors.New("index out of range")
)

// Reader holds the read-only functions of the ledger contract.
type Reader interface {
	// SnapshotCount returns the length of the snapshot list.
	SnapshotCount(ctx context.Context) (int, error)
	// GetSnapshot returns the storage key of the i-th snapshot.
	GetSnapshot(ctx context.Context, i int) (string, error)
	// RefCount returns the number of entries in the reference directory.
	RefCount(ctx context.Context) (int, error)
	// RefName returns the name of the i-th reference in the directory.
	RefName(ctx context.Context, i int) (string, error)
	// GetRef returns the value of the reference. Absent references have the empty value.
	GetRef(ctx context.Context, name string) (string, error)
}

// Transactor submits signed transactions.
type Transactor interface {
	// NextNonce returns the nonce the next transaction of account must carry.
	NextNonce(ctx context.Context, account string) (uint64, error)
	// Submit applies the transaction and blocks until it is final. A transaction whose
	// call is rejected by the contract, e.g. because a reference is stale, still consumes
	// its nonce.
	Submit(ctx context.Context, tx SignedTransaction) (Receipt, error)
}

// Ledger is the ledger capability.
type Ledger interface {
	Reader
	Transactor
}

// Call is a call of one of the mutating contract functions.
type Call interface {
	// Function returns the name of the contract function.
	Function() string
	// Args returns the arguments in the order the contract function declares them.
	Args() []string
}

// AddSnapshot appends Key to the snapshot list.
type AddSnapshot struct {
	Key string
}

// Function returns the name of the contract function.
func (AddSnapshot) Function() string { return "addSnapshot" }

// Args returns the arguments.
func (c AddSnapshot) Args() []string { return []string{c.Key} }

// SetRef points reference Name at Value if its current value is Expected. An empty Expected
// creates the reference.
type SetRef struct {
	Name     string
	Expected string
	Value    string
}

// Function returns the name of the contract function.
func (SetRef) Function() string { return "setRef" }

// Args returns the arguments.
func (c SetRef) Args() []string { return []string{c.Name, c.Expected, c.Value} }

// DeleteRef removes reference Name from the directory if its current value is Expected.
type DeleteRef struct {
	Name     string
	Expected string
}

// Function returns the name of the contract function.
func (DeleteRef) Function() string { return "deleteRef" }

// Args returns the arguments.
func (c DeleteRef) Args() []string { return []string{c.Name, c.Expected} }

// ValidateCall checks the arguments of a call before it is applied.
func ValidateCall(call Call) error {
	switch c := call.(type) {
	case AddSnapshot:
		if c.Key == "" {
			return fmt.Errorf("%w: addSnapshot: empty key", ErrInvalidCall)
		}
	case SetRef:
		if c.Name == "" {
			return fmt.Errorf("%w: setRef: empty name", ErrInvalidCall)
		}
		if c.Value == "" {
			return fmt.Errorf("%w: setRef %q: empty value", ErrInvalidCall, c.Name)
		}
	case DeleteRef:
		if c.Name == "" {
			return fmt.Errorf("%w: deleteRef: empty name", ErrInvalidCall)
		}
	default:
		return fmt.Errorf("%w: unknown call %T", ErrInvalidCall, call)
	}
	return nil
}

// DecodeCall reconstructs a call from its function name and arguments.
func DecodeCall(function string, args []string) (Call, error) {
	wantArgs := map[string]int{"addSnapshot": 1, "setRef": 3, "deleteRef": 2}
	n, ok := wantArgs[function]
	if !ok {
		return nil, fmt.Errorf("%w: unknown function %q", ErrInvalidCall, function)
	}
	if len(args) != n {
		return nil, fmt.Errorf("%w: %s takes %d arguments, got %d", ErrInvalidCall, function, n, len(args))
	}

	switch function {
	case "addSnapshot":
		return AddSnapshot{Key: args[0]}, nil
	case "setRef":
		return SetRef{Name: args[0], Expected: args[1], Value: args[2]}, nil
	default:
		return DeleteRef{Name: args[0], Expected: args[1]}, nil
	}
}

// Transaction is a contract call sent from an account.
type Transaction struct {
	Account string
	Nonce   uint64
	Call    Call
}

type signingPayload struct {
	_        struct{} `cbor:",toarray"`
	Account  string
	Nonce    uint64
	Function string
	Args     []string
}

var payloadEncMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("ledger: create encoding mode: %v", err))
	}
	return em
}()

// SigningPayload returns the canonical bytes a signature is computed over.
func (tx Transaction) SigningPayload() ([]byte, error) {
	if tx.Call == nil {
		return nil, fmt.Errorf("%w: transaction without call", ErrInvalidCall)
	}

	return payloadEncMode.Marshal(signingPayload{
		Account:  tx.Account,
		Nonce:    tx.Nonce,
		Function: tx.Call.Function(),
		Args:     tx.Call.Args(),
	})
}

// SignedTransaction is a transaction together with the signature of its account.
type SignedTransaction struct {
	Transaction
	Signature []byte
}

// TransactionStatus tells what happened to a final transaction.
type TransactionStatus string

const (
	// StatusApplied means the call took effect.
	StatusApplied = TransactionStatus("applied")
	// StatusReverted means the contract rejected the call. The nonce was consumed anyway.
	StatusReverted = TransactionStatus("reverted")
)

// Receipt describes a final transaction.
type Receipt struct {
	ID     string
	Nonce  uint64
	Status TransactionStatus
}
