package git

import (
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
)

const (
	// ZeroOID is the special value that Git uses to signal a ref or object does not exist
	ZeroOID = ObjectID("0000000000000000000000000000000000000000")
)

var (
	// ErrInvalidObjectID is returned in case an object ID's string
	// representation is not a valid one.
	ErrInvalidObjectID = errors.New("invalid object ID")

	objectIDRegex = regexp.MustCompile(`\A[0-9a-f]{40}\z`)
)

// ObjectID represents an object ID. The empty ObjectID denotes the absence of an object, which is
// how the ledger represents a deleted or not-yet-created reference.
type ObjectID string

// NewObjectIDFromHex constructs a new ObjectID from the given hex
// representation of the object ID. Returns ErrInvalidObjectID if the given
// OID is not valid.
func NewObjectIDFromHex(hex string) (ObjectID, error) {
	if err := ValidateObjectID(hex); err != nil {
		return "", err
	}
	return ObjectID(hex), nil
}

// NewObjectIDFromWire parses an object ID as it appears on the remote helper protocol. The all-zero
// ID maps to the empty ObjectID.
func NewObjectIDFromWire(hex string) (ObjectID, error) {
	oid, err := NewObjectIDFromHex(hex)
	if err != nil {
		return "", err
	}
	if oid.IsZeroOID() {
		return "", nil
	}
	return oid, nil
}

// String returns the hex representation of the ObjectID.
func (oid ObjectID) String() string {
	return string(oid)
}

// Wire returns the representation of the ObjectID used on the protocol, which renders the empty
// ObjectID as ZeroOID.
func (oid ObjectID) Wire() string {
	if oid == "" {
		return ZeroOID.String()
	}
	return oid.String()
}

// Bytes returns the byte representation of the ObjectID.
func (oid ObjectID) Bytes() ([]byte, error) {
	decoded, err := hex.DecodeString(string(oid))
	if err != nil {
		return nil, err
	}
	return decoded, nil
}

// ValidateObjectID checks if id is a syntactically correct object ID. Abbreviated
// object IDs are not deemed to be valid. Returns an ErrInvalidObjectID if the
// id is not valid.
func ValidateObjectID(id string) error {
	if objectIDRegex.MatchString(id) {
		return nil
	}

	return fmt.Errorf("%w: %q", ErrInvalidObjectID, id)
}

// IsZeroOID is a shortcut for `something == git.ZeroOID.String()`
func (oid ObjectID) IsZeroOID() bool {
	return string(oid) == string(ZeroOID)
}

// IsEmpty tells whether the ObjectID denotes a missing object. Both the empty string and ZeroOID
// are treated as missing.
func (oid ObjectID) IsEmpty() bool {
	return oid == "" || oid.IsZeroOID()
}
