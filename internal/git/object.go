package git

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strconv"

	"gitlab.com/gitlab-org/gitledger/internal/commonerr"
)

// ObjectType is the type tag of a Git object. The hasher accepts arbitrary tags, the constants
// list the ones Git itself produces.
type ObjectType string

const (
	// ObjectTypeCommit is the type of a Git commit.
	ObjectTypeCommit = ObjectType("commit")
	// ObjectTypeBlob is the type of a Git blob.
	ObjectTypeBlob = ObjectType("blob")
	// ObjectTypeTree is the type of a Git tree.
	ObjectTypeTree = ObjectType("tree")
	// ObjectTypeTag is the type of a Git tag.
	ObjectTypeTag = ObjectType("tag")
)

// String returns the type tag.
func (t ObjectType) String() string {
	return string(t)
}

// Object is a typed, immutable object record as exchanged with the local Git client. Length must
// always equal the length of Payload.
type Object struct {
	Type    ObjectType
	Length  int64
	Payload []byte
}

// NewObject creates an object record whose length matches its payload.
func NewObject(objectType ObjectType, payload []byte) Object {
	return Object{
		Type:    objectType,
		Length:  int64(len(payload)),
		Payload: payload,
	}
}

// Validate verifies that the declared length matches the payload. A mismatch is never corrected.
func (o Object) Validate() error {
	if o.Length != int64(len(o.Payload)) {
		return commonerr.NewFormatError("object record",
			fmt.Sprintf("declared length %d does not match payload length %d", o.Length, len(o.Payload)))
	}
	return nil
}

// ObjectID computes the content ID of the object.
func (o Object) ObjectID() ObjectID {
	return HashObject(o.Type, o.Payload)
}

// HashObject computes the content ID of a typed payload the same way git-hash-object(1) does: the
// digest is taken over the header "<type> <length>\x00" followed by the payload.
func HashObject(objectType ObjectType, payload []byte) ObjectID {
	hasher := sha1.New()
	hasher.Write([]byte(objectType))
	hasher.Write([]byte{' '})
	hasher.Write([]byte(strconv.Itoa(len(payload))))
	hasher.Write([]byte{0})
	hasher.Write(payload)
	return ObjectID(hex.EncodeToString(hasher.Sum(nil)))
}
