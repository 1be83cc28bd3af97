// Package objectcodec encodes object records into the format which is persisted in the blob
// store. A record is a CBOR array of exactly three items: the type tag as a byte string, the
// declared length as an unsigned integer and the payload as a byte string. Using a structural
// encoding keeps type tags containing arbitrary bytes from corrupting the framing.
package objectcodec

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"gitlab.com/gitlab-org/gitledger/internal/commonerr"
	"gitlab.com/gitlab-org/gitledger/internal/git"
)

type wireObject struct {
	_       struct{} `cbor:",toarray"`
	Type    []byte
	Length  uint64
	Payload []byte
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(fmt.Sprintf("objectcodec: create encoding mode: %v", err))
	}

	if decMode, err = (cbor.DecOptions{IndefLength: cbor.IndefLengthForbidden}).DecMode(); err != nil {
		panic(fmt.Sprintf("objectcodec: create decoding mode: %v", err))
	}
}

// Encode serializes the object record. Records whose declared length disagrees with their payload
// are refused.
func Encode(object git.Object) ([]byte, error) {
	if err := object.Validate(); err != nil {
		return nil, err
	}

	data, err := encMode.Marshal(wireObject{
		Type:    []byte(object.Type),
		Length:  uint64(object.Length),
		Payload: object.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("encode object: %w", err)
	}

	return data, nil
}

// Decode parses an encoded object record. It fails with a FormatError if the data is truncated,
// carries trailing bytes or declares a length different from the payload size.
func Decode(data []byte) (git.Object, error) {
	var wire wireObject
	if err := decMode.Unmarshal(data, &wire); err != nil {
		return git.Object{}, commonerr.NewFormatError("object encoding", err.Error())
	}

	if wire.Length != uint64(len(wire.Payload)) {
		return git.Object{}, commonerr.NewFormatError("object encoding",
			fmt.Sprintf("declared length %d but %d payload bytes remain", wire.Length, len(wire.Payload)))
	}

	return git.Object{
		Type:    git.ObjectType(wire.Type),
		Length:  int64(wire.Length),
		Payload: wire.Payload,
	}, nil
}
