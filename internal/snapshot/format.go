package snapshot

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"gitlab.com/gitlab-org/gitledger/internal/blobstore"
	"gitlab.com/gitlab-org/gitledger/internal/commonerr"
	"gitlab.com/gitlab-org/gitledger/internal/git"
)

const (
	magic = "GLSN"
	// Version is the snapshot format written by Encode.
	Version = byte(1)
	// maxDecodedSize bounds the decompressed size of a snapshot.
	maxDecodedSize = 256 << 20
)

// Entry maps an object to the storage key of its encoded record.
type Entry struct {
	ObjectID git.ObjectID
	Key      blobstore.Key
}

type wireEntry struct {
	_        struct{} `cbor:",toarray"`
	ObjectID []byte
	Key      string
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic("snapshot: cbor encoder initialization failed: " + err.Error())
	}
	if decMode, err = (cbor.DecOptions{IndefLength: cbor.IndefLengthForbidden}).DecMode(); err != nil {
		panic("snapshot: cbor decoder initialization failed: " + err.Error())
	}
	if zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault)); err != nil {
		panic("snapshot: zstd encoder initialization failed: " + err.Error())
	}
	if zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedSize)); err != nil {
		panic("snapshot: zstd decoder initialization failed: " + err.Error())
	}
}

// Encode serializes entries into a snapshot blob: the magic "GLSN", a version byte and the
// zstd-compressed CBOR array of [object id, storage key] pairs. Entries are sorted by object ID
// so that equal entry sets produce equal blobs.
func Encode(entries []Entry) ([]byte, error) {
	sorted := append([]Entry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ObjectID < sorted[j].ObjectID })

	wire := make([]wireEntry, 0, len(sorted))
	for _, entry := range sorted {
		if err := git.ValidateObjectID(entry.ObjectID.String()); err != nil {
			return nil, fmt.Errorf("encode snapshot: %w", err)
		}
		raw, err := entry.ObjectID.Bytes()
		if err != nil {
			return nil, fmt.Errorf("encode snapshot: %w", err)
		}
		if entry.Key == "" {
			return nil, fmt.Errorf("encode snapshot: object %s has no storage key", entry.ObjectID)
		}
		wire = append(wire, wireEntry{ObjectID: raw, Key: entry.Key.String()})
	}

	plain, err := encMode.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}

	blob := make([]byte, 0, len(magic)+1+len(plain))
	blob = append(blob, magic...)
	blob = append(blob, Version)
	return zstdEncoder.EncodeAll(plain, blob), nil
}

// Decode parses a snapshot blob. Any deviation from the format is a FormatError.
func Decode(blob []byte) ([]Entry, error) {
	if len(blob) < len(magic)+1 {
		return nil, commonerr.NewFormatError("snapshot", "blob too small for header")
	}
	if !bytes.Equal(blob[:len(magic)], []byte(magic)) {
		return nil, commonerr.NewFormatError("snapshot", "invalid magic")
	}
	if version := blob[len(magic)]; version != Version {
		return nil, commonerr.NewFormatError("snapshot", fmt.Sprintf("unsupported version %d", version))
	}

	plain, err := zstdDecoder.DecodeAll(blob[len(magic)+1:], nil)
	if err != nil {
		return nil, commonerr.NewFormatError("snapshot", fmt.Sprintf("decompress: %v", err))
	}

	var wire []wireEntry
	if err := decMode.Unmarshal(plain, &wire); err != nil {
		return nil, commonerr.NewFormatError("snapshot", err.Error())
	}

	entries := make([]Entry, 0, len(wire))
	for i, entry := range wire {
		oid, err := git.NewObjectIDFromHex(hex.EncodeToString(entry.ObjectID))
		if err != nil {
			return nil, commonerr.NewFormatError("snapshot", fmt.Sprintf("entry %d: %v", i, err))
		}
		if entry.Key == "" {
			return nil, commonerr.NewFormatError("snapshot", fmt.Sprintf("entry %d: empty storage key", i))
		}
		entries = append(entries, Entry{ObjectID: oid, Key: blobstore.Key(entry.Key)})
	}

	return entries, nil
}
