package remotehelper

import (
	"fmt"
	"strconv"
	"strings"

	"gitlab.com/gitlab-org/gitledger/internal/commonerr"
	"gitlab.com/gitlab-org/gitledger/internal/git"
	"gitlab.com/gitlab-org/gitledger/internal/syncer"
)

const (
	// UploadPackService is the service git connects to for fetching.
	UploadPackService = "git-upload-pack"
	// ReceivePackService is the service git connects to for pushing.
	ReceivePackService = "git-receive-pack"

	// maxObjectSize bounds the payload of a single pushed object.
	maxObjectSize = 1 << 30
)

// Request is a top-level command sent by git.
type Request interface {
	isRequest()
}

// CapabilitiesRequest asks for the supported commands.
type CapabilitiesRequest struct{}

// ConnectRequest asks to run the sub-protocol of Service.
type ConnectRequest struct {
	Service string
	Target  string
}

// ListRequest asks for the reference advertisement.
type ListRequest struct {
	ForPush bool
}

// FetchRequest starts the fetch sub-protocol.
type FetchRequest struct{}

// PushRequest starts the push sub-protocol.
type PushRequest struct{}

// OptionRequest sets a transport option.
type OptionRequest struct {
	Name  string
	Value string
}

// EndRequest is the blank line git sends to end the session.
type EndRequest struct{}

func (CapabilitiesRequest) isRequest() {}
func (ConnectRequest) isRequest()      {}
func (ListRequest) isRequest()         {}
func (FetchRequest) isRequest()        {}
func (PushRequest) isRequest()         {}
func (OptionRequest) isRequest()       {}
func (EndRequest) isRequest()          {}

func protocolError(line, reason string) error {
	return commonerr.NewFormatError(fmt.Sprintf("protocol line %q", line), reason)
}

// ParseRequest parses a top-level command line without its trailing newline.
func ParseRequest(line string) (Request, error) {
	if line == "" {
		return EndRequest{}, nil
	}

	fields := strings.Split(line, " ")
	command, args := fields[0], fields[1:]

	switch command {
	case "capabilities":
		if len(args) != 0 {
			return nil, protocolError(line, "capabilities takes no arguments")
		}
		return CapabilitiesRequest{}, nil
	case "connect":
		if len(args) < 1 || len(args) > 2 {
			return nil, protocolError(line, "expected connect <service> [<target>]")
		}
		request := ConnectRequest{Service: args[0]}
		if len(args) == 2 {
			request.Target = args[1]
		}
		return request, nil
	case "list":
		switch {
		case len(args) == 0:
			return ListRequest{}, nil
		case len(args) == 1 && args[0] == "for-push":
			return ListRequest{ForPush: true}, nil
		default:
			return nil, protocolError(line, "expected list [for-push]")
		}
	case "fetch":
		if len(args) != 0 {
			return nil, protocolError(line, "fetch takes no arguments")
		}
		return FetchRequest{}, nil
	case "push":
		if len(args) != 0 {
			return nil, protocolError(line, "push takes no arguments")
		}
		return PushRequest{}, nil
	case "option":
		if len(args) < 2 {
			return nil, protocolError(line, "expected option <name> <value>")
		}
		return OptionRequest{Name: args[0], Value: strings.Join(args[1:], " ")}, nil
	default:
		return nil, protocolError(line, "unknown command")
	}
}

// ParseWant parses a `want <hash>` line of the fetch sub-protocol.
func ParseWant(line string) (git.ObjectID, error) {
	fields := strings.Split(line, " ")
	if len(fields) != 2 || fields[0] != "want" {
		return "", protocolError(line, "expected want <hash>")
	}

	oid, err := git.NewObjectIDFromHex(fields[1])
	if err != nil {
		return "", protocolError(line, err.Error())
	}
	return oid, nil
}

// ObjectHeader announces a pushed object whose payload follows on the next Length bytes.
type ObjectHeader struct {
	Type   git.ObjectType
	Length int64
}

// ParseObjectHeader parses an `object <type> <length>` line of the push sub-protocol.
func ParseObjectHeader(line string) (ObjectHeader, error) {
	fields := strings.Split(line, " ")
	if len(fields) != 3 || fields[0] != "object" {
		return ObjectHeader{}, protocolError(line, "expected object <type> <length>")
	}

	objectType := git.ObjectType(fields[1])
	switch objectType {
	case git.ObjectTypeBlob, git.ObjectTypeTree, git.ObjectTypeCommit, git.ObjectTypeTag:
	default:
		return ObjectHeader{}, protocolError(line, "unknown object type")
	}

	length, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil || length < 0 || fields[2] != strconv.FormatInt(length, 10) {
		return ObjectHeader{}, protocolError(line, "invalid length")
	}
	if length > maxObjectSize {
		return ObjectHeader{}, protocolError(line, fmt.Sprintf("object exceeds %d bytes", maxObjectSize))
	}

	return ObjectHeader{Type: objectType, Length: length}, nil
}

// ParseRefUpdate parses an `<old-hash> <new-hash> <ref-name>` line of the push sub-protocol.
// The all-zero hash maps to the empty ObjectID.
func ParseRefUpdate(line string) (syncer.RefUpdate, error) {
	fields := strings.Split(line, " ")
	if len(fields) != 3 {
		return syncer.RefUpdate{}, protocolError(line, "expected <old-hash> <new-hash> <ref-name>")
	}

	oldOID, err := git.NewObjectIDFromWire(fields[0])
	if err != nil {
		return syncer.RefUpdate{}, protocolError(line, fmt.Sprintf("old value: %v", err))
	}

	newOID, err := git.NewObjectIDFromWire(fields[1])
	if err != nil {
		return syncer.RefUpdate{}, protocolError(line, fmt.Sprintf("new value: %v", err))
	}

	if err := git.ValidateReferenceName(fields[2]); err != nil {
		return syncer.RefUpdate{}, protocolError(line, err.Error())
	}

	return syncer.RefUpdate{
		Name:   git.ReferenceName(fields[2]),
		OldOID: oldOID,
		NewOID: newOID,
	}, nil
}
