package remotehelper

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/gitledger/internal/commonerr"
	"gitlab.com/gitlab-org/gitledger/internal/git"
	"gitlab.com/gitlab-org/gitledger/internal/syncer"
)

const (
	oidA = "1e292f8fedd741b75372e19097c76d327140c312"
	oidB = "3b18e512dba79e4c8300dd08aeb37f8e728b8dad"
)

func TestParseRequest(t *testing.T) {
	for _, tc := range []struct {
		desc     string
		line     string
		expected Request
	}{
		{desc: "end", line: "", expected: EndRequest{}},
		{desc: "capabilities", line: "capabilities", expected: CapabilitiesRequest{}},
		{desc: "connect", line: "connect git-upload-pack", expected: ConnectRequest{Service: UploadPackService}},
		{desc: "connect with target", line: "connect git-receive-pack 0xabc", expected: ConnectRequest{Service: ReceivePackService, Target: "0xabc"}},
		{desc: "list", line: "list", expected: ListRequest{}},
		{desc: "list for push", line: "list for-push", expected: ListRequest{ForPush: true}},
		{desc: "fetch", line: "fetch", expected: FetchRequest{}},
		{desc: "push", line: "push", expected: PushRequest{}},
		{desc: "option", line: "option verbosity 1", expected: OptionRequest{Name: "verbosity", Value: "1"}},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			request, err := ParseRequest(tc.line)
			require.NoError(t, err)
			require.Equal(t, tc.expected, request)
		})
	}

	for _, line := range []string{
		"capabilities now",
		"connect",
		"connect a b c",
		"list for-fetch",
		"fetch " + oidA + " refs/heads/main",
		"push refs/heads/main",
		"option verbosity",
		"frobnicate",
		" capabilities",
	} {
		t.Run("invalid "+line, func(t *testing.T) {
			_, err := ParseRequest(line)
			require.ErrorIs(t, err, commonerr.ErrFormat)
		})
	}
}

func TestParseWant(t *testing.T) {
	oid, err := ParseWant("want " + oidA)
	require.NoError(t, err)
	require.Equal(t, git.ObjectID(oidA), oid)

	for _, line := range []string{"want", "want " + oidA[:10], "have " + oidA, "want " + oidA + " " + oidB} {
		_, err := ParseWant(line)
		require.ErrorIs(t, err, commonerr.ErrFormat, line)
	}
}

func TestParseObjectHeader(t *testing.T) {
	for _, tc := range []struct {
		desc     string
		line     string
		expected ObjectHeader
		valid    bool
	}{
		{desc: "blob", line: "object blob 2", expected: ObjectHeader{Type: git.ObjectTypeBlob, Length: 2}, valid: true},
		{desc: "empty tree", line: "object tree 0", expected: ObjectHeader{Type: git.ObjectTypeTree}, valid: true},
		{desc: "unknown type", line: "object chunk 2"},
		{desc: "negative length", line: "object blob -1"},
		{desc: "signed length", line: "object blob +1"},
		{desc: "not a number", line: "object blob two"},
		{desc: "too large", line: "object blob 9999999999"},
		{desc: "missing length", line: "object blob"},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			header, err := ParseObjectHeader(tc.line)
			if !tc.valid {
				require.ErrorIs(t, err, commonerr.ErrFormat)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.expected, header)
		})
	}
}

func TestParseRefUpdate(t *testing.T) {
	for _, tc := range []struct {
		desc     string
		line     string
		expected syncer.RefUpdate
		valid    bool
	}{
		{
			desc:     "create",
			line:     git.ZeroOID.String() + " " + oidA + " refs/heads/main",
			expected: syncer.RefUpdate{Name: "refs/heads/main", NewOID: oidA},
			valid:    true,
		},
		{
			desc:     "update",
			line:     oidA + " " + oidB + " refs/heads/main",
			expected: syncer.RefUpdate{Name: "refs/heads/main", OldOID: oidA, NewOID: oidB},
			valid:    true,
		},
		{
			desc:     "delete",
			line:     oidA + " " + git.ZeroOID.String() + " refs/heads/old",
			expected: syncer.RefUpdate{Name: "refs/heads/old", OldOID: oidA},
			valid:    true,
		},
		{desc: "two tokens", line: oidA + " refs/heads/main"},
		{desc: "four tokens", line: oidA + " " + oidB + " refs/heads/main extra"},
		{desc: "abbreviated hash", line: oidA[:7] + " " + oidB + " refs/heads/main"},
		{desc: "invalid name", line: oidA + " " + oidB + " main"},
		{desc: "double space", line: oidA + "  " + oidB + " refs/heads/main"},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			update, err := ParseRefUpdate(tc.line)
			if !tc.valid {
				require.ErrorIs(t, err, commonerr.ErrFormat)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.expected, update)
		})
	}
}
