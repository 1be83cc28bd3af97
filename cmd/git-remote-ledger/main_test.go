package main

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/gitledger/internal/git"
	"gitlab.com/gitlab-org/gitledger/internal/ledger"
	"gitlab.com/gitlab-org/gitledger/internal/testhelper"
)

func TestMain(m *testing.M) {
	testhelper.Run(m)
}

const capabilities = "connect\nlist\npush\nfetch\noption\n\n"

// setupRemote points the configuration at a ledger and a blob store which survive across
// invocations and returns the signing account.
func setupRemote(t *testing.T) string {
	t.Helper()

	dir := testhelper.TempDir(t)

	seed := bytes.Repeat([]byte{7}, 32)
	signer, err := ledger.NewKeySigner(seed)
	require.NoError(t, err)
	keyFile := filepath.Join(dir, "key")
	require.NoError(t, os.WriteFile(keyFile, []byte(hex.EncodeToString(seed)), 0o600))

	t.Setenv("GITLEDGER_CONFIG", "")
	t.Setenv("GITLEDGER_LEDGER_URL", "sqlite://"+filepath.Join(dir, "ledger.db"))
	t.Setenv("GITLEDGER_LEDGER_KEY_FILE", keyFile)
	t.Setenv("GITLEDGER_BLOBSTORE_URL", "file://"+filepath.Join(dir, "objects"))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "objects"), 0o755))

	return signer.Account()
}

type invocation struct {
	args   []string
	stdin  string
	code   int
	stdout string
	stderr string
}

func invoke(t *testing.T, stdin string, args ...string) invocation {
	t.Helper()

	var stdout, stderr bytes.Buffer
	code := run(args, strings.NewReader(stdin), &stdout, &stderr)
	return invocation{args: args, stdin: stdin, code: code, stdout: stdout.String(), stderr: stderr.String()}
}

func pushFrame(object git.Object, name string) string {
	return fmt.Sprintf("object %s %d\n%s\n%s %s %s\n\n",
		object.Type, object.Length, object.Payload, git.ZeroOID, object.ObjectID(), name)
}

func TestRun_protocol(t *testing.T) {
	setupRemote(t)

	commit := git.NewObject(git.ObjectTypeCommit, []byte("tree 4b825dc642cb6eb9a060e54bf8d69288fbee4904\n\ninitial\n"))

	push := invoke(t, "capabilities\nconnect git-receive-pack\n"+pushFrame(commit, "refs/heads/master"),
		"origin", "ledger::0xcafe")
	require.Equal(t, 0, push.code, push.stderr)
	require.Equal(t, capabilities+"ok refs/heads/master\n\n", push.stdout)

	list := invoke(t, "capabilities\nlist\n\n", "origin", "ledger::0xcafe")
	require.Equal(t, 0, list.code, list.stderr)
	require.Equal(t, capabilities+commit.ObjectID().String()+" refs/heads/master\n@refs/heads/master HEAD\n\n", list.stdout)

	// Without an URL the remote name is the address.
	list = invoke(t, "capabilities\nlist\n", "0xcafe")
	require.Equal(t, 0, list.code, list.stderr)
	require.Contains(t, list.stdout, " refs/heads/master\n")

	other := invoke(t, "capabilities\nlist\n", "origin", "ledger::0xbeef")
	require.Equal(t, 0, other.code, other.stderr)
	require.Equal(t, capabilities+"\n", other.stdout)
}

func TestRun_protocolError(t *testing.T) {
	setupRemote(t)

	result := invoke(t, "list\n", "origin", "ledger::0xcafe")
	require.Equal(t, 1, result.code)
	require.Contains(t, result.stderr, "capabilities must be negotiated first")
}

func TestRun_subcommands(t *testing.T) {
	account := setupRemote(t)

	blob := git.NewObject(git.ObjectTypeBlob, []byte("hello\n"))

	push := invoke(t, pushFrame(blob, "refs/heads/main"), "push", "ledger::0xcafe", "--user", account)
	require.Equal(t, 0, push.code, push.stderr)
	require.Equal(t, "ok refs/heads/main\n\n", push.stdout)

	clone := invoke(t, "", "clone", "0xcafe")
	require.Equal(t, 0, clone.code, clone.stderr)
	require.Equal(t, "ref "+blob.ObjectID().String()+" refs/heads/main\n\n", clone.stdout)

	pull := invoke(t, "want "+blob.ObjectID().String()+"\n\n", "pull", "0xcafe")
	require.Equal(t, 0, pull.code, pull.stderr)
	require.Equal(t, "ref "+blob.ObjectID().String()+" refs/heads/main\n\n"+
		"object "+blob.ObjectID().String()+" blob 6\nhello\n\n\n", pull.stdout)

	sync := invoke(t, "", "sync", "0xcafe")
	require.Equal(t, 0, sync.code, sync.stderr)
	require.Contains(t, sync.stdout, "refs/heads/main")
	require.Contains(t, sync.stdout, blob.ObjectID().String())
}

func TestRun_errors(t *testing.T) {
	setupRemote(t)

	for _, tc := range []struct {
		desc           string
		args           []string
		expectedCode   int
		expectedStderr string
	}{
		{
			desc:         "no arguments",
			expectedCode: 2,
		},
		{
			desc:           "too many arguments",
			args:           []string{"origin", "ledger::0xcafe", "extra"},
			expectedCode:   2,
			expectedStderr: "expected <remote-name> [<url>], got 3 arguments",
		},
		{
			desc:           "subcommand without address",
			args:           []string{"sync"},
			expectedCode:   2,
			expectedStderr: "sync requires the remote address",
		},
		{
			desc:           "subcommand with extra arguments",
			args:           []string{"clone", "0xcafe", "0xbeef"},
			expectedCode:   2,
			expectedStderr: "clone doesn't accept positional arguments besides the address",
		},
		{
			desc:           "unknown flag",
			args:           []string{"pull", "0xcafe", "--frobnicate"},
			expectedCode:   2,
			expectedStderr: "unknown flag: --frobnicate",
		},
		{
			desc:           "wrong user",
			args:           []string{"sync", "0xcafe", "--user", "0000"},
			expectedCode:   1,
			expectedStderr: "signing key does not belong to the configured account",
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			result := invoke(t, "", tc.args...)
			require.Equal(t, tc.expectedCode, result.code, result.stderr)
			require.Contains(t, result.stderr, tc.expectedStderr)
		})
	}
}

func TestRun_configurationError(t *testing.T) {
	setupRemote(t)
	t.Setenv("GITLEDGER_LOGGING_FORMAT", "xml")

	result := invoke(t, "", "sync", "0xcafe")
	require.Equal(t, 1, result.code)
	require.Contains(t, result.stderr, `configuration error: logging: invalid format "xml"`)
}

func TestRun_version(t *testing.T) {
	result := invoke(t, "", "--version")
	require.Equal(t, 0, result.code)
	require.Equal(t, "git-remote-ledger, version \n", result.stdout)
}

func TestRun_logFile(t *testing.T) {
	setupRemote(t)
	path := filepath.Join(testhelper.TempDir(t), "gitledger.log")
	t.Setenv("GITLEDGER_LOGGING_FILE", path)
	t.Setenv("GITLEDGER_LOGGING_LEVEL", "debug")

	result := invoke(t, "", "clone", "0xcafe")
	require.Equal(t, 0, result.code, result.stderr)
	require.Empty(t, result.stderr)

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(contents), "session opened")
	require.Contains(t, string(contents), "correlation_id")
}

func TestRepositoryAddress(t *testing.T) {
	require.Equal(t, "0xcafe", repositoryAddress("ledger::0xcafe"))
	require.Equal(t, "0xcafe", repositoryAddress("0xcafe"))
}
