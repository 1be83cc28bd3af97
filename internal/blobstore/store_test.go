package blobstore

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/gitledger/internal/commonerr"
	"gitlab.com/gitlab-org/gitledger/internal/testhelper"
)

func TestKeyFor(t *testing.T) {
	key, err := KeyFor([]byte("hi"))
	require.NoError(t, err)

	again, err := KeyFor([]byte("hi"))
	require.NoError(t, err)
	require.Equal(t, key, again)

	other, err := KeyFor([]byte("hi!"))
	require.NoError(t, err)
	require.NotEqual(t, key, other)

	parsed, err := ParseKey(key.String())
	require.NoError(t, err)
	require.Equal(t, key, parsed)

	require.NoError(t, Verify(key, []byte("hi")))
	require.ErrorIs(t, Verify(key, []byte("ho")), commonerr.ErrFormat)

	_, err = ParseKey("not a key")
	require.ErrorIs(t, err, commonerr.ErrFormat)
}

func TestStores(t *testing.T) {
	for _, tc := range []struct {
		desc  string
		setup func(t *testing.T, ctx context.Context) CloseableStore
	}{
		{
			desc: "memory bucket",
			setup: func(t *testing.T, ctx context.Context) CloseableStore {
				store, err := Open(ctx, "mem://")
				require.NoError(t, err)
				return store
			},
		},
		{
			desc: "file bucket",
			setup: func(t *testing.T, ctx context.Context) CloseableStore {
				store, err := Open(ctx, "file://"+testhelper.TempDir(t))
				require.NoError(t, err)
				return store
			},
		},
		{
			desc: "pebble",
			setup: func(t *testing.T, ctx context.Context) CloseableStore {
				store, err := Open(ctx, pebbleScheme+filepath.Join(testhelper.TempDir(t), "blobs"))
				require.NoError(t, err)
				return store
			},
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			ctx, cancel := testhelper.Context()
			defer cancel()

			store := tc.setup(t, ctx)
			defer func() { require.NoError(t, store.Close()) }()

			t.Run("put and get", func(t *testing.T) {
				key, err := store.Put(ctx, []byte("hello"))
				require.NoError(t, err)

				expectedKey, err := KeyFor([]byte("hello"))
				require.NoError(t, err)
				require.Equal(t, expectedKey, key)

				data, err := store.Get(ctx, key)
				require.NoError(t, err)
				require.Equal(t, []byte("hello"), data)
			})

			t.Run("put is idempotent", func(t *testing.T) {
				first, err := store.Put(ctx, []byte("same"))
				require.NoError(t, err)
				second, err := store.Put(ctx, []byte("same"))
				require.NoError(t, err)
				require.Equal(t, first, second)
			})

			t.Run("many blobs", func(t *testing.T) {
				keys := make([]Key, 10)
				for i := range keys {
					var err error
					keys[i], err = store.Put(ctx, []byte(fmt.Sprintf("blob-%d", i)))
					require.NoError(t, err)
				}

				for i, key := range keys {
					data, err := store.Get(ctx, key)
					require.NoError(t, err)
					require.Equal(t, fmt.Sprintf("blob-%d", i), string(data))
				}
			})

			t.Run("missing blob", func(t *testing.T) {
				key, err := KeyFor([]byte("never stored"))
				require.NoError(t, err)

				_, err = store.Get(ctx, key)
				require.ErrorIs(t, err, commonerr.ErrNotFound)
			})
		})
	}
}

func TestOpen_emptyURL(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	_, err := Open(ctx, "")
	require.EqualError(t, err, "open blob store: empty url")
}
