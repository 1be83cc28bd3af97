package dontpanic

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTry(t *testing.T) {
	errFailed := errors.New("failed")

	for _, tc := range []struct {
		desc        string
		fn          func() error
		expectedErr string
	}{
		{
			desc: "success",
			fn:   func() error { return nil },
		},
		{
			desc:        "error is passed through",
			fn:          func() error { return errFailed },
			expectedErr: "failed",
		},
		{
			desc:        "panic with error",
			fn:          func() error { panic(errFailed) },
			expectedErr: "dontpanic: recovered: failed",
		},
		{
			desc:        "panic with value",
			fn:          func() error { panic("oops") },
			expectedErr: "dontpanic: recovered: oops",
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			err := Try(tc.fn)
			if tc.expectedErr == "" {
				require.NoError(t, err)
				return
			}
			require.EqualError(t, err, tc.expectedErr)
		})
	}

	require.ErrorIs(t, Try(func() error { panic(errFailed) }), errFailed)
}
