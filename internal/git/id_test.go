package git

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateObjectID(t *testing.T) {
	for _, tc := range []struct {
		desc  string
		oid   string
		valid bool
	}{
		{
			desc:  "valid object ID",
			oid:   "356e7793f9654d51dfb27312a1464062bceb9fa3",
			valid: true,
		},
		{
			desc:  "object ID with non-hex characters fails",
			oid:   "x56e7793f9654d51dfb27312a1464062bceb9fa3",
			valid: false,
		},
		{
			desc:  "object ID with upper-case letters fails",
			oid:   "356E7793F9654D51DFB27312A1464062BCEB9FA3",
			valid: false,
		},
		{
			desc:  "too short object ID fails",
			oid:   "356e7793f9654d51dfb27312a1464062bceb9fa",
			valid: false,
		},
		{
			desc:  "too long object ID fails",
			oid:   "356e7793f9654d51dfb27312a1464062bceb9fa33",
			valid: false,
		},
		{
			desc:  "empty string fails",
			oid:   "",
			valid: false,
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			err := ValidateObjectID(tc.oid)
			if tc.valid {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
				require.EqualError(t, err, fmt.Sprintf("invalid object ID: %q", tc.oid))
			}
		})
	}
}

func TestNewObjectIDFromWire(t *testing.T) {
	oid, err := NewObjectIDFromWire(ZeroOID.String())
	require.NoError(t, err)
	require.Equal(t, ObjectID(""), oid)
	require.True(t, oid.IsEmpty())
	require.Equal(t, ZeroOID.String(), oid.Wire())

	oid, err = NewObjectIDFromWire("356e7793f9654d51dfb27312a1464062bceb9fa3")
	require.NoError(t, err)
	require.Equal(t, ObjectID("356e7793f9654d51dfb27312a1464062bceb9fa3"), oid)
	require.Equal(t, oid.String(), oid.Wire())

	_, err = NewObjectIDFromWire("main")
	require.ErrorIs(t, err, ErrInvalidObjectID)
}

func TestObjectID_Bytes(t *testing.T) {
	raw, err := ObjectID("356e7793f9654d51dfb27312a1464062bceb9fa3").Bytes()
	require.NoError(t, err)
	require.Len(t, raw, 20)
	require.Equal(t, byte(0x35), raw[0])

	_, err = ObjectID("zz").Bytes()
	require.Error(t, err)
}
