package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeBipPath(t *testing.T) {

	want := []byte{4, 128, 0, 0, 44, 128, 0, 6, 193, 128, 0, 0, 0, 128, 0, 0, 0}

	for _, path := range []string{"44'/1729'/0'/0'", "/44'/1729'/0'/0'", "m/44h/1729H/0'/0h"} {
		got, err := EncodeBipPath(path)
		require.NoError(t, err, path)
		assert.Equal(t, want, got, path)
	}

	got, err := EncodeBipPath("44'/1729'/0/1")
	require.NoError(t, err)
	assert.Equal(t, []byte{4, 128, 0, 0, 44, 128, 0, 6, 193, 0, 0, 0, 0, 0, 0, 0, 1}, got)
}

func TestEncodeBipPathInvalid(t *testing.T) {
	for _, path := range []string{
		"",
		"m/",
		"44'/x'/0'",
		"44'//0'",
		"44''/0'",
		"2147483648/0",
		"1/2/3/4/5/6/7/8/9/10/11",
	} {
		_, err := EncodeBipPath(path)
		assert.Error(t, err, path)
	}
}

func TestDecodeBipPath(t *testing.T) {

	for _, path := range []string{"/44'/1729'/0'/0'", "/44'/1729'/3/7", "/1/2/3/4/5/6/7/8/9/10"} {
		enc, err := EncodeBipPath(path)
		require.NoError(t, err)

		dec, err := DecodeBipPath(enc)
		require.NoError(t, err)
		assert.Equal(t, path, dec)
	}

	_, err := DecodeBipPath(nil)
	assert.Error(t, err)
	_, err = DecodeBipPath([]byte{2, 128, 0, 0, 44})
	assert.Error(t, err)
}
