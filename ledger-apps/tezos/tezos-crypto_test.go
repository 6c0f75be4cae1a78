package tezos

import (
	"bytes"
	"crypto/elliptic"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ledger "github.com/bakingbacon/tzledger"
)

// Sandbox bootstrap1 account
const (
	bootstrapPK  = "edpkuBknW28nW72KG6RoHtYW7p12T6GKc7nAbwYX5m8Wd9sDVC9yav"
	bootstrapPKH = "tz1KqTpEZ7Yob7QbPE4Hy4Wo8fHG8LhKxZSx"
)

func bootstrapKey(t *testing.T) []byte {
	t.Helper()
	raw, err := ledger.B58cdecode(bootstrapPK, edpkprefix)
	require.NoError(t, err)
	require.Len(t, raw, 32)
	return raw
}

// pubKeyPayload is what the app returns for GetPubKey: length, then key.
func pubKeyPayload(key []byte) []byte {
	return append([]byte{byte(len(key))}, key...)
}

func ed25519Payload(raw []byte) []byte {
	return pubKeyPayload(append([]byte{ed25519KeyTag}, raw...))
}

func TestDecodeAddressEd25519(t *testing.T) {

	res, err := DecodeAddress(ed25519Payload(bootstrapKey(t)), Ed25519)
	require.NoError(t, err)
	assert.Equal(t, bootstrapPKH, res.Address)
	assert.Equal(t, bootstrapPK, res.PublicKey)

	// bip32-ed25519 keys encode the same way
	res, err = DecodeAddress(ed25519Payload(bootstrapKey(t)), Bip32Ed25519)
	require.NoError(t, err)
	assert.Equal(t, bootstrapPKH, res.Address)
}

func TestDecodeAddressSecp256k1(t *testing.T) {

	_, pub := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{0x11}, 32))

	res, err := DecodeAddress(pubKeyPayload(pub.SerializeUncompressed()), Secp256k1)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.Address, "tz2"), res.Address)
	assert.True(t, strings.HasPrefix(res.PublicKey, "sppk"), res.PublicKey)

	pk, err := ledger.B58cdecode(res.PublicKey, sppkprefix)
	require.NoError(t, err)
	assert.Equal(t, pub.SerializeCompressed(), pk)

	pkh, err := ledger.Blake2b(pk, 20)
	require.NoError(t, err)
	assert.Equal(t, ledger.B58cencode(pkh, tz2prefix), res.Address)
}

func TestDecodeAddressP256(t *testing.T) {

	curve := elliptic.P256()
	params := curve.Params()
	uncompressed := elliptic.Marshal(curve, params.Gx, params.Gy)

	res, err := DecodeAddress(pubKeyPayload(uncompressed), P256)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.Address, "tz3"), res.Address)
	assert.True(t, strings.HasPrefix(res.PublicKey, "p2pk"), res.PublicKey)

	pk, err := ledger.B58cdecode(res.PublicKey, p2pkprefix)
	require.NoError(t, err)
	assert.Equal(t, elliptic.MarshalCompressed(curve, params.Gx, params.Gy), pk)
}

func TestDecodeAddressMalformed(t *testing.T) {

	raw := bootstrapKey(t)

	tests := []struct {
		name    string
		payload []byte
		curve   Curve
	}{
		{"empty", nil, Ed25519},
		{"zero length", []byte{0}, Ed25519},
		{"length mismatch", append([]byte{40, ed25519KeyTag}, raw...), Ed25519},
		{"missing tag", pubKeyPayload(raw), Ed25519},
		{"compressed secp256k1", pubKeyPayload(append([]byte{0x02}, raw...)), Secp256k1},
		{"point off curve", pubKeyPayload(append([]byte{0x04}, make([]byte, 64)...)), P256},
		{"unknown curve", ed25519Payload(raw), Curve(9)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeAddress(tt.payload, tt.curve)
			var de *ledger.DecodeError
			assert.True(t, errors.As(err, &de), "%v", err)
		})
	}
}

// der builds an ECDSA-Sig-Value from big endian r and s.
func der(tag byte, r, s []byte) []byte {
	integer := func(v []byte) []byte {
		if v[0]&0x80 != 0 {
			v = append([]byte{0}, v...)
		}
		return append([]byte{0x02, byte(len(v))}, v...)
	}
	body := append(integer(r), integer(s)...)
	return append([]byte{tag, byte(len(body))}, body...)
}

func TestDecodeSignature(t *testing.T) {

	sig := sequential(64)
	got, err := DecodeSignature(sig, Ed25519)
	require.NoError(t, err)
	assert.Equal(t, hex.EncodeToString(sig), got)

	r := append([]byte{0x80}, bytes.Repeat([]byte{0xaa}, 31)...) // needs a sign pad
	s := append([]byte{0x7f}, bytes.Repeat([]byte{0x01}, 30)...) // 31 bytes, gets left padded
	want := hex.EncodeToString(append(append([]byte{}, r...), append([]byte{0}, s...)...))

	for _, tag := range []byte{0x30, 0x31} {
		for _, curve := range []Curve{Secp256k1, P256} {
			got, err := DecodeSignature(der(tag, r, s), curve)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}
	}
}

func TestDecodeSignatureMalformed(t *testing.T) {

	r := bytes.Repeat([]byte{0x01}, 32)
	good := der(0x30, r, r)

	tests := []struct {
		name    string
		payload []byte
		curve   Curve
	}{
		{"empty", nil, Ed25519},
		{"short ed25519", sequential(63), Ed25519},
		{"wrong tag", der(0x32, r, r), Secp256k1},
		{"truncated", good[:len(good)-3], P256},
		{"trailing garbage inside sequence", append(append([]byte{0x30, byte(len(good))}, good[2:]...), 0x02, 0x00), Secp256k1},
		{"scalar too long", der(0x30, bytes.Repeat([]byte{0x01}, 33), r), Secp256k1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeSignature(tt.payload, tt.curve)
			var de *ledger.DecodeError
			assert.True(t, errors.As(err, &de), "%v", err)
		})
	}
}

func TestSignatureEncoding(t *testing.T) {

	sigHex := hex.EncodeToString(sequential(64))

	for curve, prefix := range map[Curve]string{Ed25519: "edsig", Secp256k1: "spsig1", P256: "p2sig"} {
		enc, err := EncodeSignature(sigHex, curve)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(enc, prefix), enc)

		dec, err := ParseSignature(enc)
		require.NoError(t, err)
		assert.Equal(t, sigHex, dec)
	}

	_, err := EncodeSignature("abcd", Ed25519)
	assert.Error(t, err)
}

func TestSignedOperation(t *testing.T) {

	forged := "a1b2c3d4"
	sigHex := hex.EncodeToString(sequential(64))

	signed, err := SignedOperation(Watermark(OperationWatermark, forged), sigHex)
	require.NoError(t, err)
	assert.Equal(t, forged+sigHex, signed)

	_, err = SignedOperation(forged, sigHex)
	assert.Error(t, err, "missing watermark")

	_, err = SignedOperation(Watermark(OperationWatermark, forged), "00")
	assert.Error(t, err, "short signature")
}

func sequential(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}
