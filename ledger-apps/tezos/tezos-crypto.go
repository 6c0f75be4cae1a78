package tezos

import (
	"bytes"
	"crypto/elliptic"
	"encoding/hex"
	"math/big"

	"github.com/Messer4/base58check"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/pkg/errors"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"

	ledger "github.com/bakingbacon/tzledger"
)

// These variables are specific to the Tezos Ledger library. They are used
// during the various B58 encode/decode processes for data returned from the device.
var (
	// For (de)constructing addresses
	tz1prefix ledger.Prefix = []byte{6, 161, 159}
	tz2prefix ledger.Prefix = []byte{6, 161, 161}
	tz3prefix ledger.Prefix = []byte{6, 161, 164}

	// Public keys
	edpkprefix ledger.Prefix = []byte{13, 15, 37, 217}
	sppkprefix ledger.Prefix = []byte{3, 254, 226, 86}
	p2pkprefix ledger.Prefix = []byte{3, 178, 139, 127}

	// Signatures
	edsigprefix ledger.Prefix = []byte{9, 245, 205, 134, 18}
	spsigprefix ledger.Prefix = []byte{13, 115, 101, 19, 63}
	p2sigprefix ledger.Prefix = []byte{54, 240, 44, 52}
	sigprefix   ledger.Prefix = []byte{4, 130, 43}
)

// Watermarks prepended to forged bytes before signing
const (
	BlockWatermark       byte = 0x01
	EndorsementWatermark byte = 0x02
	OperationWatermark   byte = 0x03
)

const (
	ed25519KeyTag   = 0x02
	uncompressedTag = 0x04
	uncompressedLen = 65
	signatureLen    = 64
	scalarLen       = 32
	pkhLen          = 20
	derSequence     = 0x30
	derSequenceOddY = 0x31
)

type curveInfo struct {
	pk  ledger.Prefix
	pkh ledger.Prefix
	sig ledger.Prefix
}

func (c Curve) info() (curveInfo, error) {
	switch c {
	case Ed25519, Bip32Ed25519:
		return curveInfo{edpkprefix, tz1prefix, edsigprefix}, nil
	case Secp256k1:
		return curveInfo{sppkprefix, tz2prefix, spsigprefix}, nil
	case P256:
		return curveInfo{p2pkprefix, tz3prefix, p2sigprefix}, nil
	}
	return curveInfo{}, errors.Errorf("Unsupported curve %s", c)
}

// AddressResult is a public key hash and public key, both base58check encoded.
type AddressResult struct {
	Address   string // tz1..., tz2... or tz3...
	PublicKey string // edpk..., sppk... or p2pk...
}

// SignatureResult holds a signature as the device produced it and in its
// base58check form.
type SignatureResult struct {
	Signature string // 64 bytes hex, r||s for the ECDSA curves
	Encoded   string // edsig..., spsig1... or p2sig...
}

// DecodeAddress converts the payload of a GetPubKey/PromptPubKey response
// (length byte followed by the key) into the address and public key.
func DecodeAddress(payload []byte, curve Curve) (AddressResult, error) {

	if len(payload) == 0 {
		return AddressResult{}, ledger.NewDecodeError(payload, "empty public key response")
	}

	// First byte is length info
	keyLen := int(payload[0])
	if keyLen == 0 {
		return AddressResult{}, ledger.NewDecodeError(payload, "device returned no key")
	}
	if keyLen != len(payload)-1 {
		return AddressResult{}, ledger.NewDecodeError(payload, "key length %d, got %d bytes", keyLen, len(payload)-1)
	}

	info, err := curve.info()
	if err != nil {
		return AddressResult{}, ledger.NewDecodeError(payload, "%v", err)
	}

	pk, err := compressKey(payload[1:], curve)
	if err != nil {
		return AddressResult{}, ledger.NewDecodeError(payload, "%v", err)
	}

	pkh, err := ledger.Blake2b(pk, pkhLen)
	if err != nil {
		return AddressResult{}, err
	}

	return AddressResult{
		Address:   ledger.B58cencode(pkh, info.pkh),
		PublicKey: ledger.B58cencode(pk, info.pk),
	}, nil
}

// compressKey returns the key bytes Tezos hashes and encodes: the raw 32
// bytes for ed25519 and the 33 byte compressed point for the ECDSA curves.
func compressKey(key []byte, curve Curve) ([]byte, error) {

	switch curve {
	case Ed25519, Bip32Ed25519:
		// The app tags ed25519 keys with 0x02, which is not part of the key
		if len(key) != 33 || key[0] != ed25519KeyTag {
			return nil, errors.Errorf("malformed ed25519 key of %d bytes", len(key))
		}
		return key[1:], nil

	case Secp256k1:
		if len(key) != uncompressedLen || key[0] != uncompressedTag {
			return nil, errors.Errorf("malformed secp256k1 key of %d bytes", len(key))
		}
		pub, err := btcec.ParsePubKey(key)
		if err != nil {
			return nil, errors.Wrap(err, "invalid secp256k1 point")
		}
		return pub.SerializeCompressed(), nil

	case P256:
		if len(key) != uncompressedLen || key[0] != uncompressedTag {
			return nil, errors.Errorf("malformed p256 key of %d bytes", len(key))
		}
		x, y := elliptic.Unmarshal(elliptic.P256(), key)
		if x == nil {
			return nil, errors.New("invalid p256 point")
		}
		return elliptic.MarshalCompressed(elliptic.P256(), x, y), nil
	}

	return nil, errors.Errorf("Unsupported curve %s", curve)
}

// DecodeSignature converts the payload of a signing response into a 64 byte
// signature, returned as hex. ECDSA signatures arrive DER encoded; the app
// sets bit 0 of the first byte to the parity of R.y, so 0x31 is accepted and
// treated as 0x30.
func DecodeSignature(payload []byte, curve Curve) (string, error) {

	if len(payload) == 0 {
		return "", ledger.NewDecodeError(payload, "empty signature response")
	}

	switch curve {
	case Ed25519, Bip32Ed25519:
		if len(payload) != signatureLen {
			return "", ledger.NewDecodeError(payload, "ed25519 signature of %d bytes", len(payload))
		}
		return hex.EncodeToString(payload), nil

	case Secp256k1, P256:
		sig, err := derToCompact(payload)
		if err != nil {
			return "", ledger.NewDecodeError(payload, "%v", err)
		}
		return hex.EncodeToString(sig), nil
	}

	return "", ledger.NewDecodeError(payload, "unsupported curve %s", curve)
}

func derToCompact(der []byte) ([]byte, error) {

	if der[0] != derSequence && der[0] != derSequenceOddY {
		return nil, errors.Errorf("unexpected DER tag 0x%02x", der[0])
	}

	normalized := make([]byte, len(der))
	copy(normalized, der)
	normalized[0] = derSequence

	var (
		input = cryptobyte.String(normalized)
		inner cryptobyte.String
		r     = new(big.Int)
		s     = new(big.Int)
	)
	if !input.ReadASN1(&inner, asn1.SEQUENCE) ||
		!inner.ReadASN1Integer(r) ||
		!inner.ReadASN1Integer(s) ||
		!inner.Empty() {
		return nil, errors.New("malformed DER signature")
	}

	if r.Sign() <= 0 || s.Sign() <= 0 || r.BitLen() > 8*scalarLen || s.BitLen() > 8*scalarLen {
		return nil, errors.New("signature scalar out of range")
	}

	sig := make([]byte, signatureLen)
	r.FillBytes(sig[:scalarLen])
	s.FillBytes(sig[scalarLen:])

	return sig, nil
}

// EncodeSignature base58check encodes a 64 byte hex signature with the
// prefix of curve.
func EncodeSignature(signatureHex string, curve Curve) (string, error) {

	sig, err := hex.DecodeString(signatureHex)
	if err != nil {
		return "", errors.Wrap(err, "failed to decode signature hex")
	}
	if len(sig) != signatureLen {
		return "", errors.Errorf("signature of %d bytes", len(sig))
	}

	info, err := curve.info()
	if err != nil {
		return "", err
	}

	return ledger.B58cencode(sig, info.sig), nil
}

// ParseSignature returns the hex of a base58check encoded signature of any
// curve (edsig, spsig1, p2sig or the generic sig prefix).
func ParseSignature(signature string) (string, error) {

	decBytes, err := base58check.Decode(signature)
	if err != nil {
		return "", errors.Wrap(err, "failed to decode signature")
	}

	for _, p := range []ledger.Prefix{edsigprefix, spsigprefix, p2sigprefix, sigprefix} {
		if bytes.HasPrefix(decBytes, p) && len(decBytes)-len(p) == signatureLen {
			return hex.EncodeToString(decBytes[len(p):]), nil
		}
	}

	return "", errors.New("decoded signature is invalid length")
}

// Watermark prepends the watermark byte to forged operation hex.
func Watermark(watermark byte, forgedHex string) string {
	return hex.EncodeToString([]byte{watermark}) + forgedHex
}

// SignedOperation appends a hex signature to the watermarked operation hex
// that was passed to Sign, giving the hex to inject. The operation watermark
// is not part of the injected bytes and is stripped.
func SignedOperation(opHex, signatureHex string) (string, error) {

	opBytes, err := hex.DecodeString(opHex)
	if err != nil {
		return "", errors.Wrap(err, "failed to decode operation hex")
	}
	if len(opBytes) < 2 || opBytes[0] != OperationWatermark {
		return "", errors.New("operation is not watermarked")
	}

	sig, err := hex.DecodeString(signatureHex)
	if err != nil {
		return "", errors.Wrap(err, "failed to decode signature hex")
	}
	if len(sig) != signatureLen {
		return "", errors.Errorf("signature of %d bytes", len(sig))
	}

	return hex.EncodeToString(opBytes[1:]) + hex.EncodeToString(sig), nil
}
