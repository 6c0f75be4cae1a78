package ledger

import (
	"bytes"
	"crypto/sha256"

	"github.com/btcsuite/btcutil/base58"
	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"
)

// Prefix is the version bytes prepended before base58check encoding, e.g.
// the bytes that make an ed25519 public key render as "edpk...".
type Prefix []byte

// B58cencode encodes payload into base58 with prefix and a double sha256
// checksum.
func B58cencode(payload []byte, prefix Prefix) string {

	n := make([]byte, 0, len(prefix)+len(payload)+4)
	n = append(n, prefix...)
	n = append(n, payload...)

	h := sha256.Sum256(n)
	hash := sha256.Sum256(h[:])
	n = append(n, hash[:4]...)

	return base58.Encode(n)
}

// B58cdecode validates the checksum and prefix of a base58check string and
// returns the payload.
func B58cdecode(encoded string, prefix Prefix) ([]byte, error) {

	dataBytes := base58.Decode(encoded)
	if len(dataBytes) <= len(prefix)+4 {
		return nil, errors.New("invalid decode length")
	}

	data, checksum := dataBytes[:len(dataBytes)-4], dataBytes[len(dataBytes)-4:]

	// Performing SHA256 twice to validate checksum
	h := sha256.Sum256(data)
	hash := sha256.Sum256(h[:])
	if !bytes.Equal(checksum, hash[:4]) {
		return nil, errors.New("data and checksum don't match")
	}

	if !bytes.HasPrefix(data, prefix) {
		return nil, errors.New("unexpected prefix")
	}

	return data[len(prefix):], nil
}

// Blake2b returns the generic blake2b hash of bufferBytes with the given
// digest size in bytes.
func Blake2b(bufferBytes []byte, size int) ([]byte, error) {

	// Generic hash of bytes
	bufferBytesHashGen, err := blake2b.New(size, nil)
	if err != nil {
		return nil, errors.Wrap(err, "Unable create blake2b hash object")
	}

	// Write buffer bytes to hash
	if _, err = bufferBytesHashGen.Write(bufferBytes); err != nil {
		return nil, errors.Wrap(err, "Unable write buffer bytes to hash function")
	}

	return bufferBytesHashGen.Sum(nil), nil
}
