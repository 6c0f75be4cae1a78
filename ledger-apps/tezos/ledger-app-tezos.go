// Package tezos is a sub-module for the parent ledger package.
// This module provides an interface to the features and functions
// provided by the Tezos Wallet Ledger application: addresses, signing
// and app information.
package tezos

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/pkg/errors"

	ledger "github.com/bakingbacon/tzledger"
)

// The main difference between SignBytes and SignUnsafeBytes is that SignUnsafeBytes skips the
// parsing step which shows what operation is included in the APDU data. This is unsafe,
// because the user doesn’t see what operation they are actually signing. When this happens,
// the device displays "Unrecognized: Sign Hash" so that they can make appropriate external
// steps to verify this hash.
const (
	DefaultPath = "44'/1729'/0'/0'"
)

// TezosLedger is just a localized embedded struct of the parent
// 'Ledger' struct. This way we can access all of the parent functions
// along with implementing functions specific to the Tezos ledger app
type TezosLedger struct {
	*ledger.Ledger
}

func New(l *ledger.Ledger) *TezosLedger {
	return &TezosLedger{l}
}

// GetAddressCommand derives the public key at Path. With Verify the device
// shows the address and waits for the user to confirm it.
type GetAddressCommand struct {
	Path   []byte // Encoded with ledger.EncodeBipPath
	Curve  Curve
	Verify bool
}

func (c GetAddressCommand) Kind() ledger.RequestKind {
	return ledger.KindGetAddress
}

func (c GetAddressCommand) APDUs() ([]ledger.Apdu, error) {

	if len(c.Path) == 0 {
		return nil, errors.New("No BIP Path is set")
	}

	ins := GetPubKey
	if c.Verify {
		ins = PromptPubKey
	}

	return []ledger.Apdu{TzApdu{INS: ins, P1: P1First, P2: uint8(c.Curve), CDATA: c.Path}}, nil
}

func (c GetAddressCommand) Decode(payload []byte) (interface{}, error) {
	return DecodeAddress(payload, c.Curve)
}

// SignCommand signs Payload with the key at Path.
//
// Signing requires first sending a signing request with the BIP32 path to
// use, followed by the bytes to sign in chunks of at most MaxChunkSize. The
// device acknowledges every APDU but the last; the last one carries the
// signature once the user approves.
type SignCommand struct {
	Path    []byte
	Curve   Curve
	Payload []byte // Watermarked forged bytes
	Parse   bool   // Let the device parse and display the operation
}

func (c SignCommand) Kind() ledger.RequestKind {
	return ledger.KindSignPayload
}

func (c SignCommand) APDUs() ([]ledger.Apdu, error) {

	if len(c.Path) == 0 {
		return nil, errors.New("No BIP Path is set")
	}
	if len(c.Payload) == 0 {
		return nil, errors.New("Nothing to sign")
	}

	ins := SignBytes
	if !c.Parse {
		ins = SignUnsafeBytes
	}
	p2 := uint8(c.Curve)

	apdus := make([]ledger.Apdu, 0, 2+len(c.Payload)/MaxChunkSize)
	apdus = append(apdus, TzApdu{INS: ins, P1: P1First, P2: p2, CDATA: c.Path})

	for offset := 0; offset < len(c.Payload); offset += MaxChunkSize {

		end := offset + MaxChunkSize
		p1 := P1Next
		if end >= len(c.Payload) {
			end = len(c.Payload)
			p1 |= P1Last
		}

		apdus = append(apdus, TzApdu{INS: ins, P1: p1, P2: p2, CDATA: c.Payload[offset:end]})
	}

	return apdus, nil
}

func (c SignCommand) Decode(payload []byte) (interface{}, error) {

	sig, err := DecodeSignature(payload, c.Curve)
	if err != nil {
		return nil, err
	}

	encoded, err := EncodeSignature(sig, c.Curve)
	if err != nil {
		return nil, ledger.NewDecodeError(payload, "%v", err)
	}

	return SignatureResult{Signature: sig, Encoded: encoded}, nil
}

// queryCommand is a single APDU without CDATA whose payload is returned as is.
type queryCommand struct {
	ins uint8
}

func (c queryCommand) Kind() ledger.RequestKind {
	return ledger.KindQuery
}

func (c queryCommand) APDUs() ([]ledger.Apdu, error) {
	return []ledger.Apdu{TzApdu{INS: c.ins}}, nil
}

func (c queryCommand) Decode(payload []byte) (interface{}, error) {
	return payload, nil
}

// DecodeVersion formats the payload of a Version response.
// Ex: Wallet 2.2.11
func DecodeVersion(payload []byte) (string, error) {

	if len(payload) < 4 {
		return "", ledger.NewDecodeError(payload, "version of %d bytes", len(payload))
	}

	// https://github.com/LedgerHQ/app-tezos/blob/master/src/version.h
	class := "Wallet"
	if payload[0] == 1 {
		class = "Baking"
	}

	return fmt.Sprintf("%s %d.%d.%d", class, payload[1], payload[2], payload[3]), nil
}

// Prompts the user to confirm the address if verify is set. Returns the
// public key hash (tz1..) and public key (edpk..) derived at path.
func (t *TezosLedger) GetAddress(ctx context.Context, path string, curve Curve, verify bool) (AddressResult, error) {

	bipPath, err := ledger.EncodeBipPath(path)
	if err != nil {
		return AddressResult{}, errors.Wrap(err, "Unable to get address")
	}

	res, err := t.Exchange(ctx, GetAddressCommand{Path: bipPath, Curve: curve, Verify: verify})
	if err != nil {
		return AddressResult{}, err
	}

	return res.(AddressResult), nil
}

// Sign signs watermarked forged operation hex with an ed25519 key.
// Bakes, nonces, and endorsements cannot be signed by the wallet app.
func (t *TezosLedger) Sign(ctx context.Context, payloadHex, path string, parse bool) (SignatureResult, error) {
	return t.SignWithCurve(ctx, payloadHex, path, Ed25519, parse)
}

func (t *TezosLedger) SignWithCurve(ctx context.Context, payloadHex, path string, curve Curve, parse bool) (SignatureResult, error) {

	payload, err := hex.DecodeString(payloadHex)
	if err != nil {
		return SignatureResult{}, errors.Wrap(err, "failed to decode operation hex")
	}

	bipPath, err := ledger.EncodeBipPath(path)
	if err != nil {
		return SignatureResult{}, errors.Wrap(err, "Unable to sign")
	}

	res, err := t.Exchange(ctx, SignCommand{Path: bipPath, Curve: curve, Payload: payload, Parse: parse})
	if err != nil {
		return SignatureResult{}, err
	}

	return res.(SignatureResult), nil
}

// Returns a version string of the currently open app
// Ex: Wallet 2.2.11
func (t *TezosLedger) GetVersion(ctx context.Context) (string, error) {

	res, err := t.Exchange(ctx, queryCommand{ins: Version})
	if err != nil {
		return "", err
	}

	return DecodeVersion(res.([]byte))
}

// Returns the git commit hash of the currently open app
// Ex: 'b28c2364'
func (t *TezosLedger) GetCommitHash(ctx context.Context) (string, error) {

	res, err := t.Exchange(ctx, queryCommand{ins: CommitHash})
	if err != nil {
		return "", err
	}

	// The app sends a NUL terminated string
	b := res.([]byte)
	for i, c := range b {
		if c == 0 {
			b = b[:i]
			break
		}
	}

	return string(b), nil
}
