package tezos

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

const (
	CLA uint8 = 0x80 // Always the same for every APDU call

	// APDU Instructions
	// https://github.com/LedgerHQ/app-tezos/blob/master/APDUs.md
	// Only the wallet subset is used here; the baking instructions
	// (0x01, 0x06-0x08, 0x0a-0x0f) belong to the baking app.
	Version         uint8 = 0x00 // App version: class, major, minor, patch
	GetPubKey       uint8 = 0x02 // Public key, silently
	PromptPubKey    uint8 = 0x03 // Public key, confirmed on screen
	SignBytes       uint8 = 0x04 // Sign; the app parses and displays the operation
	SignUnsafeBytes uint8 = 0x05 // Sign without parsing; the app shows a hash
	CommitHash      uint8 = 0x09 // Git commit of the app build

	// P1 of multi-APDU signing
	P1First uint8 = 0x00
	P1Next  uint8 = 0x01
	P1Last  uint8 = 0x80 // OR'ed into P1Next on the final APDU

	// Largest CDATA the Tezos app accepts in one APDU
	MaxChunkSize = 230
)

// Curve is the derivation type, sent as P2.
type Curve uint8

const (
	Ed25519      Curve = 0
	Secp256k1    Curve = 1
	P256         Curve = 2
	Bip32Ed25519 Curve = 3
)

func (c Curve) String() string {
	switch c {
	case Ed25519:
		return "ed25519"
	case Secp256k1:
		return "secp256k1"
	case P256:
		return "p256"
	case Bip32Ed25519:
		return "bip32-ed25519"
	}
	return fmt.Sprintf("Curve(%d)", uint8(c))
}

// ParseCurve accepts the names printed by Curve.String, plus the Tezos
// address prefixes tz1, tz2 and tz3.
func ParseCurve(s string) (Curve, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ed25519", "tz1", "":
		return Ed25519, nil
	case "secp256k1", "tz2":
		return Secp256k1, nil
	case "p256", "p-256", "secp256r1", "tz3":
		return P256, nil
	case "bip32-ed25519", "bip32_ed25519":
		return Bip32Ed25519, nil
	}
	return 0, errors.Errorf("Unknown curve %q", s)
}

// This struct represents the data to be encoded and sent to the device.
// The following 2 components of the APDU are either static, or calculated at run-time
//
//	CLA   uint8    // Instruction class (always 0x80)
//	LC    uint8    // Length of CDATA (Calculated during marshaling)
//
// TzApdu implements the ledger.Apdu interface
type TzApdu struct {
	INS   uint8   // Instruction code (0x00-0x0f)
	P1    uint8   // Message sequence (0x00 = first, 0x81 = last, 0x01 = other)
	P2    uint8   // Derivation type (0=ED25519, 1=SECP256K1, 2=SECP256R1, 3=BIPS32_ED25519)
	CDATA []uint8 // Variable length data depending on INS
}

// Encodes a TzApdu struct as needed by the Tezos Ledger wallet app for writing to the device
func (a TzApdu) MarshalBinary() ([]byte, error) {

	if len(a.CDATA) > 0xff {
		return nil, errors.Errorf("CDATA of %d bytes does not fit a short APDU", len(a.CDATA))
	}

	var bbytes = make([]byte, 5, 5+len(a.CDATA))
	bbytes[0] = CLA
	bbytes[1] = a.INS
	bbytes[2] = a.P1
	bbytes[3] = a.P2

	// Length of CDATA
	bbytes[4] = byte(len(a.CDATA))

	// CDATA is variable length, so append/grow
	bbytes = append(bbytes, a.CDATA...)

	return bbytes, nil
}
