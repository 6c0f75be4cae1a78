package ledger

import (
	"fmt"
)

// StatusOK is the status word of a successful exchange. On its own it is an
// intermediate acknowledgement: the device accepted the APDU and waits for more.
const StatusOK uint16 = 0x9000

// ErrorKind is the machine readable classification of a failed request.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota

	// Hardware platform
	KindDeviceLocked
	KindUserRejected
	KindWrongLength
	KindSecurityNotSatisfied
	KindNotEnoughMemory
	KindMemoryProblem
	KindWrongApp
	KindUnknownAPDU
	KindTechnicalProblem
	KindDeviceNotOnboarded
	KindReferencedDataNotFound
	KindMissingParameter

	// Tezos application
	KindWrongParameters
	KindWrongLengthForInstruction
	KindInvalidInstruction
	KindParseError
	KindHIDRequired
	KindWrongValues
	KindAppMemoryError

	// Raised by the session rather than the device
	KindBusy
	KindCancelled
	KindTimeout
	KindNotConnected
	KindTransport
)

var kindNames = map[ErrorKind]string{
	KindUnknown:                   "Unknown",
	KindDeviceLocked:              "DeviceLocked",
	KindUserRejected:              "UserRejected",
	KindWrongLength:               "WrongLength",
	KindSecurityNotSatisfied:      "SecurityNotSatisfied",
	KindNotEnoughMemory:           "NotEnoughMemory",
	KindMemoryProblem:             "MemoryProblem",
	KindWrongApp:                  "WrongApp",
	KindUnknownAPDU:               "UnknownAPDU",
	KindTechnicalProblem:          "TechnicalProblem",
	KindDeviceNotOnboarded:        "DeviceNotOnboarded",
	KindReferencedDataNotFound:    "ReferencedDataNotFound",
	KindMissingParameter:          "MissingParameter",
	KindWrongParameters:           "WrongParameters",
	KindWrongLengthForInstruction: "WrongLengthForInstruction",
	KindInvalidInstruction:        "InvalidInstruction",
	KindParseError:                "ParseError",
	KindHIDRequired:               "HIDRequired",
	KindWrongValues:               "WrongValues",
	KindAppMemoryError:            "AppMemoryError",
	KindBusy:                      "Busy",
	KindCancelled:                 "Cancelled",
	KindTimeout:                   "Timeout",
	KindNotConnected:              "NotConnected",
	KindTransport:                 "Transport",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

type statusEntry struct {
	kind        ErrorKind
	description string
}

// https://github.com/LedgerHQ/ledgerjs/blob/ebfc7ebb497b2c1a435974e2d5e3e6097bc1cf1e/packages/errors/src/index.ts#L241
var platformStatus = map[string]statusEntry{
	"5515": {KindDeviceLocked, "Device is locked, unlock it and retry"},
	"5501": {KindUserRejected, "Operation refused on the device"},
	"6985": {KindUserRejected, "Operation denied by the user"},
	"6700": {KindWrongLength, "Wrong length"},
	"6982": {KindSecurityNotSatisfied, "Security status not satisfied"},
	"6a84": {KindNotEnoughMemory, "Not enough space"},
	"6a85": {KindNotEnoughMemory, "Not enough space"},
	"5102": {KindNotEnoughMemory, "Not enough space"},
	"9240": {KindMemoryProblem, "Memory problem"},
	"6e00": {KindWrongApp, "Unexpected state of device: verify that the right application is opened"},
	"6d02": {KindUnknownAPDU, "Unknown APDU"},
	"6f00": {KindTechnicalProblem, "Internal technical problem"},
	"6faa": {KindTechnicalProblem, "Device halted"},
	"6d07": {KindDeviceNotOnboarded, "Device is not onboarded"},
	"6a88": {KindReferencedDataNotFound, "Referenced data not found"},
	"6800": {KindMissingParameter, "Missing critical parameter"},
}

// https://github.com/LedgerHQ/app-tezos/blob/master/APDUs.md
var appStatus = map[string]statusEntry{
	"6b00": {KindWrongParameters, "Incorrect parameters received P1/P2"},
	"6c00": {KindWrongLengthForInstruction, "Wrong length"},
	"917e": {KindWrongLengthForInstruction, "Length of command string invalid"},
	"6d00": {KindInvalidInstruction, "Unsupported instruction"},
	"9405": {KindParseError, "Parse error"},
	"6983": {KindHIDRequired, "Instruction requires a USB (HID) connection"},
	"6a80": {KindWrongValues, "Wrong values, or level is below safety watermark"},
	"9200": {KindAppMemoryError, "Application memory error"},
}

// StatusHex renders a status word the way the lookup tables are keyed.
func StatusHex(code uint16) string {
	return fmt.Sprintf("%04x", code)
}

// MapStatus translates a status word into an ErrorKind. Codes present in
// neither table map to KindUnknown.
func MapStatus(code uint16) ErrorKind {
	return lookupStatus(code).kind
}

func lookupStatus(code uint16) statusEntry {
	key := StatusHex(code)
	if e, ok := platformStatus[key]; ok {
		return e
	}
	if e, ok := appStatus[key]; ok {
		return e
	}
	return statusEntry{KindUnknown, fmt.Sprintf("Unknown status 0x%s", key)}
}

// NewStatusCodeError builds the error for a terminal status word.
func NewStatusCodeError(code uint16) *StatusCodeError {
	return &StatusCodeError{Code: code, Kind: MapStatus(code)}
}
