package ledger

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrBusy      = errors.New("another request is in progress")
	ErrCancelled = errors.New("request cancelled")
	ErrTimeout   = errors.New("request timed out")
	ErrClosed    = errors.New("session closed")

	ErrNotConnected              = errors.New("device not connected")
	ErrConnectionLost            = errors.New("connection lost")
	ErrWriteRejected             = errors.New("write rejected")
	ErrCharacteristicUnavailable = errors.New("characteristic unavailable")
	ErrDeviceNotFound            = errors.New("device not found")
	ErrInvalidState              = errors.New("invalid session state")
)

// TransportError reports a scan, connect or write failure, or the loss of
// the link. Any TransportError leaves the session Disconnected.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
func (e *TransportError) Cause() error  { return e.Err }

func transportError(op string, err error) *TransportError {
	if te, ok := err.(*TransportError); ok {
		return te
	}
	return &TransportError{Op: op, Err: err}
}

// StatusCodeError is a terminal status word returned by the device.
type StatusCodeError struct {
	Code uint16
	Kind ErrorKind
}

func (e *StatusCodeError) Error() string {
	return fmt.Sprintf("status %s (%s): %s", e.Hex(), e.Kind, lookupStatus(e.Code).description)
}

// Hex returns the status word as four lowercase hex characters, e.g. "6985".
func (e *StatusCodeError) Hex() string {
	return StatusHex(e.Code)
}

// DecodeError reports a final payload that could not be decoded into a result.
type DecodeError struct {
	Reason  string
	Payload []byte
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode: %s (%d bytes)", e.Reason, len(e.Payload))
}

// NewDecodeError is used by application decoders to report a malformed payload.
func NewDecodeError(payload []byte, format string, args ...interface{}) *DecodeError {
	return &DecodeError{Reason: fmt.Sprintf(format, args...), Payload: payload}
}

// ProtocolError is the terminal error of an Exchange. It wraps a
// *StatusCodeError, *DecodeError, *TransportError, ErrBusy, ErrCancelled,
// ErrTimeout or ErrNotConnected.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("ledger %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }
func (e *ProtocolError) Cause() error  { return e.Err }

// Kind classifies the failure for programmatic branching.
func (e *ProtocolError) Kind() ErrorKind {
	var sce *StatusCodeError
	var de *DecodeError
	var te *TransportError
	switch {
	case errors.As(e.Err, &sce):
		return sce.Kind
	case errors.As(e.Err, &de):
		return KindUnknown
	case errors.Is(e.Err, ErrBusy):
		return KindBusy
	case errors.Is(e.Err, ErrCancelled):
		return KindCancelled
	case errors.Is(e.Err, ErrTimeout):
		return KindTimeout
	case errors.Is(e.Err, ErrNotConnected):
		return KindNotConnected
	case errors.As(e.Err, &te):
		return KindTransport
	}
	return KindUnknown
}

// Code returns the raw status word in hex, or "" when the failure did not
// come from a device status.
func (e *ProtocolError) Code() string {
	var sce *StatusCodeError
	if errors.As(e.Err, &sce) {
		return sce.Hex()
	}
	return ""
}
