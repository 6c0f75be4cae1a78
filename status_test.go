package ledger

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestMapStatus(t *testing.T) {

	tests := map[uint16]ErrorKind{
		0x6985: KindUserRejected,
		0x5501: KindUserRejected,
		0x5515: KindDeviceLocked,
		0x6e00: KindWrongApp,
		0x6700: KindWrongLength,
		0x6a80: KindWrongValues,
		0x6b00: KindWrongParameters,
		0x9405: KindParseError,
		0x6983: KindHIDRequired,
		0x6d00: KindInvalidInstruction,
		0x1234: KindUnknown,
		0x9000: KindUnknown,
	}

	for code, want := range tests {
		assert.Equal(t, want, MapStatus(code), StatusHex(code))
	}
}

func TestStatusTablesDisjoint(t *testing.T) {
	for code := range appStatus {
		_, dup := platformStatus[code]
		assert.False(t, dup, "%s is in both tables", code)
	}
}

func TestStatusHex(t *testing.T) {
	assert.Equal(t, "6985", StatusHex(0x6985))
	assert.Equal(t, "0055", StatusHex(0x55))
	assert.Equal(t, "6a80", NewStatusCodeError(0x6a80).Hex())
}

func TestProtocolErrorKind(t *testing.T) {

	tests := []struct {
		err  error
		kind ErrorKind
		code string
	}{
		{NewStatusCodeError(0x6985), KindUserRejected, "6985"},
		{NewStatusCodeError(0x4242), KindUnknown, "4242"},
		{NewDecodeError([]byte{1}, "bad"), KindUnknown, ""},
		{ErrBusy, KindBusy, ""},
		{ErrCancelled, KindCancelled, ""},
		{ErrTimeout, KindTimeout, ""},
		{ErrNotConnected, KindNotConnected, ""},
		{transportError("write", ErrConnectionLost), KindTransport, ""},
		{errors.New("other"), KindUnknown, ""},
	}

	for _, tt := range tests {
		pe := &ProtocolError{Op: "test", Err: tt.err}
		assert.Equal(t, tt.kind, pe.Kind(), tt.err.Error())
		assert.Equal(t, tt.code, pe.Code())
		assert.True(t, errors.Is(pe, tt.err))
	}

	pe := &ProtocolError{Op: "link", Err: transportError("link", errors.Wrap(ErrConnectionLost, "peer gone"))}
	assert.True(t, errors.Is(pe, ErrConnectionLost))
	assert.Equal(t, "Transport", pe.Kind().String())
}
