package ledger

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	tagAPDU byte = 0x05

	// BLEMTU is the frame size used by the Nano X Bluetooth profile.
	BLEMTU = 156
	// HIDPacketSize is the USB HID report size.
	HIDPacketSize = 64
)

var (
	ErrInvalidChannel  = errors.New("Invalid channel")
	ErrInvalidTag      = errors.New("Invalid tag")
	ErrInvalidSequence = errors.New("Invalid sequence")
	ErrFrameTooShort   = errors.New("Frame too short")
)

// Interface to be implemented by sub-libraries, as the APDU struct will be
// specific to each ledger application. This interface enforces the one required
// function that the codec must call.
type Apdu interface {
	MarshalBinary() ([]byte, error)
}

// Framer describes how a single APDU is cut into link-level frames.
//
// Every frame starts with [channel] 0x05 seq(2). The first frame of an APDU
// additionally carries the total APDU length as a big endian uint16.
type Framer struct {
	Channel []byte // Prefixed to every frame; empty over BLE
	MTU     int    // Maximum frame size, header included
	Pad     bool   // Zero-pad every frame to MTU (HID reports are fixed size)
}

// BLEFramer is the framing used by the Ledger Bluetooth profile.
var BLEFramer = Framer{MTU: BLEMTU}

// HIDFramer is the framing used over USB.
// https://github.com/LedgerHQ/blue-loader-python/blob/bb7aeade0a7eed0c61a57482abc18cca9e97b253/ledgerblue/ledgerWrapper.py#L23
var HIDFramer = Framer{Channel: []byte{1, 1}, MTU: HIDPacketSize, Pad: true}

func (f Framer) headerSize(first bool) int {
	if first {
		return len(f.Channel) + 5
	}
	return len(f.Channel) + 3
}

// Wrap splits command into frames. The result is a pure function of the
// command and the framer.
func (f Framer) Wrap(command []byte) ([][]byte, error) {

	if f.MTU <= f.headerSize(true) {
		return nil, errors.Errorf("MTU %d can't hold a frame header", f.MTU)
	}
	if len(command) > 0xffff {
		return nil, errors.Errorf("command of %d bytes exceeds maximum APDU length", len(command))
	}

	var frames [][]byte
	var sequenceIdx uint16
	offset := 0

	for first := true; first || offset < len(command); first = false {

		frame := make([]byte, 0, f.MTU)
		frame = append(frame, f.Channel...)
		frame = append(frame, tagAPDU)
		frame = appendUint16(frame, sequenceIdx)
		if first {
			frame = appendUint16(frame, uint16(len(command)))
		}

		blockSize := f.MTU - len(frame)
		if remaining := len(command) - offset; remaining < blockSize {
			blockSize = remaining
		}
		frame = append(frame, command[offset:offset+blockSize]...)
		offset += blockSize

		// Ledger Nano's, etc, need suffix padding
		if f.Pad {
			frame = append(frame, make([]byte, f.MTU-len(frame))...)
		}

		frames = append(frames, frame)
		sequenceIdx++
	}

	return frames, nil
}

func appendUint16(b []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(b, tmp[:]...)
}

// Reassembler accumulates frames produced by Framer.Wrap until a full APDU
// has been received. It is not safe for concurrent use.
type Reassembler struct {
	framer   Framer
	buf      []byte
	expected int
	seq      uint16
	started  bool
}

func NewReassembler(f Framer) *Reassembler {
	return &Reassembler{framer: f}
}

// Reset drops any partially received APDU.
func (r *Reassembler) Reset() {
	r.buf = nil
	r.expected = 0
	r.seq = 0
	r.started = false
}

// Len returns the number of APDU bytes buffered so far.
func (r *Reassembler) Len() int {
	return len(r.buf)
}

// Push appends one frame. It returns the complete APDU and true once the
// declared length has been received, after which the reassembler is reset.
// A malformed frame resets the reassembler and returns an error.
//
// https://github.com/LedgerHQ/blue-loader-python/blob/bb7aeade0a7eed0c61a57482abc18cca9e97b253/ledgerblue/ledgerWrapper.py#L58
func (r *Reassembler) Push(frame []byte) ([]byte, bool, error) {

	f := r.framer
	offset := 0

	if len(frame) < f.headerSize(!r.started) {
		r.Reset()
		return nil, false, ErrFrameTooShort
	}

	// Unpack channel and compare
	if !bytes.Equal(frame[:len(f.Channel)], f.Channel) {
		r.Reset()
		return nil, false, ErrInvalidChannel
	}
	offset += len(f.Channel)

	if frame[offset] != tagAPDU {
		r.Reset()
		return nil, false, ErrInvalidTag
	}
	offset++

	if seq := binary.BigEndian.Uint16(frame[offset : offset+2]); seq != r.seq {
		want := r.seq
		r.Reset()
		return nil, false, errors.Wrapf(ErrInvalidSequence, "got %d, want %d", seq, want)
	}
	offset += 2

	if !r.started {
		r.expected = int(binary.BigEndian.Uint16(frame[offset : offset+2]))
		r.buf = make([]byte, 0, r.expected)
		r.started = true
		offset += 2
	}

	// Padding beyond the declared length is discarded
	data := frame[offset:]
	if missing := r.expected - len(r.buf); len(data) > missing {
		data = data[:missing]
	}
	r.buf = append(r.buf, data...)
	r.seq++

	if len(r.buf) < r.expected {
		return nil, false, nil
	}

	apdu := r.buf
	r.Reset()
	return apdu, true, nil
}
