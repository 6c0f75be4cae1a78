package ledger

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// statusWordLen is the size of a bare status word. A reassembled response of
// this length or shorter is a status, anything longer is a payload.
const statusWordLen = 2

// Chunk is one command APDU of a request, already cut into frames. Chunks
// are written strictly in order and each waits for its own response.
type Chunk struct {
	Index  int
	APDU   []byte
	Frames [][]byte
}

type OutcomeKind int

const (
	OutcomeIncomplete OutcomeKind = iota
	OutcomeAck
	OutcomeError
	OutcomePayload
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeIncomplete:
		return "incomplete"
	case OutcomeAck:
		return "ack"
	case OutcomeError:
		return "error"
	case OutcomePayload:
		return "payload"
	}
	return fmt.Sprintf("OutcomeKind(%d)", int(k))
}

// Outcome is the classification of the response reassembled so far.
type Outcome struct {
	Kind    OutcomeKind
	Status  uint16 // Set for OutcomeAck and OutcomeError
	Payload []byte // Set for OutcomePayload, trailing status word stripped
}

// Codec turns commands into chunks and classifies inbound frames. It owns the
// reassembly buffer of the live request.
type Codec struct {
	framer Framer
	r      *Reassembler
}

func NewCodec(f Framer) *Codec {
	return &Codec{framer: f, r: NewReassembler(f)}
}

func (c *Codec) Framer() Framer {
	return c.framer
}

// Encode marshals every APDU of cmd and wraps each into frames.
func (c *Codec) Encode(cmd Command) ([]Chunk, error) {

	apdus, err := cmd.APDUs()
	if err != nil {
		return nil, errors.Wrap(err, "Unable to build APDUs")
	}
	if len(apdus) == 0 {
		return nil, errors.New("Command has no APDUs")
	}

	chunks := make([]Chunk, 0, len(apdus))
	for i, apdu := range apdus {

		apduBytes, err := apdu.MarshalBinary()
		if err != nil {
			return nil, errors.Wrap(err, "Unable to marshal APDU instruction")
		}

		frames, err := c.framer.Wrap(apduBytes)
		if err != nil {
			return nil, errors.Wrap(err, "Unable to wrap APDU instruction")
		}

		chunks = append(chunks, Chunk{Index: i, APDU: apduBytes, Frames: frames})
	}

	return chunks, nil
}

// Ingest appends an inbound frame and classifies the result. Framing errors
// reset the buffer.
func (c *Codec) Ingest(frame []byte) (Outcome, error) {

	resp, done, err := c.r.Push(frame)
	if err != nil {
		return Outcome{}, err
	}
	if !done {
		return Outcome{Kind: OutcomeIncomplete}, nil
	}

	return Classify(resp), nil
}

// Reset clears the reassembly buffer.
func (c *Codec) Reset() {
	c.r.Reset()
}

// Buffered reports how many bytes of a partial response are held.
func (c *Codec) Buffered() int {
	return c.r.Len()
}

// Classify applies the length rule to a fully reassembled response.
func Classify(resp []byte) Outcome {

	if len(resp) <= statusWordLen {
		// Left-pad, so a truncated one byte reply still yields a code
		var sw [statusWordLen]byte
		copy(sw[statusWordLen-len(resp):], resp)
		code := binary.BigEndian.Uint16(sw[:])
		if code == StatusOK {
			return Outcome{Kind: OutcomeAck, Status: code}
		}
		return Outcome{Kind: OutcomeError, Status: code}
	}

	swOffset := len(resp) - statusWordLen
	code := binary.BigEndian.Uint16(resp[swOffset:])
	if code != StatusOK {
		return Outcome{Kind: OutcomeError, Status: code}
	}

	return Outcome{Kind: OutcomePayload, Status: code, Payload: resp[:swOffset]}
}
