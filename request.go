package ledger

import (
	"time"
)

// RequestKind names the type of a request. It selects the request timeout
// and is reported to partial success listeners.
type RequestKind string

const (
	KindGetAddress  RequestKind = "get-address"
	KindSignPayload RequestKind = "sign-payload"
	KindQuery       RequestKind = "query"
)

// Command is a logical request to the device, consumed once by Exchange.
type Command interface {
	Kind() RequestKind

	// APDUs returns the instructions to send, in order. Every APDU but the
	// last is expected to be acknowledged with a bare 0x9000.
	APDUs() ([]Apdu, error)

	// Decode turns the final payload into the typed result. Malformed
	// payloads must be reported as *DecodeError.
	Decode(payload []byte) (interface{}, error)
}

type result struct {
	value interface{}
	err   error
}

// request is the single in-flight exchange. It is owned by the event loop.
type request struct {
	id       uint64
	cmd      Command
	chunks   []Chunk
	next     int  // index of the next chunk to write
	acked    bool // at least one intermediate ack seen
	awaiting bool // the last written chunk has not been answered
	started  time.Time
	timer    *time.Timer
	reply    chan result
}

func (r *request) remaining() int {
	return len(r.chunks) - r.next
}
