package ledger

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// Ledger Nano X Bluetooth profile
const (
	ServiceUUID = "13d63400-2c97-0004-0000-4c6564676572"
	NotifyUUID  = "13d63400-2c97-0004-0001-4c6564676572"
	WriteUUID   = "13d63400-2c97-0004-0002-4c6564676572"
)

// Peripheral is a device seen while scanning. It is rebuilt on every scan.
type Peripheral struct {
	ID   string
	Name string
}

// Transport is the platform capability the session drives. All methods may
// block; the session never calls them from its event loop.
type Transport interface {
	// Scan reports peripherals advertising service through found until ctx
	// is done. found may be called from any goroutine.
	Scan(ctx context.Context, service string, found func(Peripheral)) error

	// Connect opens a link to the peripheral with the given ID. lost is
	// called, at most once, if the platform drops the link afterwards.
	Connect(ctx context.Context, id string, lost func(error)) (Connection, error)

	// Framer describes the link framing.
	Framer() Framer
}

// Connection is an open platform link.
type Connection interface {
	// Characteristics discovers the characteristics of service.
	Characteristics(ctx context.Context, service string) ([]Characteristic, error)
	Disconnect() error
}

// Characteristic is a GATT characteristic, or the equivalent endpoint of a
// non-Bluetooth link.
type Characteristic interface {
	UUID() string
	Write(ctx context.Context, p []byte) error
	// Subscribe registers fn for notifications. fn may be called from any
	// goroutine but calls are never concurrent and arrive in order.
	Subscribe(fn func([]byte)) error
}

// SameUUID compares two UUIDs independent of case and of the urn or braced
// forms accepted by uuid.Parse.
func SameUUID(a, b string) bool {
	ua, errA := uuid.Parse(a)
	ub, errB := uuid.Parse(b)
	if errA != nil || errB != nil {
		return strings.EqualFold(a, b)
	}
	return ua == ub
}

// findCharacteristic returns the characteristic with the wanted UUID, or nil.
func findCharacteristic(chars []Characteristic, want string) Characteristic {
	for _, c := range chars {
		if SameUUID(c.UUID(), want) {
			return c
		}
	}
	return nil
}
