// Package usb implements ledger.Transport over USB HID, for devices plugged
// in by cable. The HID interface is presented to the session as the same
// write/notify characteristic pair used over Bluetooth.
package usb

import (
	"context"
	"sync"
	"time"

	"github.com/bakingbacon/hid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	ledger "github.com/bakingbacon/tzledger"
)

const (
	LEDGER_VENDOR    uint16 = 11415 // 0x2c97
	LEDGER_USAGEPAGE uint16 = 65440 // 0xffa0
	LEDGER_IFACENUM  uint16 = 0

	// Any product; every Ledger model has its own product ID
	ANY_PRODUCT uint16 = 0
)

// Transport enumerates and opens Ledger HID interfaces.
type Transport struct {
	VendorID     uint16
	ProductID    uint16
	Interface    uint16
	UsagePage    uint16
	PollInterval time.Duration // Idle wait between non-blocking reads and rescans
	Logger       log.FieldLogger
}

func New() *Transport {
	return &Transport{
		VendorID:     LEDGER_VENDOR,
		ProductID:    ANY_PRODUCT,
		Interface:    LEDGER_IFACENUM,
		UsagePage:    LEDGER_USAGEPAGE,
		PollInterval: 100 * time.Millisecond,
		Logger:       log.StandardLogger(),
	}
}

func (t *Transport) Framer() ledger.Framer {
	return ledger.HIDFramer
}

// The device will not appear to the USB subsystem until the ledger is
// unlocked by entering the PIN code
func (t *Transport) enumerate() []hid.DeviceInfo {

	var found []hid.DeviceInfo

	for _, dev := range hid.Enumerate(t.VendorID, t.ProductID) {

		t.Logger.WithFields(log.Fields{
			"ProductName": dev.Product, "Manuf": dev.Manufacturer, "Path": dev.Path, "VendorID": dev.VendorID, "ProductID": dev.ProductID,
		}).Debug("HID Device")

		if dev.Interface == int(t.Interface) || dev.UsagePage == t.UsagePage {
			found = append(found, dev)
		}
	}

	return found
}

// Scan reports every matching HID interface, keyed by its platform path, and
// rescans once a second for hot-plugged devices until ctx is done. service
// is ignored; HID has no service discovery.
func (t *Transport) Scan(ctx context.Context, service string, found func(ledger.Peripheral)) error {

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		for _, dev := range t.enumerate() {
			found(ledger.Peripheral{ID: dev.Path, Name: dev.Product})
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Connect opens the HID interface at path id.
func (t *Transport) Connect(ctx context.Context, id string, lost func(error)) (ledger.Connection, error) {

	var info hid.DeviceInfo
	for _, dev := range t.enumerate() {
		if dev.Path == id {
			info = dev
			break
		}
	}

	if info.Path == "" {
		return nil, errors.Wrap(ledger.ErrDeviceNotFound, "Ledger plugged in? Unlocked? Correct app open?")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dev, err := info.Open()
	if err != nil {
		return nil, errors.Wrap(err, "Failed to open")
	}

	// Reads are polled so the reader can stop on Disconnect
	if r, err := dev.SetNonBlocking(true); r == -1 {
		dev.Close()
		return nil, errors.Wrap(err, "Could not set non-blocking")
	}

	t.Logger.WithFields(log.Fields{
		"Path": info.Path, "Product": info.Product, "Serial": info.Serial, "Release": info.Release,
	}).Info("Opened HID device")

	return &connection{
		dev:  dev,
		info: info,
		lost: lost,
		poll: t.PollInterval,
		log:  t.Logger,
		stop: make(chan struct{}),
	}, nil
}

type connection struct {
	dev  *hid.Device
	info hid.DeviceInfo
	lost func(error)
	poll time.Duration
	log  log.FieldLogger

	writeMu   sync.Mutex
	stop      chan struct{}
	stopOnce  sync.Once
	readers   sync.WaitGroup
	subscribe sync.Once
}

// Characteristics returns the two HID endpoints under the Bluetooth UUIDs
// the session looks for.
func (c *connection) Characteristics(ctx context.Context, service string) ([]ledger.Characteristic, error) {
	return []ledger.Characteristic{
		&endpoint{conn: c, uuid: ledger.WriteUUID},
		&endpoint{conn: c, uuid: ledger.NotifyUUID},
	}, nil
}

func (c *connection) Disconnect() error {
	c.stopOnce.Do(func() {
		close(c.stop)
		c.readers.Wait()
		c.dev.Close()
		c.log.WithField("Path", c.info.Path).Info("Closed HID device")
	})
	return nil
}

func (c *connection) closed() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

// write sends one HID report. The leading zero is the report ID.
func (c *connection) write(frame []byte) error {

	if c.closed() {
		return errors.New("device closed")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	report := append([]byte{0}, frame...)

	b, err := c.dev.Write(report)
	if b <= 0 {
		if err == nil {
			err = errors.New("no bytes written")
		}
		return errors.Wrap(err, "Failed to write")
	}

	return nil
}

// readLoop delivers every 64 byte report to fn until Disconnect.
func (c *connection) readLoop(fn func([]byte)) {
	defer c.readers.Done()

	r := make([]byte, ledger.HIDPacketSize)

	for {
		if c.closed() {
			return
		}

		// Read from device
		b, err := c.dev.Read(r)
		if b < 0 {
			if err == nil {
				err = errors.New("read failed")
			}
			c.log.WithError(err).WithField("Path", c.info.Path).Warn("HID read failed")
			if c.lost != nil {
				c.lost(errors.Wrap(err, "Failed to read"))
			}
			return
		}

		// If no bytes read, sleep and repeat
		if b == 0 {
			select {
			case <-c.stop:
				return
			case <-time.After(c.poll):
				continue
			}
		}

		frame := make([]byte, b)
		copy(frame, r[:b])
		fn(frame)
	}
}

type endpoint struct {
	conn *connection
	uuid string
}

func (e *endpoint) UUID() string {
	return e.uuid
}

func (e *endpoint) Write(ctx context.Context, p []byte) error {
	if e.uuid != ledger.WriteUUID {
		return errors.New("endpoint is not writable")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.conn.write(p)
}

func (e *endpoint) Subscribe(fn func([]byte)) error {

	if e.uuid != ledger.NotifyUUID {
		return errors.New("endpoint does not notify")
	}
	if e.conn.closed() {
		return errors.New("device closed")
	}

	started := false
	e.conn.subscribe.Do(func() {
		e.conn.readers.Add(1)
		go e.conn.readLoop(fn)
		started = true
	})
	if !started {
		return errors.New("already subscribed")
	}

	return nil
}
