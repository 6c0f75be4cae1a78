// Package ble implements ledger.Transport over Bluetooth Low Energy using the
// host adapter, for the Ledger Nano X.
package ble

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"

	ledger "github.com/bakingbacon/tzledger"
)

// device is the subset of bluetooth.Device used here.
type device interface {
	DiscoverServices(uuids []bluetooth.UUID) ([]bluetooth.DeviceService, error)
	Disconnect() error
}

// Transport drives one host Bluetooth adapter.
type Transport struct {
	adapter *bluetooth.Adapter
	log     log.FieldLogger

	enableOnce sync.Once
	enableErr  error

	mu        sync.Mutex
	addresses map[string]bluetooth.Address
	lost      map[string]func(error)
}

// New returns a transport on the default adapter. A nil logger uses the
// standard logger.
func New(logger log.FieldLogger) *Transport {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Transport{
		adapter:   bluetooth.DefaultAdapter,
		log:       logger,
		addresses: make(map[string]bluetooth.Address),
		lost:      make(map[string]func(error)),
	}
}

func (t *Transport) Framer() ledger.Framer {
	return ledger.BLEFramer
}

func (t *Transport) enable() error {
	t.enableOnce.Do(func() {
		t.adapter.SetConnectHandler(func(d bluetooth.Device, connected bool) {
			if !connected {
				t.linkDown(d.Address.String())
			}
		})
		t.enableErr = errors.Wrap(t.adapter.Enable(), "Unable to enable Bluetooth adapter")
	})
	return t.enableErr
}

// linkDown reports a peripheral disconnect to the session that owns the
// link. Only some backends (darwin) deliver these; on BlueZ a dropped link
// surfaces as a failed write instead.
func (t *Transport) linkDown(id string) {
	t.mu.Lock()
	lost := t.lost[id]
	delete(t.lost, id)
	t.mu.Unlock()

	if lost != nil {
		t.log.WithFields(log.Fields{"device": id}).Debug("BLE link down")
		lost(errors.New("peripheral disconnected"))
	}
}

func (t *Transport) forget(id string) {
	t.mu.Lock()
	delete(t.lost, id)
	t.mu.Unlock()
}

// Scan reports peripherals advertising service until ctx is done. The
// adapter supports one scan at a time.
func (t *Transport) Scan(ctx context.Context, service string, found func(ledger.Peripheral)) error {

	if err := t.enable(); err != nil {
		return err
	}

	want, err := bluetooth.ParseUUID(service)
	if err != nil {
		return errors.Wrapf(err, "Invalid service UUID %q", service)
	}

	done := make(chan error, 1)
	go func() {
		done <- t.adapter.Scan(func(_ *bluetooth.Adapter, res bluetooth.ScanResult) {
			if !res.HasServiceUUID(want) {
				return
			}

			id := res.Address.String()
			t.mu.Lock()
			t.addresses[id] = res.Address
			t.mu.Unlock()

			found(ledger.Peripheral{ID: id, Name: res.LocalName()})
		})
	}()

	select {
	case err := <-done:
		return errors.Wrap(err, "Scan failed")
	case <-ctx.Done():
		if err := t.adapter.StopScan(); err != nil {
			t.log.WithError(err).Debug("Stop scan")
		}
		<-done
		return ctx.Err()
	}
}

// Connect links to a peripheral seen by an earlier scan. lost is called when
// the adapter reports the peripheral disconnected.
func (t *Transport) Connect(ctx context.Context, id string, lost func(error)) (ledger.Connection, error) {

	if err := t.enable(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	addr, ok := t.addresses[id]
	t.mu.Unlock()
	if !ok {
		return nil, errors.Wrapf(ledger.ErrDeviceNotFound, "%s was not seen by a scan", id)
	}

	type linked struct {
		dev device
		err error
	}
	res := make(chan linked, 1)

	go func() {
		dev, err := t.adapter.Connect(addr, bluetooth.ConnectionParams{})
		if err != nil {
			res <- linked{err: err}
			return
		}
		res <- linked{dev: dev}
	}()

	select {
	case r := <-res:
		if r.err != nil {
			return nil, errors.Wrap(r.err, "Unable to connect")
		}
		t.log.WithFields(log.Fields{"device": id}).Debug("BLE link up")
		t.mu.Lock()
		t.lost[id] = lost
		t.mu.Unlock()
		return &connection{dev: r.dev, id: id, t: t}, nil

	case <-ctx.Done():
		// The platform call can't be interrupted; release the link if it
		// comes up after all.
		go func() {
			if r := <-res; r.dev != nil {
				r.dev.Disconnect()
			}
		}()
		return nil, ctx.Err()
	}
}

type connection struct {
	dev device
	id  string
	t   *Transport
}

func (c *connection) Characteristics(ctx context.Context, service string) ([]ledger.Characteristic, error) {

	svcUUID, err := bluetooth.ParseUUID(service)
	if err != nil {
		return nil, errors.Wrapf(err, "Invalid service UUID %q", service)
	}

	type discovered struct {
		chars []ledger.Characteristic
		err   error
	}
	res := make(chan discovered, 1)

	go func() {
		services, err := c.dev.DiscoverServices([]bluetooth.UUID{svcUUID})
		if err != nil {
			res <- discovered{err: errors.Wrap(err, "Service discovery failed")}
			return
		}

		var chars []ledger.Characteristic
		for i := range services {
			found, err := services[i].DiscoverCharacteristics(nil)
			if err != nil {
				res <- discovered{err: errors.Wrap(err, "Characteristic discovery failed")}
				return
			}
			for j := range found {
				chars = append(chars, &characteristic{c: found[j]})
			}
		}
		res <- discovered{chars: chars}
	}()

	select {
	case r := <-res:
		return r.chars, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *connection) Disconnect() error {
	c.t.forget(c.id)
	c.t.log.WithFields(log.Fields{"device": c.id}).Debug("BLE disconnect")
	return c.dev.Disconnect()
}

type characteristic struct {
	c bluetooth.DeviceCharacteristic
}

func (ch *characteristic) UUID() string {
	return ch.c.UUID().String()
}

func (ch *characteristic) Write(ctx context.Context, p []byte) error {

	// Ledger's write characteristic is write-without-response, and that is
	// the only write every backend provides.
	done := make(chan error, 1)
	go func() {
		_, err := ch.c.WriteWithoutResponse(p)
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ch *characteristic) Subscribe(fn func([]byte)) error {
	return ch.c.EnableNotifications(fn)
}
