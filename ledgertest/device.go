// Package ledgertest provides a scripted in-memory Ledger that satisfies
// ledger.Transport, for testing sessions and app commands without hardware.
package ledgertest

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"

	ledger "github.com/bakingbacon/tzledger"
)

const (
	DefaultID   = "C1:5A:7E:00:00:01"
	DefaultName = "Nano X 1A2B"
)

var ErrLinkDown = errors.New("link is down")

// Handler receives every complete command APDU and returns the response,
// status word included. A nil response holds the request: nothing is sent.
type Handler func(apdu []byte) []byte

// OK builds a response carrying data followed by 0x9000.
func OK(data ...byte) []byte {
	return Status(ledger.StatusOK, data...)
}

// Status builds a response carrying data followed by the status word code.
func Status(code uint16, data ...byte) []byte {
	resp := make([]byte, len(data)+2)
	copy(resp, data)
	binary.BigEndian.PutUint16(resp[len(data):], code)
	return resp
}

// Device is the fake peripheral. It is safe for concurrent use.
type Device struct {
	framer     ledger.Framer
	peripheral ledger.Peripheral
	advertised []ledger.Peripheral
	handler    Handler
	dropAfter  int
	missing    []string
	connectErr error

	mu       sync.Mutex
	apdus    [][]byte
	connects int
	conn     *connection
}

type Option func(*Device)

func WithFramer(f ledger.Framer) Option {
	return func(d *Device) {
		d.framer = f
	}
}

func WithPeripheral(id, name string) Option {
	return func(d *Device) {
		d.peripheral = ledger.Peripheral{ID: id, Name: name}
	}
}

// WithAdvertisements adds scan results reported after the device itself.
// Repeats are reported as given.
func WithAdvertisements(ps ...ledger.Peripheral) Option {
	return func(d *Device) {
		d.advertised = append(d.advertised, ps...)
	}
}

func WithHandler(h Handler) Option {
	return func(d *Device) {
		d.handler = h
	}
}

// DropAfter makes the device lose the link once it has received n APDUs
// on a connection. The nth APDU is not answered.
func DropAfter(n int) Option {
	return func(d *Device) {
		d.dropAfter = n
	}
}

// WithoutCharacteristic hides a characteristic from discovery.
func WithoutCharacteristic(uuid string) Option {
	return func(d *Device) {
		d.missing = append(d.missing, uuid)
	}
}

// FailConnect makes every connection attempt fail with err.
func FailConnect(err error) Option {
	return func(d *Device) {
		d.connectErr = err
	}
}

// New returns a device that answers every APDU with 0x9000 unless a
// handler is set.
func New(opts ...Option) *Device {
	d := &Device{
		framer:     ledger.BLEFramer,
		peripheral: ledger.Peripheral{ID: DefaultID, Name: DefaultName},
		handler: func([]byte) []byte {
			return OK()
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Device) ID() string {
	return d.peripheral.ID
}

func (d *Device) Framer() ledger.Framer {
	return d.framer
}

// Scan reports the device and any extra advertisements, then blocks until
// ctx is done.
func (d *Device) Scan(ctx context.Context, service string, found func(ledger.Peripheral)) error {

	if ledger.SameUUID(service, ledger.ServiceUUID) {
		found(d.peripheral)
		for _, p := range d.advertised {
			found(p)
		}
	}

	<-ctx.Done()
	return ctx.Err()
}

func (d *Device) Connect(ctx context.Context, id string, lost func(error)) (ledger.Connection, error) {

	if d.connectErr != nil {
		return nil, d.connectErr
	}
	if id != d.peripheral.ID {
		return nil, errors.Wrap(ledger.ErrDeviceNotFound, id)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c := &connection{dev: d, lost: lost, rx: ledger.NewReassembler(d.framer)}

	d.mu.Lock()
	if d.conn != nil {
		d.conn.close()
	}
	d.conn = c
	d.connects++
	d.mu.Unlock()

	return c, nil
}

// APDUs returns every command APDU received so far, across connections.
func (d *Device) APDUs() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]byte, len(d.apdus))
	copy(out, d.apdus)
	return out
}

func (d *Device) APDUCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.apdus)
}

// Connects returns the number of successful Connect calls.
func (d *Device) Connects() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connects
}

// Respond frames resp and sends it on the current connection, e.g. to
// answer a held request.
func (d *Device) Respond(resp []byte) error {
	c := d.current()
	if c == nil {
		return ErrLinkDown
	}
	return c.deliver(resp)
}

// Notify sends a raw frame on the current connection.
func (d *Device) Notify(frame []byte) error {
	c := d.current()
	if c == nil {
		return ErrLinkDown
	}
	return c.notifyFrames([][]byte{frame})
}

// Drop simulates the platform reporting the loss of the current link.
func (d *Device) Drop(err error) {
	if c := d.current(); c != nil {
		c.drop(err)
	}
}

// Sever closes the current link without reporting it, so the host only
// learns of the loss when its next write fails.
func (d *Device) Sever() {
	if c := d.current(); c != nil {
		c.close()
	}
}

func (d *Device) current() *connection {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn
}

func (d *Device) record(apdu []byte) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.apdus = append(d.apdus, apdu)
	return len(d.apdus)
}

func (d *Device) isMissing(uuid string) bool {
	for _, m := range d.missing {
		if ledger.SameUUID(m, uuid) {
			return true
		}
	}
	return false
}

type connection struct {
	dev  *Device
	lost func(error)
	rx   *ledger.Reassembler

	// Serializes notifications
	deliverMu sync.Mutex

	mu       sync.Mutex
	closed   bool
	received int
	notify   func([]byte)
	lostOnce sync.Once
}

func (c *connection) Characteristics(ctx context.Context, service string) ([]ledger.Characteristic, error) {

	if c.isClosed() {
		return nil, ErrLinkDown
	}
	if !ledger.SameUUID(service, ledger.ServiceUUID) {
		return nil, nil
	}

	var chars []ledger.Characteristic
	for _, u := range []string{ledger.WriteUUID, ledger.NotifyUUID} {
		if !c.dev.isMissing(u) {
			chars = append(chars, &characteristic{conn: c, uuid: u})
		}
	}
	return chars, nil
}

func (c *connection) Disconnect() error {
	c.close()
	return nil
}

func (c *connection) close() {
	c.mu.Lock()
	c.closed = true
	c.notify = nil
	c.mu.Unlock()
}

func (c *connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *connection) drop(err error) {
	if err == nil {
		err = errors.New("peripheral disconnected")
	}
	c.close()
	c.lostOnce.Do(func() {
		if c.lost != nil {
			c.lost(err)
		}
	})
}

// receive runs on the writer's goroutine; frames arrive one at a time.
func (c *connection) receive(frame []byte) error {

	if c.isClosed() {
		return ErrLinkDown
	}

	apdu, done, err := c.rx.Push(frame)
	if err != nil {
		return errors.Wrap(err, "device rejected frame")
	}
	if !done {
		return nil
	}

	c.dev.record(apdu)

	c.mu.Lock()
	c.received++
	n := c.received
	c.mu.Unlock()

	if c.dev.dropAfter > 0 && n >= c.dev.dropAfter {
		c.drop(errors.Errorf("link dropped after %d APDUs", n))
		return nil
	}

	if resp := c.dev.handler(apdu); resp != nil {
		return c.deliver(resp)
	}
	return nil
}

func (c *connection) deliver(resp []byte) error {
	frames, err := c.dev.framer.Wrap(resp)
	if err != nil {
		return err
	}
	return c.notifyFrames(frames)
}

func (c *connection) notifyFrames(frames [][]byte) error {

	c.mu.Lock()
	fn, closed := c.notify, c.closed
	c.mu.Unlock()

	if closed {
		return ErrLinkDown
	}
	if fn == nil {
		return errors.New("no subscriber")
	}

	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	for _, f := range frames {
		fn(f)
	}
	return nil
}

type characteristic struct {
	conn *connection
	uuid string
}

func (ch *characteristic) UUID() string {
	return ch.uuid
}

func (ch *characteristic) Write(ctx context.Context, p []byte) error {
	if !ledger.SameUUID(ch.uuid, ledger.WriteUUID) {
		return errors.New("characteristic is not writable")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return ch.conn.receive(p)
}

func (ch *characteristic) Subscribe(fn func([]byte)) error {
	if !ledger.SameUUID(ch.uuid, ledger.NotifyUUID) {
		return errors.New("characteristic does not notify")
	}
	ch.conn.mu.Lock()
	defer ch.conn.mu.Unlock()
	if ch.conn.closed {
		return ErrLinkDown
	}
	ch.conn.notify = fn
	return nil
}
