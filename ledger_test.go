package ledger_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ledger "github.com/bakingbacon/tzledger"
	"github.com/bakingbacon/tzledger/ledgertest"
)

const (
	insSign    = 0x04
	insAddress = 0x02
	waitFor    = 2 * time.Second
	tick       = 5 * time.Millisecond
)

type apdu []byte

func (a apdu) MarshalBinary() ([]byte, error) { return a, nil }

// command sends one APDU per entry of p1s, all with the same instruction.
type command struct {
	kind   ledger.RequestKind
	ins    byte
	p1s    []byte
	decode func([]byte) (interface{}, error)
}

func (c command) Kind() ledger.RequestKind { return c.kind }

func (c command) APDUs() ([]ledger.Apdu, error) {
	out := make([]ledger.Apdu, 0, len(c.p1s))
	for _, p1 := range c.p1s {
		out = append(out, apdu{0x80, c.ins, p1, 0x00, 0x01, 0xff})
	}
	return out, nil
}

func (c command) Decode(p []byte) (interface{}, error) {
	if c.decode != nil {
		return c.decode(p)
	}
	return p, nil
}

func signCommand(chunks int) command {
	p1s := []byte{0x00}
	for i := 1; i < chunks; i++ {
		p1s = append(p1s, 0x01)
	}
	p1s[len(p1s)-1] |= 0x80
	return command{kind: ledger.KindSignPayload, ins: insSign, p1s: p1s}
}

func addressCommand() command {
	return command{kind: ledger.KindGetAddress, ins: insAddress, p1s: []byte{0x00}}
}

// signer acks every sign APDU but the last, which gets a signature, and
// answers address requests with a short key.
func signer(apdu []byte) []byte {
	switch apdu[1] {
	case insSign:
		if apdu[2]&0x80 != 0 {
			return ledgertest.OK(0x5a, 0x5a, 0x5a)
		}
		return ledgertest.OK()
	case insAddress:
		return ledgertest.OK(0x02, 0xaa, 0xbb)
	}
	return ledgertest.Status(0x6d00)
}

type recorder struct {
	mu     sync.Mutex
	events []bool
}

func (r *recorder) record(connected bool) {
	r.mu.Lock()
	r.events = append(r.events, connected)
	r.mu.Unlock()
}

func (r *recorder) get() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool{}, r.events...)
}

func newSession(t *testing.T, dev *ledgertest.Device, opts ...ledger.Option) (*ledger.Ledger, *test.Hook) {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	l := ledger.New(dev, append([]ledger.Option{ledger.WithLogger(logger)}, opts...)...)
	t.Cleanup(l.Close)
	return l, hook
}

func connected(t *testing.T, dev *ledgertest.Device, opts ...ledger.Option) *ledger.Ledger {
	t.Helper()
	l, _ := newSession(t, dev, opts...)
	require.NoError(t, l.Connect(context.Background(), dev.ID()))
	require.Equal(t, ledger.Ready, l.State())
	return l
}

func kindOf(t *testing.T, err error) ledger.ErrorKind {
	t.Helper()
	var pe *ledger.ProtocolError
	require.True(t, errors.As(err, &pe), "not a protocol error: %v", err)
	return pe.Kind()
}

type outcome struct {
	value interface{}
	err   error
}

func exchangeAsync(ctx context.Context, l *ledger.Ledger, cmd ledger.Command) <-chan outcome {
	ch := make(chan outcome, 1)
	go func() {
		v, err := l.Exchange(ctx, cmd)
		ch <- outcome{v, err}
	}()
	return ch
}

func receive(t *testing.T, ch <-chan outcome) outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(waitFor):
		t.Fatal("exchange did not resolve")
	}
	return outcome{}
}

func TestConnect(t *testing.T) {

	dev := ledgertest.New()
	l, hook := newSession(t, dev)

	rec := &recorder{}
	l.OnConnectionChange(rec.record)

	assert.Equal(t, ledger.Disconnected, l.State())
	require.NoError(t, l.Connect(context.Background(), dev.ID()))
	assert.Equal(t, ledger.Ready, l.State())
	assert.Equal(t, []bool{true}, rec.get())

	// Connecting to the ready device again is a no-op
	require.NoError(t, l.Connect(context.Background(), dev.ID()))
	assert.Equal(t, 1, dev.Connects())
	assert.Equal(t, []bool{true}, rec.get())

	found := false
	for _, e := range hook.AllEntries() {
		if e.Message == "Ledger connected" {
			found = true
			assert.Equal(t, dev.ID(), e.Data["device"])
		}
	}
	assert.True(t, found)

	require.NoError(t, l.Disconnect())
	assert.Equal(t, ledger.Disconnected, l.State())
	assert.Equal(t, []bool{true, false}, rec.get())
}

func TestConnectUnknownDevice(t *testing.T) {

	l, _ := newSession(t, ledgertest.New())

	err := l.Connect(context.Background(), "00:00:00:00:00:00")
	var te *ledger.TransportError
	require.True(t, errors.As(err, &te), "%v", err)
	assert.True(t, errors.Is(err, ledger.ErrDeviceNotFound))
	assert.Equal(t, ledger.Disconnected, l.State())
}

func TestConnectFailed(t *testing.T) {

	dev := ledgertest.New(ledgertest.FailConnect(errors.New("adapter busy")))
	l, _ := newSession(t, dev)

	rec := &recorder{}
	l.OnConnectionChange(rec.record)

	err := l.Connect(context.Background(), dev.ID())
	var te *ledger.TransportError
	require.True(t, errors.As(err, &te), "%v", err)
	assert.Equal(t, "connect", te.Op)
	assert.Contains(t, err.Error(), "adapter busy")

	assert.Equal(t, ledger.Disconnected, l.State())
	assert.Equal(t, []bool{false}, rec.get())
	assert.Zero(t, dev.Connects())

	_, err = l.Exchange(context.Background(), addressCommand())
	assert.Equal(t, ledger.KindNotConnected, kindOf(t, err))
}

func TestConnectMissingCharacteristic(t *testing.T) {

	for _, uuid := range []string{ledger.WriteUUID, ledger.NotifyUUID} {
		dev := ledgertest.New(ledgertest.WithoutCharacteristic(uuid))
		l, _ := newSession(t, dev)

		rec := &recorder{}
		l.OnConnectionChange(rec.record)

		err := l.Connect(context.Background(), dev.ID())
		assert.True(t, errors.Is(err, ledger.ErrCharacteristicUnavailable), "%v", err)
		assert.Equal(t, ledger.Disconnected, l.State())
		assert.Equal(t, []bool{false}, rec.get())
	}
}

func TestExchangeNotConnected(t *testing.T) {

	l, _ := newSession(t, ledgertest.New())

	_, err := l.Exchange(context.Background(), addressCommand())
	assert.Equal(t, ledger.KindNotConnected, kindOf(t, err))
	assert.True(t, errors.Is(err, ledger.ErrNotConnected))
}

func TestExchangeSignChunks(t *testing.T) {

	dev := ledgertest.New(ledgertest.WithHandler(signer))
	l := connected(t, dev)

	var mu sync.Mutex
	var partial []ledger.RequestKind
	l.OnPartialSuccess(func(kind ledger.RequestKind) {
		mu.Lock()
		partial = append(partial, kind)
		mu.Unlock()
	})

	v, err := l.Exchange(context.Background(), signCommand(5))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x5a, 0x5a, 0x5a}, v)
	assert.Equal(t, 5, dev.APDUCount())
	assert.False(t, l.Busy())

	mu.Lock()
	assert.Equal(t, []ledger.RequestKind{ledger.KindSignPayload}, partial)
	mu.Unlock()

	// APDUs go out in order
	for i, a := range dev.APDUs() {
		want := byte(0x01)
		switch i {
		case 0:
			want = 0x00
		case 4:
			want = 0x81
		}
		assert.Equal(t, want, a[2], "apdu %d", i)
	}
}

func TestExchangeBusy(t *testing.T) {

	dev := ledgertest.New(ledgertest.WithHandler(func([]byte) []byte { return nil }))
	l := connected(t, dev)

	first := exchangeAsync(context.Background(), l, addressCommand())
	require.Eventually(t, func() bool { return dev.APDUCount() == 1 && l.Busy() }, waitFor, tick)

	_, err := l.Exchange(context.Background(), signCommand(2))
	assert.Equal(t, ledger.KindBusy, kindOf(t, err))
	assert.True(t, errors.Is(err, ledger.ErrBusy))

	// The rejected request sent nothing and left the first one alone
	assert.Equal(t, 1, dev.APDUCount())
	assert.True(t, l.Busy())

	require.NoError(t, dev.Respond(ledgertest.OK(0x01, 0x02, 0x03)))
	o := receive(t, first)
	require.NoError(t, o.err)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, o.value)
	assert.False(t, l.Busy())
}

func TestExchangeLinkDropped(t *testing.T) {

	dev := ledgertest.New(ledgertest.WithHandler(signer), ledgertest.DropAfter(2))
	l := connected(t, dev)

	rec := &recorder{}
	l.OnConnectionChange(rec.record)

	_, err := l.Exchange(context.Background(), signCommand(5))
	assert.Equal(t, ledger.KindTransport, kindOf(t, err))
	assert.True(t, errors.Is(err, ledger.ErrConnectionLost), "%v", err)

	assert.Equal(t, 2, dev.APDUCount())
	assert.Equal(t, ledger.Disconnected, l.State())
	assert.False(t, l.Busy())
	assert.Equal(t, []bool{false}, rec.get())

	_, err = l.Exchange(context.Background(), addressCommand())
	assert.Equal(t, ledger.KindNotConnected, kindOf(t, err))
}

func TestExchangeWriteFailed(t *testing.T) {

	dev := ledgertest.New(ledgertest.WithHandler(signer))
	l := connected(t, dev)

	rec := &recorder{}
	l.OnConnectionChange(rec.record)

	// The link goes away without the platform saying so
	dev.Sever()

	_, err := l.Exchange(context.Background(), addressCommand())
	assert.Equal(t, ledger.KindTransport, kindOf(t, err))
	assert.True(t, errors.Is(err, ledger.ErrConnectionLost), "%v", err)

	var te *ledger.TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "write", te.Op)

	assert.Equal(t, ledger.Disconnected, l.State())
	assert.False(t, l.Busy())
	assert.Equal(t, []bool{false}, rec.get())
	assert.Zero(t, dev.APDUCount())
}

func TestCancelThenGetAddress(t *testing.T) {

	// Ack the path, then hold the first data chunk
	dev := ledgertest.New(ledgertest.WithHandler(func(a []byte) []byte {
		if a[1] == insSign && a[2] != 0x00 {
			return nil
		}
		return signer(a)
	}))
	l := connected(t, dev)

	pending := exchangeAsync(context.Background(), l, signCommand(3))
	require.Eventually(t, func() bool { return dev.APDUCount() == 2 }, waitFor, tick)

	assert.True(t, l.Cancel())
	o := receive(t, pending)
	assert.Equal(t, ledger.KindCancelled, kindOf(t, o.err))
	assert.True(t, errors.Is(o.err, ledger.ErrCancelled))
	assert.False(t, l.Busy())
	assert.False(t, l.Cancel())

	// The device answers the abandoned chunk late; nobody is listening
	require.NoError(t, dev.Respond(ledgertest.OK(0xde, 0xad, 0xbe, 0xef)))

	v, err := l.Exchange(context.Background(), addressCommand())
	require.NoError(t, err)
	assert.Equal(t, []byte{0x02, 0xaa, 0xbb}, v)
	assert.Equal(t, ledger.Ready, l.State())
	assert.Equal(t, 3, dev.APDUCount())
}

func TestLateResponseAfterCancel(t *testing.T) {

	dev := ledgertest.New(ledgertest.WithHandler(func([]byte) []byte { return nil }))
	l := connected(t, dev)

	first := exchangeAsync(context.Background(), l, signCommand(1))
	require.Eventually(t, func() bool { return dev.APDUCount() == 1 }, waitFor, tick)
	assert.True(t, l.Cancel())
	assert.Equal(t, ledger.KindCancelled, kindOf(t, receive(t, first).err))

	second := exchangeAsync(context.Background(), l, signCommand(3))
	require.Eventually(t, func() bool { return dev.APDUCount() == 2 }, waitFor, tick)

	// The signature for the cancelled request arrives while the second
	// request waits for its first ack
	require.NoError(t, dev.Respond(ledgertest.OK(0xaa, 0xaa, 0xaa, 0xaa)))

	require.NoError(t, dev.Respond(ledgertest.OK()))
	require.Eventually(t, func() bool { return dev.APDUCount() == 3 }, waitFor, tick)
	require.NoError(t, dev.Respond(ledgertest.OK()))
	require.Eventually(t, func() bool { return dev.APDUCount() == 4 }, waitFor, tick)
	require.NoError(t, dev.Respond(ledgertest.OK(0x5a, 0x5a, 0x5a)))

	o := receive(t, second)
	require.NoError(t, o.err)
	assert.Equal(t, []byte{0x5a, 0x5a, 0x5a}, o.value)
	assert.False(t, l.Busy())
}

func TestContextCancel(t *testing.T) {

	dev := ledgertest.New(ledgertest.WithHandler(func([]byte) []byte { return nil }))
	l := connected(t, dev)

	ctx, cancel := context.WithCancel(context.Background())
	pending := exchangeAsync(ctx, l, addressCommand())
	require.Eventually(t, l.Busy, waitFor, tick)

	cancel()
	o := receive(t, pending)
	assert.Equal(t, ledger.KindCancelled, kindOf(t, o.err))
	assert.False(t, l.Busy())
	assert.Equal(t, ledger.Ready, l.State())
}

func TestExchangeTimeout(t *testing.T) {

	hold := true
	var mu sync.Mutex
	dev := ledgertest.New(ledgertest.WithHandler(func(a []byte) []byte {
		mu.Lock()
		defer mu.Unlock()
		if hold {
			return nil
		}
		return signer(a)
	}))
	l := connected(t, dev, ledger.WithAddressTimeout(50*time.Millisecond))

	_, err := l.Exchange(context.Background(), addressCommand())
	assert.Equal(t, ledger.KindTimeout, kindOf(t, err))
	assert.True(t, errors.Is(err, ledger.ErrTimeout))
	assert.Equal(t, ledger.Ready, l.State())

	mu.Lock()
	hold = false
	mu.Unlock()

	// The answer to the expired request comes in late and is dropped
	require.NoError(t, dev.Respond(ledgertest.OK(0xde, 0xad)))

	v, err := l.Exchange(context.Background(), addressCommand())
	require.NoError(t, err)
	assert.Equal(t, []byte{0x02, 0xaa, 0xbb}, v)
}

func TestContextDeadline(t *testing.T) {

	dev := ledgertest.New(ledgertest.WithHandler(func([]byte) []byte { return nil }))
	l := connected(t, dev)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := l.Exchange(ctx, addressCommand())
	assert.Equal(t, ledger.KindTimeout, kindOf(t, err))
	assert.True(t, errors.Is(err, ledger.ErrTimeout))
	assert.False(t, l.Busy())
	assert.Equal(t, ledger.Ready, l.State())
}

func TestExchangeStatusError(t *testing.T) {

	dev := ledgertest.New(ledgertest.WithHandler(func(a []byte) []byte {
		if a[2] == 0x00 {
			return ledgertest.OK()
		}
		return ledgertest.Status(0x6985)
	}))
	l := connected(t, dev)

	_, err := l.Exchange(context.Background(), signCommand(3))
	assert.Equal(t, ledger.KindUserRejected, kindOf(t, err))

	var sce *ledger.StatusCodeError
	require.True(t, errors.As(err, &sce))
	assert.Equal(t, uint16(0x6985), sce.Code)

	// Nothing is sent after an error status
	assert.Equal(t, 2, dev.APDUCount())
	assert.Equal(t, ledger.Ready, l.State())
}

func TestExchangeDecodeError(t *testing.T) {

	dev := ledgertest.New(ledgertest.WithHandler(signer))
	l := connected(t, dev)

	cmd := addressCommand()
	cmd.decode = func(p []byte) (interface{}, error) {
		return nil, errors.New("unexpected key")
	}

	_, err := l.Exchange(context.Background(), cmd)
	assert.Equal(t, ledger.KindUnknown, kindOf(t, err))

	var de *ledger.DecodeError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, []byte{0x02, 0xaa, 0xbb}, de.Payload)
	assert.Equal(t, ledger.Ready, l.State())
}

func TestUnsolicitedFrames(t *testing.T) {

	hold := true
	var mu sync.Mutex
	dev := ledgertest.New(ledgertest.WithHandler(func(a []byte) []byte {
		mu.Lock()
		defer mu.Unlock()
		if hold {
			return nil
		}
		return signer(a)
	}))
	l := connected(t, dev)

	// Idle frames are dropped, even malformed ones
	require.NoError(t, dev.Notify([]byte{0x05, 0x00, 0x00, 0x00, 0x02, 0x90, 0x00}))
	require.NoError(t, dev.Notify([]byte{0x07}))

	// A malformed frame while a request is live fails it
	pending := exchangeAsync(context.Background(), l, addressCommand())
	require.Eventually(t, l.Busy, waitFor, tick)
	require.NoError(t, dev.Notify([]byte{0x07, 0x00, 0x00, 0x00, 0x00}))

	o := receive(t, pending)
	var de *ledger.DecodeError
	assert.True(t, errors.As(o.err, &de), "%v", o.err)

	mu.Lock()
	hold = false
	mu.Unlock()

	v, err := l.Exchange(context.Background(), addressCommand())
	require.NoError(t, err)
	assert.Equal(t, []byte{0x02, 0xaa, 0xbb}, v)
}

func TestExchangeOverHID(t *testing.T) {

	long := make([]byte, 300)
	for i := range long {
		long[i] = byte(i)
	}

	dev := ledgertest.New(
		ledgertest.WithFramer(ledger.HIDFramer),
		ledgertest.WithHandler(func([]byte) []byte { return ledgertest.OK(long...) }),
	)
	l := connected(t, dev)

	v, err := l.Exchange(context.Background(), addressCommand())
	require.NoError(t, err)
	assert.Equal(t, long, v)
}

func TestListenForDevices(t *testing.T) {

	other := ledger.Peripheral{ID: "C1:5A:7E:00:00:02", Name: "Nano X 3C4D"}
	dev := ledgertest.New(ledgertest.WithAdvertisements(
		ledger.Peripheral{ID: ledgertest.DefaultID, Name: ledgertest.DefaultName},
		other,
		other,
	))
	l, _ := newSession(t, dev)

	ch, err := l.ListenForDevices()
	require.NoError(t, err)
	assert.Equal(t, ledger.Scanning, l.State())

	want := map[string]string{ledgertest.DefaultID: ledgertest.DefaultName, other.ID: other.Name}

	var latest map[string]string
	require.Eventually(t, func() bool {
		select {
		case snap := <-ch:
			latest = snap
		default:
		}
		return len(latest) == len(want)
	}, waitFor, tick)
	assert.Equal(t, want, latest)
	assert.Equal(t, want, l.Devices())

	l.StopListening()
	assert.Equal(t, ledger.Disconnected, l.State())
	for range ch {
		// Drains a snapshot published before the stop; ends when closed
	}

	// Connecting picks a device from the list
	require.NoError(t, l.Connect(context.Background(), ledgertest.DefaultID))
	assert.Equal(t, ledger.Ready, l.State())

	// Scanning is refused while connected
	_, err = l.ListenForDevices()
	assert.True(t, errors.Is(err, ledger.ErrInvalidState))
}

func TestConnectStopsScan(t *testing.T) {

	dev := ledgertest.New()
	l, _ := newSession(t, dev)

	ch, err := l.ListenForDevices()
	require.NoError(t, err)

	require.NoError(t, l.Connect(context.Background(), dev.ID()))
	assert.Equal(t, ledger.Ready, l.State())

	// The listener is closed by the scan stopping
	require.Eventually(t, func() bool {
		select {
		case _, open := <-ch:
			return !open
		default:
			return false
		}
	}, waitFor, tick)
}

func TestClose(t *testing.T) {

	dev := ledgertest.New(ledgertest.WithHandler(func([]byte) []byte { return nil }))
	l, _ := newSession(t, dev)
	require.NoError(t, l.Connect(context.Background(), dev.ID()))

	pending := exchangeAsync(context.Background(), l, addressCommand())
	require.Eventually(t, l.Busy, waitFor, tick)

	l.Close()

	o := receive(t, pending)
	assert.True(t, errors.Is(o.err, ledger.ErrClosed), "%v", o.err)

	_, err := l.Exchange(context.Background(), addressCommand())
	assert.True(t, errors.Is(err, ledger.ErrClosed))
	assert.Error(t, l.Connect(context.Background(), dev.ID()))
}
