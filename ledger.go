package ledger

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Ledger is the session with one hardware device. There is exactly one
// platform connection per Ledger; construct it once with New and release it
// with Close.
//
// Every state transition happens on a single goroutine fed by a mailbox.
// Platform callbacks and results of blocking platform calls are posted to
// that mailbox, so connection state, the reassembly buffer and the in-flight
// request are never touched concurrently.
type Ledger struct {
	transport Transport
	cfg       Config
	log       log.FieldLogger

	mailbox   chan event
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	ids         atomic.Uint64
	stateMirror atomic.Int32
	busy        atomic.Bool

	mu               sync.Mutex
	connListeners    []func(connected bool)
	partialListeners []func(kind RequestKind)

	// Owned by run()
	state      State
	gen        uint64
	target     string
	conn       Connection
	connCtx    context.Context
	connCancel context.CancelFunc
	writes     chan writeJob
	pending    []chan error
	codec      *Codec
	req        *request
	orphans    int // responses still owed to abandoned requests
	scanGen    uint64
	scanCancel context.CancelFunc
	devices    map[string]string
	deviceSubs []chan map[string]string
}

type writeJob struct {
	reqID uint64
	chunk Chunk
}

// New creates a session over transport and starts its event loop.
func New(transport Transport, opts ...Option) *Ledger {

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	l := &Ledger{
		transport: transport,
		cfg:       cfg,
		log:       cfg.Logger,
		mailbox:   make(chan event, cfg.MailboxSize),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		codec:     NewCodec(transport.Framer()),
		devices:   make(map[string]string),
	}

	go l.run()

	return l
}

// Close tears down the connection, fails any pending work with ErrClosed and
// stops the event loop.
func (l *Ledger) Close() {
	l.closeOnce.Do(func() {
		close(l.quit)
	})
	<-l.done
}

// State returns the current connection state.
func (l *Ledger) State() State {
	return State(l.stateMirror.Load())
}

// Busy reports whether a request is in flight.
func (l *Ledger) Busy() bool {
	return l.busy.Load()
}

// OnConnectionChange registers fn to be told when the device becomes ready
// or is lost. fn runs on the session goroutine and must not block or call
// back into the Ledger.
func (l *Ledger) OnConnectionChange(fn func(connected bool)) {
	l.mu.Lock()
	l.connListeners = append(l.connListeners, fn)
	l.mu.Unlock()
}

// OnPartialSuccess registers fn to be told when the device has acknowledged
// the first chunk of a request and is waiting for more input or for the user.
// The notification is advisory; the request still resolves normally. The
// same restrictions as OnConnectionChange apply.
func (l *Ledger) OnPartialSuccess(fn func(kind RequestKind)) {
	l.mu.Lock()
	l.partialListeners = append(l.partialListeners, fn)
	l.mu.Unlock()
}

// StartScan begins discovery of devices advertising the Ledger service.
// It is only valid while disconnected.
func (l *Ledger) StartScan() error {
	reply := make(chan error, 1)
	if err := l.send(context.Background(), evScanStart{reply: reply}); err != nil {
		return err
	}
	return l.await(reply)
}

// StopScan ends discovery. Device list listeners are closed.
func (l *Ledger) StopScan() {
	reply := make(chan error, 1)
	if l.send(context.Background(), evScanStop{reply: reply}) == nil {
		_ = l.await(reply)
	}
}

// ListenForDevices starts scanning if needed and returns a channel of
// snapshots mapping device ID to display name. Only the latest snapshot is
// buffered. The channel is closed by StopListening, by StopScan, or when the
// scan ends.
func (l *Ledger) ListenForDevices() (<-chan map[string]string, error) {
	ch := make(chan map[string]string, 1)
	reply := make(chan error, 1)
	if err := l.send(context.Background(), evListen{ch: ch, reply: reply}); err != nil {
		return nil, err
	}
	if err := l.await(reply); err != nil {
		return nil, err
	}
	return ch, nil
}

// StopListening stops the scan started by ListenForDevices.
func (l *Ledger) StopListening() {
	l.StopScan()
}

// Devices returns the devices found by the current or last scan.
func (l *Ledger) Devices() map[string]string {
	reply := make(chan map[string]string, 1)
	if l.send(context.Background(), evDevices{reply: reply}) != nil {
		return nil
	}
	select {
	case m := <-reply:
		return m
	case <-l.done:
		return nil
	}
}

// Connect opens the device with the given ID and waits until it is ready.
// Connecting to the device that is already ready is a no-op. If ctx ends
// first Connect returns its error, but the attempt continues.
func (l *Ledger) Connect(ctx context.Context, id string) error {
	reply := make(chan error, 1)
	if err := l.send(ctx, evConnect{id: id, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrClosed
	}
}

// Disconnect tears down the platform connection. It always leaves the
// session Disconnected; an in-flight request fails with ErrConnectionLost.
func (l *Ledger) Disconnect() error {
	reply := make(chan error, 1)
	if err := l.send(context.Background(), evDisconnect{reply: reply}); err != nil {
		return err
	}
	return l.await(reply)
}

// Exchange runs cmd on the device and returns the decoded result. Only one
// Exchange may be in flight; a second one fails with ErrBusy. Cancelling ctx
// resolves the exchange with ErrCancelled, and a ctx deadline with
// ErrTimeout. All errors are *ProtocolError.
func (l *Ledger) Exchange(ctx context.Context, cmd Command) (interface{}, error) {

	id := l.ids.Add(1)
	reply := make(chan result, 1)
	op := string(cmd.Kind())

	if err := l.send(ctx, evExchange{id: id, cmd: cmd, reply: reply}); err != nil {
		return nil, &ProtocolError{Op: op, Err: contextError(err)}
	}

	select {
	case r := <-reply:
		return r.value, r.err
	case <-ctx.Done():
	case <-l.done:
		return nil, &ProtocolError{Op: op, Err: ErrClosed}
	}

	// The loop still owns the request; ask it to cancel and take whatever
	// resolution wins.
	_ = l.send(context.Background(), evCancel{id: id, reason: contextError(ctx.Err())})
	select {
	case r := <-reply:
		return r.value, r.err
	case <-l.done:
		return nil, &ProtocolError{Op: op, Err: ErrClosed}
	}
}

// Cancel resolves the in-flight request, if any, with ErrCancelled. Frames
// already written are not retracted; the device's answer to them is
// discarded.
func (l *Ledger) Cancel() bool {
	reply := make(chan bool, 1)
	if l.send(context.Background(), evCancel{reply: reply}) != nil {
		return false
	}
	select {
	case ok := <-reply:
		return ok
	case <-l.done:
		return false
	}
}

func contextError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	case errors.Is(err, context.Canceled):
		return ErrCancelled
	}
	return err
}

func (l *Ledger) send(ctx context.Context, ev event) error {
	select {
	case <-l.quit:
		return ErrClosed
	default:
	}
	select {
	case l.mailbox <- ev:
		return nil
	case <-l.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post is used by platform callbacks and helper goroutines. It reports
// false once the session is closed.
func (l *Ledger) post(ev event) bool {
	select {
	case l.mailbox <- ev:
		return true
	case <-l.quit:
		return false
	}
}

func (l *Ledger) await(reply chan error) error {
	select {
	case err := <-reply:
		return err
	case <-l.done:
		return ErrClosed
	}
}

func (l *Ledger) run() {
	defer close(l.done)

	for {
		select {
		case ev := <-l.mailbox:
			l.handle(ev)
		case <-l.quit:
			l.shutdown()
			return
		}
	}
}

func (l *Ledger) setState(s State) {
	if l.state == s {
		return
	}
	l.log.WithFields(log.Fields{"from": l.state, "to": s}).Debug("Session state")
	l.state = s
	l.stateMirror.Store(int32(s))
}

func (l *Ledger) notifyConnection(connected bool) {
	l.mu.Lock()
	listeners := append([]func(bool){}, l.connListeners...)
	l.mu.Unlock()

	for _, fn := range listeners {
		fn(connected)
	}
}

func (l *Ledger) notifyPartial(kind RequestKind) {
	l.mu.Lock()
	listeners := append([]func(RequestKind){}, l.partialListeners...)
	l.mu.Unlock()

	for _, fn := range listeners {
		fn(kind)
	}
}

func (l *Ledger) shutdown() {
	l.stopScan()
	if conn := l.teardown(ErrClosed); conn != nil {
		if err := conn.Disconnect(); err != nil {
			l.log.WithError(err).Debug("Disconnect on close")
		}
	}
	l.log.Debug("Session closed")
}

// teardown returns the session to Disconnected, failing the in-flight
// request and pending connects with reason. The caller decides how to
// dispose of the returned connection.
func (l *Ledger) teardown(reason error) Connection {

	l.gen++

	if l.connCancel != nil {
		l.connCancel()
		l.connCtx, l.connCancel = nil, nil
	}
	if l.writes != nil {
		close(l.writes)
		l.writes = nil
	}

	l.codec.Reset()
	l.orphans = 0

	conn := l.conn
	l.conn = nil

	wasLinked := l.state == Connecting || l.state == DiscoveringServices || l.state == Ready
	if l.state != Scanning {
		l.setState(Disconnected)
	}
	if wasLinked {
		l.log.WithFields(log.Fields{"device": l.target}).Info("Ledger disconnected")
		l.notifyConnection(false)
	}

	// Callers see the final state once they are released
	if l.req != nil {
		l.resolve(l.req, nil, reason)
	}
	for _, p := range l.pending {
		p <- reason
	}
	l.pending = nil

	return conn
}

// resolve delivers the terminal result of req exactly once and releases the
// single-flight slot.
func (l *Ledger) resolve(req *request, value interface{}, err error) {

	if l.req != req {
		return
	}

	req.timer.Stop()
	l.req = nil
	l.busy.Store(false)

	fields := log.Fields{
		"request": req.id,
		"kind":    req.cmd.Kind(),
		"elapsed": time.Since(req.started).Round(time.Millisecond),
	}

	if err != nil {
		pe := &ProtocolError{Op: string(req.cmd.Kind()), Err: err}
		l.log.WithFields(fields).WithField("error_kind", pe.Kind()).Debug("Request failed")
		req.reply <- result{err: pe}
		return
	}

	l.log.WithFields(fields).Debug("Request complete")
	req.reply <- result{value: value}
}

// abandon resolves req with err before the device has answered it. The
// device still owes a response to the chunk req last wrote; that response
// is discarded when it arrives instead of being read by the next request.
func (l *Ledger) abandon(req *request, err error) {

	if l.req != req {
		return
	}
	if req.awaiting {
		l.orphans++
	}
	l.resolve(req, nil, err)
}
