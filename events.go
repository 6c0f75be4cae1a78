package ledger

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// event is anything delivered to the session mailbox.
type event interface{}

type (
	evScanStart struct{ reply chan error }
	evScanStop  struct{ reply chan error }
	evListen    struct {
		ch    chan map[string]string
		reply chan error
	}
	evDevices    struct{ reply chan map[string]string }
	evDiscovered struct {
		scanGen uint64
		p       Peripheral
	}
	evScanEnded struct {
		scanGen uint64
		err     error
	}

	evConnect struct {
		id    string
		reply chan error
	}
	evLinkUp struct {
		gen  uint64
		conn Connection
		err  error
	}
	evLinkReady struct {
		gen   uint64
		write Characteristic
		err   error
	}
	evLinkLost struct {
		gen uint64
		err error
	}
	evDisconnect struct{ reply chan error }

	evExchange struct {
		id    uint64
		cmd   Command
		reply chan result
	}
	evFrame struct {
		gen   uint64
		frame []byte
	}
	evWriteFailed struct {
		gen   uint64
		reqID uint64
		err   error
	}
	evCancel struct {
		id     uint64 // zero cancels whatever is in flight
		reason error  // defaults to ErrCancelled
		reply  chan bool
	}
	evTimeout struct{ id uint64 }
)

func (l *Ledger) handle(ev event) {
	switch e := ev.(type) {
	case evScanStart:
		e.reply <- l.startScan()
	case evScanStop:
		l.stopScan()
		e.reply <- nil
	case evListen:
		l.handleListen(e)
	case evDevices:
		snap := make(map[string]string, len(l.devices))
		for k, v := range l.devices {
			snap[k] = v
		}
		e.reply <- snap
	case evDiscovered:
		l.handleDiscovered(e)
	case evScanEnded:
		l.handleScanEnded(e)
	case evConnect:
		l.handleConnect(e)
	case evLinkUp:
		l.handleLinkUp(e)
	case evLinkReady:
		l.handleLinkReady(e)
	case evLinkLost:
		l.handleLinkLost(e)
	case evDisconnect:
		l.handleDisconnect(e)
	case evExchange:
		l.handleExchange(e)
	case evFrame:
		l.handleFrame(e)
	case evWriteFailed:
		l.handleWriteFailed(e)
	case evCancel:
		l.handleCancel(e)
	case evTimeout:
		if l.req != nil && l.req.id == e.id {
			l.log.WithField("request", e.id).Warn("Request timed out")
			l.abandon(l.req, ErrTimeout)
		}
	default:
		l.log.Errorf("Unhandled session event %T", ev)
	}
}

//
// Discovery
//

func (l *Ledger) startScan() error {

	if l.state == Scanning {
		return nil
	}
	if l.state != Disconnected {
		return errors.Wrapf(ErrInvalidState, "can't scan while %s", l.state)
	}

	l.scanGen++
	gen := l.scanGen
	ctx, cancel := context.WithCancel(context.Background())
	l.scanCancel = cancel
	l.devices = make(map[string]string)
	l.setState(Scanning)

	go func() {
		err := l.transport.Scan(ctx, ServiceUUID, func(p Peripheral) {
			l.post(evDiscovered{scanGen: gen, p: p})
		})
		l.post(evScanEnded{scanGen: gen, err: err})
	}()

	return nil
}

func (l *Ledger) stopScan() {

	if l.scanCancel != nil {
		l.scanCancel()
		l.scanCancel = nil
		l.scanGen++
	}
	if l.state == Scanning {
		l.setState(Disconnected)
	}
	for _, ch := range l.deviceSubs {
		close(ch)
	}
	l.deviceSubs = nil
}

func (l *Ledger) handleListen(e evListen) {
	if err := l.startScan(); err != nil {
		e.reply <- err
		return
	}
	l.deviceSubs = append(l.deviceSubs, e.ch)
	if len(l.devices) > 0 {
		publishLatest(e.ch, l.snapshotDevices())
	}
	e.reply <- nil
}

func (l *Ledger) handleDiscovered(e evDiscovered) {

	if e.scanGen != l.scanGen {
		return
	}
	if name, seen := l.devices[e.p.ID]; seen && name == e.p.Name {
		return
	}

	l.log.WithFields(log.Fields{"device": e.p.ID, "name": e.p.Name}).Debug("Discovered device")
	l.devices[e.p.ID] = e.p.Name

	snap := l.snapshotDevices()
	for _, ch := range l.deviceSubs {
		publishLatest(ch, snap)
	}
}

func (l *Ledger) handleScanEnded(e evScanEnded) {

	if e.scanGen != l.scanGen {
		return
	}
	if e.err != nil && !errors.Is(e.err, context.Canceled) {
		l.log.WithError(e.err).Warn("Scan failed")
	}
	l.scanCancel = nil
	l.stopScan()
}

func (l *Ledger) snapshotDevices() map[string]string {
	snap := make(map[string]string, len(l.devices))
	for k, v := range l.devices {
		snap[k] = v
	}
	return snap
}

// publishLatest replaces any unread snapshot. Only the session goroutine
// sends on ch, so the second send can't block.
func publishLatest(ch chan map[string]string, snap map[string]string) {
	select {
	case ch <- snap:
	default:
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}

//
// Connection lifecycle
//

func (l *Ledger) handleConnect(e evConnect) {

	switch {
	case l.state == Ready && l.target == e.id:
		e.reply <- nil
		return
	case (l.state == Connecting || l.state == DiscoveringServices) && l.target == e.id:
		l.pending = append(l.pending, e.reply)
		return
	}

	l.stopScan()
	if conn := l.teardown(transportError("connect", errors.Wrap(ErrConnectionLost, "superseded by a new connection"))); conn != nil {
		go conn.Disconnect()
	}

	gen := l.gen
	ctx, cancel := context.WithCancel(context.Background())
	l.connCtx, l.connCancel = ctx, cancel
	l.target = e.id
	l.pending = []chan error{e.reply}
	l.setState(Connecting)

	l.log.WithFields(log.Fields{"device": e.id}).Debug("Connecting")

	go func() {
		attempt, done := context.WithTimeout(ctx, l.cfg.ConnectTimeout)
		defer done()

		conn, err := l.transport.Connect(attempt, e.id, func(err error) {
			l.post(evLinkLost{gen: gen, err: err})
		})
		if !l.post(evLinkUp{gen: gen, conn: conn, err: err}) && conn != nil {
			conn.Disconnect()
		}
	}()
}

func (l *Ledger) handleLinkUp(e evLinkUp) {

	if e.gen != l.gen {
		if e.conn != nil {
			go e.conn.Disconnect()
		}
		return
	}
	if e.err != nil {
		l.connectFailed(transportError("connect", e.err))
		return
	}

	l.conn = e.conn
	l.setState(DiscoveringServices)

	gen := l.gen
	conn := e.conn
	ctx := l.connCtx

	go func() {
		attempt, done := context.WithTimeout(ctx, l.cfg.ConnectTimeout)
		defer done()

		write, err := l.discover(attempt, conn, gen)
		l.post(evLinkReady{gen: gen, write: write, err: err})
	}()
}

// discover finds the write and notify characteristics and subscribes to
// notifications. It runs off the session goroutine.
func (l *Ledger) discover(ctx context.Context, conn Connection, gen uint64) (Characteristic, error) {

	chars, err := conn.Characteristics(ctx, ServiceUUID)
	if err != nil {
		return nil, transportError("discover", err)
	}

	write := findCharacteristic(chars, WriteUUID)
	if write == nil {
		return nil, transportError("discover", errors.Wrapf(ErrCharacteristicUnavailable, "write %s", WriteUUID))
	}
	notify := findCharacteristic(chars, NotifyUUID)
	if notify == nil {
		return nil, transportError("discover", errors.Wrapf(ErrCharacteristicUnavailable, "notify %s", NotifyUUID))
	}

	err = notify.Subscribe(func(b []byte) {
		frame := make([]byte, len(b))
		copy(frame, b)
		l.post(evFrame{gen: gen, frame: frame})
	})
	if err != nil {
		return nil, transportError("subscribe", err)
	}

	return write, nil
}

func (l *Ledger) handleLinkReady(e evLinkReady) {

	if e.gen != l.gen {
		return
	}
	if e.err != nil {
		l.connectFailed(e.err)
		return
	}

	l.writes = make(chan writeJob, 16)
	go l.writeLoop(l.connCtx, l.gen, e.write, l.writes)

	l.setState(Ready)
	l.log.WithFields(log.Fields{"device": l.target}).Info("Ledger connected")
	l.notifyConnection(true)

	for _, p := range l.pending {
		p <- nil
	}
	l.pending = nil
}

func (l *Ledger) connectFailed(err error) {
	l.log.WithFields(log.Fields{"device": l.target}).WithError(err).Warn("Connection failed")
	if conn := l.teardown(err); conn != nil {
		go conn.Disconnect()
	}
}

func (l *Ledger) handleLinkLost(e evLinkLost) {

	if e.gen != l.gen {
		return
	}

	cause := ErrConnectionLost
	if e.err != nil {
		cause = errors.Wrap(ErrConnectionLost, e.err.Error())
	}
	l.log.WithFields(log.Fields{"device": l.target}).WithError(e.err).Warn("Link lost")

	if conn := l.teardown(transportError("link", cause)); conn != nil {
		go conn.Disconnect()
	}
}

func (l *Ledger) handleDisconnect(e evDisconnect) {

	l.stopScan()
	conn := l.teardown(transportError("disconnect", ErrConnectionLost))
	if conn == nil {
		e.reply <- nil
		return
	}

	go func() {
		e.reply <- conn.Disconnect()
	}()
}

//
// Requests
//

func (l *Ledger) handleExchange(e evExchange) {

	op := string(e.cmd.Kind())

	if l.state != Ready {
		e.reply <- result{err: &ProtocolError{Op: op, Err: ErrNotConnected}}
		return
	}
	if l.req != nil {
		e.reply <- result{err: &ProtocolError{Op: op, Err: ErrBusy}}
		return
	}

	chunks, err := l.codec.Encode(e.cmd)
	if err != nil {
		e.reply <- result{err: &ProtocolError{Op: op, Err: err}}
		return
	}

	req := &request{
		id:      e.id,
		cmd:     e.cmd,
		chunks:  chunks,
		started: time.Now(),
		reply:   e.reply,
	}
	req.timer = time.AfterFunc(l.cfg.timeoutFor(e.cmd.Kind()), func() {
		l.post(evTimeout{id: req.id})
	})

	if l.orphans == 0 {
		l.codec.Reset()
	}
	l.req = req
	l.busy.Store(true)

	l.log.WithFields(log.Fields{"request": req.id, "kind": op, "chunks": len(chunks)}).Debug("Request started")

	l.sendNext(req)
}

// sendNext queues the next chunk. The writer never holds more than one chunk
// of the live request because the next is only queued after a response.
func (l *Ledger) sendNext(req *request) {

	chunk := req.chunks[req.next]
	req.next++
	req.awaiting = true

	select {
	case l.writes <- writeJob{reqID: req.id, chunk: chunk}:
	default:
		l.resolve(req, nil, transportError("write", errors.Wrap(ErrWriteRejected, "write queue full")))
	}
}

func (l *Ledger) writeLoop(ctx context.Context, gen uint64, c Characteristic, jobs <-chan writeJob) {

	for job := range jobs {
		for i, frame := range job.chunk.Frames {

			wctx, cancel := context.WithTimeout(ctx, l.cfg.WriteTimeout)
			err := c.Write(wctx, frame)
			cancel()

			if err != nil {
				l.post(evWriteFailed{gen: gen, reqID: job.reqID, err: err})
				return
			}

			l.log.WithFields(log.Fields{
				"request": job.reqID, "chunk": job.chunk.Index, "frame": i, "bytes": len(frame),
			}).Debug("Frame written")
		}
	}
}

func (l *Ledger) handleWriteFailed(e evWriteFailed) {

	if e.gen != l.gen {
		return
	}

	l.log.WithFields(log.Fields{"request": e.reqID}).WithError(e.err).Warn("Write failed")

	if conn := l.teardown(transportError("write", errors.Wrap(ErrConnectionLost, e.err.Error()))); conn != nil {
		go conn.Disconnect()
	}
}

func (l *Ledger) handleFrame(e evFrame) {

	if e.gen != l.gen {
		return
	}

	if l.orphans > 0 {
		l.drainOrphan(e.frame)
		return
	}

	req := l.req
	if req == nil {
		l.log.WithField("bytes", len(e.frame)).Debug("Discarding frame with no request in flight")
		return
	}

	out, err := l.codec.Ingest(e.frame)
	if err != nil {
		l.resolve(req, nil, &DecodeError{Reason: "malformed frame: " + err.Error(), Payload: e.frame})
		return
	}

	l.log.WithFields(log.Fields{"request": req.id, "outcome": out.Kind, "status": StatusHex(out.Status)}).Debug("Frame received")

	switch out.Kind {
	case OutcomeIncomplete:

	case OutcomeAck:
		req.awaiting = false
		if !req.acked {
			req.acked = true
			l.notifyPartial(req.cmd.Kind())
		}
		if req.remaining() > 0 {
			l.sendNext(req)
			return
		}
		l.log.WithField("request", req.id).Debug("All chunks acknowledged, waiting for device")

	case OutcomeError:
		l.resolve(req, nil, NewStatusCodeError(out.Status))

	case OutcomePayload:
		value, err := req.cmd.Decode(out.Payload)
		if err != nil {
			var de *DecodeError
			if !errors.As(err, &de) {
				err = &DecodeError{Reason: err.Error(), Payload: out.Payload}
			}
			l.resolve(req, nil, err)
			return
		}
		l.resolve(req, value, nil)
	}
}

func (l *Ledger) handleCancel(e evCancel) {

	reason := e.reason
	if reason == nil {
		reason = ErrCancelled
	}

	cancelled := false
	if l.req != nil && (e.id == 0 || e.id == l.req.id) {
		l.log.WithField("request", l.req.id).Debug("Request cancelled")
		l.abandon(l.req, reason)
		cancelled = true
	}

	if e.reply != nil {
		e.reply <- cancelled
	}
}

// drainOrphan feeds a frame into the response owed to an abandoned request.
// The device answers in order, so that response precedes any answer to the
// live request.
func (l *Ledger) drainOrphan(frame []byte) {

	out, err := l.codec.Ingest(frame)
	if err != nil {
		l.log.WithError(err).Debug("Discarding malformed frame of an abandoned request")
		return
	}
	if out.Kind == OutcomeIncomplete {
		return
	}

	l.orphans--
	l.log.WithFields(log.Fields{"outcome": out.Kind, "status": StatusHex(out.Status), "owed": l.orphans}).Debug("Discarded late response to an abandoned request")
}
