package rpc

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"tokensync/internal/packetlog"
	"tokensync/internal/wire"
)

// ResultFunc receives a reply's data, or a nil payload and one of ErrCallTimeout,
// ErrCallCanceled or ErrClosed. It runs exactly once per successful Call.
type ResultFunc func(data json.RawMessage, err error)

// Handler receives push frames for a registered opcode.
type Handler func(opcode string, data json.RawMessage)

// Conn is the subset of *websocket.Conn the channel uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type Options struct {
	// CallTimeout bounds every Call. Zero leaves calls pending until teardown.
	CallTimeout      time.Duration
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration

	// Peer labels log lines and telemetry (defaults to the dialed endpoint).
	Peer     string
	RunID    string
	FrameLog *packetlog.Logger

	// OnOpen runs on the loop once the channel is ready.
	OnOpen func()
	// OnClose runs on the loop after pending calls were failed.
	OnClose func(err error)
}

type Stats struct {
	Sent           uint64
	Received       uint64
	Calls          uint64
	Replies        uint64
	Timeouts       uint64
	ProtocolErrors uint64
	UnknownOpcodes uint64
}

type pendingCall struct {
	seq    uint64
	opcode string
	callID string
	cb     ResultFunc
	timer  *time.Timer
}

type Channel struct {
	conn Conn
	opts Options

	writeMu sync.Mutex

	mu       sync.Mutex
	nextID   uint64
	pending  map[string]*pendingCall // keyed by reply opcode
	handlers map[string]Handler

	loop      chan func()
	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
	connErr   error

	sent, received, calls, replies, timeouts, protocolErrors, unknownOpcodes atomic.Uint64
}

// NewChannel starts the read and dispatch loops over an established connection.
func NewChannel(conn Conn, opts Options) *Channel {
	c := &Channel{
		conn:     conn,
		opts:     opts,
		pending:  map[string]*pendingCall{},
		handlers: map[string]Handler{},
		loop:     make(chan func(), 256),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	go c.run()
	if opts.OnOpen != nil {
		c.post(opts.OnOpen)
	}
	go c.read()
	return c
}

// Send transmits a fire-and-forget frame.
func (c *Channel) Send(opcode string, args ...any) error {
	b, err := wire.EncodeRequest(opcode, "", args...)
	if err != nil {
		return err
	}
	return c.write(opcode, b)
}

// Call transmits a request and arranges for cb to receive its reply.
// A nil cb degrades to Send. When the write fails the error is returned and cb
// only runs if teardown had already claimed the call.
func (c *Channel) Call(opcode string, cb ResultFunc, args ...any) (string, error) {
	if cb == nil {
		return "", c.Send(opcode, args...)
	}
	if c.isClosed() {
		return "", ErrClosed
	}

	c.mu.Lock()
	c.nextID++
	seq := c.nextID
	c.mu.Unlock()

	callID := wire.CallID(opcode, seq)
	key := wire.ReplyOpcode(callID)
	b, err := wire.EncodeRequest(opcode, callID, args...)
	if err != nil {
		return "", err
	}

	p := &pendingCall{seq: seq, opcode: opcode, callID: callID, cb: cb}
	c.mu.Lock()
	c.pending[key] = p
	if c.opts.CallTimeout > 0 {
		p.timer = time.AfterFunc(c.opts.CallTimeout, func() {
			c.post(func() { c.expire(key, p) })
		})
	}
	c.mu.Unlock()

	if err := c.write(opcode, b); err != nil {
		c.take(key)
		return "", err
	}
	c.calls.Add(1)
	return callID, nil
}

// Cancel abandons a pending call. Its callback receives ErrCallCanceled.
func (c *Channel) Cancel(callID string) bool {
	p := c.take(wire.ReplyOpcode(callID))
	if p == nil {
		return false
	}
	if !c.post(func() { c.invoke(p, nil, ErrCallCanceled) }) {
		c.invoke(p, nil, ErrCallCanceled)
	}
	return true
}

// Handle registers h for pushes with opcode. A later registration replaces an earlier one.
func (c *Channel) Handle(opcode string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.handlers[opcode]; ok {
		slog.Debug("rpc handler replaced", "peer", c.opts.Peer, "opcode", opcode)
	}
	c.handlers[opcode] = h
}

func (c *Channel) Unhandle(opcode string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, opcode)
}

// Post schedules fn on the dispatch loop.
func (c *Channel) Post(fn func()) error {
	if !c.post(fn) {
		return ErrClosed
	}
	return nil
}

func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Channel) Stats() Stats {
	return Stats{
		Sent:           c.sent.Load(),
		Received:       c.received.Load(),
		Calls:          c.calls.Load(),
		Replies:        c.replies.Load(),
		Timeouts:       c.timeouts.Load(),
		ProtocolErrors: c.protocolErrors.Load(),
		UnknownOpcodes: c.unknownOpcodes.Load(),
	}
}

// Close tears the channel down. Done is closed once pending calls were failed.
func (c *Channel) Close() error {
	c.shutdown(nil)
	return c.closeErr
}

func (c *Channel) Done() <-chan struct{} { return c.done }

// Err reports the error that closed the channel, or nil for a local Close.
func (c *Channel) Err() error {
	select {
	case <-c.done:
		return c.connErr
	default:
		return nil
	}
}

func (c *Channel) isClosed() bool {
	select {
	case <-c.closing:
		return true
	default:
		return false
	}
}

func (c *Channel) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.connErr = cause
		close(c.closing)
		c.closeErr = c.conn.Close()
	})
}

func (c *Channel) post(fn func()) bool {
	if c.isClosed() {
		return false
	}
	select {
	case c.loop <- fn:
		return true
	case <-c.closing:
		return false
	}
}

func (c *Channel) run() {
	defer close(c.done)
	for {
		select {
		case fn := <-c.loop:
			c.safely("task", fn)
		case <-c.closing:
			c.drain()
			c.failPending()
			if c.opts.OnClose != nil {
				c.safely("close", func() { c.opts.OnClose(c.connErr) })
			}
			return
		}
	}
}

func (c *Channel) drain() {
	for {
		select {
		case fn := <-c.loop:
			c.safely("task", fn)
		default:
			return
		}
	}
}

func (c *Channel) read() {
	for {
		mt, b, err := c.conn.ReadMessage()
		if err != nil {
			if !c.isClosed() {
				slog.Error("rpc channel read failed", "peer", c.opts.Peer, "err", err)
			}
			c.shutdown(fmt.Errorf("read: %w", err))
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		c.received.Add(1)
		if !c.post(func() { c.dispatch(b) }) {
			return
		}
	}
}

func (c *Channel) write(opcode string, b []byte) error {
	if c.isClosed() {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.opts.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		// A websocket write deadline cannot be recovered from.
		c.shutdown(fmt.Errorf("write: %w", err))
		return fmt.Errorf("write %s: %w", opcode, err)
	}
	c.sent.Add(1)
	c.opts.FrameLog.Frame(c.opts.RunID, packetlog.DirOut, c.opts.Peer, opcode, len(b))
	slog.Debug("rpc frame out", "peer", c.opts.Peer, "opcode", opcode, "len", len(b))
	return nil
}

func (c *Channel) dispatch(b []byte) {
	msg, err := wire.Decode(b)
	if err != nil {
		c.protocolErrors.Add(1)
		slog.Warn("rpc protocol error", "peer", c.opts.Peer, "len", len(b), "err", err)
		return
	}
	c.opts.FrameLog.Frame(c.opts.RunID, packetlog.DirIn, c.opts.Peer, msg.Opcode, len(b))

	switch msg.Kind {
	case wire.KindReply:
		p := c.take(msg.Opcode)
		if p == nil {
			c.protocolErrors.Add(1)
			slog.Warn("rpc protocol error", "peer", c.opts.Peer, "opcode", msg.Opcode, "err", ErrNoPendingCall)
			return
		}
		c.replies.Add(1)
		c.invoke(p, msg.Data, nil)
	case wire.KindPush:
		c.mu.Lock()
		h := c.handlers[msg.Opcode]
		c.mu.Unlock()
		if h == nil {
			c.unknownOpcodes.Add(1)
			slog.Warn("rpc push dropped", "peer", c.opts.Peer, "opcode", msg.Opcode, "err", ErrUnknownOpcode)
			return
		}
		c.safely(msg.Opcode, func() { h(msg.Opcode, msg.Data) })
	}
}

func (c *Channel) take(key string) *pendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.pending[key]
	if p == nil {
		return nil
	}
	delete(c.pending, key)
	if p.timer != nil {
		p.timer.Stop()
	}
	return p
}

func (c *Channel) expire(key string, p *pendingCall) {
	c.mu.Lock()
	if c.pending[key] != p {
		// Already answered or canceled.
		c.mu.Unlock()
		return
	}
	delete(c.pending, key)
	c.mu.Unlock()

	c.timeouts.Add(1)
	slog.Warn("rpc call timed out", "peer", c.opts.Peer, "call_id", p.callID, "timeout", c.opts.CallTimeout)
	c.invoke(p, nil, ErrCallTimeout)
}

func (c *Channel) failPending() {
	c.mu.Lock()
	calls := make([]*pendingCall, 0, len(c.pending))
	for key, p := range c.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		calls = append(calls, p)
		delete(c.pending, key)
	}
	c.mu.Unlock()

	sort.Slice(calls, func(i, j int) bool { return calls[i].seq < calls[j].seq })
	for _, p := range calls {
		c.invoke(p, nil, ErrClosed)
	}
}

func (c *Channel) invoke(p *pendingCall, data json.RawMessage, err error) {
	c.safely(p.callID, func() { p.cb(data, err) })
}

func (c *Channel) safely(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("rpc callback panic", "peer", c.opts.Peer, "what", what, "panic", r)
		}
	}()
	fn()
}
