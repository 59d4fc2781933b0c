// Package conn implements spec §3/§4.6 Connection: a Socket plus the full
// stream filter chain, condition bookkeeping, the close-lock protocol, the
// starttls overlay splice, and flush-and-shutdown. It plays the role the
// teacher's client/server packages give to a raw net.Conn wrapped in KCP
// framing, but composes evdsocket.Socket and package stream instead.
package conn

import (
	"crypto/tls"
	"sync"
	"time"

	"github.com/evdance/evd/evderr"
	"github.com/evdance/evd/evdsocket"
	"github.com/evdance/evd/poller"
	"github.com/evdance/evd/promise"
	"github.com/evdance/evd/scheduler"
	"github.com/evdance/evd/stream"
	"github.com/evdance/evd/throttle"
)

// TLSMode selects which side of the handshake starttls drives.
type TLSMode int

const (
	TLSClient TLSMode = iota
	TLSServer
)

// Connection owns a Socket and the filter chain
// socketIn/Out -> throttledIn/Out -> [tlsIn/Out] -> bufferedIn/Out (spec
// §3/§4.6). It is not safe for concurrent use from more than one goroutine
// at a time except where noted (lock_close/unlock_close).
type Connection struct {
	mu sync.Mutex

	sock *evdsocket.Socket
	ctx  *scheduler.Context

	group *Group

	socketIn  *stream.SocketInputStream
	socketOut *stream.SocketOutputStream

	throttledIn  *stream.ThrottledInputStream
	throttledOut *stream.ThrottledOutputStream

	tlsBridge *stream.TLSBridge
	tlsIn     *stream.TLSInputStream
	tlsOut    *stream.TLSOutputStream
	tlsActive bool

	bufferedIn  *stream.BufferedInputStream
	bufferedOut *stream.BufferedOutputStream

	own *throttle.Throttle

	closeLock    int
	delayedClose bool
	closed       bool

	priority scheduler.Priority

	onNotify func(poller.Condition)
	onClose  func()

	startTLSPending *promise.Deferred
}

const defaultBufferSize = 16 * 1024

// New wraps sock (already Connected, typically from Socket.Connect/Accept)
// in the full filter chain. bandwidth/minLatency configure this
// connection's own Throttle; pass 0/0 for no individual limit (a Group's
// shared throttle, if any, still applies).
func New(sock *evdsocket.Socket, ctx *scheduler.Context, bandwidth int64, minLatency int) *Connection {
	if ctx == nil {
		ctx = scheduler.Default
	}
	c := &Connection{
		sock: sock,
		ctx:  ctx,
		own:  throttle.New(bandwidth, time.Duration(minLatency)*time.Millisecond),
	}

	c.socketIn = stream.NewSocketInputStream(sock)
	c.socketOut = stream.NewSocketOutputStream(sock)
	c.socketIn.SetOnDrained(c.clearReadBit)
	c.socketOut.SetOnFilled(c.clearWriteBit)

	c.throttledIn = stream.NewThrottledInputStream(c.socketIn, c.chain())
	c.throttledOut = stream.NewThrottledOutputStream(c.socketOut, c.chain())

	c.bufferedIn = stream.NewBufferedInputStream(c.throttledIn, defaultBufferSize)
	c.bufferedOut = stream.NewBufferedOutputStream(c.throttledOut, ctx, defaultBufferSize)

	sock.SetNotifyCondition(c.handleCondition)
	sock.SetOnStateChanged(c.handleStateChanged)

	return c
}

// chain returns the throttles that apply to this connection: its own plus,
// if it belongs to a Group, the group's shared one (spec §3 "back-reference
// to an optional group whose throttles are added to the chain").
func (c *Connection) chain() throttle.Chain {
	if c.group != nil {
		return throttle.Chain{c.own, c.group.throttle}
	}
	return throttle.Chain{c.own}
}

// Read and Write expose the outermost (buffered) ends of the chain to a
// consumer (JSON filter, WebSocket framer, ...).
func (c *Connection) Read(p []byte) (int, error)  { return c.bufferedIn.Read(p) }
func (c *Connection) Write(p []byte) (int, error) { return c.bufferedOut.Write(p) }

func (c *Connection) SetOnNotify(fn func(poller.Condition)) { c.onNotify = fn }
func (c *Connection) SetOnClose(fn func())                  { c.onClose = fn }
func (c *Connection) SetPriority(p scheduler.Priority)      { c.priority = p; c.sock.SetPriority(p) }
func (c *Connection) Throttle() *throttle.Throttle          { return c.own }
func (c *Connection) Socket() *evdsocket.Socket             { return c.sock }

// clearReadBit/clearWriteBit are the "drained"/"filled" wires spec §4.6
// describes: re-arm is implicit here since evdsocket.Socket stays
// registered for both Read and Write throughout (package poller is
// edge-triggered, so a fresh edge simply fires handleCondition again).
func (c *Connection) clearReadBit()  {}
func (c *Connection) clearWriteBit() {}

// handleCondition is installed as the socket's notify-condition callback
// (spec §4.4 "invokes the user's notify-condition callback with the
// composed {Read, Write, Hup, Err} mask"). It drives any pending starttls
// handshake step, continues a pending async flush, and forwards Hup/Err
// through the close-lock protocol before handing the raw condition to the
// connection's own owner.
func (c *Connection) handleCondition(cond poller.Condition) {
	if cond.Has(poller.Hup) || cond.Has(poller.Err) {
		c.handleHup()
	}

	if c.startTLSPending != nil {
		c.pumpTLSHandshake()
	}

	c.bufferedOut.Continue()

	if c.onNotify != nil {
		c.onNotify(cond)
	}
}

func (c *Connection) handleStateChanged(old, new evdsocket.State) {
	if new == evdsocket.Connected {
		c.bufferedOut.SetAutoFlush(true)
	}
	if new == evdsocket.Closed {
		c.ctx.Idle(func() { c.Close() })
	}
}

// LockClose increments the close-lock counter (spec §4.6): while locked, a
// Hup only records delayed_close instead of tearing the connection down.
func (c *Connection) LockClose() {
	c.mu.Lock()
	c.closeLock++
	c.mu.Unlock()
}

// UnlockClose decrements the counter; if it reaches zero and a Hup arrived
// while locked, the deferred close now runs.
func (c *Connection) UnlockClose() {
	c.mu.Lock()
	if c.closeLock > 0 {
		c.closeLock--
	}
	runDeferred := c.closeLock == 0 && c.delayedClose
	if runDeferred {
		c.delayedClose = false
	}
	c.mu.Unlock()
	if runDeferred {
		c.Close()
	}
}

func (c *Connection) handleHup() {
	c.mu.Lock()
	if c.closeLock > 0 {
		c.delayedClose = true
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.Close()
}

// Close is idempotent (spec invariant i).
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.tlsBridge != nil {
		c.tlsBridge.Close()
	}
	err := c.sock.Close()
	if c.onClose != nil {
		c.onClose()
	}
	return err
}

// IsClosed reports whether Close has already run.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// FlushAndShutdown implements spec §4.6: flush the outermost output
// stream, then (if TLS is active) close the TLS session, then shut down
// both socket halves.
func (c *Connection) FlushAndShutdown(cancellable *promise.Cancellable) *promise.Promise {
	d, p := promise.New(c.ctx, cancellable, "flush-and-shutdown")

	flushed := c.bufferedOut.FlushAsync(cancellable)
	flushed.Then(func(r promise.Result) {
		if r.Err != nil {
			d.TakeResultError(r.Err)
			return
		}
		if c.tlsActive && c.tlsBridge != nil {
			c.tlsBridge.Close()
		}
		c.sock.ShutdownWrite()
		c.sock.ShutdownRead()
		d.Complete()
	})
	return p
}

// StartTLS splices a TLS input/output stream between the throttled and
// buffered layers (spec §4.6): it re-creates the buffered layers on top of
// TLS, freezes buffered input, disables buffered-output auto-flush, and
// drives the handshake on each subsequent Read/Write edge until it
// completes, at which point both are restored and the returned Promise
// completes.
func (c *Connection) StartTLS(mode TLSMode, cfg *tls.Config, cancellable *promise.Cancellable) *promise.Promise {
	d, p := promise.New(c.ctx, cancellable, "starttls")

	c.mu.Lock()
	if c.startTLSPending != nil {
		c.mu.Unlock()
		d.TakeResultError(evderr.Wrap(evderr.Busy, "conn: starttls already in progress"))
		return p
	}

	bridge := stream.NewTLSClientBridge(cfg)
	if mode == TLSServer {
		bridge = stream.NewTLSServerBridge(cfg)
	}
	c.tlsBridge = bridge
	c.tlsIn = stream.NewTLSInputStream(bridge)
	c.tlsOut = stream.NewTLSOutputStream(bridge)

	c.bufferedIn.SetFrozen(true)
	c.bufferedOut.SetAutoFlush(false)
	c.bufferedIn = stream.NewBufferedInputStream(c.tlsIn, defaultBufferSize)
	c.bufferedOut = stream.NewBufferedOutputStream(c.tlsOut, c.ctx, defaultBufferSize)
	c.bufferedIn.SetFrozen(true)
	c.bufferedOut.SetAutoFlush(false)

	c.startTLSPending = d
	c.mu.Unlock()

	c.sock.SetPriority(c.priority)
	// Prime the bridge: feed whatever the throttled layer already has
	// queued and pull whatever the handshake wants to send immediately,
	// rather than waiting for the next readiness edge.
	c.pumpTLSHandshake()

	return p
}

// pumpTLSHandshake feeds ciphertext read off the throttled layer into the
// bridge, pulls any ciphertext the bridge wants written, and — once
// Handshake reports done — unthaws the buffered layers and completes the
// pending starttls Promise.
func (c *Connection) pumpTLSHandshake() {
	c.mu.Lock()
	bridge := c.tlsBridge
	d := c.startTLSPending
	c.mu.Unlock()
	if bridge == nil || d == nil {
		return
	}

	buf := make([]byte, 4096)
	for {
		n, err := c.throttledIn.Read(buf)
		if n > 0 {
			bridge.Feed(buf[:n])
		}
		if err != nil || n == 0 {
			break
		}
	}
	if out := bridge.Pull(); len(out) > 0 {
		c.throttledOut.Write(out)
	}

	done, err := bridge.Handshake()
	if !done {
		return
	}

	c.mu.Lock()
	c.startTLSPending = nil
	c.tlsActive = true
	c.bufferedIn.SetFrozen(false)
	c.bufferedOut.SetAutoFlush(true)
	c.mu.Unlock()

	if err != nil {
		d.TakeResultError(evderr.Wrapf(evderr.TlsHandshakeFailed, "conn: starttls: %v", err))
		return
	}
	d.Complete()
}
