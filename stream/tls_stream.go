package stream

import (
	"bytes"
	"crypto/tls"
	"io"
	"net"
	"sync"
	"time"

	"github.com/evdance/evd/evderr"
)

// pipeAddr satisfies net.Addr for chanConn; the overlay has no real address
// of its own, it rides on whatever Socket is underneath it.
type pipeAddr struct{}

func (pipeAddr) Network() string { return "tls-overlay" }
func (pipeAddr) String() string  { return "tls-overlay" }

// chanConn is a net.Conn whose Read blocks on a condition variable fed by
// Feed, and whose Write only appends to an outbound buffer drained by Pull.
// This is what lets a blocking crypto/tls.Conn run against the reactor's
// non-blocking world: the TLS side gets a real (if synthetic) net.Conn to
// block on, while the reactor side only ever does non-blocking Feed/Pull
// calls from its own goroutine. crypto/tls exposes no API to suspend and
// resume a handshake across non-blocking edges directly (a read error
// latches permanently rather than being retryable), so driving it any other
// way would mean reimplementing TLS instead of using the standard library.
type chanConn struct {
	mu     sync.Mutex
	cond   *sync.Cond
	in     bytes.Buffer
	out    bytes.Buffer
	closed bool
}

func newChanConn() *chanConn {
	c := &chanConn{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *chanConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	for c.in.Len() == 0 && !c.closed {
		c.cond.Wait()
	}
	if c.in.Len() == 0 {
		c.mu.Unlock()
		return 0, io.EOF
	}
	n, _ := c.in.Read(p)
	c.mu.Unlock()
	return n, nil
}

func (c *chanConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	n, _ := c.out.Write(p)
	c.mu.Unlock()
	return n, nil
}

// feed hands bytes received from the wire to the TLS goroutine's Read side.
func (c *chanConn) feed(p []byte) {
	c.mu.Lock()
	c.in.Write(p)
	c.cond.Broadcast()
	c.mu.Unlock()
}

// pull drains whatever ciphertext the TLS goroutine has queued to send.
func (c *chanConn) pull() []byte {
	c.mu.Lock()
	if c.out.Len() == 0 {
		c.mu.Unlock()
		return nil
	}
	data := append([]byte(nil), c.out.Bytes()...)
	c.out.Reset()
	c.mu.Unlock()
	return data
}

func (c *chanConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()
	return nil
}

func (c *chanConn) LocalAddr() net.Addr             { return pipeAddr{} }
func (c *chanConn) RemoteAddr() net.Addr            { return pipeAddr{} }
func (c *chanConn) SetDeadline(time.Time) error      { return nil }
func (c *chanConn) SetReadDeadline(time.Time) error  { return nil }
func (c *chanConn) SetWriteDeadline(time.Time) error { return nil }

// TLSBridge drives a crypto/tls.Conn on its own goroutine against a chanConn,
// so the single-threaded reactor only ever does non-blocking Feed/Pull/Read/
// Write calls (spec §4.6/§6 TlsSession: handshake suspends on either
// direction, resumed by pushing more ciphertext in or pulling more out).
type readResult struct {
	data []byte
	err  error
}

type TLSBridge struct {
	conn *tls.Conn
	sock *chanConn

	handshakeDone chan error
	gotResult     bool
	handshakeErr  error

	startPump sync.Once
	readCh    chan readResult
}

func newBridge(isServer bool, cfg *tls.Config) *TLSBridge {
	sock := newChanConn()
	var conn *tls.Conn
	if isServer {
		conn = tls.Server(sock, cfg)
	} else {
		conn = tls.Client(sock, cfg)
	}
	b := &TLSBridge{
		conn:          conn,
		sock:          sock,
		handshakeDone: make(chan error, 1),
		readCh:        make(chan readResult, 64),
	}
	go func() { b.handshakeDone <- conn.Handshake() }()
	return b
}

// pumpReads runs the blocking application-data Read loop on its own
// goroutine once the handshake completes, so TLSInputStream.Read only ever
// does a non-blocking channel receive.
func (b *TLSBridge) pumpReads() {
	go func() {
		buf := make([]byte, 16*1024)
		for {
			n, err := b.conn.Read(buf)
			data := append([]byte(nil), buf[:n]...)
			b.readCh <- readResult{data: data, err: err}
			if err != nil {
				return
			}
		}
	}()
}

func NewTLSClientBridge(cfg *tls.Config) *TLSBridge { return newBridge(false, cfg) }
func NewTLSServerBridge(cfg *tls.Config) *TLSBridge { return newBridge(true, cfg) }

// Feed delivers ciphertext read off the wire to the handshake/session
// goroutine. Connection calls this from its inbound edge handler.
func (b *TLSBridge) Feed(p []byte) { b.sock.feed(p) }

// Pull drains any ciphertext the session goroutine wants written to the
// wire. Connection calls this after Feed and after every plaintext Write.
func (b *TLSBridge) Pull() []byte { return b.sock.pull() }

// Handshake reports whether the handshake launched at construction has
// finished, without blocking.
func (b *TLSBridge) Handshake() (done bool, err error) {
	if b.gotResult {
		return true, b.handshakeErr
	}
	select {
	case err := <-b.handshakeDone:
		b.gotResult = true
		b.handshakeErr = err
		if err == nil {
			b.startPump.Do(b.pumpReads)
		}
		return true, err
	default:
		return false, nil
	}
}

func (b *TLSBridge) Close() error {
	b.sock.Close()
	return b.conn.Close()
}

// TLSInputStream and TLSOutputStream are the optional overlay in the chain
// from spec §4.5 ("[TlsInputStream]"): plaintext in and out, with the
// bridge's own goroutine handling the record layer transparently.
type TLSInputStream struct {
	bridge *TLSBridge

	leftover   []byte
	pendingErr error
}

func NewTLSInputStream(b *TLSBridge) *TLSInputStream { return &TLSInputStream{bridge: b} }

func (t *TLSInputStream) Read(p []byte) (int, error) {
	if done, err := t.bridge.Handshake(); !done {
		return 0, evderr.WouldBlock
	} else if err != nil {
		return 0, evderr.Wrapf(evderr.TlsHandshakeFailed, "stream: tls handshake: %v", err)
	}

	if len(t.leftover) > 0 {
		n := copy(p, t.leftover)
		t.leftover = t.leftover[n:]
		return n, nil
	}
	if t.pendingErr != nil {
		err := t.pendingErr
		t.pendingErr = nil
		return 0, err
	}

	select {
	case r := <-t.bridge.readCh:
		n := copy(p, r.data)
		if n < len(r.data) {
			t.leftover = r.data[n:]
		}
		if r.err != nil {
			if n > 0 {
				t.pendingErr = r.err
				return n, nil
			}
			return 0, r.err
		}
		return n, nil
	default:
		return 0, evderr.WouldBlock
	}
}

type TLSOutputStream struct{ bridge *TLSBridge }

func NewTLSOutputStream(b *TLSBridge) *TLSOutputStream { return &TLSOutputStream{bridge: b} }

func (t *TLSOutputStream) Write(p []byte) (int, error) {
	if done, err := t.bridge.Handshake(); !done {
		return 0, nil
	} else if err != nil {
		return 0, evderr.Wrapf(evderr.TlsHandshakeFailed, "stream: tls handshake: %v", err)
	}
	return t.bridge.conn.Write(p)
}
