// Package evdsocket implements the non-blocking stream/datagram socket
// state machine from spec §3/§4.4, built directly on the Poller's
// edge-triggered readiness (package poller) instead of net.Conn, since the
// filter chain above it needs raw fd-level read/write semantics (look-ahead
// EOF detection, EAGAIN-as-zero-length-write) that net.Conn does not expose.
package evdsocket

import (
	"sync"

	"github.com/evdance/evd/evderr"
	"github.com/evdance/evd/poller"
	"github.com/evdance/evd/promise"
	"github.com/evdance/evd/scheduler"
	"golang.org/x/sys/unix"
)

// State is one of the eight socket states from spec §3/§4.4.
type State int

const (
	Closed State = iota
	Resolving
	Connecting
	Bound
	Listening
	Connected
	TlsHandshaking
	Closing
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Resolving:
		return "resolving"
	case Connecting:
		return "connecting"
	case Bound:
		return "bound"
	case Listening:
		return "listening"
	case Connected:
		return "connected"
	case TlsHandshaking:
		return "tls-handshaking"
	case Closing:
		return "closing"
	}
	return "unknown"
}

// Type distinguishes stream (TCP/Unix-stream) from datagram sockets.
type Type int

const (
	Stream Type = iota
	Datagram
)

// Socket is the fd + state-machine entity from spec §3.
type Socket struct {
	mu sync.Mutex

	poller *poller.Poller
	ctx    *scheduler.Context

	state    State
	fd       int
	family   Family
	sockType Type
	priority scheduler.Priority

	session *poller.Session
	pending *promise.Deferred

	closeOnce bool

	onNewConnection func(*Socket)
	notifyCondition func(poller.Condition)
	onStateChanged  func(old, new State)
	onClose         func()
}

// New creates a Socket with no fd yet (state Closed).
func New(p *poller.Poller, ctx *scheduler.Context, sockType Type) *Socket {
	if ctx == nil {
		ctx = scheduler.Default
	}
	return &Socket{poller: p, ctx: ctx, state: Closed, fd: -1, sockType: sockType}
}

func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Socket) Fd() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fd
}

func (s *Socket) SetOnNewConnection(fn func(*Socket))          { s.onNewConnection = fn }
func (s *Socket) SetNotifyCondition(fn func(poller.Condition)) { s.notifyCondition = fn }
func (s *Socket) SetOnStateChanged(fn func(old, new State))    { s.onStateChanged = fn }
func (s *Socket) SetOnClose(fn func())                         { s.onClose = fn }

func (s *Socket) setState(new State) {
	s.mu.Lock()
	old := s.state
	s.state = new
	cb := s.onStateChanged
	s.mu.Unlock()
	if cb != nil && old != new {
		cb(old, new)
	}
}

func sockDomainType(family Family, sockType Type) (int, int) {
	dom := unix.AF_INET
	switch family {
	case FamilyInet6:
		dom = unix.AF_INET6
	case FamilyUnix:
		dom = unix.AF_UNIX
	}
	typ := unix.SOCK_STREAM
	if sockType == Datagram {
		typ = unix.SOCK_DGRAM
	}
	return dom, typ
}

func (s *Socket) openRaw(dom, typ int) error {
	fd, err := unix.Socket(dom, typ, 0)
	if err != nil {
		return evderr.Wrapf(evderr.Unknown, "evdsocket: socket(): %v", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return evderr.Wrapf(evderr.Unknown, "evdsocket: set nonblocking: %v", err)
	}
	s.fd = fd
	return nil
}

// Connect parses and (if necessary) resolves address, opens a non-blocking
// socket, and completes the returned Promise once the connect either
// succeeds (Write edge, no error) or is definitively refused.
func (s *Socket) Connect(address string, cancellable *promise.Cancellable) *promise.Promise {
	d, p := promise.New(s.ctx, cancellable, "connect")

	addr, err := ParseAddress(address)
	if err != nil {
		d.TakeResultError(err)
		return p
	}

	s.setState(Resolving)

	candidates, err := addr.Resolve(s.family)
	if err != nil {
		s.setState(Closed)
		d.TakeResultError(err)
		return p
	}
	target := candidates[0]
	s.family = target.family

	s.mu.Lock()
	dom, typ := target.sockdom, unix.SOCK_STREAM
	if s.sockType == Datagram {
		typ = unix.SOCK_DGRAM
	}
	if err := s.openRaw(dom, typ); err != nil {
		s.mu.Unlock()
		s.setState(Closed)
		d.TakeResultError(err)
		return p
	}
	fd := s.fd
	s.mu.Unlock()

	s.setState(Connecting)
	s.pending = d

	err = unix.Connect(fd, target.sa)
	if err != nil && err != unix.EINPROGRESS && err != unix.EALREADY {
		s.setState(Closed)
		d.TakeResultError(evderr.Wrap(evderr.ConnectionRefused, err.Error()))
		return p
	}

	sess, regErr := s.poller.Register(fd, poller.Read|poller.Write, s.priority, s.ctx, s.handleConnecting)
	if regErr != nil {
		s.setState(Closed)
		d.TakeResultError(regErr)
		return p
	}
	s.session = sess

	if cancellable != nil {
		cancellable.OnCancel(func() {
			s.mu.Lock()
			pending := s.pending
			s.mu.Unlock()
			if pending != nil {
				s.Close()
				pending.TakeResultError(evderr.Wrap(evderr.Cancelled, "evdsocket: connect cancelled"))
			}
		})
	}

	return p
}

func (s *Socket) handleConnecting(cond poller.Condition) {
	s.mu.Lock()
	d := s.pending
	s.pending = nil
	s.mu.Unlock()
	if d == nil {
		return
	}

	if cond.Has(poller.Err) || cond.Has(poller.Hup) {
		s.setState(Closed)
		d.TakeResultError(evderr.Wrap(evderr.ConnectionRefused, "evdsocket: connect refused"))
		return
	}

	if cond.Has(poller.Write) {
		if serr, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR); err == nil && serr != 0 {
			s.setState(Closed)
			d.TakeResultError(evderr.Wrap(evderr.ConnectionRefused, unix.Errno(serr).Error()))
			return
		}
		s.setState(Connected)
		s.poller.Modify(s.session, poller.Read|poller.Write, s.priority)
		s.poller.SetCallback(s.session, s.handleConnected)
		d.SetResultPointer(s)
		return
	}
}

// handleConnected is installed once Connected; it composes {Read,Write,Hup,
// Err} and forwards to the user's notify-condition callback (spec §4.4).
func (s *Socket) handleConnected(cond poller.Condition) {
	if s.notifyCondition != nil {
		s.notifyCondition(cond)
	}
}

// Listen binds and listens on address, registering for Read so Accept can
// be driven from the readiness callback.
func (s *Socket) Listen(address string, cancellable *promise.Cancellable) *promise.Promise {
	d, p := promise.New(s.ctx, cancellable, "listen")

	addr, err := ParseAddress(address)
	if err != nil {
		d.TakeResultError(err)
		return p
	}

	s.setState(Resolving)
	candidates, err := addr.Resolve(s.family)
	if err != nil {
		s.setState(Closed)
		d.TakeResultError(err)
		return p
	}
	target := candidates[0]
	s.family = target.family

	s.mu.Lock()
	if err := s.openRaw(target.sockdom, unix.SOCK_STREAM); err != nil {
		s.mu.Unlock()
		s.setState(Closed)
		d.TakeResultError(err)
		return p
	}
	fd := s.fd
	if target.family != FamilyUnix {
		unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}
	if err := unix.Bind(fd, target.sa); err != nil {
		s.mu.Unlock()
		s.setState(Closed)
		d.TakeResultError(evderr.Wrapf(evderr.Unknown, "evdsocket: bind: %v", err))
		return p
	}
	s.setState(Bound)

	const backlog = 1024
	if err := unix.Listen(fd, backlog); err != nil {
		s.mu.Unlock()
		s.setState(Closed)
		d.TakeResultError(evderr.Wrapf(evderr.Unknown, "evdsocket: listen: %v", err))
		return p
	}
	s.mu.Unlock()

	s.setState(Listening)

	sess, regErr := s.poller.Register(fd, poller.Read, s.priority, s.ctx, s.handleListening)
	if regErr != nil {
		s.setState(Closed)
		d.TakeResultError(regErr)
		return p
	}
	s.session = sess

	d.Complete()
	return p
}

// handleListening drains Accept() in a loop until would-block, handing each
// accepted fd to the owner's new-connection callback as a Connected Socket
// (spec §4.4).
func (s *Socket) handleListening(cond poller.Condition) {
	s.mu.Lock()
	fd := s.fd
	s.mu.Unlock()

	for {
		nfd, _, err := unix.Accept4(fd, unix.SOCK_NONBLOCK)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			// Per spec.md §9 open questions: only WouldBlock is treated as
			// non-fatal; anything else surfaces on the socket's error
			// channel rather than being silently swallowed.
			if s.notifyCondition != nil {
				s.notifyCondition(poller.Err)
			}
			return
		}

		peer := New(s.poller, s.ctx, Stream)
		peer.family = s.family
		peer.fd = nfd
		peer.state = Connected
		sess, regErr := s.poller.Register(nfd, poller.Read|poller.Write, s.priority, s.ctx, peer.handleConnected)
		if regErr != nil {
			unix.Close(nfd)
			continue
		}
		peer.session = sess

		if s.onNewConnection != nil {
			s.onNewConnection(peer)
		}
	}
}

// Close is idempotent (spec invariant): it flushes any outstanding async
// result with evderr.Closed and releases the fd.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closeOnce {
		s.mu.Unlock()
		return nil
	}
	s.closeOnce = true
	fd := s.fd
	pending := s.pending
	s.pending = nil
	sess := s.session
	p := s.poller
	s.mu.Unlock()

	s.setState(Closing)

	if pending != nil {
		pending.TakeResultError(evderr.Wrap(evderr.Closed, "evdsocket: closed"))
	}

	if sess != nil && p != nil {
		p.Unregister(sess)
	}
	if fd >= 0 {
		unix.Close(fd)
	}

	s.setState(Closed)
	if s.onClose != nil {
		s.onClose()
	}
	return nil
}

// RawRead/RawWrite expose the non-blocking fd to the stream package's base
// SocketInputStream/OutputStream filters.
func (s *Socket) RawRead(buf []byte) (int, error) {
	n, err := unix.Read(s.Fd(), buf)
	if n < 0 {
		n = 0
	}
	return n, err
}

func (s *Socket) RawWrite(buf []byte) (int, error) {
	n, err := unix.Write(s.Fd(), buf)
	if n < 0 {
		n = 0
	}
	return n, err
}

// ShutdownRead/ShutdownWrite perform a half-close, used by
// conn.Connection's flush-and-shutdown sequence (spec §4.6).
func (s *Socket) ShutdownRead() error  { return unix.Shutdown(s.Fd(), unix.SHUT_RD) }
func (s *Socket) ShutdownWrite() error { return unix.Shutdown(s.Fd(), unix.SHUT_WR) }

// Family reports the resolved address family.
func (s *Socket) Family() Family {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.family
}

// SetPriority sets the scheduling priority used for future poller
// registrations (e.g. before Connect/Listen).
func (s *Socket) SetPriority(p scheduler.Priority) { s.priority = p }
