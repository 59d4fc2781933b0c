// Package poller implements the edge-triggered readiness multiplexer from
// spec §4.1: a dedicated polling thread demultiplexes file descriptor
// readiness into per-registration callbacks dispatched on the caller's
// chosen cooperative scheduler.Context.
package poller

import (
	"sync"

	"github.com/evdance/evd/evderr"
	"github.com/evdance/evd/scheduler"
)

// Condition is the abstract {Read, Write, Hup, Err} mask spec.md maps epoll
// events onto.
type Condition uint32

const (
	Read Condition = 1 << iota
	Write
	Hup
	Err
)

func (c Condition) Has(bit Condition) bool { return c&bit != 0 }

// Callback is invoked with the OR of every edge observed since the
// registration's previous dispatch.
type Callback func(cond Condition)

// Session is the opaque handle register returns; Modify/Unregister take it.
type Session struct {
	fd       int
	priority scheduler.Priority

	mu       sync.Mutex
	cond     Condition // requested condition set
	pending  Condition // OR'd edges not yet dispatched
	queued   bool
	callback Callback
	ctx      *scheduler.Context

	poller *Poller
}

// dispatch is called on the poller thread for each readiness edge. It
// either merges into an already-queued task (the coalescing rule) or posts
// a new one.
func (s *Session) dispatch(edge Condition) {
	s.mu.Lock()
	if s.callback == nil {
		s.mu.Unlock()
		return
	}
	s.pending |= edge
	if s.queued {
		s.mu.Unlock()
		return
	}
	s.queued = true
	ctx := s.ctx
	prio := s.priority
	s.mu.Unlock()

	ctx.Post(prio, s.runTask)
}

func (s *Session) runTask() {
	s.mu.Lock()
	cb := s.callback
	pending := s.pending
	s.pending = 0
	s.queued = false
	s.mu.Unlock()

	if cb != nil {
		cb(pending)
	}
}

// clear severs the callback under the session's own lock, blocking until
// any in-flight invocation of runTask finishes. After clear returns, no
// future dispatch can observe a non-nil callback.
func (s *Session) clear() {
	s.mu.Lock()
	s.callback = nil
	s.mu.Unlock()
}

// Poller owns the readiness set and its dedicated polling goroutine.
type Poller struct {
	impl pollerImpl

	mu   sync.Mutex
	regs map[int]*Session

	logger Logger
}

// Logger is the minimal interface components use for diagnostics; *log.Logger
// satisfies it.
type Logger interface {
	Printf(format string, v ...interface{})
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...interface{}) {}

// New creates and starts a Poller, spawning its dedicated polling thread.
func New(logger Logger) (*Poller, error) {
	if logger == nil {
		logger = nopLogger{}
	}
	p := &Poller{regs: make(map[int]*Session), logger: logger}
	if err := p.impl.init(); err != nil {
		return nil, evderr.Wrap(evderr.Unknown, "poller: init: "+err.Error())
	}
	go p.loop()
	return p, nil
}

// Register adds fd to the readiness set in edge-triggered mode. EPOLLRDHUP
// is always requested in addition to whatever cond asks for, per spec.md.
func (p *Poller) Register(fd int, cond Condition, priority scheduler.Priority, ctx *scheduler.Context, cb Callback) (*Session, error) {
	if ctx == nil {
		ctx = scheduler.Default
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.regs[fd]; exists {
		return nil, evderr.Wrap(evderr.InvalidArgument, "poller: fd already registered")
	}

	s := &Session{fd: fd, priority: priority, cond: cond, callback: cb, ctx: ctx, poller: p}
	if err := p.impl.add(fd, cond); err != nil {
		return nil, evderr.Wrap(evderr.PollerFull, "poller: register: "+err.Error())
	}
	p.regs[fd] = s
	return s, nil
}

// Modify updates the watched condition/priority with no intermediate
// unregister.
func (p *Poller) Modify(s *Session, cond Condition, priority scheduler.Priority) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.regs[s.fd]; !exists {
		return evderr.Wrap(evderr.InvalidArgument, "poller: session not registered")
	}
	if err := p.impl.modify(s.fd, cond); err != nil {
		return evderr.Wrap(evderr.Unknown, "poller: modify: "+err.Error())
	}
	s.mu.Lock()
	s.cond = cond
	s.priority = priority
	s.mu.Unlock()
	return nil
}

// SetCallback replaces the callback a registration dispatches to, without
// touching the watched condition set. Connect handlers use this to switch
// from the connecting handshake handler to the steady-state notify handler
// once a Socket reaches Connected (spec §4.4).
func (p *Poller) SetCallback(s *Session, cb Callback) {
	s.mu.Lock()
	s.callback = cb
	s.mu.Unlock()
}

// Unregister removes fd from the readiness set, and guarantees the
// callback is never invoked after this call returns (spec §4.1).
func (p *Poller) Unregister(s *Session) error {
	p.mu.Lock()
	if _, exists := p.regs[s.fd]; !exists {
		p.mu.Unlock()
		return nil
	}
	delete(p.regs, s.fd)
	err := p.impl.del(s.fd)
	p.mu.Unlock()

	s.clear()

	if err != nil {
		return evderr.Wrap(evderr.Unknown, "poller: unregister: "+err.Error())
	}
	return nil
}

// Close interrupts the polling thread and releases the epoll/self-pipe fds.
func (p *Poller) Close() error {
	return p.impl.close()
}

func (p *Poller) loop() {
	for {
		events, err := p.impl.wait()
		if err == errPollerClosed {
			return
		}
		if err != nil {
			p.logger.Printf("poller: wait error: %v", err)
			continue
		}
		for _, ev := range events {
			p.mu.Lock()
			s := p.regs[ev.fd]
			p.mu.Unlock()
			if s == nil {
				continue
			}
			s.dispatch(ev.cond)
		}
	}
}
