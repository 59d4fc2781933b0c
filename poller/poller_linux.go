//go:build linux

package poller

import (
	"errors"
	"sync"

	"golang.org/x/sys/unix"
)

var errPollerClosed = errors.New("poller: closed")

type readyEvent struct {
	fd   int
	cond Condition
}

// pollerImpl is the epoll backend, grounded on the self-pipe + epoll_wait
// pattern used throughout the retrieval pack's own epoll reactors.
type pollerImpl struct {
	mu       sync.Mutex
	epfd     int
	pipeR    int
	pipeW    int
	closed   bool
	eventBuf []unix.EpollEvent
}

func (p *pollerImpl) init() error {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return err
	}

	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		unix.Close(epfd)
		return err
	}

	p.epfd = epfd
	p.pipeR = fds[0]
	p.pipeW = fds[1]
	p.eventBuf = make([]unix.EpollEvent, 128)

	// The self-pipe is registered like any other fd so that a write to it
	// interrupts an in-flight epoll_wait — mandatory per spec.md's design
	// notes ("do not rely on epoll_wait timeout alone").
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(p.pipeR)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, p.pipeR, &ev)
}

func toEpollMask(cond Condition) uint32 {
	var mask uint32
	if cond.Has(Read) {
		mask |= unix.EPOLLIN | unix.EPOLLPRI
	}
	if cond.Has(Write) {
		mask |= unix.EPOLLOUT
	}
	mask |= unix.EPOLLRDHUP
	// Edge-triggered, per spec.md §4.1.
	mask |= unix.EPOLLET
	return mask
}

func (p *pollerImpl) add(fd int, cond Condition) error {
	ev := unix.EpollEvent{Events: toEpollMask(cond), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (p *pollerImpl) modify(fd int, cond Condition) error {
	ev := unix.EpollEvent{Events: toEpollMask(cond), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (p *pollerImpl) del(fd int) error {
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	// Interrupt any in-flight wait so the del is ordered w.r.t. the next
	// wait() call, per spec.md's design notes.
	p.interrupt()
	return err
}

func (p *pollerImpl) interrupt() {
	var b [1]byte
	unix.Write(p.pipeW, b[:])
}

func fromEpollMask(mask uint32) Condition {
	var c Condition
	if mask&(unix.EPOLLIN|unix.EPOLLPRI) != 0 {
		c |= Read
	}
	if mask&unix.EPOLLOUT != 0 {
		c |= Write
	}
	if mask&unix.EPOLLRDHUP != 0 || mask&unix.EPOLLHUP != 0 {
		c |= Hup
	}
	if mask&unix.EPOLLERR != 0 {
		c |= Err
	}
	return c
}

func (p *pollerImpl) wait() ([]readyEvent, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errPollerClosed
	}
	epfd := p.epfd
	pipeR := p.pipeR
	buf := p.eventBuf
	p.mu.Unlock()

	n, err := unix.EpollWait(epfd, buf, -1)

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, errPollerClosed
	}

	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}

	events := make([]readyEvent, 0, n)
	for i := 0; i < n; i++ {
		fd := int(buf[i].Fd)
		if fd == pipeR {
			// Drain the self-pipe; it carries no application readiness.
			var b [64]byte
			for {
				if _, err := unix.Read(pipeR, b[:]); err != nil {
					break
				}
			}
			continue
		}
		events = append(events, readyEvent{fd: fd, cond: fromEpollMask(buf[i].Events)})
	}
	return events, nil
}

func (p *pollerImpl) close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	epfd := p.epfd
	pipeR := p.pipeR
	pipeW := p.pipeW
	p.mu.Unlock()

	p.interrupt()

	unix.Close(pipeW)
	unix.Close(pipeR)
	return unix.Close(epfd)
}
