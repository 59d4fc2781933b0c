//go:build !linux

package poller

import "errors"

// The reactor's readiness multiplexer is epoll-specific by design (spec §1:
// "Non-goals: multi-threaded reactor" and the edge-triggered contract is
// defined directly in terms of epoll semantics). On non-Linux platforms this
// package compiles but the backend's init fails, so New returns an error
// (kind Unknown) and no Poller is ever started, the same way
// the teacher splits Linux-only raw-socket handling into its own
// build-tagged file (server/listen_linux.go) rather than faking it
// elsewhere.
var errPollerClosed = errors.New("poller: closed")

type readyEvent struct {
	fd   int
	cond Condition
}

type pollerImpl struct{}

var errNotSupported = errors.New("poller: epoll backend unavailable on this platform")

func (p *pollerImpl) init() error                        { return errNotSupported }
func (p *pollerImpl) add(fd int, cond Condition) error    { return errNotSupported }
func (p *pollerImpl) modify(fd int, cond Condition) error { return errNotSupported }
func (p *pollerImpl) del(fd int) error                    { return errNotSupported }
func (p *pollerImpl) wait() ([]readyEvent, error)         { return nil, errPollerClosed }
func (p *pollerImpl) close() error                        { return nil }
