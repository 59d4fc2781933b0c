// Package stream implements the composable input/output filter chain from
// spec §3/§4.5: SocketStream -> Throttled -> [TLS] -> Buffered. Each filter
// wraps exactly one base stream and reports would-block/re-arm conditions
// through callback fields rather than a generic signal bus (per spec.md's
// design notes: single-owner signals are plain callback fields).
package stream

import (
	"io"

	"github.com/evdance/evd/evderr"
)

// rawStream is the minimal contract SocketInputStream/OutputStream need
// from evdsocket.Socket, kept as an interface here so this package does not
// import evdsocket (avoiding an import cycle with conn, which imports both).
type rawStream interface {
	RawRead(buf []byte) (int, error)
	RawWrite(buf []byte) (int, error)
}

func isAgain(err error) bool {
	type temporary interface{ Temporary() bool }
	if t, ok := err.(temporary); ok && t.Temporary() {
		return true
	}
	return err == errEAGAIN
}

// SocketInputStream is the base of the inbound chain. It keeps one byte of
// look-ahead so EOF can be detected without an extra syscall round trip
// (spec §4.5): it always asks the fd for one more byte than the caller
// requested.
type SocketInputStream struct {
	sock rawStream

	hasStash bool
	stash    byte

	onDrained func()
}

func NewSocketInputStream(sock rawStream) *SocketInputStream {
	return &SocketInputStream{sock: sock}
}

func (s *SocketInputStream) SetOnDrained(fn func()) { s.onDrained = fn }

func (s *SocketInputStream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	n0 := 0
	out := p
	if s.hasStash {
		out[0] = s.stash
		s.hasStash = false
		n0 = 1
		out = out[1:]
		if len(out) == 0 {
			return n0, nil
		}
	}

	tmp := make([]byte, len(out)+1)
	n, err := s.sock.RawRead(tmp)
	if err != nil {
		if isAgain(err) {
			if n0 > 0 {
				return n0, nil
			}
			if s.onDrained != nil {
				s.onDrained()
			}
			return 0, evderr.WouldBlock
		}
		if n0 > 0 {
			return n0, nil
		}
		return 0, err
	}

	if n == 0 {
		if n0 > 0 {
			return n0, io.EOF
		}
		if s.onDrained != nil {
			s.onDrained()
		}
		return 0, io.EOF
	}

	if n == len(out)+1 {
		s.stash = tmp[n-1]
		s.hasStash = true
		copy(out, tmp[:n-1])
		return n0 + n - 1, nil
	}

	copy(out, tmp[:n])
	if s.onDrained != nil {
		s.onDrained()
	}
	return n0 + n, nil
}

// SocketOutputStream is the base of the outbound chain: it returns bytes
// actually written and turns EAGAIN into a zero-length success plus a
// "filled" notification (spec §4.5), rather than surfacing WouldBlock as an
// error the way the input side does — outbound backpressure is signaled by
// short writes, not an error, since zero is itself a valid "nothing written
// yet, try again on the next writable edge" outcome.
type SocketOutputStream struct {
	sock rawStream

	onFilled func()
}

func NewSocketOutputStream(sock rawStream) *SocketOutputStream {
	return &SocketOutputStream{sock: sock}
}

func (s *SocketOutputStream) SetOnFilled(fn func()) { s.onFilled = fn }

func (s *SocketOutputStream) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n, err := s.sock.RawWrite(p)
	if err != nil {
		if isAgain(err) {
			if s.onFilled != nil {
				s.onFilled()
			}
			return 0, nil
		}
		return n, err
	}
	if n < len(p) && s.onFilled != nil {
		s.onFilled()
	}
	return n, nil
}
