package jsonfilter

import "io"

// Stream is the SPEC_FULL.md supplement grounded on
// _examples/original_source/evd/evd-jsonrpc.c (which layers request/response
// framing atop a JsonFilter): a thin adapter that pulls bytes from an
// io.Reader, feeds them through a Filter, and exposes each emitted packet on
// a channel, so a consumer can `for packet := range s.Packets()` instead of
// wiring SetOnPacket by hand.
type Stream struct {
	filter  *Filter
	packets chan []byte
	errs    chan error
}

// NewStream starts pumping r through a fresh Filter on its own goroutine.
// The Packets channel closes once the pump stops: r returned an error
// (including io.EOF) or the Filter rejected malformed input. The Err
// channel is never closed.
func NewStream(r io.Reader) *Stream {
	s := &Stream{filter: New(), packets: make(chan []byte, 16), errs: make(chan error, 1)}
	s.filter.SetOnPacket(func(p []byte) {
		cp := append([]byte(nil), p...)
		s.packets <- cp
	})
	go s.pump(r)
	return s
}

func (s *Stream) pump(r io.Reader) {
	defer close(s.packets)
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if ferr := s.filter.Feed(buf[:n]); ferr != nil {
				s.errs <- ferr
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				s.errs <- err
			}
			return
		}
	}
}

// Packets returns the channel of complete, byte-equal JSON values.
func (s *Stream) Packets() <-chan []byte { return s.packets }

// Err returns a channel that receives at most one value: the error (if any)
// that ended the pump, either a malformed-JSON InvalidData or the
// underlying reader's error.
func (s *Stream) Err() <-chan error { return s.errs }
