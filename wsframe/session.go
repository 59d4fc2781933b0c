package wsframe

import (
	"encoding/binary"
	"io"
	"sync"

	"github.com/evdance/evd/evderr"
	"github.com/evdance/evd/scheduler"
)

// FrameFunc is spec §4.9's frame_cb(connection, bytes, len, is_binary);
// the connection argument is implicit (Session is already bound to one).
type FrameFunc func(data []byte, isBinary bool)

// CloseFunc is spec §4.9's close_cb; gracefully is false for a parse
// error or abrupt teardown, true for a proper close handshake.
type CloseFunc func(gracefully bool)

// Session is spec §3's WebSocketSession. The inbound parser
// (processV0Locked/processV8Locked) is the byte-driven state machine spec §4.9 describes as "identical in
// spirit to the JSON filter."
type Session struct {
	mu sync.Mutex

	version  Version
	isServer bool
	ctx      *scheduler.Context
	writer   io.Writer

	state State
	buf   []byte

	fragActive bool
	fragOpcode Opcode
	fragData   []byte

	closeSent     bool
	closeReceived bool

	owner   interface{}
	frameCb FrameFunc
	closeCb CloseFunc
}

// NewSession constructs a Session already carrying the version and role a
// prior handle_handshake_request negotiated (spec §4.9's
// setup_connection(connection, version, is_server, ...)).
func NewSession(version Version, isServer bool, ctx *scheduler.Context, w io.Writer) *Session {
	if ctx == nil {
		ctx = scheduler.Default
	}
	return &Session{version: version, isServer: isServer, ctx: ctx, writer: w, state: Idle}
}

func (s *Session) Version() Version { return s.version }
func (s *Session) State() State     { s.mu.Lock(); defer s.mu.Unlock(); return s.state }

// Bind installs the owner and callbacks (spec §4.9's bind(connection,
// frame_cb, close_cb, owner)). The "input-pump loop that reads into a
// growing buffer and calls process_data_fn after each chunk" is Feed,
// driven by the owning Connection's own read loop once bound.
func (s *Session) Bind(owner interface{}, frameCb FrameFunc, closeCb CloseFunc) {
	s.mu.Lock()
	s.owner = owner
	s.frameCb = frameCb
	s.closeCb = closeCb
	s.mu.Unlock()
}

// Feed is spec §4.9's process_data_fn: it appends chunk to the growing
// buffer and drains as many complete frames as are available, invoking
// frame_cb for each. It never blocks and never errors on a starved buffer
// (it simply waits for the next Feed); a malformed frame surfaces through
// the close callback with gracefully=false (spec §7: "JSON/WebSocket
// parse errors close the connection with ProtocolViolation").
func (s *Session) Feed(chunk []byte) {
	s.mu.Lock()
	s.buf = append(s.buf, chunk...)
	if s.version == Version0 {
		s.processV0Locked()
	} else {
		s.processV8Locked()
	}
	s.mu.Unlock()
}

func (s *Session) processV0Locked() {
	for {
		if len(s.buf) == 0 {
			return
		}
		b0 := s.buf[0]
		if b0 == 0x00 {
			idx := indexByte(s.buf[1:], 0xFF)
			if idx < 0 {
				return
			}
			payload := append([]byte(nil), s.buf[1:1+idx]...)
			s.buf = s.buf[1+idx+1:]
			s.dispatchFrameLocked(payload, false)
			continue
		}

		// High-bit-set frame type: 7-bit length continuation, per spec
		// §4.9. A zero-length result on the 0xFF type byte is the close
		// frame; otherwise it is a binary frame of that length.
		lenBytes := 1
		length := 0
		for {
			if lenBytes >= len(s.buf) {
				return
			}
			b := s.buf[lenBytes]
			length = length<<7 | int(b&0x7F)
			lenBytes++
			if b&0x80 == 0 {
				break
			}
		}
		if length == 0 && b0 == 0xFF {
			s.buf = s.buf[lenBytes:]
			s.handleCloseReceivedLocked()
			continue
		}
		if lenBytes+length > len(s.buf) {
			return
		}
		payload := append([]byte(nil), s.buf[lenBytes:lenBytes+length]...)
		s.buf = s.buf[lenBytes+length:]
		s.dispatchFrameLocked(payload, true)
	}
}

func (s *Session) processV8Locked() {
	for {
		s.state = ReadingHeader
		if len(s.buf) < 2 {
			return
		}
		b0, b1 := s.buf[0], s.buf[1]
		fin := b0&0x80 != 0
		opcode := Opcode(b0 & 0x0F)
		masked := b1&0x80 != 0
		lenField := int(b1 & 0x7F)

		consumed := 2
		var payloadLen uint64
		switch {
		case lenField == 126:
			s.state = ReadingPayloadLen
			if len(s.buf) < consumed+2 {
				return
			}
			payloadLen = uint64(binary.BigEndian.Uint16(s.buf[consumed : consumed+2]))
			consumed += 2
		case lenField == 127:
			s.state = ReadingPayloadLen
			if len(s.buf) < consumed+8 {
				return
			}
			payloadLen = binary.BigEndian.Uint64(s.buf[consumed : consumed+8])
			consumed += 8
		default:
			payloadLen = uint64(lenField)
		}

		if payloadLen > maxPayload {
			s.buf = nil
			s.state = Closed
			s.notifyCloseLocked(false)
			return
		}

		var maskKey [4]byte
		if masked {
			s.state = ReadingMaskingKey
			if len(s.buf) < consumed+4 {
				return
			}
			copy(maskKey[:], s.buf[consumed:consumed+4])
			consumed += 4
		}

		s.state = ReadingPayload
		if uint64(len(s.buf)-consumed) < payloadLen {
			return
		}

		payload := append([]byte(nil), s.buf[consumed:consumed+int(payloadLen)]...)
		s.buf = s.buf[consumed+int(payloadLen):]
		if masked {
			maskPayload(payload, maskKey[:])
		}

		s.state = Idle
		s.dispatchV8Locked(opcode, payload, fin)
	}
}

func (s *Session) dispatchV8Locked(opcode Opcode, payload []byte, fin bool) {
	switch opcode {
	case OpClose:
		s.handleCloseReceivedLocked()
		return
	case OpPing:
		s.writeLocked(mustEncodeV8(OpPong, payload, !s.isServer))
		return
	case OpPong:
		return
	}

	if opcode == OpContinuation {
		if !s.fragActive {
			return
		}
		s.fragData = append(s.fragData, payload...)
		if fin {
			data := s.fragData
			isBinary := s.fragOpcode == OpBinary
			s.fragActive, s.fragData = false, nil
			s.dispatchFrameLocked(data, isBinary)
		}
		return
	}

	if !fin {
		s.fragActive = true
		s.fragOpcode = opcode
		s.fragData = append([]byte(nil), payload...)
		return
	}

	s.dispatchFrameLocked(payload, opcode == OpBinary)
}

func mustEncodeV8(op Opcode, payload []byte, masked bool) []byte {
	f, err := EncodeV8Frame(op, payload, true, masked)
	if err != nil {
		return nil
	}
	return f
}

func (s *Session) dispatchFrameLocked(payload []byte, isBinary bool) {
	cb := s.frameCb
	if cb == nil {
		return
	}
	s.mu.Unlock()
	cb(payload, isBinary)
	s.mu.Lock()
}

// handleCloseReceivedLocked is spec §4.9's "close frame reception with
// empty payload triggers the close callback and a send-close-frame if not
// already sent."
func (s *Session) handleCloseReceivedLocked() {
	if s.closeReceived {
		return
	}
	s.closeReceived = true
	if !s.closeSent {
		s.sendCloseLocked()
	}
	s.state = Closed
	s.notifyCloseLocked(true)
}

func (s *Session) notifyCloseLocked(gracefully bool) {
	cb := s.closeCb
	if cb == nil {
		return
	}
	if s.isServer {
		// Server side schedules an in-idle full teardown (spec §4.9).
		s.ctx.Idle(func() { cb(gracefully) })
		return
	}
	s.mu.Unlock()
	cb(gracefully)
	s.mu.Lock()
}

func (s *Session) writeLocked(frame []byte) {
	if frame == nil || s.writer == nil {
		return
	}
	s.writer.Write(frame)
}

// Send is spec §4.9's send(connection, bytes, type, error): refuses if
// Closing/Closed, otherwise dispatches to the version-specific framer.
// isBinary is ignored for Version0, which only supports text (spec §4.9:
// "Binary send is not supported" there).
func (s *Session) Send(payload []byte, isBinary bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Closing || s.state == Closed {
		return evderr.Wrap(evderr.Closed, "wsframe: session is closing or closed")
	}

	if s.version == Version0 {
		_, err := s.writer.Write(EncodeV0Text(payload))
		return err
	}

	op := OpText
	if isBinary {
		op = OpBinary
	}
	frame, err := EncodeV8Fragmented(op, payload, !s.isServer)
	if err != nil {
		return err
	}
	_, err = s.writer.Write(frame)
	return err
}

func (s *Session) sendCloseLocked() {
	if s.closeSent {
		return
	}
	s.closeSent = true
	if s.version == Version0 {
		s.writer.Write(EncodeV0Close())
		return
	}
	if f, err := EncodeV8Frame(OpClose, nil, true, !s.isServer); err == nil {
		s.writer.Write(f)
	}
}

// Close is spec §4.9's close(connection, code, reason): sends the close
// frame at most once and transitions to Closing.
func (s *Session) Close(code int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Closing || s.state == Closed {
		return
	}
	s.sendCloseLocked()
	s.state = Closing
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
