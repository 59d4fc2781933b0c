package wsframe

import (
	"bufio"
	"io"
	"time"

	"github.com/evdance/evd/evderr"
	"github.com/evdance/evd/scheduler"
)

// blockingReader adapts a WouldBlock-returning Read (conn.Connection's)
// into one bufio.NewReader can drive synchronously, by retrying on
// evderr.WouldBlock with a short backoff. This is only used by Dial, the
// client-side convenience helper; library code driven from the reactor
// never blocks like this.
type blockingReader struct {
	r       io.Reader
	timeout time.Duration
}

func (b blockingReader) Read(p []byte) (int, error) {
	deadline := time.Now().Add(b.timeout)
	for {
		n, err := b.r.Read(p)
		if n > 0 || (err != nil && !evderr.Is(err, evderr.WouldBlock)) {
			return n, err
		}
		if time.Now().After(deadline) {
			return 0, evderr.Wrap(evderr.WouldBlock, "wsframe: dial: handshake read timed out")
		}
		time.Sleep(time.Millisecond)
	}
}

// Dial is the SPEC_FULL.md supplement grounded on
// _examples/original_source/evd/evd-websocket-client.c: it performs the
// v8/RFC 6455 client handshake over rw and returns a client-role Session
// that writes to rw. No callbacks are installed: the caller calls Bind
// before feeding it. This is the same "one-call client connect" convenience the
// original's client helper offers over the role-symmetric
// setup_connection/bind contract.
func Dial(rw io.ReadWriter, host, path string, ctx *scheduler.Context, timeout time.Duration) (*Session, error) {
	key, err := NewV8ClientKey()
	if err != nil {
		return nil, err
	}
	if err := WriteV8HandshakeRequest(rw, host, path, key); err != nil {
		return nil, err
	}

	br := bufio.NewReader(blockingReader{r: rw, timeout: timeout})
	if err := ReadHandshakeResponse(br, key); err != nil {
		return nil, err
	}

	return NewSession(Version8, false, ctx, rw), nil
}
