package wsframe

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/evdance/evd/scheduler"
)

// pipe is a minimal in-memory io.ReadWriter pair used to wire a client and
// server Session directly to each other without a real socket.
type pipe struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (p *pipe) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.Write(b)
}

func (p *pipe) drain() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	b := append([]byte(nil), p.buf.Bytes()...)
	p.buf.Reset()
	return b
}

func TestV8TextExchangeAndGracefulClose(t *testing.T) {
	clientToServer := &pipe{}
	serverToClient := &pipe{}

	ctx := scheduler.New()
	go ctx.Run()
	defer ctx.Stop()

	client := NewSession(Version8, false, ctx, clientToServer)
	server := NewSession(Version8, true, ctx, serverToClient)

	var serverGotText string
	var clientGotText string
	var serverClosed, clientClosed bool

	server.Bind(nil, func(data []byte, isBinary bool) {
		if isBinary {
			t.Fatal("expected text frame")
		}
		serverGotText = string(data)
		if err := server.Send([]byte("World"), false); err != nil {
			t.Fatalf("server send: %v", err)
		}
	}, func(gracefully bool) {
		serverClosed = gracefully
	})

	client.Bind(nil, func(data []byte, isBinary bool) {
		clientGotText = string(data)
	}, func(gracefully bool) {
		clientClosed = gracefully
	})

	if err := client.Send([]byte("Hello"), false); err != nil {
		t.Fatalf("client send: %v", err)
	}
	server.Feed(clientToServer.drain())

	if serverGotText != "Hello" {
		t.Fatalf("server got %q want %q", serverGotText, "Hello")
	}
	client.Feed(serverToClient.drain())
	if clientGotText != "World" {
		t.Fatalf("client got %q want %q", clientGotText, "World")
	}

	client.Close(1000, "")
	server.Feed(clientToServer.drain())
	client.Feed(serverToClient.drain())

	deadline := time.Now().Add(100 * time.Millisecond)
	for !serverClosed && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if !serverClosed {
		t.Fatal("expected server close callback to fire gracefully")
	}
	if !clientClosed {
		t.Fatal("expected client close callback to fire gracefully")
	}
}

func TestV8MaskedFrameFromClientIsUnmaskedOnReceipt(t *testing.T) {
	toServer := &pipe{}
	server := NewSession(Version8, true, nil, nil)
	var got string
	server.Bind(nil, func(data []byte, isBinary bool) { got = string(data) }, func(bool) {})

	frame, err := EncodeV8Frame(OpText, []byte("masked-payload"), true, true)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = toServer.Write(frame)
	server.Feed(toServer.drain())

	if got != "masked-payload" {
		t.Fatalf("got %q want %q", got, "masked-payload")
	}
}

func TestV8FrameSplitAcrossMultipleFeedsStillParses(t *testing.T) {
	server := NewSession(Version8, true, nil, nil)
	var got string
	server.Bind(nil, func(data []byte, isBinary bool) { got = string(data) }, func(bool) {})

	frame, err := EncodeV8Frame(OpText, []byte("split-me"), true, true)
	if err != nil {
		t.Fatal(err)
	}
	for _, b := range frame {
		server.Feed([]byte{b})
	}

	if got != "split-me" {
		t.Fatalf("got %q want %q", got, "split-me")
	}
}

func TestV0TextRoundTrip(t *testing.T) {
	buf := &pipe{}
	server := NewSession(Version0, true, nil, buf)
	var got string
	server.Bind(nil, func(data []byte, isBinary bool) { got = string(data) }, func(bool) {})

	client := NewSession(Version0, false, nil, buf)
	if err := client.Send([]byte("hi"), false); err != nil {
		t.Fatal(err)
	}
	server.Feed(buf.drain())

	if got != "hi" {
		t.Fatalf("got %q want %q", got, "hi")
	}
}

func TestV0CloseFrameTriggersCloseCallback(t *testing.T) {
	buf := &pipe{}
	server := NewSession(Version0, true, nil, buf)
	closed := false
	server.Bind(nil, func([]byte, bool) {}, func(gracefully bool) { closed = gracefully })

	buf.Write(EncodeV0Close())
	server.Feed(buf.drain())

	if !closed {
		t.Fatal("expected close callback to fire gracefully on a v0 close frame")
	}
}

func TestSendAfterCloseIsRefused(t *testing.T) {
	s := NewSession(Version8, false, nil, &pipe{})
	s.Close(1000, "")
	if err := s.Send([]byte("too late"), false); err == nil {
		t.Fatal("expected Send after Close to be refused")
	}
}
