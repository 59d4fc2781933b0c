//go:build linux

package conn

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/evdance/evd/evdsocket"
	"github.com/evdance/evd/poller"
	"github.com/evdance/evd/scheduler"
)

func dialPair(t *testing.T) (client, server *evdsocket.Socket, p *poller.Poller, ctx *scheduler.Context) {
	t.Helper()
	p, err := poller.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { p.Close() })

	ctx = scheduler.New()
	go ctx.Run()
	t.Cleanup(ctx.Stop)

	sockPath := filepath.Join(t.TempDir(), "evd.sock")
	_ = os.Remove(sockPath)

	listener := evdsocket.New(p, ctx, evdsocket.Stream)
	accepted := make(chan *evdsocket.Socket, 1)
	listener.SetOnNewConnection(func(s *evdsocket.Socket) { accepted <- s })

	if err := listener.Listen(sockPath, nil).Await().Err; err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	client = evdsocket.New(p, ctx, evdsocket.Stream)
	if r := client.Connect(sockPath, nil).Await(); r.Err != nil {
		t.Fatalf("connect: %v", r.Err)
	}

	select {
	case server = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("listener never accepted")
	}
	return client, server, p, ctx
}

func TestReadWriteRoundTripsThroughFullChain(t *testing.T) {
	clientSock, serverSock, _, ctx := dialPair(t)

	client := New(clientSock, ctx, 0, 0)
	server := New(serverSock, ctx, 0, 0)
	defer client.Close()
	defer server.Close()

	read := make(chan []byte, 1)
	server.SetOnNotify(func(poller.Condition) {
		buf := make([]byte, 64)
		n, err := server.Read(buf)
		if n > 0 {
			read <- append([]byte(nil), buf[:n]...)
		}
		_ = err
	})

	if _, err := client.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case got := <-read:
		if string(got) != "hello" {
			t.Fatalf("got %q want %q", got, "hello")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never observed the write")
	}
}

func TestCloseIsIdempotentAndClearsIsClosed(t *testing.T) {
	clientSock, serverSock, _, ctx := dialPair(t)
	client := New(clientSock, ctx, 0, 0)
	defer serverSock.Close()

	if client.IsClosed() {
		t.Fatal("expected not closed before Close")
	}
	if err := client.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("second close should be a no-op: %v", err)
	}
	if !client.IsClosed() {
		t.Fatal("expected IsClosed after Close")
	}
}

func TestLockCloseDefersHupUntilUnlock(t *testing.T) {
	clientSock, serverSock, _, ctx := dialPair(t)
	client := New(clientSock, ctx, 0, 0)
	server := New(serverSock, ctx, 0, 0)
	defer client.Close()

	closed := make(chan struct{})
	server.SetOnClose(func() { close(closed) })

	server.LockClose()
	client.Close()

	select {
	case <-closed:
		t.Fatal("server closed while lock held")
	case <-time.After(200 * time.Millisecond):
	}

	server.UnlockClose()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("server never closed after unlock")
	}
}

func TestGroupJoinSplicesSharedThrottleIntoChain(t *testing.T) {
	clientSock, serverSock, _, ctx := dialPair(t)
	client := New(clientSock, ctx, 0, 0)
	defer client.Close()
	defer serverSock.Close()

	g := NewGroup("peers", 0, 0)
	g.Join(client)
	if g.Size() != 1 {
		t.Fatalf("expected 1 member, got %d", g.Size())
	}
	if client.group != g {
		t.Fatal("expected client.group to be set")
	}
	if ch := client.chain(); len(ch) != 2 || ch[1] != g.Throttle() {
		t.Fatalf("expected the group throttle in the chain, got %v", ch)
	}

	g.Leave(client)
	if g.Size() != 0 {
		t.Fatalf("expected 0 members after Leave, got %d", g.Size())
	}
	if client.group != nil {
		t.Fatal("expected client.group to be cleared after Leave")
	}
}
