//go:build linux

package evdsocket

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/evdance/evd/poller"
	"github.com/evdance/evd/scheduler"
)

func TestListenConnectAcceptOverUnixSocket(t *testing.T) {
	p, err := poller.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	ctx := scheduler.New()
	go ctx.Run()
	defer ctx.Stop()

	sockPath := filepath.Join(t.TempDir(), "evd.sock")
	_ = os.Remove(sockPath)

	listener := New(p, ctx, Stream)
	accepted := make(chan *Socket, 1)
	listener.SetOnNewConnection(func(s *Socket) { accepted <- s })

	if err := listener.Listen(sockPath, nil).Await().Err; err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer listener.Close()

	client := New(p, ctx, Stream)
	connectResult := client.Connect(sockPath, nil).Await()
	if connectResult.Err != nil {
		t.Fatalf("connect failed: %v", connectResult.Err)
	}
	defer client.Close()

	select {
	case peer := <-accepted:
		if peer.State() != Connected {
			t.Fatalf("expected accepted peer to be Connected, got %v", peer.State())
		}
		peer.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("listener never accepted the connection")
	}

	if client.State() != Connected {
		t.Fatalf("expected client Connected, got %v", client.State())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	p, err := poller.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	s := New(p, scheduler.Default, Stream)
	if err := s.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close should be a no-op, got: %v", err)
	}
	if s.State() != Closed {
		t.Fatalf("expected Closed, got %v", s.State())
	}
}
