//go:build linux

package pool

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/evdance/evd/conn"
	"github.com/evdance/evd/evdsocket"
	"github.com/evdance/evd/poller"
	"github.com/evdance/evd/promise"
	"github.com/evdance/evd/scheduler"
)

// newEchoListener starts a background acceptor on sockPath that simply
// keeps every accepted connection open, so the pool under test has
// something real to dial.
func newEchoListener(t *testing.T, p *poller.Poller, ctx *scheduler.Context) string {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "evd.sock")
	_ = os.Remove(sockPath)

	listener := evdsocket.New(p, ctx, evdsocket.Stream)
	listener.SetOnNewConnection(func(s *evdsocket.Socket) {})
	if err := listener.Listen(sockPath, nil).Await().Err; err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { listener.Close() })
	return sockPath
}

func newPoolHarness(t *testing.T) (*poller.Poller, *scheduler.Context, string) {
	t.Helper()
	p, err := poller.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { p.Close() })

	ctx := scheduler.New()
	go ctx.Run()
	t.Cleanup(ctx.Stop)

	return p, ctx, newEchoListener(t, p, ctx)
}

func TestGetConnectionReturnsDistinctReadyConnections(t *testing.T) {
	p, ctx, addr := newPoolHarness(t)
	pl := New(p, ctx, addr, 2, 4)
	defer pl.Close()

	time.Sleep(100 * time.Millisecond) // let the min=2 warm-up connects settle

	r1 := pl.GetConnection(nil).Await()
	if r1.Err != nil {
		t.Fatalf("get 1: %v", r1.Err)
	}
	r2 := pl.GetConnection(nil).Await()
	if r2.Err != nil {
		t.Fatalf("get 2: %v", r2.Err)
	}
	if r1.Value == r2.Value {
		t.Fatal("expected distinct connection objects")
	}
}

func TestPoolSaturationQueuesRequestsUntilRecycle(t *testing.T) {
	p, ctx, addr := newPoolHarness(t)
	pl := New(p, ctx, addr, 2, 4)
	defer pl.Close()

	time.Sleep(100 * time.Millisecond)

	var got []*promise.Promise
	for i := 0; i < 6; i++ {
		got = append(got, pl.GetConnection(nil))
	}

	settledWithin := func(idx int, d time.Duration) (promise.Result, bool) {
		done := make(chan promise.Result, 1)
		got[idx].Then(func(r promise.Result) { done <- r })
		select {
		case r := <-done:
			return r, true
		case <-time.After(d):
			return promise.Result{}, false
		}
	}

	var resolved []*conn.Connection
	for i := 0; i < 4; i++ {
		r, ok := settledWithin(i, 2*time.Second)
		if !ok || r.Err != nil {
			t.Fatalf("request %d did not resolve within max: ok=%v err=%v", i, ok, r.Err)
		}
		resolved = append(resolved, r.Value.(*conn.Connection))
	}

	if _, ok := settledWithin(4, 300*time.Millisecond); ok {
		t.Fatal("5th request resolved before max capacity was freed")
	}

	if !pl.Recycle(resolved[0]) {
		t.Fatal("expected recycle of an open connection to succeed")
	}

	r, ok := settledWithin(4, 2*time.Second)
	if !ok || r.Err != nil {
		t.Fatalf("5th request did not resolve after recycle: ok=%v err=%v", ok, r.Err)
	}
}

func TestCloseFailsAllPendingRequests(t *testing.T) {
	p, ctx, addr := newPoolHarness(t)
	pl := New(p, ctx, addr, 0, 1)

	time.Sleep(50 * time.Millisecond)

	first := pl.GetConnection(nil).Await()
	if first.Err != nil {
		t.Fatalf("first get: %v", first.Err)
	}

	second := pl.GetConnection(nil)
	pl.Close()

	r := second.Await()
	if r.Err == nil {
		t.Fatal("expected pending request to fail once the pool tears down")
	}
}
