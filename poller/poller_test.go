//go:build linux

package poller

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/evdance/evd/scheduler"
)

func TestRegisterDispatchesReadableEdge(t *testing.T) {
	p, err := New(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	ctx := scheduler.New()
	go ctx.Run()
	defer ctx.Stop()

	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK); err != nil {
		t.Fatal(err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	got := make(chan Condition, 1)
	_, err = p.Register(fds[0], Read, scheduler.PriorityDefault, ctx, func(cond Condition) {
		got <- cond
	})
	if err != nil {
		t.Fatal(err)
	}

	unix.Write(fds[1], []byte("x"))

	select {
	case cond := <-got:
		if !cond.Has(Read) {
			t.Fatalf("expected Read bit set, got %v", cond)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("callback never fired")
	}
}

func TestUnregisterPreventsFurtherCallbacks(t *testing.T) {
	p, err := New(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	ctx := scheduler.New()
	go ctx.Run()
	defer ctx.Stop()

	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK); err != nil {
		t.Fatal(err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	calls := 0
	done := make(chan struct{})
	sess, err := p.Register(fds[0], Read, scheduler.PriorityDefault, ctx, func(cond Condition) {
		calls++
		close(done)
	})
	if err != nil {
		t.Fatal(err)
	}

	unix.Write(fds[1], []byte("x"))
	<-done

	if err := p.Unregister(sess); err != nil {
		t.Fatal(err)
	}

	unix.Write(fds[1], []byte("y"))
	time.Sleep(100 * time.Millisecond)

	if calls != 1 {
		t.Fatalf("expected exactly one callback before unregister, got %d", calls)
	}
}

func TestRegisterRejectsDuplicateFd(t *testing.T) {
	p, err := New(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	ctx := scheduler.New()
	go ctx.Run()
	defer ctx.Stop()

	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK); err != nil {
		t.Fatal(err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	if _, err := p.Register(fds[0], Read, scheduler.PriorityDefault, ctx, func(Condition) {}); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Register(fds[0], Read, scheduler.PriorityDefault, ctx, func(Condition) {}); err == nil {
		t.Fatal("expected error on duplicate registration")
	}
}
