package scheduler

import (
	"sync"
	"testing"
	"time"
)

func TestIdleRunsOnNextTurn(t *testing.T) {
	c := New()
	go c.Run()
	defer c.Stop()

	done := make(chan struct{})
	c.Idle(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("idle task never ran")
	}
}

func TestScheduleOrdersByDueTime(t *testing.T) {
	c := New()
	go c.Run()
	defer c.Stop()

	var mu sync.Mutex
	var order []int

	var wg sync.WaitGroup
	wg.Add(3)
	c.Schedule(30, PriorityDefault, func() {
		mu.Lock()
		order = append(order, 3)
		mu.Unlock()
		wg.Done()
	})
	c.Schedule(10, PriorityDefault, func() {
		mu.Lock()
		order = append(order, 1)
		mu.Unlock()
		wg.Done()
	})
	c.Schedule(20, PriorityDefault, func() {
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		wg.Done()
	})

	wg.Wait()
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("unexpected order: %v", order)
	}
}

func TestCancelPreventsExecution(t *testing.T) {
	c := New()
	go c.Run()
	defer c.Stop()

	ran := false
	id := c.Schedule(20, PriorityDefault, func() { ran = true })
	c.Cancel(id)

	done := make(chan struct{})
	c.Schedule(40, PriorityDefault, func() { close(done) })
	<-done

	if ran {
		t.Fatal("canceled task ran")
	}
}
