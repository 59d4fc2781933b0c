package throttle

import (
	"testing"
	"time"
)

func TestUnlimitedAllowsEverything(t *testing.T) {
	th := New(0, 0)
	allowed, hint := th.Request(4096)
	if allowed != 4096 || hint != 0 {
		t.Fatalf("expected full allowance, got %d hint %d", allowed, hint)
	}
}

func TestBandwidthClampsAndHints(t *testing.T) {
	th := New(1024, 0)
	allowed, hint := th.Request(4096)
	if allowed != 1024 {
		t.Fatalf("expected 1024 bytes allowed, got %d", allowed)
	}
	if hint <= 0 {
		t.Fatalf("expected a positive retry hint, got %d", hint)
	}
	th.Report(allowed)

	allowed2, _ := th.Request(100)
	if allowed2 != 0 {
		t.Fatalf("expected budget exhausted this second, got %d", allowed2)
	}
}

func TestLatencyFloorBlocksUntilElapsed(t *testing.T) {
	th := New(0, 50*time.Millisecond)
	allowed, _ := th.Request(10)
	if allowed != 10 {
		t.Fatalf("first request should pass, got %d", allowed)
	}
	th.Report(10)

	allowed2, hint := th.Request(10)
	if allowed2 != 0 {
		t.Fatalf("expected zero allowance within latency window, got %d", allowed2)
	}
	if hint <= 0 {
		t.Fatalf("expected positive hint, got %d", hint)
	}

	time.Sleep(60 * time.Millisecond)
	allowed3, _ := th.Request(10)
	if allowed3 != 10 {
		t.Fatalf("expected allowance after latency window elapsed, got %d", allowed3)
	}
}

func TestChainTakesElementwiseMinAndMaxHint(t *testing.T) {
	a := New(1024, 0)
	b := New(512, 0)
	chain := Chain{a, b}

	allowed, hint := chain.Request(4096)
	if allowed != 512 {
		t.Fatalf("expected min(1024,512)=512, got %d", allowed)
	}
	if hint <= 0 {
		t.Fatalf("expected positive hint since both throttles clamped, got %d", hint)
	}
}

func TestSecondRolloverResetsCounter(t *testing.T) {
	th := New(100, 0)
	allowed, _ := th.Request(100)
	th.Report(allowed)

	allowed2, _ := th.Request(10)
	if allowed2 != 0 {
		t.Fatalf("expected exhausted budget, got %d", allowed2)
	}

	// Force rollover by rewinding secondStart rather than sleeping a full
	// second in a unit test.
	th.mu.Lock()
	th.secondStart = th.secondStart.Add(-2 * time.Second)
	th.mu.Unlock()

	allowed3, _ := th.Request(10)
	if allowed3 != 10 {
		t.Fatalf("expected budget to reset after rollover, got %d", allowed3)
	}
}
