package conn

import "testing"

func TestNewPeerHasDistinctIDs(t *testing.T) {
	a := NewPeer(nil)
	b := NewPeer(nil)
	if a.ID() == b.ID() {
		t.Fatal("expected distinct peer ids")
	}
}

func TestPeerIsConnectedReflectsBoundConnection(t *testing.T) {
	p := NewPeer(nil)
	if p.IsConnected() {
		t.Fatal("expected not connected with no bound Connection")
	}

	c := &Connection{}
	p.Bind(c)
	if !p.IsConnected() {
		t.Fatal("expected connected once bound to a non-closed Connection")
	}

	c.closed = true
	if p.IsConnected() {
		t.Fatal("expected not connected once the bound Connection is closed")
	}
}

func TestTouchDoesNotRegressLastActive(t *testing.T) {
	p := NewPeer(nil)
	first := p.LastActive()
	p.Touch()
	if !p.LastActive().After(first) && p.LastActive() != first {
		// Touch uses time.Now(); on a fast enough clock the two calls can
		// land in the same tick, so only fail if it went backwards.
		t.Fatalf("expected LastActive not to regress: first=%v second=%v", first, p.LastActive())
	}
}
