package conn

import (
	"sync"
	"time"

	"github.com/evdance/evd/throttle"
)

// Group is the SPEC_FULL.md supplement grounded on
// _examples/original_source/evd/evd-connection-group.h/.c: a named set of
// Connections that share one Throttle, spliced into each member's chain at
// join time (spec §3's "back-reference to an optional group whose
// throttles are added to the chain").
type Group struct {
	mu      sync.Mutex
	name    string
	members map[*Connection]struct{}

	throttle *throttle.Throttle
}

// NewGroup creates a Group with its own shared Throttle. bandwidth/
// minLatency configure the group-wide limit; pass 0/0 for no shared limit
// (members still have their own per-connection Throttle).
func NewGroup(name string, bandwidth int64, minLatencyMs int) *Group {
	return &Group{
		name:     name,
		members:  make(map[*Connection]struct{}),
		throttle: throttle.New(bandwidth, time.Duration(minLatencyMs)*time.Millisecond),
	}
}

func (g *Group) Name() string           { return g.name }
func (g *Group) Size() int              { g.mu.Lock(); defer g.mu.Unlock(); return len(g.members) }
func (g *Group) Throttle() *throttle.Throttle { return g.throttle }

// Join splices the group's shared throttle into c's chain and records
// membership; Leave undoes both. A Connection belongs to at most one Group
// at a time (joining a second one replaces the first).
func (g *Group) Join(c *Connection) {
	c.mu.Lock()
	if c.group != nil && c.group != g {
		old := c.group
		c.group = nil
		c.mu.Unlock()
		old.Leave(c)
		c.mu.Lock()
	}
	c.group = g
	c.throttledIn.SetChain(c.chain())
	c.throttledOut.SetChain(c.chain())
	c.mu.Unlock()

	g.mu.Lock()
	g.members[c] = struct{}{}
	g.mu.Unlock()
}

func (g *Group) Leave(c *Connection) {
	g.mu.Lock()
	delete(g.members, c)
	g.mu.Unlock()

	c.mu.Lock()
	if c.group == g {
		c.group = nil
		c.throttledIn.SetChain(c.chain())
		c.throttledOut.SetChain(c.chain())
	}
	c.mu.Unlock()
}

// Members returns a snapshot of the connections currently in the group.
func (g *Group) Members() []*Connection {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Connection, 0, len(g.members))
	for c := range g.members {
		out = append(out, c)
	}
	return out
}
