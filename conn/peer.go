package conn

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Peer is spec §3's entity: an opaque identifier for an endpoint plus an
// activity timestamp, owned by a peer-manager external collaborator. The
// core only ever touches the timestamp on every received frame and the
// "is connected" relation (peer -> connection); everything else (presence,
// routing, naming) is out of scope (spec §1).
//
// The identifier is a github.com/google/uuid.UUID rather than a sequence
// counter or address string: addresses are reused across reconnects and
// sequence counters don't survive a peer-manager restart, whereas a v4
// UUID stays a stable opaque identity for the lifetime the peer-manager
// chooses to track it under, the same role RFC4122 ids play for messages
// in the retrieval pack's message-bus code.
type Peer struct {
	mu sync.RWMutex

	id         uuid.UUID
	lastActive time.Time
	conn       *Connection
}

// NewPeer mints a Peer with a fresh random (v4) identifier, optionally
// bound to an already-established Connection.
func NewPeer(c *Connection) *Peer {
	return &Peer{id: uuid.New(), lastActive: time.Now(), conn: c}
}

// ID returns the peer's opaque identifier.
func (p *Peer) ID() uuid.UUID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.id
}

// Touch stamps the activity timestamp. Nothing in this package calls it;
// the owner of the Peer calls it for each received frame.
func (p *Peer) Touch() {
	p.mu.Lock()
	p.lastActive = time.Now()
	p.mu.Unlock()
}

// LastActive returns the timestamp of the most recent Touch.
func (p *Peer) LastActive() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastActive
}

// Bind sets the peer -> connection relation. IsConnected reports whether
// that relation currently points at a live (not yet closed) Connection.
func (p *Peer) Bind(c *Connection) {
	p.mu.Lock()
	p.conn = c
	p.mu.Unlock()
}

func (p *Peer) Connection() *Connection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.conn
}

func (p *Peer) IsConnected() bool {
	p.mu.RLock()
	c := p.conn
	p.mu.RUnlock()
	return c != nil && !c.IsClosed()
}
