// Package pool implements spec §3/§4.7 ConnectionPool: a pre-warmed,
// bounded set of connections to a fixed address, a FIFO request queue, and
// a recycle path, grounded on the teacher's own client-side connection
// reuse (client/dial.go redialing a fixed remote) generalized from "one
// long-lived tunnel" to "many pooled, recyclable connections."
package pool

import (
	"sync"

	"github.com/evdance/evd/conn"
	"github.com/evdance/evd/evderr"
	"github.com/evdance/evd/evdsocket"
	"github.com/evdance/evd/poller"
	"github.com/evdance/evd/promise"
	"github.com/evdance/evd/scheduler"
)

// Pool is spec §3's ConnectionPool: total_sockets = |ready| + |inflight|
// is maintained as an invariant by every mutating path below.
type Pool struct {
	mu sync.Mutex

	poller  *poller.Poller
	ctx     *scheduler.Context
	address string
	min     int
	max     int

	ready    []*conn.Connection
	inflight map[*evdsocket.Socket]struct{}
	requests []*promise.Deferred

	torndown bool
}

// New creates a Pool targeting address and immediately starts sockets
// until |inflight|+|ready| >= min (spec §4.7 "On construction, start new
// sockets until...").
func New(p *poller.Poller, ctx *scheduler.Context, address string, min, max int) *Pool {
	if ctx == nil {
		ctx = scheduler.Default
	}
	pl := &Pool{
		poller:   p,
		ctx:      ctx,
		address:  address,
		min:      min,
		max:      max,
		inflight: make(map[*evdsocket.Socket]struct{}),
	}
	pl.mu.Lock()
	pl.topUpLocked()
	pl.mu.Unlock()
	return pl
}

func (pl *Pool) totalLocked() int { return len(pl.ready) + len(pl.inflight) }

// topUpLocked starts new sockets while below min, mirroring the
// construction-time policy so it can be reused after a request/reconnect
// brings total back under min.
func (pl *Pool) topUpLocked() {
	for pl.totalLocked() < pl.min {
		pl.startSocketLocked()
	}
}

func (pl *Pool) startSocketLocked() {
	sock := evdsocket.New(pl.poller, pl.ctx, evdsocket.Stream)
	pl.inflight[sock] = struct{}{}
	sock.Connect(pl.address, nil).Then(func(r promise.Result) {
		pl.onSocketSettled(sock, r.Err)
	})
}

// onSocketSettled handles both a successful connect and a connect failure
// (spec §4.7 "On a socket completing connect successfully: ..." / "On a
// socket connect failure or close: ...").
func (pl *Pool) onSocketSettled(sock *evdsocket.Socket, err error) {
	pl.mu.Lock()
	if pl.torndown {
		pl.mu.Unlock()
		return
	}
	delete(pl.inflight, sock)

	if err != nil {
		pl.handleGoneLocked(sock)
		return
	}

	c := conn.New(sock, pl.ctx, 0, 0)
	c.SetOnClose(func() { pl.onConnectionClosed(c) })

	if len(pl.requests) > 0 {
		d := pl.requests[0]
		pl.requests = pl.requests[1:]
		pl.topUpLocked()
		pl.mu.Unlock()
		d.SetResultPointer(c)
		return
	}

	pl.ready = append(pl.ready, c)
	pl.mu.Unlock()
}

// handleGoneLocked implements the shared discard-vs-reconnect policy for
// both a failed connect and a closed ready/inflight socket (spec §4.7:
// "total >= max, or total >= min and no requests: discard; else reuse the
// underlying socket to reconnect"). Callers must hold pl.mu and it always
// unlocks before returning.
func (pl *Pool) handleGoneLocked(sock *evdsocket.Socket) {
	if pl.totalLocked() >= pl.max || (pl.totalLocked() >= pl.min && len(pl.requests) == 0) {
		pl.mu.Unlock()
		return
	}
	pl.inflight[sock] = struct{}{}
	pl.mu.Unlock()
	sock.Connect(pl.address, nil).Then(func(r promise.Result) {
		pl.onSocketSettled(sock, r.Err)
	})
}

func (pl *Pool) onConnectionClosed(c *conn.Connection) {
	pl.mu.Lock()
	if pl.torndown {
		pl.mu.Unlock()
		return
	}
	for i, rc := range pl.ready {
		if rc == c {
			pl.ready = append(pl.ready[:i], pl.ready[i+1:]...)
			break
		}
	}
	pl.handleGoneLocked(c.Socket())
}

// GetConnection is spec §4.7's get_connection(cancellable).
func (pl *Pool) GetConnection(cancellable *promise.Cancellable) *promise.Promise {
	d, p := promise.New(pl.ctx, cancellable, "get-connection")

	pl.mu.Lock()
	if pl.torndown {
		pl.mu.Unlock()
		d.TakeResultError(evderr.Wrap(evderr.Closed, "pool: closed"))
		return p
	}

	if len(pl.ready) > 0 {
		c := pl.ready[0]
		pl.ready = pl.ready[1:]
		if pl.totalLocked() < pl.min {
			pl.startSocketLocked()
		}
		pl.mu.Unlock()
		d.SetResultPointer(c)
		return p
	}

	pl.requests = append(pl.requests, d)
	if pl.totalLocked() < pl.max {
		pl.startSocketLocked()
	}
	pl.mu.Unlock()

	if cancellable != nil {
		cancellable.OnCancel(func() {
			pl.mu.Lock()
			for i, rd := range pl.requests {
				if rd == d {
					pl.requests = append(pl.requests[:i], pl.requests[i+1:]...)
					break
				}
			}
			pl.mu.Unlock()
		})
	}

	return p
}

// Recycle is spec §4.7's recycle(conn): if conn is not closed and
// total < max, it is returned to the pool via the new-connection path
// (fulfilling a waiting request, or rejoining ready).
func (pl *Pool) Recycle(c *conn.Connection) bool {
	pl.mu.Lock()
	if pl.torndown || c.IsClosed() {
		pl.mu.Unlock()
		return false
	}
	if pl.totalLocked() >= pl.max {
		pl.mu.Unlock()
		return false
	}

	if len(pl.requests) > 0 {
		d := pl.requests[0]
		pl.requests = pl.requests[1:]
		pl.mu.Unlock()
		d.SetResultPointer(c)
		return true
	}

	pl.ready = append(pl.ready, c)
	pl.mu.Unlock()
	return true
}

// HasFree is spec §4.7's has_free().
func (pl *Pool) HasFree() bool {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return len(pl.ready) > 0
}

// Total reports the current total_sockets invariant (|ready| + |inflight|).
func (pl *Pool) Total() int {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return pl.totalLocked()
}

// Close tears the pool down: every pending request fails with
// IoError.Closed (spec §4.7), and every ready connection is closed.
func (pl *Pool) Close() {
	pl.mu.Lock()
	if pl.torndown {
		pl.mu.Unlock()
		return
	}
	pl.torndown = true
	requests := pl.requests
	pl.requests = nil
	ready := pl.ready
	pl.ready = nil
	pl.mu.Unlock()

	for _, d := range requests {
		d.TakeResultError(evderr.Wrap(evderr.Closed, "pool: closed"))
	}
	for _, c := range ready {
		c.Close()
	}
}
