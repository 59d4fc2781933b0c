// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package main

import (
	"log"
	"sync"

	"github.com/evdance/evd/conn"
	"github.com/evdance/evd/evderr"
	"github.com/evdance/evd/jsonfilter"
	"github.com/evdance/evd/poller"
	"github.com/evdance/evd/wsframe"
)

// bridge pumps bytes between a just-accepted local Connection and a
// Connection drawn from the remote pool, the same "copy until either side
// closes" shape client/main.go's muxed smux.Stream copy gave a single
// KCP-tunneled TCP accept, generalized to this spec's reactor Connections:
// each side's SetOnNotify callback drains what is currently readable and
// forwards it, instead of blocking on io.Copy.
//
// remote's SetOnClose is owned by pool.Pool (it is how the pool notices a
// pooled connection died and reconnects), so bridge never overwrites it;
// instead a read failure on remote is detected directly in pump and
// treated as "this connection cannot be recycled."
type bridge struct {
	local, remote *conn.Connection
	recycle       func(*conn.Connection) bool
	onDone        func()
	once          sync.Once
}

func newBridge(local, remote *conn.Connection, recycle func(*conn.Connection) bool, onDone func()) *bridge {
	b := &bridge{local: local, remote: remote, recycle: recycle, onDone: onDone}
	local.SetOnNotify(func(c poller.Condition) { b.pump(local, remote, c, false) })
	remote.SetOnNotify(func(c poller.Condition) { b.pump(remote, local, c, true) })
	local.SetOnClose(func() { b.finish(true) })
	return b
}

func (b *bridge) pump(from, to *conn.Connection, cond poller.Condition, fromIsRemote bool) {
	if cond&poller.Read == 0 {
		return
	}
	buf := make([]byte, 16*1024)
	for {
		n, err := from.Read(buf)
		if n > 0 {
			if _, werr := to.Write(buf[:n]); werr != nil && !evderr.Is(werr, evderr.WouldBlock) {
				b.finish(!fromIsRemote)
				return
			}
		}
		if err != nil {
			if !evderr.Is(err, evderr.WouldBlock) {
				b.finish(!fromIsRemote)
			}
			return
		}
	}
}

// finish tears the bridge down exactly once. recycleRemote is true only
// when local is the side that ended first: remote may still be healthy,
// so it is handed back to the pool instead of closed outright.
func (b *bridge) finish(recycleRemote bool) {
	b.once.Do(func() {
		b.local.Close()
		if !recycleRemote || b.recycle == nil || !b.recycle(b.remote) {
			b.remote.Close()
		}
		if b.onDone != nil {
			b.onDone()
		}
	})
}

// jsonFramed wires a jsonfilter.Filter onto a Connection's inbound byte
// stream: each JSON value the socket delivers is logged as a discrete
// packet rather than being bridged byte-for-byte, grounded on
// jsonfilter.Stream's Filter+SetOnPacket pairing but driven from the
// Connection's own non-blocking SetOnNotify instead of a blocking pump
// goroutine.
func jsonFramed(c *conn.Connection, onPacket func([]byte)) {
	f := jsonfilter.New()
	f.SetOnPacket(onPacket)
	c.SetOnNotify(func(cond poller.Condition) {
		if cond&poller.Read == 0 {
			return
		}
		buf := make([]byte, 4096)
		for {
			n, err := c.Read(buf)
			if n > 0 {
				if ferr := f.Feed(buf[:n]); ferr != nil {
					log.Printf("evd-tunnel: malformed json, closing: %v", ferr)
					c.Close()
					return
				}
			}
			if err != nil {
				return
			}
		}
	})
}

// websocketFramed wires a wsframe.Session onto a Connection the same way,
// so evd-tunnel can demonstrate terminating either v0 or v8 WebSocket
// framing directly on a pooled Connection.
func websocketFramed(c *conn.Connection, sess *wsframe.Session) {
	c.SetOnNotify(func(cond poller.Condition) {
		if cond&poller.Read == 0 {
			return
		}
		buf := make([]byte, 4096)
		for {
			n, err := c.Read(buf)
			if n > 0 {
				sess.Feed(buf[:n])
			}
			if err != nil {
				return
			}
		}
	})
}
