package stream

import (
	"io"

	"github.com/evdance/evd/promise"
	"github.com/evdance/evd/scheduler"
)

// BufferedOutputStream is the top of the outbound chain (spec §3/§4.5): a
// FIFO byte buffer that either queues writes for an explicit Flush, or (in
// auto-flush mode) passes data straight through to base whenever the buffer
// is already empty, queuing only the short-write remainder. A short write
// from base always leaves the remainder head-aligned at buf[0], so Flush
// never needs to track an offset separately from len(buf).
type BufferedOutputStream struct {
	base io.Writer
	ctx  *scheduler.Context

	buf        []byte
	targetSize int
	autoFlush  bool

	pending *promise.Deferred
}

func NewBufferedOutputStream(base io.Writer, ctx *scheduler.Context, targetSize int) *BufferedOutputStream {
	if ctx == nil {
		ctx = scheduler.Default
	}
	return &BufferedOutputStream{base: base, ctx: ctx, targetSize: targetSize, autoFlush: true}
}

// SetAutoFlush toggles whether Write may pass through to base immediately.
// conn.Connection disables this for the duration of a TLS handshake splice
// (spec §4.6), since during the splice base is being swapped out from under
// this stream.
func (b *BufferedOutputStream) SetAutoFlush(on bool) { b.autoFlush = on }

func (b *BufferedOutputStream) Buffered() int { return len(b.buf) }

// Write accepts the full payload unless a pass-through write to base fails:
// data is either queued or (when auto-flush applies and nothing is already
// pending) handed straight to base, with any short-write remainder queued
// for the next Flush. If that base write returns an error, Write returns
// base's count and error and queues nothing.
func (b *BufferedOutputStream) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	if b.autoFlush && len(b.buf) == 0 {
		n, err := b.base.Write(p)
		if err != nil {
			return n, err
		}
		if n < len(p) {
			b.buf = append(b.buf, p[n:]...)
		}
		return len(p), nil
	}

	b.buf = append(b.buf, p...)
	return len(p), nil
}

// Flush drains as much of the buffer as base currently accepts. It returns
// true once the buffer is fully drained; a false return with a nil error
// means base applied backpressure (a short or zero-length write) and the
// remainder is left queued, head-aligned, for the next attempt.
func (b *BufferedOutputStream) Flush() (bool, error) {
	for len(b.buf) > 0 {
		n, err := b.base.Write(b.buf)
		if err != nil {
			return false, err
		}
		if n == 0 {
			return false, nil
		}
		b.buf = b.buf[n:]
	}
	return true, nil
}

// FlushAsync returns a Promise that completes once the buffer is fully
// drained. If Flush drains it immediately the Promise completes on the
// context's next turn (via CompleteInIdle); otherwise the caller is expected to call Continue on each
// subsequent writable edge until it returns true.
func (b *BufferedOutputStream) FlushAsync(cancellable *promise.Cancellable) *promise.Promise {
	d, p := promise.New(b.ctx, cancellable, "flush")
	drained, err := b.Flush()
	if err != nil {
		d.TakeResultError(err)
		return p
	}
	if drained {
		d.CompleteInIdle(promise.Result{})
		return p
	}
	b.pending = d
	return p
}

// Continue re-attempts a pending async flush; conn.Connection calls this on
// every writable edge while a FlushAsync is outstanding.
func (b *BufferedOutputStream) Continue() {
	if b.pending == nil {
		return
	}
	drained, err := b.Flush()
	if err != nil {
		d := b.pending
		b.pending = nil
		d.TakeResultError(err)
		return
	}
	if drained {
		d := b.pending
		b.pending = nil
		d.Complete()
	}
}

// BufferedInputStream is the top of the inbound chain: it pulls from base in
// targetSize chunks and serves Read calls out of the resulting queue, so a
// consumer asking for small slices doesn't force a syscall per call. Freeze
// suspends pulls from base during a TLS handshake splice (spec §4.6), while
// still serving whatever is already queued.
type BufferedInputStream struct {
	base       io.Reader
	targetSize int
	frozen     bool

	buf []byte
}

func NewBufferedInputStream(base io.Reader, targetSize int) *BufferedInputStream {
	if targetSize <= 0 {
		targetSize = 4096
	}
	return &BufferedInputStream{base: base, targetSize: targetSize}
}

func (b *BufferedInputStream) SetFrozen(frozen bool) { b.frozen = frozen }

func (b *BufferedInputStream) Read(p []byte) (int, error) {
	if len(b.buf) == 0 {
		if b.frozen {
			return 0, nil
		}
		chunk := make([]byte, b.targetSize)
		n, err := b.base.Read(chunk)
		if n > 0 {
			b.buf = append(b.buf, chunk[:n]...)
		}
		if len(b.buf) == 0 {
			return 0, err
		}
		// A read error alongside buffered data (e.g. io.EOF) is deferred to
		// the next call, once the buffer it came with has been drained.
	}

	n := copy(p, b.buf)
	b.buf = b.buf[n:]
	return n, nil
}
