// Package promise implements the Deferred/Promise pair from spec §3/§4.10:
// an async result with exactly one completion and any number of listeners.
// Listeners attached before completion run in insertion order on the
// completer's stack when the result is set; listeners attached after
// completion are scheduled on the context's next turn.
package promise

import (
	"sync"

	"github.com/evdance/evd/evderr"
	"github.com/evdance/evd/scheduler"
)

// Result carries the one of {pointer, size, bool, error} the spec allows.
type Result struct {
	Value interface{} // the "pointer" carrier; nil if unused
	Size  int64
	Bool  bool
	Err   error
}

// Cancellable mirrors the spec's cancellation contract: Cancel is
// idempotent and forwards to whatever async op is bound to it.
type Cancellable struct {
	mu        sync.Mutex
	canceled  bool
	listeners []func()
}

func NewCancellable() *Cancellable { return &Cancellable{} }

func (c *Cancellable) Cancel() {
	c.mu.Lock()
	if c.canceled {
		c.mu.Unlock()
		return
	}
	c.canceled = true
	ls := c.listeners
	c.listeners = nil
	c.mu.Unlock()
	for _, fn := range ls {
		fn()
	}
}

func (c *Cancellable) IsCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canceled
}

// OnCancel registers fn to run when Cancel is called. If already canceled,
// fn runs immediately.
func (c *Cancellable) OnCancel(fn func()) {
	c.mu.Lock()
	if c.canceled {
		c.mu.Unlock()
		fn()
		return
	}
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// Deferred is the write side: exactly one of the Set*/TakeError methods may
// succeed.
type Deferred struct {
	mu          sync.Mutex
	ctx         *scheduler.Context
	cancellable *Cancellable
	tag         string
	completed   bool
	result      Result
	listeners   []func(Result)
}

// Promise is the read side: a handle safe to share with multiple observers.
type Promise struct {
	d *Deferred
}

// New creates a linked Deferred/Promise pair. ctx is the context on which
// late-attached listeners (added after completion) are scheduled; it
// defaults to scheduler.Default if nil.
func New(ctx *scheduler.Context, cancellable *Cancellable, tag string) (*Deferred, *Promise) {
	if ctx == nil {
		ctx = scheduler.Default
	}
	d := &Deferred{ctx: ctx, cancellable: cancellable, tag: tag}
	return d, &Promise{d: d}
}

func (d *Deferred) Tag() string { return d.tag }

// complete sets the result if not already set, then fires every listener:
// ones registered before completion run synchronously in insertion order
// (on the caller's stack, at the moment complete() runs). Use
// CompleteInIdle to move that to the context's next turn; the Set*/
// TakeResultError/Complete methods all complete inline.
func (d *Deferred) complete(r Result) {
	d.mu.Lock()
	if d.completed {
		d.mu.Unlock()
		return
	}
	d.completed = true
	d.result = r
	ls := d.listeners
	d.listeners = nil
	d.mu.Unlock()

	for _, fn := range ls {
		fn(r)
	}
}

// CompleteInIdle posts the completion to the context's next turn instead of
// running it inline, per spec.md "complete_in_idle".
func (d *Deferred) CompleteInIdle(r Result) {
	d.ctx.Idle(func() { d.complete(r) })
}

func (d *Deferred) SetResultPointer(v interface{}) { d.complete(Result{Value: v}) }
func (d *Deferred) SetResultSize(n int64)          { d.complete(Result{Size: n}) }
func (d *Deferred) SetResultBool(b bool)           { d.complete(Result{Bool: b}) }
func (d *Deferred) TakeResultError(err error)      { d.complete(Result{Err: err}) }
func (d *Deferred) Complete()                      { d.complete(Result{}) }

// Promise returns the read-side handle for this Deferred.
func (d *Deferred) Promise() *Promise { return &Promise{d: d} }

// Then registers a listener. If the Promise already completed, the listener
// is scheduled in idle (next turn) per spec.md's invariant; otherwise it is
// appended and fires in insertion order at completion time.
func (p *Promise) Then(fn func(Result)) {
	d := p.d
	d.mu.Lock()
	if d.completed {
		r := d.result
		d.mu.Unlock()
		d.ctx.Idle(func() { fn(r) })
		return
	}
	d.listeners = append(d.listeners, fn)
	d.mu.Unlock()
}

func (p *Promise) GetCancellable() *Cancellable { return p.d.cancellable }

func (p *Promise) Cancel() {
	if p.d.cancellable != nil {
		p.d.cancellable.Cancel()
	}
}

// GetResultPointer does not block: it is meant to be called from within a
// Then callback or after the caller otherwise knows the Promise is settled,
// and returns a WouldBlock error if it has not settled yet.
func (p *Promise) GetResultPointer() (interface{}, error) {
	r, err := p.settled()
	if err != nil {
		return nil, err
	}
	return r.Value, nil
}

func (p *Promise) GetResultSize() (int64, error) {
	r, err := p.settled()
	if err != nil {
		return 0, err
	}
	return r.Size, nil
}

func (p *Promise) GetResultBool() (bool, error) {
	r, err := p.settled()
	if err != nil {
		return false, err
	}
	return r.Bool, nil
}

// PropagateError returns the stored error, if any, once settled.
func (p *Promise) PropagateError() error {
	r, err := p.settled()
	if err != nil {
		return err
	}
	return r.Err
}

func (p *Promise) settled() (Result, error) {
	p.d.mu.Lock()
	defer p.d.mu.Unlock()
	if !p.d.completed {
		return Result{}, evderr.Wrap(evderr.WouldBlock, "promise: not yet settled")
	}
	return p.d.result, nil
}

// Await blocks the calling goroutine until the Promise settles, using a
// plain channel rather than busy-polling. This is for tests and CLI glue
// that sit outside any Context's cooperative loop; library code should
// always prefer Then.
func (p *Promise) Await() Result {
	done := make(chan Result, 1)
	p.Then(func(r Result) { done <- r })
	return <-done
}
