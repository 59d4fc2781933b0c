package stream

import (
	"io"

	"github.com/evdance/evd/evderr"
	"github.com/evdance/evd/throttle"
)

// ThrottledInputStream wraps a base Reader and clamps each Read to the
// Chain's current allowance (spec §4.3/§4.5). When the allowance is zero it
// reports WouldBlock and a re-arm delay through onDelay rather than reading
// from base at all.
type ThrottledInputStream struct {
	base  io.Reader
	chain throttle.Chain

	onDelay func(ms int)
}

func NewThrottledInputStream(base io.Reader, chain throttle.Chain) *ThrottledInputStream {
	return &ThrottledInputStream{base: base, chain: chain}
}

func (t *ThrottledInputStream) SetOnDelay(fn func(ms int)) { t.onDelay = fn }

// SetChain replaces the set of throttles consulted on each Read, letting a
// conn.Group splice its shared Throttle into an already-running
// Connection's chain at join time (spec §3's "whose throttles are added to
// the chain").
func (t *ThrottledInputStream) SetChain(chain throttle.Chain) { t.chain = chain }

func (t *ThrottledInputStream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	allowed, hint := t.chain.Request(len(p))
	if allowed == 0 {
		if t.onDelay != nil {
			t.onDelay(hint)
		}
		return 0, evderr.WouldBlock
	}
	n, err := t.base.Read(p[:allowed])
	if n > 0 {
		t.chain.Report(n)
	}
	return n, err
}

// ThrottledOutputStream is the outbound counterpart: writes larger than the
// current allowance are clamped, and the remainder is left for the caller to
// resubmit once onDelay's hint elapses.
type ThrottledOutputStream struct {
	base  io.Writer
	chain throttle.Chain

	onDelay func(ms int)
}

func NewThrottledOutputStream(base io.Writer, chain throttle.Chain) *ThrottledOutputStream {
	return &ThrottledOutputStream{base: base, chain: chain}
}

func (t *ThrottledOutputStream) SetOnDelay(fn func(ms int)) { t.onDelay = fn }

// SetChain is the outbound counterpart of ThrottledInputStream.SetChain.
func (t *ThrottledOutputStream) SetChain(chain throttle.Chain) { t.chain = chain }

func (t *ThrottledOutputStream) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	allowed, hint := t.chain.Request(len(p))
	if allowed == 0 {
		if t.onDelay != nil {
			t.onDelay(hint)
		}
		return 0, nil
	}
	n, err := t.base.Write(p[:allowed])
	if n > 0 {
		t.chain.Report(n)
	}
	return n, err
}
