// Package flowctl implements the per-connection flow controller of
// spec §4.6: it tracks unacknowledged bytes against a configured
// buffer size and emits DCP_BUFFER_ACK frames once a low-water
// threshold is crossed. Byte accounting is grounded on the same
// golang.org/x/time/rate token bucket the teacher's fs/accounting
// package uses for bandwidth limiting — here it bounds how often an
// ack burst may fire, on top of (never instead of) the byte-threshold
// rule, so a connection delivering many tiny receipts in a tight loop
// cannot flood the wire with one-byte acks.
package flowctl

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Mode selects who is responsible for acknowledging a delivered
// receipt.
type Mode int

const (
	// Automatic acknowledges a receipt immediately on dispatch entry.
	Automatic Mode = iota
	// Manual requires the listener to call Controller.Ack itself.
	Manual
)

// FlowControlReceipt is handed to a listener alongside a data event in
// Manual mode. It is safe to Ack from any goroutine, and a second Ack
// call is a no-op.
type FlowControlReceipt struct {
	size  uint32
	acked *int32 // 0/1 guard, protected by mu (volume is too low to need lock-free)
	mu    *sync.Mutex
	ctrl  *Controller
}

// ackOnce runs fn exactly once across however many times Ack is
// called for this receipt.
func (r FlowControlReceipt) ackOnce(fn func()) {
	r.mu.Lock()
	already := *r.acked == 1
	*r.acked = 1
	r.mu.Unlock()
	if !already {
		fn()
	}
}

// Controller accounts unacked/acked bytes for one connection and
// decides when to emit a DCP_BUFFER_ACK.
type Controller struct {
	mode      Mode
	bufSize   uint32
	threshold float64 // T, default 0.5
	limiter   *rate.Limiter

	mu      sync.Mutex
	unacked uint32
	acked   uint32

	// Emit is called with the acked byte count whenever the threshold
	// rule fires; the caller wires this to the dispatcher's outbound
	// DCP_BUFFER_ACK request.
	Emit func(acked uint32)
}

// Option configures a new Controller.
type Option func(*Controller)

// WithMode sets the acknowledgement mode. Default is Automatic.
func WithMode(m Mode) Option { return func(c *Controller) { c.mode = m } }

// WithThreshold sets T, the low-water fraction of bufSize that
// triggers an ack burst. Default is 0.5.
func WithThreshold(t float64) Option { return func(c *Controller) { c.threshold = t } }

// WithAckRateLimit bounds how often an ack burst may be emitted,
// independent of the byte threshold. A zero limit (the default)
// leaves ack emission unbounded aside from the threshold rule.
func WithAckRateLimit(r rate.Limit, burst int) Option {
	return func(c *Controller) {
		if r > 0 {
			c.limiter = rate.NewLimiter(r, burst)
		}
	}
}

// New creates a Controller for a connection with total buffer size
// bufSize.
func New(bufSize uint32, opts ...Option) *Controller {
	c := &Controller{
		bufSize:   bufSize,
		threshold: 0.5,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Mode reports the controller's acknowledgement mode.
func (c *Controller) Mode() Mode { return c.mode }

// Arrive records size bytes of newly-delivered data or a snapshot
// marker as contributing to unacked, and — in Automatic mode — acks it
// immediately. It returns the receipt regardless of mode so callers
// can uniformly hand it to a listener.
func (c *Controller) Arrive(size uint32) FlowControlReceipt {
	c.mu.Lock()
	c.unacked += size
	c.mu.Unlock()

	acked := int32(0)
	receipt := FlowControlReceipt{size: size, acked: &acked, mu: &sync.Mutex{}, ctrl: c}
	if c.mode == Automatic {
		receipt.Ack(context.Background())
	}
	return receipt
}

// Ack records the receipt's bytes as acknowledged and, if the
// threshold is crossed, emits a DCP_BUFFER_ACK. Acking the same
// receipt twice is a no-op, satisfying invariant 2 of spec §8.
func (r FlowControlReceipt) Ack(ctx context.Context) {
	r.ackOnce(func() {
		c := r.ctrl
		c.mu.Lock()
		c.unacked -= r.size
		c.acked += r.size
		fire := uint64(c.acked) >= uint64(float64(c.bufSize)*c.threshold)
		var toEmit uint32
		if fire {
			toEmit = c.acked
			c.acked = 0
		}
		c.mu.Unlock()

		if fire && c.Emit != nil {
			if c.limiter != nil {
				_ = c.limiter.Wait(ctx)
			}
			c.Emit(toEmit)
		}
	})
}

// Unacked returns the connection's current unacked byte count.
func (c *Controller) Unacked() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unacked
}

// Acked returns the connection's current (not-yet-flushed) acked byte
// count.
func (c *Controller) Acked() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acked
}
