// Package dispatch implements the request/response dispatcher of spec
// §4.2: every outbound request carries a fresh opaque from NextOpaque,
// it keys a one-shot completion slot by that opaque, and completes it when a
// response frame carrying the same opaque arrives. Frames whose
// opaque is not outstanding are unsolicited (control/data events) and
// routed to the caller's Unsolicited callback instead.
//
// Opaques are drawn from the first four bytes of a github.com/google/uuid
// value rather than a wrapping counter: the wire header field is only
// four bytes wide, but a counter reset by a process restart can
// collide with a slow response still in flight from before the
// restart, where a UUID's origin is independent of process state.
package dispatch

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/google/uuid"

	"github.com/couchbaselabs/go-dcp-client/dcp/dcperr"
	"github.com/couchbaselabs/go-dcp-client/dcp/memd"
)

// Response is the completed result of a dispatched request: the
// parsed frame plus any status-derived error. Value bytes remain
// available on Frame even when Err is a *dcperr.BadResponseStatus.
type Response struct {
	Frame memd.Frame
	Err   error
}

// Sender writes a fully-built request frame to the connection. The
// dispatcher calls it synchronously from SendRequest, under no
// dispatcher lock, so it may block on the network.
type Sender func(ctx context.Context, raw []byte) error

// Dispatcher correlates outbound requests with inbound responses on a
// single connection. It is not safe for reuse across reconnects — a
// torn-down Dispatcher completes every pending slot with
// ConnectionClosed and should be discarded.
type Dispatcher struct {
	send Sender

	// Unsolicited receives any inbound frame whose opaque has no
	// pending slot — every control and data event.
	Unsolicited func(f memd.Frame)

	mu      sync.Mutex
	pending map[uint32]chan Response
	closed  bool
}

// New creates a Dispatcher that writes outbound bytes via send.
func New(send Sender) *Dispatcher {
	return &Dispatcher{
		send:    send,
		pending: make(map[uint32]chan Response),
	}
}

// NextOpaque returns a fresh opaque suitable for a new request's
// header. Exported so callers building a memd.RequestBuilder can fetch
// one before the frame is otherwise ready.
func NextOpaque() uint32 {
	id := uuid.New()
	return binary.BigEndian.Uint32(id[:4])
}

// SendRequest writes raw (a fully-built request frame whose opaque
// must have come from NextOpaque) and blocks until a matching response
// arrives, ctx is done, or the connection is torn down.
func (d *Dispatcher) SendRequest(ctx context.Context, opaque uint32, raw []byte) (Response, error) {
	slot := make(chan Response, 1)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return Response{}, &dcperr.ConnectionClosed{Graceful: true}
	}
	d.pending[opaque] = slot
	d.mu.Unlock()

	if err := d.send(ctx, raw); err != nil {
		d.mu.Lock()
		delete(d.pending, opaque)
		d.mu.Unlock()
		return Response{}, err
	}

	select {
	case resp := <-slot:
		return resp, resp.Err
	case <-ctx.Done():
		d.mu.Lock()
		delete(d.pending, opaque)
		d.mu.Unlock()
		return Response{}, ctx.Err()
	}
}

// HandleFrame routes an inbound frame: a response whose opaque has a
// pending slot completes that slot; anything else is handed to
// Unsolicited.
func (d *Dispatcher) HandleFrame(f memd.Frame) {
	if f.Magic == memd.MagicResponse {
		d.mu.Lock()
		slot, ok := d.pending[f.Opaque]
		if ok {
			delete(d.pending, f.Opaque)
		}
		d.mu.Unlock()

		if ok {
			var err error
			if f.Status != memd.StatusSuccess {
				err = &dcperr.BadResponseStatus{Status: uint16(f.Status), Opcode: byte(f.Opcode)}
			}
			slot <- Response{Frame: f, Err: err}
			return
		}
	}
	if d.Unsolicited != nil {
		d.Unsolicited(f)
	}
}

// Close completes every pending request with ConnectionClosed and
// marks the dispatcher unusable for further SendRequest calls.
// graceful distinguishes an orderly Client.Stop from an unexpected
// disconnect, surfaced to callers via ConnectionClosed.Graceful.
func (d *Dispatcher) Close(graceful bool, cause error) {
	d.mu.Lock()
	d.closed = true
	pending := d.pending
	d.pending = make(map[uint32]chan Response)
	d.mu.Unlock()

	for _, slot := range pending {
		slot <- Response{Err: &dcperr.ConnectionClosed{Graceful: graceful, Cause: cause}}
	}
}
