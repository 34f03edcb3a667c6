// Package conductor implements the per-partition stream conductor of
// spec §4.4: it owns the state-table transitions for opening a
// stream, reacts to the stream-open response (success, rollback, or
// other error), and runs the reconnect policy (bounded retries at a
// fixed delay) on connection loss or topology reshuffle.
package conductor

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/couchbaselabs/go-dcp-client/dcp/dcperr"
	"github.com/couchbaselabs/go-dcp-client/dcp/dispatch"
	"github.com/couchbaselabs/go-dcp-client/dcp/events"
	"github.com/couchbaselabs/go-dcp-client/dcp/memd"
	"github.com/couchbaselabs/go-dcp-client/dcp/state"
	"github.com/couchbaselabs/go-dcp-client/lib/pacer"
)

// StreamOffset is the resumable position a stream is (re)opened from:
// the startSeqno/vbuuid/snapshot triple the stream-request body is
// built from (spec §4.4).
type StreamOffset struct {
	Vbuuid        uint64
	StartSeqno    uint64
	EndSeqno      uint64
	SnapshotStart uint64
	SnapshotEnd   uint64
}

// Options configures a Conductor.
type Options struct {
	// MaxAttempts bounds a single stream-open's reconnect retries.
	// Defaults to 10 (see DESIGN.md for this Open-Question decision).
	MaxAttempts int
	// ReconnectDelay is the fixed wait between reconnect attempts.
	ReconnectDelay time.Duration
	// ReshuffleConcurrency bounds how many stream-open attempts may run
	// at once during a topology reshuffle.
	ReshuffleConcurrency int64
}

func (o *Options) setDefaults() {
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 10
	}
	if o.ReconnectDelay == 0 {
		o.ReconnectDelay = 500 * time.Millisecond
	}
	if o.ReshuffleConcurrency == 0 {
		o.ReshuffleConcurrency = 16
	}
}

// Conductor drives the per-partition stream lifecycle table of §4.4
// across however many node connections the client currently holds.
type Conductor struct {
	opts   Options
	table  *state.Table
	events *events.Dispatcher

	reshuffleSem *semaphore.Weighted
	log          *log.Entry
}

// New creates a Conductor over the given partition state table and
// event dispatcher (which owns emission of Rollback/StreamFailure for
// the stream-open outcomes below).
func New(table *state.Table, ev *events.Dispatcher, opts Options) *Conductor {
	opts.setDefaults()
	return &Conductor{
		opts:         opts,
		table:        table,
		events:       ev,
		reshuffleSem: semaphore.NewWeighted(opts.ReshuffleConcurrency),
		log:          log.WithField("component", "conductor.Conductor"),
	}
}

// RequestOpener sends a built DCP_STREAM_REQ and returns its response.
// Implemented in practice by dispatch.Dispatcher.SendRequest bound to
// one node connection.
type RequestOpener func(ctx context.Context, opaque uint32, raw []byte) (dispatch.Response, error)

// OpenStream transitions vbucket idle -> opening, sends a stream-open
// request for offset via opener, and applies the §4.4 response table:
// SUCCESS moves to streaming; ROLLBACK moves back to idle and emits
// Rollback; any other status moves to failed and emits StreamFailure.
// It does not retry — see OpenStreamWithRetry for the bounded,
// fixed-delay reconnect policy.
func (c *Conductor) OpenStream(ctx context.Context, opener RequestOpener, vbucket uint16, offset StreamOffset) error {
	c.table.SetLifecycle(int(vbucket), state.Opening)

	opaque := dispatch.NextOpaque()
	extras := memd.StreamRequestExtras(0, offset.StartSeqno, offset.EndSeqno, offset.Vbuuid, offset.SnapshotStart, offset.SnapshotEnd)
	raw, err := memd.NewRequestBuilder(memd.OpStreamReq, vbucket, opaque).WithExtras(extras).Build()
	if err != nil {
		return err
	}

	resp, err := opener(ctx, opaque, raw)
	if err != nil {
		// A transport-level failure (ConnectionClosed, context
		// cancellation) is connection loss, not a stream-open rejection:
		// go back to idle so the caller's reconnect policy can retry.
		c.table.SetLifecycle(int(vbucket), state.Idle)
		return err
	}

	switch resp.Frame.Status {
	case memd.StatusSuccess:
		// A successful STREAM_REQ's value body is the partition's
		// failover log (the same wire shape a DCP_FAILOVER_LOG response
		// carries); this is the only reachable path that ever populates
		// it, since the request/response dispatcher completes this
		// opaque-correlated slot directly and never hands the frame to
		// the event dispatcher's unsolicited path.
		if entries, logErr := resp.Frame.FailoverLog(); logErr == nil && len(entries) > 0 {
			c.table.SetUuid(int(vbucket), entries[0].Uuid)
		}
		c.table.SetLifecycle(int(vbucket), state.Streaming)
		return nil
	case memd.StatusRollback:
		c.table.SetLifecycle(int(vbucket), state.Idle)
		seqno, parseErr := resp.Frame.RollbackSeqno()
		if parseErr != nil {
			c.table.SetLifecycle(int(vbucket), state.Failed)
			c.events.EmitStreamFailure(vbucket, parseErr)
			return parseErr
		}
		c.events.EmitRollback(vbucket, seqno)
		return nil
	default:
		// Covers memd.StatusNotMyVbucket along with every other
		// unexpected status: spec §7 says a client "may" special-case
		// NOT_MY_VBUCKET, it doesn't require it. The partition stays
		// failed until a reshuffle reopens it once the config provider
		// catches up; OpenStream starts from any lifecycle state.
		c.table.SetLifecycle(int(vbucket), state.Failed)
		c.events.EmitStreamFailure(vbucket, resp.Err)
		return resp.Err
	}
}

// OpenStreamWithRetry wraps OpenStream in the §4.4 reconnect policy:
// bounded retries at a fixed delay. A ROLLBACK response is not an
// error — it is treated as this attempt's success, because the
// decision of what to do next belongs to the listener, not the
// reconnect loop.
func (c *Conductor) OpenStreamWithRetry(ctx context.Context, opener RequestOpener, vbucket uint16, offset StreamOffset) error {
	p := pacer.New(
		pacer.RetriesOption(c.opts.MaxAttempts),
		pacer.CalculatorOption(pacer.NewFixed(c.opts.ReconnectDelay)),
	)
	return p.Call(func() (bool, error) {
		err := c.OpenStream(ctx, opener, vbucket, offset)
		if err == nil {
			return false, nil
		}
		return dcperr.ShouldRetry(err), err
	})
}

// HandleConnectionLoss reacts to a connection carrying a streaming
// partition going away unexpectedly: "streaming -> connection loss ->
// idle: schedule re-open with current offset" (§4.4). It only performs
// the state transition; scheduling the actual re-open with the last
// committed offset is the caller's responsibility (typically via
// OpenStreamWithRetry on a new connection).
func (c *Conductor) HandleConnectionLoss(vbucket uint16) {
	if c.table.GetLifecycle(int(vbucket)) == state.Streaming {
		c.table.SetLifecycle(int(vbucket), state.Idle)
	}
}

// ReshuffleAssignment is one partition's new home and resume offset
// after a topology change moved it to a different node.
type ReshuffleAssignment struct {
	Vbucket uint16
	Opener  RequestOpener
	Offset  StreamOffset
}

// Reshuffle re-opens every assignment concurrently, bounded by
// ReshuffleConcurrency, so a large topology change does not open
// hundreds of streams against a node at once (spec §4.4 "coordinates
// with the config provider to add/remove node connections on topology
// change").
func (c *Conductor) Reshuffle(ctx context.Context, assignments []ReshuffleAssignment) []error {
	errs := make([]error, len(assignments))
	done := make(chan int, len(assignments))

	for i, a := range assignments {
		i, a := i, a
		if err := c.reshuffleSem.Acquire(ctx, 1); err != nil {
			errs[i] = fmt.Errorf("conductor: reshuffle acquire: %w", err)
			done <- i
			continue
		}
		go func() {
			defer c.reshuffleSem.Release(1)
			errs[i] = c.OpenStreamWithRetry(ctx, a.Opener, a.Vbucket, a.Offset)
			done <- i
		}()
	}
	for range assignments {
		<-done
	}
	return errs
}
