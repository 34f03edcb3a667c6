// Package events implements the event dispatcher (demultiplexer) of
// spec §4.5: it turns unsolicited control and data frames into the
// typed event taxonomy, maintaining the vbucketToUuid and
// vbucketToCurrentSnapshot tables the StreamOffset on every emitted
// event is built from.
package events

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"

	"github.com/couchbaselabs/go-dcp-client/dcp/dcperr"
	"github.com/couchbaselabs/go-dcp-client/dcp/flowctl"
	"github.com/couchbaselabs/go-dcp-client/dcp/memd"
	"github.com/couchbaselabs/go-dcp-client/dcp/state"
)

var errUnhandledRollback = errors.New("rollback event reached no listener that handled it")

// StreamOffset is the resumable position of a partition stream at the
// moment an event was emitted.
type StreamOffset struct {
	Vbuuid   uint64
	Seqno    uint64
	Snapshot state.Snapshot
}

// Event is the sum type delivered to a Listener. Exactly one of its
// fields is non-nil, matching the taxonomy named in spec §2 item 7.
type Event struct {
	Mutation       *Mutation
	Deletion       *Deletion
	SnapshotDetail *SnapshotDetails
	Rollback       *Rollback
	FailoverLog    *FailoverLog
	StreamEnd      *StreamEnd
	StreamFailure  *StreamFailure
}

// Mutation is a document create/update.
type Mutation struct {
	Vbucket  uint16
	Offset   StreamOffset
	Key      []byte
	Value    []byte
	Cas      uint64
	Revision uint64
	Receipt  flowctl.FlowControlReceipt
}

// Deletion is a document removal or TTL expiration; IsExpiration
// distinguishes the two (DELETION vs EXPIRATION wire opcodes).
type Deletion struct {
	Vbucket      uint16
	Offset       StreamOffset
	Key          []byte
	Cas          uint64
	Revision     uint64
	IsExpiration bool
	Receipt      flowctl.FlowControlReceipt
}

// SnapshotDetails announces the by-seqno window the server is about to
// deliver mutations within for a partition.
type SnapshotDetails struct {
	Vbucket uint16
	Flags   memd.SnapshotMarkerFlag
	Marker  memd.SnapshotMarker
}

// Rollback is emitted when a stream-open response carries status
// ROLLBACK: the server is telling the client its requested offset is
// no longer valid and it must restart from Seqno. A listener that
// intends to re-open the stream itself (at Seqno or elsewhere) must
// call Handled; if no listener does so by the time the event returns,
// the dispatcher emits a StreamFailure for the partition instead.
type Rollback struct {
	Vbucket uint16
	Seqno   uint64
	Handled func()
}

// FailoverLog is emitted when a DCP_FAILOVER_LOG frame reaches
// HandleFrame on the unsolicited path, carrying the partition's full
// branch history (entry 0 latest). Client.FailoverLog and a successful
// stream-open update the partition's uuid from their own correlated
// responses without emitting this event.
type FailoverLog struct {
	Vbucket uint16
	Entries []memd.FailoverLogEntry
}

// StreamEnd is emitted when a DCP_STREAM_END frame arrives.
type StreamEnd struct {
	Vbucket uint16
	Reason  uint32
}

// StreamFailure is emitted on an unrecoverable per-partition failure:
// a non-ROLLBACK error status opening a stream, or a dropped Rollback
// no listener acted on.
type StreamFailure struct {
	Vbucket uint16
	Cause   error
}

// Listener receives demultiplexed events. Implementations that may
// block must offload — the dispatcher calls Listener synchronously on
// the connection's event-loop goroutine.
type Listener func(Event)

// Dispatcher demultiplexes frames for one connection into the typed
// event taxonomy, maintaining the per-partition uuid/snapshot tables a
// StreamOffset is built from.
type Dispatcher struct {
	table    *state.Table
	flow     *flowctl.Controller
	listener Listener
	log      *log.Entry
}

// New creates a Dispatcher backed by the given partition state table
// and flow controller, delivering events to listener.
func New(table *state.Table, flow *flowctl.Controller, listener Listener) *Dispatcher {
	return &Dispatcher{table: table, flow: flow, listener: listener, log: log.WithField("component", "events.Dispatcher")}
}

// HandleFrame is wired as the owning connection's dispatch.Dispatcher
// Unsolicited callback: every frame not claimed by a pending request
// future arrives here. The frame buffer is released on every exit
// path, per the scoped-acquisition design note (§9) — HandleFrame
// itself does not retain f's backing array past return; callers must
// not reuse the buffer until HandleFrame returns.
func (d *Dispatcher) HandleFrame(f memd.Frame) {
	switch f.Opcode {
	case memd.OpSnapshotMarker:
		d.handleSnapshotMarker(f)
	case memd.OpFailoverLog:
		d.handleFailoverLog(f)
	case memd.OpRollback:
		d.handleRollback(f)
	case memd.OpMutation:
		d.handleMutationOrDeletion(f, false)
	case memd.OpDeletion:
		d.handleMutationOrDeletion(f, true)
	case memd.OpExpiration:
		d.handleExpiration(f)
	case memd.OpStreamEnd:
		d.handleStreamEnd(f)
	case memd.OpFlush:
		// No event in the taxonomy carries a flush; its bytes are still
		// acknowledged so the flow-control window keeps advancing.
		d.log.WithField("opcode", f.Opcode).Debug("unhandled data opcode, acknowledging and dropping")
		receipt := d.flow.Arrive(uint32(memd.HeaderLen + len(f.Extras()) + len(f.Key()) + len(f.Value())))
		receipt.Ack(context.Background())
	case memd.OpNoop, memd.OpControl, memd.OpBufferAck:
		// Handled by the conductor (keepalive/negotiation) or the
		// dispatcher's own request correlation; nothing to demux.
	default:
		d.log.WithField("opcode", f.Opcode).Debug("unknown control opcode, dropping")
	}
}

func (d *Dispatcher) currentOffset(vbucket uint16, seqno uint64) StreamOffset {
	return StreamOffset{
		Vbuuid:   d.table.Uuid(int(vbucket)),
		Seqno:    seqno,
		Snapshot: d.table.Snapshot(int(vbucket)),
	}
}

func (d *Dispatcher) handleSnapshotMarker(f memd.Frame) {
	marker, err := f.Snapshot()
	if err != nil {
		d.emitDrop(f, err)
		return
	}
	d.table.SetSnapshot(int(f.Vbucket), state.Snapshot{Start: marker.Start, End: marker.End})
	// Snapshot markers count toward flow control but have no listener
	// receipt of their own to hand back (§4.6): acknowledge on arrival.
	receipt := d.flow.Arrive(uint32(memd.HeaderLen + len(f.Extras())))
	receipt.Ack(context.Background())
	d.emit(Event{SnapshotDetail: &SnapshotDetails{Vbucket: f.Vbucket, Flags: marker.Flags, Marker: marker}})
}

func (d *Dispatcher) handleFailoverLog(f memd.Frame) {
	entries, err := f.FailoverLog()
	if err != nil {
		d.emitDrop(f, err)
		return
	}
	if len(entries) > 0 {
		d.table.SetUuid(int(f.Vbucket), entries[0].Uuid)
	}
	d.emit(Event{FailoverLog: &FailoverLog{Vbucket: f.Vbucket, Entries: entries}})
}

func (d *Dispatcher) handleRollback(f memd.Frame) {
	seqno, err := f.RollbackSeqno()
	if err != nil {
		d.emitDrop(f, err)
		return
	}
	d.EmitRollback(f.Vbucket, seqno)
}

func (d *Dispatcher) handleMutationOrDeletion(f memd.Frame, isDeletion bool) {
	seqno, err := f.BySeqno()
	if err != nil {
		d.emitDrop(f, err)
		return
	}
	revision, err := f.RevisionSeqno()
	if err != nil {
		d.emitDrop(f, err)
		return
	}
	offset := d.currentOffset(f.Vbucket, seqno)
	d.table.SetLastSeqno(int(f.Vbucket), seqno)
	receipt := d.flow.Arrive(uint32(memd.HeaderLen + len(f.Extras()) + len(f.Key()) + len(f.Value())))

	key := append([]byte(nil), f.Key()...)
	value := append([]byte(nil), f.Value()...)

	if isDeletion {
		d.emit(Event{Deletion: &Deletion{
			Vbucket: f.Vbucket, Offset: offset, Key: key, Cas: f.Cas,
			Revision: revision, IsExpiration: false, Receipt: receipt,
		}})
		return
	}
	d.emit(Event{Mutation: &Mutation{
		Vbucket: f.Vbucket, Offset: offset, Key: key, Value: value,
		Cas: f.Cas, Revision: revision, Receipt: receipt,
	}})
}

func (d *Dispatcher) handleExpiration(f memd.Frame) {
	seqno, err := f.BySeqno()
	if err != nil {
		d.emitDrop(f, err)
		return
	}
	revision, err := f.RevisionSeqno()
	if err != nil {
		d.emitDrop(f, err)
		return
	}
	offset := d.currentOffset(f.Vbucket, seqno)
	d.table.SetLastSeqno(int(f.Vbucket), seqno)
	receipt := d.flow.Arrive(uint32(memd.HeaderLen + len(f.Extras()) + len(f.Key())))
	key := append([]byte(nil), f.Key()...)

	d.emit(Event{Deletion: &Deletion{
		Vbucket: f.Vbucket, Offset: offset, Key: key, Cas: f.Cas,
		Revision: revision, IsExpiration: true, Receipt: receipt,
	}})
}

func (d *Dispatcher) handleStreamEnd(f memd.Frame) {
	var reason uint32
	if len(f.Extras()) >= 4 {
		reason = uint32(f.Extras()[0])<<24 | uint32(f.Extras()[1])<<16 | uint32(f.Extras()[2])<<8 | uint32(f.Extras()[3])
	}
	d.table.SetLifecycle(int(f.Vbucket), state.Ended)
	d.emit(Event{StreamEnd: &StreamEnd{Vbucket: f.Vbucket, Reason: reason}})
}

func (d *Dispatcher) emitDrop(f memd.Frame, cause error) {
	d.log.WithFields(log.Fields{"vbucket": f.Vbucket, "opcode": f.Opcode, "error": cause}).Warn("dropping malformed data frame")
	// Malformed data frames still acknowledge the receipt so the
	// connection's flow-control window keeps advancing (§4.5); an
	// unhandled data opcode is acknowledged the same way in HandleFrame.
	receipt := d.flow.Arrive(uint32(memd.HeaderLen + len(f.Extras()) + len(f.Key()) + len(f.Value())))
	receipt.Ack(context.Background())
}

func (d *Dispatcher) emit(e Event) {
	if d.listener != nil {
		d.listener(e)
	}
}

// EmitStreamFailure is called by the conductor for failures that
// never arrive as a frame at all — e.g. a stream-open response whose
// status is neither SUCCESS nor ROLLBACK (spec §4.4 "opening ->
// response other error -> failed").
func (d *Dispatcher) EmitStreamFailure(vbucket uint16, cause error) {
	d.emit(Event{StreamFailure: &StreamFailure{Vbucket: vbucket, Cause: cause}})
}

// EmitRollback synthesizes the ROLLBACK handling of HandleFrame
// directly from a stream-open response, without constructing a real
// memd.Frame — ROLLBACK is the internal opcode of §6, never present
// on the wire itself.
func (d *Dispatcher) EmitRollback(vbucket uint16, seqno uint64) {
	handled := false
	d.emit(Event{Rollback: &Rollback{Vbucket: vbucket, Seqno: seqno, Handled: func() { handled = true }}})
	if !handled {
		d.emit(Event{StreamFailure: &StreamFailure{
			Vbucket: vbucket,
			Cause:   &dcperr.DispatchError{Vbucket: int(vbucket), Cause: errUnhandledRollback},
		}})
	}
}
