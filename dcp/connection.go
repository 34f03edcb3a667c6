package dcp

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/couchbaselabs/go-dcp-client/dcp/conductor"
	"github.com/couchbaselabs/go-dcp-client/dcp/dispatch"
	"github.com/couchbaselabs/go-dcp-client/dcp/events"
	"github.com/couchbaselabs/go-dcp-client/dcp/flowctl"
	"github.com/couchbaselabs/go-dcp-client/dcp/memd"
	"github.com/couchbaselabs/go-dcp-client/dcp/state"
	"github.com/couchbaselabs/go-dcp-client/internal/bufpool"
	"github.com/couchbaselabs/go-dcp-client/lib/lifecycle"
)

// maxFrameSize bounds a single scanned frame: generous enough for any
// realistic mutation value without letting a malformed totalBodyLen
// field force an unbounded read-ahead allocation.
const maxFrameSize = 20 * 1024 * 1024

const initialScanBuffer = 64 * 1024

// nodeConn owns one physical connection to a cluster node: the
// dispatcher correlating its requests, the flow controller and event
// dispatcher demultiplexing its unsolicited frames, and a conductor
// driving the partitions currently streamed over it (spec §2 item 6 —
// "owns per-partition DCP connections").
type nodeConn struct {
	addr string
	conn net.Conn

	writeMu sync.Mutex

	dispatch  *dispatch.Dispatcher
	flow      *flowctl.Controller
	events    *events.Dispatcher
	conductor *conductor.Conductor

	lifecycle *lifecycle.Machine
	log       *log.Entry

	poolBuffers bool
}

// dialNode opens a TCP (optionally TLS) connection to addr, bounded by
// timeout, matching the socketConnectTimeout option (spec §6).
func dialNode(ctx context.Context, addr string, timeout time.Duration, tlsConf *tls.Config) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dcp: dial %s: %w", addr, err)
	}
	if tlsConf == nil {
		return conn, nil
	}
	tlsConn := tls.Client(conn, tlsConf)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("dcp: tls handshake %s: %w", addr, err)
	}
	return tlsConn, nil
}

func newNodeConn(addr string, conn net.Conn, table *state.Table, opts Options, listener events.Listener) *nodeConn {
	nc := &nodeConn{
		addr:        addr,
		conn:        conn,
		lifecycle:   lifecycle.New(),
		log:         log.WithField("conn", addr),
		poolBuffers: opts.PoolBuffers,
	}
	nc.flow = flowctl.New(opts.FlowControlBufferSize, flowctl.WithThreshold(opts.FlowControlAckThreshold))
	nc.flow.Emit = nc.sendBufferAck
	nc.events = events.New(table, nc.flow, listener)
	nc.dispatch = dispatch.New(nc.send)
	nc.dispatch.Unsolicited = nc.handleUnsolicited
	nc.conductor = conductor.New(table, nc.events, conductor.Options{
		MaxAttempts:    opts.StreamReconnectMaxAttempts,
		ReconnectDelay: opts.StreamReconnectDelay,
	})
	return nc
}

// opener binds this connection's dispatcher into a
// conductor.RequestOpener, the shape the conductor's OpenStream and
// the handshake helpers expect.
func (nc *nodeConn) opener() conductor.RequestOpener {
	return func(ctx context.Context, opaque uint32, raw []byte) (dispatch.Response, error) {
		return nc.dispatch.SendRequest(ctx, opaque, raw)
	}
}

// handleUnsolicited is the dispatcher's Unsolicited callback: a
// server-initiated DCP_NOOP is answered immediately and never reaches
// the event taxonomy (SPEC_FULL's NOOP-keepalive supplement);
// everything else is demultiplexed by events.Dispatcher.
func (nc *nodeConn) handleUnsolicited(f memd.Frame) {
	if f.Magic == memd.MagicRequest && f.Opcode == memd.OpNoop {
		if err := conductor.RespondNoop(context.Background(), nc.send, f.Opaque); err != nil {
			nc.log.WithError(err).Warn("failed to answer NOOP keepalive")
		}
		return
	}
	nc.events.HandleFrame(f)
}

// send writes a fully-built frame to the connection. Outbound request
// builders are single-use (spec §5); send itself does not retain raw
// past the Write call.
func (nc *nodeConn) send(ctx context.Context, raw []byte) error {
	nc.writeMu.Lock()
	defer nc.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = nc.conn.SetWriteDeadline(deadline)
	} else {
		_ = nc.conn.SetWriteDeadline(time.Time{})
	}
	_, err := nc.conn.Write(raw)
	return err
}

// sendBufferAck is wired as the flow controller's Emit: it builds and
// fires a DCP_BUFFER_ACK frame reporting the just-flushed acked byte
// count. Fire-and-forget, like RespondNoop — the protocol does not
// define a response to this request.
func (nc *nodeConn) sendBufferAck(acked uint32) {
	opaque := dispatch.NextOpaque()
	extras := make([]byte, 4)
	binary.BigEndian.PutUint32(extras, acked)
	raw, err := memd.NewRequestBuilder(memd.OpBufferAck, 0, opaque).WithExtras(extras).Build()
	if err != nil {
		nc.log.WithError(err).Warn("failed to build buffer-ack frame")
		return
	}
	if err := nc.send(context.Background(), raw); err != nil {
		nc.log.WithError(err).Warn("failed to send buffer-ack")
	}
}

// readLoop scans frames off the connection one at a time until it
// closes or the scanner errors, handing each to the dispatcher. The
// scanner's buffer is reused between Scan calls. Request frames
// (control and data events) are demultiplexed synchronously inline and
// are done with the buffer before the next Scan; a response frame may
// complete a pending request whose caller reads it on its own
// goroutine, so responses are parsed from a private copy.
func (nc *nodeConn) readLoop() error {
	scanner := bufio.NewScanner(nc.conn)
	var scanBuf []byte
	if nc.poolBuffers {
		scanBuf = bufpool.Get(initialScanBuffer)
		defer bufpool.Put(scanBuf)
	} else {
		scanBuf = make([]byte, initialScanBuffer)
	}
	scanner.Buffer(scanBuf, maxFrameSize)
	scanner.Split(memd.ScanFrame)

	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) > 0 && memd.Magic(raw[0]) == memd.MagicResponse {
			raw = append([]byte(nil), raw...)
		}
		frame, err := memd.ParseFrame(raw)
		if err != nil {
			nc.log.WithError(err).Warn("dropping malformed frame")
			continue
		}
		nc.dispatch.HandleFrame(frame)
	}
	return scanner.Err()
}

// close tears the connection down: every pending request on its
// dispatcher completes with ConnectionClosed, then the socket itself
// is closed (which also unblocks a blocked readLoop).
func (nc *nodeConn) close(graceful bool, cause error) {
	nc.dispatch.Close(graceful, cause)
	nc.conn.Close()
}
