package dcp

import (
	"bufio"
	"context"
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchbaselabs/go-dcp-client/dcp/conductor"
	"github.com/couchbaselabs/go-dcp-client/dcp/events"
	"github.com/couchbaselabs/go-dcp-client/dcp/memd"
	"github.com/couchbaselabs/go-dcp-client/dcp/state"
)

// buildRawResponse assembles a response frame by hand, the way a fake
// server stands in for the real cluster node in these tests.
func buildRawResponse(opcode memd.Opcode, status memd.Status, opaque uint32, value []byte) []byte {
	buf := make([]byte, memd.HeaderLen+len(value))
	buf[0] = byte(memd.MagicResponse)
	buf[1] = byte(opcode)
	binary.BigEndian.PutUint16(buf[6:8], uint16(status))
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(value)))
	binary.BigEndian.PutUint32(buf[12:16], opaque)
	copy(buf[memd.HeaderLen:], value)
	return buf
}

// fakeFailoverLogUuid is the branch uuid every fake server's
// DCP_STREAM_REQ success response carries in its value body, the same
// shape a real server uses to hand back a partition's failover log on
// stream-open.
const fakeFailoverLogUuid = 0xfeed5eed

func failoverLogValue(uuid uint64) []byte {
	value := make([]byte, 16)
	binary.BigEndian.PutUint64(value[0:8], uuid)
	binary.BigEndian.PutUint64(value[8:16], 999)
	return value
}

// runAutoRespondingServer answers every request frame it reads off conn
// with a SUCCESS response carrying the same opcode and opaque, which is
// all the DCP_OPEN/DCP_CONTROL/DCP_STREAM_REQ handshake and stream-open
// sequence needs from the far end. A DCP_STREAM_REQ response carries a
// one-entry failover log in its value, as a real server's would.
func runAutoRespondingServer(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	scanner.Split(memd.ScanFrame)
	for scanner.Scan() {
		f, err := memd.ParseFrame(scanner.Bytes())
		if err != nil {
			continue
		}
		if f.Magic == memd.MagicRequest {
			var value []byte
			if f.Opcode == memd.OpStreamReq {
				value = failoverLogValue(fakeFailoverLogUuid)
			}
			conn.Write(buildRawResponse(f.Opcode, memd.StatusSuccess, f.Opaque, value))
		}
	}
}

// TestClientHandshakeAndStreamFlow drives a dcp.Client against a fake
// TCP server standing in for a cluster node: DCP_OPEN, DCP_CONTROL
// negotiation, then a stream-open, followed by a pushed snapshot marker
// and mutation, asserting both reach the client's Listener.
func TestClientHandshakeAndStreamFlow(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverConnCh := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		serverConnCh <- conn
		runAutoRespondingServer(conn)
	}()

	opts := DefaultOptions()
	opts.Bucket = "default"
	opts.SocketConnectTimeout = 2 * time.Second

	var mu sync.Mutex
	var gotSnapshot *events.SnapshotDetails
	var gotMutation *events.Mutation
	done := make(chan struct{})
	var closeOnce sync.Once

	listener := func(e events.Event) {
		mu.Lock()
		defer mu.Unlock()
		if e.SnapshotDetail != nil {
			gotSnapshot = e.SnapshotDetail
		}
		if e.Mutation != nil {
			gotMutation = e.Mutation
			closeOnce.Do(func() { close(done) })
		}
	}

	client := New(opts, listener)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	nc, err := client.ensureConn(ctx, ln.Addr().String())
	require.NoError(t, err)

	serverConn := <-serverConnCh
	defer serverConn.Close()

	err = nc.conductor.OpenStream(ctx, nc.opener(), 7, conductor.StreamOffset{})
	require.NoError(t, err)
	assert.Equal(t, state.Streaming, client.table.GetLifecycle(7))

	snapExtras := make([]byte, 20)
	binary.BigEndian.PutUint64(snapExtras[0:8], 100)
	binary.BigEndian.PutUint64(snapExtras[8:16], 200)
	snapRaw, err := memd.NewRequestBuilder(memd.OpSnapshotMarker, 7, 0).WithExtras(snapExtras).Build()
	require.NoError(t, err)
	_, err = serverConn.Write(snapRaw)
	require.NoError(t, err)

	mutExtras := make([]byte, 16)
	binary.BigEndian.PutUint64(mutExtras[0:8], 150) // bySeqno
	mutRaw, err := memd.NewRequestBuilder(memd.OpMutation, 7, 0).
		WithExtras(mutExtras).WithKey([]byte("a")).WithValue([]byte("v")).Build()
	require.NoError(t, err)
	_, err = serverConn.Write(mutRaw)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for mutation event")
	}

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, gotSnapshot)
	assert.Equal(t, uint64(100), gotSnapshot.Marker.Start)
	assert.Equal(t, uint64(200), gotSnapshot.Marker.End)

	require.NotNil(t, gotMutation)
	assert.Equal(t, []byte("a"), gotMutation.Key)
	assert.Equal(t, []byte("v"), gotMutation.Value)
	assert.Equal(t, uint64(150), gotMutation.Offset.Seqno)
	assert.Equal(t, state.Snapshot{Start: 100, End: 200}, gotMutation.Offset.Snapshot)
	assert.Equal(t, uint64(fakeFailoverLogUuid), gotMutation.Offset.Vbuuid,
		"stream-open's failover log should have populated the partition's uuid")

	client.Stop()
}

// TestClientReconnectsAndRestreamsAfterConnectionLoss drops the
// connection a partition is actively streaming over and asserts the
// client redials the same address and reopens the stream without any
// topology change arriving — handleConnLoss's self-heal path, distinct
// from applyConfig's reshuffle-on-topology-change path, which neither
// test in this file drives.
func TestClientReconnectsAndRestreamsAfterConnectionLoss(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverConnCh := make(chan net.Conn, 4)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			serverConnCh <- conn
			go runAutoRespondingServer(conn)
		}
	}()

	opts := DefaultOptions()
	opts.Bucket = "default"
	opts.SocketConnectTimeout = 2 * time.Second

	client := New(opts, func(events.Event) {})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	addr := ln.Addr().String()
	nc1, err := client.ensureConn(ctx, addr)
	require.NoError(t, err)
	serverConn1 := <-serverConnCh

	client.mu.Lock()
	client.assignment = map[int]string{7: addr}
	client.mu.Unlock()

	err = nc1.conductor.OpenStream(ctx, nc1.opener(), 7, conductor.StreamOffset{})
	require.NoError(t, err)
	require.Equal(t, state.Streaming, client.table.GetLifecycle(7))

	serverConn1.Close()

	require.Eventually(t, func() bool {
		return client.table.GetLifecycle(7) == state.Streaming
	}, 2*time.Second, 10*time.Millisecond, "partition did not re-stream after connection loss")

	client.mu.Lock()
	_, reconnected := client.conns[addr]
	client.mu.Unlock()
	assert.True(t, reconnected, "a fresh connection should have replaced the dropped one")

	client.Stop()
}
