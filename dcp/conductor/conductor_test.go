package conductor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchbaselabs/go-dcp-client/dcp/dcperr"
	"github.com/couchbaselabs/go-dcp-client/dcp/dispatch"
	"github.com/couchbaselabs/go-dcp-client/dcp/events"
	"github.com/couchbaselabs/go-dcp-client/dcp/flowctl"
	"github.com/couchbaselabs/go-dcp-client/dcp/memd"
	"github.com/couchbaselabs/go-dcp-client/dcp/state"
)

func newTestConductor(t *testing.T, listener events.Listener) (*Conductor, *state.Table) {
	t.Helper()
	tbl := state.New()
	flow := flowctl.New(1 << 20)
	ev := events.New(tbl, flow, listener)
	return New(tbl, ev, Options{MaxAttempts: 3, ReconnectDelay: time.Millisecond}), tbl
}

func statusResponse(status memd.Status) dispatch.Response {
	var err error
	if status != memd.StatusSuccess {
		err = errors.New("bad status")
	}
	return dispatch.Response{Frame: memd.Frame{Status: status}, Err: err}
}

func rollbackResponse(seqno uint64) dispatch.Response {
	value := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		value[i] = byte(seqno)
		seqno >>= 8
	}
	buf := make([]byte, memd.HeaderLen+8)
	buf[0] = byte(memd.MagicResponse)
	buf[1] = byte(memd.OpStreamReq)
	buf[6] = byte(memd.StatusRollback >> 8)
	buf[7] = byte(memd.StatusRollback)
	binaryPutU32(buf[8:12], 8)
	copy(buf[memd.HeaderLen:], value)
	f, err := memd.ParseFrame(buf)
	if err != nil {
		panic(err)
	}
	return dispatch.Response{Frame: f}
}

// successResponseWithFailoverLog builds a STREAM_REQ SUCCESS response
// whose value body carries one failover-log entry, the shape a real
// server's stream-open response uses to hand back the partition's
// current branch uuid.
func successResponseWithFailoverLog(uuid, seqno uint64) dispatch.Response {
	value := make([]byte, 16)
	binaryPutU64(value[0:8], uuid)
	binaryPutU64(value[8:16], seqno)
	buf := make([]byte, memd.HeaderLen+16)
	buf[0] = byte(memd.MagicResponse)
	buf[1] = byte(memd.OpStreamReq)
	binaryPutU32(buf[8:12], 16)
	copy(buf[memd.HeaderLen:], value)
	f, err := memd.ParseFrame(buf)
	if err != nil {
		panic(err)
	}
	return dispatch.Response{Frame: f}
}

func binaryPutU64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

func binaryPutU32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func TestOpenStreamSuccessTransitionsToStreaming(t *testing.T) {
	c, tbl := newTestConductor(t, nil)
	opener := func(ctx context.Context, opaque uint32, raw []byte) (dispatch.Response, error) {
		return statusResponse(memd.StatusSuccess), nil
	}
	err := c.OpenStream(context.Background(), opener, 7, StreamOffset{})
	require.NoError(t, err)
	assert.Equal(t, state.Streaming, tbl.GetLifecycle(7))
}

func TestOpenStreamSuccessPopulatesUuidFromFailoverLog(t *testing.T) {
	c, tbl := newTestConductor(t, nil)
	opener := func(ctx context.Context, opaque uint32, raw []byte) (dispatch.Response, error) {
		return successResponseWithFailoverLog(0xc0ffee, 900), nil
	}
	err := c.OpenStream(context.Background(), opener, 7, StreamOffset{})
	require.NoError(t, err)
	assert.Equal(t, state.Streaming, tbl.GetLifecycle(7))
	assert.Equal(t, uint64(0xc0ffee), tbl.Uuid(7))
}

func TestOpenStreamWithRetryStopsImmediatelyOnNonRetryableError(t *testing.T) {
	c, _ := newTestConductor(t, nil)
	attempts := 0
	opener := func(ctx context.Context, opaque uint32, raw []byte) (dispatch.Response, error) {
		attempts++
		return dispatch.Response{}, &dcperr.MalformedFrame{Vbucket: 5, Reason: "bad extras length"}
	}
	err := c.OpenStreamWithRetry(context.Background(), opener, 5, StreamOffset{})
	require.Error(t, err)
	assert.Equal(t, 1, attempts, "a non-retryable error must not be retried")
}

func TestOpenStreamRollbackEmitsRollbackAndReturnsToIdle(t *testing.T) {
	var gotRollback *events.Rollback
	c, tbl := newTestConductor(t, func(e events.Event) {
		if e.Rollback != nil {
			gotRollback = e.Rollback
			e.Rollback.Handled()
		}
	})
	opener := func(ctx context.Context, opaque uint32, raw []byte) (dispatch.Response, error) {
		return rollbackResponse(400), nil
	}
	err := c.OpenStream(context.Background(), opener, 3, StreamOffset{StartSeqno: 500})
	require.NoError(t, err)
	assert.Equal(t, state.Idle, tbl.GetLifecycle(3))
	require.NotNil(t, gotRollback)
	assert.Equal(t, uint64(400), gotRollback.Seqno)
}

func TestOpenStreamOtherErrorEmitsStreamFailure(t *testing.T) {
	var gotFailure *events.StreamFailure
	c, tbl := newTestConductor(t, func(e events.Event) {
		if e.StreamFailure != nil {
			gotFailure = e.StreamFailure
		}
	})
	opener := func(ctx context.Context, opaque uint32, raw []byte) (dispatch.Response, error) {
		return statusResponse(memd.StatusNotMyVbucket), nil
	}
	err := c.OpenStream(context.Background(), opener, 1, StreamOffset{})
	require.Error(t, err)
	assert.Equal(t, state.Failed, tbl.GetLifecycle(1))
	require.NotNil(t, gotFailure)
}

func TestOpenStreamTransportFailureReturnsToIdle(t *testing.T) {
	c, tbl := newTestConductor(t, nil)
	opener := func(ctx context.Context, opaque uint32, raw []byte) (dispatch.Response, error) {
		return dispatch.Response{}, errors.New("connection reset")
	}
	err := c.OpenStream(context.Background(), opener, 2, StreamOffset{})
	require.Error(t, err)
	assert.Equal(t, state.Idle, tbl.GetLifecycle(2))
}

func TestOpenStreamWithRetryStopsAfterMaxAttempts(t *testing.T) {
	c, _ := newTestConductor(t, nil)
	attempts := 0
	opener := func(ctx context.Context, opaque uint32, raw []byte) (dispatch.Response, error) {
		attempts++
		return dispatch.Response{}, errors.New("still down")
	}
	err := c.OpenStreamWithRetry(context.Background(), opener, 5, StreamOffset{})
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
}

func TestOpenStreamWithRetrySucceedsEventually(t *testing.T) {
	c, tbl := newTestConductor(t, nil)
	attempts := 0
	opener := func(ctx context.Context, opaque uint32, raw []byte) (dispatch.Response, error) {
		attempts++
		if attempts < 2 {
			return dispatch.Response{}, errors.New("still down")
		}
		return statusResponse(memd.StatusSuccess), nil
	}
	err := c.OpenStreamWithRetry(context.Background(), opener, 5, StreamOffset{})
	require.NoError(t, err)
	assert.Equal(t, state.Streaming, tbl.GetLifecycle(5))
	assert.Equal(t, 2, attempts)
}

func TestHandleConnectionLossOnlyAffectsStreamingPartitions(t *testing.T) {
	c, tbl := newTestConductor(t, nil)
	tbl.SetLifecycle(1, state.Streaming)
	tbl.SetLifecycle(2, state.Idle)

	c.HandleConnectionLoss(1)
	c.HandleConnectionLoss(2)

	assert.Equal(t, state.Idle, tbl.GetLifecycle(1))
	assert.Equal(t, state.Idle, tbl.GetLifecycle(2))
}

func TestReshuffleOpensAllAssignmentsConcurrently(t *testing.T) {
	c, tbl := newTestConductor(t, nil)
	assignments := make([]ReshuffleAssignment, 0, 20)
	for vb := uint16(0); vb < 20; vb++ {
		assignments = append(assignments, ReshuffleAssignment{
			Vbucket: vb,
			Opener: func(ctx context.Context, opaque uint32, raw []byte) (dispatch.Response, error) {
				return statusResponse(memd.StatusSuccess), nil
			},
		})
	}
	errs := c.Reshuffle(context.Background(), assignments)
	for _, err := range errs {
		assert.NoError(t, err)
	}
	for vb := uint16(0); vb < 20; vb++ {
		assert.Equal(t, state.Streaming, tbl.GetLifecycle(int(vb)))
	}
}
