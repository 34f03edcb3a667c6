package conductor

import (
	"context"
	"encoding/binary"
	"strconv"

	"github.com/couchbaselabs/go-dcp-client/dcp/dispatch"
	"github.com/couchbaselabs/go-dcp-client/dcp/memd"
)

// ConnectionFlags are the DCP_OPEN extras flag bits identifying the
// connection type being opened.
type ConnectionFlags uint32

const (
	FlagProducer ConnectionFlags = 1 << 0
	FlagNotifier ConnectionFlags = 1 << 1
)

// Open sends the DCP_OPEN handshake that must precede any stream
// request or control negotiation on a fresh connection (SPEC_FULL
// supplement: spec.md names DCP_OPEN as a wire opcode without
// describing its handshake).
func Open(ctx context.Context, opener RequestOpener, connectionName string, flags ConnectionFlags) error {
	opaque := dispatch.NextOpaque()
	extras := make([]byte, 8)
	binary.BigEndian.PutUint32(extras[4:8], uint32(flags))
	raw, err := memd.NewRequestBuilder(memd.OpOpen, 0, opaque).
		WithExtras(extras).
		WithKey([]byte(connectionName)).
		Build()
	if err != nil {
		return err
	}
	resp, err := opener(ctx, opaque, raw)
	if err != nil {
		return err
	}
	return resp.Err
}

// Negotiate sends the DCP_CONTROL key/value pairs conventionally
// exchanged once after DCP_OPEN: the flow-controller's buffer size and
// enabling NOOP keepalive traffic (SPEC_FULL supplement). Each
// key/value pair is one DCP_CONTROL request; the protocol does not
// batch them.
func Negotiate(ctx context.Context, opener RequestOpener, bufferSize uint32, enableNoop bool) error {
	pairs := map[string]string{
		"connection_buffer_size": strconv.FormatUint(uint64(bufferSize), 10),
	}
	if enableNoop {
		pairs["enable_noop"] = "true"
	}
	for key, value := range pairs {
		opaque := dispatch.NextOpaque()
		raw, err := memd.NewRequestBuilder(memd.OpControl, 0, opaque).
			WithKey([]byte(key)).
			WithValue([]byte(value)).
			Build()
		if err != nil {
			return err
		}
		resp, err := opener(ctx, opaque, raw)
		if err != nil {
			return err
		}
		if resp.Err != nil {
			return resp.Err
		}
	}
	return nil
}

// RespondNoop answers a server-initiated DCP_NOOP keepalive with an
// immediate, uncorrelated response: NOOP is server-initiated and never
// registered with the dispatcher's opaque table, so it is sent
// directly via send rather than through SendRequest.
func RespondNoop(ctx context.Context, send dispatch.Sender, requestOpaque uint32) error {
	raw, err := memd.NewRequestBuilder(memd.OpNoop, 0, requestOpaque).Build()
	if err != nil {
		return err
	}
	raw[0] = byte(memd.MagicResponse)
	return send(ctx, raw)
}
