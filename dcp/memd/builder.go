package memd

import (
	"encoding/binary"

	"github.com/couchbaselabs/go-dcp-client/dcp/dcperr"
)

// RequestBuilder assembles a single outbound request frame. It is
// single-use: Build returns IllegalReuse on a second call, matching
// the one-shot request objects the dispatcher hands to callers (spec
// §8 invariant 5).
type RequestBuilder struct {
	opcode  Opcode
	vbucket uint16
	opaque  uint32
	extras  []byte
	key     []byte
	value   []byte
	built   bool
}

// NewRequestBuilder starts a request for the given opcode, partition
// and correlation opaque.
func NewRequestBuilder(opcode Opcode, vbucket uint16, opaque uint32) *RequestBuilder {
	return &RequestBuilder{opcode: opcode, vbucket: vbucket, opaque: opaque}
}

func (b *RequestBuilder) WithExtras(extras []byte) *RequestBuilder {
	b.extras = extras
	return b
}

func (b *RequestBuilder) WithKey(key []byte) *RequestBuilder {
	b.key = key
	return b
}

func (b *RequestBuilder) WithValue(value []byte) *RequestBuilder {
	b.value = value
	return b
}

// Build serializes the request to its wire form. It may be called at
// most once.
func (b *RequestBuilder) Build() ([]byte, error) {
	if b.built {
		return nil, &dcperr.IllegalReuse{What: "memd.RequestBuilder"}
	}
	b.built = true

	totalBody := len(b.extras) + len(b.key) + len(b.value)
	buf := make([]byte, HeaderLen+totalBody)
	buf[0] = byte(MagicRequest)
	buf[1] = byte(b.opcode)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(b.key)))
	buf[4] = byte(len(b.extras))
	buf[5] = 0 // dataType
	binary.BigEndian.PutUint16(buf[6:8], b.vbucket)
	binary.BigEndian.PutUint32(buf[8:12], uint32(totalBody))
	binary.BigEndian.PutUint32(buf[12:16], b.opaque)
	// cas (buf[16:24]) left zero for requests.

	off := HeaderLen
	off += copy(buf[off:], b.extras)
	off += copy(buf[off:], b.key)
	copy(buf[off:], b.value)
	return buf, nil
}

// ObserveSeqnoExtras encodes the 8-byte vbuuid body for an
// OBSERVE_SEQNO request.
func ObserveSeqnoExtras(vbuuid uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, vbuuid)
	return buf
}

// StreamRequestExtras encodes the (flags, reserved, startSeqno,
// endSeqno, vbuuid, snapshotStart, snapshotEnd) body of a
// DCP_STREAM_REQ.
func StreamRequestExtras(flags uint32, startSeqno, endSeqno, vbuuid, snapshotStart, snapshotEnd uint64) []byte {
	buf := make([]byte, 48)
	binary.BigEndian.PutUint32(buf[0:4], flags)
	binary.BigEndian.PutUint32(buf[4:8], 0) // reserved
	binary.BigEndian.PutUint64(buf[8:16], startSeqno)
	binary.BigEndian.PutUint64(buf[16:24], endSeqno)
	binary.BigEndian.PutUint64(buf[24:32], vbuuid)
	binary.BigEndian.PutUint64(buf[32:40], snapshotStart)
	binary.BigEndian.PutUint64(buf[40:48], snapshotEnd)
	return buf
}

// ParseStreamRequestExtras decodes a DCP_STREAM_REQ body back into its
// fields; the round-trip tests use it to check StreamRequestExtras.
func ParseStreamRequestExtras(extras []byte) (flags uint32, startSeqno, endSeqno, vbuuid, snapshotStart, snapshotEnd uint64, err error) {
	if len(extras) < 48 {
		err = &dcperr.MalformedFrame{Vbucket: -1, Reason: "stream request extras shorter than 48 bytes"}
		return
	}
	flags = binary.BigEndian.Uint32(extras[0:4])
	startSeqno = binary.BigEndian.Uint64(extras[8:16])
	endSeqno = binary.BigEndian.Uint64(extras[16:24])
	vbuuid = binary.BigEndian.Uint64(extras[24:32])
	snapshotStart = binary.BigEndian.Uint64(extras[32:40])
	snapshotEnd = binary.BigEndian.Uint64(extras[40:48])
	return
}
