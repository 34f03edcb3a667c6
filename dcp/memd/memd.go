// Package memd is the wire codec for the streaming conductor (spec
// §4.1, §9). It parses the binary memcached-derived framing DCP rides
// on top of: a fixed 24-byte header followed by extras, key, and
// value sections. Parsing produces a Frame that is a view into the
// caller-owned buffer — no field is copied out until a caller asks
// for one, so a hot loop that only inspects vbucket/opcode allocates
// nothing per frame.
package memd

import (
	"encoding/binary"

	"github.com/couchbaselabs/go-dcp-client/dcp/dcperr"
)

// Magic distinguishes a request frame from a response frame.
type Magic byte

const (
	MagicRequest  Magic = 0x80
	MagicResponse Magic = 0x81
)

func (m Magic) valid() bool { return m == MagicRequest || m == MagicResponse }

// Opcode identifies the DCP (or base memcached) operation a frame
// carries. Values match the wire protocol exactly.
type Opcode byte

const (
	OpFailoverLog    Opcode = 0x54
	OpOpen           Opcode = 0x50
	OpStreamReq      Opcode = 0x53
	OpStreamEnd      Opcode = 0x55
	OpSnapshotMarker Opcode = 0x56
	OpMutation       Opcode = 0x57
	OpDeletion       Opcode = 0x58
	OpExpiration     Opcode = 0x59
	OpFlush          Opcode = 0x5A
	OpBufferAck      Opcode = 0x5C
	OpControl        Opcode = 0x5F
	OpObserveSeqno   Opcode = 0x91
	// OpNoop is the base memcached keepalive opcode DCP connections
	// also use: the server pings a connection, and the conductor must
	// answer immediately or the server treats it as dead.
	OpNoop Opcode = 0x0A

	// OpRollback is synthetic: it never arrives on the wire. The
	// conductor handles a StreamReq response whose status is
	// StatusRollback itself, through events.Dispatcher.EmitRollback;
	// events.Dispatcher.HandleFrame also accepts a frame carrying this
	// opcode and treats it the same way.
	OpRollback Opcode = 0xff
)

func (o Opcode) String() string {
	switch o {
	case OpFailoverLog:
		return "DCP_FAILOVER_LOG"
	case OpOpen:
		return "DCP_OPEN"
	case OpStreamReq:
		return "DCP_STREAM_REQ"
	case OpStreamEnd:
		return "DCP_STREAM_END"
	case OpSnapshotMarker:
		return "DCP_SNAPSHOT_MARKER"
	case OpMutation:
		return "DCP_MUTATION"
	case OpDeletion:
		return "DCP_DELETION"
	case OpExpiration:
		return "DCP_EXPIRATION"
	case OpFlush:
		return "DCP_FLUSH"
	case OpBufferAck:
		return "DCP_BUFFER_ACK"
	case OpControl:
		return "DCP_CONTROL"
	case OpObserveSeqno:
		return "OBSERVE_SEQNO"
	case OpNoop:
		return "NOOP"
	case OpRollback:
		return "ROLLBACK"
	default:
		return "UNKNOWN"
	}
}

// Status is a response's outcome, present in the header's vbucket
// field position when Magic is MagicResponse.
type Status uint16

const (
	StatusSuccess      Status = 0x0000
	StatusNotMyVbucket Status = 0x0007
	StatusRollback     Status = 0x0023
)

// HeaderLen is the fixed size of every frame's header.
const HeaderLen = 24

// SnapshotMarkerFlag bits, carried in a snapshot marker's flags word.
type SnapshotMarkerFlag uint32

const (
	SnapshotMemory SnapshotMarkerFlag = 1 << 0
	SnapshotDisk   SnapshotMarkerFlag = 1 << 1
)

// Frame is a parsed view into a caller-owned byte slice. No section
// is copied; Key/Value/Extras alias buf. Callers that need to retain
// data past the buffer's release must copy it themselves.
type Frame struct {
	Magic      Magic
	Opcode     Opcode
	DataType   byte
	Vbucket    uint16
	Opaque     uint32
	Cas        uint64
	Status     Status // meaningful only when Magic == MagicResponse
	extras     []byte
	key        []byte
	value      []byte
}

// ParseFrame parses a single frame out of buf, which must contain
// exactly one frame's bytes (header + extras + key + value). Use
// ScanFrame with a bufio.Scanner to split a stream into per-frame
// slices first.
func ParseFrame(buf []byte) (Frame, error) {
	if len(buf) < HeaderLen {
		return Frame{}, &dcperr.MalformedFrame{Vbucket: -1, Reason: "buffer shorter than header"}
	}
	magic := Magic(buf[0])
	if !magic.valid() {
		return Frame{}, &dcperr.MalformedFrame{Vbucket: -1, Reason: "unknown magic byte"}
	}
	opcode := Opcode(buf[1])
	keyLen := int(binary.BigEndian.Uint16(buf[2:4]))
	extrasLen := int(buf[4])
	dataType := buf[5]
	vbucketOrStatus := binary.BigEndian.Uint16(buf[6:8])
	totalBodyLen := int(binary.BigEndian.Uint32(buf[8:12]))
	opaque := binary.BigEndian.Uint32(buf[12:16])
	cas := binary.BigEndian.Uint64(buf[16:24])

	if len(buf) != HeaderLen+totalBodyLen {
		return Frame{}, &dcperr.MalformedFrame{
			Vbucket: vbucketForError(magic, vbucketOrStatus),
			Reason:  "declared body length disagrees with buffer length",
		}
	}
	if extrasLen+keyLen > totalBodyLen {
		return Frame{}, &dcperr.MalformedFrame{
			Vbucket: vbucketForError(magic, vbucketOrStatus),
			Reason:  "extras+key length exceeds body length",
		}
	}

	f := Frame{
		Magic:    magic,
		Opcode:   opcode,
		DataType: dataType,
		Opaque:   opaque,
		Cas:      cas,
	}
	if magic == MagicResponse {
		f.Status = Status(vbucketOrStatus)
	} else {
		f.Vbucket = vbucketOrStatus
	}

	body := buf[HeaderLen:]
	f.extras = body[:extrasLen]
	f.key = body[extrasLen : extrasLen+keyLen]
	f.value = body[extrasLen+keyLen:]
	return f, nil
}

func vbucketForError(magic Magic, field uint16) int {
	if magic == MagicResponse {
		return -1
	}
	return int(field)
}

// Extras returns the frame's extras section, aliasing the parse buffer.
func (f Frame) Extras() []byte { return f.extras }

// Key returns the frame's key section, aliasing the parse buffer.
func (f Frame) Key() []byte { return f.key }

// Value returns the frame's value section, aliasing the parse buffer.
func (f Frame) Value() []byte { return f.value }

// BySeqno reads the by-sequence-number field at body offset 0..8,
// present on mutation, deletion and expiration frames.
func (f Frame) BySeqno() (uint64, error) {
	if len(f.extras) < 8 {
		return 0, &dcperr.MalformedFrame{Vbucket: int(f.Vbucket), Reason: "extras too short for bySeqno"}
	}
	return binary.BigEndian.Uint64(f.extras[0:8]), nil
}

// RevisionSeqno reads the revision-sequence-number field at body
// offset 8..16, present on mutation, deletion and expiration frames.
func (f Frame) RevisionSeqno() (uint64, error) {
	if len(f.extras) < 16 {
		return 0, &dcperr.MalformedFrame{Vbucket: int(f.Vbucket), Reason: "extras too short for revisionSeqno"}
	}
	return binary.BigEndian.Uint64(f.extras[8:16]), nil
}

// SnapshotMarker is the (start, end, flags) tuple carried by a
// DCP_SNAPSHOT_MARKER frame's extras.
type SnapshotMarker struct {
	Start uint64
	End   uint64
	Flags SnapshotMarkerFlag
}

// Snapshot parses extras as a snapshot marker.
func (f Frame) Snapshot() (SnapshotMarker, error) {
	if len(f.extras) < 20 {
		return SnapshotMarker{}, &dcperr.MalformedFrame{Vbucket: int(f.Vbucket), Reason: "extras too short for snapshot marker"}
	}
	return SnapshotMarker{
		Start: binary.BigEndian.Uint64(f.extras[0:8]),
		End:   binary.BigEndian.Uint64(f.extras[8:16]),
		Flags: SnapshotMarkerFlag(binary.BigEndian.Uint32(f.extras[16:20])),
	}, nil
}

// FailoverLogEntry is one (uuid, seqno) pair of a partition's branch
// history, entry 0 being the most recent branch.
type FailoverLogEntry struct {
	Uuid  uint64
	Seqno uint64
}

// FailoverLog parses the value of a DCP_FAILOVER_LOG response as a
// list of 16-byte (uuid, seqno) entries, most recent first.
func (f Frame) FailoverLog() ([]FailoverLogEntry, error) {
	if len(f.value)%16 != 0 {
		return nil, &dcperr.MalformedFrame{Vbucket: int(f.Vbucket), Reason: "failover log value not a multiple of 16 bytes"}
	}
	n := len(f.value) / 16
	log := make([]FailoverLogEntry, n)
	for i := 0; i < n; i++ {
		chunk := f.value[i*16 : i*16+16]
		log[i] = FailoverLogEntry{
			Uuid:  binary.BigEndian.Uint64(chunk[0:8]),
			Seqno: binary.BigEndian.Uint64(chunk[8:16]),
		}
	}
	return log, nil
}

// RollbackSeqno reads the sequence number a StatusRollback response
// carries in its value: the seqno the server wants the client to
// restart the stream from.
func (f Frame) RollbackSeqno() (uint64, error) {
	if len(f.value) < 8 {
		return 0, &dcperr.MalformedFrame{Vbucket: int(f.Vbucket), Reason: "value too short for rollback seqno"}
	}
	return binary.BigEndian.Uint64(f.value[0:8]), nil
}
