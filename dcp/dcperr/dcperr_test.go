package dcperr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShouldRetryClassification(t *testing.T) {
	assert.False(t, ShouldRetry(&IllegalReuse{What: "StreamRequest"}))
	assert.False(t, ShouldRetry(&MalformedFrame{Vbucket: 3, Reason: "short body"}))
	assert.True(t, ShouldRetry(&BadResponseStatus{Status: 0x01, Opcode: 0x53}))
	assert.True(t, ShouldRetry(&ConnectionClosed{Graceful: false}))
	assert.True(t, ShouldRetry(&ConfigParseError{Cause: errors.New("bad json")}))
	assert.True(t, ShouldRetry(&DispatchError{Vbucket: 1, Cause: errors.New("boom")}))
}

func TestConnectionClosedUnwrap(t *testing.T) {
	cause := errors.New("read tcp: reset")
	err := &ConnectionClosed{Graceful: false, Cause: cause}
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "reset")

	bare := &ConnectionClosed{}
	assert.Equal(t, "dcp: connection closed", bare.Error())
	assert.Nil(t, bare.Unwrap())
}

func TestConfigParseErrorUnwrap(t *testing.T) {
	cause := errors.New("unexpected end of JSON input")
	err := &ConfigParseError{Cause: cause}
	assert.ErrorIs(t, err, cause)
}

func TestDispatchErrorUnwrap(t *testing.T) {
	cause := errors.New("timed out")
	err := &DispatchError{Vbucket: 42, Cause: cause}
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "vbucket=42")
}

func TestMalformedFrameMessage(t *testing.T) {
	err := &MalformedFrame{Vbucket: -1, Reason: "unknown magic 0x99"}
	assert.Contains(t, err.Error(), "vbucket=-1")
	assert.Contains(t, err.Error(), "unknown magic")
}

func TestIllegalReuseMessage(t *testing.T) {
	err := &IllegalReuse{What: "OpenConnectionRequest"}
	assert.Equal(t, "dcp: illegal reuse of OpenConnectionRequest", err.Error())
}
