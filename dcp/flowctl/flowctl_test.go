package flowctl

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestThresholdFiresAtHalfBuffer(t *testing.T) {
	var emitted []uint32
	c := New(1024, WithMode(Manual))
	c.Emit = func(acked uint32) { emitted = append(emitted, acked) }

	r1 := c.Arrive(300)
	r1.Ack(context.Background())
	assert.Empty(t, emitted)
	assert.Equal(t, uint32(300), c.Acked())

	r2 := c.Arrive(300)
	r2.Ack(context.Background())
	require := assert.New(t)
	require.Equal([]uint32{600}, emitted)
	require.Equal(uint32(0), c.Acked())
}

func TestAckIsIdempotent(t *testing.T) {
	var emitted []uint32
	c := New(1024, WithMode(Manual))
	c.Emit = func(acked uint32) { emitted = append(emitted, acked) }

	r := c.Arrive(600)
	r.Ack(context.Background())
	r.Ack(context.Background())
	r.Ack(context.Background())

	assert.Equal(t, []uint32{600}, emitted)
}

func TestAutomaticModeAcksOnArrival(t *testing.T) {
	var emitted []uint32
	c := New(1024, WithMode(Automatic))
	c.Emit = func(acked uint32) { emitted = append(emitted, acked) }

	c.Arrive(512)
	c.Arrive(512)

	assert.Equal(t, []uint32{512, 512}, emitted)
}

func TestUnackedTracksArrivalsUntilAcked(t *testing.T) {
	c := New(1024, WithMode(Manual))
	r := c.Arrive(200)
	assert.Equal(t, uint32(200), c.Unacked())
	r.Ack(context.Background())
	assert.Equal(t, uint32(0), c.Unacked())
}

func TestCustomThreshold(t *testing.T) {
	var emitted []uint32
	c := New(1000, WithMode(Manual), WithThreshold(0.1))
	c.Emit = func(acked uint32) { emitted = append(emitted, acked) }

	r := c.Arrive(150)
	r.Ack(context.Background())

	assert.Equal(t, []uint32{150}, emitted)
}
