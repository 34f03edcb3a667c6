package pacer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFixedAlwaysReturnsSameDelay(t *testing.T) {
	f := NewFixed(250 * time.Millisecond)
	assert.Equal(t, 250*time.Millisecond, f.Calculate(State{}))
	assert.Equal(t, 250*time.Millisecond, f.Calculate(State{ConsecutiveRetries: 5, SleepTime: time.Second}))
}
