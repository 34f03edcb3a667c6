package pacer

import "time"

// Default is the generic decay/attack exponential backoff calculator a
// Pacer installs when given no other Calculator; the conductor's
// stream-open loop uses Fixed instead. On success the sleep time decays geometrically
// towards minSleep; on failure it attacks geometrically towards
// maxSleep.
type Default struct {
	minSleep       time.Duration
	maxSleep       time.Duration
	decayConstant  uint
	attackConstant uint
}

// DefaultOption configures a Default calculator.
type DefaultOption func(*Default)

// MinSleep sets the minimum (floor) sleep time.
func MinSleep(t time.Duration) DefaultOption {
	return func(d *Default) { d.minSleep = t }
}

// MaxSleep sets the maximum (ceiling) sleep time.
func MaxSleep(t time.Duration) DefaultOption {
	return func(d *Default) { d.maxSleep = t }
}

// DecayConstant controls how fast the sleep time decays after a
// success; larger is slower.
func DecayConstant(c uint) DefaultOption {
	return func(d *Default) { d.decayConstant = c }
}

// AttackConstant controls how fast the sleep time attacks towards
// maxSleep after a failure; larger is slower, 0 jumps straight to
// maxSleep.
func AttackConstant(c uint) DefaultOption {
	return func(d *Default) { d.attackConstant = c }
}

// NewDefault creates a Default calculator with sensible defaults,
// overridden by options.
func NewDefault(options ...DefaultOption) *Default {
	d := &Default{
		minSleep:       10 * time.Millisecond,
		maxSleep:       2 * time.Second,
		decayConstant:  2,
		attackConstant: 1,
	}
	for _, option := range options {
		option(d)
	}
	return d
}

// Calculate returns the next sleep time given the previous state.
func (d *Default) Calculate(state State) time.Duration {
	if state.ConsecutiveRetries == 0 {
		pow2 := time.Duration(1) << d.decayConstant
		sleepTime := state.SleepTime * (pow2 - 1) / pow2
		if sleepTime < d.minSleep {
			sleepTime = d.minSleep
		}
		return sleepTime
	}
	if d.attackConstant == 0 {
		return d.maxSleep
	}
	pow2 := time.Duration(1) << d.attackConstant
	sleepTime := state.SleepTime * pow2 / (pow2 - 1)
	if sleepTime > d.maxSleep {
		sleepTime = d.maxSleep
	}
	return sleepTime
}
