// Package pacer paces calls to an external service, both limiting
// their concurrency and backing off retries exponentially.
//
// It is used by the conductor's stream-open loop (spec §4.7): any()
// wraps a fallible operation, delay(d) seeds the backoff calculator,
// max(n) bounds the retry count and doOnRetry(h) is the caller's own
// logging around Call. The config provider's reconnect sweep is its
// own loop and does not use this package.
package pacer

import (
	"sync"
	"time"
)

const defaultRetries = 3

// State holds the current pacing state between calls.
type State struct {
	SleepTime          time.Duration // current sleep time between retries
	ConsecutiveRetries int           // number of consecutive retries seen so far
}

// Calculator works out the next sleep time given the previous State.
type Calculator interface {
	Calculate(state State) time.Duration
}

// Paced is a function to run with pacing. It should return a retry
// flag (true to try again) and an error.
type Paced func() (bool, error)

// Pacer throttles calls and paces their retries.
type Pacer struct {
	mu             sync.Mutex
	pacer          chan struct{} // serializes beginCall
	connTokens     chan struct{} // bounds concurrent in-flight calls, nil if unbounded
	maxConnections int
	retries        int
	calculator     Calculator
	state          State
}

// Option configures a Pacer at construction time.
type Option func(*Pacer)

// RetriesOption sets the number of retries Call will attempt.
func RetriesOption(retries int) Option {
	return func(p *Pacer) { p.SetRetries(retries) }
}

// MaxConnectionsOption bounds the number of concurrent in-flight calls.
// 0 (the default) means unbounded.
func MaxConnectionsOption(n int) Option {
	return func(p *Pacer) { p.SetMaxConnections(n) }
}

// CalculatorOption sets the backoff Calculator. A nil Calculator resets
// to NewDefault().
func CalculatorOption(c Calculator) Option {
	return func(p *Pacer) { p.SetCalculator(c) }
}

// New creates a Pacer with the given options applied.
func New(options ...Option) *Pacer {
	p := &Pacer{
		pacer:   make(chan struct{}, 1),
		retries: defaultRetries,
	}
	p.SetCalculator(nil)
	for _, option := range options {
		option(p)
	}
	p.pacer <- struct{}{}
	return p
}

// SetCalculator sets the backoff Calculator, resetting pacing state.
// A nil Calculator installs NewDefault().
func (p *Pacer) SetCalculator(c Calculator) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c == nil {
		c = NewDefault()
	}
	p.calculator = c
	p.state = State{}
	if d, ok := c.(*Default); ok {
		p.state.SleepTime = d.minSleep
	}
}

// SetRetries sets the number of retries Call will attempt.
func (p *Pacer) SetRetries(retries int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retries = retries
}

// SetMaxConnections bounds the number of concurrent in-flight calls.
// n <= 0 removes the bound.
func (p *Pacer) SetMaxConnections(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxConnections = n
	if n <= 0 {
		p.connTokens = nil
		return
	}
	p.connTokens = make(chan struct{}, n)
	for i := 0; i < n; i++ {
		p.connTokens <- struct{}{}
	}
}

// beginCall acquires a pace slot, then (if bounded) a connection
// token, then immediately replenishes the pace slot so the next
// caller's beginCall is not serialized behind this call's duration —
// only the acquisition itself is serialized.
func (p *Pacer) beginCall() {
	<-p.pacer
	if p.maxConnections > 0 {
		<-p.connTokens
	}
	go func() {
		p.pacer <- struct{}{}
	}()
}

// endCall releases the connection token (if bounded) and folds the
// outcome into the pacing state for the next Calculate.
func (p *Pacer) endCall(retry bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.maxConnections > 0 {
		p.connTokens <- struct{}{}
	}
	if retry {
		p.state.ConsecutiveRetries++
	} else {
		p.state.ConsecutiveRetries = 0
	}
	p.state.SleepTime = p.calculator.Calculate(p.state)
}

// call runs fn up to retries times, sleeping the calculated pace
// between attempts.
func (p *Pacer) call(fn Paced, retries int) (err error) {
	var retry bool
	for i := 0; i < retries; i++ {
		p.beginCall()
		retry, err = fn()
		p.endCall(retry, err)
		if !retry {
			break
		}
		if i != retries-1 {
			p.mu.Lock()
			sleepTime := p.state.SleepTime
			p.mu.Unlock()
			time.Sleep(sleepTime)
		}
	}
	return err
}

// Call runs fn, retrying up to the configured retry count while fn
// returns retry=true.
func (p *Pacer) Call(fn Paced) error {
	p.mu.Lock()
	retries := p.retries
	p.mu.Unlock()
	return p.call(fn, retries)
}

// CallNoRetry runs fn once, still subject to the concurrency bound.
func (p *Pacer) CallNoRetry(fn Paced) error {
	return p.call(fn, 1)
}
