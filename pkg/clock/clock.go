// Package clock abstracts the time operations used by the pollers so
// tests can drive their cadence deterministically.
package clock

import "time"

// Clock is the subset of the time package the monitors depend on.
// Production code uses Real(); tests use Fake().
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// NewTimer returns a Timer that delivers the current time on its
	// channel once d has elapsed. If d <= 0 the timer fires immediately.
	NewTimer(d time.Duration) *Timer
}

// Timer is a one-shot timer. Read from C; call Stop when abandoning
// the wait so the timer does not linger.
type Timer struct {
	// C receives the fire time. Buffered with capacity 1.
	C <-chan time.Time

	stopFunc func() bool
}

// Stop prevents the Timer from firing. It reports whether the call
// stopped the timer before it fired.
func (t *Timer) Stop() bool {
	if t == nil || t.stopFunc == nil {
		return false
	}
	return t.stopFunc()
}

// Real returns a Clock backed by the standard time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) NewTimer(d time.Duration) *Timer {
	timer := time.NewTimer(d)
	return &Timer{C: timer.C, stopFunc: timer.Stop}
}
