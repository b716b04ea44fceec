package monitor

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"labwatch/pkg/backend"
	"labwatch/pkg/clock"
	"labwatch/pkg/metrics"
)

// DefaultInterval is the poll period used while a job is active.
const DefaultInterval = 5 * time.Second

// Config carries the dependencies shared by both pollers.
type Config struct {
	// Interval between polls; zero means DefaultInterval.
	Interval time.Duration
	// Clock drives the poll timers; nil means the real clock.
	Clock clock.Clock
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	// Signal, when set on a JobSession, receives every observed state.
	Signal *LifecycleSignal
	// TerminalStates extends completed and failed with source-defined
	// terminal states.
	TerminalStates []backend.LifecycleState
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	return c
}

// sleep waits for d on clk. It reports false if ctx ended first, in
// which case the timer is released.
func sleep(ctx context.Context, clk clock.Clock, d time.Duration) bool {
	timer := clk.NewTimer(d)
	select {
	case <-ctx.Done():
		timer.Stop()
		return false
	case <-timer.C:
		return true
	}
}

// deliver hands v to the consumer unless the session has been stopped.
func deliver[T any](ctx context.Context, out chan<- T, v T) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case out <- v:
		return true
	case <-ctx.Done():
		return false
	}
}
