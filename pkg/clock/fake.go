package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a FakeClock initialised to the given time. Time stands
// still until Advance is called.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{current: initial}
	c.waitersChanged = sync.NewCond(&c.mu)
	return c
}

// FakeClock is a deterministic Clock. Timers fire only when Advance
// moves the clock past their deadline. Safe for concurrent use.
type FakeClock struct {
	mu             sync.Mutex
	current        time.Time
	waiters        []*fakeWaiter
	waitersChanged *sync.Cond
}

type fakeWaiter struct {
	deadline time.Time
	channel  chan time.Time
	stopped  bool
	fired    bool
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// NewTimer registers a pending timer. A non-positive duration fires
// immediately without registering.
func (c *FakeClock) NewTimer(d time.Duration) *Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- c.current
		return &Timer{C: channel, stopFunc: func() bool { return false }}
	}

	waiter := &fakeWaiter{deadline: c.current.Add(d), channel: channel}
	c.waiters = append(c.waiters, waiter)
	c.waitersChanged.Broadcast()

	return &Timer{
		C: channel,
		stopFunc: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			if waiter.stopped || waiter.fired {
				return false
			}
			waiter.stopped = true
			c.waitersChanged.Broadcast()
			return true
		},
	}
}

// Advance moves the clock forward by d and fires every timer whose
// deadline falls within the new time, in deadline order.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	target := c.current

	var toFire, remaining []*fakeWaiter
	for _, waiter := range c.waiters {
		if waiter.stopped {
			continue
		}
		if !waiter.deadline.After(target) {
			waiter.fired = true
			toFire = append(toFire, waiter)
		} else {
			remaining = append(remaining, waiter)
		}
	}
	c.waiters = remaining
	c.waitersChanged.Broadcast()
	c.mu.Unlock()

	sort.Slice(toFire, func(i, j int) bool {
		return toFire[i].deadline.Before(toFire[j].deadline)
	})
	for _, waiter := range toFire {
		select {
		case waiter.channel <- target:
		default:
		}
	}
}

// WaitForTimers blocks until at least n timers are pending. It closes
// the race between a goroutine arming a timer and the test advancing
// the clock.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.pendingLocked() < n {
		c.waitersChanged.Wait()
	}
}

// PendingCount returns the number of armed, unfired timers.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingLocked()
}

func (c *FakeClock) pendingLocked() int {
	count := 0
	for _, waiter := range c.waiters {
		if !waiter.stopped {
			count++
		}
	}
	return count
}
