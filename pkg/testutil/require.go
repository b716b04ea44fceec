// Package testutil holds channel helpers shared by the package tests.
package testutil

import (
	"fmt"
	"time"
)

// TB is the subset of testing.TB the helpers need.
type TB interface {
	Helper()
	Fatalf(format string, args ...any)
}

// RequireReceive reads one value from ch within timeout, or fails the test.
func RequireReceive[T any](t TB, ch <-chan T, timeout time.Duration, msgAndArgs ...any) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed without sending a value: %s", formatMessage(msgAndArgs))
		}
		return v
	case <-time.After(timeout):
		t.Fatalf("timed out after %v: %s", timeout, formatMessage(msgAndArgs))
	}
	panic("unreachable")
}

// RequireClosed waits for ch to be closed within timeout. Values received
// before the close are discarded.
func RequireClosed[T any](t TB, ch <-chan T, timeout time.Duration, msgAndArgs ...any) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("channel not closed after %v: %s", timeout, formatMessage(msgAndArgs))
		}
	}
}

// RequireSilent fails the test if ch delivers a value within window.
// A closed channel counts as silent.
func RequireSilent[T any](t TB, ch <-chan T, window time.Duration, msgAndArgs ...any) {
	t.Helper()
	select {
	case v, ok := <-ch:
		if ok {
			t.Fatalf("unexpected value %v: %s", v, formatMessage(msgAndArgs))
		}
	case <-time.After(window):
	}
}

func formatMessage(msgAndArgs []any) string {
	if len(msgAndArgs) == 0 {
		return ""
	}
	if format, ok := msgAndArgs[0].(string); ok {
		return fmt.Sprintf(format, msgAndArgs[1:]...)
	}
	return fmt.Sprint(msgAndArgs...)
}

// Eventually polls cond every 10ms until it holds or timeout elapses.
func Eventually(t TB, timeout time.Duration, cond func() bool, msgAndArgs ...any) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met after %v: %s", timeout, formatMessage(msgAndArgs))
		}
		time.Sleep(10 * time.Millisecond)
	}
}
