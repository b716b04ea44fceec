package monitor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"labwatch/pkg/backend"
	"labwatch/pkg/clock"
	"labwatch/pkg/testutil"
)

const (
	testInterval = 5 * time.Second
	waitTimeout  = 2 * time.Second
	quietWindow  = 50 * time.Millisecond
)

type jobResult struct {
	snap *backend.JobSnapshot
	err  error
}

// fakeJobs blocks every GetJob until the test supplies a result.
type fakeJobs struct {
	calls     atomic.Int32
	entered   chan struct{}
	responses chan jobResult

	// When set, a cancelled fetch still waits for lateResult and
	// returns it, like a transport that ignores cancellation.
	lateResult chan jobResult
	sawCancel  chan struct{}
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{
		entered:   make(chan struct{}, 16),
		responses: make(chan jobResult),
		sawCancel: make(chan struct{}, 1),
	}
}

func (f *fakeJobs) GetJob(ctx context.Context, jobID string) (*backend.JobSnapshot, error) {
	f.calls.Add(1)
	f.entered <- struct{}{}
	select {
	case r := <-f.responses:
		return r.snap, r.err
	case <-ctx.Done():
		if f.lateResult == nil {
			return nil, ctx.Err()
		}
		f.sawCancel <- struct{}{}
		r := <-f.lateResult
		return r.snap, r.err
	}
}

func (f *fakeJobs) respond(t *testing.T, r jobResult) {
	t.Helper()
	select {
	case f.responses <- r:
	case <-time.After(waitTimeout):
		t.Fatalf("no fetch waiting for a response")
	}
}

func snapshot(state backend.LifecycleState) *backend.JobSnapshot {
	return &backend.JobSnapshot{ID: "42", ExternalID: "bj-42", State: state}
}

func newTestSession(t *testing.T, src JobSource, cfg Config) (*JobSession, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	cfg.Clock = clk
	cfg.Interval = testInterval
	cfg.Logger = zerolog.Nop()
	sess, err := NewJobSession(src, cfg)
	if err != nil {
		t.Fatalf("NewJobSession: %v", err)
	}
	t.Cleanup(sess.Stop)
	return sess, clk
}

func TestJobSessionPollsActiveStatesAtInterval(t *testing.T) {
	for _, state := range []backend.LifecycleState{backend.StatePending, backend.StateRunning} {
		t.Run(string(state), func(t *testing.T) {
			src := newFakeJobs()
			sess, clk := newTestSession(t, src, Config{})

			updates, err := sess.Start(context.Background(), "42")
			if err != nil {
				t.Fatalf("Start: %v", err)
			}
			src.respond(t, jobResult{snap: snapshot(state)})
			upd := testutil.RequireReceive(t, updates, waitTimeout, "first update")
			if upd.Err != nil || upd.Snapshot.State != state {
				t.Fatalf("unexpected first update: %+v", upd)
			}

			clk.WaitForTimers(1)
			clk.Advance(testInterval - time.Millisecond)
			if got := clk.PendingCount(); got != 1 {
				t.Fatalf("timer fired early, pending=%d", got)
			}
			if got := src.calls.Load(); got != 1 {
				t.Fatalf("calls before interval = %d, want 1", got)
			}

			clk.Advance(time.Millisecond)
			src.respond(t, jobResult{snap: snapshot(state)})
			testutil.RequireReceive(t, updates, waitTimeout, "second update")
			if got := src.calls.Load(); got != 2 {
				t.Fatalf("calls after interval = %d, want 2", got)
			}
		})
	}
}

func TestJobSessionTerminalStateConfirmsOnceThenStops(t *testing.T) {
	tests := []struct {
		name  string
		extra []backend.LifecycleState
		state backend.LifecycleState
	}{
		{name: "completed", state: backend.StateCompleted},
		{name: "failed", state: backend.StateFailed},
		{name: "configured", extra: []backend.LifecycleState{"Cancelled"}, state: "cancelled"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			src := newFakeJobs()
			sess, clk := newTestSession(t, src, Config{TerminalStates: tc.extra})

			updates, err := sess.Start(context.Background(), "42")
			if err != nil {
				t.Fatalf("Start: %v", err)
			}
			src.respond(t, jobResult{snap: snapshot(tc.state)})
			testutil.RequireReceive(t, updates, waitTimeout, "terminal update")

			clk.WaitForTimers(1)
			clk.Advance(testInterval)
			src.respond(t, jobResult{snap: snapshot(tc.state)})
			upd := testutil.RequireReceive(t, updates, waitTimeout, "confirmation update")
			if upd.Snapshot.State != tc.state {
				t.Fatalf("confirmation state = %q, want %q", upd.Snapshot.State, tc.state)
			}

			testutil.RequireClosed(t, updates, waitTimeout, "updates after confirmation")
			if got := clk.PendingCount(); got != 0 {
				t.Fatalf("pending timers after confirmation = %d", got)
			}
			if got := src.calls.Load(); got != 2 {
				t.Fatalf("calls = %d, want 2", got)
			}
			if cur, ok := sess.Current(); !ok || cur.State != tc.state {
				t.Fatalf("Current() = %+v, %v", cur, ok)
			}
		})
	}
}

func TestJobSessionConfirmationReportingActiveResumesPolling(t *testing.T) {
	src := newFakeJobs()
	sess, clk := newTestSession(t, src, Config{})

	updates, err := sess.Start(context.Background(), "42")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	src.respond(t, jobResult{snap: snapshot(backend.StateCompleted)})
	testutil.RequireReceive(t, updates, waitTimeout)

	clk.WaitForTimers(1)
	clk.Advance(testInterval)
	src.respond(t, jobResult{snap: snapshot(backend.StateRunning)})
	testutil.RequireReceive(t, updates, waitTimeout)

	clk.WaitForTimers(1)
	clk.Advance(testInterval)
	src.respond(t, jobResult{snap: snapshot(backend.StateCompleted)})
	testutil.RequireReceive(t, updates, waitTimeout)

	// A fresh terminal observation needs its own confirmation.
	clk.WaitForTimers(1)
	clk.Advance(testInterval)
	src.respond(t, jobResult{snap: snapshot(backend.StateCompleted)})
	testutil.RequireReceive(t, updates, waitTimeout)
	testutil.RequireClosed(t, updates, waitTimeout)
}

func TestJobSessionErrorKeepsSchedule(t *testing.T) {
	src := newFakeJobs()
	sess, clk := newTestSession(t, src, Config{})

	updates, err := sess.Start(context.Background(), "42")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	src.respond(t, jobResult{snap: snapshot(backend.StateRunning)})
	testutil.RequireReceive(t, updates, waitTimeout)

	clk.WaitForTimers(1)
	clk.Advance(testInterval)
	boom := &backend.FetchError{StatusCode: 502, Message: "bad gateway"}
	src.respond(t, jobResult{err: boom})
	upd := testutil.RequireReceive(t, updates, waitTimeout)

	var fetchErr *backend.FetchError
	if !errors.As(upd.Err, &fetchErr) || fetchErr.StatusCode != 502 {
		t.Fatalf("update error = %v, want FetchError 502", upd.Err)
	}
	if !errors.Is(sess.LastError(), boom) {
		t.Fatalf("LastError() = %v", sess.LastError())
	}
	if cur, ok := sess.Current(); !ok || cur.State != backend.StateRunning {
		t.Fatalf("failed poll replaced snapshot: %+v", cur)
	}

	clk.WaitForTimers(1)
	clk.Advance(testInterval)
	src.respond(t, jobResult{snap: snapshot(backend.StateRunning)})
	upd = testutil.RequireReceive(t, updates, waitTimeout)
	if upd.Err != nil {
		t.Fatalf("unexpected error: %v", upd.Err)
	}
	if sess.LastError() != nil {
		t.Fatalf("LastError() not cleared: %v", sess.LastError())
	}
}

func TestJobSessionPublishesStateToSignal(t *testing.T) {
	src := newFakeJobs()
	signal := NewLifecycleSignal("")
	sess, _ := newTestSession(t, src, Config{Signal: signal})
	changed := signal.Changed()

	updates, err := sess.Start(context.Background(), "42")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	src.respond(t, jobResult{snap: snapshot(backend.StateRunning)})
	testutil.RequireReceive(t, updates, waitTimeout)

	if got := signal.Load(); got != backend.StateRunning {
		t.Fatalf("signal = %q, want running", got)
	}
	testutil.RequireClosed(t, changed, waitTimeout, "signal change notification")
}

func TestJobSessionStopDiscardsInFlightResult(t *testing.T) {
	src := newFakeJobs()
	src.lateResult = make(chan jobResult)
	sess, clk := newTestSession(t, src, Config{})

	updates, err := sess.Start(context.Background(), "42")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-src.entered
	src.respond(t, jobResult{snap: snapshot(backend.StateRunning)})
	testutil.RequireReceive(t, updates, waitTimeout)

	clk.WaitForTimers(1)
	clk.Advance(testInterval)
	testutil.RequireReceive(t, src.entered, waitTimeout, "second fetch")

	stopped := make(chan struct{})
	go func() {
		sess.Stop()
		close(stopped)
	}()
	testutil.RequireReceive(t, src.sawCancel, waitTimeout, "fetch observed cancellation")
	src.lateResult <- jobResult{snap: snapshot(backend.StateCompleted)}
	testutil.RequireClosed(t, stopped, waitTimeout, "Stop returned")

	select {
	case upd, ok := <-updates:
		if ok {
			t.Fatalf("update delivered after Stop: %+v", upd)
		}
	default:
		t.Fatalf("updates channel still open after Stop")
	}
	if cur, _ := sess.Current(); cur.State != backend.StateRunning {
		t.Fatalf("late result applied: state=%q", cur.State)
	}
}

func TestJobSessionStopCancelsPendingTimer(t *testing.T) {
	src := newFakeJobs()
	sess, clk := newTestSession(t, src, Config{})

	updates, err := sess.Start(context.Background(), "42")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	src.respond(t, jobResult{snap: snapshot(backend.StateRunning)})
	testutil.RequireReceive(t, updates, waitTimeout)
	clk.WaitForTimers(1)

	sess.Stop()
	sess.Stop()
	testutil.RequireClosed(t, updates, waitTimeout)
	if got := clk.PendingCount(); got != 0 {
		t.Fatalf("pending timers after Stop = %d", got)
	}
	clk.Advance(10 * testInterval)
	if got := src.calls.Load(); got != 1 {
		t.Fatalf("calls after Stop = %d, want 1", got)
	}
}

func TestJobSessionRestartClosesPreviousChannel(t *testing.T) {
	src := newFakeJobs()
	sess, _ := newTestSession(t, src, Config{})

	first, err := sess.Start(context.Background(), "1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	testutil.RequireReceive(t, src.entered, waitTimeout)

	second, err := sess.Start(context.Background(), "2")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	testutil.RequireClosed(t, first, waitTimeout, "first channel")
	if got := sess.JobID(); got != "2" {
		t.Fatalf("JobID() = %q", got)
	}
	src.respond(t, jobResult{snap: snapshot(backend.StatePending)})
	testutil.RequireReceive(t, second, waitTimeout)
}

func TestJobSessionHandsOutIndependentCopies(t *testing.T) {
	src := newFakeJobs()
	sess, _ := newTestSession(t, src, Config{})

	updates, err := sess.Start(context.Background(), "42")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	snap := snapshot(backend.StateRunning)
	snap.Inputs = map[string]any{"steps": float64(10), "chains": []any{"A"}}
	snap.OutputArtifacts = []backend.ArtifactReference{{CID: "cid-1", Filename: "out.pdb", Tags: []backend.Tag{{Name: "pdb"}}}}
	src.respond(t, jobResult{snap: snap})
	upd := testutil.RequireReceive(t, updates, waitTimeout, "first update")

	upd.Snapshot.Inputs["steps"] = float64(99)
	upd.Snapshot.Inputs["chains"].([]any)[0] = "Z"
	upd.Snapshot.OutputArtifacts[0].Filename = "changed"
	got, _ := sess.Current()
	got.OutputArtifacts[0].Tags[0].Name = "changed"
	snap.Inputs["steps"] = float64(7)

	cur, ok := sess.Current()
	if !ok {
		t.Fatal("Current() reported no snapshot")
	}
	if cur.Inputs["steps"] != float64(10) || cur.Inputs["chains"].([]any)[0] != "A" {
		t.Fatalf("Inputs = %v, consumer writes leaked into the session", cur.Inputs)
	}
	if ref := cur.OutputArtifacts[0]; ref.Filename != "out.pdb" || ref.Tags[0].Name != "pdb" {
		t.Fatalf("OutputArtifacts = %+v, consumer writes leaked into the session", cur.OutputArtifacts)
	}
}

func TestJobSessionValidation(t *testing.T) {
	if _, err := NewJobSession(nil, Config{}); err == nil {
		t.Fatalf("expected error for nil source")
	}
	if _, err := NewJobSession(newFakeJobs(), Config{TerminalStates: []backend.LifecycleState{"running"}}); err == nil {
		t.Fatalf("expected error for running as terminal state")
	}
	sess, err := NewJobSession(newFakeJobs(), Config{})
	if err != nil {
		t.Fatalf("NewJobSession: %v", err)
	}
	if _, err := sess.Start(context.Background(), ""); err == nil {
		t.Fatalf("expected error for empty job id")
	}
	sess.Stop()

	var nilSession *JobSession
	nilSession.Stop()
	if _, ok := nilSession.Current(); ok {
		t.Fatalf("nil session reported a snapshot")
	}
}
