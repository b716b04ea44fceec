package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"labwatch/pkg/backend"
	"labwatch/pkg/metrics"
	"labwatch/pkg/telemetry"
)

const jobComponent = "job_monitor"

// JobSource fetches the current snapshot of a job.
type JobSource interface {
	GetJob(ctx context.Context, jobID string) (*backend.JobSnapshot, error)
}

// JobUpdate is one poll outcome. Exactly one of Snapshot and Err is set.
type JobUpdate struct {
	JobID    string
	Snapshot *backend.JobSnapshot
	Err      error
}

// JobSession polls one job until it settles in a terminal state or is
// stopped. Updates are delivered on an unbuffered channel which the
// caller must drain; the next poll is not scheduled until the previous
// update has been received.
type JobSession struct {
	src      JobSource
	cfg      Config
	terminal map[backend.LifecycleState]struct{}

	mu      sync.Mutex
	gen     uint64
	jobID   string
	cancel  context.CancelFunc
	done    chan struct{}
	current *backend.JobSnapshot
	lastErr error
}

// NewJobSession validates the dependencies and returns an idle session.
func NewJobSession(src JobSource, cfg Config) (*JobSession, error) {
	if src == nil {
		return nil, errors.New("job source is required")
	}
	cfg = cfg.withDefaults()
	terminal := map[backend.LifecycleState]struct{}{
		backend.StateCompleted: {},
		backend.StateFailed:    {},
	}
	for _, st := range cfg.TerminalStates {
		st = st.Normalize()
		if st == backend.StatePending || st == backend.StateRunning {
			return nil, fmt.Errorf("state %q cannot be terminal", st)
		}
		terminal[st] = struct{}{}
	}
	return &JobSession{src: src, cfg: cfg, terminal: terminal}, nil
}

// Start stops any running poll loop and begins monitoring jobID. The
// first fetch happens immediately. The returned channel is closed when
// the session is stopped or the terminal state has been confirmed.
func (s *JobSession) Start(ctx context.Context, jobID string) (<-chan JobUpdate, error) {
	if s == nil {
		return nil, errors.New("job session is nil")
	}
	if jobID == "" {
		return nil, errors.New("job id is required")
	}
	s.Stop()

	runCtx, cancel := context.WithCancel(ctx)
	out := make(chan JobUpdate)
	done := make(chan struct{})

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.jobID = jobID
	s.cancel = cancel
	s.done = done
	s.current = nil
	s.lastErr = nil
	s.mu.Unlock()

	logger := s.cfg.Logger.With().
		Str("component", jobComponent).
		Str("session", uuid.NewString()).
		Str("job_id", jobID).
		Logger()
	go s.run(runCtx, gen, jobID, out, done, logger)
	return out, nil
}

// Stop cancels the pending timer and any in-flight fetch, waits for the
// poll loop to exit and closes the update channel. It is idempotent.
func (s *JobSession) Stop() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return
	}
	s.gen++
	s.cancel()
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	<-done
}

// JobID returns the identity passed to the last Start.
func (s *JobSession) JobID() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobID
}

// Current returns a copy of the latest successfully fetched snapshot.
func (s *JobSession) Current() (backend.JobSnapshot, bool) {
	if s == nil {
		return backend.JobSnapshot{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return backend.JobSnapshot{}, false
	}
	return s.current.Clone(), true
}

// LastError returns the most recent fetch error, cleared by the next
// successful fetch.
func (s *JobSession) LastError() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *JobSession) isTerminal(st backend.LifecycleState) bool {
	_, ok := s.terminal[st.Normalize()]
	return ok
}

func (s *JobSession) run(ctx context.Context, gen uint64, jobID string, out chan<- JobUpdate, done chan<- struct{}, logger zerolog.Logger) {
	defer close(done)
	defer close(out)

	logger.Debug().Msg("job monitor started")
	defer logger.Debug().Msg("job monitor stopped")

	confirming := false
	for {
		upd, ok := s.poll(ctx, gen, jobID, logger)
		if !ok {
			return
		}
		if !deliver(ctx, out, upd) {
			return
		}
		if upd.Err == nil {
			if s.isTerminal(upd.Snapshot.State) {
				if confirming {
					logger.Info().Str("state", string(upd.Snapshot.State)).Msg("terminal state confirmed")
					return
				}
				confirming = true
			} else {
				confirming = false
			}
		}
		if !sleep(ctx, s.cfg.Clock, s.cfg.Interval) {
			return
		}
	}
}

// poll performs one fetch and applies it if the generation is still
// current. It reports false when the result was discarded.
func (s *JobSession) poll(ctx context.Context, gen uint64, jobID string, logger zerolog.Logger) (JobUpdate, bool) {
	ctx, span := telemetry.Tracer().Start(ctx, "monitor.job.poll",
		trace.WithAttributes(attribute.String("job.id", jobID)))
	defer span.End()

	started := s.cfg.Clock.Now()
	snap, err := s.src.GetJob(ctx, jobID)
	took := s.cfg.Clock.Now().Sub(started)

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		s.cfg.Metrics.ObservePoll(jobComponent, metrics.OutcomeDiscarded, took)
		return JobUpdate{}, false
	}
	if err == nil && snap == nil {
		err = &backend.ParseError{Endpoint: "/jobs/" + jobID, Err: errors.New("empty snapshot")}
	}
	var prev backend.LifecycleState
	if s.current != nil {
		prev = s.current.State
	}
	if err != nil {
		s.lastErr = err
	} else {
		cp := snap.Clone()
		s.current = &cp
		s.lastErr = nil
		if s.cfg.Signal != nil {
			s.cfg.Signal.Store(cp.State)
		}
	}
	s.mu.Unlock()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.cfg.Metrics.ObservePoll(jobComponent, metrics.OutcomeError, took)
		logger.Warn().Err(err).Msg("job poll failed")
		return JobUpdate{JobID: jobID, Err: err}, true
	}

	span.SetAttributes(attribute.String("job.state", string(snap.State)))
	s.cfg.Metrics.ObservePoll(jobComponent, metrics.OutcomeSuccess, took)
	if prev != snap.State {
		logger.Info().
			Str("external_id", snap.ExternalID).
			Str("from", string(prev)).
			Str("to", string(snap.State)).
			Msg("job state changed")
	}
	cp := snap.Clone()
	return JobUpdate{JobID: jobID, Snapshot: &cp}, true
}
