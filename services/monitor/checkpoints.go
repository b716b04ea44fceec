package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"labwatch/pkg/backend"
	"labwatch/pkg/metrics"
	"labwatch/pkg/telemetry"
)

const checkpointComponent = "checkpoint_monitor"

// CheckpointSource fetches the two halves of a checkpoint cycle.
type CheckpointSource interface {
	ListCheckpoints(ctx context.Context, jobID string) ([]backend.CheckpointRecord, error)
	PlotData(ctx context.Context, jobID string) ([]backend.PlotPoint, error)
}

// CheckpointSet is the checkpoint list and plot dataset from one cycle.
type CheckpointSet struct {
	Records   []backend.CheckpointRecord `json:"records" yaml:"records"`
	Points    []backend.PlotPoint        `json:"points" yaml:"points"`
	Cycle     uint64                     `json:"cycle" yaml:"cycle"`
	FetchedAt time.Time                  `json:"fetched_at" yaml:"fetched_at"`
}

// CheckpointUpdate is one cycle outcome. Exactly one of Set and Err is
// set. State is the signal value the cycle was scheduled under.
type CheckpointUpdate struct {
	JobID string
	State backend.LifecycleState
	Set   *CheckpointSet
	Err   error
}

// CheckpointMonitor polls the checkpoint list and plot data of one job
// while its lifecycle signal reads running.
type CheckpointMonitor struct {
	src CheckpointSource
	cfg Config

	mu      sync.Mutex
	gen     uint64
	cycle   uint64
	jobID   string
	cancel  context.CancelFunc
	done    chan struct{}
	current *CheckpointSet
	lastErr error
}

// NewCheckpointMonitor validates the dependencies and returns an idle
// monitor.
func NewCheckpointMonitor(src CheckpointSource, cfg Config) (*CheckpointMonitor, error) {
	if src == nil {
		return nil, errors.New("checkpoint source is required")
	}
	return &CheckpointMonitor{src: src, cfg: cfg.withDefaults()}, nil
}

// Start stops any running loop and begins monitoring jobID. signal is
// read on every tick, never captured.
func (m *CheckpointMonitor) Start(ctx context.Context, jobID string, signal StateSignal) (<-chan CheckpointUpdate, error) {
	if m == nil {
		return nil, errors.New("checkpoint monitor is nil")
	}
	if jobID == "" {
		return nil, errors.New("job id is required")
	}
	if signal == nil {
		return nil, errors.New("state signal is required")
	}
	m.Stop()

	runCtx, cancel := context.WithCancel(ctx)
	out := make(chan CheckpointUpdate)
	done := make(chan struct{})

	m.mu.Lock()
	m.gen++
	gen := m.gen
	m.cycle = 0
	m.jobID = jobID
	m.cancel = cancel
	m.done = done
	m.current = nil
	m.lastErr = nil
	m.mu.Unlock()

	logger := m.cfg.Logger.With().
		Str("component", checkpointComponent).
		Str("session", uuid.NewString()).
		Str("job_id", jobID).
		Logger()
	go m.run(runCtx, gen, jobID, signal, out, done, logger)
	return out, nil
}

// Stop cancels the loop, waits for it to exit and closes the update
// channel. It is idempotent.
func (m *CheckpointMonitor) Stop() {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.cancel == nil {
		m.mu.Unlock()
		return
	}
	m.gen++
	m.cancel()
	done := m.done
	m.cancel = nil
	m.done = nil
	m.mu.Unlock()

	<-done
}

// Current returns the latest complete pair.
func (m *CheckpointMonitor) Current() (CheckpointSet, bool) {
	if m == nil {
		return CheckpointSet{}, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return CheckpointSet{}, false
	}
	return m.current.clone(), true
}

// LastError returns the most recent cycle error.
func (m *CheckpointMonitor) LastError() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func (m *CheckpointMonitor) run(ctx context.Context, gen uint64, jobID string, signal StateSignal, out chan<- CheckpointUpdate, done chan<- struct{}, logger zerolog.Logger) {
	defer close(done)
	defer close(out)

	logger.Debug().Msg("checkpoint monitor started")
	defer logger.Debug().Msg("checkpoint monitor stopped")

	for {
		changed := signal.Changed()
		state := signal.Load()

		upd, ok := m.poll(ctx, gen, jobID, state, logger)
		if !ok {
			return
		}
		if !deliver(ctx, out, upd) {
			return
		}

		if state.IsRunning() {
			if !sleep(ctx, m.cfg.Clock, m.cfg.Interval) {
				return
			}
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-changed:
		}
	}
}

func (m *CheckpointMonitor) poll(ctx context.Context, gen uint64, jobID string, state backend.LifecycleState, logger zerolog.Logger) (CheckpointUpdate, bool) {
	ctx, span := telemetry.Tracer().Start(ctx, "monitor.checkpoints.poll",
		trace.WithAttributes(
			attribute.String("job.id", jobID),
			attribute.String("job.state", string(state)),
		))
	defer span.End()

	started := m.cfg.Clock.Now()
	set, err := m.fetchPair(ctx, jobID)
	took := m.cfg.Clock.Now().Sub(started)

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		m.cfg.Metrics.ObservePoll(checkpointComponent, metrics.OutcomeDiscarded, took)
		return CheckpointUpdate{}, false
	}
	if err != nil {
		m.lastErr = err
	} else {
		m.cycle++
		set.Cycle = m.cycle
		set.FetchedAt = m.cfg.Clock.Now()
		m.current = set
		m.lastErr = nil
	}
	m.mu.Unlock()

	upd := CheckpointUpdate{JobID: jobID, State: state}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.cfg.Metrics.ObservePoll(checkpointComponent, metrics.OutcomeError, took)
		logger.Warn().Err(err).Msg("checkpoint poll failed")
		upd.Err = err
		return upd, true
	}

	m.cfg.Metrics.ObservePoll(checkpointComponent, metrics.OutcomeSuccess, took)
	logger.Debug().
		Int("checkpoints", len(set.Records)).
		Int("points", len(set.Points)).
		Msg("checkpoints refreshed")
	cp := set.clone()
	upd.Set = &cp
	return upd, true
}

func (m *CheckpointMonitor) fetchPair(ctx context.Context, jobID string) (*CheckpointSet, error) {
	records, err := m.src.ListCheckpoints(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	points, err := m.src.PlotData(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("fetch plot data: %w", err)
	}
	return &CheckpointSet{Records: records, Points: points}, nil
}

func (s *CheckpointSet) clone() CheckpointSet {
	cp := *s
	cp.Records = append([]backend.CheckpointRecord(nil), s.Records...)
	cp.Points = append([]backend.PlotPoint(nil), s.Points...)
	return cp
}
