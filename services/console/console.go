package console

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"filippo.io/age"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"labwatch/pkg/backend"
	"labwatch/pkg/clock"
	"labwatch/pkg/metrics"
	"labwatch/pkg/render"
	"labwatch/services/artifacts"
	"labwatch/services/history"
	"labwatch/services/logstream"
	"labwatch/services/monitor"
	"labwatch/services/view"
)

const publishTimeout = 5 * time.Second

var (
	// ErrNoCheckpoints is returned by Select before the first checkpoint cycle.
	ErrNoCheckpoints = errors.New("no checkpoints loaded")
	// ErrCheckpointNotFound is returned by Select for an unknown point.
	ErrCheckpointNotFound = errors.New("checkpoint not found")
)

// Backend is the gateway surface the console drives.
type Backend interface {
	monitor.JobSource
	monitor.CheckpointSource
	artifacts.Opener
	LogStreamURL(externalID string) (string, error)
}

// Options configures a Console. Only Backend is required.
type Options struct {
	Backend Backend
	Shared  *Shared
	Dialer  logstream.Dialer
	Sink    artifacts.Sink
	// Recipients age-encrypt downloaded artifacts.
	Recipients []age.Recipient
	TempDir    string
	// ArchiveDir receives a zstd copy of every closed log stream.
	ArchiveDir string
	Publisher  Publisher
	History    history.Store
	Renderer   *render.Engine
	// Monitor supplies interval, clock and extra terminal states.
	Monitor monitor.Config
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// Console follows one selected job: its snapshot, checkpoints and log
// stream, and the view the user is looking at.
type Console struct {
	shared      *Shared
	jobs        *monitor.JobSession
	checkpoints *monitor.CheckpointMonitor
	signal      *monitor.LifecycleSignal
	logs        *logstream.Session
	downloader  *artifacts.Downloader
	bridge      *view.Bridge
	renderer    *render.Engine
	publisher   Publisher
	history     history.Store
	archiveDir  string
	clock       clock.Clock
	logger      zerolog.Logger

	seq atomic.Uint64

	// runMu serialises Start and Stop.
	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	sessionID  uuid.UUID
	jobID      string
	lastState  backend.LifecycleState
	externalID string
	done       chan struct{}
}

// New wires the console components.
func New(opts Options) (*Console, error) {
	if opts.Backend == nil {
		return nil, errors.New("backend is required")
	}
	if opts.Shared == nil {
		opts.Shared = NewShared("")
	}
	if opts.Dialer == nil {
		opts.Dialer = logstream.WebsocketDialer{}
	}
	if opts.Sink == nil {
		opts.Sink = artifacts.DirSink{Dir: "."}
	}
	if opts.Renderer == nil {
		engine, err := render.New()
		if err != nil {
			return nil, err
		}
		opts.Renderer = engine
	}
	clk := opts.Monitor.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := opts.Logger.With().Str("component", "console").Logger()

	c := &Console{
		shared:     opts.Shared,
		signal:     monitor.NewLifecycleSignal(backend.StatePending),
		renderer:   opts.Renderer,
		publisher:  opts.Publisher,
		history:    opts.History,
		archiveDir: opts.ArchiveDir,
		clock:      clk,
		logger:     logger,
		bridge:     view.NewBridge(view.WithMetrics(opts.Metrics), view.WithNow(clk.Now)),
		done:       closedChan(),
	}

	mcfg := opts.Monitor
	mcfg.Clock = clk
	mcfg.Logger = opts.Logger
	mcfg.Metrics = opts.Metrics
	mcfg.Signal = c.signal
	jobs, err := monitor.NewJobSession(opts.Backend, mcfg)
	if err != nil {
		return nil, err
	}
	mcfg.Signal = nil
	checkpoints, err := monitor.NewCheckpointMonitor(opts.Backend, mcfg)
	if err != nil {
		return nil, err
	}
	logs, err := logstream.NewSession(logstream.Options{
		Dialer:  opts.Dialer,
		Resolve: opts.Backend.LogStreamURL,
		Logger:  opts.Logger,
		Metrics: opts.Metrics,
		OnEvent: c.onLogEvent,
	})
	if err != nil {
		return nil, err
	}
	downloader, err := artifacts.NewDownloader(artifacts.Options{
		Opener:     opts.Backend,
		Sink:       opts.Sink,
		TempDir:    opts.TempDir,
		Recipients: opts.Recipients,
		Logger:     opts.Logger,
		Metrics:    opts.Metrics,
	})
	if err != nil {
		return nil, err
	}

	c.jobs = jobs
	c.checkpoints = checkpoints
	c.logs = logs
	c.downloader = downloader
	return c, nil
}

// Start follows jobID, replacing any job followed before.
func (c *Console) Start(ctx context.Context, jobID string) error {
	if c == nil {
		return errors.New("nil console")
	}
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return errors.New("job id is required")
	}

	c.runMu.Lock()
	defer c.runMu.Unlock()
	c.stopLocked()

	c.shared.SelectJob(jobID)
	c.bridge.Reset()
	c.signal.Store(backend.StatePending)

	runCtx, cancel := context.WithCancel(ctx)
	jobUpdates, err := c.jobs.Start(runCtx, jobID)
	if err != nil {
		cancel()
		return fmt.Errorf("start job monitor: %w", err)
	}
	cpUpdates, err := c.checkpoints.Start(runCtx, jobID, c.signal)
	if err != nil {
		c.jobs.Stop()
		cancel()
		return fmt.Errorf("start checkpoint monitor: %w", err)
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.sessionID = uuid.New()
	c.jobID = jobID
	c.lastState = ""
	c.externalID = ""
	c.done = done
	c.mu.Unlock()
	c.cancel = cancel

	c.logger.Info().Str("job_id", jobID).Str("wallet", c.shared.Wallet()).Msg("following job")

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		defer close(done)
		for upd := range jobUpdates {
			c.handleJob(runCtx, upd)
		}
	}()
	go func() {
		defer c.wg.Done()
		for upd := range cpUpdates {
			c.handleCheckpoints(runCtx, upd)
		}
	}()
	return nil
}

// Stop ends monitoring and closes the log stream.
func (c *Console) Stop() {
	if c == nil {
		return
	}
	c.runMu.Lock()
	defer c.runMu.Unlock()
	c.stopLocked()
}

func (c *Console) stopLocked() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	c.jobs.Stop()
	c.checkpoints.Stop()
	c.wg.Wait()
	c.logs.Close()
	c.cancel = nil
}

// Done is closed once the followed job's terminal state is confirmed
// or the console is stopped.
func (c *Console) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Ready reports whether a snapshot has been received.
func (c *Console) Ready() bool {
	_, ok := c.jobs.Current()
	return ok
}

// Logs returns the text of the current log stream.
func (c *Console) Logs() string {
	return c.logs.Buffer()
}

// SetView switches the active view by name.
func (c *Console) SetView(name string) error {
	v, err := view.ParseView(name)
	if err != nil {
		return err
	}
	return c.bridge.SetView(v)
}

// Select makes the plotted checkpoint identified by cycle and proposal
// the visualization target.
func (c *Console) Select(cycle, proposal int) (view.Target, error) {
	set, ok := c.checkpoints.Current()
	if !ok {
		return view.Target{}, ErrNoCheckpoints
	}
	for _, p := range set.Points {
		if p.Record.Cycle == cycle && p.Record.Proposal == proposal {
			return c.bridge.SelectPoint(p)
		}
	}
	return view.Target{}, fmt.Errorf("%w: cycle %d proposal %d", ErrCheckpointNotFound, cycle, proposal)
}

// Download fetches the artifact with the given CID. File metadata from
// the current snapshot is used when the CID belongs to the job.
func (c *Console) Download(ctx context.Context, cid string) (artifacts.Result, error) {
	cid = strings.TrimSpace(cid)
	ref := backend.ArtifactReference{CID: cid}
	if snap, ok := c.jobs.Current(); ok {
		if found, ok := findArtifact(snap, cid); ok {
			ref = found
		}
	}

	res, err := c.downloader.Download(ctx, ref)
	if err != nil {
		return artifacts.Result{}, err
	}
	c.publish(ctx, SubjectDownloadsCompleted, Event{Type: "download.completed", Download: &res})
	return res, nil
}

func findArtifact(snap backend.JobSnapshot, cid string) (backend.ArtifactReference, bool) {
	for _, group := range [][]backend.ArtifactReference{snap.OutputArtifacts, snap.InputArtifacts} {
		for _, ref := range group {
			if ref.CID == cid {
				return ref, true
			}
		}
	}
	return backend.ArtifactReference{}, false
}

func (c *Console) handleJob(ctx context.Context, upd monitor.JobUpdate) {
	if upd.Err != nil {
		return
	}
	snap := upd.Snapshot

	c.mu.Lock()
	session := c.sessionID
	prev := c.lastState
	c.lastState = snap.State
	openLogs := snap.ExternalID != "" && snap.ExternalID != c.externalID
	if openLogs {
		c.externalID = snap.ExternalID
	}
	c.mu.Unlock()

	if prev != snap.State && c.history != nil {
		err := c.history.RecordTransition(ctx, history.Transition{
			SessionID:  session,
			JobID:      upd.JobID,
			ExternalID: snap.ExternalID,
			FromState:  string(prev),
			ToState:    string(snap.State),
			Error:      snap.Error,
			ObservedAt: snap.ObservedAt,
		})
		if err != nil {
			c.logger.Warn().Err(err).Str("job_id", upd.JobID).Msg("record transition")
		}
	}

	c.publish(ctx, SubjectJobSnapshot, Event{Type: "job.snapshot", JobID: upd.JobID, Snapshot: snap})

	if openLogs && ctx.Err() == nil {
		if err := c.logs.Open(ctx, snap.ExternalID); err != nil {
			c.logger.Warn().Err(err).Str("external_id", snap.ExternalID).Msg("open log stream")
		}
	}
}

func (c *Console) handleCheckpoints(ctx context.Context, upd monitor.CheckpointUpdate) {
	if upd.Err != nil {
		return
	}
	summary := &CheckpointSummary{
		Cycle:       upd.Set.Cycle,
		Checkpoints: len(upd.Set.Records),
		Points:      len(upd.Set.Points),
	}

	if c.history != nil {
		c.mu.Lock()
		session := c.sessionID
		c.mu.Unlock()
		err := c.history.RecordCheckpointPoll(ctx, history.CheckpointPoll{
			SessionID:   session,
			JobID:       upd.JobID,
			Cycle:       int64(summary.Cycle),
			Checkpoints: summary.Checkpoints,
			Points:      summary.Points,
			FetchedAt:   upd.Set.FetchedAt,
		})
		if err != nil {
			c.logger.Warn().Err(err).Str("job_id", upd.JobID).Msg("record checkpoint poll")
		}
	}

	c.publish(ctx, SubjectCheckpointsUpdated, Event{Type: "checkpoints.updated", JobID: upd.JobID, Checkpoints: summary})
}

// onLogEvent runs synchronously inside the log session.
func (c *Console) onLogEvent(ev logstream.Event) {
	if ev.Kind != logstream.EventClosed {
		return
	}
	text := c.logs.Buffer()
	summary := &LogSummary{ExternalID: ev.JobID, ConnID: ev.ConnID, Bytes: len(text)}
	if ev.Err != nil {
		summary.Error = ev.Err.Error()
	}
	if c.archiveDir != "" && text != "" {
		path, err := c.archive(ev)
		if err != nil {
			c.logger.Warn().Err(err).Str("external_id", ev.JobID).Msg("archive log stream")
		} else {
			summary.Archive = path
		}
	}
	c.publish(context.Background(), SubjectLogsClosed, Event{Type: "logs.closed", Logs: summary})
}

func (c *Console) archive(ev logstream.Event) (string, error) {
	if err := os.MkdirAll(c.archiveDir, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}
	path := filepath.Join(c.archiveDir, fmt.Sprintf("%s-%s.log.zst", fileSafe(ev.JobID), ev.ConnID))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create archive: %w", err)
	}
	if err := c.logs.Archive(f); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close archive: %w", err)
	}
	return path, nil
}

func fileSafe(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}

func (c *Console) publish(ctx context.Context, subj string, ev Event) {
	if c.publisher == nil {
		return
	}
	c.mu.Lock()
	session := c.sessionID
	if ev.JobID == "" {
		ev.JobID = c.jobID
	}
	c.mu.Unlock()

	ev.SessionID = session.String()
	ev.Wallet = c.shared.Wallet()
	ev.At = c.clock.Now()
	msgID := fmt.Sprintf("%s-%d", session, c.seq.Add(1))

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := c.publisher.Publish(ctx, subj, msgID, ev); err != nil {
		c.logger.Warn().Err(err).Str("subject", subj).Msg("publish event")
	}
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
