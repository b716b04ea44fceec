package logstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"

	"labwatch/pkg/backend"
	"labwatch/pkg/metrics"
)

// State is the connection phase of a Session.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// EventKind classifies a session event.
type EventKind string

const (
	EventConnecting EventKind = "connecting"
	EventOpened     EventKind = "opened"
	EventFragment   EventKind = "fragment"
	EventClosed     EventKind = "closed"
)

// Event is delivered to the OnEvent hook. Err is set on a Closed event
// caused by connection loss.
type Event struct {
	Kind   EventKind
	JobID  string
	ConnID string
	Bytes  int
	Err    error
}

// Options configures a Session.
type Options struct {
	Dialer Dialer
	// Resolve maps an external job identity to a stream address.
	Resolve func(jobID string) (string, error)
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	// OnEvent is called synchronously for every event. It must not call
	// back into the Session.
	OnEvent func(Event)
}

// Session holds at most one live log stream and the text it received.
type Session struct {
	dialer  Dialer
	resolve func(string) (string, error)
	logger  zerolog.Logger
	metrics *metrics.Metrics
	onEvent func(Event)

	// opMu serialises Open and Close.
	opMu sync.Mutex

	mu     sync.Mutex
	gen    uint64
	state  State
	jobID  string
	connID string
	conn   Conn
	cancel context.CancelFunc
	done   chan struct{}
	buf    strings.Builder
	err    error
}

// NewSession validates the options and returns an idle session.
func NewSession(opts Options) (*Session, error) {
	if opts.Dialer == nil {
		return nil, errors.New("dialer is required")
	}
	if opts.Resolve == nil {
		return nil, errors.New("stream address resolver is required")
	}
	return &Session{
		dialer:  opts.Dialer,
		resolve: opts.Resolve,
		logger:  opts.Logger.With().Str("component", "log_stream").Logger(),
		metrics: opts.Metrics,
		onEvent: opts.OnEvent,
	}, nil
}

// Open connects to the log stream of jobID. An open stream for another
// job is closed first. Opening the job already connecting or streaming
// is a no-op; opening it after it closed reconnects.
func (s *Session) Open(ctx context.Context, jobID string) error {
	if s == nil {
		return errors.New("log stream session is nil")
	}
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return errors.New("job id is required")
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.jobID == jobID && (s.state == StateConnecting || s.state == StateStreaming) {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	url, err := s.resolve(jobID)
	if err != nil {
		return fmt.Errorf("resolve log stream: %w", err)
	}

	s.mu.Lock()
	prev := s.teardownLocked()
	s.mu.Unlock()
	s.finish(prev)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	connID := uuid.NewString()

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.state = StateConnecting
	s.jobID = jobID
	s.connID = connID
	s.cancel = cancel
	s.done = done
	s.buf.Reset()
	s.err = nil
	s.mu.Unlock()

	s.metrics.StreamTransition(StateConnecting.String())
	s.emit(Event{Kind: EventConnecting, JobID: jobID, ConnID: connID})
	go s.stream(runCtx, gen, jobID, connID, url, done)
	return nil
}

// Close tears down the current connection and waits for its reader to
// exit. It is safe from any state.
func (s *Session) Close() {
	if s == nil {
		return
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	td := s.teardownLocked()
	s.mu.Unlock()
	s.finish(td)
}

// State returns the connection phase.
func (s *Session) State() State {
	if s == nil {
		return StateIdle
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// JobID returns the identity of the current or last connection.
func (s *Session) JobID() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobID
}

// Buffer returns the text received on the current or last connection.
func (s *Session) Buffer() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

// Err returns the StreamError of the last lost connection.
func (s *Session) Err() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Archive writes a zstd-compressed copy of the buffer to w.
func (s *Session) Archive(w io.Writer) error {
	text := s.Buffer()
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	if _, err := io.WriteString(enc, text); err != nil {
		_ = enc.Close()
		return fmt.Errorf("write archive: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close archive: %w", err)
	}
	return nil
}

type teardown struct {
	jobID  string
	connID string
	cancel context.CancelFunc
	conn   Conn
	done   chan struct{}
	emit   bool
}

// teardownLocked detaches the current connection. The returned value
// must be passed to finish after s.mu is released.
func (s *Session) teardownLocked() teardown {
	td := teardown{
		jobID:  s.jobID,
		connID: s.connID,
		cancel: s.cancel,
		conn:   s.conn,
		done:   s.done,
	}
	if s.state == StateConnecting || s.state == StateStreaming {
		td.emit = true
		s.state = StateClosed
	}
	s.gen++
	s.cancel = nil
	s.conn = nil
	s.done = nil
	return td
}

func (s *Session) finish(td teardown) {
	if td.cancel != nil {
		td.cancel()
	}
	if td.conn != nil {
		_ = td.conn.Close()
	}
	if td.done != nil {
		<-td.done
	}
	if td.emit {
		s.metrics.StreamTransition(StateClosed.String())
		s.logger.Info().Str("external_id", td.jobID).Str("conn_id", td.connID).Msg("log stream closed")
		s.emit(Event{Kind: EventClosed, JobID: td.jobID, ConnID: td.connID})
	}
}

func (s *Session) stream(ctx context.Context, gen uint64, jobID, connID, url string, done chan<- struct{}) {
	defer close(done)
	logger := s.logger.With().Str("external_id", jobID).Str("conn_id", connID).Logger()

	conn, err := s.dialer.Dial(ctx, url)
	if err != nil {
		s.lost(gen, jobID, connID, nil, err, logger)
		return
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conn = conn
	s.state = StateStreaming
	s.mu.Unlock()

	s.metrics.StreamTransition(StateStreaming.String())
	logger.Info().Msg("log stream opened")
	s.emit(Event{Kind: EventOpened, JobID: jobID, ConnID: connID})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.lost(gen, jobID, connID, conn, err, logger)
			return
		}
		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return
		}
		s.buf.Write(data)
		s.mu.Unlock()

		s.metrics.StreamBytes(len(data))
		s.emit(Event{Kind: EventFragment, JobID: jobID, ConnID: connID, Bytes: len(data)})
	}
}

// lost handles a failure the reader observed. Failures caused by a
// teardown of this generation are ignored.
func (s *Session) lost(gen uint64, jobID, connID string, conn Conn, cause error, logger zerolog.Logger) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	streamErr := &backend.StreamError{JobID: jobID, Code: closeCode(cause), Err: cause}
	s.state = StateClosed
	s.err = streamErr
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	s.metrics.StreamTransition(StateClosed.String())
	logger.Warn().Err(cause).Msg("log stream lost")
	s.emit(Event{Kind: EventClosed, JobID: jobID, ConnID: connID, Err: streamErr})
}

func (s *Session) emit(ev Event) {
	if s.onEvent != nil {
		s.onEvent(ev)
	}
}
