package logstream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"

	"labwatch/pkg/backend"
	"labwatch/pkg/testutil"
)

const waitTimeout = 2 * time.Second

type fakeConn struct {
	jobID     string
	messages  chan string
	remote    chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn(jobID string) *fakeConn {
	return &fakeConn{
		jobID:    jobID,
		messages: make(chan string),
		remote:   make(chan struct{}),
		closed:   make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-c.messages:
		return websocket.TextMessage, []byte(msg), nil
	case <-c.remote:
		return 0, nil, &websocket.CloseError{Code: websocket.CloseAbnormalClosure, Text: "unexpected EOF"}
	case <-c.closed:
		return 0, nil, errors.New("use of closed network connection")
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) send(t *testing.T, msg string) {
	t.Helper()
	select {
	case c.messages <- msg:
	case <-time.After(waitTimeout):
		t.Fatalf("reader for %s not receiving", c.jobID)
	}
}

type fakeDialer struct {
	mu    sync.Mutex
	conns map[string][]*fakeConn
	fail  error
	dials chan string
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: map[string][]*fakeConn{}, dials: make(chan string, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials <- url
	if d.fail != nil {
		return nil, d.fail
	}
	conn := newFakeConn(url)
	d.conns[url] = append(d.conns[url], conn)
	return conn, nil
}

func (d *fakeDialer) last(url string) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	conns := d.conns[url]
	return conns[len(conns)-1]
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
	ch     chan Event
}

func newEventLog() *eventLog { return &eventLog{ch: make(chan Event, 64)} }

func (l *eventLog) record(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
	l.ch <- ev
}

func (l *eventLog) count(kind EventKind, jobID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Kind == kind && ev.JobID == jobID {
			n++
		}
	}
	return n
}

// index returns the position of the first kind event for jobID, or -1.
func (l *eventLog) index(kind EventKind, jobID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, ev := range l.events {
		if ev.Kind == kind && ev.JobID == jobID {
			return i
		}
	}
	return -1
}

// waitFor reads events until one matches kind and jobID.
func (l *eventLog) waitFor(t *testing.T, kind EventKind, jobID string) Event {
	t.Helper()
	for {
		ev := testutil.RequireReceive(t, l.ch, waitTimeout, "waiting for %s event of %s", kind, jobID)
		if ev.Kind == kind && ev.JobID == jobID {
			return ev
		}
	}
}

func newTestSession(t *testing.T, dialer Dialer) (*Session, *eventLog) {
	t.Helper()
	events := newEventLog()
	sess, err := NewSession(Options{
		Dialer:  dialer,
		Resolve: func(jobID string) (string, error) { return jobID, nil },
		Logger:  zerolog.Nop(),
		OnEvent: events.record,
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(sess.Close)
	return sess, events
}

func TestSessionAppendsFragmentsInOrder(t *testing.T) {
	dialer := newFakeDialer()
	sess, events := newTestSession(t, dialer)

	if err := sess.Open(context.Background(), "A"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	events.waitFor(t, EventOpened, "A")

	conn := dialer.last("A")
	for _, frag := range []string{"foo", "bar", "baz"} {
		conn.send(t, frag)
		events.waitFor(t, EventFragment, "A")
	}
	if got := sess.Buffer(); got != "foobarbaz" {
		t.Fatalf("Buffer() = %q, want foobarbaz", got)
	}
	if got := sess.State(); got != StateStreaming {
		t.Fatalf("State() = %v, want streaming", got)
	}
}

func TestSessionSwitchClosesPreviousOnce(t *testing.T) {
	dialer := newFakeDialer()
	sess, events := newTestSession(t, dialer)

	if err := sess.Open(context.Background(), "A"); err != nil {
		t.Fatalf("Open A: %v", err)
	}
	events.waitFor(t, EventOpened, "A")
	connA := dialer.last("A")
	connA.send(t, "from-a")
	events.waitFor(t, EventFragment, "A")

	if err := sess.Open(context.Background(), "B"); err != nil {
		t.Fatalf("Open B: %v", err)
	}
	events.waitFor(t, EventOpened, "B")
	testutil.RequireClosed(t, connA.closed, waitTimeout, "connection A closed")

	connB := dialer.last("B")
	connB.send(t, "from-b")
	events.waitFor(t, EventFragment, "B")

	if got := events.count(EventClosed, "A"); got != 1 {
		t.Fatalf("closed events for A = %d, want 1", got)
	}
	closedA := events.index(EventClosed, "A")
	connectingB := events.index(EventConnecting, "B")
	openedB := events.index(EventOpened, "B")
	if closedA < 0 || closedA > connectingB || closedA > openedB {
		t.Fatalf("event order: closed A at %d, connecting B at %d, opened B at %d; want A closed first", closedA, connectingB, openedB)
	}
	if got := sess.Buffer(); got != "from-b" {
		t.Fatalf("Buffer() = %q, want only B's text", got)
	}
	if got := sess.JobID(); got != "B" {
		t.Fatalf("JobID() = %q", got)
	}
}

func TestSessionOpenSameJobIsNoop(t *testing.T) {
	dialer := newFakeDialer()
	sess, events := newTestSession(t, dialer)

	if err := sess.Open(context.Background(), "A"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	events.waitFor(t, EventOpened, "A")
	dialer.last("A").send(t, "keep")
	events.waitFor(t, EventFragment, "A")

	if err := sess.Open(context.Background(), "A"); err != nil {
		t.Fatalf("second Open: %v", err)
	}
	if got := len(dialer.dials); got != 1 {
		t.Fatalf("dials = %d, want 1", got)
	}
	if got := sess.Buffer(); got != "keep" {
		t.Fatalf("buffer reset by no-op open: %q", got)
	}
}

func TestSessionRemoteCloseRecordsStreamError(t *testing.T) {
	dialer := newFakeDialer()
	sess, events := newTestSession(t, dialer)

	if err := sess.Open(context.Background(), "A"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	events.waitFor(t, EventOpened, "A")
	testutil.RequireReceive(t, dialer.dials, waitTimeout)
	conn := dialer.last("A")
	conn.send(t, "partial")
	events.waitFor(t, EventFragment, "A")

	close(conn.remote)
	ev := events.waitFor(t, EventClosed, "A")

	var streamErr *backend.StreamError
	if !errors.As(ev.Err, &streamErr) || streamErr.Code != websocket.CloseAbnormalClosure {
		t.Fatalf("closed event error = %v, want StreamError 1006", ev.Err)
	}
	if !errors.As(sess.Err(), &streamErr) {
		t.Fatalf("Err() = %v", sess.Err())
	}
	if got := sess.State(); got != StateClosed {
		t.Fatalf("State() = %v, want closed", got)
	}
	if got := sess.Buffer(); got != "partial" {
		t.Fatalf("Buffer() after loss = %q", got)
	}
	testutil.RequireSilent(t, dialer.dials, 50*time.Millisecond, "no automatic reconnect")

	// Close after a loss emits nothing further.
	sess.Close()
	if got := events.count(EventClosed, "A"); got != 1 {
		t.Fatalf("closed events = %d, want 1", got)
	}

	// Reopening the same job reconnects with an empty buffer.
	if err := sess.Open(context.Background(), "A"); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	events.waitFor(t, EventOpened, "A")
	if got := sess.Buffer(); got != "" {
		t.Fatalf("buffer not reset on reconnect: %q", got)
	}
	if sess.Err() != nil {
		t.Fatalf("Err() not cleared on reconnect: %v", sess.Err())
	}
}

func TestSessionDialFailure(t *testing.T) {
	dialer := newFakeDialer()
	dialer.fail = errors.New("connection refused")
	sess, events := newTestSession(t, dialer)

	if err := sess.Open(context.Background(), "A"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	ev := events.waitFor(t, EventClosed, "A")
	var streamErr *backend.StreamError
	if !errors.As(ev.Err, &streamErr) || streamErr.JobID != "A" {
		t.Fatalf("closed event error = %v", ev.Err)
	}
}

func TestSessionCloseIsSafeFromAnyState(t *testing.T) {
	dialer := newFakeDialer()
	sess, events := newTestSession(t, dialer)

	sess.Close()
	if got := sess.State(); got != StateIdle {
		t.Fatalf("Close from idle changed state to %v", got)
	}

	if err := sess.Open(context.Background(), "A"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	events.waitFor(t, EventOpened, "A")
	sess.Close()
	sess.Close()
	if got := sess.State(); got != StateClosed {
		t.Fatalf("State() = %v, want closed", got)
	}
	if got := events.count(EventClosed, "A"); got != 1 {
		t.Fatalf("closed events = %d, want 1", got)
	}

	var nilSession *Session
	nilSession.Close()
}

func TestSessionArchive(t *testing.T) {
	dialer := newFakeDialer()
	sess, events := newTestSession(t, dialer)

	if err := sess.Open(context.Background(), "A"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	events.waitFor(t, EventOpened, "A")
	dialer.last("A").send(t, "line one\nline two\n")
	events.waitFor(t, EventFragment, "A")

	var archive bytes.Buffer
	if err := sess.Archive(&archive); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	dec, err := zstd.NewReader(&archive)
	if err != nil {
		t.Fatalf("zstd reader: %v", err)
	}
	defer dec.Close()
	got, err := io.ReadAll(dec)
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	if string(got) != "line one\nline two\n" {
		t.Fatalf("archive = %q", got)
	}
}

func TestSessionOverWebsocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/jobs/bj-1/logs" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, frag := range []string{"foo", "bar", "baz"} {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frag)); err != nil {
				return
			}
		}
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
	}))
	defer srv.Close()

	client, err := backend.NewClient(srv.URL, backend.StaticToken("t"))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	events := newEventLog()
	sess, err := NewSession(Options{
		Dialer:  WebsocketDialer{HandshakeTimeout: time.Second},
		Resolve: client.LogStreamURL,
		Logger:  zerolog.Nop(),
		OnEvent: events.record,
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer sess.Close()

	if err := sess.Open(context.Background(), "bj-1"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	ev := events.waitFor(t, EventClosed, "bj-1")
	if got := sess.Buffer(); got != "foobarbaz" {
		t.Fatalf("Buffer() = %q, want foobarbaz", got)
	}
	var streamErr *backend.StreamError
	if !errors.As(ev.Err, &streamErr) || streamErr.Code != websocket.CloseNormalClosure {
		t.Fatalf("closed event error = %v", ev.Err)
	}
}

func TestWebsocketDialerReportsRejectedHandshake(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "job not found", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := WebsocketDialer{}.Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http")+"/jobs/x/logs")
	if err == nil || !strings.Contains(err.Error(), "404") || !strings.Contains(err.Error(), "job not found") {
		t.Fatalf("Dial error = %v", err)
	}
}
