package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Bus wraps a NATS JetStream connection for publishing and consuming
// monitor events.
type Bus struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

// New connects to url and opens a JetStream context.
func New(url string, opts ...nats.Option) (*Bus, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	return &Bus{conn: nc, js: js}, nil
}

// Close drains and shuts down the connection.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}

// EnsureStream creates the stream capturing subjects, or updates its
// subject list if it already exists. Messages are kept for maxAge.
func (b *Bus) EnsureStream(name string, subjects []string, maxAge time.Duration) error {
	if b == nil {
		return errors.New("nil bus")
	}
	if name == "" || len(subjects) == 0 {
		return errors.New("stream name and subjects are required")
	}
	cfg := &nats.StreamConfig{
		Name:     name,
		Subjects: subjects,
		MaxAge:   maxAge,
		Storage:  nats.FileStorage,
	}
	_, err := b.js.StreamInfo(name)
	switch {
	case errors.Is(err, nats.ErrStreamNotFound):
		_, err = b.js.AddStream(cfg)
	case err == nil:
		_, err = b.js.UpdateStream(cfg)
	}
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", name, err)
	}
	return nil
}

// Publish encodes v as JSON and publishes it to subj. A non-empty msgID
// lets JetStream drop duplicates.
func (b *Bus) Publish(ctx context.Context, subj, msgID string, v any) error {
	if b == nil {
		return errors.New("nil bus")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", subj, err)
	}

	opts := []nats.PubOpt{nats.Context(ctx)}
	if msgID != "" {
		opts = append(opts, nats.MsgId(msgID))
	}
	if _, err := b.js.Publish(subj, data, opts...); err != nil {
		return fmt.Errorf("publish %s: %w", subj, err)
	}
	return nil
}

type subscription struct {
	sub    *nats.Subscription
	mu     sync.Mutex
	closed bool
}

func (s *subscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.sub.Drain()
}

// Handler processes one message. Returning an error naks it.
type Handler func(ctx context.Context, subject string, data []byte) error

// Subscribe creates a durable consumer on subj and invokes fn for each
// message until ctx ends or the returned Closer is closed.
func (b *Bus) Subscribe(ctx context.Context, subj, durable string, fn Handler) (io.Closer, error) {
	if b == nil {
		return nil, errors.New("nil bus")
	}
	if fn == nil {
		return nil, errors.New("nil handler")
	}

	handler := func(msg *nats.Msg) {
		handlerCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		if err := fn(handlerCtx, msg.Subject, msg.Data); err != nil {
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	}

	sub, err := b.js.Subscribe(subj, handler, nats.Durable(durable), nats.ManualAck(), nats.AckExplicit())
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subj, err)
	}

	s := &subscription{sub: sub}

	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	return s, nil
}
