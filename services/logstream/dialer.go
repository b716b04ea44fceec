package logstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultHandshakeTimeout bounds the websocket opening handshake.
const DefaultHandshakeTimeout = 10 * time.Second

// Conn is a server-push message connection.
type Conn interface {
	// ReadMessage blocks until the next message arrives or the
	// connection fails.
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// Dialer opens a Conn to a stream address.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials log streams with gorilla/websocket.
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
	Header           http.Header
}

// Dial opens the websocket. A rejected handshake reports the status and
// the start of the response body.
func (d WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}
	conn, resp, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			return nil, fmt.Errorf("dial %s: %s %s: %w", url, resp.Status, strings.TrimSpace(string(body)), err)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return conn, nil
}

// closeCode extracts the websocket close code from err, or zero.
func closeCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return 0
}
