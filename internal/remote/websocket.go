package remote

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ledbar/internal/core"
	"ledbar/internal/stream"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsReadLimit    = 1 << 20
)

// WebSocketChannel is the persistent-socket variant.
type WebSocketChannel struct {
	url    string
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// DialWebSocket connects to the controller at url.
func DialWebSocket(ctx context.Context, url string, logger *slog.Logger) (*WebSocketChannel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial websocket %s: %w", url, err)
	}
	conn.SetReadLimit(wsReadLimit)
	logger.Debug("websocket connected", "url", url)
	return &WebSocketChannel{url: url, conn: conn, logger: logger}, nil
}

// Name implements stream.Source.
func (c *WebSocketChannel) Name() string { return SourceName }

// Run emits every received frame. Any read failure, including an orderly
// close by the controller, ends Run with an error.
func (c *WebSocketChannel) Run(ctx context.Context, out chan<- stream.Message) error {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("websocket %s: %w", c.url, err)
		}
		select {
		case out <- stream.NewMessage(SourceName, data):
		case <-ctx.Done():
			return nil
		}
	}
}

// Forward writes the command token as one text frame.
func (c *WebSocketChannel) Forward(ctx context.Context, u core.Update) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(wsWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(u.Command)); err != nil {
		return fmt.Errorf("forward %s: %w", u.Command, err)
	}
	c.logger.Debug("forwarded command", "command", string(u.Command))
	return nil
}

// Close sends a close frame and closes the connection.
func (c *WebSocketChannel) Close() error {
	c.closeOnce.Do(func() {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
