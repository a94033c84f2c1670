package ws

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// SSEClient streams deployment events as Server-Sent Events.
type SSEClient struct {
	mu       sync.Mutex
	writer   io.Writer
	flusher  http.Flusher
	deadline func(time.Time) error
	log      *slog.Logger
	closed   atomic.Bool
}

// NewSSEClient builds an SSE client instance.
func NewSSEClient(writer io.Writer, flusher http.Flusher, logger *slog.Logger) *SSEClient {
	return &SSEClient{writer: writer, flusher: flusher, log: logger}
}

// WithWriteDeadline bounds every frame write by writeWait using setDeadline, typically
// http.ResponseController.SetWriteDeadline.
func (c *SSEClient) WithWriteDeadline(setDeadline func(time.Time) error) *SSEClient {
	c.deadline = setDeadline
	return c
}

// Send emits payload as a deployment event.
func (c *SSEClient) Send(payload []byte) error {
	return c.write(fmt.Sprintf("event: deployment\ndata: %s\n\n", payload))
}

// Heartbeat emits a comment frame to keep the connection alive.
func (c *SSEClient) Heartbeat() error {
	return c.write(": ping\n\n")
}

func (c *SSEClient) write(frame string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return io.EOF
	}
	if c.deadline != nil {
		// Writers without deadline support report http.ErrNotSupported; the frame is still sent.
		_ = c.deadline(time.Now().Add(writeWait))
	}
	if _, err := io.WriteString(c.writer, frame); err != nil {
		c.closed.Store(true)
		c.log.Warn("sse write failed", "error", err)
		return err
	}
	c.flusher.Flush()
	return nil
}

// Close marks the stream as closed. It never waits for an in-flight write.
func (c *SSEClient) Close() {
	c.closed.Store(true)
}
