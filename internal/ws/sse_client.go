package ws

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
)

// SSEClient adapts an http.ResponseWriter into a hub subscriber that
// emits Server-Sent Events.
type SSEClient struct {
	mu     sync.Mutex
	w      io.Writer
	flush  http.Flusher
	log    *slog.Logger
	closed bool
}

func NewSSEClient(w io.Writer, flush http.Flusher, logger *slog.Logger) *SSEClient {
	return &SSEClient{w: w, flush: flush, log: logger}
}

// Send emits one data event.
func (c *SSEClient) Send(payload []byte) error {
	return c.write("data: %s\n\n", payload)
}

// Heartbeat emits a comment frame so idle connections stay open
// through proxies.
func (c *SSEClient) Heartbeat() error {
	return c.write(": ping\n\n")
}

func (c *SSEClient) write(format string, args ...any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.EOF
	}
	if _, err := fmt.Fprintf(c.w, format, args...); err != nil {
		c.closed = true
		c.log.Warn("sse write failed", "error", err)
		return err
	}
	c.flush.Flush()
	return nil
}

// Close marks the stream dead; later writes return io.EOF.
func (c *SSEClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}
