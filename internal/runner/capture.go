package runner

import (
	"bytes"
	"sync"
)

// TruncationMarker is appended to captured output that hit its limit.
const TruncationMarker = "\n[output truncated]"

// DefaultCaptureLimit is used when a runner is configured with no limit.
const DefaultCaptureLimit = 1 << 20

// Capture is an io.Writer that keeps at most limit bytes. Writes past the limit
// are discarded but still reported as written so the producer never blocks.
type Capture struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

// NewCapture creates a capture bounded to limit bytes.
func NewCapture(limit int) *Capture {
	if limit <= 0 {
		limit = DefaultCaptureLimit
	}
	return &Capture{limit: limit}
}

func (c *Capture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	room := c.limit - c.buf.Len()
	if room <= 0 {
		c.truncated = c.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		c.buf.Write(p[:room])
		c.truncated = true
		return len(p), nil
	}
	c.buf.Write(p)
	return len(p), nil
}

// Bytes returns a copy of the captured bytes, without the truncation marker.
func (c *Capture) Bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return bytes.Clone(c.buf.Bytes())
}

// String returns the captured text, with the truncation marker when output was dropped.
func (c *Capture) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.truncated {
		return c.buf.String() + TruncationMarker
	}
	return c.buf.String()
}

// Truncated reports whether any output was dropped.
func (c *Capture) Truncated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.truncated
}
