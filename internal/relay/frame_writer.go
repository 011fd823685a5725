package relay

import (
	"fmt"
	"net/http"

	"github.com/autosnap/drift-relay/internal/reframe"
	"github.com/gin-gonic/gin"
)

// ginFrameWriter streams protocol frames to an HTTP client with a
// flush per frame. Close is idempotent; the connection itself is
// released by gin when the handler returns.
type ginFrameWriter struct {
	c       *gin.Context
	flusher http.Flusher
	closed  bool
}

func newGinFrameWriter(c *gin.Context) (*ginFrameWriter, error) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	return &ginFrameWriter{c: c, flusher: flusher}, nil
}

func (w *ginFrameWriter) WriteFrame(frame reframe.Frame) error {
	if w.closed {
		return fmt.Errorf("write on closed stream")
	}

	line, err := frame.Encode()
	if err != nil {
		return err
	}
	if _, err := w.c.Writer.WriteString(line); err != nil {
		return err
	}

	// Flush immediately so deltas reach the client as they arrive.
	w.flusher.Flush()
	return nil
}

func (w *ginFrameWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.flusher.Flush()
	return nil
}
