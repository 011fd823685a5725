package reframe

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/autosnap/drift-relay/internal/logger"
)

// FrameWriter is the outbound side of a relayed turn. Implementations
// must tolerate a single Close after any number of writes.
type FrameWriter interface {
	// WriteFrame emits one frame to the client.
	WriteFrame(Frame) error

	// Close ends the outbound stream.
	Close() error
}

// Run drives a full turn: it reads the inbound event stream, reframes
// each record, and forwards the resulting frames to w.
//
// The outbound writer is closed exactly once on every exit path: done
// event, inbound EOF, inbound read error, write error or context
// cancellation.
func Run(ctx context.Context, body io.Reader, rf *Reframer, w FrameWriter, log *logger.Logger) error {
	defer func() {
		if err := w.Close(); err != nil {
			log.Warn("failed to close outbound stream", slog.String("error", err.Error()))
		}
	}()

	decoder := NewDecoder()
	buf := make([]byte, 4096)

	for {
		select {
		case <-ctx.Done():
			log.Debug("client disconnected, stopping stream relay")
			return ctx.Err()
		default:
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			for _, ev := range decoder.Feed(buf[:n]) {
				frames, done := rf.HandleEvent(ev)
				for _, frame := range frames {
					if err := w.WriteFrame(frame); err != nil {
						return err
					}
				}
				if done {
					return nil
				}
			}
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			return readErr
		}
	}
}
