package reframe

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingWriter captures frames and counts Close calls.
type recordingWriter struct {
	frames   []Frame
	closes   int
	writeErr error
}

func (w *recordingWriter) WriteFrame(f Frame) error {
	if w.writeErr != nil {
		return w.writeErr
	}
	w.frames = append(w.frames, f)
	return nil
}

func (w *recordingWriter) Close() error {
	w.closes++
	return nil
}

// failingReader returns some content, then a non-EOF error.
type failingReader struct {
	reader io.Reader
	err    error
}

func (r *failingReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	if errors.Is(err, io.EOF) {
		return n, r.err
	}
	return n, err
}

func sseStream(records ...string) io.Reader {
	return strings.NewReader(strings.Join(records, ""))
}

func TestRunFullTurn(t *testing.T) {
	body := sseStream(
		"event: message\ndata: {\"conversation_id\":5,\"content\":\"hello there\"}\n\n",
		"event: done\ndata: [DONE]\n\n",
	)
	w := &recordingWriter{}

	err := Run(context.Background(), body, NewReframer(5, testLogger()), w, testLogger())
	require.NoError(t, err)

	// text delta, metadata, terminating empty delta
	require.Len(t, w.frames, 3)
	assert.Equal(t, "hello there", w.frames[0].Text)
	assert.Equal(t, KindMetadata, w.frames[1].Kind)
	assert.Equal(t, KindTextDelta, w.frames[2].Kind)
	assert.Empty(t, w.frames[2].Text)

	assert.Equal(t, 1, w.closes, "outbound stream must be closed exactly once")
}

func TestRunClosesOnEOF(t *testing.T) {
	body := sseStream("event: message\ndata: {\"conversation_id\":5,\"content\":\"partial\"}\n\n")
	w := &recordingWriter{}

	err := Run(context.Background(), body, NewReframer(5, testLogger()), w, testLogger())
	require.NoError(t, err)
	assert.Equal(t, 1, w.closes)
}

func TestRunClosesOnReadError(t *testing.T) {
	readErr := errors.New("connection reset")
	body := &failingReader{
		reader: sseStream("event: message\ndata: {\"conversation_id\":5,\"content\":\"x\"}\n\n"),
		err:    readErr,
	}
	w := &recordingWriter{}

	err := Run(context.Background(), body, NewReframer(5, testLogger()), w, testLogger())
	assert.ErrorIs(t, err, readErr)
	assert.Equal(t, 1, w.closes, "close must happen on the error path too")
}

func TestRunClosesOnWriteError(t *testing.T) {
	body := sseStream("event: message\ndata: {\"conversation_id\":5,\"content\":\"x\"}\n\n")
	w := &recordingWriter{writeErr: errors.New("client gone")}

	err := Run(context.Background(), body, NewReframer(5, testLogger()), w, testLogger())
	assert.Error(t, err)
	assert.Equal(t, 1, w.closes)
}

func TestRunClosesOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := &recordingWriter{}
	err := Run(ctx, sseStream("event: message\n"), NewReframer(5, testLogger()), w, testLogger())

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, w.closes)
}

func TestRunSurvivesMalformedRecord(t *testing.T) {
	body := sseStream(
		"event: message\ndata: {broken\n\n",
		"event: message\ndata: {\"conversation_id\":5,\"content\":\"recovered\"}\n\n",
		"event: done\ndata: [DONE]\n\n",
	)
	w := &recordingWriter{}

	err := Run(context.Background(), body, NewReframer(5, testLogger()), w, testLogger())
	require.NoError(t, err)

	require.NotEmpty(t, w.frames)
	assert.Equal(t, "recovered", w.frames[0].Text)
}
