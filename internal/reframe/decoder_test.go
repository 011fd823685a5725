package reframe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecoderSingleRecord(t *testing.T) {
	d := NewDecoder()

	events := d.Feed([]byte("event: message\ndata: {\"content\":\"hi\"}\n\n"))

	require.Len(t, events, 1)
	assert.Equal(t, "message", events[0].Name)
	assert.Equal(t, `{"content":"hi"}`, events[0].Data)
}

func TestDecoderChunkBoundaries(t *testing.T) {
	d := NewDecoder()

	// A record split mid-line across three chunks must still decode as
	// one event.
	var events []Event
	events = append(events, d.Feed([]byte("event: mes"))...)
	events = append(events, d.Feed([]byte("sage\ndata: {\"a\""))...)
	events = append(events, d.Feed([]byte(":1}\n\n"))...)

	require.Len(t, events, 1)
	assert.Equal(t, "message", events[0].Name)
	assert.Equal(t, `{"a":1}`, events[0].Data)
}

func TestDecoderMultipleRecordsInOneChunk(t *testing.T) {
	d := NewDecoder()

	chunk := "event: message\ndata: one\n\nevent: done\ndata: [DONE]\n\n"
	events := d.Feed([]byte(chunk))

	require.Len(t, events, 2)
	assert.Equal(t, "message", events[0].Name)
	assert.Equal(t, "one", events[0].Data)
	assert.Equal(t, "done", events[1].Name)
}

func TestDecoderCRLF(t *testing.T) {
	d := NewDecoder()

	events := d.Feed([]byte("event: message\r\ndata: x\r\n\r\n"))

	require.Len(t, events, 1)
	assert.Equal(t, "message", events[0].Name)
	assert.Equal(t, "x", events[0].Data)
}

func TestDecoderHoldsBackIncompleteRecord(t *testing.T) {
	d := NewDecoder()

	events := d.Feed([]byte("event: message\ndata: partial"))
	assert.Empty(t, events, "record without blank-line terminator must not be emitted")

	events = d.Feed([]byte("\n\n"))
	require.Len(t, events, 1)
	assert.Equal(t, "partial", events[0].Data)
}

func TestDecoderMultiLineData(t *testing.T) {
	d := NewDecoder()

	events := d.Feed([]byte("data: line1\ndata: line2\n\n"))

	require.Len(t, events, 1)
	assert.Equal(t, "line1\nline2", events[0].Data)
}

func TestDecoderIgnoresUnknownFields(t *testing.T) {
	d := NewDecoder()

	events := d.Feed([]byte("retry: 3000\nid: 7\nevent: message\ndata: x\n\n"))

	require.Len(t, events, 1)
	assert.Equal(t, "7", events[0].ID)
	assert.Equal(t, "x", events[0].Data)
}
