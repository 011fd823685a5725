package reframe

import "strings"

// Event is one complete record of the inbound event stream.
type Event struct {
	// Name is the record's `event:` field ("message", "done", ...).
	Name string

	// Data is the record's accumulated `data:` payload. JSON except for
	// the sentinel string "[DONE]".
	Data string

	// ID is the record's `id:` field, if any.
	ID string
}

// Decoder incrementally parses a byte stream in standard event-stream
// framing: records are blank-line terminated, each line is
// `field: value`, and the recognized fields are event, data and id.
//
// The decoder is a pure state machine over (buffer, pending record):
// feed it chunks as they arrive and it returns the records completed by
// each chunk. No I/O, no goroutines, so it is unit-testable without a
// network stream.
type Decoder struct {
	buffer  string
	pending Event
	hasData bool
}

// NewDecoder returns an empty decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends a chunk and returns the events completed by it.
//
// The last (possibly incomplete) line of the chunk is held back in the
// buffer until a later chunk completes it. A record that never receives
// its terminating blank line is dropped when the stream ends.
func (d *Decoder) Feed(chunk []byte) []Event {
	d.buffer += string(chunk)

	lines := strings.Split(d.buffer, "\n")
	d.buffer = lines[len(lines)-1]
	lines = lines[:len(lines)-1]

	var events []Event
	for _, line := range lines {
		line = strings.TrimSuffix(line, "\r")

		if strings.TrimSpace(line) == "" {
			// Blank line terminates the pending record.
			if d.hasData || d.pending.Name != "" {
				events = append(events, d.pending)
			}
			d.pending = Event{}
			d.hasData = false
			continue
		}

		d.parseLine(line)
	}

	return events
}

func (d *Decoder) parseLine(line string) {
	switch {
	case strings.HasPrefix(line, "event: "):
		d.pending.Name = strings.TrimPrefix(line, "event: ")
	case strings.HasPrefix(line, "data: "):
		data := strings.TrimPrefix(line, "data: ")
		if d.hasData {
			// Multi-line data fields join with a newline.
			d.pending.Data += "\n" + data
		} else {
			d.pending.Data = data
			d.hasData = true
		}
	case strings.HasPrefix(line, "id: "):
		d.pending.ID = strings.TrimPrefix(line, "id: ")
	}
	// Unrecognized fields (comments, retry) are ignored.
}
