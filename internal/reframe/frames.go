package reframe

import (
	"encoding/json"
	"fmt"
	"strings"
)

// The outbound stream protocol is line oriented: one frame per line,
// `<channel>:<payload>\n`, with three channels.
//
//	0:<text>   text delta; an empty payload (`0:\n`) signals turn completion
//	9:<json>   tool invocation asking the client to render a UI directive
//	8:<json>   conversation metadata snapshot
//
// Frames are transient: they exist only on the wire and are consumed in
// arrival order by the client.
const (
	channelText     = "0"
	channelMetadata = "8"
	channelTool     = "9"
)

// FrameKind discriminates the three frame channels.
type FrameKind int

const (
	// KindTextDelta is a chunk of assistant prose.
	KindTextDelta FrameKind = iota

	// KindToolInvocation is an out-of-band UI directive.
	KindToolInvocation

	// KindMetadata is a conversation state snapshot.
	KindMetadata
)

// ToolInvocation asks the client to render a specific widget and echo
// the submitted data back as a user turn.
type ToolInvocation struct {
	ToolCallID string                 `json:"toolCallId"`
	ToolName   string                 `json:"toolName"`
	Args       map[string]interface{} `json:"args"`
	Result     string                 `json:"result"`
}

// Metadata mirrors the server-observed conversation state after an
// event.
type Metadata struct {
	ConversationID int64                  `json:"conversation_id"`
	WorkflowID     int                    `json:"workflow_id"`
	WorkflowStatus string                 `json:"workflow_status"`
	NextField      string                 `json:"next_field"`
	CollectedData  map[string]interface{} `json:"collected_data"`
}

// Frame is one line of the outbound stream.
type Frame struct {
	Kind FrameKind

	// Text is set for KindTextDelta. Empty text is the completion signal.
	Text string

	// Tool is set for KindToolInvocation.
	Tool *ToolInvocation

	// Meta is set for KindMetadata.
	Meta *Metadata
}

// TextDelta builds a text-delta frame.
func TextDelta(text string) Frame {
	return Frame{Kind: KindTextDelta, Text: text}
}

// Done is the terminating empty text delta.
func Done() Frame {
	return Frame{Kind: KindTextDelta}
}

// Encode renders the frame as a single protocol line, including the
// trailing newline.
func (f Frame) Encode() (string, error) {
	switch f.Kind {
	case KindTextDelta:
		return channelText + ":" + f.Text + "\n", nil
	case KindToolInvocation:
		payload, err := json.Marshal(f.Tool)
		if err != nil {
			return "", fmt.Errorf("encode tool invocation: %w", err)
		}
		return channelTool + ":" + string(payload) + "\n", nil
	case KindMetadata:
		payload, err := json.Marshal(f.Meta)
		if err != nil {
			return "", fmt.Errorf("encode metadata: %w", err)
		}
		return channelMetadata + ":" + string(payload) + "\n", nil
	default:
		return "", fmt.Errorf("unknown frame kind %d", f.Kind)
	}
}

// ParseFrame decodes one protocol line back into a Frame. The second
// return is false for lines that are not valid frames.
func ParseFrame(line string) (Frame, bool) {
	line = strings.TrimSuffix(line, "\n")

	tag, payload, found := strings.Cut(line, ":")
	if !found {
		return Frame{}, false
	}

	switch tag {
	case channelText:
		return Frame{Kind: KindTextDelta, Text: payload}, true
	case channelTool:
		var tool ToolInvocation
		if err := json.Unmarshal([]byte(payload), &tool); err != nil {
			return Frame{}, false
		}
		return Frame{Kind: KindToolInvocation, Tool: &tool}, true
	case channelMetadata:
		var meta Metadata
		if err := json.Unmarshal([]byte(payload), &meta); err != nil {
			return Frame{}, false
		}
		return Frame{Kind: KindMetadata, Meta: &meta}, true
	default:
		return Frame{}, false
	}
}
