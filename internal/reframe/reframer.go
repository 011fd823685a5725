package reframe

import (
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"

	"github.com/autosnap/drift-relay/internal/logger"
	"github.com/google/uuid"
)

// UI directive sentinels embedded by the conversational backend inside
// assistant prose.
const (
	uiComponentStart = "[UI_COMPONENT_START]"
	uiComponentEnd   = "[UI_COMPONENT_END]"

	// doneSentinel may appear as a data payload instead of a done event.
	doneSentinel = "[DONE]"

	// renderUITool is the fixed tool name carried by UI directive frames.
	renderUITool = "render_ui"
)

var uiComponentPattern = regexp.MustCompile(`(?s)\[UI_COMPONENT_START\](.*?)\[UI_COMPONENT_END\]`)

// messagePayload is the JSON body of a `message` event from the
// conversational backend.
type messagePayload struct {
	ConversationID int64                  `json:"conversation_id"`
	Content        string                 `json:"content"`
	HasUI          bool                   `json:"has_ui"`
	WorkflowID     int                    `json:"workflow_id"`
	WorkflowStatus string                 `json:"workflow_status"`
	NextField      string                 `json:"next_field"`
	CollectedData  map[string]interface{} `json:"collected_data"`
}

// Reframer transforms inbound events into outbound frames for a single
// turn. It is bound to the conversation id the turn was opened for:
// events carrying any other conversation id are stale responses from an
// overlapping turn and are dropped without reaching the client.
type Reframer struct {
	conversationID int64
	log            *logger.Logger
}

// NewReframer binds a reframer to the active conversation.
func NewReframer(conversationID int64, log *logger.Logger) *Reframer {
	return &Reframer{
		conversationID: conversationID,
		log:            log.WithComponent("reframe"),
	}
}

// HandleEvent maps one inbound event to zero or more outbound frames.
// The second return is true when the event terminates the stream.
//
// Malformed payloads are logged and skipped; they never abort the
// stream.
func (r *Reframer) HandleEvent(ev Event) ([]Frame, bool) {
	switch ev.Name {
	case "message":
		if ev.Data == doneSentinel {
			return nil, false
		}
		return r.handleMessage(ev.Data), false

	case "done":
		return []Frame{Done()}, true

	default:
		return nil, false
	}
}

func (r *Reframer) handleMessage(data string) []Frame {
	var payload messagePayload
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		r.log.Warn("skipping malformed message event",
			slog.String("error", err.Error()))
		return nil
	}

	// Stale-turn guard: a mismatched conversation id means this event
	// belongs to a different turn's stream.
	if payload.ConversationID != r.conversationID {
		r.log.Debug("dropping stale event",
			slog.Int64("event_conversation_id", payload.ConversationID),
			slog.Int64("active_conversation_id", r.conversationID))
		return nil
	}

	text, ui := ExtractUIComponent(payload.Content)

	var frames []Frame
	if text != "" {
		frames = append(frames, TextDelta(text))
	}

	if ui != "" && payload.HasUI {
		frames = append(frames, Frame{
			Kind: KindToolInvocation,
			Tool: &ToolInvocation{
				ToolCallID: "ui-" + uuid.New().String(),
				ToolName:   renderUITool,
				Args:       map[string]interface{}{"jsx": ui},
				Result:     ui,
			},
		})
	}

	frames = append(frames, Frame{
		Kind: KindMetadata,
		Meta: &Metadata{
			ConversationID: payload.ConversationID,
			WorkflowID:     payload.WorkflowID,
			WorkflowStatus: payload.WorkflowStatus,
			NextField:      payload.NextField,
			CollectedData:  payload.CollectedData,
		},
	})

	return frames
}

// ExtractUIComponent splits assistant prose from an embedded UI
// directive span. The returned text has the whole marker span removed;
// ui is the span's trimmed interior, or empty when no span is present.
func ExtractUIComponent(content string) (text, ui string) {
	match := uiComponentPattern.FindStringSubmatch(content)
	if match == nil {
		return content, ""
	}

	text = strings.TrimSpace(uiComponentPattern.ReplaceAllString(content, ""))
	ui = strings.TrimSpace(match[1])
	return text, ui
}
