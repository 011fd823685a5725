// Package chatclient holds the client half of the relay protocol: the
// chat session state machine, the conversation identity resolver and
// the durable identifier storage that browser clients keep in local
// storage.
package chatclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/autosnap/drift-relay/internal/gateway"
	"github.com/autosnap/drift-relay/internal/logger"
	"github.com/autosnap/drift-relay/internal/reframe"
	"github.com/google/uuid"
)

// State is the session's lifecycle position.
type State int

const (
	// StateIdle accepts a new turn.
	StateIdle State = iota

	// StateSending has a request in flight but no stream yet.
	StateSending

	// StateStreaming has an open outbound stream with frames arriving.
	StateStreaming

	// StateError holds a user-visible error; a new turn is accepted.
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateStreaming:
		return "streaming"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Sentinel errors for rejected sends. A rejected send changes nothing:
// no message is appended and no network call is made.
var (
	ErrTurnInFlight = errors.New("a turn is already in flight")
	ErrEmptyMessage = errors.New("message is empty")
	ErrNoSession    = errors.New("no session established")
)

const defaultWatchdogTimeout = 30 * time.Second

// watchdogErrorMessage is the user-visible error for a stalled stream.
const watchdogErrorMessage = "The assistant took too long to respond. Please try again."

// ToolHandler receives tool-invocation frames for UI rendering. Tool
// invocations are surfaced out of band; they are never appended as
// message text.
type ToolHandler func(reframe.ToolInvocation)

// Options configures a Session.
type Options struct {
	// RelayURL is the base URL of the relay ("http://host:port").
	RelayURL string

	// HTTPClient defaults to a client with no overall timeout; stream
	// lifetime is governed by the watchdog instead.
	HTTPClient *http.Client

	// Store is the durable identifier storage. Defaults to in-memory.
	Store Store

	// WatchdogTimeout bounds a streaming turn. Defaults to 30s.
	WatchdogTimeout time.Duration

	// OnTool, when set, receives UI directives.
	OnTool ToolHandler

	Logger *logger.Logger
}

// Session is the client-held conversation state machine.
//
// All mutable state sits behind one mutex; the guard that rejects a
// second concurrent turn is a synchronous check-and-set under that
// mutex, performed before any network suspension point.
type Session struct {
	relayURL   string
	httpClient *http.Client
	store      Store
	watchdog   time.Duration
	onTool     ToolHandler
	log        *logger.Logger

	mu             sync.Mutex
	state          State
	messages       []gateway.Message
	conversationID int64
	workflowID     int
	workflowStatus string
	collectedData  map[string]interface{}
	currentField   string
	sessionData    *gateway.SessionData
	errMsg         string

	// turnSeq invalidates a stale watchdog after the turn it guarded
	// has already finished.
	turnSeq int
}

// NewSession builds a session in StateIdle.
func NewSession(opts Options) *Session {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	store := opts.Store
	if store == nil {
		store = NewMemoryStore()
	}
	watchdog := opts.WatchdogTimeout
	if watchdog <= 0 {
		watchdog = defaultWatchdogTimeout
	}
	log := opts.Logger
	if log == nil {
		log = logger.New(logger.Config{Level: slog.LevelInfo})
	}

	s := &Session{
		relayURL:       strings.TrimRight(opts.RelayURL, "/"),
		httpClient:     httpClient,
		store:          store,
		watchdog:       watchdog,
		onTool:         opts.OnTool,
		log:            log.WithComponent("chat-session"),
		workflowID:     1,
		workflowStatus: "pending",
		collectedData:  map[string]interface{}{},
	}

	// Resume a conversation persisted by an earlier run.
	if stored, ok := store.Get(KeyConversationID); ok {
		if id, err := strconv.ParseInt(stored, 10, 64); err == nil && id > 0 {
			s.conversationID = id
		}
	}

	return s
}

// SendTurn submits one user turn and drives it to completion: request,
// streamed (or whole) response, state transitions, persistence.
//
// At most one turn may be in flight; a send during StateSending or
// StateStreaming is rejected without side effects.
func (s *Session) SendTurn(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)

	s.mu.Lock()
	if text == "" {
		s.mu.Unlock()
		return ErrEmptyMessage
	}
	if s.sessionData == nil {
		s.mu.Unlock()
		return ErrNoSession
	}
	if s.state == StateSending || s.state == StateStreaming {
		s.mu.Unlock()
		return ErrTurnInFlight
	}

	// Entering Sending: append the user message now and clear any prior
	// error. The message stays even if the turn fails.
	s.state = StateSending
	s.errMsg = ""
	s.messages = append(s.messages, gateway.Message{
		ID:        "user-" + uuid.New().String(),
		Role:      "user",
		Content:   text,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	})
	payload := s.turnPayloadLocked()
	seq := s.turnSeq
	s.mu.Unlock()

	resp, err := s.postTurn(ctx, payload)
	if err != nil {
		s.failTurn(seq, "Failed to send message: "+err.Error())
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("relay returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		s.failTurn(seq, "Failed to send message")
		return err
	}

	contentType := resp.Header.Get("Content-Type")
	switch {
	case strings.Contains(contentType, "text/event-stream"):
		return s.consumeStream(seq, resp.Body)
	case strings.Contains(contentType, "application/json"):
		return s.consumeJSON(seq, resp.Body)
	default:
		return s.consumeText(seq, resp.Body)
	}
}

// turnPayloadLocked snapshots the request body for a turn. Stored
// identifiers win over in-memory ones so a reload resumes correctly.
func (s *Session) turnPayloadLocked() map[string]interface{} {
	payload := map[string]interface{}{
		"messages": append([]gateway.Message(nil), s.messages...),
	}

	if sessionID, ok := s.store.Get(KeySessionID); ok && sessionID != "" {
		payload["chat_user_session_id"] = sessionID
	}

	conversationID := s.conversationID
	if stored, ok := s.store.Get(KeyConversationID); ok {
		if id, err := strconv.ParseInt(stored, 10, 64); err == nil && id > 0 {
			conversationID = id
		}
	}
	if conversationID > 0 {
		payload["conversation_id"] = strconv.FormatInt(conversationID, 10)
	}

	return payload
}

func (s *Session) postTurn(ctx context.Context, payload map[string]interface{}) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode turn: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.relayURL+"/chat", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	return s.httpClient.Do(req)
}

// consumeStream reads protocol frames line by line until the
// terminating empty delta, stream close, or watchdog timeout.
func (s *Session) consumeStream(seq int, body io.ReadCloser) error {
	s.mu.Lock()
	if s.turnSeq != seq {
		s.mu.Unlock()
		return errors.New(watchdogErrorMessage)
	}
	s.state = StateStreaming
	s.mu.Unlock()

	// The watchdog closes the body to unblock the read; the turn then
	// resolves as failed below.
	watchdog := time.AfterFunc(s.watchdog, func() {
		if s.failTurn(seq, watchdogErrorMessage) {
			body.Close()
		}
	})
	defer watchdog.Stop()

	reader := bufio.NewReader(body)
	for {
		line, err := reader.ReadString('\n')

		if line != "" {
			if frame, ok := reframe.ParseFrame(line); ok {
				if done := s.consumeFrame(seq, frame); done {
					s.finishTurn(seq)
					return nil
				}
			}
		}

		if err != nil {
			if s.timedOut(seq) {
				return errors.New(watchdogErrorMessage)
			}
			if errors.Is(err, io.EOF) {
				// Stream closed without an explicit terminator; the
				// turn is complete.
				s.finishTurn(seq)
				return nil
			}
			s.failTurn(seq, "Connection lost while receiving the reply")
			return err
		}
	}
}

// consumeFrame applies one frame. Returns true on the terminating empty
// text delta.
func (s *Session) consumeFrame(seq int, frame reframe.Frame) bool {
	var tool *reframe.ToolInvocation

	s.mu.Lock()
	if s.turnSeq != seq {
		s.mu.Unlock()
		return true
	}

	switch frame.Kind {
	case reframe.KindTextDelta:
		if frame.Text == "" {
			s.mu.Unlock()
			return true
		}
		s.appendDeltaLocked(frame.Text)

	case reframe.KindMetadata:
		s.applyMetadataLocked(frame.Meta)

	case reframe.KindToolInvocation:
		tool = frame.Tool
	}
	s.mu.Unlock()

	// Surface UI directives outside the lock; handlers may read session
	// state.
	if tool != nil && s.onTool != nil {
		s.onTool(*tool)
	}
	return false
}

// appendDeltaLocked appends text to the in-progress assistant message,
// creating it on the first delta of the turn.
func (s *Session) appendDeltaLocked(text string) {
	if n := len(s.messages); n > 0 && s.messages[n-1].Role == "assistant" {
		s.messages[n-1].Content += text
		return
	}
	s.messages = append(s.messages, gateway.Message{
		ID:        "assistant-" + uuid.New().String(),
		Role:      "assistant",
		Content:   text,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	})
}

// applyMetadataLocked merges a metadata frame into the conversation
// state. Collected data merges key-wise and never shrinks.
func (s *Session) applyMetadataLocked(meta *reframe.Metadata) {
	if meta == nil {
		return
	}

	// Stale-response protection: once a conversation is bound, frames
	// for any other conversation are discarded.
	if meta.ConversationID != 0 && s.conversationID != 0 && meta.ConversationID != s.conversationID {
		s.log.Debug("discarding metadata for foreign conversation",
			slog.Int64("frame_conversation_id", meta.ConversationID),
			slog.Int64("active_conversation_id", s.conversationID))
		return
	}

	if meta.ConversationID != 0 {
		s.setConversationIDLocked(meta.ConversationID)
	}
	if meta.WorkflowID != 0 {
		s.workflowID = meta.WorkflowID
	}
	if meta.WorkflowStatus != "" {
		s.workflowStatus = meta.WorkflowStatus
	}
	s.currentField = meta.NextField
	s.mergeCollectedDataLocked(meta.CollectedData)
}

func (s *Session) setConversationIDLocked(id int64) {
	s.conversationID = id
	if err := s.store.Set(KeyConversationID, strconv.FormatInt(id, 10)); err != nil {
		s.log.Warn("failed to persist conversation id", slog.String("error", err.Error()))
	}
}

func (s *Session) mergeCollectedDataLocked(data map[string]interface{}) {
	for key, value := range data {
		s.collectedData[key] = value
	}
}

// consumeJSON applies a whole non-streamed reply: one assistant message
// plus metadata.
func (s *Session) consumeJSON(seq int, body io.Reader) error {
	raw, err := io.ReadAll(body)
	if err != nil {
		s.failTurn(seq, "Failed to read reply")
		return err
	}

	var payload struct {
		Content        string                 `json:"content"`
		ConversationID int64                  `json:"conversation_id"`
		WorkflowID     int                    `json:"workflow_id"`
		WorkflowStatus string                 `json:"workflow_status"`
		NextField      string                 `json:"next_field"`
		CollectedData  map[string]interface{} `json:"collected_data"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		s.failTurn(seq, "Malformed reply from relay")
		return err
	}

	content := payload.Content
	if content == "" {
		content = "Response received"
	}

	s.mu.Lock()
	if s.turnSeq != seq {
		s.mu.Unlock()
		return nil
	}
	s.messages = append(s.messages, gateway.Message{
		ID:        "assistant-" + uuid.New().String(),
		Role:      "assistant",
		Content:   content,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	})
	s.applyMetadataLocked(&reframe.Metadata{
		ConversationID: payload.ConversationID,
		WorkflowID:     payload.WorkflowID,
		WorkflowStatus: payload.WorkflowStatus,
		NextField:      payload.NextField,
		CollectedData:  payload.CollectedData,
	})
	s.mu.Unlock()

	s.finishTurn(seq)
	return nil
}

// consumeText treats the body as literal assistant content, after a
// best-effort sniff for an embedded conversation id.
func (s *Session) consumeText(seq int, body io.Reader) error {
	raw, err := io.ReadAll(body)
	if err != nil {
		s.failTurn(seq, "Failed to read reply")
		return err
	}
	text := string(raw)

	s.mu.Lock()
	if s.turnSeq != seq {
		s.mu.Unlock()
		return nil
	}

	var sniffed struct {
		ConversationID int64 `json:"conversation_id"`
	}
	if err := json.Unmarshal(raw, &sniffed); err == nil && sniffed.ConversationID != 0 {
		s.applyMetadataLocked(&reframe.Metadata{ConversationID: sniffed.ConversationID})
	}

	s.messages = append(s.messages, gateway.Message{
		ID:        "assistant-" + uuid.New().String(),
		Role:      "assistant",
		Content:   text,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	})
	s.mu.Unlock()

	s.finishTurn(seq)
	return nil
}

// finishTurn returns to Idle if the turn is still current.
func (s *Session) finishTurn(seq int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.turnSeq != seq {
		return
	}
	s.turnSeq++
	s.state = StateIdle
}

// failTurn records a user-visible error and readies the session for the
// next send. Returns false when the turn had already resolved.
func (s *Session) failTurn(seq int, message string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.turnSeq != seq {
		return false
	}
	s.turnSeq++
	s.state = StateError
	s.errMsg = message
	return true
}

func (s *Session) timedOut(seq int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turnSeq == seq+1 && s.state == StateError && s.errMsg == watchdogErrorMessage
}

// LoadHistory replaces the message list with the conversation's stored
// history from the relay. Used when resuming a persisted conversation.
func (s *Session) LoadHistory(ctx context.Context, conversationID int64) error {
	url := fmt.Sprintf("%s/messages?conversationId=%d", s.relayURL, conversationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("history load returned HTTP %d", resp.StatusCode)
	}

	var payload struct {
		Success  bool              `json:"success"`
		Messages []gateway.Message `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("malformed history payload: %w", err)
	}

	s.mu.Lock()
	s.messages = payload.Messages
	s.conversationID = conversationID
	s.mu.Unlock()
	return nil
}

// UpdateCollectedData merges additional field values into the collected
// data. Existing keys are preserved unless overwritten.
func (s *Session) UpdateCollectedData(data map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mergeCollectedDataLocked(data)
}

// SetSessionData attaches the established session identity. Sends are
// rejected until this is set.
func (s *Session) SetSessionData(data *gateway.SessionData) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionData = data
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Typing reports whether a turn is in flight.
func (s *Session) Typing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateSending || s.state == StateStreaming
}

// Err returns the user-visible error message, if any.
func (s *Session) Err() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errMsg
}

// Messages returns a copy of the message history.
func (s *Session) Messages() []gateway.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]gateway.Message(nil), s.messages...)
}

// ConversationID returns the active conversation id, 0 when unbound.
func (s *Session) ConversationID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// WorkflowID returns the active workflow id.
func (s *Session) WorkflowID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workflowID
}

// WorkflowStatus returns the workflow status.
func (s *Session) WorkflowStatus() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workflowStatus
}

// CurrentField returns the field the backend expects next, empty when
// none.
func (s *Session) CurrentField() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentField
}

// CollectedData returns a copy of the accumulated collected data.
func (s *Session) CollectedData() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := make(map[string]interface{}, len(s.collectedData))
	for key, value := range s.collectedData {
		copied[key] = value
	}
	return copied
}

// SessionData returns the attached session identity, nil before
// EnsureSession.
func (s *Session) SessionData() *gateway.SessionData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionData
}
