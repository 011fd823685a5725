package chatclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/autosnap/drift-relay/internal/gateway"
	"github.com/autosnap/drift-relay/internal/reframe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T, relayURL string, store Store) *Session {
	t.Helper()
	s := NewSession(Options{
		RelayURL:        relayURL,
		Store:           store,
		WatchdogTimeout: 200 * time.Millisecond,
	})
	s.SetSessionData(&gateway.SessionData{SessionID: json.Number("555")})
	return s
}

func streamHandler(t *testing.T, frames ...reframe.Frame) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, ok := w.(http.Flusher)
		require.True(t, ok)
		for _, frame := range frames {
			line, err := frame.Encode()
			require.NoError(t, err)
			fmt.Fprint(w, line)
			flusher.Flush()
		}
	}
}

func TestSendTurnRejectsEmptyMessage(t *testing.T) {
	s := newTestSession(t, "http://unused", NewMemoryStore())

	err := s.SendTurn(context.Background(), "   ")

	require.ErrorIs(t, err, ErrEmptyMessage)
	assert.Equal(t, StateIdle, s.State())
	assert.Empty(t, s.Messages())
}

func TestSendTurnRequiresSession(t *testing.T) {
	s := NewSession(Options{RelayURL: "http://unused"})

	err := s.SendTurn(context.Background(), "hello")

	require.ErrorIs(t, err, ErrNoSession)
	assert.Empty(t, s.Messages())
}

func TestSendTurnRejectsConcurrentTurn(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		line, _ := reframe.TextDelta("thinking").Encode()
		fmt.Fprint(w, line)
		flusher.Flush()

		<-release
		done, _ := reframe.Done().Encode()
		fmt.Fprint(w, done)
		flusher.Flush()
	}))
	defer server.Close()

	s := NewSession(Options{
		RelayURL:        server.URL,
		WatchdogTimeout: 5 * time.Second,
	})
	s.SetSessionData(&gateway.SessionData{SessionID: json.Number("555")})

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- s.SendTurn(context.Background(), "first")
	}()

	require.Eventually(t, func() bool {
		return s.State() == StateStreaming
	}, 2*time.Second, 10*time.Millisecond)

	err := s.SendTurn(context.Background(), "second")
	require.ErrorIs(t, err, ErrTurnInFlight)

	// The rejected send must leave no trace: only the first user
	// message plus the streamed assistant text.
	close(release)
	require.NoError(t, <-firstDone)

	messages := s.Messages()
	require.Len(t, messages, 2)
	assert.Equal(t, "first", messages[0].Content)
	assert.Equal(t, "thinking", messages[1].Content)
	assert.Equal(t, StateIdle, s.State())
}

func TestStreamingTurnAccumulatesDeltasAndMetadata(t *testing.T) {
	var toolCalls []reframe.ToolInvocation

	server := httptest.NewServer(streamHandler(t,
		reframe.TextDelta("Great! "),
		reframe.TextDelta("Let's get you set up."),
		reframe.Frame{Kind: reframe.KindToolInvocation, Tool: &reframe.ToolInvocation{
			ToolCallID: "ui-1",
			ToolName:   "render_ui",
			Args:       map[string]interface{}{"jsx": "<VehiclePreferencesForm />"},
		}},
		reframe.Frame{Kind: reframe.KindMetadata, Meta: &reframe.Metadata{
			ConversationID: 1001,
			WorkflowID:     2,
			WorkflowStatus: "collecting_data",
			NextField:      "your phone number",
		}},
		reframe.Done(),
	))
	defer server.Close()

	store := NewMemoryStore()
	s := NewSession(Options{
		RelayURL:        server.URL,
		Store:           store,
		WatchdogTimeout: 5 * time.Second,
		OnTool: func(tool reframe.ToolInvocation) {
			toolCalls = append(toolCalls, tool)
		},
	})
	s.SetSessionData(&gateway.SessionData{SessionID: json.Number("555")})

	err := s.SendTurn(context.Background(), "create shopper showroom")
	require.NoError(t, err)

	assert.Equal(t, StateIdle, s.State())
	assert.Empty(t, s.Err())

	messages := s.Messages()
	require.Len(t, messages, 2)
	assert.Equal(t, "user", messages[0].Role)
	assert.Equal(t, "assistant", messages[1].Role)
	assert.Equal(t, "Great! Let's get you set up.", messages[1].Content)

	assert.Equal(t, int64(1001), s.ConversationID())
	assert.Equal(t, 2, s.WorkflowID())
	assert.Equal(t, "collecting_data", s.WorkflowStatus())
	assert.Equal(t, "your phone number", s.CurrentField())

	// UI directives surface through the handler, never as message text.
	require.Len(t, toolCalls, 1)
	assert.Equal(t, "render_ui", toolCalls[0].ToolName)

	// The bound conversation survives restarts.
	stored, ok := store.Get(KeyConversationID)
	require.True(t, ok)
	assert.Equal(t, "1001", stored)
}

func TestCollectedDataMergesAcrossFrames(t *testing.T) {
	server := httptest.NewServer(streamHandler(t,
		reframe.Frame{Kind: reframe.KindMetadata, Meta: &reframe.Metadata{
			ConversationID: 7,
			CollectedData:  map[string]interface{}{"user_phone": "555-0100"},
		}},
		reframe.Frame{Kind: reframe.KindMetadata, Meta: &reframe.Metadata{
			ConversationID: 7,
			CollectedData:  map[string]interface{}{"user_email": "a@b.example"},
		}},
		reframe.Done(),
	))
	defer server.Close()

	s := newTestSession(t, server.URL, NewMemoryStore())

	require.NoError(t, s.SendTurn(context.Background(), "hello"))

	collected := s.CollectedData()
	assert.Equal(t, "555-0100", collected["user_phone"])
	assert.Equal(t, "a@b.example", collected["user_email"])
}

func TestForeignConversationMetadataDropped(t *testing.T) {
	server := httptest.NewServer(streamHandler(t,
		reframe.Frame{Kind: reframe.KindMetadata, Meta: &reframe.Metadata{
			ConversationID: 42,
			WorkflowStatus: "active",
		}},
		reframe.Frame{Kind: reframe.KindMetadata, Meta: &reframe.Metadata{
			ConversationID: 99,
			WorkflowStatus: "completed",
			CollectedData:  map[string]interface{}{"intruder": true},
		}},
		reframe.Done(),
	))
	defer server.Close()

	s := newTestSession(t, server.URL, NewMemoryStore())

	require.NoError(t, s.SendTurn(context.Background(), "hello"))

	assert.Equal(t, int64(42), s.ConversationID())
	assert.Equal(t, "active", s.WorkflowStatus())
	assert.NotContains(t, s.CollectedData(), "intruder")
}

func TestWatchdogFailsStalledStreamThenAcceptsNewTurn(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)

		if calls == 1 {
			line, _ := reframe.TextDelta("partial").Encode()
			fmt.Fprint(w, line)
			flusher.Flush()
			// Stall past the watchdog without closing the stream.
			time.Sleep(time.Second)
			return
		}

		for _, frame := range []reframe.Frame{reframe.TextDelta("recovered"), reframe.Done()} {
			line, _ := frame.Encode()
			fmt.Fprint(w, line)
			flusher.Flush()
		}
	}))
	defer server.Close()

	s := newTestSession(t, server.URL, NewMemoryStore())

	err := s.SendTurn(context.Background(), "hello")
	require.Error(t, err)
	assert.Equal(t, StateError, s.State())
	assert.Equal(t, watchdogErrorMessage, s.Err())

	// The failed turn keeps its user message and the partial reply.
	require.Len(t, s.Messages(), 2)

	err = s.SendTurn(context.Background(), "try again")
	require.NoError(t, err)
	assert.Equal(t, StateIdle, s.State())
	assert.Empty(t, s.Err())

	messages := s.Messages()
	require.Len(t, messages, 4)
	assert.Equal(t, "recovered", messages[3].Content)
}

func TestJSONResponseAppendsSingleMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"content":         "All set.",
			"conversation_id": 31,
			"workflow_id":     3,
			"workflow_status": "completed",
		})
	}))
	defer server.Close()

	s := newTestSession(t, server.URL, NewMemoryStore())

	require.NoError(t, s.SendTurn(context.Background(), "finish up"))

	messages := s.Messages()
	require.Len(t, messages, 2)
	assert.Equal(t, "All set.", messages[1].Content)
	assert.Equal(t, int64(31), s.ConversationID())
	assert.Equal(t, "completed", s.WorkflowStatus())
	assert.Equal(t, StateIdle, s.State())
}

func TestPlainTextResponseSniffsConversationID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, `{"conversation_id": 88, "note": "raw passthrough"}`)
	}))
	defer server.Close()

	s := newTestSession(t, server.URL, NewMemoryStore())

	require.NoError(t, s.SendTurn(context.Background(), "hello"))

	assert.Equal(t, int64(88), s.ConversationID())
	messages := s.Messages()
	require.Len(t, messages, 2)
	assert.Contains(t, messages[1].Content, "raw passthrough")
	assert.Equal(t, StateIdle, s.State())
}

func TestRelayErrorLeavesUserMessageAndAllowsRetry(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"upstream unavailable"}`, http.StatusBadGateway)
	}))
	defer server.Close()

	s := newTestSession(t, server.URL, NewMemoryStore())

	err := s.SendTurn(context.Background(), "hello")
	require.Error(t, err)
	assert.Equal(t, StateError, s.State())
	assert.NotEmpty(t, s.Err())

	messages := s.Messages()
	require.Len(t, messages, 1)
	assert.Equal(t, "user", messages[0].Role)

	// An errored session accepts the next send.
	err = s.SendTurn(context.Background(), "retry")
	require.Error(t, err)
	assert.Len(t, s.Messages(), 2)
}

func TestSendTurnPrefersStoredIdentifiers(t *testing.T) {
	var got map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "text/event-stream")
		line, _ := reframe.Done().Encode()
		fmt.Fprint(w, line)
	}))
	defer server.Close()

	store := NewMemoryStore()
	require.NoError(t, store.Set(KeySessionID, "555"))
	require.NoError(t, store.Set(KeyConversationID, "314"))

	s := newTestSession(t, server.URL, store)

	require.NoError(t, s.SendTurn(context.Background(), "hello"))

	assert.Equal(t, "555", got["chat_user_session_id"])
	assert.Equal(t, "314", got["conversation_id"])
}

func TestEnsureSessionCreatesOnceAndReuses(t *testing.T) {
	var creates int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/session", r.URL.Path)
		creates++
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"session": map[string]interface{}{"id": 9001, "session_id": 9001},
		})
	}))
	defer server.Close()

	store := NewMemoryStore()
	s := NewSession(Options{RelayURL: server.URL, Store: store})

	data, err := s.EnsureSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "9001", data.Identifier())

	stored, ok := store.Get(KeySessionID)
	require.True(t, ok)
	assert.Equal(t, "9001", stored)

	// A second resolver run against the same store makes no new session.
	s2 := NewSession(Options{RelayURL: server.URL, Store: store})
	data2, err := s2.EnsureSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "9001", data2.Identifier())
	assert.Equal(t, 1, creates)
}

func TestEnsureSessionPropagatesFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	s := NewSession(Options{RelayURL: server.URL})

	_, err := s.EnsureSession(context.Background())
	require.Error(t, err)
	assert.Nil(t, s.SessionData())
}

func TestUpdateCollectedDataMerges(t *testing.T) {
	s := NewSession(Options{RelayURL: "http://unused"})

	s.UpdateCollectedData(map[string]interface{}{"a": 1})
	s.UpdateCollectedData(map[string]interface{}{"b": 2})

	collected := s.CollectedData()
	assert.Equal(t, 1, collected["a"])
	assert.Equal(t, 2, collected["b"])
}
