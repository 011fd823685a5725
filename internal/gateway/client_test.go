package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/autosnap/drift-relay/internal/config"
	"github.com/autosnap/drift-relay/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCreds struct {
	token   string
	cleared bool
}

func (f *fakeCreds) Token() string { return f.token }
func (f *fakeCreds) Clear()        { f.cleared = true }

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	cfg := &config.Config{
		XanoBaseURL:                baseURL,
		LangGraphURL:               baseURL,
		UpstreamTimeout:            2 * time.Second,
		UpstreamMaxAttempts:        3,
		UpstreamBackoffBase:        time.Millisecond,
		UpstreamBackoffCap:         5 * time.Millisecond,
		GatewayMaxIdleConns:        10,
		GatewayMaxIdleConnsPerHost: 10,
		GatewayMaxConnsPerHost:     10,
		GatewayIdleConnTimeout:     30,
	}
	return New(cfg, logger.New(logger.Config{Level: slog.LevelError}))
}

func TestGetOrCreateSessionRetriesServerErrors(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"response": map[string]interface{}{
				"body": map[string]interface{}{"id": 42, "session_id": 42},
			},
		})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	session, err := client.GetOrCreateSession(context.Background(), nil, "1.2.3.4", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, "42", session.Identifier())
}

func TestGetOrCreateSessionGivesUpAfterMaxAttempts(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	_, err := client.GetOrCreateSession(context.Background(), nil, "1.2.3.4", nil)
	require.Error(t, err)
	assert.Equal(t, 3, calls)

	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadGateway, httpErr.StatusCode)
	assert.True(t, httpErr.UpstreamError())
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	_, err := client.GetOrCreateSession(context.Background(), nil, "1.2.3.4", nil)
	require.Error(t, err)
	assert.Equal(t, 1, calls)

	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.True(t, httpErr.ClientError())
}

func TestSendTurnIsNeverRetried(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	_, err := client.SendTurn(context.Background(), TurnRequest{UserQuery: "hi"}, nil)
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestUnauthorizedClearsCredentialAndIsTerminal(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "Bearer stale-token", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	creds := &fakeCreds{token: "stale-token"}

	_, err := client.GetOrCreateSession(context.Background(), nil, "1.2.3.4", creds)
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, creds.cleared)

	var authErr *AuthError
	assert.ErrorAs(t, err, &authErr)
}

func TestSendTurnNormalizesEnvelopes(t *testing.T) {
	payload := map[string]interface{}{
		"conversation_id": 1001,
		"workflow_id":     2,
		"workflow_status": "collecting_data",
		"next_field":      "user_phone",
	}

	envelopes := map[string]interface{}{
		"bare":          payload,
		"data":          map[string]interface{}{"data": payload},
		"response":      map[string]interface{}{"response": payload},
		"response.body": map[string]interface{}{"response": map[string]interface{}{"body": payload}},
	}

	for name, body := range envelopes {
		t.Run(name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(body)
			}))
			defer server.Close()

			client := newTestClient(t, server.URL)

			resp, err := client.SendTurn(context.Background(), TurnRequest{UserQuery: "hi"}, nil)
			require.NoError(t, err)
			assert.Equal(t, int64(1001), resp.ConversationID)
			assert.Equal(t, 2, resp.WorkflowID)
			assert.Equal(t, "collecting_data", resp.WorkflowStatus)
			assert.Equal(t, "user_phone", resp.Field())
		})
	}
}

func TestTurnResponseFieldFallsBackToCurrentField(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"conversation_id": 5, "current_field": "user_email"}`)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	resp, err := client.SendTurn(context.Background(), TurnRequest{UserQuery: "hi"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "user_email", resp.Field())
}

func TestGetMessagesAcceptsBareArrayAndWrapper(t *testing.T) {
	bodies := map[string]string{
		"bare array": `[{"role":"user","content":"hi"},{"role":"assistant","content":"hello"}]`,
		"wrapper":    `{"messages":[{"role":"user","content":"hi"},{"role":"assistant","content":"hello"}]}`,
	}

	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "77", r.URL.Query().Get("conversation_id"))
				fmt.Fprint(w, body)
			}))
			defer server.Close()

			client := newTestClient(t, server.URL)

			messages, err := client.GetMessages(context.Background(), 77, nil)
			require.NoError(t, err)
			require.Len(t, messages, 2)
			assert.Equal(t, "assistant", messages[1].Role)
		})
	}
}

func TestLoginMirrorsUpstreamStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"message":"bad credentials"}`)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	result, err := client.Login(context.Background(), []byte(`{"email":"a@b.example","password":"nope"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, result.StatusCode)
	assert.Contains(t, string(result.Body), "bad credentials")
	assert.Empty(t, result.AuthToken)
}

func TestLoginExtractsAuthToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"authToken":"tok-123","name":"Dealer"}`)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	result, err := client.Login(context.Background(), []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, result.StatusCode)
	assert.Equal(t, "tok-123", result.AuthToken)
}

func TestOpenTurnStreamSurfacesHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, "backend draining")
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	_, err := client.OpenTurnStream(context.Background(), StreamRequest{UserQuery: "hi"})
	require.Error(t, err)

	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusServiceUnavailable, httpErr.StatusCode)
	assert.Contains(t, httpErr.Body, "backend draining")
}
