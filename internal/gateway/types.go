package gateway

import (
	"encoding/json"
	"strings"
)

// TurnRequest is the state-advance call for one user turn.
type TurnRequest struct {
	UserQuery         string `json:"user_query"`
	VisitorIPAddress  string `json:"visitor_ip_address,omitempty"`
	ConversationID    int64  `json:"conversation_id,omitempty"`
	UserID            int64  `json:"user_id,omitempty"`
	ChatUserSessionID int64  `json:"chat_user_session_id,omitempty"`
}

// TurnResponse is the normalized result of a state-advance call.
//
// The upstream wraps its payload inconsistently: sometimes under
// response.body, sometimes under response, sometimes bare. All three
// shapes collapse into this struct in normalizeTurnResponse, once, at
// the gateway boundary.
type TurnResponse struct {
	Role            string                 `json:"role,omitempty"`
	Content         string                 `json:"content,omitempty"`
	ConversationID  int64                  `json:"conversation_id,omitempty"`
	UserID          int64                  `json:"user_id,omitempty"`
	WorkflowID      int                    `json:"workflow_id,omitempty"`
	WorkflowStatus  string                 `json:"workflow_status,omitempty"`
	NextField       string                 `json:"next_field,omitempty"`
	CurrentField    string                 `json:"current_field,omitempty"`
	CollectedData   map[string]interface{} `json:"collected_data,omitempty"`
	CollectedFields []string               `json:"collected_fields,omitempty"`
	TokensRemaining *int64                 `json:"tokens_remaining,omitempty"`
}

// Field returns the field the workflow expects next, falling back to the
// legacy current_field name some deployments still emit.
func (r *TurnResponse) Field() string {
	if r.NextField != "" {
		return r.NextField
	}
	return r.CurrentField
}

// SessionData is the durable chat session identity returned by the
// upstream session endpoint.
type SessionData struct {
	ID              json.Number `json:"id,omitempty"`
	SessionID       json.Number `json:"session_id,omitempty"`
	UserID          int64       `json:"user_id,omitempty"`
	UserEmail       string      `json:"user_email,omitempty"`
	TokensRemaining *int64      `json:"tokens_remaining,omitempty"`
}

// Identifier returns the session identifier, whichever field the
// upstream chose to put it in.
func (s *SessionData) Identifier() string {
	if id := s.SessionID.String(); id != "" {
		return id
	}
	return s.ID.String()
}

// Message is a single turn half stored by the upstream.
type Message struct {
	ID        string `json:"id,omitempty"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at,omitempty"`
}

// StreamRequest opens the streamed half of a turn against the
// conversational streaming service.
type StreamRequest struct {
	UserQuery        string                 `json:"user_query"`
	ConversationID   int64                  `json:"conversation_id"`
	UserID           int64                  `json:"user_id,omitempty"`
	SessionID        string                 `json:"session_id,omitempty"`
	VisitorIPAddress string                 `json:"visitor_ip_address,omitempty"`
	WorkflowID       int                    `json:"workflow_id,omitempty"`
	WorkflowStatus   string                 `json:"workflow_status,omitempty"`
	NextField        string                 `json:"next_field,omitempty"`
	CollectedFields  []string               `json:"collected_fields"`
	CollectedData    map[string]interface{} `json:"collected_data,omitempty"`
}

// envelope is the wrapper the upstream may or may not put around a
// payload.
type envelope struct {
	Response json.RawMessage `json:"response"`
	Data     json.RawMessage `json:"data"`
	Error    string          `json:"error"`
}

type innerEnvelope struct {
	Body json.RawMessage `json:"body"`
}

// unwrapEnvelope digs through response.body / response / data wrappers
// and returns the innermost JSON object.
func unwrapEnvelope(raw []byte) []byte {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return raw
	}

	inner := env.Response
	if len(inner) == 0 {
		inner = env.Data
	}
	if len(inner) == 0 || !isJSONObject(inner) {
		return raw
	}

	var nested innerEnvelope
	if err := json.Unmarshal(inner, &nested); err == nil && isJSONObject(nested.Body) {
		return nested.Body
	}
	return inner
}

func isJSONObject(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return strings.HasPrefix(trimmed, "{")
}

// normalizeTurnResponse folds any of the upstream's wrapper shapes into
// a TurnResponse.
func normalizeTurnResponse(raw []byte) (*TurnResponse, error) {
	payload := unwrapEnvelope(raw)

	var resp TurnResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// normalizeSessionData folds the session endpoint's wrapper shapes,
// including the doubly nested session.session variant, into SessionData.
func normalizeSessionData(raw []byte) (*SessionData, error) {
	payload := unwrapEnvelope(raw)

	var wrapper struct {
		Session json.RawMessage `json:"session"`
	}
	if err := json.Unmarshal(payload, &wrapper); err == nil && isJSONObject(wrapper.Session) {
		payload = unwrapEnvelope(wrapper.Session)

		var nested struct {
			Session json.RawMessage `json:"session"`
		}
		if err := json.Unmarshal(payload, &nested); err == nil && isJSONObject(nested.Session) {
			payload = nested.Session
		}
	}

	var session SessionData
	if err := json.Unmarshal(payload, &session); err != nil {
		return nil, err
	}
	return &session, nil
}
