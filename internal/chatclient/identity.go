package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/autosnap/drift-relay/internal/gateway"
)

// EnsureSession resolves the session identity for s, creating one via
// the relay only when no stored identifier exists. A stored session id
// is always reused; an established identity is never recreated.
//
// When a persisted conversation id is also present, the conversation's
// message history is loaded so the session resumes where it left off.
func (s *Session) EnsureSession(ctx context.Context) (*gateway.SessionData, error) {
	if existing := s.SessionData(); existing != nil {
		return existing, nil
	}

	var data *gateway.SessionData
	if stored, ok := s.store.Get(KeySessionID); ok && stored != "" {
		data = &gateway.SessionData{SessionID: json.Number(stored)}
		s.log.Debug("reusing stored session", slog.String("session_id", stored))
	} else {
		created, err := s.createSession(ctx)
		if err != nil {
			return nil, err
		}
		data = created

		// Persist before the identity is handed out so a crash cannot
		// strand a created-but-unrecorded session.
		if err := s.store.Set(KeySessionID, data.Identifier()); err != nil {
			return nil, fmt.Errorf("persist session id: %w", err)
		}
		s.log.Info("created chat session", slog.String("session_id", data.Identifier()))
	}

	s.SetSessionData(data)

	if stored, ok := s.store.Get(KeyConversationID); ok {
		if id, err := strconv.ParseInt(stored, 10, 64); err == nil && id > 0 {
			if err := s.LoadHistory(ctx, id); err != nil {
				// History is a convenience; the session is still usable.
				s.log.Warn("failed to load conversation history",
					slog.Int64("conversation_id", id),
					slog.String("error", err.Error()))
			}
		}
	}

	return data, nil
}

func (s *Session) createSession(ctx context.Context) (*gateway.SessionData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.relayURL+"/session", bytes.NewReader([]byte("{}")))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("session create returned HTTP %d", resp.StatusCode)
	}

	var payload struct {
		Success bool                 `json:"success"`
		Session *gateway.SessionData `json:"session"`
		Error   string               `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("malformed session payload: %w", err)
	}
	if !payload.Success || payload.Session == nil {
		msg := payload.Error
		if msg == "" {
			msg = "session create failed"
		}
		return nil, fmt.Errorf("%s", strings.TrimSpace(msg))
	}
	if payload.Session.Identifier() == "" {
		return nil, fmt.Errorf("session create returned no identifier")
	}

	return payload.Session, nil
}
