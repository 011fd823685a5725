package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/autosnap/drift-relay/internal/config"
	"github.com/autosnap/drift-relay/internal/logger"
)

// Xano API group paths. The opaque segments are Xano's generated API
// group identifiers and are part of the upstream contract.
const (
	pathSessionGetData = "/api:DMq6NJZ_/userchatsession/get_data"
	pathMessageTurn    = "/api:MKPwDskM/chat/message_complete"
	pathMessages       = "/api:MKPwDskM/chat/messages"
	pathAuthLogin      = "/api:MKPwDskM/auth/login"
	pathAuthMe         = "/api:MKPwDskM/auth/me"

	pathChatStream = "/webhook/chat/stream"
)

// CredentialStore supplies the bearer token for upstream calls and
// discards it when the upstream rejects it. Implementations are
// request-scoped: the client itself never caches a token.
type CredentialStore interface {
	Token() string
	Clear()
}

// Client issues outbound requests to the session service and the
// conversational backend. Explicitly constructed and injected; holds no
// mutable credential state of its own.
type Client struct {
	baseURL     string
	streamURL   string
	httpClient  *http.Client
	timeout     time.Duration
	maxAttempts int
	backoffBase time.Duration
	backoffCap  time.Duration
	log         *logger.Logger
}

// New builds a Client from configuration. The transport is pooled per
// client instance.
func New(cfg *config.Config, log *logger.Logger) *Client {
	transport := &http.Transport{
		MaxIdleConns:        cfg.GatewayMaxIdleConns,
		MaxIdleConnsPerHost: cfg.GatewayMaxIdleConnsPerHost,
		MaxConnsPerHost:     cfg.GatewayMaxConnsPerHost,
		IdleConnTimeout:     time.Duration(cfg.GatewayIdleConnTimeout) * time.Second,
		DisableCompression:  true,
		ForceAttemptHTTP2:   true,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   30 * time.Second,
		ResponseHeaderTimeout: 120 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &Client{
		baseURL:     cfg.XanoBaseURL,
		streamURL:   cfg.LangGraphURL,
		httpClient:  &http.Client{Transport: transport},
		timeout:     cfg.UpstreamTimeout,
		maxAttempts: cfg.UpstreamMaxAttempts,
		backoffBase: cfg.UpstreamBackoffBase,
		backoffCap:  cfg.UpstreamBackoffCap,
		log:         log.WithComponent("gateway"),
	}
}

// SendTurn advances the conversation state for one user turn.
//
// Never retried: the upstream records the turn and advances workflow
// state as a side effect, so a duplicate request would duplicate the
// turn.
func (c *Client) SendTurn(ctx context.Context, req TurnRequest, creds CredentialStore) (*TurnResponse, error) {
	raw, err := c.doOnce(ctx, "send_turn", http.MethodPost, c.baseURL+pathMessageTurn, req, creds)
	if err != nil {
		return nil, err
	}
	resp, err := normalizeTurnResponse(raw)
	if err != nil {
		return nil, fmt.Errorf("malformed turn response: %w", err)
	}
	return resp, nil
}

// GetOrCreateSession fetches the session for sessionID, or creates one
// when sessionID is nil. Idempotent; retried with exponential backoff.
func (c *Client) GetOrCreateSession(ctx context.Context, sessionID *string, ip string, creds CredentialStore) (*SessionData, error) {
	body := map[string]interface{}{
		"session_id": sessionID,
		"ip_address": ip,
	}

	raw, err := c.doWithRetry(ctx, "get_or_create_session", http.MethodPost, c.baseURL+pathSessionGetData, body, creds)
	if err != nil {
		return nil, err
	}
	session, err := normalizeSessionData(raw)
	if err != nil {
		return nil, fmt.Errorf("malformed session response: %w", err)
	}
	return session, nil
}

// GetMessages loads the stored history of a conversation. Idempotent;
// retried.
func (c *Client) GetMessages(ctx context.Context, conversationID int64, creds CredentialStore) ([]Message, error) {
	url := fmt.Sprintf("%s%s?conversation_id=%d", c.baseURL, pathMessages, conversationID)

	raw, err := c.doWithRetry(ctx, "get_messages", http.MethodGet, url, nil, creds)
	if err != nil {
		return nil, err
	}

	// The upstream returns either a bare array or {"messages": [...]}.
	var messages []Message
	if err := json.Unmarshal(raw, &messages); err == nil {
		return messages, nil
	}
	var wrapper struct {
		Messages []Message `json:"messages"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return nil, fmt.Errorf("malformed messages response: %w", err)
	}
	return wrapper.Messages, nil
}

// PassthroughResult carries an upstream auth response verbatim so the
// relay can mirror its status to the caller.
type PassthroughResult struct {
	StatusCode int
	Body       []byte
	AuthToken  string
}

// Login forwards credentials to the upstream auth endpoint. The
// upstream status code is mirrored, not translated, so a failed login
// is a result rather than an error.
func (c *Client) Login(ctx context.Context, body []byte) (*PassthroughResult, error) {
	result, err := c.passthrough(ctx, "login", http.MethodPost, c.baseURL+pathAuthLogin, body, "")
	if err != nil {
		return nil, err
	}

	var payload struct {
		AuthToken string `json:"authToken"`
	}
	if err := json.Unmarshal(result.Body, &payload); err == nil {
		result.AuthToken = payload.AuthToken
	}
	return result, nil
}

// Me fetches the authenticated user's profile with the given token.
func (c *Client) Me(ctx context.Context, token string) (*PassthroughResult, error) {
	return c.passthrough(ctx, "me", http.MethodGet, c.baseURL+pathAuthMe, nil, token)
}

// OpenTurnStream opens the streamed half of a turn against the
// conversational backend. Not retried; the caller owns closing the
// returned body.
func (c *Client) OpenTurnStream(ctx context.Context, req StreamRequest) (io.ReadCloser, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode stream request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.streamURL+pathChatStream, bytes.NewReader(payload))
	if err != nil {
		return nil, &TransportError{Op: "open_stream", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Op: "open_stream", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &HTTPError{Op: "open_stream", StatusCode: resp.StatusCode, Body: string(body)}
	}

	return resp.Body, nil
}

// doWithRetry runs doOnce with bounded retry and exponential backoff.
// Only transport failures and 5xx responses are retried; auth and other
// client errors are terminal.
func (c *Client) doWithRetry(ctx context.Context, op, method, url string, body interface{}, creds CredentialStore) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		raw, err := c.doOnce(ctx, op, method, url, body, creds)
		if err == nil {
			return raw, nil
		}
		lastErr = err

		if !retryable(err) {
			return nil, err
		}
		if attempt == c.maxAttempts-1 {
			break
		}

		delay := c.backoffBase << attempt
		if delay > c.backoffCap {
			delay = c.backoffCap
		}
		c.log.Warn("retrying upstream call",
			slog.String("op", op),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, &TransportError{Op: op, Err: ctx.Err()}
		}
	}

	return nil, lastErr
}

// doOnce performs a single request attempt with the per-attempt timeout.
func (c *Client) doOnce(ctx context.Context, op, method, url string, body interface{}, creds CredentialStore) ([]byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s request: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(attemptCtx, method, url, reader)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if creds != nil {
		if token := creds.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		if creds != nil {
			creds.Clear()
		}
		return nil, &AuthError{Op: op}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{Op: op, StatusCode: resp.StatusCode, Body: string(raw)}
	}

	return raw, nil
}

// passthrough mirrors an upstream response instead of interpreting it.
func (c *Client) passthrough(ctx context.Context, op, method, url string, body []byte, token string) (*PassthroughResult, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(attemptCtx, method, url, reader)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}

	return &PassthroughResult{StatusCode: resp.StatusCode, Body: raw}, nil
}

// retryable reports whether an error is worth another attempt.
func retryable(err error) bool {
	switch e := err.(type) {
	case *TransportError:
		return true
	case *HTTPError:
		return e.UpstreamError()
	default:
		return false
	}
}
