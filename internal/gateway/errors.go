package gateway

import "fmt"

// TransportError wraps a network-level failure: connection refused, DNS,
// timeout, context cancellation. Retryable for idempotent calls.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("upstream transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// AuthError indicates the upstream rejected our credential (401).
// Terminal: callers must not retry and must discard the credential.
type AuthError struct {
	Op string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed during %s", e.Op)
}

// HTTPError is any other non-2xx upstream response, carrying status and
// body text. 4xx responses are never retried; 5xx responses are retried
// only for idempotent calls.
type HTTPError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d during %s: %s", e.StatusCode, e.Op, e.Body)
}

// ClientError reports whether the response was a 4xx.
func (e *HTTPError) ClientError() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// UpstreamError reports whether the response was a 5xx.
func (e *HTTPError) UpstreamError() bool {
	return e.StatusCode >= 500
}
