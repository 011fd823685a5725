package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/autosnap/drift-relay/internal/logger"
	"github.com/gin-gonic/gin"
)

// IPResolver derives the visitor's best-effort public IP. Failures are
// never fatal: the resolver degrades to a loopback placeholder.
type IPResolver struct {
	lookupURL  string
	httpClient *http.Client
	log        *logger.Logger
}

// NewIPResolver builds a resolver that falls back to the given external
// lookup service (ipify-shaped, `{"ip": "..."}`).
func NewIPResolver(lookupURL string, log *logger.Logger) *IPResolver {
	return &IPResolver{
		lookupURL:  lookupURL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		log:        log.WithComponent("ip-resolver"),
	}
}

// FromHeaders reads forwarding headers only. Used on the hot path where
// an external lookup would add latency to every turn.
func (r *IPResolver) FromHeaders(c *gin.Context) string {
	if ip := headerIP(c); ip != "" {
		return ip
	}
	return "127.0.0.1"
}

// Resolve reads forwarding headers and falls back to the external
// lookup service, then to the loopback placeholder.
func (r *IPResolver) Resolve(ctx context.Context, c *gin.Context) string {
	if ip := headerIP(c); ip != "" && !isLoopback(ip) {
		return ip
	}

	if ip := r.externalLookup(ctx); ip != "" {
		return ip
	}
	return "127.0.0.1"
}

func headerIP(c *gin.Context) string {
	if forwarded := c.GetHeader("X-Forwarded-For"); forwarded != "" {
		// X-Forwarded-For can contain multiple IPs, take the first one.
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	return c.GetHeader("X-Real-IP")
}

func isLoopback(ip string) bool {
	return ip == "::1" || ip == "127.0.0.1"
}

func (r *IPResolver) externalLookup(ctx context.Context) string {
	if r.lookupURL == "" {
		return ""
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.lookupURL, nil)
	if err != nil {
		return ""
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		r.log.Debug("external IP lookup failed", slog.String("error", err.Error()))
		return ""
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ""
	}

	var payload struct {
		IP string `json:"ip"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		r.log.Debug("external IP lookup returned malformed payload", slog.String("error", err.Error()))
		return ""
	}
	return payload.IP
}
