package relay

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/autosnap/drift-relay/internal/config"
	apierrors "github.com/autosnap/drift-relay/internal/errors"
	"github.com/autosnap/drift-relay/internal/gateway"
	"github.com/autosnap/drift-relay/internal/logger"
	"github.com/gin-gonic/gin"
)

// LoginHandler forwards credentials upstream and moves the returned
// token into an http-only cookie. The token never appears in the
// response body.
func LoginHandler(log *logger.Logger, gw *gateway.Client, cfg *config.Config) gin.HandlerFunc {
	secure := os.Getenv("APP_ENV") == "production"

	return func(c *gin.Context) {
		handlerLog := log.WithContext(c.Request.Context()).WithComponent("auth")

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			apierrors.AbortWithBadRequest(c, "Failed to read request body", nil)
			return
		}

		result, err := gw.Login(c.Request.Context(), body)
		if err != nil {
			handlerLog.Error("login passthrough failed", slog.String("error", err.Error()))
			apierrors.Internal(c, "Login failed", map[string]interface{}{"details": err.Error()})
			return
		}

		if result.AuthToken != "" {
			setAuthCookie(c, result.AuthToken, cfg.AuthCookieMaxAge, secure)
		}

		c.Data(result.StatusCode, "application/json", stripAuthToken(result.Body))
	}
}

// MeHandler fetches the authenticated profile using the cookie token.
func MeHandler(log *logger.Logger, gw *gateway.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		handlerLog := log.WithContext(c.Request.Context()).WithComponent("auth")

		token, err := c.Cookie(authCookieName)
		if err != nil || token == "" {
			apierrors.Unauthorized(c, "Not authenticated", nil)
			return
		}

		result, err := gw.Me(c.Request.Context(), token)
		if err != nil {
			handlerLog.Error("profile passthrough failed", slog.String("error", err.Error()))
			apierrors.Internal(c, "Failed to load profile", map[string]interface{}{"details": err.Error()})
			return
		}

		// A rejected token is cleared so the client re-authenticates.
		if result.StatusCode == http.StatusUnauthorized {
			clearAuthCookie(c)
		}

		c.Data(result.StatusCode, "application/json", result.Body)
	}
}

// stripAuthToken removes the authToken field from an upstream auth
// payload before it reaches the browser.
func stripAuthToken(body []byte) []byte {
	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return body
	}
	delete(payload, "authToken")

	stripped, err := json.Marshal(payload)
	if err != nil {
		return body
	}
	return stripped
}
