package relay

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	apierrors "github.com/autosnap/drift-relay/internal/errors"
	"github.com/autosnap/drift-relay/internal/gateway"
	"github.com/autosnap/drift-relay/internal/logger"
	"github.com/autosnap/drift-relay/internal/reframe"
	"github.com/gin-gonic/gin"
)

// chatRequest is the client's turn submission. Identifier fields arrive
// as strings from browser storage or as numbers from API clients;
// flexInt64 accepts both.
type chatRequest struct {
	Messages          []gateway.Message `json:"messages"`
	ChatUserSessionID flexInt64         `json:"chat_user_session_id"`
	ConversationID    flexInt64         `json:"conversation_id"`
}

// flexInt64 unmarshals from a JSON number, a numeric string, or null.
type flexInt64 int64

func (f *flexInt64) UnmarshalJSON(data []byte) error {
	trimmed := strings.Trim(string(data), `"`)
	if trimmed == "null" || trimmed == "" {
		*f = 0
		return nil
	}
	parsed, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		// Tolerate garbage identifiers the way the original did: treat
		// them as absent rather than failing the turn.
		*f = 0
		return nil
	}
	*f = flexInt64(parsed)
	return nil
}

func formatSessionID(id int64) string {
	if id == 0 {
		return ""
	}
	return strconv.FormatInt(id, 10)
}

// ChatHandler relays one chat turn: state-advance against the backend,
// then reframes the backend's event stream into the outbound frame
// protocol.
func ChatHandler(log *logger.Logger, backend TurnBackend, ipResolver *IPResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		handlerLog := log.WithContext(c.Request.Context()).WithComponent("chat")

		var req chatRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			apierrors.AbortWithBadRequest(c, "Invalid request body", map[string]interface{}{
				"details": err.Error(),
			})
			return
		}

		userQuery := lastUserQuery(req.Messages)
		if userQuery == "" {
			apierrors.AbortWithBadRequest(c, "No user message provided", nil)
			return
		}

		in := TurnInput{
			UserQuery:      userQuery,
			SessionID:      int64(req.ChatUserSessionID),
			ConversationID: int64(req.ConversationID),
			VisitorIP:      ipResolver.FromHeaders(c),
			Creds:          newCookieCredentials(c),
		}

		resp, body, err := backend.AdvanceTurn(c.Request.Context(), in)
		if err != nil {
			handlerLog.Error("turn failed", slog.String("error", err.Error()))
			writeTurnError(c, err)
			return
		}
		defer body.Close()

		handlerLog.Info("relaying turn stream",
			slog.Int64("conversation_id", resp.ConversationID),
			slog.Int("workflow_id", resp.WorkflowID),
			slog.String("workflow_status", resp.WorkflowStatus))

		// Mirror the latest known state at response start.
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")
		c.Header("X-Conversation-Id", strconv.FormatInt(resp.ConversationID, 10))
		c.Header("X-Workflow-Id", strconv.Itoa(resp.WorkflowID))
		c.Header("X-Workflow-Status", resp.WorkflowStatus)
		c.Header("X-Next-Field", resp.Field())
		c.Status(http.StatusOK)

		writer, err := newGinFrameWriter(c)
		if err != nil {
			handlerLog.Error("streaming unsupported", slog.String("error", err.Error()))
			return
		}

		reframer := reframe.NewReframer(resp.ConversationID, handlerLog)
		if err := reframe.Run(c.Request.Context(), body, reframer, writer, handlerLog); err != nil {
			// Headers are already out; all we can do is log and let the
			// stream end. The client's watchdog covers the rest.
			handlerLog.Error("stream relay ended with error", slog.String("error", err.Error()))
		}
	}
}

func lastUserQuery(messages []gateway.Message) string {
	if len(messages) == 0 {
		return ""
	}
	return strings.TrimSpace(messages[len(messages)-1].Content)
}

// writeTurnError maps gateway errors onto response statuses before any
// stream bytes have been written.
func writeTurnError(c *gin.Context, err error) {
	var authErr *gateway.AuthError
	var httpErr *gateway.HTTPError

	switch {
	case errors.As(err, &authErr):
		apierrors.Unauthorized(c, "Authentication failed. Please log in again.", nil)
	case errors.As(err, &httpErr):
		c.JSON(http.StatusBadGateway, apierrors.NewAPIError("Upstream request failed", map[string]interface{}{
			"status": httpErr.StatusCode,
			"body":   truncate(httpErr.Body, 512),
		}))
	default:
		apierrors.Internal(c, "Failed to send message", map[string]interface{}{
			"details": err.Error(),
		})
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
