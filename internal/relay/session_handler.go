package relay

import (
	"log/slog"
	"net/http"
	"strconv"

	apierrors "github.com/autosnap/drift-relay/internal/errors"
	"github.com/autosnap/drift-relay/internal/gateway"
	"github.com/autosnap/drift-relay/internal/logger"
	"github.com/gin-gonic/gin"
)

// SessionHandler establishes or fetches the durable chat session:
// POST /session {"sessionId": "..."} → {"success": true, "session": {...}}.
func SessionHandler(log *logger.Logger, gw *gateway.Client, ipResolver *IPResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		handlerLog := log.WithContext(c.Request.Context()).WithComponent("session")

		var req struct {
			SessionID string `json:"sessionId"`
		}
		// An empty body means "create a new session".
		_ = c.ShouldBindJSON(&req)

		var sessionID *string
		if req.SessionID != "" {
			sessionID = &req.SessionID
		}

		ip := ipResolver.Resolve(c.Request.Context(), c)

		session, err := gw.GetOrCreateSession(c.Request.Context(), sessionID, ip, newCookieCredentials(c))
		if err != nil {
			handlerLog.Error("session lookup failed", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"success": false,
				"error":   "Failed to create/get session",
				"details": err.Error(),
			})
			return
		}

		handlerLog.Info("session established",
			slog.String("session_id", session.Identifier()),
			slog.Int64("user_id", session.UserID))

		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"session": session,
		})
	}
}

// MessagesHandler loads a conversation's stored history:
// GET /messages?conversationId=<id>.
func MessagesHandler(log *logger.Logger, gw *gateway.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		handlerLog := log.WithContext(c.Request.Context()).WithComponent("messages")

		conversationID, err := strconv.ParseInt(c.Query("conversationId"), 10, 64)
		if err != nil || conversationID <= 0 {
			apierrors.AbortWithBadRequest(c, "conversationId is required", nil)
			return
		}

		messages, err := gw.GetMessages(c.Request.Context(), conversationID, newCookieCredentials(c))
		if err != nil {
			handlerLog.Error("history load failed",
				slog.Int64("conversation_id", conversationID),
				slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"success": false,
				"error":   "Failed to load messages",
				"details": err.Error(),
			})
			return
		}

		if messages == nil {
			messages = []gateway.Message{}
		}
		c.JSON(http.StatusOK, gin.H{
			"success":  true,
			"messages": messages,
		})
	}
}
