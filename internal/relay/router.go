package relay

import (
	"strings"

	"github.com/autosnap/drift-relay/internal/config"
	"github.com/autosnap/drift-relay/internal/gateway"
	"github.com/autosnap/drift-relay/internal/logger"
	"github.com/gin-gonic/gin"
)

// NewRouter assembles the relay's HTTP surface.
func NewRouter(cfg *config.Config, log *logger.Logger, gw *gateway.Client, backend TurnBackend) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())
	router.Use(corsMiddleware(cfg.CORSAllowedOrigins))

	ipResolver := NewIPResolver(cfg.IPLookupURL, log)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	router.POST("/chat", ChatHandler(log, backend, ipResolver))
	router.POST("/session", SessionHandler(log, gw, ipResolver))
	router.GET("/messages", MessagesHandler(log, gw))

	auth := router.Group("/auth")
	{
		auth.POST("/login", LoginHandler(log, gw, cfg))
		auth.GET("/me", MeHandler(log, gw))
	}

	return router
}

// requestIDMiddleware tags each request context with an id for log
// correlation.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = logger.GenerateRequestID()
		}
		c.Request = c.Request.WithContext(logger.WithRequestID(c.Request.Context(), requestID))
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

// corsMiddleware allows the configured origins, comma separated, or any
// origin when configured with "*".
func corsMiddleware(allowedOrigins string) gin.HandlerFunc {
	allowed := map[string]bool{}
	allowAll := false
	for _, origin := range strings.Split(allowedOrigins, ",") {
		origin = strings.TrimSpace(origin)
		if origin == "*" {
			allowAll = true
		} else if origin != "" {
			allowed[origin] = true
		}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if allowAll {
			c.Header("Access-Control-Allow-Origin", "*")
		} else if allowed[origin] {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, X-Request-ID")
		c.Header("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
