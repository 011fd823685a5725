package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/autosnap/drift-relay/internal/config"
	"github.com/autosnap/drift-relay/internal/gateway"
	"github.com/autosnap/drift-relay/internal/logger"
	"github.com/autosnap/drift-relay/internal/mockchat"
	"github.com/autosnap/drift-relay/internal/relay"
	"github.com/gin-gonic/gin"
)

func main() {
	cfg := config.Load()

	log := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))

	log.Info("setting gin mode", slog.String("mode", cfg.GinMode))
	gin.SetMode(cfg.GinMode)

	gw := gateway.New(cfg, log)

	var backend relay.TurnBackend
	var mockStore *mockchat.Store
	if cfg.UseMockChat {
		store, err := mockchat.OpenStore(cfg.MockChatDBPath, log)
		if err != nil {
			log.Error("failed to open mock chat store", slog.String("error", err.Error()))
			os.Exit(1)
		}
		mockStore = store
		backend = relay.NewMockBackend(mockchat.NewService(store, log))
		log.Info("mock chat backend enabled", slog.String("db_path", cfg.MockChatDBPath))
	} else {
		backend = relay.NewUpstreamBackend(gw)
		log.Info("upstream chat backend enabled",
			slog.String("session_service", cfg.XanoBaseURL),
			slog.String("stream_service", cfg.LangGraphURL))
	}

	router := relay.NewRouter(cfg, log, gw, backend)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Info("relay listening", slog.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("failed to start server", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.ServerShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("server forced to shutdown", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if mockStore != nil {
		if err := mockStore.Close(); err != nil {
			log.Warn("failed to close mock chat store", slog.String("error", err.Error()))
		}
	}

	log.Info("server exited")
}
