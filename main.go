package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/longregen/metaspace/cache"
	"github.com/longregen/metaspace/chat"
	"github.com/longregen/metaspace/config"
	"github.com/longregen/metaspace/fabric"
	"github.com/longregen/metaspace/handlers"
	"github.com/longregen/metaspace/invite"
	"github.com/longregen/metaspace/media"
	"github.com/longregen/metaspace/server"
	"github.com/longregen/metaspace/store"
)

func main() {
	_ = godotenv.Load()

	logLevel := slog.LevelInfo
	if config.GetEnv("LOG_LEVEL", "info") == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		logger.Error("database connection failed", "error", err)
		os.Exit(1)
	}
	st := store.New(pool)
	defer st.Close()

	c, err := cache.NewRedis(ctx, cfg.Cache.RedisURL)
	if err != nil {
		logger.Warn("redis unavailable, using in-process cache", "error", err)
		c = cache.NewMemory()
	}
	defer c.Close()

	router := fabric.NewRouter(logger)
	registry := media.NewRegistry(router, logger)
	pipeline := chat.NewPipeline(st, c, router, cfg.Cache.TTL, logger)
	invites := invite.NewManager(st, router, cfg.Invite.Expiry, logger)
	messages := handlers.NewMessageHandler(st, invites, pipeline, func(spaceID string) (chat.Space, bool) {
		if b, ok := router.LookupSpace(spaceID); ok {
			return b, true
		}
		return nil, false
	}, logger)

	ws := server.NewWSHandler(ctx, cfg.Server, router, st, pipeline, registry, logger)
	srv := server.NewServer(cfg, server.Deps{
		Store:    st,
		Router:   router,
		Chat:     pipeline,
		Media:    registry,
		Messages: messages,
		WS:       ws,
	})

	go func() {
		logger.Info("server starting", "host", cfg.Server.Host, "port", cfg.Server.Port)
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Warn("server shutdown", "error", err)
	}

	router.Shutdown()
	pipeline.Wait()
	logger.Info("shutdown complete")
}
