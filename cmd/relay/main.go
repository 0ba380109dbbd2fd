package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go-signaling/internal/auth"
	"go-signaling/internal/config"
	"go-signaling/internal/logger"
	"go-signaling/internal/redis"
	"go-signaling/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.Logging.Service == "" {
		cfg.Logging.Service = "relay"
	}
	logger.Init(cfg.Logging)

	if cfg.Relay.JWTSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize Redis
	redisClient, err := redis.NewClient(cfg.Relay.RedisURL)
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	defer redisClient.Close()

	// Create hub
	hub, err := ws.NewHub(redisClient, cfg.Relay.ReceiptIndexSize)
	if err != nil {
		log.Fatalf("hub: %v", err)
	}
	go hub.Run(ctx)

	// Subscribe to Redis
	go redis.SubscribeToEvents(ctx, redisClient, hub, nil)

	srv := &http.Server{
		Addr:        ":" + cfg.Relay.Port,
		Handler:     ws.NewRouter(hub, auth.NewValidator(cfg.Relay.JWTSecret, "")),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("WebSocket relay starting", "addr", srv.Addr, "env", cfg.Logging.Env, "version", cfg.Logging.Version)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal")
	case err := <-errCh:
		slog.Error("server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	stop()
	slog.Info("stopped")
}
