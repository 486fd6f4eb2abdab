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

	"github.com/aaronwang/bidding-app/internal/config"
	"github.com/aaronwang/bidding-app/internal/logging"
	"github.com/aaronwang/bidding-app/internal/metrics"
	relayRedis "github.com/aaronwang/bidding-app/internal/relay/redis"
	wsHandler "github.com/aaronwang/bidding-app/internal/relay/websocket"
)

func main() {
	cfg, err := config.LoadRelay()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, os.Stdout)
	slog.SetDefault(logger)
	logger.Info("bid_relay_starting", "addr", cfg.ServerAddr, "redis_addr", cfg.Redis.Addr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	subscriber, err := relayRedis.NewSubscriber(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer subscriber.Close()

	if err := subscriber.SubscribeToPattern(ctx, relayRedis.Pattern); err != nil {
		logger.Error("failed to subscribe to bid events", "error", err)
		os.Exit(1)
	}
	logger.Info("redis_subscribed", "pattern", relayRedis.Pattern)

	manager := wsHandler.NewManager(logger, metrics.New(nil))
	go manager.Run(ctx)

	messages := make(chan relayRedis.Message, 256)
	go func() {
		if err := subscriber.Listen(ctx, messages); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("redis_listener_failed", "error", err)
			cancel()
		}
	}()

	// Redis Pub/Sub -> websocket rooms
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-messages:
				manager.Broadcast(msg.ItemID, msg.Payload)
			}
		}
	}()

	handler := wsHandler.NewHandler(manager, cfg.AllowedOrigins, logger)
	server := &http.Server{
		Addr:        cfg.ServerAddr,
		Handler:     handler.SetupRoutes(),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info("http_server_listening", "addr", cfg.ServerAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http_server_failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	logger.Info("bid_relay_shutting_down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http_server_forced_shutdown", "error", err)
	}
	cancel()
	logger.Info("bid_relay_stopped")
}
