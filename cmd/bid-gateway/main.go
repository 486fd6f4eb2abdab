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

	"github.com/nats-io/nats.go"

	"github.com/aaronwang/bidding-app/internal/archive"
	"github.com/aaronwang/bidding-app/internal/auth"
	"github.com/aaronwang/bidding-app/internal/config"
	"github.com/aaronwang/bidding-app/internal/gateway/handlers"
	redisStore "github.com/aaronwang/bidding-app/internal/gateway/redis"
	"github.com/aaronwang/bidding-app/internal/gateway/service"
	"github.com/aaronwang/bidding-app/internal/logging"
	"github.com/aaronwang/bidding-app/internal/metrics"
)

func main() {
	cfg, err := config.LoadGateway()
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
	logger.Info("bid_gateway_starting", "addr", cfg.ServerAddr, "redis_addr", cfg.Redis.Addr, "nats_url", cfg.NatsURL)

	redis, err := redisStore.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.HistoryLimit)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redis.Close()
	logger.Info("redis_connected")

	natsConn, err := nats.Connect(cfg.NatsURL)
	if err != nil {
		logger.Error("failed to connect to nats", "error", err)
		os.Exit(1)
	}
	defer natsConn.Close()

	setupCtx, cancelSetup := context.WithTimeout(context.Background(), 10*time.Second)
	publisher, err := archive.NewPublisher(setupCtx, natsConn, logger)
	cancelSetup()
	if err != nil {
		logger.Error("failed to set up archive stream", "error", err)
		os.Exit(1)
	}

	m := metrics.New(nil)
	biddingService := service.NewBiddingService(redis, publisher, m, logger)

	handler := handlers.NewHandler(biddingService, auth.NewVerifier(cfg.JWTSecret), logger)
	server := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      handler.SetupRoutes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
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
	<-quit

	logger.Info("bid_gateway_shutting_down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("http_server_forced_shutdown", "error", err)
	}
	biddingService.Wait()
	logger.Info("bid_gateway_stopped")
}
