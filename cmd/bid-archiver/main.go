package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aaronwang/bidding-app/internal/archive/consumer"
	"github.com/aaronwang/bidding-app/internal/archive/database"
	"github.com/aaronwang/bidding-app/internal/config"
	"github.com/aaronwang/bidding-app/internal/logging"
	"github.com/aaronwang/bidding-app/internal/metrics"
)

func main() {
	cfg, err := config.LoadArchiver()
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
	logger.Info("bid_archiver_starting", "nats_url", cfg.NatsURL, "consumer", cfg.ConsumerName)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.NewPostgresClient(ctx, cfg.PostgresURL)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.InitSchema(ctx); err != nil {
		logger.Error("failed to initialize schema", "error", err)
		os.Exit(1)
	}
	logger.Info("postgres_ready")

	natsConn, err := nats.Connect(cfg.NatsURL)
	if err != nil {
		logger.Error("failed to connect to nats", "error", err)
		os.Exit(1)
	}
	defer natsConn.Close()

	m := metrics.New(nil)
	natsConsumer, err := consumer.NewConsumer(natsConn, db, cfg.ConsumerName, m, logger)
	if err != nil {
		logger.Error("failed to create consumer", "error", err)
		os.Exit(1)
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info("metrics_server_starting", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics_server_failed", "error", err)
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := natsConsumer.Start(ctx); err != nil {
			logger.Error("consumer_failed", "error", err)
			cancel()
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	logger.Info("bid_archiver_shutting_down")
	cancel()
	<-done
	logger.Info("bid_archiver_stopped")
}
