package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"CFABridge/internal/app"
	"CFABridge/internal/config"
	"CFABridge/internal/gateway/cryptopay"
	"CFABridge/internal/logging"
	"CFABridge/internal/worker"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	logger, err := logging.New(cfg.Env, cfg.Log.Level)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("wiring failed", zap.Error(err))
	}
	defer a.Close()

	w := &worker.Worker{
		Recorder:       a.Transactions.Recorder,
		Retrier:        a.Transactions,
		Interval:       time.Duration(cfg.Worker.IntervalSeconds) * time.Second,
		PendingTimeout: time.Duration(cfg.Orders.PendingTimeoutMinutes) * time.Minute,
		BatchSize:      cfg.Worker.BatchSize,
		AutoRetry:      cfg.Worker.AutoRetry,
		RetryAfter:     time.Duration(cfg.Worker.RetryAfterMinutes) * time.Minute,
		MaxAttempts:    cfg.Orders.MaxAttempts,
	}
	if cfg.Worker.Feed {
		endpoint := cfg.Gateways.CryptoPay.FeedEndpoint
		if endpoint == "" {
			endpoint = cryptopay.DefaultFeedEndpoint(cfg.Gateways.CryptoPay.BaseURL)
		}
		if endpoint != "" {
			logger.Info("payout feed enabled", zap.String("endpoint", endpoint))
			w.Feed = cryptopay.NewFeed(endpoint, cfg.Gateways.CryptoPay.APIKey)
			w.Callbacks = a.Callbacks
		}
	}

	logger.Info("worker started",
		zap.Duration("interval", w.Interval),
		zap.Duration("pending_timeout", w.PendingTimeout),
		zap.Bool("auto_retry", w.AutoRetry),
	)
	w.Run(ctx)
}
