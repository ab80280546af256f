package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"CFABridge/internal/app"
	"CFABridge/internal/config"
	internalhttp "CFABridge/internal/http"
	"CFABridge/internal/logging"
	"CFABridge/internal/metrics"

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

	ctx := context.Background()
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("wiring failed", zap.Error(err))
	}
	defer a.Close()

	h := internalhttp.NewHandler(a.Transactions, a.Callbacks, a.Admin, logger)
	srv := internalhttp.NewServer(h, internalhttp.Options{
		Logger:         logger,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Auth:           internalhttp.AdminAuth{Secret: []byte(cfg.Admin.JWTSecret), Issuer: cfg.Admin.JWTIssuer},
		Metrics:        metrics.Handler(),
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("api listening",
			zap.String("addr", cfg.Server.Addr),
			zap.String("env", cfg.Env),
			zap.String("pricing_source", cfg.Pricing.Source),
		)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctxShutdown, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownSeconds)*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctxShutdown); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}
}
