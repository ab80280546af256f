// Package app wires the services shared by the api and worker binaries.
package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"CFABridge/internal/chain"
	"CFABridge/internal/config"
	"CFABridge/internal/db"
	"CFABridge/internal/events"
	"CFABridge/internal/gateway"
	"CFABridge/internal/gateway/cryptopay"
	"CFABridge/internal/gateway/mobilemoney"
	"CFABridge/internal/idempotency"
	"CFABridge/internal/pricing"
	"CFABridge/internal/services"
	"CFABridge/internal/store"

	"go.uber.org/zap"
)

type App struct {
	Config       *config.Config
	Logger       *zap.Logger
	Pool         *db.Pool
	Store        *store.Store
	Gateways     *gateway.Registry
	Transactions *services.TransactionService
	Callbacks    *services.CallbackService
	Admin        *services.AdminService

	closers []func() error
}

func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	pool, err := db.Connect(ctx, cfg.DB.DSN)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Logger: logger, Pool: pool, Store: store.New(pool)}
	a.closers = append(a.closers, func() error { pool.Close(); return nil })

	provider, err := a.pricing()
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Gateways = gateway.NewRegistry(
		mobilemoney.New(mobilemoney.Config{
			BaseURL:       cfg.Gateways.MobileMoney.BaseURL,
			FallbackURLs:  cfg.Gateways.MobileMoney.FallbackURLs,
			APIKey:        cfg.Gateways.MobileMoney.APIKey,
			WebhookSecret: cfg.Gateways.MobileMoney.WebhookSecret,
			Timeout:       cfg.Gateways.MobileMoney.Timeout(),
			Currency:      cfg.Gateways.MobileMoney.Currency,
		}),
		cryptopay.New(cryptopay.Config{
			BaseURL:       cfg.Gateways.CryptoPay.BaseURL,
			FallbackURLs:  cfg.Gateways.CryptoPay.FallbackURLs,
			APIKey:        cfg.Gateways.CryptoPay.APIKey,
			WebhookSecret: cfg.Gateways.CryptoPay.WebhookSecret,
			Timeout:       cfg.Gateways.CryptoPay.Timeout(),
			Network:       cfg.Gateways.CryptoPay.Network,
			Currency:      cfg.Gateways.CryptoPay.Currency,
		}),
	)

	rec := services.Recorder{Store: a.Store, Events: a.publisher(), Logger: logger}
	addresses := chain.AddressDeriver{XPub: cfg.Wallet.XPub, Format: cfg.Chain.AddressFormat, Prefix: cfg.Chain.Bech32Prefix}
	if cfg.Wallet.XPub == "" {
		logger.Warn("wallet xpub not configured, crypto_to_fiat deposits disabled")
	}

	callbackBase := ""
	if cfg.Server.PublicURL != "" {
		callbackBase = strings.TrimRight(cfg.Server.PublicURL, "/") + "/callbacks"
	}
	a.Transactions = &services.TransactionService{
		Recorder:        rec,
		Pricing:         provider,
		Gateways:        a.Gateways,
		Addresses:       addresses,
		MaxAttempts:     cfg.Orders.MaxAttempts,
		CallbackBaseURL: callbackBase,
	}
	a.Callbacks = &services.CallbackService{
		Recorder: rec,
		Gateways: a.Gateways,
		Guard:    a.guard(),
		Backoff:  100 * time.Millisecond,
	}
	a.Admin = &services.AdminService{Recorder: rec, Schedules: a.Store, Pricing: provider}
	return a, nil
}

func (a *App) pricing() (pricing.Provider, error) {
	sch, err := a.Config.Schedule()
	if err != nil {
		return nil, err
	}
	static := pricing.Static{Schedule: sch}
	switch a.Config.Pricing.Source {
	case "fixed":
		return static, nil
	case "db":
		return &pricing.Cached{
			Source:   a.Store,
			Fallback: static,
			TTL:      time.Duration(a.Config.Pricing.RefreshSeconds) * time.Second,
			Logger:   a.Logger,
		}, nil
	}
	return nil, errors.New("pricing.source must be fixed or db")
}

// guard prefers Redis and falls back to the callback_receipts table.
func (a *App) guard() idempotency.Guard {
	if len(a.Config.Redis.Addrs) == 0 {
		return idempotency.NewPGGuard(a.Pool)
	}
	client := idempotency.NewRedisClient(a.Config.Redis.Addrs, a.Config.Redis.Password, a.Config.Redis.UseCluster)
	a.closers = append(a.closers, client.Close)
	a.Logger.Info("callback guard on redis", zap.Strings("addrs", a.Config.Redis.Addrs))
	return idempotency.NewRedisGuard(client, time.Duration(a.Config.Redis.TTLHours)*time.Hour)
}

func (a *App) publisher() events.Publisher {
	logPub := events.LogPublisher{Logger: a.Logger}
	if len(a.Config.Kafka.Brokers) == 0 {
		return logPub
	}
	writer := events.NewKafkaWriter(a.Config.Kafka.Brokers, a.Config.Kafka.Topic, a.Logger)
	kp := events.NewKafkaPublisher(writer)
	a.closers = append(a.closers, kp.Close)
	a.Logger.Info("status events on kafka",
		zap.Strings("brokers", a.Config.Kafka.Brokers),
		zap.String("topic", writer.Topic),
	)
	return events.Multi{kp, logPub}
}

// Close releases connections in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Logger.Warn("close failed", zap.Error(err))
		}
	}
	a.closers = nil
}
