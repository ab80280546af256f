package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"CFABridge/internal/pricing"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type GatewayConfig struct {
	BaseURL        string   `yaml:"base_url"`
	FallbackURLs   []string `yaml:"fallback_urls"`
	APIKey         string   `yaml:"api_key"`
	WebhookSecret  string   `yaml:"webhook_secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Currency       string   `yaml:"currency"`
	Network        string   `yaml:"network"`
	FeedEndpoint   string   `yaml:"feed_endpoint"`
}

func (g GatewayConfig) Timeout() time.Duration {
	return time.Duration(g.TimeoutSeconds) * time.Second
}

type Config struct {
	Env string `yaml:"env"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
	Server struct {
		Addr            string   `yaml:"addr"`
		PublicURL       string   `yaml:"public_url"`
		AllowedOrigins  []string `yaml:"allowed_origins"`
		ShutdownSeconds int      `yaml:"shutdown_seconds"`
	} `yaml:"server"`
	DB struct {
		DSN string `yaml:"dsn"`
	} `yaml:"db"`
	Redis struct {
		Addrs      []string `yaml:"addrs"`
		Password   string   `yaml:"password"`
		UseCluster bool     `yaml:"use_cluster"`
		TTLHours   int      `yaml:"ttl_hours"`
	} `yaml:"redis"`
	Kafka struct {
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
	} `yaml:"kafka"`
	Wallet struct {
		XPub string `yaml:"xpub"`
	} `yaml:"wallet"`
	Chain struct {
		AddressFormat string `yaml:"address_format"`
		Bech32Prefix  string `yaml:"bech32_prefix"`
	} `yaml:"chain"`
	Pricing struct {
		// Source is "fixed" (this section) or "db" (rate_schedules, with this
		// section as the fallback until the first version is published).
		Source                string `yaml:"source"`
		RefreshSeconds        int    `yaml:"refresh_seconds"`
		ExchangeRate          string `yaml:"exchange_rate"`
		GatewayFeePercent     string `yaml:"gateway_fee_percent"`
		GatewayFixedFee       string `yaml:"gateway_fixed_fee"`
		CryptoWithdrawalFee   string `yaml:"crypto_withdrawal_fee"`
		PayoutFlatFee         string `yaml:"payout_flat_fee"`
		MobileMoneyFeePercent string `yaml:"mobile_money_fee_percent"`
		MinFiatAmount         string `yaml:"min_fiat_amount"`
		MinCryptoAmount       string `yaml:"min_crypto_amount"`
	} `yaml:"pricing"`
	Orders struct {
		PendingTimeoutMinutes int `yaml:"pending_timeout_minutes"`
		MaxAttempts           int `yaml:"max_attempts"`
	} `yaml:"orders"`
	Gateways struct {
		MobileMoney GatewayConfig `yaml:"mobilemoney"`
		CryptoPay   GatewayConfig `yaml:"cryptopay"`
	} `yaml:"gateways"`
	Admin struct {
		JWTSecret string `yaml:"jwt_secret"`
		JWTIssuer string `yaml:"jwt_issuer"`
	} `yaml:"admin"`
	Worker struct {
		IntervalSeconds int  `yaml:"interval_seconds"`
		BatchSize       int  `yaml:"batch_size"`
		AutoRetry       bool `yaml:"auto_retry"`
		// RetryAfterMinutes is how long a transient failure rests before the
		// worker retries it.
		RetryAfterMinutes int  `yaml:"retry_after_minutes"`
		Feed              bool `yaml:"feed"`
	} `yaml:"worker"`
}

// Load reads .env (if present), the yaml file and then env overrides.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "configs/config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if cfg.Server.Addr == "" {
		return nil, errors.New("server.addr is required")
	}
	if cfg.DB.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	if cfg.Gateways.MobileMoney.BaseURL == "" || cfg.Gateways.CryptoPay.BaseURL == "" {
		return nil, errors.New("gateways config is incomplete")
	}
	if cfg.Admin.JWTSecret == "" {
		return nil, errors.New("admin.jwt_secret is required")
	}
	if _, err := cfg.Schedule(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Schedule is the rate schedule configured in the pricing section.
func (c *Config) Schedule() (pricing.Schedule, error) {
	p := c.Pricing
	var s pricing.Schedule
	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"exchange_rate", p.ExchangeRate, &s.ExchangeRate},
		{"gateway_fee_percent", p.GatewayFeePercent, &s.GatewayFeePercent},
		{"gateway_fixed_fee", p.GatewayFixedFee, &s.GatewayFixedFee},
		{"crypto_withdrawal_fee", p.CryptoWithdrawalFee, &s.CryptoWithdrawalFee},
		{"payout_flat_fee", p.PayoutFlatFee, &s.PayoutFlatFee},
		{"mobile_money_fee_percent", p.MobileMoneyFeePercent, &s.MobileMoneyFeePercent},
		{"min_fiat_amount", p.MinFiatAmount, &s.MinFiatAmount},
		{"min_crypto_amount", p.MinCryptoAmount, &s.MinCryptoAmount},
	}
	for _, f := range fields {
		if strings.TrimSpace(f.raw) == "" {
			continue
		}
		v, err := decimal.NewFromString(strings.TrimSpace(f.raw))
		if err != nil {
			return pricing.Schedule{}, fmt.Errorf("pricing.%s: %w", f.name, err)
		}
		*f.dst = v
	}
	s.Source = "config"
	if err := s.Validate(); err != nil {
		return pricing.Schedule{}, err
	}
	return s, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Env == "" {
		cfg.Env = "development"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Server.ShutdownSeconds <= 0 {
		cfg.Server.ShutdownSeconds = 5
	}
	if cfg.Pricing.Source == "" {
		cfg.Pricing.Source = "fixed"
	}
	if cfg.Pricing.RefreshSeconds <= 0 {
		cfg.Pricing.RefreshSeconds = 60
	}
	if cfg.Orders.PendingTimeoutMinutes <= 0 {
		cfg.Orders.PendingTimeoutMinutes = 30
	}
	if cfg.Orders.MaxAttempts <= 0 {
		cfg.Orders.MaxAttempts = 3
	}
	if cfg.Chain.AddressFormat == "" {
		cfg.Chain.AddressFormat = "tron"
	}
	if cfg.Worker.IntervalSeconds <= 0 {
		cfg.Worker.IntervalSeconds = 20
	}
	if cfg.Worker.BatchSize <= 0 {
		cfg.Worker.BatchSize = 100
	}
	if cfg.Worker.RetryAfterMinutes <= 0 {
		cfg.Worker.RetryAfterMinutes = 5
	}
	if cfg.Redis.TTLHours <= 0 {
		cfg.Redis.TTLHours = 24 * 7
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.Env = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("PUBLIC_URL"); v != "" {
		cfg.Server.PublicURL = v
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		cfg.Server.AllowedOrigins = splitCommaList(v)
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.DB.DSN = v
	}
	if v := os.Getenv("REDIS_ADDRS"); v != "" {
		cfg.Redis.Addrs = splitCommaList(v)
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = splitCommaList(v)
	}
	if v := os.Getenv("KAFKA_TOPIC"); v != "" {
		cfg.Kafka.Topic = v
	}
	if v := os.Getenv("WALLET_XPUB"); v != "" {
		cfg.Wallet.XPub = v
	}
	if v := os.Getenv("ADDRESS_FORMAT"); v != "" {
		cfg.Chain.AddressFormat = v
	}
	if v := os.Getenv("BECH32_PREFIX"); v != "" {
		cfg.Chain.Bech32Prefix = v
	}
	if v := os.Getenv("PRICING_SOURCE"); v != "" {
		cfg.Pricing.Source = v
	}
	if v := os.Getenv("EXCHANGE_RATE"); v != "" {
		cfg.Pricing.ExchangeRate = v
	}
	if v := os.Getenv("PENDING_TIMEOUT_MINUTES"); v != "" {
		cfg.Orders.PendingTimeoutMinutes = atoiOr(cfg.Orders.PendingTimeoutMinutes, v)
	}
	if v := os.Getenv("MAX_ATTEMPTS"); v != "" {
		cfg.Orders.MaxAttempts = atoiOr(cfg.Orders.MaxAttempts, v)
	}
	if v := os.Getenv("MOBILEMONEY_BASE_URL"); v != "" {
		cfg.Gateways.MobileMoney.BaseURL = v
	}
	if v := os.Getenv("MOBILEMONEY_API_KEY"); v != "" {
		cfg.Gateways.MobileMoney.APIKey = v
	}
	if v := os.Getenv("MOBILEMONEY_WEBHOOK_SECRET"); v != "" {
		cfg.Gateways.MobileMoney.WebhookSecret = v
	}
	if v := os.Getenv("CRYPTOPAY_BASE_URL"); v != "" {
		cfg.Gateways.CryptoPay.BaseURL = v
	}
	if v := os.Getenv("CRYPTOPAY_API_KEY"); v != "" {
		cfg.Gateways.CryptoPay.APIKey = v
	}
	if v := os.Getenv("CRYPTOPAY_WEBHOOK_SECRET"); v != "" {
		cfg.Gateways.CryptoPay.WebhookSecret = v
	}
	if v := os.Getenv("ADMIN_JWT_SECRET"); v != "" {
		cfg.Admin.JWTSecret = v
	}
	if v := os.Getenv("WORKER_INTERVAL_SECONDS"); v != "" {
		cfg.Worker.IntervalSeconds = atoiOr(cfg.Worker.IntervalSeconds, v)
	}
	if v := os.Getenv("WORKER_AUTO_RETRY"); v != "" {
		cfg.Worker.AutoRetry = boolOr(cfg.Worker.AutoRetry, v)
	}
	if v := os.Getenv("WORKER_FEED"); v != "" {
		cfg.Worker.Feed = boolOr(cfg.Worker.Feed, v)
	}
}

func splitCommaList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func atoiOr(fallback int, v string) int {
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func boolOr(fallback bool, v string) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
