package pricing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var ErrInvalidSchedule = errors.New("invalid rate schedule")

// Schedule is the rate and fee configuration in force at quote time. The
// exchange rate is FCFA per 1 USDT.
type Schedule struct {
	ExchangeRate          decimal.Decimal `json:"exchange_rate"`
	GatewayFeePercent     decimal.Decimal `json:"gateway_fee_percent"`
	GatewayFixedFee       decimal.Decimal `json:"gateway_fixed_fee"`
	CryptoWithdrawalFee   decimal.Decimal `json:"crypto_withdrawal_fee"`
	PayoutFlatFee         decimal.Decimal `json:"payout_flat_fee"`
	MobileMoneyFeePercent decimal.Decimal `json:"mobile_money_fee_percent"`
	MinFiatAmount         decimal.Decimal `json:"min_fiat_amount"`
	MinCryptoAmount       decimal.Decimal `json:"min_crypto_amount"`
	Version               int64           `json:"version"`
	Source                string          `json:"source"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

func (s Schedule) Validate() error {
	if !s.ExchangeRate.IsPositive() {
		return fmt.Errorf("%w: exchange rate must be positive", ErrInvalidSchedule)
	}
	fields := map[string]decimal.Decimal{
		"gateway_fee_percent":      s.GatewayFeePercent,
		"gateway_fixed_fee":        s.GatewayFixedFee,
		"crypto_withdrawal_fee":    s.CryptoWithdrawalFee,
		"payout_flat_fee":          s.PayoutFlatFee,
		"mobile_money_fee_percent": s.MobileMoneyFeePercent,
		"min_fiat_amount":          s.MinFiatAmount,
		"min_crypto_amount":        s.MinCryptoAmount,
	}
	for name, v := range fields {
		if v.IsNegative() {
			return fmt.Errorf("%w: %s must not be negative", ErrInvalidSchedule, name)
		}
	}
	return nil
}

type Provider interface {
	CurrentSchedule(ctx context.Context) (Schedule, error)
}

// Source is where published schedules live (the rate_schedules table).
type Source interface {
	LatestSchedule(ctx context.Context) (Schedule, error)
}

// Static serves the schedule from config.
type Static struct {
	Schedule Schedule
}

func (s Static) CurrentSchedule(ctx context.Context) (Schedule, error) {
	snap := s.Schedule
	if snap.Source == "" {
		snap.Source = "fixed"
	}
	return snap, snap.Validate()
}

// Cached refreshes from Source at most once per TTL. When a refresh fails the
// last good schedule keeps being served; Fallback is used only before the
// first successful load. After a failure Source is not asked again for
// RetryBackoff (5s by default).
type Cached struct {
	Source       Source
	Fallback     Provider
	TTL          time.Duration
	RetryBackoff time.Duration
	Logger       *zap.Logger
	Now          func() time.Time

	mu       sync.Mutex
	current  *Schedule
	loadedAt time.Time
	retryAt  time.Time
}

func (c *Cached) CurrentSchedule(ctx context.Context) (Schedule, error) {
	now := c.now()

	c.mu.Lock()
	if c.current != nil && (now.Sub(c.loadedAt) < c.TTL || now.Before(c.retryAt)) {
		snap := *c.current
		c.mu.Unlock()
		return snap, nil
	}
	if c.current == nil && c.Fallback != nil && now.Before(c.retryAt) {
		c.mu.Unlock()
		return c.Fallback.CurrentSchedule(ctx)
	}
	c.mu.Unlock()

	fresh, err := c.Source.LatestSchedule(ctx)
	if err == nil {
		err = fresh.Validate()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.logger().Warn("rate schedule refresh failed", zap.Error(err))
		c.retryAt = now.Add(c.backoff())
		if c.current != nil {
			return *c.current, nil
		}
		if c.Fallback != nil {
			return c.Fallback.CurrentSchedule(ctx)
		}
		return Schedule{}, err
	}
	if c.current == nil || c.current.Version != fresh.Version {
		c.logger().Info("rate schedule loaded",
			zap.Int64("version", fresh.Version),
			zap.String("exchange_rate", fresh.ExchangeRate.String()))
	}
	c.current = &fresh
	c.loadedAt = now
	c.retryAt = time.Time{}
	return fresh, nil
}

// Invalidate forces the next call to reload.
func (c *Cached) Invalidate() {
	c.mu.Lock()
	c.loadedAt = time.Time{}
	c.retryAt = time.Time{}
	c.mu.Unlock()
}

func (c *Cached) backoff() time.Duration {
	if c.RetryBackoff > 0 {
		return c.RetryBackoff
	}
	return 5 * time.Second
}

func (c *Cached) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Cached) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}
