package pricing

import (
	"errors"
	"fmt"

	"CFABridge/internal/models"

	"github.com/shopspring/decimal"
)

const (
	// CryptoScale is the number of fractional digits kept on USDT amounts.
	CryptoScale int32 = 8
	// FiatScale is the number of fractional digits kept on FCFA amounts.
	FiatScale int32 = 2
)

var (
	ErrBelowMinimum   = errors.New("amount below minimum")
	ErrAmountTooSmall = errors.New("amount does not cover fees")
	ErrInvalidAmount  = errors.New("amount must be positive")
)

var hundred = decimal.NewFromInt(100)

// Quote is a point-in-time computation for a prospective transaction. It is
// never persisted as such; the transaction copies what it needs.
//
// WithdrawalOrPayoutFee is always expressed in the counter currency, so
// NetCounterAmount = GrossCounterAmount - WithdrawalOrPayoutFee holds exactly
// in both directions. For crypto_to_fiat the flat payout fee is charged in
// USDT (PayoutFeeCrypto) and converted at the quote's rate.
type Quote struct {
	Direction             models.Direction `json:"direction"`
	SourceAmount          decimal.Decimal  `json:"source_amount"`
	GrossCounterAmount    decimal.Decimal  `json:"gross_counter_amount"`
	GatewayFee            decimal.Decimal  `json:"gateway_fee"`
	WithdrawalOrPayoutFee decimal.Decimal  `json:"withdrawal_or_payout_fee"`
	NetCounterAmount      decimal.Decimal  `json:"net_counter_amount"`
	TotalPayableBySource  decimal.Decimal  `json:"total_payable_by_source"`
	PayoutFeeCrypto       decimal.Decimal  `json:"payout_fee_crypto"`
	MobileMoneyFee        decimal.Decimal  `json:"mobile_money_fee"`
	ExchangeRate          decimal.Decimal  `json:"exchange_rate"`
	ScheduleVersion       int64            `json:"schedule_version"`
}

func ComputeQuote(direction models.Direction, sourceAmount decimal.Decimal, s Schedule) (Quote, error) {
	if err := s.Validate(); err != nil {
		return Quote{}, err
	}
	if !sourceAmount.IsPositive() {
		return Quote{}, ErrInvalidAmount
	}

	q := Quote{
		Direction:       direction,
		SourceAmount:    sourceAmount,
		ExchangeRate:    s.ExchangeRate,
		ScheduleVersion: s.Version,
		GatewayFee:      decimal.Zero,
		PayoutFeeCrypto: decimal.Zero,
	}

	switch direction {
	case models.FiatToCrypto:
		if sourceAmount.LessThan(s.MinFiatAmount) {
			return Quote{}, fmt.Errorf("%w: %s FCFA < %s", ErrBelowMinimum, sourceAmount, s.MinFiatAmount)
		}
		q.GrossCounterAmount = sourceAmount.DivRound(s.ExchangeRate, CryptoScale)
		q.GatewayFee = sourceAmount.Mul(s.GatewayFeePercent).Div(hundred).Add(s.GatewayFixedFee).Round(FiatScale)
		q.WithdrawalOrPayoutFee = s.CryptoWithdrawalFee.Round(CryptoScale)
		q.TotalPayableBySource = sourceAmount.Add(q.GatewayFee)
		q.MobileMoneyFee = percentOf(sourceAmount, s.MobileMoneyFeePercent)
	case models.CryptoToFiat:
		if sourceAmount.LessThan(s.MinCryptoAmount) {
			return Quote{}, fmt.Errorf("%w: %s USDT < %s", ErrBelowMinimum, sourceAmount, s.MinCryptoAmount)
		}
		q.GrossCounterAmount = sourceAmount.Mul(s.ExchangeRate).Round(FiatScale)
		q.PayoutFeeCrypto = s.PayoutFlatFee.Round(CryptoScale)
		q.WithdrawalOrPayoutFee = q.PayoutFeeCrypto.Mul(s.ExchangeRate).Round(FiatScale)
		q.TotalPayableBySource = sourceAmount
		q.MobileMoneyFee = percentOf(q.GrossCounterAmount, s.MobileMoneyFeePercent)
	default:
		return Quote{}, fmt.Errorf("unknown direction %q", direction)
	}

	q.NetCounterAmount = q.GrossCounterAmount.Sub(q.WithdrawalOrPayoutFee)
	if !q.NetCounterAmount.IsPositive() {
		return Quote{}, ErrAmountTooSmall
	}
	return q, nil
}

func percentOf(v, pct decimal.Decimal) decimal.Decimal {
	return v.Mul(pct).Div(hundred).Round(FiatScale)
}
