package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"CFABridge/internal/gateway"
	"CFABridge/internal/lifecycle"
	"CFABridge/internal/metrics"
	"CFABridge/internal/models"
	"CFABridge/internal/pricing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type TransactionService struct {
	Recorder
	Pricing     pricing.Provider
	Gateways    *gateway.Registry
	Addresses   AddressBook
	MaxAttempts int
	// CallbackBaseURL is the public URL of the callback route; the gateway
	// name is appended.
	CallbackBaseURL string
}

type CreateRequest struct {
	UserID      string
	Direction   models.Direction
	Amount      decimal.Decimal
	Source      models.Wallet
	Destination models.Wallet
}

// Quote prices a prospective transaction with the current schedule. It has
// no side effects.
func (s TransactionService) Quote(ctx context.Context, direction models.Direction, amount decimal.Decimal) (pricing.Quote, error) {
	if !direction.Valid() {
		return pricing.Quote{}, ErrInvalidDirection
	}
	sch, err := s.Pricing.CurrentSchedule(ctx)
	if err != nil {
		return pricing.Quote{}, fmt.Errorf("load rate schedule: %w", err)
	}
	q, err := pricing.ComputeQuote(direction, amount, sch)
	if err != nil {
		return pricing.Quote{}, err
	}
	metrics.Quotes.WithLabelValues(string(direction)).Inc()
	return q, nil
}

// CreateTransaction re-quotes server side, persists the transaction as
// pending and starts the gateway operation. A gateway failure does not fail
// the call: the transaction is returned in status failed with the reason set.
func (s TransactionService) CreateTransaction(ctx context.Context, req CreateRequest) (*models.Transaction, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return nil, ErrMissingUserID
	}
	if !req.Direction.Valid() {
		return nil, ErrInvalidDirection
	}
	src, dst, err := normalizeWallets(req.Direction, req.Source, req.Destination, s.Addresses)
	if err != nil {
		return nil, err
	}
	q, err := s.Quote(ctx, req.Direction, req.Amount)
	if err != nil {
		return nil, err
	}
	gw, err := s.Gateways.ForDirection(req.Direction)
	if err != nil {
		return nil, err
	}

	now := s.now()
	t := &models.Transaction{
		ID:                     uuid.NewString(),
		UserID:                 req.UserID,
		Direction:              req.Direction,
		ExchangeRateAtCreation: q.ExchangeRate,
		Status:                 models.StatusPending,
		SourceWallet:           src,
		DestinationWallet:      dst,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	net := q.NetCounterAmount
	switch req.Direction {
	case models.FiatToCrypto:
		t.AmountFiat = q.SourceAmount
		t.AmountCrypto = q.GrossCounterAmount
		t.FeesFiat = q.GatewayFee
		t.FeesCrypto = q.WithdrawalOrPayoutFee
		t.FinalAmountCrypto = &net
	case models.CryptoToFiat:
		t.AmountCrypto = q.SourceAmount
		t.AmountFiat = q.GrossCounterAmount
		t.FeesCrypto = q.PayoutFeeCrypto
		t.FeesFiat = q.WithdrawalOrPayoutFee
		t.FinalAmountFiat = &net

		addr, err := s.depositAddress(ctx)
		if err != nil {
			return nil, err
		}
		t.DepositAddress = &addr
	}

	if err := s.Store.Create(ctx, t); err != nil {
		return nil, err
	}
	log := s.logger().With(zap.String("transaction_id", t.ID), zap.String("gateway", gw.Name()))
	log.Info("transaction created",
		zap.String("direction", string(t.Direction)),
		zap.String("amount", q.SourceAmount.String()),
		zap.Int64("schedule_version", q.ScheduleVersion),
	)

	ref, callErr := s.initiate(ctx, gw, t, 1)
	if callErr != nil {
		reason := ClassifyGatewayError(callErr)
		log.Warn("gateway initiation failed", zap.String("reason", string(reason)), zap.Error(callErr))
		return s.Transition(ctx, t, lifecycle.Transition{
			To:     models.StatusFailed,
			Actor:  lifecycle.ActorSystem,
			Reason: reason,
			Notes:  fmt.Sprintf("%s initiation failed: %v", gw.Name(), callErr),
		}, func(m *models.Mutation) {
			m.Attempts = intPtr(1)
		})
	}
	return s.Transition(ctx, t, lifecycle.Transition{
		To:    models.StatusProcessing,
		Actor: lifecycle.ActorSystem,
	}, func(m *models.Mutation) {
		m.GatewayReferenceID = strPtr(ref)
		m.Attempts = intPtr(1)
	})
}

func (s TransactionService) depositAddress(ctx context.Context) (string, error) {
	if s.Addresses == nil {
		return "", errors.New("deposit address derivation is not configured")
	}
	idx, err := s.Store.NextDerivationIndex(ctx)
	if err != nil {
		return "", err
	}
	return s.Addresses.Derive(uint32(idx))
}

func (s TransactionService) Get(ctx context.Context, id string) (*models.Transaction, error) {
	return s.Store.Get(ctx, id)
}

func (s TransactionService) List(ctx context.Context, f models.Filter) ([]*models.Transaction, error) {
	return s.Store.List(ctx, f)
}

// Retry runs the remediation path for a failed or rejected transaction. The
// path is chosen from the failure reason:
//
//   - insufficient_liquidity: escalate to admin validation; crypto_to_fiat
//     also re-submits the payout so it is ready once float is restored.
//   - gateway_rejected: escalate to admin validation without a gateway call.
//   - anything else: new gateway call, back to processing under the new
//     reference.
//
// The gateway call resolves before the status update. Concurrent retries of
// the same attempt send the same idempotency token, and only one status
// update wins; the others get ErrStaleState.
func (s TransactionService) Retry(ctx context.Context, id, requestedBy string) (*models.Transaction, error) {
	t, err := s.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !lifecycle.IsRetryable(t.Status) {
		return nil, fmt.Errorf("%w: status %s", ErrNotRetryable, t.Status)
	}
	if lifecycle.IsTerminal(t, s.MaxAttempts) {
		return nil, fmt.Errorf("%w: %d of %d attempts used", ErrNotRetryable, t.Attempts, s.MaxAttempts)
	}
	gw, err := s.Gateways.ForDirection(t.Direction)
	if err != nil {
		return nil, err
	}
	attempt := t.Attempts + 1
	log := s.logger().With(
		zap.String("transaction_id", t.ID),
		zap.String("gateway", gw.Name()),
		zap.String("reason", string(t.FailureReason)),
		zap.Int("attempt", attempt),
	)
	if requestedBy == "" {
		requestedBy = string(lifecycle.ActorRetry)
	}

	switch t.FailureReason {
	case models.ReasonGatewayRejected:
		log.Info("retry escalated to admin validation")
		return s.Transition(ctx, t, lifecycle.Transition{
			To:     models.StatusPendingAdminValidation,
			Actor:  lifecycle.ActorRetry,
			Reason: t.FailureReason,
			Notes:  fmt.Sprintf("retry requested by %s: gateway rejection escalated for review", requestedBy),
		}, nil)

	case models.ReasonInsufficientLiquidity:
		if t.Direction != models.CryptoToFiat {
			log.Info("retry escalated to admin validation")
			return s.Transition(ctx, t, lifecycle.Transition{
				To:     models.StatusPendingAdminValidation,
				Actor:  lifecycle.ActorRetry,
				Reason: t.FailureReason,
				Notes:  fmt.Sprintf("retry requested by %s: liquidity shortfall escalated for manual release", requestedBy),
			}, nil)
		}
		ref, callErr := s.initiate(ctx, gw, t, attempt)
		if callErr != nil {
			return s.retryFailed(ctx, t, gw, attempt, requestedBy, callErr)
		}
		log.Info("payout re-submitted, awaiting admin validation")
		return s.Transition(ctx, t, lifecycle.Transition{
			To:     models.StatusPendingAdminValidation,
			Actor:  lifecycle.ActorRetry,
			Reason: t.FailureReason,
			Notes:  fmt.Sprintf("retry requested by %s: payout re-submitted as %s, awaiting liquidity confirmation", requestedBy, ref),
		}, func(m *models.Mutation) {
			m.GatewayReferenceID = strPtr(ref)
			m.Attempts = intPtr(attempt)
		})

	default:
		ref, callErr := s.initiate(ctx, gw, t, attempt)
		if callErr != nil {
			return s.retryFailed(ctx, t, gw, attempt, requestedBy, callErr)
		}
		log.Info("retry accepted by gateway", zap.String("reference", ref))
		return s.Transition(ctx, t, lifecycle.Transition{
			To:    models.StatusProcessing,
			Actor: lifecycle.ActorRetry,
			Notes: fmt.Sprintf("retry requested by %s: new reference %s", requestedBy, ref),
		}, func(m *models.Mutation) {
			m.GatewayReferenceID = strPtr(ref)
			m.Attempts = intPtr(attempt)
		})
	}
}

// retryFailed records a failed retry attempt. The status stays where it was.
func (s TransactionService) retryFailed(ctx context.Context, t *models.Transaction, gw gateway.Gateway, attempt int, requestedBy string, callErr error) (*models.Transaction, error) {
	reason := ClassifyGatewayError(callErr)
	s.logger().Warn("retry attempt failed",
		zap.String("transaction_id", t.ID),
		zap.String("gateway", gw.Name()),
		zap.Int("attempt", attempt),
		zap.Error(callErr),
	)
	_, err := s.Annotate(ctx, t, fmt.Sprintf("retry requested by %s failed at %s: %v", requestedBy, gw.Name(), callErr), func(m *models.Mutation) {
		m.Attempts = intPtr(attempt)
		m.FailureReason = &reason
	})
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("retry %s: %w", t.ID, callErr)
}

// initiate runs the gateway operation for the given attempt.
func (s TransactionService) initiate(ctx context.Context, gw gateway.Gateway, t *models.Transaction, attempt int) (string, error) {
	req := gateway.Request{
		TransactionID:  t.ID,
		IdempotencyKey: gateway.IdempotencyToken(t.ID, attempt),
		Direction:      t.Direction,
		SourceAmount:   t.SourceAmount(),
		Source:         t.SourceWallet,
		Destination:    t.DestinationWallet,
	}
	if s.CallbackBaseURL != "" {
		req.CallbackURL = strings.TrimRight(s.CallbackBaseURL, "/") + "/" + gw.Name()
	}
	if t.DepositAddress != nil {
		req.DepositAddress = *t.DepositAddress
	}

	op := "collection"
	call := gw.InitiateCollection
	if t.Direction == models.FiatToCrypto {
		req.Amount = t.AmountFiat.Add(t.FeesFiat)
	} else {
		op = "payout"
		call = gw.InitiatePayout
		if fin := t.FinalAmountFiat; fin != nil {
			req.Amount = *fin
		} else {
			req.Amount = t.AmountFiat.Sub(t.FeesFiat)
		}
	}

	start := time.Now()
	ref, err := call(ctx, req)
	metrics.GatewayLatency.WithLabelValues(gw.Name(), op).Observe(time.Since(start).Seconds())
	result := "ok"
	if err != nil {
		result = string(ClassifyGatewayError(err))
	}
	metrics.GatewayCalls.WithLabelValues(gw.Name(), op, result).Inc()
	return ref, err
}

// ClassifyGatewayError maps an initiation error to the failure reason stored
// on the transaction.
func ClassifyGatewayError(err error) models.FailureReason {
	var rej *gateway.RejectedError
	switch {
	case errors.As(err, &rej) && gateway.IsLiquidityCode(rej.Code):
		return models.ReasonInsufficientLiquidity
	case errors.Is(err, gateway.ErrGatewayRejected), errors.Is(err, gateway.ErrUnsupportedOperation):
		return models.ReasonGatewayRejected
	case errors.Is(err, context.DeadlineExceeded):
		return models.ReasonGatewayTimeout
	default:
		return models.ReasonGatewayUnavailable
	}
}
