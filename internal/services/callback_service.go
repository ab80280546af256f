package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"CFABridge/internal/gateway"
	"CFABridge/internal/idempotency"
	"CFABridge/internal/lifecycle"
	"CFABridge/internal/metrics"
	"CFABridge/internal/models"

	"go.uber.org/zap"
)

// CallbackResult says what a callback delivery did.
type CallbackResult string

const (
	CallbackApplied   CallbackResult = "applied"
	CallbackDuplicate CallbackResult = "duplicate"
	CallbackIgnored   CallbackResult = "ignored"
	CallbackAnnotated CallbackResult = "annotated"
)

const maxStaleRetries = 3

type CallbackService struct {
	Recorder
	Gateways *gateway.Registry
	Guard    idempotency.Guard
	// Backoff is the wait before re-reading a transaction that a callback
	// could not be applied to yet.
	Backoff time.Duration
}

// HandleCallback verifies and parses a webhook for the named gateway and
// applies it.
func (s CallbackService) HandleCallback(ctx context.Context, gatewayName string, payload []byte, signature string) (CallbackResult, error) {
	gw, err := s.Gateways.ByName(gatewayName)
	if err != nil {
		return "", err
	}
	cb, err := gw.HandleCallback(payload, signature)
	if err != nil {
		metrics.Callbacks.WithLabelValues(gw.Name(), "invalid", "rejected").Inc()
		return "", err
	}
	return s.Apply(ctx, gw.Name(), cb)
}

// Apply applies a parsed callback once. Redeliveries of the same reference
// and outcome are acknowledged as duplicates. The claim is released when the
// callback could not be applied, so the provider's redelivery gets another
// chance.
func (s CallbackService) Apply(ctx context.Context, gatewayName string, cb gateway.Callback) (CallbackResult, error) {
	log := s.logger().With(
		zap.String("transaction_id", cb.TransactionID),
		zap.String("gateway", gatewayName),
		zap.String("reference", cb.ReferenceID),
		zap.String("outcome", string(cb.Outcome.Kind)),
	)
	key := gatewayName + ":" + cb.IdempotencyKey()
	if s.Guard != nil {
		claimed, err := s.Guard.Claim(ctx, key)
		if err != nil {
			return "", fmt.Errorf("claim callback: %w", err)
		}
		if !claimed {
			metrics.Callbacks.WithLabelValues(gatewayName, string(cb.Outcome.Kind), string(CallbackDuplicate)).Inc()
			log.Info("duplicate callback")
			return CallbackDuplicate, nil
		}
	}

	res, err := s.applyWithRetry(ctx, gatewayName, cb, log)
	if err != nil {
		if s.Guard != nil && !errors.Is(err, ErrStaleState) {
			if rerr := s.Guard.Release(ctx, key); rerr != nil {
				log.Warn("release callback claim failed", zap.Error(rerr))
			}
		}
		log.Warn("callback not applied", zap.Error(err))
		return "", err
	}
	metrics.Callbacks.WithLabelValues(gatewayName, string(cb.Outcome.Kind), string(res)).Inc()
	return res, nil
}

func (s CallbackService) applyWithRetry(ctx context.Context, gatewayName string, cb gateway.Callback, log *zap.Logger) (CallbackResult, error) {
	var lastErr error
	for i := 0; i < maxStaleRetries; i++ {
		if i > 0 && s.Backoff > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(s.Backoff * time.Duration(i)):
			}
		}
		t, err := s.Store.Get(ctx, cb.TransactionID)
		if err != nil {
			return "", err
		}
		res, err := s.applyOnce(ctx, gatewayName, t, cb, log)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, ErrStaleState) && !errors.Is(err, ErrCallbackTooEarly) {
			return "", err
		}
		lastErr = err
	}
	if errors.Is(lastErr, ErrCallbackTooEarly) {
		return "", lastErr
	}
	return "", fmt.Errorf("callback for %s: %w", cb.TransactionID, lastErr)
}

func (s CallbackService) applyOnce(ctx context.Context, gatewayName string, t *models.Transaction, cb gateway.Callback, log *zap.Logger) (CallbackResult, error) {
	// The gateway accepted the operation but the reference is not stored yet.
	if t.Status == models.StatusPending {
		return "", ErrCallbackTooEarly
	}
	if t.GatewayReferenceID == nil || *t.GatewayReferenceID != cb.ReferenceID {
		log.Info("callback for a superseded reference ignored", zap.String("status", string(t.Status)))
		return CallbackIgnored, nil
	}

	switch t.Status {
	case models.StatusProcessing:
		_, err := s.Transition(ctx, t, callbackTransition(gatewayName, cb), func(m *models.Mutation) {
			if cb.Outcome.Kind == gateway.OutcomeSettled {
				applyRealizedFee(t, cb.RealizedFee, m)
			}
		})
		if err != nil {
			return "", err
		}
		return CallbackApplied, nil

	case models.StatusPendingAdminValidation:
		note := fmt.Sprintf("%s reported %s during admin review", gatewayName, cb.Outcome.Kind)
		if cb.Outcome.Code != "" || cb.Outcome.Reason != "" {
			note += fmt.Sprintf(" (%s: %s)", cb.Outcome.Code, cb.Outcome.Reason)
		}
		if _, err := s.Annotate(ctx, t, note, nil); err != nil {
			return "", err
		}
		return CallbackAnnotated, nil
	}

	log.Info("callback for a transaction no longer processing ignored", zap.String("status", string(t.Status)))
	return CallbackIgnored, nil
}

func callbackTransition(gatewayName string, cb gateway.Callback) lifecycle.Transition {
	tr := lifecycle.Transition{Actor: lifecycle.ActorGateway}
	detail := ""
	if cb.Outcome.Code != "" || cb.Outcome.Reason != "" {
		detail = fmt.Sprintf(": %s %s", cb.Outcome.Code, cb.Outcome.Reason)
	}
	switch cb.Outcome.Kind {
	case gateway.OutcomeSettled:
		tr.To = models.StatusCompleted
	case gateway.OutcomeFailed:
		tr.To = models.StatusFailed
		tr.Reason = models.ReasonSettlementFailed
		if gateway.IsLiquidityCode(cb.Outcome.Code) {
			tr.Reason = models.ReasonInsufficientLiquidity
		}
		tr.Notes = fmt.Sprintf("%s reported failure%s", gatewayName, detail)
	case gateway.OutcomeRequiresReview:
		tr.To = models.StatusPendingAdminValidation
		tr.Notes = fmt.Sprintf("%s put the operation on hold%s", gatewayName, detail)
	}
	return tr
}
