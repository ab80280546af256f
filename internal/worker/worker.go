package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"CFABridge/internal/gateway"
	"CFABridge/internal/lifecycle"
	"CFABridge/internal/models"
	"CFABridge/internal/services"

	"go.uber.org/zap"
)

// Retrier is implemented by services.TransactionService.
type Retrier interface {
	Retry(ctx context.Context, id, requestedBy string) (*models.Transaction, error)
}

// Worker expires transactions stuck in pending and, when enabled, retries
// transient gateway failures. It can also consume the payout provider's
// event feed (see RunFeed).
type Worker struct {
	services.Recorder
	Retrier Retrier

	Interval       time.Duration
	PendingTimeout time.Duration
	BatchSize      int

	AutoRetry   bool
	RetryAfter  time.Duration
	MaxAttempts int

	Feed      FeedSource
	Callbacks CallbackApplier
	// ReconnectDelay is the pause between feed reconnects.
	ReconnectDelay time.Duration
}

type Stats struct {
	Expired int
	Retried int
}

func (w *Worker) Run(ctx context.Context) {
	if w.Feed != nil && w.Callbacks != nil {
		go w.RunFeed(ctx)
	}
	interval := w.Interval
	if interval <= 0 {
		interval = 20 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log := w.logger()
	for {
		stats, err := w.SweepOnce(ctx)
		if err != nil {
			log.Error("sweep failed", zap.Error(err))
		} else if stats.Expired > 0 || stats.Retried > 0 {
			log.Info("sweep done", zap.Int("expired", stats.Expired), zap.Int("retried", stats.Retried))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SweepOnce runs one pass over stale transactions.
func (w *Worker) SweepOnce(ctx context.Context) (Stats, error) {
	var stats Stats
	expired, err := w.expirePending(ctx)
	stats.Expired = expired
	if err != nil {
		return stats, err
	}
	if !w.AutoRetry || w.Retrier == nil {
		return stats, nil
	}
	retried, err := w.retryTransient(ctx)
	stats.Retried = retried
	return stats, err
}

// expirePending fails transactions the gateway never acknowledged. Attempts
// is left alone so a later retry reuses the first idempotency token, and a
// provider that did accept the first call answers with the same reference.
func (w *Worker) expirePending(ctx context.Context) (int, error) {
	if w.PendingTimeout <= 0 {
		return 0, nil
	}
	cutoff := w.now().Add(-w.PendingTimeout)
	stale, err := w.Store.ListStale(ctx, models.StatusPending, cutoff, w.batchSize())
	if err != nil {
		return 0, fmt.Errorf("list pending: %w", err)
	}
	n := 0
	for _, t := range stale {
		_, err := w.Transition(ctx, t, lifecycle.Transition{
			To:     models.StatusFailed,
			Actor:  lifecycle.ActorWorker,
			Reason: models.ReasonGatewayTimeout,
			Notes:  fmt.Sprintf("no gateway acknowledgement within %s", w.PendingTimeout),
		}, nil)
		switch {
		case err == nil:
			n++
		case errors.Is(err, services.ErrStaleState):
			// Moved on while we were looking.
		default:
			w.logger().Warn("expire pending failed", zap.String("transaction_id", t.ID), zap.Error(err))
		}
	}
	return n, nil
}

func (w *Worker) retryTransient(ctx context.Context) (int, error) {
	cutoff := w.now().Add(-w.RetryAfter)
	failed, err := w.Store.ListStale(ctx, models.StatusFailed, cutoff, w.batchSize())
	if err != nil {
		return 0, fmt.Errorf("list failed: %w", err)
	}
	n := 0
	for _, t := range failed {
		if !transient(t.FailureReason) || lifecycle.IsTerminal(t, w.MaxAttempts) {
			continue
		}
		log := w.logger().With(zap.String("transaction_id", t.ID), zap.String("reason", string(t.FailureReason)))
		updated, err := w.Retrier.Retry(ctx, t.ID, string(lifecycle.ActorWorker))
		if err != nil {
			if errors.Is(err, services.ErrStaleState) || errors.Is(err, services.ErrNotRetryable) {
				continue
			}
			log.Warn("auto retry failed", zap.Error(err))
			continue
		}
		n++
		log.Info("auto retry accepted", zap.String("status", string(updated.Status)))
	}
	return n, nil
}

func transient(r models.FailureReason) bool {
	return r == models.ReasonGatewayUnavailable || r == models.ReasonGatewayTimeout
}

func (w *Worker) batchSize() int {
	if w.BatchSize <= 0 {
		return 100
	}
	return w.BatchSize
}

func (w *Worker) now() time.Time {
	if w.Now != nil {
		return w.Now().UTC()
	}
	return time.Now().UTC()
}

func (w *Worker) logger() *zap.Logger {
	if w.Logger == nil {
		return zap.NewNop()
	}
	return w.Logger
}

// CallbackApplier is implemented by services.CallbackService.
type CallbackApplier interface {
	Apply(ctx context.Context, gatewayName string, cb gateway.Callback) (services.CallbackResult, error)
}
