package worker

import (
	"context"
	"errors"
	"time"

	"CFABridge/internal/gateway/cryptopay"
	"CFABridge/internal/services"

	"go.uber.org/zap"
)

// FeedSource is implemented by cryptopay.Feed.
type FeedSource interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context) error
	Read(ctx context.Context) ([]byte, error)
	Close()
}

// RunFeed applies payout events from the provider stream until ctx is done.
// Events also arrive by webhook; the callback guard makes the second
// delivery a duplicate.
func (w *Worker) RunFeed(ctx context.Context) {
	log := w.logger().With(zap.String("gateway", cryptopay.Name))
	delay := w.ReconnectDelay
	if delay <= 0 {
		delay = 3 * time.Second
	}

	for {
		if ctx.Err() != nil {
			return
		}
		if err := w.Feed.Connect(ctx); err != nil {
			log.Warn("feed connect failed", zap.Error(err))
			if !sleep(ctx, delay) {
				return
			}
			continue
		}
		if err := w.Feed.Subscribe(ctx); err != nil {
			log.Warn("feed subscribe failed", zap.Error(err))
			w.Feed.Close()
			if !sleep(ctx, delay) {
				return
			}
			continue
		}
		log.Info("feed connected")

		for {
			msg, err := w.Feed.Read(ctx)
			if err != nil {
				log.Warn("feed read failed", zap.Error(err))
				w.Feed.Close()
				break
			}
			w.handleFeedMessage(ctx, msg, log)
		}
		if !sleep(ctx, delay) {
			return
		}
	}
}

func (w *Worker) handleFeedMessage(ctx context.Context, msg []byte, log *zap.Logger) {
	cb, ok, err := cryptopay.ParseFeedMessage(msg)
	if err != nil {
		log.Warn("feed parse failed", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	res, err := w.Callbacks.Apply(ctx, cryptopay.Name, cb)
	switch {
	case err == nil:
		log.Debug("feed event handled", zap.String("transaction_id", cb.TransactionID), zap.String("result", string(res)))
	case errors.Is(err, services.ErrCallbackTooEarly):
		log.Debug("feed event ahead of transaction", zap.String("transaction_id", cb.TransactionID))
	default:
		log.Warn("feed event not applied", zap.String("transaction_id", cb.TransactionID), zap.Error(err))
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
