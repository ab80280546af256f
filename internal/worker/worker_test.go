package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"CFABridge/internal/gateway"
	"CFABridge/internal/models"
	"CFABridge/internal/services"
	"CFABridge/internal/store/memstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var base = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T, st *memstore.Store, id string, status models.Status, reason models.FailureReason, attempts int, updated time.Time) {
	t.Helper()
	require.NoError(t, st.Create(context.Background(), &models.Transaction{
		ID:            id,
		UserID:        "user-1",
		Direction:     models.FiatToCrypto,
		Status:        status,
		FailureReason: reason,
		Attempts:      attempts,
		CreatedAt:     updated,
		UpdatedAt:     updated,
	}))
}

type fakeRetrier struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeRetrier) Retry(ctx context.Context, id, requestedBy string) (*models.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, id+"/"+requestedBy)
	if f.err != nil {
		return nil, f.err
	}
	return &models.Transaction{ID: id, Status: models.StatusProcessing}, nil
}

func newWorker(st *memstore.Store, r Retrier) *Worker {
	return &Worker{
		Recorder:       services.Recorder{Store: st, Logger: zap.NewNop(), Now: func() time.Time { return base }},
		Retrier:        r,
		PendingTimeout: 30 * time.Minute,
		RetryAfter:     5 * time.Minute,
		MaxAttempts:    3,
	}
}

func TestSweepExpiresStalePending(t *testing.T) {
	st := memstore.New()
	seed(t, st, "old", models.StatusPending, models.ReasonNone, 0, base.Add(-time.Hour))
	seed(t, st, "fresh", models.StatusPending, models.ReasonNone, 0, base.Add(-time.Minute))
	seed(t, st, "busy", models.StatusProcessing, models.ReasonNone, 1, base.Add(-time.Hour))

	w := newWorker(st, nil)
	stats, err := w.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Expired)

	old, err := st.Get(context.Background(), "old")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, old.Status)
	assert.Equal(t, models.ReasonGatewayTimeout, old.FailureReason)
	assert.Equal(t, 0, old.Attempts)
	assert.Contains(t, *old.AdminNotes, "no gateway acknowledgement")

	hist, err := st.History(context.Background(), "old")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "worker", hist[0].Actor)

	for _, id := range []string{"fresh", "busy"} {
		tx, err := st.Get(context.Background(), id)
		require.NoError(t, err)
		assert.NotEqual(t, models.StatusFailed, tx.Status, id)
	}
}

func TestSweepRetriesTransientFailures(t *testing.T) {
	st := memstore.New()
	seed(t, st, "unavailable", models.StatusFailed, models.ReasonGatewayUnavailable, 1, base.Add(-10*time.Minute))
	seed(t, st, "timeout", models.StatusFailed, models.ReasonGatewayTimeout, 2, base.Add(-10*time.Minute))
	seed(t, st, "recent", models.StatusFailed, models.ReasonGatewayUnavailable, 1, base.Add(-time.Minute))
	seed(t, st, "rejected", models.StatusFailed, models.ReasonGatewayRejected, 1, base.Add(-10*time.Minute))
	seed(t, st, "exhausted", models.StatusFailed, models.ReasonGatewayUnavailable, 3, base.Add(-10*time.Minute))

	r := &fakeRetrier{}
	w := newWorker(st, r)

	stats, err := w.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Retried, "auto retry is off by default")
	assert.Empty(t, r.calls)

	w.AutoRetry = true
	stats, err = w.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Retried)
	assert.ElementsMatch(t, []string{"unavailable/worker", "timeout/worker"}, r.calls)
}

func TestSweepToleratesRetryErrors(t *testing.T) {
	st := memstore.New()
	seed(t, st, "a", models.StatusFailed, models.ReasonGatewayUnavailable, 1, base.Add(-10*time.Minute))
	r := &fakeRetrier{err: gateway.ErrGatewayUnavailable}
	w := newWorker(st, r)
	w.AutoRetry = true

	stats, err := w.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Retried)
	assert.Len(t, r.calls, 1)
}

type fakeFeed struct {
	msgs     chan []byte
	connects int
	mu       sync.Mutex
}

func (f *fakeFeed) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connects == 1 {
		return errors.New("dial refused")
	}
	return nil
}

func (f *fakeFeed) Subscribe(ctx context.Context) error { return nil }

func (f *fakeFeed) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case m, ok := <-f.msgs:
		if !ok {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return m, nil
	}
}

func (f *fakeFeed) Close() {}

type fakeApplier struct {
	mu  sync.Mutex
	got []gateway.Callback
}

func (f *fakeApplier) Apply(ctx context.Context, gatewayName string, cb gateway.Callback) (services.CallbackResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, cb)
	return services.CallbackApplied, nil
}

func (f *fakeApplier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.got)
}

func TestRunFeedAppliesPayoutEvents(t *testing.T) {
	feed := &fakeFeed{msgs: make(chan []byte, 3)}
	feed.msgs <- []byte(`{"type":"ack"}`)
	feed.msgs <- []byte(`{"channel":"payouts","event":{"type":"payout.completed","payout":{"id":"po_1","idempotency_key":"tx-9-1","fee":"25"}}}`)
	feed.msgs <- []byte(`not json`)

	applier := &fakeApplier{}
	w := newWorker(memstore.New(), nil)
	w.Feed = feed
	w.Callbacks = applier
	w.ReconnectDelay = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.RunFeed(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return applier.count() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	cb := applier.got[0]
	assert.Equal(t, "tx-9", cb.TransactionID)
	assert.Equal(t, "po_1", cb.ReferenceID)
	assert.Equal(t, gateway.OutcomeSettled, cb.Outcome.Kind)
	assert.Equal(t, "25", cb.RealizedFee.String())
	assert.GreaterOrEqual(t, feed.connects, 2)
}
