package services

import (
	"context"
	"errors"
	"time"

	"CFABridge/internal/events"
	"CFABridge/internal/lifecycle"
	"CFABridge/internal/metrics"
	"CFABridge/internal/models"
	"CFABridge/internal/pricing"
	"CFABridge/internal/store"

	"go.uber.org/zap"
)

var (
	ErrNotFound         = store.ErrNotFound
	ErrStaleState       = store.ErrStaleState
	ErrNotRetryable     = errors.New("transaction is not retryable")
	ErrInvalidWallet    = errors.New("invalid wallet")
	ErrMissingUserID    = errors.New("missing user id")
	ErrMissingAdminID   = errors.New("missing admin id")
	ErrNoteRequired     = errors.New("admin note required")
	ErrInvalidDirection = errors.New("invalid direction")
	ErrCallbackTooEarly = errors.New("transaction not yet accepted by gateway")
)

// TransactionStore is implemented by store.Store and memstore.Store.
type TransactionStore interface {
	Create(ctx context.Context, t *models.Transaction) error
	Get(ctx context.Context, id string) (*models.Transaction, error)
	List(ctx context.Context, f models.Filter) ([]*models.Transaction, error)
	Update(ctx context.Context, id string, m models.Mutation, expected models.Status) (*models.Transaction, error)
	ListStale(ctx context.Context, status models.Status, olderThan time.Time, limit int) ([]*models.Transaction, error)
	History(ctx context.Context, id string) ([]models.StatusChange, error)
	NextDerivationIndex(ctx context.Context) (int64, error)
}

type ScheduleStore interface {
	pricing.Source
	SaveSchedule(ctx context.Context, s pricing.Schedule) (pricing.Schedule, error)
}

// Recorder persists transitions and announces them. Every service that moves
// a transaction goes through it.
type Recorder struct {
	Store  TransactionStore
	Events events.Publisher
	Logger *zap.Logger
	Now    func() time.Time
}

func (r Recorder) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func (r Recorder) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

// Transition moves t along tr with an update conditioned on t's current
// status. extra may add non-status fields to the mutation.
func (r Recorder) Transition(ctx context.Context, t *models.Transaction, tr lifecycle.Transition, extra func(*models.Mutation)) (*models.Transaction, error) {
	if tr.At.IsZero() {
		tr.At = r.now()
	}
	m, err := lifecycle.Apply(t, tr)
	if err != nil {
		return nil, err
	}
	if extra != nil {
		extra(&m)
	}
	updated, err := r.Store.Update(ctx, t.ID, m, t.Status)
	if err != nil {
		if errors.Is(err, ErrStaleState) {
			metrics.StaleUpdates.WithLabelValues(string(tr.Actor)).Inc()
		}
		return nil, err
	}

	metrics.Transitions.WithLabelValues(string(t.Status), string(updated.Status)).Inc()
	r.logger().Info("transaction transitioned",
		zap.String("transaction_id", t.ID),
		zap.String("from", string(t.Status)),
		zap.String("status", string(updated.Status)),
		zap.String("reason", string(updated.FailureReason)),
		zap.String("actor", m.Actor),
	)
	r.publish(ctx, t.Status, updated, m.Actor)
	return updated, nil
}

// Annotate records a note (and any extra fields) without changing status.
// The note is appended by the store, so concurrent annotations all land.
func (r Recorder) Annotate(ctx context.Context, t *models.Transaction, note string, extra func(*models.Mutation)) (*models.Transaction, error) {
	at := r.now()
	m := models.Mutation{Note: lifecycle.NoteLine(at, note), UpdatedAt: at}
	if extra != nil {
		extra(&m)
	}
	return r.Store.Update(ctx, t.ID, m, t.Status)
}

func (r Recorder) publish(ctx context.Context, from models.Status, t *models.Transaction, actor string) {
	if r.Events == nil {
		return
	}
	ev := events.StatusChanged{
		TransactionID: t.ID,
		Direction:     t.Direction,
		OldStatus:     from,
		NewStatus:     t.Status,
		Reason:        t.FailureReason,
		Actor:         actor,
		At:            t.UpdatedAt,
	}
	if err := r.Events.Publish(ctx, ev); err != nil {
		metrics.EventPublishErrors.Inc()
		r.logger().Warn("status event publish failed",
			zap.String("transaction_id", t.ID),
			zap.String("status", string(t.Status)),
			zap.Error(err),
		)
	}
}

func intPtr(v int) *int { return &v }

func strPtr(v string) *string { return &v }
