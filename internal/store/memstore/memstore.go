// Package memstore is an in-process transaction store with the same
// conditioned-update semantics as the Postgres store.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"CFABridge/internal/models"
	"CFABridge/internal/pricing"
	"CFABridge/internal/store"
)

type Store struct {
	mu        sync.RWMutex
	txs       map[string]*models.Transaction
	history   map[string][]models.StatusChange
	schedules []pricing.Schedule
	nextIndex int64
}

func New() *Store {
	return &Store{
		txs:     make(map[string]*models.Transaction),
		history: make(map[string][]models.StatusChange),
	}
}

func (s *Store) NextDerivationIndex(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextIndex++
	return s.nextIndex, nil
}

func (s *Store) Create(ctx context.Context, t *models.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.txs[t.ID]; ok {
		return fmt.Errorf("transaction %s already exists", t.ID)
	}
	s.txs[t.ID] = clone(t)
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.txs[id]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", id, store.ErrNotFound)
	}
	return clone(t), nil
}

func (s *Store) List(ctx context.Context, f models.Filter) ([]*models.Transaction, error) {
	s.mu.RLock()
	var out []*models.Transaction
	for _, t := range s.txs {
		if f.UserID != "" && t.UserID != f.UserID {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.Direction != "" && t.Direction != f.Direction {
			continue
		}
		out = append(out, clone(t))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if f.Offset >= len(out) {
		return nil, nil
	}
	out = out[f.Offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListStale(ctx context.Context, status models.Status, olderThan time.Time, limit int) ([]*models.Transaction, error) {
	s.mu.RLock()
	var out []*models.Transaction
	for _, t := range s.txs {
		if t.Status == status && t.UpdatedAt.Before(olderThan) {
			out = append(out, clone(t))
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit <= 0 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Update(ctx context.Context, id string, m models.Mutation, expected models.Status) (*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.txs[id]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", id, store.ErrNotFound)
	}
	if t.Status != expected {
		return nil, fmt.Errorf("transaction %s not in %s: %w", id, expected, store.ErrStaleState)
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = time.Now().UTC()
	}
	m.ApplyTo(t)
	if m.Status != nil && *m.Status != expected {
		s.history[id] = append(s.history[id], models.StatusChange{
			TransactionID: id,
			From:          expected,
			To:            *m.Status,
			Actor:         m.Actor,
			Reason:        t.FailureReason,
			At:            m.UpdatedAt,
		})
	}
	return clone(t), nil
}

func (s *Store) History(ctx context.Context, id string) ([]models.StatusChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.StatusChange(nil), s.history[id]...), nil
}

func (s *Store) LatestSchedule(ctx context.Context) (pricing.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.schedules) == 0 {
		return pricing.Schedule{}, fmt.Errorf("rate schedule: %w", store.ErrNotFound)
	}
	return s.schedules[len(s.schedules)-1], nil
}

func (s *Store) SaveSchedule(ctx context.Context, sch pricing.Schedule) (pricing.Schedule, error) {
	if err := sch.Validate(); err != nil {
		return pricing.Schedule{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sch.Version = int64(len(s.schedules)) + 1
	sch.UpdatedAt = time.Now().UTC()
	s.schedules = append(s.schedules, sch)
	return sch, nil
}

func clone(t *models.Transaction) *models.Transaction {
	c := *t
	if t.FinalAmountFiat != nil {
		v := *t.FinalAmountFiat
		c.FinalAmountFiat = &v
	}
	if t.FinalAmountCrypto != nil {
		v := *t.FinalAmountCrypto
		c.FinalAmountCrypto = &v
	}
	c.DepositAddress = cloneString(t.DepositAddress)
	c.GatewayReferenceID = cloneString(t.GatewayReferenceID)
	c.AdminNotes = cloneString(t.AdminNotes)
	c.ProcessedBy = cloneString(t.ProcessedBy)
	if t.ProcessedAt != nil {
		v := *t.ProcessedAt
		c.ProcessedAt = &v
	}
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
