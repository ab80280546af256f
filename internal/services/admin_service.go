package services

import (
	"context"
	"fmt"
	"strings"

	"CFABridge/internal/lifecycle"
	"CFABridge/internal/models"
	"CFABridge/internal/pricing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type AdminService struct {
	Recorder
	Schedules ScheduleStore
	Pricing   pricing.Provider
}

// ConfirmPayout completes a transaction held for admin validation. Holds
// escalated from a gateway rejection go through Decide with a note instead.
func (s AdminService) ConfirmPayout(ctx context.Context, id, adminID string) (*models.Transaction, error) {
	return s.Decide(ctx, id, adminID, true, "")
}

// RejectPayout rejects a transaction held for admin validation.
func (s AdminService) RejectPayout(ctx context.Context, id, adminID, notes string) (*models.Transaction, error) {
	return s.Decide(ctx, id, adminID, false, notes)
}

// Decide approves or rejects a transaction in pending_admin_validation. Two
// admins deciding at once race on the conditioned update; the loser gets
// ErrStaleState.
func (s AdminService) Decide(ctx context.Context, id, adminID string, approve bool, notes string) (*models.Transaction, error) {
	adminID = strings.TrimSpace(adminID)
	if adminID == "" {
		return nil, ErrMissingAdminID
	}
	t, err := s.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	// Closed by an admin: both a lost race and an illegal move.
	if decided(t) {
		return nil, fmt.Errorf("transaction %s already decided by %s: %w: %w",
			id, *t.ProcessedBy, ErrStaleState, lifecycle.ErrIllegalTransition)
	}
	// Overriding a gateway rejection needs a written reason.
	if approve && t.Status == models.StatusPendingAdminValidation &&
		t.FailureReason == models.ReasonGatewayRejected && strings.TrimSpace(notes) == "" {
		return nil, fmt.Errorf("transaction %s: %w", id, ErrNoteRequired)
	}

	tr := lifecycle.Transition{Actor: lifecycle.ActorAdmin, AdminID: adminID}
	var extra func(*models.Mutation)
	if approve {
		tr.To = models.StatusCompleted
		tr.Notes = "confirmed by " + adminID
		extra = func(m *models.Mutation) { setFinalAmount(t, m) }
	} else {
		tr.To = models.StatusRejected
		tr.Reason = models.ReasonAdminRejected
		tr.Notes = "rejected by " + adminID
	}
	if notes = strings.TrimSpace(notes); notes != "" {
		tr.Notes += ": " + notes
	}

	updated, err := s.Transition(ctx, t, tr, extra)
	if err != nil {
		return nil, err
	}
	s.logger().Info("admin decision recorded",
		zap.String("transaction_id", id),
		zap.String("admin_id", adminID),
		zap.Bool("approved", approve),
	)
	return updated, nil
}

// Transaction returns a transaction with its status history.
func (s AdminService) Transaction(ctx context.Context, id string) (*models.Transaction, []models.StatusChange, error) {
	t, err := s.Store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	hist, err := s.Store.History(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return t, hist, nil
}

func (s AdminService) List(ctx context.Context, f models.Filter) ([]*models.Transaction, error) {
	return s.Store.List(ctx, f)
}

func (s AdminService) CurrentRates(ctx context.Context) (pricing.Schedule, error) {
	return s.Pricing.CurrentSchedule(ctx)
}

// PublishRates stores sch as the next schedule version. Quotes pick it up on
// the next cache refresh, or immediately when the provider can be
// invalidated.
func (s AdminService) PublishRates(ctx context.Context, sch pricing.Schedule, adminID string) (pricing.Schedule, error) {
	if strings.TrimSpace(adminID) == "" {
		return pricing.Schedule{}, ErrMissingAdminID
	}
	if s.Schedules == nil {
		return pricing.Schedule{}, fmt.Errorf("rate publishing is not configured")
	}
	sch.Source = "admin:" + adminID
	saved, err := s.Schedules.SaveSchedule(ctx, sch)
	if err != nil {
		return pricing.Schedule{}, err
	}
	if inv, ok := s.Pricing.(interface{ Invalidate() }); ok {
		inv.Invalidate()
	}
	s.logger().Info("rate schedule published",
		zap.Int64("version", saved.Version),
		zap.String("exchange_rate", saved.ExchangeRate.String()),
		zap.String("admin_id", adminID),
	)
	return saved, nil
}

func decided(t *models.Transaction) bool {
	return t.ProcessedBy != nil &&
		(t.Status == models.StatusCompleted || t.Status == models.StatusRejected)
}

// setFinalAmount fills the final amount from the amounts captured at
// creation when settlement did not already set it.
func setFinalAmount(t *models.Transaction, m *models.Mutation) {
	switch t.Direction {
	case models.FiatToCrypto:
		if t.FinalAmountCrypto == nil {
			v := t.AmountCrypto.Sub(t.FeesCrypto)
			m.FinalAmountCrypto = &v
		}
	case models.CryptoToFiat:
		if t.FinalAmountFiat == nil {
			v := t.AmountFiat.Sub(t.FeesFiat)
			m.FinalAmountFiat = &v
		}
	}
}

// applyRealizedFee records the FCFA fee the gateway reports at settlement.
// For fiat_to_crypto it replaces the estimated collection fee; for
// crypto_to_fiat it is deducted from the payout.
func applyRealizedFee(t *models.Transaction, fee decimal.Decimal, m *models.Mutation) {
	setFinalAmount(t, m)
	if !fee.IsPositive() {
		return
	}
	switch t.Direction {
	case models.FiatToCrypto:
		m.FeesFiat = &fee
	case models.CryptoToFiat:
		fees := t.FeesFiat.Add(fee)
		m.FeesFiat = &fees
		base := t.AmountFiat.Sub(t.FeesFiat)
		if t.FinalAmountFiat != nil {
			base = *t.FinalAmountFiat
		}
		final := base.Sub(fee)
		if final.IsNegative() {
			final = decimal.Zero
		}
		m.FinalAmountFiat = &final
	}
}
