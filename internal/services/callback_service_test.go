package services

import (
	"context"
	"sync"
	"testing"

	"CFABridge/internal/gateway"
	"CFABridge/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallbackSettlesFiatToCrypto(t *testing.T) {
	h := newHarness(t)
	tx := h.create(t, fiatToCryptoRequest())

	res, err := h.deliver(t, tx, gateway.OutcomeSettled, "", "1450")
	require.NoError(t, err)
	assert.Equal(t, CallbackApplied, res)

	done := h.reload(t, tx.ID)
	assert.Equal(t, models.StatusCompleted, done.Status)
	assert.Equal(t, "1450", done.FeesFiat.String())
	assert.Equal(t, "74.75757576", done.FinalAmountCrypto.String())
	assert.Nil(t, done.ProcessedBy)
	assert.Nil(t, done.ProcessedAt)
}

func TestCallbackSettlementFeeReducesPayout(t *testing.T) {
	h := newHarness(t)
	tx := h.create(t, cryptoToFiatRequest())

	_, err := h.deliver(t, tx, gateway.OutcomeSettled, "", "120")
	require.NoError(t, err)

	done := h.reload(t, tx.ID)
	assert.Equal(t, models.StatusCompleted, done.Status)
	assert.Equal(t, "450", done.FeesFiat.String())
	assert.Equal(t, "65550", done.FinalAmountFiat.String())
	assert.Equal(t, "66000", done.AmountFiat.String())
}

func TestDuplicateCallbackIsAcknowledged(t *testing.T) {
	h := newHarness(t)
	tx := h.create(t, fiatToCryptoRequest())

	res, err := h.deliver(t, tx, gateway.OutcomeSettled, "", "")
	require.NoError(t, err)
	assert.Equal(t, CallbackApplied, res)

	res, err = h.deliver(t, tx, gateway.OutcomeSettled, "", "")
	require.NoError(t, err)
	assert.Equal(t, CallbackDuplicate, res)

	// A contradicting outcome for the same reference after completion.
	res, err = h.deliver(t, tx, gateway.OutcomeFailed, "", "")
	require.NoError(t, err)
	assert.Equal(t, CallbackIgnored, res)
	assert.Equal(t, models.StatusCompleted, h.reload(t, tx.ID).Status)
	assert.Len(t, h.events.transitions(), 2)
}

func TestConcurrentDuplicateCallbacksApplyOnce(t *testing.T) {
	h := newHarness(t)
	tx := h.create(t, cryptoToFiatRequest())
	payload := callbackPayload(tx, gateway.OutcomeSettled, "", "")

	const n = 10
	results := make([]CallbackResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.callback.HandleCallback(context.Background(), "cryptopay", payload, "")
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	applied := 0
	for _, r := range results {
		if r == CallbackApplied {
			applied++
		} else {
			assert.Equal(t, CallbackDuplicate, r)
		}
	}
	assert.Equal(t, 1, applied)
}

func TestCallbackRequiresReview(t *testing.T) {
	h := newHarness(t)
	tx := h.create(t, cryptoToFiatRequest())

	_, err := h.deliver(t, tx, gateway.OutcomeRequiresReview, "aml_check", "")
	require.NoError(t, err)
	held := h.reload(t, tx.ID)
	assert.Equal(t, models.StatusPendingAdminValidation, held.Status)
	assert.Contains(t, *held.AdminNotes, "on hold")

	// The provider later settles while the admin is reviewing.
	res, err := h.deliver(t, held, gateway.OutcomeSettled, "", "")
	require.NoError(t, err)
	assert.Equal(t, CallbackAnnotated, res)
	still := h.reload(t, tx.ID)
	assert.Equal(t, models.StatusPendingAdminValidation, still.Status)
	assert.Contains(t, *still.AdminNotes, "reported settled during admin review")
}

func TestCallbackBeforeReferenceStoredIsRedeliverable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := &models.Transaction{
		ID:        "early-1",
		Direction: models.FiatToCrypto,
		Status:    models.StatusPending,
	}
	require.NoError(t, h.store.Create(ctx, tx))

	early := *tx
	ref := "mobilemoney_ref_9"
	early.GatewayReferenceID = &ref
	_, err := h.deliver(t, &early, gateway.OutcomeSettled, "", "")
	assert.ErrorIs(t, err, ErrCallbackTooEarly)

	// The claim was released, so the redelivery is processed once the
	// transaction has moved to processing.
	processing := models.StatusProcessing
	_, err = h.store.Update(ctx, tx.ID, models.Mutation{Status: &processing, GatewayReferenceID: &ref}, models.StatusPending)
	require.NoError(t, err)
	res, err := h.deliver(t, &early, gateway.OutcomeSettled, "", "")
	require.NoError(t, err)
	assert.Equal(t, CallbackApplied, res)
}

func TestCallbackErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.callback.HandleCallback(ctx, "nope", []byte(`{}`), "")
	assert.ErrorIs(t, err, gateway.ErrUnknownGateway)

	_, err = h.callback.HandleCallback(ctx, "mobilemoney", []byte(`{}`), "bad")
	assert.ErrorIs(t, err, gateway.ErrBadSignature)

	_, err = h.callback.HandleCallback(ctx, "mobilemoney", []byte(`{"transaction_id":"ghost","reference":"r","kind":"settled"}`), "")
	assert.ErrorIs(t, err, ErrNotFound)

	// Not found released the claim.
	ok, err := h.guard.Claim(ctx, "mobilemoney:r:settled")
	require.NoError(t, err)
	assert.True(t, ok)
}
