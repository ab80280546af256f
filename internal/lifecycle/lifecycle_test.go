package lifecycle

import (
	"testing"
	"time"

	"CFABridge/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionTableIsExhaustive(t *testing.T) {
	legal := map[models.Status][]models.Status{
		models.StatusPending:                {models.StatusProcessing, models.StatusFailed},
		models.StatusProcessing:             {models.StatusCompleted, models.StatusFailed, models.StatusPendingAdminValidation},
		models.StatusPendingAdminValidation: {models.StatusCompleted, models.StatusRejected},
		models.StatusFailed:                 {models.StatusProcessing, models.StatusPendingAdminValidation},
		models.StatusRejected:               {models.StatusProcessing, models.StatusPendingAdminValidation},
		models.StatusCompleted:              nil,
	}

	for _, from := range models.AllStatuses {
		for _, to := range models.AllStatuses {
			want := false
			for _, s := range legal[from] {
				if s == to {
					want = true
				}
			}
			assert.Equal(t, want, Allowed(from, to), "%s -> %s", from, to)
			if !want {
				for _, actor := range []Actor{ActorSystem, ActorGateway, ActorRetry, ActorAdmin, ActorWorker} {
					assert.ErrorIs(t, Check(from, to, actor), ErrIllegalTransition, "%s -> %s by %s", from, to, actor)
				}
			}
		}
	}
}

func TestActorRestrictions(t *testing.T) {
	assert.ErrorIs(t, Check(models.StatusFailed, models.StatusProcessing, ActorGateway), ErrIllegalTransition)
	assert.NoError(t, Check(models.StatusFailed, models.StatusProcessing, ActorRetry))

	assert.ErrorIs(t, Check(models.StatusPendingAdminValidation, models.StatusCompleted, ActorGateway), ErrIllegalTransition)
	assert.NoError(t, Check(models.StatusPendingAdminValidation, models.StatusCompleted, ActorAdmin))

	assert.ErrorIs(t, Check(models.StatusPending, models.StatusFailed, ActorGateway), ErrIllegalTransition)
	assert.NoError(t, Check(models.StatusPending, models.StatusFailed, ActorWorker))

	assert.NoError(t, Check(models.StatusProcessing, models.StatusCompleted, ActorGateway))
	assert.ErrorIs(t, Check(models.StatusProcessing, models.StatusCompleted, ActorAdmin), ErrIllegalTransition)
	assert.ErrorIs(t, Check(models.StatusPending, models.StatusProcessing, ActorGateway), ErrIllegalTransition)
}

func TestApplyAdminDecisionSetsProcessedFields(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	tx := &models.Transaction{Status: models.StatusPendingAdminValidation}

	m, err := Apply(tx, Transition{To: models.StatusRejected, Actor: ActorAdmin, AdminID: "adm-1", Reason: models.ReasonAdminRejected, Notes: "kyc mismatch", At: at})
	require.NoError(t, err)
	require.NotNil(t, m.ProcessedBy)
	require.NotNil(t, m.ProcessedAt)
	assert.Equal(t, "adm-1", *m.ProcessedBy)
	assert.Equal(t, at, *m.ProcessedAt)
	assert.Equal(t, at, m.UpdatedAt)
	assert.Equal(t, models.ReasonAdminRejected, *m.FailureReason)
	assert.Equal(t, "2026-03-01T10:00:00Z kyc mismatch", m.Note)
	assert.False(t, m.ClearProcessed)
	assert.Equal(t, "admin:adm-1", m.Actor)

	_, err = Apply(tx, Transition{To: models.StatusCompleted, Actor: ActorAdmin})
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestApplyNonAdminLeavesProcessedFieldsUnset(t *testing.T) {
	tx := &models.Transaction{Status: models.StatusProcessing}
	m, err := Apply(tx, Transition{To: models.StatusCompleted, Actor: ActorGateway})
	require.NoError(t, err)
	assert.Nil(t, m.ProcessedBy)
	assert.Nil(t, m.ProcessedAt)
	assert.False(t, m.UpdatedAt.IsZero())
	assert.Equal(t, models.ReasonNone, *m.FailureReason)
}

func TestApplyDoesNotTouchTransaction(t *testing.T) {
	tx := &models.Transaction{Status: models.StatusCompleted}
	_, err := Apply(tx, Transition{To: models.StatusProcessing, Actor: ActorRetry})
	assert.ErrorIs(t, err, ErrIllegalTransition)
	assert.Equal(t, models.StatusCompleted, tx.Status)
}

func TestNotesAppendThroughMutation(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	tx := &models.Transaction{}
	models.Mutation{Note: NoteLine(at, "one")}.ApplyTo(tx)
	models.Mutation{Note: NoteLine(at, "two")}.ApplyTo(tx)
	assert.Equal(t, "2026-03-01T10:00:00Z one\n2026-03-01T10:00:00Z two", *tx.AdminNotes)
}

func TestRetryOutOfRejectedClearsAdminDecision(t *testing.T) {
	admin := "adm-2"
	decidedAt := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	tx := &models.Transaction{Status: models.StatusRejected, ProcessedBy: &admin, ProcessedAt: &decidedAt}

	for _, to := range []models.Status{models.StatusProcessing, models.StatusPendingAdminValidation} {
		m, err := Apply(tx, Transition{To: to, Actor: ActorRetry})
		require.NoError(t, err)
		assert.True(t, m.ClearProcessed, to)

		cp := *tx
		m.ApplyTo(&cp)
		assert.Nil(t, cp.ProcessedBy, to)
		assert.Nil(t, cp.ProcessedAt, to)
	}

	failed := &models.Transaction{Status: models.StatusFailed}
	m, err := Apply(failed, Transition{To: models.StatusProcessing, Actor: ActorRetry})
	require.NoError(t, err)
	assert.False(t, m.ClearProcessed)
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(&models.Transaction{Status: models.StatusCompleted}, 3))
	assert.False(t, IsTerminal(&models.Transaction{Status: models.StatusFailed, Attempts: 2}, 3))
	assert.True(t, IsTerminal(&models.Transaction{Status: models.StatusFailed, Attempts: 3}, 3))
	assert.False(t, IsTerminal(&models.Transaction{Status: models.StatusRejected, Attempts: 9}, 0))
	assert.False(t, IsTerminal(&models.Transaction{Status: models.StatusProcessing}, 1))
}
