package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"CFABridge/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func sampleEvent() StatusChanged {
	return StatusChanged{
		TransactionID: "tx-1",
		Direction:     models.CryptoToFiat,
		OldStatus:     models.StatusProcessing,
		NewStatus:     models.StatusFailed,
		Reason:        models.ReasonInsufficientLiquidity,
		Actor:         "gateway",
		At:            time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestMessage(t *testing.T) {
	msg, err := Message(sampleEvent())
	require.NoError(t, err)
	assert.Equal(t, "tx-1", string(msg.Key))

	var body map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &body))
	assert.Equal(t, "processing", body["old_status"])
	assert.Equal(t, "failed", body["new_status"])
	assert.Equal(t, "insufficient_liquidity", body["reason"])
	assert.Equal(t, "crypto_to_fiat", body["direction"])
}

func TestLogPublisher(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	p := LogPublisher{Logger: zap.New(core)}
	require.NoError(t, p.Publish(context.Background(), sampleEvent()))

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "tx-1", entries[0].ContextMap()["transaction_id"])
	assert.Equal(t, "failed", entries[0].ContextMap()["to"])
}

type recordingPublisher struct {
	got []StatusChanged
	err error
}

func (r *recordingPublisher) Publish(ctx context.Context, ev StatusChanged) error {
	r.got = append(r.got, ev)
	return r.err
}

func TestMultiPublishesToAll(t *testing.T) {
	boom := errors.New("broker down")
	a := &recordingPublisher{err: boom}
	b := &recordingPublisher{}
	err := Multi{a, b}.Publish(context.Background(), sampleEvent())
	assert.ErrorIs(t, err, boom)
	assert.Len(t, a.got, 1)
	assert.Len(t, b.got, 1)
}
