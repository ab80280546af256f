package mobilemoney

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"CFABridge/internal/gateway"
	"CFABridge/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectionRequestFixture() gateway.Request {
	return gateway.Request{
		TransactionID:  "tx-abc",
		IdempotencyKey: "tx-abc-1",
		Direction:      models.FiatToCrypto,
		Amount:         decimal.RequireFromString("51600.40"),
		Source:         models.Wallet{Kind: models.WalletMobileMoney, Reference: "+22507000000", Provider: "orange"},
		Destination:    models.Wallet{Kind: models.WalletCrypto, Reference: "TXYZ", Provider: "trc20"},
	}
}

func TestInitiateCollection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/collections", r.URL.Path)
		var body collectionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "tx-abc-1", body.Reference)
		assert.Equal(t, "51601", body.Amount)
		assert.Equal(t, "XOF", body.Currency)
		assert.Equal(t, "+22507000000", body.MSISDN)
		assert.Equal(t, "orange", body.Operator)
		_, _ = w.Write([]byte(`{"collection_id":"col_9","status":"accepted"}`))
	}))
	defer srv.Close()

	p := New(Config{BaseURL: srv.URL})
	ref, err := p.InitiateCollection(context.Background(), collectionRequestFixture())
	require.NoError(t, err)
	assert.Equal(t, "col_9", ref)
}

func TestInitiateCollectionDeclined(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"collection_id":"col_9","status":"declined","message":"blocked msisdn"}`))
	}))
	defer srv.Close()

	_, err := New(Config{BaseURL: srv.URL}).InitiateCollection(context.Background(), collectionRequestFixture())
	assert.ErrorIs(t, err, gateway.ErrGatewayRejected)
}

func TestInitiateCollectionNeedsMobileMoneySource(t *testing.T) {
	req := collectionRequestFixture()
	req.Source.Kind = models.WalletCrypto
	_, err := New(Config{BaseURL: "http://unused"}).InitiateCollection(context.Background(), req)
	assert.ErrorIs(t, err, gateway.ErrGatewayRejected)
}

func TestInitiatePayoutUnsupported(t *testing.T) {
	_, err := New(Config{}).InitiatePayout(context.Background(), collectionRequestFixture())
	assert.ErrorIs(t, err, gateway.ErrUnsupportedOperation)
}

func TestHandleCallback(t *testing.T) {
	p := New(Config{WebhookSecret: "hook"})
	cases := []struct {
		status string
		want   gateway.OutcomeKind
	}{
		{"SUCCESSFUL", gateway.OutcomeSettled},
		{"FAILED", gateway.OutcomeFailed},
		{"EXPIRED", gateway.OutcomeFailed},
		{"PENDING_REVIEW", gateway.OutcomeRequiresReview},
	}
	for _, tc := range cases {
		t.Run(tc.status, func(t *testing.T) {
			payload := []byte(`{"event":"collection.updated","data":{"collection_id":"col_9","reference":"6f1c2a8e-3b7d-4c55-9a0e-2d4b8f6a1c90-2","status":"` + tc.status + `","reason_code":"x","fee":"12.5"}}`)
			sig := hex.EncodeToString(gateway.Sign("hook", payload))

			cb, err := p.HandleCallback(payload, sig)
			require.NoError(t, err)
			assert.Equal(t, "6f1c2a8e-3b7d-4c55-9a0e-2d4b8f6a1c90", cb.TransactionID)
			assert.Equal(t, "col_9", cb.ReferenceID)
			assert.Equal(t, tc.want, cb.Outcome.Kind)
			assert.Equal(t, "12.5", cb.RealizedFee.String())
		})
	}
}

func TestHandleCallbackRejectsBadInput(t *testing.T) {
	p := New(Config{WebhookSecret: "hook"})
	payload := []byte(`{"data":{"collection_id":"col_9","reference":"tx-1","status":"SUCCESSFUL"}}`)
	_, err := p.HandleCallback(payload, "deadbeef")
	assert.ErrorIs(t, err, gateway.ErrBadSignature)

	p = New(Config{})
	_, err = p.HandleCallback([]byte(`{`), "")
	assert.ErrorIs(t, err, gateway.ErrInvalidCallback)
	_, err = p.HandleCallback([]byte(`{"data":{"collection_id":"col_9","reference":"tx-1","status":"WEIRD"}}`), "")
	assert.ErrorIs(t, err, gateway.ErrInvalidCallback)
	_, err = p.HandleCallback([]byte(`{"data":{"reference":"tx-1","status":"FAILED"}}`), "")
	assert.ErrorIs(t, err, gateway.ErrInvalidCallback)
}
