package gateway

import (
	"context"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdempotencyTokenRoundTrip(t *testing.T) {
	id := "6f1c2a8e-3b7d-4c55-9a0e-2d4b8f6a1c90"
	token := IdempotencyToken(id, 3)
	assert.Equal(t, id+"-3", token)
	assert.Equal(t, id, TransactionIDFromToken(token))
	assert.Equal(t, "plain", TransactionIDFromToken("plain"))
	assert.Equal(t, "abc-def", TransactionIDFromToken("abc-def"))
}

func TestCallbackIdempotencyKey(t *testing.T) {
	cb := Callback{ReferenceID: "col_1", Outcome: Outcome{Kind: OutcomeSettled}}
	assert.Equal(t, "col_1:settled", cb.IdempotencyKey())
}

func TestIsLiquidityCode(t *testing.T) {
	assert.True(t, IsLiquidityCode("INSUFFICIENT_BALANCE"))
	assert.True(t, IsLiquidityCode(" insufficient_float "))
	assert.False(t, IsLiquidityCode("wrong_pin"))
}

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"a":1}`)
	sig := hex.EncodeToString(Sign("s3cret", payload))

	assert.NoError(t, VerifySignature("s3cret", payload, sig))
	assert.NoError(t, VerifySignature("s3cret", payload, "sha256="+sig))
	assert.NoError(t, VerifySignature("", payload, ""))
	assert.ErrorIs(t, VerifySignature("s3cret", payload, ""), ErrBadSignature)
	assert.ErrorIs(t, VerifySignature("s3cret", payload, "zz"), ErrBadSignature)
	assert.ErrorIs(t, VerifySignature("other", payload, sig), ErrBadSignature)
}

func TestPostJSONErrorMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		assert.Equal(t, "tx-1", r.Header.Get("Idempotency-Key"))
		switch r.URL.Path {
		case "/ok":
			_, _ = w.Write([]byte(`{"id":"ref-1"}`))
		case "/busy":
			w.WriteHeader(http.StatusServiceUnavailable)
		case "/throttled":
			w.WriteHeader(http.StatusTooManyRequests)
		case "/declined":
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"code":"insufficient_balance","message":"float too low"}`))
		case "/bare":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte("nope"))
		}
	}))
	defer srv.Close()

	c := NewClient("test", srv.URL, "key", time.Second)
	ctx := context.Background()

	var out struct {
		ID string `json:"id"`
	}
	require.NoError(t, c.PostJSON(ctx, "/ok", "tx-1", map[string]string{}, &out))
	assert.Equal(t, "ref-1", out.ID)

	assert.ErrorIs(t, c.PostJSON(ctx, "/busy", "tx-1", nil, nil), ErrGatewayUnavailable)
	assert.ErrorIs(t, c.PostJSON(ctx, "/throttled", "tx-1", nil, nil), ErrGatewayUnavailable)

	err := c.PostJSON(ctx, "/declined", "tx-1", nil, nil)
	assert.ErrorIs(t, err, ErrGatewayRejected)
	var rej *RejectedError
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, "insufficient_balance", rej.Code)

	err = c.PostJSON(ctx, "/bare", "tx-1", nil, nil)
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, "http_400", rej.Code)
	assert.Equal(t, "nope", rej.Message)
}

func TestPostJSONTransportFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	err := NewClient("test", url, "", time.Second).PostJSON(context.Background(), "/x", "", nil, nil)
	assert.ErrorIs(t, err, ErrGatewayUnavailable)
	assert.True(t, IsTransient(err))
}
