package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"CFABridge/internal/events"
	"CFABridge/internal/gateway"
	"CFABridge/internal/idempotency"
	"CFABridge/internal/models"
	"CFABridge/internal/pricing"
	"CFABridge/internal/store/memstore"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeGateway hands out references per idempotency key, so repeated calls
// with the same key get the same reference.
type fakeGateway struct {
	name string
	dir  models.Direction

	mu    sync.Mutex
	refs  map[string]string
	calls []gateway.Request
	errs  []error
	next  int
}

func newFakeGateway(name string, dir models.Direction) *fakeGateway {
	return &fakeGateway{name: name, dir: dir, refs: map[string]string{}}
}

func (g *fakeGateway) Name() string                { return g.name }
func (g *fakeGateway) Direction() models.Direction { return g.dir }

// failNext queues errors returned by the next calls.
func (g *fakeGateway) failNext(errs ...error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.errs = append(g.errs, errs...)
}

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func (g *fakeGateway) lastCall() gateway.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[len(g.calls)-1]
}

func (g *fakeGateway) initiate(req gateway.Request) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, req)
	if len(g.errs) > 0 {
		err := g.errs[0]
		g.errs = g.errs[1:]
		return "", err
	}
	if ref, ok := g.refs[req.IdempotencyKey]; ok {
		return ref, nil
	}
	g.next++
	ref := fmt.Sprintf("%s_ref_%d", g.name, g.next)
	g.refs[req.IdempotencyKey] = ref
	return ref, nil
}

func (g *fakeGateway) InitiateCollection(ctx context.Context, req gateway.Request) (string, error) {
	if g.dir != models.FiatToCrypto {
		return "", gateway.ErrUnsupportedOperation
	}
	return g.initiate(req)
}

func (g *fakeGateway) InitiatePayout(ctx context.Context, req gateway.Request) (string, error) {
	if g.dir != models.CryptoToFiat {
		return "", gateway.ErrUnsupportedOperation
	}
	return g.initiate(req)
}

type fakePayload struct {
	TransactionID string `json:"transaction_id"`
	Reference     string `json:"reference"`
	Kind          string `json:"kind"`
	Code          string `json:"code"`
	Fee           string `json:"fee"`
}

func (g *fakeGateway) HandleCallback(payload []byte, signature string) (gateway.Callback, error) {
	if signature == "bad" {
		return gateway.Callback{}, gateway.ErrBadSignature
	}
	var p fakePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return gateway.Callback{}, gateway.ErrInvalidCallback
	}
	fee := decimal.Zero
	if p.Fee != "" {
		fee = decimal.RequireFromString(p.Fee)
	}
	return gateway.Callback{
		TransactionID: p.TransactionID,
		ReferenceID:   p.Reference,
		Outcome:       gateway.Outcome{Kind: gateway.OutcomeKind(p.Kind), Code: p.Code},
		RealizedFee:   fee,
	}, nil
}

func callbackPayload(t *models.Transaction, kind gateway.OutcomeKind, code, fee string) []byte {
	ref := ""
	if t.GatewayReferenceID != nil {
		ref = *t.GatewayReferenceID
	}
	data, _ := json.Marshal(fakePayload{TransactionID: t.ID, Reference: ref, Kind: string(kind), Code: code, Fee: fee})
	return data
}

type fakeAddresses struct{}

func (fakeAddresses) Derive(index uint32) (string, error) {
	return fmt.Sprintf("TDeposit%04d", index), nil
}

func (fakeAddresses) Validate(addr string) error {
	if !strings.HasPrefix(addr, "T") || len(addr) < 10 {
		return errors.New("not a tron address")
	}
	return nil
}

type recordingPublisher struct {
	mu  sync.Mutex
	got []events.StatusChanged
	err error
}

func (r *recordingPublisher) Publish(ctx context.Context, ev events.StatusChanged) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, ev)
	return r.err
}

func (r *recordingPublisher) transitions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.got))
	for _, ev := range r.got {
		out = append(out, string(ev.OldStatus)+">"+string(ev.NewStatus))
	}
	return out
}

func testSchedule() pricing.Schedule {
	return pricing.Schedule{
		ExchangeRate:          decimal.NewFromInt(660),
		GatewayFeePercent:     decimal.NewFromInt(3),
		GatewayFixedFee:       decimal.NewFromInt(100),
		CryptoWithdrawalFee:   decimal.NewFromInt(1),
		PayoutFlatFee:         decimal.RequireFromString("0.5"),
		MobileMoneyFeePercent: decimal.RequireFromString("1.5"),
		MinFiatAmount:         decimal.NewFromInt(1000),
		MinCryptoAmount:       decimal.NewFromInt(5),
		Version:               1,
	}
}

type harness struct {
	store  *memstore.Store
	f2c    *fakeGateway
	c2f    *fakeGateway
	events *recordingPublisher
	guard  *idempotency.MemoryGuard

	tx       TransactionService
	callback CallbackService
	admin    AdminService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:  memstore.New(),
		f2c:    newFakeGateway("mobilemoney", models.FiatToCrypto),
		c2f:    newFakeGateway("cryptopay", models.CryptoToFiat),
		events: &recordingPublisher{},
		guard:  idempotency.NewMemoryGuard(),
	}
	rec := Recorder{Store: h.store, Events: h.events, Logger: zap.NewNop()}
	registry := gateway.NewRegistry(h.f2c, h.c2f)
	provider := pricing.Static{Schedule: testSchedule()}

	h.tx = TransactionService{
		Recorder:        rec,
		Pricing:         provider,
		Gateways:        registry,
		Addresses:       fakeAddresses{},
		MaxAttempts:     3,
		CallbackBaseURL: "https://api.example.com/callbacks/",
	}
	h.callback = CallbackService{Recorder: rec, Gateways: registry, Guard: h.guard, Backoff: time.Millisecond}
	h.admin = AdminService{Recorder: rec, Schedules: h.store, Pricing: provider}
	return h
}

func fiatToCryptoRequest() CreateRequest {
	return CreateRequest{
		UserID:      "user-1",
		Direction:   models.FiatToCrypto,
		Amount:      decimal.NewFromInt(50000),
		Source:      models.Wallet{Kind: models.WalletMobileMoney, Reference: "+225 0700000000", Provider: "Orange"},
		Destination: models.Wallet{Kind: models.WalletCrypto, Reference: "TUserWallet01"},
	}
}

func cryptoToFiatRequest() CreateRequest {
	return CreateRequest{
		UserID:      "user-2",
		Direction:   models.CryptoToFiat,
		Amount:      decimal.NewFromInt(100),
		Source:      models.Wallet{Kind: models.WalletCrypto, Reference: "TUserWallet02", Provider: "trc20"},
		Destination: models.Wallet{Kind: models.WalletMobileMoney, Reference: "+221770000000", Provider: "wave"},
	}
}

func (h *harness) create(t *testing.T, req CreateRequest) *models.Transaction {
	t.Helper()
	tx, err := h.tx.CreateTransaction(context.Background(), req)
	require.NoError(t, err)
	return tx
}

func (h *harness) deliver(t *testing.T, tx *models.Transaction, kind gateway.OutcomeKind, code, fee string) (CallbackResult, error) {
	t.Helper()
	gw := h.f2c.name
	if tx.Direction == models.CryptoToFiat {
		gw = h.c2f.name
	}
	return h.callback.HandleCallback(context.Background(), gw, callbackPayload(tx, kind, code, fee), "")
}

func (h *harness) reload(t *testing.T, id string) *models.Transaction {
	t.Helper()
	tx, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return tx
}
