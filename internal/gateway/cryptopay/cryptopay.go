// Package cryptopay adapts the USDT payout provider used for crypto_to_fiat
// transactions. The provider watches the deposit address for the user's USDT
// and disburses FCFA to the destination mobile money wallet.
package cryptopay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"CFABridge/internal/gateway"
	"CFABridge/internal/models"

	"github.com/shopspring/decimal"
)

const Name = "cryptopay"

type Config struct {
	BaseURL       string
	FallbackURLs  []string
	APIKey        string
	WebhookSecret string
	Timeout       time.Duration
	Network       string
	Currency      string
}

type Provider struct {
	client   gateway.Poster
	secret   string
	network  string
	currency string
}

func New(cfg Config) *Provider {
	network := cfg.Network
	if network == "" {
		network = "trc20"
	}
	currency := cfg.Currency
	if currency == "" {
		currency = "XOF"
	}
	return &Provider{
		client:   gateway.NewPoster(Name, append([]string{cfg.BaseURL}, cfg.FallbackURLs...), cfg.APIKey, cfg.Timeout),
		secret:   cfg.WebhookSecret,
		network:  network,
		currency: currency,
	}
}

func (p *Provider) Name() string { return Name }

func (p *Provider) Direction() models.Direction { return models.CryptoToFiat }

func (p *Provider) InitiateCollection(ctx context.Context, req gateway.Request) (string, error) {
	return "", gateway.ErrUnsupportedOperation
}

type payoutRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	Asset          string `json:"asset"`
	Network        string `json:"network"`
	DepositAddress string `json:"deposit_address"`
	SenderAddress  string `json:"sender_address"`
	ExpectedAmount string `json:"expected_amount"`
	Payout         struct {
		Amount   string `json:"amount"`
		Currency string `json:"currency"`
		MSISDN   string `json:"msisdn"`
		Operator string `json:"operator"`
	} `json:"payout"`
	CallbackURL string `json:"callback_url,omitempty"`
}

type payoutResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// InitiatePayout registers the expected USDT deposit and the FCFA
// disbursement it funds.
func (p *Provider) InitiatePayout(ctx context.Context, req gateway.Request) (string, error) {
	if req.Destination.Kind != models.WalletMobileMoney {
		return "", fmt.Errorf("%w: payout needs a mobile money destination", gateway.ErrGatewayRejected)
	}
	body := payoutRequest{
		IdempotencyKey: req.IdempotencyKey,
		Asset:          "USDT",
		Network:        p.network,
		DepositAddress: req.DepositAddress,
		SenderAddress:  req.Source.Reference,
		ExpectedAmount: req.SourceAmount.String(),
		CallbackURL:    req.CallbackURL,
	}
	body.Payout.Amount = req.Amount.RoundFloor(0).String()
	body.Payout.Currency = p.currency
	body.Payout.MSISDN = req.Destination.Reference
	body.Payout.Operator = req.Destination.Provider

	var resp payoutResponse
	if err := p.client.PostJSON(ctx, "/v2/payouts", req.IdempotencyKey, body, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("%w: %s: empty payout id", gateway.ErrGatewayUnavailable, Name)
	}
	return resp.ID, nil
}

// event is the body of both the webhook and the feed messages.
type event struct {
	Type   string `json:"type"`
	Payout struct {
		ID             string `json:"id"`
		IdempotencyKey string `json:"idempotency_key"`
		Fee            string `json:"fee"`
		FailureCode    string `json:"failure_code"`
		FailureMessage string `json:"failure_message"`
	} `json:"payout"`
}

func (p *Provider) HandleCallback(payload []byte, signature string) (gateway.Callback, error) {
	if err := gateway.VerifySignature(p.secret, payload, signature); err != nil {
		return gateway.Callback{}, err
	}
	return parseEvent(payload)
}

func parseEvent(payload []byte) (gateway.Callback, error) {
	var ev event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return gateway.Callback{}, fmt.Errorf("%w: %v", gateway.ErrInvalidCallback, err)
	}
	if ev.Payout.ID == "" || ev.Payout.IdempotencyKey == "" {
		return gateway.Callback{}, fmt.Errorf("%w: missing payout id or key", gateway.ErrInvalidCallback)
	}

	out := gateway.Callback{
		TransactionID: gateway.TransactionIDFromToken(ev.Payout.IdempotencyKey),
		ReferenceID:   ev.Payout.ID,
		Outcome:       gateway.Outcome{Code: ev.Payout.FailureCode, Reason: ev.Payout.FailureMessage},
		RealizedFee:   decimal.Zero,
	}
	switch strings.ToLower(ev.Type) {
	case "payout.completed":
		out.Outcome.Kind = gateway.OutcomeSettled
	case "payout.failed", "payout.expired":
		out.Outcome.Kind = gateway.OutcomeFailed
	case "payout.on_hold":
		out.Outcome.Kind = gateway.OutcomeRequiresReview
	default:
		return gateway.Callback{}, fmt.Errorf("%w: unknown event %q", gateway.ErrInvalidCallback, ev.Type)
	}
	if ev.Payout.Fee != "" {
		fee, err := decimal.NewFromString(ev.Payout.Fee)
		if err != nil {
			return gateway.Callback{}, fmt.Errorf("%w: fee: %v", gateway.ErrInvalidCallback, err)
		}
		out.RealizedFee = fee
	}
	return out, nil
}
