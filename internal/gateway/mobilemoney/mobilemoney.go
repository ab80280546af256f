// Package mobilemoney adapts the FCFA mobile money collection provider used
// for fiat_to_crypto transactions. The user approves a push request on their
// phone; the provider reports the result to our webhook.
package mobilemoney

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

const Name = "mobilemoney"

type Config struct {
	BaseURL       string
	FallbackURLs  []string
	APIKey        string
	WebhookSecret string
	Timeout       time.Duration
	Currency      string
}

type Provider struct {
	client   gateway.Poster
	secret   string
	currency string
}

func New(cfg Config) *Provider {
	currency := cfg.Currency
	if currency == "" {
		currency = "XOF"
	}
	return &Provider{
		client:   gateway.NewPoster(Name, append([]string{cfg.BaseURL}, cfg.FallbackURLs...), cfg.APIKey, cfg.Timeout),
		secret:   cfg.WebhookSecret,
		currency: currency,
	}
}

func (p *Provider) Name() string { return Name }

func (p *Provider) Direction() models.Direction { return models.FiatToCrypto }

type collectionRequest struct {
	Reference   string `json:"reference"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	MSISDN      string `json:"msisdn"`
	Operator    string `json:"operator"`
	CallbackURL string `json:"callback_url,omitempty"`
	Description string `json:"description"`
}

type collectionResponse struct {
	CollectionID string `json:"collection_id"`
	Status       string `json:"status"`
	Message      string `json:"message"`
}

// InitiateCollection asks the provider to charge the user's mobile money
// wallet. FCFA has no minor unit in practice, so the amount is rounded up to
// the next whole franc.
func (p *Provider) InitiateCollection(ctx context.Context, req gateway.Request) (string, error) {
	if req.Source.Kind != models.WalletMobileMoney {
		return "", fmt.Errorf("%w: collection needs a mobile money source", gateway.ErrGatewayRejected)
	}
	body := collectionRequest{
		Reference:   req.IdempotencyKey,
		Amount:      req.Amount.RoundCeil(0).String(),
		Currency:    p.currency,
		MSISDN:      req.Source.Reference,
		Operator:    req.Source.Provider,
		CallbackURL: req.CallbackURL,
		Description: "USDT purchase " + req.TransactionID,
	}
	var resp collectionResponse
	if err := p.client.PostJSON(ctx, "/v1/collections", req.IdempotencyKey, body, &resp); err != nil {
		return "", err
	}
	if resp.CollectionID == "" {
		return "", fmt.Errorf("%w: %s: empty collection id", gateway.ErrGatewayUnavailable, Name)
	}
	if strings.EqualFold(resp.Status, "declined") {
		return "", &gateway.RejectedError{Gateway: Name, Code: "declined", Message: resp.Message}
	}
	return resp.CollectionID, nil
}

// InitiatePayout is not offered by the collection provider; the USDT leg of a
// fiat_to_crypto transaction is released by operations.
func (p *Provider) InitiatePayout(ctx context.Context, req gateway.Request) (string, error) {
	return "", gateway.ErrUnsupportedOperation
}

type callbackPayload struct {
	Event string `json:"event"`
	Data  struct {
		CollectionID string `json:"collection_id"`
		Reference    string `json:"reference"`
		Status       string `json:"status"`
		ReasonCode   string `json:"reason_code"`
		Reason       string `json:"reason"`
		Fee          string `json:"fee"`
	} `json:"data"`
}

// HandleCallback maps a collection webhook to an outcome. The reference we
// sent is "<transaction id>-<attempt>".
func (p *Provider) HandleCallback(payload []byte, signature string) (gateway.Callback, error) {
	if err := gateway.VerifySignature(p.secret, payload, signature); err != nil {
		return gateway.Callback{}, err
	}
	var cb callbackPayload
	if err := json.Unmarshal(payload, &cb); err != nil {
		return gateway.Callback{}, fmt.Errorf("%w: %v", gateway.ErrInvalidCallback, err)
	}
	d := cb.Data
	if d.CollectionID == "" || d.Reference == "" {
		return gateway.Callback{}, fmt.Errorf("%w: missing collection id or reference", gateway.ErrInvalidCallback)
	}

	out := gateway.Callback{
		TransactionID: gateway.TransactionIDFromToken(d.Reference),
		ReferenceID:   d.CollectionID,
		Outcome:       gateway.Outcome{Code: d.ReasonCode, Reason: d.Reason},
		RealizedFee:   decimal.Zero,
	}
	switch strings.ToUpper(d.Status) {
	case "SUCCESSFUL", "SUCCESS":
		out.Outcome.Kind = gateway.OutcomeSettled
	case "FAILED", "CANCELLED", "EXPIRED":
		out.Outcome.Kind = gateway.OutcomeFailed
	case "PENDING_REVIEW", "ON_HOLD":
		out.Outcome.Kind = gateway.OutcomeRequiresReview
	default:
		return gateway.Callback{}, fmt.Errorf("%w: unknown status %q", gateway.ErrInvalidCallback, d.Status)
	}
	if d.Fee != "" {
		fee, err := decimal.NewFromString(d.Fee)
		if err != nil {
			return gateway.Callback{}, fmt.Errorf("%w: fee: %v", gateway.ErrInvalidCallback, err)
		}
		out.RealizedFee = fee
	}
	return out, nil
}
