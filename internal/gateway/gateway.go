// Package gateway defines the contract the engine needs from the external
// payment providers: starting a collection or payout, and turning their
// asynchronous callbacks into outcomes.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"CFABridge/internal/models"

	"github.com/shopspring/decimal"
)

var (
	// ErrGatewayUnavailable is transient; the same request may be retried later.
	ErrGatewayUnavailable = errors.New("gateway unavailable")
	// ErrGatewayRejected means the provider refused the operation.
	ErrGatewayRejected = errors.New("gateway rejected operation")

	ErrUnsupportedOperation = errors.New("operation not supported by gateway")
	ErrInvalidCallback      = errors.New("invalid callback payload")
	ErrBadSignature         = errors.New("callback signature mismatch")
	ErrUnknownGateway       = errors.New("unknown gateway")
)

// RejectedError carries the provider's code so callers can tell a liquidity
// problem from a plain decline.
type RejectedError struct {
	Gateway string
	Code    string
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s rejected (%s): %s", e.Gateway, e.Code, e.Message)
}

func (e *RejectedError) Unwrap() error { return ErrGatewayRejected }

type OutcomeKind string

const (
	OutcomeSettled        OutcomeKind = "settled"
	OutcomeFailed         OutcomeKind = "failed"
	OutcomeRequiresReview OutcomeKind = "requires_review"
)

type Outcome struct {
	Kind   OutcomeKind
	Code   string
	Reason string
}

// Callback is a provider notification mapped to engine terms.
type Callback struct {
	TransactionID string
	ReferenceID   string
	Outcome       Outcome
	// RealizedFee is the FCFA fee the provider reports at settlement. Both
	// providers work on the FCFA leg.
	RealizedFee decimal.Decimal
}

// IdempotencyKey identifies a callback delivery: the same reference with the
// same outcome is the same event.
func (c Callback) IdempotencyKey() string {
	return c.ReferenceID + ":" + string(c.Outcome.Kind)
}

// Request is what the engine sends to a provider.
type Request struct {
	TransactionID  string
	IdempotencyKey string
	Direction      models.Direction
	// Amount is the FCFA amount to collect or pay out.
	Amount decimal.Decimal
	// SourceAmount is what the user sends, in the source currency.
	SourceAmount   decimal.Decimal
	Currency       string
	Source         models.Wallet
	Destination    models.Wallet
	DepositAddress string
	CallbackURL    string
}

// Gateway is implemented once per direction.
type Gateway interface {
	Name() string
	Direction() models.Direction
	InitiateCollection(ctx context.Context, req Request) (string, error)
	InitiatePayout(ctx context.Context, req Request) (string, error)
	HandleCallback(payload []byte, signature string) (Callback, error)
}

// IdempotencyToken derives the provider idempotency token for one attempt of
// a transaction. Concurrent callers on the same attempt send the same token.
func IdempotencyToken(transactionID string, attempt int) string {
	return fmt.Sprintf("%s-%d", transactionID, attempt)
}

// TransactionIDFromToken strips the attempt suffix added by IdempotencyToken.
func TransactionIDFromToken(token string) string {
	i := strings.LastIndex(token, "-")
	if i <= 0 {
		return token
	}
	if _, err := strconv.Atoi(token[i+1:]); err != nil {
		return token
	}
	return token[:i]
}

// liquidityCodes are provider codes meaning the platform's float could not
// cover the operation.
var liquidityCodes = map[string]bool{
	"insufficient_balance": true,
	"insufficient_float":   true,
	"low_liquidity":        true,
}

// IsLiquidityCode reports whether a provider code signals a float shortfall.
func IsLiquidityCode(code string) bool {
	return liquidityCodes[strings.ToLower(strings.TrimSpace(code))]
}

// Registry resolves the gateway for a direction or by callback name.
type Registry struct {
	byDirection map[models.Direction]Gateway
	byName      map[string]Gateway
}

func NewRegistry(gateways ...Gateway) *Registry {
	r := &Registry{
		byDirection: map[models.Direction]Gateway{},
		byName:      map[string]Gateway{},
	}
	for _, g := range gateways {
		r.byDirection[g.Direction()] = g
		r.byName[g.Name()] = g
	}
	return r
}

func (r *Registry) ForDirection(d models.Direction) (Gateway, error) {
	g, ok := r.byDirection[d]
	if !ok {
		return nil, fmt.Errorf("%w: no gateway for %s", ErrUnknownGateway, d)
	}
	return g, nil
}

func (r *Registry) ByName(name string) (Gateway, error) {
	g, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGateway, name)
	}
	return g, nil
}
