package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Direction string

const (
	FiatToCrypto Direction = "fiat_to_crypto"
	CryptoToFiat Direction = "crypto_to_fiat"
)

func (d Direction) Valid() bool {
	return d == FiatToCrypto || d == CryptoToFiat
}

type Status string

const (
	StatusPending                Status = "pending"
	StatusProcessing             Status = "processing"
	StatusPendingAdminValidation Status = "pending_admin_validation"
	StatusCompleted              Status = "completed"
	StatusFailed                 Status = "failed"
	StatusRejected               Status = "rejected"
)

var AllStatuses = []Status{
	StatusPending,
	StatusProcessing,
	StatusPendingAdminValidation,
	StatusCompleted,
	StatusFailed,
	StatusRejected,
}

func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// FailureReason is set by whichever component detected the failure. Retry
// dispatch reads it instead of admin notes.
type FailureReason string

const (
	ReasonNone                  FailureReason = ""
	ReasonGatewayUnavailable    FailureReason = "gateway_unavailable"
	ReasonGatewayRejected       FailureReason = "gateway_rejected"
	ReasonGatewayTimeout        FailureReason = "gateway_timeout"
	ReasonInsufficientLiquidity FailureReason = "insufficient_liquidity"
	ReasonSettlementFailed      FailureReason = "settlement_failed"
	ReasonAdminRejected         FailureReason = "admin_rejected"
)

type WalletKind string

const (
	WalletMobileMoney WalletKind = "mobile_money"
	WalletCrypto      WalletKind = "crypto"
)

// Wallet is either a mobile money account (Reference is the MSISDN, Provider
// the operator) or a crypto address (Reference is the address, Provider the
// network).
type Wallet struct {
	Kind      WalletKind `json:"kind"`
	Reference string     `json:"reference"`
	Provider  string     `json:"provider"`
}

type Transaction struct {
	ID                     string
	UserID                 string
	Direction              Direction
	AmountFiat             decimal.Decimal
	AmountCrypto           decimal.Decimal
	ExchangeRateAtCreation decimal.Decimal
	FeesFiat               decimal.Decimal
	FeesCrypto             decimal.Decimal
	FinalAmountFiat        *decimal.Decimal
	FinalAmountCrypto      *decimal.Decimal
	Status                 Status
	FailureReason          FailureReason
	SourceWallet           Wallet
	DestinationWallet      Wallet
	DepositAddress         *string
	GatewayReferenceID     *string
	Attempts               int
	AdminNotes             *string
	ProcessedBy            *string
	ProcessedAt            *time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// SourceAmount is the amount the user sends, in the source currency.
func (t *Transaction) SourceAmount() decimal.Decimal {
	if t.Direction == CryptoToFiat {
		return t.AmountCrypto
	}
	return t.AmountFiat
}

// FinalAmount returns the net amount delivered on the counter leg.
func (t *Transaction) FinalAmount() *decimal.Decimal {
	if t.Direction == CryptoToFiat {
		return t.FinalAmountFiat
	}
	return t.FinalAmountCrypto
}

// Mutation lists the only fields that may change after creation. Amounts and
// the creation rate have no slot here.
type Mutation struct {
	Status             *Status
	FailureReason      *FailureReason
	FeesFiat           *decimal.Decimal
	FeesCrypto         *decimal.Decimal
	FinalAmountFiat    *decimal.Decimal
	FinalAmountCrypto  *decimal.Decimal
	GatewayReferenceID *string
	Attempts           *int
	ProcessedBy        *string
	ProcessedAt        *time.Time
	UpdatedAt          time.Time

	// Note is appended to the admin notes by the store, never written over
	// them.
	Note string
	// ClearProcessed resets ProcessedBy and ProcessedAt.
	ClearProcessed bool

	// Actor is recorded in the status history, not on the transaction.
	Actor string
}

// ApplyTo copies the mutation onto t. Used by in-process stores and to
// compute the post-update view.
func (m Mutation) ApplyTo(t *Transaction) {
	if m.Status != nil {
		t.Status = *m.Status
	}
	if m.FailureReason != nil {
		t.FailureReason = *m.FailureReason
	}
	if m.FeesFiat != nil {
		t.FeesFiat = *m.FeesFiat
	}
	if m.FeesCrypto != nil {
		t.FeesCrypto = *m.FeesCrypto
	}
	if m.FinalAmountFiat != nil {
		v := *m.FinalAmountFiat
		t.FinalAmountFiat = &v
	}
	if m.FinalAmountCrypto != nil {
		v := *m.FinalAmountCrypto
		t.FinalAmountCrypto = &v
	}
	if m.GatewayReferenceID != nil {
		v := *m.GatewayReferenceID
		t.GatewayReferenceID = &v
	}
	if m.Attempts != nil {
		t.Attempts = *m.Attempts
	}
	if m.Note != "" {
		v := m.Note
		if t.AdminNotes != nil && *t.AdminNotes != "" {
			v = *t.AdminNotes + "\n" + m.Note
		}
		t.AdminNotes = &v
	}
	if m.ClearProcessed {
		t.ProcessedBy = nil
		t.ProcessedAt = nil
	}
	if m.ProcessedBy != nil {
		v := *m.ProcessedBy
		t.ProcessedBy = &v
	}
	if m.ProcessedAt != nil {
		v := *m.ProcessedAt
		t.ProcessedAt = &v
	}
	if !m.UpdatedAt.IsZero() {
		t.UpdatedAt = m.UpdatedAt
	}
}

type StatusChange struct {
	TransactionID string
	From          Status
	To            Status
	Actor         string
	Reason        FailureReason
	At            time.Time
}

type Filter struct {
	UserID    string
	Status    Status
	Direction Direction
	Limit     int
	Offset    int
}
