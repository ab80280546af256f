package http

import (
	"net/http"
	"time"

	"CFABridge/internal/models"
	"CFABridge/internal/pricing"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
)

type quoteRequest struct {
	Direction models.Direction `json:"direction"`
	Amount    decimal.Decimal  `json:"amount"`
}

type createTransactionRequest struct {
	Direction         models.Direction `json:"direction"`
	Amount            decimal.Decimal  `json:"amount"`
	SourceWallet      models.Wallet    `json:"sourceWallet"`
	DestinationWallet models.Wallet    `json:"destinationWallet"`
}

type decisionRequest struct {
	Approve bool   `json:"approve"`
	Notes   string `json:"notes"`
}

type rateScheduleRequest struct {
	ExchangeRate          decimal.Decimal `json:"exchangeRate"`
	GatewayFeePercent     decimal.Decimal `json:"gatewayFeePercent"`
	GatewayFixedFee       decimal.Decimal `json:"gatewayFixedFee"`
	CryptoWithdrawalFee   decimal.Decimal `json:"cryptoWithdrawalFee"`
	PayoutFlatFee         decimal.Decimal `json:"payoutFlatFee"`
	MobileMoneyFeePercent decimal.Decimal `json:"mobileMoneyFeePercent"`
	MinFiatAmount         decimal.Decimal `json:"minFiatAmount"`
	MinCryptoAmount       decimal.Decimal `json:"minCryptoAmount"`
}

func (r rateScheduleRequest) schedule() pricing.Schedule {
	return pricing.Schedule{
		ExchangeRate:          r.ExchangeRate,
		GatewayFeePercent:     r.GatewayFeePercent,
		GatewayFixedFee:       r.GatewayFixedFee,
		CryptoWithdrawalFee:   r.CryptoWithdrawalFee,
		PayoutFlatFee:         r.PayoutFlatFee,
		MobileMoneyFeePercent: r.MobileMoneyFeePercent,
		MinFiatAmount:         r.MinFiatAmount,
		MinCryptoAmount:       r.MinCryptoAmount,
	}
}

type rateScheduleResponse struct {
	rateScheduleRequest
	Version   int64  `json:"version"`
	Source    string `json:"source"`
	UpdatedAt string `json:"updatedAt,omitempty"`
}

func newRateScheduleResponse(s pricing.Schedule) rateScheduleResponse {
	resp := rateScheduleResponse{
		rateScheduleRequest: rateScheduleRequest{
			ExchangeRate:          s.ExchangeRate,
			GatewayFeePercent:     s.GatewayFeePercent,
			GatewayFixedFee:       s.GatewayFixedFee,
			CryptoWithdrawalFee:   s.CryptoWithdrawalFee,
			PayoutFlatFee:         s.PayoutFlatFee,
			MobileMoneyFeePercent: s.MobileMoneyFeePercent,
			MinFiatAmount:         s.MinFiatAmount,
			MinCryptoAmount:       s.MinCryptoAmount,
		},
		Version: s.Version,
		Source:  s.Source,
	}
	if !s.UpdatedAt.IsZero() {
		resp.UpdatedAt = s.UpdatedAt.Format(time.RFC3339)
	}
	return resp
}

type quoteResponse struct {
	Direction             models.Direction `json:"direction"`
	SourceAmount          decimal.Decimal  `json:"sourceAmount"`
	GrossCounterAmount    decimal.Decimal  `json:"grossCounterAmount"`
	GatewayFee            decimal.Decimal  `json:"gatewayFee"`
	WithdrawalOrPayoutFee decimal.Decimal  `json:"withdrawalOrPayoutFee"`
	NetCounterAmount      decimal.Decimal  `json:"netCounterAmount"`
	TotalPayableBySource  decimal.Decimal  `json:"totalPayableBySource"`
	MobileMoneyFee        decimal.Decimal  `json:"mobileMoneyFee"`
	ExchangeRate          decimal.Decimal  `json:"exchangeRate"`
	ScheduleVersion       int64            `json:"scheduleVersion"`
}

func newQuoteResponse(q pricing.Quote) quoteResponse {
	return quoteResponse{
		Direction:             q.Direction,
		SourceAmount:          q.SourceAmount,
		GrossCounterAmount:    q.GrossCounterAmount,
		GatewayFee:            q.GatewayFee,
		WithdrawalOrPayoutFee: q.WithdrawalOrPayoutFee,
		NetCounterAmount:      q.NetCounterAmount,
		TotalPayableBySource:  q.TotalPayableBySource,
		MobileMoneyFee:        q.MobileMoneyFee,
		ExchangeRate:          q.ExchangeRate,
		ScheduleVersion:       q.ScheduleVersion,
	}
}

// transactionResponse is what the owning user sees. Admin notes and gateway
// details stay out of it.
type transactionResponse struct {
	ID                string           `json:"id"`
	Direction         models.Direction `json:"direction"`
	Status            models.Status    `json:"status"`
	Message           string           `json:"message,omitempty"`
	AmountFiat        decimal.Decimal  `json:"amountFiat"`
	AmountCrypto      decimal.Decimal  `json:"amountCrypto"`
	ExchangeRate      decimal.Decimal  `json:"exchangeRate"`
	FeesFiat          decimal.Decimal  `json:"feesFiat"`
	FeesCrypto        decimal.Decimal  `json:"feesCrypto"`
	FinalAmountFiat   *decimal.Decimal `json:"finalAmountFiat,omitempty"`
	FinalAmountCrypto *decimal.Decimal `json:"finalAmountCrypto,omitempty"`
	SourceWallet      models.Wallet    `json:"sourceWallet"`
	DestinationWallet models.Wallet    `json:"destinationWallet"`
	DepositAddress    string           `json:"depositAddress,omitempty"`
	CreatedAt         string           `json:"createdAt"`
	UpdatedAt         string           `json:"updatedAt"`
}

func newTransactionResponse(t *models.Transaction, lang language.Tag) transactionResponse {
	resp := transactionResponse{
		ID:                t.ID,
		Direction:         t.Direction,
		Status:            t.Status,
		Message:           statusMessage(lang, t.Status, t.FailureReason),
		AmountFiat:        t.AmountFiat,
		AmountCrypto:      t.AmountCrypto,
		ExchangeRate:      t.ExchangeRateAtCreation,
		FeesFiat:          t.FeesFiat,
		FeesCrypto:        t.FeesCrypto,
		FinalAmountFiat:   t.FinalAmountFiat,
		FinalAmountCrypto: t.FinalAmountCrypto,
		SourceWallet:      t.SourceWallet,
		DestinationWallet: t.DestinationWallet,
		CreatedAt:         t.CreatedAt.Format(time.RFC3339),
		UpdatedAt:         t.UpdatedAt.Format(time.RFC3339),
	}
	if t.DepositAddress != nil {
		resp.DepositAddress = *t.DepositAddress
	}
	return resp
}

type statusChangeResponse struct {
	From   models.Status        `json:"from"`
	To     models.Status        `json:"to"`
	Actor  string               `json:"actor"`
	Reason models.FailureReason `json:"reason,omitempty"`
	At     string               `json:"at"`
}

type adminTransactionResponse struct {
	transactionResponse
	UserID             string                 `json:"userId"`
	FailureReason      models.FailureReason   `json:"failureReason,omitempty"`
	GatewayReferenceID string                 `json:"gatewayReferenceId,omitempty"`
	Attempts           int                    `json:"attempts"`
	AdminNotes         string                 `json:"adminNotes,omitempty"`
	ProcessedBy        string                 `json:"processedBy,omitempty"`
	ProcessedAt        string                 `json:"processedAt,omitempty"`
	History            []statusChangeResponse `json:"history,omitempty"`
}

func newAdminTransactionResponse(t *models.Transaction, history []models.StatusChange) adminTransactionResponse {
	resp := adminTransactionResponse{
		transactionResponse: newTransactionResponse(t, language.English),
		UserID:              t.UserID,
		FailureReason:       t.FailureReason,
		Attempts:            t.Attempts,
	}
	if t.GatewayReferenceID != nil {
		resp.GatewayReferenceID = *t.GatewayReferenceID
	}
	if t.AdminNotes != nil {
		resp.AdminNotes = *t.AdminNotes
	}
	if t.ProcessedBy != nil {
		resp.ProcessedBy = *t.ProcessedBy
	}
	if t.ProcessedAt != nil {
		resp.ProcessedAt = t.ProcessedAt.Format(time.RFC3339)
	}
	for _, h := range history {
		resp.History = append(resp.History, statusChangeResponse{
			From:   h.From,
			To:     h.To,
			Actor:  h.Actor,
			Reason: h.Reason,
			At:     h.At.Format(time.RFC3339),
		})
	}
	return resp
}

var (
	supportedLanguages = []language.Tag{language.English, language.French}
	languageMatcher    = language.NewMatcher(supportedLanguages)
)

// requestLanguage picks en or fr from Accept-Language, English by default.
func requestLanguage(r *http.Request) language.Tag {
	tags, _, err := language.ParseAcceptLanguage(r.Header.Get("Accept-Language"))
	if err != nil || len(tags) == 0 {
		return language.English
	}
	_, idx, _ := languageMatcher.Match(tags...)
	return supportedLanguages[idx]
}

type messageKey struct {
	status models.Status
	reason models.FailureReason
}

var messages = map[language.Tag]map[messageKey]string{
	language.English: {
		{models.StatusPending, ""}:                                                "Your transaction has been received.",
		{models.StatusProcessing, ""}:                                             "Your transaction is being processed.",
		{models.StatusPendingAdminValidation, ""}:                                 "Your transaction is under review.",
		{models.StatusPendingAdminValidation, models.ReasonInsufficientLiquidity}: "Your payout is queued and will be released shortly.",
		{models.StatusCompleted, ""}:                                              "Your transaction is complete.",
		{models.StatusFailed, models.ReasonGatewayUnavailable}:                    "The payment provider is temporarily unavailable.",
		{models.StatusFailed, models.ReasonGatewayTimeout}:                        "The payment provider did not respond in time.",
		{models.StatusFailed, models.ReasonGatewayRejected}:                       "The payment provider declined the operation.",
		{models.StatusFailed, models.ReasonInsufficientLiquidity}:                 "The payout could not be funded yet.",
		{models.StatusFailed, models.ReasonSettlementFailed}:                      "The payment could not be settled.",
		{models.StatusFailed, ""}:                                                 "Your transaction failed.",
		{models.StatusRejected, ""}:                                               "Your transaction was rejected after review.",
	},
	language.French: {
		{models.StatusPending, ""}:                                                "Votre transaction a été reçue.",
		{models.StatusProcessing, ""}:                                             "Votre transaction est en cours de traitement.",
		{models.StatusPendingAdminValidation, ""}:                                 "Votre transaction est en cours de vérification.",
		{models.StatusPendingAdminValidation, models.ReasonInsufficientLiquidity}: "Votre paiement est en file d'attente et sera bientôt libéré.",
		{models.StatusCompleted, ""}:                                              "Votre transaction est terminée.",
		{models.StatusFailed, models.ReasonGatewayUnavailable}:                    "Le prestataire de paiement est momentanément indisponible.",
		{models.StatusFailed, models.ReasonGatewayTimeout}:                        "Le prestataire de paiement n'a pas répondu à temps.",
		{models.StatusFailed, models.ReasonGatewayRejected}:                       "Le prestataire de paiement a refusé l'opération.",
		{models.StatusFailed, models.ReasonInsufficientLiquidity}:                 "Le paiement n'a pas encore pu être approvisionné.",
		{models.StatusFailed, models.ReasonSettlementFailed}:                      "Le paiement n'a pas pu être réglé.",
		{models.StatusFailed, ""}:                                                 "Votre transaction a échoué.",
		{models.StatusRejected, ""}:                                               "Votre transaction a été rejetée après vérification.",
	},
}

func statusMessage(lang language.Tag, status models.Status, reason models.FailureReason) string {
	table, ok := messages[lang]
	if !ok {
		table = messages[language.English]
	}
	if msg, ok := table[messageKey{status, reason}]; ok {
		return msg
	}
	return table[messageKey{status, ""}]
}
