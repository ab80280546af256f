package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"CFABridge/internal/gateway"
	"CFABridge/internal/lifecycle"
	"CFABridge/internal/models"
	"CFABridge/internal/pricing"
	"CFABridge/internal/services"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const maxCallbackBody = 1 << 20

type Handler struct {
	Transactions *services.TransactionService
	Callbacks    *services.CallbackService
	Admin        *services.AdminService
	Logger       *zap.Logger
}

func NewHandler(tx *services.TransactionService, cb *services.CallbackService, admin *services.AdminService, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{Transactions: tx, Callbacks: cb, Admin: admin, Logger: logger}
}

func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	q, err := h.Transactions.Quote(r.Context(), req.Direction, req.Amount)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newQuoteResponse(q))
}

func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req createTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	t, err := h.Transactions.CreateTransaction(r.Context(), services.CreateRequest{
		UserID:      r.Header.Get("X-User-Id"),
		Direction:   req.Direction,
		Amount:      req.Amount,
		Source:      req.SourceWallet,
		Destination: req.DestinationWallet,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newTransactionResponse(t, requestLanguage(r)))
}

func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-Id")
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing user id")
		return
	}
	t, err := h.Transactions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	// Other users' transactions are reported as absent.
	if t.UserID != userID {
		writeError(w, http.StatusNotFound, "transaction not found")
		return
	}
	writeJSON(w, http.StatusOK, newTransactionResponse(t, requestLanguage(r)))
}

func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-Id")
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing user id")
		return
	}
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	f.UserID = userID
	list, err := h.Transactions.List(r.Context(), f)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	lang := requestLanguage(r)
	out := make([]transactionResponse, 0, len(list))
	for _, t := range list {
		out = append(out, newTransactionResponse(t, lang))
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": out})
}

// Callback receives a provider webhook. Duplicates are acknowledged with 200
// so the provider stops redelivering.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "gateway")
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCallbackBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	res, err := h.Callbacks.HandleCallback(r.Context(), name, payload, r.Header.Get("X-Signature"))
	if err != nil {
		switch {
		case errors.Is(err, gateway.ErrUnknownGateway):
			writeError(w, http.StatusNotFound, "unknown gateway")
		case errors.Is(err, gateway.ErrBadSignature):
			writeError(w, http.StatusUnauthorized, "bad signature")
		case errors.Is(err, gateway.ErrInvalidCallback):
			writeError(w, http.StatusBadRequest, "invalid callback payload")
		case errors.Is(err, services.ErrCallbackTooEarly):
			w.Header().Set("Retry-After", "5")
			writeError(w, http.StatusServiceUnavailable, "transaction not ready, redeliver later")
		default:
			h.writeServiceError(w, r, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": string(res)})
}

func (h *Handler) AdminListTransactions(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	f.UserID = r.URL.Query().Get("user_id")
	list, err := h.Admin.List(r.Context(), f)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	out := make([]adminTransactionResponse, 0, len(list))
	for _, t := range list {
		out = append(out, newAdminTransactionResponse(t, nil))
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": out})
}

func (h *Handler) AdminGetTransaction(w http.ResponseWriter, r *http.Request) {
	t, hist, err := h.Admin.Transaction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newAdminTransactionResponse(t, hist))
}

func (h *Handler) AdminConfirm(w http.ResponseWriter, r *http.Request) {
	t, err := h.Admin.ConfirmPayout(r.Context(), chi.URLParam(r, "id"), adminIDFrom(r.Context()))
	h.writeAdminResult(w, r, t, err)
}

func (h *Handler) AdminReject(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	t, err := h.Admin.RejectPayout(r.Context(), chi.URLParam(r, "id"), adminIDFrom(r.Context()), req.Notes)
	h.writeAdminResult(w, r, t, err)
}

func (h *Handler) AdminDecision(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	t, err := h.Admin.Decide(r.Context(), chi.URLParam(r, "id"), adminIDFrom(r.Context()), req.Approve, req.Notes)
	h.writeAdminResult(w, r, t, err)
}

func (h *Handler) AdminRetry(w http.ResponseWriter, r *http.Request) {
	t, err := h.Transactions.Retry(r.Context(), chi.URLParam(r, "id"), "admin:"+adminIDFrom(r.Context()))
	h.writeAdminResult(w, r, t, err)
}

func (h *Handler) AdminRates(w http.ResponseWriter, r *http.Request) {
	s, err := h.Admin.CurrentRates(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newRateScheduleResponse(s))
}

func (h *Handler) AdminPublishRates(w http.ResponseWriter, r *http.Request) {
	var req rateScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	s, err := h.Admin.PublishRates(r.Context(), req.schedule(), adminIDFrom(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newRateScheduleResponse(s))
}

func (h *Handler) writeAdminResult(w http.ResponseWriter, r *http.Request, t *models.Transaction, err error) {
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newAdminTransactionResponse(t, nil))
}

// writeServiceError maps service errors to status codes. Gateway error text
// is never echoed to the caller.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, services.ErrMissingUserID), errors.Is(err, services.ErrMissingAdminID):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, services.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, services.ErrInvalidDirection),
		errors.Is(err, services.ErrInvalidWallet),
		errors.Is(err, services.ErrNoteRequired),
		errors.Is(err, pricing.ErrInvalidAmount),
		errors.Is(err, pricing.ErrInvalidSchedule):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, pricing.ErrBelowMinimum), errors.Is(err, pricing.ErrAmountTooSmall):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, services.ErrStaleState),
		errors.Is(err, lifecycle.ErrIllegalTransition),
		errors.Is(err, services.ErrNotRetryable):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, gateway.ErrGatewayUnavailable),
		errors.Is(err, gateway.ErrGatewayRejected),
		errors.Is(err, gateway.ErrUnsupportedOperation),
		errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusBadGateway, "payment gateway error")
	default:
		h.Logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func parseFilter(r *http.Request) (models.Filter, error) {
	q := r.URL.Query()
	var f models.Filter
	if v := q.Get("status"); v != "" {
		f.Status = models.Status(v)
		if !f.Status.Valid() {
			return f, errors.New("unknown status")
		}
	}
	if v := q.Get("direction"); v != "" {
		f.Direction = models.Direction(v)
		if !f.Direction.Valid() {
			return f, errors.New("unknown direction")
		}
	}
	var err error
	if f.Limit, err = queryInt(q.Get("limit")); err != nil {
		return f, errors.New("invalid limit")
	}
	if f.Offset, err = queryInt(q.Get("offset")); err != nil {
		return f, errors.New("invalid offset")
	}
	return f, nil
}

func queryInt(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("invalid integer")
	}
	return n, nil
}

// decodeOptional accepts an empty body.
func decodeOptional(r *http.Request, dst any) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": strings.TrimSpace(msg)})
}
