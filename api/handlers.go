/*
handlers.go - HTTP API handlers for the savings ledger

PURPOSE:
  Exposes targets, the balance mutator and QRIS payments via REST API.
  Handles HTTP request/response and JSON serialization, and delegates every
  balance change to ledger.Mutator.

ENDPOINTS:
  Service:
    GET    /api                                 Service info + store health

  Targets:
    GET    /api/targets                         List caller's targets
    POST   /api/targets                         Create target
    GET    /api/targets/{id}                    Get target
    PUT    /api/targets/{id}                    Edit name/goal/date/status
    DELETE /api/targets/{id}                    Delete (only without history)
    GET    /api/targets/{id}/audit              Replay log vs stored balance

  Transactions:
    GET    /api/transactions                    History (filters + paging)
    POST   /api/transactions/deposit-manual     Manual deposit
    POST   /api/transactions/withdraw           Withdrawal
    POST   /api/transactions/qris/initiate      Start a QRIS payment
    GET    /api/transactions/qris/status/{ref}  Poll a QRIS payment

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Invalid argument, insufficient funds
  - 401: Missing caller identity
  - 404: Target or payment not found (or not the caller's)
  - 409: Target has history, duplicate payment reference
  - 502: Payment gateway rejected the call
  - 503: Lock wait timeout (retry), gateway not configured
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/celengan/savings-ledger/ledger"
	"github.com/celengan/savings-ledger/logger"
	"github.com/celengan/savings-ledger/payment"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

const maxBodyBytes = 1 << 20

// Pinger is implemented by stores that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store    ledger.Store
	Mutator  *ledger.Mutator
	Auditor  *ledger.Auditor
	Payments *payment.Service // nil disables the QRIS endpoints
	Log      zerolog.Logger

	Now func() time.Time
}

// NewHandler creates a new handler backed by store.
func NewHandler(store ledger.Store, payments *payment.Service, log zerolog.Logger) *Handler {
	return &Handler{
		Store:    store,
		Mutator:  ledger.NewMutator(store),
		Auditor:  ledger.NewAuditor(store),
		Payments: payments,
		Log:      log,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// ServiceInfo reports the service name and whether the store is reachable.
func (h *Handler) ServiceInfo(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	resp := map[string]any{
		"service":  "celengan savings ledger",
		"status":   "ok",
		"payments": h.Payments != nil,
	}
	if p, ok := h.Store.(Pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			status = http.StatusServiceUnavailable
			resp["status"] = "degraded"
			resp["details"] = err.Error()
		}
	}
	writeJSON(w, status, resp)
}

// =============================================================================
// TARGET HANDLERS
// =============================================================================

func (h *Handler) ListTargets(w http.ResponseWriter, r *http.Request) {
	targets, err := h.Store.ListTargets(r.Context(), userFrom(r.Context()))
	if err != nil {
		h.writeDomainError(w, r, "Failed to list targets", err)
		return
	}

	dtos := make([]TargetDTO, len(targets))
	for i, t := range targets {
		dtos[i] = toTargetDTO(t)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateTarget(w http.ResponseWriter, r *http.Request) {
	var req CreateTargetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var targetDate *time.Time
	if req.TargetDate != "" {
		d, err := time.Parse(dateLayout, req.TargetDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid target_date, want YYYY-MM-DD", err)
			return
		}
		targetDate = &d
	}

	target, err := ledger.NewTarget(userFrom(r.Context()), req.Name, req.GoalAmount, targetDate, h.Now())
	if err != nil {
		h.writeDomainError(w, r, "Invalid target", err)
		return
	}
	if err := h.Store.CreateTarget(r.Context(), target); err != nil {
		h.writeDomainError(w, r, "Failed to create target", err)
		return
	}

	writeJSON(w, http.StatusCreated, toTargetDTO(target))
}

func (h *Handler) GetTarget(w http.ResponseWriter, r *http.Request) {
	target, err := h.Store.Target(r.Context(), targetParam(r), userFrom(r.Context()))
	if err != nil {
		h.writeDomainError(w, r, "Target not found", err)
		return
	}
	writeJSON(w, http.StatusOK, toTargetDTO(target))
}

func (h *Handler) UpdateTarget(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	var req UpdateTargetRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	// A second pass tells an explicit null apart from an absent key.
	var keys map[string]any
	if err := json.Unmarshal(body, &keys); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	update := ledger.TargetUpdate{Name: req.Name, GoalAmount: req.GoalAmount}
	if req.Status != nil {
		status := ledger.Status(strings.ToLower(strings.TrimSpace(*req.Status)))
		update.Status = &status
	}
	if _, present := keys["target_date"]; present {
		var date *time.Time
		if req.TargetDate != nil {
			d, err := time.Parse(dateLayout, *req.TargetDate)
			if err != nil {
				writeError(w, http.StatusBadRequest, "Invalid target_date, want YYYY-MM-DD", err)
				return
			}
			date = &d
		}
		update.TargetDate = &date
	}

	target, err := h.Store.UpdateTarget(r.Context(), targetParam(r), userFrom(r.Context()), update)
	if err != nil {
		h.writeDomainError(w, r, "Failed to update target", err)
		return
	}
	writeJSON(w, http.StatusOK, toTargetDTO(target))
}

func (h *Handler) DeleteTarget(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.DeleteTarget(r.Context(), targetParam(r), userFrom(r.Context())); err != nil {
		h.writeDomainError(w, r, "Failed to delete target", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) AuditTarget(w http.ResponseWriter, r *http.Request) {
	report, err := h.Auditor.Audit(r.Context(), targetParam(r), userFrom(r.Context()))
	if err != nil {
		h.writeDomainError(w, r, "Failed to audit target", err)
		return
	}
	if !report.Consistent() {
		reqLog := logger.FromContext(r.Context())
		reqLog.Warn().
			Str("target_id", string(report.TargetID)).
			Str("stored", money(report.Stored)).
			Str("replayed", money(report.Summary.Balance())).
			Msg("ledger audit mismatch")
	}
	writeJSON(w, http.StatusOK, toAuditDTO(report))
}

// =============================================================================
// TRANSACTION HANDLERS
// =============================================================================

// ListTransactions supports target_id, kind, start_date, end_date (inclusive,
// YYYY-MM-DD), page and limit query parameters.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ledger.TransactionFilter{
		UserID:   userFrom(r.Context()),
		TargetID: ledger.TargetID(q.Get("target_id")),
	}

	if kind := q.Get("kind"); kind != "" {
		filter.Kind = ledger.Kind(strings.ToUpper(kind))
		if !filter.Kind.Valid() {
			writeError(w, http.StatusBadRequest, "Invalid kind, want DEPOSIT or WITHDRAWAL", nil)
			return
		}
	}
	if s := q.Get("start_date"); s != "" {
		d, err := time.Parse(dateLayout, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid start_date, want YYYY-MM-DD", err)
			return
		}
		filter.From = &d
	}
	if s := q.Get("end_date"); s != "" {
		d, err := time.Parse(dateLayout, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid end_date, want YYYY-MM-DD", err)
			return
		}
		end := d.Add(24*time.Hour - time.Nanosecond)
		filter.To = &end
	}
	var err error
	if filter.Page, err = intParam(q.Get("page")); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid page", err)
		return
	}
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}

	page, err := h.Store.ListTransactions(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, r, "Failed to list transactions", err)
		return
	}

	dtos := make([]TransactionDTO, len(page.Transactions))
	for i, tx := range page.Transactions {
		dtos[i] = toTransactionDTO(tx)
	}
	writeJSON(w, http.StatusOK, TransactionListResponse{
		Transactions: dtos,
		Pagination: PaginationDTO{
			Page:       page.Page,
			Limit:      page.Limit,
			Total:      page.Total,
			TotalPages: page.TotalPages(),
		},
	})
}

func (h *Handler) DepositManual(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	userID := userFrom(r.Context())
	reference := strings.TrimSpace(req.Reference)
	if reference == "" {
		reference = payment.ManualReference(userID, h.Now())
	}
	description := strings.TrimSpace(req.Description)
	if description == "" {
		description = "Manual deposit"
	}

	result, err := h.Mutator.Deposit(r.Context(), ledger.DepositRequest{
		UserID:      userID,
		TargetID:    ledger.TargetID(req.TargetID),
		Amount:      req.Amount,
		Description: description,
		Reference:   reference,
	})
	if err != nil {
		h.writeDomainError(w, r, "Deposit failed", err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, toMutationResponse("Deposit recorded", result))
}

func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req WithdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	result, err := h.Mutator.Withdraw(r.Context(), ledger.WithdrawRequest{
		UserID:   userFrom(r.Context()),
		TargetID: ledger.TargetID(req.TargetID),
		Amount:   req.Amount,
		Reason:   req.Reason,
	})
	if err != nil {
		h.writeDomainError(w, r, "Withdrawal failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, toMutationResponse("Withdrawal recorded", result))
}

// =============================================================================
// QRIS HANDLERS
// =============================================================================

func (h *Handler) InitiateQRIS(w http.ResponseWriter, r *http.Request) {
	if h.Payments == nil {
		writeError(w, http.StatusServiceUnavailable, "QRIS payments are not configured", nil)
		return
	}

	var req InitiatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	attempt, err := h.Payments.Initiate(r.Context(), userFrom(r.Context()), ledger.TargetID(req.TargetID), req.Amount)
	if err != nil {
		h.writeDomainError(w, r, "Failed to initiate payment", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPaymentAttemptDTO(attempt))
}

func (h *Handler) CheckQRIS(w http.ResponseWriter, r *http.Request) {
	if h.Payments == nil {
		writeError(w, http.StatusServiceUnavailable, "QRIS payments are not configured", nil)
		return
	}

	res, err := h.Payments.Check(r.Context(), userFrom(r.Context()), chi.URLParam(r, "ref"))
	if err != nil {
		h.writeDomainError(w, r, "Failed to check payment", err)
		return
	}

	resp := PaymentStatusResponse{Payment: toPaymentAttemptDTO(res.Attempt)}
	if res.Deposit != nil {
		m := toMutationResponse("Deposit confirmed", *res.Deposit)
		resp.Deposit = &m
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// HELPERS
// =============================================================================

func targetParam(r *http.Request) ledger.TargetID {
	return ledger.TargetID(chi.URLParam(r, "id"))
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

// writeDomainError maps ledger and payment errors to HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, message string, err error) {
	var (
		insufficient *ledger.InsufficientFundsError
		gatewayErr   *payment.GatewayError
	)
	switch {
	case errors.As(err, &insufficient):
		writeError(w, http.StatusBadRequest, "Insufficient funds", err)
	case ledger.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	case ledger.IsNotFound(err), errors.Is(err, payment.ErrAttemptNotFound):
		writeError(w, http.StatusNotFound, message, err)
	case errors.Is(err, ledger.ErrTargetHasTransactions), errors.Is(err, ledger.ErrDuplicateReference):
		writeError(w, http.StatusConflict, message, err)
	case ledger.IsRetryable(err):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "Target is busy, retry", err)
	case errors.Is(err, payment.ErrGatewayUnavailable):
		writeError(w, http.StatusServiceUnavailable, "QRIS payments are not configured", err)
	case errors.As(err, &gatewayErr):
		writeError(w, http.StatusBadGateway, message, err)
	default:
		reqLog := logger.FromContext(r.Context())
		reqLog.Error().Err(err).Str("path", r.URL.Path).Msg(message)
		writeError(w, http.StatusInternalServerError, message, nil)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
