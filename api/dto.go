/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupled from the
  ledger and payment types. Money is rendered as a fixed two-decimal string
  so clients never see binary floating point; requests accept either a JSON
  number or a string.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

VALIDATION:
  Validation is done by the ledger, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/celengan/savings-ledger/ledger"
	"github.com/celengan/savings-ledger/payment"
)

const dateLayout = "2006-01-02"

// =============================================================================
// TARGETS
// =============================================================================

type TargetDTO struct {
	ID                 string  `json:"id"`
	Name               string  `json:"name"`
	GoalAmount         string  `json:"goal_amount"`
	Accumulated        string  `json:"accumulated"`
	Status             string  `json:"status"`
	ProgressPercentage float64 `json:"progress_percentage"`
	TargetDate         *string `json:"target_date"`
	CreatedAt          string  `json:"created_at"`
	UpdatedAt          string  `json:"updated_at"`
}

type CreateTargetRequest struct {
	Name       string          `json:"name"`
	GoalAmount decimal.Decimal `json:"goal_amount"`
	TargetDate string          `json:"target_date,omitempty"`
}

// UpdateTargetRequest fields are optional. target_date: null clears the date,
// an absent key leaves it alone.
type UpdateTargetRequest struct {
	Name       *string          `json:"name"`
	GoalAmount *decimal.Decimal `json:"goal_amount"`
	TargetDate *string          `json:"target_date"`
	Status     *string          `json:"status"`
}

// AuditDTO is the result of replaying a target's transaction log.
type AuditDTO struct {
	TargetID         string `json:"target_id"`
	StoredBalance    string `json:"stored_balance"`
	ReplayedBalance  string `json:"replayed_balance"`
	TotalDeposits    string `json:"total_deposits"`
	TotalWithdrawals string `json:"total_withdrawals"`
	TransactionCount int    `json:"transaction_count"`
	StoredStatus     string `json:"stored_status"`
	ExpectedStatus   string `json:"expected_status"`
	Consistent       bool   `json:"consistent"`
}

// =============================================================================
// MUTATIONS
// =============================================================================

type DepositRequest struct {
	TargetID    string          `json:"target_id"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	// Reference makes a client retry idempotent. Generated when empty.
	Reference string `json:"reference,omitempty"`
}

type WithdrawRequest struct {
	TargetID string          `json:"target_id"`
	Amount   decimal.Decimal `json:"amount"`
	Reason   string          `json:"reason"`
}

type MutationResponse struct {
	Message        string `json:"message"`
	TransactionID  string `json:"transaction_id"`
	TargetID       string `json:"target_id"`
	NewAccumulated string `json:"new_accumulated"`
	TargetStatus   string `json:"target_status"`
	Replayed       bool   `json:"replayed,omitempty"`
}

// =============================================================================
// HISTORY
// =============================================================================

type TransactionDTO struct {
	ID               string `json:"id"`
	TargetID         string `json:"target_id"`
	TargetName       string `json:"target_name"`
	Kind             string `json:"kind"`
	Amount           string `json:"amount"`
	Description      string `json:"description"`
	PaymentReference string `json:"payment_reference,omitempty"`
	OccurredAt       string `json:"occurred_at"`
}

type PaginationDTO struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

type TransactionListResponse struct {
	Transactions []TransactionDTO `json:"transactions"`
	Pagination   PaginationDTO    `json:"pagination"`
}

// =============================================================================
// PAYMENTS
// =============================================================================

type InitiatePaymentRequest struct {
	TargetID string          `json:"target_id"`
	Amount   decimal.Decimal `json:"amount"`
}

type PaymentAttemptDTO struct {
	Reference   string `json:"reference"`
	TargetID    string `json:"target_id"`
	Amount      string `json:"amount"`
	Status      string `json:"status"`
	ExternalID  string `json:"external_id"`
	PaymentData string `json:"payment_data,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

type PaymentStatusResponse struct {
	Payment PaymentAttemptDTO `json:"payment"`
	Deposit *MutationResponse `json:"deposit,omitempty"`
}

// ErrorResponse is returned for every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func money(d decimal.Decimal) string {
	return d.StringFixed(ledger.CurrencyPlaces)
}

func toTargetDTO(t ledger.Target) TargetDTO {
	dto := TargetDTO{
		ID:                 string(t.ID),
		Name:               t.Name,
		GoalAmount:         money(t.GoalAmount),
		Accumulated:        money(t.Accumulated),
		Status:             string(t.Status),
		ProgressPercentage: t.Progress().InexactFloat64(),
		CreatedAt:          t.CreatedAt.Format(time.RFC3339),
		UpdatedAt:          t.UpdatedAt.Format(time.RFC3339),
	}
	if t.TargetDate != nil {
		s := t.TargetDate.Format(dateLayout)
		dto.TargetDate = &s
	}
	return dto
}

func toMutationResponse(message string, r ledger.Result) MutationResponse {
	return MutationResponse{
		Message:        message,
		TransactionID:  string(r.TransactionID),
		TargetID:       string(r.TargetID),
		NewAccumulated: money(r.NewAccumulated),
		TargetStatus:   string(r.TargetStatus),
		Replayed:       r.Replayed,
	}
}

func toTransactionDTO(tx ledger.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:               string(tx.ID),
		TargetID:         string(tx.TargetID),
		TargetName:       tx.TargetName,
		Kind:             string(tx.Kind),
		Amount:           money(tx.Amount),
		Description:      tx.Description,
		PaymentReference: tx.PaymentReference,
		OccurredAt:       tx.OccurredAt.Format(time.RFC3339),
	}
}

func toAuditDTO(r ledger.AuditReport) AuditDTO {
	return AuditDTO{
		TargetID:         string(r.TargetID),
		StoredBalance:    money(r.Stored),
		ReplayedBalance:  money(r.Summary.Balance()),
		TotalDeposits:    money(r.Summary.Deposits),
		TotalWithdrawals: money(r.Summary.Withdrawals),
		TransactionCount: r.Summary.Count,
		StoredStatus:     string(r.StoredStatus),
		ExpectedStatus:   string(r.ExpectedStatus),
		Consistent:       r.Consistent(),
	}
}

func toPaymentAttemptDTO(a payment.Attempt) PaymentAttemptDTO {
	return PaymentAttemptDTO{
		Reference:   a.Reference,
		TargetID:    string(a.TargetID),
		Amount:      money(a.Amount),
		Status:      string(a.Status),
		ExternalID:  a.ExternalID,
		PaymentData: a.PaymentData,
		CreatedAt:   a.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   a.UpdatedAt.Format(time.RFC3339),
	}
}
