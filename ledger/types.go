/*
Package ledger provides the savings-target balance engine.

PURPOSE:
  A Target is a user's savings goal with a running balance. The balance
  only moves through the Mutator, which locks the target row, validates,
  recomputes the balance and status, and appends an immutable Transaction
  in one atomic scope.

KEY CONCEPTS IN THIS FILE (types.go):
  - Target: goal definition + accumulated balance + derived status
  - Transaction: append-only ledger entry (DEPOSIT or WITHDRAWAL)
  - Result: what a successful mutation reports back to the caller

DESIGN PRINCIPLES:
  1. Immutability: Transactions are never modified or deleted
  2. Precision: decimal.Decimal, currency precision (2 fractional digits)
  3. Type Safety: distinct ID types for targets, users and transactions
  4. Derivation: Status is recomputed from Accumulated vs GoalAmount

SEE ALSO:
  - mutator.go: Deposit / Withdraw
  - store.go: Persistence interfaces
  - status.go: Status derivation rule
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// CurrencyPlaces is the number of fractional digits money values may carry.
const CurrencyPlaces = 2

// =============================================================================
// IDENTIFIERS
// =============================================================================

type TargetID string
type UserID string
type TransactionID string

// =============================================================================
// TARGET - Savings goal with running balance
// =============================================================================

type Status string

const (
	StatusActive   Status = "active"
	StatusAchieved Status = "achieved"
)

func (s Status) Valid() bool {
	return s == StatusActive || s == StatusAchieved
}

type Target struct {
	ID          TargetID
	OwnerID     UserID
	Name        string
	GoalAmount  decimal.Decimal
	TargetDate  *time.Time
	Accumulated decimal.Decimal
	Status      Status
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Progress returns accumulated/goal as a percentage, rounded to 2 places.
func (t Target) Progress() decimal.Decimal {
	if !t.GoalAmount.IsPositive() {
		return decimal.Zero
	}
	return t.Accumulated.Div(t.GoalAmount).Mul(decimal.NewFromInt(100)).Round(2)
}

// TargetUpdate carries the owner-editable fields. Nil means "unchanged".
type TargetUpdate struct {
	Name       *string
	GoalAmount *decimal.Decimal
	TargetDate **time.Time
	Status     *Status
}

// =============================================================================
// TRANSACTION - Immutable ledger entry
// =============================================================================

type Kind string

const (
	KindDeposit    Kind = "DEPOSIT"
	KindWithdrawal Kind = "WITHDRAWAL"
)

func (k Kind) Valid() bool {
	return k == KindDeposit || k == KindWithdrawal
}

// Signed returns amount with the sign this kind applies to a balance.
func (k Kind) Signed(amount decimal.Decimal) decimal.Decimal {
	if k == KindWithdrawal {
		return amount.Neg()
	}
	return amount
}

type Transaction struct {
	ID               TransactionID
	TargetID         TargetID
	UserID           UserID
	Kind             Kind
	Amount           decimal.Decimal
	Description      string
	PaymentReference string
	OccurredAt       time.Time

	// Read-side only; filled by history queries that join targets.
	TargetName string
}

// =============================================================================
// MUTATION REQUESTS / RESULT
// =============================================================================

type DepositRequest struct {
	UserID      UserID
	TargetID    TargetID
	Amount      decimal.Decimal
	Description string
	Reference   string
}

type WithdrawRequest struct {
	UserID   UserID
	TargetID TargetID
	Amount   decimal.Decimal
	Reason   string
}

// Result reports a committed mutation.
// Replayed is true when a deposit reference had already been applied and
// the call was answered from the existing transaction without writing.
type Result struct {
	TransactionID  TransactionID
	TargetID       TargetID
	NewAccumulated decimal.Decimal
	TargetStatus   Status
	Replayed       bool
}

// =============================================================================
// HISTORY QUERY
// =============================================================================

const (
	DefaultPageLimit = 10
	MaxPageLimit     = 100
)

type TransactionFilter struct {
	UserID   UserID
	TargetID TargetID // optional
	Kind     Kind     // optional
	From     *time.Time
	To       *time.Time
	Page     int
	Limit    int
}

// Normalize clamps paging to sane values.
func (f TransactionFilter) Normalize() TransactionFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 {
		f.Limit = DefaultPageLimit
	}
	if f.Limit > MaxPageLimit {
		f.Limit = MaxPageLimit
	}
	return f
}

func (f TransactionFilter) Offset() int {
	return (f.Page - 1) * f.Limit
}

type TransactionPage struct {
	Transactions []Transaction
	Page         int
	Limit        int
	Total        int
}

func (p TransactionPage) TotalPages() int {
	if p.Limit == 0 {
		return 0
	}
	return (p.Total + p.Limit - 1) / p.Limit
}
