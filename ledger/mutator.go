/*
mutator.go - The only code path that changes a target's balance

ALGORITHM (both directions):
  1. Validate arguments (before any store access)
  2. Open one atomic scope (TxStore.WithTx)
  3. Lock the target row for update (serializes same-target mutations)
  4. Compute the new balance, reject overdraws
  5. Re-derive status from the new balance and the goal
  6. SetBalance + AppendTransaction
  7. Commit; any error rolls back both writes

IDEMPOTENCY:
  A deposit carrying a payment reference that was already applied to the
  target is answered from the existing transaction with Replayed=true.
  The check runs under the row lock, so two confirmations of the same
  external payment cannot both credit.

SEE ALSO:
  - store.go: Tx interface used here
  - status.go: DeriveStatus
*/
package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Mutator applies deposits and withdrawals against a TxStore.
type Mutator struct {
	Store TxStore

	// Now and NewID are replaceable for tests.
	Now   func() time.Time
	NewID func() TransactionID
}

func NewMutator(store TxStore) *Mutator {
	return &Mutator{
		Store: store,
		Now:   func() time.Time { return time.Now().UTC() },
		NewID: newTransactionID,
	}
}

// newTransactionID returns a UUIDv7, which sorts by creation time.
func newTransactionID() TransactionID {
	id, err := uuid.NewV7()
	if err != nil {
		return TransactionID(uuid.NewString())
	}
	return TransactionID(id.String())
}

// =============================================================================
// DEPOSIT
// =============================================================================

// Deposit credits amount to the target and appends a DEPOSIT transaction.
func (m *Mutator) Deposit(ctx context.Context, req DepositRequest) (Result, error) {
	if err := validateOwner(req.UserID, req.TargetID); err != nil {
		return Result{}, err
	}
	if err := ValidateAmount("amount", req.Amount); err != nil {
		return Result{}, err
	}
	reference := strings.TrimSpace(req.Reference)

	var result Result
	err := m.Store.WithTx(ctx, func(tx Tx) error {
		target, err := tx.LockTargetForUpdate(ctx, req.TargetID, req.UserID)
		if err != nil {
			return err
		}

		if reference != "" {
			existing, err := tx.TransactionByReference(ctx, target.ID, reference)
			if err != nil {
				return err
			}
			if existing != nil {
				result = Result{
					TransactionID:  existing.ID,
					TargetID:       target.ID,
					NewAccumulated: target.Accumulated,
					TargetStatus:   target.Status,
					Replayed:       true,
				}
				return nil
			}
		}

		newAccumulated := target.Accumulated.Add(req.Amount)
		newStatus := DeriveStatus(newAccumulated, target.GoalAmount)

		if err := tx.SetBalance(ctx, target.ID, newAccumulated, newStatus); err != nil {
			return err
		}
		txID, err := tx.AppendTransaction(ctx, Transaction{
			ID:               m.NewID(),
			TargetID:         target.ID,
			UserID:           req.UserID,
			Kind:             KindDeposit,
			Amount:           req.Amount,
			Description:      req.Description,
			PaymentReference: reference,
			OccurredAt:       m.Now(),
		})
		if err != nil {
			return err
		}

		result = Result{
			TransactionID:  txID,
			TargetID:       target.ID,
			NewAccumulated: newAccumulated,
			TargetStatus:   newStatus,
		}
		return nil
	})
	if err != nil {
		return Result{}, Storage("deposit", err)
	}
	return result, nil
}

// =============================================================================
// WITHDRAWAL
// =============================================================================

// Withdraw debits amount from the target and appends a WITHDRAWAL
// transaction. Fails with *InsufficientFundsError if amount exceeds the
// accumulated balance; nothing is written in that case.
func (m *Mutator) Withdraw(ctx context.Context, req WithdrawRequest) (Result, error) {
	if err := validateOwner(req.UserID, req.TargetID); err != nil {
		return Result{}, err
	}
	if err := ValidateAmount("amount", req.Amount); err != nil {
		return Result{}, err
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return Result{}, invalidArgument("withdrawal reason is required")
	}

	var result Result
	err := m.Store.WithTx(ctx, func(tx Tx) error {
		target, err := tx.LockTargetForUpdate(ctx, req.TargetID, req.UserID)
		if err != nil {
			return err
		}

		if req.Amount.GreaterThan(target.Accumulated) {
			return &InsufficientFundsError{
				TargetID:  target.ID,
				Available: target.Accumulated,
				Requested: req.Amount,
			}
		}

		newAccumulated := target.Accumulated.Sub(req.Amount)
		newStatus := DeriveStatus(newAccumulated, target.GoalAmount)

		if err := tx.SetBalance(ctx, target.ID, newAccumulated, newStatus); err != nil {
			return err
		}
		txID, err := tx.AppendTransaction(ctx, Transaction{
			ID:          m.NewID(),
			TargetID:    target.ID,
			UserID:      req.UserID,
			Kind:        KindWithdrawal,
			Amount:      req.Amount,
			Description: reason,
			OccurredAt:  m.Now(),
		})
		if err != nil {
			return err
		}

		result = Result{
			TransactionID:  txID,
			TargetID:       target.ID,
			NewAccumulated: newAccumulated,
			TargetStatus:   newStatus,
		}
		return nil
	})
	if err != nil {
		return Result{}, Storage("withdraw", err)
	}
	return result, nil
}

func validateOwner(userID UserID, targetID TargetID) error {
	if strings.TrimSpace(string(userID)) == "" {
		return invalidArgument("user id is required")
	}
	if strings.TrimSpace(string(targetID)) == "" {
		return invalidArgument("target id is required")
	}
	return nil
}
