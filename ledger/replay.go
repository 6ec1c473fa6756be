/*
replay.go - Rebuild a balance from the transaction log

PURPOSE:
  The transaction log is the source of truth. Target.Accumulated is a
  cached fold of it, maintained by the Mutator. Replay recomputes the fold
  so the cache can be audited at any time.

INVARIANTS CHECKED BY Audit:
  1. Accumulated == sum(DEPOSIT) - sum(WITHDRAWAL)
  2. Status == DeriveStatus(Accumulated, GoalAmount)
*/
package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// Summary is the fold of a target's transactions.
type Summary struct {
	Deposits    decimal.Decimal
	Withdrawals decimal.Decimal
	Count       int
}

func (s Summary) Balance() decimal.Decimal {
	return s.Deposits.Sub(s.Withdrawals)
}

// Replay folds transactions in the order given.
func Replay(txs []Transaction) Summary {
	sum := Summary{Deposits: decimal.Zero, Withdrawals: decimal.Zero}
	for _, tx := range txs {
		switch tx.Kind {
		case KindDeposit:
			sum.Deposits = sum.Deposits.Add(tx.Amount)
		case KindWithdrawal:
			sum.Withdrawals = sum.Withdrawals.Add(tx.Amount)
		default:
			continue
		}
		sum.Count++
	}
	return sum
}

// AuditReport compares the stored balance with the replayed log.
type AuditReport struct {
	TargetID       TargetID
	Stored         decimal.Decimal
	StoredStatus   Status
	Summary        Summary
	ExpectedStatus Status
}

func (r AuditReport) BalanceConsistent() bool {
	return r.Stored.Equal(r.Summary.Balance())
}

func (r AuditReport) StatusConsistent() bool {
	return r.StoredStatus == r.ExpectedStatus
}

func (r AuditReport) Consistent() bool {
	return r.BalanceConsistent() && r.StatusConsistent()
}

// Auditor checks targets against their transaction logs.
type Auditor struct {
	Targets      TargetStore
	Transactions TransactionQuery
}

func NewAuditor(store Store) *Auditor {
	return &Auditor{Targets: store, Transactions: store}
}

// Audit reads a target and its log and reports whether they agree.
// The two reads are not in one transaction; a mutation committed between
// them shows up as an inconsistency that disappears on the next audit.
func (a *Auditor) Audit(ctx context.Context, id TargetID, ownerID UserID) (AuditReport, error) {
	target, err := a.Targets.Target(ctx, id, ownerID)
	if err != nil {
		return AuditReport{}, err
	}
	txs, err := a.Transactions.TargetTransactions(ctx, id)
	if err != nil {
		return AuditReport{}, err
	}
	return AuditReport{
		TargetID:       id,
		Stored:         target.Accumulated,
		StoredStatus:   target.Status,
		Summary:        Replay(txs),
		ExpectedStatus: DeriveStatus(target.Accumulated, target.GoalAmount),
	}, nil
}
