/*
store.go - Persistence interfaces for targets and the transaction log

KEY INTERFACES:
  TxStore:          Opens one atomic scope per balance mutation
  Tx:               Row lock, balance write, transaction append
  TargetStore:      Owner-facing target CRUD (non-core update path)
  TransactionQuery: Read-only history and replay input

APPEND-ONLY CONTRACT:
  No interface here can update or delete a Transaction. The only writes
  to a target's Accumulated/Status go through Tx.SetBalance, and only
  the Mutator calls it.

IMPLEMENTATIONS:
  - ledger/store/memory.go: In-memory, for tests and dev
  - store/sqlite/sqlite.go: SQLite (default)
  - store/postgres/postgres.go: PostgreSQL with SELECT ... FOR UPDATE
*/
package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// TRANSACTIONAL STORE - Used by the Mutator only
// =============================================================================

// TxStore wraps the ledger tables with transaction support.
type TxStore interface {
	// WithTx executes fn within one database transaction.
	// If fn returns error, every write is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(Tx) error) error
}

// Tx is the view of the store inside one atomic scope.
type Tx interface {
	// LockTargetForUpdate acquires an exclusive lock on the target row for
	// the rest of the transaction and returns its current state.
	// Returns ErrNotFound if the target is missing or not owned by ownerID.
	LockTargetForUpdate(ctx context.Context, targetID TargetID, ownerID UserID) (Target, error)

	// SetBalance overwrites the two mutable balance fields.
	SetBalance(ctx context.Context, targetID TargetID, accumulated decimal.Decimal, status Status) error

	// AppendTransaction inserts an immutable record.
	// Returns ErrDuplicateReference if (target, payment reference) exists.
	AppendTransaction(ctx context.Context, tx Transaction) (TransactionID, error)

	// TransactionByReference finds a deposit previously recorded with the
	// given payment reference. Returns nil, nil when there is none.
	TransactionByReference(ctx context.Context, targetID TargetID, reference string) (*Transaction, error)
}

// =============================================================================
// TARGET STORE - Non-core update path
// =============================================================================

type TargetStore interface {
	CreateTarget(ctx context.Context, t Target) error

	// Target returns ErrNotFound if missing or not owned by ownerID.
	Target(ctx context.Context, id TargetID, ownerID UserID) (Target, error)

	// ListTargets returns the owner's targets, newest first.
	ListTargets(ctx context.Context, ownerID UserID) ([]Target, error)

	// UpdateTarget applies name/goal/date/status edits. It never touches
	// Accumulated.
	UpdateTarget(ctx context.Context, id TargetID, ownerID UserID, update TargetUpdate) (Target, error)

	// DeleteTarget returns ErrTargetHasTransactions if history exists.
	DeleteTarget(ctx context.Context, id TargetID, ownerID UserID) error
}

// =============================================================================
// TRANSACTION QUERY - Read side
// =============================================================================

type TransactionQuery interface {
	ListTransactions(ctx context.Context, filter TransactionFilter) (TransactionPage, error)

	// TargetTransactions returns a target's full log in commit order.
	TargetTransactions(ctx context.Context, targetID TargetID) ([]Transaction, error)
}

// Store is everything a storage driver provides.
type Store interface {
	TxStore
	TargetStore
	TransactionQuery
}
