// Package store provides Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/celengan/savings-ledger/ledger"
	"github.com/shopspring/decimal"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps targets and transactions in maps. Each target has its own
// row lock, held from LockTargetForUpdate until the enclosing WithTx
// commits or rolls back, so mutations of different targets run in
// parallel. Writes made inside WithTx are buffered and only become
// visible on commit.
type Memory struct {
	mu           sync.RWMutex
	targets      map[ledger.TargetID]ledger.Target
	transactions map[ledger.TargetID][]ledger.Transaction
	references   map[refKey]ledger.TransactionID
	rows         map[ledger.TargetID]chan struct{}

	// LockTimeout bounds how long LockTargetForUpdate waits. Zero waits
	// until the context is done.
	LockTimeout time.Duration
}

type refKey struct {
	TargetID  ledger.TargetID
	Reference string
}

func NewMemory() *Memory {
	return &Memory{
		targets:      make(map[ledger.TargetID]ledger.Target),
		transactions: make(map[ledger.TargetID][]ledger.Transaction),
		references:   make(map[refKey]ledger.TransactionID),
		rows:         make(map[ledger.TargetID]chan struct{}),
	}
}

var _ ledger.Store = (*Memory)(nil)

// =============================================================================
// ROW LOCKS
// =============================================================================

func (m *Memory) row(id ledger.TargetID) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.rows[id]
	if !ok {
		l = make(chan struct{}, 1)
		m.rows[id] = l
	}
	return l
}

func (m *Memory) lockRow(ctx context.Context, id ledger.TargetID) error {
	l := m.row(id)

	var timeout <-chan time.Time
	if m.LockTimeout > 0 {
		timer := time.NewTimer(m.LockTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case l <- struct{}{}:
		return nil
	case <-timeout:
		return &ledger.StorageError{Op: "lock target", Err: ledger.ErrLockTimeout}
	case <-ctx.Done():
		return &ledger.StorageError{Op: "lock target", Err: ctx.Err()}
	}
}

func (m *Memory) unlockRow(id ledger.TargetID) {
	<-m.row(id)
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx runs fn against a buffered view and applies it on success.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	tx := &memTx{
		parent:   m,
		locked:   make(map[ledger.TargetID]bool),
		balances: make(map[ledger.TargetID]pendingBalance),
	}
	defer tx.release()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

type pendingBalance struct {
	accumulated decimal.Decimal
	status      ledger.Status
}

type memTx struct {
	parent   *Memory
	locked   map[ledger.TargetID]bool
	balances map[ledger.TargetID]pendingBalance
	appended []ledger.Transaction
}

func (t *memTx) release() {
	for id := range t.locked {
		t.parent.unlockRow(id)
	}
	t.locked = nil
}

func (t *memTx) commit() error {
	m := t.parent
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, tx := range t.appended {
		if tx.PaymentReference == "" || tx.Kind != ledger.KindDeposit {
			continue
		}
		if _, dup := m.references[refKey{tx.TargetID, tx.PaymentReference}]; dup {
			return ledger.ErrDuplicateReference
		}
	}

	now := time.Now().UTC()
	for id, b := range t.balances {
		target := m.targets[id]
		target.Accumulated = b.accumulated
		target.Status = b.status
		target.UpdatedAt = now
		m.targets[id] = target
	}
	for _, tx := range t.appended {
		m.transactions[tx.TargetID] = append(m.transactions[tx.TargetID], tx)
		if tx.PaymentReference != "" && tx.Kind == ledger.KindDeposit {
			m.references[refKey{tx.TargetID, tx.PaymentReference}] = tx.ID
		}
	}
	return nil
}

func (t *memTx) LockTargetForUpdate(ctx context.Context, id ledger.TargetID, ownerID ledger.UserID) (ledger.Target, error) {
	if !t.locked[id] {
		if err := t.parent.lockRow(ctx, id); err != nil {
			return ledger.Target{}, err
		}
		t.locked[id] = true
	}

	t.parent.mu.RLock()
	target, ok := t.parent.targets[id]
	t.parent.mu.RUnlock()
	if !ok || target.OwnerID != ownerID {
		t.parent.unlockRow(id)
		delete(t.locked, id)
		return ledger.Target{}, ledger.ErrNotFound
	}

	if b, ok := t.balances[id]; ok {
		target.Accumulated = b.accumulated
		target.Status = b.status
	}
	return target, nil
}

func (t *memTx) SetBalance(_ context.Context, id ledger.TargetID, accumulated decimal.Decimal, status ledger.Status) error {
	if !t.locked[id] {
		return fmt.Errorf("set balance on %s without row lock", id)
	}
	t.balances[id] = pendingBalance{accumulated: accumulated, status: status}
	return nil
}

func (t *memTx) AppendTransaction(ctx context.Context, tx ledger.Transaction) (ledger.TransactionID, error) {
	if tx.PaymentReference != "" && tx.Kind == ledger.KindDeposit {
		existing, err := t.TransactionByReference(ctx, tx.TargetID, tx.PaymentReference)
		if err != nil {
			return "", err
		}
		if existing != nil {
			return "", ledger.ErrDuplicateReference
		}
	}
	t.appended = append(t.appended, tx)
	return tx.ID, nil
}

func (t *memTx) TransactionByReference(_ context.Context, id ledger.TargetID, reference string) (*ledger.Transaction, error) {
	for i := range t.appended {
		tx := t.appended[i]
		if tx.TargetID == id && tx.Kind == ledger.KindDeposit && tx.PaymentReference == reference {
			return &tx, nil
		}
	}

	m := t.parent
	m.mu.RLock()
	defer m.mu.RUnlock()
	txID, ok := m.references[refKey{id, reference}]
	if !ok {
		return nil, nil
	}
	for _, tx := range m.transactions[id] {
		if tx.ID == txID {
			return &tx, nil
		}
	}
	return nil, nil
}

// =============================================================================
// TARGET STORE
// =============================================================================

func (m *Memory) CreateTarget(_ context.Context, t ledger.Target) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.targets[t.ID]; exists {
		return fmt.Errorf("target %s already exists", t.ID)
	}
	m.targets[t.ID] = t
	return nil
}

func (m *Memory) Target(_ context.Context, id ledger.TargetID, ownerID ledger.UserID) (ledger.Target, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.targets[id]
	if !ok || t.OwnerID != ownerID {
		return ledger.Target{}, ledger.ErrNotFound
	}
	return t, nil
}

func (m *Memory) ListTargets(_ context.Context, ownerID ledger.UserID) ([]ledger.Target, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ledger.Target
	for _, t := range m.targets {
		if t.OwnerID == ownerID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// UpdateTarget takes the row lock so an edit cannot interleave with a
// balance mutation of the same target.
func (m *Memory) UpdateTarget(ctx context.Context, id ledger.TargetID, ownerID ledger.UserID, update ledger.TargetUpdate) (ledger.Target, error) {
	if err := m.lockRow(ctx, id); err != nil {
		return ledger.Target{}, err
	}
	defer m.unlockRow(id)

	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.targets[id]
	if !ok || t.OwnerID != ownerID {
		return ledger.Target{}, ledger.ErrNotFound
	}
	updated, err := ledger.ApplyUpdate(t, update, time.Now().UTC())
	if err != nil {
		return ledger.Target{}, err
	}
	m.targets[id] = updated
	return updated, nil
}

func (m *Memory) DeleteTarget(ctx context.Context, id ledger.TargetID, ownerID ledger.UserID) error {
	if err := m.lockRow(ctx, id); err != nil {
		return err
	}
	defer m.unlockRow(id)

	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.targets[id]
	if !ok || t.OwnerID != ownerID {
		return ledger.ErrNotFound
	}
	if len(m.transactions[id]) > 0 {
		return ledger.ErrTargetHasTransactions
	}
	delete(m.targets, id)
	return nil
}

// =============================================================================
// TRANSACTION QUERY
// =============================================================================

func (m *Memory) ListTransactions(_ context.Context, filter ledger.TransactionFilter) (ledger.TransactionPage, error) {
	filter = filter.Normalize()

	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []ledger.Transaction
	for targetID, txs := range m.transactions {
		if filter.TargetID != "" && targetID != filter.TargetID {
			continue
		}
		for _, tx := range txs {
			if tx.UserID != filter.UserID {
				continue
			}
			if filter.Kind != "" && tx.Kind != filter.Kind {
				continue
			}
			if filter.From != nil && tx.OccurredAt.Before(*filter.From) {
				continue
			}
			if filter.To != nil && tx.OccurredAt.After(*filter.To) {
				continue
			}
			tx.TargetName = m.targets[targetID].Name
			matched = append(matched, tx)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].OccurredAt.Equal(matched[j].OccurredAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].OccurredAt.After(matched[j].OccurredAt)
	})

	page := ledger.TransactionPage{Page: filter.Page, Limit: filter.Limit, Total: len(matched)}
	start := filter.Offset()
	if start < len(matched) {
		end := start + filter.Limit
		if end > len(matched) {
			end = len(matched)
		}
		page.Transactions = matched[start:end]
	}
	return page, nil
}

func (m *Memory) TargetTransactions(_ context.Context, id ledger.TargetID) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ledger.Transaction, len(m.transactions[id]))
	copy(out, m.transactions[id])
	return out, nil
}
