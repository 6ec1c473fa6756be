package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celengan/savings-ledger/ledger"
	"github.com/celengan/savings-ledger/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const owner ledger.UserID = "user-1"

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestMutator(t *testing.T) (*ledger.Mutator, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	return ledger.NewMutator(mem), mem
}

func seedTarget(t *testing.T, mem *store.Memory, goal string) ledger.Target {
	t.Helper()
	target, err := ledger.NewTarget(owner, "Laptop", dec(goal), nil, time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, mem.CreateTarget(context.Background(), target))
	return target
}

func deposit(target ledger.Target, amount string) ledger.DepositRequest {
	return ledger.DepositRequest{
		UserID:      owner,
		TargetID:    target.ID,
		Amount:      dec(amount),
		Description: "top up",
	}
}

func requireInvariants(t *testing.T, mem *store.Memory, id ledger.TargetID) ledger.AuditReport {
	t.Helper()
	report, err := ledger.NewAuditor(mem).Audit(context.Background(), id, owner)
	require.NoError(t, err)
	assert.True(t, report.BalanceConsistent(), "stored %s != replayed %s", report.Stored, report.Summary.Balance())
	assert.True(t, report.StatusConsistent(), "stored %s != derived %s", report.StoredStatus, report.ExpectedStatus)
	return report
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestMutator_DepositWithdrawScenario(t *testing.T) {
	m, mem := newTestMutator(t)
	ctx := context.Background()
	target := seedTarget(t, mem, "100000")

	// Deposit 60000: below goal.
	res, err := m.Deposit(ctx, deposit(target, "60000"))
	require.NoError(t, err)
	assert.True(t, dec("60000").Equal(res.NewAccumulated))
	assert.Equal(t, ledger.StatusActive, res.TargetStatus)
	assert.Equal(t, target.ID, res.TargetID)
	assert.NotEmpty(t, res.TransactionID)

	// Deposit 40000: reaches goal exactly.
	res, err = m.Deposit(ctx, deposit(target, "40000"))
	require.NoError(t, err)
	assert.True(t, dec("100000").Equal(res.NewAccumulated))
	assert.Equal(t, ledger.StatusAchieved, res.TargetStatus)
	assert.Equal(t, 2, requireInvariants(t, mem, target.ID).Summary.Count)

	// Withdraw 30000: status reverts to active.
	res, err = m.Withdraw(ctx, ledger.WithdrawRequest{
		UserID: owner, TargetID: target.ID, Amount: dec("30000"), Reason: "emergency",
	})
	require.NoError(t, err)
	assert.True(t, dec("70000").Equal(res.NewAccumulated))
	assert.Equal(t, ledger.StatusActive, res.TargetStatus)

	report := requireInvariants(t, mem, target.ID)
	assert.Equal(t, 3, report.Summary.Count)

	stored, err := mem.Target(ctx, target.ID, owner)
	require.NoError(t, err)
	assert.True(t, dec("70000").Equal(stored.Accumulated))
	assert.Equal(t, ledger.StatusActive, stored.Status)
}

func TestMutator_Withdraw_InsufficientFunds(t *testing.T) {
	m, mem := newTestMutator(t)
	ctx := context.Background()
	target := seedTarget(t, mem, "100000")

	_, err := m.Deposit(ctx, deposit(target, "70000"))
	require.NoError(t, err)

	_, err = m.Withdraw(ctx, ledger.WithdrawRequest{
		UserID: owner, TargetID: target.ID, Amount: dec("999999999"), Reason: "car",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	assert.True(t, ledger.IsClientError(err))

	var fundsErr *ledger.InsufficientFundsError
	require.ErrorAs(t, err, &fundsErr)
	assert.True(t, dec("70000").Equal(fundsErr.Available))
	assert.True(t, dec("999929999").Equal(fundsErr.Shortfall()))

	stored, err := mem.Target(ctx, target.ID, owner)
	require.NoError(t, err)
	assert.True(t, dec("70000").Equal(stored.Accumulated))

	txs, err := mem.TargetTransactions(ctx, target.ID)
	require.NoError(t, err)
	assert.Len(t, txs, 1, "no withdrawal row may be written")
}

func TestMutator_Withdraw_FullBalanceAllowed(t *testing.T) {
	m, mem := newTestMutator(t)
	ctx := context.Background()
	target := seedTarget(t, mem, "500")

	_, err := m.Deposit(ctx, deposit(target, "500"))
	require.NoError(t, err)

	res, err := m.Withdraw(ctx, ledger.WithdrawRequest{
		UserID: owner, TargetID: target.ID, Amount: dec("500"), Reason: "spent",
	})
	require.NoError(t, err)
	assert.True(t, res.NewAccumulated.IsZero())
	assert.Equal(t, ledger.StatusActive, res.TargetStatus)
	requireInvariants(t, mem, target.ID)
}

func TestMutator_DepositBeyondGoal_StaysAchieved(t *testing.T) {
	m, mem := newTestMutator(t)
	ctx := context.Background()
	target := seedTarget(t, mem, "100")

	_, err := m.Deposit(ctx, deposit(target, "150"))
	require.NoError(t, err)
	res, err := m.Deposit(ctx, deposit(target, "10.50"))
	require.NoError(t, err)

	assert.True(t, dec("160.50").Equal(res.NewAccumulated))
	assert.Equal(t, ledger.StatusAchieved, res.TargetStatus)
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestMutator_InvalidArguments(t *testing.T) {
	m, mem := newTestMutator(t)
	ctx := context.Background()
	target := seedTarget(t, mem, "100")

	tests := []struct {
		name string
		call func() error
	}{
		{"zero deposit", func() error {
			_, err := m.Deposit(ctx, deposit(target, "0"))
			return err
		}},
		{"negative deposit", func() error {
			_, err := m.Deposit(ctx, deposit(target, "-5"))
			return err
		}},
		{"sub-cent deposit", func() error {
			_, err := m.Deposit(ctx, deposit(target, "1.005"))
			return err
		}},
		{"missing user", func() error {
			req := deposit(target, "5")
			req.UserID = ""
			_, err := m.Deposit(ctx, req)
			return err
		}},
		{"blank reason", func() error {
			_, err := m.Withdraw(ctx, ledger.WithdrawRequest{
				UserID: owner, TargetID: target.ID, Amount: dec("1"), Reason: "   ",
			})
			return err
		}},
		{"zero withdrawal", func() error {
			_, err := m.Withdraw(ctx, ledger.WithdrawRequest{
				UserID: owner, TargetID: target.ID, Amount: decimal.Zero, Reason: "x",
			})
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			assert.ErrorIs(t, err, ledger.ErrInvalidArgument)
		})
	}

	txs, err := mem.TargetTransactions(ctx, target.ID)
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestMutator_NotOwned_IsNotFound(t *testing.T) {
	m, mem := newTestMutator(t)
	ctx := context.Background()
	target := seedTarget(t, mem, "100")

	req := deposit(target, "10")
	req.UserID = "intruder"
	_, err := m.Deposit(ctx, req)
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	req = deposit(target, "10")
	req.TargetID = "does-not-exist"
	_, err = m.Deposit(ctx, req)
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	_, err = m.Withdraw(ctx, ledger.WithdrawRequest{
		UserID: "intruder", TargetID: target.ID, Amount: dec("1"), Reason: "x",
	})
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

// =============================================================================
// ATOMICITY
// =============================================================================

// failingStore injects an error into a chosen Tx call after the row lock
// has been taken.
type failingStore struct {
	inner      ledger.TxStore
	failAppend bool
	failSet    bool
}

var errInjected = errors.New("injected failure")

func (f *failingStore) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	return f.inner.WithTx(ctx, func(tx ledger.Tx) error {
		return fn(&failingTx{Tx: tx, store: f})
	})
}

type failingTx struct {
	ledger.Tx
	store *failingStore
}

func (f *failingTx) SetBalance(ctx context.Context, id ledger.TargetID, acc decimal.Decimal, st ledger.Status) error {
	if f.store.failSet {
		return errInjected
	}
	return f.Tx.SetBalance(ctx, id, acc, st)
}

func (f *failingTx) AppendTransaction(ctx context.Context, tx ledger.Transaction) (ledger.TransactionID, error) {
	if f.store.failAppend {
		return "", errInjected
	}
	return f.Tx.AppendTransaction(ctx, tx)
}

func TestMutator_FailureAfterLock_RollsBack(t *testing.T) {
	ctx := context.Background()

	for _, tc := range []struct {
		name       string
		failAppend bool
		failSet    bool
	}{
		{"append fails after balance write", true, false},
		{"balance write fails", false, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			mem := store.NewMemory()
			target := seedTarget(t, mem, "1000")

			_, err := ledger.NewMutator(mem).Deposit(ctx, deposit(target, "100"))
			require.NoError(t, err)

			m := ledger.NewMutator(&failingStore{inner: mem, failAppend: tc.failAppend, failSet: tc.failSet})

			_, err = m.Deposit(ctx, deposit(target, "250"))
			require.Error(t, err)
			assert.ErrorIs(t, err, ledger.ErrStorage)
			assert.ErrorIs(t, err, errInjected)

			_, err = m.Withdraw(ctx, ledger.WithdrawRequest{
				UserID: owner, TargetID: target.ID, Amount: dec("50"), Reason: "x",
			})
			assert.ErrorIs(t, err, ledger.ErrStorage)

			stored, err := mem.Target(ctx, target.ID, owner)
			require.NoError(t, err)
			assert.True(t, dec("100").Equal(stored.Accumulated))

			report := requireInvariants(t, mem, target.ID)
			assert.Equal(t, 1, report.Summary.Count)
		})
	}
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestMutator_ConcurrentDeposits_NoLostUpdates(t *testing.T) {
	m, mem := newTestMutator(t)
	ctx := context.Background()
	target := seedTarget(t, mem, "1000000")

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Deposit(ctx, deposit(target, "10000"))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	stored, err := mem.Target(ctx, target.ID, owner)
	require.NoError(t, err)
	assert.True(t, dec("500000").Equal(stored.Accumulated), "got %s", stored.Accumulated)

	report := requireInvariants(t, mem, target.ID)
	assert.Equal(t, n, report.Summary.Count)
}

func TestMutator_ConcurrentTwoDeposits_SerialOrder(t *testing.T) {
	m, mem := newTestMutator(t)
	ctx := context.Background()
	target := seedTarget(t, mem, "100000")

	var wg sync.WaitGroup
	results := make([]ledger.Result, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := m.Deposit(ctx, deposit(target, "10000"))
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	// One call observed 10000, the other 20000: a serial order.
	seen := []string{results[0].NewAccumulated.String(), results[1].NewAccumulated.String()}
	assert.ElementsMatch(t, []string{"10000", "20000"}, seen)

	report := requireInvariants(t, mem, target.ID)
	assert.Equal(t, 2, report.Summary.Count)
	assert.True(t, dec("20000").Equal(report.Stored))
}

func TestMutator_ConcurrentMixed_BalanceNeverNegative(t *testing.T) {
	m, mem := newTestMutator(t)
	ctx := context.Background()
	target := seedTarget(t, mem, "1000")

	_, err := m.Deposit(ctx, deposit(target, "100"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Withdraw(ctx, ledger.WithdrawRequest{
				UserID: owner, TargetID: target.ID, Amount: dec("10"), Reason: "race",
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded)
	report := requireInvariants(t, mem, target.ID)
	assert.True(t, report.Stored.IsZero())
}

func TestMutator_LockTimeout_IsRetryable(t *testing.T) {
	mem := store.NewMemory()
	mem.LockTimeout = 20 * time.Millisecond
	target := seedTarget(t, mem, "100")
	ctx := context.Background()

	held := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = mem.WithTx(ctx, func(tx ledger.Tx) error {
			_, err := tx.LockTargetForUpdate(ctx, target.ID, owner)
			assert.NoError(t, err)
			close(held)
			<-done
			return nil
		})
	}()
	<-held

	_, err := ledger.NewMutator(mem).Deposit(ctx, deposit(target, "1"))
	close(done)

	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrStorage)
	assert.True(t, ledger.IsRetryable(err))
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

func TestMutator_DuplicateReference_ReplaysWithoutCredit(t *testing.T) {
	m, mem := newTestMutator(t)
	ctx := context.Background()
	target := seedTarget(t, mem, "100000")

	req := deposit(target, "25000")
	req.Reference = "QRIS-user-1-abc"

	first, err := m.Deposit(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := m.Deposit(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.TransactionID, second.TransactionID)
	assert.True(t, dec("25000").Equal(second.NewAccumulated))

	report := requireInvariants(t, mem, target.ID)
	assert.Equal(t, 1, report.Summary.Count)
}

func TestMutator_DuplicateReference_Concurrent(t *testing.T) {
	m, mem := newTestMutator(t)
	ctx := context.Background()
	target := seedTarget(t, mem, "100000")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := deposit(target, "5000")
			req.Reference = "QRIS-once"
			_, err := m.Deposit(ctx, req)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	report := requireInvariants(t, mem, target.ID)
	assert.Equal(t, 1, report.Summary.Count)
	assert.True(t, dec("5000").Equal(report.Stored))
}

func TestMutator_SameReference_DifferentTargets(t *testing.T) {
	m, mem := newTestMutator(t)
	ctx := context.Background()
	a := seedTarget(t, mem, "100")
	b := seedTarget(t, mem, "100")

	for _, target := range []ledger.Target{a, b} {
		req := deposit(target, "10")
		req.Reference = "shared-ref"
		res, err := m.Deposit(ctx, req)
		require.NoError(t, err)
		assert.False(t, res.Replayed, fmt.Sprintf("target %s", target.ID))
	}
}
