/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements ledger.Store (targets + transaction log) and
  payment.AttemptStore using SQLite. It is the default driver and the one
  the test suite runs against.

INTERFACES IMPLEMENTED:
  ledger.TxStore:          Atomic balance mutations
  ledger.TargetStore:      Target CRUD
  ledger.TransactionQuery: History and replay
  payment.AttemptStore:    Gateway payment bookkeeping

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on the transactions table
  - targets cannot be deleted while transactions reference them (FK)

KEY TABLES:
  targets:          Goal + running balance + derived status
  transactions:     Immutable ledger of deposits and withdrawals
  payment_attempts: External payment correlation

INDEXES:
  - idx_transactions_target_ref: one deposit per (target, payment reference)
  - idx_transactions_user_time:  history listing (hot path)
  - idx_transactions_target:     replay in commit order

CONCURRENCY:
  SQLite has a single writer. WithTx holds the store mutex and opens the
  transaction with BEGIN IMMEDIATE (_txlock=immediate), so "lock target
  row" is satisfied by holding the database write lock for the whole
  mutation. Lock waits are bounded by _busy_timeout and surface as
  ledger.ErrLockTimeout.

USAGE:
  store, err := sqlite.New("./data/celengan.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  mutator := ledger.NewMutator(store)
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/celengan/savings-ledger/ledger"
	"github.com/celengan/savings-ledger/payment"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const dateLayout = "2006-01-02"

// DefaultBusyTimeout bounds how long a writer waits for the database lock.
const DefaultBusyTimeout = 5 * time.Second

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var (
	_ ledger.Store         = (*Store)(nil)
	_ payment.AttemptStore = (*Store)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	return NewWithTimeout(dbPath, DefaultBusyTimeout)
}

// NewWithTimeout is New with an explicit lock-wait timeout.
func NewWithTimeout(dbPath string, busyTimeout time.Duration) (*Store, error) {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_txlock=immediate&_busy_timeout=%d",
		dbPath, busyTimeout.Milliseconds())
	if dbPath != ":memory:" {
		dsn += "&_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to ":memory:" is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS targets (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		name TEXT NOT NULL,
		goal_amount TEXT NOT NULL,
		target_date TEXT,
		accumulated TEXT NOT NULL DEFAULT '0.00',
		status TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'achieved')),
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_targets_owner
		ON targets(owner_id, created_at DESC);

	-- Transactions (append-only ledger)
	CREATE TABLE IF NOT EXISTS transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		target_id TEXT NOT NULL REFERENCES targets(id),
		user_id TEXT NOT NULL,
		kind TEXT NOT NULL CHECK (kind IN ('DEPOSIT', 'WITHDRAWAL')),
		amount TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		payment_reference TEXT,
		occurred_at TEXT NOT NULL
	);

	-- A confirmed external payment may credit a target only once
	CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_target_ref
		ON transactions(target_id, payment_reference)
		WHERE kind = 'DEPOSIT' AND payment_reference IS NOT NULL;

	CREATE INDEX IF NOT EXISTS idx_transactions_user_time
		ON transactions(user_id, occurred_at DESC);

	CREATE INDEX IF NOT EXISTS idx_transactions_target
		ON transactions(target_id, seq);

	-- Payment attempts (gateway bookkeeping)
	CREATE TABLE IF NOT EXISTS payment_attempts (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		target_id TEXT NOT NULL REFERENCES targets(id),
		amount TEXT NOT NULL,
		external_id TEXT NOT NULL DEFAULT '',
		payment_data TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'PENDING',
		reference TEXT NOT NULL UNIQUE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payment_attempts_status
		ON payment_attempts(status, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageError("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return storageError("commit", err)
	}
	return nil
}

type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) LockTargetForUpdate(ctx context.Context, id ledger.TargetID, ownerID ledger.UserID) (ledger.Target, error) {
	// The IMMEDIATE transaction already holds the write lock; this read is
	// consistent for the rest of the transaction.
	row := ts.tx.QueryRowContext(ctx, selectTarget+` WHERE id = ? AND owner_id = ?`, id, ownerID)
	t, err := scanTarget(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Target{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Target{}, storageError("lock target", err)
	}
	return t, nil
}

func (ts *txStore) SetBalance(ctx context.Context, id ledger.TargetID, accumulated decimal.Decimal, status ledger.Status) error {
	res, err := ts.tx.ExecContext(ctx,
		`UPDATE targets SET accumulated = ?, status = ?, updated_at = ? WHERE id = ?`,
		money(accumulated), status, formatTime(time.Now()), id,
	)
	if err != nil {
		return storageError("set balance", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return storageError("set balance", fmt.Errorf("target %s: %d rows affected", id, n))
	}
	return nil
}

func (ts *txStore) AppendTransaction(ctx context.Context, tx ledger.Transaction) (ledger.TransactionID, error) {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO transactions
		(id, target_id, user_id, kind, amount, description, payment_reference, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.TargetID, tx.UserID, tx.Kind, money(tx.Amount),
		tx.Description, nullString(tx.PaymentReference), formatTime(tx.OccurredAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) && strings.Contains(err.Error(), "payment_reference") {
			return "", ledger.ErrDuplicateReference
		}
		return "", storageError("append transaction", err)
	}
	return tx.ID, nil
}

func (ts *txStore) TransactionByReference(ctx context.Context, id ledger.TargetID, reference string) (*ledger.Transaction, error) {
	rows, err := ts.tx.QueryContext(ctx, selectTransaction+`
		WHERE t.target_id = ? AND t.payment_reference = ? AND t.kind = 'DEPOSIT'`,
		id, reference,
	)
	if err != nil {
		return nil, storageError("find by reference", err)
	}
	txs, err := collectTransactions(rows)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, nil
	}
	return &txs[0], nil
}

// =============================================================================
// TARGET STORE
// =============================================================================

const selectTarget = `
	SELECT id, owner_id, name, goal_amount, target_date, accumulated, status, created_at, updated_at
	FROM targets`

func (s *Store) CreateTarget(ctx context.Context, t ledger.Target) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO targets
		(id, owner_id, name, goal_amount, target_date, accumulated, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.OwnerID, t.Name, money(t.GoalAmount), nullDate(t.TargetDate),
		money(t.Accumulated), t.Status, formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
	)
	if err != nil {
		return storageError("create target", err)
	}
	return nil
}

func (s *Store) Target(ctx context.Context, id ledger.TargetID, ownerID ledger.UserID) (ledger.Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, err := scanTarget(s.db.QueryRowContext(ctx, selectTarget+` WHERE id = ? AND owner_id = ?`, id, ownerID))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Target{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Target{}, storageError("get target", err)
	}
	return t, nil
}

func (s *Store) ListTargets(ctx context.Context, ownerID ledger.UserID) ([]ledger.Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, selectTarget+` WHERE owner_id = ? ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, storageError("list targets", err)
	}
	defer rows.Close()

	var targets []ledger.Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, storageError("scan target", err)
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

func (s *Store) UpdateTarget(ctx context.Context, id ledger.TargetID, ownerID ledger.UserID, update ledger.TargetUpdate) (ledger.Target, error) {
	var updated ledger.Target
	err := s.WithTx(ctx, func(tx ledger.Tx) error {
		current, err := tx.LockTargetForUpdate(ctx, id, ownerID)
		if err != nil {
			return err
		}
		updated, err = ledger.ApplyUpdate(current, update, time.Now().UTC())
		if err != nil {
			return err
		}
		_, err = tx.(*txStore).tx.ExecContext(ctx, `
			UPDATE targets SET name = ?, goal_amount = ?, target_date = ?, status = ?, updated_at = ?
			WHERE id = ?`,
			updated.Name, money(updated.GoalAmount), nullDate(updated.TargetDate),
			updated.Status, formatTime(updated.UpdatedAt), id,
		)
		if err != nil {
			return storageError("update target", err)
		}
		return nil
	})
	return updated, err
}

func (s *Store) DeleteTarget(ctx context.Context, id ledger.TargetID, ownerID ledger.UserID) error {
	return s.WithTx(ctx, func(tx ledger.Tx) error {
		if _, err := tx.LockTargetForUpdate(ctx, id, ownerID); err != nil {
			return err
		}
		sqlTx := tx.(*txStore).tx

		var count int
		if err := sqlTx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM transactions WHERE target_id = ?`, id,
		).Scan(&count); err != nil {
			return storageError("count transactions", err)
		}
		if count > 0 {
			return ledger.ErrTargetHasTransactions
		}

		if _, err := sqlTx.ExecContext(ctx, `DELETE FROM payment_attempts WHERE target_id = ?`, id); err != nil {
			return storageError("delete payment attempts", err)
		}
		if _, err := sqlTx.ExecContext(ctx, `DELETE FROM targets WHERE id = ?`, id); err != nil {
			if isForeignKeyError(err) {
				return ledger.ErrTargetHasTransactions
			}
			return storageError("delete target", err)
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTarget(row rowScanner) (ledger.Target, error) {
	var (
		t           ledger.Target
		goal        string
		accumulated string
		targetDate  sql.NullString
		createdAt   string
		updatedAt   string
	)
	err := row.Scan(&t.ID, &t.OwnerID, &t.Name, &goal, &targetDate, &accumulated,
		&t.Status, &createdAt, &updatedAt)
	if err != nil {
		return t, err
	}

	if t.GoalAmount, err = decimal.NewFromString(goal); err != nil {
		return t, fmt.Errorf("target %s goal_amount: %w", t.ID, err)
	}
	if t.Accumulated, err = decimal.NewFromString(accumulated); err != nil {
		return t, fmt.Errorf("target %s accumulated: %w", t.ID, err)
	}
	if targetDate.Valid && targetDate.String != "" {
		d, err := time.Parse(dateLayout, targetDate.String)
		if err == nil {
			t.TargetDate = &d
		}
	}
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return t, nil
}

// =============================================================================
// TRANSACTION QUERY
// =============================================================================

const selectTransaction = `
	SELECT t.id, t.target_id, t.user_id, t.kind, t.amount, t.description,
	       t.payment_reference, t.occurred_at, COALESCE(g.name, '')
	FROM transactions t
	LEFT JOIN targets g ON g.id = t.target_id`

func (s *Store) ListTransactions(ctx context.Context, filter ledger.TransactionFilter) (ledger.TransactionPage, error) {
	filter = filter.Normalize()

	s.mu.RLock()
	defer s.mu.RUnlock()

	where := []string{"t.user_id = ?"}
	args := []any{filter.UserID}
	if filter.TargetID != "" {
		where = append(where, "t.target_id = ?")
		args = append(args, filter.TargetID)
	}
	if filter.Kind != "" {
		where = append(where, "t.kind = ?")
		args = append(args, filter.Kind)
	}
	if filter.From != nil {
		where = append(where, "t.occurred_at >= ?")
		args = append(args, formatTime(*filter.From))
	}
	if filter.To != nil {
		where = append(where, "t.occurred_at <= ?")
		args = append(args, formatTime(*filter.To))
	}
	clause := " WHERE " + strings.Join(where, " AND ")

	page := ledger.TransactionPage{Page: filter.Page, Limit: filter.Limit}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transactions t`+clause, args...,
	).Scan(&page.Total); err != nil {
		return page, storageError("count transactions", err)
	}

	rows, err := s.db.QueryContext(ctx,
		selectTransaction+clause+` ORDER BY t.occurred_at DESC, t.seq DESC LIMIT ? OFFSET ?`,
		append(args, filter.Limit, filter.Offset())...,
	)
	if err != nil {
		return page, storageError("list transactions", err)
	}
	page.Transactions, err = collectTransactions(rows)
	return page, err
}

func (s *Store) TargetTransactions(ctx context.Context, id ledger.TargetID) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, selectTransaction+` WHERE t.target_id = ? ORDER BY t.seq ASC`, id)
	if err != nil {
		return nil, storageError("target transactions", err)
	}
	return collectTransactions(rows)
}

func collectTransactions(rows *sql.Rows) ([]ledger.Transaction, error) {
	defer rows.Close()

	var txs []ledger.Transaction
	for rows.Next() {
		var (
			tx         ledger.Transaction
			amount     string
			reference  sql.NullString
			occurredAt string
		)
		if err := rows.Scan(&tx.ID, &tx.TargetID, &tx.UserID, &tx.Kind, &amount,
			&tx.Description, &reference, &occurredAt, &tx.TargetName); err != nil {
			return nil, storageError("scan transaction", err)
		}
		var err error
		if tx.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, storageError("scan transaction", fmt.Errorf("transaction %s amount: %w", tx.ID, err))
		}
		tx.PaymentReference = reference.String
		tx.OccurredAt = parseTime(occurredAt)
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("scan transactions", err)
	}
	return txs, nil
}

// =============================================================================
// PAYMENT ATTEMPT STORE (payment.AttemptStore interface)
// =============================================================================

const selectAttempt = `
	SELECT id, user_id, target_id, amount, external_id, payment_data, status, reference, created_at, updated_at
	FROM payment_attempts`

func (s *Store) SaveAttempt(ctx context.Context, a payment.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_attempts
		(id, user_id, target_id, amount, external_id, payment_data, status, reference, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.UserID, a.TargetID, money(a.Amount), a.ExternalID, a.PaymentData,
		a.Status, a.Reference, formatTime(a.CreatedAt), formatTime(a.UpdatedAt),
	)
	if err != nil {
		return storageError("save payment attempt", err)
	}
	return nil
}

func (s *Store) AttemptByReference(ctx context.Context, reference string, userID ledger.UserID) (payment.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, err := scanAttempt(s.db.QueryRowContext(ctx,
		selectAttempt+` WHERE reference = ? AND user_id = ?`, reference, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return payment.Attempt{}, payment.ErrAttemptNotFound
	}
	if err != nil {
		return payment.Attempt{}, storageError("get payment attempt", err)
	}
	return a, nil
}

func (s *Store) UpdateAttemptStatus(ctx context.Context, id string, status payment.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE payment_attempts SET status = ?, updated_at = ? WHERE id = ?`,
		status, formatTime(time.Now()), id,
	)
	if err != nil {
		return storageError("update payment attempt", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return payment.ErrAttemptNotFound
	}
	return nil
}

func (s *Store) PendingAttempts(ctx context.Context) ([]payment.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		selectAttempt+` WHERE status = ? ORDER BY created_at ASC`, payment.StatusPending)
	if err != nil {
		return nil, storageError("pending payment attempts", err)
	}
	defer rows.Close()

	var attempts []payment.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, storageError("scan payment attempt", err)
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

func scanAttempt(row rowScanner) (payment.Attempt, error) {
	var (
		a         payment.Attempt
		amount    string
		createdAt string
		updatedAt string
	)
	err := row.Scan(&a.ID, &a.UserID, &a.TargetID, &amount, &a.ExternalID, &a.PaymentData,
		&a.Status, &a.Reference, &createdAt, &updatedAt)
	if err != nil {
		return a, err
	}
	if a.Amount, err = decimal.NewFromString(amount); err != nil {
		return a, fmt.Errorf("payment attempt %s amount: %w", a.ID, err)
	}
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return a, nil
}

// Helper functions

func money(d decimal.Decimal) string {
	return d.StringFixed(ledger.CurrencyPlaces)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullDate(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(dateLayout), Valid: true}
}

// storageError maps busy/locked to ErrLockTimeout and wraps the rest.
func storageError(op string, err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && (sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked) {
		return &ledger.StorageError{Op: op, Err: fmt.Errorf("%w: %v", ledger.ErrLockTimeout, err)}
	}
	return ledger.Storage(op, err)
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

func isForeignKeyError(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
}
