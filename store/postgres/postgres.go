/*
Package postgres provides a PostgreSQL-backed implementation of the storage
interfaces, for deployments with many concurrent writers.

PURPOSE:
  Same contract as store/sqlite, but with real row-level locking:
  LockTargetForUpdate is SELECT ... FOR UPDATE, so mutations on different
  targets proceed in parallel while mutations on one target serialize.

LOCK WAITS:
  Every transaction sets a local lock_timeout. A lock that is not granted
  in time (55P03), a deadlock victim (40P01) and a serialization failure
  (40001) all surface as ledger.ErrLockTimeout, which callers may retry.

MONEY:
  NUMERIC(20,2) columns, scanned straight into decimal.Decimal.

USAGE:
  store, err := postgres.Open(ctx, os.Getenv("DATABASE_URL"), log)
  if err != nil {
      log.Fatal().Err(err).Msg("database")
  }
  defer store.Close()
*/
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/celengan/savings-ledger/ledger"
	"github.com/celengan/savings-ledger/payment"
)

const (
	DefaultLockTimeout = 5 * time.Second

	connectAttempts = 5
	connectBackoff  = 2 * time.Second
)

type Store struct {
	db          *sql.DB
	lockTimeout time.Duration
	log         zerolog.Logger
}

var (
	_ ledger.Store         = (*Store)(nil)
	_ payment.AttemptStore = (*Store)(nil)
)

// Option tunes the store.
type Option func(*Store)

// WithLockTimeout bounds how long a mutation waits for a target row lock.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// Open connects (retrying while the database comes up), configures the
// pool and runs migrations.
func Open(ctx context.Context, dsn string, log zerolog.Logger, opts ...Option) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	for i := 1; ; i++ {
		err = db.PingContext(ctx)
		if err == nil {
			break
		}
		if i == connectAttempts {
			db.Close()
			return nil, fmt.Errorf("could not reach database after %d attempts: %w", connectAttempts, err)
		}
		log.Info().Int("attempt", i).Int("of", connectAttempts).Msg("waiting for database")
		select {
		case <-ctx.Done():
			db.Close()
			return nil, ctx.Err()
		case <-time.After(connectBackoff):
		}
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db, lockTimeout: DefaultLockTimeout, log: log}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	log.Info().Msg("database connection established")
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates tables and indexes idempotently.
func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS targets (
			id          TEXT          PRIMARY KEY,
			owner_id    TEXT          NOT NULL,
			name        TEXT          NOT NULL,
			goal_amount NUMERIC(20,2) NOT NULL CHECK (goal_amount > 0),
			target_date DATE,
			accumulated NUMERIC(20,2) NOT NULL DEFAULT 0 CHECK (accumulated >= 0),
			status      VARCHAR(10)   NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'achieved')),
			created_at  TIMESTAMPTZ   NOT NULL DEFAULT NOW(),
			updated_at  TIMESTAMPTZ   NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_targets_owner
			ON targets(owner_id, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS transactions (
			seq               BIGSERIAL     PRIMARY KEY,
			id                TEXT          NOT NULL UNIQUE,
			target_id         TEXT          NOT NULL REFERENCES targets(id),
			user_id           TEXT          NOT NULL,
			kind              VARCHAR(10)   NOT NULL CHECK (kind IN ('DEPOSIT', 'WITHDRAWAL')),
			amount            NUMERIC(20,2) NOT NULL CHECK (amount > 0),
			description       TEXT          NOT NULL DEFAULT '',
			payment_reference TEXT,
			occurred_at       TIMESTAMPTZ   NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_target_ref
			ON transactions(target_id, payment_reference)
			WHERE kind = 'DEPOSIT' AND payment_reference IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_user_time
			ON transactions(user_id, occurred_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_target
			ON transactions(target_id, seq)`,
		`CREATE TABLE IF NOT EXISTS payment_attempts (
			id           TEXT          PRIMARY KEY,
			user_id      TEXT          NOT NULL,
			target_id    TEXT          NOT NULL REFERENCES targets(id),
			amount       NUMERIC(20,2) NOT NULL,
			external_id  TEXT          NOT NULL DEFAULT '',
			payment_data TEXT          NOT NULL DEFAULT '',
			status       VARCHAR(10)   NOT NULL DEFAULT 'PENDING',
			reference    TEXT          NOT NULL UNIQUE,
			created_at   TIMESTAMPTZ   NOT NULL,
			updated_at   TIMESTAMPTZ   NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_payment_attempts_status
			ON payment_attempts(status, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	s.log.Debug().Msg("migrations completed")
	return nil
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageError("begin transaction", err)
	}
	defer sqlTx.Rollback()

	// SET LOCAL does not accept bind parameters.
	if _, err := sqlTx.ExecContext(ctx,
		fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds()),
	); err != nil {
		return storageError("set lock timeout", err)
	}

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
	t, err := scanTarget(ts.tx.QueryRowContext(ctx,
		selectTarget+` WHERE id = $1 AND owner_id = $2 FOR UPDATE`, id, ownerID))
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
		`UPDATE targets SET accumulated = $1, status = $2, updated_at = NOW() WHERE id = $3`,
		accumulated, status, id,
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		tx.ID, tx.TargetID, tx.UserID, tx.Kind, tx.Amount,
		tx.Description, nullString(tx.PaymentReference), tx.OccurredAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == "idx_transactions_target_ref" {
			return "", ledger.ErrDuplicateReference
		}
		return "", storageError("append transaction", err)
	}
	return tx.ID, nil
}

func (ts *txStore) TransactionByReference(ctx context.Context, id ledger.TargetID, reference string) (*ledger.Transaction, error) {
	rows, err := ts.tx.QueryContext(ctx, selectTransaction+`
		WHERE t.target_id = $1 AND t.payment_reference = $2 AND t.kind = 'DEPOSIT'`,
		id, reference,
	)
	if err != nil {
		return nil, storageError("find by reference", err)
	}
	txs, err := collectTransactions(rows)
	if err != nil || len(txs) == 0 {
		return nil, err
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
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO targets
		(id, owner_id, name, goal_amount, target_date, accumulated, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.ID, t.OwnerID, t.Name, t.GoalAmount, nullTime(t.TargetDate),
		t.Accumulated, t.Status, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return storageError("create target", err)
	}
	return nil
}

func (s *Store) Target(ctx context.Context, id ledger.TargetID, ownerID ledger.UserID) (ledger.Target, error) {
	t, err := scanTarget(s.db.QueryRowContext(ctx, selectTarget+` WHERE id = $1 AND owner_id = $2`, id, ownerID))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Target{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Target{}, storageError("get target", err)
	}
	return t, nil
}

func (s *Store) ListTargets(ctx context.Context, ownerID ledger.UserID) ([]ledger.Target, error) {
	rows, err := s.db.QueryContext(ctx, selectTarget+` WHERE owner_id = $1 ORDER BY created_at DESC`, ownerID)
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
			UPDATE targets SET name = $1, goal_amount = $2, target_date = $3, status = $4, updated_at = $5
			WHERE id = $6`,
			updated.Name, updated.GoalAmount, nullTime(updated.TargetDate),
			updated.Status, updated.UpdatedAt, id,
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

		var exists bool
		if err := sqlTx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM transactions WHERE target_id = $1)`, id,
		).Scan(&exists); err != nil {
			return storageError("count transactions", err)
		}
		if exists {
			return ledger.ErrTargetHasTransactions
		}

		if _, err := sqlTx.ExecContext(ctx, `DELETE FROM payment_attempts WHERE target_id = $1`, id); err != nil {
			return storageError("delete payment attempts", err)
		}
		if _, err := sqlTx.ExecContext(ctx, `DELETE FROM targets WHERE id = $1`, id); err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23503" {
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
		t          ledger.Target
		targetDate sql.NullTime
	)
	err := row.Scan(&t.ID, &t.OwnerID, &t.Name, &t.GoalAmount, &targetDate, &t.Accumulated,
		&t.Status, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return t, err
	}
	if targetDate.Valid {
		d := targetDate.Time.UTC()
		t.TargetDate = &d
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
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

	args := []any{filter.UserID}
	where := []string{"t.user_id = $1"}
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.TargetID != "" {
		add("t.target_id = $%d", filter.TargetID)
	}
	if filter.Kind != "" {
		add("t.kind = $%d", filter.Kind)
	}
	if filter.From != nil {
		add("t.occurred_at >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("t.occurred_at <= $%d", *filter.To)
	}
	clause := " WHERE " + strings.Join(where, " AND ")

	page := ledger.TransactionPage{Page: filter.Page, Limit: filter.Limit}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transactions t`+clause, args...,
	).Scan(&page.Total); err != nil {
		return page, storageError("count transactions", err)
	}

	query := selectTransaction + clause +
		fmt.Sprintf(` ORDER BY t.occurred_at DESC, t.seq DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	rows, err := s.db.QueryContext(ctx, query, append(args, filter.Limit, filter.Offset())...)
	if err != nil {
		return page, storageError("list transactions", err)
	}
	page.Transactions, err = collectTransactions(rows)
	return page, err
}

func (s *Store) TargetTransactions(ctx context.Context, id ledger.TargetID) ([]ledger.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, selectTransaction+` WHERE t.target_id = $1 ORDER BY t.seq ASC`, id)
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
			tx        ledger.Transaction
			reference sql.NullString
		)
		if err := rows.Scan(&tx.ID, &tx.TargetID, &tx.UserID, &tx.Kind, &tx.Amount,
			&tx.Description, &reference, &tx.OccurredAt, &tx.TargetName); err != nil {
			return nil, storageError("scan transaction", err)
		}
		tx.PaymentReference = reference.String
		tx.OccurredAt = tx.OccurredAt.UTC()
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("scan transactions", err)
	}
	return txs, nil
}

// =============================================================================
// PAYMENT ATTEMPT STORE
// =============================================================================

const selectAttempt = `
	SELECT id, user_id, target_id, amount, external_id, payment_data, status, reference, created_at, updated_at
	FROM payment_attempts`

func (s *Store) SaveAttempt(ctx context.Context, a payment.Attempt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_attempts
		(id, user_id, target_id, amount, external_id, payment_data, status, reference, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.UserID, a.TargetID, a.Amount, a.ExternalID, a.PaymentData,
		a.Status, a.Reference, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return storageError("save payment attempt", err)
	}
	return nil
}

func (s *Store) AttemptByReference(ctx context.Context, reference string, userID ledger.UserID) (payment.Attempt, error) {
	a, err := scanAttempt(s.db.QueryRowContext(ctx,
		selectAttempt+` WHERE reference = $1 AND user_id = $2`, reference, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return payment.Attempt{}, payment.ErrAttemptNotFound
	}
	if err != nil {
		return payment.Attempt{}, storageError("get payment attempt", err)
	}
	return a, nil
}

func (s *Store) UpdateAttemptStatus(ctx context.Context, id string, status payment.Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE payment_attempts SET status = $1, updated_at = NOW() WHERE id = $2`, status, id)
	if err != nil {
		return storageError("update payment attempt", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return payment.ErrAttemptNotFound
	}
	return nil
}

func (s *Store) PendingAttempts(ctx context.Context) ([]payment.Attempt, error) {
	rows, err := s.db.QueryContext(ctx,
		selectAttempt+` WHERE status = $1 ORDER BY created_at ASC`, payment.StatusPending)
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
	var a payment.Attempt
	err := row.Scan(&a.ID, &a.UserID, &a.TargetID, &a.Amount, &a.ExternalID, &a.PaymentData,
		&a.Status, &a.Reference, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// storageError maps lock contention to ErrLockTimeout and wraps the rest.
func storageError(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "55P03", "40P01", "40001":
			return &ledger.StorageError{Op: op, Err: fmt.Errorf("%w: %v", ledger.ErrLockTimeout, err)}
		}
	}
	return ledger.Storage(op, err)
}
