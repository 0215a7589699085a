// Package postgres provides a PostgreSQL-backed Store for tokenquota.
//
// Account state and usage events live in two tables. Settlement locks the
// account row with SELECT ... FOR UPDATE and writes the counters and the event
// in the same transaction, so concurrent settlements for one account are
// strictly ordered while other accounts proceed in parallel.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/tokenquota"
)

// Store is a PostgreSQL-backed Store.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
	lockTimeout time.Duration
}

var _ tokenquota.Store = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "tokenquota_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// WithLockTimeout bounds how long a settlement waits for the account row lock.
// Zero leaves the server default in place.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) { s.lockTimeout = d }
}

// New creates a new PostgreSQL-backed Store.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "tokenquota_",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) accountsTable() string { return s.tablePrefix + "accounts" }
func (s *Store) eventsTable() string   { return s.tablePrefix + "usage_events" }

// EnsureSchema creates the required tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id TEXT PRIMARY KEY,
			daily_used BIGINT NOT NULL DEFAULT 0,
			daily_limit BIGINT NOT NULL,
			monthly_used BIGINT NOT NULL DEFAULT 0,
			monthly_limit BIGINT NOT NULL,
			daily_reset_at TIMESTAMPTZ NOT NULL,
			monthly_reset_at TIMESTAMPTZ NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT true,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS %[2]s (
			id UUID PRIMARY KEY,
			account_id TEXT NOT NULL REFERENCES %[1]s(id),
			model TEXT NOT NULL,
			input_tokens BIGINT NOT NULL CHECK (input_tokens >= 0),
			output_tokens BIGINT NOT NULL CHECK (output_tokens >= 0),
			total_tokens BIGINT NOT NULL CHECK (total_tokens = input_tokens + output_tokens),
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS %[2]s_account_time ON %[2]s (account_id, created_at);
	`, s.accountsTable(), s.eventsTable())
	_, err := s.pool.Exec(ctx, q)
	if err != nil {
		return fmt.Errorf("tokenquota/postgres: ensure schema: %w", err)
	}
	return nil
}

// CreateAccount inserts a new account.
func (s *Store) CreateAccount(ctx context.Context, acc tokenquota.Account) error {
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, daily_used, daily_limit, monthly_used, monthly_limit,
			daily_reset_at, monthly_reset_at, is_active, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO NOTHING`, s.accountsTable()),
		acc.ID, acc.DailyUsed, acc.DailyLimit, acc.MonthlyUsed, acc.MonthlyLimit,
		acc.DailyResetAt, acc.MonthlyResetAt, acc.IsActive, acc.CreatedAt,
	)
	if err != nil {
		return classify("create account", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %q", tokenquota.ErrAccountExists, acc.ID)
	}
	return nil
}

// LoadAccount reads an account without locking it.
func (s *Store) LoadAccount(ctx context.Context, accountID string) (tokenquota.Account, error) {
	acc, err := scanAccount(s.pool.QueryRow(ctx, s.selectAccount(""), accountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return tokenquota.Account{}, tokenquota.ErrAccountNotFound
	}
	if err != nil {
		return tokenquota.Account{}, classify("load account", err)
	}
	return acc, nil
}

// ListAccounts returns every account, newest first.
func (s *Store) ListAccounts(ctx context.Context) ([]tokenquota.Account, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM %s ORDER BY created_at DESC, id`, accountColumns, s.accountsTable()))
	if err != nil {
		return nil, classify("list accounts", err)
	}
	defer rows.Close()

	var accs []tokenquota.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("tokenquota/postgres: scan account: %w", err)
		}
		accs = append(accs, acc)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list accounts", err)
	}
	return accs, nil
}

// WithLockedAccount runs fn in a transaction holding the account row lock.
func (s *Store) WithLockedAccount(ctx context.Context, accountID string, fn func(tx tokenquota.Tx, acc tokenquota.Account) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classify("begin tx", err)
	}
	defer tx.Rollback(context.WithoutCancel(ctx))

	if s.lockTimeout > 0 {
		// SET does not take bind parameters.
		_, err = tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = %d", s.lockTimeout.Milliseconds()))
		if err != nil {
			return classify("set lock timeout", err)
		}
	}

	acc, err := scanAccount(tx.QueryRow(ctx, s.selectAccount("FOR UPDATE"), accountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return tokenquota.ErrAccountNotFound
	}
	if err != nil {
		return classify("lock account", err)
	}

	if err := fn(&pgTx{tx: tx, store: s, accountID: accountID}, acc); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return classify("commit", err)
	}
	return nil
}

// UsageEvents returns events created at or after since, oldest first.
func (s *Store) UsageEvents(ctx context.Context, accountID string, since time.Time) ([]tokenquota.UsageEvent, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT id::text, account_id, model, input_tokens, output_tokens, total_tokens, created_at
			FROM %s WHERE account_id = $1 AND created_at >= $2 ORDER BY created_at, id`, s.eventsTable()),
		accountID, since,
	)
	if err != nil {
		return nil, classify("usage events", err)
	}
	defer rows.Close()

	var events []tokenquota.UsageEvent
	for rows.Next() {
		var ev tokenquota.UsageEvent
		if err := rows.Scan(&ev.ID, &ev.AccountID, &ev.Model, &ev.InputTokens, &ev.OutputTokens, &ev.TotalTokens, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("tokenquota/postgres: scan event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("usage events", err)
	}
	return events, nil
}

const accountColumns = `id, daily_used, daily_limit, monthly_used, monthly_limit,
	daily_reset_at, monthly_reset_at, is_active, created_at`

func (s *Store) selectAccount(suffix string) string {
	return fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1 %s`, accountColumns, s.accountsTable(), suffix)
}

type pgTx struct {
	tx        pgx.Tx
	store     *Store
	accountID string
}

func (t *pgTx) SaveAccount(ctx context.Context, acc tokenquota.Account) error {
	if acc.ID != t.accountID {
		return tokenquota.Fatal(fmt.Errorf("save account %q inside transaction for %q", acc.ID, t.accountID))
	}
	_, err := t.tx.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET daily_used = $1, daily_limit = $2, monthly_used = $3, monthly_limit = $4,
			daily_reset_at = $5, monthly_reset_at = $6, is_active = $7 WHERE id = $8`, t.store.accountsTable()),
		acc.DailyUsed, acc.DailyLimit, acc.MonthlyUsed, acc.MonthlyLimit,
		acc.DailyResetAt, acc.MonthlyResetAt, acc.IsActive, acc.ID,
	)
	if err != nil {
		return classify("save account", err)
	}
	return nil
}

func (t *pgTx) AppendUsageEvent(ctx context.Context, ev tokenquota.UsageEvent) error {
	if ev.AccountID != t.accountID {
		return tokenquota.Fatal(fmt.Errorf("event for %q inside transaction for %q", ev.AccountID, t.accountID))
	}
	_, err := t.tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, account_id, model, input_tokens, output_tokens, total_tokens, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`, t.store.eventsTable()),
		ev.ID, ev.AccountID, ev.Model, ev.InputTokens, ev.OutputTokens, ev.TotalTokens, ev.CreatedAt,
	)
	if err != nil {
		return classify("append usage event", err)
	}
	return nil
}

func scanAccount(row pgx.Row) (tokenquota.Account, error) {
	var acc tokenquota.Account
	err := row.Scan(&acc.ID, &acc.DailyUsed, &acc.DailyLimit, &acc.MonthlyUsed, &acc.MonthlyLimit,
		&acc.DailyResetAt, &acc.MonthlyResetAt, &acc.IsActive, &acc.CreatedAt)
	return acc, err
}

// SQLSTATE codes that mean the transaction lost a lock race and may be retried.
var transientCodes = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available (lock_timeout)
	"57014": true, // query_canceled (statement_timeout)
}

// classify maps PostgreSQL errors onto the ledger error taxonomy.
func classify(op string, err error) error {
	wrapped := fmt.Errorf("tokenquota/postgres: %s: %w", op, err)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if transientCodes[pgErr.Code] {
			return tokenquota.Transient(wrapped)
		}
		// Class 23: integrity constraint violation.
		if len(pgErr.Code) == 5 && pgErr.Code[:2] == "23" {
			return tokenquota.Fatal(wrapped)
		}
		return wrapped
	}
	if pgconn.Timeout(err) {
		return tokenquota.Transient(wrapped)
	}
	return wrapped
}
