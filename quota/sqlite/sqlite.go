// Package sqlite provides a SQLite-backed Store for tokenquota.
//
// Settlements run in BEGIN IMMEDIATE transactions, which take the database
// write lock up front. SQLite locks the whole database rather than a row, so
// this store serializes all settlements; it suits single-node deployments and
// the CLI. Busy and locked conditions are reported as transient errors.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/ineyio/tokenquota"
)

// Store is a SQLite-backed Store.
type Store struct {
	db          *sql.DB
	tablePrefix string
	busyTimeout time.Duration
}

var _ tokenquota.Store = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "tokenquota_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// WithBusyTimeout sets how long a connection waits for the write lock before
// failing with SQLITE_BUSY (default 5s).
func WithBusyTimeout(d time.Duration) Option {
	return func(s *Store) { s.busyTimeout = d }
}

// Open opens (creating if needed) the database at path and ensures the schema.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	s := &Store{
		tablePrefix: "tokenquota_",
		busyTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := fmt.Sprintf("%s%s_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)",
		path, sep, s.busyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("tokenquota/sqlite: open: %w", err)
	}
	// One connection: a write transaction pins it, so in-process writers queue
	// on the pool instead of spinning on SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	s.db = db

	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) accountsTable() string { return s.tablePrefix + "accounts" }
func (s *Store) eventsTable() string   { return s.tablePrefix + "usage_events" }

// EnsureSchema creates the required tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id TEXT PRIMARY KEY,
			daily_used INTEGER NOT NULL DEFAULT 0,
			daily_limit INTEGER NOT NULL,
			monthly_used INTEGER NOT NULL DEFAULT 0,
			monthly_limit INTEGER NOT NULL,
			daily_reset_at INTEGER NOT NULL,
			monthly_reset_at INTEGER NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS %[2]s (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL REFERENCES %[1]s(id),
			model TEXT NOT NULL,
			input_tokens INTEGER NOT NULL CHECK (input_tokens >= 0),
			output_tokens INTEGER NOT NULL CHECK (output_tokens >= 0),
			total_tokens INTEGER NOT NULL CHECK (total_tokens = input_tokens + output_tokens),
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS %[2]s_account_time ON %[2]s(account_id, created_at);
	`, s.accountsTable(), s.eventsTable())
	if _, err := s.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("tokenquota/sqlite: ensure schema: %w", err)
	}
	return nil
}

// CreateAccount inserts a new account.
func (s *Store) CreateAccount(ctx context.Context, acc tokenquota.Account) error {
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, daily_used, daily_limit, monthly_used, monthly_limit,
			daily_reset_at, monthly_reset_at, is_active, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.accountsTable()),
		acc.ID, acc.DailyUsed, acc.DailyLimit, acc.MonthlyUsed, acc.MonthlyLimit,
		toNanos(acc.DailyResetAt), toNanos(acc.MonthlyResetAt), acc.IsActive, toNanos(acc.CreatedAt),
	)
	if isConstraint(err) {
		return fmt.Errorf("%w: %q", tokenquota.ErrAccountExists, acc.ID)
	}
	if err != nil {
		return classify("create account", err)
	}
	return nil
}

// LoadAccount reads an account without opening a write transaction.
func (s *Store) LoadAccount(ctx context.Context, accountID string) (tokenquota.Account, error) {
	acc, err := scanAccount(s.db.QueryRowContext(ctx, s.selectAccount(), accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return tokenquota.Account{}, tokenquota.ErrAccountNotFound
	}
	if err != nil {
		return tokenquota.Account{}, classify("load account", err)
	}
	return acc, nil
}

// ListAccounts returns every account, newest first.
func (s *Store) ListAccounts(ctx context.Context) ([]tokenquota.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s ORDER BY created_at DESC, id`, accountColumns, s.accountsTable()))
	if err != nil {
		return nil, classify("list accounts", err)
	}
	defer rows.Close()

	var accs []tokenquota.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("tokenquota/sqlite: scan account: %w", err)
		}
		accs = append(accs, acc)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list accounts", err)
	}
	return accs, nil
}

// WithLockedAccount runs fn inside a BEGIN IMMEDIATE transaction.
func (s *Store) WithLockedAccount(ctx context.Context, accountID string, fn func(tx tokenquota.Tx, acc tokenquota.Account) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return classify("acquire conn", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return classify("begin", err)
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK")
		}
	}()

	acc, err := scanAccount(conn.QueryRowContext(ctx, s.selectAccount(), accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return tokenquota.ErrAccountNotFound
	}
	if err != nil {
		return classify("lock account", err)
	}

	if err := fn(&sqliteTx{conn: conn, store: s, accountID: accountID}, acc); err != nil {
		return err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return classify("commit", err)
	}
	committed = true
	return nil
}

// UsageEvents returns events created at or after since, oldest first.
func (s *Store) UsageEvents(ctx context.Context, accountID string, since time.Time) ([]tokenquota.UsageEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT id, account_id, model, input_tokens, output_tokens, total_tokens, created_at
			FROM %s WHERE account_id = ? AND created_at >= ? ORDER BY created_at, rowid`, s.eventsTable()),
		accountID, toNanos(since),
	)
	if err != nil {
		return nil, classify("usage events", err)
	}
	defer rows.Close()

	var events []tokenquota.UsageEvent
	for rows.Next() {
		var ev tokenquota.UsageEvent
		var createdAt int64
		if err := rows.Scan(&ev.ID, &ev.AccountID, &ev.Model, &ev.InputTokens, &ev.OutputTokens, &ev.TotalTokens, &createdAt); err != nil {
			return nil, fmt.Errorf("tokenquota/sqlite: scan event: %w", err)
		}
		ev.CreatedAt = fromNanos(createdAt)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("usage events", err)
	}
	return events, nil
}

const accountColumns = `id, daily_used, daily_limit, monthly_used, monthly_limit,
	daily_reset_at, monthly_reset_at, is_active, created_at`

func (s *Store) selectAccount() string {
	return fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, accountColumns, s.accountsTable())
}

type sqliteTx struct {
	conn      *sql.Conn
	store     *Store
	accountID string
}

func (t *sqliteTx) SaveAccount(ctx context.Context, acc tokenquota.Account) error {
	if acc.ID != t.accountID {
		return tokenquota.Fatal(fmt.Errorf("save account %q inside transaction for %q", acc.ID, t.accountID))
	}
	_, err := t.conn.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET daily_used = ?, daily_limit = ?, monthly_used = ?, monthly_limit = ?,
			daily_reset_at = ?, monthly_reset_at = ?, is_active = ? WHERE id = ?`, t.store.accountsTable()),
		acc.DailyUsed, acc.DailyLimit, acc.MonthlyUsed, acc.MonthlyLimit,
		toNanos(acc.DailyResetAt), toNanos(acc.MonthlyResetAt), acc.IsActive, acc.ID,
	)
	if err != nil {
		return classify("save account", err)
	}
	return nil
}

func (t *sqliteTx) AppendUsageEvent(ctx context.Context, ev tokenquota.UsageEvent) error {
	if ev.AccountID != t.accountID {
		return tokenquota.Fatal(fmt.Errorf("event for %q inside transaction for %q", ev.AccountID, t.accountID))
	}
	_, err := t.conn.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, account_id, model, input_tokens, output_tokens, total_tokens, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`, t.store.eventsTable()),
		ev.ID, ev.AccountID, ev.Model, ev.InputTokens, ev.OutputTokens, ev.TotalTokens, toNanos(ev.CreatedAt),
	)
	if err != nil {
		return classify("append usage event", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (tokenquota.Account, error) {
	var acc tokenquota.Account
	var dailyReset, monthlyReset, createdAt int64
	err := row.Scan(&acc.ID, &acc.DailyUsed, &acc.DailyLimit, &acc.MonthlyUsed, &acc.MonthlyLimit,
		&dailyReset, &monthlyReset, &acc.IsActive, &createdAt)
	if err != nil {
		return tokenquota.Account{}, err
	}
	acc.DailyResetAt = fromNanos(dailyReset)
	acc.MonthlyResetAt = fromNanos(monthlyReset)
	acc.CreatedAt = fromNanos(createdAt)
	return acc, nil
}

// classify maps SQLite result codes onto the ledger error taxonomy.
func classify(op string, err error) error {
	wrapped := fmt.Errorf("tokenquota/sqlite: %s: %w", op, err)

	var serr *sqlite.Error
	if errors.As(err, &serr) {
		switch serr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return tokenquota.Transient(wrapped)
		case sqlite3.SQLITE_CONSTRAINT:
			return tokenquota.Fatal(wrapped)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return tokenquota.Transient(wrapped)
	}
	return wrapped
}

func isConstraint(err error) bool {
	var serr *sqlite.Error
	return errors.As(err, &serr) && serr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
