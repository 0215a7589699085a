package tokenquota

import (
	"context"
	"sort"
	"time"
)

// Store persists accounts and their usage events.
//
// Implementations must make WithLockedAccount a transaction that holds an
// exclusive lock on the account for its whole duration: concurrent calls for
// the same account are strictly ordered, and the account update and event
// inserts of one call either all persist or none do.
type Store interface {
	// CreateAccount inserts a new account. Returns ErrAccountExists on duplicate id.
	CreateAccount(ctx context.Context, acc Account) error

	// LoadAccount returns a snapshot of the account without taking any lock.
	// Returns ErrAccountNotFound if it does not exist.
	LoadAccount(ctx context.Context, accountID string) (Account, error)

	// ListAccounts returns every account without locking, ordered as by
	// SortAccounts.
	ListAccounts(ctx context.Context) ([]Account, error)

	// WithLockedAccount loads the account under an exclusive lock and runs fn.
	// Writes made through tx are committed if fn returns nil and rolled back
	// otherwise. Lock-wait and serialization failures are reported as
	// ErrLedgerTransient, constraint violations as ErrLedgerFatal.
	WithLockedAccount(ctx context.Context, accountID string, fn func(tx Tx, acc Account) error) error

	// UsageEvents returns the account's events created at or after since, oldest first.
	UsageEvents(ctx context.Context, accountID string, since time.Time) ([]UsageEvent, error)
}

// Tx is the write side of a WithLockedAccount transaction.
type Tx interface {
	// SaveAccount overwrites the locked account's mutable state.
	SaveAccount(ctx context.Context, acc Account) error

	// AppendUsageEvent inserts an event in the same transaction.
	AppendUsageEvent(ctx context.Context, ev UsageEvent) error
}

// SortAccounts orders accounts newest first, breaking ties by id.
func SortAccounts(accs []Account) {
	sort.Slice(accs, func(i, j int) bool {
		if !accs[i].CreatedAt.Equal(accs[j].CreatedAt) {
			return accs[i].CreatedAt.After(accs[j].CreatedAt)
		}
		return accs[i].ID < accs[j].ID
	})
}
