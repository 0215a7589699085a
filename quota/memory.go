package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ineyio/tokenquota"
)

// MemoryStore is an in-memory Store. Each account has its own lock, so
// settlements on different accounts run in parallel.
type MemoryStore struct {
	mu       sync.RWMutex // guards accounts and committed row state
	accounts map[string]*accountRow
}

type accountRow struct {
	lock   sync.Mutex // held for the duration of a WithLockedAccount call
	acc    tokenquota.Account
	events []tokenquota.UsageEvent
}

var _ tokenquota.Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*accountRow),
	}
}

// CreateAccount inserts a new account.
func (s *MemoryStore) CreateAccount(_ context.Context, acc tokenquota.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[acc.ID]; ok {
		return fmt.Errorf("%w: %q", tokenquota.ErrAccountExists, acc.ID)
	}
	s.accounts[acc.ID] = &accountRow{acc: acc}
	return nil
}

// LoadAccount returns the last committed state of an account.
func (s *MemoryStore) LoadAccount(_ context.Context, accountID string) (tokenquota.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.accounts[accountID]
	if !ok {
		return tokenquota.Account{}, tokenquota.ErrAccountNotFound
	}
	return row.acc, nil
}

// ListAccounts returns the committed state of every account, newest first.
func (s *MemoryStore) ListAccounts(_ context.Context) ([]tokenquota.Account, error) {
	s.mu.RLock()
	out := make([]tokenquota.Account, 0, len(s.accounts))
	for _, row := range s.accounts {
		out = append(out, row.acc)
	}
	s.mu.RUnlock()

	tokenquota.SortAccounts(out)
	return out, nil
}

// WithLockedAccount runs fn holding the account's row lock. Staged writes are
// published together when fn succeeds.
func (s *MemoryStore) WithLockedAccount(ctx context.Context, accountID string, fn func(tx tokenquota.Tx, acc tokenquota.Account) error) error {
	s.mu.RLock()
	row, ok := s.accounts[accountID]
	s.mu.RUnlock()
	if !ok {
		return tokenquota.ErrAccountNotFound
	}

	row.lock.Lock()
	defer row.lock.Unlock()

	if err := ctx.Err(); err != nil {
		return tokenquota.Transient(err)
	}

	s.mu.RLock()
	current := row.acc
	s.mu.RUnlock()

	tx := &memTx{accountID: accountID}
	if err := fn(tx, current); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if tx.acc != nil {
		row.acc = *tx.acc
	}
	row.events = append(row.events, tx.events...)
	return nil
}

// UsageEvents returns events created at or after since.
func (s *MemoryStore) UsageEvents(_ context.Context, accountID string, since time.Time) ([]tokenquota.UsageEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.accounts[accountID]
	if !ok {
		return nil, nil
	}

	var out []tokenquota.UsageEvent
	for _, ev := range row.events {
		if !ev.CreatedAt.Before(since) {
			out = append(out, ev)
		}
	}
	return out, nil
}

// memTx stages writes until the surrounding WithLockedAccount publishes them.
type memTx struct {
	accountID string
	acc       *tokenquota.Account
	events    []tokenquota.UsageEvent
}

func (t *memTx) SaveAccount(_ context.Context, acc tokenquota.Account) error {
	if acc.ID != t.accountID {
		return tokenquota.Fatal(fmt.Errorf("save account %q inside transaction for %q", acc.ID, t.accountID))
	}
	t.acc = &acc
	return nil
}

func (t *memTx) AppendUsageEvent(_ context.Context, ev tokenquota.UsageEvent) error {
	if ev.AccountID != t.accountID {
		return tokenquota.Fatal(fmt.Errorf("event for %q inside transaction for %q", ev.AccountID, t.accountID))
	}
	t.events = append(t.events, ev)
	return nil
}
