// Package redis provides a Redis-backed Store for tokenquota.
//
// Each account is a hash and its usage events are a list of JSON documents.
// Settlement uses an optimistic WATCH/MULTI transaction on the account hash:
// the counter update and the event push are applied atomically by EXEC, and a
// concurrent write to the same account aborts the transaction, which is then
// retried. This makes it safe for multi-instance deployments.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/tokenquota"
)

// Store is a Redis-backed Store.
type Store struct {
	client     goredis.UniversalClient
	keyPrefix  string
	maxRetries int
}

var _ tokenquota.Store = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "tokenquota:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// WithMaxRetries sets how many times an aborted WATCH transaction is retried
// before ErrLedgerTransient is returned (default 10).
func WithMaxRetries(n int) Option {
	return func(s *Store) { s.maxRetries = n }
}

// New creates a new Redis-backed Store.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client:     client,
		keyPrefix:  "tokenquota:",
		maxRetries: 10,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) accountKey(accountID string) string {
	return s.keyPrefix + "account:" + accountID
}

func (s *Store) eventsKey(accountID string) string {
	return s.keyPrefix + "events:" + accountID
}

// createScript inserts an account hash unless it already exists.
// KEYS[1] = account hash key
// ARGV = field/value pairs
//
// Returns:
//
//	1 = created
//	0 = already exists
var createScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
    return 0
end
redis.call("HSET", KEYS[1], unpack(ARGV))
return 1
`)

// CreateAccount inserts a new account.
func (s *Store) CreateAccount(ctx context.Context, acc tokenquota.Account) error {
	result, err := createScript.Run(ctx, s.client,
		[]string{s.accountKey(acc.ID)},
		accountFields(acc)...,
	).Int64()
	if err != nil {
		return classify("create account", err)
	}
	if result == 0 {
		return fmt.Errorf("%w: %q", tokenquota.ErrAccountExists, acc.ID)
	}
	return nil
}

// LoadAccount reads the account hash without watching it.
func (s *Store) LoadAccount(ctx context.Context, accountID string) (tokenquota.Account, error) {
	vals, err := s.client.HGetAll(ctx, s.accountKey(accountID)).Result()
	if err != nil {
		return tokenquota.Account{}, classify("load account", err)
	}
	if len(vals) == 0 {
		return tokenquota.Account{}, tokenquota.ErrAccountNotFound
	}
	return parseAccount(accountID, vals)
}

// ListAccounts scans for account hashes and loads each one. On a cluster every
// master is scanned. The result is a best-effort snapshot, not a point in time.
func (s *Store) ListAccounts(ctx context.Context) ([]tokenquota.Account, error) {
	var (
		mu  sync.Mutex
		ids = map[string]struct{}{}
	)
	prefix := s.accountKey("")
	scan := func(ctx context.Context, c goredis.Cmdable) error {
		iter := c.Scan(ctx, 0, prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			mu.Lock()
			ids[strings.TrimPrefix(iter.Val(), prefix)] = struct{}{}
			mu.Unlock()
		}
		return iter.Err()
	}

	var err error
	if cluster, ok := s.client.(*goredis.ClusterClient); ok {
		err = cluster.ForEachMaster(ctx, func(ctx context.Context, c *goredis.Client) error {
			return scan(ctx, c)
		})
	} else {
		err = scan(ctx, s.client)
	}
	if err != nil {
		return nil, classify("list accounts", err)
	}

	accs := make([]tokenquota.Account, 0, len(ids))
	for id := range ids {
		acc, err := s.LoadAccount(ctx, id)
		if errors.Is(err, tokenquota.ErrAccountNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		accs = append(accs, acc)
	}
	tokenquota.SortAccounts(accs)
	return accs, nil
}

// WithLockedAccount runs fn against a watched snapshot of the account and
// applies its writes in one MULTI/EXEC. Aborted transactions are retried.
func (s *Store) WithLockedAccount(ctx context.Context, accountID string, fn func(tx tokenquota.Tx, acc tokenquota.Account) error) error {
	key := s.accountKey(accountID)

	txf := func(tx *goredis.Tx) error {
		vals, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return classify("lock account", err)
		}
		if len(vals) == 0 {
			return tokenquota.ErrAccountNotFound
		}
		acc, err := parseAccount(accountID, vals)
		if err != nil {
			return err
		}

		staged := &redisTx{accountID: accountID}
		if err := fn(staged, acc); err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			if staged.acc != nil {
				pipe.HSet(ctx, key, accountFields(*staged.acc)...)
			}
			if len(staged.events) > 0 {
				pipe.RPush(ctx, s.eventsKey(accountID), staged.events...)
			}
			return nil
		})
		return err
	}

	for i := 0; i <= s.maxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		if err != nil && !isLedgerError(err) {
			return classify("commit", err)
		}
		return err
	}
	return tokenquota.Transient(fmt.Errorf("tokenquota/redis: account %q: transaction aborted %d times", accountID, s.maxRetries+1))
}

// UsageEvents returns events created at or after since, oldest first.
func (s *Store) UsageEvents(ctx context.Context, accountID string, since time.Time) ([]tokenquota.UsageEvent, error) {
	raw, err := s.client.LRange(ctx, s.eventsKey(accountID), 0, -1).Result()
	if err != nil {
		return nil, classify("usage events", err)
	}

	var events []tokenquota.UsageEvent
	for _, r := range raw {
		var ev tokenquota.UsageEvent
		if err := json.Unmarshal([]byte(r), &ev); err != nil {
			return nil, fmt.Errorf("tokenquota/redis: decode event: %w", err)
		}
		if !ev.CreatedAt.Before(since) {
			events = append(events, ev)
		}
	}
	return events, nil
}

// redisTx stages writes for the EXEC of the surrounding WATCH transaction.
type redisTx struct {
	accountID string
	acc       *tokenquota.Account
	events    []any
}

func (t *redisTx) SaveAccount(_ context.Context, acc tokenquota.Account) error {
	if acc.ID != t.accountID {
		return tokenquota.Fatal(fmt.Errorf("save account %q inside transaction for %q", acc.ID, t.accountID))
	}
	t.acc = &acc
	return nil
}

func (t *redisTx) AppendUsageEvent(_ context.Context, ev tokenquota.UsageEvent) error {
	if ev.AccountID != t.accountID {
		return tokenquota.Fatal(fmt.Errorf("event for %q inside transaction for %q", ev.AccountID, t.accountID))
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return tokenquota.Fatal(fmt.Errorf("tokenquota/redis: encode event: %w", err))
	}
	t.events = append(t.events, string(data))
	return nil
}

func accountFields(acc tokenquota.Account) []any {
	active := "0"
	if acc.IsActive {
		active = "1"
	}
	return []any{
		"daily_used", acc.DailyUsed,
		"daily_limit", acc.DailyLimit,
		"monthly_used", acc.MonthlyUsed,
		"monthly_limit", acc.MonthlyLimit,
		"daily_reset_at", toNanos(acc.DailyResetAt),
		"monthly_reset_at", toNanos(acc.MonthlyResetAt),
		"is_active", active,
		"created_at", toNanos(acc.CreatedAt),
	}
}

func parseAccount(accountID string, vals map[string]string) (tokenquota.Account, error) {
	acc := tokenquota.Account{ID: accountID, IsActive: vals["is_active"] == "1"}

	ints := []struct {
		field string
		dst   *int64
	}{
		{"daily_used", &acc.DailyUsed},
		{"daily_limit", &acc.DailyLimit},
		{"monthly_used", &acc.MonthlyUsed},
		{"monthly_limit", &acc.MonthlyLimit},
	}
	for _, f := range ints {
		v, err := strconv.ParseInt(vals[f.field], 10, 64)
		if err != nil {
			return tokenquota.Account{}, tokenquota.Fatal(fmt.Errorf("tokenquota/redis: account %q field %s: %w", accountID, f.field, err))
		}
		*f.dst = v
	}

	times := []struct {
		field string
		dst   *time.Time
	}{
		{"daily_reset_at", &acc.DailyResetAt},
		{"monthly_reset_at", &acc.MonthlyResetAt},
		{"created_at", &acc.CreatedAt},
	}
	for _, f := range times {
		v, err := strconv.ParseInt(vals[f.field], 10, 64)
		if err != nil {
			return tokenquota.Account{}, tokenquota.Fatal(fmt.Errorf("tokenquota/redis: account %q field %s: %w", accountID, f.field, err))
		}
		*f.dst = fromNanos(v)
	}
	return acc, nil
}

func isLedgerError(err error) bool {
	return errors.Is(err, tokenquota.ErrAccountNotFound) ||
		errors.Is(err, tokenquota.ErrAccountDisabled) ||
		errors.Is(err, tokenquota.ErrInvalidUsage) ||
		errors.Is(err, tokenquota.ErrLedgerTransient) ||
		errors.Is(err, tokenquota.ErrLedgerFatal)
}

// classify maps Redis client errors onto the ledger error taxonomy.
func classify(op string, err error) error {
	wrapped := fmt.Errorf("tokenquota/redis: %s: %w", op, err)
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return tokenquota.Transient(wrapped)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, goredis.ErrClosed) {
		return tokenquota.Transient(wrapped)
	}
	return wrapped
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
