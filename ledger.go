package tokenquota

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Ledger enforces per-account token quotas on top of a Store.
//
// CheckCanConsume is an advisory, non-mutating pre-check. Consume is the only
// path that mutates usage counters and always runs inside the store's locked
// transaction, so settlement is serialized per account even when pre-checks race.
type Ledger struct {
	store  Store
	now    func() time.Time
	loc    *time.Location
	logger *slog.Logger
}

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithClock sets the time source. Used by tests to drive window rollover.
func WithClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) { l.now = now }
}

// WithLocation sets the location whose midnight starts a new daily window.
func WithLocation(loc *time.Location) LedgerOption {
	return func(l *Ledger) { l.loc = loc }
}

// WithLedgerLogger sets the logger.
func WithLedgerLogger(logger *slog.Logger) LedgerOption {
	return func(l *Ledger) { l.logger = logger }
}

// NewLedger creates a Ledger over store.
func NewLedger(store Store, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		store:  store,
		now:    time.Now,
		loc:    time.Local,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) clock() time.Time {
	return l.now().In(l.loc)
}

// CheckCanConsume reports whether estimatedTokens fits in both the daily and
// the monthly allowance of the account. Elapsed windows count as empty for the
// check but are not persisted. Nothing is reserved: two callers may pass
// against the same headroom.
func (l *Ledger) CheckCanConsume(ctx context.Context, accountID string, estimatedTokens int64) error {
	acc, err := l.store.LoadAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if !acc.IsActive {
		return ErrAccountDisabled
	}

	daily, monthly := effectiveUsage(acc, l.clock())

	if daily+estimatedTokens > acc.DailyLimit {
		return &QuotaExceededError{Window: WindowDaily, Used: daily, Limit: acc.DailyLimit, Requested: estimatedTokens}
	}
	if monthly+estimatedTokens > acc.MonthlyLimit {
		return &QuotaExceededError{Window: WindowMonthly, Used: monthly, Limit: acc.MonthlyLimit, Requested: estimatedTokens}
	}
	return nil
}

// Consume records a completed model call. Under the account lock it rolls
// elapsed windows over, adds the total to both counters and appends a
// UsageEvent, all in one transaction.
//
// Consume never rejects on limits: the call already happened and must be
// billed, so counters may end above their limit.
func (l *Ledger) Consume(ctx context.Context, accountID, model string, inputTokens, outputTokens int64) (UsageEvent, error) {
	if inputTokens < 0 || outputTokens < 0 {
		return UsageEvent{}, fmt.Errorf("%w: negative token count (input=%d output=%d)", ErrInvalidUsage, inputTokens, outputTokens)
	}

	var ev UsageEvent
	err := l.store.WithLockedAccount(ctx, accountID, func(tx Tx, acc Account) error {
		if !acc.IsActive {
			return ErrAccountDisabled
		}

		now := l.clock()
		l.logRollover(accountID, rollover(&acc, now))

		total := inputTokens + outputTokens
		acc.DailyUsed += total
		acc.MonthlyUsed += total

		if err := tx.SaveAccount(ctx, acc); err != nil {
			return err
		}

		ev = UsageEvent{
			ID:           uuid.New().String(),
			AccountID:    accountID,
			Model:        model,
			InputTokens:  inputTokens,
			OutputTokens: outputTokens,
			TotalTokens:  total,
			CreatedAt:    now,
		}
		return tx.AppendUsageEvent(ctx, ev)
	})
	if err != nil {
		return UsageEvent{}, err
	}
	return ev, nil
}

func (l *Ledger) logRollover(accountID string, rolled []Window) {
	for _, w := range rolled {
		l.logger.Debug("quota window rolled over", "account", accountID, "window", string(w))
	}
}
