package tokenquota

import (
	"context"
	"fmt"
	"time"
)

// OpenAccount registers a new active account with empty counters and reset
// instants computed from the creation time.
func (l *Ledger) OpenAccount(ctx context.Context, accountID string, dailyLimit, monthlyLimit int64) (Account, error) {
	if accountID == "" {
		return Account{}, fmt.Errorf("tokenquota: open account: id is required")
	}
	if err := validateLimits(dailyLimit, monthlyLimit); err != nil {
		return Account{}, err
	}

	now := l.clock()
	acc := Account{
		ID:             accountID,
		DailyLimit:     dailyLimit,
		MonthlyLimit:   monthlyLimit,
		DailyResetAt:   NextDailyReset(now),
		MonthlyResetAt: NextMonthlyReset(now),
		IsActive:       true,
		CreatedAt:      now,
	}
	if err := l.store.CreateAccount(ctx, acc); err != nil {
		return Account{}, err
	}
	return acc, nil
}

// Account returns the stored state of an account.
func (l *Ledger) Account(ctx context.Context, accountID string) (Account, error) {
	return l.store.LoadAccount(ctx, accountID)
}

// SetLimits changes the daily and monthly limits. Usage is left untouched.
func (l *Ledger) SetLimits(ctx context.Context, accountID string, dailyLimit, monthlyLimit int64) (Account, error) {
	if err := validateLimits(dailyLimit, monthlyLimit); err != nil {
		return Account{}, err
	}
	return l.update(ctx, accountID, func(acc *Account) {
		acc.DailyLimit = dailyLimit
		acc.MonthlyLimit = monthlyLimit
	})
}

// SetActive enables or disables an account. Disabled accounts are rejected at
// admission and cannot be charged.
func (l *Ledger) SetActive(ctx context.Context, accountID string, active bool) (Account, error) {
	return l.update(ctx, accountID, func(acc *Account) {
		acc.IsActive = active
	})
}

// ResetUsage zeroes both counters and starts fresh windows from now.
func (l *Ledger) ResetUsage(ctx context.Context, accountID string) (Account, error) {
	now := l.clock()
	return l.update(ctx, accountID, func(acc *Account) {
		acc.DailyUsed = 0
		acc.MonthlyUsed = 0
		acc.DailyResetAt = NextDailyReset(now)
		acc.MonthlyResetAt = NextMonthlyReset(now)
	})
}

// Events lists the account's usage events created at or after since.
func (l *Ledger) Events(ctx context.Context, accountID string, since time.Time) ([]UsageEvent, error) {
	if _, err := l.store.LoadAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return l.store.UsageEvents(ctx, accountID, since)
}

// Summary returns the account counters, with elapsed windows shown as empty
// and their reset instants advanced, together with request and token totals
// over all of its events. Nothing is persisted.
func (l *Ledger) Summary(ctx context.Context, accountID string) (Summary, error) {
	acc, err := l.store.LoadAccount(ctx, accountID)
	if err != nil {
		return Summary{}, err
	}
	events, err := l.store.UsageEvents(ctx, accountID, time.Time{})
	if err != nil {
		return Summary{}, err
	}

	// Show the account as the next settlement would see it.
	rollover(&acc, l.clock())
	s := Summary{
		AccountID:      acc.ID,
		DailyUsed:      acc.DailyUsed,
		DailyLimit:     acc.DailyLimit,
		MonthlyUsed:    acc.MonthlyUsed,
		MonthlyLimit:   acc.MonthlyLimit,
		DailyResetAt:   acc.DailyResetAt,
		MonthlyResetAt: acc.MonthlyResetAt,
		IsActive:       acc.IsActive,
		TotalRequests:  int64(len(events)),
	}
	for _, ev := range events {
		s.TotalTokens += ev.TotalTokens
	}
	return s, nil
}

func (l *Ledger) update(ctx context.Context, accountID string, mutate func(acc *Account)) (Account, error) {
	var out Account
	err := l.store.WithLockedAccount(ctx, accountID, func(tx Tx, acc Account) error {
		mutate(&acc)
		if err := tx.SaveAccount(ctx, acc); err != nil {
			return err
		}
		out = acc
		return nil
	})
	if err != nil {
		return Account{}, err
	}
	return out, nil
}

func validateLimits(daily, monthly int64) error {
	if daily < 0 || monthly < 0 {
		return fmt.Errorf("tokenquota: limits must be non-negative (daily=%d monthly=%d)", daily, monthly)
	}
	return nil
}
