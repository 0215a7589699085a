package tokenquota

import (
	"context"
	"sort"
	"time"
)

// dayLayout formats the keys returned by DailyUsage.
const dayLayout = "2006-01-02"

// Accounts lists every account, newest first.
func (l *Ledger) Accounts(ctx context.Context) ([]Account, error) {
	return l.store.ListAccounts(ctx)
}

// Overview counts accounts, active accounts, and the requests and tokens of
// every recorded usage event.
func (l *Ledger) Overview(ctx context.Context) (Overview, error) {
	accs, err := l.store.ListAccounts(ctx)
	if err != nil {
		return Overview{}, err
	}

	o := Overview{TotalAccounts: int64(len(accs))}
	for _, acc := range accs {
		if acc.IsActive {
			o.ActiveAccounts++
		}
		events, err := l.store.UsageEvents(ctx, acc.ID, time.Time{})
		if err != nil {
			return Overview{}, err
		}
		o.TotalRequests += int64(len(events))
		for _, ev := range events {
			o.TotalTokens += ev.TotalTokens
		}
	}
	return o, nil
}

// ModelUsage totals events created at or after since by model, largest token
// count first.
func (l *Ledger) ModelUsage(ctx context.Context, since time.Time) ([]UsageGroup, error) {
	groups, err := l.groupUsage(ctx, since, func(ev UsageEvent) string { return ev.Model })
	if err != nil {
		return nil, err
	}
	sortByTokens(groups)
	return groups, nil
}

// TopAccounts returns the n accounts with the most tokens recorded, largest
// first. n <= 0 returns all accounts with usage.
func (l *Ledger) TopAccounts(ctx context.Context, n int) ([]UsageGroup, error) {
	groups, err := l.groupUsage(ctx, time.Time{}, func(ev UsageEvent) string { return ev.AccountID })
	if err != nil {
		return nil, err
	}
	sortByTokens(groups)
	return firstN(groups, n), nil
}

// DailyUsage totals events by calendar day in the ledger's location and
// returns the n most recent days with usage, newest first. n <= 0 returns
// every day.
func (l *Ledger) DailyUsage(ctx context.Context, n int) ([]UsageGroup, error) {
	groups, err := l.groupUsage(ctx, time.Time{}, func(ev UsageEvent) string {
		return ev.CreatedAt.In(l.loc).Format(dayLayout)
	})
	if err != nil {
		return nil, err
	}
	// Day keys sort lexically in date order.
	sort.Slice(groups, func(i, j int) bool { return groups[i].Key > groups[j].Key })
	return firstN(groups, n), nil
}

func (l *Ledger) groupUsage(ctx context.Context, since time.Time, key func(UsageEvent) string) ([]UsageGroup, error) {
	accs, err := l.store.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}

	index := map[string]int{}
	var groups []UsageGroup
	for _, acc := range accs {
		events, err := l.store.UsageEvents(ctx, acc.ID, since)
		if err != nil {
			return nil, err
		}
		for _, ev := range events {
			k := key(ev)
			i, ok := index[k]
			if !ok {
				i = len(groups)
				index[k] = i
				groups = append(groups, UsageGroup{Key: k})
			}
			groups[i].Requests++
			groups[i].Tokens += ev.TotalTokens
		}
	}
	return groups, nil
}

func sortByTokens(groups []UsageGroup) {
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].Tokens != groups[j].Tokens {
			return groups[i].Tokens > groups[j].Tokens
		}
		return groups[i].Key < groups[j].Key
	})
}

func firstN(groups []UsageGroup, n int) []UsageGroup {
	if n > 0 && len(groups) > n {
		return groups[:n]
	}
	return groups
}
