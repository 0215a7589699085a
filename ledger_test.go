package tokenquota_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	tq "github.com/ineyio/tokenquota"
	"github.com/ineyio/tokenquota/quota"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func date(y int, m time.Month, d, h, min int) time.Time {
	return time.Date(y, m, d, h, min, 0, 0, time.UTC)
}

func newTestLedger(t *testing.T, clock *fakeClock) (*tq.Ledger, *quota.MemoryStore) {
	t.Helper()
	store := quota.NewMemoryStore()
	l := tq.NewLedger(store, tq.WithClock(clock.Now), tq.WithLocation(time.UTC))
	return l, store
}

func sumEvents(t *testing.T, l *tq.Ledger, accountID string, since time.Time) int64 {
	t.Helper()
	events, err := l.Events(context.Background(), accountID, since)
	require.NoError(t, err)
	var total int64
	for _, ev := range events {
		total += ev.TotalTokens
	}
	return total
}

func TestOpenAccount_InitialState(t *testing.T) {
	clock := newFakeClock(date(2024, time.March, 15, 10, 30))
	l, _ := newTestLedger(t, clock)

	acc, err := l.OpenAccount(context.Background(), "acct-1", 100, 1000)
	require.NoError(t, err)

	assert.True(t, acc.IsActive)
	assert.Zero(t, acc.DailyUsed)
	assert.Zero(t, acc.MonthlyUsed)
	assert.True(t, acc.DailyResetAt.Equal(date(2024, time.March, 16, 0, 0)))
	assert.True(t, acc.MonthlyResetAt.Equal(date(2024, time.April, 1, 0, 0)))

	_, err = l.OpenAccount(context.Background(), "acct-1", 100, 1000)
	assert.ErrorIs(t, err, tq.ErrAccountExists)
}

func TestCheckCanConsume_Errors(t *testing.T) {
	clock := newFakeClock(date(2024, time.March, 15, 10, 0))
	l, _ := newTestLedger(t, clock)
	ctx := context.Background()

	err := l.CheckCanConsume(ctx, "missing", 1)
	assert.ErrorIs(t, err, tq.ErrAccountNotFound)

	_, err = l.OpenAccount(ctx, "acct-1", 100, 1000)
	require.NoError(t, err)
	_, err = l.SetActive(ctx, "acct-1", false)
	require.NoError(t, err)

	err = l.CheckCanConsume(ctx, "acct-1", 1)
	assert.ErrorIs(t, err, tq.ErrAccountDisabled)
}

func TestCheckCanConsume_ReportsWindow(t *testing.T) {
	clock := newFakeClock(date(2024, time.March, 15, 10, 0))
	l, _ := newTestLedger(t, clock)
	ctx := context.Background()

	_, err := l.OpenAccount(ctx, "acct-1", 1000, 50)
	require.NoError(t, err)
	_, err = l.Consume(ctx, "acct-1", "m", 40, 5)
	require.NoError(t, err)

	err = l.CheckCanConsume(ctx, "acct-1", 10)
	require.ErrorIs(t, err, tq.ErrQuotaExceeded)

	var qe *tq.QuotaExceededError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, tq.WindowMonthly, qe.Window)
	assert.Equal(t, int64(45), qe.Used)
	assert.Equal(t, int64(50), qe.Limit)

	// Exactly reaching the limit is allowed.
	assert.NoError(t, l.CheckCanConsume(ctx, "acct-1", 5))
}

// Daily limit 100 with 90 used: a small estimate passes, the real call costs
// 20, and the counter ends above its limit.
func TestConsume_PostHocOvershoot(t *testing.T) {
	clock := newFakeClock(date(2024, time.March, 15, 10, 0))
	l, _ := newTestLedger(t, clock)
	ctx := context.Background()

	_, err := l.OpenAccount(ctx, "acct-1", 100, 10000)
	require.NoError(t, err)
	_, err = l.Consume(ctx, "acct-1", "m", 50, 40)
	require.NoError(t, err)

	require.NoError(t, l.CheckCanConsume(ctx, "acct-1", 5))

	ev, err := l.Consume(ctx, "acct-1", "m", 12, 8)
	require.NoError(t, err)
	assert.Equal(t, int64(20), ev.TotalTokens)
	assert.NotEmpty(t, ev.ID)

	acc, err := l.Account(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(110), acc.DailyUsed)
	assert.Equal(t, int64(110), acc.MonthlyUsed)

	err = l.CheckCanConsume(ctx, "acct-1", 5)
	var qe *tq.QuotaExceededError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, tq.WindowDaily, qe.Window)

	assert.Equal(t, acc.DailyUsed, sumEvents(t, l, "acct-1", time.Time{}))
}

func TestCheckCanConsume_DoesNotPersistRollover(t *testing.T) {
	clock := newFakeClock(date(2024, time.March, 15, 10, 0))
	l, _ := newTestLedger(t, clock)
	ctx := context.Background()

	_, err := l.OpenAccount(ctx, "acct-1", 100, 10000)
	require.NoError(t, err)
	_, err = l.Consume(ctx, "acct-1", "m", 60, 40)
	require.NoError(t, err)
	require.ErrorIs(t, l.CheckCanConsume(ctx, "acct-1", 1), tq.ErrQuotaExceeded)

	clock.Set(date(2024, time.March, 16, 0, 0))
	require.NoError(t, l.CheckCanConsume(ctx, "acct-1", 100))

	acc, err := l.Account(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), acc.DailyUsed)
	assert.True(t, acc.DailyResetAt.Equal(date(2024, time.March, 16, 0, 0)))
}

func TestConsume_DailyRolloverIdempotent(t *testing.T) {
	clock := newFakeClock(date(2024, time.March, 15, 10, 0))
	l, _ := newTestLedger(t, clock)
	ctx := context.Background()

	_, err := l.OpenAccount(ctx, "acct-1", 100, 10000)
	require.NoError(t, err)
	_, err = l.Consume(ctx, "acct-1", "m", 20, 10)
	require.NoError(t, err)

	clock.Set(date(2024, time.March, 16, 8, 0))
	windowStart := clock.Now()

	_, err = l.Consume(ctx, "acct-1", "m", 6, 4)
	require.NoError(t, err)

	acc, err := l.Account(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), acc.DailyUsed)
	assert.Equal(t, int64(40), acc.MonthlyUsed)
	assert.True(t, acc.DailyResetAt.Equal(date(2024, time.March, 17, 0, 0)))

	clock.Set(date(2024, time.March, 16, 23, 59))
	_, err = l.Consume(ctx, "acct-1", "m", 3, 2)
	require.NoError(t, err)

	acc, err = l.Account(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(15), acc.DailyUsed)
	assert.True(t, acc.DailyResetAt.Equal(date(2024, time.March, 17, 0, 0)))

	assert.Equal(t, acc.DailyUsed, sumEvents(t, l, "acct-1", windowStart))
	assert.Equal(t, acc.MonthlyUsed, sumEvents(t, l, "acct-1", time.Time{}))
}

func TestConsume_MonthlyRollover(t *testing.T) {
	clock := newFakeClock(date(2024, time.January, 31, 12, 0))
	l, _ := newTestLedger(t, clock)
	ctx := context.Background()

	_, err := l.OpenAccount(ctx, "acct-1", 1000, 1000)
	require.NoError(t, err)
	_, err = l.Consume(ctx, "acct-1", "m", 30, 20)
	require.NoError(t, err)

	clock.Set(date(2024, time.February, 1, 0, 0))
	_, err = l.Consume(ctx, "acct-1", "m", 4, 3)
	require.NoError(t, err)

	acc, err := l.Account(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), acc.DailyUsed)
	assert.Equal(t, int64(7), acc.MonthlyUsed)
	assert.True(t, acc.MonthlyResetAt.Equal(date(2024, time.March, 1, 0, 0)))
	assert.True(t, acc.DailyResetAt.Equal(date(2024, time.February, 2, 0, 0)))
}

func TestConsume_Rejections(t *testing.T) {
	clock := newFakeClock(date(2024, time.March, 15, 10, 0))
	l, _ := newTestLedger(t, clock)
	ctx := context.Background()

	_, err := l.Consume(ctx, "missing", "m", 1, 1)
	assert.ErrorIs(t, err, tq.ErrAccountNotFound)

	_, err = l.OpenAccount(ctx, "acct-1", 100, 1000)
	require.NoError(t, err)

	_, err = l.Consume(ctx, "acct-1", "m", -1, 5)
	assert.ErrorIs(t, err, tq.ErrInvalidUsage)
	assert.Equal(t, tq.KindLedgerFatal, tq.KindOf(err))

	_, err = l.SetActive(ctx, "acct-1", false)
	require.NoError(t, err)
	_, err = l.Consume(ctx, "acct-1", "m", 1, 1)
	assert.ErrorIs(t, err, tq.ErrAccountDisabled)

	acc, err := l.Account(ctx, "acct-1")
	require.NoError(t, err)
	assert.Zero(t, acc.DailyUsed)
	assert.Zero(t, sumEvents(t, l, "acct-1", time.Time{}))
}

func TestConsume_ConcurrentNoLostUpdates(t *testing.T) {
	clock := newFakeClock(date(2024, time.March, 15, 10, 0))
	l, _ := newTestLedger(t, clock)
	ctx := context.Background()

	_, err := l.OpenAccount(ctx, "acct-1", 1_000_000, 1_000_000)
	require.NoError(t, err)
	_, err = l.OpenAccount(ctx, "acct-2", 1_000_000, 1_000_000)
	require.NoError(t, err)

	const workers, perWorker = 32, 25
	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				account := "acct-1"
				if w%4 == 0 {
					account = "acct-2"
				}
				if _, err := l.Consume(ctx, account, "m", int64(w+1), int64(i)); err != nil {
					errs <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("consume: %v", err)
	}

	var want1, want2 int64
	for w := 0; w < workers; w++ {
		for i := 0; i < perWorker; i++ {
			if w%4 == 0 {
				want2 += int64(w + 1 + i)
			} else {
				want1 += int64(w + 1 + i)
			}
		}
	}

	acc1, err := l.Account(ctx, "acct-1")
	require.NoError(t, err)
	acc2, err := l.Account(ctx, "acct-2")
	require.NoError(t, err)

	assert.Equal(t, want1, acc1.DailyUsed)
	assert.Equal(t, want1, acc1.MonthlyUsed)
	assert.Equal(t, want2, acc2.DailyUsed)
	assert.Equal(t, acc1.DailyUsed, sumEvents(t, l, "acct-1", time.Time{}))
	assert.Equal(t, acc2.DailyUsed, sumEvents(t, l, "acct-2", time.Time{}))
}

func TestAdminOperations(t *testing.T) {
	clock := newFakeClock(date(2024, time.March, 15, 10, 0))
	l, _ := newTestLedger(t, clock)
	ctx := context.Background()

	_, err := l.OpenAccount(ctx, "acct-1", 100, 1000)
	require.NoError(t, err)
	_, err = l.Consume(ctx, "acct-1", "gpt", 30, 20)
	require.NoError(t, err)
	_, err = l.Consume(ctx, "acct-1", "gpt", 10, 5)
	require.NoError(t, err)

	acc, err := l.SetLimits(ctx, "acct-1", 500, 5000)
	require.NoError(t, err)
	assert.Equal(t, int64(500), acc.DailyLimit)
	assert.Equal(t, int64(65), acc.DailyUsed)

	_, err = l.SetLimits(ctx, "acct-1", -1, 5000)
	assert.Error(t, err)

	summary, err := l.Summary(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), summary.TotalRequests)
	assert.Equal(t, int64(65), summary.TotalTokens)
	assert.Equal(t, int64(65), summary.DailyUsed)
	assert.Equal(t, int64(5000), summary.MonthlyLimit)

	clock.Set(date(2024, time.March, 15, 18, 0))
	acc, err = l.ResetUsage(ctx, "acct-1")
	require.NoError(t, err)
	assert.Zero(t, acc.DailyUsed)
	assert.Zero(t, acc.MonthlyUsed)
	assert.True(t, acc.DailyResetAt.Equal(date(2024, time.March, 16, 0, 0)))

	// Reset clears counters, not the audit trail.
	summary, err = l.Summary(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(65), summary.TotalTokens)

	_, err = l.SetActive(ctx, "missing", false)
	assert.ErrorIs(t, err, tq.ErrAccountNotFound)

	_, err = l.Events(ctx, "missing", time.Time{})
	assert.ErrorIs(t, err, tq.ErrAccountNotFound)
}

func TestSummary_ElapsedWindowShowsNextReset(t *testing.T) {
	clock := newFakeClock(date(2024, time.March, 15, 10, 0))
	l, _ := newTestLedger(t, clock)
	ctx := context.Background()

	_, err := l.OpenAccount(ctx, "acct-1", 100, 1000)
	require.NoError(t, err)
	_, err = l.Consume(ctx, "acct-1", "gpt", 30, 20)
	require.NoError(t, err)

	clock.Set(date(2024, time.March, 17, 9, 0))
	summary, err := l.Summary(ctx, "acct-1")
	require.NoError(t, err)
	assert.Zero(t, summary.DailyUsed)
	assert.True(t, summary.DailyResetAt.Equal(date(2024, time.March, 18, 0, 0)), "got %v", summary.DailyResetAt)
	assert.Equal(t, int64(50), summary.MonthlyUsed)
	assert.True(t, summary.MonthlyResetAt.Equal(date(2024, time.April, 1, 0, 0)))
	assert.Equal(t, int64(50), summary.TotalTokens)

	// The stored row is untouched until the next settlement.
	acc, err := l.Account(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), acc.DailyUsed)
	assert.True(t, acc.DailyResetAt.Equal(date(2024, time.March, 16, 0, 0)))
}

func TestMemoryStore_FailedTransactionLeavesNoTrace(t *testing.T) {
	clock := newFakeClock(date(2024, time.March, 15, 10, 0))
	l, store := newTestLedger(t, clock)
	ctx := context.Background()

	_, err := l.OpenAccount(ctx, "acct-1", 100, 1000)
	require.NoError(t, err)

	boom := errors.New("boom")
	err = store.WithLockedAccount(ctx, "acct-1", func(tx tq.Tx, acc tq.Account) error {
		acc.DailyUsed = 99
		require.NoError(t, tx.SaveAccount(ctx, acc))
		require.NoError(t, tx.AppendUsageEvent(ctx, tq.UsageEvent{ID: "x", AccountID: "acct-1", TotalTokens: 99, CreatedAt: clock.Now()}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	acc, err := l.Account(ctx, "acct-1")
	require.NoError(t, err)
	assert.Zero(t, acc.DailyUsed)
	assert.Zero(t, sumEvents(t, l, "acct-1", time.Time{}))
}
