package quota

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/tokenquota"
)

func TestMemoryStore_StagedWritesPublishOnSuccess(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateAccount(ctx, tokenquota.Account{ID: "a", DailyLimit: 10, IsActive: true}))

	err := s.WithLockedAccount(ctx, "a", func(tx tokenquota.Tx, acc tokenquota.Account) error {
		acc.DailyUsed = 4
		require.NoError(t, tx.SaveAccount(ctx, acc))

		// Not visible until the callback returns.
		loaded, err := s.LoadAccount(ctx, "a")
		require.NoError(t, err)
		assert.Zero(t, loaded.DailyUsed)

		return tx.AppendUsageEvent(ctx, tokenquota.UsageEvent{ID: "e1", AccountID: "a", TotalTokens: 4, CreatedAt: time.Now()})
	})
	require.NoError(t, err)

	loaded, err := s.LoadAccount(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(4), loaded.DailyUsed)

	events, err := s.UsageEvents(ctx, "a", time.Time{})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestMemoryStore_FailedCallbackDiscardsWrites(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateAccount(ctx, tokenquota.Account{ID: "a"}))

	boom := errors.New("boom")
	err := s.WithLockedAccount(ctx, "a", func(tx tokenquota.Tx, acc tokenquota.Account) error {
		acc.DailyUsed = 99
		_ = tx.SaveAccount(ctx, acc)
		_ = tx.AppendUsageEvent(ctx, tokenquota.UsageEvent{ID: "e1", AccountID: "a"})
		return boom
	})
	assert.ErrorIs(t, err, boom)

	loaded, _ := s.LoadAccount(ctx, "a")
	assert.Zero(t, loaded.DailyUsed)
	events, _ := s.UsageEvents(ctx, "a", time.Time{})
	assert.Empty(t, events)
}

func TestMemoryStore_Errors(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateAccount(ctx, tokenquota.Account{ID: "a"}))

	assert.ErrorIs(t, s.CreateAccount(ctx, tokenquota.Account{ID: "a"}), tokenquota.ErrAccountExists)

	_, err := s.LoadAccount(ctx, "missing")
	assert.ErrorIs(t, err, tokenquota.ErrAccountNotFound)

	noop := func(tokenquota.Tx, tokenquota.Account) error { return nil }
	assert.ErrorIs(t, s.WithLockedAccount(ctx, "missing", noop), tokenquota.ErrAccountNotFound)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	err = s.WithLockedAccount(canceled, "a", noop)
	assert.True(t, tokenquota.IsTransient(err))

	err = s.WithLockedAccount(ctx, "a", func(tx tokenquota.Tx, acc tokenquota.Account) error {
		acc.ID = "b"
		return tx.SaveAccount(ctx, acc)
	})
	assert.True(t, tokenquota.IsFatal(err))
}

func TestMemoryStore_ListAccounts(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	accs, err := s.ListAccounts(ctx)
	require.NoError(t, err)
	assert.Empty(t, accs)

	base := time.Date(2024, time.March, 15, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.CreateAccount(ctx, tokenquota.Account{ID: "b", CreatedAt: base}))
	require.NoError(t, s.CreateAccount(ctx, tokenquota.Account{ID: "a", CreatedAt: base}))
	require.NoError(t, s.CreateAccount(ctx, tokenquota.Account{ID: "c", CreatedAt: base.Add(time.Hour)}))

	accs, err = s.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accs, 3)
	assert.Equal(t, "c", accs[0].ID)
	assert.Equal(t, "a", accs[1].ID)
	assert.Equal(t, "b", accs[2].ID)
}
