package tokenquota

import "time"

// Window identifies a quota accumulation period.
type Window string

const (
	WindowDaily   Window = "daily"
	WindowMonthly Window = "monthly"
)

// NextDailyReset returns the first midnight strictly after now, in now's location.
func NextDailyReset(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, now.Location())
}

// NextMonthlyReset returns the start of the first day of the month following now,
// in now's location.
func NextMonthlyReset(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month()+1, 1, 0, 0, 0, 0, now.Location())
}

// windowElapsed reports whether a window ending at resetAt is over at now.
// A zero resetAt means the window was never initialized.
func windowElapsed(now, resetAt time.Time) bool {
	return resetAt.IsZero() || !now.Before(resetAt)
}

// effectiveUsage returns the counters as they would be after lazy rollover at now,
// without touching the account.
func effectiveUsage(acc Account, now time.Time) (daily, monthly int64) {
	daily, monthly = acc.DailyUsed, acc.MonthlyUsed
	if windowElapsed(now, acc.DailyResetAt) {
		daily = 0
	}
	if windowElapsed(now, acc.MonthlyResetAt) {
		monthly = 0
	}
	return daily, monthly
}

// rollover resets elapsed windows on acc and advances their reset instants.
// It returns the windows that rolled over.
func rollover(acc *Account, now time.Time) []Window {
	var rolled []Window
	if windowElapsed(now, acc.DailyResetAt) {
		acc.DailyUsed = 0
		acc.DailyResetAt = NextDailyReset(now)
		rolled = append(rolled, WindowDaily)
	}
	if windowElapsed(now, acc.MonthlyResetAt) {
		acc.MonthlyUsed = 0
		acc.MonthlyResetAt = NextMonthlyReset(now)
		rolled = append(rolled, WindowMonthly)
	}
	return rolled
}
