package tokenquota

import "time"

// Account is the per-account quota state owned by the Ledger.
type Account struct {
	ID             string    `json:"id"`
	DailyUsed      int64     `json:"daily_used"`
	DailyLimit     int64     `json:"daily_limit"`
	MonthlyUsed    int64     `json:"monthly_used"`
	MonthlyLimit   int64     `json:"monthly_limit"`
	DailyResetAt   time.Time `json:"daily_reset_at"`
	MonthlyResetAt time.Time `json:"monthly_reset_at"`
	IsActive       bool      `json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
}

// UsageEvent is an immutable record of one completed, billed model call.
type UsageEvent struct {
	ID           string    `json:"id"`
	AccountID    string    `json:"account_id"`
	Model        string    `json:"model"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	TotalTokens  int64     `json:"total_tokens"`
	CreatedAt    time.Time `json:"created_at"`
}

// Usage returns the token figures of the event.
func (e UsageEvent) Usage() Usage {
	return Usage{Input: e.InputTokens, Output: e.OutputTokens, Total: e.TotalTokens}
}

// Usage represents token usage information returned to callers.
type Usage struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
	Total  int64 `json:"total"`
}

// Completion is what an Invoker reports for a finished model call.
type Completion struct {
	Output       string
	InputTokens  int64
	OutputTokens int64
}

// Result is returned by Gate.AdmitAndRun for a completed request.
type Result struct {
	Model           string     `json:"model"`
	Output          string     `json:"response"`
	Usage           Usage      `json:"usage"`
	EstimatedTokens int64      `json:"estimated_tokens"`
	Event           UsageEvent `json:"-"`
}

// Summary aggregates the live counters of an account with its event history.
type Summary struct {
	AccountID      string    `json:"account_id"`
	DailyUsed      int64     `json:"daily_used"`
	DailyLimit     int64     `json:"daily_limit"`
	MonthlyUsed    int64     `json:"monthly_used"`
	MonthlyLimit   int64     `json:"monthly_limit"`
	DailyResetAt   time.Time `json:"daily_reset_at"`
	MonthlyResetAt time.Time `json:"monthly_reset_at"`
	IsActive       bool      `json:"is_active"`
	TotalRequests  int64     `json:"total_requests"`
	TotalTokens    int64     `json:"total_tokens_used"`
}

// Overview counts accounts and all usage recorded across them.
type Overview struct {
	TotalAccounts  int64 `json:"total_accounts"`
	ActiveAccounts int64 `json:"active_accounts"`
	TotalRequests  int64 `json:"total_requests"`
	TotalTokens    int64 `json:"total_tokens"`
}

// UsageGroup totals the usage events sharing a key: a model name, an account
// id or a calendar day.
type UsageGroup struct {
	Key      string `json:"key"`
	Requests int64  `json:"requests"`
	Tokens   int64  `json:"tokens"`
}
