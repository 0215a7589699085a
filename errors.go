package tokenquota

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrAccountNotFound = errors.New("tokenquota: account not found")
	ErrAccountDisabled = errors.New("tokenquota: account disabled")
	ErrAccountExists   = errors.New("tokenquota: account already exists")
	ErrQuotaExceeded   = errors.New("tokenquota: quota exceeded")
	ErrInvalidUsage    = errors.New("tokenquota: invalid usage")
	ErrProvider        = errors.New("tokenquota: provider call failed")
	ErrRequestRejected = errors.New("tokenquota: request rejected by provider")
	ErrLedgerTransient = errors.New("tokenquota: transient ledger error")
	ErrLedgerFatal     = errors.New("tokenquota: fatal ledger error")
	ErrUsageAtRisk     = errors.New("tokenquota: usage recorded at risk")
)

// QuotaExceededError reports which window rejected an admission.
type QuotaExceededError struct {
	Window    Window
	Used      int64
	Limit     int64
	Requested int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("tokenquota: %s token limit exceeded: used=%d requested=%d limit=%d",
		e.Window, e.Used, e.Requested, e.Limit)
}

func (e *QuotaExceededError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

// AdmissionError wraps a failed AdmitAndRun with the terminal phase it ended in.
type AdmissionError struct {
	Err       error
	Phase     Phase
	AccountID string
	Model     string
	// Attempts is the number of reconciliation attempts made, zero if the
	// request never reached reconciliation.
	Attempts int
	// Result is set when the model call succeeded but its usage could not be
	// recorded.
	Result *Result
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("tokenquota: phase=%s account=%s model=%s attempts=%d: %v",
		e.Phase, e.AccountID, e.Model, e.Attempts, e.Err)
}

func (e *AdmissionError) Unwrap() error {
	return e.Err
}

func (e *AdmissionError) Is(target error) bool {
	return target == ErrUsageAtRisk && e.Phase == PhaseUnreconciled
}

// Transient marks err as a retryable ledger failure.
func Transient(err error) error {
	return fmt.Errorf("%w: %w", ErrLedgerTransient, err)
}

// Fatal marks err as a non-retryable ledger failure.
func Fatal(err error) error {
	return fmt.Errorf("%w: %w", ErrLedgerFatal, err)
}

// IsTransient returns true if a ledger operation failed in a way that is safe to retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrLedgerTransient)
}

// IsRetryable returns true if the caller may retry the whole request later.
// Requests the provider refused as unauthorized or malformed are not retryable.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrUsageAtRisk) || errors.Is(err, ErrRequestRejected) {
		return false
	}
	return IsTransient(err) ||
		errors.Is(err, ErrProvider) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsFatal returns true if the error needs operator attention rather than a retry.
func IsFatal(err error) bool {
	return errors.Is(err, ErrLedgerFatal) ||
		errors.Is(err, ErrAccountDisabled) ||
		errors.Is(err, ErrUsageAtRisk)
}

// Kind classifies an error for callers.
type Kind int

const (
	KindUnknown Kind = iota
	KindAccountNotFound
	KindAccountDisabled
	KindQuotaExceeded
	KindProvider
	KindLedgerTransient
	KindLedgerFatal
	KindUsageAtRisk
	KindRequestRejected
)

func (k Kind) String() string {
	switch k {
	case KindAccountNotFound:
		return "account_not_found"
	case KindAccountDisabled:
		return "account_disabled"
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindProvider:
		return "provider_error"
	case KindLedgerTransient:
		return "ledger_transient"
	case KindLedgerFatal:
		return "ledger_fatal"
	case KindUsageAtRisk:
		return "usage_at_risk"
	case KindRequestRejected:
		return "request_rejected"
	default:
		return "unknown"
	}
}

// Advice tells the caller what to do about an error of this kind.
func (k Kind) Advice() string {
	switch k {
	case KindQuotaExceeded:
		return "use a different account or raise the limit"
	case KindProvider, KindLedgerTransient:
		return "try again later"
	case KindAccountNotFound:
		return "check the account id"
	case KindRequestRejected:
		return "check the provider credentials and the request"
	case KindAccountDisabled, KindLedgerFatal, KindUsageAtRisk:
		return "contact support"
	default:
		return ""
	}
}

// KindOf maps err onto the error taxonomy. Usage at risk wins over its cause.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrUsageAtRisk):
		return KindUsageAtRisk
	case errors.Is(err, ErrAccountNotFound):
		return KindAccountNotFound
	case errors.Is(err, ErrAccountDisabled):
		return KindAccountDisabled
	case errors.Is(err, ErrQuotaExceeded):
		return KindQuotaExceeded
	case errors.Is(err, ErrRequestRejected):
		return KindRequestRejected
	case errors.Is(err, ErrProvider):
		return KindProvider
	case errors.Is(err, ErrLedgerTransient):
		return KindLedgerTransient
	case errors.Is(err, ErrLedgerFatal), errors.Is(err, ErrInvalidUsage):
		return KindLedgerFatal
	default:
		return KindUnknown
	}
}
