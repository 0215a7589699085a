package tokenquota

import "time"

// Meter observes admission events for monitoring/logging.
type Meter interface {
	// OnAdmit is called once the pre-check has decided on a request.
	OnAdmit(event AdmitEvent)

	// OnResult is called when a request reaches a terminal phase.
	OnResult(event ResultEvent)
}

// AdmitEvent describes a pre-check decision.
type AdmitEvent struct {
	AccountID       string
	Model           string
	EstimatedTokens int64
	Admitted        bool
	Error           error
}

// ResultEvent describes how a request ended.
type ResultEvent struct {
	AccountID string
	Model     string
	Phase     Phase
	Duration  time.Duration
	Usage     Usage
	Attempts  int
	Error     error
}
