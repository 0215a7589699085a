package tokenquota

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	defaultConsumeAttempts = 3
	defaultRetryBackoff    = 50 * time.Millisecond
)

// Gate admits requests against the Ledger before paying for a model call and
// settles their real cost afterwards.
type Gate struct {
	ledger   *Ledger
	invoker  Invoker
	estimate Estimator
	meter    Meter
	logger   *slog.Logger

	invokeTimeout   time.Duration
	consumeAttempts int
	retryBackoff    time.Duration
}

// Option configures a Gate.
type Option func(*Gate)

// WithEstimator sets the admission estimator (default EstimateTokens).
func WithEstimator(e Estimator) Option {
	return func(g *Gate) { g.estimate = e }
}

// WithMeter sets the meter.
func WithMeter(m Meter) Option {
	return func(g *Gate) { g.meter = m }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) { g.logger = logger }
}

// WithInvokeTimeout bounds each model call. Zero means no timeout.
func WithInvokeTimeout(d time.Duration) Option {
	return func(g *Gate) { g.invokeTimeout = d }
}

// WithConsumeAttempts sets how many times a transient settlement failure is tried.
func WithConsumeAttempts(n int) Option {
	return func(g *Gate) { g.consumeAttempts = n }
}

// WithRetryBackoff sets the base delay between settlement attempts. The n-th
// retry waits n times this delay.
func WithRetryBackoff(d time.Duration) Option {
	return func(g *Gate) { g.retryBackoff = d }
}

// NewGate creates a Gate. EstimateTokens and a no-op meter are used unless
// overridden via options.
func NewGate(ledger *Ledger, invoker Invoker, opts ...Option) (*Gate, error) {
	if ledger == nil {
		return nil, fmt.Errorf("tokenquota: ledger is required")
	}
	if invoker == nil {
		return nil, fmt.Errorf("tokenquota: invoker is required")
	}

	g := &Gate{
		ledger:          ledger,
		invoker:         invoker,
		consumeAttempts: defaultConsumeAttempts,
		retryBackoff:    defaultRetryBackoff,
	}
	for _, opt := range opts {
		opt(g)
	}

	// Apply defaults after options.
	if g.estimate == nil {
		g.estimate = EstimateTokens
	}
	if g.meter == nil {
		g.meter = &noopMeter{}
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	if g.consumeAttempts < 1 {
		g.consumeAttempts = 1
	}

	return g, nil
}

// admission carries one request through the state machine.
type admission struct {
	accountID string
	model     string
	prompt    string

	phase      Phase
	estimated  int64
	completion Completion
	event      UsageEvent
	attempts   int
	err        error
}

func (a *admission) usage() Usage {
	return Usage{
		Input:  a.completion.InputTokens,
		Output: a.completion.OutputTokens,
		Total:  a.completion.InputTokens + a.completion.OutputTokens,
	}
}

func (a *admission) result() Result {
	return Result{
		Model:           a.model,
		Output:          a.completion.Output,
		Usage:           a.usage(),
		EstimatedTokens: a.estimated,
		Event:           a.event,
	}
}

// AdmitAndRun estimates the prompt, pre-checks the account, invokes the model
// if admitted and records the real usage.
//
// On any outcome other than completion it returns an *AdmissionError naming
// the terminal phase. A request that ends unreconciled has already been paid
// for; its error matches ErrUsageAtRisk and carries the Result.
func (g *Gate) AdmitAndRun(ctx context.Context, accountID, model, prompt string) (Result, error) {
	start := time.Now()
	a := &admission{
		accountID: accountID,
		model:     model,
		prompt:    prompt,
		phase:     PhaseEstimating,
	}

	for !a.phase.Terminal() {
		a.phase = g.step(ctx, a)
	}

	ev := ResultEvent{
		AccountID: accountID,
		Model:     model,
		Phase:     a.phase,
		Duration:  time.Since(start),
		Attempts:  a.attempts,
		Error:     a.err,
	}
	if a.phase == PhaseCompleted || a.phase == PhaseUnreconciled {
		ev.Usage = a.usage()
	}
	g.meter.OnResult(ev)

	if a.phase == PhaseCompleted {
		return a.result(), nil
	}

	aerr := &AdmissionError{
		Err:       a.err,
		Phase:     a.phase,
		AccountID: accountID,
		Model:     model,
		Attempts:  a.attempts,
	}
	if a.phase == PhaseUnreconciled {
		res := a.result()
		aerr.Result = &res
	}
	return Result{}, aerr
}

// step runs the side effects of the current phase and returns the next one.
func (g *Gate) step(ctx context.Context, a *admission) Phase {
	switch a.phase {
	case PhaseEstimating:
		return g.estimating(a)
	case PhasePreChecking:
		return g.prechecking(ctx, a)
	case PhaseInvoking:
		return g.invoking(ctx, a)
	case PhaseReconciling:
		return g.reconciling(ctx, a)
	default:
		a.err = fmt.Errorf("tokenquota: no transition from phase %s", a.phase)
		return PhaseFailed
	}
}

func (g *Gate) estimating(a *admission) Phase {
	a.estimated = g.estimate(a.prompt)
	return PhasePreChecking
}

func (g *Gate) prechecking(ctx context.Context, a *admission) Phase {
	err := g.ledger.CheckCanConsume(ctx, a.accountID, a.estimated)
	g.meter.OnAdmit(AdmitEvent{
		AccountID:       a.accountID,
		Model:           a.model,
		EstimatedTokens: a.estimated,
		Admitted:        err == nil,
		Error:           err,
	})
	if err != nil {
		a.err = err
		return PhaseRejected
	}
	return PhaseInvoking
}

func (g *Gate) invoking(ctx context.Context, a *admission) Phase {
	if g.invokeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.invokeTimeout)
		defer cancel()
	}

	completion, err := g.invoker.Invoke(ctx, a.model, a.prompt)
	if err != nil {
		a.err = fmt.Errorf("%w: %w", ErrProvider, err)
		return PhaseFailed
	}
	a.completion = completion
	return PhaseReconciling
}

func (g *Gate) reconciling(ctx context.Context, a *admission) Phase {
	// The model call is paid for; settlement must not be abandoned with the caller.
	ctx = context.WithoutCancel(ctx)

	for {
		a.attempts++
		ev, err := g.ledger.Consume(ctx, a.accountID, a.model, a.completion.InputTokens, a.completion.OutputTokens)
		if err == nil {
			a.event = ev
			a.err = nil
			return PhaseCompleted
		}
		a.err = err

		if !IsTransient(err) || a.attempts >= g.consumeAttempts {
			break
		}
		time.Sleep(g.retryBackoff * time.Duration(a.attempts))
	}

	u := a.usage()
	g.logger.Error("usage not recorded",
		"account", a.accountID,
		"model", a.model,
		"input_tokens", u.Input,
		"output_tokens", u.Output,
		"attempts", a.attempts,
		"error", a.err,
	)
	return PhaseUnreconciled
}

// noopMeter is a meter that does nothing.
type noopMeter struct{}

func (m *noopMeter) OnAdmit(AdmitEvent)   {}
func (m *noopMeter) OnResult(ResultEvent) {}
