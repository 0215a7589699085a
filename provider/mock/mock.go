package mock

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/ineyio/tokenquota"
)

// ErrUnavailable is returned once a WithFailAfter budget is spent.
var ErrUnavailable = errors.New("mock: provider unavailable")

// Provider is a mock model invoker for testing.
type Provider struct {
	latency      time.Duration
	failAfter    int
	callCount    atomic.Int64
	staticErr    error
	inputTokens  int64
	outputTokens int64
	output       string
	responseFunc func(model, prompt string) (tokenquota.Completion, error)
}

var _ tokenquota.Invoker = (*Provider)(nil)

// Option configures a mock Provider.
type Option func(*Provider)

// New creates a mock provider with the given options.
func New(opts ...Option) *Provider {
	p := &Provider{
		inputTokens:  10,
		outputTokens: 20,
		output:       "Hello from mock provider",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithLatency adds simulated latency to each call.
func WithLatency(d time.Duration) Option {
	return func(p *Provider) { p.latency = d }
}

// WithFailAfter makes the provider fail after N successful calls.
func WithFailAfter(n int) Option {
	return func(p *Provider) { p.failAfter = n }
}

// WithError makes the provider always return this error.
func WithError(err error) Option {
	return func(p *Provider) { p.staticErr = err }
}

// WithUsage sets the token counts reported by the mock.
func WithUsage(input, output int64) Option {
	return func(p *Provider) {
		p.inputTokens = input
		p.outputTokens = output
	}
}

// WithOutput sets the response text.
func WithOutput(s string) Option {
	return func(p *Provider) { p.output = s }
}

// WithResponseFunc sets a custom response function.
func WithResponseFunc(fn func(model, prompt string) (tokenquota.Completion, error)) Option {
	return func(p *Provider) { p.responseFunc = fn }
}

func (p *Provider) Invoke(ctx context.Context, model, prompt string) (tokenquota.Completion, error) {
	if p.latency > 0 {
		select {
		case <-time.After(p.latency):
		case <-ctx.Done():
			return tokenquota.Completion{}, ctx.Err()
		}
	}

	count := p.callCount.Add(1)

	if p.staticErr != nil {
		return tokenquota.Completion{}, p.staticErr
	}

	if p.failAfter > 0 && int(count) > p.failAfter {
		return tokenquota.Completion{}, ErrUnavailable
	}

	if p.responseFunc != nil {
		return p.responseFunc(model, prompt)
	}

	return tokenquota.Completion{
		Output:       p.output,
		InputTokens:  p.inputTokens,
		OutputTokens: p.outputTokens,
	}, nil
}

// CallCount returns the number of calls made to the provider.
func (p *Provider) CallCount() int64 { return p.callCount.Load() }
