package tokenquota

import "context"

// Invoker is the interface model provider adapters must implement. Calls may be
// slow or fail; a failed call is never billed.
type Invoker interface {
	// Invoke sends prompt to model and reports the output with the real token counts.
	Invoke(ctx context.Context, model, prompt string) (Completion, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, model, prompt string) (Completion, error)

func (f InvokerFunc) Invoke(ctx context.Context, model, prompt string) (Completion, error) {
	return f(ctx, model, prompt)
}
