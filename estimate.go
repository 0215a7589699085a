package tokenquota

import "unicode/utf8"

// Estimator maps a prompt to an approximate token cost used for admission only.
type Estimator func(prompt string) int64

// EstimateTokens provides a rough token count estimate for a prompt.
// Uses the approximation: ~4 chars per token, rounded up. Empty input costs 0.
func EstimateTokens(prompt string) int64 {
	n := int64(utf8.RuneCountInString(prompt))
	return (n + 3) / 4
}
