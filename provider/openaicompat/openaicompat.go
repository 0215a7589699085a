// Package openaicompat invokes models through an OpenAI-compatible
// chat completions endpoint.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ineyio/tokenquota"
)

// Errors mapped from HTTP status codes.
var (
	ErrRateLimited    = errors.New("openaicompat: rate limited by provider")
	ErrAuthFailed     = errors.New("openaicompat: authentication failed")
	ErrInvalidRequest = errors.New("openaicompat: invalid request")
	ErrUnavailable    = errors.New("openaicompat: provider unavailable")
)

// Provider is a universal OpenAI-compatible API adapter.
// Works with OpenAI, Grok/xAI, Cerebras, Together, Ollama, and others.
type Provider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	models     map[string]string
}

var _ tokenquota.Invoker = (*Provider)(nil)

// Option configures the provider.
type Option func(*Provider)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithAPIKey sets the bearer token.
func WithAPIKey(key string) Option {
	return func(p *Provider) { p.apiKey = key }
}

// WithModelMap maps public model names to upstream model ids. Names missing
// from the map are sent unchanged.
func WithModelMap(m map[string]string) Option {
	return func(p *Provider) { p.models = m }
}

// New creates a new OpenAI-compatible provider.
func New(baseURL string, opts ...Option) *Provider {
	p := &Provider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewOpenAI creates a provider for OpenAI.
func NewOpenAI(opts ...Option) *Provider {
	return New("https://api.openai.com/v1", opts...)
}

type apiRequest struct {
	Model    string       `json:"model"`
	Messages []apiMessage `json:"messages"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiResponse struct {
	Choices []struct {
		Message apiMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

// Invoke sends prompt as a single user message.
func (p *Provider) Invoke(ctx context.Context, model, prompt string) (tokenquota.Completion, error) {
	upstream := model
	if m, ok := p.models[model]; ok {
		upstream = m
	}

	jsonBody, err := json.Marshal(apiRequest{
		Model:    upstream,
		Messages: []apiMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return tokenquota.Completion{}, fmt.Errorf("openaicompat: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return tokenquota.Completion{}, fmt.Errorf("openaicompat: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return tokenquota.Completion{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer httpResp.Body.Close()

	if err := mapHTTPError(httpResp); err != nil {
		return tokenquota.Completion{}, err
	}

	var resp apiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return tokenquota.Completion{}, fmt.Errorf("openaicompat: decode response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return tokenquota.Completion{}, fmt.Errorf("openaicompat: empty choices in response")
	}

	return tokenquota.Completion{
		Output:       resp.Choices[0].Message.Content,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}

func mapHTTPError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	// Read body for error context, but don't fail if we can't.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return ErrRateLimited
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %w", tokenquota.ErrRequestRejected, ErrAuthFailed)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %w: %s", tokenquota.ErrRequestRejected, ErrInvalidRequest, string(body))
	default:
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
}
