// Package gemini invokes models through the Gemini generateContent API.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ineyio/tokenquota"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Errors mapped from HTTP status codes.
var (
	ErrRateLimited    = errors.New("gemini: rate limited by provider")
	ErrAuthFailed     = errors.New("gemini: authentication failed")
	ErrInvalidRequest = errors.New("gemini: invalid request")
	ErrUnavailable    = errors.New("gemini: provider unavailable")
)

// Provider is the Gemini API adapter.
type Provider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

var _ tokenquota.Invoker = (*Provider)(nil)

// Option configures the provider.
type Option func(*Provider)

// WithBaseURL sets a custom base URL.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// New creates a new Gemini provider.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		baseURL:    defaultBaseURL,
		apiKey:     apiKey,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Gemini API types.
type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int64 `json:"promptTokenCount"`
		CandidatesTokenCount int64 `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

// Invoke sends prompt as a single user turn.
func (p *Provider) Invoke(ctx context.Context, model, prompt string) (tokenquota.Completion, error) {
	jsonBody, err := json.Marshal(geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: prompt}}}},
	})
	if err != nil {
		return tokenquota.Completion{}, fmt.Errorf("gemini: marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s",
		p.baseURL, url.PathEscape(model), url.QueryEscape(p.apiKey))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return tokenquota.Completion{}, fmt.Errorf("gemini: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return tokenquota.Completion{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer httpResp.Body.Close()

	if err := mapHTTPError(httpResp); err != nil {
		return tokenquota.Completion{}, err
	}

	var resp geminiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return tokenquota.Completion{}, fmt.Errorf("gemini: decode response: %w", err)
	}
	if len(resp.Candidates) == 0 {
		return tokenquota.Completion{}, fmt.Errorf("gemini: empty candidates in response")
	}

	var out strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		out.WriteString(part.Text)
	}

	return tokenquota.Completion{
		Output:       out.String(),
		InputTokens:  resp.UsageMetadata.PromptTokenCount,
		OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
	}, nil
}

func mapHTTPError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

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
