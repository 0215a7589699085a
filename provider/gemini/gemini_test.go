package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ineyio/tokenquota"
)

func TestInvoke(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/gemini-2.0-flash:generateContent" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("key"); got != "k" {
			t.Errorf("unexpected key %q", got)
		}
		var req geminiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if len(req.Contents) != 1 || req.Contents[0].Parts[0].Text != "hi" {
			t.Errorf("unexpected contents %+v", req.Contents)
		}
		w.Write([]byte(`{
			"candidates":[{"content":{"role":"model","parts":[{"text":"Par"},{"text":"is"}]}}],
			"usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":2,"totalTokenCount":5}
		}`))
	}))
	defer srv.Close()

	c, err := New("k", WithBaseURL(srv.URL)).Invoke(context.Background(), "gemini-2.0-flash", "hi")
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if c.Output != "Paris" || c.InputTokens != 3 || c.OutputTokens != 2 {
		t.Fatalf("unexpected completion %+v", c)
	}
}

func TestInvoke_HTTPErrors(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, ErrRateLimited},
		{http.StatusForbidden, ErrAuthFailed},
		{http.StatusBadRequest, ErrInvalidRequest},
		{http.StatusInternalServerError, ErrUnavailable},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := New("k", WithBaseURL(srv.URL)).Invoke(context.Background(), "m", "hi")
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestInvoke_RejectedRequestsAreNotRetryable(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusBadRequest} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(status)
			}))
			defer srv.Close()

			_, err := New("k", WithBaseURL(srv.URL)).Invoke(context.Background(), "m", "hi")
			if !errors.Is(err, tokenquota.ErrRequestRejected) {
				t.Fatalf("expected ErrRequestRejected, got %v", err)
			}
			if tokenquota.IsRetryable(err) {
				t.Fatalf("%d should not be retryable", status)
			}
			if got := tokenquota.KindOf(err); got != tokenquota.KindRequestRejected {
				t.Fatalf("kind = %v", got)
			}
		})
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()
	_, err := New("k", WithBaseURL(srv.URL)).Invoke(context.Background(), "m", "hi")
	if errors.Is(err, tokenquota.ErrRequestRejected) {
		t.Fatalf("rate limiting is not a rejection: %v", err)
	}
}
