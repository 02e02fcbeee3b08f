/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package openaiprovider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"chainguard.dev/issuefix/provider"
)

func completionBody(content string) string {
	b, _ := json.Marshal(map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1700000000,
		"model":   "gpt-4.1",
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
		"usage": map[string]any{"prompt_tokens": 50, "completion_tokens": 10, "total_tokens": 60},
	})
	return string(b)
}

func serve(t *testing.T, status int, body string) (string, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv.URL, &calls
}

func TestGeneratePatch(t *testing.T) {
	url, _ := serve(t, http.StatusOK, completionBody(`{"summary":"Guard nil map","files":[{"path":"pkg/m.go","content":"package pkg\n"}]}`))
	a, err := New(WithBaseURL(url))
	if err != nil {
		t.Fatal(err)
	}
	p, err := a.GeneratePatch(context.Background(), "sk-test", provider.IssueContext{Number: 1}, provider.RepoContext{})
	if err != nil {
		t.Fatalf("GeneratePatch() = %v", err)
	}
	if p.Provider != provider.OpenAI || len(p.Files) != 1 || p.Files[0].Path != "pkg/m.go" {
		t.Errorf("GeneratePatch() = %+v", p)
	}
}

func TestGeneratePatchFailures(t *testing.T) {
	errBody := `{"error":{"message":"bad","type":"invalid_request_error","param":null,"code":null}}`
	tests := []struct {
		name   string
		status int
		body   string
		want   provider.Kind
	}{
		{"unauthorized", http.StatusUnauthorized, errBody, provider.KindUnauthorized},
		{"rate limited", http.StatusTooManyRequests, errBody, provider.KindRateLimited},
		{"server error", http.StatusInternalServerError, errBody, provider.KindTimeout},
		{"not found", http.StatusNotFound, errBody, provider.KindMalformedResponse},
		{"empty content", http.StatusOK, completionBody(""), provider.KindMalformedResponse},
		{"no change", http.StatusOK, completionBody(`{"summary":"nothing"}`), provider.KindNoChangeProduced},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url, calls := serve(t, tt.status, tt.body)
			a, err := New(WithBaseURL(url))
			if err != nil {
				t.Fatal(err)
			}
			_, err = a.GeneratePatch(context.Background(), "sk-test", provider.IssueContext{}, provider.RepoContext{})
			f, ok := provider.AsFailure(err)
			if !ok {
				t.Fatalf("GeneratePatch() = %v, want *provider.Failure", err)
			}
			if f.Kind != tt.want {
				t.Errorf("kind = %v, want %v (%v)", f.Kind, tt.want, err)
			}
			// The adapter never retries on its own.
			if got := calls.Load(); got != 1 {
				t.Errorf("calls = %d, want 1", got)
			}
		})
	}
}
