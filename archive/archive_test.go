/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package archive

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"chainguard.dev/issuefix/attempt"
	"chainguard.dev/issuefix/provider"
	"chainguard.dev/issuefix/retry"
	"github.com/google/go-cmp/cmp"
	"google.golang.org/api/option"
)

func testRecord() Record {
	a := &attempt.Attempt{ID: "att-1", RepositoryID: "repo-1", IssueNumber: 42, RetryCount: 1}
	p := &provider.Patch{
		Summary:  "Punctuate greeting",
		Diff:     "--- a/greet.go\n+++ b/greet.go\n",
		Provider: "openai",
		Model:    "gpt-4.1",
		BaseSHA:  "abc123",
	}
	return NewRecord(a, "octo/widgets", p, time.Date(2026, 1, 2, 3, 4, 5, 0, time.FixedZone("x", 3600)))
}

func TestNewRecord(t *testing.T) {
	r := testRecord()
	want := Record{
		AttemptID:    "att-1",
		RepositoryID: "repo-1",
		Repository:   "octo/widgets",
		IssueNumber:  42,
		RetryCount:   1,
		Provider:     "openai",
		Model:        "gpt-4.1",
		BaseSHA:      "abc123",
		Summary:      "Punctuate greeting",
		Diff:         "--- a/greet.go\n+++ b/greet.go\n",
		CreatedAt:    time.Date(2026, 1, 2, 2, 4, 5, 0, time.UTC),
	}
	if diff := cmp.Diff(want, r); diff != "" {
		t.Errorf("NewRecord() mismatch (-want +got):\n%s", diff)
	}
	if got := r.ObjectName(); got != "repo-1/42/att-1-1.json" {
		t.Errorf("ObjectName() = %s", got)
	}
}

func TestDiscard(t *testing.T) {
	var a Archive = Discard{}
	if loc, err := a.Put(context.Background(), testRecord()); err != nil || loc != "" {
		t.Errorf("Discard.Put() = %q, %v", loc, err)
	}
}

func TestGCSPut(t *testing.T) {
	var (
		mu       sync.Mutex
		requests int
		uploaded string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, "/b/issuefix-patches/o") {
			http.NotFound(w, r)
			return
		}
		requests++
		body, _ := io.ReadAll(r.Body)
		if requests == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			io.WriteString(w, `{"error":{"code":503,"message":"backend unavailable"}}`)
			return
		}
		uploaded = string(body)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"bucket":"issuefix-patches","name":"patches/repo-1/42/att-1-1.json"}`)
	}))
	defer srv.Close()

	ctx := context.Background()
	g, err := NewGCS(ctx, "issuefix-patches", []option.ClientOption{
		option.WithEndpoint(srv.URL + "/storage/v1/"),
		option.WithoutAuthentication(),
	}, WithPrefix("patches/"), WithRetryPolicy(retry.Policy{MaxRetries: 2, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond}))
	if err != nil {
		t.Fatalf("NewGCS: %v", err)
	}
	defer g.Close()

	loc, err := g.Put(ctx, testRecord())
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if loc != "gs://issuefix-patches/patches/repo-1/42/att-1-1.json" {
		t.Errorf("Put() = %s", loc)
	}

	mu.Lock()
	defer mu.Unlock()
	if requests != 2 {
		t.Errorf("requests = %d, want 2 (one retry)", requests)
	}
	for _, want := range []string{`"attempt_id": "att-1"`, `"provider": "openai"`, `"base_sha": "abc123"`} {
		if !strings.Contains(uploaded, want) {
			t.Errorf("upload missing %s:\n%s", want, uploaded)
		}
	}
}

func TestNewGCSValidation(t *testing.T) {
	if _, err := NewGCS(context.Background(), "", nil); err == nil {
		t.Error("NewGCS(empty bucket): expected error")
	}
}
