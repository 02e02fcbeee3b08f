/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package resolver

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"chainguard.dev/issuefix/attempt"
	"chainguard.dev/issuefix/credential"
	"chainguard.dev/issuefix/credential/aesgcm"
	"chainguard.dev/issuefix/patch"
	"chainguard.dev/issuefix/provider"
	"chainguard.dev/issuefix/publish"
	"chainguard.dev/issuefix/retry"
	"chainguard.dev/issuefix/store/memstore"
	"chainguard.dev/issuefix/watch"
)

const (
	testUser = "u1"
	testRepo = "r1"
)

type fakeGenerator struct {
	mu     sync.Mutex
	calls  []string
	issues []provider.IssueContext
	fn     func(ctx context.Context, name string, call int) (*provider.Patch, error)
}

func (g *fakeGenerator) GeneratePatch(ctx context.Context, name, _ string, issue provider.IssueContext, repo provider.RepoContext) (*provider.Patch, error) {
	g.mu.Lock()
	g.calls = append(g.calls, name)
	g.issues = append(g.issues, issue)
	call := len(g.calls)
	g.mu.Unlock()

	if g.fn != nil {
		if p, err := g.fn(ctx, name, call); p != nil || err != nil {
			if p != nil {
				p.Provider, p.BaseSHA = name, repo.BaseSHA
			}
			return p, err
		}
	}
	return &provider.Patch{Summary: "Fix it", Diff: "diff", Provider: name, BaseSHA: repo.BaseSHA}, nil
}

func (g *fakeGenerator) Calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

type fakeWorkspace struct {
	mu        sync.Mutex
	applyErrs []error
	snapshots int
	applies   int
	released  int
}

func (w *fakeWorkspace) Snapshot(context.Context, *watch.Repository, provider.IssueContext) (provider.RepoContext, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.snapshots++
	return provider.RepoContext{DefaultBranch: "main", BaseSHA: "base"}, nil
}

func (w *fakeWorkspace) Apply(_ context.Context, _ *watch.Repository, _ *provider.Patch, branch string) (*Applied, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.applies++
	if len(w.applyErrs) > 0 {
		err := w.applyErrs[0]
		w.applyErrs = w.applyErrs[1:]
		return nil, err
	}
	return &Applied{
		Branch:  branch,
		BaseSHA: "base",
		HeadSHA: "head",
		release: func(context.Context) {
			w.mu.Lock()
			defer w.mu.Unlock()
			w.released++
		},
	}, nil
}

type fakePublisher struct {
	mu       sync.Mutex
	errs     []error
	requests []publish.Request
	created  int
	// entered and release, when set, hold Publish until release is closed.
	entered chan struct{}
	release chan struct{}
}

func (p *fakePublisher) Publish(_ context.Context, req publish.Request) (*publish.PullRequest, error) {
	if p.entered != nil {
		close(p.entered)
		<-p.release
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		return nil, err
	}
	p.created++
	return &publish.PullRequest{Number: 7, URL: "https://github.com/octo/widgets/pull/7"}, nil
}

type harness struct {
	store  *memstore.Store
	cipher *aesgcm.Cipher
	gen    *fakeGenerator
	ws     *fakeWorkspace
	pub    *fakePublisher
	o      *Orchestrator
}

func newHarness(t *testing.T, maxRetries int, keys map[string]string) *harness {
	t.Helper()
	h := &harness{
		store: memstore.New(),
		gen:   &fakeGenerator{},
		ws:    &fakeWorkspace{},
		pub:   &fakePublisher{},
	}
	c, err := aesgcm.New([]byte(strings.Repeat("k", 32)))
	if err != nil {
		t.Fatalf("aesgcm.New: %v", err)
	}
	h.cipher = c
	for name, key := range keys {
		h.putKey(t, name, key)
	}
	h.store.PutRepository(watch.Repository{
		ID: testRepo, UserID: testUser, Owner: "octo", Name: "widgets", DefaultBranch: "main", Watched: true,
	})
	h.o = h.orchestrator(t, maxRetries)
	return h
}

func (h *harness) orchestrator(t *testing.T, maxRetries int) *Orchestrator {
	t.Helper()
	tracker, err := attempt.NewTracker(h.store, maxRetries)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	accessor, err := credential.NewAccessor(h.store, h.cipher)
	if err != nil {
		t.Fatalf("NewAccessor: %v", err)
	}
	o, err := New(Deps{
		Tracker:      tracker,
		Repositories: h.store,
		Credentials:  accessor,
		Generator:    h.gen,
		Workspace:    h.ws,
		Publisher:    h.pub,
	},
		WithProviderOrder(provider.Anthropic, provider.OpenAI),
		WithRetryPolicy(retry.Policy{BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func (h *harness) putKey(t *testing.T, name, key string) credential.Sealed {
	t.Helper()
	sealed, err := h.cipher.Encrypt([]byte(key))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if err := h.store.PutCredential(context.Background(), credential.Record{UserID: testUser, Provider: name, Sealed: sealed}); err != nil {
		t.Fatalf("PutCredential: %v", err)
	}
	return sealed
}

func (h *harness) credentialValid(t *testing.T, name string) bool {
	t.Helper()
	r, err := h.store.GetCredential(context.Background(), testUser, name)
	if err != nil {
		t.Fatalf("GetCredential(%s): %v", name, err)
	}
	return r.Valid
}

func event(issue int) Event {
	return Event{UserID: testUser, RepositoryID: testRepo, IssueNumber: issue, IssueTitle: "Greeting lacks punctuation"}
}

func validKeys() map[string]string {
	return map[string]string{provider.Anthropic: "sk-ant-api03-valid-key", provider.OpenAI: "sk-openai-valid-key"}
}

// assertOutcome checks that exactly one of the pull request reference and
// the error message is set on a terminal attempt.
func assertOutcome(t *testing.T, a *attempt.Attempt) {
	t.Helper()
	if !a.Status.Terminal() {
		t.Fatalf("status = %s, want terminal", a.Status)
	}
	hasPR := a.PRNumber != nil && a.PRURL != nil
	hasErr := a.ErrorMessage != nil
	if hasPR == hasErr {
		t.Errorf("outcome fields not exclusive: pr=%v error=%v", hasPR, hasErr)
	}
	if (a.Status == attempt.StatusSucceeded) != hasPR {
		t.Errorf("status %s with pr=%v", a.Status, hasPR)
	}
}

func TestResolveSucceeds(t *testing.T) {
	h := newHarness(t, 3, validKeys())

	a, err := h.o.Resolve(context.Background(), event(42))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	assertOutcome(t, a)
	if a.Status != attempt.StatusSucceeded {
		t.Fatalf("status = %s, want succeeded (error: %v)", a.Status, a.ErrorMessage)
	}
	if a.RetryCount != 0 || *a.PRNumber != 7 || !strings.HasSuffix(*a.PRURL, "/pull/7") {
		t.Errorf("attempt = retry %d pr %d %s", a.RetryCount, *a.PRNumber, *a.PRURL)
	}
	branch := "issuefix/issue-42-" + a.ID[:8]
	if a.Provider != provider.Anthropic || a.Branch != branch {
		t.Errorf("provider, branch = %s, %s", a.Provider, a.Branch)
	}

	req := h.pub.requests[0]
	if req.IssueNumber != 42 || req.Head != branch || req.Base != "main" || req.AttemptID != a.ID {
		t.Errorf("publish request = %+v", req)
	}
	if h.ws.released != 1 {
		t.Errorf("released = %d, want 1", h.ws.released)
	}
}

func TestResolveAllProvidersUnauthorized(t *testing.T) {
	h := newHarness(t, 3, validKeys())
	h.gen.fn = func(_ context.Context, name string, _ int) (*provider.Patch, error) {
		return nil, provider.NewFailure(name, provider.KindUnauthorized, errors.New("401 invalid x-api-key"))
	}

	a, err := h.o.Resolve(context.Background(), event(43))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	assertOutcome(t, a)
	if a.Status != attempt.StatusFailed || *a.ErrorMessage != "no valid API key configured" {
		t.Fatalf("attempt = %s %v", a.Status, *a.ErrorMessage)
	}
	if got := h.gen.Calls(); len(got) != 2 || got[0] != provider.Anthropic || got[1] != provider.OpenAI {
		t.Errorf("provider calls = %v", got)
	}
	if h.pub.created != 0 || len(h.pub.requests) != 0 {
		t.Errorf("publisher called %d times", len(h.pub.requests))
	}
	for _, name := range []string{provider.Anthropic, provider.OpenAI} {
		if h.credentialValid(t, name) {
			t.Errorf("%s credential still valid after rejection", name)
		}
	}
}

func TestResolveConflictRetries(t *testing.T) {
	h := newHarness(t, 3, validKeys())
	conflict := &patch.Failure{Kind: patch.KindConflict, Err: errors.New("hunk 1 does not match")}
	h.ws.applyErrs = []error{conflict, conflict}

	a, err := h.o.Resolve(context.Background(), event(44))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	assertOutcome(t, a)
	if a.Status != attempt.StatusSucceeded || a.RetryCount != 2 {
		t.Fatalf("attempt = %s retry %d", a.Status, a.RetryCount)
	}
	if got := len(h.gen.Calls()); got != 3 {
		t.Errorf("provider calls = %d, want 3", got)
	}
	if h.ws.snapshots != 3 || h.ws.applies != 3 {
		t.Errorf("snapshots, applies = %d, %d", h.ws.snapshots, h.ws.applies)
	}
	if h.pub.created != 1 {
		t.Errorf("pull requests created = %d, want 1", h.pub.created)
	}
}

func TestResolveRetryCap(t *testing.T) {
	for _, max := range []int{0, 1, 3} {
		h := newHarness(t, max, validKeys())
		h.gen.fn = func(_ context.Context, name string, _ int) (*provider.Patch, error) {
			return nil, provider.NewFailure(name, provider.KindRateLimited, errors.New("429"))
		}

		a, err := h.o.Resolve(context.Background(), event(50))
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		assertOutcome(t, a)
		if a.Status != attempt.StatusFailed || a.RetryCount != max {
			t.Errorf("max %d: attempt = %s retry %d", max, a.Status, a.RetryCount)
		}
		if !strings.HasPrefix(*a.ErrorMessage, "retries exhausted") {
			t.Errorf("max %d: error message = %q", max, *a.ErrorMessage)
		}
		if got := len(h.gen.Calls()); got != max+1 {
			t.Errorf("max %d: provider calls = %d", max, got)
		}
		if h.pub.created != 0 {
			t.Errorf("max %d: pull requests created = %d", max, h.pub.created)
		}
	}
}

func TestResolveCredentialFallback(t *testing.T) {
	t.Run("stored key flagged invalid", func(t *testing.T) {
		h := newHarness(t, 3, nil)
		sealed := h.putKey(t, provider.Anthropic, "sk-ant-api03-stale-key")
		if _, err := h.store.InvalidateCredential(context.Background(), testUser, provider.Anthropic, sealed); err != nil {
			t.Fatalf("InvalidateCredential: %v", err)
		}
		before, _ := h.store.GetCredential(context.Background(), testUser, provider.Anthropic)
		h.putKey(t, provider.OpenAI, "sk-openai-valid-key")

		a, err := h.o.Resolve(context.Background(), event(45))
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if a.Status != attempt.StatusSucceeded || a.Provider != provider.OpenAI {
			t.Fatalf("attempt = %s via %s", a.Status, a.Provider)
		}
		if got := h.gen.Calls(); len(got) != 1 || got[0] != provider.OpenAI {
			t.Errorf("provider calls = %v", got)
		}
		after, _ := h.store.GetCredential(context.Background(), testUser, provider.Anthropic)
		if !after.UpdatedAt.Equal(before.UpdatedAt) {
			t.Error("untried credential was written")
		}
	})

	t.Run("first provider rejects its key", func(t *testing.T) {
		h := newHarness(t, 3, validKeys())
		h.gen.fn = func(_ context.Context, name string, _ int) (*provider.Patch, error) {
			if name == provider.Anthropic {
				return nil, provider.NewFailure(name, provider.KindUnauthorized, errors.New("401"))
			}
			return nil, nil
		}

		a, err := h.o.Resolve(context.Background(), event(46))
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if a.Status != attempt.StatusSucceeded || a.Provider != provider.OpenAI {
			t.Fatalf("attempt = %s via %s", a.Status, a.Provider)
		}
		if h.credentialValid(t, provider.Anthropic) {
			t.Error("rejected credential still valid")
		}
		if !h.credentialValid(t, provider.OpenAI) {
			t.Error("working credential was invalidated")
		}
	})
}

func TestResolveFailures(t *testing.T) {
	tests := []struct {
		name       string
		keys       map[string]string
		gen        func(context.Context, string, int) (*provider.Patch, error)
		applyErrs  []error
		publish    []error
		wantStatus attempt.Status
		wantRetry  int
		wantPrefix string
	}{{
		name:       "no credentials stored",
		wantStatus: attempt.StatusFailed,
		wantPrefix: "no valid API key configured",
	}, {
		name: "malformed response",
		keys: validKeys(),
		gen: func(_ context.Context, name string, _ int) (*provider.Patch, error) {
			return nil, provider.NewFailure(name, provider.KindMalformedResponse, errors.New("not json"))
		},
		wantStatus: attempt.StatusFailed,
		wantPrefix: "patch generation failed",
	}, {
		name: "no change produced",
		keys: validKeys(),
		gen: func(_ context.Context, name string, _ int) (*provider.Patch, error) {
			return nil, provider.NewFailure(name, provider.KindNoChangeProduced, nil)
		},
		wantStatus: attempt.StatusFailed,
		wantPrefix: "patch generation failed",
	}, {
		name: "timeout then success",
		keys: validKeys(),
		gen: func(_ context.Context, name string, call int) (*provider.Patch, error) {
			if call == 1 {
				return nil, provider.NewFailure(name, provider.KindTimeout, context.DeadlineExceeded)
			}
			return nil, nil
		},
		wantStatus: attempt.StatusSucceeded,
		wantRetry:  1,
	}, {
		name:       "invalid patch",
		keys:       validKeys(),
		applyErrs:  []error{&patch.Failure{Kind: patch.KindInvalidFormat, Err: errors.New("no file sections")}},
		wantStatus: attempt.StatusFailed,
		wantPrefix: "patch could not be applied",
	}, {
		name:       "empty diff",
		keys:       validKeys(),
		applyErrs:  []error{&patch.Failure{Kind: patch.KindEmptyDiff, Err: errors.New("nothing changed")}},
		wantStatus: attempt.StatusFailed,
		wantPrefix: "patch could not be applied",
	}, {
		name:       "checkout unavailable",
		keys:       validKeys(),
		applyErrs:  []error{errors.New("fetching origin: connection reset")},
		wantStatus: attempt.StatusSucceeded,
		wantRetry:  1,
	}, {
		name:       "permission denied",
		keys:       validKeys(),
		publish:    []error{&publish.Failure{Kind: publish.KindPermissionDenied, Err: errors.New("403")}},
		wantStatus: attempt.StatusFailed,
		wantPrefix: "pull request was not opened",
	}, {
		name:       "publish network error",
		keys:       validKeys(),
		publish:    []error{&publish.Failure{Kind: publish.KindTransientNetwork, Err: errors.New("502")}},
		wantStatus: attempt.StatusSucceeded,
		wantRetry:  1,
	}}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 3, tt.keys)
			h.gen.fn = tt.gen
			h.ws.applyErrs = tt.applyErrs
			h.pub.errs = tt.publish

			a, err := h.o.Resolve(context.Background(), event(60))
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			assertOutcome(t, a)
			if a.Status != tt.wantStatus || a.RetryCount != tt.wantRetry {
				t.Fatalf("attempt = %s retry %d (error %v), want %s retry %d", a.Status, a.RetryCount, a.ErrorMessage, tt.wantStatus, tt.wantRetry)
			}
			if tt.wantPrefix != "" && !strings.HasPrefix(*a.ErrorMessage, tt.wantPrefix) {
				t.Errorf("error message = %q, want prefix %q", *a.ErrorMessage, tt.wantPrefix)
			}
			if tt.wantStatus == attempt.StatusFailed && h.pub.created != 0 {
				t.Errorf("pull requests created = %d on failure", h.pub.created)
			}
		})
	}
}

func TestResolveIdempotent(t *testing.T) {
	h := newHarness(t, 3, validKeys())
	entered := make(chan struct{})
	release := make(chan struct{})
	h.gen.fn = func(context.Context, string, int) (*provider.Patch, error) {
		close(entered)
		<-release
		return nil, nil
	}

	ctx := context.Background()
	var wg sync.WaitGroup
	results := make([]*attempt.Attempt, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], _ = h.o.Resolve(ctx, event(70))
	}()
	<-entered

	// Another process sees the active attempt and does nothing.
	other := h.orchestrator(t, 3)
	dup, err := other.Resolve(ctx, event(70))
	if err != nil {
		t.Fatalf("Resolve (other process): %v", err)
	}
	if dup.Status != attempt.StatusInProgress {
		t.Errorf("duplicate saw status %s, want in_progress", dup.Status)
	}

	// A caller in the same process shares the in-flight run.
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], _ = h.o.Resolve(ctx, event(70))
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if results[0] == nil || results[1] == nil {
		t.Fatalf("results = %v", results)
	}
	if results[0].ID != dup.ID || results[1].ID != dup.ID {
		t.Errorf("attempt ids = %s, %s, %s", results[0].ID, results[1].ID, dup.ID)
	}
	if results[1].Status != attempt.StatusSucceeded {
		t.Errorf("shared outcome = %s", results[1].Status)
	}
	if got := len(h.gen.Calls()); got != 1 {
		t.Errorf("provider calls = %d, want 1", got)
	}
	if h.pub.created != 1 {
		t.Errorf("pull requests created = %d, want 1", h.pub.created)
	}
}

func TestTerminalAttemptIsImmutable(t *testing.T) {
	h := newHarness(t, 3, validKeys())
	ctx := context.Background()

	first, err := h.o.Resolve(ctx, event(80))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, err := h.o.Tracker.Fail(ctx, first, "late failure"); !errors.Is(err, attempt.ErrInvalidTransition) {
		t.Errorf("Fail(succeeded) = %v, want ErrInvalidTransition", err)
	}

	second, err := h.o.Resolve(ctx, event(80))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if second.ID == first.ID {
		t.Fatal("later event reused a terminal attempt")
	}
	reloaded, err := h.o.Tracker.Get(ctx, first.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if reloaded.Version != first.Version || reloaded.Status != attempt.StatusSucceeded {
		t.Errorf("terminal attempt changed: %+v", reloaded)
	}
}

func TestResolveNotWatched(t *testing.T) {
	h := newHarness(t, 3, validKeys())
	ctx := context.Background()

	wrongUser := event(90)
	wrongUser.UserID = "someone-else"
	if _, err := h.o.Resolve(ctx, wrongUser); !errors.Is(err, ErrNotWatched) {
		t.Errorf("Resolve(wrong user) = %v, want ErrNotWatched", err)
	}

	unknown := event(90)
	unknown.RepositoryID = "missing"
	if _, err := h.o.Resolve(ctx, unknown); !errors.Is(err, ErrNotWatched) {
		t.Errorf("Resolve(unknown repo) = %v, want ErrNotWatched", err)
	}

	h.store.SetWatched(testRepo, false)
	if _, err := h.o.Resolve(ctx, event(90)); !errors.Is(err, ErrNotWatched) {
		t.Errorf("Resolve(unwatched) = %v, want ErrNotWatched", err)
	}

	if _, err := h.o.Resolve(ctx, Event{UserID: testUser, RepositoryID: testRepo}); err == nil {
		t.Error("Resolve(issue 0): expected error")
	}

	list, err := h.o.Tracker.List(ctx, testRepo, 0, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("attempts created = %d, want 0", len(list))
	}
}

func TestResolveUnwatchedMidFlight(t *testing.T) {
	h := newHarness(t, 3, validKeys())
	h.gen.fn = func(context.Context, string, int) (*provider.Patch, error) {
		h.store.SetWatched(testRepo, false)
		return nil, nil
	}

	a, err := h.o.Resolve(context.Background(), event(91))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	assertOutcome(t, a)
	if a.Status != attempt.StatusFailed || *a.ErrorMessage != "cancelled: repository is no longer watched" {
		t.Fatalf("attempt = %s %q", a.Status, *a.ErrorMessage)
	}
	if h.ws.applies != 0 || len(h.pub.requests) != 0 {
		t.Errorf("applies, publishes = %d, %d", h.ws.applies, len(h.pub.requests))
	}
}

func TestCancelRunning(t *testing.T) {
	h := newHarness(t, 3, validKeys())
	entered := make(chan struct{})
	h.gen.fn = func(ctx context.Context, name string, _ int) (*provider.Patch, error) {
		close(entered)
		<-ctx.Done()
		return nil, context.Cause(ctx)
	}

	ctx := context.Background()
	done := make(chan *attempt.Attempt)
	go func() {
		a, err := h.o.Resolve(ctx, event(100))
		if err != nil {
			t.Errorf("Resolve: %v", err)
		}
		done <- a
	}()
	<-entered

	active, err := h.o.Tracker.LoadActive(ctx, attempt.Key{RepositoryID: testRepo, IssueNumber: 100})
	if err != nil {
		t.Fatalf("LoadActive: %v", err)
	}
	if !h.o.Running(active.ID) {
		t.Error("Running() = false for in-flight attempt")
	}
	if err := h.o.Cancel(ctx, active.ID, "superseded by a newer event"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	a := <-done
	if a == nil {
		t.Fatal("Resolve returned no attempt")
	}
	assertOutcome(t, a)
	if *a.ErrorMessage != "cancelled: superseded by a newer event" {
		t.Errorf("error message = %q", *a.ErrorMessage)
	}
	if h.o.Running(a.ID) {
		t.Error("Running() = true after the run ended")
	}
}

func TestCancelQueued(t *testing.T) {
	h := newHarness(t, 3, validKeys())
	ctx := context.Background()

	a, _, err := h.o.Tracker.Create(ctx, attempt.NewAttempt{UserID: testUser, RepositoryID: testRepo, IssueNumber: 101})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := h.o.Cancel(ctx, a.ID, ""); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	got, err := h.o.Await(ctx, a.ID, time.Millisecond)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if got.Status != attempt.StatusFailed || *got.ErrorMessage != "cancelled: cancelled by request" {
		t.Errorf("attempt = %s %q", got.Status, *got.ErrorMessage)
	}
	// Cancelling a terminal attempt is a no-op.
	if err := h.o.Cancel(ctx, a.ID, "again"); err != nil {
		t.Errorf("Cancel(terminal) = %v", err)
	}
}

type failingCredentials struct{}

func (failingCredentials) ResolveKey(context.Context, string, []string, map[string]bool) (*credential.Key, error) {
	return nil, errors.New("database is unreachable")
}

func (failingCredentials) Invalidate(context.Context, *credential.Key) error {
	return nil
}

func TestUnexpectedErrorLeavesAttemptActive(t *testing.T) {
	h := newHarness(t, 3, validKeys())
	h.o.Credentials = failingCredentials{}

	a, err := h.o.Resolve(context.Background(), event(110))
	if err == nil {
		t.Fatal("Resolve: expected error")
	}
	if a == nil || a.Status != attempt.StatusInProgress || a.ErrorMessage != nil {
		t.Fatalf("attempt = %+v, want untouched in_progress", a)
	}
}

func TestSweep(t *testing.T) {
	ctx := context.Background()

	t.Run("queued attempt is resumed", func(t *testing.T) {
		h := newHarness(t, 3, validKeys())
		h.store.SetClock(func() time.Time { return time.Now().Add(-time.Minute) })
		a, _, err := h.o.Tracker.Create(ctx, attempt.NewAttempt{UserID: testUser, RepositoryID: testRepo, IssueNumber: 120})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		n, err := h.o.Sweep(ctx, time.Hour)
		if err != nil || n != 1 {
			t.Fatalf("Sweep() = %d, %v", n, err)
		}
		got, _ := h.o.Tracker.Get(ctx, a.ID)
		if got.Status != attempt.StatusSucceeded || got.RetryCount != 0 {
			t.Errorf("attempt = %s retry %d", got.Status, got.RetryCount)
		}
	})

	t.Run("stale in_progress attempt is re-queued", func(t *testing.T) {
		h := newHarness(t, 3, validKeys())
		h.store.SetClock(func() time.Time { return time.Now().Add(-time.Hour) })
		a, _, err := h.o.Tracker.Create(ctx, attempt.NewAttempt{UserID: testUser, RepositoryID: testRepo, IssueNumber: 121})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if _, err := h.o.Tracker.Start(ctx, a); err != nil {
			t.Fatalf("Start: %v", err)
		}
		h.store.SetClock(time.Now)

		// Fresh enough: left alone.
		if n, _ := h.o.Sweep(ctx, 2*time.Hour); n != 0 {
			t.Fatalf("Sweep(2h) acted on %d attempts", n)
		}
		if n, _ := h.o.Sweep(ctx, time.Minute); n != 1 {
			t.Fatalf("Sweep(1m) acted on %d attempts", n)
		}
		got, _ := h.o.Tracker.Get(ctx, a.ID)
		if got.Status != attempt.StatusSucceeded || got.RetryCount != 1 {
			t.Errorf("attempt = %s retry %d", got.Status, got.RetryCount)
		}
	})

	t.Run("stale attempt at the ceiling fails", func(t *testing.T) {
		h := newHarness(t, 0, validKeys())
		h.store.SetClock(func() time.Time { return time.Now().Add(-time.Hour) })
		a, _, _ := h.o.Tracker.Create(ctx, attempt.NewAttempt{UserID: testUser, RepositoryID: testRepo, IssueNumber: 122})
		if _, err := h.o.Tracker.Start(ctx, a); err != nil {
			t.Fatalf("Start: %v", err)
		}
		h.store.SetClock(time.Now)

		if n, _ := h.o.Sweep(ctx, time.Minute); n != 1 {
			t.Fatalf("Sweep acted on %d attempts", n)
		}
		got, _ := h.o.Tracker.Get(ctx, a.ID)
		assertOutcome(t, got)
		if !strings.HasPrefix(*got.ErrorMessage, "retries exhausted") {
			t.Errorf("error message = %q", *got.ErrorMessage)
		}
		if len(h.gen.Calls()) != 0 {
			t.Error("provider called for an exhausted attempt")
		}
	})

	t.Run("unwatched repository cancels queued attempt", func(t *testing.T) {
		h := newHarness(t, 3, validKeys())
		h.store.SetClock(func() time.Time { return time.Now().Add(-time.Minute) })
		a, _, _ := h.o.Tracker.Create(ctx, attempt.NewAttempt{UserID: testUser, RepositoryID: testRepo, IssueNumber: 123})
		h.store.SetWatched(testRepo, false)

		if n, _ := h.o.Sweep(ctx, time.Hour); n != 1 {
			t.Fatalf("Sweep acted on %d attempts", n)
		}
		got, _ := h.o.Tracker.Get(ctx, a.ID)
		if got.Status != attempt.StatusFailed || *got.ErrorMessage != "cancelled: repository is no longer watched" {
			t.Errorf("attempt = %s %v", got.Status, got.ErrorMessage)
		}
	})
}

func TestNewValidation(t *testing.T) {
	h := newHarness(t, 3, nil)
	deps := h.o.Deps

	if _, err := New(Deps{}); err == nil {
		t.Error("New(empty deps): expected error")
	}
	for name, opt := range map[string]Option{
		"empty order":      WithProviderOrder(),
		"negative backoff": WithRetryPolicy(retry.Policy{BaseBackoff: -1}),
		"zero timeouts":    WithStageTimeouts(0, time.Second),
		"empty identity":   WithIdentity(""),
		"zero sweepers":    WithSweepWorkers(0),
	} {
		if _, err := New(deps, opt); err == nil {
			t.Errorf("New(%s): expected error", name)
		}
	}

	o, err := New(deps, WithIdentity("fixbot"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := o.BranchName(&attempt.Attempt{ID: "0f8e2a7c-1d4b-4c1e-9b7a-2f6d5e4c3b2a", IssueNumber: 12}); got != "fixbot/issue-12-0f8e2a7c" {
		t.Errorf("BranchName() = %s", got)
	}
	if got := o.BranchName(&attempt.Attempt{ID: "a1", IssueNumber: 12}); got != "fixbot/issue-12-a1" {
		t.Errorf("BranchName(short id) = %s", got)
	}
}

func TestClass(t *testing.T) {
	for c, transient := range map[Class]bool{
		ClassCredentialUnavailable: false,
		ClassProviderTransient:     true,
		ClassProviderTerminal:      false,
		ClassApplyTransient:        true,
		ClassApplyTerminal:         false,
		ClassPublishTransient:      true,
		ClassPublishTerminal:       false,
		ClassRetryExhausted:        false,
		ClassCancelled:             false,
	} {
		if c.Transient() != transient {
			t.Errorf("%s.Transient() = %v", c, c.Transient())
		}
		if c.String() == "none" {
			t.Errorf("Class(%d) has no name", int(c))
		}
	}
}

// flakyStore fails or races selected transitions.
type flakyStore struct {
	*memstore.Store
	// before runs ahead of each transition; a non-nil error is returned
	// without writing.
	before func(id string, c attempt.Change) error
}

func (s *flakyStore) Transition(ctx context.Context, id string, c attempt.Change) (*attempt.Attempt, error) {
	if s.before != nil {
		if err := s.before(id, c); err != nil {
			return nil, err
		}
	}
	return s.Store.Transition(ctx, id, c)
}

func (h *harness) useStore(t *testing.T, st attempt.Store) {
	t.Helper()
	tracker, err := attempt.NewTracker(st, 3)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	h.o.Tracker = tracker
}

func TestStoreOutageLeavesAttemptInProgress(t *testing.T) {
	for name, to := range map[string]attempt.Status{
		"recording success": attempt.StatusSucceeded,
		"re-queueing":       attempt.StatusQueued,
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, 3, validKeys())
			h.pub.errs = []error{&publish.Failure{Kind: publish.KindTransientNetwork, Err: errors.New("502")}}
			if to == attempt.StatusSucceeded {
				h.pub.errs = nil
			}
			h.useStore(t, &flakyStore{Store: h.store, before: func(_ string, c attempt.Change) error {
				if c.To == to {
					return errors.New("database is unreachable")
				}
				return nil
			}})

			a, err := h.o.Resolve(context.Background(), event(300))
			if err == nil || !strings.Contains(err.Error(), "database is unreachable") {
				t.Fatalf("Resolve() error = %v, want the store error", err)
			}
			if a == nil || a.Status != attempt.StatusInProgress || a.ErrorMessage != nil {
				t.Fatalf("attempt = %+v, want untouched in_progress", a)
			}
			if h.o.Running(a.ID) {
				t.Error("Running() = true after the run ended")
			}
			got, _ := h.o.Tracker.Get(context.Background(), a.ID)
			if got.Status != attempt.StatusInProgress {
				t.Errorf("stored status = %s, want in_progress", got.Status)
			}
		})
	}
}

func TestLostRaceReturnsCurrentAttempt(t *testing.T) {
	h := newHarness(t, 3, validKeys())
	ctx := context.Background()
	// A sweeper elsewhere re-queues the attempt just before this run
	// records its success.
	h.useStore(t, &flakyStore{Store: h.store, before: func(id string, c attempt.Change) error {
		if c.To != attempt.StatusSucceeded {
			return nil
		}
		next := time.Now().Add(time.Hour)
		_, err := h.store.Transition(ctx, id, attempt.Change{
			From: attempt.StatusInProgress, To: attempt.StatusQueued, ExpectedVersion: c.ExpectedVersion,
			IncrementRetry: true, NextAttemptAt: &next,
		})
		return err
	}})

	a, err := h.o.Resolve(ctx, event(301))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if a.Status != attempt.StatusQueued || a.RetryCount != 1 {
		t.Errorf("attempt = %s retry %d, want the queued attempt written by the winner", a.Status, a.RetryCount)
	}
	if h.o.Running(a.ID) {
		t.Error("Running() = true after the run ended")
	}
}

func TestHeartbeatKeepsRunningAttemptFromSweep(t *testing.T) {
	h := newHarness(t, 3, validKeys())
	ctx := context.Background()

	// Stamp the start an hour back; stages after generation stamp the
	// real time.
	h.store.SetClock(func() time.Time { return time.Now().Add(-time.Hour) })
	h.gen.fn = func(context.Context, string, int) (*provider.Patch, error) {
		h.store.SetClock(time.Now)
		return nil, nil
	}
	h.pub.entered = make(chan struct{})
	h.pub.release = make(chan struct{})

	done := make(chan *attempt.Attempt)
	go func() {
		a, err := h.o.Resolve(ctx, event(302))
		if err != nil {
			t.Errorf("Resolve: %v", err)
		}
		done <- a
	}()
	<-h.pub.entered

	other := h.orchestrator(t, 3)
	if n, err := other.Sweep(ctx, 30*time.Minute); err != nil || n != 0 {
		t.Errorf("Sweep() = %d, %v, want the running attempt left alone", n, err)
	}
	close(h.pub.release)

	a := <-done
	if a.Status != attempt.StatusSucceeded || a.RetryCount != 0 {
		t.Errorf("attempt = %s retry %d, want succeeded without a retry", a.Status, a.RetryCount)
	}
	if calls := h.gen.Calls(); len(calls) != 1 {
		t.Errorf("provider calls = %v, want one", calls)
	}
}

func TestSweptAttemptKeepsIssueBody(t *testing.T) {
	h := newHarness(t, 3, validKeys())
	ctx := context.Background()
	h.store.SetClock(func() time.Time { return time.Now().Add(-time.Minute) })
	if _, _, err := h.o.Tracker.Create(ctx, attempt.NewAttempt{
		UserID: testUser, RepositoryID: testRepo, IssueNumber: 303,
		IssueTitle: "Greeting lacks punctuation", IssueBody: "The greeting should end with an exclamation mark.",
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if n, err := h.o.Sweep(ctx, time.Hour); err != nil || n != 1 {
		t.Fatalf("Sweep() = %d, %v", n, err)
	}
	h.gen.mu.Lock()
	defer h.gen.mu.Unlock()
	if len(h.gen.issues) != 1 || h.gen.issues[0].Body != "The greeting should end with an exclamation mark." {
		t.Errorf("issues sent to the provider = %+v", h.gen.issues)
	}
}

func TestLaterAttemptUsesItsOwnBranch(t *testing.T) {
	h := newHarness(t, 3, validKeys())
	ctx := context.Background()

	first, err := h.o.Resolve(ctx, event(304))
	if err != nil || first.Status != attempt.StatusSucceeded {
		t.Fatalf("Resolve = %v, %v", first, err)
	}
	second, err := h.o.Resolve(ctx, event(304))
	if err != nil || second.Status != attempt.StatusSucceeded {
		t.Fatalf("Resolve = %v, %v", second, err)
	}
	if first.ID == second.ID || first.Branch == second.Branch {
		t.Errorf("attempts %s and %s share branch %s", first.ID, second.ID, first.Branch)
	}
}

func TestResolveInvalidEvent(t *testing.T) {
	h := newHarness(t, 3, validKeys())
	for _, ev := range []Event{
		{RepositoryID: testRepo, IssueNumber: 1},
		{UserID: testUser, IssueNumber: 1},
		{UserID: testUser, RepositoryID: testRepo},
	} {
		if _, err := h.o.Resolve(context.Background(), ev); !errors.Is(err, ErrInvalidEvent) {
			t.Errorf("Resolve(%+v) = %v, want ErrInvalidEvent", ev, err)
		}
	}
}
