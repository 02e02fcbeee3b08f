/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package resolver turns an issue event on a watched repository into a
// pull request. It owns the attempt lifecycle: idempotent creation, the
// credential to provider to apply to publish pipeline, retries with
// backoff, and cancellation.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"chainguard.dev/issuefix/archive"
	"chainguard.dev/issuefix/attempt"
	"chainguard.dev/issuefix/credential"
	"chainguard.dev/issuefix/metrics"
	"chainguard.dev/issuefix/provider"
	"chainguard.dev/issuefix/publish"
	"chainguard.dev/issuefix/retry"
	"chainguard.dev/issuefix/watch"
	"github.com/chainguard-dev/clog"
	"golang.org/x/sync/singleflight"
)

// ErrNotWatched is returned by Resolve when the repository is unknown, not
// owned by the event's user, or no longer watched. No attempt is created.
var ErrNotWatched = errors.New("repository is not watched")

// ErrInvalidEvent is returned for events missing a required field.
var ErrInvalidEvent = errors.New("invalid issue event")

// Event is a newly filed issue on a watched repository.
type Event struct {
	UserID       string `json:"user_id"`
	RepositoryID string `json:"repository_id"`
	IssueNumber  int    `json:"issue_number"`
	IssueTitle   string `json:"issue_title"`
	IssueBody    string `json:"issue_body,omitempty"`
	// DeliveryID identifies the delivery of the event for logging only.
	DeliveryID string `json:"delivery_id,omitempty"`
}

// Validate checks the event's required fields.
func (e Event) Validate() error {
	switch {
	case e.UserID == "":
		return fmt.Errorf("%w: user id cannot be empty", ErrInvalidEvent)
	case e.RepositoryID == "":
		return fmt.Errorf("%w: repository id cannot be empty", ErrInvalidEvent)
	case e.IssueNumber <= 0:
		return fmt.Errorf("%w: issue number must be positive, got %d", ErrInvalidEvent, e.IssueNumber)
	}
	return nil
}

func (e Event) key() string {
	return issueKey(e.RepositoryID, e.IssueNumber)
}

func issueKey(repositoryID string, issueNumber int) string {
	return repositoryID + "#" + strconv.Itoa(issueNumber)
}

// Credentials resolves and invalidates provider keys.
type Credentials interface {
	ResolveKey(ctx context.Context, userID string, order []string, exclude map[string]bool) (*credential.Key, error)
	Invalidate(ctx context.Context, k *credential.Key) error
}

// Generator produces patches with a named provider.
type Generator interface {
	GeneratePatch(ctx context.Context, name, apiKey string, issue provider.IssueContext, repo provider.RepoContext) (*provider.Patch, error)
}

// Publisher opens pull requests.
type Publisher interface {
	Publish(ctx context.Context, req publish.Request) (*publish.PullRequest, error)
}

// Deps are the collaborators of an Orchestrator. Archive is optional.
type Deps struct {
	Tracker      *attempt.Tracker
	Repositories watch.Store
	Credentials  Credentials
	Generator    Generator
	Workspace    Workspace
	Publisher    Publisher
	Archive      archive.Archive
}

// Orchestrator runs resolution attempts.
type Orchestrator struct {
	Deps

	order          []string
	policy         retry.Policy
	applyTimeout   time.Duration
	publishTimeout time.Duration
	identity       string
	sweepWorkers   int

	group   singleflight.Group
	mu      sync.Mutex
	running map[string]context.CancelCauseFunc
}

// Option configures an Orchestrator.
type Option func(*Orchestrator) error

// WithProviderOrder sets the provider preference order.
func WithProviderOrder(order ...string) Option {
	return func(o *Orchestrator) error {
		if len(order) == 0 {
			return errors.New("provider order cannot be empty")
		}
		o.order = order
		return nil
	}
}

// WithRetryPolicy sets the backoff between re-queues. The retry ceiling
// itself is owned by the tracker.
func WithRetryPolicy(p retry.Policy) Option {
	return func(o *Orchestrator) error {
		if err := p.Validate(); err != nil {
			return err
		}
		o.policy = p
		return nil
	}
}

// WithStageTimeouts bounds the apply and publish stages. Provider calls are
// bounded by the generator.
func WithStageTimeouts(apply, publish time.Duration) Option {
	return func(o *Orchestrator) error {
		if apply <= 0 || publish <= 0 {
			return errors.New("stage timeouts must be positive")
		}
		o.applyTimeout, o.publishTimeout = apply, publish
		return nil
	}
}

// WithIdentity sets the prefix of head branch names.
func WithIdentity(identity string) Option {
	return func(o *Orchestrator) error {
		if identity == "" {
			return errors.New("identity cannot be empty")
		}
		o.identity = identity
		return nil
	}
}

// WithSweepWorkers bounds how many attempts a sweep resumes at once.
func WithSweepWorkers(n int) Option {
	return func(o *Orchestrator) error {
		if n <= 0 {
			return errors.New("sweep workers must be positive")
		}
		o.sweepWorkers = n
		return nil
	}
}

// New constructs an Orchestrator.
func New(deps Deps, opts ...Option) (*Orchestrator, error) {
	switch {
	case deps.Tracker == nil:
		return nil, errors.New("tracker cannot be nil")
	case deps.Repositories == nil:
		return nil, errors.New("repositories cannot be nil")
	case deps.Credentials == nil:
		return nil, errors.New("credentials cannot be nil")
	case deps.Generator == nil:
		return nil, errors.New("generator cannot be nil")
	case deps.Workspace == nil:
		return nil, errors.New("workspace cannot be nil")
	case deps.Publisher == nil:
		return nil, errors.New("publisher cannot be nil")
	}
	if deps.Archive == nil {
		deps.Archive = archive.Discard{}
	}

	o := &Orchestrator{
		Deps:           deps,
		order:          []string{provider.Anthropic, provider.OpenAI, provider.Gemini},
		policy:         retry.Default(),
		applyTimeout:   5 * time.Minute,
		publishTimeout: 2 * time.Minute,
		identity:       "issuefix",
		sweepWorkers:   4,
		running:        make(map[string]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}
	return o, nil
}

// Resolve handles an issue event. When the issue already has an active
// attempt the call is a no-op returning that attempt, except that callers in
// this process racing on the same issue share one run and its outcome.
//
// The returned attempt is terminal unless the run was aborted by an
// unexpected error, in which case the error is returned as well and the
// attempt is left for Sweep.
func (o *Orchestrator) Resolve(ctx context.Context, ev Event) (*attempt.Attempt, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	ctx = clog.WithLogger(ctx, clog.FromContext(ctx).
		With("repository_id", ev.RepositoryID).
		With("issue", ev.IssueNumber).
		With("delivery_id", ev.DeliveryID))

	v, err, shared := o.group.Do(ev.key(), func() (any, error) {
		return o.resolve(ctx, ev)
	})
	if shared {
		clog.FromContext(ctx).Info("Joined in-flight resolution")
	}
	a, _ := v.(*attempt.Attempt)
	return a, err
}

func (o *Orchestrator) resolve(ctx context.Context, ev Event) (*attempt.Attempt, error) {
	log := clog.FromContext(ctx)

	repo, err := o.Repositories.GetRepository(ctx, ev.RepositoryID)
	switch {
	case errors.Is(err, watch.ErrNotFound):
		metrics.RecordEvent("not_watched")
		return nil, fmt.Errorf("%w: %s", ErrNotWatched, ev.RepositoryID)
	case err != nil:
		return nil, fmt.Errorf("loading repository: %w", err)
	case !repo.Watched || repo.UserID != ev.UserID:
		metrics.RecordEvent("not_watched")
		return nil, fmt.Errorf("%w: %s", ErrNotWatched, repo.FullName())
	}

	a, created, err := o.Tracker.Create(ctx, attempt.NewAttempt{
		UserID:       ev.UserID,
		RepositoryID: ev.RepositoryID,
		IssueNumber:  ev.IssueNumber,
		IssueTitle:   ev.IssueTitle,
		IssueBody:    ev.IssueBody,
	})
	if err != nil {
		return nil, err
	}
	if !created {
		metrics.RecordEvent("duplicate")
		log.With("attempt_id", a.ID).With("status", a.Status.String()).
			Info("Issue already has an active attempt, nothing to do")
		return a, nil
	}
	metrics.RecordEvent("accepted")
	return o.run(ctx, a, repo)
}

// run drives the attempt from queued to a terminal status, re-queueing
// transient failures with backoff. Store failures abort the run and return
// the last attempt read with the error.
func (o *Orchestrator) run(ctx context.Context, a *attempt.Attempt, repo *watch.Repository) (*attempt.Attempt, error) {
	id := a.ID
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	o.mu.Lock()
	o.running[id] = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.running, id)
		o.mu.Unlock()
	}()

	// Tracker writes must land after a cancellation too.
	persist := context.WithoutCancel(ctx)

	for {
		runCtx := clog.WithLogger(runCtx, clog.FromContext(runCtx).
			With("attempt_id", id).
			With("repo", repo.FullName()).
			With("retry_count", a.RetryCount))
		log := clog.FromContext(runCtx)

		if err := interrupted(runCtx); err != nil {
			return o.finish(persist, a, err)
		}
		started, err := o.Tracker.Start(persist, a)
		if errors.Is(err, attempt.ErrConflict) {
			return o.claimedElsewhere(persist, a)
		}
		if err != nil {
			return a, err
		}
		a = started
		log.Info("Running resolution attempt")

		latest, out, err := o.runOnce(runCtx, a, repo)
		a = latest
		if errors.Is(err, attempt.ErrConflict) {
			return o.claimedElsewhere(persist, a)
		}
		if err == nil {
			done, err := o.Tracker.Succeed(persist, a, out.pr.Number, out.pr.URL, out.provider, out.branch)
			if errors.Is(err, attempt.ErrConflict) {
				return o.claimedElsewhere(persist, a)
			}
			if err != nil {
				log.With("error", err).With("pr_url", out.pr.URL).
					Error("Failed to record success, leaving the attempt for the sweeper")
				return a, err
			}
			metrics.RecordOutcome(done.Status.String(), "")
			log.With("pr_url", out.pr.URL).With("existing", out.pr.Existing).Info("Attempt succeeded")
			return done, nil
		}

		var se *stageError
		if !errors.As(err, &se) || !se.class.Transient() {
			return o.finish(persist, a, err)
		}

		if a.RetryCount >= o.Tracker.MaxRetries() {
			return o.finish(persist, a, failure(ClassRetryExhausted, se,
				"retries exhausted after %d retries: %s", a.RetryCount, se.message))
		}

		wait := o.policy.Backoff(a.RetryCount)
		log.With("class", se.class.String()).With("backoff", wait).Warnf("Transient failure, re-queueing: %s", se.message)
		requeued, err := o.Tracker.Requeue(persist, a, time.Now().Add(wait))
		if errors.Is(err, attempt.ErrConflict) {
			return o.claimedElsewhere(persist, a)
		}
		if err != nil {
			log.With("error", err).Error("Failed to re-queue, leaving the attempt for the sweeper")
			return a, err
		}
		a = requeued
		metrics.RecordRetry(se.class.String())

		if err := retry.Sleep(runCtx, wait); err != nil {
			// A parent shutdown leaves the attempt queued for Sweep.
			return o.finish(persist, a, interrupted(runCtx))
		}
	}
}

// claimedElsewhere returns the current state of an attempt after one of
// this run's writes lost to another worker.
func (o *Orchestrator) claimedElsewhere(ctx context.Context, a *attempt.Attempt) (*attempt.Attempt, error) {
	current, err := o.Tracker.Get(ctx, a.ID)
	if err != nil {
		return a, err
	}
	clog.FromContext(ctx).With("attempt_id", a.ID).With("status", current.Status.String()).
		Info("Attempt was claimed elsewhere")
	return current, nil
}

// finish records a terminal failure for expected failures and returns
// unexpected errors without touching the attempt.
func (o *Orchestrator) finish(ctx context.Context, a *attempt.Attempt, err error) (*attempt.Attempt, error) {
	var se *stageError
	if !errors.As(err, &se) {
		clog.FromContext(ctx).With("attempt_id", a.ID).With("error", err).
			Error("Attempt aborted by an unexpected error, leaving it for the sweeper")
		return a, err
	}
	failed, ferr := o.Tracker.Fail(ctx, a, se.message)
	if ferr != nil {
		return a, ferr
	}
	metrics.RecordOutcome(failed.Status.String(), se.class.String())
	clog.FromContext(ctx).With("attempt_id", a.ID).With("class", se.class.String()).
		Errorf("Attempt failed: %s", se.message)
	return failed, nil
}

// Running reports whether the attempt is being run by this process.
func (o *Orchestrator) Running(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.running[id]
	return ok
}
