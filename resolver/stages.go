/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chainguard.dev/issuefix/archive"
	"chainguard.dev/issuefix/attempt"
	"chainguard.dev/issuefix/credential"
	"chainguard.dev/issuefix/metrics"
	"chainguard.dev/issuefix/patch"
	"chainguard.dev/issuefix/provider"
	"chainguard.dev/issuefix/publish"
	"chainguard.dev/issuefix/watch"
	"github.com/chainguard-dev/clog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("chainguard.dev/issuefix/resolver", oteltrace.WithInstrumentationVersion("1.0.0"))

const notWatchedReason = "repository is no longer watched"

type outcome struct {
	pr       *publish.PullRequest
	provider string
	branch   string
}

// BranchName is the head branch of an attempt. Retries of one attempt
// reuse it; a later attempt on the same issue gets its own.
func (o *Orchestrator) BranchName(a *attempt.Attempt) string {
	id := a.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("%s/issue-%d-%s", o.identity, a.IssueNumber, id)
}

// runOnce makes one pass through the pipeline and returns the attempt as
// last written. Expected failures are returned as *stageError.
func (o *Orchestrator) runOnce(ctx context.Context, a *attempt.Attempt, repo *watch.Repository) (*attempt.Attempt, *outcome, error) {
	issue := provider.IssueContext{
		Repository: repo.FullName(),
		Number:     a.IssueNumber,
		Title:      a.IssueTitle,
		Body:       a.IssueBody,
		URL:        fmt.Sprintf("https://github.com/%s/issues/%d", repo.FullName(), a.IssueNumber),
	}

	// Every stage boundary refreshes updated_at so sweepers in other
	// processes do not take the run for abandoned.
	heartbeat := func(ctx context.Context) error {
		beat, err := o.Tracker.Heartbeat(context.WithoutCancel(ctx), a)
		if err != nil {
			return err
		}
		a = beat
		return nil
	}

	var p *provider.Patch
	err := o.stage(ctx, metrics.StageGenerate, a, func(ctx context.Context) (err error) {
		p, err = o.generate(ctx, a, repo, issue, heartbeat)
		return err
	})
	if err != nil {
		return a, nil, err
	}

	if loc, err := o.Archive.Put(ctx, archive.NewRecord(a, repo.FullName(), p, time.Now())); err != nil {
		clog.FromContext(ctx).With("error", err).Warn("Failed to archive proposed patch")
	} else if loc != "" {
		clog.FromContext(ctx).With("archive", loc).Debug("Archived proposed patch")
	}

	branch := o.BranchName(a)
	var applied *Applied
	err = o.stage(ctx, metrics.StageApply, a, func(ctx context.Context) error {
		if err := o.checkWatched(ctx, repo.ID); err != nil {
			return err
		}
		if err := heartbeat(ctx); err != nil {
			return err
		}
		sctx, cancel := context.WithTimeout(ctx, o.applyTimeout)
		defer cancel()

		var err error
		applied, err = o.Workspace.Apply(sctx, repo, p, branch)
		if err == nil {
			return nil
		}
		if ierr := interrupted(ctx); ierr != nil {
			return ierr
		}
		if f, ok := patch.AsFailure(err); ok {
			if f.Transient() {
				return failure(ClassApplyTransient, err, "patch no longer applies: %v", err)
			}
			return failure(ClassApplyTerminal, err, "patch could not be applied: %v", err)
		}
		// Clone and fetch failures are remote hiccups.
		return failure(ClassApplyTransient, err, "preparing checkout: %v", err)
	})
	if err != nil {
		return a, nil, err
	}
	defer applied.Release(ctx)

	var pr *publish.PullRequest
	err = o.stage(ctx, metrics.StagePublish, a, func(ctx context.Context) error {
		if err := o.checkWatched(ctx, repo.ID); err != nil {
			return err
		}
		if err := heartbeat(ctx); err != nil {
			return err
		}
		sctx, cancel := context.WithTimeout(ctx, o.publishTimeout)
		defer cancel()

		var err error
		pr, err = o.Publisher.Publish(sctx, publish.Request{
			Owner:       repo.Owner,
			Repo:        repo.Name,
			Head:        applied.Branch,
			Base:        repo.DefaultBranch,
			Branch:      applied,
			IssueNumber: a.IssueNumber,
			IssueTitle:  a.IssueTitle,
			AttemptID:   a.ID,
			Summary:     p.Summary,
			Explanation: p.Explanation,
			Provider:    p.Provider,
			Model:       p.Model,
			Confidence:  p.Confidence,
		})
		if err == nil {
			return nil
		}
		if ierr := interrupted(ctx); ierr != nil {
			return ierr
		}
		if f, ok := publish.AsFailure(err); ok && f.Transient() {
			return failure(ClassPublishTransient, err, "publishing pull request: %v", err)
		}
		return failure(ClassPublishTerminal, err, "pull request was not opened: %v", err)
	})
	if err != nil {
		return a, nil, err
	}
	return a, &outcome{pr: pr, provider: p.Provider, branch: applied.Branch}, nil
}

// generate resolves a credential and asks its provider for a patch, falling
// back through the preference order when a provider rejects its key.
// heartbeat runs before each provider is tried.
func (o *Orchestrator) generate(ctx context.Context, a *attempt.Attempt, repo *watch.Repository, issue provider.IssueContext, heartbeat func(context.Context) error) (*provider.Patch, error) {
	log := clog.FromContext(ctx)
	exclude := make(map[string]bool, len(o.order))
	var rc *provider.RepoContext

	for {
		if err := o.checkWatched(ctx, repo.ID); err != nil {
			return nil, err
		}
		if err := heartbeat(ctx); err != nil {
			return nil, err
		}

		start := time.Now()
		key, err := o.Credentials.ResolveKey(ctx, a.UserID, o.order, exclude)
		metrics.ObserveStage(metrics.StageCredential, start, err)
		switch {
		case errors.Is(err, credential.ErrNoCredentialAvailable):
			return nil, failure(ClassCredentialUnavailable, err, "%v", err)
		case err != nil:
			return nil, fmt.Errorf("resolving credential: %w", err)
		}

		if rc == nil {
			sctx, cancel := context.WithTimeout(ctx, o.applyTimeout)
			snapshot, err := o.Workspace.Snapshot(sctx, repo, issue)
			cancel()
			if err != nil {
				if ierr := interrupted(ctx); ierr != nil {
					return nil, ierr
				}
				return nil, failure(ClassApplyTransient, err, "preparing repository context: %v", err)
			}
			rc = &snapshot
		}

		p, err := o.Generator.GeneratePatch(ctx, key.Provider, key.Plaintext, issue, *rc)
		if err == nil {
			return p, nil
		}
		if ierr := interrupted(ctx); ierr != nil {
			return nil, ierr
		}

		f, ok := provider.AsFailure(err)
		if !ok {
			return nil, failure(ClassProviderTerminal, err, "patch generation failed: %v", err)
		}
		metrics.RecordProviderFailure(key.Provider, f.Kind.String())

		switch {
		case f.Kind == provider.KindUnauthorized:
			if err := o.Credentials.Invalidate(context.WithoutCancel(ctx), key); err != nil {
				return nil, err
			}
			metrics.RecordCredentialInvalidation(key.Provider)
			log.With("provider", key.Provider).Warn("Provider rejected the key, falling back")
			exclude[key.Provider] = true
		case f.Transient():
			return nil, failure(ClassProviderTransient, err, "provider unavailable: %v", err)
		default:
			return nil, failure(ClassProviderTerminal, err, "patch generation failed: %v", err)
		}
	}
}

// checkWatched re-reads the repository and cancels the run when it was
// un-watched.
func (o *Orchestrator) checkWatched(ctx context.Context, id string) error {
	repo, err := o.Repositories.GetRepository(ctx, id)
	if err != nil && !errors.Is(err, watch.ErrNotFound) {
		if ierr := interrupted(ctx); ierr != nil {
			return ierr
		}
		return fmt.Errorf("reloading repository: %w", err)
	}
	if err != nil || !repo.Watched {
		c := &cancellation{reason: notWatchedReason}
		return failure(ClassCancelled, c, "%s", c.Error())
	}
	return interrupted(ctx)
}

// stage wraps fn in a span and records its duration.
func (o *Orchestrator) stage(ctx context.Context, name string, a *attempt.Attempt, fn func(context.Context) error) error {
	ctx, span := tracer.Start(ctx, "issuefix."+name, oteltrace.WithAttributes(
		attribute.String("attempt_id", a.ID),
		attribute.Int("issue", a.IssueNumber),
		attribute.Int("retry_count", a.RetryCount),
	))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	metrics.ObserveStage(name, start, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
