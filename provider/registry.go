/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chainguard-dev/clog"
	"golang.org/x/time/rate"
)

// Registry looks up adapters by provider name and bounds every call with a
// timeout and a client-side rate limit.
type Registry struct {
	adapters map[string]Adapter
	timeouts map[string]time.Duration
	limiters map[string]*rate.Limiter
	timeout  time.Duration
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry) error

// WithTimeout sets the default per-call timeout.
func WithTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) error {
		if d <= 0 {
			return fmt.Errorf("timeout must be positive, got %v", d)
		}
		r.timeout = d
		return nil
	}
}

// WithProviderTimeout overrides the timeout for one provider.
func WithProviderTimeout(name string, d time.Duration) RegistryOption {
	return func(r *Registry) error {
		if d <= 0 {
			return fmt.Errorf("timeout for %s must be positive, got %v", name, d)
		}
		r.timeouts[name] = d
		return nil
	}
}

// WithRateLimit limits calls to one provider to rps per second with the
// given burst.
func WithRateLimit(name string, rps float64, burst int) RegistryOption {
	return func(r *Registry) error {
		if rps <= 0 || burst <= 0 {
			return fmt.Errorf("rate limit for %s must be positive", name)
		}
		r.limiters[name] = rate.NewLimiter(rate.Limit(rps), burst)
		return nil
	}
}

// NewRegistry constructs a Registry over the given adapters.
func NewRegistry(adapters []Adapter, opts ...RegistryOption) (*Registry, error) {
	r := &Registry{
		adapters: make(map[string]Adapter, len(adapters)),
		timeouts: make(map[string]time.Duration),
		limiters: make(map[string]*rate.Limiter),
		timeout:  2 * time.Minute,
	}
	for _, a := range adapters {
		if a == nil {
			return nil, errors.New("adapter cannot be nil")
		}
		if _, dup := r.adapters[a.Name()]; dup {
			return nil, fmt.Errorf("duplicate adapter for %s", a.Name())
		}
		r.adapters[a.Name()] = a
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}
	return r, nil
}

// Names returns the registered provider names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	return names
}

// Has reports whether an adapter is registered for name.
func (r *Registry) Has(name string) bool {
	_, ok := r.adapters[name]
	return ok
}

// GeneratePatch dispatches to the named adapter. The call is bounded by the
// provider's timeout and waits on its rate limiter first; a limiter wait
// that cannot finish before the deadline is reported as rate_limited.
func (r *Registry) GeneratePatch(ctx context.Context, name, apiKey string, issue IssueContext, repo RepoContext) (*Patch, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for provider %q", name)
	}

	timeout := r.timeout
	if d, ok := r.timeouts[name]; ok {
		timeout = d
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if l, ok := r.limiters[name]; ok {
		if err := l.Wait(ctx); err != nil {
			if cerr := context.Cause(ctx); cerr != nil && !errors.Is(cerr, context.DeadlineExceeded) {
				return nil, cerr
			}
			return nil, NewFailure(name, KindRateLimited, fmt.Errorf("client-side rate limit: %w", err))
		}
	}

	start := time.Now()
	p, err := a.GeneratePatch(ctx, apiKey, issue, repo)
	log := clog.FromContext(ctx).With("provider", name).With("duration", time.Since(start))
	if err != nil {
		if f, ok := AsFailure(err); ok {
			log.With("kind", f.Kind.String()).Warnf("Provider call failed: %v", f.Err)
		}
		return nil, err
	}
	if p.Empty() {
		return nil, NewFailure(name, KindNoChangeProduced, errors.New("adapter returned an empty patch"))
	}
	p.Provider = name
	p.BaseSHA = repo.BaseSHA
	log.Info("Provider proposed a patch")
	return p, nil
}
