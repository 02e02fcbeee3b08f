/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/chainguard-dev/clog"

	"chainguard.dev/issuefix/archive"
	"chainguard.dev/issuefix/attempt"
	"chainguard.dev/issuefix/checkout"
	"chainguard.dev/issuefix/config"
	"chainguard.dev/issuefix/credential"
	"chainguard.dev/issuefix/credential/aesgcm"
	"chainguard.dev/issuefix/credential/kmskey"
	"chainguard.dev/issuefix/githubauth"
	"chainguard.dev/issuefix/patch"
	"chainguard.dev/issuefix/provider"
	"chainguard.dev/issuefix/provider/claudeprovider"
	"chainguard.dev/issuefix/provider/geminiprovider"
	"chainguard.dev/issuefix/provider/openaiprovider"
	"chainguard.dev/issuefix/publish"
	"chainguard.dev/issuefix/resolver"
	"chainguard.dev/issuefix/store/sqlstore"
)

// openStore opens the configured database. Callers must Close it.
func openStore(ctx context.Context, cfg *config.Config) (*sqlstore.Store, error) {
	st, err := sqlstore.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	clog.FromContext(ctx).With("driver", cfg.DatabaseDriver).Debug("Opened database")
	return st, nil
}

// newCipher loads the credential key, unwrapping it with KMS when
// configured.
func newCipher(ctx context.Context, cfg *config.Config) (*aesgcm.Cipher, error) {
	var (
		key []byte
		err error
	)
	switch {
	case cfg.CredentialKeyKMSName != "":
		key, err = kmskey.Unwrap(ctx, cfg.CredentialKeyKMSName, cfg.CredentialKeyCiphertext)
	case cfg.CredentialKey != "":
		key, err = aesgcm.ParseKey(cfg.CredentialKey)
	default:
		return nil, errors.New("CREDENTIAL_KEY or CREDENTIAL_KEY_KMS_NAME must be set")
	}
	if err != nil {
		return nil, fmt.Errorf("loading credential key: %w", err)
	}
	return aesgcm.New(key)
}

func newGitHubAuth(cfg *config.Config) (*githubauth.Auth, error) {
	var opts []githubauth.Option
	if cfg.GitHubAPIURL != "" {
		opts = append(opts, githubauth.WithBaseURL(cfg.GitHubAPIURL))
	}
	switch {
	case cfg.GitHubToken != "":
		return githubauth.NewStatic(cfg.GitHubToken, opts...)
	case cfg.GitHubAppID != 0:
		if cfg.GitHubAppPrivateKey == "" {
			return nil, errors.New("GITHUB_APP_PRIVATE_KEY must be set with GITHUB_APP_ID")
		}
		return githubauth.NewApp(cfg.GitHubAppID, cfg.GitHubInstallationID, []byte(cfg.GitHubAppPrivateKey), opts...)
	default:
		return nil, errors.New("GITHUB_TOKEN or GITHUB_APP_ID must be set")
	}
}

// newAdapter builds the adapter for one provider from its settings.
func newAdapter(name string, s config.Provider) (provider.Adapter, error) {
	switch name {
	case provider.Anthropic:
		var opts []claudeprovider.Option
		if s.Model != "" {
			opts = append(opts, claudeprovider.WithModel(s.Model))
		}
		if s.BaseURL != "" {
			opts = append(opts, claudeprovider.WithBaseURL(s.BaseURL))
		}
		return claudeprovider.New(opts...)
	case provider.OpenAI:
		var opts []openaiprovider.Option
		if s.Model != "" {
			opts = append(opts, openaiprovider.WithModel(s.Model))
		}
		if s.BaseURL != "" {
			opts = append(opts, openaiprovider.WithBaseURL(s.BaseURL))
		}
		return openaiprovider.New(opts...)
	case provider.Gemini:
		var opts []geminiprovider.Option
		if s.Model != "" {
			opts = append(opts, geminiprovider.WithModel(s.Model))
		}
		if s.BaseURL != "" {
			opts = append(opts, geminiprovider.WithBaseURL(s.BaseURL))
		}
		return geminiprovider.New(opts...)
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}

// newRegistry builds adapters for every provider in the preference order.
func newRegistry(cfg *config.Config) (*provider.Registry, error) {
	adapters := make([]provider.Adapter, 0, len(cfg.ProviderOrder))
	opts := []provider.RegistryOption{provider.WithTimeout(cfg.ProviderTimeout)}
	for _, name := range cfg.ProviderOrder {
		s := cfg.ProviderSettings(name)
		a, err := newAdapter(name, s)
		if err != nil {
			return nil, fmt.Errorf("creating %s adapter: %w", name, err)
		}
		adapters = append(adapters, a)
		if s.Timeout > 0 {
			opts = append(opts, provider.WithProviderTimeout(name, s.Timeout))
		}
		if s.RateLimit > 0 {
			opts = append(opts, provider.WithRateLimit(name, s.RateLimit, s.RateBurst))
		}
	}
	return provider.NewRegistry(adapters, opts...)
}

func newArchive(ctx context.Context, cfg *config.Config) (archive.Archive, func(), error) {
	if cfg.PatchArchiveBucket == "" {
		return archive.Discard{}, func() {}, nil
	}
	g, err := archive.NewGCS(ctx, cfg.PatchArchiveBucket, nil, archive.WithPrefix(cfg.PatchArchivePrefix))
	if err != nil {
		return nil, nil, err
	}
	return g, func() {
		if err := g.Close(); err != nil {
			clog.FromContext(ctx).With("error", err).Warn("Failed to close archive client")
		}
	}, nil
}

// newOrchestrator wires every collaborator of the resolver on top of st.
// The returned cleanup releases pooled clones and the archive client.
func newOrchestrator(ctx context.Context, cfg *config.Config, st *sqlstore.Store) (*resolver.Orchestrator, func(), error) {
	tracker, err := attempt.NewTracker(st, cfg.MaxRetries)
	if err != nil {
		return nil, nil, err
	}
	cipher, err := newCipher(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	creds, err := credential.NewAccessor(st, cipher)
	if err != nil {
		return nil, nil, err
	}
	registry, err := newRegistry(cfg)
	if err != nil {
		return nil, nil, err
	}
	auth, err := newGitHubAuth(cfg)
	if err != nil {
		return nil, nil, err
	}

	checkouts := checkout.NewMeta(auth.TokenSource, cfg.Identity,
		checkout.WithRemoteURL(func(t checkout.Target) string { return cfg.RemoteURL(t.Owner, t.Repo) }))
	applier, err := patch.New()
	if err != nil {
		return nil, nil, err
	}
	workspace, err := resolver.NewGitWorkspace(checkouts, applier, patch.DefaultContextOptions())
	if err != nil {
		return nil, nil, err
	}
	publisher, err := publish.New(auth.Client, publish.WithDraft(cfg.DraftPullRequests))
	if err != nil {
		return nil, nil, err
	}
	arch, closeArchive, err := newArchive(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	o, err := resolver.New(resolver.Deps{
		Tracker:      tracker,
		Repositories: st,
		Credentials:  creds,
		Generator:    registry,
		Workspace:    workspace,
		Publisher:    publisher,
		Archive:      arch,
	},
		resolver.WithProviderOrder(cfg.ProviderOrder...),
		resolver.WithRetryPolicy(cfg.RetryPolicy()),
		resolver.WithStageTimeouts(cfg.ApplyTimeout, cfg.PublishTimeout),
		resolver.WithIdentity(cfg.Identity),
		resolver.WithSweepWorkers(cfg.Workers),
	)
	if err != nil {
		closeArchive()
		return nil, nil, err
	}
	return o, func() {
		checkouts.Close()
		closeArchive()
	}, nil
}
