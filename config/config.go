/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package config loads the issuefix process configuration from the
// environment.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"

	"chainguard.dev/issuefix/provider"
	"chainguard.dev/issuefix/retry"
	"chainguard.dev/issuefix/store/sqlstore"
)

// Provider configures one LLM backend.
type Provider struct {
	Model   string        `env:"MODEL"`
	BaseURL string        `env:"BASE_URL"`
	Timeout time.Duration `env:"TIMEOUT"`
	// RateLimit is requests per second; 0 disables limiting.
	RateLimit float64 `env:"RATE_LIMIT"`
	RateBurst int     `env:"RATE_BURST,default=1"`
}

// Config is the full process configuration.
type Config struct {
	DatabaseDriver string `env:"DATABASE_DRIVER,default=sqlite3"`
	DatabaseURL    string `env:"DATABASE_URL,default=file:issuefix.db?_foreign_keys=on"`

	// CredentialKey is a base64 AES-256 key. Alternatively the key is
	// unwrapped with Cloud KMS at startup.
	CredentialKey           string `env:"CREDENTIAL_KEY"`
	CredentialKeyKMSName    string `env:"CREDENTIAL_KEY_KMS_NAME"`
	CredentialKeyCiphertext string `env:"CREDENTIAL_KEY_CIPHERTEXT"`

	ProviderOrder   []string      `env:"PROVIDER_ORDER,default=anthropic,openai,gemini"`
	ProviderTimeout time.Duration `env:"PROVIDER_TIMEOUT,default=2m"`
	Anthropic       Provider      `env:",prefix=ANTHROPIC_"`
	OpenAI          Provider      `env:",prefix=OPENAI_"`
	Gemini          Provider      `env:",prefix=GEMINI_"`

	MaxRetries     int           `env:"MAX_RETRIES,default=3"`
	BaseBackoff    time.Duration `env:"BASE_BACKOFF,default=2s"`
	MaxBackoff     time.Duration `env:"MAX_BACKOFF,default=60s"`
	MaxJitter      time.Duration `env:"MAX_JITTER,default=500ms"`
	ApplyTimeout   time.Duration `env:"APPLY_TIMEOUT,default=5m"`
	PublishTimeout time.Duration `env:"PUBLISH_TIMEOUT,default=2m"`

	GitHubToken          string `env:"GITHUB_TOKEN"`
	GitHubAppID          int64  `env:"GITHUB_APP_ID"`
	GitHubInstallationID int64  `env:"GITHUB_INSTALLATION_ID"`
	GitHubAppPrivateKey  string `env:"GITHUB_APP_PRIVATE_KEY"`
	GitHubAPIURL         string `env:"GITHUB_API_URL"`
	// GitHubGitURL is the git host for clones, e.g. https://ghe.example.com.
	GitHubGitURL      string `env:"GITHUB_GIT_URL,default=https://github.com"`
	Identity          string `env:"IDENTITY,default=issuefix"`
	DraftPullRequests bool   `env:"DRAFT_PULL_REQUESTS,default=false"`

	RedisAddr     string        `env:"REDIS_ADDR"`
	RedisQueue    string        `env:"REDIS_QUEUE,default=issuefix:events"`
	Workers       int           `env:"WORKERS,default=4"`
	Port          int           `env:"PORT,default=8080"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL,default=1m"`
	StaleAfter    time.Duration `env:"STALE_AFTER,default=15m"`

	PatchArchiveBucket string `env:"PATCH_ARCHIVE_BUCKET"`
	PatchArchivePrefix string `env:"PATCH_ARCHIVE_PREFIX,default=patches"`
}

// Load reads any of the given dotenv files that exist, then processes the
// environment. Variables already set in the environment win over dotenv
// values.
func Load(ctx context.Context, envFiles ...string) (*Config, error) {
	for _, f := range envFiles {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return nil, fmt.Errorf("loading %s: %w", f, err)
		}
	}
	return process(ctx, envconfig.OsLookuper())
}

func process(ctx context.Context, l envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: l,
	}); err != nil {
		return nil, fmt.Errorf("processing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for internal consistency. Settings
// that only some commands need (credential key, GitHub auth) are checked
// when those commands build their dependencies.
func (c *Config) Validate() error {
	if _, err := sqlstore.ParseDialect(c.DatabaseDriver); err != nil {
		return err
	}
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL cannot be empty")
	}
	if c.CredentialKey != "" && c.CredentialKeyKMSName != "" {
		return errors.New("CREDENTIAL_KEY and CREDENTIAL_KEY_KMS_NAME are mutually exclusive")
	}
	if (c.CredentialKeyKMSName == "") != (c.CredentialKeyCiphertext == "") {
		return errors.New("CREDENTIAL_KEY_KMS_NAME and CREDENTIAL_KEY_CIPHERTEXT must be set together")
	}
	if len(c.ProviderOrder) == 0 {
		return errors.New("PROVIDER_ORDER cannot be empty")
	}
	seen := make(map[string]bool, len(c.ProviderOrder))
	for _, name := range c.ProviderOrder {
		if !slices.Contains([]string{provider.Anthropic, provider.OpenAI, provider.Gemini}, name) {
			return fmt.Errorf("PROVIDER_ORDER: unknown provider %q", name)
		}
		if seen[name] {
			return fmt.Errorf("PROVIDER_ORDER: %q listed twice", name)
		}
		seen[name] = true
	}
	if err := c.RetryPolicy().Validate(); err != nil {
		return fmt.Errorf("retry policy: %w", err)
	}
	if c.ApplyTimeout <= 0 || c.PublishTimeout <= 0 || c.ProviderTimeout <= 0 {
		return errors.New("stage timeouts must be positive")
	}
	if c.GitHubToken != "" && c.GitHubAppID != 0 {
		return errors.New("GITHUB_TOKEN and GITHUB_APP_ID are mutually exclusive")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("WORKERS must be positive, got %d", c.Workers)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT out of range: %d", c.Port)
	}
	if c.SweepInterval <= 0 || c.StaleAfter <= 0 {
		return errors.New("SWEEP_INTERVAL and STALE_AFTER must be positive")
	}
	// Running attempts heartbeat between stages, so only the longest
	// stage has to fit.
	if longest := c.LongestStage(); c.StaleAfter <= longest {
		return fmt.Errorf("STALE_AFTER (%s) must exceed the longest stage (%s)", c.StaleAfter, longest)
	}
	return nil
}

// LongestStage bounds the time between two heartbeats of a running
// attempt: the repository snapshot plus one provider call, applying the
// patch, or publishing it.
func (c *Config) LongestStage() time.Duration {
	var slowest time.Duration
	for _, name := range c.ProviderOrder {
		t := c.ProviderSettings(name).Timeout
		if t <= 0 {
			t = c.ProviderTimeout
		}
		slowest = max(slowest, t)
	}
	return max(c.ApplyTimeout+slowest, c.PublishTimeout)
}

// RetryPolicy returns the configured backoff policy.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxRetries:  c.MaxRetries,
		BaseBackoff: c.BaseBackoff,
		MaxBackoff:  c.MaxBackoff,
		MaxJitter:   c.MaxJitter,
	}
}

// ProviderSettings returns the settings for the named provider.
func (c *Config) ProviderSettings(name string) Provider {
	switch name {
	case provider.Anthropic:
		return c.Anthropic
	case provider.OpenAI:
		return c.OpenAI
	case provider.Gemini:
		return c.Gemini
	}
	return Provider{}
}

// HasGitHubAuth reports whether either GitHub auth mode is configured.
func (c *Config) HasGitHubAuth() bool {
	return c.GitHubToken != "" || c.GitHubAppID != 0
}

// HasCredentialKey reports whether a credential key source is configured.
func (c *Config) HasCredentialKey() bool {
	return c.CredentialKey != "" || c.CredentialKeyKMSName != ""
}

// RemoteURL returns the clone URL of owner/repo.
func (c *Config) RemoteURL(owner, repo string) string {
	return strings.TrimSuffix(c.GitHubGitURL, "/") + "/" + owner + "/" + repo + ".git"
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}
