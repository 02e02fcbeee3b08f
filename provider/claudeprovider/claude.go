/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package claudeprovider generates patches with the Anthropic Messages API.
package claudeprovider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"chainguard.dev/issuefix/metrics"
	"chainguard.dev/issuefix/provider"
	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/chainguard-dev/clog"
)

// Adapter implements provider.Adapter for Claude.
type Adapter struct {
	model       string
	maxTokens   int64
	temperature float64
	baseURL     string
	genai       *metrics.GenAI
}

var _ provider.Adapter = (*Adapter)(nil)

// Option configures the Adapter.
type Option func(*Adapter) error

// WithModel overrides the model name.
func WithModel(model string) Option {
	return func(a *Adapter) error {
		if !strings.HasPrefix(model, "claude-") {
			return fmt.Errorf("model %q does not appear to be a Claude model (expected claude-* format)", model)
		}
		a.model = model
		return nil
	}
}

// WithMaxTokens sets the response token limit.
func WithMaxTokens(tokens int64) Option {
	return func(a *Adapter) error {
		if tokens <= 0 {
			return fmt.Errorf("max tokens must be positive, got %d", tokens)
		}
		a.maxTokens = tokens
		return nil
	}
}

// WithBaseURL points the client at a different API endpoint.
func WithBaseURL(u string) Option {
	return func(a *Adapter) error {
		a.baseURL = u
		return nil
	}
}

// New constructs the Claude adapter.
func New(opts ...Option) (*Adapter, error) {
	a := &Adapter{
		model:       "claude-sonnet-4-5",
		maxTokens:   16000,
		temperature: 0.1,
		genai:       metrics.NewGenAI(metrics.MeterName),
	}
	for _, opt := range opts {
		if err := opt(a); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}
	return a, nil
}

// Name implements provider.Adapter.
func (a *Adapter) Name() string {
	return provider.Anthropic
}

// GeneratePatch implements provider.Adapter.
func (a *Adapter) GeneratePatch(ctx context.Context, apiKey string, issue provider.IssueContext, repo provider.RepoContext) (*provider.Patch, error) {
	prompt, err := provider.RenderPrompt(issue, repo)
	if err != nil {
		return nil, err
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if a.baseURL != "" {
		opts = append(opts, option.WithBaseURL(a.baseURL))
	}
	client := anthropic.NewClient(opts...)

	clog.FromContext(ctx).With("model", a.model).With("prompt_length", len(prompt)).
		Info("Requesting patch from Claude")

	msg, err := client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(a.model),
		MaxTokens:   a.maxTokens,
		Temperature: anthropic.Float(a.temperature),
		System:      []anthropic.TextBlockParam{{Text: provider.SystemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return nil, provider.Classify(ctx, provider.Anthropic, err, statusOf(err))
	}

	a.genai.RecordTokens(ctx, provider.Anthropic, a.model, msg.Usage.InputTokens, msg.Usage.OutputTokens)

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, provider.NewFailure(provider.Anthropic, provider.KindMalformedResponse,
			fmt.Errorf("no text content (stop reason %q)", msg.StopReason))
	}

	p, err := provider.ParseResponse(provider.Anthropic, text.String())
	if err != nil {
		return nil, err
	}
	p.Model = a.model
	return p, nil
}

func statusOf(err error) int {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
