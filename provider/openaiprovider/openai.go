/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package openaiprovider generates patches with the OpenAI Chat Completions
// API.
package openaiprovider

import (
	"context"
	"errors"
	"fmt"

	"chainguard.dev/issuefix/metrics"
	"chainguard.dev/issuefix/provider"
	"github.com/chainguard-dev/clog"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// Adapter implements provider.Adapter for OpenAI.
type Adapter struct {
	model     string
	maxTokens int64
	baseURL   string
	genai     *metrics.GenAI
}

var _ provider.Adapter = (*Adapter)(nil)

// Option configures the Adapter.
type Option func(*Adapter) error

// WithModel overrides the model name.
func WithModel(model string) Option {
	return func(a *Adapter) error {
		if model == "" {
			return errors.New("model cannot be empty")
		}
		a.model = model
		return nil
	}
}

// WithMaxTokens sets the completion token limit.
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

// New constructs the OpenAI adapter.
func New(opts ...Option) (*Adapter, error) {
	a := &Adapter{
		model:     "gpt-4.1",
		maxTokens: 16000,
		genai:     metrics.NewGenAI(metrics.MeterName),
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
	return provider.OpenAI
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
	client := openai.NewClient(opts...)

	clog.FromContext(ctx).With("model", a.model).With("prompt_length", len(prompt)).
		Info("Requesting patch from OpenAI")

	resp, err := client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:               shared.ChatModel(a.model),
		MaxCompletionTokens: openai.Int(a.maxTokens),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(provider.SystemPrompt),
			openai.UserMessage(prompt),
		},
	})
	if err != nil {
		return nil, provider.Classify(ctx, provider.OpenAI, err, statusOf(err))
	}

	a.genai.RecordTokens(ctx, provider.OpenAI, a.model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, provider.NewFailure(provider.OpenAI, provider.KindMalformedResponse, errors.New("no content in response"))
	}

	p, err := provider.ParseResponse(provider.OpenAI, resp.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}
	p.Model = a.model
	return p, nil
}

func statusOf(err error) int {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
