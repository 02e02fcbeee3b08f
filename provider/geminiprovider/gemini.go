/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package geminiprovider generates patches with the Gemini API.
package geminiprovider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"chainguard.dev/issuefix/metrics"
	"chainguard.dev/issuefix/provider"
	"github.com/chainguard-dev/clog"
	"google.golang.org/genai"
)

// Adapter implements provider.Adapter for Gemini.
type Adapter struct {
	model           string
	maxOutputTokens int32
	temperature     float32
	baseURL         string
	genai           *metrics.GenAI
}

var _ provider.Adapter = (*Adapter)(nil)

// Option configures the Adapter.
type Option func(*Adapter) error

// WithModel overrides the model name.
func WithModel(model string) Option {
	return func(a *Adapter) error {
		if !strings.HasPrefix(model, "gemini-") {
			return fmt.Errorf("model %q does not appear to be a Gemini model (expected gemini-* format)", model)
		}
		a.model = model
		return nil
	}
}

// WithMaxOutputTokens sets the response token limit.
func WithMaxOutputTokens(tokens int32) Option {
	return func(a *Adapter) error {
		if tokens <= 0 {
			return fmt.Errorf("max output tokens must be positive, got %d", tokens)
		}
		a.maxOutputTokens = tokens
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

// New constructs the Gemini adapter.
func New(opts ...Option) (*Adapter, error) {
	a := &Adapter{
		model:           "gemini-2.5-pro",
		maxOutputTokens: 16000,
		temperature:     0.1,
		genai:           metrics.NewGenAI(metrics.MeterName),
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
	return provider.Gemini
}

// GeneratePatch implements provider.Adapter.
func (a *Adapter) GeneratePatch(ctx context.Context, apiKey string, issue provider.IssueContext, repo provider.RepoContext) (*provider.Patch, error) {
	prompt, err := provider.RenderPrompt(issue, repo)
	if err != nil {
		return nil, err
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: a.baseURL},
	})
	if err != nil {
		return nil, fmt.Errorf("creating Gemini client: %w", err)
	}

	clog.FromContext(ctx).With("model", a.model).With("prompt_length", len(prompt)).
		Info("Requesting patch from Gemini")

	resp, err := client.Models.GenerateContent(ctx, a.model, genai.Text(prompt), &genai.GenerateContentConfig{
		Temperature:      &a.temperature,
		MaxOutputTokens:  a.maxOutputTokens,
		ResponseMIMEType: "application/json",
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{Text: provider.SystemPrompt}},
		},
	})
	if err != nil {
		return nil, provider.Classify(ctx, provider.Gemini, err, statusOf(err))
	}

	if resp.UsageMetadata != nil {
		a.genai.RecordTokens(ctx, provider.Gemini, a.model,
			int64(resp.UsageMetadata.PromptTokenCount), int64(resp.UsageMetadata.CandidatesTokenCount))
	}

	text := resp.Text()
	if text == "" {
		return nil, provider.NewFailure(provider.Gemini, provider.KindMalformedResponse, errors.New("no content generated"))
	}

	p, err := provider.ParseResponse(provider.Gemini, text)
	if err != nil {
		return nil, err
	}
	p.Model = a.model
	return p, nil
}

// statusOf extracts the HTTP status from a Gemini error, falling back to
// matching the status text the API embeds in messages.
func statusOf(err error) int {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "API_KEY_INVALID"), strings.Contains(msg, "PERMISSION_DENIED"), strings.Contains(msg, "UNAUTHENTICATED"):
		return 401
	case strings.Contains(msg, "RESOURCE_EXHAUSTED"), strings.Contains(msg, "Resource exhausted"), strings.Contains(msg, "quota exceeded"):
		return 429
	case strings.Contains(msg, "UNAVAILABLE"), strings.Contains(msg, "Overloaded"), strings.Contains(msg, "Internal error"):
		return 503
	}
	return 0
}
