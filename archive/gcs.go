/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"chainguard.dev/issuefix/retry"
	"cloud.google.com/go/storage"
	"github.com/chainguard-dev/clog"
	"google.golang.org/api/option"
)

// GCS archives records as JSON objects in a Cloud Storage bucket.
type GCS struct {
	client *storage.Client
	bucket string
	prefix string
	policy retry.Policy
}

// GCSOption configures a GCS archive.
type GCSOption func(*GCS) error

// WithPrefix prepends prefix to every object name.
func WithPrefix(prefix string) GCSOption {
	return func(g *GCS) error {
		g.prefix = prefix
		return nil
	}
}

// WithRetryPolicy sets the policy for retrying failed uploads.
func WithRetryPolicy(p retry.Policy) GCSOption {
	return func(g *GCS) error {
		if err := p.Validate(); err != nil {
			return err
		}
		g.policy = p
		return nil
	}
}

// NewGCS creates a GCS archive. Client options are passed to
// storage.NewClient; by default Application Default Credentials are used.
func NewGCS(ctx context.Context, bucket string, clientOpts []option.ClientOption, opts ...GCSOption) (*GCS, error) {
	if bucket == "" {
		return nil, errors.New("bucket cannot be empty")
	}
	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating storage client: %w", err)
	}
	g := &GCS{
		client: client,
		bucket: bucket,
		policy: retry.Policy{MaxRetries: 2, BaseBackoff: retry.Default().BaseBackoff, MaxBackoff: retry.Default().MaxBackoff},
	}
	for _, opt := range opts {
		if err := opt(g); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}
	return g, nil
}

// Put uploads the record and returns its gs:// URL. Retries are driven by
// the archive's policy rather than the storage client's.
func (g *GCS) Put(ctx context.Context, r Record) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding record: %w", err)
	}
	name := g.prefix + r.ObjectName()
	obj := g.client.Bucket(g.bucket).Object(name).Retryer(storage.WithPolicy(storage.RetryNever))

	_, err = retry.Do(ctx, g.policy, "archive upload", storage.ShouldRetry, func() (struct{}, error) {
		w := obj.NewWriter(ctx)
		w.ContentType = "application/json"
		w.ChunkSize = 0
		if _, err := w.Write(data); err != nil {
			_ = w.Close()
			return struct{}{}, err
		}
		return struct{}{}, w.Close()
	})
	if err != nil {
		return "", fmt.Errorf("uploading %s: %w", name, err)
	}

	url := fmt.Sprintf("gs://%s/%s", g.bucket, name)
	clog.FromContext(ctx).With("object", url).Info("Archived proposed patch")
	return url, nil
}

// Close closes the storage client.
func (g *GCS) Close() error {
	return g.client.Close()
}
