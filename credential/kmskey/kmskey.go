/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package kmskey unwraps the credential encryption key with Cloud KMS so the
// raw key never sits in the service environment.
package kmskey

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	kms "cloud.google.com/go/kms/apiv1"
	"cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/chainguard-dev/clog"
	"github.com/googleapis/gax-go/v2"
)

// decrypter is the subset of the KMS client used here.
type decrypter interface {
	Decrypt(ctx context.Context, req *kmspb.DecryptRequest, opts ...gax.CallOption) (*kmspb.DecryptResponse, error)
}

// Unwrap decrypts the base64 wrapped key with the named KMS crypto key.
func Unwrap(ctx context.Context, keyName, wrapped string) ([]byte, error) {
	client, err := kms.NewKeyManagementClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating KMS client: %w", err)
	}
	defer client.Close()
	return unwrap(ctx, client, keyName, wrapped)
}

func unwrap(ctx context.Context, client decrypter, keyName, wrapped string) ([]byte, error) {
	if keyName == "" {
		return nil, errors.New("KMS key name cannot be empty")
	}
	ciphertext, err := base64.StdEncoding.DecodeString(wrapped)
	if err != nil {
		return nil, fmt.Errorf("decoding wrapped key: %w", err)
	}

	resp, err := client.Decrypt(ctx, &kmspb.DecryptRequest{
		Name:       keyName,
		Ciphertext: ciphertext,
	})
	if err != nil {
		return nil, fmt.Errorf("unwrapping key with %s: %w", keyName, err)
	}

	clog.FromContext(ctx).With("kms_key", keyName).Info("Unwrapped credential encryption key")
	return resp.GetPlaintext(), nil
}
