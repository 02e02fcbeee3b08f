/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package credential

import (
	"context"
	"errors"
	"fmt"

	"github.com/chainguard-dev/clog"
)

// Key is a decrypted provider credential. It remembers the sealed value it
// was opened from so invalidation can be conditioned on it.
type Key struct {
	UserID    string
	Provider  string
	Plaintext string

	sealed Sealed
}

// String redacts the key material.
func (k *Key) String() string {
	return fmt.Sprintf("credential(%s/%s)", k.UserID, k.Provider)
}

// Accessor resolves usable provider keys for a user.
type Accessor struct {
	store     Store
	decrypter Decrypter
}

// NewAccessor constructs an Accessor.
func NewAccessor(store Store, decrypter Decrypter) (*Accessor, error) {
	if store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if decrypter == nil {
		return nil, errors.New("decrypter cannot be nil")
	}
	return &Accessor{store: store, decrypter: decrypter}, nil
}

// ResolveKey walks the preference order and returns the first provider whose
// stored credential is flagged valid and decrypts cleanly. Providers present
// in exclude are skipped. Decryption failures are treated as an invalid key
// for that provider and never surface to the caller. Store errors other than
// a missing record are returned as-is.
func (a *Accessor) ResolveKey(ctx context.Context, userID string, order []string, exclude map[string]bool) (*Key, error) {
	log := clog.FromContext(ctx)

	for _, provider := range order {
		if exclude[provider] {
			continue
		}

		rec, err := a.store.GetCredential(ctx, userID, provider)
		switch {
		case errors.Is(err, ErrNotFound):
			log.With("provider", provider).Debug("No credential stored for provider")
			continue
		case err != nil:
			return nil, fmt.Errorf("loading %s credential: %w", provider, err)
		case !rec.Valid:
			log.With("provider", provider).Debug("Stored credential is flagged invalid")
			continue
		}

		plaintext, err := a.decrypter.Decrypt(rec.Sealed)
		if err != nil {
			log.With("provider", provider).With("error", err).Warn("Skipping credential that failed to decrypt")
			continue
		}

		return &Key{
			UserID:    userID,
			Provider:  provider,
			Plaintext: string(plaintext),
			sealed:    rec.Sealed,
		}, nil
	}

	return nil, ErrNoCredentialAvailable
}

// Invalidate flags the key as invalid after the provider rejected it. The
// write is idempotent and is skipped when the user has since replaced the key.
func (a *Accessor) Invalidate(ctx context.Context, k *Key) error {
	if k == nil {
		return errors.New("key cannot be nil")
	}
	changed, err := a.store.InvalidateCredential(ctx, k.UserID, k.Provider, k.sealed)
	if err != nil {
		return fmt.Errorf("invalidating %s credential: %w", k.Provider, err)
	}
	clog.FromContext(ctx).With("provider", k.Provider).With("changed", changed).
		Info("Marked provider credential invalid after rejection")
	return nil
}
