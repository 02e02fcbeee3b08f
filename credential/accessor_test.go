/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package credential_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"chainguard.dev/issuefix/credential"
	"chainguard.dev/issuefix/credential/aesgcm"
	"chainguard.dev/issuefix/store/memstore"
)

func newCipher(t *testing.T) *aesgcm.Cipher {
	t.Helper()
	c, err := aesgcm.New([]byte(strings.Repeat("k", 32)))
	if err != nil {
		t.Fatalf("aesgcm.New() = %v", err)
	}
	return c
}

func put(t *testing.T, s *memstore.Store, c credential.Cipher, provider, key string) credential.Sealed {
	t.Helper()
	sealed, err := c.Encrypt([]byte(key))
	if err != nil {
		t.Fatalf("Encrypt() = %v", err)
	}
	if err := s.PutCredential(context.Background(), credential.Record{UserID: "u1", Provider: provider, Sealed: sealed}); err != nil {
		t.Fatalf("PutCredential() = %v", err)
	}
	return sealed
}

func TestResolveKeyOrder(t *testing.T) {
	ctx := context.Background()
	s, c := memstore.New(), newCipher(t)
	put(t, s, c, "anthropic", "sk-ant-first")
	put(t, s, c, "openai", "sk-second")

	a, err := credential.NewAccessor(s, c)
	if err != nil {
		t.Fatal(err)
	}

	k, err := a.ResolveKey(ctx, "u1", []string{"anthropic", "openai"}, nil)
	if err != nil {
		t.Fatalf("ResolveKey() = %v", err)
	}
	if k.Provider != "anthropic" || k.Plaintext != "sk-ant-first" {
		t.Errorf("ResolveKey() = %s %q, want anthropic", k.Provider, k.Plaintext)
	}

	k, err = a.ResolveKey(ctx, "u1", []string{"anthropic", "openai"}, map[string]bool{"anthropic": true})
	if err != nil {
		t.Fatalf("ResolveKey(exclude) = %v", err)
	}
	if k.Provider != "openai" {
		t.Errorf("ResolveKey(exclude) = %s, want openai", k.Provider)
	}
}

func TestResolveKeySkipsInvalidAndCorrupt(t *testing.T) {
	ctx := context.Background()
	s, c := memstore.New(), newCipher(t)

	sealed := put(t, s, c, "anthropic", "sk-ant-first")
	if ok, err := s.InvalidateCredential(ctx, "u1", "anthropic", sealed); err != nil || !ok {
		t.Fatalf("InvalidateCredential() = %v, %v", ok, err)
	}

	corrupt := credential.Sealed{Ciphertext: []byte("garbage"), IV: make([]byte, 12), AuthTag: make([]byte, 16)}
	if err := s.PutCredential(ctx, credential.Record{UserID: "u1", Provider: "openai", Sealed: corrupt}); err != nil {
		t.Fatal(err)
	}
	put(t, s, c, "gemini", "AIza-third")

	a, err := credential.NewAccessor(s, c)
	if err != nil {
		t.Fatal(err)
	}
	k, err := a.ResolveKey(ctx, "u1", []string{"anthropic", "openai", "gemini"}, nil)
	if err != nil {
		t.Fatalf("ResolveKey() = %v", err)
	}
	if k.Provider != "gemini" {
		t.Errorf("ResolveKey() = %s, want gemini", k.Provider)
	}

	// The corrupt credential is skipped without being persisted as invalid.
	r, err := s.GetCredential(ctx, "u1", "openai")
	if err != nil {
		t.Fatal(err)
	}
	if !r.Valid {
		t.Error("corrupt credential was flagged invalid")
	}
}

func TestResolveKeyNoneAvailable(t *testing.T) {
	s, c := memstore.New(), newCipher(t)
	a, err := credential.NewAccessor(s, c)
	if err != nil {
		t.Fatal(err)
	}
	_, err = a.ResolveKey(context.Background(), "u1", []string{"anthropic", "openai"}, nil)
	if !errors.Is(err, credential.ErrNoCredentialAvailable) {
		t.Errorf("ResolveKey() = %v, want ErrNoCredentialAvailable", err)
	}
	if got, want := credential.ErrNoCredentialAvailable.Error(), "no valid API key configured"; got != want {
		t.Errorf("message = %q, want %q", got, want)
	}
}

type failingStore struct {
	credential.Store
}

func (failingStore) GetCredential(context.Context, string, string) (*credential.Record, error) {
	return nil, errors.New("connection refused")
}

func TestResolveKeyStoreError(t *testing.T) {
	a, err := credential.NewAccessor(failingStore{}, newCipher(t))
	if err != nil {
		t.Fatal(err)
	}
	_, err = a.ResolveKey(context.Background(), "u1", []string{"anthropic"}, nil)
	if err == nil || errors.Is(err, credential.ErrNoCredentialAvailable) {
		t.Errorf("ResolveKey() = %v, want the store error", err)
	}
}

func TestInvalidateSkipsReplacedKey(t *testing.T) {
	ctx := context.Background()
	s, c := memstore.New(), newCipher(t)
	put(t, s, c, "anthropic", "sk-ant-old")

	a, err := credential.NewAccessor(s, c)
	if err != nil {
		t.Fatal(err)
	}
	k, err := a.ResolveKey(ctx, "u1", []string{"anthropic"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	// The user saves a new key while the old one is in flight.
	put(t, s, c, "anthropic", "sk-ant-new")

	if err := a.Invalidate(ctx, k); err != nil {
		t.Fatalf("Invalidate() = %v", err)
	}
	r, err := s.GetCredential(ctx, "u1", "anthropic")
	if err != nil {
		t.Fatal(err)
	}
	if !r.Valid {
		t.Error("replacement key was invalidated")
	}

	// Invalidating the current key twice is a no-op the second time.
	k, err = a.ResolveKey(ctx, "u1", []string{"anthropic"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	for range 2 {
		if err := a.Invalidate(ctx, k); err != nil {
			t.Fatalf("Invalidate() = %v", err)
		}
	}
	if _, err := a.ResolveKey(ctx, "u1", []string{"anthropic"}, nil); !errors.Is(err, credential.ErrNoCredentialAvailable) {
		t.Errorf("ResolveKey() after invalidation = %v, want ErrNoCredentialAvailable", err)
	}
}

func TestKeyStringRedacts(t *testing.T) {
	k := &credential.Key{UserID: "u1", Provider: "anthropic", Plaintext: "sk-ant-secret"}
	if strings.Contains(k.String(), "secret") {
		t.Errorf("String() = %q leaks key material", k.String())
	}
}

func TestValidateFormat(t *testing.T) {
	tests := []struct {
		key, provider string
		want          bool
	}{
		{"sk-ant-REDACTED", "anthropic", true},
		{"sk-abcdefghijklmnopqrstuv", "anthropic", false},
		{"sk-abcdefghijklmnopqrstuv", "openai", true},
		{"sk-short", "openai", false},
		{"AIza" + strings.Repeat("x", 35), "gemini", true},
		{"AIzaShort", "gemini", false},
		{"anything", "custom", true},
		{"has space", "custom", false},
		{"", "openai", false},
	}
	for _, tt := range tests {
		if got := credential.ValidateFormat(tt.key, tt.provider); got != tt.want {
			t.Errorf("ValidateFormat(%q, %q) = %v, want %v", tt.key, tt.provider, got, tt.want)
		}
	}
}
