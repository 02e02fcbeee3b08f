/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package credential

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned by Store.Get when the user has no stored key
	// for the provider.
	ErrNotFound = errors.New("credential not found")

	// ErrNoCredentialAvailable is returned by Accessor.ResolveKey when no
	// provider in the preference order yields a usable key.
	ErrNoCredentialAvailable = errors.New("no valid API key configured")

	// ErrDecrypt is wrapped by Cipher implementations for corrupt
	// ciphertext or authentication tag mismatch.
	ErrDecrypt = errors.New("credential decryption failed")
)

// Sealed is the at-rest form of a credential.
type Sealed struct {
	Ciphertext []byte
	IV         []byte
	AuthTag    []byte
}

// Equal reports whether two sealed values are byte-identical.
func (s Sealed) Equal(o Sealed) bool {
	return string(s.Ciphertext) == string(o.Ciphertext) &&
		string(s.IV) == string(o.IV) &&
		string(s.AuthTag) == string(o.AuthTag)
}

// Record is a stored provider credential for one user.
type Record struct {
	UserID    string
	Provider  string
	Sealed    Sealed
	Valid     bool
	UpdatedAt time.Time
}

// Store persists provider credentials. Resolution only reads records and
// flips the valid flag; key material is written by the settings surface
// (and the credentials CLI).
type Store interface {
	GetCredential(ctx context.Context, userID, provider string) (*Record, error)
	PutCredential(ctx context.Context, r Record) error
	// InvalidateCredential sets is_valid=false only when the stored sealed
	// value still equals the given one, so a key replaced concurrently is
	// left untouched. It reports whether a row changed.
	InvalidateCredential(ctx context.Context, userID, provider string, sealed Sealed) (bool, error)
}

// Decrypter opens sealed credentials.
type Decrypter interface {
	Decrypt(Sealed) ([]byte, error)
}

// Cipher seals and opens credentials.
type Cipher interface {
	Decrypter
	Encrypt(plaintext []byte) (Sealed, error)
}

// keyFormats holds the known plaintext prefixes per provider.
var keyFormats = map[string]struct {
	prefix string
	minLen int
}{
	"anthropic": {prefix: "sk-ant-", minLen: 20},
	"openai":    {prefix: "sk-", minLen: 20},
	"gemini":    {prefix: "AIza", minLen: 39},
}

// ValidateFormat reports whether plaintext looks like an API key for the
// provider. Unknown providers only require a non-empty key without
// whitespace.
func ValidateFormat(plaintext, provider string) bool {
	if plaintext == "" || strings.ContainsAny(plaintext, " \t\r\n") {
		return false
	}
	f, ok := keyFormats[provider]
	if !ok {
		return true
	}
	return strings.HasPrefix(plaintext, f.prefix) && len(plaintext) >= f.minLen
}
