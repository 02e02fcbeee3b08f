/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package aesgcm seals provider credentials with AES-256-GCM, storing the
// nonce and authentication tag alongside the ciphertext.
package aesgcm

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"chainguard.dev/issuefix/credential"
)

const (
	keySize = 32
	tagSize = 16
)

// Cipher implements credential.Cipher.
type Cipher struct {
	aead cipher.AEAD
}

var _ credential.Cipher = (*Cipher)(nil)

// New constructs a Cipher from a 32-byte key.
func New(key []byte) (*Cipher, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", keySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithTagSize(block, tagSize)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// ParseKey decodes a key given as base64 or hex.
func ParseKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("key cannot be empty")
	}
	if b, err := hex.DecodeString(s); err == nil && len(b) == keySize {
		return b, nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("key is neither hex nor base64: %w", err)
	}
	if len(b) != keySize {
		return nil, fmt.Errorf("key must decode to %d bytes, got %d", keySize, len(b))
	}
	return b, nil
}

// Encrypt seals plaintext under a fresh random nonce.
func (c *Cipher) Encrypt(plaintext []byte) (credential.Sealed, error) {
	iv := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return credential.Sealed{}, fmt.Errorf("generating nonce: %w", err)
	}
	out := c.aead.Seal(nil, iv, plaintext, nil)
	split := len(out) - tagSize
	return credential.Sealed{
		Ciphertext: out[:split],
		IV:         iv,
		AuthTag:    out[split:],
	}, nil
}

// Decrypt opens a sealed credential. Any malformed input or tag mismatch is
// reported as credential.ErrDecrypt.
func (c *Cipher) Decrypt(s credential.Sealed) ([]byte, error) {
	if len(s.IV) != c.aead.NonceSize() {
		return nil, fmt.Errorf("%w: nonce is %d bytes", credential.ErrDecrypt, len(s.IV))
	}
	if len(s.AuthTag) != tagSize {
		return nil, fmt.Errorf("%w: auth tag is %d bytes", credential.ErrDecrypt, len(s.AuthTag))
	}
	sealed := make([]byte, 0, len(s.Ciphertext)+len(s.AuthTag))
	sealed = append(sealed, s.Ciphertext...)
	sealed = append(sealed, s.AuthTag...)

	plaintext, err := c.aead.Open(nil, s.IV, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", credential.ErrDecrypt, err)
	}
	return plaintext, nil
}
