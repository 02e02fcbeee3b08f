/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package aesgcm

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"chainguard.dev/issuefix/credential"
)

func TestSealOpen(t *testing.T) {
	c, err := New([]byte(strings.Repeat("a", keySize)))
	if err != nil {
		t.Fatalf("New() = %v", err)
	}

	sealed, err := c.Encrypt([]byte("sk-ant-secret"))
	if err != nil {
		t.Fatalf("Encrypt() = %v", err)
	}
	if len(sealed.IV) != 12 || len(sealed.AuthTag) != tagSize {
		t.Errorf("sealed sizes: iv %d tag %d", len(sealed.IV), len(sealed.AuthTag))
	}

	got, err := c.Decrypt(sealed)
	if err != nil {
		t.Fatalf("Decrypt() = %v", err)
	}
	if string(got) != "sk-ant-secret" {
		t.Errorf("Decrypt() = %q", got)
	}

	again, err := c.Encrypt([]byte("sk-ant-secret"))
	if err != nil {
		t.Fatal(err)
	}
	if again.Equal(sealed) {
		t.Error("two seals of the same plaintext are identical")
	}
}

func TestDecryptFailures(t *testing.T) {
	c, err := New([]byte(strings.Repeat("a", keySize)))
	if err != nil {
		t.Fatal(err)
	}
	sealed, err := c.Encrypt([]byte("sk-ant-secret"))
	if err != nil {
		t.Fatal(err)
	}

	tampered := sealed
	tampered.AuthTag = append([]byte(nil), sealed.AuthTag...)
	tampered.AuthTag[0] ^= 0xff

	other, err := New([]byte(strings.Repeat("b", keySize)))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		c    *Cipher
		s    credential.Sealed
	}{
		{"tampered tag", c, tampered},
		{"short iv", c, credential.Sealed{Ciphertext: sealed.Ciphertext, IV: []byte("x"), AuthTag: sealed.AuthTag}},
		{"short tag", c, credential.Sealed{Ciphertext: sealed.Ciphertext, IV: sealed.IV, AuthTag: []byte("x")}},
		{"wrong key", other, sealed},
	}
	for _, tt := range tests {
		if _, err := tt.c.Decrypt(tt.s); !errors.Is(err, credential.ErrDecrypt) {
			t.Errorf("%s: Decrypt() = %v, want ErrDecrypt", tt.name, err)
		}
	}
}

func TestParseKey(t *testing.T) {
	raw := []byte(strings.Repeat("z", keySize))
	for _, s := range []string{hex.EncodeToString(raw), base64.StdEncoding.EncodeToString(raw)} {
		got, err := ParseKey(s)
		if err != nil {
			t.Fatalf("ParseKey(%q) = %v", s, err)
		}
		if string(got) != string(raw) {
			t.Errorf("ParseKey(%q) = %x", s, got)
		}
	}
	for _, s := range []string{"", "not-a-key", base64.StdEncoding.EncodeToString([]byte("short"))} {
		if _, err := ParseKey(s); err == nil {
			t.Errorf("ParseKey(%q) succeeded, want error", s)
		}
	}
	if _, err := New([]byte("short")); err == nil {
		t.Error("New(short) succeeded, want error")
	}
}
