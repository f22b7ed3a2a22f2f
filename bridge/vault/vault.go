// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package vault seals stored Zulip credentials with keys derived per
// subscription endpoint from one master secret.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/zeebo/errs"
	"golang.org/x/crypto/hkdf"
)

// Error is the error class for the vault package.
var Error = errs.Class("vault")

const masterKeyLength = 32

// keyInfo labels the HKDF derivation so the master key cannot double as key
// material for anything else.
const keyInfo = "credential-key"

// Config holds the vault master secret.
type Config struct {
	MasterKey string `help:"base64url 32-byte master key that seals stored Zulip credentials" default:""`
}

// Vault derives a distinct AES-256 key per subscription endpoint, so a
// sealed blob copied onto another record fails to open. It is stateless
// given its master secret.
type Vault struct {
	master []byte
}

// New builds a vault from the configured base64url master key.
func New(config Config) (*Vault, error) {
	master, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(config.MasterKey, "="))
	if err != nil {
		return nil, Error.Wrap(fmt.Errorf("malformed master key: %w", err))
	}
	if len(master) != masterKeyLength {
		return nil, Error.New("master key must be %d bytes, got %d", masterKeyLength, len(master))
	}
	return &Vault{master: master}, nil
}

// GenerateMasterKey returns a fresh base64url master key for setup.
func GenerateMasterKey() (string, error) {
	key := make([]byte, masterKeyLength)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", Error.Wrap(err)
	}
	return base64.RawURLEncoding.EncodeToString(key), nil
}

// Encrypt seals plaintext for the given endpoint. The blob layout is
// nonce || ciphertext.
func (vault *Vault) Encrypt(endpoint string, plaintext []byte) ([]byte, error) {
	gcm, err := vault.cipher(endpoint)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, Error.Wrap(err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a blob sealed for the given endpoint. Opening with any other
// endpoint fails authentication.
func (vault *Vault) Decrypt(endpoint string, blob []byte) ([]byte, error) {
	gcm, err := vault.cipher(endpoint)
	if err != nil {
		return nil, err
	}
	if len(blob) < gcm.NonceSize() {
		return nil, Error.New("sealed blob too short: %d bytes", len(blob))
	}
	plaintext, err := gcm.Open(nil, blob[:gcm.NonceSize()], blob[gcm.NonceSize():], nil)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return plaintext, nil
}

// cipher derives the AES-256-GCM cipher for one endpoint.
func (vault *Vault) cipher(endpoint string) (cipher.AEAD, error) {
	salt := sha256.Sum256([]byte(endpoint))
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, vault.master, salt[:], []byte(keyInfo)), key); err != nil {
		return nil, Error.Wrap(err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return gcm, nil
}
