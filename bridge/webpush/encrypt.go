// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package webpush

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// Lengths fixed by the aesgcm content encoding. A push message is a single
// record, so the padded plaintext has to fit maxPaddedLength.
const (
	maxPaddedLength = 4078
	saltLength      = 16
	authLength      = 16
	keyLength       = 16
	nonceLength     = 12
	secretLength    = 32
	pointLength     = 65
)

// Envelope is one encrypted push message together with the public
// parameters the receiving browser needs to decrypt it. Envelopes are
// built per delivery and never persisted.
type Envelope struct {
	Ciphertext  []byte
	Salt        []byte
	LocalPublic []byte
}

// Encrypt seals plaintext for the subscription identified by its p256dh and
// auth keys using the aesgcm content encoding: an ephemeral P-256 agreement
// against the subscription key, the auth-secret HKDF chain, and AES-128-GCM
// under a fresh 16-byte salt. The plaintext is prefixed with a two-byte
// padding length (always zero here) before sealing.
func Encrypt(plaintext []byte, p256dh, auth string) (*Envelope, error) {
	subscriberPoint, err := decodeWebSafe(p256dh)
	if err != nil {
		return nil, Error.Wrap(fmt.Errorf("malformed p256dh key: %w", err))
	}
	subscriber, err := ecdh.P256().NewPublicKey(subscriberPoint)
	if err != nil {
		return nil, Error.Wrap(fmt.Errorf("invalid p256dh key: %w", err))
	}
	authSecret, err := decodeWebSafe(auth)
	if err != nil {
		return nil, Error.Wrap(fmt.Errorf("malformed auth secret: %w", err))
	}
	if len(authSecret) != authLength {
		return nil, Error.New("auth secret must be %d bytes, got %d", authLength, len(authSecret))
	}

	padded := make([]byte, 2+len(plaintext))
	copy(padded[2:], plaintext)
	if len(padded) > maxPaddedLength {
		return nil, ErrPayloadTooLarge.New("%d bytes padded, limit is %d", len(padded), maxPaddedLength)
	}

	local, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	sharedSecret, err := local.ECDH(subscriber)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	salt := make([]byte, saltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, Error.Wrap(err)
	}

	localPoint := local.PublicKey().Bytes()
	secret, err := deriveKey(sharedSecret, authSecret, []byte("Content-Encoding: auth\x00"), secretLength)
	if err != nil {
		return nil, err
	}
	context := keyContext(subscriberPoint, localPoint)
	key, err := deriveKey(secret, salt, append([]byte("Content-Encoding: aesgcm\x00"), context...), keyLength)
	if err != nil {
		return nil, err
	}
	nonce, err := deriveKey(secret, salt, append([]byte("Content-Encoding: nonce\x00"), context...), nonceLength)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	return &Envelope{
		Ciphertext:  gcm.Seal(nil, nonce, padded, nil),
		Salt:        salt,
		LocalPublic: localPoint,
	}, nil
}

// keyContext builds the P-256 key derivation context: the label followed by
// both public points, each prefixed with its big-endian length. The
// subscriber point comes first.
func keyContext(subscriberPoint, localPoint []byte) []byte {
	context := make([]byte, 0, 6+2*(2+pointLength))
	context = append(context, "P-256\x00"...)
	context = binary.BigEndian.AppendUint16(context, uint16(len(subscriberPoint)))
	context = append(context, subscriberPoint...)
	context = binary.BigEndian.AppendUint16(context, uint16(len(localPoint)))
	context = append(context, localPoint...)
	return context
}

// deriveKey reads length bytes of HKDF-SHA256 output for the given secret,
// salt and info.
func deriveKey(secret, salt, info []byte, length int) ([]byte, error) {
	out := make([]byte, length)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), out); err != nil {
		return nil, Error.Wrap(err)
	}
	return out, nil
}

// decodeWebSafe decodes base64url with or without padding, covering both
// forms browsers serialize subscription keys in.
func decodeWebSafe(value string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(value, "="))
}

// encodeWebSafe encodes bytes as unpadded base64url, the form push services
// expect for binary header parameters.
func encodeWebSafe(value []byte) string {
	return base64.RawURLEncoding.EncodeToString(value)
}
