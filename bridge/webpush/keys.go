// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package webpush

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"math/big"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenLifetime is how long a signed VAPID token stays valid. Push services
// reject tokens that claim more than 24 hours.
const tokenLifetime = 12 * time.Hour

// Keypair is a VAPID ES256 application server key. Browsers receive the
// public half at subscription time and push services verify request tokens
// against it.
type Keypair struct {
	key    *ecdsa.PrivateKey
	public []byte
}

// GenerateKeypair creates a fresh P-256 VAPID keypair.
func GenerateKeypair() (Keypair, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return Keypair{}, Error.Wrap(err)
	}
	public, err := key.PublicKey.ECDH()
	if err != nil {
		return Keypair{}, Error.Wrap(err)
	}
	return Keypair{key: key, public: public.Bytes()}, nil
}

// ParseKeypair decodes a keypair from its base64url raw private scalar, the
// form GenerateKeypair prints and deployments keep in configuration.
func ParseKeypair(encoded string) (Keypair, error) {
	raw, err := decodeWebSafe(encoded)
	if err != nil {
		return Keypair{}, Error.Wrap(fmt.Errorf("malformed private key: %w", err))
	}
	parsed, err := ecdh.P256().NewPrivateKey(raw)
	if err != nil {
		return Keypair{}, Error.Wrap(fmt.Errorf("invalid private key: %w", err))
	}
	point := parsed.PublicKey().Bytes()
	return Keypair{
		key: &ecdsa.PrivateKey{
			PublicKey: ecdsa.PublicKey{
				Curve: elliptic.P256(),
				X:     new(big.Int).SetBytes(point[1:33]),
				Y:     new(big.Int).SetBytes(point[33:]),
			},
			D: new(big.Int).SetBytes(raw),
		},
		public: point,
	}, nil
}

// PrivateKey returns the base64url raw private scalar.
func (keypair Keypair) PrivateKey() string {
	return encodeWebSafe(keypair.key.D.FillBytes(make([]byte, 32)))
}

// PublicKey returns the base64url uncompressed public point, the value the
// browser passes as applicationServerKey when subscribing.
func (keypair Keypair) PublicKey() string {
	return encodeWebSafe(keypair.public)
}

// AuthorizationHeader signs a VAPID token for the push service behind
// endpoint and returns the full Authorization header value. The audience is
// the endpoint origin; the token expires tokenLifetime after now.
func (keypair Keypair) AuthorizationHeader(endpoint, subject string, now time.Time) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", Error.Wrap(fmt.Errorf("malformed endpoint: %w", err))
	}
	if u.Scheme == "" || u.Host == "" {
		return "", Error.New("endpoint has no origin: %q", endpoint)
	}

	claims := jwt.RegisteredClaims{
		Audience:  jwt.ClaimStrings{u.Scheme + "://" + u.Host},
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenLifetime)),
		Subject:   subject,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(keypair.key)
	if err != nil {
		return "", Error.Wrap(err)
	}
	return "vapid t=" + token + ", k=" + keypair.PublicKey(), nil
}
