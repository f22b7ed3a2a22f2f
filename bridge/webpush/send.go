// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package webpush encrypts and delivers Web Push messages using the legacy
// aesgcm content encoding with VAPID authorization.
package webpush

import (
	"bytes"
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

var mon = monkit.Package()

var (
	// Error is the default error class for the webpush package.
	Error = errs.Class("webpush")
	// ErrGone means the push service reports the subscription no longer
	// exists, so the stored record should be deleted.
	ErrGone = errs.Class("subscription gone")
	// ErrDelivery means the push service rejected or failed the delivery.
	ErrDelivery = errs.Class("push delivery")
	// ErrPayloadTooLarge means the padded payload exceeds the single-record
	// limit of the aesgcm encoding.
	ErrPayloadTooLarge = errs.Class("payload too large")
)

// Config holds the VAPID identity and delivery settings for the push sender.
type Config struct {
	PrivateKey string        `help:"base64url raw VAPID ES256 private key scalar" default:""`
	Subject    string        `help:"contact URI claimed in VAPID tokens (mailto: or https:)" default:""`
	TTL        int           `help:"seconds a push service may retain an undelivered message" default:"86400"`
	Timeout    time.Duration `help:"timeout for push service requests" default:"30s"`
}

// Target identifies one browser push subscription: the delivery endpoint
// plus the p256dh and auth keys the browser handed out with it.
type Target struct {
	Endpoint string
	P256dh   string
	Auth     string
}

// Sender delivers encrypted push messages to subscription endpoints.
type Sender struct {
	log    *zap.Logger
	config Config
	keys   Keypair
	client *http.Client
}

// NewSender parses the configured VAPID key and creates a push sender.
func NewSender(log *zap.Logger, config Config) (*Sender, error) {
	keys, err := ParseKeypair(config.PrivateKey)
	if err != nil {
		return nil, err
	}
	return &Sender{
		log:    log,
		config: config,
		keys:   keys,
		client: &http.Client{Timeout: config.Timeout},
	}, nil
}

// PublicKey returns the base64url VAPID public key browsers subscribe with.
func (sender *Sender) PublicKey() string {
	return sender.keys.PublicKey()
}

// Send encrypts payload for the target subscription and POSTs it to the
// push service. It returns ErrGone when the service reports the
// subscription dead and ErrDelivery on other failures.
func (sender *Sender) Send(ctx context.Context, target Target, payload []byte) (err error) {
	defer mon.Task()(&ctx)(&err)

	envelope, err := Encrypt(payload, target.P256dh, target.Auth)
	if err != nil {
		mon.Counter("webpush_encrypt_error").Inc(1)
		return err
	}

	authorization, err := sender.keys.AuthorizationHeader(target.Endpoint, sender.config.Subject, time.Now())
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.Endpoint, bytes.NewReader(envelope.Ciphertext))
	if err != nil {
		return Error.Wrap(err)
	}
	req.Header.Set("Authorization", authorization)
	req.Header.Set("Crypto-Key", "dh="+encodeWebSafe(envelope.LocalPublic)+";p256ecdsa="+sender.keys.PublicKey())
	req.Header.Set("Encryption", "salt="+encodeWebSafe(envelope.Salt))
	req.Header.Set("Content-Encoding", "aesgcm")
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("TTL", strconv.Itoa(sender.config.TTL))

	resp, err := sender.client.Do(req)
	if err != nil {
		mon.Counter("webpush_send_error").Inc(1)
		return ErrDelivery.Wrap(err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			sender.log.Warn("failed to close response body", zap.Error(closeErr))
		}
	}()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		mon.Counter("webpush_gone_total").Inc(1)
		return ErrGone.New("push service returned status %d", resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		mon.Counter("webpush_send_error").Inc(1)
		return ErrDelivery.New("push service returned status %d", resp.StatusCode)
	}

	mon.Counter("webpush_sent_total").Inc(1)
	return nil
}
