// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package subscriptions manages browser push registrations: verifying the
// Zulip credentials behind each one, sealing them for storage, and the
// lifecycle operations the HTTP surface exposes.
package subscriptions

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/zulipnotifs/pushbridge/bridge/notifyfilter"
	"github.com/zulipnotifs/pushbridge/bridge/vault"
	"github.com/zulipnotifs/pushbridge/bridge/webpush"
	"github.com/zulipnotifs/pushbridge/bridge/zulip"
)

var mon = monkit.Package()

// ErrService is the error class for the subscriptions service.
var ErrService = errs.Class("subscriptions")

// ErrBadRequest means the caller supplied an unusable registration.
var ErrBadRequest = errs.Class("bad subscription request")

// The synthetic notification sent by TestPush.
const (
	testPushTitle = "Test notification"
	testPushBody  = "Push delivery from the bridge works."
)

// Service exposes the registration lifecycle to the HTTP surface.
type Service struct {
	log    *zap.Logger
	db     DB
	vault  *vault.Vault
	sender *webpush.Sender
}

// NewService creates a subscriptions service.
func NewService(log *zap.Logger, db DB, vault *vault.Vault, sender *webpush.Sender) *Service {
	return &Service{
		log:    log,
		db:     db,
		vault:  vault,
		sender: sender,
	}
}

// Register verifies the Zulip credentials against the server, seals them,
// and stores a record for the endpoint. Re-registering an endpoint replaces
// its credentials and settings and clears the queue handle, so polling
// starts over on the new account.
func (s *Service) Register(ctx context.Context, endpoint string, keys Keys, creds zulip.Credentials, patch *notifyfilter.Patch) (_ Subscription, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := validateEndpoint(endpoint); err != nil {
		return Subscription{}, err
	}
	if keys.P256dh == "" || keys.Auth == "" {
		return Subscription{}, ErrBadRequest.New("subscription keys are missing")
	}

	client, err := zulip.NewClient(s.log.Named("zulip"), creds)
	if err != nil {
		return Subscription{}, ErrBadRequest.Wrap(err)
	}
	user, err := client.CurrentUser(ctx)
	if err != nil {
		// zulip.ErrUnauthorized passes through for the 401 mapping
		return Subscription{}, err
	}

	plaintext, err := json.Marshal(creds)
	if err != nil {
		return Subscription{}, ErrService.Wrap(err)
	}
	sealed, err := s.vault.Encrypt(endpoint, plaintext)
	if err != nil {
		return Subscription{}, ErrService.Wrap(err)
	}

	settings := notifyfilter.DefaultSettings()
	if patch != nil {
		settings = settings.Apply(*patch)
	}

	now := time.Now().UTC()
	subscription := Subscription{
		Endpoint:    endpoint,
		Keys:        keys,
		Credentials: sealed,
		UserID:      user.UserID,
		Settings:    settings,
		Queue:       zulip.QueueHandle{LastEventID: -1},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if existing, err := s.db.Get(ctx, endpoint); err == nil {
		subscription.CreatedAt = existing.CreatedAt
	}

	if err := s.db.Upsert(ctx, subscription); err != nil {
		return Subscription{}, ErrService.Wrap(err)
	}

	s.log.Info("subscription registered",
		zap.String("server_url", creds.ServerURL),
		zap.Int64("user_id", user.UserID))
	mon.Counter("subscriptions_registered_total").Inc(1)
	return subscription, nil
}

// UpdateFilters applies a settings patch to an existing subscription.
func (s *Service) UpdateFilters(ctx context.Context, endpoint string, patch notifyfilter.Patch) (_ Subscription, err error) {
	defer mon.Task()(&ctx)(&err)

	subscription, err := s.db.Get(ctx, endpoint)
	if err != nil {
		return Subscription{}, err
	}

	subscription.Settings = subscription.Settings.Apply(patch)
	subscription.UpdatedAt = time.Now().UTC()
	if err := s.db.Upsert(ctx, subscription); err != nil {
		return Subscription{}, ErrService.Wrap(err)
	}
	return subscription, nil
}

// Unregister removes the subscription and tries to release its Zulip event
// queue. The queue delete is best-effort: the record goes away regardless.
// Unregistering an unknown endpoint is not an error.
func (s *Service) Unregister(ctx context.Context, endpoint string) (err error) {
	defer mon.Task()(&ctx)(&err)

	subscription, err := s.db.Get(ctx, endpoint)
	if err != nil {
		if ErrNotFound.Has(err) {
			return nil
		}
		return ErrService.Wrap(err)
	}

	if subscription.Queue.Registered() {
		s.releaseQueue(ctx, subscription)
	}

	if err := s.db.Delete(ctx, endpoint); err != nil {
		return ErrService.Wrap(err)
	}
	mon.Counter("subscriptions_unregistered_total").Inc(1)
	return nil
}

// TestPush sends a synthetic notification to the subscription endpoint.
// When the push service reports the endpoint gone, the record is deleted
// and webpush.ErrGone surfaces so callers can report it.
func (s *Service) TestPush(ctx context.Context, endpoint string) (err error) {
	defer mon.Task()(&ctx)(&err)

	subscription, err := s.db.Get(ctx, endpoint)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(Payload{Title: testPushTitle, Body: testPushBody})
	if err != nil {
		return ErrService.Wrap(err)
	}

	if err := s.sender.Send(ctx, subscription.PushTarget(), payload); err != nil {
		if webpush.ErrGone.Has(err) {
			if deleteErr := s.db.Delete(ctx, endpoint); deleteErr != nil {
				s.log.Error("failed to delete gone subscription", zap.Error(deleteErr))
			}
		}
		return err
	}
	return nil
}

// releaseQueue deletes the subscription's event queue on the Zulip side.
func (s *Service) releaseQueue(ctx context.Context, subscription Subscription) {
	plaintext, err := s.vault.Decrypt(subscription.Endpoint, subscription.Credentials)
	if err != nil {
		s.log.Warn("cannot decrypt credentials to release queue", zap.Error(err))
		return
	}
	var creds zulip.Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		s.log.Warn("cannot decode credentials to release queue", zap.Error(err))
		return
	}
	client, err := zulip.NewClient(s.log.Named("zulip"), creds)
	if err != nil {
		s.log.Warn("cannot build client to release queue", zap.Error(err))
		return
	}
	if err := client.DeleteQueue(ctx, subscription.Queue.QueueID); err != nil {
		s.log.Debug("failed to release event queue", zap.Error(err))
	}
}

// validateEndpoint checks that the endpoint is an absolute http(s) URL.
func validateEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return ErrBadRequest.New("malformed endpoint: %v", err)
	}
	if (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return ErrBadRequest.New("endpoint must be an absolute http(s) URL")
	}
	return nil
}
