// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package subscriptions

import (
	"time"

	"github.com/zulipnotifs/pushbridge/bridge/notifyfilter"
	"github.com/zulipnotifs/pushbridge/bridge/webpush"
	"github.com/zulipnotifs/pushbridge/bridge/zulip"
)

// Keys are the browser-issued encryption keys for one push subscription.
type Keys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// Subscription is one browser push registration bound to a Zulip account.
// The push endpoint URL is the primary key. Zulip credentials are stored
// only vault-sealed; the queue handle and failure counter carry the polling
// state between scheduler rounds.
type Subscription struct {
	Endpoint    string                `json:"endpoint"`
	Keys        Keys                  `json:"keys"`
	Credentials []byte                `json:"credentials"`
	UserID      int64                 `json:"userId"`
	Settings    notifyfilter.Settings `json:"settings"`
	Queue       zulip.QueueHandle     `json:"queue"`
	Failures    int                   `json:"failures"`
	CreatedAt   time.Time             `json:"createdAt"`
	UpdatedAt   time.Time             `json:"updatedAt"`
}

// PushTarget returns the webpush delivery coordinates of the subscription.
func (sub *Subscription) PushTarget() webpush.Target {
	return webpush.Target{
		Endpoint: sub.Endpoint,
		P256dh:   sub.Keys.P256dh,
		Auth:     sub.Keys.Auth,
	}
}

// Payload is the JSON document delivered to the browser service worker for
// display.
type Payload struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	MessageID int64  `json:"messageId"`
}
