// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package bridge

import (
	"context"

	"github.com/zulipnotifs/pushbridge/bridge/subscriptions"
)

// DB is the master database for the bridge.
type DB interface {
	// MigrateToLatest initializes the storage schema.
	MigrateToLatest(ctx context.Context) error

	// Subscriptions returns the push subscription store.
	Subscriptions() subscriptions.DB

	// Close closes the database.
	Close() error
}
