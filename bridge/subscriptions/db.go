// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package subscriptions

import (
	"context"

	"github.com/zeebo/errs"
)

// ErrNotFound means no subscription is stored for the endpoint.
var ErrNotFound = errs.Class("subscription not found")

// DB defines storage operations for push subscriptions. Records are keyed
// by their push endpoint URL. Implementations treat unparseable stored
// records as absent rather than failing the whole operation.
type DB interface {
	// Upsert stores or replaces the subscription for its endpoint.
	Upsert(ctx context.Context, subscription Subscription) error

	// Get retrieves the subscription for an endpoint. It returns
	// ErrNotFound when no parseable record exists.
	Get(ctx context.Context, endpoint string) (Subscription, error)

	// List retrieves all stored subscriptions, skipping records that no
	// longer parse.
	List(ctx context.Context) ([]Subscription, error)

	// Delete removes the subscription for an endpoint. Deleting an absent
	// endpoint is not an error.
	Delete(ctx context.Context, endpoint string) error
}
