// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package bridgedb

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/zulipnotifs/pushbridge/bridge/subscriptions"
)

// subscriptionKeyPrefix namespaces subscription records in redis.
const subscriptionKeyPrefix = "sub:"

// redisDB implements bridge.DB on a shared redis instance.
type redisDB struct {
	log    *zap.Logger
	client *redis.Client
}

func openRedis(ctx context.Context, log *zap.Logger, redisURL string) (*redisDB, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, Error.Wrap(errs.Combine(err, client.Close()))
	}
	return &redisDB{log: log, client: client}, nil
}

// MigrateToLatest is a no-op for redis.
func (db *redisDB) MigrateToLatest(ctx context.Context) error {
	return nil
}

// Subscriptions returns the push subscription store.
func (db *redisDB) Subscriptions() subscriptions.DB {
	return &redisSubscriptions{log: db.log, client: db.client}
}

// Close closes the redis client.
func (db *redisDB) Close() error {
	return Error.Wrap(db.client.Close())
}

type redisSubscriptions struct {
	log    *zap.Logger
	client *redis.Client
}

// Upsert stores or replaces the subscription for its endpoint.
func (store *redisSubscriptions) Upsert(ctx context.Context, subscription subscriptions.Subscription) (err error) {
	defer mon.Task()(&ctx)(&err)

	if subscription.Endpoint == "" {
		return Error.New("endpoint is required")
	}
	data, err := json.Marshal(subscription)
	if err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(store.client.Set(ctx, subscriptionKeyPrefix+subscription.Endpoint, data, 0).Err())
}

// Get retrieves the subscription for an endpoint.
func (store *redisSubscriptions) Get(ctx context.Context, endpoint string) (_ subscriptions.Subscription, err error) {
	defer mon.Task()(&ctx)(&err)

	data, err := store.client.Get(ctx, subscriptionKeyPrefix+endpoint).Bytes()
	if errors.Is(err, redis.Nil) {
		return subscriptions.Subscription{}, subscriptions.ErrNotFound.New("%q", endpoint)
	}
	if err != nil {
		return subscriptions.Subscription{}, Error.Wrap(err)
	}

	var subscription subscriptions.Subscription
	if err := json.Unmarshal(data, &subscription); err != nil {
		store.log.Warn("dropping unparseable subscription record",
			zap.String("endpoint", endpoint), zap.Error(err))
		return subscriptions.Subscription{}, subscriptions.ErrNotFound.New("%q", endpoint)
	}
	return subscription, nil
}

// List retrieves all stored subscriptions, skipping records that no longer
// parse.
func (store *redisSubscriptions) List(ctx context.Context) (_ []subscriptions.Subscription, err error) {
	defer mon.Task()(&ctx)(&err)

	var all []subscriptions.Subscription
	iter := store.client.Scan(ctx, 0, subscriptionKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := store.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			// deleted between scan and get
			continue
		}
		if err != nil {
			return nil, Error.Wrap(err)
		}

		var subscription subscriptions.Subscription
		if err := json.Unmarshal(data, &subscription); err != nil {
			store.log.Warn("skipping unparseable subscription record",
				zap.String("endpoint", strings.TrimPrefix(iter.Val(), subscriptionKeyPrefix)),
				zap.Error(err))
			continue
		}
		all = append(all, subscription)
	}
	if err := iter.Err(); err != nil {
		return nil, Error.Wrap(err)
	}
	return all, nil
}

// Delete removes the subscription for an endpoint.
func (store *redisSubscriptions) Delete(ctx context.Context, endpoint string) (err error) {
	defer mon.Task()(&ctx)(&err)

	return Error.Wrap(store.client.Del(ctx, subscriptionKeyPrefix+endpoint).Err())
}
