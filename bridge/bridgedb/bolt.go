// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package bridgedb

import (
	"context"
	"encoding/json"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/zulipnotifs/pushbridge/bridge/subscriptions"
)

// subscriptionsBucket holds one JSON record per push endpoint.
var subscriptionsBucket = []byte("subscriptions")

// boltDB implements bridge.DB on a single bbolt file.
type boltDB struct {
	log *zap.Logger
	db  *bbolt.DB
}

func openBolt(log *zap.Logger, path string) (*boltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &boltDB{log: log, db: db}, nil
}

// MigrateToLatest creates the buckets the store needs.
func (db *boltDB) MigrateToLatest(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	return Error.Wrap(db.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(subscriptionsBucket)
		return err
	}))
}

// Subscriptions returns the push subscription store.
func (db *boltDB) Subscriptions() subscriptions.DB {
	return &boltSubscriptions{log: db.log, db: db.db}
}

// Close closes the database file.
func (db *boltDB) Close() error {
	return Error.Wrap(db.db.Close())
}

type boltSubscriptions struct {
	log *zap.Logger
	db  *bbolt.DB
}

// Upsert stores or replaces the subscription for its endpoint.
func (store *boltSubscriptions) Upsert(ctx context.Context, subscription subscriptions.Subscription) (err error) {
	defer mon.Task()(&ctx)(&err)

	if subscription.Endpoint == "" {
		return Error.New("endpoint is required")
	}
	data, err := json.Marshal(subscription)
	if err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(store.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(subscriptionsBucket)
		if bucket == nil {
			return Error.New("subscriptions bucket is missing")
		}
		return bucket.Put([]byte(subscription.Endpoint), data)
	}))
}

// Get retrieves the subscription for an endpoint.
func (store *boltSubscriptions) Get(ctx context.Context, endpoint string) (_ subscriptions.Subscription, err error) {
	defer mon.Task()(&ctx)(&err)

	var data []byte
	err = store.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(subscriptionsBucket)
		if bucket == nil {
			return nil
		}
		// the value is only valid inside the transaction
		if value := bucket.Get([]byte(endpoint)); value != nil {
			data = append([]byte(nil), value...)
		}
		return nil
	})
	if err != nil {
		return subscriptions.Subscription{}, Error.Wrap(err)
	}
	if data == nil {
		return subscriptions.Subscription{}, subscriptions.ErrNotFound.New("%q", endpoint)
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
func (store *boltSubscriptions) List(ctx context.Context) (_ []subscriptions.Subscription, err error) {
	defer mon.Task()(&ctx)(&err)

	var all []subscriptions.Subscription
	err = store.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(subscriptionsBucket)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(key, value []byte) error {
			var subscription subscriptions.Subscription
			if err := json.Unmarshal(value, &subscription); err != nil {
				store.log.Warn("skipping unparseable subscription record",
					zap.String("endpoint", string(key)), zap.Error(err))
				return nil
			}
			all = append(all, subscription)
			return nil
		})
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return all, nil
}

// Delete removes the subscription for an endpoint.
func (store *boltSubscriptions) Delete(ctx context.Context, endpoint string) (err error) {
	defer mon.Task()(&ctx)(&err)

	return Error.Wrap(store.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(subscriptionsBucket)
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(endpoint))
	}))
}
