// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package bridgedb

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"

	"github.com/zulipnotifs/pushbridge/bridge"
	"github.com/zulipnotifs/pushbridge/bridge/notifyfilter"
	"github.com/zulipnotifs/pushbridge/bridge/subscriptions"
	"github.com/zulipnotifs/pushbridge/bridge/zulip"
)

func testSubscription(endpoint string) subscriptions.Subscription {
	return subscriptions.Subscription{
		Endpoint:    endpoint,
		Keys:        subscriptions.Keys{P256dh: "cDI1NmRo", Auth: "YXV0aA"},
		Credentials: []byte("sealed-bytes"),
		Settings:    notifyfilter.DefaultSettings(),
		Queue:       zulip.QueueHandle{QueueID: "q1", LastEventID: 5},
		Failures:    1,
		CreatedAt:   time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		UpdatedAt:   time.Date(2024, 3, 2, 11, 30, 0, 0, time.UTC),
	}
}

// runSubscriptionStoreTests exercises the subscriptions.DB contract shared
// by every backend.
func runSubscriptionStoreTests(t *testing.T, ctx *testcontext.Context, db bridge.DB) {
	store := db.Subscriptions()

	// missing endpoints are not found
	_, err := store.Get(ctx, "https://push.example.com/v1/none")
	require.Error(t, err)
	require.True(t, subscriptions.ErrNotFound.Has(err))

	// a full record survives the round trip
	alpha := testSubscription("https://push.example.com/v1/alpha")
	require.NoError(t, store.Upsert(ctx, alpha))
	got, err := store.Get(ctx, alpha.Endpoint)
	require.NoError(t, err)
	require.Equal(t, alpha, got)

	// last writer wins
	alpha.Failures = 4
	alpha.Queue = zulip.QueueHandle{QueueID: "q2", LastEventID: 17}
	require.NoError(t, store.Upsert(ctx, alpha))
	got, err = store.Get(ctx, alpha.Endpoint)
	require.NoError(t, err)
	require.Equal(t, alpha, got)

	// list returns everything
	beta := testSubscription("https://push.example.com/v1/beta")
	require.NoError(t, store.Upsert(ctx, beta))
	all, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.ElementsMatch(t,
		[]string{alpha.Endpoint, beta.Endpoint},
		[]string{all[0].Endpoint, all[1].Endpoint})

	// delete is idempotent
	require.NoError(t, store.Delete(ctx, alpha.Endpoint))
	_, err = store.Get(ctx, alpha.Endpoint)
	require.True(t, subscriptions.ErrNotFound.Has(err))
	require.NoError(t, store.Delete(ctx, alpha.Endpoint))

	// records need a key
	require.Error(t, store.Upsert(ctx, subscriptions.Subscription{}))
}

func TestBoltStore(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db, err := Open(ctx, zaptest.NewLogger(t), ctx.File("db", "pushbridge.db"))
	require.NoError(t, err)
	defer ctx.Check(db.Close)
	require.NoError(t, db.MigrateToLatest(ctx))

	runSubscriptionStoreTests(t, ctx, db)
}

func TestBoltStoreURLPrefix(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db, err := Open(ctx, zaptest.NewLogger(t), "bolt://"+ctx.File("db", "pushbridge.db"))
	require.NoError(t, err)
	defer ctx.Check(db.Close)
	require.NoError(t, db.MigrateToLatest(ctx))

	store := db.Subscriptions()
	require.NoError(t, store.Upsert(ctx, testSubscription("https://push.example.com/v1/alpha")))
	_, err = store.Get(ctx, "https://push.example.com/v1/alpha")
	require.NoError(t, err)
}

func TestBoltSkipsCorruptRecords(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db, err := Open(ctx, zaptest.NewLogger(t), ctx.File("db", "pushbridge.db"))
	require.NoError(t, err)
	defer ctx.Check(db.Close)
	require.NoError(t, db.MigrateToLatest(ctx))

	store := db.Subscriptions()
	good := testSubscription("https://push.example.com/v1/good")
	require.NoError(t, store.Upsert(ctx, good))

	bad := "https://push.example.com/v1/bad"
	require.NoError(t, db.(*boltDB).db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(subscriptionsBucket).Put([]byte(bad), []byte("{not json"))
	}))

	all, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1, "a corrupt record must not break listing")
	require.Equal(t, good.Endpoint, all[0].Endpoint)

	_, err = store.Get(ctx, bad)
	require.Error(t, err)
	require.True(t, subscriptions.ErrNotFound.Has(err), "a corrupt record reads as absent")
}

func TestRedisStore(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	mini, err := miniredis.Run()
	require.NoError(t, err)
	defer mini.Close()

	db, err := Open(ctx, zaptest.NewLogger(t), "redis://"+mini.Addr())
	require.NoError(t, err)
	defer ctx.Check(db.Close)
	require.NoError(t, db.MigrateToLatest(ctx))

	runSubscriptionStoreTests(t, ctx, db)
}

func TestRedisKeyNamespace(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	mini, err := miniredis.Run()
	require.NoError(t, err)
	defer mini.Close()

	db, err := Open(ctx, zaptest.NewLogger(t), "redis://"+mini.Addr())
	require.NoError(t, err)
	defer ctx.Check(db.Close)

	endpoint := "https://push.example.com/v1/alpha"
	require.NoError(t, db.Subscriptions().Upsert(ctx, testSubscription(endpoint)))
	require.True(t, mini.Exists(subscriptionKeyPrefix+endpoint))
}

func TestRedisSkipsCorruptRecords(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	mini, err := miniredis.Run()
	require.NoError(t, err)
	defer mini.Close()

	db, err := Open(ctx, zaptest.NewLogger(t), "redis://"+mini.Addr())
	require.NoError(t, err)
	defer ctx.Check(db.Close)

	store := db.Subscriptions()
	good := testSubscription("https://push.example.com/v1/good")
	require.NoError(t, store.Upsert(ctx, good))

	bad := "https://push.example.com/v1/bad"
	require.NoError(t, mini.Set(subscriptionKeyPrefix+bad, "{not json"))

	all, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1, "a corrupt record must not break listing")
	require.Equal(t, good.Endpoint, all[0].Endpoint)

	_, err = store.Get(ctx, bad)
	require.Error(t, err)
	require.True(t, subscriptions.ErrNotFound.Has(err), "a corrupt record reads as absent")
}

func TestOpenValidation(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	_, err := Open(ctx, zaptest.NewLogger(t), "")
	require.Error(t, err)

	// a redis URL pointing nowhere fails at open, not first use
	mini, err := miniredis.Run()
	require.NoError(t, err)
	addr := mini.Addr()
	mini.Close()

	_, err = Open(ctx, zaptest.NewLogger(t), "redis://"+addr)
	require.Error(t, err)
}
