// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package poller drives steady-state delivery for every stored
// subscription: on a fixed cadence it drains each subscription's Zulip
// event queue, filters the messages, and pushes the survivors to the
// browser endpoint. No subscription is ever processed concurrently with
// itself and a failing subscription never affects the others.
package poller

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-stack/stack"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/errs2"
	"storj.io/common/sync2"

	"github.com/zulipnotifs/pushbridge/bridge/notifyfilter"
	"github.com/zulipnotifs/pushbridge/bridge/subscriptions"
	"github.com/zulipnotifs/pushbridge/bridge/vault"
	"github.com/zulipnotifs/pushbridge/bridge/webpush"
	"github.com/zulipnotifs/pushbridge/bridge/zulip"
)

var mon = monkit.Package()

// Error is the default error class for the poller package.
var Error = errs.Class("poller")

// Config holds the poll scheduler settings.
type Config struct {
	Interval         time.Duration `help:"how often a polling cycle starts" default:"1m"`
	Rounds           int           `help:"polling rounds per cycle" default:"4"`
	RoundSpacing     time.Duration `help:"gap between rounds within a cycle" default:"15s"`
	BatchSize        int           `help:"how many subscriptions are polled concurrently" default:"40"`
	FailureThreshold int           `help:"consecutive failures before a subscription is evicted" default:"5"`
	PollTimeout      time.Duration `help:"upper bound on one subscription's server calls per round" default:"30s"`
}

// Worker polls the event queues of all subscriptions on a fixed cadence.
type Worker struct {
	log    *zap.Logger
	db     subscriptions.DB
	vault  *vault.Vault
	sender *webpush.Sender
	config Config

	Loop *sync2.Cycle

	// nowFn supplies the clock for quiet-hours filtering.
	nowFn func() time.Time
}

// NewWorker creates a poll worker.
func NewWorker(log *zap.Logger, db subscriptions.DB, credVault *vault.Vault, sender *webpush.Sender, config Config) *Worker {
	return &Worker{
		log:    log,
		db:     db,
		vault:  credVault,
		sender: sender,
		config: config,
		Loop:   sync2.NewCycle(config.Interval),
		nowFn:  time.Now,
	}
}

// Run runs the poll scheduler until the context is canceled.
func (worker *Worker) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	return worker.Loop.Run(ctx, func(ctx context.Context) (err error) {
		defer mon.Task()(&ctx)(&err)
		err = worker.cycle(ctx)
		if err != nil && !errs2.IsCanceled(err) {
			worker.log.Error("cycle failed", zap.Error(Error.Wrap(err)))
		}
		return nil
	})
}

// Close halts the worker.
func (worker *Worker) Close() error {
	worker.Loop.Close()
	return nil
}

// cycle runs the configured number of rounds, spaced RoundSpacing apart,
// so subscriptions are polled a few times within every scheduler interval.
func (worker *Worker) cycle(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	for round := 0; round < worker.config.Rounds; round++ {
		if round > 0 {
			if !sync2.Sleep(ctx, worker.config.RoundSpacing) {
				return ctx.Err()
			}
		}
		if err := worker.runRound(ctx); err != nil {
			return err
		}
	}
	return nil
}

// runRound polls every subscription once. Batches run one after another
// with all members of a batch in flight concurrently, so a round touches
// each subscription exactly once and rounds never overlap.
func (worker *Worker) runRound(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	subs, err := worker.db.List(ctx)
	if err != nil {
		return Error.Wrap(err)
	}
	mon.IntVal("poller_subscriptions").Observe(int64(len(subs)))

	for start := 0; start < len(subs); start += worker.config.BatchSize {
		end := start + worker.config.BatchSize
		if end > len(subs) {
			end = len(subs)
		}
		if err := worker.runBatch(ctx, subs[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (worker *Worker) runBatch(ctx context.Context, batch []subscriptions.Subscription) error {
	limiter := sync2.NewLimiter(len(batch))
	defer limiter.Wait()

	for _, subscription := range batch {
		started := limiter.Go(ctx, func() {
			worker.safePoll(ctx, subscription)
		})
		if !started {
			return ctx.Err()
		}
	}

	limiter.Wait()
	return nil
}

// safePoll isolates one subscription: a panic is logged with its stack
// and never reaches the scheduler.
func (worker *Worker) safePoll(ctx context.Context, subscription subscriptions.Subscription) {
	defer func() {
		if rec := recover(); rec != nil {
			worker.log.Error("panic while polling subscription",
				zap.String("endpoint", subscription.Endpoint), zap.Any("error", rec))
			worker.log.Error("stack", zap.String("stack", stack.Trace().String()))
			mon.Counter("poller_panics").Inc(1)
		}
	}()

	worker.poll(ctx, subscription)
}

// poll runs one subscription through one round: unseal credentials, make
// sure an event queue exists, drain it without blocking, and dispatch the
// messages that pass the filter. Queue expiry clears the handle so the
// next round re-registers; every other failure bumps the failure counter.
func (worker *Worker) poll(ctx context.Context, subscription subscriptions.Subscription) {
	log := worker.log.With(zap.String("endpoint", subscription.Endpoint))

	creds, err := worker.credentials(subscription)
	if err != nil {
		log.Warn("cannot unseal credentials", zap.Error(err))
		subscription.Failures++
		worker.persist(ctx, log, subscription)
		return
	}

	client, err := zulip.NewClient(log.Named("zulip"), creds)
	if err != nil {
		log.Warn("stored credentials are unusable", zap.Error(err))
		subscription.Failures++
		worker.persist(ctx, log, subscription)
		return
	}

	// server calls are bounded so a hung server cannot stall the batch;
	// persistence stays on the round context
	pollCtx, cancel := context.WithTimeout(ctx, worker.config.PollTimeout)
	defer cancel()

	if !subscription.Queue.Registered() {
		handle, err := client.RegisterQueue(pollCtx)
		if err != nil {
			if errs2.IsCanceled(err) && ctx.Err() != nil {
				return
			}
			log.Warn("queue registration failed", zap.Error(err))
			subscription.Failures++
			worker.persist(ctx, log, subscription)
			return
		}
		subscription.Queue = handle
		worker.persist(ctx, log, subscription)
	}

	batch, handle, err := client.Events(pollCtx, subscription.Queue, zulip.EventsOptions{})
	if err != nil {
		if zulip.ErrExpiredQueue.Has(err) {
			// not a counted failure, the next round registers a new queue
			log.Info("event queue expired")
			subscription.Queue = zulip.QueueHandle{LastEventID: -1}
			worker.persist(ctx, log, subscription)
			return
		}
		log.Warn("poll failed", zap.Error(err))
		subscription.Failures++
		worker.persist(ctx, log, subscription)
		return
	}
	if ctx.Err() != nil {
		// shutting down, the empty result is just the cancellation resolving
		return
	}
	if pollCtx.Err() != nil {
		// the deadline fired mid-request and resolved as an empty batch,
		// which counts like any other transient poll failure
		log.Warn("poll timed out", zap.Duration("timeout", worker.config.PollTimeout))
		subscription.Failures++
		worker.persist(ctx, log, subscription)
		return
	}

	// The handle already advanced past every event in the batch, filtered
	// or not, so nothing is reconsidered next round. The successful poll
	// forgives earlier failures; delivery below counts new ones.
	subscription.Queue = handle
	subscription.Failures = 0

	for _, event := range batch.Messages {
		if !worker.dispatch(ctx, log, &subscription, event) {
			return
		}
	}

	worker.persist(ctx, log, subscription)
}

// dispatch filters one message event and pushes it when it passes. The
// false return means the subscription was deleted and the round must stop
// touching it.
func (worker *Worker) dispatch(ctx context.Context, log *zap.Logger, subscription *subscriptions.Subscription, event zulip.MessageEvent) bool {
	result := notifyfilter.ShouldNotify(subscription.Settings, filterable(event), subscription.UserID, worker.nowFn())
	mon.Counter("poller_filter_decisions", monkit.NewSeriesTag("reason", string(result.Reason))).Inc(1)
	if !result.Notify {
		log.Debug("message suppressed",
			zap.Int64("message_id", event.Message.ID), zap.String("reason", string(result.Reason)))
		return true
	}

	payload, err := json.Marshal(subscriptions.Payload{
		Title:     event.Message.NotificationTitle(),
		Body:      event.Message.NotificationBody(),
		MessageID: event.Message.ID,
	})
	if err != nil {
		log.Error("cannot encode push payload", zap.Error(err))
		subscription.Failures++
		return true
	}

	if err := worker.sender.Send(ctx, subscription.PushTarget(), payload); err != nil {
		if webpush.ErrGone.Has(err) {
			log.Info("push endpoint gone, removing subscription")
			if err := worker.db.Delete(ctx, subscription.Endpoint); err != nil {
				log.Error("failed to delete gone subscription", zap.Error(err))
			}
			mon.Counter("poller_endpoint_gone").Inc(1)
			return false
		}
		log.Warn("push delivery failed",
			zap.Int64("message_id", event.Message.ID), zap.Error(err))
		subscription.Failures++
		return true
	}

	mon.Counter("poller_pushes_sent").Inc(1)
	return true
}

// persist writes the subscription's polling state back, enforcing the
// eviction threshold: a record whose failure counter reached it is
// deleted instead of stored, no matter where the failures came from.
func (worker *Worker) persist(ctx context.Context, log *zap.Logger, subscription subscriptions.Subscription) {
	if subscription.Failures >= worker.config.FailureThreshold {
		log.Info("evicting subscription after repeated failures",
			zap.Int("failures", subscription.Failures))
		if err := worker.db.Delete(ctx, subscription.Endpoint); err != nil {
			log.Error("failed to evict subscription", zap.Error(err))
		}
		mon.Counter("poller_evicted").Inc(1)
		return
	}

	subscription.UpdatedAt = worker.nowFn().UTC()
	if err := worker.db.Upsert(ctx, subscription); err != nil {
		log.Error("failed to persist subscription state", zap.Error(err))
	}
}

// credentials unseals and decodes the subscription's Zulip credentials.
func (worker *Worker) credentials(subscription subscriptions.Subscription) (zulip.Credentials, error) {
	plaintext, err := worker.vault.Decrypt(subscription.Endpoint, subscription.Credentials)
	if err != nil {
		return zulip.Credentials{}, err
	}
	var creds zulip.Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return zulip.Credentials{}, Error.Wrap(err)
	}
	return creds, nil
}

// filterable projects a polled message event onto the filter's view of it.
func filterable(event zulip.MessageEvent) notifyfilter.Message {
	kind := notifyfilter.KindStream
	if event.Message.Direct() {
		kind = notifyfilter.KindDirect
	}
	return notifyfilter.Message{
		SenderID:          event.Message.SenderID,
		Kind:              kind,
		Stream:            event.Message.StreamName(),
		Topic:             event.Message.Subject,
		Mentioned:         event.Mentioned,
		WildcardMentioned: event.WildcardMentioned,
	}
}
