// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package zulip

import (
	"context"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"

	"storj.io/common/errs2"
	"storj.io/common/sync2"
)

// State describes where a session is in its connection lifecycle.
type State string

const (
	// StateDisconnected means the session is not running.
	StateDisconnected State = "disconnected"
	// StateConnecting means the session is registering an event queue.
	StateConnecting State = "connecting"
	// StateConnected means the session is polling a live queue.
	StateConnected State = "connected"
	// StateError means the last poll or registration failed and the
	// session is backing off before retrying.
	StateError State = "error"
)

// SessionConfig configures the device-local poll loop.
type SessionConfig struct {
	Keepalive    time.Duration `help:"how long the server holds each long poll open" default:"30s"`
	ErrorBackoff time.Duration `help:"wait before retrying after a failed poll" default:"2s"`
	CatchUpCount int           `help:"how many recent messages to fetch when a session starts" default:"0"`
}

// MessageHandler receives the message events a session drains.
type MessageHandler func(ctx context.Context, event MessageEvent)

// Session drives one long-lived poll loop for one connected device:
// register once, long-poll forever, re-register without backoff when the
// queue expires, and back off briefly on any other failure. The current
// connection state and last error are exposed for display.
type Session struct {
	log     *zap.Logger
	client  *Client
	config  SessionConfig
	handler MessageHandler

	mu         sync.Mutex
	handle     QueueHandle
	state      State
	lastError  string
	keepalive  time.Duration
	cancelPoll context.CancelFunc
}

// NewSession creates a session. The handler may be nil when the caller
// only cares about keeping the queue drained.
func NewSession(log *zap.Logger, client *Client, config SessionConfig, handler MessageHandler) *Session {
	return &Session{
		log:       log,
		client:    client,
		config:    config,
		handler:   handler,
		handle:    QueueHandle{LastEventID: -1},
		state:     StateDisconnected,
		keepalive: config.Keepalive,
	}
}

// Status returns the connection state and the last error message.
func (session *Session) Status() (State, string) {
	session.mu.Lock()
	defer session.mu.Unlock()
	return session.state, session.lastError
}

// Handle returns the current queue handle.
func (session *Session) Handle() QueueHandle {
	session.mu.Lock()
	defer session.mu.Unlock()
	return session.handle
}

// SetKeepalive changes the long-poll hold time. An in-flight poll is
// cancelled so the loop can restart immediately with the new value; the
// cancelled poll resolves as an empty batch, not an error.
func (session *Session) SetKeepalive(keepalive time.Duration) {
	session.mu.Lock()
	session.keepalive = keepalive
	cancel := session.cancelPoll
	session.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Run polls until ctx is done. The returned error is ctx's error; every
// protocol failure is absorbed into the retry loop.
func (session *Session) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	defer session.setState(StateDisconnected, "")

	if session.config.CatchUpCount > 0 {
		session.catchUp(ctx)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if !session.Handle().Registered() {
			session.setState(StateConnecting, "")
			handle, err := session.client.RegisterQueue(ctx)
			if err != nil {
				if errs2.IsCanceled(err) {
					return ctx.Err()
				}
				session.fail("register", err)
				if !sync2.Sleep(ctx, session.config.ErrorBackoff) {
					return ctx.Err()
				}
				continue
			}
			session.setHandle(handle)
			session.setState(StateConnected, "")
		}

		batch, handle, err := session.poll(ctx)
		switch {
		case ErrExpiredQueue.Has(err):
			// expired queues re-register immediately, without backoff
			session.log.Info("event queue expired, re-registering")
			session.setHandle(QueueHandle{LastEventID: -1})
			continue
		case err != nil:
			session.fail("poll", err)
			if !sync2.Sleep(ctx, session.config.ErrorBackoff) {
				return ctx.Err()
			}
			continue
		}

		session.setHandle(handle)
		session.setState(StateConnected, "")

		if session.handler != nil {
			for _, event := range batch.Messages {
				session.handler(ctx, event)
			}
		}
	}
}

// poll runs one cancellable long poll using the current keepalive.
func (session *Session) poll(ctx context.Context) (*EventBatch, QueueHandle, error) {
	pollCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	session.mu.Lock()
	session.cancelPoll = cancel
	handle := session.handle
	keepalive := session.keepalive
	session.mu.Unlock()

	defer func() {
		session.mu.Lock()
		session.cancelPoll = nil
		session.mu.Unlock()
	}()

	return session.client.Events(pollCtx, handle, EventsOptions{BlockingTimeout: keepalive})
}

// catchUp hands the newest unread messages to the handler before the
// live loop starts. Catch-up messages carry no delivery flags, so
// mention state is unknown and left false.
func (session *Session) catchUp(ctx context.Context) {
	if session.handler == nil {
		return
	}

	messages, err := session.client.RecentMessages(ctx, session.config.CatchUpCount)
	if err != nil {
		session.log.Warn("catch-up fetch failed", zap.Error(err))
		return
	}
	for _, message := range messages {
		session.handler(ctx, MessageEvent{Message: message})
	}
}

func (session *Session) setHandle(handle QueueHandle) {
	session.mu.Lock()
	defer session.mu.Unlock()
	session.handle = handle
}

func (session *Session) setState(state State, lastError string) {
	session.mu.Lock()
	defer session.mu.Unlock()
	session.state = state
	session.lastError = lastError
}

func (session *Session) fail(op string, err error) {
	mon.Counter("zulip_session_failures", monkit.NewSeriesTag("op", op)).Inc(1)
	session.log.Warn("session error", zap.String("op", op), zap.Error(err))
	session.setState(StateError, err.Error())
}
