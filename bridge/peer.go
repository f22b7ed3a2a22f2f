// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package bridge

import (
	"context"
	"errors"
	"net"
	"runtime/pprof"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/common/debug"
	"storj.io/common/version"

	"github.com/zulipnotifs/pushbridge/bridge/console"
	"github.com/zulipnotifs/pushbridge/bridge/poller"
	"github.com/zulipnotifs/pushbridge/bridge/subscriptions"
	"github.com/zulipnotifs/pushbridge/bridge/vault"
	"github.com/zulipnotifs/pushbridge/bridge/webpush"
	"github.com/zulipnotifs/pushbridge/private/lifecycle"
)

var mon = monkit.Package()

// Config is the configuration for the whole bridge process.
type Config struct {
	Database string `help:"bridge database URL, a bolt file path or a redis:// URL" default:"$CONFDIR/pushbridge.db"`

	Vault   vault.Config
	Push    webpush.Config
	Poller  poller.Config
	Console console.Config

	Debug debug.Config
}

// Peer is the bridge process: it serves subscription registrations over
// HTTP and polls the registered Zulip event queues.
//
// architecture: Peer
type Peer struct {
	Log *zap.Logger
	DB  DB

	Servers  *lifecycle.Group
	Services *lifecycle.Group

	Debug struct {
		Listener net.Listener
		Server   *debug.Server
	}

	Vault *vault.Vault

	Push struct {
		Sender *webpush.Sender
	}

	Subscriptions struct {
		Service *subscriptions.Service
	}

	Console struct {
		Listener net.Listener
		Server   *console.Server
	}

	Poller struct {
		Worker *poller.Worker
	}
}

// NewPeer creates a new bridge peer.
func NewPeer(log *zap.Logger, db DB, config *Config) (*Peer, error) {
	peer := &Peer{
		Log: log,
		DB:  db,

		Servers:  lifecycle.NewGroup(log.Named("servers")),
		Services: lifecycle.NewGroup(log.Named("services")),
	}

	{ // setup debug
		var err error
		if config.Debug.Addr != "" {
			peer.Debug.Listener, err = net.Listen("tcp", config.Debug.Addr)
			if err != nil {
				withoutStack := errors.New(err.Error())
				peer.Log.Warn("failed to start debug endpoints", zap.Error(withoutStack))
			}
		}
		debugConfig := config.Debug
		debugConfig.ControlTitle = "Bridge"
		peer.Debug.Server = debug.NewServerWithAtomicLevel(log.Named("debug"), peer.Debug.Listener, monkit.Default, debugConfig, nil)
		peer.Servers.Add(lifecycle.Item{
			Name:  "debug",
			Run:   peer.Debug.Server.Run,
			Close: peer.Debug.Server.Close,
		})
	}

	peer.Log.Info("Version info",
		zap.Stringer("Version", version.Build.Version.Version),
		zap.String("Commit Hash", version.Build.CommitHash),
		zap.Stringer("Build Timestamp", version.Build.Timestamp),
		zap.Bool("Release Build", version.Build.Release),
	)

	{ // setup credential vault and push sender
		var err error
		peer.Vault, err = vault.New(config.Vault)
		if err != nil {
			return nil, errs.Combine(err, peer.Close())
		}

		peer.Push.Sender, err = webpush.NewSender(log.Named("webpush"), config.Push)
		if err != nil {
			return nil, errs.Combine(err, peer.Close())
		}
	}

	{ // setup subscriptions
		peer.Subscriptions.Service = subscriptions.NewService(
			log.Named("subscriptions"),
			db.Subscriptions(),
			peer.Vault,
			peer.Push.Sender,
		)
	}

	{ // setup console
		var err error
		peer.Console.Listener, err = net.Listen("tcp", config.Console.Address)
		if err != nil {
			return nil, errs.Combine(err, peer.Close())
		}

		peer.Console.Server = console.NewServer(
			log.Named("console"),
			peer.Console.Listener,
			peer.Subscriptions.Service,
			peer.Push.Sender,
			version.Build.Version.String(),
			config.Console,
		)

		peer.Servers.Add(lifecycle.Item{
			Name:  "console",
			Run:   peer.Console.Server.Run,
			Close: peer.Console.Server.Close,
		})
	}

	{ // setup poller
		peer.Poller.Worker = poller.NewWorker(
			log.Named("poller"),
			db.Subscriptions(),
			peer.Vault,
			peer.Push.Sender,
			config.Poller,
		)

		peer.Services.Add(lifecycle.Item{
			Name:  "poller",
			Run:   peer.Poller.Worker.Run,
			Close: peer.Poller.Worker.Close,
		})
	}

	return peer, nil
}

// Run runs the bridge until it's either closed or it errors.
func (peer *Peer) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	group, ctx := errgroup.WithContext(ctx)

	pprof.Do(ctx, pprof.Labels("subsystem", "bridge"), func(ctx context.Context) {
		peer.Servers.Run(ctx, group)
		peer.Services.Run(ctx, group)

		pprof.Do(ctx, pprof.Labels("name", "subsystem-wait"), func(ctx context.Context) {
			err = group.Wait()
		})
	})

	return err
}

// Close closes all the resources.
func (peer *Peer) Close() error {
	return errs.Combine(
		peer.Servers.Close(),
		peer.Services.Close(),
	)
}
