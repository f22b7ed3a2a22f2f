// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package bridgedb provides the storage backends for the bridge: a bbolt
// file for single-node deployments and redis for shared ones.
package bridgedb

import (
	"context"
	"strings"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/zulipnotifs/pushbridge/bridge"
)

var mon = monkit.Package()

// Error is the error class for the bridgedb package.
var Error = errs.Class("bridgedb")

// Open creates a bridge.DB backed by the store the database URL names:
// redis:// and rediss:// select redis, anything else is a bbolt file path
// (an optional bolt:// prefix is allowed).
func Open(ctx context.Context, log *zap.Logger, databaseURL string) (bridge.DB, error) {
	switch {
	case databaseURL == "":
		return nil, Error.New("database URL is missing")
	case strings.HasPrefix(databaseURL, "redis://"), strings.HasPrefix(databaseURL, "rediss://"):
		return openRedis(ctx, log, databaseURL)
	default:
		return openBolt(log, strings.TrimPrefix(databaseURL, "bolt://"))
	}
}
