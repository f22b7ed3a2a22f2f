// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package lifecycle allows controlling the startup and shutdown
// of a group of long-running items.
package lifecycle

import (
	"context"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/common/errs2"
)

// Item is a single component tracked by a Group. Run and Close
// may be nil when the component has nothing to do for that phase.
type Item struct {
	Name  string
	Run   func(ctx context.Context) error
	Close func() error
}

// Group tracks a list of items and runs and closes them together.
type Group struct {
	log   *zap.Logger
	items []Item
}

// NewGroup creates a new group.
func NewGroup(log *zap.Logger) *Group {
	return &Group{log: log}
}

// Add adds an item to the group.
func (group *Group) Add(item Item) {
	group.items = append(group.items, item)
}

// Run starts each item's Run on the provided errgroup. Context
// cancellation is the expected way to stop a runner, so canceled
// errors are not treated as failures.
func (group *Group) Run(ctx context.Context, g *errgroup.Group) {
	var started []string
	for _, item := range group.items {
		item := item
		if item.Run == nil {
			continue
		}
		started = append(started, item.Name)

		g.Go(func() error {
			group.log.Debug("starting", zap.String("item", item.Name))

			err := item.Run(ctx)
			if errs2.IsCanceled(err) {
				err = nil
			}
			if err != nil {
				group.log.Error("unexpected shutdown of a runner",
					zap.String("item", item.Name), zap.Error(err))
			}
			return err
		})
	}
	group.log.Debug("started", zap.Strings("items", started))
}

// Close closes all items in reverse of the order they were added.
func (group *Group) Close() error {
	var errlist errs.Group

	for i := len(group.items) - 1; i >= 0; i-- {
		item := group.items[i]
		if item.Close == nil {
			continue
		}
		errlist.Add(item.Close())
	}

	return errlist.Err()
}
