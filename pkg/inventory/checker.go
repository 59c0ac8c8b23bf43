// Copyright 2016 Nokia Corporation and/or its subsidiary(-ies).
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package inventory

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"deployer/pkg/store"
)

// divergenceWarnThreshold is the number of consecutive divergent cycles
// after which the checker complains loudly.
const divergenceWarnThreshold = 5

// FingerprintStore reads the local material the checker compares with
// the upstream fingerprint.
type FingerprintStore interface {
	ClusterFingerprints(ctx context.Context) ([]store.InventoryFingerprint, error)
}

// Checker periodically compares the local fingerprint with the upstream
// one and enqueues a full resync when they diverge.
type Checker struct {
	store  FingerprintStore
	api    API
	queue  *Queue
	period time.Duration
	logger *slog.Logger

	// startupDelay desynchronizes multiple deployer instances. Tests
	// override it.
	startupDelay time.Duration

	divergences int
}

// NewChecker builds the checker. period is the cycle frequency.
func NewChecker(st FingerprintStore, api API, queue *Queue, period time.Duration, logger *slog.Logger) *Checker {
	return &Checker{
		store:        st,
		api:          api,
		queue:        queue,
		period:       period,
		logger:       logger.With("component", "inventory-update-checker"),
		startupDelay: time.Duration(rand.Int63n(int64(period) + 1)),
	}
}

// Name implements the worker contract.
func (c *Checker) Name() string { return "inventory-update-checker" }

// Start runs check cycles until the context ends.
func (c *Checker) Start(ctx context.Context) error {
	c.logger.Info("Delaying first inventory check", "delay", c.startupDelay)
	select {
	case <-ctx.Done():
		return nil
	case <-time.After(c.startupDelay):
	}

	ticker := time.NewTicker(c.period)
	defer ticker.Stop()
	for {
		c.runCycle(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (c *Checker) runCycle(ctx context.Context) {
	if c.queue.Len() > 0 {
		// An update is still being applied, comparing now would only
		// re-enqueue the same keys.
		c.logger.Debug("Skipping inventory check, update in progress")
		return
	}

	remote, err := c.api.LastUpdate(ctx)
	if err != nil {
		c.logger.Error("Failed to fetch inventory fingerprint", "error", err)
		return
	}
	fps, err := c.store.ClusterFingerprints(ctx)
	if err != nil {
		c.logger.Error("Failed to compute local fingerprint", "error", err)
		return
	}
	if Fingerprint(fps) == remote {
		c.divergences = 0
		return
	}

	c.divergences++
	if c.divergences >= divergenceWarnThreshold {
		c.logger.Warn("Inventory still divergent after repeated resyncs",
			"consecutive_cycles", c.divergences)
	}
	c.enqueueResync(ctx, fps)
}

// enqueueResync queues every upstream cluster key plus every local key
// the upstream no longer knows, so the applier can soft-delete those.
func (c *Checker) enqueueResync(ctx context.Context, local []store.InventoryFingerprint) {
	keys, err := c.api.ClusterKeys(ctx)
	if err != nil {
		c.logger.Error("Failed to list inventory clusters", "error", err)
		return
	}
	remote := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		remote[key] = struct{}{}
		c.queue.Push(Update{Type: UpdateTypeCluster, Key: key})
	}
	for _, fp := range local {
		if _, ok := remote[fp.Key]; !ok {
			c.queue.Push(Update{Type: UpdateTypeCluster, Key: fp.Key})
		}
	}
	c.logger.Info("Inventory divergence detected, resync queued",
		"remote_clusters", len(keys), "queued", c.queue.Len())
}
