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
	"errors"
	"log/slog"

	"deployer/pkg/store"
)

// ReconcileStore writes upstream cluster definitions into the local
// model.
type ReconcileStore interface {
	ApplyInventoryCluster(ctx context.Context, def store.InventoryCluster) error
	SoftDeleteClusterByInventoryKey(ctx context.Context, key string) error
}

// Applier drains the update queue and reconciles each cluster with the
// upstream definition.
type Applier struct {
	store  ReconcileStore
	api    API
	queue  *Queue
	logger *slog.Logger
}

// NewApplier builds the applier over the shared queue.
func NewApplier(st ReconcileStore, api API, queue *Queue, logger *slog.Logger) *Applier {
	return &Applier{
		store:  st,
		api:    api,
		queue:  queue,
		logger: logger.With("component", "async-inventory-updater"),
	}
}

// Name implements the worker contract.
func (a *Applier) Name() string { return "async-inventory-updater" }

// Start processes updates until the context ends. Failures are logged
// and the worker moves on, the checker re-enqueues on the next cycle.
func (a *Applier) Start(ctx context.Context) error {
	for {
		update, ok := a.queue.Pop(ctx)
		if !ok {
			return nil
		}
		if update.Type != UpdateTypeCluster {
			a.logger.Warn("Dropping update of unknown type", "type", update.Type, "key", update.Key)
			continue
		}
		if err := a.applyCluster(ctx, update.Key); err != nil {
			a.logger.Error("Failed to apply inventory update", "key", update.Key, "error", err)
		}
	}
}

func (a *Applier) applyCluster(ctx context.Context, key string) error {
	state, def, err := a.api.GetCluster(ctx, key)
	if err != nil {
		return err
	}
	if state == StateDeleted {
		err := a.store.SoftDeleteClusterByInventoryKey(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			// Deleted upstream and never seen locally.
			return nil
		}
		if err == nil {
			a.logger.Info("Cluster soft-deleted", "key", key)
		}
		return err
	}
	if err := a.store.ApplyInventoryCluster(ctx, *def); err != nil {
		return err
	}
	a.logger.Info("Cluster reconciled", "key", key, "servers", len(def.Servers))
	return nil
}
