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

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// InventoryFingerprint is the local material hashed to detect divergence
// from the upstream inventory.
type InventoryFingerprint struct {
	Key       string     `db:"inventory_key"`
	UpdatedAt *time.Time `db:"updated_at"`
}

// InventoryCluster is an upstream cluster definition to reconcile.
type InventoryCluster struct {
	Key         string
	Name        string
	HAProxyHost *string
	UpdatedAt   time.Time
	Servers     []InventoryServer
}

// InventoryServer is one server of an upstream cluster definition.
type InventoryServer struct {
	Key        string
	Name       string
	Port       int
	Activated  bool
	HAProxyKey *string
}

// ClusterFingerprints lists (inventory_key, updated_at) of every cluster
// bound to the inventory, ordered by key.
func (s *Store) ClusterFingerprints(ctx context.Context) ([]InventoryFingerprint, error) {
	var out []InventoryFingerprint
	err := s.db.SelectContext(ctx, &out, `
		SELECT inventory_key, updated_at FROM clusters
		WHERE inventory_key IS NOT NULL ORDER BY inventory_key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list cluster fingerprints: %w", err)
	}
	return out, nil
}

// HasClusterWithInventoryKey reports whether the key is known locally.
func (s *Store) HasClusterWithInventoryKey(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS(SELECT 1 FROM clusters WHERE inventory_key = $1)`, key)
	if err != nil {
		return false, fmt.Errorf("failed to look up inventory key %q: %w", key, err)
	}
	return exists, nil
}

// ApplyInventoryCluster adds or updates the cluster identified by its
// inventory key and reconciles its server set. Remote servers are matched
// by inventory_key first, then by name for servers predating inventory
// keys.
func (s *Store) ApplyInventoryCluster(ctx context.Context, def InventoryCluster) error {
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		var clusterID int64
		err := tx.GetContext(ctx, &clusterID,
			`SELECT id FROM clusters WHERE inventory_key = $1`, def.Key)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			err = tx.QueryRowxContext(ctx, `
				INSERT INTO clusters (name, haproxy_host, inventory_key, updated_at)
				VALUES ($1, $2, $3, $4) RETURNING id`,
				def.Name, def.HAProxyHost, def.Key, def.UpdatedAt).Scan(&clusterID)
			if err != nil {
				return fmt.Errorf("failed to add cluster %q: %w", def.Key, err)
			}
		case err != nil:
			return fmt.Errorf("failed to look up cluster %q: %w", def.Key, err)
		default:
			_, err = tx.ExecContext(ctx, `
				UPDATE clusters SET name = $2, haproxy_host = $3, updated_at = $4 WHERE id = $1`,
				clusterID, def.Name, def.HAProxyHost, def.UpdatedAt)
			if err != nil {
				return fmt.Errorf("failed to update cluster %q: %w", def.Key, err)
			}
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM cluster_servers WHERE cluster_id = $1`, clusterID); err != nil {
			return fmt.Errorf("failed to clear servers of cluster %q: %w", def.Key, err)
		}

		for _, srv := range def.Servers {
			serverID, err := reconcileServer(ctx, tx, srv)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO cluster_servers (cluster_id, server_id, haproxy_key)
				VALUES ($1, $2, $3)`, clusterID, serverID, srv.HAProxyKey)
			if err != nil {
				return fmt.Errorf("failed to attach server %q to cluster %q: %w", srv.Name, def.Key, err)
			}
		}
		return nil
	})
}

func reconcileServer(ctx context.Context, tx *sqlx.Tx, srv InventoryServer) (int64, error) {
	var id int64
	err := tx.GetContext(ctx, &id, `SELECT id FROM servers WHERE inventory_key = $1`, srv.Key)
	if errors.Is(err, sql.ErrNoRows) {
		// Legacy servers predate inventory keys; adopt them by name.
		err = tx.GetContext(ctx, &id,
			`SELECT id FROM servers WHERE inventory_key IS NULL AND name = $1`, srv.Name)
	}
	switch {
	case errors.Is(err, sql.ErrNoRows):
		err = tx.QueryRowxContext(ctx, `
			INSERT INTO servers (name, port, activated, inventory_key)
			VALUES ($1, $2, $3, $4) RETURNING id`,
			srv.Name, srv.Port, srv.Activated, srv.Key).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("failed to add server %q: %w", srv.Name, err)
		}
		return id, nil
	case err != nil:
		return 0, fmt.Errorf("failed to look up server %q: %w", srv.Name, err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE servers SET name = $2, port = $3, activated = $4, inventory_key = $5 WHERE id = $1`,
		id, srv.Name, srv.Port, srv.Activated, srv.Key)
	if err != nil {
		return 0, fmt.Errorf("failed to update server %q: %w", srv.Name, err)
	}
	return id, nil
}

// SoftDeleteClusterByInventoryKey renames the cluster to old-<name> and
// detaches it from the inventory. The cluster stays attached to its
// environments so operators can inspect what pointed at it.
func (s *Store) SoftDeleteClusterByInventoryKey(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE clusters
		SET name = 'old-' || name, inventory_key = NULL, updated_at = NULL
		WHERE inventory_key = $1`, key)
	if err != nil {
		return fmt.Errorf("failed to soft-delete cluster %q: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("cluster %q: %w", key, ErrNotFound)
	}
	return nil
}
