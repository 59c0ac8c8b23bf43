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

// Package inventory reconciles the local cluster and server model with
// the upstream inventory service.
package inventory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"deployer/pkg/store"
)

// ClusterState is the upstream's verdict about one cluster key.
type ClusterState int

const (
	// StateExisting means the cluster is still defined upstream.
	StateExisting ClusterState = iota
	// StateDeleted means the key is gone upstream.
	StateDeleted
)

// API is the inventory surface the sync workers need.
type API interface {
	// LastUpdate returns the upstream fingerprint over every cluster.
	LastUpdate(ctx context.Context) (string, error)
	// ClusterKeys returns every cluster key defined upstream.
	ClusterKeys(ctx context.Context) ([]string, error)
	// GetCluster fetches one cluster definition by key.
	GetCluster(ctx context.Context, key string) (ClusterState, *store.InventoryCluster, error)
}

// Client talks to the inventory HTTP API.
type Client struct {
	host string
	http *http.Client
}

// NewClient builds a client for the inventory at host.
func NewClient(host string) *Client {
	return &Client{
		host: host,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	target, err := url.JoinPath(c.host, path)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("inventory request %s failed: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("inventory request %s returned %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("unreadable inventory response for %s: %w", path, err)
	}
	return nil
}

// LastUpdate implements API.
func (c *Client) LastUpdate(ctx context.Context) (string, error) {
	var payload struct {
		Fingerprint string `json:"fingerprint"`
	}
	if err := c.get(ctx, "/api/clusters/last_update", &payload); err != nil {
		return "", err
	}
	return payload.Fingerprint, nil
}

// ClusterKeys implements API.
func (c *Client) ClusterKeys(ctx context.Context) ([]string, error) {
	var payload struct {
		Keys []string `json:"keys"`
	}
	if err := c.get(ctx, "/api/clusters", &payload); err != nil {
		return nil, err
	}
	return payload.Keys, nil
}

type clusterPayload struct {
	Cluster struct {
		Key         string    `json:"key"`
		Name        string    `json:"name"`
		HAProxyHost *string   `json:"haproxy_host"`
		UpdatedAt   time.Time `json:"updated_at"`
	} `json:"cluster"`
	Servers []struct {
		Key        string  `json:"key"`
		Name       string  `json:"name"`
		Port       int     `json:"port"`
		Activated  bool    `json:"activated"`
		HAProxyKey *string `json:"haproxy_key"`
	} `json:"servers"`
}

// GetCluster implements API. A 404 from upstream means the cluster was
// deleted there.
func (c *Client) GetCluster(ctx context.Context, key string) (ClusterState, *store.InventoryCluster, error) {
	target, err := url.JoinPath(c.host, "/api/clusters", key)
	if err != nil {
		return StateDeleted, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return StateDeleted, nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return StateDeleted, nil, fmt.Errorf("inventory lookup of %q failed: %w", key, err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusNotFound:
		return StateDeleted, nil, nil
	case http.StatusOK:
	default:
		return StateDeleted, nil, fmt.Errorf("inventory lookup of %q returned %d", key, resp.StatusCode)
	}

	var payload clusterPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return StateDeleted, nil, fmt.Errorf("unreadable cluster %q from inventory: %w", key, err)
	}
	def := &store.InventoryCluster{
		Key:         payload.Cluster.Key,
		Name:        payload.Cluster.Name,
		HAProxyHost: payload.Cluster.HAProxyHost,
		UpdatedAt:   payload.Cluster.UpdatedAt,
	}
	for _, srv := range payload.Servers {
		def.Servers = append(def.Servers, store.InventoryServer{
			Key:        srv.Key,
			Name:       srv.Name,
			Port:       srv.Port,
			Activated:  srv.Activated,
			HAProxyKey: srv.HAProxyKey,
		})
	}
	return StateExisting, def, nil
}

// Fingerprint hashes (inventory_key, updated_at) pairs the same way the
// upstream does, so both sides can compare a single string.
func Fingerprint(fps []store.InventoryFingerprint) string {
	h := sha256.New()
	for _, fp := range fps {
		fmt.Fprintf(h, "%s|", fp.Key)
		if fp.UpdatedAt != nil {
			fmt.Fprint(h, fp.UpdatedAt.UTC().Format(time.RFC3339Nano))
		}
		fmt.Fprint(h, "\n")
	}
	return hex.EncodeToString(h.Sum(nil))
}
