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

package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"deployer/pkg/haproxy"
	"deployer/pkg/model"
)

// ProxyControl drains and refills clusters through their HAProxy.
type ProxyControl interface {
	// ClusterAction checks that every key's status contains
	// expectedStatus, then applies the action to the keys needing it.
	ClusterAction(ctx context.Context, haproxyHost string, keys []string, expectedStatus string, action haproxy.Action) error
}

// HAProxyControl is the production ProxyControl over the legacy stats
// page. The haproxy_host column holds the full stats URL.
type HAProxyControl struct {
	username string
	password string
}

// NewHAProxyControl builds the control with the shared stats credentials.
func NewHAProxyControl(username, password string) *HAProxyControl {
	return &HAProxyControl{username: username, password: password}
}

// ClusterAction implements ProxyControl.
func (h *HAProxyControl) ClusterAction(ctx context.Context, haproxyHost string, keys []string, expectedStatus string, action haproxy.Action) error {
	client := haproxy.New(haproxyHost, h.username, h.password)
	return haproxy.ClusterAction(ctx, client, keys, expectedStatus, action)
}

// orchestrationSleep is how long a refilled cluster gets to warm up
// before its health is verified. Tests shorten it.
var orchestrationSleep = time.Second

// orchestrateClusters rolls deployOne over the target clusters while
// keeping at least one cluster in rotation, except when the operator
// explicitly targeted a single cluster or server. On failure the
// drained cluster is left as is: re-enabling untested code would be
// worse than a shrunk fleet.
func (e *Engine) orchestrateClusters(ctx context.Context, r *run, deployOne func(*model.Cluster) error) error {
	old := make([]*model.Cluster, len(r.clusters))
	copy(old, r.clusters)
	var updated []*model.Cluster

	if err := e.ensureClustersUp(ctx, r, old); err != nil {
		return err
	}
	for len(old) > 0 {
		c := old[0]
		old = old[1:]

		switch {
		case len(updated) == 1:
			// The first refilled cluster can now carry the traffic
			// alone; verify it before draining everything else.
			time.Sleep(orchestrationSleep)
			if err := e.ensureClustersUp(ctx, r, updated); err != nil {
				return err
			}
			if len(old) > 0 {
				if err := e.clusterAction(ctx, r, old, haproxy.ActionDisable); err != nil {
					return err
				}
			}
		case len(updated) > 1:
			if err := e.ensureClustersUp(ctx, r, updated); err != nil {
				return err
			}
		}

		if err := e.clusterAction(ctx, r, []*model.Cluster{c}, haproxy.ActionDisable); err != nil {
			return err
		}
		if err := deployOne(c); err != nil {
			return err
		}
		updated = append(updated, c)
		if err := e.clusterAction(ctx, r, []*model.Cluster{c}, haproxy.ActionEnable); err != nil {
			return err
		}
	}
	return nil
}

func clusterNames(clusters []*model.Cluster) string {
	names := make([]string, len(clusters))
	for i, c := range clusters {
		names[i] = c.Name
	}
	return strings.Join(names, ", ")
}

// ensureClustersUp fails when any activated server of any cluster is
// not UP. Clusters without an HAProxy host are skipped.
func (e *Engine) ensureClustersUp(ctx context.Context, r *run, clusters []*model.Cluster) error {
	return e.runStep(ctx, r, fmt.Sprintf("Ensure all servers in clusters %s are up", clusterNames(clusters)), true,
		func(emit emitFunc) error {
			for _, c := range clusters {
				if c.HAProxyHost == nil {
					continue
				}
				if err := e.proxy.ClusterAction(ctx, *c.HAProxyHost, c.HAProxyKeys(), "UP", haproxy.ActionEnable); err != nil {
					return err
				}
			}
			return nil
		})
}

// clusterAction drains or refills a set of clusters.
func (e *Engine) clusterAction(ctx context.Context, r *run, clusters []*model.Cluster, action haproxy.Action) error {
	verb := "Enable"
	if action == haproxy.ActionDisable {
		verb = "Disable"
	}
	return e.runStep(ctx, r, fmt.Sprintf("%s clusters %s", verb, clusterNames(clusters)), true,
		func(emit emitFunc) error {
			for _, c := range clusters {
				if c.HAProxyHost == nil {
					emit(model.NewLogEntry(fmt.Sprintf("Cluster %s has no HAProxy configured, skipping.", c.Name)))
					continue
				}
				emit(model.NewLogEntry(fmt.Sprintf("%s cluster %s (servers %s)", verb, c.Name, clusterServerList(c))))
				if err := e.proxy.ClusterAction(ctx, *c.HAProxyHost, c.HAProxyKeys(), "", action); err != nil {
					return err
				}
			}
			return nil
		})
}

func clusterServerList(c *model.Cluster) string {
	var parts []string
	for _, cs := range c.Servers {
		if cs.Server == nil || !cs.Server.Activated {
			continue
		}
		key := ""
		if cs.HAProxyKey != nil {
			key = *cs.HAProxyKey
		}
		parts = append(parts, fmt.Sprintf("%s (%s)", cs.Server.Name, key))
	}
	return strings.Join(parts, ", ")
}
