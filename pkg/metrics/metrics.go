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

// Package metrics exposes deployment counters on a Prometheus registry.
// The counters are fed from the notification stream, so the engine and
// the workers need no metrics plumbing of their own.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"deployer/pkg/notify"
)

// Metrics owns a private registry. Never uses the global default
// registerer, so a discarded instance is garbage collected.
type Metrics struct {
	registry *prometheus.Registry

	deploymentsQueued prometheus.Counter
	deploymentsEnded  *prometheus.CounterVec
	commitsFetched    prometheus.Counter
}

// New builds the registry and its counters.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		deploymentsQueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "deployer_deployments_queued_total",
			Help: "Deployment jobs accepted by the enqueuer.",
		}),
		deploymentsEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "deployer_deployments_ended_total",
			Help: "Finished deployments by terminal status.",
		}, []string{"status"}),
		commitsFetched: factory.NewCounter(prometheus.CounterOpts{
			Name: "deployer_mirror_fetches_total",
			Help: "Completed git mirror refreshes.",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Name implements notify.Notifier.
func (m *Metrics) Name() string { return "metrics" }

// Dispatch implements notify.Notifier by counting lifecycle events.
func (m *Metrics) Dispatch(_ context.Context, event notify.Event) error {
	switch event.Type {
	case notify.EventDeploymentQueued:
		m.deploymentsQueued.Inc()
	case notify.EventDeploymentEnd:
		if event.Deployment != nil {
			m.deploymentsEnded.WithLabelValues(string(event.Deployment.Status)).Inc()
		}
	case notify.EventCommitsFetched:
		m.commitsFetched.Inc()
	}
	return nil
}
