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

// Package notify fans deployment events out to a configurable set of
// sinks: mail, graphite, websocket broadcast and peer deployers. Sink
// failures are isolated; a broken sink never fails a deployment.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"deployer/pkg/model"
)

// Event types dispatched by the engine, the enqueuer and the fetchers.
const (
	EventDeploymentStart  = "deployment.start"
	EventConfigLoaded     = "deployment.configuration_loaded"
	EventDeploymentEnd    = "deployment.end"
	EventStepStart        = "deployment.step_start"
	EventStepEnd          = "deployment.step_end"
	EventStepRelease      = "deployment.step.release"
	EventDeploymentQueued = "deployment.queued"
	EventCommitsFetched   = "commits.fetched"
	EventDeployerStarted  = "deployer.start"
)

// ReleaseInfo describes the release written on one server.
type ReleaseInfo struct {
	Branch      string    `json:"branch"`
	Commit      string    `json:"commit"`
	ReleaseDate time.Time `json:"release_date"`
}

// Event is a deployment lifecycle notification. Only the fields relevant
// to the event type are set.
type Event struct {
	Type string

	EnvironmentID int64

	Deployment     *model.Deployment
	Environment    *model.Environment
	TargetClusters []*model.Cluster

	StepName   string
	StepFailed bool

	Server      *model.Server
	ReleaseInfo *ReleaseInfo

	Screenshots []string
}

// DeploymentStart announces that the engine picked up a deployment.
func DeploymentStart(d *model.Deployment) Event {
	return Event{Type: EventDeploymentStart, Deployment: d, EnvironmentID: envID(d)}
}

// ConfigurationLoaded carries the freshly resolved deployment view.
func ConfigurationLoaded(d *model.Deployment, env *model.Environment, clusters []*model.Cluster) Event {
	return Event{
		Type:           EventConfigLoaded,
		Deployment:     d,
		Environment:    env,
		TargetClusters: clusters,
		EnvironmentID:  envID(d),
	}
}

// DeploymentEnd announces the terminal status, with any screenshots taken
// during POST_DEPLOY.
func DeploymentEnd(d *model.Deployment, env *model.Environment, clusters []*model.Cluster, screenshots []string) Event {
	return Event{
		Type:           EventDeploymentEnd,
		Deployment:     d,
		Environment:    env,
		TargetClusters: clusters,
		Screenshots:    screenshots,
		EnvironmentID:  envID(d),
	}
}

// StepStart announces a pipeline step.
func StepStart(d *model.Deployment, stepName string) Event {
	return Event{Type: EventStepStart, Deployment: d, StepName: stepName, EnvironmentID: envID(d)}
}

// StepEnd announces the end of a pipeline step.
func StepEnd(d *model.Deployment, stepName string, failed bool) Event {
	return Event{Type: EventStepEnd, Deployment: d, StepName: stepName, StepFailed: failed, EnvironmentID: envID(d)}
}

// ReleasedOnServer announces one server carrying the new release.
func ReleasedOnServer(d *model.Deployment, server *model.Server, info ReleaseInfo) Event {
	return Event{
		Type:          EventStepRelease,
		Deployment:    d,
		Server:        server,
		ReleaseInfo:   &info,
		EnvironmentID: envID(d),
	}
}

// DeploymentQueued announces a deployment accepted by the enqueuer.
func DeploymentQueued(d *model.Deployment) Event {
	return Event{Type: EventDeploymentQueued, Deployment: d, EnvironmentID: envID(d)}
}

// CommitsFetched announces a refreshed mirror; peer deployers use it to
// refresh their commit views.
func CommitsFetched(environmentID int64, env *model.Environment) Event {
	return Event{Type: EventCommitsFetched, Environment: env, EnvironmentID: environmentID}
}

// DeployerStarted announces process startup.
func DeployerStarted() Event {
	return Event{Type: EventDeployerStarted}
}

func envID(d *model.Deployment) int64 {
	if d != nil && d.EnvironmentID != nil {
		return *d.EnvironmentID
	}
	return 0
}

// Notifier is one event sink.
type Notifier interface {
	Name() string
	Dispatch(ctx context.Context, event Event) error
}

// Collection fans events out to an ordered list of sinks, isolating each
// sink's failures and panics.
type Collection struct {
	notifiers []Notifier
	logger    *slog.Logger
}

// NewCollection builds the fan-out over the given sinks.
func NewCollection(logger *slog.Logger, notifiers ...Notifier) *Collection {
	return &Collection{
		notifiers: notifiers,
		logger:    logger.With("component", "notifier"),
	}
}

// Dispatch delivers the event to every sink. Errors are logged, never
// returned: notification failures must not fail deployments.
func (c *Collection) Dispatch(ctx context.Context, event Event) {
	for _, n := range c.notifiers {
		if err := c.dispatchOne(ctx, n, event); err != nil {
			c.logger.Error("Failed to dispatch event",
				"sink", n.Name(), "event", event.Type, "error", err)
		}
	}
}

func (c *Collection) dispatchOne(ctx context.Context, n Notifier, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panicked: %v", r)
		}
	}()
	return n.Dispatch(ctx, event)
}
