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

// Package workers holds the long-lived workers around the deployment
// engine: job executors, async mirror fetchers, the release auditor and
// the mirror cleaner.
package workers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"deployer/pkg/queue"
)

// reserveTimeout bounds one blocking reserve so shutdown is observed.
const reserveTimeout = 2 * time.Second

// maxReleaseCount drops a job after that many releases back on the
// tube. Zero until a proper retry strategy exists.
const maxReleaseCount = 0

// releaseDelay spaces redeliveries of a failed job.
const releaseDelay = 10 * time.Second

// ReservedJob is one deployment job held until Delete or Release.
type ReservedJob interface {
	Payload() queue.Job
	Delete() error
	Release(delay time.Duration) error
	Releases() (int, error)
}

// JobSource hands out deployment jobs. Implemented by the beanstalk
// queue; faked in tests.
type JobSource interface {
	Reserve(timeout time.Duration) (ReservedJob, error)
}

// BeanstalkSource adapts a beanstalk queue to JobSource.
type BeanstalkSource struct {
	Queue *queue.Queue
}

type beanstalkJob struct {
	job *queue.ReservedJob
}

func (b beanstalkJob) Payload() queue.Job { return b.job.Job }

func (b beanstalkJob) Delete() error { return b.job.Delete() }

func (b beanstalkJob) Release(delay time.Duration) error { return b.job.Release(delay) }

func (b beanstalkJob) Releases() (int, error) { return b.job.Releases() }

// Reserve implements JobSource.
func (s BeanstalkSource) Reserve(timeout time.Duration) (ReservedJob, error) {
	job, err := s.Queue.Reserve(timeout)
	if err != nil || job == nil {
		return nil, err
	}
	return beanstalkJob{job: job}, nil
}

// DeployEngine runs one deployment to completion.
type DeployEngine interface {
	Execute(ctx context.Context, deployID int64) error
}

// Executor reserves deployment jobs and feeds them to the engine.
// Several executors run concurrently against the same tube.
type Executor struct {
	index  int
	source JobSource
	engine DeployEngine
	logger *slog.Logger
}

// NewExecutor builds executor number index.
func NewExecutor(index int, source JobSource, engine DeployEngine, logger *slog.Logger) *Executor {
	name := fmt.Sprintf("deployer-worker-%d", index)
	return &Executor{
		index:  index,
		source: source,
		engine: engine,
		logger: logger.With("component", name),
	}
}

// Name implements the worker contract.
func (e *Executor) Name() string { return fmt.Sprintf("deployer-worker-%d", e.index) }

// Start reserves and executes jobs until the context ends. An in-flight
// deployment is allowed to finish: once drained a cluster must be
// completed.
func (e *Executor) Start(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		job, err := e.source.Reserve(reserveTimeout)
		if err != nil {
			e.logger.Error("Failed to reserve a job", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(reserveTimeout):
			}
			continue
		}
		if job == nil {
			continue
		}
		e.handle(ctx, job)
	}
}

func (e *Executor) handle(ctx context.Context, job ReservedJob) {
	payload := job.Payload()
	releases, _ := job.Releases()
	e.logger.Info("Received a deployment job",
		"deploy_id", payload.DeployID,
		"repository", payload.RepositoryName,
		"environment", payload.EnvironmentName,
		"releases", releases)

	if err := e.engine.Execute(context.WithoutCancel(ctx), payload.DeployID); err != nil {
		e.logger.Error("Deployment job failed", "deploy_id", payload.DeployID, "error", err)
		e.retryOrDrop(job, releases)
		return
	}
	if err := job.Delete(); err != nil {
		e.logger.Error("Failed to delete completed job", "deploy_id", payload.DeployID, "error", err)
		return
	}
	e.logger.Info("Job complete, deleted it", "deploy_id", payload.DeployID)
}

func (e *Executor) retryOrDrop(job ReservedJob, releases int) {
	if releases >= maxReleaseCount {
		e.logger.Warn("Job released too many times, dropping it", "releases", releases)
		if err := job.Delete(); err != nil {
			e.logger.Error("Failed to drop failed job", "error", err)
		}
		return
	}
	if err := job.Release(releaseDelay); err != nil {
		e.logger.Error("Failed to release failed job", "error", err)
	}
}
