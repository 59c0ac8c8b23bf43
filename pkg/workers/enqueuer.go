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

package workers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"deployer/pkg/model"
	"deployer/pkg/notify"
	"deployer/pkg/queue"
)

// peerFetchTimeout bounds one fetch notification to a peer deployer.
const peerFetchTimeout = 3 * time.Second

// EnqueueStore is the persistence surface of the enqueuer.
type EnqueueStore interface {
	CreateDeployment(ctx context.Context, d *model.Deployment) (int64, error)
	RepositoryByName(ctx context.Context, name string) (*model.Repository, error)
	EnvironmentsForRepository(ctx context.Context, repoID int64) ([]*model.Environment, error)
	AutoDeployEnvironments(ctx context.Context, repoName, branch string) ([]*model.Environment, error)
}

// JobQueue enqueues serialized deployment jobs. Implemented by the
// beanstalk queue; faked in tests.
type JobQueue interface {
	Put(job queue.Job) (uint64, error)
}

// Enqueuer turns deployment requests and push notifications into queued
// jobs. It is shared by the HTTP facade and the autodeploy path.
type Enqueuer struct {
	store    EnqueueStore
	queue    JobQueue
	notifier *notify.Collection
	peers    []string
	client   *http.Client
	logger   *slog.Logger
	now      func() time.Time
}

// NewEnqueuer builds the enqueuer. peers lists the base URLs of every
// deployer in the cluster, this one included.
func NewEnqueuer(st EnqueueStore, jq JobQueue, notifier *notify.Collection, peers []string, logger *slog.Logger) *Enqueuer {
	return &Enqueuer{
		store:    st,
		queue:    jq,
		notifier: notifier,
		peers:    peers,
		client:   &http.Client{Timeout: peerFetchTimeout},
		logger:   logger.With("component", "enqueuer"),
		now:      time.Now,
	}
}

// CreateDeploymentJob persists a QUEUED deployment, puts the job on the
// tube and announces it. The deployment row exists even if the put
// fails, so the failure is visible in the history.
func (e *Enqueuer) CreateDeploymentJob(ctx context.Context, d *model.Deployment) (int64, error) {
	d.Status = model.StatusQueued
	d.QueuedDate = e.now().UTC()
	id, err := e.store.CreateDeployment(ctx, d)
	if err != nil {
		return 0, err
	}
	d.ID = id
	if _, err := e.queue.Put(queue.Job{
		DeployID:        id,
		RepositoryName:  d.RepositoryName,
		EnvironmentName: d.EnvironmentName,
	}); err != nil {
		return 0, err
	}
	e.notifier.Dispatch(ctx, notify.DeploymentQueued(d))
	e.logger.Info("Queued deployment",
		"deploy_id", id, "repository", d.RepositoryName, "environment", d.EnvironmentName)
	return id, nil
}

// HandlePushNotification reacts to a git push: it queues a deployment
// for every auto-deploy environment tracking the pushed branch, then
// tells every deployer of the cluster to refresh its mirrors of the
// repository. A push without a commit (a deleted ref) only triggers the
// fetches.
func (e *Enqueuer) HandlePushNotification(ctx context.Context, repoName, branch, commit string, autoDeployUserID int64) error {
	e.logger.Debug("Push notification", "repository", repoName, "branch", branch)
	repo, err := e.store.RepositoryByName(ctx, repoName)
	if err != nil {
		return err
	}
	envs, err := e.store.EnvironmentsForRepository(ctx, repo.ID)
	if err != nil {
		return err
	}

	if commit != "" {
		autoEnvs, err := e.store.AutoDeployEnvironments(ctx, repoName, branch)
		if err != nil {
			return err
		}
		for _, env := range autoEnvs {
			envID := env.ID
			userID := autoDeployUserID
			id, err := e.CreateDeploymentJob(ctx, &model.Deployment{
				RepositoryName:  repoName,
				EnvironmentName: env.Name,
				EnvironmentID:   &envID,
				Branch:          branch,
				Commit:          commit,
				UserID:          &userID,
			})
			if err != nil {
				e.logger.Error("Autodeploy: failed to queue deployment",
					"repository", repoName, "environment", env.Name, "error", err)
				continue
			}
			e.logger.Info("Autodeploy: queued deployment",
				"deploy_id", id, "repository", repoName, "environment", env.Name)
		}
	}

	for _, env := range envs {
		for _, peer := range e.peers {
			e.notifyPeerFetch(ctx, peer, env.ID)
		}
	}
	return nil
}

func (e *Enqueuer) notifyPeerFetch(ctx context.Context, peer string, envID int64) {
	url := fmt.Sprintf("%s/api/environments/%d/fetch", strings.TrimRight(peer, "/"), envID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		e.logger.Error("Failed to build fetch notification", "url", url, "error", err)
		return
	}
	resp, err := e.client.Do(req)
	if err != nil {
		e.logger.Error("Failed to notify peer deployer", "url", url, "error", err)
		return
	}
	resp.Body.Close()
	e.logger.Info("Notified peer deployer to fetch", "url", url, "status", resp.StatusCode)
}
