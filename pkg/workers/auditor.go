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
	"time"

	"deployer/pkg/execute"
	"deployer/pkg/health"
	"deployer/pkg/model"
)

const (
	// auditProbeTimeout bounds one manifest read during an audit sweep.
	auditProbeTimeout = 10 * time.Second
	// auditRetryDelay is slept before retrying a failed probe once.
	auditRetryDelay = 30 * time.Second
	// auditMinReleaseAge excludes releases younger than this from drift
	// detection: a rolling deployment may still be in progress.
	auditMinReleaseAge = 30 * time.Minute
)

// AuditStore enumerates the fleet for the auditor.
type AuditStore interface {
	ListRepositories(ctx context.Context) ([]*model.Repository, error)
	EnvironmentsForRepository(ctx context.Context, repoID int64) ([]*model.Environment, error)
	EnvironmentClusters(ctx context.Context, envID int64) ([]*model.Cluster, error)
}

// Auditor periodically reads the release manifest of every activated
// server and degrades the "releases" health key when one environment
// carries more than one commit.
type Auditor struct {
	store  AuditStore
	health *health.Registry
	period time.Duration
	ignore map[string]bool
	logger *slog.Logger

	// probe and sleep are indirected for tests.
	probe func(ctx context.Context, h execute.Host, targetPath string, timeout time.Duration) execute.ReleaseStatus
	sleep func(ctx context.Context, d time.Duration)
	now   func() time.Time
}

// NewAuditor builds the release auditor. ignoreEnvs are environment
// names excluded from the sweep.
func NewAuditor(st AuditStore, hr *health.Registry, period time.Duration, ignoreEnvs []string, logger *slog.Logger) *Auditor {
	ignore := make(map[string]bool, len(ignoreEnvs))
	for _, name := range ignoreEnvs {
		ignore[name] = true
	}
	return &Auditor{
		store:  st,
		health: hr,
		period: period,
		ignore: ignore,
		logger: logger.With("component", "checkreleases-worker"),
		probe:  execute.GetReleaseStatus,
		sleep:  sleepCtx,
		now:    time.Now,
	}
}

// Name implements the worker contract.
func (a *Auditor) Name() string { return "checkreleases-worker" }

// Start sweeps the fleet every period until the context ends.
func (a *Auditor) Start(ctx context.Context) error {
	for {
		a.sweep(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(a.period):
		}
	}
}

func (a *Auditor) sweep(ctx context.Context) {
	a.logger.Info("Release audit wakeup")
	a.health.SetOK("releases")

	repos, err := a.store.ListRepositories(ctx)
	if err != nil {
		a.logger.Error("Failed to list repositories", "error", err)
		return
	}
	for _, repo := range repos {
		envs, err := a.store.EnvironmentsForRepository(ctx, repo.ID)
		if err != nil {
			a.logger.Error("Failed to list environments", "repository", repo.Name, "error", err)
			continue
		}
		for _, env := range envs {
			if a.ignore[env.Name] {
				continue
			}
			env.Repository = repo
			a.auditEnvironment(ctx, env)
		}
	}
	a.logger.Info("Release audit done")
}

// auditEnvironment collects the deployed commits of one environment and
// flags drift. SSH transport failures (exit 255) are skipped: an
// unreachable server says nothing about what is deployed on it.
func (a *Auditor) auditEnvironment(ctx context.Context, env *model.Environment) {
	clusters, err := a.store.EnvironmentClusters(ctx, env.ID)
	if err != nil {
		a.logger.Error("Failed to list clusters", "environment", env.Name, "error", err)
		return
	}
	commits := map[string]bool{}
	for _, cluster := range clusters {
		for _, srv := range cluster.ActivatedServers() {
			status, skip := a.probeServer(ctx, env, srv)
			if skip {
				continue
			}
			if status.Release == nil {
				a.health.AddDegraded("releases", fmt.Sprintf(
					"No release found on server:[%s] repo:[%s] env:[%s]",
					srv.Name, env.Repository.Name, env.Name))
				continue
			}
			age := a.now().UTC().Sub(status.Release.DeploymentDate)
			if age < auditMinReleaseAge {
				continue
			}
			commits[status.Release.Commit] = true
		}
	}
	if len(commits) > 1 {
		a.health.AddDegraded("releases", fmt.Sprintf(
			"at least one server is out of sync for repo:[%s] env:[%s]",
			env.Repository.Name, env.Name))
	}
}

// probeServer reads one manifest, retrying once after a delay on
// non-transport errors. skip means the server contributes nothing to
// the sweep.
func (a *Auditor) probeServer(ctx context.Context, env *model.Environment, srv *model.Server) (execute.ReleaseStatus, bool) {
	host := execute.HostFromServer(srv, env.RemoteUser)
	status := a.probe(ctx, host, env.TargetPath, auditProbeTimeout)
	if status.ExitCode == execute.SSHExitTransportFailure {
		a.logger.Debug("Server unreachable, skipping", "server", srv.Name)
		return status, true
	}
	if status.Error != "" && status.Release == nil && status.ExitCode != 0 {
		a.sleep(ctx, auditRetryDelay)
		status = a.probe(ctx, host, env.TargetPath, auditProbeTimeout)
		if status.ExitCode == execute.SSHExitTransportFailure {
			return status, true
		}
	}
	return status, false
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
