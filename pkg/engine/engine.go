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

// Package engine runs one deployment from QUEUED to COMPLETE or FAILED:
// permission and availability checks, mirror update, artifact
// preparation, rolling copy cluster by cluster behind HAProxy, release
// swap and post-deploy hooks.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"deployer/pkg/auth"
	"deployer/pkg/model"
	"deployer/pkg/notify"
	"deployer/pkg/store"
)

// maxParallelSync bounds the rsync fan-out of one cluster.
const maxParallelSync = 20

// DeploymentError marks a step failure that ends the deployment.
type DeploymentError struct {
	Step string
}

func (e *DeploymentError) Error() string {
	return fmt.Sprintf("step '%s' failed", e.Step)
}

// Store is the persistence surface the engine needs.
type Store interface {
	GetDeployment(ctx context.Context, id int64) (*model.Deployment, error)
	GetEnvironment(ctx context.Context, id int64) (*model.Environment, error)
	EnvironmentClusters(ctx context.Context, envID int64) ([]*model.Cluster, error)
	GetCluster(ctx context.Context, id int64) (*model.Cluster, error)
	GetServer(ctx context.Context, id int64) (*model.Server, error)
	GetUser(ctx context.Context, id int64) (*model.User, error)
	UserPermissions(ctx context.Context, userID int64) (auth.Permissions, error)
	AppendLogEntry(ctx context.Context, deployID int64, entry model.LogEntry) error
	SetDeploymentStatus(ctx context.Context, id int64, status model.DeploymentStatus) error
	SetDeploymentStart(ctx context.Context, id int64, start time.Time) error
	FinishDeployment(ctx context.Context, id int64, status model.DeploymentStatus, end time.Time) error
	ConflictingDeployments(ctx context.Context, excludeID int64, serverIDs []int64) ([]model.Deployment, error)
	ExpireDeployment(ctx context.Context, id int64, entry model.LogEntry) error
}

var _ Store = (*store.Store)(nil)

// Config carries the engine options taken from the configuration file.
type Config struct {
	// BaseRepoPath is the directory holding the local mirrors.
	BaseRepoPath string
	// HAProxyUser and HAProxyPassword authenticate stats page actions.
	HAProxyUser     string
	HAProxyPassword string
	// NotifyMails is always CCed on test failure reports.
	NotifyMails []string
	// MailSender is the From: of mails sent by the engine.
	MailSender string
}

// Engine executes deployments. One Engine is shared by every executor
// worker; Execute is safe for concurrent use.
type Engine struct {
	store    Store
	cfg      Config
	notifier *notify.Collection
	proxy    ProxyControl
	mailer   notify.Mailer
	detector ArtifactDetector
	logger   *slog.Logger

	// now is the clock, overridden in tests.
	now func() time.Time
}

// New builds the engine. detector may be nil, in which case every
// deployment uses the default git artifact.
func New(st Store, cfg Config, notifier *notify.Collection, proxy ProxyControl, mailer notify.Mailer, detector ArtifactDetector, logger *slog.Logger) *Engine {
	if proxy == nil {
		proxy = NewHAProxyControl(cfg.HAProxyUser, cfg.HAProxyPassword)
	}
	return &Engine{
		store:    st,
		cfg:      cfg,
		notifier: notifier,
		proxy:    proxy,
		mailer:   mailer,
		detector: detector,
		logger:   logger.With("component", "engine"),
		now:      time.Now,
	}
}

// run carries the mutable state of one deployment execution.
type run struct {
	d        *model.Deployment
	env      *model.Environment
	user     *model.User
	clusters []*model.Cluster

	localRepoPath string
	releasePath   string
	artifact      Artifact
	screenshots   []string
	log           *slog.Logger
}

// targetServers is the union of activated servers over target clusters.
func (r *run) targetServers() []*model.Server {
	seen := map[int64]bool{}
	var out []*model.Server
	for _, c := range r.clusters {
		for _, s := range c.ActivatedServers() {
			if !seen[s.ID] {
				seen[s.ID] = true
				out = append(out, s)
			}
		}
	}
	return out
}

// deactivatedServers lists target servers excluded from the deployment.
func (r *run) deactivatedServers() []*model.Server {
	seen := map[int64]bool{}
	var out []*model.Server
	for _, c := range r.clusters {
		for _, cs := range c.Servers {
			if cs.Server != nil && !cs.Server.Activated && !seen[cs.Server.ID] {
				seen[cs.Server.ID] = true
				out = append(out, cs.Server)
			}
		}
	}
	return out
}

// Execute runs the deployment identified by deployID to completion.
func (e *Engine) Execute(ctx context.Context, deployID int64) error {
	d, err := e.store.GetDeployment(ctx, deployID)
	if err != nil {
		return fmt.Errorf("no configuration found for deploy %d: %w", deployID, err)
	}
	r := &run{d: d, log: e.logger.With("deploy_id", deployID)}

	r.log.Info("START deploy")
	e.notifier.Dispatch(ctx, notify.DeploymentStart(d))

	execErr := e.execute(ctx, r)

	status := model.StatusComplete
	if execErr != nil {
		status = model.StatusFailed
		r.log.Error("Deployment failed", "error", execErr)
	}
	d.Status = status
	end := e.now().UTC()
	d.DateEndDeploy = &end
	if err := e.store.FinishDeployment(ctx, d.ID, status, end); err != nil {
		r.log.Error("Failed to persist final status", "error", err)
	}
	if r.artifact != nil {
		r.artifact.Cleanup()
	}
	e.notifier.Dispatch(ctx, notify.DeploymentEnd(d, r.env, r.clusters, r.screenshots))
	if execErr == nil {
		r.log.Info("END deploy")
	}
	return execErr
}

func (e *Engine) execute(ctx context.Context, r *run) error {
	if err := e.checkPhase(ctx, r); err != nil {
		return err
	}
	if err := e.setStatus(ctx, r, model.StatusPreDeploy); err != nil {
		return err
	}
	if err := e.prepareArtifactPhase(ctx, r); err != nil {
		return err
	}
	if err := e.setStatus(ctx, r, model.StatusDeploy); err != nil {
		return err
	}
	if err := e.orchestrateClusters(ctx, r, func(c *model.Cluster) error {
		return e.copyToCluster(ctx, r, c)
	}); err != nil {
		return err
	}
	if err := e.setStatus(ctx, r, model.StatusPostDeploy); err != nil {
		return err
	}
	e.takeScreenshot(ctx, r)
	return nil
}

// checkPhase validates configuration, permissions and server
// availability, then loads the targets.
func (e *Engine) checkPhase(ctx context.Context, r *run) error {
	if err := e.runStep(ctx, r, fmt.Sprintf("Check configuration for deployment %d", r.d.ID), true,
		func(emit emitFunc) error { return e.checkConfiguration(ctx, r, emit) }); err != nil {
		return err
	}
	if err := e.setStatus(ctx, r, model.StatusInit); err != nil {
		return err
	}
	e.notifier.Dispatch(ctx, notify.ConfigurationLoaded(r.d, r.env, r.clusters))
	r.log = r.log.With("repository", r.env.Repository.Name, "environment", r.env.Name)

	if err := e.runStep(ctx, r, fmt.Sprintf("Check whether the user '%s' is allowed to deploy", r.user.Username), true,
		func(emit emitFunc) error { return e.checkDeployAllowed(ctx, r, emit) }); err != nil {
		return err
	}
	return e.runStep(ctx, r, "Check that the servers are available", true,
		func(emit emitFunc) error { return e.checkServersAvailability(ctx, r, emit) })
}

// prepareArtifactPhase updates the mirror and readies the artifact under
// the write lock, running the predeploy hooks.
func (e *Engine) prepareArtifactPhase(ctx context.Context, r *run) error {
	r.localRepoPath = filepath.Join(e.cfg.BaseRepoPath, r.env.LocalRepoDirectoryName())
	r.releasePath = r.env.ReleasePath(r.d.Branch, r.d.Commit, e.now().UTC())

	if err := e.runStep(ctx, r, fmt.Sprintf("Clone repository %s", r.env.Repository.Name), true,
		func(emit emitFunc) error { return e.cloneRepo(ctx, r, emit) }); err != nil {
		return err
	}
	return withWriteScope(r.localRepoPath, func(w workdir) error {
		if err := e.runStep(ctx, r, fmt.Sprintf("Switch to commit %s", r.d.Commit), true,
			func(emit emitFunc) error { return e.updateRepo(ctx, r, w, emit) }); err != nil {
			return err
		}
		e.notifier.Dispatch(ctx, notify.CommitsFetched(r.env.ID, r.env))

		if err := e.runStep(ctx, r, "Detect artifact source", true,
			func(emit emitFunc) error { return e.detectArtifact(r, emit) }); err != nil {
			return err
		}
		if err := e.runStep(ctx, r, "Obtain a local copy of the artifact to deploy", true,
			func(emit emitFunc) error { return r.artifact.Obtain(ctx) }); err != nil {
			return err
		}
		if !r.artifact.ShouldRunPredeployScripts() {
			return nil
		}
		if err := e.runStep(ctx, r, "Run 'predeploy.sh'", true,
			func(emit emitFunc) error { return e.runAndDeletePredeploy(ctx, r, emit) }); err != nil {
			return err
		}
		return e.runStep(ctx, r, "Run local tests (execute tests/run_local_tests.sh)", r.env.FailDeployOnFailedTests,
			func(emit emitFunc) error { return e.runLocalTests(ctx, r, emit) })
	})
}

func (e *Engine) setStatus(ctx context.Context, r *run, status model.DeploymentStatus) error {
	r.d.Status = status
	if err := e.store.SetDeploymentStatus(ctx, r.d.ID, status); err != nil {
		return fmt.Errorf("failed to persist status %s: %w", status, err)
	}
	return nil
}

// resolveTargets loads the environment and the target clusters. A
// deployment pinned to one server gets a synthetic single-server
// cluster that is never drained.
func (e *Engine) resolveTargets(ctx context.Context, r *run) error {
	env, err := e.store.GetEnvironment(ctx, *r.d.EnvironmentID)
	if err != nil {
		return err
	}
	r.env = env

	switch {
	case r.d.ServerID != nil:
		srv, err := e.store.GetServer(ctx, *r.d.ServerID)
		if err != nil {
			return err
		}
		r.clusters = []*model.Cluster{model.SingleServerCluster(srv)}
	case r.d.ClusterID != nil:
		cluster, err := e.store.GetCluster(ctx, *r.d.ClusterID)
		if err != nil {
			return err
		}
		r.clusters = []*model.Cluster{cluster}
	default:
		clusters, err := e.store.EnvironmentClusters(ctx, env.ID)
		if err != nil {
			return err
		}
		r.clusters = clusters
	}
	return nil
}

func (e *Engine) testReportRecipients(r *run) []string {
	seen := map[string]bool{}
	var out []string
	for _, addr := range append(append([]string{}, r.env.Repository.NotifyMails...), e.cfg.NotifyMails...) {
		if addr != "" && !seen[addr] {
			seen[addr] = true
			out = append(out, addr)
		}
	}
	return out
}

// mailTestReport sends the failed report to the repository owners.
func (e *Engine) mailTestReport(ctx context.Context, r *run, report *model.TestReport) {
	if e.mailer == nil {
		return
	}
	to := e.testReportRecipients(r)
	if len(to) == 0 {
		return
	}
	subject := fmt.Sprintf("Tests failed for %s (%s)", r.env.Repository.Name, r.env.Name)
	if err := e.mailer.Send(ctx, e.cfg.MailSender, to, subject, report.Format(), nil); err != nil {
		r.log.Error("Failed to mail test report", "error", err)
	}
}

// IsDeploymentError reports whether err is a step failure.
func IsDeploymentError(err error) bool {
	var de *DeploymentError
	return errors.As(err, &de)
}
