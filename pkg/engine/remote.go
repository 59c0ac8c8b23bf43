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
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"deployer/pkg/execute"
	"deployer/pkg/model"
	"deployer/pkg/notify"
)

// runAndDeletePredeploy runs predeploy.sh at the repository root, then
// removes it so it is never rsynced to the targets.
func (e *Engine) runAndDeletePredeploy(ctx context.Context, r *run, emit emitFunc) error {
	res := execute.Script(ctx, r.localRepoPath, "predeploy.sh", []string{r.env.Name, r.d.Commit}, 0)
	capture("predeploy.sh", res, emit)
	if err := os.Remove(filepath.Join(r.localRepoPath, "predeploy.sh")); err != nil && !os.IsNotExist(err) {
		emit(model.NewLogEntryWithSeverity(
			fmt.Sprintf("delete predeploy.sh: %v", err), model.SeverityWarn))
	}
	return nil
}

// runLocalTests runs tests/run_local_tests.sh when present and mails the
// report to the owners on failure. The host argument passed to the
// script is any target server, for script compatibility.
func (e *Engine) runLocalTests(ctx context.Context, r *run, emit emitFunc) error {
	script := "tests/run_local_tests.sh"
	if _, err := os.Stat(filepath.Join(r.localRepoPath, script)); err != nil {
		emit(model.NewLogEntry(fmt.Sprintf("No script '%s', skipping.", script)))
		return nil
	}
	host := r.targetServers()[0].Name
	res := execute.Script(ctx, r.localRepoPath, script,
		[]string{r.env.Name, host, r.d.Branch, r.d.Commit}, 0)
	report := model.TestReport{ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}
	emit(model.NewLogEntry(report.Format()))
	if report.Failed() {
		e.mailTestReport(ctx, r, &report)
		emit(model.NewLogEntryWithSeverity("Tests failed.", model.SeverityError))
	}
	return nil
}

// copyToCluster deploys the artifact on every activated server of one
// cluster: parallel rsync, release swap, deploy hook, remote tests.
func (e *Engine) copyToCluster(ctx context.Context, r *run, c *model.Cluster) error {
	servers := c.ActivatedServers()
	hosts := make([]execute.Host, len(servers))
	for i, s := range servers {
		hosts[i] = execute.HostFromServer(s, r.env.RemoteUser)
	}

	names := make([]string, len(hosts))
	for i, h := range hosts {
		names[i] = h.Name
	}
	if err := e.runStep(ctx, r, fmt.Sprintf("Sync to hosts %s", strings.Join(names, ", ")), true,
		func(emit emitFunc) error { return e.parallelSync(ctx, r, hosts, emit) }); err != nil {
		return err
	}

	for i, host := range hosts {
		if err := e.releaseOnHost(ctx, r, host, servers[i]); err != nil {
			return err
		}
	}
	return nil
}

// parallelSync pushes the artifact to every host of the cluster with a
// bounded fan-out and writes each release manifest.
func (e *Engine) parallelSync(ctx context.Context, r *run, hosts []execute.Host, emit emitFunc) error {
	var mu sync.Mutex
	safeEmit := func(entry model.LogEntry) {
		mu.Lock()
		defer mu.Unlock()
		emit(entry)
	}

	g, gctx := errgroup.WithContext(ctx)
	limit := len(hosts)
	if limit > maxParallelSync {
		limit = maxParallelSync
	}
	g.SetLimit(limit)

	for _, host := range hosts {
		host := host
		g.Go(func() error {
			e.syncHost(gctx, r, host, safeEmit)
			return nil
		})
	}
	_ = g.Wait()
	emit(model.NewLogEntry("Copy on all servers complete."))
	return nil
}

func (e *Engine) syncHost(ctx context.Context, r *run, host execute.Host, emit emitFunc) {
	previous := "unknown"
	if status := execute.GetReleaseStatus(ctx, host, r.releasePath, 0); status.Release != nil {
		previous = fmt.Sprintf("commit %s", status.Release.Commit)
	}
	emit(model.NewLogEntry(fmt.Sprintf("On %s, previous release: %s", host.Name, previous)))
	emit(model.NewLogEntry(fmt.Sprintf("Copying to %s:%s", host.Addr(), r.releasePath)))

	capture("mkdir", execute.RunSSH(ctx, host, []string{"mkdir", "-p", r.releasePath}, 0), emit)
	capture("rsync", execute.Rsync(ctx, host, r.artifact.LocalPath(), r.releasePath, r.env.SyncOptions, 0), emit)

	release := &model.Release{
		Branch:          r.d.Branch,
		Commit:          r.d.Commit,
		DeploymentDate:  e.now().UTC(),
		DestinationPath: r.releasePath,
	}
	capture("copy release file", execute.WriteReleaseManifest(ctx, host, r.releasePath, release, 0), emit)
}

// releaseOnHost makes the new code live on one server and runs the
// post-release hooks there.
func (e *Engine) releaseOnHost(ctx context.Context, r *run, host execute.Host, server *model.Server) error {
	if err := e.runStep(ctx, r, fmt.Sprintf("Release on %s", host.Name), true,
		func(emit emitFunc) error { return e.swapRelease(ctx, r, host, emit) }); err != nil {
		return err
	}
	e.notifier.Dispatch(ctx, notify.ReleasedOnServer(r.d, server, notify.ReleaseInfo{
		Branch:      r.d.Branch,
		Commit:      r.d.Commit,
		ReleaseDate: e.now().UTC(),
	}))

	if err := e.runStep(ctx, r, fmt.Sprintf("Run 'deploy.sh' on %s", host.Name), true,
		func(emit emitFunc) error { return e.runAndDeleteDeploy(ctx, r, host, emit) }); err != nil {
		return err
	}
	return e.runStep(ctx, r, "Run remote tests (execute tests/run_tests.sh on the remote server)", r.env.FailDeployOnFailedTests,
		func(emit emitFunc) error { return e.runRemoteTests(ctx, r, host, emit) })
}

// swapRelease points the production symlink at the new release. Under
// inplace the rsync already went to the target path and nothing moves.
func (e *Engine) swapRelease(ctx context.Context, r *run, host execute.Host, emit emitFunc) error {
	switch r.env.Repository.DeployMethod {
	case model.DeployInplace:
		return nil
	case model.DeploySymlink:
		argv := []string{
			"cd", r.env.RemoteRepoPath(), "&&",
			"ln", "-s", r.releasePath, "tmp-link", "&&",
			"mv", "-T", "tmp-link", filepath.Join(r.env.RemoteRepoPath(), r.env.ProductionFolder()),
		}
		capture("symlink", execute.RunSSH(ctx, host, argv, 0), emit)
		return nil
	default:
		return fmt.Errorf("unsupported release method: %s", r.env.Repository.DeployMethod)
	}
}

// runAndDeleteDeploy runs the remote deploy.sh hook and removes it.
func (e *Engine) runAndDeleteDeploy(ctx context.Context, r *run, host execute.Host, emit emitFunc) error {
	res := execute.RemoteScript(ctx, host, r.env.TargetPath, "deploy.sh",
		[]string{r.env.Name, host.Name, r.d.Commit}, 0)
	capture("Run 'deploy.sh'", res, emit)
	capture("delete 'deploy.sh'",
		execute.RemoveRemoteFile(ctx, host, r.env.TargetPath+"/deploy.sh", 0), emit)
	return nil
}

// runRemoteTests runs tests/run_tests.sh on the server when present.
func (e *Engine) runRemoteTests(ctx context.Context, r *run, host execute.Host, emit emitFunc) error {
	script := "tests/run_tests.sh"
	if !execute.RemoteFileExists(ctx, host, r.env.TargetPath+"/"+script, 0) {
		emit(model.NewLogEntry(fmt.Sprintf("No script '%s', skipping.", script)))
		return nil
	}
	res := execute.RemoteScript(ctx, host, r.env.TargetPath, script,
		[]string{r.env.Name, host.Name, r.d.Branch, r.d.Commit}, 0)
	report := model.TestReport{Host: host.Name, ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}
	emit(model.NewLogEntry(report.Format()))
	if report.Failed() {
		e.mailTestReport(ctx, r, &report)
		emit(model.NewLogEntryWithSeverity("Tests failed on the remote server.", model.SeverityError))
	}
	return nil
}
