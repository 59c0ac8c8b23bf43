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
	"path/filepath"

	"deployer/pkg/gitrepo"
	"deployer/pkg/model"
	"deployer/pkg/notify"
)

// FetchRequest asks for a refresh of one environment's mirror.
type FetchRequest struct {
	EnvironmentID  int64
	MirrorDir      string
	RepositoryName string
	GitServer      string
	DeployBranch   string
}

// NewFetchRequest builds the request for an environment.
func NewFetchRequest(env *model.Environment) FetchRequest {
	return FetchRequest{
		EnvironmentID:  env.ID,
		MirrorDir:      env.LocalRepoDirectoryName(),
		RepositoryName: env.Repository.Name,
		GitServer:      env.Repository.GitServer,
		DeployBranch:   env.DeployBranch,
	}
}

// updateMirror is indirected so fetcher tests avoid real git traffic.
var updateMirror = gitrepo.UpdateMirror

// Fetcher consumes fetch requests and refreshes mirrors. Several
// fetchers share the same channel.
type Fetcher struct {
	index        int
	baseRepoPath string
	requests     <-chan FetchRequest
	notifier     *notify.Collection
	logger       *slog.Logger
}

// NewFetcher builds fetcher number index over the shared channel.
func NewFetcher(index int, baseRepoPath string, requests <-chan FetchRequest, notifier *notify.Collection, logger *slog.Logger) *Fetcher {
	name := fmt.Sprintf("async-fetch-worker-%d", index)
	return &Fetcher{
		index:        index,
		baseRepoPath: baseRepoPath,
		requests:     requests,
		notifier:     notifier,
		logger:       logger.With("component", name),
	}
}

// Name implements the worker contract.
func (f *Fetcher) Name() string { return fmt.Sprintf("async-fetch-worker-%d", f.index) }

// Start processes requests until the context ends, then drains the
// channel logging the jobs it abandons.
func (f *Fetcher) Start(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			f.drain()
			return nil
		case req := <-f.requests:
			f.fetch(ctx, req)
		}
	}
}

func (f *Fetcher) fetch(ctx context.Context, req FetchRequest) {
	path := filepath.Join(f.baseRepoPath, req.MirrorDir)
	url := gitrepo.BuildRepoURL(req.RepositoryName, req.GitServer)
	f.logger.Info("Fetching mirror", "path", path)
	if err := updateMirror(ctx, path, url); err != nil {
		f.logger.Error("Failed to update mirror", "path", path, "error", err)
		return
	}
	f.notifier.Dispatch(ctx, notify.CommitsFetched(req.EnvironmentID, nil))
}

func (f *Fetcher) drain() {
	for {
		select {
		case req := <-f.requests:
			f.logger.Warn("Shutting down, will not fetch", "mirror", req.MirrorDir)
		default:
			return
		}
	}
}
