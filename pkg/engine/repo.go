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
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"deployer/pkg/execute"
	"deployer/pkg/gitrepo"
	"deployer/pkg/model"
)

// workdir is the checkout surface of the write scope.
type workdir interface {
	SwitchTo(commit string) error
}

// withWriteScope is indirected so engine tests can run the pipeline
// without a real mirror on disk.
var withWriteScope = func(path string, fn func(workdir) error) error {
	return gitrepo.WithWriteScope(path, func(w *gitrepo.Workdir) error {
		return fn(w)
	})
}

// cloneRepo makes sure the mirror exists on disk. Idempotent.
func (e *Engine) cloneRepo(ctx context.Context, r *run, emit emitFunc) error {
	if gitrepo.MirrorExists(r.localRepoPath) {
		emit(model.NewLogEntry("Repository already cloned, skipping."))
		return nil
	}
	url := gitrepo.BuildRepoURL(r.env.Repository.Name, r.env.Repository.GitServer)
	return gitrepo.WithCloneScope(r.localRepoPath, func(c *gitrepo.Cloner) error {
		return c.Clone(ctx, url)
	})
}

// updateRepo fetches the latest refs, then resets the working tree to
// the deployment's commit. When another worker already holds the fetch
// lock the fetch is skipped: the refs are being refreshed anyway.
func (e *Engine) updateRepo(ctx context.Context, r *run, w workdir, emit emitFunc) error {
	err := gitrepo.WithFetchScope(r.localRepoPath, false, func(f *gitrepo.Fetcher) error {
		emit(model.NewLogEntry("Update objects (git fetch)"))
		return f.Fetch(ctx)
	})
	if err != nil && !errors.Is(err, gitrepo.ErrFetchInProgress) {
		return err
	}
	emit(model.NewLogEntry(fmt.Sprintf("Reset local copy to commit %s", r.d.Commit)))
	return w.SwitchTo(r.d.Commit)
}

// repoConfig is the optional deploy.json at the repository root.
type repoConfig struct {
	// URL maps environment names to the address to screenshot after a
	// successful deployment.
	URL map[string]string `json:"url"`
}

func loadRepoConfig(localRepoPath string) (repoConfig, bool, error) {
	var cfg repoConfig
	data, err := os.ReadFile(filepath.Join(localRepoPath, "deploy.json"))
	if errors.Is(err, os.ErrNotExist) {
		return cfg, false, nil
	}
	if err != nil {
		return cfg, false, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, false, fmt.Errorf("unreadable deploy.json: %w", err)
	}
	return cfg, true, nil
}

// takeScreenshot captures the environment URL configured in deploy.json.
// Failures never fail the deployment.
func (e *Engine) takeScreenshot(ctx context.Context, r *run) {
	var url string
	_ = e.runStep(ctx, r, "Load deploy.json", false, func(emit emitFunc) error {
		cfg, found, err := loadRepoConfig(r.localRepoPath)
		if err != nil {
			return err
		}
		if !found {
			emit(model.NewLogEntry("No 'deploy.json' file found in the repository, skipping."))
			return nil
		}
		url = cfg.URL[r.env.Name]
		return nil
	})
	if url == "" {
		return
	}
	_ = e.runStep(ctx, r, fmt.Sprintf("Take a screenshot of %s", url), false, func(emit emitFunc) error {
		file := fmt.Sprintf("/tmp/%s_%s.png", r.env.Repository.Name, r.env.Name)
		res := execute.Exec(ctx, []string{
			"/usr/local/bin/phantomjs/bin/phantomjs", "--ssl-protocol=any",
			"/usr/local/bin/phantomjs/bin/takepng.js", url, file,
		}, "", 0)
		capture("takepng", res, emit)
		if res.ExitCode == 0 {
			r.screenshots = append(r.screenshots, file)
		}
		return nil
	})
}
