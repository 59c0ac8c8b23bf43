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

package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Commit is one mirror commit prepared for the promotion ladder view.
type Commit struct {
	Message      string    `json:"message"`
	Committer    string    `json:"committer"`
	Hexsha       string    `json:"hexsha"`
	AuthoredDate time.Time `json:"authored_date"`
	Deployable   bool      `json:"deployable"`
}

// MirrorExists reports whether path holds a git repository.
func MirrorExists(path string) bool {
	if _, err := os.Stat(path); err != nil {
		return false
	}
	_, err := git.PlainOpen(path)
	return err == nil
}

type repoHandle struct {
	path string
}

func (r repoHandle) open() (*git.Repository, error) {
	repo, err := git.PlainOpen(r.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open mirror %s: %w", r.path, err)
	}
	return repo, nil
}

// Cloner performs the initial clone of a mirror. Obtained via
// WithCloneScope only.
type Cloner struct {
	path string
}

// Clone materializes the mirror from remoteURL. Idempotent: an existing
// valid repository is left alone.
func (c *Cloner) Clone(ctx context.Context, remoteURL string) error {
	if MirrorExists(c.path) {
		return nil
	}
	_, err := git.PlainCloneContext(ctx, c.path, false, &git.CloneOptions{
		URL: remoteURL,
	})
	if err != nil {
		return fmt.Errorf("failed to clone %s into %s: %w", remoteURL, c.path, err)
	}
	return nil
}

// Fetcher updates refs from origin. Obtained via WithFetchScope only; it
// never touches the working tree.
type Fetcher struct {
	repo repoHandle
}

// Fetch updates every ref from origin. Already up to date is a success.
func (f *Fetcher) Fetch(ctx context.Context) error {
	repo, err := f.repo.open()
	if err != nil {
		return err
	}
	err = repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: "origin",
		Force:      true,
		Prune:      true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("failed to fetch %s: %w", f.repo.path, err)
	}
	return nil
}

// Workdir rewrites the working tree. Obtained via WithWriteScope only.
type Workdir struct {
	repo repoHandle
}

// SwitchTo forcefully moves the working tree to commit: untracked and
// ignored files are removed, then HEAD, index and tree are reset.
func (w *Workdir) SwitchTo(commit string) error {
	repo, err := w.repo.open()
	if err != nil {
		return err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to open worktree %s: %w", w.repo.path, err)
	}
	if err := wt.Clean(&git.CleanOptions{Dir: true}); err != nil {
		return fmt.Errorf("failed to clean %s: %w", w.repo.path, err)
	}
	hash := plumbing.NewHash(commit)
	if err := wt.Checkout(&git.CheckoutOptions{Hash: hash, Force: true}); err != nil {
		return fmt.Errorf("failed to checkout %s in %s: %w", commit, w.repo.path, err)
	}
	if err := wt.Reset(&git.ResetOptions{Commit: hash, Mode: git.HardReset}); err != nil {
		return fmt.Errorf("failed to reset %s to %s: %w", w.repo.path, commit, err)
	}
	return nil
}

// ListCommits returns up to count commits of origin/<branch>, most recent
// first. Safe without any lock: it only reads refs and objects.
func ListCommits(path, branch string, count int) ([]Commit, error) {
	repo, err := repoHandle{path: path}.open()
	if err != nil {
		return nil, err
	}
	hash, err := repo.ResolveRevision(plumbing.Revision("refs/remotes/origin/" + branch))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve origin/%s in %s: %w", branch, path, err)
	}
	iter, err := repo.Log(&git.LogOptions{From: *hash})
	if err != nil {
		return nil, fmt.Errorf("failed to walk origin/%s in %s: %w", branch, path, err)
	}
	defer iter.Close()

	var commits []Commit
	err = iter.ForEach(func(c *object.Commit) error {
		commits = append(commits, Commit{
			Message:      c.Message,
			Committer:    c.Committer.Name,
			Hexsha:       c.Hash.String(),
			AuthoredDate: c.Author.When.UTC(),
			Deployable:   true,
		})
		if len(commits) >= count {
			return errStopIteration
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopIteration) {
		return nil, fmt.Errorf("failed to list commits of %s: %w", path, err)
	}
	return commits, nil
}

var errStopIteration = errors.New("stop iteration")
