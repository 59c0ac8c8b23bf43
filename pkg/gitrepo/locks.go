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

// Package gitrepo maintains the local git mirrors that deployments are
// built from.
//
// Two disjoint advisory locks protect each mirror: the fetch lock covers
// ref updates from origin, the write lock covers the working tree. Fetches
// may overlap checkouts on the same mirror; a clone takes both locks since
// the directory state is unknown.
package gitrepo

import (
	"context"
	"fmt"
	"regexp"

	"deployer/pkg/lockfile"
)

// LocksDir holds the per-mirror lock files.
const LocksDir = "/tmp/deployerlocks"

const (
	lockTypeFetch = "fetch"
	lockTypeWrite = "write"
)

// ErrFetchInProgress is returned by a non-blocking fetch scope when
// another worker is already fetching the same mirror.
var ErrFetchInProgress = lockfile.ErrAlreadyLocked

// WithCloneScope takes both the fetch and write locks for path, then runs
// fn with a cloner. Both locks are held because a clone rewrites the whole
// directory.
func WithCloneScope(path string, fn func(*Cloner) error) error {
	return lockfile.WithLock(LocksDir, lockTypeFetch, path, true, func() error {
		return lockfile.WithLock(LocksDir, lockTypeWrite, path, true, func() error {
			return fn(&Cloner{path: path})
		})
	})
}

// WithFetchScope takes the fetch lock for path and runs fn with a handle
// restricted to ref updates. With block=false, ErrFetchInProgress is
// returned when the lock is held elsewhere and fn does not run.
func WithFetchScope(path string, block bool, fn func(*Fetcher) error) error {
	return lockfile.WithLock(LocksDir, lockTypeFetch, path, block, func() error {
		return fn(&Fetcher{repo: repoHandle{path: path}})
	})
}

// WithWriteScope takes the write lock for path and runs fn with a handle
// that may rewrite the working tree.
func WithWriteScope(path string, fn func(*Workdir) error) error {
	return lockfile.WithLock(LocksDir, lockTypeWrite, path, true, func() error {
		return fn(&Workdir{repo: repoHandle{path: path}})
	})
}

// WithPurgeScope takes both locks for path and runs fn. Used to delete
// or rewrite a whole mirror directory while nothing else touches it.
func WithPurgeScope(path string, fn func() error) error {
	return lockfile.WithLock(LocksDir, lockTypeFetch, path, true, func() error {
		return lockfile.WithLock(LocksDir, lockTypeWrite, path, true, fn)
	})
}

var sshServerPattern = regexp.MustCompile(`^ssh://.*@.*:\d+`)

// BuildRepoURL renders the clone URL for a repository name on a git
// server. Servers already expressed as ssh:// URLs are used as prefixes;
// anything else gets the scp-like git@server:name form.
func BuildRepoURL(repoName, gitServer string) string {
	if sshServerPattern.MatchString(gitServer) {
		return fmt.Sprintf("%s%s", gitServer, repoName)
	}
	return fmt.Sprintf("git@%s:%s", gitServer, repoName)
}

// UpdateMirror refreshes the refs of an existing mirror (fetch scope) or
// clones it from remoteURL (clone scope) when the directory is missing.
func UpdateMirror(ctx context.Context, path, remoteURL string) error {
	if MirrorExists(path) {
		return WithFetchScope(path, true, func(f *Fetcher) error {
			return f.Fetch(ctx)
		})
	}
	return WithCloneScope(path, func(c *Cloner) error {
		return c.Clone(ctx, remoteURL)
	})
}
