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
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"deployer/pkg/gitrepo"
)

const (
	// cleanerPeriod is the time between two mirror sweeps.
	cleanerPeriod = 24 * time.Hour
	// mirrorMaxUnusedAge is how long a mirror survives without any
	// deployment referencing it.
	mirrorMaxUnusedAge = 20 * 24 * time.Hour
)

// CleanerStore tells the cleaner which mirrors are still in use.
type CleanerStore interface {
	MirrorDirsDeployedSince(ctx context.Context, cutoff time.Time) ([]string, error)
}

// Cleaner deletes local mirrors that no deployment has used recently.
// Deletion happens under both mirror locks so it cannot race a fetch or
// a running deployment.
type Cleaner struct {
	store        CleanerStore
	baseRepoPath string
	logger       *slog.Logger
	now          func() time.Time
}

// NewCleaner builds the mirror cleaner over baseRepoPath.
func NewCleaner(st CleanerStore, baseRepoPath string, logger *slog.Logger) *Cleaner {
	return &Cleaner{
		store:        st,
		baseRepoPath: baseRepoPath,
		logger:       logger.With("component", "cleaner-worker"),
		now:          time.Now,
	}
}

// Name implements the worker contract.
func (c *Cleaner) Name() string { return "cleaner-worker" }

// Start sweeps once a day until the context ends.
func (c *Cleaner) Start(ctx context.Context) error {
	for {
		c.sweep(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(cleanerPeriod):
		}
	}
}

func (c *Cleaner) sweep(ctx context.Context) {
	c.logger.Info("Mirror cleanup wakeup")
	cutoff := c.now().UTC().Add(-mirrorMaxUnusedAge)
	used, err := c.store.MirrorDirsDeployedSince(ctx, cutoff)
	if err != nil {
		c.logger.Error("Failed to list recently used mirrors", "error", err)
		return
	}
	keep := make(map[string]bool, len(used))
	for _, dir := range used {
		keep[dir] = true
	}

	entries, err := os.ReadDir(c.baseRepoPath)
	if err != nil {
		c.logger.Error("Failed to list mirror directory", "path", c.baseRepoPath, "error", err)
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() || keep[entry.Name()] {
			continue
		}
		c.remove(entry.Name())
	}
	c.logger.Info("Mirror cleanup done")
}

func (c *Cleaner) remove(name string) {
	path := filepath.Join(c.baseRepoPath, name)
	err := gitrepo.WithPurgeScope(path, func() error {
		return os.RemoveAll(path)
	})
	if err != nil {
		c.logger.Error("Failed to delete unused mirror", "path", path, "error", err)
		return
	}
	c.logger.Info("Deleted unused mirror", "path", path)
}
