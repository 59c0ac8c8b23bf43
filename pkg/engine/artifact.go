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
	"errors"
	"fmt"

	"deployer/pkg/model"
)

// ErrNoArtifactDetected is returned by detectors that do not recognize
// the repository; the engine then falls back to the git artifact.
var ErrNoArtifactDetected = errors.New("no artifact detected")

// Artifact is what ends up rsynced to the target servers.
type Artifact interface {
	// Obtain readies a local copy (download, build) before the sync.
	Obtain(ctx context.Context) error
	// LocalPath is the directory to copy, valid after Obtain.
	LocalPath() string
	// ShouldRunPredeployScripts reports whether predeploy.sh and the
	// local test script apply to this artifact type.
	ShouldRunPredeployScripts() bool
	// Cleanup removes temporary files after the deployment.
	Cleanup()
	// Description names the artifact type for the deployment log.
	Description() string
}

// ArtifactDetector inspects a checked-out repository and returns a
// specialized artifact, or ErrNoArtifactDetected.
type ArtifactDetector func(localRepoPath, gitServer, repositoryName, commit, environmentName string) (Artifact, error)

// GitArtifact deploys the repository contents as they are. It is the
// default when no detector matches.
type GitArtifact struct {
	path string
}

// NewGitArtifact wraps the checked-out repository at path.
func NewGitArtifact(path string) *GitArtifact {
	return &GitArtifact{path: path}
}

func (g *GitArtifact) Obtain(context.Context) error { return nil }

func (g *GitArtifact) LocalPath() string { return g.path }

func (g *GitArtifact) ShouldRunPredeployScripts() bool { return true }

func (g *GitArtifact) Cleanup() {}

func (g *GitArtifact) Description() string {
	return "Git (run the predeploy scripts, then deploy the repository contents)"
}

// detectArtifact picks the artifact for the deployment.
func (e *Engine) detectArtifact(r *run, emit emitFunc) error {
	var artifact Artifact
	if e.detector != nil {
		detected, err := e.detector(r.localRepoPath, r.env.Repository.GitServer,
			r.env.Repository.Name, r.d.Commit, r.env.Name)
		switch {
		case errors.Is(err, ErrNoArtifactDetected):
		case err != nil:
			return err
		default:
			artifact = detected
		}
	}
	if artifact == nil {
		artifact = NewGitArtifact(r.localRepoPath)
	}
	r.artifact = artifact
	emit(model.NewLogEntry(fmt.Sprintf("Artifact type: %s", artifact.Description())))
	return nil
}
