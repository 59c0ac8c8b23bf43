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

package execute

import (
	"context"
	"strings"
	"time"

	"deployer/pkg/model"
)

// ReleaseProbeTimeout bounds the manifest read on one server.
const ReleaseProbeTimeout = 4 * time.Second

// ReleaseStatus is the outcome of probing one server's release manifest.
// Exactly one of Release and Error is meaningful.
type ReleaseStatus struct {
	Host     string         `json:"host"`
	Release  *model.Release `json:"release,omitempty"`
	Error    string         `json:"error,omitempty"`
	ExitCode int            `json:"-"`
}

// GetReleaseStatus reads and parses <targetPath>/.git_release on the host.
func GetReleaseStatus(ctx context.Context, h Host, targetPath string, timeout time.Duration) ReleaseStatus {
	if timeout <= 0 {
		timeout = ReleaseProbeTimeout
	}
	res := RunSSH(ctx, h, []string{"cat", targetPath + "/" + model.ReleaseFileName}, timeout)
	if res.ExitCode != 0 {
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			msg = "could not read release file"
		}
		return ReleaseStatus{Host: h.Name, Error: msg, ExitCode: res.ExitCode}
	}
	release, err := model.ParseRelease(res.Stdout)
	if err != nil {
		return ReleaseStatus{Host: h.Name, Error: err.Error()}
	}
	return ReleaseStatus{Host: h.Name, Release: release}
}

// WriteReleaseManifest rewrites <destPath>/.git_release on the host. The
// write goes through a shell redirect so the file appears in one call.
func WriteReleaseManifest(ctx context.Context, h Host, destPath string, release *model.Release, timeout time.Duration) Result {
	content := shellQuote(release.String())
	redirect := "echo " + content + " > " + destPath + "/" + model.ReleaseFileName
	return RunSSH(ctx, h, []string{redirect}, timeout)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
