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
	"fmt"
	"strconv"
	"strings"
	"time"

	"deployer/pkg/model"
)

// SSHExitTransportFailure is the ssh client exit code for a transport
// level failure (connection refused, host unreachable).
const SSHExitTransportFailure = 255

// Host identifies a remote deploy target.
type Host struct {
	Name     string
	Port     int
	Username string
}

// HostFromServer builds a Host for a server using the environment's
// remote user.
func HostFromServer(s *model.Server, username string) Host {
	return Host{Name: s.Name, Port: s.Port, Username: username}
}

// Addr renders user@host for ssh and rsync.
func (h Host) Addr() string {
	if h.Username == "" {
		return h.Name
	}
	return h.Username + "@" + h.Name
}

// RunSSH runs argv on the host through the ssh binary. The remote shell
// joins and interprets argv, so operators like && work as expected.
func RunSSH(ctx context.Context, h Host, argv []string, timeout time.Duration) Result {
	cmd := []string{"ssh", h.Addr(), "-p", strconv.Itoa(h.Port), "-o", "BatchMode=yes"}
	cmd = append(cmd, argv...)
	return Exec(ctx, cmd, "", timeout)
}

// RemoteFileExists probes path on the host via stat.
func RemoteFileExists(ctx context.Context, h Host, path string, timeout time.Duration) bool {
	res := RunSSH(ctx, h, []string{"stat", path}, timeout)
	return res.ExitCode == 0
}

// RemoteScript runs wd/<script> on the host if it exists there. Missing
// scripts report exit code 0 with a "No script" notice, mirroring Script.
func RemoteScript(ctx context.Context, h Host, wd, script string, args []string, timeout time.Duration) Result {
	path := wd + "/" + script
	if !RemoteFileExists(ctx, h, path, 10*time.Second) {
		return Result{ExitCode: 0, Stdout: fmt.Sprintf("No script '%s'.", script)}
	}
	argv := append([]string{"cd", wd, "&&", "./" + script}, args...)
	return RunSSH(ctx, h, argv, timeout)
}

// RemoveRemoteFile deletes path on the host.
func RemoveRemoteFile(ctx context.Context, h Host, path string, timeout time.Duration) Result {
	return RunSSH(ctx, h, []string{"rm", "-f", path}, timeout)
}

// Rsync pushes src to dest on the host, excluding the .git directory.
// extraOptions is the environment's sync_options verbatim.
func Rsync(ctx context.Context, h Host, src, dest, extraOptions string, timeout time.Duration) Result {
	argv := []string{"rsync", "-e", fmt.Sprintf("ssh -p %d", h.Port), "-az", "--delete", "--exclude=.git"}
	if opts := strings.Fields(extraOptions); len(opts) > 0 {
		argv = append(argv, opts...)
	}
	argv = append(argv, src+"/", fmt.Sprintf("%s:%s/", h.Addr(), dest))
	return Exec(ctx, argv, "", timeout)
}
