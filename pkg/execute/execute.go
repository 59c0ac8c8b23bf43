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

// Package execute runs local and remote shell commands with timeouts and
// captured output. Remote execution shells out to the ssh and rsync
// binaries; errors are folded into the exit code and stderr instead of Go
// errors so step code can log them uniformly.
package execute

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// DefaultTimeout bounds every command unless the caller overrides it.
const DefaultTimeout = 600 * time.Second

// Result is the outcome of a command run. A failed spawn or timeout is
// reported as ExitCode 1 with an explanation in Stderr.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
}

// Exec spawns argv in cwd and waits for completion or timeout. On timeout
// the process is killed and the result carries exit code 1 with Stderr
// prefixed by a Timeout diagnostic.
func Exec(ctx context.Context, argv []string, cwd string, timeout time.Duration) Result {
	if len(argv) == 0 {
		return Result{ExitCode: 1, Stderr: "empty command"}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	cmd := exec.Command(argv[0], argv[1:]...) //nolint:gosec
	cmd.Dir = cwd
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return Result{ExitCode: 1, Stderr: err.Error()}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return Result{
			ExitCode: exitCode(err),
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
		}
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-done
		return Result{
			ExitCode: 1,
			Stdout:   stdout.String(),
			Stderr:   fmt.Sprintf("Interrupted\n\n%s", stderr.String()),
		}
	case <-timer.C:
		_ = cmd.Process.Kill()
		<-done
		return Result{
			ExitCode: 1,
			Stdout:   stdout.String(),
			Stderr: fmt.Sprintf("Timeout (the command took more than %ds to return)\n\n%s",
				int(timeout.Seconds()), stderr.String()),
			TimedOut: true,
		}
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return 1
}

// Script runs wd/<script> through bash if it exists. A missing script is
// not an error: the result carries exit code 0 and a "No script" notice.
func Script(ctx context.Context, wd, script string, args []string, timeout time.Duration) Result {
	path := filepath.Join(wd, script)
	if _, err := os.Stat(path); err != nil {
		return Result{ExitCode: 0, Stdout: fmt.Sprintf("No script '%s'.", script)}
	}
	argv := append([]string{"/bin/bash", path}, args...)
	return Exec(ctx, argv, wd, timeout)
}
