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
	"time"

	"deployer/pkg/execute"
	"deployer/pkg/model"
	"deployer/pkg/notify"
)

// emitFunc streams one log entry into the deployment's persisted log.
type emitFunc func(model.LogEntry)

// runStep wraps one pipeline step: it records "Step: <description>",
// emits step_start, persists every entry the step emits as it arrives,
// and emits step_end. The step fails when it returns an error or emits
// an error-severity entry; with abortOnError the failure becomes a
// DeploymentError, otherwise the pipeline moves on.
func (e *Engine) runStep(ctx context.Context, r *run, description string, abortOnError bool, fn func(emitFunc) error) error {
	r.log.Info("Running step", "step", description)
	e.appendEntry(ctx, r, model.NewLogEntry("Step: "+description))
	e.notifier.Dispatch(ctx, notify.StepStart(r.d, description))

	errored := false
	emit := func(entry model.LogEntry) {
		if entry.Severity == model.SeverityError {
			errored = true
		}
		e.appendEntry(ctx, r, entry)
	}

	err := fn(emit)
	if err != nil {
		errored = true
		e.appendEntry(ctx, r, model.NewLogEntryWithSeverity(
			fmt.Sprintf("Error when running step '%s': %v", description, err), model.SeverityError))
	}
	e.notifier.Dispatch(ctx, notify.StepEnd(r.d, description, errored))

	if errored && abortOnError {
		r.log.Error("Step failed", "step", description)
		return &DeploymentError{Step: description}
	}
	return nil
}

// appendEntry persists one log entry and mirrors it on the process log.
func (e *Engine) appendEntry(ctx context.Context, r *run, entry model.LogEntry) {
	r.d.LogEntries = append(r.d.LogEntries, entry)
	if err := e.store.AppendLogEntry(ctx, r.d.ID, entry); err != nil {
		r.log.Error("Failed to persist log entry", "error", err)
	}
	switch entry.Severity {
	case model.SeverityError:
		r.log.Error(entry.Message)
	case model.SeverityWarn:
		r.log.Warn(entry.Message)
	default:
		r.log.Info(entry.Message)
	}
}

// capture converts a command result into log entries: stdout as info,
// stderr as error on failure or warning on success, plus a final error
// entry when the exit code is non-zero.
func capture(prefix string, res execute.Result, emit emitFunc) {
	now := time.Now().UTC()
	if res.Stdout != "" {
		emit(model.LogEntry{Date: now, Severity: model.SeverityInfo,
			Message: fmt.Sprintf("%s: %s", prefix, res.Stdout)})
	}
	if res.Stderr != "" {
		sev := model.SeverityWarn
		if res.ExitCode != 0 {
			sev = model.SeverityError
		}
		emit(model.LogEntry{Date: now, Severity: sev,
			Message: fmt.Sprintf("%s: %s", prefix, res.Stderr)})
	}
	if res.ExitCode != 0 {
		emit(model.NewLogEntryWithSeverity(
			fmt.Sprintf("%s: exited with code %d", prefix, res.ExitCode), model.SeverityError))
	}
}
