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

package model

import (
	"fmt"
	"time"
)

// DeploymentStatus is the lifecycle state of a deployment.
type DeploymentStatus string

const (
	StatusQueued     DeploymentStatus = "QUEUED"
	StatusInit       DeploymentStatus = "INIT"
	StatusPreDeploy  DeploymentStatus = "PRE_DEPLOY"
	StatusDeploy     DeploymentStatus = "DEPLOY"
	StatusPostDeploy DeploymentStatus = "POST_DEPLOY"
	StatusComplete   DeploymentStatus = "COMPLETE"
	StatusFailed     DeploymentStatus = "FAILED"
)

// Finished reports whether the status is terminal.
func (s DeploymentStatus) Finished() bool {
	return s == StatusComplete || s == StatusFailed
}

// Deployment is the state record of one deployment request. At most one of
// ClusterID and ServerID is set; both nil targets every cluster of the
// environment.
type Deployment struct {
	ID              int64            `db:"id" json:"id"`
	RepositoryName  string           `db:"repository_name" json:"repository_name"`
	EnvironmentName string           `db:"environment_name" json:"environment_name"`
	EnvironmentID   *int64           `db:"environment_id" json:"environment_id"`
	ClusterID       *int64           `db:"cluster_id" json:"cluster_id"`
	ServerID        *int64           `db:"server_id" json:"server_id"`
	Branch          string           `db:"branch" json:"branch"`
	Commit          string           `db:"commit" json:"commit"`
	UserID          *int64           `db:"user_id" json:"user_id"`
	Status          DeploymentStatus `db:"status" json:"status"`
	QueuedDate      time.Time        `db:"queued_date" json:"queued_date"`
	DateStartDeploy *time.Time       `db:"date_start_deploy" json:"date_start_deploy"`
	DateEndDeploy   *time.Time       `db:"date_end_deploy" json:"date_end_deploy"`

	LogEntries []LogEntry `db:"-" json:"log_entries"`
}

// Severity of a deployment log entry.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// LogEntry is one line of a deployment's append-only log.
type LogEntry struct {
	ID       int64     `db:"id" json:"id"`
	DeployID int64     `db:"deploy_id" json:"deploy_id"`
	Date     time.Time `db:"date" json:"date"`
	Severity Severity  `db:"severity" json:"severity"`
	Message  string    `db:"message" json:"message"`
}

// NewLogEntry builds an info entry dated now.
func NewLogEntry(message string) LogEntry {
	return LogEntry{Date: time.Now().UTC(), Severity: SeverityInfo, Message: message}
}

// NewLogEntryWithSeverity builds an entry with the given severity dated now.
func NewLogEntryWithSeverity(message string, severity Severity) LogEntry {
	return LogEntry{Date: time.Now().UTC(), Severity: severity, Message: message}
}

// Format renders the entry the way it appears in deployment mails.
func (l LogEntry) Format() string {
	return fmt.Sprintf("%s %s: %s", l.Date.Format("2006-01-02 15:04:05"), l.Severity, l.Message)
}
