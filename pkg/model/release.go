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
	"errors"
	"fmt"
	"strings"
	"time"
)

// ReleaseFileName is the manifest written at the root of every release.
const ReleaseFileName = ".git_release"

// ReleaseDateFormat is ISO-8601 with microsecond precision.
const ReleaseDateFormat = "2006-01-02T15:04:05.000000"

// releaseInProgressMarker is the optional 5th manifest line.
const releaseInProgressMarker = "deployment in progress"

// ErrInvalidReleaseFile is returned when a manifest has fewer than four
// lines or an unparseable date.
var ErrInvalidReleaseFile = errors.New("invalid release file")

// Release is the parsed content of a .git_release manifest.
type Release struct {
	Branch          string    `json:"branch"`
	Commit          string    `json:"commit"`
	DeploymentDate  time.Time `json:"deployment_date"`
	DestinationPath string    `json:"destination_path"`
	InProgress      bool      `json:"in_progress"`
}

// ParseRelease parses the text of a release manifest.
func ParseRelease(content string) (*Release, error) {
	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	if len(lines) < 4 {
		return nil, fmt.Errorf("%w: expected at least 4 lines, got %d", ErrInvalidReleaseFile, len(lines))
	}
	date, err := time.Parse(ReleaseDateFormat, lines[2])
	if err != nil {
		return nil, fmt.Errorf("%w: bad deployment date %q", ErrInvalidReleaseFile, lines[2])
	}
	r := &Release{
		Branch:          lines[0],
		Commit:          lines[1],
		DeploymentDate:  date,
		DestinationPath: lines[3],
	}
	if len(lines) > 4 && lines[4] == releaseInProgressMarker {
		r.InProgress = true
	}
	return r, nil
}

// String renders the manifest text, without trailing newline.
func (r *Release) String() string {
	lines := []string{
		r.Branch,
		r.Commit,
		r.DeploymentDate.Format(ReleaseDateFormat),
		r.DestinationPath,
	}
	if r.InProgress {
		lines = append(lines, releaseInProgressMarker)
	}
	return strings.Join(lines, "\n")
}
