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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRelease(t *testing.T) {
	content := "main\nabc123def\n2017-06-30T14:23:21.000000\n/srv/app_releases/20170630_main_abc123de"

	r, err := ParseRelease(content)
	require.NoError(t, err)

	assert.Equal(t, "main", r.Branch)
	assert.Equal(t, "abc123def", r.Commit)
	assert.Equal(t, time.Date(2017, 6, 30, 14, 23, 21, 0, time.UTC), r.DeploymentDate)
	assert.Equal(t, "/srv/app_releases/20170630_main_abc123de", r.DestinationPath)
	assert.False(t, r.InProgress)
}

func TestParseReleaseInProgress(t *testing.T) {
	content := "main\nabc123\n2017-06-30T14:23:21.000000\n/srv/app\ndeployment in progress\n"

	r, err := ParseRelease(content)
	require.NoError(t, err)
	assert.True(t, r.InProgress)
}

func TestParseReleaseErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"too few lines", "main\nabc123\n2017-06-30T14:23:21.000000"},
		{"empty", ""},
		{"bad date", "main\nabc123\nnot-a-date\n/srv/app"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRelease(tt.content)
			assert.ErrorIs(t, err, ErrInvalidReleaseFile)
		})
	}
}

func TestReleaseRoundTrip(t *testing.T) {
	tests := []string{
		"main\nabc123\n2017-06-30T14:23:21.000000\n/srv/app",
		"feature/x\ndeadbeef\n2020-01-02T03:04:05.678900\n/srv/app\ndeployment in progress",
	}
	for _, content := range tests {
		r, err := ParseRelease(content)
		require.NoError(t, err)
		assert.Equal(t, content, r.String())
	}
}

func TestReleasePath(t *testing.T) {
	env := &Environment{
		TargetPath: "/srv/www/app",
		Repository: &Repository{Name: "app", DeployMethod: DeploySymlink},
	}
	now := time.Date(2017, 6, 30, 12, 0, 0, 0, time.UTC)

	got := env.ReleasePath("main", "abc123def456", now)
	assert.Equal(t, "/srv/www/app_releases/20170630_main_abc123de", got)

	env.Repository.DeployMethod = DeployInplace
	assert.Equal(t, "/srv/www/app", env.ReleasePath("main", "abc123def456", now))
}

func TestSingleServerCluster(t *testing.T) {
	s := &Server{ID: 7, Name: "web-1", Port: 22, Activated: true}
	c := SingleServerCluster(s)

	assert.Nil(t, c.HAProxyHost)
	assert.Empty(t, c.HAProxyKeys())
	require.Len(t, c.ActivatedServers(), 1)
	assert.Equal(t, "web-1", c.ActivatedServers()[0].Name)
}
