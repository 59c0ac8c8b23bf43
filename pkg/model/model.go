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

// Package model holds the domain entities shared by the deployment engine,
// the workers and the HTTP facade: repositories, environments, clusters,
// servers, deployments and their log entries.
package model

import (
	"fmt"
	"path"
	"time"
)

// DeployMethod selects how a release becomes visible on a target server.
type DeployMethod string

const (
	// DeployInplace syncs the artifact directly into the target path.
	DeployInplace DeployMethod = "inplace"
	// DeploySymlink syncs into a timestamped release directory and swaps a symlink.
	DeploySymlink DeployMethod = "symlink"
)

// Repository is one source project. Its name is the identity of the local
// mirror directory and must not change.
type Repository struct {
	ID           int64        `db:"id" json:"id"`
	Name         string       `db:"name" json:"name"`
	GitServer    string       `db:"git_server" json:"git_server"`
	DeployMethod DeployMethod `db:"deploy_method" json:"deploy_method"`
	NotifyMails  StringList   `db:"notify_owners_mails" json:"notify_owners_mails"`
}

// Environment is a deploy target of a repository. (repository_id, name) is
// unique; EnvOrder defines the promotion ladder used to gate deployable
// commits.
type Environment struct {
	ID                      int64  `db:"id" json:"id"`
	RepositoryID            int64  `db:"repository_id" json:"repository_id"`
	Name                    string `db:"name" json:"name"`
	TargetPath              string `db:"target_path" json:"target_path"`
	DeployBranch            string `db:"deploy_branch" json:"deploy_branch"`
	EnvOrder                int    `db:"env_order" json:"env_order"`
	AutoDeploy              bool   `db:"auto_deploy" json:"auto_deploy"`
	RemoteUser              string `db:"remote_user" json:"remote_user"`
	SyncOptions             string `db:"sync_options" json:"sync_options"`
	FailDeployOnFailedTests bool   `db:"fail_deploy_on_failed_tests" json:"fail_deploy_on_failed_tests"`

	Repository *Repository `db:"-" json:"-"`
}

// LocalRepoDirectoryName is the name of the mirror directory for this
// environment under the base mirror path.
func (e *Environment) LocalRepoDirectoryName() string {
	return fmt.Sprintf("%s_%s", e.Repository.Name, e.Name)
}

// ReleasePath computes the destination path for a deployment of the given
// branch and commit started at now. Under inplace it is the target path
// itself; under symlink it is a timestamped sibling directory.
func (e *Environment) ReleasePath(branch, commit string, now time.Time) string {
	if e.Repository.DeployMethod == DeployInplace {
		return e.TargetPath
	}
	short := commit
	if len(short) > 8 {
		short = short[:8]
	}
	releases := fmt.Sprintf("%s_releases", e.Repository.Name)
	name := fmt.Sprintf("%s_%s_%s", now.Format("20060102"), branch, short)
	return path.Join(path.Dir(e.TargetPath), releases, name)
}

// RemoteRepoPath is the directory holding the production symlink.
func (e *Environment) RemoteRepoPath() string {
	return path.Dir(e.TargetPath)
}

// ProductionFolder is the name of the production symlink itself.
func (e *Environment) ProductionFolder() string {
	return path.Base(e.TargetPath)
}

// Server is one deploy target host.
type Server struct {
	ID           int64   `db:"id" json:"id"`
	Name         string  `db:"name" json:"name"`
	Port         int     `db:"port" json:"port"`
	Activated    bool    `db:"activated" json:"activated"`
	InventoryKey *string `db:"inventory_key" json:"inventory_key"`
}

// ClusterServer associates a server with a cluster. HAProxyKey has the
// form "backend,server" when the server is drained through HAProxy.
type ClusterServer struct {
	ClusterID  int64   `db:"cluster_id" json:"cluster_id"`
	ServerID   int64   `db:"server_id" json:"server_id"`
	HAProxyKey *string `db:"haproxy_key" json:"haproxy_key"`

	Server *Server `db:"-" json:"server"`
}

// Cluster groups servers behind an optional HAProxy host. A cluster with no
// HAProxyHost is never drained.
type Cluster struct {
	ID           int64      `db:"id" json:"id"`
	Name         string     `db:"name" json:"name"`
	HAProxyHost  *string    `db:"haproxy_host" json:"haproxy_host"`
	InventoryKey *string    `db:"inventory_key" json:"inventory_key"`
	UpdatedAt    *time.Time `db:"updated_at" json:"updated_at"`

	Servers []*ClusterServer `db:"-" json:"servers"`
}

// ActivatedServers returns the activated servers of the cluster.
func (c *Cluster) ActivatedServers() []*Server {
	var out []*Server
	for _, cs := range c.Servers {
		if cs.Server != nil && cs.Server.Activated {
			out = append(out, cs.Server)
		}
	}
	return out
}

// HAProxyKeys returns the haproxy keys of the activated servers. Servers
// without a key are not drained and do not appear.
func (c *Cluster) HAProxyKeys() []string {
	var out []string
	for _, cs := range c.Servers {
		if cs.Server == nil || !cs.Server.Activated || cs.HAProxyKey == nil {
			continue
		}
		out = append(out, *cs.HAProxyKey)
	}
	return out
}

// SingleServerCluster wraps one server in a synthetic cluster so the
// orchestration loop can target it. It has no HAProxy host and is never
// drained.
func SingleServerCluster(s *Server) *Cluster {
	return &Cluster{
		Name:    s.Name,
		Servers: []*ClusterServer{{ServerID: s.ID, Server: s}},
	}
}

// User is an operator account. SessionToken is the short-lived websession
// token; AuthToken is the long-lived bcrypt-hashed API token.
type User struct {
	ID            int64      `db:"id" json:"id"`
	Username      string     `db:"username" json:"username"`
	Email         string     `db:"email" json:"email"`
	AccountID     *string    `db:"accountid" json:"accountid"`
	SessionToken  *string    `db:"session_token" json:"-"`
	TokenIssuedAt *time.Time `db:"token_issued_at" json:"-"`
	AuthToken     *string    `db:"auth_token" json:"-"`
}

// Role carries a JSON permission blob, decoded on each authorization check.
type Role struct {
	ID          int64  `db:"id" json:"id"`
	Name        string `db:"name" json:"name"`
	Permissions string `db:"permissions" json:"permissions"`
}
