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

package store

import (
	"context"
	"fmt"

	"deployer/pkg/model"
)

const environmentColumns = `id, repository_id, name, target_path, deploy_branch, env_order,
	auto_deploy, remote_user, sync_options, fail_deploy_on_failed_tests`

// GetRepository loads one repository.
func (s *Store) GetRepository(ctx context.Context, id int64) (*model.Repository, error) {
	var r model.Repository
	err := s.db.GetContext(ctx, &r, `
		SELECT id, name, git_server, deploy_method, notify_owners_mails
		FROM repositories WHERE id = $1`, id)
	if err != nil {
		return nil, notFoundOr(err, fmt.Sprintf("repository %d", id))
	}
	return &r, nil
}

// RepositoryByName loads one repository by its unique name.
func (s *Store) RepositoryByName(ctx context.Context, name string) (*model.Repository, error) {
	var r model.Repository
	err := s.db.GetContext(ctx, &r, `
		SELECT id, name, git_server, deploy_method, notify_owners_mails
		FROM repositories WHERE name = $1`, name)
	if err != nil {
		return nil, notFoundOr(err, fmt.Sprintf("repository %q", name))
	}
	return &r, nil
}

// ListRepositories loads every repository.
func (s *Store) ListRepositories(ctx context.Context) ([]*model.Repository, error) {
	var out []*model.Repository
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, name, git_server, deploy_method, notify_owners_mails
		FROM repositories ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list repositories: %w", err)
	}
	return out, nil
}

// GetEnvironment loads an environment with its repository attached.
func (s *Store) GetEnvironment(ctx context.Context, id int64) (*model.Environment, error) {
	var e model.Environment
	err := s.db.GetContext(ctx, &e,
		`SELECT `+environmentColumns+` FROM environments WHERE id = $1`, id)
	if err != nil {
		return nil, notFoundOr(err, fmt.Sprintf("environment %d", id))
	}
	repo, err := s.GetRepository(ctx, e.RepositoryID)
	if err != nil {
		return nil, err
	}
	e.Repository = repo
	return &e, nil
}

// EnvironmentsForRepository loads every environment of a repository, in
// promotion ladder order, with the repository attached.
func (s *Store) EnvironmentsForRepository(ctx context.Context, repoID int64) ([]*model.Environment, error) {
	repo, err := s.GetRepository(ctx, repoID)
	if err != nil {
		return nil, err
	}
	var envs []*model.Environment
	err = s.db.SelectContext(ctx, &envs,
		`SELECT `+environmentColumns+` FROM environments
		 WHERE repository_id = $1 ORDER BY env_order`, repoID)
	if err != nil {
		return nil, fmt.Errorf("failed to list environments of repository %d: %w", repoID, err)
	}
	for _, e := range envs {
		e.Repository = repo
	}
	return envs, nil
}

// AutoDeployEnvironments lists environments of the named repository with
// auto_deploy enabled for the given branch.
func (s *Store) AutoDeployEnvironments(ctx context.Context, repoName, branch string) ([]*model.Environment, error) {
	var envs []*model.Environment
	err := s.db.SelectContext(ctx, &envs, `
		SELECT e.id, e.repository_id, e.name, e.target_path, e.deploy_branch, e.env_order,
			e.auto_deploy, e.remote_user, e.sync_options, e.fail_deploy_on_failed_tests
		FROM environments e
		JOIN repositories r ON r.id = e.repository_id
		WHERE r.name = $1 AND e.auto_deploy AND e.deploy_branch = $2`, repoName, branch)
	if err != nil {
		return nil, fmt.Errorf("failed to list auto-deploy environments of %s: %w", repoName, err)
	}
	for _, e := range envs {
		repo, err := s.GetRepository(ctx, e.RepositoryID)
		if err != nil {
			return nil, err
		}
		e.Repository = repo
	}
	return envs, nil
}

// EnvironmentClusters loads the clusters of an environment with their
// server associations.
func (s *Store) EnvironmentClusters(ctx context.Context, envID int64) ([]*model.Cluster, error) {
	var clusters []*model.Cluster
	err := s.db.SelectContext(ctx, &clusters, `
		SELECT c.id, c.name, c.haproxy_host, c.inventory_key, c.updated_at
		FROM clusters c
		JOIN environment_clusters ec ON ec.cluster_id = c.id
		WHERE ec.environment_id = $1
		ORDER BY c.id`, envID)
	if err != nil {
		return nil, fmt.Errorf("failed to list clusters of environment %d: %w", envID, err)
	}
	for _, c := range clusters {
		if err := s.loadClusterServers(ctx, c); err != nil {
			return nil, err
		}
	}
	return clusters, nil
}

// GetCluster loads one cluster with its servers.
func (s *Store) GetCluster(ctx context.Context, id int64) (*model.Cluster, error) {
	var c model.Cluster
	err := s.db.GetContext(ctx, &c, `
		SELECT id, name, haproxy_host, inventory_key, updated_at
		FROM clusters WHERE id = $1`, id)
	if err != nil {
		return nil, notFoundOr(err, fmt.Sprintf("cluster %d", id))
	}
	if err := s.loadClusterServers(ctx, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) loadClusterServers(ctx context.Context, c *model.Cluster) error {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT cs.cluster_id, cs.server_id, cs.haproxy_key,
			sv.id, sv.name, sv.port, sv.activated, sv.inventory_key
		FROM cluster_servers cs
		JOIN servers sv ON sv.id = cs.server_id
		WHERE cs.cluster_id = $1
		ORDER BY sv.id`, c.ID)
	if err != nil {
		return fmt.Errorf("failed to load servers of cluster %d: %w", c.ID, err)
	}
	defer rows.Close()

	c.Servers = nil
	for rows.Next() {
		cs := &model.ClusterServer{Server: &model.Server{}}
		err := rows.Scan(&cs.ClusterID, &cs.ServerID, &cs.HAProxyKey,
			&cs.Server.ID, &cs.Server.Name, &cs.Server.Port, &cs.Server.Activated, &cs.Server.InventoryKey)
		if err != nil {
			return fmt.Errorf("failed to scan server of cluster %d: %w", c.ID, err)
		}
		c.Servers = append(c.Servers, cs)
	}
	return rows.Err()
}

// GetServer loads one server.
func (s *Store) GetServer(ctx context.Context, id int64) (*model.Server, error) {
	var sv model.Server
	err := s.db.GetContext(ctx, &sv, `
		SELECT id, name, port, activated, inventory_key FROM servers WHERE id = $1`, id)
	if err != nil {
		return nil, notFoundOr(err, fmt.Sprintf("server %d", id))
	}
	return &sv, nil
}
