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

	"github.com/jmoiron/sqlx"

	"deployer/pkg/model"
)

// Admin CRUD used by the HTTP facade. Deletions cascade through the
// association tables; deployment history is never deleted.

// CreateRepository inserts a repository and returns its id.
func (s *Store) CreateRepository(ctx context.Context, r *model.Repository) (int64, error) {
	err := s.db.GetContext(ctx, &r.ID, `
		INSERT INTO repositories (name, git_server, deploy_method, notify_owners_mails)
		VALUES ($1, $2, $3, $4) RETURNING id`,
		r.Name, r.GitServer, r.DeployMethod, r.NotifyMails)
	if err != nil {
		return 0, fmt.Errorf("failed to create repository %q: %w", r.Name, err)
	}
	return r.ID, nil
}

// UpdateRepository rewrites every mutable field of a repository.
func (s *Store) UpdateRepository(ctx context.Context, r *model.Repository) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE repositories SET name = $2, git_server = $3, deploy_method = $4,
			notify_owners_mails = $5 WHERE id = $1`,
		r.ID, r.Name, r.GitServer, r.DeployMethod, r.NotifyMails)
	if err != nil {
		return fmt.Errorf("failed to update repository %d: %w", r.ID, err)
	}
	return requireRow(res, fmt.Sprintf("repository %d", r.ID))
}

// DeleteRepository removes a repository and its environments.
func (s *Store) DeleteRepository(ctx context.Context, id int64) error {
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM environments WHERE repository_id = $1`, id); err != nil {
			return fmt.Errorf("failed to delete environments of repository %d: %w", id, err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM repositories WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("failed to delete repository %d: %w", id, err)
		}
		return requireRow(res, fmt.Sprintf("repository %d", id))
	})
}

// ListEnvironments loads every environment with its repository attached.
func (s *Store) ListEnvironments(ctx context.Context) ([]*model.Environment, error) {
	var envs []*model.Environment
	err := s.db.SelectContext(ctx, &envs,
		`SELECT `+environmentColumns+` FROM environments ORDER BY repository_id, env_order`)
	if err != nil {
		return nil, fmt.Errorf("failed to list environments: %w", err)
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

// CreateEnvironment inserts an environment under a repository.
func (s *Store) CreateEnvironment(ctx context.Context, e *model.Environment) (int64, error) {
	err := s.db.GetContext(ctx, &e.ID, `
		INSERT INTO environments (repository_id, name, target_path, deploy_branch,
			env_order, auto_deploy, remote_user, sync_options, fail_deploy_on_failed_tests)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`,
		e.RepositoryID, e.Name, e.TargetPath, e.DeployBranch,
		e.EnvOrder, e.AutoDeploy, e.RemoteUser, e.SyncOptions, e.FailDeployOnFailedTests)
	if err != nil {
		return 0, fmt.Errorf("failed to create environment %q: %w", e.Name, err)
	}
	return e.ID, nil
}

// UpdateEnvironment rewrites every mutable field of an environment.
func (s *Store) UpdateEnvironment(ctx context.Context, e *model.Environment) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE environments SET name = $2, target_path = $3, deploy_branch = $4,
			env_order = $5, auto_deploy = $6, remote_user = $7, sync_options = $8,
			fail_deploy_on_failed_tests = $9
		WHERE id = $1`,
		e.ID, e.Name, e.TargetPath, e.DeployBranch,
		e.EnvOrder, e.AutoDeploy, e.RemoteUser, e.SyncOptions, e.FailDeployOnFailedTests)
	if err != nil {
		return fmt.Errorf("failed to update environment %d: %w", e.ID, err)
	}
	return requireRow(res, fmt.Sprintf("environment %d", e.ID))
}

// DeleteEnvironment removes an environment.
func (s *Store) DeleteEnvironment(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM environments WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete environment %d: %w", id, err)
	}
	return requireRow(res, fmt.Sprintf("environment %d", id))
}

// ListClusters loads every cluster with its servers.
func (s *Store) ListClusters(ctx context.Context) ([]*model.Cluster, error) {
	var clusters []*model.Cluster
	err := s.db.SelectContext(ctx, &clusters, `
		SELECT id, name, haproxy_host, inventory_key, updated_at
		FROM clusters ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list clusters: %w", err)
	}
	for _, c := range clusters {
		if err := s.loadClusterServers(ctx, c); err != nil {
			return nil, err
		}
	}
	return clusters, nil
}

// CreateCluster inserts a cluster with its server associations.
func (s *Store) CreateCluster(ctx context.Context, c *model.Cluster) (int64, error) {
	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &c.ID, `
			INSERT INTO clusters (name, haproxy_host, inventory_key, updated_at)
			VALUES ($1, $2, $3, $4) RETURNING id`,
			c.Name, c.HAProxyHost, c.InventoryKey, c.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to create cluster %q: %w", c.Name, err)
		}
		return replaceClusterServers(ctx, tx, c)
	})
	if err != nil {
		return 0, err
	}
	return c.ID, nil
}

// UpdateCluster rewrites a cluster and replaces its server associations.
func (s *Store) UpdateCluster(ctx context.Context, c *model.Cluster) error {
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE clusters SET name = $2, haproxy_host = $3 WHERE id = $1`,
			c.ID, c.Name, c.HAProxyHost)
		if err != nil {
			return fmt.Errorf("failed to update cluster %d: %w", c.ID, err)
		}
		if err := requireRow(res, fmt.Sprintf("cluster %d", c.ID)); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM cluster_servers WHERE cluster_id = $1`, c.ID); err != nil {
			return fmt.Errorf("failed to clear servers of cluster %d: %w", c.ID, err)
		}
		return replaceClusterServers(ctx, tx, c)
	})
}

func replaceClusterServers(ctx context.Context, tx *sqlx.Tx, c *model.Cluster) error {
	for _, cs := range c.Servers {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO cluster_servers (cluster_id, server_id, haproxy_key)
			VALUES ($1, $2, $3)`, c.ID, cs.ServerID, cs.HAProxyKey)
		if err != nil {
			return fmt.Errorf("failed to attach server %d to cluster %d: %w", cs.ServerID, c.ID, err)
		}
	}
	return nil
}

// DeleteCluster removes a cluster and its associations.
func (s *Store) DeleteCluster(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM clusters WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete cluster %d: %w", id, err)
	}
	return requireRow(res, fmt.Sprintf("cluster %d", id))
}

// ListServers loads every server.
func (s *Store) ListServers(ctx context.Context) ([]*model.Server, error) {
	var out []*model.Server
	err := s.db.SelectContext(ctx, &out,
		`SELECT id, name, port, activated, inventory_key FROM servers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}
	return out, nil
}

// CreateServer inserts a server and returns its id.
func (s *Store) CreateServer(ctx context.Context, sv *model.Server) (int64, error) {
	err := s.db.GetContext(ctx, &sv.ID, `
		INSERT INTO servers (name, port, activated, inventory_key)
		VALUES ($1, $2, $3, $4) RETURNING id`,
		sv.Name, sv.Port, sv.Activated, sv.InventoryKey)
	if err != nil {
		return 0, fmt.Errorf("failed to create server %q: %w", sv.Name, err)
	}
	return sv.ID, nil
}

// UpdateServer rewrites every mutable field of a server.
func (s *Store) UpdateServer(ctx context.Context, sv *model.Server) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE servers SET name = $2, port = $3, activated = $4 WHERE id = $1`,
		sv.ID, sv.Name, sv.Port, sv.Activated)
	if err != nil {
		return fmt.Errorf("failed to update server %d: %w", sv.ID, err)
	}
	return requireRow(res, fmt.Sprintf("server %d", sv.ID))
}

// DeleteServer removes a server and its cluster associations.
func (s *Store) DeleteServer(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM servers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete server %d: %w", id, err)
	}
	return requireRow(res, fmt.Sprintf("server %d", id))
}

// ListUsers loads every user.
func (s *Store) ListUsers(ctx context.Context) ([]*model.User, error) {
	var out []*model.User
	err := s.db.SelectContext(ctx, &out,
		`SELECT `+userColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return out, nil
}

// CreateUser inserts a user with its role associations. The auth token,
// when present, must already be hashed.
func (s *Store) CreateUser(ctx context.Context, u *model.User, roleIDs []int64) (int64, error) {
	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &u.ID, `
			INSERT INTO users (username, email, accountid, auth_token)
			VALUES ($1, $2, $3, $4) RETURNING id`,
			u.Username, u.Email, u.AccountID, u.AuthToken)
		if err != nil {
			return fmt.Errorf("failed to create user %q: %w", u.Username, err)
		}
		return replaceUserRoles(ctx, tx, u.ID, roleIDs)
	})
	if err != nil {
		return 0, err
	}
	return u.ID, nil
}

// UpdateUser rewrites a user and replaces its role associations. A nil
// auth token clears the stored one.
func (s *Store) UpdateUser(ctx context.Context, u *model.User, roleIDs []int64) error {
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE users SET username = $2, email = $3, accountid = $4, auth_token = $5
			WHERE id = $1`,
			u.ID, u.Username, u.Email, u.AccountID, u.AuthToken)
		if err != nil {
			return fmt.Errorf("failed to update user %d: %w", u.ID, err)
		}
		if err := requireRow(res, fmt.Sprintf("user %d", u.ID)); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM user_roles WHERE user_id = $1`, u.ID); err != nil {
			return fmt.Errorf("failed to clear roles of user %d: %w", u.ID, err)
		}
		return replaceUserRoles(ctx, tx, u.ID, roleIDs)
	})
}

func replaceUserRoles(ctx context.Context, tx *sqlx.Tx, userID int64, roleIDs []int64) error {
	for _, roleID := range roleIDs {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO user_roles (user_id, role_id) VALUES ($1, $2)`, userID, roleID)
		if err != nil {
			return fmt.Errorf("failed to grant role %d to user %d: %w", roleID, userID, err)
		}
	}
	return nil
}

// DeleteUser removes a user.
func (s *Store) DeleteUser(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete user %d: %w", id, err)
	}
	return requireRow(res, fmt.Sprintf("user %d", id))
}

// ListRoles loads every role.
func (s *Store) ListRoles(ctx context.Context) ([]*model.Role, error) {
	var out []*model.Role
	err := s.db.SelectContext(ctx, &out,
		`SELECT id, name, permissions FROM roles ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	return out, nil
}

// GetRole loads one role.
func (s *Store) GetRole(ctx context.Context, id int64) (*model.Role, error) {
	var r model.Role
	err := s.db.GetContext(ctx, &r, `SELECT id, name, permissions FROM roles WHERE id = $1`, id)
	if err != nil {
		return nil, notFoundOr(err, fmt.Sprintf("role %d", id))
	}
	return &r, nil
}

// CreateRole inserts a role and returns its id.
func (s *Store) CreateRole(ctx context.Context, r *model.Role) (int64, error) {
	err := s.db.GetContext(ctx, &r.ID, `
		INSERT INTO roles (name, permissions) VALUES ($1, $2) RETURNING id`,
		r.Name, r.Permissions)
	if err != nil {
		return 0, fmt.Errorf("failed to create role %q: %w", r.Name, err)
	}
	return r.ID, nil
}

// UpdateRole rewrites a role.
func (s *Store) UpdateRole(ctx context.Context, r *model.Role) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE roles SET name = $2, permissions = $3 WHERE id = $1`,
		r.ID, r.Name, r.Permissions)
	if err != nil {
		return fmt.Errorf("failed to update role %d: %w", r.ID, err)
	}
	return requireRow(res, fmt.Sprintf("role %d", r.ID))
}

// DeleteRole removes a role.
func (s *Store) DeleteRole(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM roles WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete role %d: %w", id, err)
	}
	return requireRow(res, fmt.Sprintf("role %d", id))
}
