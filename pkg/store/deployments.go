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
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"deployer/pkg/model"
)

const deploymentColumns = `id, repository_name, environment_name, environment_id, cluster_id,
	server_id, branch, "commit", user_id, status, queued_date, date_start_deploy, date_end_deploy`

// CreateDeployment persists a new QUEUED deployment and returns its id.
func (s *Store) CreateDeployment(ctx context.Context, d *model.Deployment) (int64, error) {
	var id int64
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO deployments (repository_name, environment_name, environment_id, cluster_id,
			server_id, branch, "commit", user_id, status, queued_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		d.RepositoryName, d.EnvironmentName, d.EnvironmentID, d.ClusterID,
		d.ServerID, d.Branch, d.Commit, d.UserID, model.StatusQueued, d.QueuedDate).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create deployment: %w", err)
	}
	return id, nil
}

// GetDeployment loads a deployment and its log entries.
func (s *Store) GetDeployment(ctx context.Context, id int64) (*model.Deployment, error) {
	var d model.Deployment
	err := s.db.GetContext(ctx, &d,
		`SELECT `+deploymentColumns+` FROM deployments WHERE id = $1`, id)
	if err != nil {
		return nil, notFoundOr(err, fmt.Sprintf("deployment %d", id))
	}
	err = s.db.SelectContext(ctx, &d.LogEntries,
		`SELECT id, deploy_id, date, severity, message FROM log_entries
		 WHERE deploy_id = $1 ORDER BY date, id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load log of deployment %d: %w", id, err)
	}
	return &d, nil
}

// ListDeployments returns the most recent deployments of an environment.
func (s *Store) ListDeployments(ctx context.Context, envID int64, limit int) ([]model.Deployment, error) {
	var out []model.Deployment
	err := s.db.SelectContext(ctx, &out,
		`SELECT `+deploymentColumns+` FROM deployments
		 WHERE environment_id = $1 ORDER BY queued_date DESC LIMIT $2`, envID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments of environment %d: %w", envID, err)
	}
	return out, nil
}

// AppendLogEntry persists one log line of a deployment in its own
// transaction, so a crash leaves a partial but consistent trail.
func (s *Store) AppendLogEntry(ctx context.Context, deployID int64, entry model.LogEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO log_entries (deploy_id, date, severity, message) VALUES ($1, $2, $3, $4)`,
		deployID, entry.Date, entry.Severity, entry.Message)
	if err != nil {
		return fmt.Errorf("failed to append log to deployment %d: %w", deployID, err)
	}
	return nil
}

// SetDeploymentStatus advances the deployment lifecycle.
func (s *Store) SetDeploymentStatus(ctx context.Context, id int64, status model.DeploymentStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE deployments SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("failed to set deployment %d status to %s: %w", id, status, err)
	}
	return nil
}

// SetDeploymentStart stamps date_start_deploy.
func (s *Store) SetDeploymentStart(ctx context.Context, id int64, start time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE deployments SET date_start_deploy = $2 WHERE id = $1`, id, start)
	if err != nil {
		return fmt.Errorf("failed to set deployment %d start date: %w", id, err)
	}
	return nil
}

// FinishDeployment writes the terminal status and the end date together.
func (s *Store) FinishDeployment(ctx context.Context, id int64, status model.DeploymentStatus, end time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE deployments SET status = $2, date_end_deploy = $3 WHERE id = $1`, id, status, end)
	if err != nil {
		return fmt.Errorf("failed to finish deployment %d: %w", id, err)
	}
	return nil
}

// ConflictingDeployments lists the non-terminal deployments other than
// excludeID that touch any of the given servers, whether they target a
// server, a cluster or a whole environment.
func (s *Store) ConflictingDeployments(ctx context.Context, excludeID int64, serverIDs []int64) ([]model.Deployment, error) {
	var out []model.Deployment
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+deploymentColumns+` FROM deployments d
		WHERE d.id != $1
		  AND d.status NOT IN ('COMPLETE', 'FAILED')
		  AND (
			d.server_id = ANY($2)
			OR d.cluster_id IN (SELECT cluster_id FROM cluster_servers WHERE server_id = ANY($2))
			OR (d.server_id IS NULL AND d.cluster_id IS NULL AND d.environment_id IN (
				SELECT ec.environment_id
				FROM environment_clusters ec
				JOIN cluster_servers cs ON cs.cluster_id = ec.cluster_id
				WHERE cs.server_id = ANY($2)))
		  )`, excludeID, pq.Array(serverIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicting deployments: %w", err)
	}
	return out, nil
}

// ExpireDeployment forces a stale deployment to FAILED and appends the
// diagnostic entry, atomically.
func (s *Store) ExpireDeployment(ctx context.Context, id int64, entry model.LogEntry) error {
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE deployments SET status = $2, date_end_deploy = $3 WHERE id = $1`,
			id, model.StatusFailed, time.Now().UTC()); err != nil {
			return fmt.Errorf("failed to expire deployment %d: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO log_entries (deploy_id, date, severity, message) VALUES ($1, $2, $3, $4)`,
			id, entry.Date, entry.Severity, entry.Message); err != nil {
			return fmt.Errorf("failed to log expiry of deployment %d: %w", id, err)
		}
		return nil
	})
}

// RecentDeployments returns the latest deployments, newest start first.
// envIDs restricts the result to those environments; nil means all.
func (s *Store) RecentDeployments(ctx context.Context, envIDs []int64, limit int) ([]model.Deployment, error) {
	var out []model.Deployment
	var err error
	if envIDs == nil {
		err = s.db.SelectContext(ctx, &out,
			`SELECT `+deploymentColumns+` FROM deployments
			 ORDER BY date_start_deploy DESC NULLS LAST LIMIT $1`, limit)
	} else {
		err = s.db.SelectContext(ctx, &out,
			`SELECT `+deploymentColumns+` FROM deployments
			 WHERE environment_id = ANY($1)
			 ORDER BY date_start_deploy DESC NULLS LAST LIMIT $2`, pq.Array(envIDs), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list recent deployments: %w", err)
	}
	return out, nil
}

// DeploymentsForRepository returns the latest deployments of one
// repository across its environments.
func (s *Store) DeploymentsForRepository(ctx context.Context, repoName string, limit int) ([]model.Deployment, error) {
	var out []model.Deployment
	err := s.db.SelectContext(ctx, &out,
		`SELECT `+deploymentColumns+` FROM deployments
		 WHERE repository_name = $1 ORDER BY queued_date DESC LIMIT $2`, repoName, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments of %s: %w", repoName, err)
	}
	return out, nil
}

// DeployableCommits returns, for a batch of commits, the ones already
// COMPLETE on the previous rung of env's promotion ladder. A nil map
// means the environment has no parent rung and every commit is
// deployable.
func (s *Store) DeployableCommits(ctx context.Context, env *model.Environment, commits []string) (map[string]bool, error) {
	var parentIDs []int64
	err := s.db.SelectContext(ctx, &parentIDs, `
		SELECT id FROM environments
		WHERE repository_id = $1 AND env_order = $2 AND deploy_branch = $3`,
		env.RepositoryID, env.EnvOrder-1, env.DeployBranch)
	if err != nil {
		return nil, fmt.Errorf("failed to find promotion parents of environment %d: %w", env.ID, err)
	}
	if len(parentIDs) == 0 {
		return nil, nil
	}
	var deployed []string
	err = s.db.SelectContext(ctx, &deployed, `
		SELECT DISTINCT "commit" FROM deployments
		WHERE "commit" = ANY($1) AND status = 'COMPLETE' AND environment_id = ANY($2)`,
		pq.Array(commits), pq.Array(parentIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to check deployable commits: %w", err)
	}
	out := make(map[string]bool, len(deployed))
	for _, c := range deployed {
		out[c] = true
	}
	return out, nil
}

// PreviousEnvironmentHasCommit reports whether the previous rung of the
// promotion ladder has a COMPLETE deployment of the commit. The first
// rung is always deployable.
func (s *Store) PreviousEnvironmentHasCommit(ctx context.Context, env *model.Environment, commit string) (bool, error) {
	var prevID int64
	err := s.db.GetContext(ctx, &prevID, `
		SELECT id FROM environments
		WHERE repository_id = $1 AND env_order < $2
		ORDER BY env_order DESC LIMIT 1`, env.RepositoryID, env.EnvOrder)
	if err != nil {
		// No previous environment: first rung.
		return true, nil
	}
	var exists bool
	err = s.db.GetContext(ctx, &exists, `
		SELECT EXISTS(SELECT 1 FROM deployments
			WHERE environment_id = $1 AND "commit" = $2 AND status = 'COMPLETE')`,
		prevID, commit)
	if err != nil {
		return false, fmt.Errorf("failed to check promotion ladder: %w", err)
	}
	return exists, nil
}

// MirrorDirsDeployedSince returns the mirror directory names of every
// environment whose latest queued deployment is younger than cutoff. The
// cleaner keeps these directories.
func (s *Store) MirrorDirsDeployedSince(ctx context.Context, cutoff time.Time) ([]string, error) {
	var out []string
	err := s.db.SelectContext(ctx, &out, `
		SELECT r.name || '_' || e.name
		FROM environments e
		JOIN repositories r ON r.id = e.repository_id
		JOIN deployments d ON d.environment_id = e.id
		GROUP BY r.name, e.name
		HAVING max(d.queued_date) >= $1`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list recently deployed mirrors: %w", err)
	}
	return out, nil
}
