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

package api

import (
	"fmt"
	"net/http"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"deployer/pkg/auth"
	"deployer/pkg/execute"
	"deployer/pkg/gitrepo"
	"deployer/pkg/model"
	"deployer/pkg/notify"
	"deployer/pkg/workers"
)

// probeRelease is indirected so handler tests avoid real ssh traffic.
var probeRelease = execute.GetReleaseStatus

func idParam(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.health.GetStatus()
	if st.Degraded {
		// A non-200 code spares monitoring from parsing the body.
		s.writeError(w, http.StatusInternalServerError,
			fmt.Sprintf("this deployer instance is not healthy: %s", formatHealthErrors(st.Errors)))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"message": "Deployer API is up and running"})
}

func formatHealthErrors(errs map[string][]string) string {
	keys := make([]string, 0, len(errs))
	for k := range errs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var parts []string
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, strings.Join(errs[k], "; ")))
	}
	return strings.Join(parts, " / ")
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"user": accountFrom(r).User})
}

// sshURLPattern extracts "group/project" from git@host:group/project.git
// when the provider payload has no full_name.
var sshURLPattern = regexp.MustCompile(`git@([a-zA-Z0-9.]+):([a-zA-Z0-9./_-]+)\.git`)

func (s *Server) handleProviderNotify(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	var body struct {
		Repository struct {
			Name      string `json:"name"`
			FullName  string `json:"full_name"`
			GitSSHURL string `json:"git_ssh_url"`
		} `json:"repository"`
		After string `json:"after"`
		Ref   string `json:"ref"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	s.logger.Info("Received notification", "provider", provider, "repository", body.Repository.Name)

	repoName := body.Repository.FullName
	if repoName == "" {
		if m := sshURLPattern.FindStringSubmatch(body.Repository.GitSSHURL); m != nil {
			repoName = m[2]
		} else {
			repoName = body.Repository.Name
		}
	}

	// ref looks like refs/heads/master
	parts := strings.SplitN(body.Ref, "/", 3)
	if len(parts) < 3 {
		s.writeError(w, http.StatusBadRequest, "invalid ref")
		return
	}
	s.pushNotification(w, r, repoName, parts[2], body.After)
}

func (s *Server) handleUpdatedRepo(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Repository string `json:"repository"`
		Branch     string `json:"branch"`
		Commit     string `json:"commit"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	s.pushNotification(w, r, body.Repository, body.Branch, body.Commit)
}

func (s *Server) pushNotification(w http.ResponseWriter, r *http.Request, repoName, branch, commit string) {
	autoUser, err := s.store.UserByUsername(r.Context(), "auto")
	if err != nil {
		s.serverError(w, fmt.Errorf("the auto-deploy account is missing: %w", err))
		return
	}
	if err := s.queuer.HandlePushNotification(r.Context(), repoName, branch, commit, autoUser.ID); err != nil {
		s.serverError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": 0, "message": "notification processed"})
}

func (s *Server) handleWebsocketEvent(w http.ResponseWriter, r *http.Request) {
	if !s.enforce(w, r, auth.Deployer()) {
		return
	}
	var body struct {
		Event notify.Envelope `json:"event"`
	}
	if err := decodeJSON(r, &body); err != nil || body.Event.Type == "" {
		s.writeError(w, http.StatusBadRequest, "invalid event")
		return
	}
	s.broadcaster.Broadcast(body.Event)
	s.writeJSON(w, http.StatusOK, map[string]any{"status": 0})
}

func (s *Server) handleRepositoriesList(w http.ResponseWriter, r *http.Request) {
	repos, err := s.store.ListRepositories(r.Context())
	if err != nil {
		s.serverError(w, err)
		return
	}
	a := accountFrom(r)
	if !a.Perms.CanReadAll() {
		readable := readableSet(a.Perms)
		var visible []*model.Repository
		for _, repo := range repos {
			ok, err := s.repositoryReadable(r, repo.ID, readable)
			if err != nil {
				s.serverError(w, err)
				return
			}
			if ok {
				visible = append(visible, repo)
			}
		}
		repos = visible
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"repositories": repos})
}

func (s *Server) handleRepositoryGet(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	repo, err := s.store.GetRepository(r.Context(), id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	a := accountFrom(r)
	if !a.Perms.CanReadAll() {
		ok, err := s.repositoryReadable(r, repo.ID, readableSet(a.Perms))
		if err != nil {
			s.serverError(w, err)
			return
		}
		if !ok {
			s.writeError(w, http.StatusNotFound, "not found")
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"repository": repo})
}

func (s *Server) handleRepositoryEnvironments(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	envs, err := s.store.EnvironmentsForRepository(r.Context(), id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"environments": s.filterEnvironments(r, envs)})
}

func (s *Server) handleEnvironmentsList(w http.ResponseWriter, r *http.Request) {
	envs, err := s.store.ListEnvironments(r.Context())
	if err != nil {
		s.serverError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"environments": s.filterEnvironments(r, envs)})
}

func (s *Server) handleEnvironmentGet(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if !s.enforce(w, r, auth.Read(id)) {
		return
	}
	env, err := s.store.GetEnvironment(r.Context(), id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"environment": env})
}

// deployRequest is the POST body of a deployment request.
type deployRequest struct {
	Branch string `json:"branch" validate:"required"`
	Commit string `json:"commit" validate:"required,min=3"`
	Target struct {
		Server  *int64 `json:"server"`
		Cluster *int64 `json:"cluster"`
	} `json:"target"`
}

func (s *Server) handleStartDeployment(w http.ResponseWriter, r *http.Request) {
	envID, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	// DeployBusinessHours is the minimal permission to request a
	// deployment; the engine re-checks with full business-hours rules.
	var userID int64
	if impersonated := r.Header.Get("X-Impersonate-Username"); impersonated != "" {
		if !s.enforce(w, r, auth.Impersonate()) {
			return
		}
		user, err := s.store.UserByUsername(r.Context(), impersonated)
		if err != nil {
			s.writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		perms, err := s.store.UserPermissions(r.Context(), user.ID)
		if err != nil {
			s.serverError(w, err)
			return
		}
		if !perms.Grants(auth.DeployBusinessHours(envID)) {
			s.writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		s.logger.Info("Impersonated deployment request",
			"by", accountFrom(r).User.Username, "as", user.Username, "environment_id", envID)
		userID = user.ID
	} else {
		if !s.enforce(w, r, auth.DeployBusinessHours(envID)) {
			return
		}
		userID = accountFrom(r).User.ID
	}

	env, err := s.store.GetEnvironment(r.Context(), envID)
	if err != nil {
		s.storeError(w, err)
		return
	}

	var body deployRequest
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if err := s.validate.Struct(body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid deployment request", err.Error())
		return
	}

	d := &model.Deployment{
		RepositoryName:  env.Repository.Name,
		EnvironmentName: env.Name,
		EnvironmentID:   &env.ID,
		ClusterID:       body.Target.Cluster,
		ServerID:        body.Target.Server,
		Branch:          body.Branch,
		Commit:          body.Commit,
		UserID:          &userID,
	}
	deployID, err := s.queuer.CreateDeploymentJob(r.Context(), d)
	if err != nil {
		s.serverError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"deployment_id": deployID,
		"status":        model.StatusQueued,
	})
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	env, err := s.store.GetEnvironment(r.Context(), id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	select {
	case s.fetchRequests <- workers.NewFetchRequest(env):
		s.writeJSON(w, http.StatusOK, map[string]any{"message": "fetch job queued"})
	default:
		s.writeError(w, http.StatusServiceUnavailable, "fetch queue is full")
	}
}

// serverStatus pairs a server with the probed state of its release.
type serverStatus struct {
	Server        *model.Server         `json:"server"`
	ReleaseStatus execute.ReleaseStatus `json:"release_status"`
}

func (s *Server) handleEnvironmentServers(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if !s.enforce(w, r, auth.Read(id)) {
		return
	}
	env, err := s.store.GetEnvironment(r.Context(), id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	servers, err := s.environmentServers(r, env.ID)
	if err != nil {
		s.serverError(w, err)
		return
	}
	statuses := s.probeServers(r, env, servers)
	out := make(map[int64]serverStatus, len(servers))
	for i, sv := range servers {
		out[sv.ID] = serverStatus{Server: sv, ReleaseStatus: statuses[i]}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"servers_status": out})
}

func (s *Server) environmentServers(r *http.Request, envID int64) ([]*model.Server, error) {
	clusters, err := s.store.EnvironmentClusters(r.Context(), envID)
	if err != nil {
		return nil, err
	}
	seen := map[int64]bool{}
	var out []*model.Server
	for _, c := range clusters {
		for _, cs := range c.Servers {
			if cs.Server != nil && !seen[cs.Server.ID] {
				seen[cs.Server.ID] = true
				out = append(out, cs.Server)
			}
		}
	}
	return out, nil
}

// probeServers reads the release manifests concurrently, capped so a
// wide environment does not open one ssh session per server at once.
func (s *Server) probeServers(r *http.Request, env *model.Environment, servers []*model.Server) []execute.ReleaseStatus {
	statuses := make([]execute.ReleaseStatus, len(servers))
	var g errgroup.Group
	g.SetLimit(20)
	for i, sv := range servers {
		i, sv := i, sv
		g.Go(func() error {
			host := execute.HostFromServer(sv, env.RemoteUser)
			statuses[i] = probeRelease(r.Context(), host, env.TargetPath, 5*time.Second)
			return nil
		})
	}
	_ = g.Wait()
	return statuses
}

func (s *Server) handleEnvironmentCommits(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if !s.enforce(w, r, auth.Read(id)) {
		return
	}
	env, err := s.store.GetEnvironment(r.Context(), id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	path := filepath.Join(s.baseRepoPath, env.LocalRepoDirectoryName())
	if !gitrepo.MirrorExists(path) {
		s.writeJSON(w, http.StatusOK, map[string]any{
			"commits": []gitrepo.Commit{},
			"info":    "Git repository not cloned on the server",
		})
		return
	}
	commits, err := gitrepo.ListCommits(path, env.DeployBranch, 150)
	if err != nil {
		s.serverError(w, err)
		return
	}
	hexshas := make([]string, len(commits))
	for i, c := range commits {
		hexshas[i] = c.Hexsha
	}
	deployable, err := s.store.DeployableCommits(r.Context(), env, hexshas)
	if err != nil {
		s.serverError(w, err)
		return
	}
	if deployable != nil {
		for i := range commits {
			commits[i].Deployable = deployable[commits[i].Hexsha]
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"commits": commits})
}

func (s *Server) handleRecentDeployments(w http.ResponseWriter, r *http.Request) {
	a := accountFrom(r)
	var envIDs []int64
	if !a.Perms.CanReadAll() {
		envIDs = a.Perms.ReadableEnvironments()
		if envIDs == nil {
			envIDs = []int64{}
		}
	}
	deploys, err := s.store.RecentDeployments(r.Context(), envIDs, 70)
	if err != nil {
		s.serverError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"deployments": deploys})
}

func (s *Server) handleDeploymentsByRepo(w http.ResponseWriter, r *http.Request) {
	// A "~" stands for "/" in namespaced repository names.
	name := strings.ReplaceAll(chi.URLParam(r, "name"), "~", "/")
	deploys, err := s.store.DeploymentsForRepository(r.Context(), name, 50)
	if err != nil {
		s.serverError(w, err)
		return
	}
	a := accountFrom(r)
	if !a.Perms.CanReadAll() {
		readable := readableSet(a.Perms)
		var visible []model.Deployment
		for _, d := range deploys {
			if d.EnvironmentID != nil && readable[*d.EnvironmentID] {
				visible = append(visible, d)
			}
		}
		deploys = visible
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"deployments": deploys})
}

func (s *Server) handleDeploymentGet(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	d, err := s.store.GetDeployment(r.Context(), id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	a := accountFrom(r)
	if !a.Perms.CanReadAll() {
		if d.EnvironmentID == nil || !readableSet(a.Perms)[*d.EnvironmentID] {
			s.writeError(w, http.StatusForbidden, "forbidden")
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"deployment": d})
}

func (s *Server) filterEnvironments(r *http.Request, envs []*model.Environment) []*model.Environment {
	a := accountFrom(r)
	if a.Perms.CanReadAll() {
		return envs
	}
	readable := readableSet(a.Perms)
	out := make([]*model.Environment, 0, len(envs))
	for _, e := range envs {
		if readable[e.ID] {
			out = append(out, e)
		}
	}
	return out
}

func (s *Server) repositoryReadable(r *http.Request, repoID int64, readable map[int64]bool) (bool, error) {
	envs, err := s.store.EnvironmentsForRepository(r.Context(), repoID)
	if err != nil {
		return false, err
	}
	for _, e := range envs {
		if readable[e.ID] {
			return true, nil
		}
	}
	return false, nil
}

func readableSet(perms auth.Permissions) map[int64]bool {
	out := map[int64]bool{}
	for _, id := range perms.ReadableEnvironments() {
		out[id] = true
	}
	return out
}
