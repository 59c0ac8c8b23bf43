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
	"net/http"

	"github.com/go-chi/chi/v5"

	"deployer/pkg/auth"
	"deployer/pkg/model"
)

// adminRoutes mounts the CRUD surface. Reads of clusters stay open to
// logged users; everything else is SuperAdmin only.
func (s *Server) adminRoutes(r chi.Router) {
	r.Post("/api/repositories", s.requireAdmin(s.handleRepositoryCreate))
	r.Put("/api/repositories/{id}", s.requireAdmin(s.handleRepositoryUpdate))
	r.Delete("/api/repositories/{id}", s.requireAdmin(s.handleRepositoryDelete))
	r.Post("/api/repositories/{id}/environments", s.requireAdmin(s.handleEnvironmentCreate))

	r.Put("/api/environments/{id}", s.requireAdmin(s.handleEnvironmentUpdate))
	r.Delete("/api/environments/{id}", s.requireAdmin(s.handleEnvironmentDelete))

	r.Get("/api/clusters", s.requireLogged(s.handleClustersList))
	r.Post("/api/clusters", s.requireAdmin(s.handleClusterCreate))
	r.Put("/api/clusters/{id}", s.requireAdmin(s.handleClusterUpdate))
	r.Delete("/api/clusters/{id}", s.requireAdmin(s.handleClusterDelete))

	r.Get("/api/servers", s.requireAdmin(s.handleServersList))
	r.Post("/api/servers", s.requireAdmin(s.handleServerCreate))
	r.Put("/api/servers/{id}", s.requireAdmin(s.handleServerUpdate))
	r.Delete("/api/servers/{id}", s.requireAdmin(s.handleServerDelete))
	r.Get("/api/servers/{id}/releases", s.requireAdmin(s.handleServerReleases))

	r.Get("/api/users", s.requireAdmin(s.handleUsersList))
	r.Post("/api/users", s.requireAdmin(s.handleUserCreate))
	r.Get("/api/users/{id}", s.requireAdmin(s.handleUserGet))
	r.Put("/api/users/{id}", s.requireAdmin(s.handleUserUpdate))
	r.Delete("/api/users/{id}", s.requireAdmin(s.handleUserDelete))

	r.Get("/api/roles", s.requireAdmin(s.handleRolesList))
	r.Get("/api/roles/{id}", s.requireAdmin(s.handleRoleGet))
	r.Post("/api/roles", s.requireAdmin(s.handleRoleCreate))
	r.Put("/api/roles/{id}", s.requireAdmin(s.handleRoleUpdate))
	r.Delete("/api/roles/{id}", s.requireAdmin(s.handleRoleDelete))
}

type repositoryRequest struct {
	Name         string   `json:"name" validate:"required"`
	GitServer    string   `json:"git_server" validate:"required"`
	DeployMethod string   `json:"deploy_method" validate:"required,oneof=inplace symlink"`
	NotifyMails  []string `json:"notify_owners_mails" validate:"dive,email"`
}

func (s *Server) handleRepositoryCreate(w http.ResponseWriter, r *http.Request) {
	var body repositoryRequest
	if !s.decodeValid(w, r, &body) {
		return
	}
	repo := &model.Repository{
		Name:         body.Name,
		GitServer:    body.GitServer,
		DeployMethod: model.DeployMethod(body.DeployMethod),
		NotifyMails:  body.NotifyMails,
	}
	id, err := s.store.CreateRepository(r.Context(), repo)
	if err != nil {
		s.serverError(w, err)
		return
	}
	repo.ID = id
	s.writeJSON(w, http.StatusOK, map[string]any{"repository": repo})
}

func (s *Server) handleRepositoryUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	var body repositoryRequest
	if !s.decodeValid(w, r, &body) {
		return
	}
	repo := &model.Repository{
		ID:           id,
		Name:         body.Name,
		GitServer:    body.GitServer,
		DeployMethod: model.DeployMethod(body.DeployMethod),
		NotifyMails:  body.NotifyMails,
	}
	if err := s.store.UpdateRepository(r.Context(), repo); err != nil {
		s.storeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"repository": repo})
}

func (s *Server) handleRepositoryDelete(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := s.store.DeleteRepository(r.Context(), id); err != nil {
		s.storeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": 0})
}

type environmentRequest struct {
	Name                    string `json:"name" validate:"required"`
	TargetPath              string `json:"target_path" validate:"required"`
	DeployBranch            string `json:"deploy_branch" validate:"required"`
	EnvOrder                int    `json:"env_order"`
	AutoDeploy              bool   `json:"auto_deploy"`
	RemoteUser              string `json:"remote_user" validate:"required"`
	SyncOptions             string `json:"sync_options"`
	FailDeployOnFailedTests bool   `json:"fail_deploy_on_failed_tests"`
}

func (s *Server) handleEnvironmentCreate(w http.ResponseWriter, r *http.Request) {
	repoID, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if _, err := s.store.GetRepository(r.Context(), repoID); err != nil {
		s.storeError(w, err)
		return
	}
	var body environmentRequest
	if !s.decodeValid(w, r, &body) {
		return
	}
	env := environmentFromRequest(body)
	env.RepositoryID = repoID
	id, err := s.store.CreateEnvironment(r.Context(), env)
	if err != nil {
		s.serverError(w, err)
		return
	}
	env.ID = id
	s.writeJSON(w, http.StatusOK, map[string]any{"environment": env})
}

func (s *Server) handleEnvironmentUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	existing, err := s.store.GetEnvironment(r.Context(), id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	var body environmentRequest
	if !s.decodeValid(w, r, &body) {
		return
	}
	env := environmentFromRequest(body)
	env.ID = id
	env.RepositoryID = existing.RepositoryID
	if err := s.store.UpdateEnvironment(r.Context(), env); err != nil {
		s.storeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"environment": env})
}

func environmentFromRequest(body environmentRequest) *model.Environment {
	return &model.Environment{
		Name:                    body.Name,
		TargetPath:              body.TargetPath,
		DeployBranch:            body.DeployBranch,
		EnvOrder:                body.EnvOrder,
		AutoDeploy:              body.AutoDeploy,
		RemoteUser:              body.RemoteUser,
		SyncOptions:             body.SyncOptions,
		FailDeployOnFailedTests: body.FailDeployOnFailedTests,
	}
}

func (s *Server) handleEnvironmentDelete(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := s.store.DeleteEnvironment(r.Context(), id); err != nil {
		s.storeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": 0})
}

func (s *Server) handleClustersList(w http.ResponseWriter, r *http.Request) {
	clusters, err := s.store.ListClusters(r.Context())
	if err != nil {
		s.serverError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"clusters": clusters})
}

type clusterRequest struct {
	Name        string `json:"name" validate:"required"`
	HAProxyHost string `json:"haproxy_host"`
	Servers     []struct {
		ServerID   int64  `json:"server_id" validate:"required"`
		HAProxyKey string `json:"haproxy_key"`
	} `json:"servers" validate:"dive"`
}

func clusterFromRequest(body clusterRequest) *model.Cluster {
	c := &model.Cluster{Name: body.Name}
	if body.HAProxyHost != "" {
		c.HAProxyHost = &body.HAProxyHost
	}
	for _, sv := range body.Servers {
		cs := &model.ClusterServer{ServerID: sv.ServerID}
		if sv.HAProxyKey != "" {
			key := sv.HAProxyKey
			cs.HAProxyKey = &key
		}
		c.Servers = append(c.Servers, cs)
	}
	return c
}

func (s *Server) handleClusterCreate(w http.ResponseWriter, r *http.Request) {
	var body clusterRequest
	if !s.decodeValid(w, r, &body) {
		return
	}
	c := clusterFromRequest(body)
	id, err := s.store.CreateCluster(r.Context(), c)
	if err != nil {
		s.storeError(w, err)
		return
	}
	created, err := s.store.GetCluster(r.Context(), id)
	if err != nil {
		s.serverError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"cluster": created})
}

func (s *Server) handleClusterUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	var body clusterRequest
	if !s.decodeValid(w, r, &body) {
		return
	}
	c := clusterFromRequest(body)
	c.ID = id
	if err := s.store.UpdateCluster(r.Context(), c); err != nil {
		s.storeError(w, err)
		return
	}
	updated, err := s.store.GetCluster(r.Context(), id)
	if err != nil {
		s.serverError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"cluster": updated})
}

func (s *Server) handleClusterDelete(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := s.store.DeleteCluster(r.Context(), id); err != nil {
		s.storeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": 0})
}

func (s *Server) handleServersList(w http.ResponseWriter, r *http.Request) {
	servers, err := s.store.ListServers(r.Context())
	if err != nil {
		s.serverError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"servers": servers})
}

type serverRequest struct {
	Name         string  `json:"name" validate:"required,hostname"`
	Port         int     `json:"port" validate:"min=0,max=65535"`
	Activated    bool    `json:"activated"`
	InventoryKey *string `json:"inventory_key"`
}

func (s *Server) handleServerCreate(w http.ResponseWriter, r *http.Request) {
	var body serverRequest
	if !s.decodeValid(w, r, &body) {
		return
	}
	sv := &model.Server{Name: body.Name, Port: body.Port, Activated: body.Activated, InventoryKey: body.InventoryKey}
	id, err := s.store.CreateServer(r.Context(), sv)
	if err != nil {
		s.serverError(w, err)
		return
	}
	sv.ID = id
	s.writeJSON(w, http.StatusOK, map[string]any{"server": sv})
}

func (s *Server) handleServerUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	var body serverRequest
	if !s.decodeValid(w, r, &body) {
		return
	}
	sv := &model.Server{ID: id, Name: body.Name, Port: body.Port, Activated: body.Activated, InventoryKey: body.InventoryKey}
	if err := s.store.UpdateServer(r.Context(), sv); err != nil {
		s.storeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"server": sv})
}

func (s *Server) handleServerDelete(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := s.store.DeleteServer(r.Context(), id); err != nil {
		s.storeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": 0})
}

// handleServerReleases probes every environment the server belongs to
// and reports each environment's full server fleet.
func (s *Server) handleServerReleases(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if _, err := s.store.GetServer(r.Context(), id); err != nil {
		s.storeError(w, err)
		return
	}
	envs, err := s.environmentsForServer(r, id)
	if err != nil {
		s.serverError(w, err)
		return
	}
	type envReleases struct {
		Environment *model.Environment `json:"environment"`
		Servers     []serverStatus     `json:"servers"`
	}
	out := make([]envReleases, 0, len(envs))
	for _, env := range envs {
		servers, err := s.environmentServers(r, env.ID)
		if err != nil {
			s.serverError(w, err)
			return
		}
		statuses := s.probeServers(r, env, servers)
		entry := envReleases{Environment: env}
		for i, sv := range servers {
			entry.Servers = append(entry.Servers, serverStatus{Server: sv, ReleaseStatus: statuses[i]})
		}
		out = append(out, entry)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"releases": out})
}

func (s *Server) environmentsForServer(r *http.Request, serverID int64) ([]*model.Environment, error) {
	envs, err := s.store.ListEnvironments(r.Context())
	if err != nil {
		return nil, err
	}
	var out []*model.Environment
	for _, env := range envs {
		clusters, err := s.store.EnvironmentClusters(r.Context(), env.ID)
		if err != nil {
			return nil, err
		}
		for _, c := range clusters {
			for _, cs := range c.Servers {
				if cs.ServerID == serverID {
					out = append(out, env)
					clusters = nil
					break
				}
			}
			if clusters == nil {
				break
			}
		}
	}
	return out, nil
}

func (s *Server) handleUsersList(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		s.serverError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

type userRequest struct {
	Username  string  `json:"username" validate:"required"`
	Email     string  `json:"email" validate:"omitempty,email"`
	AccountID *string `json:"accountid"`
	Roles     []int64 `json:"roles"`
	AuthToken *string `json:"auth_token"`
}

func (s *Server) userFromRequest(body userRequest) (*model.User, error) {
	u := &model.User{Username: body.Username, Email: body.Email, AccountID: body.AccountID}
	if body.AuthToken != nil {
		hashed, err := auth.HashToken(*body.AuthToken)
		if err != nil {
			return nil, err
		}
		u.AuthToken = &hashed
	}
	return u, nil
}

func (s *Server) handleUserCreate(w http.ResponseWriter, r *http.Request) {
	var body userRequest
	if !s.decodeValid(w, r, &body) {
		return
	}
	u, err := s.userFromRequest(body)
	if err != nil {
		s.serverError(w, err)
		return
	}
	id, err := s.store.CreateUser(r.Context(), u, body.Roles)
	if err != nil {
		s.storeError(w, err)
		return
	}
	u.ID = id
	s.writeJSON(w, http.StatusOK, map[string]any{"user": u})
}

func (s *Server) handleUserGet(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	u, err := s.store.GetUser(r.Context(), id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"user": u})
}

func (s *Server) handleUserUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	var body userRequest
	if !s.decodeValid(w, r, &body) {
		return
	}
	u, err := s.userFromRequest(body)
	if err != nil {
		s.serverError(w, err)
		return
	}
	u.ID = id
	if err := s.store.UpdateUser(r.Context(), u, body.Roles); err != nil {
		s.storeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"user": u})
}

func (s *Server) handleUserDelete(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := s.store.DeleteUser(r.Context(), id); err != nil {
		s.storeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": 0})
}

func (s *Server) handleRolesList(w http.ResponseWriter, r *http.Request) {
	roles, err := s.store.ListRoles(r.Context())
	if err != nil {
		s.serverError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (s *Server) handleRoleGet(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	role, err := s.store.GetRole(r.Context(), id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"role": role})
}

type roleRequest struct {
	Name        string `json:"name" validate:"required"`
	Permissions string `json:"permissions" validate:"required"`
}

func (s *Server) roleFromRequest(w http.ResponseWriter, r *http.Request) (*model.Role, bool) {
	var body roleRequest
	if !s.decodeValid(w, r, &body) {
		return nil, false
	}
	// Reject blobs the permission decoder cannot read back.
	if _, err := auth.FromJSON(body.Permissions); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid permission blob", err.Error())
		return nil, false
	}
	return &model.Role{Name: body.Name, Permissions: body.Permissions}, true
}

func (s *Server) handleRoleCreate(w http.ResponseWriter, r *http.Request) {
	role, ok := s.roleFromRequest(w, r)
	if !ok {
		return
	}
	id, err := s.store.CreateRole(r.Context(), role)
	if err != nil {
		s.serverError(w, err)
		return
	}
	role.ID = id
	s.writeJSON(w, http.StatusOK, map[string]any{"role": role})
}

func (s *Server) handleRoleUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	role, ok := s.roleFromRequest(w, r)
	if !ok {
		return
	}
	role.ID = id
	if err := s.store.UpdateRole(r.Context(), role); err != nil {
		s.storeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"role": role})
}

func (s *Server) handleRoleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := s.store.DeleteRole(r.Context(), id); err != nil {
		s.storeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": 0})
}

// decodeValid decodes the body and runs struct validation, writing the
// 400 itself on failure.
func (s *Server) decodeValid(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := decodeJSON(r, v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid payload")
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "validation failed", err.Error())
		return false
	}
	return true
}
