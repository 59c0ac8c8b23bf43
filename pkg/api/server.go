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

// Package api is the HTTP facade: deployment requests, mirror state,
// push notifications from git providers, health and the admin CRUD.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"deployer/pkg/auth"
	"deployer/pkg/health"
	"deployer/pkg/model"
	"deployer/pkg/notify"
	"deployer/pkg/store"
	"deployer/pkg/workers"
)

// Store is the persistence surface of the HTTP facade.
type Store interface {
	GetUser(ctx context.Context, id int64) (*model.User, error)
	UserByUsername(ctx context.Context, username string) (*model.User, error)
	UserBySessionToken(ctx context.Context, token string) (*model.User, error)
	UserPermissions(ctx context.Context, userID int64) (auth.Permissions, error)
	SaveSession(ctx context.Context, userID int64, token string, issuedAt time.Time) error

	GetRepository(ctx context.Context, id int64) (*model.Repository, error)
	ListRepositories(ctx context.Context) ([]*model.Repository, error)
	RepositoryByName(ctx context.Context, name string) (*model.Repository, error)
	GetEnvironment(ctx context.Context, id int64) (*model.Environment, error)
	ListEnvironments(ctx context.Context) ([]*model.Environment, error)
	EnvironmentsForRepository(ctx context.Context, repoID int64) ([]*model.Environment, error)
	EnvironmentClusters(ctx context.Context, envID int64) ([]*model.Cluster, error)

	GetDeployment(ctx context.Context, id int64) (*model.Deployment, error)
	RecentDeployments(ctx context.Context, envIDs []int64, limit int) ([]model.Deployment, error)
	DeploymentsForRepository(ctx context.Context, repoName string, limit int) ([]model.Deployment, error)
	DeployableCommits(ctx context.Context, env *model.Environment, commits []string) (map[string]bool, error)

	CreateRepository(ctx context.Context, r *model.Repository) (int64, error)
	UpdateRepository(ctx context.Context, r *model.Repository) error
	DeleteRepository(ctx context.Context, id int64) error
	CreateEnvironment(ctx context.Context, e *model.Environment) (int64, error)
	UpdateEnvironment(ctx context.Context, e *model.Environment) error
	DeleteEnvironment(ctx context.Context, id int64) error
	ListClusters(ctx context.Context) ([]*model.Cluster, error)
	GetCluster(ctx context.Context, id int64) (*model.Cluster, error)
	CreateCluster(ctx context.Context, c *model.Cluster) (int64, error)
	UpdateCluster(ctx context.Context, c *model.Cluster) error
	DeleteCluster(ctx context.Context, id int64) error
	ListServers(ctx context.Context) ([]*model.Server, error)
	GetServer(ctx context.Context, id int64) (*model.Server, error)
	CreateServer(ctx context.Context, sv *model.Server) (int64, error)
	UpdateServer(ctx context.Context, sv *model.Server) error
	DeleteServer(ctx context.Context, id int64) error
	ListUsers(ctx context.Context) ([]*model.User, error)
	CreateUser(ctx context.Context, u *model.User, roleIDs []int64) (int64, error)
	UpdateUser(ctx context.Context, u *model.User, roleIDs []int64) error
	DeleteUser(ctx context.Context, id int64) error
	ListRoles(ctx context.Context) ([]*model.Role, error)
	GetRole(ctx context.Context, id int64) (*model.Role, error)
	CreateRole(ctx context.Context, r *model.Role) (int64, error)
	UpdateRole(ctx context.Context, r *model.Role) error
	DeleteRole(ctx context.Context, id int64) error
}

var _ Store = (*store.Store)(nil)

// DeploymentQueuer accepts deployment requests and push notifications.
// Implemented by the enqueuer worker.
type DeploymentQueuer interface {
	CreateDeploymentJob(ctx context.Context, d *model.Deployment) (int64, error)
	HandlePushNotification(ctx context.Context, repoName, branch, commit string, autoDeployUserID int64) error
}

// Authenticator resolves credentials to users. The default resolves
// against the local user table; integration providers may replace it.
type Authenticator interface {
	// UserBySessionID validates an external session id. Returns
	// auth.ErrInvalidSession or auth.ErrNoMatchingUser on failure.
	UserBySessionID(ctx context.Context, sessionID string) (*model.User, error)
	// UserByToken validates a long-lived API token.
	UserByToken(ctx context.Context, username, token string) (*model.User, error)
}

// Server is the API worker.
type Server struct {
	port          int
	store         Store
	queuer        DeploymentQueuer
	fetchRequests chan<- workers.FetchRequest
	health        *health.Registry
	broadcaster   notify.Broadcaster
	authenticator Authenticator
	metrics       http.Handler
	baseRepoPath  string
	validate      *validator.Validate
	logger        *slog.Logger
	router        chi.Router
	now           func() time.Time
}

// Deps carries the collaborators of the API server.
type Deps struct {
	Port          int
	Store         Store
	Queuer        DeploymentQueuer
	FetchRequests chan<- workers.FetchRequest
	Health        *health.Registry
	Broadcaster   notify.Broadcaster
	Authenticator Authenticator
	Metrics       http.Handler
	BaseRepoPath  string
	Logger        *slog.Logger
}

// NewServer builds the API worker and its routes.
func NewServer(deps Deps) *Server {
	s := &Server{
		port:          deps.Port,
		store:         deps.Store,
		queuer:        deps.Queuer,
		fetchRequests: deps.FetchRequests,
		health:        deps.Health,
		broadcaster:   deps.Broadcaster,
		authenticator: deps.Authenticator,
		metrics:       deps.Metrics,
		baseRepoPath:  deps.BaseRepoPath,
		validate:      validator.New(),
		logger:        deps.Logger.With("component", "api"),
		now:           time.Now,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"X-Session-Token", "X-Impersonate-Username", "Content-Type"},
	}))
	r.Use(s.withAccount)

	r.Get("/api/status", s.handleStatus)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Post("/api/auth/wssession", s.handleAuthSession)
	r.Post("/api/auth/token", s.handleAuthToken)

	r.Post("/notify/{provider}", s.handleProviderNotify)
	r.Post("/api/notification/updatedrepo", s.handleUpdatedRepo)
	r.Post("/api/notification/websocketevent", s.requireLogged(s.handleWebsocketEvent))

	r.Get("/api/account", s.requireLogged(s.handleAccount))

	r.Get("/api/repositories", s.requireLogged(s.handleRepositoriesList))
	r.Get("/api/repositories/{id}", s.requireLogged(s.handleRepositoryGet))
	r.Get("/api/repositories/{id}/environments", s.requireLogged(s.handleRepositoryEnvironments))

	r.Get("/api/environments", s.requireLogged(s.handleEnvironmentsList))
	r.Get("/api/environments/{id}", s.requireLogged(s.handleEnvironmentGet))
	r.Post("/api/environments/{id}/deployments", s.requireLogged(s.handleStartDeployment))
	r.Post("/api/environments/{id}/fetch", s.requireLogged(s.handleFetch))
	r.Get("/api/environments/{id}/servers", s.requireLogged(s.handleEnvironmentServers))
	r.Get("/api/environments/{id}/commits", s.requireLogged(s.handleEnvironmentCommits))

	r.Get("/api/deployments/recent", s.requireLogged(s.handleRecentDeployments))
	r.Get("/api/deployments/byrepo/{name}", s.requireLogged(s.handleDeploymentsByRepo))
	r.Get("/api/deployments/{id}", s.requireLogged(s.handleDeploymentGet))

	s.adminRoutes(r)
	return r
}

// Name implements the worker contract.
func (s *Server) Name() string { return "api" }

// Handler exposes the router. Used by tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves HTTP until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	s.logger.Info("API listening", "port", s.port)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return fmt.Errorf("api server failed: %w", err)
	}
}
