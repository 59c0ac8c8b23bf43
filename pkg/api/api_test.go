package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deployer/pkg/auth"
	"deployer/pkg/execute"
	"deployer/pkg/health"
	"deployer/pkg/model"
	"deployer/pkg/notify"
	"deployer/pkg/store"
	"deployer/pkg/workers"
)

var testNow = time.Date(2017, 6, 28, 10, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeStore stubs the parts of the store a test touches. Calling an
// unstubbed method panics through the embedded nil interface.
type fakeStore struct {
	Store

	users map[string]*model.User
	perms map[int64]auth.Permissions
	envs  map[int64]*model.Environment

	savedSessions map[int64]string
	recentEnvIDs  []int64
	recentCalled  bool
}

func (f *fakeStore) UserByUsername(_ context.Context, username string) (*model.User, error) {
	if u, ok := f.users[username]; ok {
		return u, nil
	}
	return nil, fmt.Errorf("user %q: %w", username, store.ErrNotFound)
}

func (f *fakeStore) UserBySessionToken(_ context.Context, token string) (*model.User, error) {
	for _, u := range f.users {
		if u.SessionToken != nil && *u.SessionToken == token {
			return u, nil
		}
	}
	return nil, fmt.Errorf("session: %w", store.ErrNotFound)
}

func (f *fakeStore) UserPermissions(_ context.Context, userID int64) (auth.Permissions, error) {
	return f.perms[userID], nil
}

func (f *fakeStore) SaveSession(_ context.Context, userID int64, token string, _ time.Time) error {
	if f.savedSessions == nil {
		f.savedSessions = map[int64]string{}
	}
	f.savedSessions[userID] = token
	return nil
}

func (f *fakeStore) GetEnvironment(_ context.Context, id int64) (*model.Environment, error) {
	if e, ok := f.envs[id]; ok {
		return e, nil
	}
	return nil, fmt.Errorf("environment %d: %w", id, store.ErrNotFound)
}

func (f *fakeStore) EnvironmentClusters(_ context.Context, envID int64) ([]*model.Cluster, error) {
	if _, ok := f.envs[envID]; !ok {
		return nil, fmt.Errorf("environment %d: %w", envID, store.ErrNotFound)
	}
	return []*model.Cluster{{
		ID:   1,
		Name: "c1",
		Servers: []*model.ClusterServer{
			{ClusterID: 1, ServerID: 100, Server: &model.Server{ID: 100, Name: "s1", Port: 22, Activated: true}},
			{ClusterID: 1, ServerID: 101, Server: &model.Server{ID: 101, Name: "s2", Port: 22, Activated: true}},
		},
	}}, nil
}

func (f *fakeStore) RecentDeployments(_ context.Context, envIDs []int64, limit int) ([]model.Deployment, error) {
	f.recentCalled = true
	f.recentEnvIDs = envIDs
	return nil, nil
}

type fakeQueuer struct {
	created []*model.Deployment
	pushes  []string
}

func (f *fakeQueuer) CreateDeploymentJob(_ context.Context, d *model.Deployment) (int64, error) {
	f.created = append(f.created, d)
	return 42, nil
}

func (f *fakeQueuer) HandlePushNotification(_ context.Context, repoName, branch, commit string, autoDeployUserID int64) error {
	f.pushes = append(f.pushes, fmt.Sprintf("%s@%s:%s by %d", repoName, branch, commit, autoDeployUserID))
	return nil
}

type fakeAuthenticator struct {
	user *model.User
	err  error
}

func (f *fakeAuthenticator) UserBySessionID(context.Context, string) (*model.User, error) {
	return f.user, f.err
}

func (f *fakeAuthenticator) UserByToken(context.Context, string, string) (*model.User, error) {
	return f.user, f.err
}

type fakeBroadcaster struct {
	envelopes []notify.Envelope
}

func (f *fakeBroadcaster) Broadcast(e notify.Envelope) {
	f.envelopes = append(f.envelopes, e)
}

func strptr(s string) *string { return &s }

func newFixtureStore() *fakeStore {
	repo := &model.Repository{ID: 7, Name: "app", GitServer: "git@git.example.com:", DeployMethod: model.DeploySymlink}
	issued := testNow.Add(-time.Minute)
	return &fakeStore{
		users: map[string]*model.User{
			"default": {ID: 1, Username: "default"},
			"alice":   {ID: 2, Username: "alice", SessionToken: strptr("tok-alice"), TokenIssuedAt: &issued},
			"bob":     {ID: 3, Username: "bob"},
			"admin":   {ID: 4, Username: "admin", SessionToken: strptr("tok-admin"), TokenIssuedAt: &issued},
			"auto":    {ID: 5, Username: "auto"},
			"carol":   {ID: 6, Username: "carol", SessionToken: strptr("tok-carol"), TokenIssuedAt: &issued},
		},
		perms: map[int64]auth.Permissions{
			1: {auth.Default()},
			2: {auth.Deploy(10)},
			3: {auth.DeployBusinessHours(10)},
			4: {auth.SuperAdmin()},
			6: {auth.Impersonate()},
		},
		envs: map[int64]*model.Environment{
			10: {
				ID: 10, RepositoryID: 7, Name: "prod", TargetPath: "/opt/app/current",
				DeployBranch: "master", EnvOrder: 1, RemoteUser: "deploy",
				Repository: repo,
			},
		},
	}
}

type testAPI struct {
	server  *Server
	store   *fakeStore
	queuer  *fakeQueuer
	health  *health.Registry
	fetches chan workers.FetchRequest
	hub     *fakeBroadcaster
	auth    *fakeAuthenticator
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	a := &testAPI{
		store:   newFixtureStore(),
		queuer:  &fakeQueuer{},
		health:  health.NewRegistry(),
		fetches: make(chan workers.FetchRequest, 1),
		hub:     &fakeBroadcaster{},
		auth:    &fakeAuthenticator{},
	}
	a.server = NewServer(Deps{
		Port:          0,
		Store:         a.store,
		Queuer:        a.queuer,
		FetchRequests: a.fetches,
		Health:        a.health,
		Broadcaster:   a.hub,
		Authenticator: a.auth,
		BaseRepoPath:  t.TempDir(),
		Logger:        testLogger(),
	})
	a.server.now = func() time.Time { return testNow }
	return a
}

func (a *testAPI) do(t *testing.T, method, path, token string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("X-Session-Token", token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	a.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestStatusHealthy(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, "GET", "/api/status", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Deployer API is up and running")
}

func TestStatusDegraded(t *testing.T) {
	a := newTestAPI(t)
	a.health.AddDegraded("releases", "at least one server is out of sync for repo:[app] env:[prod]")

	rec := a.do(t, "GET", "/api/status", "", nil)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "this deployer instance is not healthy: releases:")
}

func TestStartDeployment(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, "POST", "/api/environments/10/deployments", "tok-alice", map[string]any{
		"branch": "master",
		"commit": "abc1234",
		"target": map[string]any{},
	})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, float64(42), body["deployment_id"])
	assert.Equal(t, "QUEUED", body["status"])

	require.Len(t, a.queuer.created, 1)
	d := a.queuer.created[0]
	assert.Equal(t, "app", d.RepositoryName)
	assert.Equal(t, "prod", d.EnvironmentName)
	assert.Equal(t, "abc1234", d.Commit)
	require.NotNil(t, d.UserID)
	assert.Equal(t, int64(2), *d.UserID)
}

func TestStartDeploymentRequiresPermission(t *testing.T) {
	a := newTestAPI(t)
	// Anonymous requests run as the default user, which cannot deploy.
	rec := a.do(t, "POST", "/api/environments/10/deployments", "", map[string]any{
		"branch": "master",
		"commit": "abc1234",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, a.queuer.created)
}

func TestStartDeploymentValidatesPayload(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, "POST", "/api/environments/10/deployments", "tok-alice", map[string]any{
		"branch": "master",
		"commit": "ab",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, a.queuer.created)
}

func TestStartDeploymentUnknownEnvironment(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, "POST", "/api/environments/999/deployments", "tok-admin", map[string]any{
		"branch": "master",
		"commit": "abc1234",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestImpersonatedDeployment(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, "POST", "/api/environments/10/deployments", "tok-carol", map[string]any{
		"branch": "master",
		"commit": "abc1234",
	}, "X-Impersonate-Username", "bob")

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, a.queuer.created, 1)
	require.NotNil(t, a.queuer.created[0].UserID)
	assert.Equal(t, int64(3), *a.queuer.created[0].UserID)
}

func TestImpersonationRequiresTargetPermission(t *testing.T) {
	a := newTestAPI(t)
	// The default user holds no deploy permission on env 10.
	rec := a.do(t, "POST", "/api/environments/10/deployments", "tok-carol", map[string]any{
		"branch": "master",
		"commit": "abc1234",
	}, "X-Impersonate-Username", "default")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestExpiredSessionRejected(t *testing.T) {
	a := newTestAPI(t)
	stale := testNow.Add(-auth.SessionTTL - time.Minute)
	a.store.users["alice"].TokenIssuedAt = &stale

	rec := a.do(t, "GET", "/api/account", "tok-alice", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestUnknownSessionRejected(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, "GET", "/api/account", "tok-nobody", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAccount(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, "GET", "/api/account", "tok-alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"username":"alice"`)
}

func TestAuthTokenIssuesSession(t *testing.T) {
	a := newTestAPI(t)
	a.auth.user = a.store.users["bob"]

	rec := a.do(t, "POST", "/api/auth/token", "", map[string]any{
		"username": "bob", "auth_token": "secret",
	})

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	token, _ := body["token"].(string)
	assert.NotEmpty(t, token)
	assert.Equal(t, token, a.store.savedSessions[3])
}

func TestAuthSessionErrors(t *testing.T) {
	a := newTestAPI(t)

	a.auth.err = auth.ErrInvalidSession
	rec := a.do(t, "POST", "/api/auth/wssession", "", map[string]any{"sessionid": "xyz"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	a.auth.err = auth.ErrNoMatchingUser
	rec = a.do(t, "POST", "/api/auth/wssession", "", map[string]any{"sessionid": "xyz"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestProviderNotifyExtractsRepoFromSSHURL(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, "POST", "/notify/gitlab", "", map[string]any{
		"repository": map[string]any{
			"name":        "wcs",
			"git_ssh_url": "git@gitlab.corp.example.com:platform/wcs.git",
		},
		"after": "abc1234",
		"ref":   "refs/heads/master",
	})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, a.queuer.pushes, 1)
	assert.Equal(t, "platform/wcs@master:abc1234 by 5", a.queuer.pushes[0])
}

func TestUpdatedRepoNotification(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, "POST", "/api/notification/updatedrepo", "", map[string]any{
		"repository": "app", "branch": "master",
	})

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, a.queuer.pushes, 1)
	assert.Equal(t, "app@master: by 5", a.queuer.pushes[0])
}

func TestFetchQueuesJob(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, "POST", "/api/environments/10/fetch", "tok-alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	req := <-a.fetches
	assert.Equal(t, int64(10), req.EnvironmentID)
	assert.Equal(t, "app_prod", req.MirrorDir)
}

func TestFetchFullQueue(t *testing.T) {
	a := newTestAPI(t)
	a.fetches <- workers.FetchRequest{}

	rec := a.do(t, "POST", "/api/environments/10/fetch", "tok-alice", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestEnvironmentServersProbed(t *testing.T) {
	orig := probeRelease
	probeRelease = func(_ context.Context, h execute.Host, targetPath string, _ time.Duration) execute.ReleaseStatus {
		return execute.ReleaseStatus{Host: h.Name, Error: "no release"}
	}
	t.Cleanup(func() { probeRelease = orig })

	a := newTestAPI(t)
	rec := a.do(t, "GET", "/api/environments/10/servers", "tok-alice", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	statuses, ok := body["servers_status"].(map[string]any)
	require.True(t, ok)
	assert.Len(t, statuses, 2)
	assert.Contains(t, rec.Body.String(), `"host":"s1"`)
}

func TestRecentDeploymentsFiltersByReadableEnvironments(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, "GET", "/api/deployments/recent", "tok-alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []int64{10}, a.store.recentEnvIDs)
}

func TestRecentDeploymentsUnrestrictedForAdmin(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, "GET", "/api/deployments/recent", "tok-admin", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, a.store.recentCalled)
	assert.Nil(t, a.store.recentEnvIDs)
}

func TestWebsocketEventRequiresDeployer(t *testing.T) {
	a := newTestAPI(t)
	event := map[string]any{"event": map[string]any{
		"type":    "deployment.deployment_status",
		"payload": map[string]any{"environment_id": 10},
	}}

	rec := a.do(t, "POST", "/api/notification/websocketevent", "tok-alice", event)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, a.hub.envelopes)

	// The machine account of a peer deployer may broadcast.
	a.store.perms[4] = auth.Permissions{auth.Deployer()}
	rec = a.do(t, "POST", "/api/notification/websocketevent", "tok-admin", event)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, a.hub.envelopes, 1)
	assert.Equal(t, "deployment.deployment_status", a.hub.envelopes[0].Type)
}

func TestAdminRoutesRequireSuperAdmin(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, "GET", "/api/users", "tok-alice", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCommitsWithoutMirror(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, "GET", "/api/environments/10/commits", "tok-alice", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Git repository not cloned on the server")
}
