package engine

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deployer/pkg/auth"
	"deployer/pkg/haproxy"
	"deployer/pkg/model"
	"deployer/pkg/notify"
)

type fakeStore struct {
	deployment *model.Deployment
	env        *model.Environment
	clusters   []*model.Cluster
	user       *model.User
	perms      auth.Permissions
	conflicts  []model.Deployment

	entries  []model.LogEntry
	statuses []model.DeploymentStatus
	expired  []int64
	finished model.DeploymentStatus
}

func (f *fakeStore) GetDeployment(_ context.Context, id int64) (*model.Deployment, error) {
	if f.deployment == nil || f.deployment.ID != id {
		return nil, fmt.Errorf("deployment %d not found", id)
	}
	return f.deployment, nil
}

func (f *fakeStore) GetEnvironment(context.Context, int64) (*model.Environment, error) {
	return f.env, nil
}

func (f *fakeStore) EnvironmentClusters(context.Context, int64) ([]*model.Cluster, error) {
	return f.clusters, nil
}

func (f *fakeStore) GetCluster(_ context.Context, id int64) (*model.Cluster, error) {
	for _, c := range f.clusters {
		if c.ID == id {
			return c, nil
		}
	}
	return nil, fmt.Errorf("cluster %d not found", id)
}

func (f *fakeStore) GetServer(context.Context, int64) (*model.Server, error) {
	return nil, fmt.Errorf("no server")
}

func (f *fakeStore) GetUser(context.Context, int64) (*model.User, error) { return f.user, nil }

func (f *fakeStore) UserPermissions(context.Context, int64) (auth.Permissions, error) {
	return f.perms, nil
}

func (f *fakeStore) AppendLogEntry(_ context.Context, _ int64, entry model.LogEntry) error {
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeStore) SetDeploymentStatus(_ context.Context, _ int64, status model.DeploymentStatus) error {
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeStore) SetDeploymentStart(context.Context, int64, time.Time) error { return nil }

func (f *fakeStore) FinishDeployment(_ context.Context, _ int64, status model.DeploymentStatus, _ time.Time) error {
	f.finished = status
	return nil
}

func (f *fakeStore) ConflictingDeployments(context.Context, int64, []int64) ([]model.Deployment, error) {
	return f.conflicts, nil
}

func (f *fakeStore) ExpireDeployment(_ context.Context, id int64, _ model.LogEntry) error {
	f.expired = append(f.expired, id)
	return nil
}

type proxyCall struct {
	host     string
	expected string
	action   haproxy.Action
}

type fakeProxy struct {
	calls    []proxyCall
	failWhen func(proxyCall) error
}

func (f *fakeProxy) ClusterAction(_ context.Context, host string, _ []string, expected string, action haproxy.Action) error {
	call := proxyCall{host: host, expected: expected, action: action}
	f.calls = append(f.calls, call)
	if f.failWhen != nil {
		if err := f.failWhen(call); err != nil {
			return err
		}
	}
	return nil
}

func strPtr(s string) *string { return &s }

func twoClusterFixture() (*fakeStore, *run) {
	servers := []*model.Server{
		{ID: 1, Name: "s1", Port: 22, Activated: true},
		{ID: 2, Name: "s2", Port: 22, Activated: true},
		{ID: 3, Name: "s3", Port: 22, Activated: true},
		{ID: 4, Name: "s4", Port: 22, Activated: true},
	}
	cluster := func(id int64, name, proxyURL string, members ...*model.Server) *model.Cluster {
		c := &model.Cluster{ID: id, Name: name, HAProxyHost: strPtr(proxyURL)}
		for _, s := range members {
			key := fmt.Sprintf("bk,%s", s.Name)
			c.Servers = append(c.Servers, &model.ClusterServer{ClusterID: id, ServerID: s.ID, HAProxyKey: &key, Server: s})
		}
		return c
	}
	envID := int64(7)
	userID := int64(1)
	st := &fakeStore{
		deployment: &model.Deployment{
			ID: 42, RepositoryName: "app", EnvironmentName: "prod",
			EnvironmentID: &envID, UserID: &userID,
			Branch: "main", Commit: "abc123", Status: model.StatusQueued,
		},
		env: &model.Environment{
			ID: envID, Name: "prod", TargetPath: "/srv/app/production",
			RemoteUser: "deploy",
			Repository: &model.Repository{Name: "app", GitServer: "git.example.com", DeployMethod: model.DeploySymlink},
		},
		clusters: []*model.Cluster{
			cluster(1, "c1", "http://lb1/stats", servers[0], servers[1]),
			cluster(2, "c2", "http://lb2/stats", servers[2], servers[3]),
		},
		user:  &model.User{ID: userID, Username: "alice"},
		perms: auth.Permissions{auth.SuperAdmin()},
	}
	r := &run{d: st.deployment, env: st.env, clusters: st.clusters, log: slog.Default()}
	return st, r
}

func newTestEngine(st *fakeStore, proxy ProxyControl) *Engine {
	e := New(st, Config{BaseRepoPath: "/tmp/repos"}, notify.NewCollection(slog.Default()), proxy, nil, nil, slog.Default())
	e.now = func() time.Time { return time.Date(2017, 6, 28, 10, 0, 0, 0, time.UTC) }
	return e
}

func TestRunStepAbortsOnErrorEntry(t *testing.T) {
	st, r := twoClusterFixture()
	e := newTestEngine(st, &fakeProxy{})

	err := e.runStep(context.Background(), r, "Failing step", true, func(emit emitFunc) error {
		emit(model.NewLogEntryWithSeverity("boom", model.SeverityError))
		return nil
	})
	require.Error(t, err)
	assert.True(t, IsDeploymentError(err))
	assert.Equal(t, "Step: Failing step", st.entries[0].Message)
}

func TestRunStepSoftFailureContinues(t *testing.T) {
	st, r := twoClusterFixture()
	e := newTestEngine(st, &fakeProxy{})

	err := e.runStep(context.Background(), r, "Tolerated step", false, func(emit emitFunc) error {
		emit(model.NewLogEntryWithSeverity("boom", model.SeverityError))
		return nil
	})
	assert.NoError(t, err)
}

func TestOrchestrationOrderTwoClusters(t *testing.T) {
	orchestrationSleep = time.Millisecond
	defer func() { orchestrationSleep = time.Second }()

	st, r := twoClusterFixture()
	proxy := &fakeProxy{}
	e := newTestEngine(st, proxy)

	var deployed []string
	err := e.orchestrateClusters(context.Background(), r, func(c *model.Cluster) error {
		deployed = append(deployed, c.Name)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, deployed)

	want := []proxyCall{
		{"http://lb1/stats", "UP", haproxy.ActionEnable}, // health check of the full fleet
		{"http://lb2/stats", "UP", haproxy.ActionEnable},
		{"http://lb1/stats", "", haproxy.ActionDisable}, // drain c1
		{"http://lb1/stats", "", haproxy.ActionEnable},  // refill c1
		{"http://lb1/stats", "UP", haproxy.ActionEnable}, // verify refilled c1
		{"http://lb2/stats", "", haproxy.ActionDisable}, // drain c2
		{"http://lb2/stats", "", haproxy.ActionEnable},  // refill c2
	}
	assert.Equal(t, want, proxy.calls)
}

func TestOrchestrationPrecheckFailureMutatesNothing(t *testing.T) {
	st, r := twoClusterFixture()
	proxy := &fakeProxy{failWhen: func(c proxyCall) error {
		if c.expected == "UP" {
			return &haproxy.UnexpectedStatusError{Backend: "bk", Server: "s3", Status: "DOWN"}
		}
		return nil
	}}
	e := newTestEngine(st, proxy)

	err := e.orchestrateClusters(context.Background(), r, func(*model.Cluster) error {
		t.Fatal("no cluster must be deployed")
		return nil
	})
	require.Error(t, err)
	assert.True(t, IsDeploymentError(err))
	for _, call := range proxy.calls {
		assert.Equal(t, "UP", call.expected, "only status checks may have run")
	}
}

func TestCheckServersAvailabilityExpiresStale(t *testing.T) {
	st, r := twoClusterFixture()
	e := newTestEngine(st, &fakeProxy{})

	stale := e.now().Add(-25 * time.Minute)
	st.conflicts = []model.Deployment{{
		ID: 7, RepositoryName: "app", EnvironmentName: "prod",
		Status: model.StatusDeploy, DateStartDeploy: &stale,
	}}

	err := e.runStep(context.Background(), r, "Check that the servers are available", true,
		func(emit emitFunc) error { return e.checkServersAvailability(context.Background(), r, emit) })
	require.NoError(t, err)
	assert.Equal(t, []int64{7}, st.expired)
}

func TestCheckServersAvailabilityBlocksFreshConflictOnProd(t *testing.T) {
	st, r := twoClusterFixture()
	e := newTestEngine(st, &fakeProxy{})

	fresh := e.now().Add(-5 * time.Minute)
	st.conflicts = []model.Deployment{{
		ID: 8, RepositoryName: "app", EnvironmentName: "prod",
		Status: model.StatusDeploy, DateStartDeploy: &fresh,
		Branch: "other", Commit: "fff",
	}}

	err := e.runStep(context.Background(), r, "Check that the servers are available", true,
		func(emit emitFunc) error { return e.checkServersAvailability(context.Background(), r, emit) })
	require.Error(t, err)
	assert.Empty(t, st.expired)
}

func TestCheckServersAvailabilityFreshSameCommitBlocksElsewhere(t *testing.T) {
	st, r := twoClusterFixture()
	st.env.Name = "staging"
	e := newTestEngine(st, &fakeProxy{})

	fresh := e.now().Add(-5 * time.Minute)
	st.conflicts = []model.Deployment{{
		ID: 9, Status: model.StatusDeploy, DateStartDeploy: &fresh,
		Branch: "main", Commit: "abc123",
	}}

	err := e.runStep(context.Background(), r, "Check that the servers are available", true,
		func(emit emitFunc) error { return e.checkServersAvailability(context.Background(), r, emit) })
	require.Error(t, err)

	// A different commit on a non-protected environment does not block.
	st.conflicts[0].Commit = "zzz999"
	err = e.runStep(context.Background(), r, "Check that the servers are available", true,
		func(emit emitFunc) error { return e.checkServersAvailability(context.Background(), r, emit) })
	assert.NoError(t, err)
}

func TestBusinessHoursViolations(t *testing.T) {
	cases := []struct {
		name    string
		at      time.Time
		blocked bool
	}{
		{"tuesday morning", time.Date(2017, 6, 27, 10, 0, 0, 0, time.UTC), false},
		{"saturday", time.Date(2017, 7, 1, 10, 0, 0, 0, time.UTC), true},
		{"friday 14h", time.Date(2017, 6, 30, 14, 0, 0, 0, time.UTC), true},
		{"friday 13h59", time.Date(2017, 6, 30, 13, 59, 0, 0, time.UTC), false},
		{"weekday 7h59", time.Date(2017, 6, 27, 7, 59, 0, 0, time.UTC), true},
		{"weekday 18h29", time.Date(2017, 6, 27, 18, 29, 0, 0, time.UTC), false},
		{"weekday 18h30", time.Date(2017, 6, 27, 18, 30, 0, 0, time.UTC), true},
		{"bastille day", time.Date(2017, 7, 13, 10, 0, 0, 0, time.UTC).AddDate(0, 0, 1), true},
		{"christmas eve", time.Date(2018, 12, 24, 10, 0, 0, 0, time.UTC), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reason := businessHoursViolation(tc.at, "prod")
			if tc.blocked {
				assert.NotEmpty(t, reason)
			} else {
				assert.Empty(t, reason)
			}
		})
	}
}

func TestCheckConfigurationRejectsNonQueued(t *testing.T) {
	st, r := twoClusterFixture()
	st.deployment.Status = model.StatusDeploy
	e := newTestEngine(st, &fakeProxy{})

	err := e.runStep(context.Background(), r, "Check configuration", true,
		func(emit emitFunc) error { return e.checkConfiguration(context.Background(), r, emit) })
	require.Error(t, err)
	assert.True(t, IsDeploymentError(err))
}

func TestCheckConfigurationAllServersDeactivated(t *testing.T) {
	st, r := twoClusterFixture()
	for _, c := range st.clusters {
		for _, cs := range c.Servers {
			cs.Server.Activated = false
		}
	}
	e := newTestEngine(st, &fakeProxy{})

	err := e.runStep(context.Background(), r, "Check configuration", true,
		func(emit emitFunc) error { return e.checkConfiguration(context.Background(), r, emit) })
	require.Error(t, err)
	assert.True(t, IsDeploymentError(err))

	var messages []string
	for _, entry := range st.entries {
		messages = append(messages, entry.Message)
	}
	assert.Contains(t, messages, "All target servers are deactivated.")
	assert.Contains(t, messages, "Server s1 is deactivated, will be ignored for this deployment.")
}

func TestDetectArtifactFallsBackToGit(t *testing.T) {
	st, r := twoClusterFixture()
	e := newTestEngine(st, &fakeProxy{})
	e.detector = func(_, _, _, _, _ string) (Artifact, error) {
		return nil, ErrNoArtifactDetected
	}
	r.localRepoPath = "/tmp/repos/app_prod"

	err := e.runStep(context.Background(), r, "Detect artifact source", true,
		func(emit emitFunc) error { return e.detectArtifact(r, emit) })
	require.NoError(t, err)
	require.NotNil(t, r.artifact)
	assert.Equal(t, "/tmp/repos/app_prod", r.artifact.LocalPath())
	assert.True(t, r.artifact.ShouldRunPredeployScripts())
}

func TestReleasePathTimestamped(t *testing.T) {
	st, _ := twoClusterFixture()
	now := time.Date(2017, 6, 28, 10, 0, 0, 0, time.UTC)
	got := st.env.ReleasePath("main", "abc123def456", now)
	assert.Equal(t, "/srv/app/app_releases/20170628_main_abc123de", got)
}
