package workers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deployer/pkg/execute"
	"deployer/pkg/health"
	"deployer/pkg/model"
	"deployer/pkg/notify"
	"deployer/pkg/queue"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeJob struct {
	payload  queue.Job
	releases int

	mu       sync.Mutex
	deleted  bool
	released bool
}

func (j *fakeJob) Payload() queue.Job { return j.payload }

func (j *fakeJob) Delete() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.deleted = true
	return nil
}

func (j *fakeJob) Release(time.Duration) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.released = true
	return nil
}

func (j *fakeJob) Releases() (int, error) { return j.releases, nil }

// fakeSource serves its jobs once, then cancels the executor's context.
type fakeSource struct {
	jobs   []*fakeJob
	cancel context.CancelFunc
}

func (s *fakeSource) Reserve(time.Duration) (ReservedJob, error) {
	if len(s.jobs) == 0 {
		s.cancel()
		return nil, nil
	}
	job := s.jobs[0]
	s.jobs = s.jobs[1:]
	return job, nil
}

type fakeEngine struct {
	executed []int64
	fail     bool
}

func (e *fakeEngine) Execute(_ context.Context, deployID int64) error {
	e.executed = append(e.executed, deployID)
	if e.fail {
		return errors.New("deployment failed")
	}
	return nil
}

func TestExecutorDeletesCompletedJob(t *testing.T) {
	job := &fakeJob{payload: queue.Job{DeployID: 7, RepositoryName: "app", EnvironmentName: "prod"}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	source := &fakeSource{jobs: []*fakeJob{job}, cancel: cancel}
	engine := &fakeEngine{}

	err := NewExecutor(1, source, engine, testLogger()).Start(ctx)
	require.NoError(t, err)

	assert.Equal(t, []int64{7}, engine.executed)
	assert.True(t, job.deleted)
	assert.False(t, job.released)
}

func TestExecutorDropsFailedJob(t *testing.T) {
	// With a zero release budget a failed job is dropped, not retried.
	job := &fakeJob{payload: queue.Job{DeployID: 8}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	source := &fakeSource{jobs: []*fakeJob{job}, cancel: cancel}
	engine := &fakeEngine{fail: true}

	err := NewExecutor(1, source, engine, testLogger()).Start(ctx)
	require.NoError(t, err)

	assert.True(t, job.deleted)
	assert.False(t, job.released)
}

func TestFetcherUpdatesMirrorAndNotifies(t *testing.T) {
	var mu sync.Mutex
	var fetched []string
	orig := updateMirror
	updateMirror = func(_ context.Context, path, _ string) error {
		mu.Lock()
		defer mu.Unlock()
		fetched = append(fetched, path)
		return nil
	}
	defer func() { updateMirror = orig }()

	requests := make(chan FetchRequest, 1)
	requests <- FetchRequest{
		EnvironmentID:  3,
		MirrorDir:      "app_prod",
		RepositoryName: "app",
		GitServer:      "git.example.com",
	}

	ctx, cancel := context.WithCancel(context.Background())
	fetcher := NewFetcher(1, "/srv/mirrors", requests, notify.NewCollection(testLogger()), testLogger())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = fetcher.Start(ctx)
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(fetched) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, []string{"/srv/mirrors/app_prod"}, fetched)
}

func TestFetcherDrainsOnShutdown(t *testing.T) {
	orig := updateMirror
	called := false
	updateMirror = func(context.Context, string, string) error {
		called = true
		return nil
	}
	defer func() { updateMirror = orig }()

	requests := make(chan FetchRequest, 1)
	requests <- FetchRequest{MirrorDir: "app_prod"}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fetcher := NewFetcher(1, "/srv/mirrors", requests, notify.NewCollection(testLogger()), testLogger())
	require.NoError(t, fetcher.Start(ctx))

	assert.False(t, called)
	assert.Empty(t, requests)
}

type fakeEnqueueStore struct {
	nextID      int64
	created     []*model.Deployment
	repo        *model.Repository
	envs        []*model.Environment
	autoEnvs    []*model.Environment
	autoQueries []string
}

func (s *fakeEnqueueStore) CreateDeployment(_ context.Context, d *model.Deployment) (int64, error) {
	s.nextID++
	copied := *d
	s.created = append(s.created, &copied)
	return s.nextID, nil
}

func (s *fakeEnqueueStore) RepositoryByName(_ context.Context, name string) (*model.Repository, error) {
	if s.repo == nil || s.repo.Name != name {
		return nil, errors.New("repository not found")
	}
	return s.repo, nil
}

func (s *fakeEnqueueStore) EnvironmentsForRepository(_ context.Context, _ int64) ([]*model.Environment, error) {
	return s.envs, nil
}

func (s *fakeEnqueueStore) AutoDeployEnvironments(_ context.Context, repoName, branch string) ([]*model.Environment, error) {
	s.autoQueries = append(s.autoQueries, repoName+"/"+branch)
	return s.autoEnvs, nil
}

type fakeJobQueue struct {
	jobs []queue.Job
	err  error
}

func (q *fakeJobQueue) Put(job queue.Job) (uint64, error) {
	if q.err != nil {
		return 0, q.err
	}
	q.jobs = append(q.jobs, job)
	return uint64(len(q.jobs)), nil
}

func TestCreateDeploymentJob(t *testing.T) {
	st := &fakeEnqueueStore{}
	jq := &fakeJobQueue{}
	e := NewEnqueuer(st, jq, notify.NewCollection(testLogger()), nil, testLogger())
	e.now = func() time.Time { return time.Date(2017, 6, 28, 10, 0, 0, 0, time.UTC) }

	id, err := e.CreateDeploymentJob(context.Background(), &model.Deployment{
		RepositoryName:  "app",
		EnvironmentName: "prod",
		Branch:          "main",
		Commit:          "abc123",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	require.Len(t, st.created, 1)
	assert.Equal(t, model.StatusQueued, st.created[0].Status)
	assert.Equal(t, time.Date(2017, 6, 28, 10, 0, 0, 0, time.UTC), st.created[0].QueuedDate)

	require.Len(t, jq.jobs, 1)
	assert.Equal(t, queue.Job{DeployID: 1, RepositoryName: "app", EnvironmentName: "prod"}, jq.jobs[0])
}

func TestHandlePushNotification(t *testing.T) {
	repo := &model.Repository{ID: 1, Name: "app"}
	envProd := &model.Environment{ID: 10, Name: "prod", Repository: repo}
	envBeta := &model.Environment{ID: 11, Name: "beta", AutoDeploy: true, DeployBranch: "main", Repository: repo}

	var mu sync.Mutex
	var fetchPaths []string
	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		fetchPaths = append(fetchPaths, r.Method+" "+r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer peer.Close()

	st := &fakeEnqueueStore{
		repo:     repo,
		envs:     []*model.Environment{envProd, envBeta},
		autoEnvs: []*model.Environment{envBeta},
	}
	jq := &fakeJobQueue{}
	e := NewEnqueuer(st, jq, notify.NewCollection(testLogger()), []string{peer.URL}, testLogger())

	err := e.HandlePushNotification(context.Background(), "app", "main", "abc123", 99)
	require.NoError(t, err)

	require.Len(t, st.created, 1)
	assert.Equal(t, "beta", st.created[0].EnvironmentName)
	require.NotNil(t, st.created[0].UserID)
	assert.Equal(t, int64(99), *st.created[0].UserID)
	assert.Equal(t, []string{"app/main"}, st.autoQueries)

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{
		"POST /api/environments/10/fetch",
		"POST /api/environments/11/fetch",
	}, fetchPaths)
}

func TestHandlePushNotificationWithoutCommit(t *testing.T) {
	// A deleted ref carries no commit: only the fetch fanout happens.
	repo := &model.Repository{ID: 1, Name: "app"}
	st := &fakeEnqueueStore{repo: repo, autoEnvs: []*model.Environment{{ID: 11}}}
	jq := &fakeJobQueue{}
	e := NewEnqueuer(st, jq, notify.NewCollection(testLogger()), nil, testLogger())

	require.NoError(t, e.HandlePushNotification(context.Background(), "app", "main", "", 99))
	assert.Empty(t, st.created)
	assert.Empty(t, st.autoQueries)
}

type fakeAuditStore struct {
	repos    []*model.Repository
	envs     map[int64][]*model.Environment
	clusters map[int64][]*model.Cluster
}

func (s *fakeAuditStore) ListRepositories(context.Context) ([]*model.Repository, error) {
	return s.repos, nil
}

func (s *fakeAuditStore) EnvironmentsForRepository(_ context.Context, repoID int64) ([]*model.Environment, error) {
	return s.envs[repoID], nil
}

func (s *fakeAuditStore) EnvironmentClusters(_ context.Context, envID int64) ([]*model.Cluster, error) {
	return s.clusters[envID], nil
}

func auditFixture() *fakeAuditStore {
	repo := &model.Repository{ID: 1, Name: "app"}
	cluster := &model.Cluster{ID: 1, Name: "c1", Servers: []*model.ClusterServer{
		{Server: &model.Server{ID: 1, Name: "s1", Activated: true}},
		{Server: &model.Server{ID: 2, Name: "s2", Activated: true}},
	}}
	return &fakeAuditStore{
		repos: []*model.Repository{repo},
		envs: map[int64][]*model.Environment{
			1: {{ID: 10, RepositoryID: 1, Name: "prod", TargetPath: "/srv/app/production", Repository: repo}},
		},
		clusters: map[int64][]*model.Cluster{10: {cluster}},
	}
}

func newTestAuditor(st AuditStore, hr *health.Registry,
	probe func(context.Context, execute.Host, string, time.Duration) execute.ReleaseStatus) *Auditor {
	a := NewAuditor(st, hr, time.Hour, nil, testLogger())
	a.probe = probe
	a.sleep = func(context.Context, time.Duration) {}
	a.now = func() time.Time { return time.Date(2017, 6, 28, 10, 0, 0, 0, time.UTC) }
	return a
}

func auditedRelease(commit string, age time.Duration) execute.ReleaseStatus {
	date := time.Date(2017, 6, 28, 10, 0, 0, 0, time.UTC).Add(-age)
	return execute.ReleaseStatus{Release: &model.Release{Branch: "main", Commit: commit, DeploymentDate: date}}
}

func TestAuditorFlagsDivergedEnvironment(t *testing.T) {
	hr := health.NewRegistry()
	releases := map[string]execute.ReleaseStatus{
		"s1": auditedRelease("abc123", time.Hour),
		"s2": auditedRelease("def456", time.Hour),
	}
	a := newTestAuditor(auditFixture(), hr, func(_ context.Context, h execute.Host, _ string, _ time.Duration) execute.ReleaseStatus {
		return releases[h.Name]
	})
	a.sweep(context.Background())

	st := hr.GetStatus()
	require.True(t, st.Degraded)
	assert.Equal(t, []string{"at least one server is out of sync for repo:[app] env:[prod]"}, st.Errors["releases"])
}

func TestAuditorIgnoresFreshReleases(t *testing.T) {
	// A commit younger than the minimum age may be mid-rollout.
	hr := health.NewRegistry()
	releases := map[string]execute.ReleaseStatus{
		"s1": auditedRelease("abc123", time.Hour),
		"s2": auditedRelease("def456", 5*time.Minute),
	}
	a := newTestAuditor(auditFixture(), hr, func(_ context.Context, h execute.Host, _ string, _ time.Duration) execute.ReleaseStatus {
		return releases[h.Name]
	})
	a.sweep(context.Background())

	assert.False(t, hr.GetStatus().Degraded)
}

func TestAuditorSkipsUnreachableServers(t *testing.T) {
	hr := health.NewRegistry()
	releases := map[string]execute.ReleaseStatus{
		"s1": auditedRelease("abc123", time.Hour),
		"s2": {Error: "connection refused", ExitCode: execute.SSHExitTransportFailure},
	}
	probes := 0
	a := newTestAuditor(auditFixture(), hr, func(_ context.Context, h execute.Host, _ string, _ time.Duration) execute.ReleaseStatus {
		probes++
		return releases[h.Name]
	})
	a.sweep(context.Background())

	assert.False(t, hr.GetStatus().Degraded)
	assert.Equal(t, 2, probes)
}

func TestAuditorRetriesFailedProbeOnce(t *testing.T) {
	hr := health.NewRegistry()
	probes := map[string]int{}
	a := newTestAuditor(auditFixture(), hr, func(_ context.Context, h execute.Host, _ string, _ time.Duration) execute.ReleaseStatus {
		probes[h.Name]++
		if h.Name == "s2" {
			return execute.ReleaseStatus{Error: "cat: no such file", ExitCode: 1}
		}
		return auditedRelease("abc123", time.Hour)
	})
	a.sweep(context.Background())

	assert.Equal(t, 1, probes["s1"])
	assert.Equal(t, 2, probes["s2"])
	st := hr.GetStatus()
	require.True(t, st.Degraded)
	assert.Equal(t, []string{"No release found on server:[s2] repo:[app] env:[prod]"}, st.Errors["releases"])
}

func TestAuditorSweepResetsPreviousErrors(t *testing.T) {
	hr := health.NewRegistry()
	hr.AddDegraded("releases", "stale problem")
	a := newTestAuditor(auditFixture(), hr, func(_ context.Context, h execute.Host, _ string, _ time.Duration) execute.ReleaseStatus {
		return auditedRelease("abc123", time.Hour)
	})
	a.sweep(context.Background())

	assert.False(t, hr.GetStatus().Degraded)
}

func TestAuditorHonorsIgnoreList(t *testing.T) {
	hr := health.NewRegistry()
	probes := 0
	a := NewAuditor(auditFixture(), hr, time.Hour, []string{"prod"}, testLogger())
	a.probe = func(context.Context, execute.Host, string, time.Duration) execute.ReleaseStatus {
		probes++
		return execute.ReleaseStatus{}
	}
	a.sweep(context.Background())

	assert.Zero(t, probes)
}

type fakeCleanerStore struct {
	used []string
	err  error
}

func (s *fakeCleanerStore) MirrorDirsDeployedSince(context.Context, time.Time) ([]string, error) {
	return s.used, s.err
}

func TestCleanerRemovesUnusedMirrors(t *testing.T) {
	base := t.TempDir()
	for _, dir := range []string{"app_prod", "app_beta", "legacy_prod"} {
		require.NoError(t, os.MkdirAll(filepath.Join(base, dir), 0o755))
	}
	require.NoError(t, os.WriteFile(filepath.Join(base, "notes.txt"), []byte("keep"), 0o644))

	c := NewCleaner(&fakeCleanerStore{used: []string{"app_prod", "app_beta"}}, base, testLogger())
	c.sweep(context.Background())

	entries, err := os.ReadDir(base)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"app_prod", "app_beta", "notes.txt"}, names)
}

func TestCleanerKeepsEverythingOnStoreError(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(base, "app_prod"), 0o755))

	c := NewCleaner(&fakeCleanerStore{err: fmt.Errorf("db down")}, base, testLogger())
	c.sweep(context.Background())

	_, err := os.Stat(filepath.Join(base, "app_prod"))
	assert.NoError(t, err)
}
