package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deployer/pkg/model"
)

type recordingNotifier struct {
	name   string
	events []string
	err    error
	panics bool
}

func (r *recordingNotifier) Name() string { return r.name }

func (r *recordingNotifier) Dispatch(_ context.Context, event Event) error {
	if r.panics {
		panic("sink exploded")
	}
	r.events = append(r.events, event.Type)
	return r.err
}

func TestCollectionIsolatesSinks(t *testing.T) {
	broken := &recordingNotifier{name: "broken", err: errors.New("boom")}
	panicking := &recordingNotifier{name: "panicking", panics: true}
	healthy := &recordingNotifier{name: "healthy"}

	c := NewCollection(slog.Default(), broken, panicking, healthy)
	c.Dispatch(context.Background(), DeployerStarted())

	// The healthy sink saw the event despite the two before it failing.
	assert.Equal(t, []string{EventDeployerStarted}, healthy.events)
}

func TestSanitizeForGraphite(t *testing.T) {
	assert.Equal(t, "prod-eu", SanitizeForGraphite("prod.eu"))
	assert.Equal(t, "org-app", SanitizeForGraphite("org/app"))
	assert.Equal(t, "app_prod-1", SanitizeForGraphite("app_prod-1"))
}

func testDeployment() (*model.Deployment, *model.Environment, []*model.Cluster) {
	envID := int64(3)
	start := time.Date(2017, 6, 30, 12, 0, 0, 0, time.UTC)
	end := start.Add(5 * time.Minute)
	d := &model.Deployment{
		ID:              42,
		RepositoryName:  "org/app",
		EnvironmentName: "prod",
		EnvironmentID:   &envID,
		Branch:          "main",
		Commit:          "abc123",
		Status:          model.StatusComplete,
		DateStartDeploy: &start,
		DateEndDeploy:   &end,
		LogEntries: []model.LogEntry{
			{Date: start, Severity: model.SeverityInfo, Message: "Step: Checking configuration"},
		},
	}
	env := &model.Environment{
		Name:         "prod",
		DeployBranch: "main",
		Repository: &model.Repository{
			Name:        "app",
			NotifyMails: model.StringList{"owners@example.com"},
		},
	}
	clusters := []*model.Cluster{{
		Name: "c1",
		Servers: []*model.ClusterServer{
			{Server: &model.Server{Name: "web-1"}},
			{Server: &model.Server{Name: "web-2"}},
		},
	}}
	return d, env, clusters
}

func TestDeploymentMail(t *testing.T) {
	d, env, clusters := testDeployment()

	body, subject := DeploymentMail(d, env, clusters)

	assert.Equal(t, "org/app/prod (branch main): deployment was successful", subject)
	assert.Contains(t, body, "== Deployment summary (id: 42) ==")
	assert.Contains(t, body, "Status: success")
	assert.Contains(t, body, "c1: web-1, web-2")
	assert.Contains(t, body, "Step: Checking configuration")

	d.Status = model.StatusFailed
	body, subject = DeploymentMail(d, env, clusters)
	assert.Equal(t, "org/app/prod (branch main): deployment failed", subject)
	assert.Contains(t, body, "Status: failure")
}

type fakeMailer struct {
	to      []string
	subject string
}

func (f *fakeMailer) Send(_ context.Context, _ string, to []string, subject, _ string, _ []string) error {
	f.to = to
	f.subject = subject
	return nil
}

func TestMailNotifier(t *testing.T) {
	d, env, clusters := testDeployment()
	mailer := &fakeMailer{}
	n := NewMailNotifier(mailer, "deployer@example.com", []string{"ops@example.com", "owners@example.com"})

	// Non-end events are ignored.
	require.NoError(t, n.Dispatch(context.Background(), DeploymentStart(d)))
	assert.Empty(t, mailer.to)

	require.NoError(t, n.Dispatch(context.Background(), DeploymentEnd(d, env, clusters, nil)))
	assert.Equal(t, []string{"ops@example.com", "owners@example.com"}, mailer.to)
	assert.Contains(t, mailer.subject, "was successful")
}

type fakeHub struct {
	envelopes []Envelope
}

func (f *fakeHub) Broadcast(e Envelope) { f.envelopes = append(f.envelopes, e) }

func TestWebSocketNotifierWhitelist(t *testing.T) {
	d, env, clusters := testDeployment()
	hub := &fakeHub{}
	n := NewWebSocketNotifier(hub)

	// step_end is not whitelisted.
	require.NoError(t, n.Dispatch(context.Background(), StepEnd(d, "Sync", false)))
	assert.Empty(t, hub.envelopes)

	require.NoError(t, n.Dispatch(context.Background(), ConfigurationLoaded(d, env, clusters)))
	require.Len(t, hub.envelopes, 1)
	assert.Equal(t, "deployment.deployment_status", hub.envelopes[0].Type)
	assert.Equal(t, int64(3), hub.envelopes[0].Payload["environment_id"])

	require.NoError(t, n.Dispatch(context.Background(), CommitsFetched(3, env)))
	require.Len(t, hub.envelopes, 2)
	assert.Equal(t, EventCommitsFetched, hub.envelopes[1].Type)
}

func TestRemoteDeployerNotifierReauthenticatesOn403(t *testing.T) {
	var authCalls, eventCalls int
	rejectOnce := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/auth/token":
			authCalls++
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"token":"session-token"}`))
		case "/api/notification/websocketevent":
			eventCalls++
			if rejectOnce {
				rejectOnce = false
				w.WriteHeader(http.StatusForbidden)
				return
			}
			require.Equal(t, "session-token", r.Header.Get("X-Session-Token"))
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	d, env, clusters := testDeployment()
	n := NewRemoteDeployerNotifier([]string{srv.URL}, "deployer", "tok")

	require.NoError(t, n.Dispatch(context.Background(), ConfigurationLoaded(d, env, clusters)))
	assert.Equal(t, 2, authCalls, "must re-authenticate after the 403")
	assert.Equal(t, 2, eventCalls, "must retry the event once")
}

// fakePeer is a deployer peer that issues prefixed session tokens and
// 403s any event carrying a token it did not issue itself.
type fakePeer struct {
	mu      sync.Mutex
	prefix  string
	issued  map[string]bool
	foreign int
	srv     *httptest.Server
}

func newFakePeer(prefix string) *fakePeer {
	p := &fakePeer{prefix: prefix, issued: map[string]bool{}}
	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/auth/token":
			p.mu.Lock()
			token := fmt.Sprintf("%s-%d", p.prefix, len(p.issued)+1)
			p.issued[token] = true
			p.mu.Unlock()
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"token":%q}`, token)
		case "/api/notification/websocketevent":
			p.mu.Lock()
			known := p.issued[r.Header.Get("X-Session-Token")]
			if !known {
				p.foreign++
			}
			p.mu.Unlock()
			if !known {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	return p
}

func (p *fakePeer) foreignTokens() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.foreign
}

func TestRemoteDeployerNotifierKeepsOneSessionPerPeer(t *testing.T) {
	alpha := newFakePeer("alpha")
	defer alpha.srv.Close()
	beta := newFakePeer("beta")
	defer beta.srv.Close()

	d, env, clusters := testDeployment()
	n := NewRemoteDeployerNotifier([]string{alpha.srv.URL, beta.srv.URL}, "deployer", "tok")

	require.NoError(t, n.Dispatch(context.Background(), ConfigurationLoaded(d, env, clusters)))
	require.NoError(t, n.Dispatch(context.Background(), ConfigurationLoaded(d, env, clusters)))

	// A token issued by one peer is never presented to the other.
	assert.Zero(t, alpha.foreignTokens())
	assert.Zero(t, beta.foreignTokens())
	assert.Len(t, alpha.issued, 1)
	assert.Len(t, beta.issued, 1)
}

func TestRemoteDeployerNotifierConcurrentDispatch(t *testing.T) {
	peer := newFakePeer("peer")
	defer peer.srv.Close()

	d, env, clusters := testDeployment()
	n := NewRemoteDeployerNotifier([]string{peer.srv.URL}, "deployer", "tok")

	// Executors, fetchers and API handlers all dispatch through the
	// same sink instance; run with -race.
	var wg sync.WaitGroup
	errs := make([]error, 16)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = n.Dispatch(context.Background(), ConfigurationLoaded(d, env, clusters))
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
}
