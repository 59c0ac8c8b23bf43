package haproxy

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCSV = `# pxname,svname,status,weight
app-backend,web-1,UP,100
app-backend,web-2,MAINT,100
other,web-9,DOWN,0
`

func newStatsServer(t *testing.T) (*httptest.Server, *[]string) {
	t.Helper()
	var actions []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, _ := r.BasicAuth()
		require.Equal(t, "admin", user)
		require.Equal(t, "secret", pass)

		if r.Method == http.MethodPost {
			require.NoError(t, r.ParseForm())
			actions = append(actions, fmt.Sprintf("%s %s/%s", r.Form.Get("action"), r.Form.Get("b"), r.Form.Get("s")))
			w.Header().Set("Location", "/haproxy_stats;st=DONE")
			w.WriteHeader(http.StatusSeeOther)
			return
		}
		fmt.Fprint(w, sampleCSV)
	}))
	t.Cleanup(srv.Close)
	return srv, &actions
}

func TestStats(t *testing.T) {
	srv, _ := newStatsServer(t)
	client := New(srv.URL, "admin", "secret")

	rows, err := client.Stats(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "app-backend", rows[0]["pxname"])
	assert.Equal(t, "UP", rows[0]["status"])
}

func TestServerStatus(t *testing.T) {
	srv, _ := newStatsServer(t)
	client := New(srv.URL, "admin", "secret")

	row, err := client.ServerStatus(context.Background(), "app-backend", "web-2")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "MAINT", row["status"])

	row, err = client.ServerStatus(context.Background(), "app-backend", "missing")
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestActionNotAcknowledged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/haproxy_stats;st=NOTFOUND")
		w.WriteHeader(http.StatusSeeOther)
	}))
	defer srv.Close()

	client := New(srv.URL, "", "")
	err := client.Disable(context.Background(), "app-backend", "web-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not acknowledged")
}

func TestSplitKey(t *testing.T) {
	backend, server, err := SplitKey("app-backend,web-1")
	require.NoError(t, err)
	assert.Equal(t, "app-backend", backend)
	assert.Equal(t, "web-1", server)

	for _, bad := range []string{"nocomma", "a,b,c", ",server", "backend,"} {
		_, _, err := SplitKey(bad)
		assert.ErrorIs(t, err, ErrInvalidKey, "key %q", bad)
	}
}

func TestClusterActionDisable(t *testing.T) {
	srv, actions := newStatsServer(t)
	client := New(srv.URL, "admin", "secret")

	// web-1 is UP and gets drained; web-2 is already MAINT and is untouched.
	err := ClusterAction(context.Background(), client,
		[]string{"app-backend,web-1", "app-backend,web-2"}, "", ActionDisable)
	require.NoError(t, err)
	assert.Equal(t, []string{"disable app-backend/web-1"}, *actions)
}

func TestClusterActionEnable(t *testing.T) {
	srv, actions := newStatsServer(t)
	client := New(srv.URL, "admin", "secret")

	err := ClusterAction(context.Background(), client,
		[]string{"app-backend,web-1", "app-backend,web-2"}, "", ActionEnable)
	require.NoError(t, err)
	assert.Equal(t, []string{"enable app-backend/web-2"}, *actions)
}

func TestClusterActionExpectedStatus(t *testing.T) {
	srv, actions := newStatsServer(t)
	client := New(srv.URL, "admin", "secret")

	// web-2 is MAINT, not UP: precheck fails before any mutation.
	err := ClusterAction(context.Background(), client,
		[]string{"app-backend,web-1", "app-backend,web-2"}, "UP", ActionDisable)

	var unexpected *UnexpectedStatusError
	require.ErrorAs(t, err, &unexpected)
	assert.Equal(t, "web-2", unexpected.Server)
	assert.Empty(t, *actions)
}

func TestClusterActionUnknownServer(t *testing.T) {
	srv, _ := newStatsServer(t)
	client := New(srv.URL, "admin", "secret")

	err := ClusterAction(context.Background(), client,
		[]string{"app-backend,ghost"}, "", ActionDisable)

	var unexpected *UnexpectedStatusError
	require.ErrorAs(t, err, &unexpected)
	assert.Equal(t, "ghost", unexpected.Server)
}

func TestClusterActionBadKey(t *testing.T) {
	err := ClusterAction(context.Background(), nil, []string{"not-a-key"}, "", ActionEnable)
	assert.ErrorIs(t, err, ErrInvalidKey)
}
