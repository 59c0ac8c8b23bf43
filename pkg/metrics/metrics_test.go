package metrics

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deployer/pkg/model"
	"deployer/pkg/notify"
)

func TestCountsLifecycleEvents(t *testing.T) {
	m := New()
	ctx := context.Background()

	require.NoError(t, m.Dispatch(ctx, notify.DeploymentQueued(&model.Deployment{})))
	require.NoError(t, m.Dispatch(ctx, notify.CommitsFetched(1, nil)))
	require.NoError(t, m.Dispatch(ctx, notify.DeploymentEnd(
		&model.Deployment{Status: model.StatusComplete}, nil, nil, nil)))
	require.NoError(t, m.Dispatch(ctx, notify.DeploymentEnd(
		&model.Deployment{Status: model.StatusFailed}, nil, nil, nil)))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.deploymentsQueued))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commitsFetched))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deploymentsEnded.WithLabelValues("COMPLETE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deploymentsEnded.WithLabelValues("FAILED")))
}

func TestIgnoresUnrelatedEvents(t *testing.T) {
	m := New()
	require.NoError(t, m.Dispatch(context.Background(), notify.DeployerStarted()))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.deploymentsQueued))
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New()
	require.NoError(t, m.Dispatch(context.Background(), notify.DeploymentQueued(&model.Deployment{})))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "deployer_deployments_queued_total 1")
}
