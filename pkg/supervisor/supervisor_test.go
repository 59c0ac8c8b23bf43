package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deployer/pkg/health"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// scriptedWorker runs through its behaviors, one per start, then blocks
// until the context ends.
type scriptedWorker struct {
	name      string
	behaviors []string

	mu     sync.Mutex
	starts int
}

func (w *scriptedWorker) Name() string { return w.name }

func (w *scriptedWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	idx := w.starts
	w.starts++
	w.mu.Unlock()
	if idx < len(w.behaviors) {
		switch w.behaviors[idx] {
		case "panic":
			panic("boom")
		case "error":
			return errors.New("boom")
		case "return":
			return nil
		}
	}
	<-ctx.Done()
	return nil
}

func (w *scriptedWorker) startCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.starts
}

func newTestSupervisor(hr *health.Registry, workers ...Worker) *Supervisor {
	s := New(hr, testLogger(), workers...)
	s.restartDelay = 5 * time.Millisecond
	s.monitorPeriod = 5 * time.Millisecond
	s.joinTimeout = 100 * time.Millisecond
	return s
}

func TestRestartsPanickedWorker(t *testing.T) {
	w := &scriptedWorker{name: "w1", behaviors: []string{"panic", "error"}}
	ctx, cancel := context.WithCancel(context.Background())
	s := newTestSupervisor(health.NewRegistry(), w)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()

	require.Eventually(t, func() bool { return w.startCount() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestDeadWorkerDegradesHealth(t *testing.T) {
	// A worker whose Start returns nil mid-run is gone for good.
	w := &scriptedWorker{name: "w1", behaviors: []string{"return"}}
	hr := health.NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	s := newTestSupervisor(hr, w)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()

	require.Eventually(t, func() bool { return hr.GetStatus().Degraded }, time.Second, 5*time.Millisecond)
	st := hr.GetStatus()
	assert.Equal(t, []string{"worker w1 died (see logs for details)"}, st.Errors["workers"])
	assert.Equal(t, 1, w.startCount())
	cancel()
	<-done
}

func TestGracefulStop(t *testing.T) {
	w1 := &scriptedWorker{name: "w1"}
	w2 := &scriptedWorker{name: "w2"}
	hr := health.NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	s := newTestSupervisor(hr, w1, w2)

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return w1.startCount() == 1 && w2.startCount() == 1
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("supervisor did not stop")
	}
	assert.Empty(t, s.stillRunning())
	assert.False(t, hr.GetStatus().Degraded)
}
