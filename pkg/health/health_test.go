package health

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	st := r.GetStatus()
	assert.False(t, st.Degraded)
	assert.Empty(t, st.Errors)

	r.AddDegraded("releases", "env prod has drifted")
	r.AddDegraded("releases", "env beta has drifted")
	r.AddDegraded("workers", "deployer-worker-2 died")

	st = r.GetStatus()
	assert.True(t, st.Degraded)
	assert.Len(t, st.Errors["releases"], 2)
	assert.Len(t, st.Errors["workers"], 1)

	r.SetOK("releases")
	st = r.GetStatus()
	assert.True(t, st.Degraded)
	assert.NotContains(t, st.Errors, "releases")

	r.SetOK("workers")
	assert.False(t, r.GetStatus().Degraded)
}

func TestRegistrySnapshotIsolation(t *testing.T) {
	r := NewRegistry()
	r.AddDegraded("workers", "one")

	st := r.GetStatus()
	st.Errors["workers"] = append(st.Errors["workers"], "injected")

	assert.Len(t, r.GetStatus().Errors["workers"], 1)
}

func TestRegistryConcurrent(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.AddDegraded("workers", "boom")
			r.GetStatus()
			r.SetOK("workers")
		}()
	}
	wg.Wait()
}
