package lockfile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/var/lib/deployer/repos/app_prod", "_var_lib_deployer_repos_app_prod"},
		{"simple", "simple"},
		{"with space/and:colon", "with_space_and_colon"},
		{"keep-these_(chars)", "keep-these_(chars)"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeName(tt.in))
	}
}

func TestLockExclusive(t *testing.T) {
	dir := t.TempDir()

	first, err := New(dir, "fetch", "/repos/app_prod")
	require.NoError(t, err)
	require.NoError(t, first.Acquire(false))
	defer first.Release()

	second, err := New(dir, "fetch", "/repos/app_prod")
	require.NoError(t, err)
	assert.ErrorIs(t, second.Acquire(false), ErrAlreadyLocked)

	require.NoError(t, first.Release())
	require.NoError(t, second.Acquire(false))
	require.NoError(t, second.Release())
}

func TestLockTypesAreDisjoint(t *testing.T) {
	dir := t.TempDir()

	fetch, err := New(dir, "fetch", "/repos/app_prod")
	require.NoError(t, err)
	require.NoError(t, fetch.Acquire(false))
	defer fetch.Release()

	write, err := New(dir, "write", "/repos/app_prod")
	require.NoError(t, err)
	require.NoError(t, write.Acquire(false))
	require.NoError(t, write.Release())
}

func TestLockDifferentResources(t *testing.T) {
	dir := t.TempDir()

	a, err := New(dir, "fetch", "/repos/app_prod")
	require.NoError(t, err)
	require.NoError(t, a.Acquire(false))
	defer a.Release()

	b, err := New(dir, "fetch", "/repos/app_beta")
	require.NoError(t, err)
	require.NoError(t, b.Acquire(false))
	require.NoError(t, b.Release())
}

func TestReleaseWithoutAcquire(t *testing.T) {
	lock, err := New(t.TempDir(), "write", "x")
	require.NoError(t, err)
	assert.NoError(t, lock.Release())
}

func TestWithLock(t *testing.T) {
	dir := t.TempDir()

	called := false
	err := WithLock(dir, "write", "/repos/app", false, func() error {
		called = true

		// Same lock must not be acquirable while fn runs.
		inner, err := New(dir, "write", "/repos/app")
		require.NoError(t, err)
		return inner.Acquire(false)
	})
	assert.ErrorIs(t, err, ErrAlreadyLocked)
	assert.True(t, called)

	// Released after fn returned.
	after, err := New(dir, "write", "/repos/app")
	require.NoError(t, err)
	require.NoError(t, after.Acquire(false))
	require.NoError(t, after.Release())
}
