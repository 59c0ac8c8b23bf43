package integration

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deployer/pkg/auth"
	"deployer/pkg/model"
	"deployer/pkg/store"
)

type fakeUserStore struct {
	byAccount  map[string]*model.User
	byUsername map[string]*model.User
}

func (f *fakeUserStore) UserByAccountID(_ context.Context, accountID string) (*model.User, error) {
	if u, ok := f.byAccount[accountID]; ok {
		return u, nil
	}
	return nil, fmt.Errorf("account %q: %w", accountID, store.ErrNotFound)
}

func (f *fakeUserStore) UserByUsername(_ context.Context, username string) (*model.User, error) {
	if u, ok := f.byUsername[username]; ok {
		return u, nil
	}
	return nil, fmt.Errorf("user %q: %w", username, store.ErrNotFound)
}

func TestGetDefaultProvider(t *testing.T) {
	p, err := Get("")
	require.NoError(t, err)
	assert.Equal(t, "default", p.Name())
	assert.Nil(t, p.ArtifactDetector())
	assert.Empty(t, p.Notifiers())
}

func TestGetUnknownProvider(t *testing.T) {
	_, err := Get("does-not-exist")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown integration provider")
}

func TestUserBySessionID(t *testing.T) {
	a := NewStoreAuthenticator(&fakeUserStore{
		byAccount: map[string]*model.User{"acct-1": {ID: 2, Username: "alice"}},
	})

	user, err := a.UserBySessionID(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Username)

	_, err = a.UserBySessionID(context.Background(), "")
	assert.ErrorIs(t, err, auth.ErrInvalidSession)

	_, err = a.UserBySessionID(context.Background(), "acct-2")
	assert.ErrorIs(t, err, auth.ErrNoMatchingUser)
}

func TestUserByToken(t *testing.T) {
	hashed, err := auth.HashToken("s3cret")
	require.NoError(t, err)
	a := NewStoreAuthenticator(&fakeUserStore{
		byUsername: map[string]*model.User{
			"bot":     {ID: 3, Username: "bot", AuthToken: &hashed},
			"nokeyed": {ID: 4, Username: "nokeyed"},
		},
	})

	user, err := a.UserByToken(context.Background(), "bot", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, int64(3), user.ID)

	_, err = a.UserByToken(context.Background(), "bot", "wrong")
	assert.ErrorIs(t, err, auth.ErrNoMatchingUser)

	_, err = a.UserByToken(context.Background(), "nokeyed", "s3cret")
	assert.ErrorIs(t, err, auth.ErrNoMatchingUser)

	_, err = a.UserByToken(context.Background(), "ghost", "s3cret")
	assert.ErrorIs(t, err, auth.ErrNoMatchingUser)
}
