// Copyright 2016 Nokia Corporation and/or its subsidiary(-ies).
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package integration

import (
	"context"
	"errors"

	"deployer/pkg/auth"
	"deployer/pkg/model"
	"deployer/pkg/store"
)

// userStore is the slice of the store the authenticator needs.
type userStore interface {
	UserByAccountID(ctx context.Context, accountID string) (*model.User, error)
	UserByUsername(ctx context.Context, username string) (*model.User, error)
}

// StoreAuthenticator resolves credentials against the local user table.
// It matches session ids directly to account ids; a real installation
// should exchange the session id against an external SSO backend
// instead.
type StoreAuthenticator struct {
	store userStore
}

// NewStoreAuthenticator builds the authenticator. Exported so custom
// providers can reuse the token flow and replace only the session one.
func NewStoreAuthenticator(st userStore) *StoreAuthenticator {
	return &StoreAuthenticator{store: st}
}

// UserBySessionID treats the session id as the account id.
func (a *StoreAuthenticator) UserBySessionID(ctx context.Context, sessionID string) (*model.User, error) {
	if sessionID == "" {
		return nil, auth.ErrInvalidSession
	}
	user, err := a.store.UserByAccountID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, auth.ErrNoMatchingUser
		}
		return nil, err
	}
	return user, nil
}

// UserByToken checks a long-lived auth token against its bcrypt hash.
func (a *StoreAuthenticator) UserByToken(ctx context.Context, username, token string) (*model.User, error) {
	user, err := a.store.UserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, auth.ErrNoMatchingUser
		}
		return nil, err
	}
	if user.AuthToken == nil || !auth.CheckToken(token, *user.AuthToken) {
		return nil, auth.ErrNoMatchingUser
	}
	return user, nil
}
