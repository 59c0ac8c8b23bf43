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

package store

import (
	"context"
	"fmt"
	"time"

	"deployer/pkg/auth"
	"deployer/pkg/model"
)

const userColumns = `id, username, email, accountid, session_token, token_issued_at, auth_token`

// DefaultUsername is the account requests fall back to without a session.
const DefaultUsername = "default"

// GetUser loads one user.
func (s *Store) GetUser(ctx context.Context, id int64) (*model.User, error) {
	var u model.User
	err := s.db.GetContext(ctx, &u, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	if err != nil {
		return nil, notFoundOr(err, fmt.Sprintf("user %d", id))
	}
	return &u, nil
}

// UserByUsername loads a user by account name.
func (s *Store) UserByUsername(ctx context.Context, username string) (*model.User, error) {
	var u model.User
	err := s.db.GetContext(ctx, &u, `SELECT `+userColumns+` FROM users WHERE username = $1`, username)
	if err != nil {
		return nil, notFoundOr(err, fmt.Sprintf("user %q", username))
	}
	return &u, nil
}

// UserByAccountID loads a user by its external SSO account id.
func (s *Store) UserByAccountID(ctx context.Context, accountID string) (*model.User, error) {
	var u model.User
	err := s.db.GetContext(ctx, &u, `SELECT `+userColumns+` FROM users WHERE accountid = $1`, accountID)
	if err != nil {
		return nil, notFoundOr(err, fmt.Sprintf("account %q", accountID))
	}
	return &u, nil
}

// UserBySessionToken loads a user by its live session token.
func (s *Store) UserBySessionToken(ctx context.Context, token string) (*model.User, error) {
	var u model.User
	err := s.db.GetContext(ctx, &u, `SELECT `+userColumns+` FROM users WHERE session_token = $1`, token)
	if err != nil {
		return nil, notFoundOr(err, "session")
	}
	return &u, nil
}

// SaveSession persists a freshly issued session token on the user row.
func (s *Store) SaveSession(ctx context.Context, userID int64, token string, issuedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET session_token = $2, token_issued_at = $3 WHERE id = $1`,
		userID, token, issuedAt)
	if err != nil {
		return fmt.Errorf("failed to save session of user %d: %w", userID, err)
	}
	return nil
}

// UserPermissions decodes and merges the permission blobs of every role
// the user holds.
func (s *Store) UserPermissions(ctx context.Context, userID int64) (auth.Permissions, error) {
	var blobs []string
	err := s.db.SelectContext(ctx, &blobs, `
		SELECT r.permissions FROM roles r
		JOIN user_roles ur ON ur.role_id = r.id
		WHERE ur.user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load roles of user %d: %w", userID, err)
	}
	var out auth.Permissions
	for _, blob := range blobs {
		ps, err := auth.FromJSON(blob)
		if err != nil {
			return nil, fmt.Errorf("user %d has a corrupt role: %w", userID, err)
		}
		out = append(out, ps...)
	}
	return out, nil
}
