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

package api

import (
	"errors"
	"net/http"

	"deployer/pkg/auth"
	"deployer/pkg/model"
)

// Two ways in: wssession validates an external session id for human
// users; token validates a long-lived auth token for bots. Both reply
// with a fresh session token and its expiry.

func (s *Server) handleAuthSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID string `json:"sessionid"`
	}
	if err := decodeJSON(r, &body); err != nil || body.SessionID == "" {
		s.writeError(w, http.StatusBadRequest, "missing sessionid")
		return
	}
	user, err := s.authenticator.UserBySessionID(r.Context(), body.SessionID)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidSession):
			s.writeError(w, http.StatusBadRequest, "invalid session")
		case errors.Is(err, auth.ErrNoMatchingUser):
			s.writeError(w, http.StatusForbidden, "forbidden")
		default:
			s.serverError(w, err)
		}
		return
	}
	s.issueToken(w, r, user)
}

func (s *Server) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username  string `json:"username"`
		AuthToken string `json:"auth_token"`
	}
	if err := decodeJSON(r, &body); err != nil || body.AuthToken == "" {
		s.writeError(w, http.StatusBadRequest, "missing auth_token")
		return
	}
	user, err := s.authenticator.UserByToken(r.Context(), body.Username, body.AuthToken)
	if err != nil {
		if errors.Is(err, auth.ErrNoMatchingUser) {
			s.writeError(w, http.StatusForbidden, "forbidden")
		} else {
			s.serverError(w, err)
		}
		return
	}
	s.issueToken(w, r, user)
}

func (s *Server) issueToken(w http.ResponseWriter, r *http.Request, user *model.User) {
	session := auth.IssueSession(s.now().UTC())
	if err := s.store.SaveSession(r.Context(), user.ID, session.Token, session.IssuedAt); err != nil {
		s.serverError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"token":     session.Token,
		"expire_at": session.ExpireAt,
		"user":      user,
	})
}
