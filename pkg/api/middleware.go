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
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"deployer/pkg/auth"
	"deployer/pkg/model"
	"deployer/pkg/store"
)

type ctxKey int

const accountKey ctxKey = iota

// account is the resolved caller of a request.
type account struct {
	User  *model.User
	Perms auth.Permissions
}

func accountFrom(r *http.Request) *account {
	a, _ := r.Context().Value(accountKey).(*account)
	return a
}

// withAccount resolves X-Session-Token to an account. Without a token
// the request runs as the default user; an unknown or expired token is
// rejected outright.
func (s *Server) withAccount(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Session-Token")
		if token == "" {
			user, err := s.store.UserByUsername(r.Context(), store.DefaultUsername)
			if err != nil {
				// No default user configured: the request stays anonymous.
				next.ServeHTTP(w, r)
				return
			}
			s.serveAs(next, w, r, user)
			return
		}

		user, err := s.store.UserBySessionToken(r.Context(), token)
		if err != nil {
			s.logger.Info("Unauthorized access attempt", "token", token)
			s.writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		if user.TokenIssuedAt == nil || !auth.SessionValid(*user.TokenIssuedAt, s.now().UTC()) {
			s.logger.Info("Token expired", "token", token)
			s.writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		s.serveAs(next, w, r, user)
	})
}

func (s *Server) serveAs(next http.Handler, w http.ResponseWriter, r *http.Request, user *model.User) {
	perms, err := s.store.UserPermissions(r.Context(), user.ID)
	if err != nil {
		s.serverError(w, err)
		return
	}
	ctx := context.WithValue(r.Context(), accountKey, &account{User: user, Perms: perms})
	next.ServeHTTP(w, r.WithContext(ctx))
}

// enforce writes a 403 and returns false when the caller lacks the
// permission.
func (s *Server) enforce(w http.ResponseWriter, r *http.Request, p auth.Permission) bool {
	a := accountFrom(r)
	if a == nil || !a.Perms.Grants(p) {
		s.writeError(w, http.StatusForbidden, "forbidden")
		return false
	}
	return true
}

func (s *Server) requireLogged(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.enforce(w, r, auth.Default()) {
			return
		}
		h(w, r)
	}
}

func (s *Server) requireAdmin(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.enforce(w, r, auth.SuperAdmin()) {
			return
		}
		h(w, r)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, message string, details ...string) {
	body := map[string]any{"status": 1, "error": message}
	if len(details) > 0 {
		body["details"] = details[0]
	}
	s.writeJSON(w, code, body)
}

func (s *Server) serverError(w http.ResponseWriter, err error) {
	s.logger.Error("Request failed", "error", err)
	s.writeError(w, http.StatusInternalServerError,
		"The server encountered an internal error (see server logs for details)")
}

// storeError maps ErrNotFound to 404, anything else to 500.
func (s *Server) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "not found")
		return
	}
	s.serverError(w, err)
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}
