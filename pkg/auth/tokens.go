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

package auth

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// SessionTTL is the lifetime of a session token.
const SessionTTL = 30 * time.Minute

// ErrInvalidSession is returned for a missing, unknown or expired token.
var ErrInvalidSession = errors.New("invalid session")

// ErrNoMatchingUser is returned when credentials match no account.
var ErrNoMatchingUser = errors.New("no matching user")

// Session is an issued session token.
type Session struct {
	Token    string    `json:"token"`
	IssuedAt time.Time `json:"-"`
	ExpireAt time.Time `json:"expire_at"`
}

// IssueSession creates a fresh session token. The caller persists it on
// the user row.
func IssueSession(now time.Time) Session {
	return Session{
		Token:    uuid.NewString(),
		IssuedAt: now,
		ExpireAt: now.Add(SessionTTL),
	}
}

// SessionValid reports whether a token issued at issuedAt is still live.
func SessionValid(issuedAt, now time.Time) bool {
	return now.Sub(issuedAt) < SessionTTL
}

// HashToken hashes a long-lived auth token for storage.
func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), 12)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckToken compares a presented auth token against its stored hash.
func CheckToken(token, hashed string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(token)) == nil
}
