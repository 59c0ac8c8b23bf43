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

package haproxy

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Action is the desired rotation state for a set of servers.
type Action int

const (
	// ActionEnable puts servers back in rotation.
	ActionEnable Action = iota
	// ActionDisable drains servers.
	ActionDisable
)

func (a Action) String() string {
	if a == ActionEnable {
		return "ENABLE"
	}
	return "DISABLE"
}

// ErrInvalidKey is returned when a haproxy key is not "backend,server".
var ErrInvalidKey = errors.New("invalid haproxy key format")

// UnexpectedStatusError reports a server that was not in the expected
// state before an action.
type UnexpectedStatusError struct {
	Backend string
	Server  string
	Status  string
}

func (e *UnexpectedStatusError) Error() string {
	if e.Status == "" {
		return fmt.Sprintf("server %s/%s is unknown to haproxy", e.Backend, e.Server)
	}
	return fmt.Sprintf("server %s/%s has unexpected status %q", e.Backend, e.Server, e.Status)
}

// SplitKey validates and splits a "backend,server" key.
func SplitKey(key string) (backend, server string, err error) {
	parts := strings.Split(key, ",")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return parts[0], parts[1], nil
}

// StatsReader is the Client subset ClusterAction needs.
type StatsReader interface {
	ServerStatus(ctx context.Context, backend, server string) (Row, error)
	Enable(ctx context.Context, backend, server string) error
	Disable(ctx context.Context, backend, server string) error
}

// ClusterAction applies the desired rotation state to every key of a
// cluster. It first checks that every server's status contains
// expectedStatus, then transitions only the servers that need it: UP
// servers are drained on DISABLE, MAINT servers re-enabled on ENABLE,
// everything else is left untouched.
func ClusterAction(ctx context.Context, client StatsReader, keys []string, expectedStatus string, action Action) error {
	type target struct {
		backend, server, status string
	}
	targets := make([]target, 0, len(keys))

	for _, key := range keys {
		backend, server, err := SplitKey(key)
		if err != nil {
			return err
		}
		row, err := client.ServerStatus(ctx, backend, server)
		if err != nil {
			return err
		}
		if row == nil {
			return &UnexpectedStatusError{Backend: backend, Server: server}
		}
		status := row["status"]
		if !strings.Contains(status, expectedStatus) {
			return &UnexpectedStatusError{Backend: backend, Server: server, Status: status}
		}
		targets = append(targets, target{backend, server, status})
	}

	for _, tgt := range targets {
		switch {
		case action == ActionDisable && strings.Contains(tgt.status, "UP"):
			if err := client.Disable(ctx, tgt.backend, tgt.server); err != nil {
				return err
			}
		case action == ActionEnable && strings.Contains(tgt.status, "MAINT"):
			if err := client.Enable(ctx, tgt.backend, tgt.server); err != nil {
				return err
			}
		}
	}
	return nil
}
