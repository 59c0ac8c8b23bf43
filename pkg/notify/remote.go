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

package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// RemoteDeployerNotifier forwards whitelisted events to the other
// deployer instances of the cluster so their websocket clients see
// deployments running here. It authenticates with the shared deployer
// account and caches one session token per peer, re-authenticating
// once on 403. Dispatch is called from every worker goroutine, so the
// token cache is mutex-guarded.
type RemoteDeployerNotifier struct {
	urls     []string
	username string
	token    string

	http *http.Client

	mu     sync.Mutex
	tokens map[string]string
}

// NewRemoteDeployerNotifier builds the peer sink. urls must not contain
// this instance's own URL.
func NewRemoteDeployerNotifier(urls []string, username, token string) *RemoteDeployerNotifier {
	return &RemoteDeployerNotifier{
		urls:     urls,
		username: username,
		token:    token,
		http:     &http.Client{Timeout: 10 * time.Second},
		tokens:   make(map[string]string),
	}
}

func (r *RemoteDeployerNotifier) Name() string { return "remote-deployer" }

// Dispatch forwards the event to every peer.
func (r *RemoteDeployerNotifier) Dispatch(ctx context.Context, event Event) error {
	if !IsForwarded(event.Type) {
		return nil
	}
	envelope, err := EventToEnvelope(event)
	if err != nil {
		return err
	}
	for _, peer := range r.urls {
		if err := r.forward(ctx, peer, envelope); err != nil {
			return err
		}
	}
	return nil
}

func (r *RemoteDeployerNotifier) forward(ctx context.Context, peer string, envelope Envelope) error {
	token := r.peerToken(peer)
	if token == "" {
		var err error
		if token, err = r.authenticate(ctx, peer); err != nil {
			return err
		}
	}
	status, err := r.post(ctx, peer, envelope, token)
	if err != nil {
		return err
	}
	if status == http.StatusForbidden {
		// Session expired on the peer: re-authenticate and retry once.
		if token, err = r.authenticate(ctx, peer); err != nil {
			return err
		}
		status, err = r.post(ctx, peer, envelope, token)
		if err != nil {
			return err
		}
	}
	if status >= 400 {
		return fmt.Errorf("peer %s rejected event %s with status %d", peer, envelope.Type, status)
	}
	return nil
}

func (r *RemoteDeployerNotifier) peerToken(peer string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tokens[peer]
}

func (r *RemoteDeployerNotifier) post(ctx context.Context, peer string, envelope Envelope, token string) (int, error) {
	target, err := url.JoinPath(peer, "/api/notification/websocketevent")
	if err != nil {
		return 0, err
	}
	body, err := json.Marshal(map[string]any{"event": envelope})
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Session-Token", token)

	resp, err := r.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to forward event to %s: %w", peer, err)
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func (r *RemoteDeployerNotifier) authenticate(ctx context.Context, peer string) (string, error) {
	target, err := url.JoinPath(peer, "/api/auth/token")
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(map[string]string{
		"username":   r.username,
		"auth_token": r.token,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to authenticate against %s: %w", peer, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("authentication against %s returned %d", peer, resp.StatusCode)
	}
	var session struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return "", fmt.Errorf("unreadable session from %s: %w", peer, err)
	}
	r.mu.Lock()
	r.tokens[peer] = session.Token
	r.mu.Unlock()
	return session.Token, nil
}
