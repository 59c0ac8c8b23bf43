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

// Package ws is the websocket broadcast surface. Clients subscribe to
// environments and receive the deployment events matching their
// subscriptions.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"deployer/pkg/notify"
)

// Hub owns every connected websocket client and fans envelopes out to
// the ones subscribed to the envelope's environment.
type Hub struct {
	port   int
	logger *slog.Logger

	upgrader  websocket.Upgrader
	broadcast chan notify.Envelope

	mu      sync.Mutex
	clients map[*client]struct{}
}

// NewHub creates the hub listening on port once started.
func NewHub(port int, logger *slog.Logger) *Hub {
	return &Hub{
		port:   port,
		logger: logger.With("component", "websocket-worker"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		broadcast: make(chan notify.Envelope, 256),
		clients:   make(map[*client]struct{}),
	}
}

// Name implements the worker contract.
func (h *Hub) Name() string { return "websocket-worker" }

// Broadcast queues an envelope for delivery. Never blocks: when the
// buffer is full the envelope is dropped, clients refresh over HTTP.
func (h *Hub) Broadcast(envelope notify.Envelope) {
	select {
	case h.broadcast <- envelope:
	default:
		h.logger.Warn("Broadcast buffer full, dropping event", "event", envelope.Type)
	}
}

// Start serves websocket connections and pumps broadcasts until the
// context is cancelled.
func (h *Hub) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", h.handleConnection)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", h.port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	h.logger.Info("Websocket server listening", "port", h.port)

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
			h.closeAll()
			return nil
		case err := <-errCh:
			return fmt.Errorf("websocket server failed: %w", err)
		case envelope := <-h.broadcast:
			h.deliver(envelope)
		}
	}
}

func (h *Hub) handleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade connection", "error", err)
		return
	}
	c := newClient(conn)

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go c.writePump()
	c.readPump() // blocks until the client goes away

	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

func (h *Hub) deliver(envelope notify.Envelope) {
	envID, hasEnv := envelopeEnvironmentID(envelope)
	data, err := json.Marshal(envelope)
	if err != nil {
		h.logger.Error("Failed to encode envelope", "event", envelope.Type, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if hasEnv && !c.subscribedTo(envID) {
			continue
		}
		c.send(data)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.close()
	}
	h.clients = make(map[*client]struct{})
}

// envelopeEnvironmentID extracts the environment id from an envelope
// payload. Envelopes without one are delivered to every client.
func envelopeEnvironmentID(envelope notify.Envelope) (int64, bool) {
	raw, ok := envelope.Payload["environment_id"]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	case json.Number:
		id, err := v.Int64()
		return id, err == nil
	}
	return 0, false
}
