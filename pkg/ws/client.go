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

package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4096
)

// clientMessage is what browsers send us: subscription management and
// application-level pings.
type clientMessage struct {
	Type    string `json:"type"`
	Payload struct {
		EnvironmentID int64 `json:"environment_id"`
	} `json:"payload"`
}

type client struct {
	conn *websocket.Conn

	mu            sync.Mutex
	subscriptions map[int64]struct{}

	sendMu   sync.Mutex
	closed   bool
	outbound chan []byte
}

func newClient(conn *websocket.Conn) *client {
	return &client{
		conn:          conn,
		subscriptions: make(map[int64]struct{}),
		outbound:      make(chan []byte, 64),
	}
}

func (c *client) subscribedTo(envID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subscriptions[envID]
	return ok
}

// send queues a frame for the write pump. Slow clients get dropped
// frames instead of blocking the hub.
func (c *client) send(data []byte) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.outbound <- data:
	default:
	}
}

func (c *client) close() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.outbound)
	c.conn.Close()
}

// readPump consumes client frames until the connection drops.
func (c *client) readPump() {
	c.conn.SetReadLimit(maxMessageSize)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "subscribe":
			c.mu.Lock()
			c.subscriptions[msg.Payload.EnvironmentID] = struct{}{}
			c.mu.Unlock()
		case "unsubscribe":
			c.mu.Lock()
			delete(c.subscriptions, msg.Payload.EnvironmentID)
			c.mu.Unlock()
		case "websocket.ping":
			c.send([]byte(`{"type":"websocket.pong"}`))
		}
	}
}

// writePump drains the outbound queue onto the wire.
func (c *client) writePump() {
	for data := range c.outbound {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
}
