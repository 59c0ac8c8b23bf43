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
	"context"
	"fmt"
)

// ForwardedEventTypes is the whitelist of events broadcast to websocket
// clients and forwarded to peer deployers.
var ForwardedEventTypes = []string{
	EventDeploymentQueued,
	EventConfigLoaded,
	EventDeploymentEnd,
	EventStepStart,
	EventStepRelease,
	EventCommitsFetched,
}

// IsForwarded reports whether the event type goes to websocket clients.
func IsForwarded(eventType string) bool {
	for _, t := range ForwardedEventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

// Envelope is the wire format of a websocket broadcast.
type Envelope struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

// Broadcaster pushes envelopes to subscribed websocket clients.
// Implemented by the websocket hub.
type Broadcaster interface {
	Broadcast(envelope Envelope)
}

// EventToEnvelope converts a whitelisted event to its websocket shape.
func EventToEnvelope(event Event) (Envelope, error) {
	if !IsForwarded(event.Type) {
		return Envelope{}, fmt.Errorf("event %s is not forwarded to websockets", event.Type)
	}
	switch event.Type {
	case EventCommitsFetched:
		return Envelope{
			Type:    EventCommitsFetched,
			Payload: map[string]any{"environment_id": event.EnvironmentID},
		}, nil
	case EventStepRelease:
		return Envelope{
			Type: EventStepRelease,
			Payload: map[string]any{
				"environment_id": event.EnvironmentID,
				"deployment":     event.Deployment,
				"server":         event.Server,
				"release_info":   event.ReleaseInfo,
			},
		}, nil
	default:
		return Envelope{
			Type: "deployment.deployment_status",
			Payload: map[string]any{
				"environment_id": event.EnvironmentID,
				"deployment":     event.Deployment,
			},
		}, nil
	}
}

// WebSocketNotifier broadcasts whitelisted events to connected clients.
type WebSocketNotifier struct {
	hub Broadcaster
}

// NewWebSocketNotifier builds the websocket sink over the hub.
func NewWebSocketNotifier(hub Broadcaster) *WebSocketNotifier {
	return &WebSocketNotifier{hub: hub}
}

func (w *WebSocketNotifier) Name() string { return "websocket" }

// Dispatch broadcasts the event when whitelisted.
func (w *WebSocketNotifier) Dispatch(_ context.Context, event Event) error {
	if !IsForwarded(event.Type) {
		return nil
	}
	envelope, err := EventToEnvelope(event)
	if err != nil {
		return err
	}
	w.hub.Broadcast(envelope)
	return nil
}
