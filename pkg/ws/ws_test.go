package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deployer/pkg/notify"
)

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(hub.handleConnection))
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, msg string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
}

func readEnvelope(t *testing.T, conn *websocket.Conn) notify.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var envelope notify.Envelope
	require.NoError(t, json.Unmarshal(data, &envelope))
	return envelope
}

func TestPingPong(t *testing.T) {
	hub := NewHub(0, slog.Default())
	conn := dialHub(t, hub)

	sendJSON(t, conn, `{"type":"websocket.ping"}`)
	assert.Equal(t, "websocket.pong", readEnvelope(t, conn).Type)
}

func TestSubscriptionFiltering(t *testing.T) {
	hub := NewHub(0, slog.Default())
	conn := dialHub(t, hub)

	sendJSON(t, conn, `{"type":"subscribe","payload":{"environment_id":3}}`)
	// The pong proves the subscribe before it has been processed.
	sendJSON(t, conn, `{"type":"websocket.ping"}`)
	readEnvelope(t, conn)

	// Event for another environment is filtered out, matching one and
	// the unscoped one get through.
	hub.deliver(notify.Envelope{Type: "deployment.deployment_status", Payload: map[string]any{"environment_id": int64(9)}})
	hub.deliver(notify.Envelope{Type: "deployment.deployment_status", Payload: map[string]any{"environment_id": int64(3)}})
	hub.deliver(notify.Envelope{Type: "deployer.start", Payload: map[string]any{}})

	first := readEnvelope(t, conn)
	assert.EqualValues(t, 3, first.Payload["environment_id"])
	assert.Equal(t, "deployer.start", readEnvelope(t, conn).Type)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	hub := NewHub(0, slog.Default())
	conn := dialHub(t, hub)

	sendJSON(t, conn, `{"type":"subscribe","payload":{"environment_id":5}}`)
	sendJSON(t, conn, `{"type":"unsubscribe","payload":{"environment_id":5}}`)
	sendJSON(t, conn, `{"type":"websocket.ping"}`)
	readEnvelope(t, conn)

	hub.deliver(notify.Envelope{Type: "deployment.deployment_status", Payload: map[string]any{"environment_id": int64(5)}})
	hub.deliver(notify.Envelope{Type: "deployer.start", Payload: map[string]any{}})

	// Only the unscoped event arrives.
	assert.Equal(t, "deployer.start", readEnvelope(t, conn).Type)
}

func TestEnvelopeEnvironmentID(t *testing.T) {
	id, ok := envelopeEnvironmentID(notify.Envelope{Payload: map[string]any{"environment_id": float64(7)}})
	assert.True(t, ok)
	assert.EqualValues(t, 7, id)

	_, ok = envelopeEnvironmentID(notify.Envelope{Payload: map[string]any{}})
	assert.False(t, ok)
}
