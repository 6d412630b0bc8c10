package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestEventHub_BroadcastsIngestEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewEventHub(zap.NewNop())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, hub.HasClients, 2*time.Second, 10*time.Millisecond)

	res := &Result{Success: true, Ingested: 3, Duplicates: 1}
	req := Request{UserID: userID, DeviceID: cgmID, ManufacturerID: "dexcom"}
	hub.Publish(NewEvent(req, "glucose", res, now))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var got Event
	require.NoError(t, json.Unmarshal(msg, &got))
	assert.Equal(t, EventTypeIngest, got.Type)
	assert.Equal(t, 3, got.Ingested)
	assert.Equal(t, 1, got.Duplicates)
	assert.Equal(t, "glucose", got.MetricCode)
	assert.True(t, got.ReceivedAt.Equal(now))
	assert.Len(t, got.ID, 36)
}

func TestEventHub_PublishWithoutClientsIsNoop(t *testing.T) {
	hub := NewEventHub(zap.NewNop())
	hub.Publish(Event{ID: "x"})
	assert.Empty(t, hub.broadcast)
}
