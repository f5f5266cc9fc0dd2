package public

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpapenbr/tirewatch-backend-go/pkg/model"
)

//nolint:whitespace // editor/linter issue
func dialLive(t *testing.T, httpURL string) *websocket.Conn {
	t.Helper()
	wsURL := strings.Replace(httpURL, "http://", "ws://", 1) + "/live"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	//nolint:errcheck // test deadline
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func TestLive_ConnectedHandshake(t *testing.T) {
	srv, _ := setupServer(t, &fakeQuerier{})
	conn := dialLive(t, srv.URL)

	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, msgType)
	var frame model.ConnectedFrame
	require.NoError(t, json.Unmarshal(data, &frame))
	assert.Equal(t, model.MTConnected, frame.Type)
}

func TestLive_ReceivesPublishedRecords(t *testing.T) {
	srv, hub := setupServer(t, &fakeQuerier{})
	conn := dialLive(t, srv.URL)

	// handshake first
	_, _, err := conn.ReadMessage()
	require.NoError(t, err)

	payload, err := model.EncodeInsightRecord(&model.TireStressInsight{
		Chassis: "car-11", Track: "spa", Lap: 3,
	})
	require.NoError(t, err)
	rec, err := model.DecodeResultRecord(1, payload)
	require.NoError(t, err)
	hub.Publish(rec)

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, string(payload), string(data))
}

func TestLive_DisconnectRemovesSubscriber(t *testing.T) {
	srv, hub := setupServer(t, &fakeQuerier{})
	conn := dialLive(t, srv.URL)
	_, _, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, 1, hub.NumSubscribers())

	require.NoError(t, conn.Close())

	assert.Eventually(t, func() bool { return hub.NumSubscribers() == 0 },
		2*time.Second, 5*time.Millisecond)
}
