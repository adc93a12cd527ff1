package ethereum

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
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func testWSConfig() *WSConfig {
	return &WSConfig{
		HandshakeTimeout: time.Second,
		SubscribeTimeout: time.Second,
		PingInterval:     time.Hour,
		ReadTimeout:      5 * time.Second,
		WriteTimeout:     time.Second,
	}
}

// headServer confirms the subscription, sends the given head numbers and
// then closes the connection.
func headServer(t *testing.T, numbers ...string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		var req wsRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		assert.Equal(t, "eth_subscribe", req.Method)
		assert.Equal(t, []interface{}{"newHeads"}, req.Params)

		_ = conn.WriteJSON(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": "0xsub"})
		// A notification for another subscription is ignored.
		_ = conn.WriteJSON(map[string]interface{}{
			"jsonrpc": "2.0", "method": "eth_subscription",
			"params": map[string]interface{}{"subscription": "0xother", "result": map[string]string{"number": "0x1"}},
		})
		for _, n := range numbers {
			_ = conn.WriteJSON(map[string]interface{}{
				"jsonrpc": "2.0", "method": "eth_subscription",
				"params": map[string]interface{}{
					"subscription": "0xsub",
					"result":       map[string]string{"number": n, "hash": "0xh" + n},
				},
			})
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestWSClient_SubscribeNewHeads(t *testing.T) {
	server := headServer(t, "0x10", "0x11")

	client := NewWSClient(wsURL(server), testWSConfig(), testLogger())
	sub, err := client.SubscribeNewHeads(context.Background())
	require.NoError(t, err)
	defer sub.Close()

	var got []uint64
	for head := range sub.Heads() {
		got = append(got, head.Number)
	}
	assert.Equal(t, []uint64{16, 17}, got)

	select {
	case err := <-sub.Err():
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrSubscriptionClosed)
	case <-time.After(time.Second):
		t.Fatal("expected subscription error after server closed")
	}
}

func TestWSClient_SubscribeRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var req wsRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		resp, _ := json.Marshal(map[string]interface{}{
			"jsonrpc": "2.0", "id": req.ID,
			"error": map[string]interface{}{"code": -32601, "message": "method not found"},
		})
		_ = conn.WriteMessage(websocket.TextMessage, resp)
	}))
	defer server.Close()

	client := NewWSClient(wsURL(server), testWSConfig(), testLogger())
	_, err := client.SubscribeNewHeads(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "method not found")
}

func TestWSClient_DialFailure(t *testing.T) {
	client := NewWSClient("ws://127.0.0.1:1", testWSConfig(), testLogger())
	_, err := client.SubscribeNewHeads(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "websocket dial")
}

func TestWSSubscription_CloseReportsClosed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var req wsRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		_ = conn.WriteJSON(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": "0xsub"})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	client := NewWSClient(wsURL(server), testWSConfig(), testLogger())
	sub, err := client.SubscribeNewHeads(context.Background())
	require.NoError(t, err)

	require.NoError(t, sub.Close())
	assert.NoError(t, sub.Close(), "close is idempotent")

	_, open := <-sub.Heads()
	assert.False(t, open)
	assert.ErrorIs(t, <-sub.Err(), ErrSubscriptionClosed)
}
