package logstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sre-norns/verdandi/pkg/task"
	"github.com/sre-norns/verdandi/pkg/wyrd"
	"github.com/stretchr/testify/require"
)

func TestStreamURL(t *testing.T) {
	testCases := map[string]struct {
		address  string
		token    string
		expected string
	}{
		"http":       {address: "http://localhost:8080", expected: "ws://localhost:8080/api/v1/executions/12/logs/stream"},
		"https":      {address: "https://verdandi.example.com/", expected: "wss://verdandi.example.com/api/v1/executions/12/logs/stream"},
		"with-token": {address: "http://localhost:8080", token: "abc", expected: "ws://localhost:8080/api/v1/executions/12/logs/stream?token=abc"},
		"sub-path":   {address: "https://example.com/verdandi", expected: "wss://example.com/verdandi/api/v1/executions/12/logs/stream"},
	}

	for name, tc := range testCases {
		test := tc
		t.Run(name, func(t *testing.T) {
			got, err := StreamURL(test.address, 12, test.token)
			require.NoError(t, err)
			require.Equal(t, test.expected, got.String())
		})
	}
}

func TestFollow(t *testing.T) {
	stored := []task.LogEntry{entry(7, 1, "one"), entry(7, 2, "two")}
	handler := NewHandler(NewHub(0, nil), func(_ context.Context, _ wyrd.ResourceID, afterID uint) ([]task.LogEntry, error) {
		var result []task.LogEntry
		for _, e := range stored {
			if e.ID > afterID {
				result = append(result, e)
			}
		}
		return result, nil
	}, func(context.Context, wyrd.ResourceID) (bool, error) { return true, nil })
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.Serve(w, r, 7, 0)
	}))
	defer server.Close()

	u, err := StreamURL(server.URL, 7, "")
	require.NoError(t, err)

	var got []string
	require.NoError(t, Follow(context.Background(), u, func(e task.LogEntry) { got = append(got, e.Message) }))
	require.Equal(t, []string{"one", "two"}, got)
}

func TestFollowReconnects(t *testing.T) {
	reconnectDelay = time.Millisecond

	var connects atomic.Int32
	var afterSeen atomic.Value
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if connects.Add(1) == 1 {
			_ = conn.WriteJSON(entry(7, 1, "before drop"))
			closeWith(conn, websocket.CloseTryAgainLater, "too slow, reconnect")
			return
		}
		afterSeen.Store(r.URL.Query().Get("after"))
		_ = conn.WriteJSON(entry(7, 2, "after drop"))
		closeWith(conn, websocket.CloseNormalClosure, "execution finished")
	}))
	defer server.Close()

	u, err := StreamURL(server.URL, 7, "")
	require.NoError(t, err)

	var got []string
	require.NoError(t, Follow(context.Background(), u, func(e task.LogEntry) { got = append(got, e.Message) }))
	require.Equal(t, []string{"before drop", "after drop"}, got)
	require.Equal(t, int32(2), connects.Load())
	require.Equal(t, "1", afterSeen.Load())
}
