package logstream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sre-norns/verdandi/pkg/task"
	"github.com/sre-norns/verdandi/pkg/wyrd"
)

// Delay before reconnecting after the server dropped a slow follower
var reconnectDelay = 500 * time.Millisecond

// StreamURL returns the websocket address of an execution log stream on an API server
func StreamURL(apiAddress string, executionID wyrd.ResourceID, token string) (*url.URL, error) {
	u, err := url.Parse(apiAddress)
	if err != nil {
		return nil, err
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u = u.JoinPath("api/v1/executions", executionID.String(), "logs/stream")
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u, nil
}

// Follow reads entries from a log stream until the execution is finished.
// When the server drops the follower for being too slow it reconnects after the last seen entry.
func Follow(ctx context.Context, streamURL *url.URL, fn func(task.LogEntry)) error {
	var afterID uint
	for {
		u := *streamURL
		q := u.Query()
		q.Set("after", strconv.FormatUint(uint64(afterID), 10))
		u.RawQuery = q.Encode()

		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
		if err != nil {
			if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
				return fmt.Errorf("log stream refused: %v: %w", resp.Status, err)
			}
			return err
		}

		lagged, err := readStream(ctx, conn, func(entry task.LogEntry) {
			afterID = max(afterID, entry.ID)
			fn(entry)
		})
		conn.Close()
		if !lagged {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

func readStream(ctx context.Context, conn *websocket.Conn, fn func(task.LogEntry)) (bool, error) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var entry task.LogEntry
		err := conn.ReadJSON(&entry)
		switch {
		case err == nil:
			fn(entry)
		case websocket.IsCloseError(err, websocket.CloseNormalClosure):
			return false, nil
		case websocket.IsCloseError(err, websocket.CloseTryAgainLater):
			return true, nil
		case ctx.Err() != nil:
			return false, ctx.Err()
		default:
			return false, err
		}
	}
}
