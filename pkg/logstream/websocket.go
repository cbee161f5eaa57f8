package logstream

import (
	"context"
	"net/http"
	"time"

	"github.com/go-kit/log/level"
	"github.com/gorilla/websocket"
	"github.com/sre-norns/verdandi/pkg/task"
	"github.com/sre-norns/verdandi/pkg/wyrd"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	pongWait   = pingPeriod + writeWait
)

// BacklogFunc loads entries already stored for an execution with ids above afterID
type BacklogFunc func(ctx context.Context, executionID wyrd.ResourceID, afterID uint) ([]task.LogEntry, error)

// FinishedFunc reports whether an execution has reached a final status
type FinishedFunc func(ctx context.Context, executionID wyrd.ResourceID) (bool, error)

// Handler streams execution logs over a websocket: first the stored backlog, then live entries
type Handler struct {
	Hub      *Hub
	Backlog  BacklogFunc
	Finished FinishedFunc

	upgrader websocket.Upgrader
}

func NewHandler(hub *Hub, backlog BacklogFunc, finished FinishedFunc) *Handler {
	return &Handler{
		Hub:      hub,
		Backlog:  backlog,
		Finished: finished,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Serve upgrades the request. For a finished execution only the backlog is sent.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request, executionID wyrd.ResourceID, afterID uint) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		level.Debug(h.Hub.logger).Log("msg", "websocket upgrade failed", "execution", executionID, "err", err)
		return
	}
	defer conn.Close()

	// Subscribe before checking the status and reading the backlog,
	// so neither entries stored nor the end published in between are missed
	sub := h.Hub.Subscribe(executionID)
	defer sub.Close()

	if h.Finished != nil {
		finished, err := h.Finished(r.Context(), executionID)
		if err != nil {
			level.Warn(h.Hub.logger).Log("msg", "failed to check execution status", "execution", executionID, "err", err)
			closeWith(conn, websocket.CloseInternalServerErr, "failed to load execution")
			return
		}
		if finished {
			sub.Close()
			sub = nil
		}
	}

	backlog, err := h.Backlog(r.Context(), executionID, afterID)
	if err != nil {
		level.Warn(h.Hub.logger).Log("msg", "failed to load log backlog", "execution", executionID, "err", err)
		closeWith(conn, websocket.CloseInternalServerErr, "failed to load logs")
		return
	}

	lastID := afterID
	for _, entry := range backlog {
		if err := writeEntry(conn, entry); err != nil {
			return
		}
		lastID = max(lastID, entry.ID)
	}

	if sub == nil {
		closeWith(conn, websocket.CloseNormalClosure, "execution finished")
		return
	}

	gone := make(chan struct{})
	go readPump(conn, gone)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case entry, ok := <-sub.Entries():
			if !ok {
				if sub.Lagged() {
					closeWith(conn, websocket.CloseTryAgainLater, "too slow, reconnect")
				} else {
					closeWith(conn, websocket.CloseNormalClosure, "execution finished")
				}
				return
			}
			if entry.ID <= lastID {
				continue
			}
			if err := writeEntry(conn, entry); err != nil {
				return
			}
			lastID = entry.ID
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func writeEntry(conn *websocket.Conn, entry task.LogEntry) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(entry)
}

func closeWith(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
}

// readPump consumes control frames until the peer goes away
func readPump(conn *websocket.Conn, gone chan<- struct{}) {
	defer close(gone)

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
