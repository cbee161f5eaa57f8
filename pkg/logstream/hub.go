// Package logstream fans out execution log entries to live viewers
package logstream

import (
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/sre-norns/verdandi/pkg/task"
	"github.com/sre-norns/verdandi/pkg/wyrd"
)

const DefaultBuffer = 256

// Hub implements task.LogSink, delivering published entries to subscribers of an execution
type Hub struct {
	mu     sync.Mutex
	subs   map[wyrd.ResourceID]map[*Subscription]struct{}
	buffer int
	logger log.Logger
}

func NewHub(buffer int, logger log.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}

	return &Hub{
		subs:   map[wyrd.ResourceID]map[*Subscription]struct{}{},
		buffer: buffer,
		logger: log.With(logger, "component", "logstream"),
	}
}

// Subscription receives entries of one execution until it is closed.
// The channel is closed when the execution is done, the subscriber falls behind or Close is called.
type Subscription struct {
	hub         *Hub
	executionID wyrd.ResourceID
	entries     chan task.LogEntry
	closed      bool
	lagged      bool
}

func (s *Subscription) Entries() <-chan task.LogEntry {
	return s.entries
}

// Lagged is true if the subscription was dropped for not keeping up
func (s *Subscription) Lagged() bool {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return s.lagged
}

func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.drop(s)
}

func (h *Hub) Subscribe(executionID wyrd.ResourceID) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub := &Subscription{
		hub:         h,
		executionID: executionID,
		entries:     make(chan task.LogEntry, h.buffer),
	}
	if h.subs[executionID] == nil {
		h.subs[executionID] = map[*Subscription]struct{}{}
	}
	h.subs[executionID][sub] = struct{}{}
	return sub
}

// drop must be called with the lock held
func (h *Hub) drop(sub *Subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.entries)

	subs := h.subs[sub.executionID]
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.subs, sub.executionID)
	}
}

// Publish never blocks: a subscriber with a full buffer is dropped
func (h *Hub) Publish(entries []task.LogEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, entry := range entries {
		for sub := range h.subs[entry.ExecutionID] {
			select {
			case sub.entries <- entry:
			default:
				level.Warn(h.logger).Log("msg", "dropping slow log subscriber", "execution", entry.ExecutionID)
				sub.lagged = true
				h.drop(sub)
			}
		}
	}
}

// Done closes all subscriptions of the execution
func (h *Hub) Done(executionID wyrd.ResourceID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs[executionID] {
		h.drop(sub)
	}
}

func (h *Hub) Subscribers(executionID wyrd.ResourceID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[executionID])
}
