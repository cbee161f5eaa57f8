package main

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/sre-norns/verdandi/pkg/runner"
	"github.com/sre-norns/verdandi/pkg/task"
	"github.com/sre-norns/verdandi/pkg/wyrd"
)

// Context key of the run log entry naming the pooled browser instance
const instanceKey = "instance"

// logShipper batches run log entries and posts them to the API server
type logShipper struct {
	api       executionsApi
	execution wyrd.ResourceID
	batchSize int
	logger    log.Logger

	mu       sync.Mutex
	pending  []task.LogEntry
	instance string
	kick     chan struct{}

	flushMu sync.Mutex
}

func newLogShipper(api executionsApi, execution wyrd.ResourceID, batchSize int, logger log.Logger) *logShipper {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &logShipper{
		api:       api,
		execution: execution,
		batchSize: batchSize,
		logger:    logger,
		kick:      make(chan struct{}, 1),
	}
}

func toLogEntry(execution wyrd.ResourceID, e runner.Entry) task.LogEntry {
	lvl, ok := task.ParseLogLevel(e.Level)
	if !ok {
		lvl = task.LevelInfo
	}
	return task.LogEntry{
		ExecutionID: execution,
		Time:        e.Time,
		Level:       lvl,
		Message:     e.Message,
		Context:     e.Context,
	}
}

// Add is a runner.EntryFunc
func (s *logShipper) Add(e runner.Entry) {
	s.mu.Lock()
	if id, ok := e.Context[instanceKey]; ok && s.instance == "" {
		s.instance = id
	}
	s.pending = append(s.pending, toLogEntry(s.execution, e))
	full := len(s.pending) >= s.batchSize
	s.mu.Unlock()

	if full {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
}

// Instance returns the id of the pooled browser the run was given, if any
func (s *logShipper) Instance() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.instance
}

// Flush posts all pending entries. Entries that failed to post are dropped.
func (s *logShipper) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	_, err := s.api.AppendLogs(ctx, s.execution, batch)
	if err != nil {
		level.Warn(s.logger).Log("msg", "failed to post run log", "entries", len(batch), "err", err)
	}
	return err
}

// Run flushes entries every interval or once a batch is full, until ctx is done
func (s *logShipper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.kick:
		}
		_ = s.Flush(ctx)
	}
}
