package runner

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/sre-norns/verdandi/pkg/prob"
)

const LogRelType = "log"

// Entry is a single structured record of a run log
type Entry struct {
	Time    time.Time         `json:"time" yaml:"time"`
	Level   string            `json:"level" yaml:"level"`
	Message string            `json:"message" yaml:"message"`
	Context map[string]string `json:"context,omitempty" yaml:"context,omitempty"`
}

// EntryFunc receives entries as they are logged
type EntryFunc func(Entry)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Clone(b.buf.Bytes())
}

// RunLog collects logfmt output of a single run while mirroring it to the process logger and entry sinks
type RunLog struct {
	content lockedBuffer
	logger  log.Logger
}

func NewRunLog(mirror log.Logger, sinks ...EntryFunc) *RunLog {
	l := &RunLog{}

	loggers := teeLogger{log.NewLogfmtLogger(&l.content)}
	if mirror != nil {
		loggers = append(loggers, mirror)
	}
	for _, sink := range sinks {
		if sink != nil {
			loggers = append(loggers, entryLogger(sink))
		}
	}

	l.logger = log.With(loggers, "ts", log.Timestamp(func() time.Time { return time.Now().UTC() }))
	return l
}

func (l *RunLog) Logger() log.Logger {
	return l.logger
}

func (l *RunLog) Log(keyvals ...any) error {
	return l.logger.Log(keyvals...)
}

func (l *RunLog) Bytes() []byte {
	return l.content.Bytes()
}

func (l *RunLog) ToArtifact() prob.Artifact {
	return prob.Artifact{
		Rel:      LogRelType,
		MimeType: "text/plain",
		Content:  l.content.Bytes(),
	}
}

type teeLogger []log.Logger

func (t teeLogger) Log(keyvals ...any) error {
	var firstErr error
	for _, l := range t {
		if err := l.Log(keyvals...); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type entryLogger EntryFunc

func (fn entryLogger) Log(keyvals ...any) error {
	fn(ParseEntry(keyvals...))
	return nil
}

// ParseEntry turns go-kit key values into an Entry. The "warn" level is reported as "warning".
func ParseEntry(keyvals ...any) Entry {
	entry := Entry{
		Level: "info",
	}

	for i := 0; i < len(keyvals); i += 2 {
		key := fmt.Sprint(keyvals[i])
		var value any = log.ErrMissingValue
		if i+1 < len(keyvals) {
			value = keyvals[i+1]
		}

		switch {
		case key == "ts":
			if t, ok := value.(time.Time); ok {
				entry.Time = t
			}
		case keyvals[i] == level.Key():
			entry.Level = fmt.Sprint(value)
			if entry.Level == "warn" {
				entry.Level = "warning"
			}
		case key == "msg" && entry.Message == "":
			entry.Message = fmt.Sprint(value)
		default:
			if entry.Context == nil {
				entry.Context = map[string]string{}
			}
			entry.Context[key] = fmt.Sprint(value)
		}
	}

	if entry.Time.IsZero() {
		entry.Time = time.Now().UTC()
	}
	return entry
}
