package task

import (
	"time"

	"github.com/sre-norns/verdandi/pkg/prob"
	"github.com/sre-norns/verdandi/pkg/wyrd"
	"gorm.io/gorm"
)

type ExecutionStatus string

const (
	StatusPending  ExecutionStatus = "pending"
	StatusRunning  ExecutionStatus = "running"
	StatusSuccess  ExecutionStatus = ExecutionStatus(prob.RunFinishedSuccess)
	StatusFailed   ExecutionStatus = ExecutionStatus(prob.RunFinishedFailed)
	StatusErrored  ExecutionStatus = ExecutionStatus(prob.RunFinishedError)
	StatusCanceled ExecutionStatus = ExecutionStatus(prob.RunFinishedCanceled)
	StatusTimeout  ExecutionStatus = ExecutionStatus(prob.RunFinishedTimeout)
)

// Statuses lists all execution statuses in lifecycle order
var Statuses = []ExecutionStatus{StatusPending, StatusRunning, StatusSuccess, StatusFailed, StatusErrored, StatusCanceled, StatusTimeout}

// IsFinal is true for statuses that can no longer change
func (s ExecutionStatus) IsFinal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusErrored, StatusCanceled, StatusTimeout:
		return true
	}
	return false
}

func StatusOf(status prob.RunStatus) ExecutionStatus {
	if !status.IsFinal() {
		return StatusErrored
	}
	return ExecutionStatus(status)
}

type LogLevel string

const (
	LevelDebug   LogLevel = "debug"
	LevelInfo    LogLevel = "info"
	LevelWarning LogLevel = "warning"
	LevelError   LogLevel = "error"
)

var levelRank = map[LogLevel]int{LevelDebug: 0, LevelInfo: 1, LevelWarning: 2, LevelError: 3}

// ParseLogLevel accepts known levels, `warn` included. Empty value is debug.
func ParseLogLevel(value string) (LogLevel, bool) {
	switch value {
	case "":
		return LevelDebug, true
	case "warn":
		return LevelWarning, true
	}
	level := LogLevel(value)
	_, ok := levelRank[level]
	return level, ok
}

// AtLeast lists the level and all more severe levels
func (l LogLevel) AtLeast() []LogLevel {
	rank, ok := levelRank[l]
	if !ok {
		return nil
	}

	var result []LogLevel
	for _, level := range []LogLevel{LevelDebug, LevelInfo, LevelWarning, LevelError} {
		if levelRank[level] >= rank {
			result = append(result, level)
		}
	}
	return result
}

type Model struct {
	ID        wyrd.ResourceID `gorm:"primarykey" json:"id" yaml:"id"`
	CreatedAt time.Time       `json:"createdAt" yaml:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt" yaml:"updatedAt"`
}

// Task is a stored prob together with the schedule and environment to run it with
type Task struct {
	Model     `json:",inline" yaml:",inline"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-" yaml:"-"`

	Name        string      `gorm:"index" json:"name" yaml:"name"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	Labels      wyrd.Labels `gorm:"type:text" json:"labels,omitempty" yaml:"labels,omitempty"`

	Kind    prob.Kind `gorm:"index" json:"kind" yaml:"kind"`
	Enabled bool      `json:"enabled" yaml:"enabled"`
	// Cron expression. Empty means the task only runs when triggered.
	Schedule string `json:"schedule,omitempty" yaml:"schedule,omitempty"`

	// Primary domain of browser tasks
	Domain    string `json:"domain,omitempty" yaml:"domain,omitempty"`
	Exclusive bool   `json:"exclusive,omitempty" yaml:"exclusive,omitempty"`

	Timeout    time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	MaxRetries int           `json:"maxRetries,omitempty" yaml:"maxRetries,omitempty"`

	Prob prob.Manifest     `gorm:"type:text;serializer:json" json:"prob" yaml:"prob"`
	Env  map[string]string `gorm:"type:text;serializer:json" json:"env,omitempty" yaml:"env,omitempty"`

	LastRunAt *time.Time `json:"lastRunAt,omitempty" yaml:"lastRunAt,omitempty"`
}

// TaskLabel is a row of the label index used by label selector searches
type TaskLabel struct {
	ID      uint            `gorm:"primarykey"`
	OwnerID wyrd.ResourceID `gorm:"index"`
	Name    string          `gorm:"index:idx_label_kv"`
	Value   string          `gorm:"index:idx_label_kv"`
}

// Execution is a single run of a task
type Execution struct {
	Model `json:",inline" yaml:",inline"`

	TaskID   wyrd.ResourceID `gorm:"index" json:"taskId" yaml:"taskId"`
	TaskName string          `json:"taskName" yaml:"taskName"`
	Kind     prob.Kind       `json:"kind" yaml:"kind"`

	Status ExecutionStatus `gorm:"index" json:"status" yaml:"status"`
	// What started the run: manual or schedule
	Trigger string `json:"trigger,omitempty" yaml:"trigger,omitempty"`
	JobID   string `json:"jobId,omitempty" yaml:"jobId,omitempty"`

	StartedAt  *time.Time    `json:"startedAt,omitempty" yaml:"startedAt,omitempty"`
	FinishedAt *time.Time    `json:"finishedAt,omitempty" yaml:"finishedAt,omitempty"`
	Duration   time.Duration `json:"duration,omitempty" yaml:"duration,omitempty"`

	Worker          string `json:"worker,omitempty" yaml:"worker,omitempty"`
	BrowserInstance string `json:"browserInstance,omitempty" yaml:"browserInstance,omitempty"`
	Error           string `json:"error,omitempty" yaml:"error,omitempty"`
}

// LogEntry is a line of an execution log
type LogEntry struct {
	ID          uint              `gorm:"primarykey" json:"id" yaml:"id"`
	ExecutionID wyrd.ResourceID   `gorm:"index" json:"executionId" yaml:"executionId"`
	Time        time.Time         `gorm:"index" json:"time" yaml:"time"`
	Level       LogLevel          `gorm:"index" json:"level" yaml:"level"`
	Message     string            `json:"message" yaml:"message"`
	Context     map[string]string `gorm:"type:text;serializer:json" json:"context,omitempty" yaml:"context,omitempty"`

	// Artifact the line refers to, i.e. a screenshot
	ArtifactID *wyrd.ResourceID `json:"artifactId,omitempty" yaml:"artifactId,omitempty"`
}

// Artifact is a file produced by an execution
type Artifact struct {
	Model `json:",inline" yaml:",inline"`

	ExecutionID wyrd.ResourceID `gorm:"index" json:"executionId" yaml:"executionId"`
	Rel         string          `gorm:"index" json:"rel" yaml:"rel"`
	MimeType    string          `json:"mimeType" yaml:"mimeType"`
	Size        int             `json:"size" yaml:"size"`
	Content     []byte          `json:"content,omitempty" yaml:"content,omitempty"`
}

// StoredCookie is an encrypted set of cookies of an account on a domain
type StoredCookie struct {
	Model `json:",inline" yaml:",inline"`

	Domain     string    `gorm:"uniqueIndex:idx_cookie_owner" json:"domain" yaml:"domain"`
	Account    string    `gorm:"uniqueIndex:idx_cookie_owner" json:"account" yaml:"account"`
	Payload    []byte    `json:"-" yaml:"-"`
	ExpiresAt  time.Time `gorm:"index" json:"expiresAt" yaml:"expiresAt"`
	LastUsedAt time.Time `json:"lastUsedAt" yaml:"lastUsedAt"`
	Valid      bool      `json:"valid" yaml:"valid"`
}

// Models lists everything that needs a table
func Models() []any {
	return []any{&Task{}, &TaskLabel{}, &Execution{}, &LogEntry{}, &Artifact{}, &StoredCookie{}}
}
