package task

import (
	"context"
	"time"

	"github.com/sre-norns/verdandi/pkg/wyrd"
)

// Store persists tasks and their executions. Lookups report a missing record as false, nil.
type Store interface {
	CreateTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, id wyrd.ResourceID) (Task, bool, error)
	UpdateTask(ctx context.Context, t *Task) (bool, error)
	DeleteTask(ctx context.Context, id wyrd.ResourceID) (bool, error)
	FindTasks(ctx context.Context, query SearchQuery) ([]Task, error)

	CreateExecution(ctx context.Context, e *Execution) error
	GetExecution(ctx context.Context, id wyrd.ResourceID) (Execution, bool, error)
	UpdateExecution(ctx context.Context, e *Execution) (bool, error)
	FindExecutions(ctx context.Context, query ExecutionQuery) ([]Execution, error)
	// ExecutionStats counts executions of a task, or of all tasks for zero id, created since a time
	ExecutionStats(ctx context.Context, taskID wyrd.ResourceID, since time.Time) (Stats, error)
	DeleteExecutionsBefore(ctx context.Context, before time.Time) (int, error)

	AppendLogs(ctx context.Context, entries []LogEntry) error
	FindLogs(ctx context.Context, query LogQuery) ([]LogEntry, error)

	CreateArtifacts(ctx context.Context, artifacts []Artifact) error
	GetArtifact(ctx context.Context, id wyrd.ResourceID) (Artifact, bool, error)
	// FindArtifacts lists artifacts of an execution without their content
	FindArtifacts(ctx context.Context, executionID wyrd.ResourceID) ([]Artifact, error)
}
