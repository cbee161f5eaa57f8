package task

import (
	"context"
	"io"
)

const RunTaskTopicName = "task:run"

// Scheduler hands jobs over to workers
type Scheduler interface {
	io.Closer

	// Schedule enqueues a job and returns an id assigned to it by the transport
	Schedule(ctx context.Context, job Job) (string, error)
}
