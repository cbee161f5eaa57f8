package task

import (
	"encoding/json"
	"time"

	"github.com/sre-norns/verdandi/pkg/prob"
	"github.com/sre-norns/verdandi/pkg/wyrd"
)

// Job is a request for a worker to run an execution of a task
type Job struct {
	ExecutionID wyrd.ResourceID `json:"executionId" yaml:"executionId"`
	TaskID      wyrd.ResourceID `json:"taskId" yaml:"taskId"`
	TaskName    string          `json:"taskName" yaml:"taskName"`

	Labels wyrd.Labels `json:"labels,omitempty" yaml:"labels,omitempty"`

	Domain     string        `json:"domain,omitempty" yaml:"domain,omitempty"`
	Exclusive  bool          `json:"exclusive,omitempty" yaml:"exclusive,omitempty"`
	Timeout    time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	MaxRetries int           `json:"maxRetries,omitempty" yaml:"maxRetries,omitempty"`

	Prob prob.Manifest     `json:"prob" yaml:"prob"`
	Env  map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

func jobFor(t Task, exec Execution, env map[string]string) Job {
	merged := make(map[string]string, len(t.Env)+len(env))
	for k, v := range t.Env {
		merged[k] = v
	}
	for k, v := range env {
		merged[k] = v
	}

	return Job{
		ExecutionID: exec.ID,
		TaskID:      t.ID,
		TaskName:    t.Name,
		Labels: wyrd.MergeLabels(t.Labels, wyrd.Labels{
			LabelTaskName:      t.Name,
			LabelTaskID:        t.ID.String(),
			LabelTaskKind:      string(t.Kind),
			LabelExecutionID:   exec.ID.String(),
			LabelExecutionTrig: exec.Trigger,
		}),
		Domain:     t.Domain,
		Exclusive:  t.Exclusive,
		Timeout:    t.Timeout,
		MaxRetries: t.MaxRetries,
		Prob:       t.Prob,
		Env:        merged,
	}
}

func UnmarshalJob(data []byte) (result Job, err error) {
	err = json.Unmarshal(data, &result)
	return
}

func MarshalJob(job Job) ([]byte, error) {
	return json.Marshal(&job)
}
