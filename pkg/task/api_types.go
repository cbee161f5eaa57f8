package task

import (
	"fmt"
	"time"

	"github.com/sre-norns/verdandi/pkg/prob"
	"github.com/sre-norns/verdandi/pkg/wyrd"
)

type (
	Pagination struct {
		Offset uint `uri:"offset" form:"offset" json:"offset" yaml:"offset" xml:"offset"`
		Limit  uint `uri:"limit" form:"limit" json:"limit" yaml:"limit" xml:"limit"`
	}

	// SearchQuery selects tasks by a k8s style label selector, i.e. `team=web,env!=dev`
	SearchQuery struct {
		Pagination `uri:",inline" form:",inline"`
		Labels     string `uri:"labels" form:"labels" json:"labels,omitempty" yaml:"labels,omitempty" xml:"labels"`

		Kind    prob.Kind `form:"kind" json:"kind,omitempty" yaml:"kind,omitempty"`
		Enabled *bool     `form:"enabled" json:"enabled,omitempty" yaml:"enabled,omitempty"`
		// Case insensitive substring of the name
		Name string `form:"name" json:"name,omitempty" yaml:"name,omitempty"`
	}

	ExecutionQuery struct {
		Pagination `uri:",inline" form:",inline"`

		TaskID wyrd.ResourceID `form:"taskId" json:"taskId,omitempty" yaml:"taskId,omitempty"`
		Status ExecutionStatus `form:"status" json:"status,omitempty" yaml:"status,omitempty"`
		Since  *time.Time      `form:"since" time_format:"unix" json:"since,omitempty" yaml:"since,omitempty"`
	}

	LogQuery struct {
		Pagination `uri:",inline" form:",inline"`

		ExecutionID wyrd.ResourceID `json:"executionId" yaml:"executionId"`
		// Minimal level of entries to return
		Level LogLevel `form:"level" json:"level,omitempty" yaml:"level,omitempty"`
		// Only entries with a larger id, used to follow a log
		AfterID uint `form:"after" json:"after,omitempty" yaml:"after,omitempty"`
		Search  string `form:"q" json:"q,omitempty" yaml:"q,omitempty"`
	}

	ResourceRequest struct {
		ID wyrd.ResourceID `uri:"id" form:"id" binding:"required"`
	}

	PaginatedResponse[T any] struct {
		Pagination `form:",inline" json:",inline" yaml:",inline"`

		Count int `form:"count" json:"count" yaml:"count" xml:"count"`
		Data  []T `form:"data" json:"data" yaml:"data" xml:"data"`
	}

	ErrorResponse struct {
		Code    int    `json:"code" yaml:"code" xml:"code"`
		Message string `json:"message" yaml:"message" xml:"message"`
	}

	// TaskRequest creates or replaces a task
	TaskRequest struct {
		Name        string      `form:"name" json:"name" yaml:"name" binding:"required"`
		Description string      `form:"description" json:"description,omitempty" yaml:"description,omitempty"`
		Labels      wyrd.Labels `form:"labels" json:"labels,omitempty" yaml:"labels,omitempty"`

		Enabled  bool   `form:"enabled" json:"enabled" yaml:"enabled"`
		Schedule string `form:"schedule" json:"schedule,omitempty" yaml:"schedule,omitempty"`

		Domain    string `form:"domain" json:"domain,omitempty" yaml:"domain,omitempty"`
		Exclusive bool   `form:"exclusive" json:"exclusive,omitempty" yaml:"exclusive,omitempty"`

		Timeout    time.Duration `form:"timeout" json:"timeout,omitempty" yaml:"timeout,omitempty"`
		MaxRetries int           `form:"maxRetries" json:"maxRetries,omitempty" yaml:"maxRetries,omitempty"`

		Prob prob.Manifest     `json:"prob" yaml:"prob"`
		Env  map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	}

	TriggerRequest struct {
		// Variables overriding the task environment for this run only
		Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	}

	// BeginRequest is sent by a worker that picked up a job
	BeginRequest struct {
		Worker          string `json:"worker" yaml:"worker"`
		BrowserInstance string `json:"browserInstance,omitempty" yaml:"browserInstance,omitempty"`
	}

	// FinishRequest is sent by a worker once the run is over
	FinishRequest struct {
		Status    prob.RunStatus  `json:"status" yaml:"status" binding:"required"`
		Error     string          `json:"error,omitempty" yaml:"error,omitempty"`
		StartedAt *time.Time      `json:"startedAt,omitempty" yaml:"startedAt,omitempty"`
		Artifacts []prob.Artifact `json:"artifacts,omitempty" yaml:"artifacts,omitempty"`

		// Pooled browser the run was given, known only once the prob acquired it
		BrowserInstance string `json:"browserInstance,omitempty" yaml:"browserInstance,omitempty"`
	}

	// Stats summarise executions of one or all tasks
	Stats struct {
		Total       int                     `json:"total" yaml:"total"`
		ByStatus    map[ExecutionStatus]int `json:"byStatus" yaml:"byStatus"`
		AvgDuration time.Duration           `json:"avgDuration" yaml:"avgDuration"`
		SuccessRate float64                 `json:"successRate" yaml:"successRate"`
	}

	NextRunsResponse struct {
		Schedule string      `json:"schedule" yaml:"schedule"`
		Runs     []time.Time `json:"runs" yaml:"runs"`
	}
)

func NewErrorResponse(statusCode int, err error) ErrorResponse {
	return ErrorResponse{
		Code:    statusCode,
		Message: err.Error(),
	}
}

func NewPaginatedResponse[T any](data []T, paginationInfo Pagination) PaginatedResponse[T] {
	return PaginatedResponse[T]{
		Pagination: paginationInfo,
		Count:      len(data),
		Data:       data,
	}
}

// ClampLimit returns the pagination with limit in (0, maxLimit]
func (p Pagination) ClampLimit(maxLimit uint) Pagination {
	if p.Limit > maxLimit || p.Limit == 0 {
		p.Limit = maxLimit
	}
	return p
}

// ErrorResponse implements error interface
func (e *ErrorResponse) Error() string {
	return fmt.Sprintf("%v %s", e.Code, e.Message)
}

func (s Stats) Count(status ExecutionStatus) int {
	return s.ByStatus[status]
}
