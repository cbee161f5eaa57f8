package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hibiken/asynq"

	"github.com/sre-norns/verdandi/pkg/prob"
	browserprob "github.com/sre-norns/verdandi/pkg/probers/browser"
	"github.com/sre-norns/verdandi/pkg/redqueue"
	"github.com/sre-norns/verdandi/pkg/runner"
	"github.com/sre-norns/verdandi/pkg/task"
	"github.com/sre-norns/verdandi/pkg/wyrd"
)

// executionsApi is the part of the API server a worker reports to
type executionsApi interface {
	Begin(ctx context.Context, id wyrd.ResourceID, req task.BeginRequest) (task.Execution, bool, error)
	Finish(ctx context.Context, id wyrd.ResourceID, req task.FinishRequest) (task.Execution, bool, error)
	AppendLogs(ctx context.Context, id wyrd.ResourceID, entries []task.LogEntry) (bool, error)
}

type jobHandler struct {
	name    string
	api     executionsApi
	config  runner.RunnerConfig
	logger  log.Logger
	options prob.RunOptions

	logBatch    int
	logInterval time.Duration
}

func isConflict(err error) bool {
	var apiErr *task.ErrorResponse
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusConflict
}

// applyJobDefaults fills browser spec placement from task level settings
func applyJobDefaults(job *task.Job) {
	spec, ok := job.Prob.Spec.(*browserprob.Spec)
	if !ok || spec == nil {
		return
	}
	if spec.Domain == "" {
		spec.Domain = job.Domain
	}
	if job.Exclusive {
		spec.Exclusive = true
	}
}

func jobTimeout(limit, requested time.Duration) time.Duration {
	if requested > 0 && (limit <= 0 || requested < limit) {
		return requested
	}
	return limit
}

func (h *jobHandler) runOptions(job task.Job) prob.RunOptions {
	options := h.options
	options.Env = make(map[string]string, len(h.options.Env)+len(job.Env))
	for k, v := range h.options.Env {
		options.Env[k] = v
	}
	for k, v := range job.Env {
		options.Env[k] = v
	}
	return options
}

// ProcessTask runs an execution and reports its result to the API server
func (h *jobHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	job, err := redqueue.UnmarshalJob(t)
	if err != nil {
		level.Error(h.logger).Log("msg", "failed to deserialize job", "err", err)
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	logger := log.With(h.logger, "execution", job.ExecutionID, "task", job.TaskName)
	level.Info(logger).Log("msg", "new job", "kind", job.Prob.Kind)

	_, exists, err := h.api.Begin(ctx, job.ExecutionID, task.BeginRequest{Worker: h.name})
	if isConflict(err) {
		level.Info(logger).Log("msg", "execution is already over, skipping")
		return nil
	}
	if err != nil {
		level.Warn(logger).Log("msg", "failed to begin execution", "err", err)
		return err
	}
	if !exists {
		level.Warn(logger).Log("msg", "execution does not exist, skipping")
		return fmt.Errorf("execution %v: %w", job.ExecutionID, asynq.SkipRetry)
	}

	// Results are reported even when the job context was canceled
	reportCtx := context.WithoutCancel(ctx)

	shipper := newLogShipper(h.api, job.ExecutionID, h.logBatch, logger)
	shipCtx, stopShipping := context.WithCancel(reportCtx)
	go shipper.Run(shipCtx, h.logInterval)

	applyJobDefaults(&job)
	runLog := runner.NewRunLog(logger, shipper.Add)
	result, runErr := runner.Play(ctx, job.Prob, h.runOptions(job), runLog,
		runner.WithTimeout(jobTimeout(h.config.Timeout, job.Timeout)),
		runner.WithMetrics(h.config.Metrics),
	)
	stopShipping()
	_ = shipper.Flush(reportCtx)

	req := task.FinishRequest{
		Status:          result.Status,
		StartedAt:       &result.Started,
		Artifacts:       result.Artifacts,
		BrowserInstance: shipper.Instance(),
	}
	if runErr != nil {
		req.Error = runErr.Error()
	}

	_, _, err = h.api.Finish(reportCtx, job.ExecutionID, req)
	if isConflict(err) {
		level.Info(logger).Log("msg", "execution was finished elsewhere", "status", result.Status)
		return nil
	}
	if err != nil {
		level.Error(logger).Log("msg", "failed to report results", "err", err)
		return err
	}

	level.Info(logger).Log("msg", "job completed", "status", result.Status, "duration", result.Duration())
	return nil
}
