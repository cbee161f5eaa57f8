package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/sre-norns/verdandi/pkg/prob"
	"github.com/sre-norns/verdandi/pkg/schedule"
	"github.com/sre-norns/verdandi/pkg/wyrd"
)

var (
	ErrInvalidTask       = fmt.Errorf("invalid task")
	ErrNoScheduler       = fmt.Errorf("no job scheduler configured")
	ErrNoSchedule        = fmt.Errorf("task has no schedule")
	ErrAlreadyFinished   = fmt.Errorf("execution has already finished")
	ErrInvalidTransition = fmt.Errorf("invalid execution status")
)

const (
	MaxNextRuns = 50

	duePageSize = 256
)

// LogSink receives log entries as they are stored, i.e. to stream them to viewers
type LogSink interface {
	Publish(entries []LogEntry)
	// Done tells that no more entries will be published for the execution
	Done(executionID wyrd.ResourceID)
}

// Canceler is implemented by schedulers able to stop a job that has been picked up
type Canceler interface {
	Cancel(ctx context.Context, jobID string) error
}

type Service struct {
	store     Store
	scheduler Scheduler
	logs      LogSink
	logger    log.Logger
	now       func() time.Time
}

type ServiceOption func(*Service)

func WithLogSink(sink LogSink) ServiceOption {
	return func(s *Service) {
		s.logs = sink
	}
}

func WithLogger(logger log.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.now = now
	}
}

func NewService(store Store, scheduler Scheduler, options ...ServiceOption) *Service {
	s := &Service{
		store:     store,
		scheduler: scheduler,
		logger:    log.NewNopLogger(),
		now:       time.Now,
	}
	for _, opt := range options {
		opt(s)
	}
	s.logger = log.With(s.logger, "component", "tasks")
	return s
}

func (s *Service) Scheduler() Scheduler {
	return s.scheduler
}

//------------------------------
/// Tasks
//------------------------------

// Validate checks the request and returns the task it describes
func (req TaskRequest) Validate() (Task, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return Task{}, fmt.Errorf("%w: name is required", ErrInvalidTask)
	}
	if req.Prob.Kind == "" {
		return Task{}, fmt.Errorf("%w: prob kind is required", ErrInvalidTask)
	}
	if _, err := prob.InstanceOf(req.Prob.Kind); err != nil {
		return Task{}, fmt.Errorf("%w: %w", ErrInvalidTask, err)
	}
	if req.Prob.Spec == nil {
		return Task{}, fmt.Errorf("%w: prob spec is required", ErrInvalidTask)
	}
	if _, generic := req.Prob.Spec.(map[string]any); generic {
		return Task{}, fmt.Errorf("%w: prob spec of %q was not recognized", ErrInvalidTask, req.Prob.Kind)
	}
	if req.Schedule != "" {
		if err := schedule.Validate(req.Schedule); err != nil {
			return Task{}, fmt.Errorf("%w: %w", ErrInvalidTask, err)
		}
	}
	if req.Timeout < 0 || req.MaxRetries < 0 {
		return Task{}, fmt.Errorf("%w: timeout and retries can not be negative", ErrInvalidTask)
	}

	return Task{
		Name:        name,
		Description: req.Description,
		Labels:      req.Labels,
		Kind:        req.Prob.Kind,
		Enabled:     req.Enabled,
		Schedule:    strings.TrimSpace(req.Schedule),
		Domain:      req.Domain,
		Exclusive:   req.Exclusive,
		Timeout:     req.Timeout,
		MaxRetries:  req.MaxRetries,
		Prob:        req.Prob,
		Env:         req.Env,
	}, nil
}

func (s *Service) CreateTask(ctx context.Context, req TaskRequest) (Task, error) {
	t, err := req.Validate()
	if err != nil {
		return Task{}, err
	}

	if err := s.store.CreateTask(ctx, &t); err != nil {
		return Task{}, err
	}

	level.Info(s.logger).Log("msg", "task created", "id", t.ID, "name", t.Name, "kind", t.Kind)
	return t, nil
}

func (s *Service) GetTask(ctx context.Context, id wyrd.ResourceID) (Task, bool, error) {
	return s.store.GetTask(ctx, id)
}

func (s *Service) ListTasks(ctx context.Context, query SearchQuery) ([]Task, error) {
	return s.store.FindTasks(ctx, query)
}

// UpdateTask replaces everything but the identity and run history of a task
func (s *Service) UpdateTask(ctx context.Context, id wyrd.ResourceID, req TaskRequest) (Task, bool, error) {
	existing, ok, err := s.store.GetTask(ctx, id)
	if err != nil || !ok {
		return Task{}, ok, err
	}

	t, err := req.Validate()
	if err != nil {
		return Task{}, true, err
	}
	t.Model = existing.Model
	t.LastRunAt = existing.LastRunAt

	ok, err = s.store.UpdateTask(ctx, &t)
	return t, ok, err
}

func (s *Service) DeleteTask(ctx context.Context, id wyrd.ResourceID) (bool, error) {
	return s.store.DeleteTask(ctx, id)
}

// ToggleTask flips the enabled flag of a task
func (s *Service) ToggleTask(ctx context.Context, id wyrd.ResourceID) (Task, bool, error) {
	t, ok, err := s.store.GetTask(ctx, id)
	if err != nil || !ok {
		return t, ok, err
	}

	t.Enabled = !t.Enabled
	ok, err = s.store.UpdateTask(ctx, &t)
	if err == nil {
		level.Info(s.logger).Log("msg", "task toggled", "id", t.ID, "enabled", t.Enabled)
	}
	return t, ok, err
}

// DuplicateTask creates a disabled copy of a task
func (s *Service) DuplicateTask(ctx context.Context, id wyrd.ResourceID) (Task, bool, error) {
	t, ok, err := s.store.GetTask(ctx, id)
	if err != nil || !ok {
		return t, ok, err
	}

	clone := t
	clone.Model = Model{}
	clone.Name = t.Name + " (copy)"
	clone.Enabled = false
	clone.LastRunAt = nil
	clone.Labels = wyrd.MergeLabels(t.Labels)
	if t.Env != nil {
		clone.Env = make(map[string]string, len(t.Env))
		for k, v := range t.Env {
			clone.Env[k] = v
		}
	}

	if err := s.store.CreateTask(ctx, &clone); err != nil {
		return Task{}, true, err
	}
	return clone, true, nil
}

// NextRuns lists upcoming scheduled runs of a task
func (s *Service) NextRuns(ctx context.Context, id wyrd.ResourceID, n int) (NextRunsResponse, bool, error) {
	t, ok, err := s.store.GetTask(ctx, id)
	if err != nil || !ok {
		return NextRunsResponse{}, ok, err
	}
	if t.Schedule == "" {
		return NextRunsResponse{}, true, ErrNoSchedule
	}

	if n <= 0 {
		n = 5
	}
	if n > MaxNextRuns {
		n = MaxNextRuns
	}

	runs, err := schedule.NextRuns(t.Schedule, s.now(), n)
	return NextRunsResponse{Schedule: t.Schedule, Runs: runs}, true, err
}

//------------------------------
/// Runs
//------------------------------

// Trigger creates a pending execution of the task and schedules a job for it
func (s *Service) Trigger(ctx context.Context, id wyrd.ResourceID, trigger string, req TriggerRequest) (Execution, bool, error) {
	t, ok, err := s.store.GetTask(ctx, id)
	if err != nil || !ok {
		return Execution{}, ok, err
	}

	exec, err := s.trigger(ctx, t, trigger, req)
	return exec, true, err
}

func (s *Service) trigger(ctx context.Context, t Task, trigger string, req TriggerRequest) (Execution, error) {
	if trigger == "" {
		trigger = TriggerManual
	}

	exec := Execution{
		TaskID:   t.ID,
		TaskName: t.Name,
		Kind:     t.Kind,
		Status:   StatusPending,
		Trigger:  trigger,
	}
	if err := s.store.CreateExecution(ctx, &exec); err != nil {
		return exec, err
	}

	now := s.now()
	t.LastRunAt = &now
	if _, err := s.store.UpdateTask(ctx, &t); err != nil {
		level.Warn(s.logger).Log("msg", "failed to record last run", "task", t.ID, "err", err)
	}

	if s.scheduler == nil {
		return exec, s.abort(ctx, &exec, ErrNoScheduler)
	}

	jobID, err := s.scheduler.Schedule(ctx, jobFor(t, exec, req.Env))
	if err != nil {
		return exec, s.abort(ctx, &exec, fmt.Errorf("failed to schedule job: %w", err))
	}

	exec.JobID = jobID
	if _, err := s.store.UpdateExecution(ctx, &exec); err != nil {
		return exec, err
	}

	level.Info(s.logger).Log("msg", "task triggered", "task", t.ID, "execution", exec.ID, "trigger", trigger, "job", jobID)
	return exec, nil
}

// abort marks an execution that could not be scheduled
func (s *Service) abort(ctx context.Context, exec *Execution, cause error) error {
	now := s.now()
	exec.Status = StatusErrored
	exec.Error = cause.Error()
	exec.FinishedAt = &now

	if _, err := s.store.UpdateExecution(ctx, exec); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// TriggerDue triggers all enabled tasks whose schedule is due at now
func (s *Service) TriggerDue(ctx context.Context, now time.Time) (int, error) {
	enabled := true
	query := SearchQuery{Enabled: &enabled, Pagination: Pagination{Limit: duePageSize}}

	var errs []error
	triggered := 0
	for {
		tasks, err := s.store.FindTasks(ctx, query)
		if err != nil {
			return triggered, err
		}

		for _, t := range tasks {
			if t.Schedule == "" {
				continue
			}
			due, err := schedule.IsDue(t.Schedule, t.LastRunAt, now)
			if err != nil {
				errs = append(errs, fmt.Errorf("task %v: %w", t.ID, err))
				continue
			}
			if !due {
				continue
			}
			if _, err := s.trigger(ctx, t, TriggerSchedule, TriggerRequest{}); err != nil {
				errs = append(errs, fmt.Errorf("task %v: %w", t.ID, err))
				continue
			}
			triggered++
		}

		if len(tasks) < int(query.Limit) {
			break
		}
		query.Offset += query.Limit
	}

	return triggered, errors.Join(errs...)
}

func (s *Service) GetExecution(ctx context.Context, id wyrd.ResourceID) (Execution, bool, error) {
	return s.store.GetExecution(ctx, id)
}

func (s *Service) ListExecutions(ctx context.Context, query ExecutionQuery) ([]Execution, error) {
	return s.store.FindExecutions(ctx, query)
}

// Begin marks an execution as picked up by a worker. A retried job may begin a running execution again.
func (s *Service) Begin(ctx context.Context, id wyrd.ResourceID, req BeginRequest) (Execution, bool, error) {
	exec, ok, err := s.store.GetExecution(ctx, id)
	if err != nil || !ok {
		return exec, ok, err
	}
	if exec.Status.IsFinal() {
		return exec, true, fmt.Errorf("%w: %v is %s", ErrAlreadyFinished, id, exec.Status)
	}

	now := s.now()
	exec.Status = StatusRunning
	exec.StartedAt = &now
	exec.Worker = req.Worker
	exec.BrowserInstance = req.BrowserInstance

	ok, err = s.store.UpdateExecution(ctx, &exec)
	if err == nil {
		level.Debug(s.logger).Log("msg", "execution started", "execution", id, "worker", req.Worker)
	}
	return exec, ok, err
}

// Finish records the outcome of an execution together with its artifacts
func (s *Service) Finish(ctx context.Context, id wyrd.ResourceID, req FinishRequest) (Execution, bool, error) {
	exec, ok, err := s.store.GetExecution(ctx, id)
	if err != nil || !ok {
		return exec, ok, err
	}
	if exec.Status.IsFinal() {
		return exec, true, fmt.Errorf("%w: %v is %s", ErrAlreadyFinished, id, exec.Status)
	}
	if !req.Status.IsFinal() {
		return exec, true, fmt.Errorf("%w: %q is not a final status", ErrInvalidTransition, req.Status)
	}

	now := s.now()
	if req.StartedAt != nil {
		exec.StartedAt = req.StartedAt
	} else if exec.StartedAt == nil {
		exec.StartedAt = &now
	}
	exec.FinishedAt = &now
	exec.Duration = now.Sub(*exec.StartedAt)
	exec.Status = StatusOf(req.Status)
	exec.Error = req.Error
	if req.BrowserInstance != "" {
		exec.BrowserInstance = req.BrowserInstance
	}

	if len(req.Artifacts) > 0 {
		artifacts := make([]Artifact, 0, len(req.Artifacts))
		for _, a := range req.Artifacts {
			artifacts = append(artifacts, Artifact{
				ExecutionID: id,
				Rel:         a.Rel,
				MimeType:    a.MimeType,
				Size:        len(a.Content),
				Content:     a.Content,
			})
		}
		if err := s.store.CreateArtifacts(ctx, artifacts); err != nil {
			return exec, true, fmt.Errorf("failed to store artifacts: %w", err)
		}
	}

	ok, err = s.store.UpdateExecution(ctx, &exec)
	if err != nil {
		return exec, ok, err
	}

	if s.logs != nil {
		s.logs.Done(id)
	}
	level.Info(s.logger).Log("msg", "execution finished", "execution", id, "status", exec.Status, "took", exec.Duration, "artifacts", len(req.Artifacts))
	return exec, ok, nil
}

// Cancel stops a pending or running execution
func (s *Service) Cancel(ctx context.Context, id wyrd.ResourceID) (Execution, bool, error) {
	exec, ok, err := s.store.GetExecution(ctx, id)
	if err != nil || !ok {
		return exec, ok, err
	}
	if exec.Status.IsFinal() {
		return exec, true, fmt.Errorf("%w: %v is %s", ErrAlreadyFinished, id, exec.Status)
	}

	if canceler, ok := s.scheduler.(Canceler); ok && exec.JobID != "" {
		if err := canceler.Cancel(ctx, exec.JobID); err != nil {
			level.Warn(s.logger).Log("msg", "failed to cancel job", "execution", id, "job", exec.JobID, "err", err)
		}
	}

	now := s.now()
	exec.Status = StatusCanceled
	exec.FinishedAt = &now
	if exec.StartedAt != nil {
		exec.Duration = now.Sub(*exec.StartedAt)
	}

	ok, err = s.store.UpdateExecution(ctx, &exec)
	if err == nil && s.logs != nil {
		s.logs.Done(id)
	}
	return exec, ok, err
}

// PurgeExecutions removes executions created before a time together with their logs and artifacts
func (s *Service) PurgeExecutions(ctx context.Context, before time.Time) (int, error) {
	return s.store.DeleteExecutionsBefore(ctx, before)
}

// Stats summarises executions of a task, or all tasks for zero id
func (s *Service) Stats(ctx context.Context, taskID wyrd.ResourceID, since time.Time) (Stats, error) {
	return s.store.ExecutionStats(ctx, taskID, since)
}

//------------------------------
/// Logs and artifacts
//------------------------------

// AppendLog adds entries to the log of an execution
func (s *Service) AppendLog(ctx context.Context, id wyrd.ResourceID, entries []LogEntry) (bool, error) {
	if _, ok, err := s.store.GetExecution(ctx, id); err != nil || !ok {
		return ok, err
	}
	if len(entries) == 0 {
		return true, nil
	}

	now := s.now()
	for i := range entries {
		entries[i].ID = 0
		entries[i].ExecutionID = id
		if entries[i].Time.IsZero() {
			entries[i].Time = now
		}
		lvl, ok := ParseLogLevel(string(entries[i].Level))
		if !ok || entries[i].Level == "" {
			lvl = LevelInfo
		}
		entries[i].Level = lvl
	}

	if err := s.store.AppendLogs(ctx, entries); err != nil {
		return true, err
	}
	if s.logs != nil {
		s.logs.Publish(entries)
	}
	return true, nil
}

func (s *Service) ListLogs(ctx context.Context, query LogQuery) ([]LogEntry, error) {
	if query.Level != "" {
		if _, ok := ParseLogLevel(string(query.Level)); !ok {
			return nil, fmt.Errorf("unknown log level %q", query.Level)
		}
	}
	return s.store.FindLogs(ctx, query)
}

func (s *Service) ListArtifacts(ctx context.Context, executionID wyrd.ResourceID) ([]Artifact, error) {
	return s.store.FindArtifacts(ctx, executionID)
}

func (s *Service) GetArtifact(ctx context.Context, id wyrd.ResourceID) (Artifact, bool, error) {
	return s.store.GetArtifact(ctx, id)
}
