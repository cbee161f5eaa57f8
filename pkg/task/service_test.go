package task_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sre-norns/verdandi/pkg/dbstore"
	httpparser "github.com/sre-norns/verdandi/pkg/http-parser"
	"github.com/sre-norns/verdandi/pkg/prob"
	"github.com/sre-norns/verdandi/pkg/probers/api"
	"github.com/sre-norns/verdandi/pkg/task"
	"github.com/sre-norns/verdandi/pkg/wyrd"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fakeScheduler struct {
	mu       sync.Mutex
	jobs     []task.Job
	canceled []string
	err      error
}

func (s *fakeScheduler) Close() error { return nil }

func (s *fakeScheduler) Schedule(_ context.Context, job task.Job) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.jobs = append(s.jobs, job)
	return fmt.Sprintf("job-%d", len(s.jobs)), nil
}

func (s *fakeScheduler) Cancel(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canceled = append(s.canceled, jobID)
	return nil
}

type fakeSink struct {
	published []task.LogEntry
	done      []wyrd.ResourceID
}

func (s *fakeSink) Publish(entries []task.LogEntry) { s.published = append(s.published, entries...) }
func (s *fakeSink) Done(id wyrd.ResourceID)         { s.done = append(s.done, id) }

type fixture struct {
	store     *dbstore.DbStore
	service   *task.Service
	scheduler *fakeScheduler
	sink      *fakeSink
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	store, err := dbstore.New(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{
		store:     store,
		scheduler: &fakeScheduler{},
		sink:      &fakeSink{},
		now:       time.Date(2024, time.March, 4, 10, 0, 0, 0, time.UTC),
	}
	f.service = task.NewService(store, f.scheduler, task.WithLogSink(f.sink), task.WithClock(func() time.Time { return f.now }))
	return f
}

func apiRequest(name string) task.TaskRequest {
	return task.TaskRequest{
		Name:    name,
		Labels:  wyrd.Labels{"team": "web"},
		Enabled: true,
		Prob: prob.Manifest{
			Kind: api.Kind,
			Spec: &api.Spec{Requests: []httpparser.Request{{Method: "GET", URL: "https://example.com/health"}}},
		},
		Env: map[string]string{"USER": "alice", "REGION": "eu"},
	}
}

func TestTaskRequestValidate(t *testing.T) {
	testCases := map[string]struct {
		given       func(r *task.TaskRequest)
		expectError bool
	}{
		"valid":            {given: func(r *task.TaskRequest) {}},
		"scheduled":        {given: func(r *task.TaskRequest) { r.Schedule = "*/5 * * * *" }},
		"no-name":          {given: func(r *task.TaskRequest) { r.Name = "  " }, expectError: true},
		"no-kind":          {given: func(r *task.TaskRequest) { r.Prob.Kind = "" }, expectError: true},
		"unknown-kind":     {given: func(r *task.TaskRequest) { r.Prob.Kind = "carrier-pigeon" }, expectError: true},
		"no-spec":          {given: func(r *task.TaskRequest) { r.Prob.Spec = nil }, expectError: true},
		"generic-spec":     {given: func(r *task.TaskRequest) { r.Prob.Spec = map[string]any{"url": "x"} }, expectError: true},
		"bad-schedule":     {given: func(r *task.TaskRequest) { r.Schedule = "every tuesday" }, expectError: true},
		"negative-timeout": {given: func(r *task.TaskRequest) { r.Timeout = -time.Second }, expectError: true},
		"negative-retries": {given: func(r *task.TaskRequest) { r.MaxRetries = -1 }, expectError: true},
	}

	for name, tc := range testCases {
		test := tc
		t.Run(name, func(t *testing.T) {
			req := apiRequest("check")
			test.given(&req)

			got, err := req.Validate()
			if test.expectError {
				require.ErrorIs(t, err, task.ErrInvalidTask)
				return
			}
			require.NoError(t, err)
			require.Equal(t, api.Kind, got.Kind)
		})
	}
}

func TestTaskLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	created, err := f.service.CreateTask(ctx, apiRequest(" health "))
	require.NoError(t, err)
	require.Equal(t, "health", created.Name)

	toggled, ok, err := f.service.ToggleTask(ctx, created.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, toggled.Enabled)

	copied, ok, err := f.service.DuplicateTask(ctx, created.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEqual(t, created.ID, copied.ID)
	require.Equal(t, "health (copy)", copied.Name)
	require.False(t, copied.Enabled)
	require.Equal(t, created.Env, copied.Env)

	req := apiRequest("health-v2")
	req.Schedule = "0 * * * *"
	updated, ok, err := f.service.UpdateTask(ctx, created.ID, req)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, created.ID, updated.ID)
	require.Equal(t, "health-v2", updated.Name)

	next, ok, err := f.service.NextRuns(ctx, created.ID, 3)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, next.Runs, 3)
	for i, expect := range []time.Time{
		time.Date(2024, time.March, 4, 11, 0, 0, 0, time.UTC),
		time.Date(2024, time.March, 4, 12, 0, 0, 0, time.UTC),
		time.Date(2024, time.March, 4, 13, 0, 0, 0, time.UTC),
	} {
		require.True(t, expect.Equal(next.Runs[i]), "run %d: %v", i, next.Runs[i])
	}

	_, ok, err = f.service.NextRuns(ctx, copied.ID, 3)
	require.True(t, ok)
	require.ErrorIs(t, err, task.ErrNoSchedule)

	_, ok, err = f.service.UpdateTask(ctx, 9999, req)
	require.NoError(t, err)
	require.False(t, ok)

	found, err := f.service.ListTasks(ctx, task.SearchQuery{Name: "copy"})
	require.NoError(t, err)
	require.Len(t, found, 1)

	ok, err = f.service.DeleteTask(ctx, copied.ID)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestTriggerAndFinish(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	created, err := f.service.CreateTask(ctx, apiRequest("health"))
	require.NoError(t, err)

	exec, ok, err := f.service.Trigger(ctx, created.ID, "", task.TriggerRequest{Env: map[string]string{"REGION": "us"}})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, task.StatusPending, exec.Status)
	require.Equal(t, task.TriggerManual, exec.Trigger)
	require.Equal(t, "job-1", exec.JobID)

	require.Len(t, f.scheduler.jobs, 1)
	job := f.scheduler.jobs[0]
	require.Equal(t, exec.ID, job.ExecutionID)
	require.Equal(t, map[string]string{"USER": "alice", "REGION": "us"}, job.Env)
	require.Equal(t, "web", job.Labels["team"])
	require.Equal(t, exec.ID.String(), job.Labels[task.LabelExecutionID])

	reloaded, _, err := f.service.GetTask(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, reloaded.LastRunAt)

	f.now = f.now.Add(time.Second)
	running, ok, err := f.service.Begin(ctx, exec.ID, task.BeginRequest{Worker: "worker-1", BrowserInstance: "b-1"})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, task.StatusRunning, running.Status)
	require.Equal(t, "worker-1", running.Worker)

	ok, err = f.service.AppendLog(ctx, exec.ID, []task.LogEntry{
		{Message: "request sent"},
		{Level: "warn", Message: "slow response"},
		{Level: "nonsense", Message: "odd level"},
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, f.sink.published, 3)
	require.Equal(t, task.LevelInfo, f.sink.published[0].Level)
	require.Equal(t, task.LevelWarning, f.sink.published[1].Level)
	require.Equal(t, task.LevelInfo, f.sink.published[2].Level)
	require.Equal(t, f.now, f.sink.published[0].Time)

	warnings, err := f.service.ListLogs(ctx, task.LogQuery{ExecutionID: exec.ID, Level: task.LevelWarning})
	require.NoError(t, err)
	require.Len(t, warnings, 1)

	_, err = f.service.ListLogs(ctx, task.LogQuery{ExecutionID: exec.ID, Level: "loud"})
	require.Error(t, err)

	ok, err = f.service.AppendLog(ctx, 9999, []task.LogEntry{{Message: "lost"}})
	require.NoError(t, err)
	require.False(t, ok)

	_, _, err = f.service.Finish(ctx, exec.ID, task.FinishRequest{Status: prob.RunNotFinished})
	require.ErrorIs(t, err, task.ErrInvalidTransition)

	f.now = f.now.Add(2 * time.Second)
	finished, ok, err := f.service.Finish(ctx, exec.ID, task.FinishRequest{
		Status:    prob.RunFinishedSuccess,
		Artifacts: []prob.Artifact{{Rel: "har", MimeType: "application/json", Content: []byte("{}")}},
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, task.StatusSuccess, finished.Status)
	require.Equal(t, 2*time.Second, finished.Duration)
	require.Equal(t, []wyrd.ResourceID{exec.ID}, f.sink.done)

	artifacts, err := f.service.ListArtifacts(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	require.Equal(t, 2, artifacts[0].Size)

	_, _, err = f.service.Finish(ctx, exec.ID, task.FinishRequest{Status: prob.RunFinishedFailed})
	require.ErrorIs(t, err, task.ErrAlreadyFinished)

	_, _, err = f.service.Begin(ctx, exec.ID, task.BeginRequest{Worker: "worker-2"})
	require.ErrorIs(t, err, task.ErrAlreadyFinished)

	stats, err := f.service.Stats(ctx, created.ID, time.Time{})
	require.NoError(t, err)
	require.Equal(t, 1, stats.Total)
	require.Equal(t, 1.0, stats.SuccessRate)
}

func TestTriggerFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("missing-task", func(t *testing.T) {
		f := newFixture(t)
		_, ok, err := f.service.Trigger(ctx, 42, task.TriggerManual, task.TriggerRequest{})
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("scheduler-error", func(t *testing.T) {
		f := newFixture(t)
		created, err := f.service.CreateTask(ctx, apiRequest("health"))
		require.NoError(t, err)

		f.scheduler.err = fmt.Errorf("redis is down")
		exec, ok, err := f.service.Trigger(ctx, created.ID, task.TriggerManual, task.TriggerRequest{})
		require.Error(t, err)
		require.True(t, ok)
		require.Equal(t, task.StatusErrored, exec.Status)

		stored, _, err := f.service.GetExecution(ctx, exec.ID)
		require.NoError(t, err)
		require.Equal(t, task.StatusErrored, stored.Status)
		require.Contains(t, stored.Error, "redis is down")
	})

	t.Run("no-scheduler", func(t *testing.T) {
		f := newFixture(t)
		local := task.NewService(f.store, nil)
		require.Nil(t, local.Scheduler())

		created, err := local.CreateTask(ctx, apiRequest("health"))
		require.NoError(t, err)

		exec, ok, err := local.Trigger(ctx, created.ID, task.TriggerManual, task.TriggerRequest{})
		require.ErrorIs(t, err, task.ErrNoScheduler)
		require.True(t, ok)
		require.Equal(t, task.StatusErrored, exec.Status)
		require.NotNil(t, exec.FinishedAt)
	})
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	created, err := f.service.CreateTask(ctx, apiRequest("health"))
	require.NoError(t, err)

	exec, _, err := f.service.Trigger(ctx, created.ID, task.TriggerManual, task.TriggerRequest{})
	require.NoError(t, err)

	canceled, ok, err := f.service.Cancel(ctx, exec.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, task.StatusCanceled, canceled.Status)
	require.Equal(t, []string{"job-1"}, f.scheduler.canceled)
	require.Equal(t, []wyrd.ResourceID{exec.ID}, f.sink.done)

	_, _, err = f.service.Cancel(ctx, exec.ID)
	require.ErrorIs(t, err, task.ErrAlreadyFinished)
}

func TestTriggerDue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	hourly := apiRequest("hourly")
	hourly.Schedule = "0 * * * *"
	_, err := f.service.CreateTask(ctx, hourly)
	require.NoError(t, err)

	nightly := apiRequest("nightly")
	nightly.Schedule = "0 3 * * *"
	_, err = f.service.CreateTask(ctx, nightly)
	require.NoError(t, err)

	disabled := apiRequest("disabled")
	disabled.Schedule = "* * * * *"
	disabled.Enabled = false
	_, err = f.service.CreateTask(ctx, disabled)
	require.NoError(t, err)

	_, err = f.service.CreateTask(ctx, apiRequest("manual"))
	require.NoError(t, err)

	// 10:00 matches the hourly schedule only
	n, err := f.service.TriggerDue(ctx, f.now)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, f.scheduler.jobs, 1)
	require.Equal(t, "hourly", f.scheduler.jobs[0].TaskName)
	require.Equal(t, task.TriggerSchedule, f.scheduler.jobs[0].Labels[task.LabelExecutionTrig])

	// Already ran this hour
	f.now = f.now.Add(30 * time.Second)
	n, err = f.service.TriggerDue(ctx, f.now)
	require.NoError(t, err)
	require.Zero(t, n)

	history, err := f.service.ListExecutions(ctx, task.ExecutionQuery{Status: task.StatusPending})
	require.NoError(t, err)
	require.Len(t, history, 1)
}
