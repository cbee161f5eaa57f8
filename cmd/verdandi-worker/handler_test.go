package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	httpparser "github.com/sre-norns/verdandi/pkg/http-parser"
	"github.com/sre-norns/verdandi/pkg/prob"
	"github.com/sre-norns/verdandi/pkg/probers/api"
	browserprob "github.com/sre-norns/verdandi/pkg/probers/browser"
	"github.com/sre-norns/verdandi/pkg/redqueue"
	"github.com/sre-norns/verdandi/pkg/runner"
	"github.com/sre-norns/verdandi/pkg/task"
	"github.com/sre-norns/verdandi/pkg/wyrd"
)

type fakeApi struct {
	mu        sync.Mutex
	beginErr  error
	finishErr error
	missing   bool

	begun    []string
	logs     []task.LogEntry
	finished []task.FinishRequest
}

func (a *fakeApi) Begin(_ context.Context, id wyrd.ResourceID, req task.BeginRequest) (task.Execution, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.beginErr != nil || a.missing {
		return task.Execution{}, !a.missing, a.beginErr
	}
	a.begun = append(a.begun, req.Worker)
	return task.Execution{Status: task.StatusRunning}, true, nil
}

func (a *fakeApi) Finish(_ context.Context, id wyrd.ResourceID, req task.FinishRequest) (task.Execution, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.finishErr != nil {
		return task.Execution{}, false, a.finishErr
	}
	a.finished = append(a.finished, req)
	return task.Execution{Status: task.StatusOf(req.Status)}, true, nil
}

func (a *fakeApi) AppendLogs(_ context.Context, id wyrd.ResourceID, entries []task.LogEntry) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, entries...)
	return true, nil
}

func apiJob(t *testing.T, url string, expectStatus int) *asynq.Task {
	t.Helper()
	msg, err := redqueue.MarshalJob(task.Job{
		ExecutionID: 7,
		TaskID:      3,
		TaskName:    "health",
		Prob: prob.Manifest{
			Kind: api.Kind,
			Spec: &api.Spec{Requests: []httpparser.Request{{Method: "GET", URL: url, ExpectStatus: expectStatus}}},
		},
	})
	require.NoError(t, err)
	return msg
}

func newHandler(fake *fakeApi) *jobHandler {
	return &jobHandler{
		name:        "test-worker",
		api:         fake,
		config:      runner.RunnerConfig{Timeout: time.Minute},
		logger:      log.NewNopLogger(),
		logBatch:    2,
		logInterval: 10 * time.Millisecond,
	}
}

func TestProcessTask(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	conflict := &task.ErrorResponse{Code: http.StatusConflict, Message: "already finished"}

	testCases := map[string]struct {
		api            *fakeApi
		expectStatus   int
		expectError    bool
		expectSkip     bool
		expectFinished prob.RunStatus
	}{
		"success": {
			api:            &fakeApi{},
			expectStatus:   http.StatusOK,
			expectFinished: prob.RunFinishedSuccess,
		},
		"unexpected-status": {
			api:            &fakeApi{},
			expectStatus:   http.StatusTeapot,
			expectFinished: prob.RunFinishedFailed,
		},
		"already-canceled": {
			api:          &fakeApi{beginErr: conflict},
			expectStatus: http.StatusOK,
		},
		"begin-unreachable": {
			api:          &fakeApi{beginErr: errors.New("connection refused")},
			expectStatus: http.StatusOK,
			expectError:  true,
		},
		"missing-execution": {
			api:          &fakeApi{missing: true},
			expectStatus: http.StatusOK,
			expectError:  true,
			expectSkip:   true,
		},
		"finished-elsewhere": {
			api:          &fakeApi{finishErr: conflict},
			expectStatus: http.StatusOK,
		},
	}

	for name, tc := range testCases {
		test := tc
		t.Run(name, func(t *testing.T) {
			err := newHandler(test.api).ProcessTask(context.Background(), apiJob(t, target.URL, test.expectStatus))
			if test.expectError {
				require.Error(t, err)
				require.Equal(t, test.expectSkip, errors.Is(err, asynq.SkipRetry))
				return
			}
			require.NoError(t, err)

			if test.expectFinished == "" {
				require.Empty(t, test.api.finished)
				return
			}
			require.Equal(t, []string{"test-worker"}, test.api.begun)
			require.Len(t, test.api.finished, 1)
			require.Equal(t, test.expectFinished, test.api.finished[0].Status)
			require.NotEmpty(t, test.api.logs)

			var rels []string
			for _, a := range test.api.finished[0].Artifacts {
				rels = append(rels, a.Rel)
			}
			require.Contains(t, rels, runner.LogRelType)
		})
	}
}

func TestProcessTask_BadPayload(t *testing.T) {
	fake := &fakeApi{}
	err := newHandler(fake).ProcessTask(context.Background(), asynq.NewTask(redqueue.TaskType, []byte("{not json")))
	require.ErrorIs(t, err, asynq.SkipRetry)
	require.Empty(t, fake.begun)
}

func TestApplyJobDefaults(t *testing.T) {
	testCases := map[string]struct {
		given    browserprob.Spec
		job      task.Job
		expected browserprob.Spec
	}{
		"inherits-domain": {
			given:    browserprob.Spec{},
			job:      task.Job{Domain: "example.com", Exclusive: true},
			expected: browserprob.Spec{Domain: "example.com", Exclusive: true},
		},
		"keeps-own-domain": {
			given:    browserprob.Spec{Domain: "shop.example.com"},
			job:      task.Job{Domain: "example.com"},
			expected: browserprob.Spec{Domain: "shop.example.com"},
		},
		"keeps-exclusive": {
			given:    browserprob.Spec{Exclusive: true},
			job:      task.Job{},
			expected: browserprob.Spec{Exclusive: true},
		},
	}

	for name, tc := range testCases {
		test := tc
		t.Run(name, func(t *testing.T) {
			spec := test.given
			job := test.job
			job.Prob = prob.Manifest{Kind: browserprob.Kind, Spec: &spec}

			applyJobDefaults(&job)
			require.Equal(t, test.expected, spec)
		})
	}
}

func TestJobTimeout(t *testing.T) {
	require.Equal(t, time.Minute, jobTimeout(time.Minute, 0))
	require.Equal(t, 10*time.Second, jobTimeout(time.Minute, 10*time.Second))
	require.Equal(t, time.Minute, jobTimeout(time.Minute, time.Hour))
	require.Equal(t, time.Hour, jobTimeout(0, time.Hour))
}

func TestLogShipper(t *testing.T) {
	fake := &fakeApi{}
	shipper := newLogShipper(fake, 7, 10, log.NewNopLogger())

	shipper.Add(runner.Entry{Level: "debug", Message: "acquired pooled browser", Context: map[string]string{"instance": "abc"}})
	shipper.Add(runner.Entry{Level: "warn", Message: "slow"})
	shipper.Add(runner.Entry{Level: "bogus", Message: "odd"})
	require.Empty(t, fake.logs)

	require.NoError(t, shipper.Flush(context.Background()))
	require.Len(t, fake.logs, 3)
	require.Equal(t, task.LevelDebug, fake.logs[0].Level)
	require.Equal(t, task.LevelWarning, fake.logs[1].Level)
	require.Equal(t, task.LevelInfo, fake.logs[2].Level)
	require.Equal(t, wyrd.ResourceID(7), fake.logs[0].ExecutionID)
	require.Equal(t, "abc", shipper.Instance())

	require.NoError(t, shipper.Flush(context.Background()))
	require.Len(t, fake.logs, 3)
}
