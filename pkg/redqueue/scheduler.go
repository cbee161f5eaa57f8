package redqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sre-norns/verdandi/pkg/prob"
	browserprob "github.com/sre-norns/verdandi/pkg/probers/browser"
	"github.com/sre-norns/verdandi/pkg/task"
)

const (
	TaskType = task.RunTaskTopicName

	QueueBrowser = "browser"
	QueueDefault = "default"
)

// Time a worker gets on top of the job timeout to report results
const timeoutGrace = 30 * time.Second

var ErrInvalidJobSpec = fmt.Errorf("job spec is nil")

// Queues lists queues served by workers with their priorities
func Queues() map[string]int {
	return map[string]int{
		QueueBrowser: 6,
		QueueDefault: 3,
	}
}

// QueueFor picks a queue for a prob kind: browser jobs are heavy and get a queue of their own
func QueueFor(kind prob.Kind) string {
	if kind == browserprob.Kind {
		return QueueBrowser
	}
	return QueueDefault
}

func UnmarshalJob(msg *asynq.Task) (task.Job, error) {
	return task.UnmarshalJob(msg.Payload())
}

func MarshalJob(job task.Job) (*asynq.Task, error) {
	data, err := task.MarshalJob(job)
	if err != nil {
		return nil, err
	}

	return asynq.NewTask(TaskType, data, jobOptions(job)...), nil
}

func jobID(job task.Job) string {
	return fmt.Sprintf("execution-%v", job.ExecutionID)
}

func jobOptions(job task.Job) []asynq.Option {
	options := []asynq.Option{
		asynq.TaskID(jobID(job)),
		asynq.Queue(QueueFor(job.Prob.Kind)),
		asynq.MaxRetry(job.MaxRetries),
	}

	timeout := job.Timeout
	if job.Prob.Timeout > 0 && (timeout == 0 || job.Prob.Timeout < timeout) {
		timeout = job.Prob.Timeout
	}
	if timeout > 0 {
		options = append(options, asynq.Timeout(timeout+timeoutGrace))
	}

	return options
}

// NewScheduler creates a task.Scheduler that enqueues jobs into redis for workers to pick up
func NewScheduler(redisAddr string, registry prometheus.Registerer, logger log.Logger) (task.Scheduler, error) {
	redisOpt := asynq.RedisClientOpt{Addr: redisAddr}

	s := &asynqScheduler{
		client:    asynq.NewClient(redisOpt),
		inspector: asynq.NewInspector(redisOpt),
		logger:    log.With(logger, "component", "scheduler"),
		scheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "verdandi_jobs_scheduled_total",
			Help: "Number of jobs published to the queue",
		}, []string{"queue"}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "verdandi_jobs_schedule_errors_total",
			Help: "Number of jobs that failed to be published",
		}),
	}

	if registry != nil {
		if err := errors.Join(registry.Register(s.scheduled), registry.Register(s.errors)); err != nil {
			return nil, errors.Join(err, s.Close())
		}
	}

	return s, nil
}

type asynqScheduler struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	logger    log.Logger

	scheduled *prometheus.CounterVec
	errors    prometheus.Counter
}

func (s *asynqScheduler) Close() error {
	if s == nil || s.client == nil {
		return nil
	}

	return errors.Join(s.client.Close(), s.inspector.Close())
}

func (s *asynqScheduler) Schedule(ctx context.Context, job task.Job) (string, error) {
	if job.Prob.Spec == nil {
		return "", fmt.Errorf("can't schedule job: %w", ErrInvalidJobSpec)
	}

	msg, err := MarshalJob(job)
	if err != nil {
		level.Warn(s.logger).Log("msg", "failed to marshal job", "execution", job.ExecutionID, "err", err)
		s.errors.Inc()
		return "", err
	}

	info, err := s.client.EnqueueContext(ctx, msg)
	if err != nil {
		level.Warn(s.logger).Log("msg", "failed to publish job", "execution", job.ExecutionID, "err", err)
		s.errors.Inc()
		return "", err
	}

	s.scheduled.WithLabelValues(info.Queue).Inc()
	level.Debug(s.logger).Log("msg", "published job", "id", info.ID, "queue", info.Queue, "execution", job.ExecutionID)
	return info.ID, nil
}

// Cancel removes a job still waiting in a queue and signals workers to stop it if it is being processed
func (s *asynqScheduler) Cancel(ctx context.Context, jobID string) error {
	for queue := range Queues() {
		err := s.inspector.DeleteTask(queue, jobID)
		if err == nil {
			level.Debug(s.logger).Log("msg", "deleted queued job", "id", jobID, "queue", queue)
			return nil
		}
		if !errors.Is(err, asynq.ErrTaskNotFound) && !errors.Is(err, asynq.ErrQueueNotFound) {
			level.Debug(s.logger).Log("msg", "job is not deletable", "id", jobID, "queue", queue, "err", err)
		}
	}

	return s.inspector.CancelProcessing(jobID)
}
