package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sre-norns/verdandi/pkg/prob"
	"github.com/sre-norns/verdandi/pkg/wyrd"
)

var (
	ErrNoKind   = fmt.Errorf("no prob kind specified")
	ErrNoSpec   = fmt.Errorf("prob spec is empty")
	ErrNotFound = fmt.Errorf("unsupported prob kind")
)

// Result of a single run
type Result struct {
	Status    prob.RunStatus
	Artifacts []prob.Artifact
	Started   time.Time
	Finished  time.Time
}

func (r Result) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

type playConfig struct {
	timeout time.Duration
	metrics RegistryOptions
}

type PlayOption func(*playConfig)

// WithTimeout caps the run duration. The manifest timeout applies when it is shorter.
func WithTimeout(d time.Duration) PlayOption {
	return func(c *playConfig) {
		c.timeout = d
	}
}

func WithMetrics(opts RegistryOptions) PlayOption {
	return func(c *playConfig) {
		c.metrics = opts
	}
}

func effectiveTimeout(limit, requested time.Duration) time.Duration {
	switch {
	case limit <= 0:
		return requested
	case requested <= 0:
		return limit
	case requested < limit:
		return requested
	default:
		return limit
	}
}

// Play runs a manifest through the prober registered for its kind.
// The returned result always carries the run log as the last artifact.
func Play(ctx context.Context, manifest prob.Manifest, options prob.RunOptions, runLog *RunLog, opts ...PlayOption) (Result, error) {
	var cfg playConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if runLog == nil {
		runLog = NewRunLog(nil)
	}
	logger := runLog.Logger()

	result := Result{
		Status:  prob.RunFinishedError,
		Started: time.Now(),
	}
	finish := func(err error) (Result, error) {
		result.Finished = time.Now()
		result.Artifacts = append(result.Artifacts, runLog.ToArtifact())
		return result, err
	}

	if manifest.Kind == "" {
		level.Error(logger).Log("msg", "refusing to run", "err", ErrNoKind)
		return finish(ErrNoKind)
	}

	run, ok := prob.FindRunFunc(manifest.Kind)
	if !ok {
		err := fmt.Errorf("%w: %q", ErrNotFound, manifest.Kind)
		level.Error(logger).Log("msg", "refusing to run", "err", err)
		return finish(err)
	}

	if manifest.Spec == nil {
		level.Error(logger).Log("msg", "refusing to run", "kind", manifest.Kind, "err", ErrNoSpec)
		return finish(ErrNoSpec)
	}
	if _, generic := manifest.Spec.(map[string]any); generic {
		err := fmt.Errorf("%w: %q", wyrd.ErrUnexpectedSpecType, manifest.Kind)
		level.Error(logger).Log("msg", "refusing to run", "kind", manifest.Kind, "err", err)
		return finish(err)
	}

	runCtx := ctx
	if timeout := effectiveTimeout(cfg.timeout, manifest.Timeout); timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
		level.Debug(logger).Log("msg", "run started", "kind", manifest.Kind, "timeout", timeout)
	} else {
		level.Debug(logger).Log("msg", "run started", "kind", manifest.Kind)
	}

	registry := prometheus.NewRegistry()
	status, artifacts, err := run(runCtx, manifest.Spec, options, registry, logger)
	result.Artifacts = append(result.Artifacts, artifacts...)

	if status != prob.RunFinishedSuccess {
		switch {
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			status = prob.RunFinishedTimeout
		case errors.Is(runCtx.Err(), context.Canceled):
			status = prob.RunFinishedCanceled
		case status == prob.RunNotFinished:
			status = prob.RunFinishedError
		}
	}
	result.Status = status

	if metrics, ok, merr := MetricsArtifact(registry, cfg.metrics); merr != nil {
		level.Warn(logger).Log("msg", "failed to export run metrics", "err", merr)
	} else if ok {
		result.Artifacts = append(result.Artifacts, metrics)
	}

	if err != nil {
		level.Error(logger).Log("msg", "run finished", "status", status, "err", err)
	} else {
		level.Info(logger).Log("msg", "run finished", "status", status, "took", time.Since(result.Started))
	}

	return finish(err)
}
