package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/martian/har"
	"github.com/prometheus/client_golang/prometheus"
	httpparser "github.com/sre-norns/verdandi/pkg/http-parser"
	"github.com/sre-norns/verdandi/pkg/prob"
)

const (
	Kind           = prob.Kind("api")
	ScriptMimeType = "application/http"

	HarRelType = "har"
)

var (
	ErrNoRequests = fmt.Errorf("api prob has no requests")
)

// Spec of an api prob. Requests may be listed, written as a .http script or replayed from a HAR recording.
type Spec struct {
	FollowRedirects bool `json:"followRedirects,omitempty" yaml:"followRedirects,omitempty"`

	Requests []httpparser.Request `json:"requests,omitempty" yaml:"requests,omitempty"`
	Script   string               `json:"script,omitempty" yaml:"script,omitempty"`
	Har      string               `json:"har,omitempty" yaml:"har,omitempty"`
}

// Resolve collects requests from all sources of the spec in order: list, script, HAR
func (s *Spec) Resolve() ([]httpparser.Request, error) {
	result := append([]httpparser.Request(nil), s.Requests...)

	if strings.TrimSpace(s.Script) != "" {
		requests, err := httpparser.Parse(strings.NewReader(s.Script))
		if err != nil {
			return nil, fmt.Errorf("failed to parse script: %w", err)
		}
		result = append(result, requests...)
	}

	if strings.TrimSpace(s.Har) != "" {
		recording, err := httpparser.UnmarshalHAR(strings.NewReader(s.Har))
		if err != nil {
			return nil, fmt.Errorf("failed to read HAR: %w", err)
		}
		requests, err := httpparser.FromHAR(recording.Log)
		if err != nil {
			return nil, err
		}
		result = append(result, requests...)
	}

	if len(result) == 0 {
		return nil, ErrNoRequests
	}
	return result, nil
}

func init() {
	moduleVersion := "devel"
	if bi, ok := debug.ReadBuildInfo(); ok {
		moduleVersion = strings.Trim(bi.Main.Version, "()")
	}

	// Ignore double registration error
	_ = prob.RegisterProbKind(
		Kind,
		&Spec{},
		prob.ProbRegistration{
			RunFunc:     RunScript,
			ContentType: ScriptMimeType,
			Version:     moduleVersion,
			Produce:     []string{HarRelType},
		})
}

func envLookup(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		value, ok := env[key]
		return value, ok
	}
}

type requestMetrics struct {
	duration *prometheus.HistogramVec
	phases   *prometheus.GaugeVec
}

func newRequestMetrics(registry *prometheus.Registry) *requestMetrics {
	m := &requestMetrics{
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "verdandi_api_request_duration_seconds",
			Help:    "Duration of api prob requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"request", "method", "code"}),
		phases: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "verdandi_api_request_phase_seconds",
			Help: "Duration of connection phases of the last api prob request",
		}, []string{"request", "phase"}),
	}
	if registry != nil {
		registry.MustRegister(m.duration, m.phases)
	}
	return m
}

func requestName(i int, req httpparser.Request) string {
	if req.Name != "" {
		return req.Name
	}
	return fmt.Sprintf("%d", i+1)
}

// RunRequests performs requests one after another, stopping at the first unexpected response
func RunRequests(ctx context.Context, requests []httpparser.Request, spec *Spec, options prob.RunOptions, registry *prometheus.Registry, logger log.Logger) (prob.RunStatus, []prob.Artifact, error) {
	harLogger := har.NewLogger()
	harLogger.SetOption(har.BodyLogging(options.Http.CaptureResponseBody))
	harLogger.SetOption(har.PostDataLogging(options.Http.CaptureRequestBody))

	client := &http.Client{}
	if !spec.FollowRedirects || options.Http.IgnoreRedirects {
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	metrics := newRequestMetrics(registry)
	tracer := newRequestTracer(logger)
	lookup := envLookup(options.Env)

	outcome := prob.RunFinishedSuccess
	for i, r := range requests {
		r = r.Expand(lookup)
		name := requestName(i, r)
		id := fmt.Sprintf("%d", i)

		req, err := r.Build(ctx)
		if err != nil {
			level.Error(logger).Log("msg", "invalid request", "request", name, "err", err)
			outcome = prob.RunFinishedError
			break
		}
		level.Info(logger).Log("msg", "sending request", "request", name, "n", i+1, "of", len(requests), "method", req.Method, "url", req.URL)

		if err := harLogger.RecordRequest(id, req); err != nil {
			level.Warn(logger).Log("msg", "failed to record request", "request", name, "err", err)
		}

		tracer.Reset()
		start := time.Now()
		res, err := client.Do(tracer.Trace(req))
		if err != nil {
			level.Error(logger).Log("msg", "request failed", "request", name, "err", err)
			outcome = prob.RunFinishedFailed
			break
		}
		took := time.Since(start)

		if err := harLogger.RecordResponse(id, res); err != nil {
			level.Warn(logger).Log("msg", "failed to record response", "request", name, "err", err)
		}
		if _, err := io.Copy(io.Discard, res.Body); err != nil {
			level.Warn(logger).Log("msg", "failed to read response body", "request", name, "err", err)
		}
		res.Body.Close()

		metrics.duration.WithLabelValues(name, req.Method, fmt.Sprintf("%d", res.StatusCode)).Observe(took.Seconds())
		for phase, d := range tracer.Phases() {
			metrics.phases.WithLabelValues(name, phase).Set(d.Seconds())
		}

		if !r.Accepts(res.StatusCode) {
			level.Error(logger).Log("msg", "unexpected response status", "request", name, "status", res.StatusCode, "expected", r.ExpectStatus)
			outcome = prob.RunFinishedFailed
			break
		}
		level.Info(logger).Log("msg", "response", "request", name, "status", res.StatusCode, "took", took)
	}

	harData, err := json.Marshal(harLogger.ExportAndReset())
	if err != nil {
		level.Error(logger).Log("msg", "failed to serialize HAR", "err", err)
		return outcome, nil, nil
	}

	return outcome,
		[]prob.Artifact{
			{
				Rel:      HarRelType,
				MimeType: "application/json",
				Content:  harData,
			},
		}, nil
}

func RunScript(ctx context.Context, probSpec any, config prob.RunOptions, registry *prometheus.Registry, logger log.Logger) (prob.RunStatus, []prob.Artifact, error) {
	spec, ok := probSpec.(*Spec)
	if !ok {
		return prob.RunFinishedError, nil, prob.UnexpectedSpec(probSpec, &Spec{})
	}

	requests, err := spec.Resolve()
	if err != nil {
		level.Error(logger).Log("msg", "invalid api prob", "kind", Kind, "err", err)
		return prob.RunFinishedError, nil, nil
	}

	level.Debug(logger).Log("msg", "running requests", "kind", Kind, "count", len(requests))
	return RunRequests(ctx, requests, spec, config, registry, logger)
}
