package runner

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sre-norns/verdandi/pkg/prob"
	"github.com/stretchr/testify/require"
)

type testSpec struct {
	Mode string `json:"mode" yaml:"mode"`
}

const testKind = prob.Kind("runner-test")

func runTestSpec(ctx context.Context, spec any, _ prob.RunOptions, registry *prometheus.Registry, logger log.Logger) (prob.RunStatus, []prob.Artifact, error) {
	s, ok := spec.(*testSpec)
	if !ok {
		return prob.RunFinishedError, nil, prob.UnexpectedSpec(spec, &testSpec{})
	}

	level.Info(logger).Log("msg", "playing", "mode", s.Mode)
	switch s.Mode {
	case "pass":
		counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_steps_total"})
		registry.MustRegister(counter)
		counter.Inc()
		return prob.RunFinishedSuccess, []prob.Artifact{{Rel: "note", MimeType: "text/plain", Content: []byte("ok")}}, nil
	case "fail":
		return prob.RunFinishedFailed, nil, nil
	case "block":
		<-ctx.Done()
		return prob.RunFinishedError, nil, ctx.Err()
	case "broken":
		return prob.RunNotFinished, nil, fmt.Errorf("broken")
	}
	return prob.RunFinishedError, nil, nil
}

func TestMain(m *testing.M) {
	_ = prob.RegisterProbKind(testKind, &testSpec{}, prob.ProbRegistration{RunFunc: runTestSpec})
	m.Run()
}

func rels(artifacts []prob.Artifact) []string {
	result := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		result = append(result, a.Rel)
	}
	return result
}

func TestPlay(t *testing.T) {
	testCases := map[string]struct {
		given        prob.Manifest
		opts         []PlayOption
		cancel       bool
		expectStatus prob.RunStatus
		expectRels   []string
		expectError  bool
	}{
		"no-kind": {
			given:        prob.Manifest{Spec: &testSpec{}},
			expectStatus: prob.RunFinishedError,
			expectRels:   []string{LogRelType},
			expectError:  true,
		},
		"unknown-kind": {
			given:        prob.Manifest{Kind: "nope", Spec: &testSpec{}},
			expectStatus: prob.RunFinishedError,
			expectRels:   []string{LogRelType},
			expectError:  true,
		},
		"no-spec": {
			given:        prob.Manifest{Kind: testKind},
			expectStatus: prob.RunFinishedError,
			expectRels:   []string{LogRelType},
			expectError:  true,
		},
		"generic-spec": {
			given:        prob.Manifest{Kind: testKind, Spec: map[string]any{"mode": "pass"}},
			expectStatus: prob.RunFinishedError,
			expectRels:   []string{LogRelType},
			expectError:  true,
		},
		"success": {
			given:        prob.Manifest{Kind: testKind, Spec: &testSpec{Mode: "pass"}},
			expectStatus: prob.RunFinishedSuccess,
			expectRels:   []string{"note", MetricsRelType, LogRelType},
		},
		"failed": {
			given:        prob.Manifest{Kind: testKind, Spec: &testSpec{Mode: "fail"}},
			expectStatus: prob.RunFinishedFailed,
			expectRels:   []string{LogRelType},
		},
		"not-finished-is-error": {
			given:        prob.Manifest{Kind: testKind, Spec: &testSpec{Mode: "broken"}},
			expectStatus: prob.RunFinishedError,
			expectRels:   []string{LogRelType},
			expectError:  true,
		},
		"manifest-timeout": {
			given:        prob.Manifest{Kind: testKind, Timeout: 20 * time.Millisecond, Spec: &testSpec{Mode: "block"}},
			expectStatus: prob.RunFinishedTimeout,
			expectRels:   []string{LogRelType},
			expectError:  true,
		},
		"runner-timeout": {
			given:        prob.Manifest{Kind: testKind, Timeout: time.Hour, Spec: &testSpec{Mode: "block"}},
			opts:         []PlayOption{WithTimeout(20 * time.Millisecond)},
			expectStatus: prob.RunFinishedTimeout,
			expectRels:   []string{LogRelType},
			expectError:  true,
		},
		"canceled": {
			given:        prob.Manifest{Kind: testKind, Spec: &testSpec{Mode: "block"}},
			cancel:       true,
			expectStatus: prob.RunFinishedCanceled,
			expectRels:   []string{LogRelType},
			expectError:  true,
		},
	}

	for name, tc := range testCases {
		test := tc
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if test.cancel {
				time.AfterFunc(20*time.Millisecond, cancel)
			}

			got, err := Play(ctx, test.given, prob.RunOptions{}, nil, test.opts...)
			if test.expectError {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			require.Equal(t, test.expectStatus, got.Status)
			require.Equal(t, test.expectRels, rels(got.Artifacts))
			require.False(t, got.Finished.Before(got.Started))
		})
	}
}

func TestPlay_LogsAndMetrics(t *testing.T) {
	var mu sync.Mutex
	var entries []Entry
	runLog := NewRunLog(nil, func(e Entry) {
		mu.Lock()
		defer mu.Unlock()
		entries = append(entries, e)
	})

	got, err := Play(context.Background(), prob.Manifest{Kind: testKind, Spec: &testSpec{Mode: "pass"}}, prob.RunOptions{}, runLog)
	require.NoError(t, err)

	logArtifact := got.Artifacts[len(got.Artifacts)-1]
	require.Equal(t, "text/plain", logArtifact.MimeType)
	require.Contains(t, string(logArtifact.Content), "msg=playing mode=pass")

	metrics := got.Artifacts[1]
	require.Contains(t, string(metrics.Content), "test_steps_total 1")

	mu.Lock()
	defer mu.Unlock()
	var found bool
	for _, e := range entries {
		if e.Message == "playing" {
			found = true
			require.Equal(t, "info", e.Level)
			require.Equal(t, map[string]string{"mode": "pass"}, e.Context)
			require.False(t, e.Time.IsZero())
		}
	}
	require.True(t, found)
}

func TestParseEntry(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	testCases := map[string]struct {
		given  []any
		expect Entry
	}{
		"warn-level": {
			given:  []any{"ts", ts, level.Key(), level.WarnValue(), "msg", "careful"},
			expect: Entry{Time: ts, Level: "warning", Message: "careful"},
		},
		"context": {
			given:  []any{"ts", ts, "msg", "step", "index", 2, "odd"},
			expect: Entry{Time: ts, Level: "info", Message: "step", Context: map[string]string{"index": "2", "odd": log.ErrMissingValue.Error()}},
		},
	}

	for name, tc := range testCases {
		test := tc
		t.Run(name, func(t *testing.T) {
			require.Equal(t, test.expect, ParseEntry(test.given...))
		})
	}
}

func TestParseChromeVersion(t *testing.T) {
	testCases := map[string]struct {
		given     string
		expect    string
		expectNok bool
	}{
		"google-chrome": {given: "Google Chrome 120.0.6099.109 \n", expect: "120.0.6099"},
		"chromium":      {given: "Chromium 119.0.6045.199 built on Debian", expect: "119.0.6045"},
		"garbage":       {given: "command not found", expectNok: true},
	}

	for name, tc := range testCases {
		test := tc
		t.Run(name, func(t *testing.T) {
			got, ok := ParseChromeVersion(test.given)
			require.Equal(t, !test.expectNok, ok)
			require.Equal(t, test.expect, got)
		})
	}
}

func TestMetricsArtifact_Zstd(t *testing.T) {
	registry := prometheus.NewRegistry()
	_, ok, err := MetricsArtifact(registry, RegistryOptions{})
	require.NoError(t, err)
	require.False(t, ok)

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_gauge"})
	registry.MustRegister(gauge)
	gauge.Set(3)

	plain, ok, err := MetricsArtifact(registry, RegistryOptions{})
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, strings.HasPrefix(plain.MimeType, "text/plain"))

	packed, ok, err := MetricsArtifact(registry, RegistryOptions{Compression: Zstd})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, zstdMimeType, packed.MimeType)
	require.NotEqual(t, plain.Content, packed.Content)
}
