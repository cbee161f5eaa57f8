package prob_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sre-norns/verdandi/pkg/prob"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type testSpec struct {
	Value int    `json:"value" yaml:"value"`
	Name  string `json:"name" yaml:"name"`
}

const testKind = prob.Kind("testSpec")

func registerTestKind(t *testing.T) {
	t.Helper()
	require.NoError(t, prob.RegisterProbKind(testKind, &testSpec{}, prob.ProbRegistration{
		RunFunc: func(_ context.Context, _ any, _ prob.RunOptions, _ *prometheus.Registry, _ log.Logger) (prob.RunStatus, []prob.Artifact, error) {
			return prob.RunFinishedSuccess, nil, nil
		},
	}))
	t.Cleanup(func() { prob.UnregisterProbKind(testKind) })
}

func TestRegisterProbKind_NilRunner(t *testing.T) {
	require.ErrorIs(t, prob.RegisterProbKind("nil", &testSpec{}, prob.ProbRegistration{}), prob.ErrNilRunner)
}

func TestInstanceOf(t *testing.T) {
	registerTestKind(t)

	got, err := prob.InstanceOf(testKind)
	require.NoError(t, err)
	require.Equal(t, &testSpec{}, got)

	_, err = prob.InstanceOf("unknown")
	require.Error(t, err)

	_, ok := prob.FindRunFunc(testKind)
	require.True(t, ok)
	require.Contains(t, prob.Kinds(), testKind)
}

func TestCustomMarshaling_JSON(t *testing.T) {
	testCases := map[string]struct {
		given  prob.Manifest
		expect string
	}{
		"nothing": {
			given:  prob.Manifest{},
			expect: `{}`,
		},
		"min-spec": {
			given: prob.Manifest{
				Spec: &testSpec{
					Value: 1,
					Name:  "life",
				},
			},
			expect: `{"spec":{"value":1,"name":"life"}}`,
		},
		"basic": {
			given: prob.Manifest{
				Kind:    testKind,
				Timeout: time.Second,
				Spec: &testSpec{
					Value: 42,
					Name:  "meaning",
				},
			},
			expect: `{"kind":"testSpec","timeout":1000000000,"spec":{"value":42,"name":"meaning"}}`,
		},
	}

	for name, tc := range testCases {
		test := tc
		t.Run(name, func(t *testing.T) {
			got, err := json.Marshal(test.given)
			require.NoError(t, err)
			require.Equal(t, test.expect, string(got))
		})
	}
}

func TestCustomUnmarshaling_JSON(t *testing.T) {
	registerTestKind(t)

	testCases := map[string]struct {
		given       string
		expect      prob.Manifest
		expectError bool
	}{
		"nothing-object": {
			given:  `{}`,
			expect: prob.Manifest{},
		},
		"unknown-kind": {
			given: `{"kind":"unknownSpec","spec":{"field":"xyz","desc":"unknown"}}`,
			expect: prob.Manifest{
				Kind: prob.Kind("unknownSpec"),
				Spec: map[string]any{"field": "xyz", "desc": "unknown"},
			},
		},
		"basic": {
			given: `{"kind":"testSpec","spec":{"value":42,"name":"meaning"}}`,
			expect: prob.Manifest{
				Kind: testKind,
				Spec: &testSpec{
					Value: 42,
					Name:  "meaning",
				},
			},
		},
		"invalid-spec": {
			expectError: true,
			given:       `{"kind":"testSpec","spec":{"script":"meaning"}}`,
		},
	}

	for name, tc := range testCases {
		test := tc
		t.Run(name, func(t *testing.T) {
			var got prob.Manifest
			err := json.Unmarshal([]byte(test.given), &got)
			if test.expectError {
				require.Error(t, err, "expected error")
			} else {
				require.NoError(t, err)
				require.Equal(t, test.expect, got)
			}
		})
	}
}

func TestCustomUnmarshaling_YAML(t *testing.T) {
	registerTestKind(t)

	testCases := map[string]struct {
		given       string
		expect      prob.Manifest
		expectError bool
	}{
		"no-spec": {
			given:  "kind: testSpec\n",
			expect: prob.Manifest{Kind: testKind},
		},
		"unknown-kind": {
			given: "kind: unknownSpec\nspec:\n  field: xyz\n",
			expect: prob.Manifest{
				Kind: prob.Kind("unknownSpec"),
				Spec: map[string]any{"field": "xyz"},
			},
		},
		"basic": {
			given: "kind: testSpec\ntimeout: 5s\nspec:\n  value: 42\n  name: meaning\n",
			expect: prob.Manifest{
				Kind:    testKind,
				Timeout: 5 * time.Second,
				Spec:    &testSpec{Value: 42, Name: "meaning"},
			},
		},
		"bad-value": {
			expectError: true,
			given:       "kind: testSpec\nspec:\n  value: many\n",
		},
	}

	for name, tc := range testCases {
		test := tc
		t.Run(name, func(t *testing.T) {
			var got prob.Manifest
			err := yaml.Unmarshal([]byte(test.given), &got)
			if test.expectError {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
				require.Equal(t, test.expect, got)
			}
		})
	}
}
