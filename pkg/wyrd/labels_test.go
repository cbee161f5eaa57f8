package wyrd_test

import (
	"fmt"
	"testing"

	"github.com/sre-norns/verdandi/pkg/wyrd"
	"github.com/stretchr/testify/require"
)

func TestLabesInterface(t *testing.T) {

	require.Equal(t, "value", wyrd.Labels{"key": "value"}.Get("key"))
	require.Equal(t, false, wyrd.Labels{"key": "value"}.Has("key-2"))
	require.Equal(t, true, wyrd.Labels{"key": "value"}.Has("key"))
}

func TestLabels_Merging(t *testing.T) {
	testCases := map[string]struct {
		given  []wyrd.Labels
		expect wyrd.Labels
	}{
		"nil": {
			given:  []wyrd.Labels{},
			expect: wyrd.Labels{},
		},
		"identity": {
			given: []wyrd.Labels{
				{"key": "value"},
			},
			expect: wyrd.Labels{"key": "value"},
		},
		"two": {
			given: []wyrd.Labels{
				{"key-1": "value-1"},
				{"key-2": "value-2"},
			},
			expect: wyrd.Labels{
				"key-1": "value-1",
				"key-2": "value-2",
			},
		},
		"key-override": {
			given: []wyrd.Labels{
				{"key-1": "value-1", "key-2": "value-2"},
				{"key-2": "value-Wooh"},
			},
			expect: wyrd.Labels{
				"key-1": "value-1",
				"key-2": "value-Wooh",
			},
		},
		"mixed-bag": {
			given: []wyrd.Labels{
				{"key-1": "value-1", "key-2": "value-2"},
				{"key-2": "value-Wooh", "key-3": "value-3"},
				{"key-2": "value-Naah", "key-4": "value-3"},
			},
			expect: wyrd.Labels{
				"key-1": "value-1",
				"key-2": "value-Naah",
				"key-3": "value-3",
				"key-4": "value-3",
			},
		},
	}

	for name, tc := range testCases {
		test := tc
		t.Run(fmt.Sprintf("merging:%s", name), func(t *testing.T) {
			got := wyrd.MergeLabels(test.given...)
			require.EqualValues(t, test.expect, got)
		})
	}
}

func TestLabelSelector_Matches(t *testing.T) {
	testCases := map[string]struct {
		selector    wyrd.LabelSelector
		given       wyrd.Labels
		expect      bool
		expectError bool
	}{
		"empty-matches-all": {
			selector: wyrd.LabelSelector{},
			given:    wyrd.Labels{"os": "linux"},
			expect:   true,
		},
		"match-labels": {
			selector: wyrd.LabelSelector{MatchLabels: wyrd.Labels{"os": "linux"}},
			given:    wyrd.Labels{"os": "linux", "arch": "amd64"},
			expect:   true,
		},
		"match-labels-mismatch": {
			selector: wyrd.LabelSelector{MatchLabels: wyrd.Labels{"os": "darwin"}},
			given:    wyrd.Labels{"os": "linux"},
			expect:   false,
		},
		"expression-in": {
			selector: wyrd.LabelSelector{MatchSelector: "os in (linux,darwin)"},
			given:    wyrd.Labels{"os": "darwin"},
			expect:   true,
		},
		"expression-and-labels": {
			selector: wyrd.LabelSelector{MatchSelector: "!gpu", MatchLabels: wyrd.Labels{"os": "linux"}},
			given:    wyrd.Labels{"os": "linux", "gpu": "yes"},
			expect:   false,
		},
		"invalid-expression": {
			selector:    wyrd.LabelSelector{MatchSelector: "os in (linux"},
			given:       wyrd.Labels{},
			expectError: true,
		},
	}

	for name, tc := range testCases {
		test := tc
		t.Run(name, func(t *testing.T) {
			got, err := test.selector.Matches(test.given)
			if test.expectError {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			require.Equal(t, test.expect, got)
		})
	}
}

func TestLabels_DBRoundTrip(t *testing.T) {
	value, err := wyrd.Labels{"a": "b"}.Value()
	require.NoError(t, err)

	var got wyrd.Labels
	require.NoError(t, got.Scan(value))
	require.Equal(t, wyrd.Labels{"a": "b"}, got)

	require.NoError(t, got.Scan(nil))
	require.Empty(t, got)
	require.Error(t, got.Scan(42))
}

func TestParseResourceID(t *testing.T) {
	id, err := wyrd.ParseResourceID("42")
	require.NoError(t, err)
	require.Equal(t, wyrd.ResourceID(42), id)
	require.Equal(t, "42@3", wyrd.NewVersionedId(id, 3).String())

	_, err = wyrd.ParseResourceID("forty-two")
	require.Error(t, err)
}
