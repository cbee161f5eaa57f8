package schedule

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func at(value string) time.Time {
	t, err := time.Parse("2006-01-02 15:04", value)
	if err != nil {
		panic(err)
	}
	return t
}

func TestValidate(t *testing.T) {
	testCases := map[string]struct {
		given       string
		expectError bool
	}{
		"every-minute": {given: "* * * * *"},
		"every-5":      {given: "*/5 * * * *"},
		"macro":        {given: "@hourly"},
		"empty":        {given: "", expectError: true},
		"garbage":      {given: "every day", expectError: true},
		"out-of-range": {given: "61 * * * *", expectError: true},
	}

	for name, tc := range testCases {
		test := tc
		t.Run(name, func(t *testing.T) {
			err := Validate(test.given)
			if test.expectError {
				require.ErrorIs(t, err, ErrInvalidExpression)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestIsDue(t *testing.T) {
	last := at("2024-05-01 10:00")
	testCases := map[string]struct {
		expr    string
		lastRun *time.Time
		now     time.Time
		expect  bool
	}{
		"never-ran-matching": {
			expr:   "0 * * * *",
			now:    at("2024-05-01 11:00"),
			expect: true,
		},
		"never-ran-not-matching": {
			expr:   "0 * * * *",
			now:    at("2024-05-01 11:30"),
			expect: false,
		},
		"ran-this-minute": {
			expr:    "* * * * *",
			lastRun: &last,
			now:     last.Add(20 * time.Second),
			expect:  false,
		},
		"next-minute": {
			expr:    "* * * * *",
			lastRun: &last,
			now:     last.Add(time.Minute),
			expect:  true,
		},
		"missed-tick": {
			expr:    "15 * * * *",
			lastRun: &last,
			now:     at("2024-05-01 10:40"),
			expect:  true,
		},
		"before-tick": {
			expr:    "15 * * * *",
			lastRun: &last,
			now:     at("2024-05-01 10:14"),
			expect:  false,
		},
	}

	for name, tc := range testCases {
		test := tc
		t.Run(name, func(t *testing.T) {
			got, err := IsDue(test.expr, test.lastRun, test.now)
			require.NoError(t, err)
			require.Equal(t, test.expect, got)
		})
	}
}

func TestNextRuns(t *testing.T) {
	got, err := NextRuns("*/15 * * * *", at("2024-05-01 10:07"), 3)
	require.NoError(t, err)
	require.Equal(t, []time.Time{at("2024-05-01 10:15"), at("2024-05-01 10:30"), at("2024-05-01 10:45")}, got)

	_, err = NextRuns("nope", time.Now(), 1)
	require.ErrorIs(t, err, ErrInvalidExpression)
}

func TestTicker(t *testing.T) {
	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())

	ticker := NewTicker(5*time.Millisecond, nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker.Run(ctx, func(ctx context.Context, now time.Time) (int, error) {
			if calls.Add(1) == 3 {
				cancel()
			}
			return 1, nil
		})
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("ticker did not stop")
	}
	require.GreaterOrEqual(t, calls.Load(), int32(3))
}
