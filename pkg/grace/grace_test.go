package grace_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/sre-norns/verdandi/pkg/grace"
	"github.com/stretchr/testify/require"
)

func TestActionableError(t *testing.T) {
	err := grace.RaiseError("a file", "nothing", "create one")
	require.Equal(t, "a file", err.WhatExpected())
	require.Equal(t, "nothing", err.WhatHappened())
	require.Equal(t, "create one", err.WhatToDo())
	require.Contains(t, err.Error(), "What to do: create one")
}

func TestSuccessRequired(t *testing.T) {
	require.NotPanics(t, func() { grace.SuccessRequired(nil, "", "") })
	require.Panics(t, func() { grace.SuccessRequired(errors.New("boom"), "ok", "retry") })

	got := grace.SuccessRequiredValue(7, nil)("a number", "none")
	require.Equal(t, 7, got)
}

func TestWorkgroup(t *testing.T) {
	var counter atomic.Int32
	wg := grace.NewWorkgroup(context.Background(), 2)
	for i := 0; i < 10; i++ {
		wg.Go(func(ctx context.Context) error {
			counter.Add(1)
			return nil
		})
	}
	require.NoError(t, wg.Wait())
	require.EqualValues(t, 10, counter.Load())

	wg = grace.NewWorkgroup(context.Background(), 0)
	wg.Go(func(ctx context.Context) error { return errors.New("failed") })
	require.Error(t, wg.Wait())
}
