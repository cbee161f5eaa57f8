// Package schedule evaluates cron expressions of tasks
package schedule

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

var (
	ErrInvalidExpression = fmt.Errorf("invalid cron expression")
)

// Validate accepts standard 5 field cron expressions, optional seconds and year fields and @-macros
func Validate(expr string) error {
	expr = strings.TrimSpace(expr)
	if expr == "" || !gronx.New().IsValid(expr) {
		return fmt.Errorf("%w: %q", ErrInvalidExpression, expr)
	}
	return nil
}

// IsDue reports whether a task that last ran at lastRun must run at now.
// A task that never ran is due when the expression matches now. Otherwise it is due once a tick after the last run has passed.
func IsDue(expr string, lastRun *time.Time, now time.Time) (bool, error) {
	if err := Validate(expr); err != nil {
		return false, err
	}

	now = now.Truncate(time.Minute)
	if lastRun == nil || lastRun.IsZero() {
		return gronx.New().IsDue(expr, now)
	}

	next, err := gronx.NextTickAfter(expr, lastRun.Truncate(time.Minute), false)
	if err != nil {
		return false, err
	}
	return !next.After(now), nil
}

// NextRuns returns the next n times the expression matches after from
func NextRuns(expr string, from time.Time, n int) ([]time.Time, error) {
	if err := Validate(expr); err != nil {
		return nil, err
	}

	result := make([]time.Time, 0, n)
	ref := from
	for i := 0; i < n; i++ {
		next, err := gronx.NextTickAfter(expr, ref, false)
		if err != nil {
			return result, err
		}
		result = append(result, next)
		ref = next
	}
	return result, nil
}

// Ticker calls fn at every interval until ctx is done
type Ticker struct {
	Interval time.Duration
	Logger   log.Logger
	Now      func() time.Time
}

func NewTicker(interval time.Duration, logger log.Logger) *Ticker {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Ticker{
		Interval: interval,
		Logger:   logger,
		Now:      time.Now,
	}
}

// Run blocks calling fn on every tick. Errors of fn are logged and do not stop the loop.
func (t *Ticker) Run(ctx context.Context, fn func(ctx context.Context, now time.Time) (int, error)) {
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			triggered, err := fn(ctx, t.Now())
			if err != nil {
				level.Error(t.Logger).Log("msg", "scheduled run failed", "err", err)
				continue
			}
			if triggered > 0 {
				level.Info(t.Logger).Log("msg", "triggered scheduled tasks", "count", triggered)
			}
		}
	}
}
