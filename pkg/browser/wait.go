package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultWaitTimeout  = 10 * time.Second
	DefaultPollInterval = 250 * time.Millisecond
)

// Condition is checked by Wait until it reports true.
// Returning ErrNoSuchElement means "not yet", any other error aborts the wait.
type Condition func(ctx context.Context, page Page) (bool, error)

type waitConfig struct {
	interval time.Duration
}

type WaitOption func(*waitConfig)

func WithPollInterval(interval time.Duration) WaitOption {
	return func(c *waitConfig) {
		if interval > 0 {
			c.interval = interval
		}
	}
}

// Wait blocks until cond holds, the timeout elapses or ctx is done.
// The condition is evaluated immediately and then once per poll interval.
func Wait(ctx context.Context, page Page, timeout time.Duration, cond Condition, opts ...WaitOption) error {
	cfg := waitConfig{interval: DefaultPollInterval}
	for _, opt := range opts {
		opt(&cfg)
	}
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(cfg.interval)
	defer ticker.Stop()

	var lastErr error
	for {
		ok, err := cond(ctx, page)
		if err != nil && !errors.Is(err, ErrNoSuchElement) {
			return err
		}
		if ok {
			return nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			if lastErr != nil {
				return fmt.Errorf("%w after %v: %w", ErrWaitTimeout, timeout, lastErr)
			}
			return fmt.Errorf("%w after %v", ErrWaitTimeout, timeout)
		case <-ticker.C:
		}
	}
}

// WaitForElement waits for the element to be present and returns it
func WaitForElement(ctx context.Context, page Page, loc Locator, timeout time.Duration) (Element, error) {
	var found Element
	err := Wait(ctx, page, timeout, func(ctx context.Context, page Page) (bool, error) {
		el, err := page.Find(ctx, loc)
		if err != nil {
			return false, err
		}
		found = el
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("waiting for %v: %w", loc, err)
	}

	return found, nil
}

// Sleep pauses for d unless ctx is done first
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// PresenceOf holds once at least one element matches the locator
func PresenceOf(loc Locator) Condition {
	return func(ctx context.Context, page Page) (bool, error) {
		if _, err := page.Find(ctx, loc); err != nil {
			return false, err
		}
		return true, nil
	}
}

// AbsenceOf holds once no element matches the locator
func AbsenceOf(loc Locator) Condition {
	return func(ctx context.Context, page Page) (bool, error) {
		elements, err := page.FindAll(ctx, loc)
		if err != nil {
			return false, err
		}
		return len(elements) == 0, nil
	}
}

// TextContains holds once the element's text contains the given substring
func TextContains(loc Locator, text string) Condition {
	return func(ctx context.Context, page Page) (bool, error) {
		el, err := page.Find(ctx, loc)
		if err != nil {
			return false, err
		}
		got, err := el.Text(ctx)
		if err != nil {
			return false, err
		}
		return strings.Contains(got, text), nil
	}
}

func URLContains(fragment string) Condition {
	return func(ctx context.Context, page Page) (bool, error) {
		url, err := page.URL(ctx)
		if err != nil {
			return false, err
		}
		return strings.Contains(url, fragment), nil
	}
}

func TitleIs(title string) Condition {
	return func(ctx context.Context, page Page) (bool, error) {
		got, err := page.Title(ctx)
		if err != nil {
			return false, err
		}
		return got == title, nil
	}
}

// AnyOf holds when any of the conditions holds
func AnyOf(conds ...Condition) Condition {
	return func(ctx context.Context, page Page) (bool, error) {
		var lastErr error
		for _, cond := range conds {
			ok, err := cond(ctx, page)
			if err != nil && !errors.Is(err, ErrNoSuchElement) {
				return false, err
			}
			if ok {
				return true, nil
			}
			lastErr = err
		}
		return false, lastErr
	}
}
