package browser_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sre-norns/verdandi/pkg/browser"
	"github.com/sre-norns/verdandi/pkg/browser/browsertest"
	"github.com/stretchr/testify/require"
)

func TestWait_Presence(t *testing.T) {
	page := browsertest.NewPage()
	page.AddAfter(browser.ID("welcome-message"), "Welcome", 60*time.Millisecond)

	err := browser.Wait(context.Background(), page, time.Second, browser.PresenceOf(browser.ID("welcome-message")),
		browser.WithPollInterval(10*time.Millisecond))
	require.NoError(t, err)
}

func TestWait_Timeout(t *testing.T) {
	page := browsertest.NewPage()

	start := time.Now()
	err := browser.Wait(context.Background(), page, 50*time.Millisecond, browser.PresenceOf(browser.ID("never")),
		browser.WithPollInterval(10*time.Millisecond))
	require.ErrorIs(t, err, browser.ErrWaitTimeout)
	require.ErrorIs(t, err, browser.ErrNoSuchElement)
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestWait_Cancelled(t *testing.T) {
	page := browsertest.NewPage()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := browser.Wait(ctx, page, time.Second, browser.PresenceOf(browser.ID("never")))
	require.ErrorIs(t, err, context.Canceled)
}

func TestWait_AbortsOnHardError(t *testing.T) {
	page := browsertest.NewPage()
	boom := errors.New("boom")
	calls := 0

	err := browser.Wait(context.Background(), page, time.Second, func(ctx context.Context, page browser.Page) (bool, error) {
		calls++
		return false, boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, calls)
}

func TestConditions(t *testing.T) {
	ctx := context.Background()
	page := browsertest.NewPage()
	page.SetURL("https://example.com/dashboard")
	page.SetTitle("Dashboard")
	page.Add(browser.ID("welcome-message"), "Welcome back, testuser")

	testCases := map[string]struct {
		cond   browser.Condition
		expect bool
	}{
		"presence":          {cond: browser.PresenceOf(browser.ID("welcome-message")), expect: true},
		"absence-present":   {cond: browser.AbsenceOf(browser.ID("welcome-message")), expect: false},
		"absence-missing":   {cond: browser.AbsenceOf(browser.ID("spinner")), expect: true},
		"text-contains":     {cond: browser.TextContains(browser.ID("welcome-message"), "testuser"), expect: true},
		"text-not-contains": {cond: browser.TextContains(browser.ID("welcome-message"), "admin"), expect: false},
		"url":               {cond: browser.URLContains("/dashboard"), expect: true},
		"title":             {cond: browser.TitleIs("Dashboard"), expect: true},
		"any-of":            {cond: browser.AnyOf(browser.PresenceOf(browser.ID("nope")), browser.TitleIs("Dashboard")), expect: true},
	}

	for name, tc := range testCases {
		test := tc
		t.Run(name, func(t *testing.T) {
			got, err := test.cond(ctx, page)
			require.NoError(t, err)
			require.Equal(t, test.expect, got)
		})
	}
}

func TestSleep(t *testing.T) {
	require.NoError(t, browser.Sleep(context.Background(), 5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, browser.Sleep(ctx, time.Hour), context.Canceled)
}
