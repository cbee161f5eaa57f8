package script

import (
	"context"
	"fmt"
	"time"

	"github.com/sre-norns/verdandi/pkg/browser"
)

// Hook observes progress of a script being played
type Hook interface {
	StepStarted(ctx context.Context, index int, step Step)
	StepFinished(ctx context.Context, index int, step Step, took time.Duration, err error)
}

// HookFuncs adapts plain functions to Hook. Nil functions are skipped.
type HookFuncs struct {
	Started  func(ctx context.Context, index int, step Step)
	Finished func(ctx context.Context, index int, step Step, took time.Duration, err error)
}

func (h HookFuncs) StepStarted(ctx context.Context, index int, step Step) {
	if h.Started != nil {
		h.Started(ctx, index, step)
	}
}

func (h HookFuncs) StepFinished(ctx context.Context, index int, step Step, took time.Duration, err error) {
	if h.Finished != nil {
		h.Finished(ctx, index, step, took, err)
	}
}

// Hooks fans events out to several hooks in order
type Hooks []Hook

func (hs Hooks) StepStarted(ctx context.Context, index int, step Step) {
	for _, h := range hs {
		h.StepStarted(ctx, index, step)
	}
}

func (hs Hooks) StepFinished(ctx context.Context, index int, step Step, took time.Duration, err error) {
	for _, h := range hs {
		h.StepFinished(ctx, index, step, took, err)
	}
}

// Player plays scripts against a page supplied by the caller.
// Steps run strictly in order and the first failure stops the run.
type Player struct {
	Page browser.Page
	Hook Hook

	// Receives images taken by screenshot steps
	OnScreenshot func(name string, png []byte)

	// Interval between element lookups while waiting
	PollInterval time.Duration
}

func NewPlayer(page browser.Page, hook Hook) *Player {
	return &Player{
		Page: page,
		Hook: hook,
	}
}

// Play runs all steps of the script. A failed step is reported as *StepError.
func (p *Player) Play(ctx context.Context, s Script) error {
	if p.Page == nil {
		return browser.ErrBrowserNotReady
	}

	if s.StartURL != "" {
		if err := p.Page.Navigate(ctx, s.StartURL); err != nil {
			return fmt.Errorf("failed to open %q: %w", s.StartURL, err)
		}
	}

	for i, step := range s.Steps {
		if err := ctx.Err(); err != nil {
			return &StepError{Index: i, Action: step.Action, Err: err}
		}

		if p.Hook != nil {
			p.Hook.StepStarted(ctx, i, step)
		}

		start := time.Now()
		err := p.playStep(ctx, s, i, step)
		if p.Hook != nil {
			p.Hook.StepFinished(ctx, i, step, time.Since(start), err)
		}
		if err != nil {
			return &StepError{Index: i, Action: step.Action, Err: err}
		}
	}

	return nil
}

func (p *Player) wait(ctx context.Context, timeout time.Duration, cond browser.Condition) error {
	return browser.Wait(ctx, p.Page, timeout, cond, browser.WithPollInterval(p.PollInterval))
}

// element waits for the step target to be present before handing it out
func (p *Player) element(ctx context.Context, s Script, step Step) (browser.Element, error) {
	loc, err := step.Locator()
	if err != nil {
		return nil, err
	}

	var found browser.Element
	err = p.wait(ctx, s.Timeout(step), func(ctx context.Context, page browser.Page) (bool, error) {
		el, err := page.Find(ctx, loc)
		if err != nil {
			return false, err
		}
		found = el
		return true, nil
	})
	return found, err
}

func (p *Player) playStep(ctx context.Context, s Script, index int, step Step) error {
	switch step.Action {
	case ActionVisit:
		return p.Page.Navigate(ctx, step.Value)

	case ActionPause:
		return browser.Sleep(ctx, step.Duration)

	case ActionType, ActionClear, ActionClick:
		el, err := p.element(ctx, s, step)
		if err != nil {
			return err
		}
		switch step.Action {
		case ActionType:
			return el.SendKeys(ctx, step.Value)
		case ActionClear:
			return el.Clear(ctx)
		default:
			return el.Click(ctx)
		}

	case ActionWaitFor, ActionWaitGone, ActionAssertText:
		loc, err := step.Locator()
		if err != nil {
			return err
		}
		var cond browser.Condition
		switch step.Action {
		case ActionWaitFor:
			cond = browser.PresenceOf(loc)
		case ActionWaitGone:
			cond = browser.AbsenceOf(loc)
		default:
			cond = browser.TextContains(loc, step.Value)
		}
		return p.wait(ctx, s.Timeout(step), cond)

	case ActionScreenshot:
		png, err := p.Page.Screenshot(ctx)
		if err != nil {
			return err
		}
		name := step.Value
		if name == "" {
			name = fmt.Sprintf("step-%d", index+1)
		}
		if p.OnScreenshot != nil {
			p.OnScreenshot(name, png)
		}
		return nil
	}

	return fmt.Errorf("%w: %q", ErrUnknownAction, step.Action)
}
