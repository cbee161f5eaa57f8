package script

import (
	"fmt"
	"time"

	"github.com/sre-norns/verdandi/pkg/browser"
)

// Action is a kind of UI interaction a step performs
type Action string

const (
	ActionVisit      Action = "visit"
	ActionType       Action = "type"
	ActionClear      Action = "clear"
	ActionClick      Action = "click"
	ActionPause      Action = "pause"
	ActionWaitFor    Action = "waitFor"
	ActionWaitGone   Action = "waitGone"
	ActionAssertText Action = "assertText"
	ActionScreenshot Action = "screenshot"
)

var (
	ErrUnknownAction  = fmt.Errorf("unknown action")
	ErrMissingTarget  = fmt.Errorf("step requires a target")
	ErrMissingValue   = fmt.Errorf("step requires a value")
	ErrNegativeLength = fmt.Errorf("duration can not be negative")
)

// Step is a single interaction with a page
type Step struct {
	Action Action `json:"action" yaml:"action"`

	// Element locator in browser.ParseLocator form. Not used by visit, pause and screenshot.
	Target string `json:"target,omitempty" yaml:"target,omitempty"`

	// Text to type, URL to visit, text to expect or a screenshot name
	Value string `json:"value,omitempty" yaml:"value,omitempty"`

	// Pause length
	Duration time.Duration `json:"duration,omitempty" yaml:"duration,omitempty"`

	// Wait limit for the target element. Zero means script default.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

func (a Action) needsTarget() bool {
	switch a {
	case ActionType, ActionClear, ActionClick, ActionWaitFor, ActionWaitGone, ActionAssertText:
		return true
	}
	return false
}

func (a Action) Known() bool {
	switch a {
	case ActionVisit, ActionPause, ActionScreenshot:
		return true
	}
	return a.needsTarget()
}

// Locator parses the step target
func (s Step) Locator() (browser.Locator, error) {
	return browser.ParseLocator(s.Target)
}

// Validate checks that the step is well formed
func (s Step) Validate() error {
	if !s.Action.Known() {
		return fmt.Errorf("%w: %q", ErrUnknownAction, s.Action)
	}
	if s.Duration < 0 || s.Timeout < 0 {
		return ErrNegativeLength
	}

	if s.Action.needsTarget() {
		if s.Target == "" {
			return ErrMissingTarget
		}
		if _, err := s.Locator(); err != nil {
			return err
		}
	}

	switch s.Action {
	case ActionVisit, ActionAssertText:
		if s.Value == "" {
			return fmt.Errorf("%w for %s", ErrMissingValue, s.Action)
		}
	case ActionPause:
		if s.Duration == 0 {
			return fmt.Errorf("%w: pause of zero length", ErrMissingValue)
		}
	}

	return nil
}

func (s Step) String() string {
	if s.Description != "" {
		return s.Description
	}

	switch s.Action {
	case ActionVisit:
		return fmt.Sprintf("visit %s", s.Value)
	case ActionType:
		return fmt.Sprintf("type into %s", s.Target)
	case ActionPause:
		return fmt.Sprintf("pause %v", s.Duration)
	case ActionScreenshot:
		return "screenshot"
	case ActionAssertText:
		return fmt.Sprintf("expect %s to contain %q", s.Target, s.Value)
	}
	return fmt.Sprintf("%s %s", s.Action, s.Target)
}

// Constructors read like the steps they build

func Visit(url string) Step { return Step{Action: ActionVisit, Value: url} }

func Type(target, text string) Step { return Step{Action: ActionType, Target: target, Value: text} }

func Clear(target string) Step { return Step{Action: ActionClear, Target: target} }

func Click(target string) Step { return Step{Action: ActionClick, Target: target} }

func Pause(d time.Duration) Step { return Step{Action: ActionPause, Duration: d} }

func WaitFor(target string, timeout time.Duration) Step {
	return Step{Action: ActionWaitFor, Target: target, Timeout: timeout}
}

func WaitGone(target string, timeout time.Duration) Step {
	return Step{Action: ActionWaitGone, Target: target, Timeout: timeout}
}

func AssertText(target, text string) Step {
	return Step{Action: ActionAssertText, Target: target, Value: text}
}

func Screenshot(name string) Step { return Step{Action: ActionScreenshot, Value: name} }
