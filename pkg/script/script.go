package script

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/sre-norns/verdandi/pkg/browser"
	"gopkg.in/yaml.v3"
)

var ErrEmptyScript = fmt.Errorf("script has no steps")

var varRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandVars replaces `${VAR}` references in value. A bare `$` is left untouched.
func ExpandVars(value string, lookup func(string) string) string {
	return varRef.ReplaceAllStringFunc(value, func(ref string) string {
		return lookup(ref[2 : len(ref)-1])
	})
}

// Script is an ordered list of steps played against a single page
type Script struct {
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Page to open before the first step
	StartURL string `json:"startUrl,omitempty" yaml:"startUrl,omitempty"`

	// Wait limit for elements of steps that do not set their own
	DefaultTimeout time.Duration `json:"defaultTimeout,omitempty" yaml:"defaultTimeout,omitempty"`

	Steps []Step `json:"steps" yaml:"steps"`
}

// StepError reports which step of a script failed
type StepError struct {
	Index  int
	Action Action
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s): %v", e.Index+1, e.Action, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Timeout returns the effective element wait limit for the step
func (s Script) Timeout(step Step) time.Duration {
	if step.Timeout > 0 {
		return step.Timeout
	}
	if s.DefaultTimeout > 0 {
		return s.DefaultTimeout
	}
	return browser.DefaultWaitTimeout
}

// Validate reports all malformed steps at once
func (s Script) Validate() error {
	if len(s.Steps) == 0 {
		return ErrEmptyScript
	}
	if s.DefaultTimeout < 0 {
		return fmt.Errorf("default timeout: %w", ErrNegativeLength)
	}

	var errs []error
	for i, step := range s.Steps {
		if err := step.Validate(); err != nil {
			errs = append(errs, &StepError{Index: i, Action: step.Action, Err: err})
		}
	}

	return errors.Join(errs...)
}

// Expand returns a copy of the script with `${VAR}` references in URLs, values and targets resolved by lookup.
// References are kept as is when lookup is nil.
func (s Script) Expand(lookup func(string) string) Script {
	if lookup == nil {
		lookup = EnvLookup(nil)
	}

	result := s
	result.StartURL = ExpandVars(s.StartURL, lookup)
	result.Steps = make([]Step, len(s.Steps))
	for i, step := range s.Steps {
		step.Target = ExpandVars(step.Target, lookup)
		step.Value = ExpandVars(step.Value, lookup)
		result.Steps[i] = step
	}

	return result
}

// EnvLookup makes a lookup function over the run variables only. Unknown references are kept unexpanded.
func EnvLookup(env map[string]string) func(string) string {
	return func(key string) string {
		if value, ok := env[key]; ok {
			return value
		}
		return "${" + key + "}"
	}
}

// Parse reads a script from YAML or JSON
func Parse(data []byte) (Script, error) {
	var result Script
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&result); err != nil {
		return Script{}, fmt.Errorf("failed to parse script: %w", err)
	}

	return result, nil
}
