package grace

import "fmt"

type Error interface {
	error

	WhatExpected() string
	WhatHappened() string
	WhatToDo() string
}

type ActionableError struct {
	expected     string
	got          string
	callToAction string
}

func (e *ActionableError) WhatExpected() string {
	return e.expected
}

func (e *ActionableError) WhatHappened() string {
	return e.got
}

func (e *ActionableError) WhatToDo() string {
	return e.callToAction
}

func (e *ActionableError) Error() string {
	return fmt.Sprintf("expected: %s, got: %s; What to do: %s", e.expected, e.got, e.callToAction)
}

func RaiseError(
	expected, got, cta string,
) Error {
	return &ActionableError{
		expected:     expected,
		got:          got,
		callToAction: cta,
	}
}

// SuccessRequired panics with an actionable error if err is not nil.
// Only meant for process setup code where there is no way to recover.
func SuccessRequired(err error, expected, cta string) {
	if err == nil {
		return
	}

	panic(RaiseError(expected, err.Error(), cta))
}

// SuccessRequiredValue is SuccessRequired for calls that also return a value
func SuccessRequiredValue[T any](value T, err error) func(expected, cta string) T {
	return func(expected, cta string) T {
		SuccessRequired(err, expected, cta)
		return value
	}
}
