package common

import (
	"errors"
	"fmt"
)

// Kind sentinels. Every module error unwraps to exactly one of them.
var (
	ErrValidation        = errors.New("validation")
	ErrAuthorization     = errors.New("authorization")
	ErrStatePrecondition = errors.New("state precondition")
	ErrEconomic          = errors.New("economic")
	ErrReplay            = errors.New("replay")
	ErrIntegrity         = errors.New("integrity")
	ErrUnavailable       = errors.New("unavailable")
	ErrInternal          = errors.New("internal")
)

var kinds = []struct {
	err   error
	label string
}{
	{ErrValidation, "validation"},
	{ErrAuthorization, "authorization"},
	{ErrStatePrecondition, "state"},
	{ErrEconomic, "economic"},
	{ErrReplay, "replay"},
	{ErrIntegrity, "integrity"},
	{ErrUnavailable, "unavailable"},
	{ErrInternal, "internal"},
}

// Error is a module error tagged with its kind.
type Error struct {
	kind error
	msg  string
}

// NewError declares a module error of the given kind.
func NewError(kind error, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

func (e *Error) Error() string { return e.msg }

// Unwrap exposes the kind sentinel to errors.Is.
func (e *Error) Unwrap() error { return e.kind }

// Kind returns the kind sentinel.
func (e *Error) Kind() error { return e.kind }

// Wrapf annotates a declared module error with call-specific context while
// keeping both the module error and its kind reachable through errors.Is.
func Wrapf(err error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", err, fmt.Sprintf(format, args...))
}

// KindOf returns a stable label for the kind of err, "internal" for errors
// that carry no kind and "" for nil.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.label
		}
	}
	return "internal"
}

// Retryable reports whether the failure is transient and the same call may
// succeed later without changes.
func Retryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
