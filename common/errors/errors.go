// Package errors attaches process exit codes to errors returned by the command line.
package errors

import (
	"fmt"
)

type ExitCodeError struct {
	code ExitCode
	error
}

func NewError(err error, exitCode ExitCode) *ExitCodeError {
	if err == nil {
		return nil
	}
	return &ExitCodeError{exitCode, err}
}

func (e *ExitCodeError) GetExitCode() ExitCode {
	if e == nil {
		return 0
	}
	return e.code
}

func (e *ExitCodeError) Error() string {
	if e == nil || e.error == nil {
		return ""
	}
	return e.error.Error()
}

func (e *ExitCodeError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.error
}

func (e *ExitCodeError) String() string {
	return fmt.Sprintf("exit code %d: %v", e.code, e.error)
}

// Returns the exit code of err, GenericFailureExitCode for errors without one
// and 0 for nil.
func ExitCodeOf(err error) ExitCode {
	if err == nil {
		return 0
	}
	if e, ok := err.(*ExitCodeError); ok && e != nil {
		return e.code
	}
	return GenericFailureExitCode
}
