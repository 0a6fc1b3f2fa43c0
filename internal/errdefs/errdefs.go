// Package errdefs defines the stable error taxonomy of the reprovisioning
// engine. Consumers branch on the machine code, never on message text.
package errdefs

import (
	"errors"
	"fmt"
)

type Code string

const (
	// CodeAnalysis marks hardware/storage enumeration failures. Fatal,
	// halts before any run can start.
	CodeAnalysis Code = "analysis"
	// CodeValidation marks bad options or a missing image artifact,
	// surfaced before destructive work.
	CodeValidation Code = "validation"
	// CodeStageExecution marks a failed external tool inside a stage.
	CodeStageExecution Code = "stage_execution"
	// CodeConfirmation marks a confirmation token mismatch.
	CodeConfirmation Code = "confirmation"
	// CodeConcurrency marks a run requested while one is active.
	CodeConcurrency Code = "concurrency"
)

type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("[%s] %v", e.Code, e.Err)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(err error, code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the taxonomy code from anywhere in the chain, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
