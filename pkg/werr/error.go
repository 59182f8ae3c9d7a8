package werr

import (
	"errors"
	"fmt"
	"runtime"
)

// Error is the coded error used across the task loop. Msg is what gets
// reported in the run summary; Err carries the underlying cause for logs.
type Error struct {
	Code  Code
	Msg   string
	Err   error
	Stack string
}

// New creates a coded error. A stack trace is captured for fatal codes,
// since those halt the run and the trace is the only forensic record.
func New(code Code, msg string, underlying error) *Error {
	err := &Error{
		Code: code,
		Msg:  msg,
		Err:  underlying,
	}
	if code.Fatal() {
		buf := make([]byte, 2048)
		n := runtime.Stack(buf, false)
		err.Stack = string(buf[:n])
	}
	return err
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...), nil)
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("[%s] %s", e.Code.String(), e.Msg)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code.String(), e.Msg, e.Err.Error())
}

func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf extracts the Code from an error chain. Errors that are not
// *werr.Error classify as Internal.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var werr *Error
	if errors.As(err, &werr) {
		return werr.Code
	}
	return Internal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// IsFatal reports whether err must abort the run.
func IsFatal(err error) bool {
	return CodeOf(err).Fatal()
}
