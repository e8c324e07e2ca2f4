package sandbox

import (
	"fmt"
	"time"
)

var _ error = Error("")

// Error is a constant sentinel error.
type Error string

func (e Error) Error() string {
	return string(e)
}

const (
	ErrFileNotFound    Error = "required file not found"
	ErrNotAFile        Error = "required path is not a regular file"
	ErrPathEscapesBase Error = "path escapes base directory"
	ErrTimeout         Error = "test timed out"
)

// FileError reports a required file that failed validation, together with
// the script that asked for it.
type FileError struct {
	Path   string
	Script string
	Err    error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s: %s (required by %s)", e.Err, e.Path, e.Script)
}

func (e *FileError) Unwrap() error { return e.Err }

// TimeoutError is returned by Run when the script outlives its timeout.
// It matches ErrTimeout under errors.Is.
type TimeoutError struct {
	Command string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command %q timed out after %s", e.Command, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}
