package vad

import (
	"errors"
)

// Code is the integer status reported across the C boundary.
type Code int

const (
	CodeSuccess       Code = 0
	CodeInvalidParam  Code = -1
	CodeOutOfMemory   Code = -2
	CodeInvalidState  Code = -3
	CodeProcessFailed Code = -4
)

var (
	// ErrInvalidParam is returned for caller mistakes: nil session or frame,
	// wrong frame length, hop size <= 0, threshold outside [0, 1].
	ErrInvalidParam = errors.New("invalid parameter")

	// ErrOutOfMemory is returned when the session or its model cannot be allocated.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrInvalidState is returned when the session has been destroyed.
	ErrInvalidState = errors.New("invalid state")

	// ErrProcessFailed wraps model failures.
	ErrProcessFailed = errors.New("process failed")
)

// CodeOf maps an error returned by this package to its status code.
// Unknown errors are reported as CodeProcessFailed.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return CodeSuccess
	case errors.Is(err, ErrInvalidParam):
		return CodeInvalidParam
	case errors.Is(err, ErrOutOfMemory):
		return CodeOutOfMemory
	case errors.Is(err, ErrInvalidState):
		return CodeInvalidState
	default:
		return CodeProcessFailed
	}
}

func (c Code) String() string {
	switch c {
	case CodeSuccess:
		return "success"
	case CodeInvalidParam:
		return "invalid_param"
	case CodeOutOfMemory:
		return "out_of_memory"
	case CodeInvalidState:
		return "invalid_state"
	case CodeProcessFailed:
		return "process_failed"
	}
	return "unknown"
}
