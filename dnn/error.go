package dnn

import (
	"fmt"

	"github.com/pkg/errors"
)

// Status codes reported by the library.
type Status int

const (
	StatusSuccess Status = iota
	StatusBadParam
	StatusNotSupported
	StatusInvalidState
	StatusNotInitialized
	StatusExecutionFailed
	StatusInternalError
)

var statusNames = []string{
	"SUCCESS",
	"BAD_PARAM",
	"NOT_SUPPORTED",
	"INVALID_STATE",
	"NOT_INITIALIZED",
	"EXECUTION_FAILED",
	"INTERNAL_ERROR",
}

// String implements fmt.Stringer.
func (s Status) String() string {
	if int(s) >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Error is the diagnostic returned by every failing library call.
type Error struct {
	Status  Status
	Message string
}

// Error implements error.
func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Status, e.Message)
}

func errorf(status Status, format string, args ...any) error {
	return errors.WithStack(&Error{Status: status, Message: fmt.Sprintf(format, args...)})
}

// StatusOf returns the Status carried by err, StatusSuccess for nil, or StatusInternalError for
// errors not created by this package.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var dnnErr *Error
	if errors.As(err, &dnnErr) {
		return dnnErr.Status
	}
	return StatusInternalError
}
