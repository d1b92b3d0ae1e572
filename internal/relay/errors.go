package relay

import (
	"errors"
	"fmt"
	"net/http"
)

// SwitchError carries a dotted operation code plus the HTTP status the
// control plane maps it to.
type SwitchError struct {
	code   string
	status int
	err    error
}

func (e *SwitchError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *SwitchError) Unwrap() error {
	return e.err
}

// Code returns the dotted operation code.
func (e *SwitchError) Code() string {
	return e.code
}

// Status returns the HTTP status for this failure.
func (e *SwitchError) Status() int {
	return e.status
}

func newSwitchError(operation, reason string, status int, cause error) *SwitchError {
	return &SwitchError{
		code:   fmt.Sprintf("%s.%s", operation, reason),
		status: status,
		err:    cause,
	}
}

// StatusOf extracts the HTTP status from an error chain, defaulting to 500.
func StatusOf(err error) int {
	var switchErr *SwitchError
	if errors.As(err, &switchErr) {
		return switchErr.Status()
	}
	return http.StatusInternalServerError
}
