package core

import (
	"errors"
	"fmt"
)

// ExecutionError is a lifecycle failure with a stable code. The predefined
// values below are templates; call sites derive copies with the With methods
// and callers match them with errors.Is.
type ExecutionError struct {
	Category ErrorCategory
	Code     string // startup_timeout, pool_exhausted, ...
	Message  string
	Details  map[string]interface{}
	Cause    error
}

func (e *ExecutionError) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return e.Message + ": " + e.Cause.Error()
}

func (e *ExecutionError) Unwrap() error { return e.Cause }

// Is reports a match on Code, so derived copies equal their template.
func (e *ExecutionError) Is(target error) bool {
	t, ok := target.(*ExecutionError)
	return ok && t.Code != "" && t.Code == e.Code
}

func (e *ExecutionError) clone() *ExecutionError {
	c := *e
	return &c
}

// WithCause returns a copy wrapping cause.
func (e *ExecutionError) WithCause(cause error) *ExecutionError {
	c := e.clone()
	c.Cause = cause
	return c
}

// WithMessage returns a copy with msg replacing the template message.
func (e *ExecutionError) WithMessage(msg string) *ExecutionError {
	c := e.clone()
	c.Message = msg
	return c
}

func (e *ExecutionError) WithMessagef(format string, args ...interface{}) *ExecutionError {
	return e.WithMessage(fmt.Sprintf(format, args...))
}

// WithDetails returns a copy whose details are e's merged with details.
// Neither e nor the argument is modified.
func (e *ExecutionError) WithDetails(details map[string]interface{}) *ExecutionError {
	c := e.clone()
	c.Details = make(map[string]interface{}, len(e.Details)+len(details))
	for _, src := range []map[string]interface{}{e.Details, details} {
		for k, v := range src {
			c.Details[k] = v
		}
	}
	return c
}

func template(category ErrorCategory, code, message string) *ExecutionError {
	return &ExecutionError{Category: category, Code: code, Message: message}
}

// Configuration and service startup.
var (
	ErrInvalidConfiguration = template(ErrCategoryConfig, "invalid_configuration", "invalid configuration")
	ErrServiceStartFailure  = template(ErrCategoryService, "service_start_failure", "automation service failed to start")
	ErrStartupTimeout       = template(ErrCategoryTimeout, "startup_timeout", "automation service did not become healthy in time")
	ErrSessionOpenFailure   = template(ErrCategoryConnection, "session_open_failure", "could not open automation session")
)

// Emulator lifecycle.
var (
	ErrUnknownDevice   = template(ErrCategoryDevice, "unknown_device", "device image is not available")
	ErrPoolExhausted   = template(ErrCategoryDevice, "pool_exhausted", "no device port slot available")
	ErrPortUnavailable = template(ErrCategoryDevice, "port_unavailable", "device port could not be freed")
	ErrBootTimeout     = template(ErrCategoryTimeout, "boot_timeout", "device did not finish booting in time")
)

// CodeOf returns the code of the first ExecutionError in err's chain, or "".
func CodeOf(err error) string {
	var e *ExecutionError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
