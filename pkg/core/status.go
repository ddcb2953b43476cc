package core

import "errors"

// RunStatus represents the outcome of one worker's run
type RunStatus int

const (
	StatusPending RunStatus = iota // Not yet started
	StatusRunning                  // Session being acquired or test body executing
	StatusPassed                   // Test body returned nil
	StatusFailed                   // Test body returned an error
	StatusErrored                  // Infrastructure error (service, session, device)
	StatusSkipped                  // Context cancelled before the worker started
)

// String returns the string representation of RunStatus
func (s RunStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusPassed:
		return "passed"
	case StatusFailed:
		return "failed"
	case StatusErrored:
		return "errored"
	case StatusSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// IsTerminal returns true if the status is a final state
func (s RunStatus) IsTerminal() bool {
	switch s {
	case StatusPassed, StatusFailed, StatusErrored, StatusSkipped:
		return true
	default:
		return false
	}
}

// IsSuccess returns true if the status indicates success
func (s RunStatus) IsSuccess() bool {
	return s == StatusPassed
}

// ErrorCategory classifies the type of error for better debugging and reporting
type ErrorCategory int

const (
	ErrCategoryNone       ErrorCategory = iota // No error
	ErrCategoryConfig                          // Invalid configuration, missing app binary
	ErrCategoryService                         // Automation service could not be launched
	ErrCategoryTimeout                         // Health probe or boot wait timed out
	ErrCategoryConnection                      // Remote session could not be opened
	ErrCategoryDevice                          // Emulator image, port pool or port reclamation
)

// String returns the string representation of ErrorCategory
func (c ErrorCategory) String() string {
	switch c {
	case ErrCategoryNone:
		return "none"
	case ErrCategoryConfig:
		return "config"
	case ErrCategoryService:
		return "service"
	case ErrCategoryTimeout:
		return "timeout"
	case ErrCategoryConnection:
		return "connection"
	case ErrCategoryDevice:
		return "device"
	default:
		return "unknown"
	}
}

// CategoryOf returns the category of the first ExecutionError in err's chain.
func CategoryOf(err error) ErrorCategory {
	var e *ExecutionError
	if errors.As(err, &e) {
		return e.Category
	}
	return ErrCategoryNone
}
