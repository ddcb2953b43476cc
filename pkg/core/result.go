package core

import (
	"time"
)

// WorkerResult captures the outcome of one worker: session acquisition, the
// test body and teardown.
type WorkerResult struct {
	// Identity
	WorkerID string `json:"workerId"`
	Name     string `json:"name"`

	// Resources the worker held
	AppiumPort int    `json:"appiumPort,omitempty"`
	SystemPort int    `json:"systemPort,omitempty"`
	DeviceID   string `json:"deviceId,omitempty"`

	// Status
	Status   RunStatus     `json:"status"`
	Category ErrorCategory `json:"errorCategory,omitempty"`

	// Timing
	StartTime time.Time     `json:"startTime"`
	Duration  time.Duration `json:"duration"`

	// Error Details
	Error string `json:"error,omitempty"`

	// Non-fatal problems reported while stopping the session and service
	TeardownIssues []string `json:"teardownIssues,omitempty"`

	// Debug Artifacts
	Attachments []Attachment `json:"attachments,omitempty"`
}

// RunResult aggregates all worker results of one parallel run
type RunResult struct {
	RunID string `json:"runId"`

	StartTime time.Time     `json:"startTime"`
	Duration  time.Duration `json:"duration"`

	Workers []WorkerResult `json:"workers"`

	// Summary
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// ComputeSummary calculates counts from the Workers slice
func (r *RunResult) ComputeSummary() {
	r.Total = len(r.Workers)
	r.Passed = 0
	r.Failed = 0
	r.Skipped = 0

	for _, w := range r.Workers {
		switch w.Status {
		case StatusPassed:
			r.Passed++
		case StatusFailed, StatusErrored:
			r.Failed++
		case StatusSkipped:
			r.Skipped++
		}
	}
}

// Success returns true if every worker passed
func (r *RunResult) Success() bool {
	for _, w := range r.Workers {
		if !w.Status.IsSuccess() {
			return false
		}
	}
	return len(r.Workers) > 0
}
