package core

import (
	"errors"
	"fmt"
	"testing"

	pkgerrors "github.com/pkg/errors"
)

func TestExecutionError_Message(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"template", ErrPoolExhausted, "no device port slot available"},
		{"custom message", ErrUnknownDevice.WithMessagef("AVD %q does not exist", "Pixel_9"), `AVD "Pixel_9" does not exist`},
		{"with cause", ErrSessionOpenFailure.WithCause(errors.New("connection refused")), "could not open automation session: connection refused"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExecutionError_DerivedCopiesLeaveTemplateAlone(t *testing.T) {
	cause := errors.New("exit status 1")
	derived := ErrServiceStartFailure.
		WithMessage("appium exited").
		WithDetails(map[string]interface{}{"port": 4723}).
		WithDetails(map[string]interface{}{"command": "appium --port 4723"}).
		WithCause(cause)

	if derived.Details["port"] != 4723 || derived.Details["command"] != "appium --port 4723" {
		t.Errorf("details not merged: %v", derived.Details)
	}
	if derived.Unwrap() != cause {
		t.Errorf("Unwrap() = %v, want %v", derived.Unwrap(), cause)
	}
	if derived.Category != ErrCategoryService || derived.Code != "service_start_failure" {
		t.Errorf("category/code changed: %s/%s", derived.Category, derived.Code)
	}

	if ErrServiceStartFailure.Details != nil || ErrServiceStartFailure.Cause != nil {
		t.Error("template was modified")
	}
	if ErrServiceStartFailure.Message != "automation service failed to start" {
		t.Errorf("template message changed to %q", ErrServiceStartFailure.Message)
	}
}

func TestExecutionError_WithDetailsDoesNotShareMaps(t *testing.T) {
	first := ErrBootTimeout.WithDetails(map[string]interface{}{"udid": "emulator-5554"})
	second := first.WithDetails(map[string]interface{}{"log": "/tmp/emulator.log"})

	if _, ok := first.Details["log"]; ok {
		t.Error("second WithDetails wrote into the first copy")
	}
	if second.Details["udid"] != "emulator-5554" {
		t.Error("existing details not carried over")
	}
}

func TestTemplates(t *testing.T) {
	tests := []struct {
		err      *ExecutionError
		category ErrorCategory
		code     string
	}{
		{ErrInvalidConfiguration, ErrCategoryConfig, "invalid_configuration"},
		{ErrServiceStartFailure, ErrCategoryService, "service_start_failure"},
		{ErrStartupTimeout, ErrCategoryTimeout, "startup_timeout"},
		{ErrSessionOpenFailure, ErrCategoryConnection, "session_open_failure"},
		{ErrUnknownDevice, ErrCategoryDevice, "unknown_device"},
		{ErrPoolExhausted, ErrCategoryDevice, "pool_exhausted"},
		{ErrPortUnavailable, ErrCategoryDevice, "port_unavailable"},
		{ErrBootTimeout, ErrCategoryTimeout, "boot_timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			if tt.err.Category != tt.category || tt.err.Code != tt.code {
				t.Errorf("got %s/%s, want %s/%s", tt.err.Category, tt.err.Code, tt.category, tt.code)
			}
			if tt.err.Message == "" {
				t.Error("template without message")
			}
		})
	}
}

func TestExecutionError_IsMatchesByCode(t *testing.T) {
	cause := errors.New("root cause")
	err := ErrStartupTimeout.WithMessage("appium on 4723 never answered").WithCause(cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is() should find the cause")
	}
	if !errors.Is(err, ErrStartupTimeout) {
		t.Error("errors.Is() should match the template")
	}
	if errors.Is(err, ErrBootTimeout) {
		t.Error("errors.Is() matched a template with the same category but another code")
	}
	if errors.Is(err, &ExecutionError{}) {
		t.Error("an empty code must not match")
	}
}

func TestExecutionError_ThroughWrapping(t *testing.T) {
	err := pkgerrors.Wrap(ErrPortUnavailable.WithMessage("port 5554 busy"), "start emulator")
	err = fmt.Errorf("worker gw0: %w", err)

	if !errors.Is(err, ErrPortUnavailable) {
		t.Error("errors.Is() should see through pkg/errors and fmt wrapping")
	}
	if got := CodeOf(err); got != "port_unavailable" {
		t.Errorf("CodeOf() = %q, want port_unavailable", got)
	}
	if got := CategoryOf(err); got != ErrCategoryDevice {
		t.Errorf("CategoryOf() = %s, want device", got)
	}
}

func TestCodeOf_PlainError(t *testing.T) {
	if got := CodeOf(errors.New("plain")); got != "" {
		t.Errorf("CodeOf() = %q, want empty", got)
	}
	if got := CategoryOf(nil); got != ErrCategoryNone {
		t.Errorf("CategoryOf(nil) = %s, want none", got)
	}
}
