package appium

import (
	"os"

	"github.com/devicelab-dev/appium-runner/pkg/core"
)

// AutomationUiAutomator2 is the Android automation engine.
const AutomationUiAutomator2 = "UiAutomator2"

// Capabilities is the declared set of session parameters. Build it once and
// treat it as read-only; Map returns a fresh copy each call.
type Capabilities struct {
	PlatformName         string
	DeviceName           string
	App                  string // absolute or relative path to the APK
	AutomationName       string
	UDID                 string
	SystemPort           int // UiAutomator2 routing port
	NoReset              bool
	FullReset            bool
	AutoGrantPermissions bool
	AppActivity          string
	AppPackage           string
}

// DefaultCapabilities returns the Android/UiAutomator2 baseline used by the
// test suite: keep app data between sessions and grant permissions up front.
func DefaultCapabilities() Capabilities {
	return Capabilities{
		PlatformName:         "Android",
		DeviceName:           "Android Emulator",
		AutomationName:       AutomationUiAutomator2,
		NoReset:              true,
		FullReset:            false,
		AutoGrantPermissions: true,
	}
}

// Validate checks the parts of the set that can be checked locally: the app
// binary must exist and be a regular file.
func (c Capabilities) Validate() error {
	if c.App == "" {
		return core.ErrInvalidConfiguration.WithMessage("app binary path is empty")
	}
	info, err := os.Stat(c.App)
	if err != nil {
		return core.ErrInvalidConfiguration.
			WithMessagef("app binary %s does not exist", c.App).
			WithCause(err)
	}
	if info.IsDir() {
		return core.ErrInvalidConfiguration.WithMessagef("app binary %s is a directory", c.App)
	}
	return nil
}

// Map renders the W3C alwaysMatch mapping; vendor keys get the appium: prefix.
func (c Capabilities) Map() map[string]interface{} {
	m := map[string]interface{}{
		"platformName":                c.PlatformName,
		"appium:deviceName":           c.DeviceName,
		"appium:app":                  c.App,
		"appium:automationName":       c.AutomationName,
		"appium:noReset":              c.NoReset,
		"appium:fullReset":            c.FullReset,
		"appium:autoGrantPermissions": c.AutoGrantPermissions,
	}
	if c.UDID != "" {
		m["appium:udid"] = c.UDID
	}
	if c.SystemPort > 0 {
		m["appium:systemPort"] = c.SystemPort
	}
	if c.AppActivity != "" {
		m["appium:appActivity"] = c.AppActivity
	}
	if c.AppPackage != "" {
		m["appium:appPackage"] = c.AppPackage
	}
	return m
}
