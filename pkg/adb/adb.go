// Package adb talks to the Android Debug Bridge: it lists attached devices,
// reads the boot property, kills emulators and restarts the daemon.
package adb

import (
	"context"
	"strings"
)

// Device is one entry of the bridge's device list.
type Device struct {
	Serial string
	State  string // raw state as reported by the bridge
	Online bool
}

// IsEmulator reports whether the serial names a local emulator.
func (d Device) IsEmulator() bool {
	return IsEmulator(d.Serial)
}

// Bridge is the subset of adb the device manager needs.
type Bridge interface {
	// Devices lists attached devices in any state.
	Devices(ctx context.Context) ([]Device, error)
	// BootCompleted reports whether sys.boot_completed is "1" on serial.
	BootCompleted(ctx context.Context, serial string) (bool, error)
	// KillEmulator asks the emulator console to shut down.
	KillEmulator(ctx context.Context, serial string) error
	// Restart stops and starts the adb daemon.
	Restart(ctx context.Context) error
}

// IsEmulator reports whether serial is an emulator serial ("emulator-5554").
func IsEmulator(serial string) bool {
	return strings.HasPrefix(serial, "emulator-")
}

// Find returns the device with serial from list.
func Find(list []Device, serial string) (Device, bool) {
	for _, d := range list {
		if d.Serial == serial {
			return d, true
		}
	}
	return Device{}, false
}
