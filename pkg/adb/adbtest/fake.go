// Package adbtest provides a scriptable adb.Bridge for tests.
package adbtest

import (
	"context"
	"sync"

	"github.com/devicelab-dev/appium-runner/pkg/adb"
)

// Bridge is an in-memory adb.Bridge. Devices appear after a configurable
// number of polls and report booted after another.
type Bridge struct {
	mu sync.Mutex

	devices  map[string]*device
	order    []string
	polls    int
	restarts int
	killed   []string

	// RestartErr is returned by Restart.
	RestartErr error
	// KillErr is returned by KillEmulator.
	KillErr error
	// DevicesErr is returned by Devices.
	DevicesErr error
}

type device struct {
	visibleAfter int // Devices polls before the device shows up
	bootedAfter  int // BootCompleted polls before it reports "1"
	bootPolls    int
	state        string
}

// New returns an empty bridge.
func New() *Bridge {
	return &Bridge{devices: map[string]*device{}}
}

// Attach makes serial visible immediately and already booted.
func (b *Bridge) Attach(serial string) {
	b.Schedule(serial, 0, 0)
}

// Schedule makes serial appear after visibleAfter Devices calls and report
// booted after bootedAfter BootCompleted calls.
func (b *Bridge) Schedule(serial string, visibleAfter, bootedAfter int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.devices[serial]; !ok {
		b.order = append(b.order, serial)
	}
	b.devices[serial] = &device{visibleAfter: visibleAfter, bootedAfter: bootedAfter, state: "device"}
}

// SetState overrides the reported state of serial ("offline", ...).
func (b *Bridge) SetState(serial, state string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if d, ok := b.devices[serial]; ok {
		d.state = state
	}
}

// Devices implements adb.Bridge.
func (b *Bridge) Devices(context.Context) ([]adb.Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.DevicesErr != nil {
		return nil, b.DevicesErr
	}
	b.polls++
	var out []adb.Device
	for _, serial := range b.order {
		d := b.devices[serial]
		if b.polls <= d.visibleAfter {
			continue
		}
		out = append(out, adb.Device{Serial: serial, State: d.state, Online: d.state == "device"})
	}
	return out, nil
}

// BootCompleted implements adb.Bridge.
func (b *Bridge) BootCompleted(_ context.Context, serial string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.devices[serial]
	if !ok {
		return false, nil
	}
	d.bootPolls++
	return d.bootPolls > d.bootedAfter, nil
}

// KillEmulator implements adb.Bridge.
func (b *Bridge) KillEmulator(_ context.Context, serial string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.killed = append(b.killed, serial)
	if b.KillErr != nil {
		return b.KillErr
	}
	delete(b.devices, serial)
	for i, s := range b.order {
		if s == serial {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	return nil
}

// Restart implements adb.Bridge.
func (b *Bridge) Restart(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.restarts++
	return b.RestartErr
}

// Restarts counts Restart calls.
func (b *Bridge) Restarts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.restarts
}

// Killed lists serials passed to KillEmulator.
func (b *Bridge) Killed() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.killed...)
}

// Polls counts Devices calls.
func (b *Bridge) Polls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.polls
}
