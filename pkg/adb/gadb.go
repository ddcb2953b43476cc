package adb

import (
	"context"
	"strings"
	"sync"

	"github.com/httprunner/httprunner/v5/pkg/gadb"
	"github.com/pkg/errors"
)

// GADB talks to the adb server over its socket protocol. Console commands
// (emu kill) and daemon restarts have no socket equivalent and go through the
// CLI fallback.
type GADB struct {
	mu       sync.Mutex
	client   gadb.Client
	fallback *CLI
}

// NewGADB connects to the local adb server.
func NewGADB(fallback *CLI) (*GADB, error) {
	client, err := gadb.NewClient()
	if err != nil {
		return nil, errors.Wrap(err, "init adb client")
	}
	if fallback == nil {
		fallback = NewCLI()
	}
	return &GADB{client: client, fallback: fallback}, nil
}

func (g *GADB) devices() ([]*gadb.Device, error) {
	g.mu.Lock()
	client := g.client
	g.mu.Unlock()
	devs, err := client.DeviceList()
	if err != nil {
		return nil, errors.Wrap(err, "list adb devices")
	}
	return devs, nil
}

// Devices implements Bridge.
func (g *GADB) Devices(ctx context.Context) ([]Device, error) {
	devs, err := g.devices()
	if err != nil {
		return nil, err
	}
	out := make([]Device, 0, len(devs))
	for _, dev := range devs {
		if dev == nil {
			continue
		}
		serial := strings.TrimSpace(dev.Serial())
		if serial == "" {
			continue
		}
		state, err := dev.State()
		if err != nil {
			state = gadb.StateUnknown
		}
		out = append(out, Device{Serial: serial, State: string(state), Online: state == gadb.StateOnline})
	}
	return out, nil
}

// BootCompleted implements Bridge.
func (g *GADB) BootCompleted(ctx context.Context, serial string) (bool, error) {
	devs, err := g.devices()
	if err != nil {
		return false, err
	}
	for _, dev := range devs {
		if dev == nil || strings.TrimSpace(dev.Serial()) != serial {
			continue
		}
		out, err := dev.RunShellCommand("getprop", "sys.boot_completed")
		if err != nil {
			return false, errors.Wrapf(err, "getprop on %s", serial)
		}
		return strings.TrimSpace(out) == "1", nil
	}
	return false, errors.Errorf("device %s not found", serial)
}

// KillEmulator implements Bridge.
func (g *GADB) KillEmulator(ctx context.Context, serial string) error {
	return g.fallback.KillEmulator(ctx, serial)
}

// Restart implements Bridge and reconnects the socket client afterwards.
func (g *GADB) Restart(ctx context.Context) error {
	if err := g.fallback.Restart(ctx); err != nil {
		return err
	}
	client, err := gadb.NewClient()
	if err != nil {
		return errors.Wrap(err, "reconnect adb client")
	}
	g.mu.Lock()
	g.client = client
	g.mu.Unlock()
	return nil
}
