package adb

import (
	"bufio"
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/devicelab-dev/appium-runner/pkg/logger"
	"github.com/pkg/errors"
)

// Runner executes a command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// CLI drives the adb command line tool.
type CLI struct {
	Bin string // default "adb"
	Run Runner // default ExecRunner
}

// NewCLI returns a CLI bridge using the adb on PATH.
func NewCLI() *CLI {
	return &CLI{Bin: "adb", Run: ExecRunner}
}

func (c *CLI) run(ctx context.Context, args ...string) ([]byte, error) {
	bin, run := c.Bin, c.Run
	if bin == "" {
		bin = "adb"
	}
	if run == nil {
		run = ExecRunner
	}
	out, err := run(ctx, bin, args...)
	if err != nil {
		return out, errors.Wrapf(err, "%s %s: %s", bin, strings.Join(args, " "), strings.TrimSpace(string(out)))
	}
	return out, nil
}

// Devices implements Bridge by parsing "adb devices".
func (c *CLI) Devices(ctx context.Context) ([]Device, error) {
	out, err := c.run(ctx, "devices")
	if err != nil {
		return nil, err
	}
	return ParseDevices(out), nil
}

// ParseDevices parses "adb devices" output, skipping the header and daemon
// chatter.
func ParseDevices(out []byte) []Device {
	var devices []Device
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "*") || strings.HasPrefix(line, "List of devices") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		devices = append(devices, Device{
			Serial: fields[0],
			State:  fields[1],
			Online: fields[1] == "device",
		})
	}
	return devices
}

// BootCompleted implements Bridge.
func (c *CLI) BootCompleted(ctx context.Context, serial string) (bool, error) {
	out, err := c.run(ctx, "-s", serial, "shell", "getprop", "sys.boot_completed")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(string(out)) == "1", nil
}

// KillEmulator implements Bridge.
func (c *CLI) KillEmulator(ctx context.Context, serial string) error {
	_, err := c.run(ctx, "-s", serial, "emu", "kill")
	return err
}

// Restart implements Bridge. A failing kill-server is only logged since the
// daemon may not be running; a failing start-server is returned.
func (c *CLI) Restart(ctx context.Context) error {
	if _, err := c.run(ctx, "kill-server"); err != nil {
		logger.Warn("adb kill-server failed (daemon may not be running): %v", err)
	} else {
		logger.Info("stopped adb server")
	}
	out, err := c.run(ctx, "start-server")
	if err != nil {
		return err
	}
	logger.Debug("adb start-server: %s", strings.TrimSpace(string(out)))
	logger.Info("started adb server")
	return nil
}
