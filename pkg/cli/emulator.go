package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/devicelab-dev/appium-runner/pkg/adb"
	"github.com/devicelab-dev/appium-runner/pkg/config"
	"github.com/devicelab-dev/appium-runner/pkg/emulator"
	"github.com/devicelab-dev/appium-runner/pkg/logger"
	"github.com/urfave/cli/v2"
)

var emulatorCommand = &cli.Command{
	Name:  "emulator",
	Usage: "Start and inspect Android emulators",
	Subcommands: []*cli.Command{
		{
			Name:  "start",
			Usage: "Boot an AVD on a console port from the pool",
			Description: `Boots the AVD on the pool port for --slot and waits for
sys.boot_completed. A stale process holding the port is killed first.

Examples:
  appium-runner emulator start
  appium-runner emulator start --avd Pixel_7 --slot 1 --foreground`,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "avd",
					Usage: "AVD name (default: AVD_NAME setting)",
				},
				&cli.IntFlag{
					Name:  "slot",
					Usage: "Index into the console port pool",
				},
				&cli.BoolFlag{
					Name:  "foreground",
					Usage: "Keep running until interrupted, then stop the emulator",
				},
			},
			Action: runEmulatorStart,
		},
		{
			Name:   "avds",
			Usage:  "List available AVDs",
			Action: runListAVDs,
		},
		{
			Name:   "devices",
			Usage:  "List attached online devices",
			Action: runListDevices,
		},
	},
}

// newBridge returns the ADB backend selected with --adb.
func newBridge(c *cli.Context) (adb.Bridge, error) {
	backend := strings.ToLower(strings.TrimSpace(c.String("adb")))
	if backend != "" && backend != "cli" && backend != "gadb" {
		return nil, fmt.Errorf("unknown adb backend %q (use cli or gadb)", backend)
	}

	bin, err := emulator.FindADBBinary()
	if err != nil {
		return nil, err
	}
	fallback := &adb.CLI{Bin: bin, Run: adb.ExecRunner}
	if backend == "gadb" {
		g, err := adb.NewGADB(fallback)
		if err != nil {
			return nil, err
		}
		return g, nil
	}
	return fallback, nil
}

func newManager(s *config.Settings, bridge adb.Bridge) *emulator.Manager {
	return emulator.NewManager(emulator.Config{
		Pool:        s.EmulatorPorts,
		LogDir:      s.LogDir,
		BootTimeout: s.BootTimeout,
	}, bridge)
}

func runEmulatorStart(c *cli.Context) error {
	s, ctx, closeLog, err := setup(c)
	if err != nil {
		return err
	}
	defer closeLog()

	bridge, err := newBridge(c)
	if err != nil {
		return err
	}
	mgr := newManager(s, bridge)

	avd := c.String("avd")
	if avd == "" {
		avd = s.AVDName
	}
	slot := c.Int("slot")

	printSetupStep(fmt.Sprintf("Starting emulator: %s (slot %d, timeout %s)", avd, slot, s.BootTimeout))
	rec, err := mgr.Start(ctx, avd, slot)
	if err != nil {
		printIssues("cleanup", mgr.StopAll(context.WithoutCancel(ctx)))
		return fmt.Errorf("failed to start emulator %s: %w", avd, err)
	}
	printSetupSuccess(fmt.Sprintf("Emulator started: %s (booted in %s)", rec.UDID, formatDuration(rec.BootDuration)))

	if !c.Bool("foreground") {
		return nil
	}
	printSetupStep("Press Ctrl+C to stop the emulator")
	<-ctx.Done()
	logger.Info("interrupted, stopping %s", rec.UDID)
	printIssues("stop", mgr.StopAll(context.WithoutCancel(ctx)))
	printSetupSuccess("Emulator stopped: " + rec.UDID)
	return nil
}

func runListAVDs(c *cli.Context) error {
	_, ctx, closeLog, err := setup(c)
	if err != nil {
		return err
	}
	defer closeLog()

	avds, err := emulator.CLIAVDLister{}.ListAVDs(ctx)
	if err != nil {
		return err
	}
	if len(avds) == 0 {
		fmt.Println("No AVDs found. Create one with: avdmanager create avd")
		return nil
	}
	for _, name := range avds {
		fmt.Println(name)
	}
	return nil
}

func runListDevices(c *cli.Context) error {
	s, ctx, closeLog, err := setup(c)
	if err != nil {
		return err
	}
	defer closeLog()

	bridge, err := newBridge(c)
	if err != nil {
		return err
	}
	devices, err := newManager(s, bridge).FindAttached(ctx)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Println("No online devices")
		return nil
	}
	for _, d := range devices {
		kind := "device"
		if d.IsEmulator() {
			kind = "emulator"
		}
		fmt.Printf("%-20s %-8s %s\n", d.Serial, d.State, kind)
	}
	return nil
}
