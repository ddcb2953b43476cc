// Package cli provides the command-line interface for appium-runner.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/devicelab-dev/appium-runner/pkg/config"
	"github.com/devicelab-dev/appium-runner/pkg/logger"
	"github.com/devicelab-dev/appium-runner/pkg/telemetry"
	"github.com/urfave/cli/v2"
)

// Version is set at build time.
var Version = "dev"

// GlobalFlags are available to all commands.
var GlobalFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Directory containing config.yaml (default: appium-runner home)",
		EnvVars: []string{"APPIUM_RUNNER_CONFIG"},
	},
	&cli.BoolFlag{
		Name:    "verbose",
		Usage:   "Enable verbose logging",
		EnvVars: []string{"APPIUM_RUNNER_VERBOSE"},
	},
	&cli.StringFlag{
		Name:    "adb",
		Usage:   "ADB backend (cli, gadb)",
		Value:   "cli",
		EnvVars: []string{"ADB_BACKEND"},
	},
	&cli.BoolFlag{
		Name:  "no-ansi",
		Usage: "Disable ANSI colors",
	},
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "appium-runner",
		Usage:   "Parallel Appium sessions on Android emulators",
		Version: Version,
		Description: `appium-runner starts one Appium server per worker, on its own ports and
device, opens a W3C session and tears everything down afterwards.

Examples:
  appium-runner session --device emulator-5554
  appium-runner emulator start --avd Pixel_7 --slot 1
  appium-runner run --workers 2 --boot`,
		Flags: GlobalFlags,
		Before: func(c *cli.Context) error {
			if c.Bool("no-ansi") {
				colorsEnabled = false
			}
			return nil
		},
		Commands: []*cli.Command{
			sessionCommand,
			emulatorCommand,
			runCommand,
		},
	}
}

// Execute runs the CLI.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

// setup resolves settings, anchors relative directories at the home (or
// --config) directory and starts the framework log. The returned func closes
// the log.
func setup(c *cli.Context) (*config.Settings, context.Context, func(), error) {
	dir := c.String("config")
	if dir != "" {
		// Relative directories in config.yaml are relative to its directory.
		config.SetHome(dir)
	} else {
		dir = config.GetHome()
	}
	s, err := config.Resolve(dir)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	s.LogDir = config.ResolvePath(s.LogDir)
	s.ScreenshotDir = config.ResolvePath(s.ScreenshotDir)
	s.AllureDir = config.ResolvePath(s.AllureDir)
	s.APKPath = config.ResolvePath(s.APKPath)

	if err := os.MkdirAll(s.LogDir, 0o755); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	opts := logger.Options{
		Level:  "info",
		Fields: map[string]interface{}{"correlation_id": s.CorrelationID},
	}
	if c.Bool("verbose") {
		opts.Console = os.Stderr
		opts.Level = "debug"
	}
	if err := logger.InitWithOptions(s.FrameworkLogPath(), opts); err != nil {
		fmt.Printf("Warning: Failed to initialize logger: %v\n", err)
	}
	logger.Info("config dir: %s, log dir: %s", dir, s.LogDir)

	ctx := c.Context
	if ctx == nil {
		ctx = context.Background()
	}
	return s, telemetry.WithCorrelationID(ctx, s.CorrelationID), logger.Close, nil
}
