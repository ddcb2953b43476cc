package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/devicelab-dev/appium-runner/pkg/config"
	"github.com/devicelab-dev/appium-runner/pkg/emulator"
	"github.com/devicelab-dev/appium-runner/pkg/executor"
	"github.com/devicelab-dev/appium-runner/pkg/logger"
	"github.com/urfave/cli/v2"
)

var runCommand = &cli.Command{
	Name:  "run",
	Usage: "Open a session on several workers in parallel and check each one",
	Description: `Every worker gets its own Appium server, ports and device. The check
reads the page source of the app under test; failures get a screenshot and
the Appium log attached. Results go to report.json and Allure.

Examples:
  appium-runner run --workers 2
  appium-runner run --devices emulator-5554,emulator-5556
  appium-runner run --workers 2 --boot --avd Pixel_7 --avd Pixel_7_b`,
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:    "workers",
			Aliases: []string{"n"},
			Usage:   "Number of parallel workers (default: one per device)",
		},
		&cli.StringFlag{
			Name:    "devices",
			Aliases: []string{"device"},
			Usage:   "Comma-separated device UDIDs, assigned to workers in order",
		},
		&cli.BoolFlag{
			Name:  "boot",
			Usage: "Boot emulators from the pool when fewer devices than workers are attached",
		},
		&cli.StringSliceFlag{
			Name:  "avd",
			Usage: "AVD to boot per slot (repeatable; default: AVD_NAME setting)",
		},
		&cli.StringFlag{
			Name:  "name",
			Usage: "Name recorded in reports",
			Value: "app launches",
		},
		&cli.StringFlag{
			Name:  "output",
			Usage: "Directory for report.json (default: ./reports/<timestamp>)",
		},
		&cli.BoolFlag{
			Name:  "flatten",
			Usage: "Write reports directly into --output without a timestamp folder",
		},
	},
	Action: runParallel,
}

func runParallel(c *cli.Context) error {
	outputDir, err := resolveOutputDir(c.String("output"), c.Bool("flatten"))
	if err != nil {
		return err
	}

	s, ctx, closeLog, err := setup(c)
	if err != nil {
		return err
	}
	defer closeLog()

	devices := parseDevices(c.String("devices"))
	workers := c.Int("workers")
	if workers <= 0 {
		workers = len(devices)
	}
	if workers <= 0 {
		workers = 1
	}

	if len(devices) < workers {
		mgr, err := attachDevices(ctx, c, s, &devices, workers)
		if err != nil {
			return err
		}
		if mgr != nil {
			defer func() {
				printIssues("emulator teardown", mgr.StopAll(context.WithoutCancel(ctx)))
			}()
		}
	}

	cfg := executor.ConfigFromSettings(s, workers)
	cfg.Devices = devices
	cfg.OutputDir = outputDir
	cfg.OnWorkerStart = func(id string) { printSetupStep("Starting " + id) }
	cfg.OnWorkerEnd = onWorkerEnd

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	logger.Info("run: %d workers, devices %v, output %s", workers, devices, outputDir)

	run, err := executor.NewParallelRunner(cfg).Run(ctx, c.String("name"), smokeTest)
	if run == nil {
		return err
	}
	printSummary(os.Stdout, run)
	if err != nil {
		printWarning(fmt.Sprintf("reports incomplete: %v", err))
	} else {
		printSetupSuccess("Report: " + filepath.Join(outputDir, "report.json"))
	}

	if !run.Success() {
		return cli.Exit(fmt.Sprintf("%d of %d workers failed", run.Failed, run.Total), 1)
	}
	return nil
}

// attachDevices tops up devices with attached online devices and, with
// --boot, emulators started from the pool. The returned manager owns any
// emulators it started.
func attachDevices(ctx context.Context, c *cli.Context, s *config.Settings, devices *[]string, workers int) (*emulator.Manager, error) {
	bridge, err := newBridge(c)
	if err != nil {
		if c.Bool("boot") {
			return nil, err
		}
		logger.Warn("device detection skipped: %v", err)
		return nil, nil
	}
	mgr := newManager(s, bridge)

	attached, err := mgr.FindAttached(ctx)
	if err != nil {
		logger.Warn("device detection failed: %v", err)
	}
	for _, d := range attached {
		if len(*devices) >= workers {
			break
		}
		if !contains(*devices, d.Serial) {
			*devices = append(*devices, d.Serial)
			logger.Info("using attached device %s", d.Serial)
		}
	}
	if len(*devices) >= workers || !c.Bool("boot") {
		return nil, nil
	}

	avds := c.StringSlice("avd")
	if len(avds) == 0 {
		avds = []string{s.AVDName}
	}
	pool := mgr.Pool()
	for slot := 0; len(*devices) < workers; slot++ {
		if slot >= len(pool) {
			printIssues("cleanup", mgr.StopAll(context.WithoutCancel(ctx)))
			return nil, fmt.Errorf("need %d devices, have %d and the emulator pool is exhausted", workers, len(*devices))
		}
		// Already attached and in use; starting here would kill it.
		if contains(*devices, emulator.UDID(pool[slot])) {
			continue
		}
		avd := avds[slot%len(avds)]
		printSetupStep(fmt.Sprintf("Starting emulator: %s (slot %d)", avd, slot))
		rec, err := mgr.Start(ctx, avd, slot)
		if err != nil {
			printIssues("cleanup", mgr.StopAll(context.WithoutCancel(ctx)))
			return nil, fmt.Errorf("failed to start emulator %s: %w", avd, err)
		}
		printSetupSuccess(fmt.Sprintf("Emulator started: %s (booted in %s)", rec.UDID, formatDuration(rec.BootDuration)))
		*devices = append(*devices, rec.UDID)
	}
	return mgr, nil
}

// pageSourcer is implemented by *appium.Client.
type pageSourcer interface {
	Source(ctx context.Context) (string, error)
}

// smokeTest checks that the session is live and the app renders something.
func smokeTest(ctx context.Context, w *executor.Worker) error {
	if w.Session == nil || w.Session.SessionID() == "" {
		return fmt.Errorf("%s: no session id", w.ID)
	}
	src, ok := w.Session.(pageSourcer)
	if !ok {
		return nil
	}
	xml, err := src.Source(ctx)
	if err != nil {
		return fmt.Errorf("read page source: %w", err)
	}
	if strings.TrimSpace(xml) == "" {
		return fmt.Errorf("page source is empty")
	}
	logger.Info("%s: page source has %d bytes", w.ID, len(xml))
	return nil
}

// resolveOutputDir returns the report directory. Without --flatten a
// timestamped subfolder keeps runs apart.
func resolveOutputDir(output string, flatten bool) (string, error) {
	if flatten && output == "" {
		return "", fmt.Errorf("--flatten requires --output to be specified")
	}

	baseDir := output
	if baseDir == "" {
		baseDir = "./reports"
	}

	if flatten {
		return filepath.Clean(baseDir), nil
	}

	timestamp := time.Now().Format("2006-01-02_15-04-05")
	return filepath.Join(baseDir, timestamp), nil
}

func parseDevices(deviceFlag string) []string {
	var devices []string
	for _, d := range strings.Split(deviceFlag, ",") {
		if d = strings.TrimSpace(d); d != "" {
			devices = append(devices, d)
		}
	}
	return devices
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
