package cli

import (
	"context"
	"fmt"

	"github.com/devicelab-dev/appium-runner/pkg/artifacts"
	"github.com/devicelab-dev/appium-runner/pkg/logger"
	"github.com/devicelab-dev/appium-runner/pkg/session"
	"github.com/urfave/cli/v2"
)

var sessionCommand = &cli.Command{
	Name:  "session",
	Usage: "Start Appium, open a session on a device and close it again",
	Description: `Runs one worker's session lifecycle: reserve ports, start the Appium
server, wait for /status, open a W3C session, optionally save a screenshot,
then quit the session and stop the server.

Examples:
  appium-runner session
  appium-runner session --worker gw1 --device emulator-5556
  appium-runner session --screenshot home`,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "worker",
			Usage: "Worker id; gwN shifts the base ports by N",
			Value: "master",
		},
		&cli.StringFlag{
			Name:    "device",
			Aliases: []string{"udid"},
			Usage:   "Device UDID (default: let Appium choose)",
		},
		&cli.StringFlag{
			Name:  "screenshot",
			Usage: "Save a screenshot with this name once the session is open",
		},
	},
	Action: runSession,
}

func runSession(c *cli.Context) error {
	s, ctx, closeLog, err := setup(c)
	if err != nil {
		return err
	}
	defer closeLog()

	sc, err := session.New(session.OptionsFromSettings(s, c.String("worker"), c.String("device")))
	if err != nil {
		return err
	}
	defer func() {
		printIssues("teardown", sc.Close(context.WithoutCancel(ctx)))
	}()

	printSetupStep(fmt.Sprintf("Starting Appium for %s (systemPort %d)", sc.WorkerID(), sc.SystemPort()))
	h, err := sc.GetSession(ctx)
	if err != nil {
		logger.Error("session for %s failed in state %s: %v", sc.WorkerID(), sc.State(), err)
		return err
	}
	printSetupSuccess(fmt.Sprintf("Session %s on %s", h.SessionID(), sc.ServerURL()))

	if name := c.String("screenshot"); name != "" {
		att, err := artifacts.NewStore(s.ScreenshotDir).SaveScreenshot(ctx, h, name)
		if err != nil {
			return fmt.Errorf("failed to save screenshot: %w", err)
		}
		printSetupSuccess("Screenshot saved: " + att.Path)
	}
	return nil
}
