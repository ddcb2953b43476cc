// Package executor runs a test body on several workers in parallel. Each
// worker gets its own session context, ports and device, and is torn down
// best-effort whatever the outcome.
package executor

import (
	"context"

	"github.com/devicelab-dev/appium-runner/pkg/config"
	"github.com/devicelab-dev/appium-runner/pkg/core"
	"github.com/devicelab-dev/appium-runner/pkg/report"
	"github.com/devicelab-dev/appium-runner/pkg/session"
)

// SessionContext is the per-worker lifecycle the runner drives.
// *session.Context implements it.
type SessionContext interface {
	GetSession(ctx context.Context) (session.Handle, error)
	Close(ctx context.Context) []error
	AppiumPort() int
	SystemPort() int
}

// ContextFactory creates the session context for one worker.
type ContextFactory func(workerID, udid string) (SessionContext, error)

// Worker is what a test body sees.
type Worker struct {
	ID       string // "gw0", "gw1", ...
	Index    int
	DeviceID string
	Session  session.Handle
}

// TestFunc is the body run on every worker. A returned error fails the worker.
type TestFunc func(ctx context.Context, w *Worker) error

// RunnerConfig configures a ParallelRunner.
type RunnerConfig struct {
	Workers int
	// Devices assigns a device id to each worker by index. Workers past the
	// end of the list let the automation service choose.
	Devices    []string
	NewContext ContextFactory
	Artifacts  core.ArtifactConfig
	LogDir     string // where appium_<port>.log files live

	// Reports are skipped when the directory is empty.
	OutputDir   string
	AllureDir   string
	Environment report.Environment

	OnWorkerStart func(workerID string)
	OnWorkerEnd   func(result core.WorkerResult)
}

// SessionFactory builds contexts from resolved settings. Each worker gets
// its port offset from its id.
func SessionFactory(s *config.Settings, customize ...func(*session.Options)) ContextFactory {
	return func(workerID, udid string) (SessionContext, error) {
		opts := session.OptionsFromSettings(s, workerID, udid)
		for _, fn := range customize {
			fn(&opts)
		}
		c, err := session.New(opts)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// ConfigFromSettings fills the directory and capture fields from settings.
func ConfigFromSettings(s *config.Settings, workers int) RunnerConfig {
	artifacts := core.DefaultArtifactConfig()
	artifacts.Dir = s.ScreenshotDir
	return RunnerConfig{
		Workers:    workers,
		NewContext: SessionFactory(s),
		Artifacts:  artifacts,
		LogDir:     s.LogDir,
		AllureDir:  s.AllureDir,
		Environment: report.Environment{
			"app.path":       s.APKPath,
			"app.package":    s.AppPackage,
			"device.name":    s.DeviceName,
			"correlation.id": s.CorrelationID,
		},
	}
}
