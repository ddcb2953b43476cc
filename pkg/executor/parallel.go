package executor

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/devicelab-dev/appium-runner/pkg/artifacts"
	"github.com/devicelab-dev/appium-runner/pkg/core"
	"github.com/devicelab-dev/appium-runner/pkg/logger"
	"github.com/devicelab-dev/appium-runner/pkg/report"
	"github.com/devicelab-dev/appium-runner/pkg/telemetry"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// ParallelRunner runs one test body on every worker concurrently.
type ParallelRunner struct {
	config RunnerConfig
	shots  *artifacts.Store
}

// NewParallelRunner creates a runner.
func NewParallelRunner(cfg RunnerConfig) *ParallelRunner {
	if cfg.Artifacts == (core.ArtifactConfig{}) {
		cfg.Artifacts = core.DefaultArtifactConfig()
	}
	return &ParallelRunner{config: cfg, shots: artifacts.NewStore(cfg.Artifacts.Dir)}
}

// Run executes fn on every worker and waits for all of them, including
// teardown. Worker failures are reported in the result, not as an error.
func (pr *ParallelRunner) Run(ctx context.Context, name string, fn TestFunc) (*core.RunResult, error) {
	if pr.config.Workers <= 0 {
		return nil, errors.New("no workers requested")
	}
	if pr.config.NewContext == nil {
		return nil, errors.New("no session context factory configured")
	}
	if fn == nil {
		return nil, errors.New("no test body")
	}

	runID := telemetry.CorrelationID(ctx)
	if runID == "" {
		runID = uuid.NewString()
		ctx = telemetry.WithCorrelationID(ctx, runID)
	}
	ctx, span := telemetry.StartSpan(ctx, "executor.run",
		attribute.String("name", name), attribute.Int("workers", pr.config.Workers))
	defer span.End()

	logger.Info("run %s: starting %q on %d workers", runID, name, pr.config.Workers)
	startTime := time.Now()

	results := make([]core.WorkerResult, pr.config.Workers)
	var g errgroup.Group
	for i := range results {
		g.Go(func() error {
			results[i] = pr.runWorker(ctx, i, name, fn)
			return nil
		})
	}
	_ = g.Wait()

	run := &core.RunResult{
		RunID:     runID,
		StartTime: startTime,
		Duration:  time.Since(startTime),
		Workers:   results,
	}
	run.ComputeSummary()
	logger.Info("run %s: %d passed, %d failed, %d skipped in %s",
		runID, run.Passed, run.Failed, run.Skipped, run.Duration.Round(time.Millisecond))

	if err := pr.writeReports(run); err != nil {
		return run, err
	}
	return run, nil
}

func (pr *ParallelRunner) runWorker(ctx context.Context, index int, name string, fn TestFunc) (res core.WorkerResult) {
	id := "gw" + strconv.Itoa(index)
	res = core.WorkerResult{
		WorkerID:  id,
		Name:      name,
		DeviceID:  pr.device(index),
		Status:    core.StatusRunning,
		StartTime: time.Now(),
	}
	defer func() {
		res.Duration = time.Since(res.StartTime)
		if pr.config.OnWorkerEnd != nil {
			pr.config.OnWorkerEnd(res)
		}
	}()

	if ctx.Err() != nil {
		res.Status = core.StatusSkipped
		return res
	}
	if pr.config.OnWorkerStart != nil {
		pr.config.OnWorkerStart(id)
	}

	sc, err := pr.config.NewContext(id, res.DeviceID)
	if err != nil {
		setError(&res, core.StatusErrored, err)
		logger.Error("worker %s: %v", id, err)
		return res
	}
	res.SystemPort = sc.SystemPort()
	defer func() {
		// Teardown runs even when the run was cancelled.
		for _, issue := range sc.Close(context.WithoutCancel(ctx)) {
			res.TeardownIssues = append(res.TeardownIssues, issue.Error())
		}
	}()

	h, err := sc.GetSession(ctx)
	res.AppiumPort = sc.AppiumPort()
	if err != nil {
		setError(&res, core.StatusErrored, err)
		pr.attachServiceLog(&res)
		return res
	}

	w := &Worker{ID: id, Index: index, DeviceID: res.DeviceID, Session: h}
	if err := runBody(ctx, fn, w); err != nil {
		setError(&res, core.StatusFailed, err)
		logger.Error("worker %s: %s failed: %v", id, name, err)
	} else {
		res.Status = core.StatusPassed
	}

	if pr.config.Artifacts.ShouldCapture(res.Status) {
		capture := pr.shots.SaveScreenshot
		if res.Status != core.StatusPassed {
			capture = pr.shots.CaptureFailure
		}
		if a, err := capture(ctx, h, name+"_"+id); err == nil {
			res.Attachments = append(res.Attachments, a)
		}
	}
	if res.Status != core.StatusPassed {
		pr.attachServiceLog(&res)
	}
	return res
}

func runBody(ctx context.Context, fn TestFunc, w *Worker) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Errorf("panic: %v", p)
		}
	}()
	return fn(ctx, w)
}

func setError(res *core.WorkerResult, status core.RunStatus, err error) {
	res.Status = status
	res.Error = err.Error()
	res.Category = core.CategoryOf(err)
}

func (pr *ParallelRunner) device(index int) string {
	if index < len(pr.config.Devices) {
		return pr.config.Devices[index]
	}
	return ""
}

func (pr *ParallelRunner) attachServiceLog(res *core.WorkerResult) {
	if pr.config.LogDir == "" || res.AppiumPort == 0 {
		return
	}
	path := filepath.Join(pr.config.LogDir, "appium_"+strconv.Itoa(res.AppiumPort)+".log")
	if _, err := os.Stat(path); err == nil {
		res.Attachments = append(res.Attachments, core.NewLogAttachment(core.AttachmentServiceLog, path))
	}
}

func (pr *ParallelRunner) writeReports(run *core.RunResult) error {
	if pr.config.OutputDir != "" {
		path, err := report.WriteJSON(pr.config.OutputDir, run)
		if err != nil {
			return errors.Wrap(err, "write run report")
		}
		logger.Info("report written to %s", path)
	}
	if pr.config.AllureDir != "" {
		if err := report.GenerateAllure(pr.config.AllureDir, run, pr.config.Environment); err != nil {
			return errors.Wrap(err, "write allure results")
		}
		logger.Info("allure results written to %s", pr.config.AllureDir)
	}
	return nil
}
