// Package emulator boots Android emulators on a fixed console port pool,
// waits for them to come up on the device bridge and tears them down.
package emulator

import (
	"context"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/devicelab-dev/appium-runner/pkg/adb"
	"github.com/devicelab-dev/appium-runner/pkg/core"
	"github.com/devicelab-dev/appium-runner/pkg/logger"
	"github.com/devicelab-dev/appium-runner/pkg/portalloc"
	"github.com/devicelab-dev/appium-runner/pkg/proc"
	"github.com/devicelab-dev/appium-runner/pkg/telemetry"
	"github.com/devicelab-dev/appium-runner/pkg/wait"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultBootTimeout  = 180 * time.Second
	DefaultBootInterval = 5 * time.Second
	// DefaultMaxMisses is how many polls may miss the device on the bridge
	// before giving up; the bridge is restarted between misses.
	DefaultMaxMisses   = 3
	DefaultReclaimWait = time.Second
)

// DefaultPool is the fixed set of console ports, indexed by slot.
var DefaultPool = []int{5554, 5556}

// Config tunes the manager. Zero fields take defaults.
type Config struct {
	Pool         []int
	EmulatorBin  string // found with FindEmulatorBinary when empty
	LogDir       string // emulator output goes to LogDir/emulator_<port>.log
	BootTimeout  time.Duration
	BootInterval time.Duration
	MaxMisses    int
	ReclaimWait  time.Duration
	StopGrace    time.Duration
}

func (c Config) withDefaults() Config {
	if len(c.Pool) == 0 {
		c.Pool = DefaultPool
	}
	if c.BootTimeout <= 0 {
		c.BootTimeout = DefaultBootTimeout
	}
	if c.BootInterval <= 0 {
		c.BootInterval = DefaultBootInterval
	}
	if c.MaxMisses <= 0 {
		c.MaxMisses = DefaultMaxMisses
	}
	if c.ReclaimWait <= 0 {
		c.ReclaimWait = DefaultReclaimWait
	}
	if c.StopGrace <= 0 {
		c.StopGrace = proc.DefaultGrace
	}
	return c
}

// Record tracks an emulator started by the manager.
type Record struct {
	UDID         string // "emulator-<port>"
	AVDName      string
	Port         int // console port from the pool
	Slot         int
	Process      proc.Process
	LogPath      string
	BootStart    time.Time
	BootDuration time.Duration // zero until boot completes
}

// Manager starts emulators and remembers them for StopAll.
type Manager struct {
	cfg       Config
	bridge    adb.Bridge
	launcher  proc.Launcher
	avds      AVDLister
	reclaimer Reclaimer
	inUse     portalloc.InUseFunc

	mu      sync.Mutex
	records []*Record
}

// Option customises a Manager.
type Option func(*Manager)

// WithLauncher replaces the process launcher.
func WithLauncher(l proc.Launcher) Option { return func(m *Manager) { m.launcher = l } }

// WithAVDLister replaces "emulator -list-avds".
func WithAVDLister(l AVDLister) Option { return func(m *Manager) { m.avds = l } }

// WithReclaimer replaces lsof/kill.
func WithReclaimer(r Reclaimer) Option { return func(m *Manager) { m.reclaimer = r } }

// WithInUse replaces the local port probe.
func WithInUse(fn portalloc.InUseFunc) Option { return func(m *Manager) { m.inUse = fn } }

// NewManager creates a manager driving the given bridge.
func NewManager(cfg Config, bridge adb.Bridge, opts ...Option) *Manager {
	if bridge == nil {
		bridge = adb.NewCLI()
	}
	m := &Manager{
		cfg:       cfg.withDefaults(),
		bridge:    bridge,
		launcher:  proc.ExecLauncher{},
		reclaimer: LsofReclaimer{},
		inUse:     portalloc.LocalInUse,
	}
	m.avds = CLIAVDLister{Bin: cfg.EmulatorBin}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Pool returns the console port pool.
func (m *Manager) Pool() []int {
	return append([]int(nil), m.cfg.Pool...)
}

// Start boots avdName on the console port at slot and waits until it is
// online with sys.boot_completed=1. Checks run in order: slot in pool, AVD
// exists, port free (reclaimed if not). The record is kept even when the boot
// wait fails so StopAll can clean up.
func (m *Manager) Start(ctx context.Context, avdName string, slot int) (rec *Record, err error) {
	ctx, span := telemetry.StartSpan(ctx, "emulator.start",
		attribute.String("avd", avdName), attribute.Int("slot", slot))
	defer func() { telemetry.End(span, err) }()

	if slot < 0 || slot >= len(m.cfg.Pool) {
		return nil, core.ErrPoolExhausted.
			WithMessagef("maximum number of emulators exceeded: slot %d, only %d supported", slot, len(m.cfg.Pool)).
			WithDetails(map[string]interface{}{"pool": m.cfg.Pool})
	}

	avds, err := m.avds.ListAVDs(ctx)
	if err != nil {
		logger.Error("failed to check AVD list: %v", err)
		return nil, core.ErrUnknownDevice.WithMessagef("cannot verify AVD %q", avdName).WithCause(err)
	}
	if !contains(avds, avdName) {
		logger.Error("AVD %q not found. Available AVDs: %v", avdName, avds)
		return nil, core.ErrUnknownDevice.
			WithMessagef("AVD %q does not exist", avdName).
			WithDetails(map[string]interface{}{"available": avds})
	}

	port := m.cfg.Pool[slot]
	span.SetAttributes(attribute.Int("port", port))
	if err := m.ensurePortFree(ctx, port); err != nil {
		return nil, err
	}

	spec, err := m.spec(avdName, port)
	if err != nil {
		return nil, core.ErrUnknownDevice.WithMessage("emulator binary not available").WithCause(err)
	}
	p, err := m.launcher.Launch(ctx, spec)
	if err != nil {
		logger.Error("failed to start emulator %s: %v", avdName, err)
		return nil, errors.Wrapf(err, "launch %s", spec.CommandLine())
	}

	rec = &Record{
		UDID:      UDID(port),
		AVDName:   avdName,
		Port:      port,
		Slot:      slot,
		Process:   p,
		LogPath:   spec.LogPath,
		BootStart: time.Now(),
	}
	m.mu.Lock()
	m.records = append(m.records, rec)
	m.mu.Unlock()
	logger.Info("started emulator %s on port %d with pid %d", avdName, port, p.PID())

	if err := m.waitForBoot(ctx, rec); err != nil {
		return rec, err
	}
	m.mu.Lock()
	rec.BootDuration = time.Since(rec.BootStart)
	m.mu.Unlock()
	logger.Info("emulator %s detected by adb and fully booted in %s", rec.UDID, rec.BootDuration.Round(time.Second))
	return rec, nil
}

func (m *Manager) spec(avdName string, port int) (proc.Spec, error) {
	bin := m.cfg.EmulatorBin
	if bin == "" {
		var err error
		if bin, err = FindEmulatorBinary(); err != nil {
			return proc.Spec{}, err
		}
	}
	var logPath string
	if m.cfg.LogDir != "" {
		logPath = filepath.Join(m.cfg.LogDir, "emulator_"+strconv.Itoa(port)+".log")
	}
	return proc.Spec{
		Name: "emulator",
		Path: bin,
		Args: []string{
			"-avd", avdName,
			"-port", strconv.Itoa(port),
			"-no-snapshot",
			"-no-audio",
			"-wipe-data",
			"-no-boot-anim",
			"-gpu", "swiftshader_indirect",
		},
		LogPath: logPath,
	}, nil
}

// ensurePortFree kills whatever holds port and re-checks once.
func (m *Manager) ensurePortFree(ctx context.Context, port int) error {
	if !m.inUse(port) {
		return nil
	}
	logger.Warn("port %d is already in use, attempting to free it", port)

	pids, err := m.reclaimer.Owners(ctx, port)
	if err != nil {
		logger.Warn("could not list owners of port %d: %v", port, err)
	}
	for _, pid := range pids {
		if err := m.reclaimer.Kill(ctx, pid); err != nil {
			logger.Error("failed to free port %d: %v", port, err)
			return core.ErrPortUnavailable.WithMessagef("cannot free port %d", port).WithCause(err)
		}
		logger.Info("killed process %d using port %d", pid, port)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.cfg.ReclaimWait):
	}

	if m.inUse(port) {
		return core.ErrPortUnavailable.
			WithMessagef("cannot start emulator on port %d: port remains in use after cleanup attempt", port).
			WithDetails(map[string]interface{}{"port": port, "killed": pids})
	}
	return nil
}

var (
	errNotDetected = errors.New("not detected by adb")
	errNotBooted   = errors.New("detected by adb but not fully booted")
)

// waitForBoot polls until the device reports sys.boot_completed. A poll that
// does not find the device on the bridge ends one detection attempt; the
// bridge is restarted before the next one, up to MaxMisses attempts.
func (m *Manager) waitForBoot(ctx context.Context, rec *Record) error {
	misses := 0
	detect := wait.Policy{
		Timeout:     m.cfg.BootTimeout,
		Interval:    m.cfg.BootInterval,
		MaxAttempts: uint(m.cfg.MaxMisses),
		OnRetry: func(attempt int, _ error) {
			logger.Debug("emulator %s not detected by adb (attempt %d/%d), restarting adb", rec.UDID, attempt, m.cfg.MaxMisses)
			if err := m.bridge.Restart(ctx); err != nil {
				logger.Warn("adb server restart failed, continuing anyway: %v", err)
			}
		},
	}
	err := wait.Until(ctx, detect, func(ctx context.Context) error {
		err := wait.Until(ctx, wait.Policy{Interval: m.cfg.BootInterval}, func(ctx context.Context) error {
			return m.pollBoot(ctx, rec)
		})
		switch {
		case err == nil:
			return nil
		case errors.Is(err, errNotDetected):
			misses++
			return err
		default:
			return wait.Stop(err)
		}
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if tail := proc.TailLog(rec.LogPath, 20); tail != "" {
		logger.Error("emulator %s output:\n%s", rec.UDID, tail)
	}
	return core.ErrBootTimeout.
		WithMessagef("emulator %s failed to boot within %s after %d missed detections", rec.UDID, m.cfg.BootTimeout, misses).
		WithDetails(map[string]interface{}{"udid": rec.UDID, "log": rec.LogPath, "timeout": m.cfg.BootTimeout.String()}).
		WithCause(err)
}

// pollBoot checks the device once. errNotDetected is final for the current
// detection attempt; errNotBooted is retried.
func (m *Manager) pollBoot(ctx context.Context, rec *Record) error {
	if !rec.Process.Running() {
		return wait.Stop(errors.Errorf("emulator process exited: %v", rec.Process.ExitErr()))
	}
	devices, err := m.bridge.Devices(ctx)
	if err != nil {
		return errors.Wrap(err, "list devices")
	}
	d, ok := adb.Find(devices, rec.UDID)
	if !ok || !d.Online {
		return wait.Stop(errNotDetected)
	}
	booted, err := m.bridge.BootCompleted(ctx, rec.UDID)
	if err != nil {
		return errors.Wrap(err, "read sys.boot_completed")
	}
	if !booted {
		logger.Debug("emulator %s detected by adb but not fully booted yet", rec.UDID)
		return errNotBooted
	}
	return nil
}

// Records returns a snapshot of the tracked emulators.
func (m *Manager) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.records))
	for i, r := range m.records {
		out[i] = *r
	}
	return out
}

// FindAttached returns the online devices already on the bridge, so a run
// can reuse one instead of booting a new emulator.
func (m *Manager) FindAttached(ctx context.Context) ([]adb.Device, error) {
	devices, err := m.bridge.Devices(ctx)
	if err != nil {
		return nil, err
	}
	var online []adb.Device
	for _, d := range devices {
		if d.Online {
			online = append(online, d)
		}
	}
	return online, nil
}

// StopAll kills every tracked emulator via the bridge and then stops any
// process still running. Every record is attempted; failures are collected
// and logged. The record list is cleared.
func (m *Manager) StopAll(ctx context.Context) []error {
	m.mu.Lock()
	records := m.records
	m.records = nil
	m.mu.Unlock()

	if len(records) == 0 {
		return nil
	}

	var (
		mu     sync.Mutex
		issues []error
	)
	report := func(err error) {
		logger.Error("%v", err)
		mu.Lock()
		issues = append(issues, err)
		mu.Unlock()
	}

	var g errgroup.Group
	for _, rec := range records {
		g.Go(func() error {
			if err := m.bridge.KillEmulator(ctx, rec.UDID); err != nil {
				report(errors.Wrapf(err, "failed to stop emulator %s", rec.UDID))
			} else {
				logger.Info("stopped emulator %s", rec.UDID)
			}
			if rec.Process != nil && rec.Process.Running() {
				if err := rec.Process.Stop(m.cfg.StopGrace); err != nil {
					report(errors.Wrapf(err, "failed to terminate emulator process %d", rec.Process.PID()))
				} else {
					logger.Info("terminated emulator process with pid %d", rec.Process.PID())
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return issues
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
