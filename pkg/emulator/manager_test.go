package emulator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/devicelab-dev/appium-runner/pkg/adb/adbtest"
	"github.com/devicelab-dev/appium-runner/pkg/core"
	"github.com/devicelab-dev/appium-runner/pkg/proc"
	"github.com/devicelab-dev/appium-runner/pkg/proc/proctest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticAVDs struct {
	names []string
	err   error
	calls int
}

func (s *staticAVDs) ListAVDs(context.Context) ([]string, error) {
	s.calls++
	return s.names, s.err
}

// fakePorts is both the port probe and the reclaimer. Killing an owner frees
// the port unless sticky is set.
type fakePorts struct {
	mu     sync.Mutex
	busy   map[int]bool
	owners map[int][]int
	sticky bool
	killed []int
}

func newFakePorts() *fakePorts {
	return &fakePorts{busy: map[int]bool{}, owners: map[int][]int{}}
}

func (f *fakePorts) occupy(port int, pids ...int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.busy[port] = true
	f.owners[port] = pids
}

func (f *fakePorts) inUse(port int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.busy[port]
}

func (f *fakePorts) Owners(_ context.Context, port int) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.owners[port], nil
}

func (f *fakePorts) Kill(_ context.Context, pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, pid)
	if f.sticky {
		return nil
	}
	for port, pids := range f.owners {
		for _, p := range pids {
			if p == pid {
				delete(f.busy, port)
			}
		}
	}
	return nil
}

type harness struct {
	m        *Manager
	bridge   *adbtest.Bridge
	launcher *proctest.Launcher
	avds     *staticAVDs
	ports    *fakePorts
	logDir   string
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		bridge:   adbtest.New(),
		launcher: &proctest.Launcher{},
		avds:     &staticAVDs{names: []string{"Pixel_7_API_33", "Emulator-5556"}},
		ports:    newFakePorts(),
		logDir:   t.TempDir(),
	}
	cfg.EmulatorBin = "emulator"
	cfg.LogDir = h.logDir
	if cfg.BootTimeout == 0 {
		cfg.BootTimeout = 2 * time.Second
	}
	if cfg.BootInterval == 0 {
		cfg.BootInterval = 5 * time.Millisecond
	}
	cfg.ReclaimWait = time.Millisecond
	h.m = NewManager(cfg, h.bridge,
		WithLauncher(h.launcher),
		WithAVDLister(h.avds),
		WithReclaimer(h.ports),
		WithInUse(h.ports.inUse),
	)
	return h
}

func TestStart_BootsAndRecords(t *testing.T) {
	h := newHarness(t, Config{})
	h.bridge.Schedule("emulator-5556", 1, 2)

	rec, err := h.m.Start(context.Background(), "Emulator-5556", 1)
	require.NoError(t, err)

	assert.Equal(t, "emulator-5556", rec.UDID)
	assert.Equal(t, 5556, rec.Port)
	assert.Equal(t, 1, rec.Slot)
	assert.Greater(t, rec.BootDuration, time.Duration(0))
	assert.Equal(t, filepath.Join(h.logDir, "emulator_5556.log"), rec.LogPath)

	launches := h.launcher.Launches()
	require.Len(t, launches, 1)
	assert.Equal(t, "emulator", launches[0].Path)
	assert.Equal(t, []string{
		"-avd", "Emulator-5556", "-port", "5556",
		"-no-snapshot", "-no-audio", "-wipe-data", "-no-boot-anim",
		"-gpu", "swiftshader_indirect",
	}, launches[0].Args)

	// One missed detection triggers one bridge restart.
	assert.Equal(t, 1, h.bridge.Restarts())
	records := h.m.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "emulator-5556", records[0].UDID)
}

func TestStart_SlotOutsidePool(t *testing.T) {
	h := newHarness(t, Config{})

	for _, slot := range []int{2, -1} {
		_, err := h.m.Start(context.Background(), "Emulator-5556", slot)
		require.Error(t, err)
		assert.True(t, errors.Is(err, core.ErrPoolExhausted), "slot %d", slot)
	}
	assert.Equal(t, 0, h.avds.calls)
	assert.Empty(t, h.launcher.Launches())
	assert.Empty(t, h.m.Records())
}

func TestStart_UnknownAVD(t *testing.T) {
	h := newHarness(t, Config{})

	_, err := h.m.Start(context.Background(), "Nexus_5", 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrUnknownDevice))
	assert.Equal(t, core.ErrCategoryDevice, core.CategoryOf(err))
	assert.Empty(t, h.launcher.Launches())
}

func TestStart_AVDListFailureIsUnknownDevice(t *testing.T) {
	h := newHarness(t, Config{})
	h.avds.err = errors.New("exec: emulator: not found")

	_, err := h.m.Start(context.Background(), "Emulator-5556", 0)
	assert.True(t, errors.Is(err, core.ErrUnknownDevice))
	assert.Empty(t, h.launcher.Launches())
}

func TestStart_ReclaimsOccupiedPort(t *testing.T) {
	h := newHarness(t, Config{})
	h.ports.occupy(5554, 4242, 4243)
	h.bridge.Attach("emulator-5554")

	_, err := h.m.Start(context.Background(), "Emulator-5556", 0)
	require.NoError(t, err)
	assert.Equal(t, []int{4242, 4243}, h.ports.killed)
	assert.Len(t, h.launcher.Launches(), 1)
}

func TestStart_PortStillOccupied(t *testing.T) {
	h := newHarness(t, Config{})
	h.ports.occupy(5554, 4242)
	h.ports.sticky = true

	_, err := h.m.Start(context.Background(), "Emulator-5556", 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrPortUnavailable))
	assert.Equal(t, []int{4242}, h.ports.killed)
	assert.Empty(t, h.launcher.Launches())
}

func TestStart_NeverDetectedIsBootTimeout(t *testing.T) {
	h := newHarness(t, Config{})

	rec, err := h.m.Start(context.Background(), "Emulator-5556", 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrBootTimeout))
	assert.Equal(t, core.ErrCategoryTimeout, core.CategoryOf(err))

	// Restarted between misses, not after the last one.
	assert.Equal(t, 2, h.bridge.Restarts())
	assert.Equal(t, 3, h.bridge.Polls())

	require.NotNil(t, rec)
	assert.Len(t, h.m.Records(), 1)

	var execErr *core.ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, rec.LogPath, execErr.Details["log"])
}

func TestStart_RestartFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, Config{})
	h.bridge.RestartErr = errors.New("cannot bind tcp:5037")
	h.bridge.Schedule("emulator-5554", 2, 0)

	_, err := h.m.Start(context.Background(), "Emulator-5556", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, h.bridge.Restarts())
}

func TestStart_SlowBootDoesNotUseDetectionAttempts(t *testing.T) {
	h := newHarness(t, Config{BootTimeout: 5 * time.Second})
	h.bridge.Schedule("emulator-5554", 1, 10)

	_, err := h.m.Start(context.Background(), "Emulator-5556", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, h.bridge.Restarts())
	assert.Greater(t, h.bridge.Polls(), DefaultMaxMisses)
}

func TestStart_NeverBootedHitsDeadline(t *testing.T) {
	h := newHarness(t, Config{BootTimeout: 100 * time.Millisecond})
	h.bridge.Schedule("emulator-5554", 0, 1<<30)

	start := time.Now()
	_, err := h.m.Start(context.Background(), "Emulator-5556", 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrBootTimeout))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, h.bridge.Restarts())
}

func TestStart_ProcessExitStopsWaiting(t *testing.T) {
	h := newHarness(t, Config{BootTimeout: 10 * time.Second})
	h.bridge.Schedule("emulator-5554", 0, 1<<30)

	done := make(chan error, 1)
	go func() {
		_, err := h.m.Start(context.Background(), "Emulator-5556", 0)
		done <- err
	}()

	require.Eventually(t, func() bool { return len(h.launcher.Processes()) == 1 }, time.Second, time.Millisecond)
	h.launcher.Processes()[0].Crash(errors.New("exit status 1"))

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, core.ErrBootTimeout))
		assert.Contains(t, err.Error(), "exit status 1")
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after the emulator exited")
	}
}

func TestStopAll_CollectsFailuresAndClears(t *testing.T) {
	h := newHarness(t, Config{})
	h.bridge.Attach("emulator-5554")
	h.bridge.Attach("emulator-5556")

	_, err := h.m.Start(context.Background(), "Emulator-5556", 0)
	require.NoError(t, err)
	_, err = h.m.Start(context.Background(), "Pixel_7_API_33", 1)
	require.NoError(t, err)

	h.bridge.KillErr = errors.New("device offline")
	procs := h.launcher.Processes()
	procs[1].FailStop(errors.New("operation not permitted"))

	issues := h.m.StopAll(context.Background())
	assert.Len(t, issues, 3)
	assert.ElementsMatch(t, []string{"emulator-5554", "emulator-5556"}, h.bridge.Killed())
	assert.Equal(t, proc.Stopped, procs[0].State())
	assert.Equal(t, 1, procs[1].StopCalls())
	assert.Empty(t, h.m.Records())

	assert.Empty(t, h.m.StopAll(context.Background()))
}

func TestStopAll_SkipsExitedProcesses(t *testing.T) {
	h := newHarness(t, Config{})
	h.bridge.Attach("emulator-5554")
	_, err := h.m.Start(context.Background(), "Emulator-5556", 0)
	require.NoError(t, err)

	p := h.launcher.Processes()[0]
	p.Crash(errors.New("killed"))

	assert.Empty(t, h.m.StopAll(context.Background()))
	assert.Equal(t, 0, p.StopCalls())
}

func TestFindAttached(t *testing.T) {
	h := newHarness(t, Config{})
	h.bridge.Attach("emulator-5554")
	h.bridge.Attach("R58M123ABC")
	h.bridge.Attach("emulator-5556")
	h.bridge.SetState("emulator-5556", "offline")

	devices, err := h.m.FindAttached(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "emulator-5554", devices[0].Serial)
	assert.Equal(t, "R58M123ABC", devices[1].Serial)
}

func TestDefaultPool(t *testing.T) {
	m := NewManager(Config{}, adbtest.New())
	assert.Equal(t, []int{5554, 5556}, m.Pool())
}
