// Package proctest provides an in-memory proc.Launcher for tests.
package proctest

import (
	"context"
	"sync"
	"time"

	"github.com/devicelab-dev/appium-runner/pkg/proc"
)

// Launcher records every Launch call and returns fake processes.
type Launcher struct {
	// OnLaunch, when set, runs before the process is created. Returning an
	// error makes Launch fail with it.
	OnLaunch func(spec proc.Spec) error

	mu       sync.Mutex
	launches []proc.Spec
	procs    []*Process
	nextPID  int
}

// Launch implements proc.Launcher.
func (l *Launcher) Launch(_ context.Context, spec proc.Spec) (proc.Process, error) {
	l.mu.Lock()
	l.launches = append(l.launches, spec)
	hook := l.OnLaunch
	l.mu.Unlock()

	if hook != nil {
		if err := hook(spec); err != nil {
			return nil, err
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextPID++
	p := NewProcess(10000+l.nextPID, spec)
	l.procs = append(l.procs, p)
	return p, nil
}

// Launches returns a copy of the recorded specs.
func (l *Launcher) Launches() []proc.Spec {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]proc.Spec(nil), l.launches...)
}

// Processes returns the fake processes created so far.
func (l *Launcher) Processes() []*Process {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Process(nil), l.procs...)
}

// Process is a controllable proc.Process.
type Process struct {
	pid  int
	spec proc.Spec
	done chan struct{}

	mu        sync.Mutex
	state     proc.State
	stopCalls int
	stopErr   error
	exitErr   error
}

// NewProcess returns a running fake process.
func NewProcess(pid int, spec proc.Spec) *Process {
	return &Process{pid: pid, spec: spec, done: make(chan struct{}), state: proc.Running}
}

func (p *Process) PID() int        { return p.pid }
func (p *Process) LogPath() string { return p.spec.LogPath }
func (p *Process) Spec() proc.Spec { return p.spec }

func (p *Process) State() proc.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Process) Running() bool { return p.State() == proc.Running }

func (p *Process) Done() <-chan struct{} { return p.done }

func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Stop implements proc.Process.
func (p *Process) Stop(time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopCalls++
	if p.state != proc.Running {
		return nil
	}
	if p.stopErr != nil {
		return p.stopErr
	}
	p.state = proc.Stopped
	close(p.done)
	return nil
}

// StopCalls counts Stop invocations.
func (p *Process) StopCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopCalls
}

// FailStop makes subsequent Stop calls return err while the process stays up.
func (p *Process) FailStop(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopErr = err
}

// Crash simulates the process exiting on its own with err.
func (p *Process) Crash(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != proc.Running {
		return
	}
	p.exitErr = err
	p.state = proc.Failed
	close(p.done)
}
