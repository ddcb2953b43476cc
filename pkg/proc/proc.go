// Package proc owns the lifecycle of long-running child processes such as the
// automation service and emulators.
package proc

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/devicelab-dev/appium-runner/pkg/logger"
	"github.com/pkg/errors"
)

// State is the lifecycle state of a Process.
type State int

const (
	NotStarted State = iota
	Running
	Stopped // exited after Stop, or exited cleanly on its own
	Failed  // exited on its own with an error
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// DefaultGrace is how long Stop waits after SIGTERM before killing.
const DefaultGrace = 5 * time.Second

// Spec describes a process to launch.
type Spec struct {
	Name    string   // short label for logs: "appium", "emulator"
	Path    string   // binary
	Args    []string
	Env     []string // appended to os.Environ()
	Dir     string
	LogPath string // stdout and stderr go here; empty sends them to the logger
}

// CommandLine renders the spec for logs and error messages.
func (s Spec) CommandLine() string {
	return strings.TrimSpace(s.Path + " " + strings.Join(s.Args, " "))
}

// Process is a handle to a launched child.
type Process interface {
	PID() int
	State() State
	Running() bool
	// Stop terminates the process, escalating to kill after grace. Stopping a
	// process that is not running is a no-op.
	Stop(grace time.Duration) error
	// Done is closed when the process has exited.
	Done() <-chan struct{}
	// ExitErr is the error returned by wait, valid after Done.
	ExitErr() error
	LogPath() string
}

// Launcher starts processes.
type Launcher interface {
	Launch(ctx context.Context, spec Spec) (Process, error)
}

// ExecLauncher launches real OS processes.
type ExecLauncher struct{}

// Launch starts spec. The child is not tied to ctx; it runs until Stop.
func (ExecLauncher) Launch(_ context.Context, spec Spec) (Process, error) {
	out, err := openLog(spec.LogPath)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(spec.Path, spec.Args...) //#nosec G204 -- binary comes from configuration
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	if out != nil {
		cmd.Stdout = out
		cmd.Stderr = out
	} else {
		// Without a log file, output becomes debug log entries.
		lw := logger.NewLineWriter(spec.Name+" output", map[string]interface{}{"process": spec.Name})
		cmd.Stdout = lw
		cmd.Stderr = lw
	}

	if err := cmd.Start(); err != nil {
		if out != nil {
			out.Close()
		}
		return nil, errors.Wrapf(err, "start %s", spec.CommandLine())
	}

	p := &execProcess{
		spec:  spec,
		cmd:   cmd,
		log:   out,
		done:  make(chan struct{}),
		state: Running,
	}
	go p.wait()

	logger.Debug("%s started (pid %d): %s", spec.Name, cmd.Process.Pid, spec.CommandLine())
	return p, nil
}

func openLog(path string) (*os.File, error) {
	if path == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrap(err, "create log directory")
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "open process log")
	}
	return f, nil
}

type execProcess struct {
	spec Spec
	cmd  *exec.Cmd
	log  *os.File
	done chan struct{}

	mu       sync.Mutex
	state    State
	stopping bool
	exitErr  error
}

func (p *execProcess) wait() {
	err := p.cmd.Wait()
	if p.log != nil {
		p.log.Close()
	}

	p.mu.Lock()
	p.exitErr = err
	switch {
	case p.stopping || err == nil:
		p.state = Stopped
	default:
		p.state = Failed
	}
	p.mu.Unlock()

	close(p.done)
}

func (p *execProcess) PID() int { return p.cmd.Process.Pid }

func (p *execProcess) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *execProcess) Running() bool { return p.State() == Running }

func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

func (p *execProcess) LogPath() string { return p.spec.LogPath }

func (p *execProcess) Stop(grace time.Duration) error {
	p.mu.Lock()
	if p.state != Running {
		p.mu.Unlock()
		return nil
	}
	p.stopping = true
	p.mu.Unlock()

	if grace <= 0 {
		grace = DefaultGrace
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		select {
		case <-p.done:
			return nil
		default:
		}
		logger.Warn("%s (pid %d): terminate failed, killing: %v", p.spec.Name, p.PID(), err)
	} else {
		select {
		case <-p.done:
			return nil
		case <-time.After(grace):
			logger.Warn("%s (pid %d) did not exit within %s, killing", p.spec.Name, p.PID(), grace)
		}
	}

	if err := p.cmd.Process.Kill(); err != nil {
		select {
		case <-p.done:
			return nil
		default:
			return errors.Wrapf(err, "kill %s (pid %d)", p.spec.Name, p.PID())
		}
	}
	<-p.done
	return nil
}

// TailLog returns the last n lines of a process log for error messages.
func TailLog(path string, n int) string {
	if path == "" {
		return ""
	}
	content, err := os.ReadFile(path) //#nosec G304 -- our own log file
	if err != nil {
		return fmt.Sprintf("(could not read log: %s)", err)
	}
	lines := strings.Split(strings.TrimRight(string(content), "\n"), "\n")
	if len(lines) <= n {
		return strings.Join(lines, "\n")
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}
