package appium

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/devicelab-dev/appium-runner/pkg/core"
	"github.com/devicelab-dev/appium-runner/pkg/logger"
	"github.com/devicelab-dev/appium-runner/pkg/portalloc"
	"github.com/devicelab-dev/appium-runner/pkg/proc"
	"github.com/devicelab-dev/appium-runner/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultStartAttempts bounds the port+1 retries when the chosen port is
// taken between allocation and launch.
const DefaultStartAttempts = 5

// ServerConfig describes how to launch the local Appium server.
type ServerConfig struct {
	Host          string
	BasePort      int
	Bin           string // appium binary, default "appium"
	LogLevel      string // default "info"
	LogDir        string // server output goes to LogDir/appium_<port>.log
	StopGrace     time.Duration
	StartAttempts int
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.BasePort == 0 {
		c.BasePort = 4723
	}
	if c.Bin == "" {
		c.Bin = "appium"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.StopGrace <= 0 {
		c.StopGrace = proc.DefaultGrace
	}
	if c.StartAttempts <= 0 {
		c.StartAttempts = DefaultStartAttempts
	}
	return c
}

// Server supervises one Appium process for one worker. It is not shared
// between workers.
type Server struct {
	cfg      ServerConfig
	alloc    *portalloc.Allocator
	launcher proc.Launcher

	mu      sync.Mutex
	port    int
	process proc.Process
}

// NewServer creates a supervisor. Nothing is started until EnsureStarted.
func NewServer(cfg ServerConfig, alloc *portalloc.Allocator, launcher proc.Launcher) *Server {
	if alloc == nil {
		alloc = portalloc.Default()
	}
	if launcher == nil {
		launcher = proc.ExecLauncher{}
	}
	return &Server{cfg: cfg.withDefaults(), alloc: alloc, launcher: launcher}
}

// EnsureStarted launches the server unless one is already running. The port is
// reserved on first use and kept until Release; if it is occupied at launch
// time the search moves on from port+1.
func (s *Server) EnsureStarted(ctx context.Context) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.process != nil && s.process.Running() {
		return nil
	}
	if s.process != nil {
		logger.Warn("appium on port %d is no longer running (%s), replacing it", s.port, s.process.State())
		s.process = nil
	}

	ctx, span := telemetry.StartSpan(ctx, "appium.ensure_started", attribute.Int("base_port", s.cfg.BasePort))
	defer func() { telemetry.End(span, err) }()

	if s.port == 0 {
		port, err := s.alloc.Reserve(s.cfg.BasePort)
		if err != nil {
			return core.ErrServiceStartFailure.WithMessage("no free port for automation service").WithCause(err)
		}
		s.port = port
	}

	for attempt := 1; s.alloc.InUse(s.port); attempt++ {
		if attempt >= s.cfg.StartAttempts {
			return core.ErrServiceStartFailure.
				WithMessagef("automation service port still occupied after %d attempts", attempt).
				WithDetails(map[string]interface{}{"port": s.port})
		}
		logger.Warn("port %d became occupied before launch, retrying from %d", s.port, s.port+1)
		next, err := s.alloc.Reserve(s.port + 1)
		if err != nil {
			return core.ErrServiceStartFailure.WithMessage("no free port for automation service").WithCause(err)
		}
		s.alloc.Release(s.port)
		s.port = next
	}
	span.SetAttributes(attribute.Int("port", s.port))

	if s.cfg.LogDir != "" {
		if err := os.MkdirAll(s.cfg.LogDir, 0o755); err != nil {
			return core.ErrServiceStartFailure.WithMessage("cannot create appium log directory").WithCause(err)
		}
	}
	spec := s.spec(s.port)
	p, err := s.launcher.Launch(ctx, spec)
	if err != nil {
		logger.Error("failed to start appium: %s: %v", spec.CommandLine(), err)
		return core.ErrServiceStartFailure.
			WithDetails(map[string]interface{}{"command": spec.CommandLine(), "port": s.port}).
			WithCause(err)
	}
	s.process = p
	logger.Info("appium server started: %s (pid %d)", spec.CommandLine(), p.PID())
	return nil
}

// spec builds the launch command. Appium writes its own log file with --log;
// console output goes to the framework logger.
func (s *Server) spec(port int) proc.Spec {
	args := []string{
		"--address", s.cfg.Host,
		"--port", strconv.Itoa(port),
		"--log-level", s.cfg.LogLevel,
		"--log-no-colors",
	}
	if s.cfg.LogDir != "" {
		args = append(args, "--log", filepath.Join(s.cfg.LogDir, "appium_"+strconv.Itoa(port)+".log"))
	}
	return proc.Spec{Name: "appium", Path: s.cfg.Bin, Args: args}
}

// Stop terminates the server if it is running. The port stays reserved for a
// later EnsureStarted. Calling Stop again is a no-op.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.process
	s.process = nil
	if p == nil || !p.Running() {
		return nil
	}
	if err := p.Stop(s.cfg.StopGrace); err != nil {
		return err
	}
	logger.Info("appium server on port %d stopped", s.port)
	return nil
}

// Release stops the server and returns its port to the allocator.
func (s *Server) Release() error {
	err := s.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port != 0 {
		s.alloc.Release(s.port)
		s.port = 0
	}
	return err
}

// Running reports whether a tracked server process is alive.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.process != nil && s.process.Running()
}

// Port is the reserved port, or 0 before the first EnsureStarted.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// Host is the address the server binds.
func (s *Server) Host() string { return s.cfg.Host }

// URL is the base URL sessions are opened against.
func (s *Server) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.urlLocked()
}

func (s *Server) urlLocked() string {
	return "http://" + net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.port))
}

// Process returns the tracked process handle, or nil.
func (s *Server) Process() proc.Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.process
}
