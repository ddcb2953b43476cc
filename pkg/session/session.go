// Package session gives each test worker its own ready-to-use automation
// session: it reserves ports, starts and probes the worker's Appium server,
// opens the remote session, caches it, and tears everything down.
package session

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/devicelab-dev/appium-runner/pkg/appium"
	"github.com/devicelab-dev/appium-runner/pkg/config"
	"github.com/devicelab-dev/appium-runner/pkg/core"
	"github.com/devicelab-dev/appium-runner/pkg/health"
	"github.com/devicelab-dev/appium-runner/pkg/logger"
	"github.com/devicelab-dev/appium-runner/pkg/portalloc"
	"github.com/devicelab-dev/appium-runner/pkg/proc"
	"github.com/devicelab-dev/appium-runner/pkg/telemetry"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultProbeTimeout bounds the wait for the server's status endpoint.
const DefaultProbeTimeout = 60 * time.Second

// quitTimeout bounds the DELETE /session call during teardown.
const quitTimeout = 30 * time.Second

// Handle is an open remote session. *appium.Client implements it.
type Handle interface {
	SessionID() string
	Screenshot(ctx context.Context) ([]byte, error)
	Disconnect(ctx context.Context) error
}

// Opener opens a remote session against a running server.
type Opener interface {
	Open(ctx context.Context, serverURL string, caps map[string]interface{}) (Handle, error)
}

// Prober waits for a server to report healthy.
type Prober interface {
	Wait(ctx context.Context, host string, port int, timeout time.Duration) error
}

// AppiumOpener opens W3C sessions with appium.Client.
type AppiumOpener struct {
	HTTPClient *http.Client
}

// Open implements Opener.
func (o AppiumOpener) Open(ctx context.Context, serverURL string, caps map[string]interface{}) (Handle, error) {
	c := appium.NewClient(serverURL)
	if o.HTTPClient != nil {
		c.WithHTTPClient(o.HTTPClient)
	}
	if err := c.Connect(ctx, caps); err != nil {
		return nil, err
	}
	return c, nil
}

// Options configures a Context. Zero fields take defaults.
type Options struct {
	WorkerID string

	// SystemPort is the baseline for the UiAutomator2 routing port.
	SystemPort   int
	Capabilities appium.Capabilities
	Server       appium.ServerConfig
	ProbeTimeout time.Duration

	Allocator *portalloc.Allocator
	Launcher  proc.Launcher
	Prober    Prober
	Opener    Opener
	Registry  *Registry
}

// OptionsFromSettings builds Options for one worker attached to device udid.
// Worker "gwN" gets baselines shifted by N.
func OptionsFromSettings(s *config.Settings, workerID, udid string) Options {
	appiumBase, systemBase := s.BasePorts(workerID)

	caps := appium.DefaultCapabilities()
	caps.DeviceName = s.DeviceName
	caps.App = s.APKPath
	caps.UDID = udid
	caps.AppPackage = s.AppPackage
	caps.AppActivity = s.AppActivity

	prober := health.NewProber()
	prober.StatusPath = s.StatusPath

	return Options{
		WorkerID:     workerID,
		SystemPort:   systemBase,
		Capabilities: caps,
		Server: appium.ServerConfig{
			Host:     s.AppiumHost,
			BasePort: appiumBase,
			Bin:      s.AppiumBin,
			LogLevel: s.AppiumLogLevel,
			LogDir:   s.LogDir,
		},
		ProbeTimeout: s.StartupTimeout,
		Prober:       prober,
	}
}

// Context is one worker's session state. It is owned by a single worker and
// must not be shared; methods serialize on an internal lock so accidental
// concurrent use is safe but not parallel.
type Context struct {
	workerID     string
	systemPort   int
	caps         appium.Capabilities
	probeTimeout time.Duration

	alloc    *portalloc.Allocator
	server   *appium.Server
	prober   Prober
	opener   Opener
	registry *Registry

	mu     sync.Mutex
	state  State
	handle Handle
	closed bool
}

// New validates the configuration, reserves the routing port and registers the
// context. A missing app binary fails with core.ErrInvalidConfiguration before
// any port or process is touched.
func New(opts Options) (*Context, error) {
	if opts.WorkerID == "" {
		opts.WorkerID = "master"
	}
	if err := opts.Capabilities.Validate(); err != nil {
		logger.Error("worker %s: %v", opts.WorkerID, err)
		return nil, err
	}
	if opts.SystemPort == 0 {
		opts.SystemPort = 8200
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.Allocator == nil {
		opts.Allocator = portalloc.Default()
	}
	if opts.Prober == nil {
		opts.Prober = health.NewProber()
	}
	if opts.Opener == nil {
		opts.Opener = AppiumOpener{}
	}
	if opts.Registry == nil {
		opts.Registry = DefaultRegistry()
	}

	systemPort, err := opts.Allocator.Reserve(opts.SystemPort)
	if err != nil {
		return nil, core.ErrInvalidConfiguration.WithMessage("no free routing port").WithCause(err)
	}

	caps := opts.Capabilities
	caps.SystemPort = systemPort

	c := &Context{
		workerID:     opts.WorkerID,
		systemPort:   systemPort,
		caps:         caps,
		probeTimeout: opts.ProbeTimeout,
		alloc:        opts.Allocator,
		server:       appium.NewServer(opts.Server, opts.Allocator, opts.Launcher),
		prober:       opts.Prober,
		opener:       opts.Opener,
		registry:     opts.Registry,
	}
	if !opts.Registry.add(c) {
		opts.Allocator.Release(systemPort)
		return nil, core.ErrInvalidConfiguration.WithMessagef("worker %s already has a session context", opts.WorkerID)
	}

	logger.Info("worker %s: session context ready (systemPort %d, udid %q, app %s)",
		c.workerID, systemPort, caps.UDID, caps.App)
	return c, nil
}

// GetSession returns the worker's session, starting the server, probing it and
// opening a session on first use. Later calls return the cached handle.
func (c *Context) GetSession(ctx context.Context) (h Handle, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, errors.Errorf("worker %s: session context is closed", c.workerID)
	}
	if c.handle != nil {
		return c.handle, nil
	}

	ctx, span := telemetry.StartSpan(ctx, "session.get", attribute.String("worker", c.workerID))
	defer func() { telemetry.End(span, err) }()

	c.state = Uninitialized
	start := time.Now()

	// The binary may have been removed since construction.
	if err := c.caps.Validate(); err != nil {
		c.state = FailedInvalidConfiguration
		logger.Error("worker %s: %v", c.workerID, err)
		return nil, err
	}

	c.state = StartingService
	if err := c.server.EnsureStarted(ctx); err != nil {
		c.state = FailedServiceStart
		return nil, err
	}
	port := c.server.Port()
	span.SetAttributes(attribute.Int("appium_port", port), attribute.Int("system_port", c.systemPort))

	c.state = ProbingHealth
	if err := c.prober.Wait(ctx, c.server.Host(), port, c.probeTimeout); err != nil {
		c.state = FailedStartupTimeout
		return nil, err
	}

	c.state = OpeningSession
	caps := c.caps.Map()
	handle, err := c.opener.Open(ctx, c.server.URL(), caps)
	if err != nil {
		c.state = FailedSessionOpen
		logger.Error("worker %s: failed to open session with capabilities %v: %v", c.workerID, caps, err)
		return nil, core.ErrSessionOpenFailure.
			WithDetails(map[string]interface{}{"server": c.server.URL(), "worker": c.workerID}).
			WithCause(err)
	}

	c.handle = handle
	c.state = Ready
	logger.Info("worker %s: session %s ready on %s in %s",
		c.workerID, handle.SessionID(), c.server.URL(), time.Since(start).Round(time.Millisecond))
	return handle, nil
}

// Stop quits the cached session and stops the server. Both are always
// attempted; failures are logged and returned as issues, never raised.
// Calling Stop again is a no-op.
func (c *Context) Stop(ctx context.Context) []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopLocked(ctx)
}

func (c *Context) stopLocked(ctx context.Context) []error {
	if c.handle == nil && !c.server.Running() {
		if c.state != Uninitialized {
			c.state = Stopped
		}
		return nil
	}

	_, span := telemetry.StartSpan(ctx, "session.stop", attribute.String("worker", c.workerID))
	defer span.End()

	var issues []error
	if c.handle != nil {
		id := c.handle.SessionID()
		qctx, cancel := context.WithTimeout(ctx, quitTimeout)
		if err := c.handle.Disconnect(qctx); err != nil {
			issues = append(issues, errors.Wrapf(err, "quit session %s", id))
		} else {
			logger.Info("worker %s: session %s closed", c.workerID, id)
		}
		cancel()
		c.handle = nil
	}
	if err := c.server.Stop(); err != nil {
		issues = append(issues, errors.Wrap(err, "stop appium server"))
	}
	c.state = Stopped

	for _, issue := range issues {
		telemetry.RecordError(span, issue)
		logger.Warn("worker %s: teardown issue: %v", c.workerID, issue)
	}
	return issues
}

// Close stops everything, releases both ports and unregisters the context.
// The context cannot be used afterwards.
func (c *Context) Close(ctx context.Context) []error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	issues := c.stopLocked(ctx)
	if err := c.server.Release(); err != nil {
		issues = append(issues, errors.Wrap(err, "release appium server"))
	}
	c.alloc.Release(c.systemPort)
	c.registry.remove(c)
	c.closed = true
	return issues
}

// WorkerID returns the owning worker's id.
func (c *Context) WorkerID() string { return c.workerID }

// SystemPort returns the reserved UiAutomator2 routing port.
func (c *Context) SystemPort() int { return c.systemPort }

// AppiumPort returns the server port, or 0 before the first GetSession.
func (c *Context) AppiumPort() int { return c.server.Port() }

// ServerURL returns the server base URL.
func (c *Context) ServerURL() string { return c.server.URL() }

// UDID returns the target device id, possibly empty.
func (c *Context) UDID() string { return c.caps.UDID }

// Capabilities returns the capability set (a value copy).
func (c *Context) Capabilities() appium.Capabilities { return c.caps }

// State returns the lifecycle state.
func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns the cached handle without opening one.
func (c *Context) Session() Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle
}
