// Package health polls an automation service's status endpoint until it
// answers or a deadline passes.
package health

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/devicelab-dev/appium-runner/pkg/core"
	"github.com/devicelab-dev/appium-runner/pkg/logger"
	"github.com/devicelab-dev/appium-runner/pkg/telemetry"
	"github.com/devicelab-dev/appium-runner/pkg/wait"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
)

// Defaults for Prober.
const (
	DefaultStatusPath = "/status"
	DefaultInterval   = time.Second
)

// Prober checks GET http://host:port<StatusPath> for a 2xx answer.
type Prober struct {
	Client     *http.Client
	StatusPath string
	Interval   time.Duration
}

// NewProber returns a Prober with a short per-request timeout.
func NewProber() *Prober {
	return &Prober{
		Client:     &http.Client{Timeout: 2 * time.Second},
		StatusPath: DefaultStatusPath,
		Interval:   DefaultInterval,
	}
}

// URL returns the status URL probed for host:port.
func (p *Prober) URL(host string, port int) string {
	path := p.StatusPath
	if path == "" {
		path = DefaultStatusPath
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(port)) + path
}

// Check performs a single probe.
func (p *Prober) Check(ctx context.Context, host string, port int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL(host, port), nil)
	if err != nil {
		return err
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("status endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// Wait probes every Interval until the service is healthy. Connection errors
// and non-2xx answers count as "not ready yet". When timeout passes it returns
// core.ErrStartupTimeout.
func (p *Prober) Wait(ctx context.Context, host string, port int, timeout time.Duration) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "health.wait",
		attribute.String("host", host), attribute.Int("port", port))
	defer func() { telemetry.End(span, err) }()

	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	start := time.Now()
	err = wait.Until(ctx, wait.Policy{Timeout: timeout, Interval: interval}, func(ctx context.Context) error {
		return p.Check(ctx, host, port)
	})
	if err == nil {
		logger.Info("automation service on %s:%d is ready after %s", host, port, time.Since(start).Round(time.Millisecond))
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	logger.Error("automation service on %s:%d not healthy within %s: %v", host, port, timeout, err)
	return core.ErrStartupTimeout.
		WithMessagef("automation service on %s:%d did not become healthy within %s", host, port, timeout).
		WithDetails(map[string]interface{}{"url": p.URL(host, port), "timeout": timeout.String()}).
		WithCause(err)
}
