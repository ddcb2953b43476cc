package health

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/devicelab-dev/appium-runner/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hostPort(t *testing.T, rawURL string) (string, int) {
	t.Helper()
	u, err := net.ResolveTCPAddr("tcp", rawURL[len("http://"):])
	require.NoError(t, err)
	return u.IP.String(), u.Port
}

func fastProber() *Prober {
	p := NewProber()
	p.Interval = 20 * time.Millisecond
	return p
}

func TestWait_HealthyImmediately(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		assert.Equal(t, "/status", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	host, port := hostPort(t, server.URL)
	require.NoError(t, fastProber().Wait(context.Background(), host, port, time.Second))
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestWait_BecomesHealthy(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	host, port := hostPort(t, server.URL)
	require.NoError(t, fastProber().Wait(context.Background(), host, port, 2*time.Second))
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
}

func TestCheck_Non2xxIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	host, port := hostPort(t, server.URL)
	err := NewProber().Check(context.Background(), host, port)
	assert.EqualError(t, err, "status endpoint returned 503")
}

func TestWait_CustomStatusPath(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/wd/hub/status" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	p := fastProber()
	p.StatusPath = "/wd/hub/status"
	host, port := hostPort(t, server.URL)
	require.NoError(t, p.Wait(context.Background(), host, port, time.Second))
}

func TestWait_NeverHealthyTimesOutNearDeadline(t *testing.T) {
	// Reserve a port and close it so nothing is listening.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	p := NewProber()
	start := time.Now()
	err = p.Wait(context.Background(), "127.0.0.1", port, 2*time.Second)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrStartupTimeout))
	assert.Contains(t, err.Error(), strconv.Itoa(port))
	assert.GreaterOrEqual(t, elapsed, 1900*time.Millisecond)
	assert.Less(t, elapsed, 3500*time.Millisecond)
}

func TestWait_ParentCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	host, port := hostPort(t, server.URL)
	err := fastProber().Wait(ctx, host, port, 5*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, core.ErrStartupTimeout))
}

func TestURL(t *testing.T) {
	p := &Prober{}
	assert.Equal(t, "http://127.0.0.1:4723/status", p.URL("127.0.0.1", 4723))
}
